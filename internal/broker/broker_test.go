package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"livesession/internal/transport"
	"livesession/pkg/types"
)

func newTestBroker(t *testing.T) (transport.Config, *Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := NewRegistry()
	router := NewRouter(registry, NewRateLimiter(1000, 1000), logger)
	hub := NewHub(registry, router, logger)

	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Start(ctx); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/pathfinder/peerjs", NewHandler("pathfinder", registry, hub, logger))
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		_ = hub.Stop()
		cancel()
	})

	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())
	return transport.Config{
		Host: u.Hostname(),
		Port: port,
		Key:  "pathfinder",
		Path: "/pathfinder",
		Kind: transport.KindRelay,
	}, registry
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBroker_RelayExchange(t *testing.T) {
	cfg, registry := newTestBroker(t)
	ctx := context.Background()

	presenter, err := transport.Dial(ctx, "abc123", cfg)
	if err != nil {
		t.Fatalf("presenter Dial failed: %v", err)
	}
	defer presenter.Destroy()

	attendee, err := transport.Dial(ctx, "", cfg)
	if err != nil {
		t.Fatalf("attendee Dial failed: %v", err)
	}
	defer attendee.Destroy()
	if attendee.ID() == "" {
		t.Fatal("Expected the broker to assign an id")
	}

	fromAttendee := make(chan *types.Event, 10)
	presenter.OnConnection(func(conn transport.DataConnection) {
		conn.OnData(func(e *types.Event) {
			fromAttendee <- e
			_ = conn.Send(&types.Event{Type: types.EventHeartbeat, SentAt: e.SentAt})
		})
	})

	conn, err := attendee.Connect("abc123")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	echoes := make(chan *types.Event, 10)
	conn.OnData(func(e *types.Event) { echoes <- e })
	waitFor(t, "relay connection open", conn.IsOpen)

	if err := conn.Send(&types.Event{Type: types.EventHeartbeat, SentAt: 42}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case e := <-fromAttendee:
		if e.SentAt != 42 {
			t.Errorf("presenter got sentAt %d", e.SentAt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("presenter never received the event")
	}
	select {
	case e := <-echoes:
		if e.SentAt != 42 {
			t.Errorf("echo sentAt = %d", e.SentAt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("attendee never received the echo")
	}

	if registry.LinkCount("abc123") != 1 {
		t.Errorf("LinkCount = %d, want 1", registry.LinkCount("abc123"))
	}
}

func TestBroker_IDTaken(t *testing.T) {
	cfg, _ := newTestBroker(t)

	first, err := transport.Dial(context.Background(), "abc123", cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Destroy()

	if _, err := transport.Dial(context.Background(), "abc123", cfg); !errors.Is(err, transport.ErrIDTaken) {
		t.Errorf("second Dial() = %v, want ErrIDTaken", err)
	}
}

func TestBroker_InvalidKey(t *testing.T) {
	cfg, _ := newTestBroker(t)
	cfg.Key = "wrong"

	if _, err := transport.Dial(context.Background(), "", cfg); err == nil {
		t.Error("Expected Dial with a bad key to fail")
	}
}

func TestBroker_UnknownPeerExpires(t *testing.T) {
	cfg, _ := newTestBroker(t)

	attendee, err := transport.Dial(context.Background(), "", cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer attendee.Destroy()

	conn, err := attendee.Connect("zzzzzz")
	if err != nil {
		t.Fatal(err)
	}
	errs := make(chan error, 1)
	conn.OnError(func(err error) { errs <- err })

	select {
	case err := <-errs:
		if !errors.Is(err, types.ErrPeerUnavailable) {
			t.Errorf("got %v, want ErrPeerUnavailable", err)
		}
		if types.GuidanceFor(err).Category != types.GuidancePeerUnavailable {
			t.Error("Expected peer-unavailable guidance")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connection error never arrived")
	}
}

func TestBroker_DisconnectClosesFarSide(t *testing.T) {
	cfg, registry := newTestBroker(t)
	ctx := context.Background()

	presenter, err := transport.Dial(ctx, "abc123", cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer presenter.Destroy()

	closed := make(chan struct{})
	presenter.OnConnection(func(conn transport.DataConnection) {
		conn.OnClose(func() { close(closed) })
	})

	attendee, err := transport.Dial(ctx, "", cfg)
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := attendee.Connect("abc123")
	waitFor(t, "open", conn.IsOpen)

	attendee.Destroy()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("presenter side never closed")
	}
	waitFor(t, "links cleared", func() bool { return registry.LinkCount("abc123") == 0 })
}
