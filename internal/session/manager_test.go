package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"livesession/internal/joincode"
	"livesession/internal/transport"
	"livesession/pkg/types"
)

// Test helpers

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recvEvent(t *testing.T, ch <-chan *types.Event) *types.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func stubQR(string) (string, error) { return "data:image/png;base64,stub", nil }

func newManager(network *transport.MemoryNetwork, clock clockwork.Clock, opts ...Option) *Manager {
	base := []Option{WithClock(clock), WithLogger(quietLogger()), WithQRCode(stubQR)}
	return NewManager(network.Factory(), append(base, opts...)...)
}

func startPresenter(t *testing.T, network *transport.MemoryNetwork, clock clockwork.Clock, opts ...Option) (*Manager, *types.SessionInfo) {
	t.Helper()
	m := newManager(network, clock, opts...)
	info, err := m.CreateSession(context.Background(), types.SessionConfig{Name: "Demo", TutorialURL: "https://x/y"}, transport.Config{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	t.Cleanup(m.EndSession)
	return m, info
}

func joinAttendee(t *testing.T, network *transport.MemoryNetwork, sessionID string, mode types.AttendeeMode, name string) *Manager {
	t.Helper()
	m := newManager(network, clockwork.NewRealClock())
	if err := m.JoinSession(context.Background(), sessionID, mode, name, transport.Config{}); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}
	t.Cleanup(m.EndSession)
	return m
}

// rawAttendee is a bare memory peer speaking the wire protocol directly, so
// tests control exactly what the presenter receives.
type rawAttendee struct {
	peer   *transport.MemoryPeer
	conn   transport.DataConnection
	events chan *types.Event
}

func dialRaw(t *testing.T, network *transport.MemoryNetwork, id, presenterID string) *rawAttendee {
	t.Helper()
	peer, err := network.NewPeer(id)
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	raw := &rawAttendee{peer: peer, events: make(chan *types.Event, 64)}
	raw.connect(t, presenterID)
	t.Cleanup(peer.Destroy)
	return raw
}

func (r *rawAttendee) connect(t *testing.T, presenterID string) {
	t.Helper()
	conn, err := r.peer.Connect(presenterID)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn.OnData(func(e *types.Event) { r.events <- e })
	waitFor(t, "raw connection open", conn.IsOpen)
	r.conn = conn
}

func (r *rawAttendee) send(t *testing.T, e *types.Event) {
	t.Helper()
	if err := r.conn.Send(e); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

// expect skips heartbeats until an event of the given type arrives.
func (r *rawAttendee) expect(t *testing.T, eventType string) *types.Event {
	t.Helper()
	for {
		e := recvEvent(t, r.events)
		if e.Type == eventType {
			return e
		}
	}
}

func hasAttendee(m *Manager, id string) bool {
	for _, a := range m.Attendees() {
		if a.ID == id {
			return true
		}
	}
	return false
}

func attendeeByID(m *Manager, id string) (types.AttendeeInfo, bool) {
	for _, a := range m.Attendees() {
		if a.ID == id {
			return a, true
		}
	}
	return types.AttendeeInfo{}, false
}

// silentPeer never opens.
type silentPeer struct {
	destroyed atomic.Bool
}

func (p *silentPeer) ID() string                                  { return "" }
func (p *silentPeer) OnOpen(func(string))                         {}
func (p *silentPeer) OnError(func(error))                         {}
func (p *silentPeer) OnConnection(func(transport.DataConnection)) {}
func (p *silentPeer) Connect(string) (transport.DataConnection, error) {
	return nil, transport.ErrNotOpen
}
func (p *silentPeer) Destroy()        { p.destroyed.Store(true) }
func (p *silentPeer) Destroyed() bool { return p.destroyed.Load() }

// Functional Validation Tests - presenter

func TestCreateSession_ReturnsShareableInfo(t *testing.T) {
	network := transport.NewMemoryNetwork()
	m := NewManager(network.Factory(), WithLogger(quietLogger()))
	defer m.EndSession()

	info, err := m.CreateSession(context.Background(), types.SessionConfig{Name: "Demo", TutorialURL: "https://x/y"}, transport.Config{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if info.Config.Name != "Demo" || info.Config.DefaultMode != types.ModeGuided {
		t.Errorf("Unexpected config %+v", info.Config)
	}
	if !regexp.MustCompile(`^[a-z0-9]{6}$`).MatchString(info.SessionID) {
		t.Errorf("SessionID %q is not a presenter id", info.SessionID)
	}
	offer, err := joincode.ParseJoinCode(info.JoinCode)
	if err != nil {
		t.Fatalf("ParseJoinCode failed: %v", err)
	}
	if offer.ID != info.SessionID || offer.Name != "Demo" || offer.TutorialURL != "https://x/y" {
		t.Errorf("Join code decoded to %+v", offer)
	}
	if !strings.Contains(info.JoinURL, "/a/"+joincode.DefaultAppSlug+"?session=") {
		t.Errorf("Unexpected join URL %q", info.JoinURL)
	}
	if !strings.HasPrefix(info.QRCode, "data:image/png;base64,") {
		t.Errorf("Expected a PNG data URL, got %.40q", info.QRCode)
	}

	if m.Role() != types.RolePresenter || !m.IsActive() || m.SessionID() != info.SessionID {
		t.Errorf("Unexpected state role=%q session=%q", m.Role(), m.SessionID())
	}
	if _, ok := network.Peer(info.SessionID); !ok {
		t.Error("Expected presenter peer on the network")
	}
}

func TestCreateSession_QRFailureIsAbsorbed(t *testing.T) {
	network := transport.NewMemoryNetwork()
	m := newManager(network, clockwork.NewFakeClock(), WithQRCode(func(string) (string, error) {
		return "", errors.New("renderer unavailable")
	}))
	defer m.EndSession()

	info, err := m.CreateSession(context.Background(), types.SessionConfig{Name: "Demo"}, transport.Config{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if info.QRCode != "" {
		t.Errorf("QRCode = %q, want empty", info.QRCode)
	}
}

func TestCreateSession_InvalidConfig(t *testing.T) {
	m := newManager(transport.NewMemoryNetwork(), clockwork.NewFakeClock())
	_, err := m.CreateSession(context.Background(), types.SessionConfig{Name: ""}, transport.Config{})
	if !errors.Is(err, types.ErrInvalidSessionName) {
		t.Errorf("Expected ErrInvalidSessionName, got %v", err)
	}
	if m.IsActive() {
		t.Error("Expected no session")
	}
}

func TestCreateSession_RejectsSecondRole(t *testing.T) {
	network := transport.NewMemoryNetwork()
	m, info := startPresenter(t, network, clockwork.NewFakeClock())

	if _, err := m.CreateSession(context.Background(), types.SessionConfig{Name: "Again"}, transport.Config{}); !errors.Is(err, ErrSessionActive) {
		t.Errorf("Expected ErrSessionActive, got %v", err)
	}
	if err := m.JoinSession(context.Background(), info.SessionID, types.ModeGuided, "", transport.Config{}); !errors.Is(err, ErrSessionActive) {
		t.Errorf("Expected ErrSessionActive from join, got %v", err)
	}
}

func TestCreateSession_PeerTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	peer := &silentPeer{}
	factory := func(context.Context, string, transport.Config) (transport.Peer, error) { return peer, nil }
	m := NewManager(factory, WithClock(clock), WithLogger(quietLogger()))

	var reported []*types.SessionError
	var mu sync.Mutex
	m.OnError(func(err *types.SessionError) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		_, err := m.CreateSession(context.Background(), types.SessionConfig{Name: "Demo"}, transport.Config{})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("CreateSession never waited: %v", err)
	}
	clock.Advance(DefaultOpenTimeout)

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CreateSession did not time out")
	}

	if !errors.Is(err, types.ErrConnectionFailed) || !errors.Is(err, types.ErrTimeout) {
		t.Errorf("Expected CONNECTION_FAILED timeout, got %v", err)
	}
	if types.GuidanceFor(err).Category != types.GuidanceTimeout {
		t.Errorf("Expected timeout guidance for %v", err)
	}
	mu.Lock()
	if len(reported) != 1 || reported[0].Code != types.CodeConnectionFailed {
		t.Errorf("Expected one reported CONNECTION_FAILED, got %v", reported)
	}
	mu.Unlock()
	if !peer.Destroyed() {
		t.Error("Expected the peer to be destroyed")
	}
	if m.IsActive() {
		t.Error("Expected no session after timeout")
	}
}

func TestCreateSession_IDTaken(t *testing.T) {
	network := transport.NewMemoryNetwork()
	if _, err := network.NewPeer("abc123"); err != nil {
		t.Fatal(err)
	}
	m := newManager(network, clockwork.NewFakeClock(), WithPresenterID(func() string { return "abc123" }))

	_, err := m.CreateSession(context.Background(), types.SessionConfig{Name: "Demo"}, transport.Config{})
	if !errors.Is(err, types.ErrConnectionFailed) || !errors.Is(err, transport.ErrIDTaken) {
		t.Errorf("Expected CONNECTION_FAILED wrapping ErrIDTaken, got %v", err)
	}
}

// Functional Validation Tests - join and attendee registry

func TestJoinSession_RegistersAttendee(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter, info := startPresenter(t, network, clockwork.NewFakeClock())

	joined := make(chan types.AttendeeInfo, 1)
	presenter.OnAttendeeJoin(func(a types.AttendeeInfo) { joined <- a })

	attendee := joinAttendee(t, network, info.SessionID, types.ModeFollow, "Ana")

	select {
	case a := <-joined:
		if a.ID != attendee.PeerID() || a.Name != "Ana" || a.Mode != types.ModeFollow {
			t.Errorf("Unexpected attendee %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAttendeeJoin never fired")
	}

	a, ok := attendeeByID(presenter, attendee.PeerID())
	if !ok || a.ConnectionState != types.StateConnected {
		t.Errorf("Expected connected attendee, got %+v", a)
	}
	if state, _ := presenter.ConnectionState(attendee.PeerID()); state != types.StateConnected {
		t.Errorf("ConnectionState = %q", state)
	}

	if attendee.Role() != types.RoleAttendee || attendee.SessionID() != info.SessionID || attendee.Mode() != types.ModeFollow {
		t.Errorf("Unexpected attendee state role=%q session=%q", attendee.Role(), attendee.SessionID())
	}
	waitFor(t, "session_start config", func() bool {
		cfg, ok := attendee.Config()
		return ok && cfg.Name == "Demo"
	})
}

func TestJoinSession_UnknownPresenter(t *testing.T) {
	network := transport.NewMemoryNetwork()
	m := newManager(network, clockwork.NewFakeClock())

	var reported atomic.Int32
	m.OnError(func(*types.SessionError) { reported.Add(1) })

	err := m.JoinSession(context.Background(), "zzzzzz", types.ModeGuided, "Ana", transport.Config{})
	if !errors.Is(err, types.ErrConnectionFailed) {
		t.Fatalf("Expected CONNECTION_FAILED, got %v", err)
	}
	if types.GuidanceFor(err).Category != types.GuidancePeerUnavailable {
		t.Errorf("Expected peer unavailable guidance for %v", err)
	}
	if reported.Load() != 1 {
		t.Errorf("Expected the failure on the error channel too, got %d", reported.Load())
	}
	if m.IsActive() {
		t.Error("Expected no session")
	}
	if len(network.Peers()) != 0 {
		t.Errorf("Expected the attendee peer destroyed, network has %v", network.Peers())
	}
}

func TestJoinSession_InvalidMode(t *testing.T) {
	m := newManager(transport.NewMemoryNetwork(), clockwork.NewFakeClock())
	if err := m.JoinSession(context.Background(), "abc123", "watch", "", transport.Config{}); !errors.Is(err, types.ErrInvalidMode) {
		t.Errorf("Expected ErrInvalidMode, got %v", err)
	}
}

func TestAttendee_RepeatedJoinOverwrites(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter, info := startPresenter(t, network, clockwork.NewFakeClock())

	var joins atomic.Int32
	presenter.OnAttendeeJoin(func(types.AttendeeInfo) { joins.Add(1) })

	raw := dialRaw(t, network, "raw-1", info.SessionID)
	for _, name := range []string{"a", "b", "c"} {
		raw.send(t, &types.Event{Type: types.EventAttendeeJoin, Name: name, Mode: types.ModeGuided})
	}
	waitFor(t, "three joins", func() bool { return joins.Load() == 3 })

	list := presenter.Attendees()
	if len(list) != 1 || list[0].ID != "raw-1" || list[0].Name != "c" {
		t.Errorf("Expected one overwritten attendee, got %+v", list)
	}

	start := raw.expect(t, types.EventSessionStart)
	if start.Config == nil || start.Config.Name != "Demo" || start.SessionID != info.SessionID {
		t.Errorf("Unexpected session_start %+v", start)
	}
}

func TestAttendee_ModeChangeKeepsConnectionData(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := clockwork.NewFakeClock()
	presenter, info := startPresenter(t, network, clock)

	attendee := joinAttendee(t, network, info.SessionID, types.ModeFollow, "Ana")
	id := attendee.PeerID()
	waitFor(t, "attendee registered", func() bool { return hasAttendee(presenter, id) })

	clock.Advance(DefaultHeartbeatInterval)
	waitFor(t, "connection quality", func() bool {
		_, ok := presenter.ConnectionQuality(id)
		return ok
	})

	var forwarded atomic.Int32
	presenter.OnEvent(func(e *types.Event) {
		if e.Type == types.EventModeChange {
			forwarded.Add(1)
		}
	})
	if err := attendee.ChangeMode(types.ModeGuided); err != nil {
		t.Fatalf("ChangeMode failed: %v", err)
	}
	waitFor(t, "mode change", func() bool {
		a, _ := attendeeByID(presenter, id)
		return a.Mode == types.ModeGuided
	})

	a, _ := attendeeByID(presenter, id)
	if a.ConnectionState != types.StateConnected || a.ConnectionQuality == nil {
		t.Errorf("Mode change lost connection data: %+v", a)
	}
	if attendee.Mode() != types.ModeGuided {
		t.Errorf("Attendee Mode() = %q", attendee.Mode())
	}
	waitFor(t, "forwarded mode_change", func() bool { return forwarded.Load() == 1 })
}

func TestHandRaises_SortedByRaisedAt(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter, info := startPresenter(t, network, clockwork.NewFakeClock())

	var updates atomic.Int32
	presenter.OnHandRaiseUpdate(func([]types.HandRaiseInfo) { updates.Add(1) })

	first := dialRaw(t, network, "raw-1", info.SessionID)
	second := dialRaw(t, network, "raw-2", info.SessionID)
	first.send(t, &types.Event{Type: types.EventHandRaise, AttendeeName: "One", IsRaised: true, Timestamp: 2000})
	second.send(t, &types.Event{Type: types.EventHandRaise, AttendeeName: "Two", IsRaised: true, Timestamp: 1000})
	waitFor(t, "two hand raises", func() bool { return len(presenter.HandRaises()) == 2 })

	raises := presenter.HandRaises()
	if raises[0].AttendeeID != "raw-2" || raises[1].AttendeeID != "raw-1" {
		t.Errorf("Expected ascending raisedAt, got %+v", raises)
	}

	second.send(t, &types.Event{Type: types.EventHandRaise, AttendeeName: "Two", IsRaised: false, Timestamp: 3000})
	waitFor(t, "lowered hand", func() bool { return len(presenter.HandRaises()) == 1 })
	if presenter.HandRaises()[0].AttendeeID != "raw-1" {
		t.Errorf("Wrong hand lowered: %+v", presenter.HandRaises())
	}
	if updates.Load() != 3 {
		t.Errorf("Expected 3 hand raise updates, got %d", updates.Load())
	}
}

func TestAttendeeLeave_RemovesImmediately(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter, info := startPresenter(t, network, clockwork.NewFakeClock())

	raw := dialRaw(t, network, "raw-1", info.SessionID)
	raw.send(t, &types.Event{Type: types.EventAttendeeJoin, Name: "Ana"})
	raw.send(t, &types.Event{Type: types.EventHandRaise, IsRaised: true, Timestamp: 1})
	waitFor(t, "hand raise", func() bool { return len(presenter.HandRaises()) == 1 })

	raw.send(t, &types.Event{Type: types.EventAttendeeLeave})
	waitFor(t, "removal", func() bool { return !hasAttendee(presenter, "raw-1") })

	if len(presenter.HandRaises()) != 0 {
		t.Error("Expected hand raise removed with the attendee")
	}
	if _, ok := presenter.ConnectionState("raw-1"); ok {
		t.Error("Expected connection state removed")
	}
}

func TestDisconnect_GracePeriodExpires(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := clockwork.NewFakeClock()
	presenter, info := startPresenter(t, network, clock)

	var removals atomic.Int32
	var mu sync.Mutex
	present := false
	presenter.OnAttendeeListUpdate(func(list []types.AttendeeInfo) {
		found := false
		for _, a := range list {
			found = found || a.ID == "raw-1"
		}
		mu.Lock()
		defer mu.Unlock()
		if present && !found {
			removals.Add(1)
		}
		present = found
	})

	raw := dialRaw(t, network, "raw-1", info.SessionID)
	raw.send(t, &types.Event{Type: types.EventAttendeeJoin, Name: "Ana"})
	waitFor(t, "join", func() bool { return hasAttendee(presenter, "raw-1") })

	_ = raw.conn.Close()
	waitFor(t, "disconnected", func() bool {
		state, _ := presenter.ConnectionState("raw-1")
		return state == types.StateDisconnected
	})
	a, _ := attendeeByID(presenter, "raw-1")
	if a.ConnectionState != types.StateDisconnected {
		t.Errorf("Expected attendee marked disconnected, got %+v", a)
	}

	clock.Advance(DefaultGracePeriod - time.Second)
	time.Sleep(20 * time.Millisecond)
	if !hasAttendee(presenter, "raw-1") {
		t.Fatal("Attendee removed before the grace period ended")
	}

	clock.Advance(time.Second)
	waitFor(t, "grace removal", func() bool { return !hasAttendee(presenter, "raw-1") })

	clock.Advance(2 * DefaultGracePeriod)
	time.Sleep(20 * time.Millisecond)
	if removals.Load() != 1 {
		t.Errorf("Expected exactly one removal, got %d", removals.Load())
	}
}

func TestDisconnect_ReconnectWithinGracePeriod(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := clockwork.NewFakeClock()
	presenter, info := startPresenter(t, network, clock)

	raw := dialRaw(t, network, "raw-1", info.SessionID)
	raw.send(t, &types.Event{Type: types.EventAttendeeJoin, Name: "Ana"})
	waitFor(t, "join", func() bool { return hasAttendee(presenter, "raw-1") })

	_ = raw.conn.Close()
	waitFor(t, "disconnected", func() bool {
		state, _ := presenter.ConnectionState("raw-1")
		return state == types.StateDisconnected
	})

	clock.Advance(10 * time.Second)
	raw.connect(t, info.SessionID)
	raw.send(t, &types.Event{Type: types.EventAttendeeJoin, Name: "Ana"})
	waitFor(t, "reconnected", func() bool {
		state, _ := presenter.ConnectionState("raw-1")
		return state == types.StateConnected
	})

	clock.Advance(DefaultGracePeriod)
	time.Sleep(20 * time.Millisecond)
	a, ok := attendeeByID(presenter, "raw-1")
	if !ok || a.ConnectionState != types.StateConnected {
		t.Errorf("Expected attendee kept after reconnect, got %+v (present=%v)", a, ok)
	}
}

func TestConnectionError_MarksFailed(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter, info := startPresenter(t, network, clockwork.NewFakeClock())

	var farConn *transport.MemoryConn
	accepted := make(chan struct{})
	presenterPeer, _ := network.Peer(info.SessionID)
	presenterPeer.OnConnection(func(c transport.DataConnection) {
		farConn = c.(*transport.MemoryConn)
		close(accepted)
	})

	raw := dialRaw(t, network, "raw-1", info.SessionID)
	raw.send(t, &types.Event{Type: types.EventAttendeeJoin, Name: "Ana"})
	waitFor(t, "join", func() bool { return hasAttendee(presenter, "raw-1") })
	<-accepted

	farConn.Fail(errors.New("ice failed"))
	waitFor(t, "failed state", func() bool {
		a, _ := attendeeByID(presenter, "raw-1")
		return a.ConnectionState == types.StateFailed
	})
}

// Functional Validation Tests - heartbeat

func TestHeartbeat_MeasuresLatency(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := clockwork.NewFakeClock()
	presenter, info := startPresenter(t, network, clock)

	raw := dialRaw(t, network, "raw-1", info.SessionID)
	raw.send(t, &types.Event{Type: types.EventAttendeeJoin, Name: "Ana"})
	waitFor(t, "join", func() bool { return hasAttendee(presenter, "raw-1") })

	clock.Advance(DefaultHeartbeatInterval)
	ping := raw.expect(t, types.EventHeartbeat)
	if ping.SentAt != types.Millis(clock.Now()) {
		t.Errorf("sentAt = %d, want %d", ping.SentAt, types.Millis(clock.Now()))
	}

	clock.Advance(150 * time.Millisecond)
	raw.send(t, &types.Event{Type: types.EventHeartbeat, SentAt: ping.SentAt})

	waitFor(t, "quality", func() bool {
		_, ok := presenter.ConnectionQuality("raw-1")
		return ok
	})
	q, _ := presenter.ConnectionQuality("raw-1")
	if q.Latency != 150*time.Millisecond || q.Quality != types.QualityGood {
		t.Errorf("Unexpected quality %+v", q)
	}

	// An echo of a heartbeat we did not send is ignored.
	raw.send(t, &types.Event{Type: types.EventHeartbeat, SentAt: 42})
	time.Sleep(20 * time.Millisecond)
	if q2, _ := presenter.ConnectionQuality("raw-1"); q2.Latency != q.Latency {
		t.Errorf("Unmatched echo changed quality: %+v", q2)
	}
}

func TestHeartbeat_StaleAttendeeDemoted(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := clockwork.NewFakeClock()
	presenter, info := startPresenter(t, network, clock)

	raw := dialRaw(t, network, "raw-1", info.SessionID)
	raw.send(t, &types.Event{Type: types.EventAttendeeJoin, Name: "Ana"})
	waitFor(t, "join", func() bool { return hasAttendee(presenter, "raw-1") })

	for i := 0; i < 3; i++ {
		clock.Advance(DefaultHeartbeatInterval)
		raw.expect(t, types.EventHeartbeat)
	}
	a, _ := attendeeByID(presenter, "raw-1")
	if a.ConnectionState != types.StateConnected {
		t.Fatalf("Demoted at exactly the threshold: %+v", a)
	}

	clock.Advance(DefaultHeartbeatInterval)
	waitFor(t, "stale demotion", func() bool {
		a, _ := attendeeByID(presenter, "raw-1")
		return a.ConnectionState == types.StateDisconnected
	})
	if !hasAttendee(presenter, "raw-1") {
		t.Error("Stale attendee must not be removed")
	}
}

func TestHeartbeat_AttendeeEchoesAndDoesNotForward(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := clockwork.NewFakeClock()
	presenter, info := startPresenter(t, network, clock)
	attendee := joinAttendee(t, network, info.SessionID, types.ModeGuided, "Ana")

	var heartbeats atomic.Int32
	attendee.OnEvent(func(e *types.Event) {
		if e.Type == types.EventHeartbeat {
			heartbeats.Add(1)
		}
	})
	waitFor(t, "attendee registered", func() bool { return hasAttendee(presenter, attendee.PeerID()) })

	clock.Advance(DefaultHeartbeatInterval)
	waitFor(t, "echo measured", func() bool {
		q, ok := presenter.ConnectionQuality(attendee.PeerID())
		return ok && q.Quality == types.QualityExcellent
	})
	if heartbeats.Load() != 0 {
		t.Errorf("Heartbeats reached event handlers %d times", heartbeats.Load())
	}
}

// Functional Validation Tests - fan-out

func TestBroadcastToAttendees(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter, info := startPresenter(t, network, clockwork.NewFakeClock())

	a1 := joinAttendee(t, network, info.SessionID, types.ModeFollow, "One")
	a2 := joinAttendee(t, network, info.SessionID, types.ModeGuided, "Two")
	waitFor(t, "two attendees", func() bool { return len(presenter.Attendees()) == 2 })

	got := make(chan *types.Event, 4)
	for _, a := range []*Manager{a1, a2} {
		a.OnEvent(func(e *types.Event) {
			if e.Type == types.EventShowMe {
				got <- e
			}
		})
	}

	event := &types.Event{
		Type:   types.EventShowMe,
		StepID: "step-1",
		Action: &types.InteractiveAction{TargetAction: "button", RefTarget: "Save"},
	}
	if err := presenter.BroadcastToAttendees(event); err != nil {
		t.Fatalf("BroadcastToAttendees failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		e := recvEvent(t, got)
		if e.SessionID != info.SessionID || e.SenderID != info.SessionID || e.Timestamp == 0 {
			t.Errorf("Envelope not filled: %+v", e)
		}
		if e.Action == nil || e.Action.RefTarget != "Save" {
			t.Errorf("Action lost: %+v", e.Action)
		}
	}
}

func TestBroadcast_RoleChecks(t *testing.T) {
	network := transport.NewMemoryNetwork()
	idle := newManager(network, clockwork.NewFakeClock())

	if err := idle.BroadcastToAttendees(&types.Event{Type: types.EventShowMe}); !errors.Is(err, ErrNotPresenter) {
		t.Errorf("Expected ErrNotPresenter, got %v", err)
	}
	if err := idle.SendToPresenter(&types.Event{Type: types.EventHandRaise}); !errors.Is(err, ErrNotAttendee) {
		t.Errorf("Expected ErrNotAttendee, got %v", err)
	}

	presenter, _ := startPresenter(t, network, clockwork.NewFakeClock())
	if err := presenter.SendToPresenter(&types.Event{Type: types.EventHandRaise}); !errors.Is(err, ErrNotAttendee) {
		t.Errorf("Expected ErrNotAttendee from presenter, got %v", err)
	}
	if err := presenter.BroadcastToAttendees(&types.Event{Type: types.EventShowMe}); err != nil {
		t.Errorf("Broadcast with no attendees failed: %v", err)
	}
}

func TestRaiseHand_ReachesPresenter(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter, info := startPresenter(t, network, clockwork.NewFakeClock())
	attendee := joinAttendee(t, network, info.SessionID, types.ModeGuided, "Ana")

	if err := attendee.RaiseHand(true); err != nil {
		t.Fatalf("RaiseHand failed: %v", err)
	}
	waitFor(t, "hand raise", func() bool { return len(presenter.HandRaises()) == 1 })
	h := presenter.HandRaises()[0]
	if h.AttendeeID != attendee.PeerID() || h.AttendeeName != "Ana" {
		t.Errorf("Unexpected hand raise %+v", h)
	}
}

// Functional Validation Tests - ending

func TestEndSession_Presenter(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter := newManager(network, clockwork.NewFakeClock())
	info, err := presenter.CreateSession(context.Background(), types.SessionConfig{Name: "Demo"}, transport.Config{})
	if err != nil {
		t.Fatal(err)
	}
	attendee := joinAttendee(t, network, info.SessionID, types.ModeGuided, "Ana")

	ended := make(chan *types.Event, 1)
	attendee.OnEvent(func(e *types.Event) {
		if e.Type == types.EventSessionEnd {
			ended <- e
		}
	})
	lost := make(chan *types.SessionError, 1)
	attendee.OnError(func(err *types.SessionError) { lost <- err })
	waitFor(t, "attendee registered", func() bool { return len(presenter.Attendees()) == 1 })

	presenter.EndSession()

	recvEvent(t, ended)
	select {
	case err := <-lost:
		if err.Code != types.CodeConnectionFailed {
			t.Errorf("Expected CONNECTION_FAILED, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Attendee was not told the connection was lost")
	}

	if presenter.IsActive() || presenter.SessionID() != "" || len(presenter.Attendees()) != 0 {
		t.Error("Expected presenter reset")
	}
	if _, ok := presenter.Config(); ok {
		t.Error("Expected config cleared")
	}
	if _, ok := network.Peer(info.SessionID); ok {
		t.Error("Expected presenter peer destroyed")
	}
	if attendee.Role() != types.RoleAttendee {
		t.Error("Attendee must not end its own session automatically")
	}
}

func TestEndSession_AttendeeLeaves(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter, info := startPresenter(t, network, clockwork.NewFakeClock())

	attendeeClock := clockwork.NewFakeClock()
	attendee := newManager(network, attendeeClock)
	if err := attendee.JoinSession(context.Background(), info.SessionID, types.ModeGuided, "Ana", transport.Config{}); err != nil {
		t.Fatal(err)
	}
	id := attendee.PeerID()
	waitFor(t, "attendee registered", func() bool { return hasAttendee(presenter, id) })

	left := make(chan *types.Event, 1)
	presenter.OnEvent(func(e *types.Event) {
		if e.Type == types.EventAttendeeLeave {
			left <- e
		}
	})
	var lostErrors atomic.Int32
	attendee.OnError(func(*types.SessionError) { lostErrors.Add(1) })

	attendee.EndSession()
	if attendee.IsActive() || attendee.PeerID() != "" {
		t.Error("Expected attendee reset immediately")
	}

	e := recvEvent(t, left)
	if e.SenderID != id {
		t.Errorf("attendee_leave sender = %q, want %q", e.SenderID, id)
	}
	waitFor(t, "removal without grace", func() bool { return !hasAttendee(presenter, id) })

	if _, ok := network.Peer(id); !ok {
		t.Error("Peer destroyed before the leave delay")
	}
	attendeeClock.Advance(DefaultLeaveDelay)
	waitFor(t, "attendee peer destroyed", func() bool {
		_, ok := network.Peer(id)
		return !ok
	})
	if lostErrors.Load() != 0 {
		t.Error("Leaving intentionally must not report an error")
	}
}

func TestEndSession_IdleIsNoop(t *testing.T) {
	m := newManager(transport.NewMemoryNetwork(), clockwork.NewFakeClock())
	var calls atomic.Int32
	m.OnEvent(func(*types.Event) { calls.Add(1) })

	m.EndSession()
	m.EndSession()

	if m.IsActive() {
		t.Error("Expected idle")
	}
	if m.eventHandlers.len() != 1 {
		t.Error("Idle EndSession must keep subscriptions")
	}
}

func TestEndSession_ClearsSubscriptionsAndAllowsNewSession(t *testing.T) {
	network := transport.NewMemoryNetwork()
	m := newManager(network, clockwork.NewFakeClock())
	m.OnEvent(func(*types.Event) {})
	m.OnAttendeeListUpdate(func([]types.AttendeeInfo) {})

	if _, err := m.CreateSession(context.Background(), types.SessionConfig{Name: "One"}, transport.Config{}); err != nil {
		t.Fatal(err)
	}
	m.EndSession()

	if m.eventHandlers.len() != 0 || m.listHandlers.len() != 0 {
		t.Error("Expected subscriptions cleared")
	}
	if _, err := m.CreateSession(context.Background(), types.SessionConfig{Name: "Two"}, transport.Config{}); err != nil {
		t.Fatalf("Second session failed: %v", err)
	}
	m.EndSession()
}

// Technical Validation Tests - subscriptions

func TestHandlerSet_OrderPanicsAndUnsubscribe(t *testing.T) {
	s := handlerSet[int]{name: "test"}
	var order []string

	s.add(func(int) { order = append(order, "first") })
	s.add(func(int) { panic("broken subscriber") })
	unsubscribe := s.add(func(int) { order = append(order, "third") })

	s.emit(quietLogger(), 1)
	if strings.Join(order, ",") != "first,third" {
		t.Errorf("order = %v", order)
	}

	unsubscribe()
	unsubscribe()
	order = nil
	s.emit(quietLogger(), 2)
	if strings.Join(order, ",") != "first" {
		t.Errorf("order after unsubscribe = %v", order)
	}
	if s.len() != 2 {
		t.Errorf("len = %d, want 2", s.len())
	}
}

func TestManager_GetStats(t *testing.T) {
	network := transport.NewMemoryNetwork()
	presenter, info := startPresenter(t, network, clockwork.NewFakeClock())
	joinAttendee(t, network, info.SessionID, types.ModeGuided, "Ana")
	waitFor(t, "attendee", func() bool { return len(presenter.Attendees()) == 1 })

	stats := presenter.GetStats()
	if stats["role"] != "presenter" || stats["attendees"] != 1 || stats["connections"] != 1 {
		t.Errorf("Unexpected stats %v", stats)
	}
}
