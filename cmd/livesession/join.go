package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"livesession/internal/joincode"
	"livesession/internal/reconnect"
	"livesession/internal/replay"
	"livesession/internal/session"
	"livesession/internal/state"
	"livesession/internal/store"
	"livesession/internal/transport"
	"livesession/pkg/types"
)

var errLeave = errors.New("leave session")

func runJoin(ctx context.Context, e *env, args []string) error {
	flags := pflag.NewFlagSet("join", pflag.ContinueOnError)
	flags.SetOutput(e.stderr)
	code := flags.String("code", "", "join code or join URL")
	resume := flags.Bool("resume", false, "rejoin the session saved by the last join")
	name := flags.String("name", "", "name shown to the presenter")
	mode := flags.String("mode", "", "guided or follow (default: the session's default)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *code == "" && !*resume {
		return errors.New("one of --code or --resume is required")
	}

	st, err := store.Open(e.cfg.StoreConfig(), e.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reconnector, err := reconnect.New(e.cfg.ReconnectConfig(),
		reconnect.WithLogger(e.logger),
		reconnect.WithMetrics(e.metrics),
	)
	if err != nil {
		return err
	}

	manager := session.NewManager(transport.Dial,
		session.WithLogger(e.logger),
		session.WithMetrics(e.metrics),
		session.WithTimings(e.cfg.SessionTimings()),
	)
	facade := state.New(manager, e.cfg.TransportConfig(),
		state.WithKV(st),
		state.WithReconnect(reconnector),
		state.WithLogger(e.logger),
	)
	defer facade.EndSession()

	offer, attendeeName, attendeeMode, err := resolveOffer(ctx, facade, *code, *resume, *name, types.AttendeeMode(*mode))
	if err != nil {
		return err
	}

	player := replay.New(attendeeMode, &consoleNavigator{out: e.stdout},
		replay.WithLogger(e.logger),
		replay.WithMetrics(e.metrics),
	)
	detach := player.Attach(ctx, facade)
	defer detach()

	if err := facade.JoinSession(ctx, offer, attendeeName, attendeeMode); err != nil {
		printGuidance(e.stderr, err)
		return err
	}
	snap := facade.Snapshot()
	if err := player.SetMode(snap.Mode); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "joined %q as %s (%s mode)\n", offer.Name, attendeeName, snap.Mode)

	ended := make(chan struct{})
	var once sync.Once
	unsubscribe := facade.Subscribe(connectionPrinter(e.stdout, func() { once.Do(func() { close(ended) }) }))
	defer unsubscribe()

	fmt.Fprintln(e.stdout, "commands: hand up|down, mode guided|follow, chat <message>, leave")
	lines := readLines(ctx, e.stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := attendeeCommand(ctx, facade, player, attendeeName, line)
			if errors.Is(err, errLeave) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(e.stderr, "%v\n", err)
			}
		}
	}
}

// resolveOffer picks the session to join from a code, a join URL or the
// saved session.
func resolveOffer(ctx context.Context, f *state.Facade, code string, resume bool, name string, mode types.AttendeeMode) (types.SessionOffer, string, types.AttendeeMode, error) {
	if resume {
		saved, ok, err := f.ResumeOffer(ctx)
		if err != nil {
			return types.SessionOffer{}, "", "", fmt.Errorf("failed to read saved session: %w", err)
		}
		if !ok {
			return types.SessionOffer{}, "", "", errors.New("no saved session to resume")
		}
		if name == "" {
			name = saved.Name
		}
		if mode == "" {
			mode = saved.Mode
		}
		return saved.Offer, name, mode, nil
	}

	offer, err := decodeOffer(code)
	if err != nil {
		return types.SessionOffer{}, "", "", err
	}
	if name == "" {
		name = "Attendee"
	}
	if mode != "" && !mode.Valid() {
		return types.SessionOffer{}, "", "", types.ErrInvalidMode
	}
	return offer, name, mode, nil
}

// decodeOffer accepts a bare join code or a join URL carrying one.
func decodeOffer(code string) (types.SessionOffer, error) {
	if strings.Contains(code, "://") {
		u, err := url.Parse(code)
		if err != nil {
			return types.SessionOffer{}, fmt.Errorf("invalid join url: %w", err)
		}
		if offer := joincode.ParseSessionFromURL(u); offer != nil {
			return *offer, nil
		}
		return types.SessionOffer{}, types.NewSessionError(types.CodeInvalidCode, "Join URL has no session", nil)
	}
	return joincode.ParseJoinCode(code)
}

func attendeeCommand(ctx context.Context, f *state.Facade, player *replay.System, name, line string) error {
	fields, err := splitFields(line)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "hand":
		if len(fields) != 2 || (fields[1] != "up" && fields[1] != "down") {
			return errors.New("usage: hand up|down")
		}
		return f.RaiseHand(fields[1] == "up")

	case "mode":
		if len(fields) != 2 {
			return errors.New("usage: mode guided|follow")
		}
		mode := types.AttendeeMode(fields[1])
		if err := player.SetMode(mode); err != nil {
			return err
		}
		return f.ChangeMode(ctx, mode)

	case "chat":
		if len(fields) < 2 {
			return errors.New("usage: chat <message>")
		}
		return f.Manager().SendToPresenter(&types.Event{
			Type:       types.EventChatMessage,
			SenderName: name,
			Message:    strings.Join(fields[1:], " "),
		})

	case "leave", "quit":
		return errLeave

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

// connectionPrinter reports reconnects and calls done once the session is
// over.
func connectionPrinter(out io.Writer, done func()) func(state.Snapshot) {
	reconnecting, attempt := false, 0
	return func(s state.Snapshot) {
		if s.Reconnecting && s.Attempt > attempt {
			fmt.Fprintf(out, "connection lost, reconnecting (attempt %d)\n", s.Attempt)
		}
		attempt = s.Attempt
		if reconnecting && !s.Reconnecting && s.Active {
			fmt.Fprintln(out, "reconnected")
		}
		reconnecting = s.Reconnecting
		if !s.Active {
			if s.LastError != nil {
				fmt.Fprintf(out, "session over: %s\n", s.LastError.Message)
			}
			done()
		}
	}
}
