package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"livesession/internal/capture"
	"livesession/internal/recording"
	"livesession/internal/session"
	"livesession/internal/state"
	"livesession/internal/store"
	"livesession/internal/transport"
	"livesession/pkg/types"
)

var errEndSession = errors.New("end session")

func runPresent(ctx context.Context, e *env, args []string) error {
	flags := pflag.NewFlagSet("present", pflag.ContinueOnError)
	flags.SetOutput(e.stderr)
	name := flags.String("name", "", "session name shown to attendees (required)")
	tutorial := flags.String("tutorial", "", "tutorial URL attendees open")
	mode := flags.String("mode", string(types.ModeGuided), "default attendee mode (guided, follow)")
	record := flags.Bool("record", false, "record the session into the store")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("--name is required")
	}
	defaultMode := types.AttendeeMode(*mode)
	if !defaultMode.Valid() {
		return types.ErrInvalidMode
	}

	manager := session.NewManager(transport.Dial,
		session.WithLogger(e.logger),
		session.WithMetrics(e.metrics),
		session.WithTimings(e.cfg.SessionTimings()),
		session.WithJoinURL(e.cfg.App.BaseURL, e.cfg.App.AppSlug),
	)
	facade := state.New(manager, e.cfg.TransportConfig(), state.WithLogger(e.logger))
	defer facade.EndSession()

	info, err := facade.CreateSession(ctx, types.SessionConfig{
		Name:        *name,
		TutorialURL: *tutorial,
		DefaultMode: defaultMode,
	})
	if err != nil {
		printGuidance(e.stderr, err)
		return err
	}

	fmt.Fprintf(e.stdout, "session %s is live\n  join code: %s\n  join url:  %s\n", info.SessionID, info.JoinCode, info.JoinURL)

	var broadcaster capture.Broadcaster = manager
	if *record {
		st, err := store.Open(e.cfg.StoreConfig(), e.logger)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		recorder := recording.NewRecorder(manager, st, recording.WithLogger(e.logger))
		id, err := recorder.Start(ctx, info)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		defer func() {
			if _, err := recorder.Stop(context.Background()); err != nil {
				e.logger.Warn("failed to finish recording", "error", err)
			}
		}()
		fmt.Fprintf(e.stdout, "  recording: %s\n", id)
		broadcaster = recorder
	}

	clicks := capture.New(broadcaster, info.SessionID,
		capture.WithLogger(e.logger),
		capture.WithMetrics(e.metrics),
	)
	clicks.Start()
	defer clicks.Stop()

	unsubscribe := facade.Subscribe(attendeePrinter(e.stdout))
	defer unsubscribe()

	fmt.Fprintln(e.stdout, "commands: show|do <action> <target> [value], nav <url> [step], attendees, stats, end")
	lines := readLines(ctx, e.stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := presenterCommand(e.stdout, manager, broadcaster, clicks, line)
			if errors.Is(err, errEndSession) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(e.stderr, "%v\n", err)
			}
		}
	}
}

// presenterCommand runs one stdin command.
func presenterCommand(out io.Writer, manager *session.Manager, b capture.Broadcaster, clicks *capture.Capture, line string) error {
	fields, err := splitFields(line)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "show", "do":
		if len(fields) < 3 {
			return fmt.Errorf("usage: %s <action> <target> [value]", fields[0])
		}
		eventType := types.EventShowMe
		if fields[0] == "do" {
			eventType = types.EventDoIt
		}
		action := types.InteractiveAction{TargetAction: fields[1], RefTarget: fields[2]}
		if len(fields) > 3 {
			action.TargetValue = strings.Join(fields[3:], " ")
		}
		event, err := clicks.CaptureStep(eventType, capture.Step{Action: action}, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sent %s %s\n", event.Type, event.StepID)
		return nil

	case "nav":
		if len(fields) < 2 {
			return errors.New("usage: nav <url> [step]")
		}
		event := &types.Event{Type: types.EventNavigation, TutorialURL: fields[1]}
		if len(fields) > 2 {
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return fmt.Errorf("step must be a number: %w", err)
			}
			event.StepNumber = n
		}
		return b.BroadcastToAttendees(event)

	case "attendees":
		for _, a := range manager.Attendees() {
			fmt.Fprintf(out, "  %-24s %-10s %-8s %s\n", a.Name, a.Mode, a.ConnectionState, a.ID)
		}
		return nil

	case "stats":
		for k, v := range manager.GetStats() {
			fmt.Fprintf(out, "  %s: %v\n", k, v)
		}
		for k, v := range clicks.GetStats() {
			fmt.Fprintf(out, "  capture.%s: %v\n", k, v)
		}
		return nil

	case "end", "quit":
		return errEndSession

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

// attendeePrinter reports attendee count and hand-raise changes.
func attendeePrinter(out io.Writer) func(state.Snapshot) {
	attendees, hands := -1, -1
	return func(s state.Snapshot) {
		if len(s.Attendees) != attendees {
			attendees = len(s.Attendees)
			fmt.Fprintf(out, "attendees: %d\n", attendees)
		}
		if len(s.HandRaises) != hands {
			hands = len(s.HandRaises)
			for _, h := range s.HandRaises {
				fmt.Fprintf(out, "hand raised: %s\n", h.AttendeeName)
			}
		}
	}
}

func printGuidance(w io.Writer, err error) {
	g := types.GuidanceFor(err)
	fmt.Fprintf(w, "%s\n%s\n", g.Title, g.Message)
	for _, step := range g.Steps {
		fmt.Fprintf(w, "  - %s\n", step)
	}
}
