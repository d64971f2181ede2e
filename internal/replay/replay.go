// Package replay applies the presenter's captured steps on an attendee's
// page according to the attendee's mode.
//
// In guided mode nothing is executed automatically: steps are highlighted
// and anything that would change the page becomes a prompt. In follow mode
// the presenter's action is mirrored through the Navigator.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livesession/internal/telemetry"
	"livesession/pkg/types"
)

// DedupWindow skips a repeat of the same step sent this close together,
// measured on the presenter's timestamps.
const DedupWindow = 500 * time.Millisecond

// Navigator is the attendee page: the part of the UI that can point at,
// perform, and navigate to tutorial steps.
type Navigator interface {
	Highlight(ctx context.Context, stepID string, action types.InteractiveAction) error
	Execute(ctx context.Context, stepID string, action types.InteractiveAction) error
	Navigate(ctx context.Context, tutorialURL string, stepNumber int) error
	Notify(ctx context.Context, n Notification) error
}

// NotificationKind says what a Notification asks of the attendee.
type NotificationKind string

const (
	// NotifyConfirmStep asks the attendee to perform a step themselves.
	NotifyConfirmStep NotificationKind = "confirm_step"
	// NotifyNavigation offers to open the presenter's page.
	NotifyNavigation NotificationKind = "navigation"
	NotifySessionEnd NotificationKind = "session_end"
	NotifyError      NotificationKind = "error"
)

type Notification struct {
	Kind    NotificationKind
	Title   string
	Message string
	Event   *types.Event
}

// Outcome is what HandleEvent did with an event.
type Outcome string

const (
	OutcomeHighlighted Outcome = "highlighted"
	OutcomeExecuted    Outcome = "executed"
	OutcomeNavigated   Outcome = "navigated"
	OutcomePrompted    Outcome = "prompted"
	OutcomeNotified    Outcome = "notified"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeFailed      Outcome = "failed"
)

// EventSource is where replayed events come from; the session Manager.
type EventSource interface {
	OnEvent(fn func(event *types.Event)) func()
}

// System is the attendee's replay engine.
type System struct {
	navigator Navigator
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	mode     types.AttendeeMode
	lastType string
	lastStep string
	lastAt   int64
	outcomes map[Outcome]int64
}

type Option func(*System)

func WithLogger(logger *slog.Logger) Option {
	return func(s *System) { s.logger = logger }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *System) { s.metrics = metrics }
}

// New creates a System in mode. An invalid mode falls back to guided.
func New(mode types.AttendeeMode, navigator Navigator, opts ...Option) *System {
	if !mode.Valid() {
		mode = types.ModeGuided
	}
	s := &System{
		navigator: navigator,
		logger:    slog.Default(),
		mode:      mode,
		outcomes:  make(map[Outcome]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "replay")
	return s
}

// SetMode changes the mode for every event handled after it returns.
func (s *System) SetMode(mode types.AttendeeMode) error {
	if !mode.Valid() {
		return types.ErrInvalidMode
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	s.logger.Info("replay mode changed", "mode", mode)
	return nil
}

func (s *System) Mode() types.AttendeeMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Attach replays every event src delivers until the returned function is
// called.
func (s *System) Attach(ctx context.Context, src EventSource) func() {
	return src.OnEvent(func(event *types.Event) {
		s.HandleEvent(ctx, event)
	})
}

// HandleEvent applies event for the current mode. Navigator failures are
// logged and shown to the attendee as an error notification; they are never
// returned.
func (s *System) HandleEvent(ctx context.Context, event *types.Event) Outcome {
	s.mu.Lock()
	mode := s.mode
	duplicate := s.isDuplicateLocked(event)
	s.mu.Unlock()

	var outcome Outcome
	var err error
	switch {
	case duplicate:
		s.logger.Debug("skipping duplicate step", "type", event.Type, "step_id", event.StepID)
		outcome = OutcomeDuplicate
	case event.Type == types.EventShowMe:
		outcome, err = s.showMe(ctx, event)
	case event.Type == types.EventDoIt:
		outcome, err = s.doIt(ctx, mode, event)
	case event.Type == types.EventNavigation:
		outcome, err = s.navigation(ctx, mode, event)
	case event.Type == types.EventSessionEnd:
		outcome, err = OutcomeNotified, s.navigator.Notify(ctx, Notification{
			Kind:    NotifySessionEnd,
			Title:   "Session ended",
			Message: "The presenter has ended the live session.",
			Event:   event,
		})
	default:
		s.logger.Debug("ignoring event", "type", event.Type)
		outcome = OutcomeIgnored
	}

	if err != nil {
		s.logger.Error("failed to replay event", "type", event.Type, "step_id", event.StepID, "mode", mode, "error", err)
		s.reportFailure(ctx, event, err)
		outcome = OutcomeFailed
	}

	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()
	if outcome != OutcomeIgnored {
		s.metrics.ActionReplayed(ctx, event.Type, string(mode), string(outcome))
	}
	return outcome
}

// isDuplicateLocked records interactive events and reports whether event
// repeats the previous one within DedupWindow.
func (s *System) isDuplicateLocked(event *types.Event) bool {
	if !event.IsInteractive() {
		return false
	}
	duplicate := s.lastType == event.Type && s.lastStep == event.StepID &&
		event.Timestamp-s.lastAt >= 0 && event.Timestamp-s.lastAt < DedupWindow.Milliseconds()
	if !duplicate {
		s.lastType, s.lastStep, s.lastAt = event.Type, event.StepID, event.Timestamp
	}
	return duplicate
}

func (s *System) showMe(ctx context.Context, event *types.Event) (Outcome, error) {
	if event.Action == nil {
		return OutcomeIgnored, fmt.Errorf("%w: show_me without action", ErrMalformedEvent)
	}
	if err := s.navigator.Highlight(ctx, event.StepID, *event.Action); err != nil {
		return OutcomeFailed, fmt.Errorf("highlight %s: %w", event.StepID, err)
	}
	return OutcomeHighlighted, nil
}

func (s *System) doIt(ctx context.Context, mode types.AttendeeMode, event *types.Event) (Outcome, error) {
	if event.Action == nil {
		return OutcomeIgnored, fmt.Errorf("%w: do_it without action", ErrMalformedEvent)
	}
	action := *event.Action

	if mode == types.ModeFollow {
		if err := s.navigator.Execute(ctx, event.StepID, action); err != nil {
			return OutcomeFailed, fmt.Errorf("execute %s: %w", event.StepID, err)
		}
		return OutcomeExecuted, nil
	}

	// FUNCTIONAL DISCOVERY: a multistep action has no single element to point
	// at, so guided attendees get a prompt instead of a highlight.
	if action.TargetAction == "multistep" {
		err := s.navigator.Notify(ctx, Notification{
			Kind:    NotifyConfirmStep,
			Title:   "Presenter completed a step",
			Message: stepMessage(action),
			Event:   event,
		})
		if err != nil {
			return OutcomeFailed, fmt.Errorf("prompt %s: %w", event.StepID, err)
		}
		return OutcomePrompted, nil
	}
	if err := s.navigator.Highlight(ctx, event.StepID, action); err != nil {
		return OutcomeFailed, fmt.Errorf("highlight %s: %w", event.StepID, err)
	}
	return OutcomeHighlighted, nil
}

func (s *System) navigation(ctx context.Context, mode types.AttendeeMode, event *types.Event) (Outcome, error) {
	if event.TutorialURL == "" {
		return OutcomeIgnored, fmt.Errorf("%w: navigation without url", ErrMalformedEvent)
	}
	if mode == types.ModeFollow {
		if err := s.navigator.Navigate(ctx, event.TutorialURL, event.StepNumber); err != nil {
			return OutcomeFailed, fmt.Errorf("navigate to %s: %w", event.TutorialURL, err)
		}
		return OutcomeNavigated, nil
	}
	err := s.navigator.Notify(ctx, Notification{
		Kind:    NotifyNavigation,
		Title:   "Presenter moved on",
		Message: "The presenter opened " + event.TutorialURL,
		Event:   event,
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("prompt navigation: %w", err)
	}
	return OutcomePrompted, nil
}

func (s *System) reportFailure(ctx context.Context, event *types.Event, cause error) {
	err := s.navigator.Notify(ctx, Notification{
		Kind:    NotifyError,
		Title:   "Could not follow the presenter",
		Message: cause.Error(),
		Event:   event,
	})
	if err != nil {
		s.logger.Warn("failed to show error notification", "error", err)
	}
}

func stepMessage(action types.InteractiveAction) string {
	if action.TargetComment != "" {
		return action.TargetComment
	}
	if n := len(action.InternalActions); n > 0 {
		return fmt.Sprintf("The presenter ran a %d-part action on %s", n, action.RefTarget)
	}
	return "The presenter ran an action on " + action.RefTarget
}

// GetStats counts outcomes by name.
func (s *System) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := map[string]interface{}{"mode": string(s.mode)}
	for outcome, n := range s.outcomes {
		stats[string(outcome)] = n
	}
	return stats
}
