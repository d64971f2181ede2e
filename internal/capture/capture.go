// Package capture turns the presenter's clicks on "Show me" and "Do it"
// buttons into interactive step events and broadcasts them to attendees.
package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/jonboulle/clockwork"

	"livesession/internal/telemetry"
	"livesession/pkg/types"
)

const (
	// DedupWindow drops a repeat of the previous step captured this recently.
	DedupWindow = 100 * time.Millisecond

	buttonSearchDepth = 5
	markerSearchDepth = 10

	// PresenterSenderID is the sender id stamped on captured steps.
	PresenterSenderID = "presenter"
)

// Broadcaster delivers an event to every attendee. The session Manager and
// the recording decorator both satisfy it.
type Broadcaster interface {
	BroadcastToAttendees(event *types.Event) error
}

// Click is one pointer click on the presenter's page.
type Click struct {
	Target *Element
	X, Y   float64
}

// Step is a pre-resolved interactive step, for callers that already know
// which step was triggered.
type Step struct {
	ID     string
	Action types.InteractiveAction
}

// Capture is the presenter's click listener. It is inert until Start.
type Capture struct {
	broadcaster Broadcaster
	sessionID   string
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *telemetry.Metrics

	mu       sync.Mutex
	active   bool
	lastType string
	lastStep string
	lastAt   time.Time
	captured int64
	dropped  int64
}

// Option configures a Capture.
type Option func(*Capture)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Capture) { c.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Capture) { c.logger = logger }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(c *Capture) { c.metrics = metrics }
}

// New creates a Capture that broadcasts steps for sessionID.
func New(broadcaster Broadcaster, sessionID string, opts ...Option) *Capture {
	c := &Capture{
		broadcaster: broadcaster,
		sessionID:   sessionID,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "capture")
	return c
}

// Start begins capturing. Starting twice logs a warning and changes nothing.
func (c *Capture) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.logger.Warn("capture already started", "session_id", c.sessionID)
		return
	}
	c.active = true
	c.logger.Info("capture started", "session_id", c.sessionID)
}

// Stop ends capturing. Stopping an inactive capture is a no-op.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	c.lastType, c.lastStep, c.lastAt = "", "", time.Time{}
	c.logger.Info("capture stopped", "session_id", c.sessionID)
}

func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// HandleClick inspects a click and broadcasts the step it triggered. It
// returns the broadcast event, or nil when the click was not a step button,
// was a duplicate, or capture is stopped. The click itself is never
// consumed: the presenter's page still acts on it.
func (c *Capture) HandleClick(click Click) *types.Event {
	if !c.Active() || click.Target == nil {
		return nil
	}

	button := click.Target.ancestor(buttonSearchDepth, func(el *Element) bool {
		return el.isButton() && classify(el) != ""
	})
	if button == nil {
		return nil
	}
	eventType := classify(button)

	// the button itself is the first of markerSearchDepth levels
	marker := button.ancestor(markerSearchDepth-1, (*Element).isStepMarker)
	if marker == nil {
		c.logger.Debug("step button has no step marker", "type", eventType)
		return nil
	}

	action, ok := c.extractAction(marker)
	if !ok {
		c.logger.Debug("step marker carries no action", "type", eventType)
		return nil
	}

	step := Step{ID: stepID(marker, action), Action: action}
	return c.emit(eventType, step, &types.Coordinates{X: click.X, Y: click.Y})
}

// CaptureStep broadcasts a step that the caller resolved itself.
func (c *Capture) CaptureStep(eventType string, step Step, coords *types.Coordinates) (*types.Event, error) {
	if eventType != types.EventShowMe && eventType != types.EventDoIt {
		return nil, ErrUnsupportedType
	}
	if !c.Active() {
		return nil, ErrNotCapturing
	}
	if step.ID == "" {
		step.ID = StepID(step.Action.TargetAction, step.Action.RefTarget)
	}
	event := c.emit(eventType, step, coords)
	if event == nil {
		return nil, ErrDuplicate
	}
	return event, nil
}

func (c *Capture) emit(eventType string, step Step, coords *types.Coordinates) *types.Event {
	now := c.clock.Now()

	c.mu.Lock()
	if c.lastType == eventType && c.lastStep == step.ID && now.Sub(c.lastAt) < DedupWindow {
		c.dropped++
		c.mu.Unlock()
		c.logger.Debug("dropping duplicate step", "type", eventType, "step_id", step.ID)
		return nil
	}
	c.lastType, c.lastStep, c.lastAt = eventType, step.ID, now
	c.captured++
	c.mu.Unlock()

	action := step.Action
	event := &types.Event{
		Type:        eventType,
		SessionID:   c.sessionID,
		Timestamp:   types.Millis(now),
		SenderID:    PresenterSenderID,
		StepID:      step.ID,
		Action:      &action,
		Coordinates: coords,
	}

	c.metrics.ActionCaptured(context.Background(), eventType)
	c.logger.Debug("captured step", "type", eventType, "step_id", step.ID, "target_action", action.TargetAction)
	if err := c.broadcaster.BroadcastToAttendees(event); err != nil {
		c.logger.Warn("failed to broadcast step", "type", eventType, "step_id", step.ID, "error", err)
	}
	return event
}

// GetStats mirrors the other components' stats maps.
func (c *Capture) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"active":   c.active,
		"captured": c.captured,
		"dropped":  c.dropped,
	}
}

// classify maps a button's label to a step event type, or "".
func classify(el *Element) string {
	label := strings.ToLower(el.Text + " " + el.AriaLabel)
	switch {
	case strings.Contains(label, "show me"):
		return types.EventShowMe
	case strings.Contains(label, "do it"):
		return types.EventDoIt
	default:
		return ""
	}
}

func (c *Capture) extractAction(marker *Element) (types.InteractiveAction, bool) {
	action := types.InteractiveAction{
		TargetAction:  marker.Attr(AttrTargetAction),
		RefTarget:     marker.Attr(AttrRefTarget),
		TargetValue:   marker.Attr(AttrTargetValue),
		TargetComment: marker.Attr(AttrTargetComment),
	}
	if action.TargetAction == "" || action.RefTarget == "" {
		return action, false
	}

	if action.TargetAction == "multistep" {
		if raw := marker.Attr(AttrInternalActions); raw != "" {
			var internal []types.InternalAction
			if err := json.Unmarshal([]byte(raw), &internal); err != nil {
				c.logger.Warn("ignoring unparsable internal actions", "ref_target", action.RefTarget, "error", err)
			} else {
				action.InternalActions = internal
			}
		}
	}
	return action, true
}

func stepID(marker *Element, action types.InteractiveAction) string {
	if id := marker.Attr(AttrStepID); id != "" {
		return id
	}
	if marker.ID != "" {
		return marker.ID
	}
	return StepID(action.TargetAction, action.RefTarget)
}

// StepID derives the identifier browsers compute for a step with no explicit
// id: "step-" followed by the base-36 magnitude of a 32-bit string hash of
// targetAction+refTarget.
// ARCHITECTURAL DISCOVERY: the hash runs over UTF-16 code units with int32
// wraparound so ids agree with the browser clients for any label.
func StepID(targetAction, refTarget string) string {
	var h int32
	for _, unit := range utf16.Encode([]rune(targetAction + refTarget)) {
		h = (h << 5) - h + int32(unit)
	}
	magnitude := int64(h)
	if magnitude < 0 {
		magnitude = -magnitude
	}
	return "step-" + strconv.FormatInt(magnitude, 36)
}
