package capture

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"livesession/pkg/types"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []*types.Event
	err    error
}

func (b *recordingBroadcaster) BroadcastToAttendees(event *types.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return b.err
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func newTestCapture(t *testing.T) (*Capture, *recordingBroadcaster, *clockwork.FakeClock) {
	t.Helper()
	b := &recordingBroadcaster{}
	clock := clockwork.NewFakeClock()
	c := New(b, "abc123", WithClock(clock), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	c.Start()
	return c, b, clock
}

// stepPage builds marker > wrapper > button > span and returns the span.
func stepPage(label string, markerAttrs map[string]string) (*Element, *Element) {
	marker := &Element{Tag: "div", Classes: []string{"interactive-step"}, Attrs: markerAttrs}
	wrapper := &Element{Tag: "div", Parent: marker}
	button := &Element{Tag: "button", Text: label, Parent: wrapper}
	span := &Element{Tag: "span", Text: label, Parent: button}
	return span, marker
}

func TestHandleClick_ShowMe(t *testing.T) {
	c, b, clock := newTestCapture(t)
	target, _ := stepPage("Show me", map[string]string{
		AttrTargetAction:  "highlight",
		AttrRefTarget:     "a[href='/dashboards']",
		AttrTargetComment: "Open dashboards",
	})

	event := c.HandleClick(Click{Target: target, X: 10, Y: 20})
	if event == nil {
		t.Fatal("Expected a captured event")
	}
	if event.Type != types.EventShowMe {
		t.Errorf("Expected show_me, got %s", event.Type)
	}
	if event.SessionID != "abc123" || event.SenderID != PresenterSenderID {
		t.Errorf("Unexpected envelope: %+v", event)
	}
	if event.Timestamp != types.Millis(clock.Now()) {
		t.Errorf("Expected timestamp %d, got %d", types.Millis(clock.Now()), event.Timestamp)
	}
	if event.Action.TargetAction != "highlight" || event.Action.RefTarget != "a[href='/dashboards']" {
		t.Errorf("Unexpected action: %+v", event.Action)
	}
	if event.Action.TargetComment != "Open dashboards" {
		t.Errorf("Expected comment, got %q", event.Action.TargetComment)
	}
	if event.Coordinates == nil || event.Coordinates.X != 10 || event.Coordinates.Y != 20 {
		t.Errorf("Unexpected coordinates: %+v", event.Coordinates)
	}
	if event.StepID != StepID("highlight", "a[href='/dashboards']") {
		t.Errorf("Expected hashed step id, got %s", event.StepID)
	}
	if b.count() != 1 {
		t.Errorf("Expected 1 broadcast, got %d", b.count())
	}
}

func TestHandleClick_DoItByAriaLabel(t *testing.T) {
	c, _, _ := newTestCapture(t)
	marker := &Element{Tag: "div", Attrs: map[string]string{AttrTargetAction: "button", AttrRefTarget: "Save"}}
	button := &Element{Tag: "span", Role: "button", AriaLabel: "DO IT now", Parent: marker}

	event := c.HandleClick(Click{Target: button})
	if event == nil || event.Type != types.EventDoIt {
		t.Fatalf("Expected do_it, got %+v", event)
	}
}

func TestHandleClick_IgnoresNonSteps(t *testing.T) {
	tests := []struct {
		name   string
		target *Element
	}{
		{"nil target", nil},
		{"plain button", &Element{Tag: "button", Text: "Save dashboard"}},
		{"label without button role", &Element{Tag: "div", Text: "Show me",
			Parent: &Element{Tag: "div", Attrs: map[string]string{AttrTargetAction: "highlight"}}}},
		{"button without marker", &Element{Tag: "button", Text: "Show me", Parent: &Element{Tag: "div"}}},
		{"marker without action", &Element{Tag: "button", Text: "Do it",
			Parent: &Element{Tag: "div", Classes: []string{"interactive-guided"}}}},
		{"marker with only a ref target", &Element{Tag: "button", Text: "Show me",
			Parent: &Element{Tag: "div", Classes: []string{"interactive-step"}, Attrs: map[string]string{AttrRefTarget: "#x"}}}},
		{"marker with only a target action", &Element{Tag: "button", Text: "Do it",
			Parent: &Element{Tag: "div", Attrs: map[string]string{AttrTargetAction: "button"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, b, _ := newTestCapture(t)
			if event := c.HandleClick(Click{Target: tt.target}); event != nil {
				t.Errorf("Expected no event, got %+v", event)
			}
			if b.count() != 0 {
				t.Errorf("Expected no broadcasts, got %d", b.count())
			}
		})
	}
}

func TestHandleClick_ButtonSearchDepth(t *testing.T) {
	c, _, _ := newTestCapture(t)
	marker := &Element{Tag: "div", Attrs: map[string]string{AttrTargetAction: "highlight", AttrRefTarget: "x"}}
	button := &Element{Tag: "button", Text: "Show me", Parent: marker}

	// five levels below the button is still found
	el := button
	for range 5 {
		el = &Element{Tag: "span", Parent: el}
	}
	if c.HandleClick(Click{Target: el}) == nil {
		t.Error("Expected button five levels up to be found")
	}

	c.Stop()
	c.Start()
	deeper := &Element{Tag: "span", Parent: el}
	if c.HandleClick(Click{Target: deeper}) != nil {
		t.Error("Expected button six levels up to be ignored")
	}
}

func TestHandleClick_MarkerSearchDepth(t *testing.T) {
	build := func(gap int) *Element {
		marker := &Element{Tag: "section", Attrs: map[string]string{AttrTargetAction: "highlight", AttrRefTarget: "panel"}}
		el := marker
		for range gap {
			el = &Element{Tag: "div", Parent: el}
		}
		return &Element{Tag: "button", Text: "Show me", Parent: el}
	}

	c, _, _ := newTestCapture(t)
	if c.HandleClick(Click{Target: build(8)}) == nil {
		t.Error("Expected marker nine levels above the button to be found")
	}
	c.Stop()
	c.Start()
	if c.HandleClick(Click{Target: build(9)}) != nil {
		t.Error("Expected marker ten levels above the button to be ignored")
	}
}

func TestHandleClick_StepIDSources(t *testing.T) {
	c, _, clock := newTestCapture(t)

	target, marker := stepPage("Show me", map[string]string{AttrTargetAction: "highlight", AttrRefTarget: "x"})
	marker.ID = "step-explicit"
	if event := c.HandleClick(Click{Target: target}); event.StepID != "step-explicit" {
		t.Errorf("Expected element id, got %s", event.StepID)
	}

	clock.Advance(time.Second)
	target, marker = stepPage("Show me", map[string]string{AttrTargetAction: "highlight", AttrRefTarget: "x", AttrStepID: "intro-3"})
	marker.ID = "step-explicit"
	if event := c.HandleClick(Click{Target: target}); event.StepID != "intro-3" {
		t.Errorf("Expected data-step-id to win over the element id, got %s", event.StepID)
	}
}

func TestHandleClick_Multistep(t *testing.T) {
	c, _, clock := newTestCapture(t)

	target, _ := stepPage("Do it", map[string]string{
		AttrTargetAction:    "multistep",
		AttrRefTarget:       "create-dashboard",
		AttrInternalActions: `[{"targetAction":"button","refTarget":"New"},{"targetAction":"formfill","refTarget":"input[name=title]","targetValue":"Ops"}]`,
	})
	event := c.HandleClick(Click{Target: target})
	if event == nil {
		t.Fatal("Expected a captured event")
	}
	if len(event.Action.InternalActions) != 2 {
		t.Fatalf("Expected 2 internal actions, got %d", len(event.Action.InternalActions))
	}
	if event.Action.InternalActions[1].TargetValue != "Ops" {
		t.Errorf("Unexpected internal action: %+v", event.Action.InternalActions[1])
	}

	clock.Advance(time.Second)
	target, _ = stepPage("Do it", map[string]string{
		AttrTargetAction:    "multistep",
		AttrRefTarget:       "create-dashboard",
		AttrInternalActions: `[{"targetAction":`,
	})
	event = c.HandleClick(Click{Target: target})
	if event == nil {
		t.Fatal("Expected a broken internal-actions attribute to drop only that field")
	}
	if event.Action.InternalActions != nil {
		t.Errorf("Expected no internal actions, got %+v", event.Action.InternalActions)
	}
	if event.Action.RefTarget != "create-dashboard" {
		t.Errorf("Expected the rest of the action, got %+v", event.Action)
	}
}

func TestHandleClick_Dedup(t *testing.T) {
	attrs := map[string]string{AttrTargetAction: "highlight", AttrRefTarget: "x"}

	t.Run("within window", func(t *testing.T) {
		c, b, clock := newTestCapture(t)
		target, _ := stepPage("Show me", attrs)
		c.HandleClick(Click{Target: target})
		clock.Advance(99 * time.Millisecond)
		if c.HandleClick(Click{Target: target}) != nil {
			t.Error("Expected duplicate to be dropped")
		}
		if b.count() != 1 {
			t.Errorf("Expected 1 broadcast, got %d", b.count())
		}
	})

	t.Run("after window", func(t *testing.T) {
		c, b, clock := newTestCapture(t)
		target, _ := stepPage("Show me", attrs)
		c.HandleClick(Click{Target: target})
		clock.Advance(150 * time.Millisecond)
		if c.HandleClick(Click{Target: target}) == nil {
			t.Error("Expected second click to be captured")
		}
		if b.count() != 2 {
			t.Errorf("Expected 2 broadcasts, got %d", b.count())
		}
	})

	t.Run("window boundary", func(t *testing.T) {
		c, b, clock := newTestCapture(t)
		target, _ := stepPage("Show me", attrs)
		c.HandleClick(Click{Target: target})
		clock.Advance(DedupWindow)
		if c.HandleClick(Click{Target: target}) == nil {
			t.Error("Expected a click exactly one window later to be captured")
		}
		if b.count() != 2 {
			t.Errorf("Expected 2 broadcasts, got %d", b.count())
		}
	})

	t.Run("different type", func(t *testing.T) {
		c, b, _ := newTestCapture(t)
		showMe, _ := stepPage("Show me", attrs)
		doIt, _ := stepPage("Do it", attrs)
		c.HandleClick(Click{Target: showMe})
		c.HandleClick(Click{Target: doIt})
		if b.count() != 2 {
			t.Errorf("Expected 2 broadcasts, got %d", b.count())
		}
	})

	t.Run("only the previous event counts", func(t *testing.T) {
		c, b, _ := newTestCapture(t)
		first, _ := stepPage("Show me", attrs)
		other, _ := stepPage("Show me", map[string]string{AttrTargetAction: "highlight", AttrRefTarget: "y"})
		c.HandleClick(Click{Target: first})
		c.HandleClick(Click{Target: other})
		c.HandleClick(Click{Target: first})
		if b.count() != 3 {
			t.Errorf("Expected 3 broadcasts, got %d", b.count())
		}
	})
}

func TestHandleClick_BroadcastFailureStillReturnsEvent(t *testing.T) {
	c, b, _ := newTestCapture(t)
	b.err = errors.New("not presenter")
	target, _ := stepPage("Show me", map[string]string{AttrTargetAction: "highlight", AttrRefTarget: "x"})

	if c.HandleClick(Click{Target: target}) == nil {
		t.Error("Expected the event even when broadcasting fails")
	}
}

func TestStartStop(t *testing.T) {
	b := &recordingBroadcaster{}
	c := New(b, "abc123", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	target, _ := stepPage("Show me", map[string]string{AttrTargetAction: "highlight", AttrRefTarget: "x"})

	if c.HandleClick(Click{Target: target}) != nil {
		t.Error("Expected no capture before Start")
	}

	c.Start()
	c.Start()
	if !c.Active() {
		t.Error("Expected capture to be active")
	}

	c.Stop()
	c.Stop()
	if c.Active() {
		t.Error("Expected capture to be stopped")
	}
	if c.HandleClick(Click{Target: target}) != nil {
		t.Error("Expected no capture after Stop")
	}
	if b.count() != 0 {
		t.Errorf("Expected no broadcasts, got %d", b.count())
	}
}

func TestCaptureStep(t *testing.T) {
	c, b, _ := newTestCapture(t)
	step := Step{Action: types.InteractiveAction{TargetAction: "navigate", RefTarget: "/explore"}}

	event, err := c.CaptureStep(types.EventDoIt, step, nil)
	if err != nil {
		t.Fatalf("CaptureStep failed: %v", err)
	}
	if event.StepID != StepID("navigate", "/explore") {
		t.Errorf("Expected derived step id, got %s", event.StepID)
	}

	if _, err := c.CaptureStep(types.EventDoIt, step, nil); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
	if _, err := c.CaptureStep(types.EventHeartbeat, step, nil); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("Expected ErrUnsupportedType, got %v", err)
	}

	c.Stop()
	if _, err := c.CaptureStep(types.EventShowMe, step, nil); !errors.Is(err, ErrNotCapturing) {
		t.Errorf("Expected ErrNotCapturing, got %v", err)
	}
	if b.count() != 1 {
		t.Errorf("Expected 1 broadcast, got %d", b.count())
	}

	stats := c.GetStats()
	if stats["captured"].(int64) != 1 || stats["dropped"].(int64) != 1 {
		t.Errorf("Unexpected stats: %v", stats)
	}
}

func TestStepID(t *testing.T) {
	tests := []struct {
		action, target string
		want           string
	}{
		{"", "", "step-0"},
		{"a", "b", "step-2e9"},
		{"a", "", "step-2p"},
	}
	for _, tt := range tests {
		if got := StepID(tt.action, tt.target); got != tt.want {
			t.Errorf("StepID(%q, %q) = %s, want %s", tt.action, tt.target, got, tt.want)
		}
	}

	if StepID("highlight", "x") != StepID("highlight", "x") {
		t.Error("Expected step ids to be deterministic")
	}
	if StepID("highlight", "x") == StepID("highlight", "y") {
		t.Error("Expected different targets to hash differently")
	}

	// long inputs wrap around 32 bits but still render a non-negative magnitude
	long := StepID("multistep", "section[data-testid='data-testid Panel header CPU usage'] button")
	if long[:5] != "step-" || long[5] == '-' {
		t.Errorf("Unexpected long step id %s", long)
	}
}
