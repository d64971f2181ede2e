package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"livesession/internal/replay"
	"livesession/pkg/types"
)

// consoleNavigator stands in for a browser page: it describes what the page
// would do with each replayed step.
type consoleNavigator struct {
	mu  sync.Mutex
	out io.Writer
}

func (n *consoleNavigator) printf(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, format, args...)
}

func (n *consoleNavigator) Highlight(_ context.Context, stepID string, action types.InteractiveAction) error {
	n.printf("→ look at %s (%s) [%s]\n", action.RefTarget, describe(action), stepID)
	return nil
}

func (n *consoleNavigator) Execute(_ context.Context, stepID string, action types.InteractiveAction) error {
	n.printf("▶ %s [%s]\n", describe(action), stepID)
	for i, sub := range action.InternalActions {
		n.printf("  %d. %s %s\n", i+1, sub.TargetAction, sub.RefTarget)
	}
	return nil
}

func (n *consoleNavigator) Navigate(_ context.Context, tutorialURL string, stepNumber int) error {
	if stepNumber > 0 {
		n.printf("⇢ open %s at step %d\n", tutorialURL, stepNumber)
		return nil
	}
	n.printf("⇢ open %s\n", tutorialURL)
	return nil
}

func (n *consoleNavigator) Notify(_ context.Context, note replay.Notification) error {
	switch note.Kind {
	case replay.NotifyError:
		n.printf("! %s: %s\n", note.Title, note.Message)
	default:
		n.printf("* %s: %s\n", note.Title, note.Message)
	}
	return nil
}

func describe(action types.InteractiveAction) string {
	switch {
	case action.TargetValue != "":
		return fmt.Sprintf("%s %s = %q", action.TargetAction, action.RefTarget, action.TargetValue)
	case action.TargetComment != "":
		return fmt.Sprintf("%s %s: %s", action.TargetAction, action.RefTarget, action.TargetComment)
	default:
		return fmt.Sprintf("%s %s", action.TargetAction, action.RefTarget)
	}
}
