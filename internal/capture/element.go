package capture

import (
	"slices"
	"strings"
)

// Element is the slice of a rendered tutorial page that capture needs: enough
// of each node to recognize buttons and interactive-step markers, and a link
// to its parent so clicks can be resolved upward.
type Element struct {
	Tag       string
	Role      string
	Text      string
	AriaLabel string
	ID        string
	Classes   []string
	Attrs     map[string]string
	Parent    *Element
}

// Step marker attributes.
const (
	AttrTargetAction    = "data-targetaction"
	AttrRefTarget       = "data-reftarget"
	AttrTargetValue     = "data-targetvalue"
	AttrTargetComment   = "data-targetcomment"
	AttrInternalActions = "data-internal-actions"
	AttrStepID          = "data-step-id"
)

// markerClasses flag an element as an interactive step even without the
// action attributes.
var markerClasses = []string{"interactive-step", "interactive-guided", "interactive-multi-step"}

// Attr returns the named attribute, or "" when absent.
func (e *Element) Attr(name string) string {
	if e == nil || e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

func (e *Element) HasAttr(name string) bool {
	if e == nil || e.Attrs == nil {
		return false
	}
	_, ok := e.Attrs[name]
	return ok
}

func (e *Element) HasClass(class string) bool {
	return e != nil && slices.Contains(e.Classes, class)
}

// isButton matches native buttons and anything carrying the button role.
func (e *Element) isButton() bool {
	return strings.EqualFold(e.Tag, "button") || strings.EqualFold(e.Role, "button")
}

func (e *Element) isStepMarker() bool {
	if e.HasAttr(AttrTargetAction) || e.HasAttr(AttrRefTarget) {
		return true
	}
	for _, class := range markerClasses {
		if e.HasClass(class) {
			return true
		}
	}
	return false
}

// ancestor walks up from e, visiting e itself and at most depth ancestors,
// and returns the first element match accepts.
func (e *Element) ancestor(depth int, match func(*Element) bool) *Element {
	for el, level := e, 0; el != nil && level <= depth; el, level = el.Parent, level+1 {
		if match(el) {
			return el
		}
	}
	return nil
}
