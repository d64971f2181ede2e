package types

import (
	"regexp"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// since ids are checked on every inbound connection.
var (
	peerIDRegex      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	presenterIDRegex = regexp.MustCompile(`^[a-z0-9]{6}$`)
)

// Valid reports whether m is one of the two attendee modes.
func (m AttendeeMode) Valid() bool {
	return m == ModeGuided || m == ModeFollow
}

// Validate checks the presenter-supplied configuration.
func (c *SessionConfig) Validate() error {
	if len(c.Name) < 1 || len(c.Name) > 200 {
		return ErrInvalidSessionName
	}
	if !c.DefaultMode.Valid() {
		return ErrInvalidMode
	}
	return nil
}

// Validate checks the envelope and the fields each event type requires.
func (e *Event) Validate() error {
	if !IsValidEventType(e.Type) {
		return ErrInvalidEventType
	}
	switch e.Type {
	case EventModeChange:
		if !e.Mode.Valid() {
			return ErrInvalidMode
		}
	case EventSessionStart:
		if e.Config == nil {
			return ErrMissingEventField
		}
	case EventHeartbeat:
		if e.SentAt == 0 {
			return ErrMissingEventField
		}
	case EventShowMe, EventDoIt:
		if e.StepID == "" || e.Action == nil {
			return ErrMissingEventField
		}
	}
	return nil
}

// IsValidPeerID checks the general peer id format accepted by the broker.
func IsValidPeerID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return peerIDRegex.MatchString(id)
}

// IsValidPresenterID checks the readable 6-character presenter id format,
// which is also the legacy join code format.
func IsValidPresenterID(id string) bool {
	return presenterIDRegex.MatchString(id)
}

// IsValidEventType checks whether the type is part of the session protocol.
func IsValidEventType(eventType string) bool {
	switch eventType {
	case EventAttendeeJoin,
		EventSessionStart,
		EventModeChange,
		EventHandRaise,
		EventAttendeeLeave,
		EventHeartbeat,
		EventShowMe,
		EventDoIt,
		EventSessionEnd,
		EventNavigation,
		EventChatMessage:
		return true
	default:
		return false
	}
}
