package types

import (
	"context"
	"errors"
)

// Transport-level causes that callers may find wrapped inside a SessionError.
var (
	ErrPeerUnavailable = errors.New("peer-unavailable")
	ErrTimeout         = errors.New("timeout")
)

// GuidanceCategory groups failures by what the user can do about them.
type GuidanceCategory string

const (
	GuidancePeerUnavailable GuidanceCategory = "peer_unavailable"
	GuidanceTimeout         GuidanceCategory = "timeout"
	GuidanceInvalidCode     GuidanceCategory = "invalid_code"
	GuidanceGeneric         GuidanceCategory = "generic"
)

// Guidance is a user-facing explanation of a failed connection attempt.
type Guidance struct {
	Category GuidanceCategory `json:"category"`
	Title    string           `json:"title"`
	Message  string           `json:"message"`
	Steps    []string         `json:"steps"`
}

// GuidanceFor translates err into remediation steps instead of raw error text.
func GuidanceFor(err error) Guidance {
	switch {
	case errors.Is(err, ErrPeerUnavailable):
		return Guidance{
			Category: GuidancePeerUnavailable,
			Title:    "Cannot Connect to Session",
			Message:  "The presenter may not be online, or the join code may be incorrect.",
			Steps: []string{
				"Verify the join code is correct",
				"Ensure the presenter's session is still active",
				"Check that you and the presenter are using the same signaling server",
				"Try rejoining",
			},
		}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Guidance{
			Category: GuidanceTimeout,
			Title:    "Connection Timeout",
			Message:  "Could not establish connection within the expected time.",
			Steps: []string{
				"Check your network connection",
				"Ensure the signaling server is running",
				"Try again in a few moments",
				"Contact your administrator if problem persists",
			},
		}
	case errors.Is(err, ErrInvalidCode):
		return Guidance{
			Category: GuidanceInvalidCode,
			Title:    "Invalid Join Code",
			Message:  "The join code format is not recognized.",
			Steps: []string{
				"Double-check the join code for typos",
				"Request a new join code from the presenter",
				"Try copying and pasting the code instead of typing it",
			},
		}
	default:
		return Guidance{
			Category: GuidanceGeneric,
			Title:    "Connection Failed",
			Message:  "Unable to join the session.",
			Steps: []string{
				"Verify the signaling server is running at the configured address",
				"Check that the join code is correct",
				"Ensure your network allows peer-to-peer connections",
				"Contact your administrator for help",
			},
		}
	}
}
