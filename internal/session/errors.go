package session

import "errors"

// Role errors
var (
	ErrSessionActive = errors.New("a session is already active")
	ErrNotPresenter  = errors.New("only the presenter can broadcast to attendees")
	ErrNotAttendee   = errors.New("only an attendee can send to the presenter")
)

// Delivery errors
var (
	ErrNoPresenterConnection = errors.New("no open connection to presenter")
	ErrConnectionClosed      = errors.New("connection closed before it opened")
)
