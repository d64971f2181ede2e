package broker

import "errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidFrame     = errors.New("invalid frame")
)

// Registry errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrIDTaken       = errors.New("peer id is taken")
)

// Router errors
var (
	ErrUnsupportedFrame   = errors.New("frame type not accepted from peers")
	ErrMissingDestination = errors.New("frame missing destination")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrPeerUnavailable    = errors.New("destination peer unavailable")
)

// Hub errors
var (
	ErrHubAlreadyRunning     = errors.New("hub is already running")
	ErrHubNotRunning         = errors.New("hub is not running")
	ErrFrameChannelFull      = errors.New("frame channel is full")
	ErrUnregisterChannelFull = errors.New("unregister channel is full")
)
