package types

import (
	"encoding/json"
	"time"
)

// AttendeeMode controls how an attendee's client reacts to presenter actions.
type AttendeeMode string

const (
	ModeGuided AttendeeMode = "guided"
	ModeFollow AttendeeMode = "follow"
)

// Role is the local side of a live session. The empty role means no session.
type Role string

const (
	RoleNone      Role = ""
	RolePresenter Role = "presenter"
	RoleAttendee  Role = "attendee"
)

// ConnectionState tracks a peer connection as seen by the presenter.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
)

// Quality is the heartbeat round-trip rating.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
)

// Event type identifiers as they appear on the wire.
// ARCHITECTURAL DISCOVERY: values must match the browser clients byte for byte
// since both sides share the same data channel.
const (
	EventAttendeeJoin  = "attendee_join"
	EventSessionStart  = "session_start"
	EventModeChange    = "mode_change"
	EventHandRaise     = "hand_raise"
	EventAttendeeLeave = "attendee_leave"
	EventHeartbeat     = "heartbeat"
	EventShowMe        = "show_me"
	EventDoIt          = "do_it"
	EventSessionEnd    = "session_end"
	EventNavigation    = "navigation"
	EventChatMessage   = "chat_message"
)

// SessionConfig is chosen by the presenter when the session is created and
// never changes afterwards.
type SessionConfig struct {
	Name        string       `json:"name"`
	TutorialURL string       `json:"tutorialUrl"`
	DefaultMode AttendeeMode `json:"defaultMode"`
}

// SessionInfo is handed to the presenter once the session is live.
type SessionInfo struct {
	SessionID string        `json:"sessionId"`
	JoinCode  string        `json:"joinCode"`
	JoinURL   string        `json:"joinUrl"`
	QRCode    string        `json:"qrCode"` // data URL, empty when rendering failed
	Config    SessionConfig `json:"config"`
}

// SessionOffer is what an attendee learns from a join code or join URL.
type SessionOffer struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	TutorialURL string       `json:"tutorialUrl"`
	DefaultMode AttendeeMode `json:"defaultMode"`
}

// ConnectionQuality is derived from heartbeat round trips.
type ConnectionQuality struct {
	Latency       time.Duration `json:"latency"`
	PacketsLost   int           `json:"packetsLost"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
	Quality       Quality       `json:"quality"`
}

// AttendeeInfo is the presenter's record of one attendee, keyed by peer id.
type AttendeeInfo struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Mode              AttendeeMode       `json:"mode"`
	ConnectionState   ConnectionState    `json:"connectionState"`
	ConnectionQuality *ConnectionQuality `json:"connectionQuality,omitempty"`
	JoinedAt          time.Time          `json:"joinedAt"`
}

// HandRaiseInfo is one entry in the presenter's hand-raise queue.
type HandRaiseInfo struct {
	AttendeeID   string    `json:"attendeeId"`
	AttendeeName string    `json:"attendeeName"`
	RaisedAt     time.Time `json:"raisedAt"`
}

// InternalAction is one sub-step of a multistep interactive action.
type InternalAction struct {
	TargetAction string `json:"targetAction"`
	RefTarget    string `json:"refTarget,omitempty"`
	TargetValue  string `json:"targetValue,omitempty"`
	Requirements string `json:"requirements,omitempty"`
}

// InteractiveAction describes what a "Show me" or "Do it" step targets.
type InteractiveAction struct {
	TargetAction    string           `json:"targetAction"`
	RefTarget       string           `json:"refTarget"`
	TargetValue     string           `json:"targetValue,omitempty"`
	TargetComment   string           `json:"targetComment,omitempty"`
	InternalActions []InternalAction `json:"internalActions,omitempty"`
}

// Coordinates is the presenter's click position.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Event is the single wire message shape. Type selects which of the optional
// payload fields are meaningful; absent fields are omitted on the wire.
// Timestamps are Unix milliseconds to match the browser clients.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	SenderID  string `json:"senderId"`

	// attendee_join
	Name string `json:"name,omitempty"`
	// attendee_join, mode_change
	Mode AttendeeMode `json:"mode,omitempty"`
	// session_start
	Config *SessionConfig `json:"config,omitempty"`
	// hand_raise
	AttendeeName string `json:"attendeeName,omitempty"`
	IsRaised     bool   `json:"isRaised,omitempty"`
	// heartbeat
	SentAt int64 `json:"sentAt,omitempty"`
	// show_me, do_it
	StepID      string             `json:"stepId,omitempty"`
	Action      *InteractiveAction `json:"action,omitempty"`
	Coordinates *Coordinates       `json:"coordinates,omitempty"`
	// navigation
	TutorialURL string `json:"tutorialUrl,omitempty"`
	StepNumber  int    `json:"stepNumber,omitempty"`
	// chat_message
	SenderName string `json:"senderName,omitempty"`
	Message    string `json:"message,omitempty"`
	// session_end
	Reason string `json:"reason,omitempty"`
}

// MarshalJSON writes isRaised on every hand_raise, lowered hands included.
// Other event types omit it.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Type != EventHandRaise {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		plain
		IsRaised bool `json:"isRaised"`
	}{plain(e), e.IsRaised})
}

// IsInteractive reports whether the event is a show_me or do_it step.
func (e *Event) IsInteractive() bool {
	return e.Type == EventShowMe || e.Type == EventDoIt
}

// Millis converts t to the wire timestamp format.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a wire timestamp back to a time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

type qualityJSON struct {
	LatencyMs     int64     `json:"latency"`
	PacketsLost   int       `json:"packetsLost"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Quality       Quality   `json:"quality"`
}

// MarshalJSON writes latency in milliseconds.
func (q ConnectionQuality) MarshalJSON() ([]byte, error) {
	return json.Marshal(qualityJSON{
		LatencyMs:     q.Latency.Milliseconds(),
		PacketsLost:   q.PacketsLost,
		LastHeartbeat: q.LastHeartbeat,
		Quality:       q.Quality,
	})
}

func (q *ConnectionQuality) UnmarshalJSON(data []byte) error {
	var raw qualityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*q = ConnectionQuality{
		Latency:       time.Duration(raw.LatencyMs) * time.Millisecond,
		PacketsLost:   raw.PacketsLost,
		LastHeartbeat: raw.LastHeartbeat,
		Quality:       raw.Quality,
	}
	return nil
}

// ClassifyLatency rates a heartbeat round trip.
func ClassifyLatency(latency time.Duration) Quality {
	switch {
	case latency < 100*time.Millisecond:
		return QualityExcellent
	case latency < 300*time.Millisecond:
		return QualityGood
	default:
		return QualityPoor
	}
}

// AttendeeMember is a past or present attendee of a recorded session.
type AttendeeMember struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name,omitempty" yaml:"name,omitempty"`
	JoinedAt time.Time  `json:"joinedAt" yaml:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty" yaml:"leftAt,omitempty"`
}

// SessionRecording is a persisted presenter session that can be replayed or
// exported.
type SessionRecording struct {
	ID          string           `json:"id" yaml:"id"`
	SessionID   string           `json:"sessionId" yaml:"sessionId"`
	Name        string           `json:"name" yaml:"name"`
	PresenterID string           `json:"presenterId" yaml:"presenterId"`
	TutorialURL string           `json:"tutorialUrl" yaml:"tutorialUrl"`
	RecordedAt  time.Time        `json:"recordedAt" yaml:"recordedAt"`
	Duration    time.Duration    `json:"duration" yaml:"duration"`
	Events      []Event          `json:"events" yaml:"events"`
	Chat        []Event          `json:"chat" yaml:"chat"`
	Attendees   []AttendeeMember `json:"attendees" yaml:"attendees"`
}
