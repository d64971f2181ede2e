// Package recording keeps a durable log of a presenter's session: every
// broadcast step, chat message and attendee arrival or departure.
package recording

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"livesession/pkg/types"
)

var (
	ErrNotRecording = errors.New("no recording in progress")
	ErrStarting     = errors.New("recording is already starting")
)

// Store is the persistence the Recorder writes through.
type Store interface {
	CreateRecording(ctx context.Context, rec *types.SessionRecording) error
	AppendEvent(ctx context.Context, recordingID string, event *types.Event) error
	AddAttendee(ctx context.Context, recordingID string, member types.AttendeeMember) error
	MarkAttendeeLeft(ctx context.Context, recordingID, attendeeID string, at time.Time) error
	FinishRecording(ctx context.Context, recordingID string, duration time.Duration) error
}

// Source is the presenter's session Manager.
type Source interface {
	BroadcastToAttendees(event *types.Event) error
	OnEvent(fn func(event *types.Event)) func()
	OnAttendeeJoin(fn func(attendee types.AttendeeInfo)) func()
	OnAttendeeListUpdate(fn func(attendees []types.AttendeeInfo)) func()
}

// Recorder decorates a Source's BroadcastToAttendees so everything the
// presenter sends is also written to the Store. Capture can use it in place
// of the Manager.
type Recorder struct {
	source Source
	store  Store
	clock  clockwork.Clock
	logger *slog.Logger

	mu          sync.Mutex
	starting    bool
	recordingID string
	startedAt   time.Time
	present     map[string]bool
	unsubscribe []func()
}

type Option func(*Recorder)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Recorder) { r.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func NewRecorder(source Source, store Store, opts ...Option) *Recorder {
	r := &Recorder{
		source: source,
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "recorder")
	return r
}

// Start opens a recording for the session described by info and begins
// following the Source. It returns the recording id.
func (r *Recorder) Start(ctx context.Context, info *types.SessionInfo) (string, error) {
	r.mu.Lock()
	if r.recordingID != "" {
		id := r.recordingID
		r.mu.Unlock()
		r.logger.Warn("recording already in progress", "recording_id", id)
		return id, nil
	}
	if r.starting {
		r.mu.Unlock()
		return "", ErrStarting
	}
	r.starting = true
	r.mu.Unlock()

	now := r.clock.Now()
	rec := &types.SessionRecording{
		ID:          uuid.NewString(),
		SessionID:   info.SessionID,
		Name:        info.Config.Name,
		PresenterID: info.SessionID,
		TutorialURL: info.Config.TutorialURL,
		RecordedAt:  now,
	}
	if err := r.store.CreateRecording(ctx, rec); err != nil {
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
		return "", err
	}

	r.mu.Lock()
	r.starting = false
	r.recordingID = rec.ID
	r.startedAt = now
	r.present = make(map[string]bool)
	r.unsubscribe = []func(){
		r.source.OnAttendeeJoin(r.handleJoin),
		r.source.OnAttendeeListUpdate(r.handleList),
		r.source.OnEvent(r.handleEvent),
	}
	r.mu.Unlock()

	r.logger.Info("recording started", "recording_id", rec.ID, "session_id", info.SessionID)
	return rec.ID, nil
}

// Stop finishes the recording and stops following the Source.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	r.mu.Lock()
	id := r.recordingID
	if id == "" {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	duration := r.clock.Since(r.startedAt)
	unsubscribe := r.unsubscribe
	r.recordingID = ""
	r.unsubscribe = nil
	r.present = nil
	r.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if err := r.store.FinishRecording(ctx, id, duration); err != nil {
		return id, err
	}
	r.logger.Info("recording finished", "recording_id", id, "duration", duration)
	return id, nil
}

// RecordingID is the recording in progress, or "".
func (r *Recorder) RecordingID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordingID
}

// BroadcastToAttendees forwards to the Source and records the event once the
// Source has accepted it.
func (r *Recorder) BroadcastToAttendees(event *types.Event) error {
	if err := r.source.BroadcastToAttendees(event); err != nil {
		return err
	}
	r.append(event)
	return nil
}

func (r *Recorder) append(event *types.Event) {
	id := r.RecordingID()
	if id == "" {
		return
	}
	if err := r.store.AppendEvent(context.Background(), id, event); err != nil {
		r.logger.Error("failed to record event", "recording_id", id, "type", event.Type, "error", err)
	}
}

// handleEvent keeps chat from attendees. Other attendee traffic is session
// plumbing and is not part of the recording.
func (r *Recorder) handleEvent(event *types.Event) {
	if event.Type == types.EventChatMessage {
		r.append(event)
	}
}

func (r *Recorder) handleJoin(attendee types.AttendeeInfo) {
	r.mu.Lock()
	id := r.recordingID
	if id != "" {
		r.present[attendee.ID] = true
	}
	r.mu.Unlock()
	if id == "" {
		return
	}

	member := types.AttendeeMember{ID: attendee.ID, Name: attendee.Name, JoinedAt: attendee.JoinedAt}
	if err := r.store.AddAttendee(context.Background(), id, member); err != nil {
		r.logger.Error("failed to record attendee", "recording_id", id, "attendee_id", attendee.ID, "error", err)
	}
}

// handleList marks attendees that dropped out of the list as departed.
func (r *Recorder) handleList(attendees []types.AttendeeInfo) {
	listed := make(map[string]bool, len(attendees))
	for _, a := range attendees {
		listed[a.ID] = true
	}

	r.mu.Lock()
	id := r.recordingID
	var departed []string
	for attendeeID := range r.present {
		if !listed[attendeeID] {
			departed = append(departed, attendeeID)
			delete(r.present, attendeeID)
		}
	}
	r.mu.Unlock()

	now := r.clock.Now()
	for _, attendeeID := range departed {
		if err := r.store.MarkAttendeeLeft(context.Background(), id, attendeeID, now); err != nil {
			r.logger.Error("failed to record departure", "recording_id", id, "attendee_id", attendeeID, "error", err)
		}
	}
}
