// Package state exposes a live session to a UI as one reactive snapshot.
//
// The Facade wraps a session Manager: it forwards commands, folds the
// Manager's callbacks into a Snapshot, and notifies subscribers whenever the
// snapshot changes. An attendee's offer and mode are saved to a key-value
// store so a restarted client can offer to rejoin, and with a reconnect
// Manager a lost presenter connection is retried with backoff.
package state

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"livesession/internal/joincode"
	"livesession/internal/reconnect"
	"livesession/internal/session"
	"livesession/internal/store"
	"livesession/internal/transport"
	"livesession/pkg/types"
)

// ResumeKey is the key the attendee's session is saved under.
const ResumeKey = "livesession.attendee"

// KV is the key-value persistence the Facade uses. *store.Store satisfies it.
type KV interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// Snapshot is everything a UI renders about the current session.
type Snapshot struct {
	Role        types.Role            `json:"role"`
	Active      bool                  `json:"active"`
	SessionInfo *types.SessionInfo    `json:"sessionInfo,omitempty"`
	Offer       *types.SessionOffer   `json:"offer,omitempty"`
	Name        string                `json:"name,omitempty"`
	Mode        types.AttendeeMode    `json:"mode,omitempty"`
	HandRaised  bool                  `json:"handRaised"`
	Attendees   []types.AttendeeInfo  `json:"attendees"`
	HandRaises  []types.HandRaiseInfo `json:"handRaises"`
	// Reconnecting is set while a lost attendee connection is retried;
	// Attempt is the retry in progress, counting from 1.
	Reconnecting bool                `json:"reconnecting"`
	Attempt      int                 `json:"attempt,omitempty"`
	LastError    *types.SessionError `json:"-"`
}

// Resume is what ResumeOffer restores.
type Resume struct {
	Offer types.SessionOffer `json:"offer"`
	Name  string             `json:"name"`
	Mode  types.AttendeeMode `json:"mode"`
}

// Facade is the UI-facing session state.
type Facade struct {
	manager     *session.Manager
	kv          KV
	reconnector *reconnect.Manager
	transport   transport.Config
	logger      *slog.Logger

	mu          sync.Mutex
	snap        Snapshot
	nextID      int
	subscribers map[int]func(Snapshot)
	events      map[int]func(*types.Event)
	detach      []func()
}

type Option func(*Facade)

// WithKV enables saving and restoring the attendee's session.
func WithKV(kv KV) Option {
	return func(f *Facade) { f.kv = kv }
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Facade) { f.logger = logger }
}

// WithReconnect retries the attendee's join through r when the presenter
// connection is lost. Without it a lost connection only sets LastError.
func WithReconnect(r *reconnect.Manager) Option {
	return func(f *Facade) { f.reconnector = r }
}

// New creates a Facade over manager. Peers are opened with tc.
func New(manager *session.Manager, tc transport.Config, opts ...Option) *Facade {
	f := &Facade{
		manager:     manager,
		transport:   tc,
		logger:      slog.Default(),
		subscribers: make(map[int]func(Snapshot)),
		events:      make(map[int]func(*types.Event)),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "state")
	f.snap = emptySnapshot()
	return f
}

func emptySnapshot() Snapshot {
	return Snapshot{Attendees: []types.AttendeeInfo{}, HandRaises: []types.HandRaiseInfo{}}
}

// Manager is the wrapped session Manager.
func (f *Facade) Manager() *session.Manager {
	return f.manager
}

// Snapshot returns a copy of the current state.
func (f *Facade) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copyLocked()
}

func (f *Facade) copyLocked() Snapshot {
	s := f.snap
	s.Attendees = slices.Clone(s.Attendees)
	s.HandRaises = slices.Clone(s.HandRaises)
	if s.SessionInfo != nil {
		info := *s.SessionInfo
		s.SessionInfo = &info
	}
	if s.Offer != nil {
		offer := *s.Offer
		s.Offer = &offer
	}
	return s
}

// Subscribe calls fn with every new snapshot until the returned function is
// called.
func (f *Facade) Subscribe(fn func(Snapshot)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subscribers[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subscribers, id)
			f.mu.Unlock()
		})
	}
}

// OnEvent calls fn with every event the session delivers, across ended and
// re-joined sessions, until the returned function is called.
func (f *Facade) OnEvent(fn func(*types.Event)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.events[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.events, id)
			f.mu.Unlock()
		})
	}
}

func (f *Facade) emitEvent(event *types.Event) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.events))
	for id := range f.events {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func(*types.Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, f.events[id])
	}
	f.mu.Unlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("event subscriber panicked", "panic", r)
				}
			}()
			fn(event)
		}()
	}
}

// update applies change to the snapshot and notifies subscribers outside
// the lock.
func (f *Facade) update(change func(*Snapshot)) {
	f.mu.Lock()
	change(&f.snap)
	snap := f.copyLocked()
	ids := make([]int, 0, len(f.subscribers))
	for id := range f.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, f.subscribers[id])
	}
	f.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("state subscriber panicked", "panic", r)
				}
			}()
			fn(snap)
		}()
	}
}

// attach subscribes to the Manager. The Manager drops its subscriptions when
// a session ends, so this runs before every create and join.
func (f *Facade) attach() {
	f.mu.Lock()
	old := f.detach
	f.detach = nil
	f.mu.Unlock()
	for _, fn := range old {
		fn()
	}

	detach := []func(){
		f.manager.OnAttendeeListUpdate(func(list []types.AttendeeInfo) {
			f.update(func(s *Snapshot) { s.Attendees = list })
		}),
		f.manager.OnHandRaiseUpdate(func(list []types.HandRaiseInfo) {
			f.update(func(s *Snapshot) { s.HandRaises = list })
		}),
		f.manager.OnError(func(err *types.SessionError) {
			f.update(func(s *Snapshot) { s.LastError = err })
			f.maybeReconnect(err)
		}),
		f.manager.OnEvent(func(event *types.Event) {
			f.emitEvent(event)
			if event.Type == types.EventSessionEnd {
				f.logger.Info("presenter ended the session", "session_id", event.SessionID)
				f.EndSession()
			}
		}),
	}

	f.mu.Lock()
	f.detach = detach
	f.mu.Unlock()
}

// CreateSession starts a presenter session.
func (f *Facade) CreateSession(ctx context.Context, cfg types.SessionConfig) (*types.SessionInfo, error) {
	f.attach()
	info, err := f.manager.CreateSession(ctx, cfg, f.transport)
	if err != nil {
		f.recordError(err)
		return nil, err
	}

	f.update(func(s *Snapshot) {
		*s = emptySnapshot()
		s.Role = types.RolePresenter
		s.Active = true
		s.SessionInfo = info
	})
	return info, nil
}

// JoinWithCode parses a join code and joins the session it names.
func (f *Facade) JoinWithCode(ctx context.Context, code, name string, mode types.AttendeeMode) error {
	offer, err := joincode.ParseJoinCode(code)
	if err != nil {
		f.recordError(err)
		return err
	}
	return f.JoinSession(ctx, offer, name, mode)
}

// JoinSession joins the presenter named by offer. An empty mode uses the
// offer's default, then guided.
func (f *Facade) JoinSession(ctx context.Context, offer types.SessionOffer, name string, mode types.AttendeeMode) error {
	if mode == "" {
		mode = offer.DefaultMode
	}
	if mode == "" {
		mode = types.ModeGuided
	}

	f.attach()
	if err := f.manager.JoinSession(ctx, offer.ID, mode, name, f.transport); err != nil {
		f.recordError(err)
		return err
	}

	f.update(func(s *Snapshot) {
		*s = emptySnapshot()
		s.Role = types.RoleAttendee
		s.Active = true
		s.Offer = &offer
		s.Name = name
		s.Mode = mode
	})
	f.save(ctx)
	return nil
}

// EndSession leaves the current session and forgets the saved one.
func (f *Facade) EndSession() {
	if f.reconnector != nil {
		f.reconnector.Cancel()
	}
	f.manager.EndSession()

	f.mu.Lock()
	wasAttendee := f.snap.Role == types.RoleAttendee
	f.mu.Unlock()

	f.update(func(s *Snapshot) {
		lastErr := s.LastError
		*s = emptySnapshot()
		s.LastError = lastErr
	})
	if wasAttendee && f.kv != nil {
		if err := f.kv.Delete(context.Background(), ResumeKey); err != nil {
			f.logger.Warn("failed to clear saved session", "error", err)
		}
	}
}

// maybeReconnect starts a retry loop when a joined attendee loses the
// presenter. Errors raised by the retries themselves are ignored here.
func (f *Facade) maybeReconnect(err *types.SessionError) {
	if f.reconnector == nil || err.Code != types.CodeConnectionFailed {
		return
	}
	f.mu.Lock()
	snap := f.snap
	start := snap.Role == types.RoleAttendee && snap.Active && !snap.Reconnecting && snap.Offer != nil
	if start {
		f.snap.Reconnecting = true
	}
	f.mu.Unlock()
	if !start {
		return
	}

	go f.reconnect(*snap.Offer, snap.Name, snap.Mode)
}

// FUNCTIONAL DISCOVERY: a rejoin is a fresh join under a new peer id, the
// presenter keeps the old entry through its grace period and then drops it
func (f *Facade) reconnect(offer types.SessionOffer, name string, mode types.AttendeeMode) {
	f.logger.Info("presenter connection lost, reconnecting", "session_id", offer.ID)

	attempt := func(ctx context.Context) error {
		f.manager.EndSession()
		f.attach()
		return f.manager.JoinSession(ctx, offer.ID, mode, name, f.transport)
	}
	onAttempt := func(n, _ int) {
		f.update(func(s *Snapshot) { s.Attempt = n })
	}

	if f.reconnector.Reconnect(context.Background(), attempt, onAttempt) {
		f.update(func(s *Snapshot) {
			s.Reconnecting = false
			s.Attempt = 0
			s.Active = true
			s.LastError = nil
			s.Attendees = []types.AttendeeInfo{}
			s.HandRaises = []types.HandRaiseInfo{}
			s.HandRaised = false
		})
		return
	}

	f.mu.Lock()
	stillOurs := f.snap.Reconnecting
	f.mu.Unlock()
	if !stillOurs {
		// EndSession cancelled the loop
		return
	}
	f.logger.Warn("giving up on the session", "session_id", offer.ID)
	f.EndSession()
}

// ChangeMode switches the attendee's mode.
func (f *Facade) ChangeMode(ctx context.Context, mode types.AttendeeMode) error {
	if err := f.manager.ChangeMode(mode); err != nil {
		return err
	}
	f.update(func(s *Snapshot) { s.Mode = mode })
	f.save(ctx)
	return nil
}

// RaiseHand raises or lowers the attendee's hand.
func (f *Facade) RaiseHand(raised bool) error {
	if err := f.manager.RaiseHand(raised); err != nil {
		return err
	}
	f.update(func(s *Snapshot) { s.HandRaised = raised })
	return nil
}

// ClearError dismisses the last error.
func (f *Facade) ClearError() {
	f.update(func(s *Snapshot) { s.LastError = nil })
}

// ResumeOffer returns the attendee session saved by an earlier join, or
// false when there is none.
func (f *Facade) ResumeOffer(ctx context.Context) (Resume, bool, error) {
	if f.kv == nil {
		return Resume{}, false, nil
	}
	var r Resume
	err := f.kv.GetJSON(ctx, ResumeKey, &r)
	if errors.Is(err, store.ErrNotFound) {
		return Resume{}, false, nil
	}
	if err != nil {
		return Resume{}, false, err
	}
	return r, true, nil
}

func (f *Facade) save(ctx context.Context) {
	if f.kv == nil {
		return
	}
	f.mu.Lock()
	snap := f.snap
	f.mu.Unlock()
	if snap.Role != types.RoleAttendee || snap.Offer == nil {
		return
	}
	r := Resume{Offer: *snap.Offer, Name: snap.Name, Mode: snap.Mode}
	if err := f.kv.SetJSON(ctx, ResumeKey, r); err != nil {
		f.logger.Warn("failed to save session", "error", err)
	}
}

func (f *Facade) recordError(err error) {
	var se *types.SessionError
	if !errors.As(err, &se) {
		se = types.NewSessionError(types.CodeUnknown, err.Error(), err)
	}
	f.update(func(s *Snapshot) { s.LastError = se })
}
