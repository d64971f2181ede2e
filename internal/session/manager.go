// Package session is the orchestration core of a live session. A Manager
// owns the local peer identity, the data connections, the presenter's
// attendee and hand-raise registries and the heartbeat scheduler, and fans
// events out to subscribers.
//
// A Manager holds at most one role at a time: presenter after CreateSession,
// attendee after JoinSession, none after EndSession.
package session

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"livesession/internal/telemetry"
	"livesession/internal/transport"
	"livesession/pkg/types"
)

// Manager implements both sides of a live session.
type Manager struct {
	factory        transport.Factory
	clock          clockwork.Clock
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	timings        Timings
	renderQR       func(string) (string, error)
	baseURL        string
	appSlug        string
	newPresenterID func() string

	mu sync.Mutex
	// epoch changes whenever a session ends so callbacks from an older
	// session's transport objects can recognize themselves as stale.
	epoch     int
	starting  bool
	role      types.Role
	sessionID string
	config    *types.SessionConfig
	peer      transport.Peer
	conns     map[string]transport.DataConnection

	// presenter bookkeeping, keyed by attendee peer id
	attendees     map[string]types.AttendeeInfo
	connStates    map[string]types.ConnectionState
	handRaises    map[string]types.HandRaiseInfo
	lastHeartbeat map[string]time.Time
	heartbeatSent map[string]int64
	graceTimers   map[string]clockwork.Timer
	heartbeatStop chan struct{}

	// attendee bookkeeping
	name string
	mode types.AttendeeMode

	eventHandlers     handlerSet[*types.Event]
	errorHandlers     handlerSet[*types.SessionError]
	joinHandlers      handlerSet[types.AttendeeInfo]
	listHandlers      handlerSet[[]types.AttendeeInfo]
	handRaiseHandlers handlerSet[[]types.HandRaiseInfo]
}

// NewManager creates an idle manager that opens peers through factory.
func NewManager(factory transport.Factory, opts ...Option) *Manager {
	m := &Manager{factory: factory}
	defaultOptions(m)
	for _, opt := range opts {
		opt(m)
	}
	m.eventHandlers.name = "event"
	m.errorHandlers.name = "error"
	m.joinHandlers.name = "attendee_join"
	m.listHandlers.name = "attendee_list"
	m.handRaiseHandlers.name = "hand_raise"
	m.resetLocked()
	return m
}

// resetLocked returns every registry to its idle state.
func (m *Manager) resetLocked() {
	m.role = types.RoleNone
	m.sessionID = ""
	m.config = nil
	m.peer = nil
	m.conns = make(map[string]transport.DataConnection)
	m.attendees = make(map[string]types.AttendeeInfo)
	m.connStates = make(map[string]types.ConnectionState)
	m.handRaises = make(map[string]types.HandRaiseInfo)
	m.lastHeartbeat = make(map[string]time.Time)
	m.heartbeatSent = make(map[string]int64)
	for _, t := range m.graceTimers {
		t.Stop()
	}
	m.graceTimers = make(map[string]clockwork.Timer)
	m.name = ""
	m.mode = ""
}

// claim reserves the manager for a create or join and returns the epoch the
// new session will run under.
func (m *Manager) claim() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != types.RoleNone || m.starting {
		return 0, ErrSessionActive
	}
	m.starting = true
	return m.epoch, nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.starting = false
	m.mu.Unlock()
}

// current reports whether callbacks registered under epoch still belong to
// the live session. Callers hold m.mu.
func (m *Manager) current(epoch int, role types.Role) bool {
	return m.epoch == epoch && m.role == role
}

// fail reports a failure through the error subscribers and returns it.
func (m *Manager) fail(code types.ErrorCode, message string, details error) *types.SessionError {
	err := types.NewSessionError(code, message, details)
	m.logger.Error(message, "code", code, "error", details)
	m.errorHandlers.emit(m.logger, err)
	return err
}

// openPeer creates a peer and waits for the network to accept it, for a
// transport error, for OpenTimeout, or for ctx.
func (m *Manager) openPeer(ctx context.Context, id string, cfg transport.Config) (transport.Peer, error) {
	peer, err := m.factory(ctx, id, cfg)
	if err != nil {
		return nil, err
	}

	ready := make(chan struct{}, 1)
	failed := make(chan error, 1)
	peer.OnOpen(func(string) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	peer.OnError(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})

	timer := m.clock.NewTimer(m.timings.OpenTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return peer, nil
	case err := <-failed:
		peer.Destroy()
		return nil, err
	case <-timer.Chan():
		peer.Destroy()
		return nil, types.ErrTimeout
	case <-ctx.Done():
		peer.Destroy()
		return nil, ctx.Err()
	}
}

// EndSession leaves the current session and returns the manager to idle.
// It is a no-op when no session is active.
//
// A presenter sends session_end to every open connection and closes it. An
// attendee sends attendee_leave and closes after LeaveDelay so the message
// is delivered. Subscriptions are cleared in both roles.
func (m *Manager) EndSession() {
	m.mu.Lock()
	role := m.role
	sessionID := m.sessionID
	peer := m.peer
	conns := maps.Clone(m.conns)
	m.epoch++
	m.stopHeartbeatLocked()
	m.resetLocked()
	m.mu.Unlock()

	if role == types.RoleNone {
		return
	}
	m.logger.Info("ending session", "role", role, "session_id", sessionID)

	now := types.Millis(m.clock.Now())
	switch role {
	case types.RolePresenter:
		for id, conn := range conns {
			if conn.IsOpen() {
				end := &types.Event{Type: types.EventSessionEnd, SessionID: sessionID, Timestamp: now, SenderID: sessionID}
				if err := conn.Send(end); err != nil {
					m.logger.Warn("failed to send session_end", "peer_id", id, "error", err)
				}
			}
			_ = conn.Close()
		}
		if peer != nil && !peer.Destroyed() {
			peer.Destroy()
		}

	case types.RoleAttendee:
		conn := conns[sessionID]
		if conn != nil && conn.IsOpen() {
			senderID := ""
			if peer != nil {
				senderID = peer.ID()
			}
			leave := &types.Event{Type: types.EventAttendeeLeave, SessionID: sessionID, Timestamp: now, SenderID: senderID}
			if err := conn.Send(leave); err != nil {
				m.logger.Warn("failed to send attendee_leave", "error", err)
			}
		}
		m.clock.AfterFunc(m.timings.LeaveDelay, func() {
			if conn != nil {
				_ = conn.Close()
			}
			if peer != nil && !peer.Destroyed() {
				peer.Destroy()
			}
		})
	}

	m.eventHandlers.clear()
	m.errorHandlers.clear()
	m.joinHandlers.clear()
	m.listHandlers.clear()
	m.handRaiseHandlers.clear()
}

// Subscriptions. Each returns a function that removes the handler.

func (m *Manager) OnEvent(fn func(event *types.Event)) func() {
	return m.eventHandlers.add(fn)
}

func (m *Manager) OnError(fn func(err *types.SessionError)) func() {
	return m.errorHandlers.add(fn)
}

func (m *Manager) OnAttendeeJoin(fn func(attendee types.AttendeeInfo)) func() {
	return m.joinHandlers.add(fn)
}

func (m *Manager) OnAttendeeListUpdate(fn func(attendees []types.AttendeeInfo)) func() {
	return m.listHandlers.add(fn)
}

func (m *Manager) OnHandRaiseUpdate(fn func(handRaises []types.HandRaiseInfo)) func() {
	return m.handRaiseHandlers.add(fn)
}

// Read API. Every getter returns a copy.

func (m *Manager) Role() types.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// SessionID is the presenter's peer id in either role.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Config is the session configuration. Attendees learn it from session_start.
func (m *Manager) Config() (types.SessionConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		return types.SessionConfig{}, false
	}
	return *m.config, true
}

func (m *Manager) IsActive() bool {
	return m.Role() != types.RoleNone
}

// PeerID is the local peer identity, empty when idle.
func (m *Manager) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peer == nil {
		return ""
	}
	return m.peer.ID()
}

// Mode is the attendee's current mode.
func (m *Manager) Mode() types.AttendeeMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Attendees lists the presenter's attendees, oldest first.
func (m *Manager) Attendees() []types.AttendeeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attendeesLocked()
}

// HandRaises lists raised hands, earliest first.
func (m *Manager) HandRaises() []types.HandRaiseInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handRaisesLocked()
}

func (m *Manager) ConnectionState(peerID string) (types.ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.connStates[peerID]
	return state, ok
}

func (m *Manager) ConnectionQuality(peerID string) (types.ConnectionQuality, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attendees[peerID]
	if !ok || a.ConnectionQuality == nil {
		return types.ConnectionQuality{}, false
	}
	return *a.ConnectionQuality, true
}

// GetStats mirrors the broker components' stats maps.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"role":        string(m.role),
		"session_id":  m.sessionID,
		"connections": len(m.conns),
		"attendees":   len(m.attendees),
		"hand_raises": len(m.handRaises),
	}
}

func (m *Manager) attendeesLocked() []types.AttendeeInfo {
	list := make([]types.AttendeeInfo, 0, len(m.attendees))
	for _, a := range m.attendees {
		if a.ConnectionQuality != nil {
			q := *a.ConnectionQuality
			a.ConnectionQuality = &q
		}
		list = append(list, a)
	}
	slices.SortFunc(list, func(a, b types.AttendeeInfo) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

func (m *Manager) handRaisesLocked() []types.HandRaiseInfo {
	list := slices.Collect(maps.Values(m.handRaises))
	slices.SortFunc(list, func(a, b types.HandRaiseInfo) int {
		if c := a.RaisedAt.Compare(b.RaisedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.AttendeeID, b.AttendeeID)
	})
	return list
}

func (m *Manager) notifyAttendeeList() {
	m.mu.Lock()
	list := m.attendeesLocked()
	m.mu.Unlock()
	m.listHandlers.emit(m.logger, list)
}

func (m *Manager) notifyHandRaises() {
	m.mu.Lock()
	list := m.handRaisesLocked()
	m.mu.Unlock()
	m.handRaiseHandlers.emit(m.logger, list)
}
