package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"livesession/internal/transport"
	"livesession/pkg/types"
)

// JoinSession connects to the presenter whose peer id is sessionID.
//
// The local peer gets a network-assigned identity. Both the peer and the
// connection to the presenter must open within OpenTimeout; any failure is
// a CONNECTION_FAILED SessionError that is returned and also delivered to
// the error subscribers. A connection lost after joining is reported the
// same way and is never retried here.
func (m *Manager) JoinSession(ctx context.Context, sessionID string, mode types.AttendeeMode, name string, tc transport.Config) error {
	if mode == "" {
		mode = types.ModeGuided
	}
	if !mode.Valid() {
		return types.ErrInvalidMode
	}
	if name == "" {
		name = "Anonymous"
	}

	epoch, err := m.claim()
	if err != nil {
		return err
	}
	defer m.release()

	m.logger.Info("joining session", "session_id", sessionID, "mode", mode)

	peer, err := m.openPeer(ctx, "", tc)
	if err != nil {
		return m.fail(types.CodeConnectionFailed, "Failed to join session", err)
	}

	conn, err := m.connectPresenter(ctx, epoch, peer, sessionID)
	if err != nil {
		peer.Destroy()
		return m.fail(types.CodeConnectionFailed, "Failed to join session", err)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = conn.Close()
		peer.Destroy()
		return m.fail(types.CodeConnectionFailed, "Session ended while joining", context.Canceled)
	}
	m.role = types.RoleAttendee
	m.sessionID = sessionID
	m.peer = peer
	m.conns[sessionID] = conn
	m.name = name
	m.mode = mode
	m.mu.Unlock()

	join := &types.Event{
		Type:      types.EventAttendeeJoin,
		SessionID: sessionID,
		Timestamp: types.Millis(m.clock.Now()),
		SenderID:  peer.ID(),
		Name:      name,
		Mode:      mode,
	}
	if err := conn.Send(join); err != nil {
		m.mu.Lock()
		if m.epoch == epoch {
			m.epoch++
			m.resetLocked()
		}
		m.mu.Unlock()
		_ = conn.Close()
		peer.Destroy()
		return m.fail(types.CodeConnectionFailed, "Failed to join session", err)
	}
	conn.OnData(func(event *types.Event) { m.handlePresenterEvent(epoch, conn, event) })

	m.logger.Info("joined session", "session_id", sessionID, "peer_id", peer.ID())
	return nil
}

// connectPresenter opens a connection to the presenter and waits for it.
// The close and error handlers it installs report losses only once the join
// has completed under epoch.
func (m *Manager) connectPresenter(ctx context.Context, epoch int, peer transport.Peer, sessionID string) (transport.DataConnection, error) {
	conn, err := peer.Connect(sessionID)
	if err != nil {
		return nil, err
	}

	var joined atomic.Bool
	opened := make(chan struct{}, 1)
	failed := make(chan error, 1)
	signal := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	conn.OnOpen(func() {
		joined.Store(true)
		select {
		case opened <- struct{}{}:
		default:
		}
	})
	conn.OnError(func(err error) {
		if !joined.Load() {
			signal(err)
			return
		}
		if m.attendeeLive(epoch) {
			m.fail(types.CodeConnectionFailed, "Connection error", err)
		}
	})
	conn.OnClose(func() {
		if !joined.Load() {
			signal(ErrConnectionClosed)
			return
		}
		if m.attendeeLive(epoch) {
			m.fail(types.CodeConnectionFailed, "Connection to presenter lost", nil)
		}
	})

	timer := m.clock.NewTimer(m.timings.OpenTimeout)
	defer timer.Stop()

	select {
	case <-opened:
		return conn, nil
	case err := <-failed:
		_ = conn.Close()
		return nil, err
	case <-timer.Chan():
		_ = conn.Close()
		return nil, fmt.Errorf("connect to %s: %w", sessionID, types.ErrTimeout)
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}
}

func (m *Manager) attendeeLive(epoch int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(epoch, types.RoleAttendee)
}

// handlePresenterEvent answers heartbeats and forwards everything else to
// the event subscribers.
func (m *Manager) handlePresenterEvent(epoch int, conn transport.DataConnection, event *types.Event) {
	m.mu.Lock()
	if !m.current(epoch, types.RoleAttendee) {
		m.mu.Unlock()
		return
	}
	sessionID := m.sessionID
	if event.Type == types.EventHeartbeat {
		m.lastHeartbeat[sessionID] = m.clock.Now()
	}
	if event.Type == types.EventSessionStart && event.Config != nil {
		cfg := *event.Config
		m.config = &cfg
	}
	m.mu.Unlock()

	if event.Type == types.EventHeartbeat {
		echo := &types.Event{
			Type:      types.EventHeartbeat,
			SessionID: sessionID,
			Timestamp: types.Millis(m.clock.Now()),
			SenderID:  m.PeerID(),
			SentAt:    event.SentAt,
		}
		if err := conn.Send(echo); err != nil {
			m.logger.Warn("failed to echo heartbeat", "error", err)
		}
		return
	}

	m.logger.Debug("received event from presenter", "type", event.Type)
	m.eventHandlers.emit(m.logger, event)
}

// SendToPresenter sends event over the presenter connection. Nothing is
// queued: when the connection is not open the event is dropped.
func (m *Manager) SendToPresenter(event *types.Event) error {
	m.mu.Lock()
	if m.role != types.RoleAttendee || m.sessionID == "" {
		m.mu.Unlock()
		m.logger.Warn("can only send to presenter as attendee", "type", event.Type)
		return ErrNotAttendee
	}
	m.fillEnvelopeLocked(event)
	conn := m.conns[m.sessionID]
	m.mu.Unlock()

	if conn == nil || !conn.IsOpen() {
		m.logger.Error("no connection to presenter", "type", event.Type)
		return ErrNoPresenterConnection
	}
	if err := conn.Send(event); err != nil {
		m.metrics.SendFailed(context.Background(), event.Type)
		return fmt.Errorf("send %s: %w", event.Type, err)
	}
	m.metrics.EventSent(context.Background(), event.Type)
	return nil
}

// ChangeMode switches the attendee's mode and tells the presenter.
func (m *Manager) ChangeMode(mode types.AttendeeMode) error {
	if !mode.Valid() {
		return types.ErrInvalidMode
	}
	m.mu.Lock()
	if m.role != types.RoleAttendee {
		m.mu.Unlock()
		return ErrNotAttendee
	}
	m.mode = mode
	m.mu.Unlock()
	return m.SendToPresenter(&types.Event{Type: types.EventModeChange, Mode: mode})
}

// RaiseHand raises or lowers the attendee's hand.
func (m *Manager) RaiseHand(raised bool) error {
	m.mu.Lock()
	name := m.name
	m.mu.Unlock()
	return m.SendToPresenter(&types.Event{Type: types.EventHandRaise, AttendeeName: name, IsRaised: raised})
}
