package session

import (
	"context"
	"fmt"

	"livesession/internal/joincode"
	"livesession/internal/transport"
	"livesession/pkg/types"
)

// CreateSession opens the presenter's peer and starts accepting attendees.
//
// The peer must be accepted by the network within OpenTimeout or the call
// fails with a CONNECTION_FAILED SessionError, which is also delivered to
// the error subscribers. A failed QR rendering leaves QRCode empty.
func (m *Manager) CreateSession(ctx context.Context, cfg types.SessionConfig, tc transport.Config) (*types.SessionInfo, error) {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = types.ModeGuided
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	epoch, err := m.claim()
	if err != nil {
		return nil, err
	}
	defer m.release()

	presenterID := m.newPresenterID()
	m.logger.Info("creating session", "name", cfg.Name, "presenter_id", presenterID)

	peer, err := m.openPeer(ctx, presenterID, tc)
	if err != nil {
		return nil, m.fail(types.CodeConnectionFailed, "Failed to create session", err)
	}
	sessionID := peer.ID()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		peer.Destroy()
		return nil, m.fail(types.CodeConnectionFailed, "Session ended while it was being created", context.Canceled)
	}
	m.role = types.RolePresenter
	m.sessionID = sessionID
	m.config = &cfg
	m.peer = peer
	m.mu.Unlock()

	peer.OnConnection(func(conn transport.DataConnection) { m.acceptAttendee(epoch, conn) })
	peer.OnError(func(err error) {
		m.mu.Lock()
		live := m.current(epoch, types.RolePresenter)
		m.mu.Unlock()
		if live {
			m.fail(types.CodeConnectionFailed, "Signaling connection error", err)
		}
	})
	m.startHeartbeat(epoch)

	offer := types.SessionOffer{
		ID:          sessionID,
		Name:        cfg.Name,
		TutorialURL: cfg.TutorialURL,
		DefaultMode: cfg.DefaultMode,
	}
	code, err := joincode.GenerateJoinCode(offer)
	if err != nil {
		return nil, err
	}
	joinURL, err := joincode.GenerateJoinURL(offer, m.baseURL, m.appSlug)
	if err != nil {
		return nil, err
	}
	qr, err := m.renderQR(joinURL)
	if err != nil {
		m.logger.Warn("failed to render join QR code", "error", err)
		qr = ""
	}

	m.logger.Info("session created", "session_id", sessionID)
	return &types.SessionInfo{
		SessionID: sessionID,
		JoinCode:  code,
		JoinURL:   joinURL,
		QRCode:    qr,
		Config:    cfg,
	}, nil
}

// acceptAttendee wires a new inbound connection. Nothing is recorded until
// the connection opens.
func (m *Manager) acceptAttendee(epoch int, conn transport.DataConnection) {
	peerID := conn.Peer()
	m.logger.Info("attendee connecting", "peer_id", peerID)

	conn.OnOpen(func() {
		m.mu.Lock()
		if !m.current(epoch, types.RolePresenter) {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conns[peerID] = conn
		m.lastHeartbeat[peerID] = m.clock.Now()
		known := m.setStateLocked(peerID, types.StateConnected)
		m.mu.Unlock()
		m.logger.Info("attendee connected", "peer_id", peerID)
		if known {
			m.notifyAttendeeList()
		}
	})
	conn.OnData(func(event *types.Event) { m.handleAttendeeEvent(epoch, conn, event) })
	conn.OnClose(func() { m.handleAttendeeClose(epoch, conn) })
	conn.OnError(func(err error) {
		m.logger.Error("attendee connection error", "peer_id", peerID, "error", err)
		if m.setAttendeeState(epoch, peerID, types.StateFailed) {
			m.notifyAttendeeList()
		}
	})
}

func (m *Manager) handleAttendeeEvent(epoch int, conn transport.DataConnection, event *types.Event) {
	peerID := conn.Peer()

	m.mu.Lock()
	live := m.current(epoch, types.RolePresenter)
	m.mu.Unlock()
	if !live {
		return
	}

	switch event.Type {
	case types.EventAttendeeJoin:
		m.handleJoin(epoch, conn, event)

	case types.EventModeChange:
		m.mu.Lock()
		a, ok := m.attendees[peerID]
		if ok && event.Mode.Valid() {
			a.Mode = event.Mode
			m.attendees[peerID] = a
		}
		m.mu.Unlock()
		if ok {
			m.logger.Info("attendee changed mode", "peer_id", peerID, "mode", event.Mode)
			m.notifyAttendeeList()
		} else {
			m.logger.Warn("mode_change from unknown attendee", "peer_id", peerID)
		}
		m.eventHandlers.emit(m.logger, event)

	case types.EventHandRaise:
		m.mu.Lock()
		if event.IsRaised {
			m.handRaises[peerID] = types.HandRaiseInfo{
				AttendeeID:   peerID,
				AttendeeName: event.AttendeeName,
				RaisedAt:     types.FromMillis(event.Timestamp),
			}
		} else {
			delete(m.handRaises, peerID)
		}
		m.mu.Unlock()
		m.logger.Info("hand raise", "peer_id", peerID, "raised", event.IsRaised)
		m.notifyHandRaises()
		m.eventHandlers.emit(m.logger, event)

	case types.EventAttendeeLeave:
		m.mu.Lock()
		_, hadHand := m.handRaises[peerID]
		_, known := m.attendees[peerID]
		m.forgetAttendeeLocked(peerID)
		delete(m.conns, peerID)
		m.mu.Unlock()
		m.logger.Info("attendee left", "peer_id", peerID)
		if known {
			m.metrics.AttendeeLeft(context.Background(), "leave")
		}
		if hadHand {
			m.notifyHandRaises()
		}
		m.notifyAttendeeList()
		m.eventHandlers.emit(m.logger, event)

	case types.EventHeartbeat:
		m.handleHeartbeatEcho(epoch, peerID, event)

	default:
		m.eventHandlers.emit(m.logger, event)
	}
}

func (m *Manager) handleJoin(epoch int, conn transport.DataConnection, event *types.Event) {
	peerID := conn.Peer()
	name := event.Name
	if name == "" {
		name = "Anonymous"
	}
	mode := event.Mode
	if !mode.Valid() {
		mode = types.ModeGuided
	}
	attendee := types.AttendeeInfo{
		ID:              peerID,
		Name:            name,
		Mode:            mode,
		ConnectionState: types.StateConnected,
		JoinedAt:        m.clock.Now(),
	}

	m.mu.Lock()
	if !m.current(epoch, types.RolePresenter) {
		m.mu.Unlock()
		return
	}
	// FUNCTIONAL DISCOVERY: a rejoin inside the grace period overwrites the
	// old record and cancels its pending removal.
	if t, ok := m.graceTimers[peerID]; ok {
		t.Stop()
		delete(m.graceTimers, peerID)
	}
	m.attendees[peerID] = attendee
	m.connStates[peerID] = types.StateConnected
	m.conns[peerID] = conn
	sessionID := m.sessionID
	cfg := *m.config
	m.mu.Unlock()

	m.logger.Info("attendee joined", "peer_id", peerID, "name", name, "mode", mode)
	m.metrics.AttendeeJoined(context.Background())
	m.joinHandlers.emit(m.logger, attendee)
	m.notifyAttendeeList()

	start := &types.Event{
		Type:      types.EventSessionStart,
		SessionID: sessionID,
		Timestamp: types.Millis(m.clock.Now()),
		SenderID:  sessionID,
		Config:    &cfg,
	}
	if err := conn.Send(start); err != nil {
		m.logger.Warn("failed to send session_start", "peer_id", peerID, "error", err)
	}
}

func (m *Manager) handleHeartbeatEcho(epoch int, peerID string, event *types.Event) {
	now := m.clock.Now()

	m.mu.Lock()
	if !m.current(epoch, types.RolePresenter) {
		m.mu.Unlock()
		return
	}
	m.lastHeartbeat[peerID] = now
	sent, ok := m.heartbeatSent[peerID]
	a, known := m.attendees[peerID]
	updated := false
	latency := now.Sub(types.FromMillis(event.SentAt))
	if ok && known && event.SentAt == sent {
		if latency < 0 {
			latency = 0
		}
		a.ConnectionQuality = &types.ConnectionQuality{
			Latency:       latency,
			PacketsLost:   0,
			LastHeartbeat: now,
			Quality:       types.ClassifyLatency(latency),
		}
		m.attendees[peerID] = a
		updated = true
	}
	m.mu.Unlock()

	if updated {
		m.metrics.HeartbeatLatency(context.Background(), latency)
		m.notifyAttendeeList()
	}
}

func (m *Manager) handleAttendeeClose(epoch int, conn transport.DataConnection) {
	peerID := conn.Peer()

	m.mu.Lock()
	if !m.current(epoch, types.RolePresenter) {
		m.mu.Unlock()
		return
	}
	if current, ok := m.conns[peerID]; ok && current != conn {
		// A newer connection from the same peer replaced this one.
		m.mu.Unlock()
		return
	}
	delete(m.conns, peerID)
	_, known := m.attendees[peerID]
	if !known {
		delete(m.connStates, peerID)
		delete(m.lastHeartbeat, peerID)
		delete(m.heartbeatSent, peerID)
		m.mu.Unlock()
		return
	}
	m.setStateLocked(peerID, types.StateDisconnected)
	if t, ok := m.graceTimers[peerID]; ok {
		t.Stop()
	}
	m.graceTimers[peerID] = m.clock.AfterFunc(m.timings.GracePeriod, func() {
		m.expireAttendee(epoch, peerID)
	})
	m.mu.Unlock()

	m.logger.Info("attendee disconnected", "peer_id", peerID, "grace_period", m.timings.GracePeriod)
	m.notifyAttendeeList()
}

// expireAttendee removes an attendee whose grace period ran out while still
// disconnected.
func (m *Manager) expireAttendee(epoch int, peerID string) {
	m.mu.Lock()
	if !m.current(epoch, types.RolePresenter) {
		m.mu.Unlock()
		return
	}
	delete(m.graceTimers, peerID)
	if m.connStates[peerID] != types.StateDisconnected {
		m.mu.Unlock()
		return
	}
	_, hadHand := m.handRaises[peerID]
	m.forgetAttendeeLocked(peerID)
	m.mu.Unlock()

	m.logger.Info("removing attendee after grace period", "peer_id", peerID)
	m.metrics.AttendeeLeft(context.Background(), "grace_expired")
	if hadHand {
		m.notifyHandRaises()
	}
	m.notifyAttendeeList()
}

func (m *Manager) forgetAttendeeLocked(peerID string) {
	delete(m.attendees, peerID)
	delete(m.connStates, peerID)
	delete(m.lastHeartbeat, peerID)
	delete(m.heartbeatSent, peerID)
	delete(m.handRaises, peerID)
	if t, ok := m.graceTimers[peerID]; ok {
		t.Stop()
		delete(m.graceTimers, peerID)
	}
}

// setAttendeeState records state for peerID and reports whether an
// attendee record changed.
func (m *Manager) setAttendeeState(epoch int, peerID string, state types.ConnectionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(epoch, types.RolePresenter) {
		return false
	}
	return m.setStateLocked(peerID, state)
}

func (m *Manager) setStateLocked(peerID string, state types.ConnectionState) bool {
	m.connStates[peerID] = state
	a, ok := m.attendees[peerID]
	if !ok {
		return false
	}
	a.ConnectionState = state
	m.attendees[peerID] = a
	return true
}

// BroadcastToAttendees sends event to every open attendee connection.
// Connections that are not open are skipped and per-peer send failures are
// logged; neither stops the broadcast. Missing envelope fields are filled
// in from the session.
func (m *Manager) BroadcastToAttendees(event *types.Event) error {
	m.mu.Lock()
	if m.role != types.RolePresenter {
		m.mu.Unlock()
		m.logger.Warn("only the presenter can broadcast to attendees", "type", event.Type)
		return ErrNotPresenter
	}
	m.fillEnvelopeLocked(event)
	targets := make(map[string]transport.DataConnection, len(m.conns))
	for id, conn := range m.conns {
		targets[id] = conn
	}
	m.mu.Unlock()

	ctx := context.Background()
	m.logger.Debug("broadcasting event", "type", event.Type, "attendees", len(targets))
	for id, conn := range targets {
		if !conn.IsOpen() {
			m.logger.Warn("connection is not open", "peer_id", id)
			continue
		}
		if err := conn.Send(event); err != nil {
			m.logger.Error("failed to send to attendee", "peer_id", id, "type", event.Type, "error", err)
			m.metrics.SendFailed(ctx, event.Type)
			continue
		}
		m.metrics.EventSent(ctx, event.Type)
	}
	return nil
}

func (m *Manager) fillEnvelopeLocked(event *types.Event) {
	if event.SessionID == "" {
		event.SessionID = m.sessionID
	}
	if event.Timestamp == 0 {
		event.Timestamp = types.Millis(m.clock.Now())
	}
	if event.SenderID == "" && m.peer != nil {
		event.SenderID = m.peer.ID()
	}
}

// startHeartbeat is a no-op when the scheduler is already running.
func (m *Manager) startHeartbeat(epoch int) {
	m.mu.Lock()
	if m.heartbeatStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	ticker := m.clock.NewTicker(m.timings.HeartbeatInterval)
	m.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				m.heartbeatTick(epoch)
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// heartbeatTick pings every open connection and demotes peers whose last
// heartbeat is older than StaleThreshold.
func (m *Manager) heartbeatTick(epoch int) {
	now := m.clock.Now()
	sentAt := types.Millis(now)

	m.mu.Lock()
	if !m.current(epoch, types.RolePresenter) {
		m.mu.Unlock()
		return
	}
	sessionID := m.sessionID
	targets := make(map[string]transport.DataConnection)
	changed := false
	for id, conn := range m.conns {
		if !conn.IsOpen() {
			continue
		}
		m.heartbeatSent[id] = sentAt
		targets[id] = conn

		if age := now.Sub(m.lastHeartbeat[id]); age > m.timings.StaleThreshold {
			if m.connStates[id] != types.StateDisconnected {
				m.logger.Warn("no heartbeat from attendee", "peer_id", id, "age", age)
				m.setStateLocked(id, types.StateDisconnected)
				changed = true
			}
		}
	}
	m.mu.Unlock()

	for id, conn := range targets {
		ping := &types.Event{
			Type:      types.EventHeartbeat,
			SessionID: sessionID,
			Timestamp: sentAt,
			SenderID:  sessionID,
			SentAt:    sentAt,
		}
		if err := conn.Send(ping); err != nil {
			m.logger.Warn("failed to send heartbeat", "peer_id", id, "error", err)
		}
	}
	if changed {
		m.notifyAttendeeList()
	}
}
