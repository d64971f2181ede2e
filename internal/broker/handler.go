package broker

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livesession/internal/transport"
	"livesession/pkg/types"
)

var upgrader = websocket.Upgrader{
	// FUNCTIONAL DISCOVERY: session pages are served from the host
	// application's origin, not the broker's.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Handler accepts peer websockets at <path>/peerjs?id=&key=.
type Handler struct {
	key          string
	registry     *Registry
	hub          *Hub
	logger       *slog.Logger
	pingInterval time.Duration
	readTimeout  time.Duration
}

// NewHandler creates a Handler that admits peers presenting key.
func NewHandler(key string, registry *Registry, hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		key:          key,
		registry:     registry,
		hub:          hub,
		logger:       logger,
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
	}
}

// ServeHTTP upgrades, claims the peer id and then pumps frames into the hub.
// ARCHITECTURAL DISCOVERY: rejections happen after the upgrade as ERROR or
// ID-TAKEN frames, because browser websocket clients cannot read HTTP
// error bodies.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	peerID := query.Get("id")
	key := query.Get("key")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	reject := func(frameType, reason string) {
		_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = ws.WriteJSON(transport.Frame{Type: frameType, Payload: []byte(reason)})
		_ = ws.Close()
	}

	if key != h.key {
		reject(transport.FrameError, "invalid key")
		return
	}
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if !types.IsValidPeerID(peerID) {
		reject(transport.FrameError, types.ErrInvalidPeerID.Error())
		return
	}

	conn := NewConnection(ws, peerID)
	if err := h.registry.Register(conn); err != nil {
		conn.cancel()
		reject(transport.FrameIDTaken, "ID is taken")
		return
	}

	if err := conn.WriteFrame(transport.Frame{Type: transport.FrameOpen, Dst: peerID}); err != nil {
		h.logger.Warn("failed to send OPEN", "peer", peerID, "error", err)
	}
	h.logger.Info("peer connected", "peer", peerID)

	go h.handleConnection(conn)
}

// handleConnection reads frames until the socket fails, then hands the
// connection to the hub for link cleanup.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.hub.Unregister(conn); err != nil {
			// Hub is gone; clean up directly.
			h.registry.Unregister(conn)
		}
		_ = conn.Close()
	}()

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	go func() {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		var frame transport.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", "peer", conn.PeerID(), "error", err)
			}
			return
		}
		// Any frame counts as liveness.
		_ = ws.SetReadDeadline(time.Now().Add(h.readTimeout))

		if err := h.hub.Submit(conn.PeerID(), frame); err != nil {
			h.logger.Warn("dropping frame", "peer", conn.PeerID(), "type", frame.Type, "error", err)
		}
	}
}
