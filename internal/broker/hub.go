package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"livesession/internal/transport"
)

// FrameContext is a frame together with the peer that sent it.
type FrameContext struct {
	Frame    transport.Frame
	SenderID string
}

// Hub serializes routing and peer departure on one goroutine.
// FUNCTIONAL DISCOVERY: processing departures on the same loop as frames
// guarantees a CLOSE for a link is never overtaken by DATA on it.
type Hub struct {
	frameChannel      chan *FrameContext // TECHNICAL DISCOVERY: 1000 buffer handles broadcast bursts
	unregisterChannel chan *Connection
	shutdownChannel   chan struct{}

	registry *Registry
	router   *Router
	logger   *slog.Logger

	running bool
	mu      sync.RWMutex
}

func NewHub(registry *Registry, router *Router, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		frameChannel:      make(chan *FrameContext, 1000),
		unregisterChannel: make(chan *Connection, 100),
		shutdownChannel:   make(chan struct{}),
		registry:          registry,
		router:            router,
		logger:            logger,
	}
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("starting hub")
	go h.run(ctx)
	return nil
}

func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	h.logger.Info("stopping hub")
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Submit queues a frame for routing without blocking.
func (h *Hub) Submit(senderID string, frame transport.Frame) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.frameChannel <- &FrameContext{Frame: frame, SenderID: senderID}:
		return nil
	default:
		return ErrFrameChannelFull
	}
}

// Unregister queues a departed connection.
func (h *Hub) Unregister(conn *Connection) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.unregisterChannel <- conn:
		return nil
	default:
		return ErrUnregisterChannelFull
	}
}

func (h *Hub) run(ctx context.Context) {
	defer h.logger.Info("hub processing stopped")

	for {
		select {
		case fc := <-h.frameChannel:
			h.handleFrame(fc)
		case conn := <-h.unregisterChannel:
			h.handleDeregistration(conn)
		case <-h.shutdownChannel:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handleFrame(fc *FrameContext) {
	if err := h.router.Route(fc.SenderID, fc.Frame); err != nil {
		h.logger.Debug("frame not routed",
			"type", fc.Frame.Type,
			"from", fc.SenderID,
			"to", fc.Frame.Dst,
			"error", err,
		)
		// Frames racing a departure are expected; only protocol misuse is
		// reported back.
		if !errors.Is(err, ErrPeerUnavailable) {
			h.sendErrorToSender(fc.SenderID, err)
		}
	}
}

func (h *Hub) handleDeregistration(conn *Connection) {
	links := h.registry.Unregister(conn)
	h.router.CloseLinks(conn.PeerID(), links)
	h.logger.Info("peer disconnected", "peer", conn.PeerID(), "closed_links", len(links))
}

func (h *Hub) sendErrorToSender(senderID string, routingErr error) {
	sender, ok := h.registry.Get(senderID)
	if !ok {
		return
	}
	frame := transport.Frame{Type: transport.FrameError, Payload: []byte(routingErr.Error())}
	if err := sender.WriteFrame(frame); err != nil {
		h.logger.Warn("failed to send error frame", "peer", senderID, "error", err)
	}
}
