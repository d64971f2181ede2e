package broker

import (
	"context"
	"fmt"
	"log/slog"

	"livesession/internal/telemetry"
	"livesession/internal/transport"
)

// Router forwards frames between peers. It holds no goroutines of its own;
// the Hub calls it from its single processing loop.
type Router struct {
	registry    *Registry
	rateLimiter *RateLimiter
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

func NewRouter(registry *Registry, limiter *RateLimiter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, rateLimiter: limiter, logger: logger}
}

// SetMetrics counts routed frames. A nil Metrics disables counting.
func (r *Router) SetMetrics(m *telemetry.Metrics) {
	r.metrics = m
}

// Route validates a frame from senderID and delivers it to its destination.
// An unknown destination on CONNECT or OFFER is answered with EXPIRE so the
// sender can report the peer as unavailable.
func (r *Router) Route(senderID string, frame transport.Frame) error {
	err := r.route(senderID, frame)
	r.metrics.FrameRouted(context.Background(), frame.Type, err == nil)
	return err
}

func (r *Router) route(senderID string, frame transport.Frame) error {
	switch frame.Type {
	case transport.FrameConnect, transport.FrameAccept, transport.FrameData,
		transport.FrameClose, transport.FrameOffer, transport.FrameAnswer:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFrame, frame.Type)
	}
	if frame.Dst == "" {
		return ErrMissingDestination
	}
	if r.rateLimiter != nil && !r.rateLimiter.Allow(senderID) {
		return ErrRateLimitExceeded
	}

	// Peers never choose their own source address.
	frame.Src = senderID

	dst, ok := r.registry.Get(frame.Dst)
	if !ok {
		if frame.Type == transport.FrameConnect || frame.Type == transport.FrameOffer {
			r.expire(senderID, frame)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, frame.Dst)
	}

	switch frame.Type {
	case transport.FrameConnect:
		r.registry.AddLink(frame.ConnectionID, senderID, frame.Dst)
	case transport.FrameClose:
		r.registry.RemoveLink(frame.ConnectionID)
	}

	if err := dst.WriteFrame(frame); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", frame.Type, frame.Dst, err)
	}
	return nil
}

func (r *Router) expire(senderID string, frame transport.Frame) {
	sender, ok := r.registry.Get(senderID)
	if !ok {
		return
	}
	reply := transport.Frame{
		Type:         transport.FrameExpire,
		Dst:          frame.Dst,
		ConnectionID: frame.ConnectionID,
	}
	if err := sender.WriteFrame(reply); err != nil {
		r.logger.Warn("failed to send EXPIRE", "peer", senderID, "error", err)
	}
}

// CloseLinks tells the far end of every link that it is gone.
func (r *Router) CloseLinks(departed string, links []Link) {
	for _, link := range links {
		other := link.Other(departed)
		conn, ok := r.registry.Get(other)
		if !ok {
			continue
		}
		frame := transport.Frame{
			Type:         transport.FrameClose,
			Src:          departed,
			Dst:          other,
			ConnectionID: link.ConnectionID,
		}
		if err := conn.WriteFrame(frame); err != nil {
			r.logger.Warn("failed to close link", "peer", other, "connection_id", link.ConnectionID, "error", err)
		}
	}
	if r.rateLimiter != nil {
		r.rateLimiter.Forget(departed)
	}
}
