package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"livesession/internal/codec"
	"livesession/pkg/types"
)

// RelayPeer is a Peer whose connections are relayed frame by frame through
// the broker websocket.
type RelayPeer struct {
	*peerBase
	signal *signalClient
	codec  codec.Codec
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*RelayConn // connectionId -> conn
}

// DialRelay registers id (or an assigned id when empty) on the broker.
func DialRelay(ctx context.Context, id string, cfg Config) (*RelayPeer, error) {
	cfg = cfg.withDefaults()
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "relay-peer")

	signal, assigned, err := dialSignal(ctx, id, cfg, logger)
	if err != nil {
		return nil, err
	}

	p := &RelayPeer{
		peerBase: newPeerBase(assigned),
		signal:   signal,
		codec:    c,
		logger:   logger.With("peer", assigned),
		conns:    make(map[string]*RelayConn),
	}
	go signal.readLoop(p.handleFrame, p.handleDisconnect)
	p.markOpen(assigned)
	return p, nil
}

func (p *RelayPeer) Connect(remote string) (DataConnection, error) {
	if p.Destroyed() {
		return nil, ErrPeerDestroyed
	}
	c := p.track(uuid.NewString(), remote)
	if err := p.signal.send(Frame{Type: FrameConnect, Dst: remote, ConnectionID: c.id}); err != nil {
		p.untrack(c.id)
		return nil, err
	}
	return c, nil
}

func (p *RelayPeer) Destroy() {
	if !p.markDestroyed() {
		return
	}
	for _, c := range p.drain() {
		_ = c.Close()
	}
	p.signal.Close()
}

func (p *RelayPeer) track(id, remote string) *RelayConn {
	c := &RelayConn{connBase: newConnBase(remote), id: id, peer: p}
	p.mu.Lock()
	p.conns[id] = c
	p.mu.Unlock()
	return c
}

func (p *RelayPeer) lookup(id string) (*RelayConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	return c, ok
}

func (p *RelayPeer) untrack(id string) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

func (p *RelayPeer) drain() []*RelayConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := make([]*RelayConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	return conns
}

func (p *RelayPeer) handleFrame(f Frame) {
	switch f.Type {
	case FrameConnect:
		c := p.track(f.ConnectionID, f.Src)
		if err := p.signal.send(Frame{Type: FrameAccept, Dst: f.Src, ConnectionID: f.ConnectionID}); err != nil {
			p.untrack(c.id)
			return
		}
		p.announce(c)
		c.markOpen()

	case FrameAccept:
		if c, ok := p.lookup(f.ConnectionID); ok {
			c.markOpen()
		}

	case FrameData:
		c, ok := p.lookup(f.ConnectionID)
		if !ok {
			return
		}
		event, err := p.codec.Decode(f.Payload)
		if err != nil {
			p.logger.Warn("dropping undecodable event", "from", f.Src, "error", err)
			return
		}
		c.deliver(event)

	case FrameClose:
		if c, ok := p.lookup(f.ConnectionID); ok {
			p.untrack(c.id)
			c.markClosed()
		}

	case FrameExpire:
		if c, ok := p.lookup(f.ConnectionID); ok {
			p.untrack(c.id)
			c.fail(fmt.Errorf("could not connect to peer %s: %w", f.Dst, types.ErrPeerUnavailable))
			c.markClosed()
		}

	case FrameError:
		p.fail(fmt.Errorf("signaling server error: %s", f.Payload))

	default:
		p.logger.Debug("ignoring frame", "type", f.Type)
	}
}

func (p *RelayPeer) handleDisconnect(err error) {
	for _, c := range p.drain() {
		p.untrack(c.id)
		c.markClosed()
	}
	if err != nil && !p.Destroyed() {
		p.fail(fmt.Errorf("%w: %v", ErrDisconnected, err))
	}
}

// RelayConn is a DataConnection relayed by the broker.
type RelayConn struct {
	*connBase
	id   string
	peer *RelayPeer
}

func (c *RelayConn) Send(event *types.Event) error {
	if !c.IsOpen() {
		return ErrNotOpen
	}
	data, err := c.peer.codec.Encode(event)
	if err != nil {
		return err
	}
	return c.peer.signal.send(Frame{Type: FrameData, Dst: c.remote, ConnectionID: c.id, Payload: data})
}

func (c *RelayConn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.peer.untrack(c.id)
	if err := c.peer.signal.send(Frame{Type: FrameClose, Dst: c.remote, ConnectionID: c.id}); err != nil && err != ErrDisconnected {
		return err
	}
	return nil
}
