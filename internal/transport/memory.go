package transport

import (
	"context"
	"fmt"
	"sync"

	"livesession/internal/codec"
	"livesession/pkg/types"
)

// MemoryNetwork is an in-process network. Every event sent over one of its
// connections is encoded and decoded with the configured codec, so receivers
// never share memory with senders.
type MemoryNetwork struct {
	codec codec.Codec

	mu    sync.Mutex
	peers map[string]*MemoryPeer
	seq   int
}

// NewMemoryNetwork creates an empty network using the JSON codec.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{codec: codec.JSON{}, peers: make(map[string]*MemoryPeer)}
}

// NewPeer registers id on the network. An empty id is assigned one.
func (n *MemoryNetwork) NewPeer(id string) (*MemoryPeer, error) {
	n.mu.Lock()
	if id == "" {
		n.seq++
		id = fmt.Sprintf("mem-%d", n.seq)
	}
	if _, taken := n.peers[id]; taken {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrIDTaken, id)
	}
	p := &MemoryPeer{peerBase: newPeerBase(id), network: n}
	n.peers[id] = p
	n.mu.Unlock()

	p.markOpen(id)
	return p, nil
}

// Factory adapts the network to the session layer's peer factory.
func (n *MemoryNetwork) Factory() Factory {
	return func(_ context.Context, id string, _ Config) (Peer, error) {
		return n.NewPeer(id)
	}
}

// Peer returns a registered peer.
func (n *MemoryNetwork) Peer(id string) (*MemoryPeer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[id]
	return p, ok
}

// Peers lists registered peer ids.
func (n *MemoryNetwork) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

func (n *MemoryNetwork) remove(p *MemoryPeer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.peers[p.ID()]; ok && current == p {
		delete(n.peers, p.ID())
	}
}

// MemoryPeer is a Peer on a MemoryNetwork.
type MemoryPeer struct {
	*peerBase
	network *MemoryNetwork

	connMu sync.Mutex
	conns  []*MemoryConn
}

func (p *MemoryPeer) Connect(remote string) (DataConnection, error) {
	if p.Destroyed() {
		return nil, ErrPeerDestroyed
	}

	local := p.newConn(remote)
	target, ok := p.network.Peer(remote)
	if !ok || target.Destroyed() {
		local.fail(fmt.Errorf("could not connect to peer %s: %w", remote, types.ErrPeerUnavailable))
		local.markClosed()
		return local, nil
	}

	far := target.newConn(p.ID())
	local.other, far.other = far, local

	target.announce(far)
	far.markOpen()
	local.markOpen()
	return local, nil
}

func (p *MemoryPeer) newConn(remote string) *MemoryConn {
	c := &MemoryConn{connBase: newConnBase(remote), codec: p.network.codec}
	p.connMu.Lock()
	p.conns = append(p.conns, c)
	p.connMu.Unlock()
	return c
}

// Destroy closes every connection and removes the peer from the network.
func (p *MemoryPeer) Destroy() {
	if !p.markDestroyed() {
		return
	}
	p.network.remove(p)

	p.connMu.Lock()
	conns := p.conns
	p.conns = nil
	p.connMu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Drop simulates the peer vanishing from the network: every connection
// closes on both sides and the peer receives ErrDisconnected.
func (p *MemoryPeer) Drop() {
	p.fail(ErrDisconnected)
	p.Destroy()
}

// MemoryConn is a DataConnection on a MemoryNetwork.
type MemoryConn struct {
	*connBase
	codec codec.Codec
	other *MemoryConn
}

func (c *MemoryConn) Send(event *types.Event) error {
	if !c.IsOpen() || c.other == nil {
		return ErrNotOpen
	}
	data, err := c.codec.Encode(event)
	if err != nil {
		return err
	}
	copied, err := c.codec.Decode(data)
	if err != nil {
		return err
	}
	c.other.deliver(copied)
	return nil
}

func (c *MemoryConn) Close() error {
	if c.markClosed() && c.other != nil {
		c.other.markClosed()
	}
	return nil
}

// Fail injects a transport error on this side of the connection.
func (c *MemoryConn) Fail(err error) {
	c.fail(err)
}
