package broker

import (
	"sort"
	"sync"
)

// Link is a relayed connection between two peers.
type Link struct {
	ConnectionID string
	A, B         string
}

// Other returns the far end of the link as seen from peerID.
func (l Link) Other(peerID string) string {
	if l.A == peerID {
		return l.B
	}
	return l.A
}

// Registry tracks connected peers and the relay links between them.
// TECHNICAL DISCOVERY: RWMutex because routing does a lookup per frame
// while registration is rare.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*Connection
	links  map[string]Link            // connectionId -> link
	byPeer map[string]map[string]bool // peerID -> connectionIds
}

func NewRegistry() *Registry {
	return &Registry{
		peers:  make(map[string]*Connection),
		links:  make(map[string]Link),
		byPeer: make(map[string]map[string]bool),
	}
}

// Register claims conn's peer id. Unlike a reconnecting classroom client,
// a peer id that is in use is refused rather than replaced.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.peers[conn.PeerID()]; taken {
		return ErrIDTaken
	}
	r.peers[conn.PeerID()] = conn
	return nil
}

// Unregister removes conn and returns the links it was part of, which are
// forgotten as well. It is a no-op (nil) when a different connection now
// holds the id.
func (r *Registry) Unregister(conn *Connection) []Link {
	if conn == nil {
		return nil
	}
	peerID := conn.PeerID()

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.peers[peerID]
	if !exists || registered != conn {
		return nil
	}
	delete(r.peers, peerID)

	var dropped []Link
	for id := range r.byPeer[peerID] {
		if link, ok := r.links[id]; ok {
			dropped = append(dropped, link)
			r.removeLinkLocked(link)
		}
	}
	delete(r.byPeer, peerID)
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].ConnectionID < dropped[j].ConnectionID })
	return dropped
}

func (r *Registry) Get(peerID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.peers[peerID]
	return conn, ok
}

// AddLink records a relay connection between a and b.
func (r *Registry) AddLink(connectionID, a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link := Link{ConnectionID: connectionID, A: a, B: b}
	r.links[connectionID] = link
	for _, p := range []string{a, b} {
		if r.byPeer[p] == nil {
			r.byPeer[p] = make(map[string]bool)
		}
		r.byPeer[p][connectionID] = true
	}
}

// RemoveLink forgets a relay connection. Idempotent.
func (r *Registry) RemoveLink(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if link, ok := r.links[connectionID]; ok {
		r.removeLinkLocked(link)
	}
}

func (r *Registry) removeLinkLocked(link Link) {
	delete(r.links, link.ConnectionID)
	for _, p := range []string{link.A, link.B} {
		if ids, ok := r.byPeer[p]; ok {
			delete(ids, link.ConnectionID)
			if len(ids) == 0 {
				delete(r.byPeer, p)
			}
		}
	}
}

// Peers lists registered peer ids in sorted order.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LinkCount returns the number of links peerID takes part in.
func (r *Registry) LinkCount(peerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer[peerID])
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"connected_peers": len(r.peers),
		"active_links":    len(r.links),
	}
}
