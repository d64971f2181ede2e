package broker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps a token bucket per peer.
// ARCHITECTURAL DISCOVERY: per-peer state with periodic cleanup keeps
// memory bounded as peers come and go.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*peerLimit
}

type peerLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond frames per peer with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*peerLimit),
	}
}

// Allow reports whether peerID may send another frame now.
func (rl *RateLimiter) Allow(peerID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	pl, ok := rl.clients[peerID]
	if !ok {
		pl = &peerLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[peerID] = pl
	}
	pl.lastSeen = now
	return pl.limiter.AllowN(now, 1)
}

// Forget drops state for a departed peer.
func (rl *RateLimiter) Forget(peerID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, peerID)
}

// Cleanup removes peers idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for id, pl := range rl.clients {
		if now.Sub(pl.lastSeen) > maxIdle {
			delete(rl.clients, id)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
