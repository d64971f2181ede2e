package transport

import (
	"log/slog"
	"sync"

	"livesession/pkg/types"
)

// dispatcher runs callbacks one at a time, in push order, on its own
// goroutine. The queue is unbounded so a callback may push to any other
// dispatcher without risking a cycle of blocked senders.
type dispatcher struct {
	mu      sync.Mutex
	pending []func()
	final   bool
	wake    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1)}
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.enqueue(fn, false)
}

// pushFinal queues fn and stops the dispatcher once it has run.
func (d *dispatcher) pushFinal(fn func()) {
	d.enqueue(fn, true)
}

func (d *dispatcher) enqueue(fn func(), final bool) {
	d.mu.Lock()
	if d.final {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, fn)
	d.final = final
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		final := d.final
		d.mu.Unlock()

		for _, fn := range batch {
			safeCall(fn)
		}
		if final && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-d.wake
		}
	}
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transport callback panicked", "panic", r)
		}
	}()
	fn()
}

// connBase holds the handler lists and open/closed state shared by every
// DataConnection implementation.
type connBase struct {
	remote string
	queue  *dispatcher

	mu            sync.Mutex
	open          bool
	closed        bool
	openHandlers  []func()
	dataHandlers  []func(*types.Event)
	closeHandlers []func()
	errorHandlers []func(error)
	// backlog holds events that arrived before any OnData handler.
	backlog []*types.Event
	// failures holds errors raised before any OnError handler.
	failures []error
}

func newConnBase(remote string) *connBase {
	return &connBase{remote: remote, queue: newDispatcher()}
}

func (c *connBase) Peer() string { return c.remote }

func (c *connBase) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *connBase) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connBase) OnOpen(fn func()) {
	c.mu.Lock()
	c.openHandlers = append(c.openHandlers, fn)
	fireNow := c.open && !c.closed
	c.mu.Unlock()
	if fireNow {
		c.queue.push(fn)
	}
}

func (c *connBase) OnData(fn func(*types.Event)) {
	c.mu.Lock()
	c.dataHandlers = append(c.dataHandlers, fn)
	flush := len(c.backlog) > 0
	c.mu.Unlock()
	if flush {
		c.queue.push(c.flushBacklog)
	}
}

// flushBacklog runs on the queue, so every delivery queued before it has
// already joined the backlog.
func (c *connBase) flushBacklog() {
	c.mu.Lock()
	backlog := c.backlog
	c.backlog = nil
	handlers := append([]func(*types.Event){}, c.dataHandlers...)
	c.mu.Unlock()
	for _, e := range backlog {
		for _, h := range handlers {
			safeCall(func() { h(e) })
		}
	}
}

func (c *connBase) OnClose(fn func()) {
	c.mu.Lock()
	c.closeHandlers = append(c.closeHandlers, fn)
	fireNow := c.closed
	c.mu.Unlock()
	if fireNow {
		go safeCall(fn)
	}
}

// OnError registers fn. Errors raised before the first handler was
// registered are replayed to it synchronously, so a caller wiring up a
// connection that already failed still learns why.
func (c *connBase) OnError(fn func(error)) {
	c.mu.Lock()
	c.errorHandlers = append(c.errorHandlers, fn)
	missed := c.failures
	c.failures = nil
	c.mu.Unlock()
	for _, err := range missed {
		safeCall(func() { fn(err) })
	}
}

func (c *connBase) markOpen() {
	c.mu.Lock()
	if c.open || c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	handlers := append([]func(){}, c.openHandlers...)
	c.mu.Unlock()

	c.queue.push(func() {
		for _, h := range handlers {
			safeCall(h)
		}
	})
}

func (c *connBase) deliver(event *types.Event) {
	c.queue.push(func() {
		c.mu.Lock()
		if len(c.dataHandlers) == 0 || len(c.backlog) > 0 {
			c.backlog = append(c.backlog, event)
			c.mu.Unlock()
			return
		}
		handlers := append([]func(*types.Event){}, c.dataHandlers...)
		c.mu.Unlock()
		for _, h := range handlers {
			safeCall(func() { h(event) })
		}
	})
}

func (c *connBase) fail(err error) {
	c.mu.Lock()
	if len(c.errorHandlers) == 0 {
		c.failures = append(c.failures, err)
		c.mu.Unlock()
		return
	}
	handlers := append([]func(error){}, c.errorHandlers...)
	c.mu.Unlock()

	c.queue.push(func() {
		for _, h := range handlers {
			safeCall(func() { h(err) })
		}
	})
}

// markClosed reports whether this call performed the transition.
func (c *connBase) markClosed() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	c.queue.pushFinal(func() {
		c.mu.Lock()
		handlers := append([]func(){}, c.closeHandlers...)
		c.mu.Unlock()
		for _, h := range handlers {
			safeCall(h)
		}
	})
	return true
}

// peerBase holds the peer-level handler lists and lifecycle state.
type peerBase struct {
	queue *dispatcher

	mu          sync.Mutex
	id          string
	open        bool
	destroyed   bool
	openHandler []func(string)
	errHandlers []func(error)
	connHandler []func(DataConnection)
}

func newPeerBase(id string) *peerBase {
	return &peerBase{id: id, queue: newDispatcher()}
}

func (p *peerBase) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *peerBase) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *peerBase) OnOpen(fn func(string)) {
	p.mu.Lock()
	p.openHandler = append(p.openHandler, fn)
	fireNow := p.open && !p.destroyed
	id := p.id
	p.mu.Unlock()
	if fireNow {
		p.queue.push(func() { fn(id) })
	}
}

func (p *peerBase) OnError(fn func(error)) {
	p.mu.Lock()
	p.errHandlers = append(p.errHandlers, fn)
	p.mu.Unlock()
}

func (p *peerBase) OnConnection(fn func(DataConnection)) {
	p.mu.Lock()
	p.connHandler = append(p.connHandler, fn)
	p.mu.Unlock()
}

func (p *peerBase) markOpen(id string) {
	p.mu.Lock()
	if p.open || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.open = true
	p.id = id
	handlers := append([]func(string){}, p.openHandler...)
	p.mu.Unlock()

	p.queue.push(func() {
		for _, h := range handlers {
			safeCall(func() { h(id) })
		}
	})
}

func (p *peerBase) fail(err error) {
	p.queue.push(func() {
		p.mu.Lock()
		handlers := append([]func(error){}, p.errHandlers...)
		p.mu.Unlock()
		for _, h := range handlers {
			safeCall(func() { h(err) })
		}
	})
}

func (p *peerBase) announce(conn DataConnection) {
	p.queue.push(func() {
		p.mu.Lock()
		handlers := append([]func(DataConnection){}, p.connHandler...)
		p.mu.Unlock()
		for _, h := range handlers {
			safeCall(func() { h(conn) })
		}
	})
}

// markDestroyed reports whether this call performed the transition.
func (p *peerBase) markDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return false
	}
	p.destroyed = true
	p.queue.pushFinal(func() {})
	return true
}
