package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeBufferSize = 100
	writeTimeout    = 5 * time.Second
	openTimeout     = 10 * time.Second
)

// signalClient is the websocket link to the broker. Writes go through a
// single writer goroutine; reads are handed to onFrame in arrival order.
type signalClient struct {
	conn    *websocket.Conn
	writeCh chan []byte
	logger  *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// dialSignal connects to the broker and waits for the OPEN frame. It returns
// the id the broker registered.
func dialSignal(ctx context.Context, id string, cfg Config, logger *slog.Logger) (*signalClient, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.SignalingURL(id), nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial signaling server: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(openTimeout)); err != nil {
		conn.Close()
		return nil, "", err
	}
	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("read open frame: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch first.Type {
	case FrameOpen:
	case FrameIDTaken:
		conn.Close()
		return nil, "", fmt.Errorf("%w: %s", ErrIDTaken, id)
	case FrameError:
		conn.Close()
		return nil, "", fmt.Errorf("signaling server refused peer: %s", first.Payload)
	default:
		conn.Close()
		return nil, "", fmt.Errorf("unexpected %s frame before OPEN", first.Type)
	}

	cctx, ccancel := context.WithCancel(context.Background())
	c := &signalClient{
		conn:    conn,
		writeCh: make(chan []byte, writeBufferSize),
		logger:  logger,
		ctx:     cctx,
		cancel:  ccancel,
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c, first.Dst, nil
}

func (c *signalClient) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("signaling write failed", "error", err)
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readLoop blocks until the link drops, then closes the client and calls
// onDone.
func (c *signalClient) readLoop(onFrame func(Frame), onDone func(err error)) {
	var cause error
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if c.ctx.Err() == nil {
				cause = err
			}
			break
		}
		onFrame(frame)
	}
	c.Close()
	close(c.done)
	onDone(cause)
}

func (c *signalClient) send(frame Frame) error {
	select {
	case <-c.ctx.Done():
		return ErrDisconnected
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeTimeout):
		return errors.New("signaling write queue full")
	case <-c.ctx.Done():
		return ErrDisconnected
	}
}

func (c *signalClient) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}
