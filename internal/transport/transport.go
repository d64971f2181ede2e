// Package transport defines the peer-to-peer contract the session layer is
// written against, plus three implementations: an in-process network, a
// websocket relay through the broker, and WebRTC data channels signaled
// through the broker.
//
// The contract mirrors a PeerJS-style API. A Peer registers an identity with
// the network; a DataConnection is an ordered, reliable, bidirectional
// message channel between two peers. Callbacks for a single connection are
// delivered in order on one goroutine, and handlers registered after a peer
// or connection is already open fire immediately.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"livesession/pkg/types"
)

var (
	ErrPeerDestroyed = errors.New("peer destroyed")
	ErrNotOpen       = errors.New("connection not open")
	ErrIDTaken       = errors.New("peer id is taken")
	ErrDisconnected  = errors.New("lost connection to signaling server")
	ErrUnknownKind   = errors.New("unknown transport kind")
)

// Peer is one identity on the network.
type Peer interface {
	ID() string
	// OnOpen fires once the network has accepted the identity.
	OnOpen(fn func(id string))
	OnError(fn func(err error))
	// OnConnection fires for every connection a remote peer opens to us.
	OnConnection(fn func(conn DataConnection))
	// Connect starts opening a connection to remote. The returned connection
	// is not open yet; failures such as an unknown remote are reported
	// through the connection's OnError.
	Connect(remote string) (DataConnection, error)
	Destroy()
	Destroyed() bool
}

// DataConnection is an ordered, reliable message channel to one remote peer.
type DataConnection interface {
	// Peer is the remote peer id.
	Peer() string
	IsOpen() bool
	Send(event *types.Event) error
	Close() error
	OnOpen(fn func())
	OnData(fn func(event *types.Event))
	OnClose(fn func())
	OnError(fn func(err error))
}

// Factory creates a peer. An empty id asks the network to assign one.
type Factory func(ctx context.Context, id string, cfg Config) (Peer, error)

// Transport kinds accepted by Dial.
const (
	KindRelay  = "relay"
	KindWebRTC = "webrtc"
)

// Config locates the signaling server and selects the implementation.
type Config struct {
	Host   string
	Port   int
	Key    string
	Path   string
	Secure bool
	Kind   string
	Codec  string
	// ICEServers lists STUN/TURN urls for the WebRTC transport.
	ICEServers []string
}

// DefaultConfig returns the local development server settings.
func DefaultConfig() Config {
	return Config{
		Host:  "localhost",
		Port:  9000,
		Key:   "pathfinder",
		Path:  "/pathfinder",
		Kind:  KindRelay,
		Codec: "json",
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Key == "" {
		c.Key = d.Key
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.Kind == "" {
		c.Kind = d.Kind
	}
	if c.Codec == "" {
		c.Codec = d.Codec
	}
	return c
}

// SignalingURL is the broker websocket endpoint for the given peer id.
func (c Config) SignalingURL(id string) string {
	c = c.withDefaults()
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("key", c.Key)
	if id != "" {
		q.Set("id", id)
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     strings.TrimSuffix(c.Path, "/") + "/peerjs",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Dial opens a peer on the broker using the implementation named by
// cfg.Kind. It has the Factory signature.
func Dial(ctx context.Context, id string, cfg Config) (Peer, error) {
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case KindRelay:
		return DialRelay(ctx, id, cfg)
	case KindWebRTC:
		return DialWebRTC(ctx, id, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

var _ Factory = Dial
