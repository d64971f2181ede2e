package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"livesession/internal/codec"
	"livesession/pkg/types"
)

// iceGatherTimeout bounds candidate gathering before the SDP is published.
const iceGatherTimeout = 15 * time.Second

const dataChannelLabel = "livesession"

// WebRTCPeer is a Peer whose connections are WebRTC data channels. The
// broker carries only the offer/answer exchange. Signaling is vanilla ICE:
// all candidates are gathered before the SDP is sent, so each connection
// needs exactly one round trip.
type WebRTCPeer struct {
	*peerBase
	signal *signalClient
	codec  codec.Codec
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*WebRTCConn
}

// DialWebRTC registers id (or an assigned id when empty) on the broker.
func DialWebRTC(ctx context.Context, id string, cfg Config) (*WebRTCPeer, error) {
	cfg = cfg.withDefaults()
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "webrtc-peer")

	signal, assigned, err := dialSignal(ctx, id, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Loopback candidates keep same-machine sessions and tests working
	// when no other interface is up.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	p := &WebRTCPeer{
		peerBase: newPeerBase(assigned),
		signal:   signal,
		codec:    c,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config:   config,
		logger:   logger.With("peer", assigned),
		conns:    make(map[string]*WebRTCConn),
	}
	go signal.readLoop(p.handleFrame, p.handleDisconnect)
	p.markOpen(assigned)
	return p, nil
}

func (p *WebRTCPeer) Connect(remote string) (DataConnection, error) {
	if p.Destroyed() {
		return nil, ErrPeerDestroyed
	}

	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	c := p.track(uuid.NewString(), remote, pc)

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		p.untrack(c.id)
		pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	c.attach(dc)

	go func() {
		sdp, err := p.localDescription(pc, pc.CreateOffer)
		if err == nil {
			err = p.signal.send(Frame{Type: FrameOffer, Dst: remote, ConnectionID: c.id, Payload: []byte(sdp)})
		}
		if err != nil {
			c.fail(fmt.Errorf("publishing SDP offer: %w", err))
			_ = c.Close()
			return
		}
		p.logger.Info("WebRTC offer published", "remote", remote)
	}()
	return c, nil
}

// localDescription creates an offer or answer, sets it and waits for ICE
// gathering to finish.
func (p *WebRTCPeer) localDescription(pc *webrtc.PeerConnection, create func(*webrtc.OfferOptions) (webrtc.SessionDescription, error)) (string, error) {
	desc, err := create(nil)
	if err != nil {
		return "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s: %w", iceGatherTimeout, types.ErrTimeout)
	}
	return pc.LocalDescription().SDP, nil
}

func (p *WebRTCPeer) answer(f Frame) {
	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		p.logger.Error("creating PeerConnection for offer failed", "remote", f.Src, "error", err)
		return
	}
	c := p.track(f.ConnectionID, f.Src, pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		c.attach(dc)
		p.announce(c)
	})

	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(f.Payload)})
	var sdp string
	if err == nil {
		sdp, err = p.localDescription(pc, func(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
			return pc.CreateAnswer(nil)
		})
	}
	if err == nil {
		err = p.signal.send(Frame{Type: FrameAnswer, Dst: f.Src, ConnectionID: f.ConnectionID, Payload: []byte(sdp)})
	}
	if err != nil {
		p.logger.Error("answering WebRTC offer failed", "remote", f.Src, "error", err)
		_ = c.Close()
		return
	}
	p.logger.Info("WebRTC offer answered", "remote", f.Src)
}

func (p *WebRTCPeer) Destroy() {
	if !p.markDestroyed() {
		return
	}
	for _, c := range p.drain() {
		_ = c.Close()
	}
	p.signal.Close()
}

func (p *WebRTCPeer) track(id, remote string, pc *webrtc.PeerConnection) *WebRTCConn {
	c := &WebRTCConn{connBase: newConnBase(remote), id: id, peer: p, pc: pc}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("PeerConnection state change", "remote", remote, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			c.fail(fmt.Errorf("peer connection to %s failed", remote))
			go c.Close()
		}
	})
	p.mu.Lock()
	p.conns[id] = c
	p.mu.Unlock()
	return c
}

func (p *WebRTCPeer) lookup(id string) (*WebRTCConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	return c, ok
}

func (p *WebRTCPeer) untrack(id string) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

func (p *WebRTCPeer) drain() []*WebRTCConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := make([]*WebRTCConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	return conns
}

func (p *WebRTCPeer) handleFrame(f Frame) {
	switch f.Type {
	case FrameOffer:
		// Gathering blocks; keep the read loop moving.
		go p.answer(f)

	case FrameAnswer:
		c, ok := p.lookup(f.ConnectionID)
		if !ok {
			return
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(f.Payload)}); err != nil {
			c.fail(fmt.Errorf("setting remote description: %w", err))
			go c.Close()
		}

	case FrameClose:
		if c, ok := p.lookup(f.ConnectionID); ok {
			go c.Close()
		}

	case FrameExpire:
		if c, ok := p.lookup(f.ConnectionID); ok {
			c.fail(fmt.Errorf("could not connect to peer %s: %w", f.Dst, types.ErrPeerUnavailable))
			go c.Close()
		}

	case FrameError:
		p.fail(fmt.Errorf("signaling server error: %s", f.Payload))

	default:
		p.logger.Debug("ignoring frame", "type", f.Type)
	}
}

// handleDisconnect reports the lost signaling link. Established data
// channels do not depend on the broker and stay up.
func (p *WebRTCPeer) handleDisconnect(err error) {
	if err != nil && !p.Destroyed() {
		p.fail(fmt.Errorf("%w: %v", ErrDisconnected, err))
	}
}

// WebRTCConn is a DataConnection over one ordered, reliable data channel.
type WebRTCConn struct {
	*connBase
	id   string
	peer *WebRTCPeer
	pc   *webrtc.PeerConnection

	dcMu sync.Mutex
	dc   *webrtc.DataChannel
}

func (c *WebRTCConn) attach(dc *webrtc.DataChannel) {
	c.dcMu.Lock()
	c.dc = dc
	c.dcMu.Unlock()

	dc.OnOpen(c.markOpen)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		event, err := c.peer.codec.Decode(msg.Data)
		if err != nil {
			c.peer.logger.Warn("dropping undecodable event", "from", c.remote, "error", err)
			return
		}
		c.deliver(event)
	})
	dc.OnError(c.fail)
	dc.OnClose(func() { go c.Close() })
}

func (c *WebRTCConn) Send(event *types.Event) error {
	c.dcMu.Lock()
	dc := c.dc
	c.dcMu.Unlock()
	if dc == nil || !c.IsOpen() {
		return ErrNotOpen
	}
	data, err := c.peer.codec.Encode(event)
	if err != nil {
		return err
	}
	if c.peer.codec.Name() == codec.NameJSON {
		return dc.SendText(string(data))
	}
	return dc.Send(data)
}

func (c *WebRTCConn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.peer.untrack(c.id)
	_ = c.peer.signal.send(Frame{Type: FrameClose, Dst: c.remote, ConnectionID: c.id})

	c.dcMu.Lock()
	dc := c.dc
	c.dcMu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}
