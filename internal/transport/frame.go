package transport

// Frame is one message on the broker websocket.
type Frame struct {
	Type         string `json:"type"`
	Src          string `json:"src,omitempty"`
	Dst          string `json:"dst,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
}

// Frame types. The broker routes every frame carrying a Dst to that peer,
// rewriting Src to the sender's registered id.
const (
	FrameOpen    = "OPEN"  // broker -> peer: id accepted, Dst is the id
	FrameError   = "ERROR" // broker -> peer: Payload is the reason
	FrameIDTaken = "ID-TAKEN"
	FrameConnect = "CONNECT" // relay: open a connection
	FrameAccept  = "ACCEPT"  // relay: connection accepted
	FrameData    = "DATA"    // relay: Payload is an encoded event
	FrameClose   = "CLOSE"
	FrameOffer   = "OFFER"  // webrtc: Payload is the SDP offer
	FrameAnswer  = "ANSWER" // webrtc: Payload is the SDP answer
	FrameExpire  = "EXPIRE" // broker -> peer: Dst of a CONNECT or OFFER is unknown
)
