// Package codec encodes session events for the data channel.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"livesession/pkg/types"
)

var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrEmptyPayload = errors.New("empty payload")
)

// Codec turns events into data channel payloads and back.
type Codec interface {
	Name() string
	Encode(event *types.Event) ([]byte, error)
	Decode(data []byte) (*types.Event, error)
}

const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

// ByName returns the codec registered under name. The empty name selects JSON,
// which is what browser clients speak.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameCBOR:
		return newCBOR()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSON is the browser-compatible codec.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Encode(event *types.Event) ([]byte, error) {
	return json.Marshal(event)
}

func (JSON) Decode(data []byte) (*types.Event, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var event types.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode json event: %w", err)
	}
	return &event, nil
}

// CBOR is the compact codec for Go-to-Go sessions. It reuses the json field
// names so both encodings describe the same document.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBOR() (*CBOR, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encode mode: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decode mode: %w", err)
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

func (c *CBOR) Name() string { return NameCBOR }

func (c *CBOR) Encode(event *types.Event) ([]byte, error) {
	return c.enc.Marshal(event)
}

func (c *CBOR) Decode(data []byte) (*types.Event, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var event types.Event
	if err := c.dec.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode cbor event: %w", err)
	}
	return &event, nil
}
