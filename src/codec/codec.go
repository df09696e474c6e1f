// Package codec converts envelopes to and from websocket frames.
package codec

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/orchestra-mcp/bridgeio/src/types"
)

// Control bytes travel as single-byte frames outside the envelope format.
const (
	Ping  byte = 0x09
	Pong  byte = 0x0A
	Ready byte = 0x0B
)

// MaxFrameSize bounds a single decoded frame.
const MaxFrameSize = 10 * 1024 * 1024

var (
	// ErrMalformedFrame is returned when a frame is not a well-formed envelope.
	// It is a per-message failure and never fatal to the connection.
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrEmptyEvent     = errors.New("empty event name")
)

// Codec encodes and decodes envelopes. Decoded numbers come back in the
// codec's native numeric type: float64 for JSON, int64 or uint64 for binary.
type Codec interface {
	Encode(env types.Envelope) ([]byte, error)
	Decode(frame []byte) (types.Envelope, error)
	// MessageType is the websocket message type used for encoded frames.
	MessageType() int
	Name() string
}

// New returns the codec configuration for name. A non-empty secret wraps
// the codec with payload encryption.
func New(name string, secret []byte) (Codec, error) {
	var c Codec
	switch name {
	case "", "json":
		c = JSON()
	case "binary":
		c = Binary()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	if len(secret) == 0 {
		return c, nil
	}
	return Encrypted(c, secret)
}

// Control reports whether frame is a control frame and which one.
// Browser peers send the control values as decimal text ("9", "10", "11"),
// so both forms are accepted.
func Control(frame []byte) (byte, bool) {
	switch len(frame) {
	case 1:
		switch frame[0] {
		case Ping, Pong, Ready:
			return frame[0], true
		case '9':
			return Ping, true
		}
	case 2:
		if frame[0] == '1' && frame[1] == '0' {
			return Pong, true
		}
		if frame[0] == '1' && frame[1] == '1' {
			return Ready, true
		}
	}
	return 0, false
}

// ControlFrame returns the single-byte frame for a control value.
func ControlFrame(b byte) []byte {
	return []byte{b}
}

// TextControlFrame returns the decimal text form of a control value, as
// sent to browser peers: "9", "10" or "11".
func TextControlFrame(b byte) []byte {
	return strconv.AppendInt(nil, int64(b), 10)
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
}
