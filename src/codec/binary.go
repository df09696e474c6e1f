package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/orchestra-mcp/bridgeio/src/types"
)

const headerSize = 4

var decMode cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

type binaryCodec struct{}

// Binary returns the length-prefixed binary codec: a 4-byte big-endian
// payload length followed by the envelope as a CBOR array.
func Binary() Codec { return binaryCodec{} }

func (binaryCodec) Name() string     { return "binary" }
func (binaryCodec) MessageType() int { return types.BinaryMessage }

func (binaryCodec) Encode(env types.Envelope) ([]byte, error) {
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}
	arr := []any{env.Event, env.Data}
	if env.ID != 0 {
		arr = append(arr, env.ID)
	}
	payload, err := cbor.Marshal(arr)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(payload), MaxFrameSize)
	}

	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out[:headerSize], uint32(len(payload)))
	copy(out[headerSize:], payload)
	return out, nil
}

func (binaryCodec) Decode(frame []byte) (types.Envelope, error) {
	var env types.Envelope
	if len(frame) < headerSize {
		return env, malformed(errors.New("data too short"))
	}
	size := binary.BigEndian.Uint32(frame[:headerSize])
	if size > MaxFrameSize {
		return env, malformed(ErrFrameTooLarge)
	}
	if int(size) != len(frame)-headerSize {
		return env, malformed(fmt.Errorf("length header %d does not match payload %d", size, len(frame)-headerSize))
	}

	var parts []cbor.RawMessage
	if err := decMode.Unmarshal(frame[headerSize:], &parts); err != nil {
		return env, malformed(err)
	}
	if len(parts) < 1 || len(parts) > 3 {
		return env, malformed(errors.New("envelope must have 1 to 3 elements"))
	}
	if err := decMode.Unmarshal(parts[0], &env.Event); err != nil {
		return env, malformed(err)
	}
	if env.Event == "" {
		return env, malformed(ErrEmptyEvent)
	}
	if len(parts) > 1 {
		if err := decMode.Unmarshal(parts[1], &env.Data); err != nil {
			return env, malformed(err)
		}
	}
	if len(parts) > 2 {
		if err := decMode.Unmarshal(parts[2], &env.ID); err != nil {
			return env, malformed(err)
		}
	}
	return env, nil
}
