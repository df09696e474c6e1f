package codec

import (
	"encoding/json"
	"errors"

	"github.com/orchestra-mcp/bridgeio/src/types"
)

type jsonCodec struct{}

// JSON returns the plain text codec. Frames are JSON arrays of the form
// ["event", data] or ["event", data, id].
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string     { return "json" }
func (jsonCodec) MessageType() int { return types.TextMessage }

func (jsonCodec) Encode(env types.Envelope) ([]byte, error) {
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}
	arr := []any{env.Event, env.Data}
	if env.ID != 0 {
		arr = append(arr, env.ID)
	}
	return json.Marshal(arr)
}

func (jsonCodec) Decode(frame []byte) (types.Envelope, error) {
	var env types.Envelope
	if len(frame) > MaxFrameSize {
		return env, malformed(ErrFrameTooLarge)
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return env, malformed(err)
	}
	if len(parts) < 1 || len(parts) > 3 {
		return env, malformed(errors.New("envelope must have 1 to 3 elements"))
	}
	if err := json.Unmarshal(parts[0], &env.Event); err != nil {
		return env, malformed(err)
	}
	if env.Event == "" {
		return env, malformed(ErrEmptyEvent)
	}
	if len(parts) > 1 {
		if err := json.Unmarshal(parts[1], &env.Data); err != nil {
			return env, malformed(err)
		}
	}
	if len(parts) > 2 {
		// null leaves ID at zero.
		if err := json.Unmarshal(parts[2], &env.ID); err != nil {
			return env, malformed(err)
		}
	}
	return env, nil
}
