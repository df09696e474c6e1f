package hub

import (
	"errors"

	"github.com/orchestra-mcp/bridgeio/src/types"
)

// Target is a set of recipients resolved when Cast is called: a single
// connection, or the subscribers of one or more channels minus exclusions.
type Target struct {
	server   *Server
	id       string
	channels []string
	except   []string
}

// Cast sends event to every recipient and returns the number of frames
// queued. Missing recipients are skipped silently.
func (t *Target) Cast(event string, data any) int {
	if t.channels == nil {
		if t.server.CastTo(t.id, types.Envelope{Event: event, Data: data}) {
			return 1
		}
		return 0
	}
	return t.server.CastToChannels(t.channels, event, data, t.except)
}

// IDs returns the recipients as of now.
func (t *Target) IDs() []string {
	if t.channels == nil {
		if t.server.clients.Has(t.id) {
			return []string{t.id}
		}
		return nil
	}
	return subtract(t.server.channels.Subscribers(t.channels...), t.except)
}

// To targets a single connection.
func (s *Server) To(id string) *Target {
	return &Target{server: s, id: id}
}

// Channel targets the subscribers of names, minus the ids in except.
func (s *Server) Channel(names []string, except ...string) *Target {
	if names == nil {
		names = []string{}
	}
	return &Target{server: s, channels: names, except: except}
}

// Broadcast sends event to every connection.
func (s *Server) Broadcast(event string, data any) int {
	return s.BroadcastAll(event, data, "")
}

// CastTo sends env to one connection. Unknown ids are not an error: the
// target has already disconnected.
func (s *Server) CastTo(id string, env types.Envelope) bool {
	sock, ok := s.clients.Get(id)
	if !ok {
		s.logger.Debug().Str("client_id", id).Str("event", env.Event).Msg("cast to unknown client")
		return false
	}
	frame, err := s.codec.Encode(env)
	if err != nil {
		s.reportError(id, err)
		return false
	}
	return s.deliver(sock, frame)
}

// BroadcastAll sends event to every registered connection except exclude.
// A failing target never stops delivery to the rest.
func (s *Server) BroadcastAll(event string, data any, exclude string) int {
	frame, err := s.codec.Encode(types.Envelope{Event: event, Data: data})
	if err != nil {
		s.reportError("", err)
		return 0
	}

	sent := 0
	for id, sock := range s.clients.All() {
		if id == exclude {
			continue
		}
		if s.deliver(sock, frame) {
			sent++
		}
	}
	return sent
}

// CastToChannels sends event to the union of the subscribers of names,
// each at most once, skipping the ids in except.
func (s *Server) CastToChannels(names []string, event string, data any, except []string) int {
	ids := subtract(s.channels.Subscribers(names...), except)
	if len(ids) == 0 {
		return 0
	}

	frame, err := s.codec.Encode(types.Envelope{Event: event, Data: data})
	if err != nil {
		s.reportError("", err)
		return 0
	}

	sent := 0
	for _, id := range ids {
		sock, ok := s.clients.Get(id)
		if !ok {
			continue
		}
		if s.deliver(sock, frame) {
			sent++
		}
	}
	return sent
}

func (s *Server) deliver(sock *Socket, frame []byte) bool {
	err := sock.write(s.codec.MessageType(), frame)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrConnectionClosed):
		// Closing concurrently; same as an unknown target.
		return false
	case errors.Is(err, ErrSendBufferFull):
		s.logger.Warn().Str("client_id", sock.ID()).Msg("send buffer full, dropping")
		if s.opts.OnError != nil {
			s.opts.OnError(sock.ID(), err)
		}
		return false
	default:
		s.reportError(sock.ID(), err)
		return false
	}
}

func subtract(ids, except []string) []string {
	if len(except) == 0 {
		return ids
	}
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}
	out := ids[:0]
	for _, id := range ids {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
