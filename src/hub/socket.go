package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	gws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/orchestra-mcp/bridgeio/src/codec"
	"github.com/orchestra-mcp/bridgeio/src/registry"
	"github.com/orchestra-mcp/bridgeio/src/rpc"
	"github.com/orchestra-mcp/bridgeio/src/types"
)

type state int

const (
	stateAuthenticating state = iota
	stateEstablished
	stateClosed
)

type outFrame struct {
	messageType int
	data        []byte
	close       bool
	code        int
	reason      string
}

// Socket wraps an established connection and exposes its capabilities:
// casting, channel membership, correlated calls and close.
type Socket struct {
	id          string
	conn        types.Conn
	req         *types.Request
	server      *Server
	connectedAt time.Time
	limiter     *rate.Limiter
	calls       *rpc.Correlator

	send chan outFrame
	done chan struct{}

	unanswered atomic.Int32

	mu        sync.RWMutex
	state     state
	handlers  map[string]types.Handler
	closeCode int
}

func newSocket(id string, conn types.Conn, req *types.Request, s *Server) *Socket {
	sock := &Socket{
		id:          id,
		conn:        conn,
		req:         req,
		server:      s,
		connectedAt: time.Now(),
		send:        make(chan outFrame, s.opts.SendBuffer),
		done:        make(chan struct{}),
		handlers:    make(map[string]types.Handler),
	}
	if rl := s.opts.RateLimit; rl != nil && rl.Enabled {
		sock.limiter = rate.NewLimiter(rl.MessagesPerSecond, rl.Burst)
	}
	sock.calls = rpc.New(func(callID uint64) {
		s.logger.Debug().Str("client_id", id).Uint64("call_id", callID).Msg("call expired without response")
	})
	return sock
}

// ID returns the connection id.
func (c *Socket) ID() string { return c.id }

// UpgradeRequest returns the upgrade request the connection was accepted with.
func (c *Socket) UpgradeRequest() *types.Request { return c.req }

// Info returns metadata about this connection.
func (c *Socket) Info() types.ClientInfo {
	return types.ClientInfo{
		ID:          c.id,
		ConnectedAt: c.connectedAt,
		Channels:    c.Channels(),
		RemoteAddr:  c.req.RemoteAddr,
		UserAgent:   c.req.UserAgent,
	}
}

// On registers the handler for event, replacing any previous one.
// The reserved "disconnected" event receives the close code as data.
func (c *Socket) On(event string, h types.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Off removes the handler for event.
func (c *Socket) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

func (c *Socket) handler(event string) types.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[event]
}

// Cast sends an event to this connection.
func (c *Socket) Cast(event string, data any) error {
	return c.castEnvelope(types.Envelope{Event: event, Data: data})
}

// Call sends an event and invokes h with the peer's acknowledgment. If the
// peer does not answer within the server's RPC timeout, h never runs.
func (c *Socket) Call(event string, data any, h rpc.Handler) error {
	id := c.calls.Register(c.server.opts.RPCTimeout, h)
	if id == 0 {
		return ErrConnectionClosed
	}
	if err := c.castEnvelope(types.Envelope{Event: event, Data: data, ID: id}); err != nil {
		c.calls.Cancel(id)
		return err
	}
	return nil
}

// Request sends an event and waits for the peer's acknowledgment.
func (c *Socket) Request(ctx context.Context, event string, data any) (any, error) {
	id, f := c.calls.Await(c.server.opts.RPCTimeout)
	if id == 0 {
		return nil, ErrConnectionClosed
	}
	if err := c.castEnvelope(types.Envelope{Event: event, Data: data, ID: id}); err != nil {
		c.calls.Cancel(id)
		return nil, err
	}
	return f.Wait(ctx)
}

// PendingCalls returns the number of calls awaiting acknowledgment.
func (c *Socket) PendingCalls() int { return c.calls.Pending() }

func (c *Socket) castEnvelope(env types.Envelope) error {
	frame, err := c.server.codec.Encode(env)
	if err != nil {
		return err
	}
	return c.write(c.server.codec.MessageType(), frame)
}

// Broadcast sends an event to every other connection.
func (c *Socket) Broadcast(event string, data any) int {
	return c.server.BroadcastAll(event, data, c.id)
}

// Subscribe joins the named channels. It is a no-op once the connection closed.
func (c *Socket) Subscribe(channels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateEstablished {
		return
	}
	for _, ch := range channels {
		if c.server.channels.Subscribe(c.id, ch) {
			c.server.logger.Debug().Str("client_id", c.id).Str("channel", ch).Msg("subscribed")
		}
	}
}

// Unsubscribe leaves the named channels.
func (c *Socket) Unsubscribe(channels ...string) {
	for _, ch := range channels {
		if c.server.channels.Unsubscribe(c.id, ch) {
			c.server.logger.Debug().Str("client_id", c.id).Str("channel", ch).Msg("unsubscribed")
		}
	}
}

// Join is Subscribe under its room name.
func (c *Socket) Join(rooms ...string) { c.Subscribe(rooms...) }

// Leave is Unsubscribe under its room name.
func (c *Socket) Leave(rooms ...string) { c.Unsubscribe(rooms...) }

// Channels returns the channels this connection belongs to.
func (c *Socket) Channels() []string {
	return c.server.channels.ChannelsOf(c.id)
}

// Channel targets the subscribers of the named channels, never including
// this connection itself or any id in except.
func (c *Socket) Channel(names []string, except ...string) *Target {
	ids := make([]string, 0, len(except)+1)
	ids = append(ids, except...)
	return c.server.Channel(names, append(ids, c.id)...)
}

// Room targets the members of the named rooms other than this connection.
func (c *Socket) Room(names ...string) *Target {
	return c.server.Channel(names, c.id)
}

// Alive reports whether the connection answered the last probe.
func (c *Socket) Alive() bool { return c.unanswered.Load() == 0 }

// Unanswered implements heartbeat.Peer.
func (c *Socket) Unanswered() int { return int(c.unanswered.Load()) }

// Probe implements heartbeat.Peer. Probes use the 0x0A control byte and
// are answered with 0x09.
func (c *Socket) Probe() error {
	c.unanswered.Add(1)
	return c.sendControl(codec.Pong)
}

func (c *Socket) markAlive() { c.unanswered.Store(0) }

// Close starts a close handshake with code and reason. Frames queued
// before Close are written first.
func (c *Socket) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return nil
	case stateAuthenticating:
		c.state = stateClosed
		return c.conn.Close()
	}
	if c.closeCode == 0 {
		c.closeCode = code
	}
	select {
	case c.send <- outFrame{close: true, code: code, reason: reason}:
		return nil
	default:
		// Queue is full; skip the handshake.
		return c.conn.Close()
	}
}

// Terminate drops the connection without a close handshake.
func (c *Socket) Terminate() {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = types.CloseAbnormal
	}
	if c.state == stateAuthenticating {
		c.state = stateClosed
	}
	c.mu.Unlock()

	c.server.logger.Debug().Err(ErrUnresponsivePeer).Str("client_id", c.id).Msg("terminating")
	c.conn.Close()
}

func (c *Socket) sendControl(b byte) error {
	if c.server.opts.TextControl {
		return c.write(types.TextMessage, codec.TextControlFrame(b))
	}
	return c.write(types.BinaryMessage, codec.ControlFrame(b))
}

// write queues a frame. It never blocks.
func (c *Socket) write(messageType int, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != stateEstablished {
		return ErrConnectionClosed
	}
	select {
	case c.send <- outFrame{messageType: messageType, data: data}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// establish moves an authenticated socket into the registry. It fails if
// the socket was closed while authentication was pending, if its id is
// already taken or if the server is at capacity.
func (c *Socket) establish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateAuthenticating {
		return ErrConnectionClosed
	}
	err := c.server.clients.Insert(c.id, c, c.server.opts.MaxConnections)
	switch {
	case errors.Is(err, registry.ErrDuplicateID):
		return ErrDuplicateID
	case errors.Is(err, registry.ErrFull):
		return ErrTooManyConnections
	case err != nil:
		return err
	}
	c.state = stateEstablished
	return nil
}

func (c *Socket) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateClosed
}

// writePump writes queued frames to the connection in order.
func (c *Socket) writePump() {
	timeout := c.server.opts.WriteTimeout
	for {
		select {
		case f := <-c.send:
			if f.close {
				c.conn.WriteControl(types.CloseMessage, formatClose(f.code, f.reason), time.Now().Add(timeout))
				c.conn.Close()
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				c.server.logger.Debug().Err(err).Str("client_id", c.id).Msg("write failed")
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump processes inbound frames in arrival order until the connection
// fails, and returns the close code.
func (c *Socket) readPump() int {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return closeCode(err)
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.server.logger.Warn().Str("client_id", c.id).Msg("rate limit exceeded, dropping frame")
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Socket) handleFrame(data []byte) {
	if b, ok := codec.Control(data); ok {
		if b == codec.Ping || b == codec.Pong {
			c.markAlive()
		}
		return
	}

	env, err := c.server.codec.Decode(data)
	if err != nil {
		c.server.logger.Debug().Err(err).Str("client_id", c.id).Msg("dropping frame")
		return
	}

	if env.Event == types.EventRPC {
		if !c.calls.Resolve(env.ID, env.Data) {
			c.server.logger.Debug().Str("client_id", c.id).Uint64("call_id", env.ID).Msg("ack for unknown call")
		}
		return
	}

	h := c.handler(env.Event)
	if h == nil {
		c.server.logger.Debug().Str("client_id", c.id).Str("event", env.Event).Msg("no handler")
		return
	}

	var ack types.Ack
	if env.ID != 0 {
		var once sync.Once
		callID := env.ID
		ack = func(data any) {
			once.Do(func() {
				if err := c.castEnvelope(types.Envelope{Event: types.EventRPC, Data: data, ID: callID}); err != nil {
					c.server.logger.Debug().Err(err).Str("client_id", c.id).Uint64("call_id", callID).Msg("ack not sent")
				}
			})
		}
	}
	c.server.safely(c.id, env.Event, func() { h(env.Data, ack) })
}

// teardown runs exactly once: disconnected callbacks, then channel
// cleanup, then registry removal.
func (c *Socket) teardown(code int) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	if c.closeCode != 0 {
		code = c.closeCode
	}
	close(c.done)
	c.mu.Unlock()

	c.server.emitDisconnected(c, code)
	if h := c.handler(types.EventDisconnected); h != nil {
		c.server.safely(c.id, types.EventDisconnected, func() { h(code, nil) })
	}

	left := c.server.channels.UnsubscribeAll(c.id)
	c.server.clients.Remove(c.id)
	c.calls.Close()
	c.conn.Close()

	c.server.logger.Info().
		Str("client_id", c.id).
		Int("code", code).
		Strs("channels", left).
		Msg("client unregistered")
}

func formatClose(code int, reason string) []byte {
	return websocket.FormatCloseMessage(code, reason)
}

// closeCode extracts the close code from a read error. Both websocket
// implementations used by the transports are recognised.
func closeCode(err error) int {
	var fce *websocket.CloseError
	if errors.As(err, &fce) {
		return fce.Code
	}
	var gce *gws.CloseError
	if errors.As(err, &gce) {
		return gce.Code
	}
	return types.CloseAbnormal
}
