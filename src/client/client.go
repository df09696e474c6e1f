// Package client implements the reconnecting peer side of the protocol.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/bridgeio/src/codec"
	"github.com/orchestra-mcp/bridgeio/src/rpc"
	"github.com/orchestra-mcp/bridgeio/src/types"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrClientClosed = errors.New("client: closed")
)

// Client is the peer side of a connection. It reconnects after unclean drops.
type Client struct {
	opts   Options
	codec  codec.Codec
	dialer *websocket.Dialer
	calls  *rpc.Correlator
	logger zerolog.Logger

	mu             sync.RWMutex
	conn           *websocket.Conn
	connected      bool
	closed         bool
	attempts       int
	handlers       map[string]types.Handler
	onOpen         []func(reconnected bool)
	onConnection   []func(reconnected bool)
	onReconnecting []func(attempt int)
	onDisconnected []func(code int)

	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a client. Call Connect to dial.
func New(opts Options, logger zerolog.Logger) *Client {
	opts.applyDefaults()
	c := &Client{
		opts:  opts,
		codec: opts.Codec,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		handlers: make(map[string]types.Handler),
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "client").Str("url", opts.URL).Logger(),
	}
	c.calls = rpc.New(func(id uint64) {
		c.logger.Debug().Uint64("call_id", id).Msg("call expired without response")
	})
	return c
}

// On registers the handler for event.
func (c *Client) On(event string, h types.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// OnOpen is called when the socket opens, before the server's ready marker.
func (c *Client) OnOpen(cb func(reconnected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, cb)
}

// OnConnection is called when the server's ready marker arrives.
func (c *Client) OnConnection(cb func(reconnected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnection = append(c.onConnection, cb)
}

// OnReconnecting is called before each reconnection attempt.
func (c *Client) OnReconnecting(cb func(attempt int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = append(c.onReconnecting, cb)
}

// OnDisconnected is called with the close code whenever the socket closes.
func (c *Client) OnDisconnected(cb func(code int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = append(c.onDisconnected, cb)
}

// Connect dials the server and starts reading.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClientClosed
	}
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.connected = true
	reconnected := c.attempts > 0
	cbs := append([]func(bool){}, c.onOpen...)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	for _, cb := range cbs {
		c.safely("open", func() { cb(reconnected) })
	}
	c.logger.Debug().Bool("reconnected", reconnected).Msg("websocket connected")
	return nil
}

// Connected reports whether the socket is open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Cast sends an event without expecting a response.
func (c *Client) Cast(event string, data any) error {
	return c.send(types.Envelope{Event: event, Data: data})
}

// Call sends an event and invokes cb with the server's acknowledgment. If
// none arrives within ResponseTimeout, cb never runs.
func (c *Client) Call(event string, data any, cb rpc.Handler) error {
	id := c.calls.Register(c.opts.ResponseTimeout, cb)
	if id == 0 {
		return ErrClientClosed
	}
	if err := c.send(types.Envelope{Event: event, Data: data, ID: id}); err != nil {
		c.calls.Cancel(id)
		return err
	}
	return nil
}

// Request sends an event and waits for the acknowledgment, returning
// rpc.ErrCorrelationTimeout if none arrives within ResponseTimeout.
func (c *Client) Request(ctx context.Context, event string, data any) (any, error) {
	id, f := c.calls.Await(c.opts.ResponseTimeout)
	if id == 0 {
		return nil, ErrClientClosed
	}
	if err := c.send(types.Envelope{Event: event, Data: data, ID: id}); err != nil {
		c.calls.Cancel(id)
		return nil, err
	}
	return f.Wait(ctx)
}

// PendingCalls returns the number of calls awaiting acknowledgment.
func (c *Client) PendingCalls() int { return c.calls.Pending() }

func (c *Client) send(env types.Envelope) error {
	frame, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	return c.write(c.codec.MessageType(), frame)
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}

// Close closes the connection normally and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, connected := c.conn, c.connected
	close(c.done)
	c.mu.Unlock()

	c.calls.Close()

	var err error
	if connected {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	if b, ok := codec.Control(data); ok {
		switch b {
		case codec.Ready:
			c.mu.Lock()
			reconnected := c.attempts > 0
			c.attempts = 0
			cbs := append([]func(bool){}, c.onConnection...)
			c.mu.Unlock()
			for _, cb := range cbs {
				c.safely(types.EventConnection, func() { cb(reconnected) })
			}
		case codec.Pong:
			// Answer in the form the probe arrived in.
			answer, mt := codec.ControlFrame(codec.Ping), types.BinaryMessage
			if len(data) == 2 {
				answer, mt = codec.TextControlFrame(codec.Ping), types.TextMessage
			}
			if err := c.write(mt, answer); err != nil {
				c.logger.Debug().Err(err).Msg("probe answer not sent")
			}
		}
		return
	}

	env, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping frame")
		return
	}
	if env.Event == types.EventRPC {
		c.calls.Resolve(env.ID, env.Data)
		return
	}

	c.mu.RLock()
	h := c.handlers[env.Event]
	c.mu.RUnlock()
	if h == nil {
		return
	}

	var ack types.Ack
	if env.ID != 0 {
		var once sync.Once
		callID := env.ID
		ack = func(data any) {
			once.Do(func() {
				if err := c.send(types.Envelope{Event: types.EventRPC, Data: data, ID: callID}); err != nil {
					c.logger.Debug().Err(err).Uint64("call_id", callID).Msg("ack not sent")
				}
			})
		}
	}
	c.safely(env.Event, func() { h(env.Data, ack) })
}

// safely runs user code and keeps a panic from taking down the read loop.
func (c *Client) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("event", event).
				Msg("handler panicked")
		}
	}()
	fn()
}

func (c *Client) handleDrop(conn *websocket.Conn, err error) {
	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	// A close frame from the server is a clean close; a dropped transport
	// surfaces as 1006.
	clean := code != websocket.CloseAbnormalClosure

	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
	}
	closed := c.closed
	cbs := append([]func(int){}, c.onDisconnected...)
	c.mu.Unlock()
	conn.Close()

	for _, cb := range cbs {
		c.safely(types.EventDisconnected, func() { cb(code) })
	}
	c.logger.Debug().Err(err).Int("code", code).Bool("clean", clean).Msg("websocket disconnected")

	if !clean && !closed && c.opts.Reconnection {
		c.wg.Add(1)
		go c.reconnect()
	}
}

// reconnect retries with exponentially growing intervals until a dial
// succeeds or the attempt budget runs out.
func (c *Client) reconnect() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		cbs := append([]func(int){}, c.onReconnecting...)
		c.mu.Unlock()

		if c.opts.Attempts > 0 && attempt > c.opts.Attempts {
			c.logger.Warn().Int("attempts", c.opts.Attempts).Msg("giving up reconnecting")
			return
		}

		select {
		case <-time.After(c.opts.backoff(attempt)):
		case <-c.done:
			return
		}

		for _, cb := range cbs {
			c.safely("reconnecting", func() { cb(attempt) })
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrClientClosed) {
			return
		}
		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}
