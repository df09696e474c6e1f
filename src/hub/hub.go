package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/orchestra-mcp/bridgeio/src/channels"
	"github.com/orchestra-mcp/bridgeio/src/codec"
	"github.com/orchestra-mcp/bridgeio/src/heartbeat"
	"github.com/orchestra-mcp/bridgeio/src/registry"
	"github.com/orchestra-mcp/bridgeio/src/types"
)

var (
	ErrAuthenticationRejected = errors.New("authentication rejected")
	ErrConnectionClosed       = errors.New("connection closed")
	ErrSendBufferFull         = errors.New("send buffer full")
	ErrUnresponsivePeer       = errors.New("peer did not answer heartbeat")
	ErrTooManyConnections     = errors.New("too many connections")
	ErrDuplicateID            = errors.New("connection id already in use")
	ErrServerClosed           = errors.New("server closed")
)

// AuthFunc decides whether a freshly upgraded connection is accepted.
// The connection sends and receives nothing while it runs. A non-nil
// error counts as a rejection.
type AuthFunc func(ctx context.Context, sock *Socket, req *types.Request) (bool, error)

// RateLimitConfig limits inbound frames per connection.
type RateLimitConfig struct {
	MessagesPerSecond rate.Limit
	Burst             int
	Enabled           bool
}

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	Codec          codec.Codec
	PingInterval   time.Duration
	MaxMissedPings int
	WriteTimeout   time.Duration
	SendBuffer     int
	RPCTimeout     time.Duration
	MaxConnections int
	RateLimit      *RateLimitConfig
	// TextControl sends control markers as decimal text frames ("10",
	// "11") instead of single-byte binary frames, for browser peers that
	// read binary frames as ArrayBuffers.
	TextControl    bool
	Authenticate   AuthFunc
	// OnError observes contained failures, such as a send that failed
	// during a broadcast. clientID is empty when no target is involved.
	OnError func(clientID string, err error)
}

const (
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 256
	defaultRPCTimeout   = 5 * time.Second
)

func (o *Options) applyDefaults() {
	if o.Codec == nil {
		o.Codec = codec.JSON()
	}
	if o.PingInterval <= 0 {
		o.PingInterval = heartbeat.DefaultInterval
	}
	if o.MaxMissedPings < 1 {
		o.MaxMissedPings = 1
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = defaultRPCTimeout
	}
}

// Server owns the connection registry and channel store and runs the
// lifecycle of every connection handed to Serve.
type Server struct {
	opts      Options
	codec     codec.Codec
	clients   *registry.Registry[*Socket]
	channels  *channels.Store
	heartbeat *heartbeat.Supervisor

	onConnect []func(*Socket, *types.Request)
	onDisconn []func(*Socket, int)

	mu       sync.RWMutex
	wg       sync.WaitGroup
	shutdown bool
	logger   zerolog.Logger
}

// New creates a new Server instance.
func New(opts Options, logger zerolog.Logger) *Server {
	opts.applyDefaults()
	s := &Server{
		opts:     opts,
		codec:    opts.Codec,
		clients:  registry.New[*Socket](),
		channels: channels.New(),
		logger:   logger.With().Str("component", "hub").Logger(),
	}
	s.heartbeat = heartbeat.New(opts.PingInterval, opts.MaxMissedPings, s.peers, logger)
	return s
}

// Start begins the heartbeat sweep.
func (s *Server) Start() {
	s.heartbeat.Start()
}

// Heartbeat returns the liveness supervisor.
func (s *Server) Heartbeat() *heartbeat.Supervisor { return s.heartbeat }

// Codec returns the wire codec.
func (s *Server) Codec() codec.Codec { return s.codec }

// OnConnection registers a callback for new authenticated connections.
// Handlers registered on the socket inside the callback see every frame.
func (s *Server) OnConnection(cb func(sock *Socket, req *types.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, cb)
}

// OnDisconnected registers a callback for closed connections. It runs
// before the connection leaves its channels.
func (s *Server) OnDisconnected(cb func(sock *Socket, code int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconn = append(s.onDisconn, cb)
}

// Serve runs a connection from handshake to teardown and blocks until it
// is closed. req is the upgrade request captured by the transport.
func (s *Server) Serve(ctx context.Context, conn types.Conn, req *types.Request) error {
	if req == nil {
		req = &types.Request{}
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.reject(conn, types.CloseGoingAway, "server shutting down")
		return ErrServerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if max := s.opts.MaxConnections; max > 0 && s.clients.Len() >= max {
		s.reject(conn, types.CloseTryAgainLater, "too many connections")
		return ErrTooManyConnections
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	if s.clients.Has(id) {
		s.logger.Warn().Str("client_id", id).Msg("connection id already in use")
		s.reject(conn, types.ClosePolicyViolation, ErrDuplicateID.Error())
		return ErrDuplicateID
	}
	sock := newSocket(id, conn, req, s)

	if !s.authenticate(ctx, sock, req) {
		s.logger.Info().Str("client_id", id).Str("remote_addr", req.RemoteAddr).Msg("authentication failed")
		sock.markClosed()
		s.reject(conn, types.CloseAuthenticationFailed, types.CloseReasonAuthenticationFailed)
		return ErrAuthenticationRejected
	}

	// A close or cancellation that happened while authenticating wins.
	if ctx.Err() != nil {
		sock.markClosed()
		conn.Close()
		return ErrConnectionClosed
	}
	if err := sock.establish(); err != nil {
		sock.markClosed()
		switch {
		case errors.Is(err, ErrDuplicateID):
			s.logger.Warn().Str("client_id", id).Msg("connection id already in use")
			s.reject(conn, types.ClosePolicyViolation, err.Error())
		case errors.Is(err, ErrTooManyConnections):
			s.reject(conn, types.CloseTryAgainLater, "too many connections")
		default:
			conn.Close()
		}
		return err
	}
	s.logger.Info().Str("client_id", id).Msg("client registered")

	stop := context.AfterFunc(ctx, func() {
		sock.Close(types.CloseGoingAway, "server shutting down")
	})
	defer stop()

	go sock.writePump()

	s.emitConnection(sock, req)
	if err := sock.sendControl(codec.Ready); err != nil {
		s.logger.Debug().Err(err).Str("client_id", id).Msg("ready marker not sent")
	}

	code := sock.readPump()
	sock.teardown(code)
	return nil
}

func (s *Server) authenticate(ctx context.Context, sock *Socket, req *types.Request) (ok bool) {
	if s.opts.Authenticate == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("client_id", sock.ID()).Msg("authentication hook panicked")
			ok = false
		}
	}()
	ok, err := s.opts.Authenticate(ctx, sock, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("client_id", sock.ID()).Msg("authentication hook failed")
		return false
	}
	return ok
}

// reject closes a connection that never became established.
func (s *Server) reject(conn types.Conn, code int, reason string) {
	deadline := time.Now().Add(s.opts.WriteTimeout)
	if err := conn.WriteControl(types.CloseMessage, formatClose(code, reason), deadline); err != nil {
		s.logger.Debug().Err(err).Int("code", code).Msg("close frame not sent")
	}
	conn.Close()
}

func (s *Server) emitConnection(sock *Socket, req *types.Request) {
	s.mu.RLock()
	cbs := append([]func(*Socket, *types.Request){}, s.onConnect...)
	s.mu.RUnlock()

	for _, cb := range cbs {
		s.safely(sock.ID(), types.EventConnection, func() { cb(sock, req) })
	}
}

func (s *Server) emitDisconnected(sock *Socket, code int) {
	s.mu.RLock()
	cbs := append([]func(*Socket, int){}, s.onDisconn...)
	s.mu.RUnlock()

	for _, cb := range cbs {
		s.safely(sock.ID(), types.EventDisconnected, func() { cb(sock, code) })
	}
}

// safely runs user code and contains panics at the connection boundary.
func (s *Server) safely(clientID, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("client_id", clientID).
				Str("event", event).
				Msg("handler panicked")
		}
	}()
	fn()
}

func (s *Server) reportError(clientID string, err error) {
	s.logger.Error().Err(err).Str("client_id", clientID).Msg("send failed")
	if s.opts.OnError != nil {
		s.opts.OnError(clientID, err)
	}
}

func (s *Server) peers() []heartbeat.Peer {
	all := s.clients.All()
	out := make([]heartbeat.Peer, 0, len(all))
	for _, sock := range all {
		out = append(out, sock)
	}
	return out
}

// Shutdown stops the heartbeat, closes every connection with 1001 and
// waits for their teardown or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.heartbeat.Stop()
	for _, sock := range s.clients.All() {
		sock.Close(types.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
