package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/orchestra-mcp/bridgeio/config"
	"github.com/orchestra-mcp/bridgeio/src/codec"
	"github.com/orchestra-mcp/bridgeio/src/hub"
	"github.com/orchestra-mcp/bridgeio/src/service"
)

// ErrNotActive is returned by operations that need an activated provider.
var ErrNotActive = errors.New("websocket provider not active")

// SocketProvider wires configuration, the server, and the service layer,
// and exposes them to HTTP transports.
type SocketProvider struct {
	active  bool
	logger  zerolog.Logger
	cfg     *config.SocketConfig
	hub     *hub.Server
	service *service.Service
	auth    hub.AuthFunc
}

// NewSocketProvider creates a new provider instance.
func NewSocketProvider(logger zerolog.Logger) *SocketProvider {
	return &SocketProvider{logger: logger}
}

func (p *SocketProvider) ID() string      { return "bridgeio/socket" }
func (p *SocketProvider) Name() string    { return "WebSocket" }
func (p *SocketProvider) Version() string { return "0.1.0" }
func (p *SocketProvider) IsActive() bool  { return p.active }

// Config returns the active configuration.
func (p *SocketProvider) Config() *config.SocketConfig { return p.cfg }

// Hub returns the server, or nil before Activate.
func (p *SocketProvider) Hub() *hub.Server { return p.hub }

// Service returns the service layer, or nil before Activate.
func (p *SocketProvider) Service() *service.Service { return p.service }

// SetAuthenticator installs the authentication hook. It must be called
// before Activate.
func (p *SocketProvider) SetAuthenticator(fn hub.AuthFunc) { p.auth = fn }

// Activate validates cfg, builds the server and service, and starts the
// heartbeat.
func (p *SocketProvider) Activate(cfg *config.SocketConfig) error {
	if p.active {
		return nil
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	opts, err := hubOptions(cfg)
	if err != nil {
		return err
	}
	opts.Authenticate = p.auth
	opts.OnError = func(clientID string, err error) {
		p.logger.Debug().Err(err).Str("client_id", clientID).Msg("delivery failed")
	}

	p.cfg = cfg
	p.hub = hub.New(opts, p.logger)
	p.service = service.New(p.hub, p.logger)
	p.hub.Start()

	p.active = true
	p.logger.Info().
		Str("provider", p.ID()).
		Str("codec", opts.Codec.Name()).
		Dur("ping_interval", cfg.PingInterval).
		Msg("websocket provider activated")
	return nil
}

// Deactivate closes every connection and stops the heartbeat.
func (p *SocketProvider) Deactivate(ctx context.Context) error {
	if !p.active {
		return nil
	}
	p.active = false
	if err := p.hub.Shutdown(ctx); err != nil {
		p.logger.Error().Err(err).Msg("hub shutdown error")
		return err
	}
	p.logger.Info().Str("provider", p.ID()).Msg("websocket provider deactivated")
	return nil
}

func hubOptions(cfg *config.SocketConfig) (hub.Options, error) {
	var secret []byte
	if cfg.Secret != "" {
		secret = []byte(cfg.Secret)
	}
	c, err := codec.New(cfg.Codec, secret)
	if err != nil {
		return hub.Options{}, fmt.Errorf("codec: %w", err)
	}

	opts := hub.Options{
		Codec:          c,
		PingInterval:   cfg.PingInterval,
		MaxMissedPings: cfg.MaxMissedPings,
		WriteTimeout:   cfg.WriteTimeout,
		SendBuffer:     cfg.SendBuffer,
		RPCTimeout:     cfg.RPCTimeout,
		MaxConnections: cfg.MaxConnections,
		TextControl:    cfg.TextControl,
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimit = &hub.RateLimitConfig{
			Enabled:           true,
			MessagesPerSecond: rate.Limit(cfg.RateLimit.MessagesPerSecond),
			Burst:             cfg.RateLimit.Burst,
		}
	}
	return opts, nil
}
