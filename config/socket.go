package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid socket config")

// RateLimitConfig limits inbound frames per connection.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	MessagesPerSecond float64 `json:"messages_per_second" yaml:"messages_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// SocketConfig holds WebSocket server configuration.
type SocketConfig struct {
	ListenAddr      string          `json:"listen_addr" yaml:"listen_addr"`
	Path            string          `json:"path" yaml:"path"`
	MaxConnections  int             `json:"max_connections" yaml:"max_connections"`
	PingInterval    time.Duration   `json:"ping_interval" yaml:"ping_interval"`
	MaxMissedPings  int             `json:"max_missed_pings" yaml:"max_missed_pings"`
	WriteTimeout    time.Duration   `json:"write_timeout" yaml:"write_timeout"`
	ReadBufferSize  int             `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize int             `json:"write_buffer_size" yaml:"write_buffer_size"`
	SendBuffer      int             `json:"send_buffer" yaml:"send_buffer"`
	RPCTimeout      time.Duration   `json:"rpc_timeout" yaml:"rpc_timeout"`
	Codec           string          `json:"codec" yaml:"codec"`
	// TextControl sends control markers as decimal text for legacy browser peers.
	TextControl     bool            `json:"text_control" yaml:"text_control"`
	// Secret enables payload encryption. There is no default key.
	Secret          string          `json:"-" yaml:"secret"`
	RateLimit       RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// DefaultConfig returns the default WebSocket configuration.
func DefaultConfig() *SocketConfig {
	return &SocketConfig{
		ListenAddr:      ":8080",
		Path:            "/ws",
		MaxConnections:  1000,
		PingInterval:    10 * time.Second,
		MaxMissedPings:  1,
		WriteTimeout:    10 * time.Second,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		RPCTimeout:      5 * time.Second,
		Codec:           "json",
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 100,
			Burst:             200,
		},
	}
}

// FromEnv loads configuration from BRIDGEIO_* environment variables on
// top of the defaults. Unparseable values keep the default.
func FromEnv() *SocketConfig {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML config file, expanding ${VAR} references, and applies
// environment overrides.
func Load(path string) (*SocketConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *SocketConfig) applyEnv() {
	if v := os.Getenv("BRIDGEIO_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("BRIDGEIO_PATH"); v != "" {
		c.Path = v
	}
	if v := os.Getenv("BRIDGEIO_CODEC"); v != "" {
		c.Codec = v
	}
	if v := os.Getenv("BRIDGEIO_SECRET"); v != "" {
		c.Secret = v
	}
	envInt("BRIDGEIO_MAX_CONNECTIONS", &c.MaxConnections)
	envInt("BRIDGEIO_MAX_MISSED_PINGS", &c.MaxMissedPings)
	envInt("BRIDGEIO_SEND_BUFFER", &c.SendBuffer)
	envDuration("BRIDGEIO_PING_INTERVAL", &c.PingInterval)
	envDuration("BRIDGEIO_WRITE_TIMEOUT", &c.WriteTimeout)
	envDuration("BRIDGEIO_RPC_TIMEOUT", &c.RPCTimeout)
	if v := os.Getenv("BRIDGEIO_RATE_LIMIT"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.Enabled = rps > 0
			c.RateLimit.MessagesPerSecond = rps
		}
	}
	envInt("BRIDGEIO_RATE_BURST", &c.RateLimit.Burst)
	if v := os.Getenv("BRIDGEIO_TEXT_CONTROL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TextControl = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *SocketConfig) Validate() error {
	switch {
	case c.PingInterval <= 0:
		return fmt.Errorf("%w: ping_interval must be positive", ErrInvalidConfig)
	case c.MaxMissedPings < 1:
		return fmt.Errorf("%w: max_missed_pings must be at least 1", ErrInvalidConfig)
	case c.RPCTimeout <= 0:
		return fmt.Errorf("%w: rpc_timeout must be positive", ErrInvalidConfig)
	case c.MaxConnections < 0:
		return fmt.Errorf("%w: max_connections must not be negative", ErrInvalidConfig)
	case c.Codec != "json" && c.Codec != "binary":
		return fmt.Errorf("%w: unknown codec %q", ErrInvalidConfig, c.Codec)
	case c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst < 1):
		return fmt.Errorf("%w: rate_limit needs a positive rate and burst", ErrInvalidConfig)
	}
	return nil
}
