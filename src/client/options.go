package client

import (
	"net/http"
	"time"

	"github.com/orchestra-mcp/bridgeio/src/codec"
)

// Options configures a Client.
type Options struct {
	URL    string
	Header http.Header
	// ResponseTimeout bounds how long Call waits for an acknowledgment.
	ResponseTimeout time.Duration
	// Attempts caps reconnection attempts after a drop; 0 means unlimited.
	Attempts int
	// Delay is the first reconnection interval; later ones double up to MaxDelay.
	Delay        time.Duration
	MaxDelay     time.Duration
	Reconnection bool

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Codec            codec.Codec
}

// DefaultOptions returns options matching the browser client defaults.
func DefaultOptions(url string) Options {
	return Options{
		URL:              url,
		ResponseTimeout:  5 * time.Second,
		Delay:            2 * time.Second,
		MaxDelay:         time.Minute,
		Reconnection:     true,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Codec:            codec.JSON(),
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions(o.URL)
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = d.ResponseTimeout
	}
	if o.Delay <= 0 {
		o.Delay = d.Delay
	}
	if o.MaxDelay < o.Delay {
		o.MaxDelay = max(d.MaxDelay, o.Delay)
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.Codec == nil {
		o.Codec = d.Codec
	}
}

// backoff returns the wait before reconnection attempt n (1-based).
func (o *Options) backoff(n int) time.Duration {
	wait := o.Delay
	for i := 1; i < n; i++ {
		wait *= 2
		if wait >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	return wait
}
