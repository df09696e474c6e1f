// Package heartbeat reaps peers that stop answering liveness probes.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the probe interval used when none is configured.
const DefaultInterval = 10 * time.Second

// Peer is a connection the supervisor can probe.
type Peer interface {
	ID() string
	// Unanswered returns the number of probes sent since the peer last
	// proved it was alive.
	Unanswered() int
	// Probe counts a new outstanding probe and sends it.
	Probe() error
	// Terminate drops the connection without a close handshake.
	Terminate()
}

// Supervisor periodically probes every peer and terminates those that
// left MaxMissed consecutive probes unanswered. With the default of one,
// a peer that misses a probe is reaped on the next sweep.
type Supervisor struct {
	interval  time.Duration
	maxMissed int
	peers     func() []Peer
	logger    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a supervisor over the peers returned by source.
func New(interval time.Duration, maxMissed int, source func() []Peer, logger zerolog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxMissed < 1 {
		maxMissed = 1
	}
	return &Supervisor{
		interval:  interval,
		maxMissed: maxMissed,
		peers:     source,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Interval returns the probe interval.
func (s *Supervisor) Interval() time.Duration { return s.interval }

// Sweep runs one probe cycle and returns the ids it terminated.
func (s *Supervisor) Sweep() []string {
	var reaped []string
	for _, p := range s.peers() {
		if p.Unanswered() >= s.maxMissed {
			s.logger.Info().Str("client_id", p.ID()).Int("missed", p.Unanswered()).Msg("terminating unresponsive peer")
			p.Terminate()
			reaped = append(reaped, p.ID())
			continue
		}
		if err := p.Probe(); err != nil {
			s.logger.Debug().Err(err).Str("client_id", p.ID()).Msg("probe failed")
		}
	}
	return reaped
}

// Run sweeps every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Start runs the supervisor in a goroutine. Calling Start twice is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
	s.logger.Debug().Dur("interval", s.interval).Int("max_missed", s.maxMissed).Msg("heartbeat started")
}

// Stop halts the supervisor and waits for the running sweep to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}
