package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakePeer struct {
	id         string
	mu         sync.Mutex
	unanswered int
	probes     int
	terminated bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Unanswered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unanswered
}

func (p *fakePeer) Probe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unanswered++
	p.probes++
	return nil
}

func (p *fakePeer) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
}

func (p *fakePeer) answer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unanswered = 0
}

func (p *fakePeer) isTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func source(peers ...*fakePeer) func() []Peer {
	return func() []Peer {
		out := make([]Peer, 0, len(peers))
		for _, p := range peers {
			if !p.isTerminated() {
				out = append(out, p)
			}
		}
		return out
	}
}

func TestSilentPeerReapedOnNextSweep(t *testing.T) {
	p := &fakePeer{id: "silent"}
	s := New(time.Hour, 1, source(p), zerolog.Nop())

	assert.Empty(t, s.Sweep(), "probed peers are not terminated in the same sweep")
	assert.False(t, p.isTerminated())
	assert.Equal(t, 1, p.probes)

	assert.Equal(t, []string{"silent"}, s.Sweep())
	assert.True(t, p.isTerminated())
}

func TestAnsweringPeerSurvives(t *testing.T) {
	p := &fakePeer{id: "live"}
	s := New(time.Hour, 1, source(p), zerolog.Nop())

	for i := 0; i < 5; i++ {
		assert.Empty(t, s.Sweep())
		p.answer()
	}
	assert.False(t, p.isTerminated())
	assert.Equal(t, 5, p.probes)
}

func TestStrikeCount(t *testing.T) {
	p := &fakePeer{id: "slow"}
	s := New(time.Hour, 3, source(p), zerolog.Nop())

	assert.Empty(t, s.Sweep())
	assert.Empty(t, s.Sweep())
	assert.Empty(t, s.Sweep())
	assert.Equal(t, []string{"slow"}, s.Sweep())
}

func TestDefaults(t *testing.T) {
	s := New(0, 0, source(), zerolog.Nop())
	assert.Equal(t, DefaultInterval, s.Interval())
	assert.Equal(t, 1, s.maxMissed)
}

func TestStartStop(t *testing.T) {
	p := &fakePeer{id: "silent"}
	s := New(10*time.Millisecond, 1, source(p), zerolog.Nop())
	s.Start()
	s.Start()

	assert.Eventually(t, p.isTerminated, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}
