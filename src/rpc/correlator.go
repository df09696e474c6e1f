// Package rpc correlates calls with their acknowledgments.
package rpc

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCorrelationTimeout is returned by Future.Wait when no response
	// arrived before the deadline.
	ErrCorrelationTimeout = errors.New("rpc: no response before deadline")
	ErrCorrelatorClosed   = errors.New("rpc: correlator closed")
)

// Handler receives the response data of a call.
type Handler func(data any)

type call struct {
	handler Handler
	abandon func(err error)
	timer   *time.Timer
}

// Correlator tracks outstanding calls. Each call id is removed exactly
// once, by whichever of Resolve or the deadline gets there first; the
// other becomes a no-op.
type Correlator struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*call
	closed  bool

	onTimeout func(id uint64)
}

// New creates a correlator. onTimeout, if set, is called after a call
// expires unanswered.
func New(onTimeout func(id uint64)) *Correlator {
	return &Correlator{
		pending:   make(map[uint64]*call),
		onTimeout: onTimeout,
	}
}

// Register allocates the next call id and waits up to timeout for its
// response. It returns 0 if the correlator is closed.
func (c *Correlator) Register(timeout time.Duration, h Handler) uint64 {
	return c.register(timeout, h, nil)
}

func (c *Correlator) register(timeout time.Duration, h Handler, abandon func(error)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	c.next++
	id := c.next
	cl := &call{handler: h, abandon: abandon}
	cl.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	c.pending[id] = cl
	return id
}

// Resolve delivers data to the call registered under id. It reports false
// when the id is unknown or already resolved or expired.
func (c *Correlator) Resolve(id uint64, data any) bool {
	c.mu.Lock()
	cl, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	cl.timer.Stop()
	if cl.handler != nil {
		cl.handler(data)
	}
	return true
}

// Cancel drops the call registered under id without firing its handler.
func (c *Correlator) Cancel(id uint64) bool {
	c.mu.Lock()
	cl, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		cl.timer.Stop()
	}
	return ok
}

func (c *Correlator) expire(id uint64) {
	c.mu.Lock()
	cl, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if cl.abandon != nil {
		cl.abandon(ErrCorrelationTimeout)
	}
	if c.onTimeout != nil {
		c.onTimeout(id)
	}
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close drops every outstanding call without firing its handler and
// rejects further registrations. Awaited calls fail with ErrCorrelatorClosed.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	dropped := make([]*call, 0, len(c.pending))
	for id, cl := range c.pending {
		cl.timer.Stop()
		delete(c.pending, id)
		dropped = append(dropped, cl)
	}
	c.mu.Unlock()

	for _, cl := range dropped {
		if cl.abandon != nil {
			cl.abandon(ErrCorrelatorClosed)
		}
	}
}

// Future is the result of an awaited call.
type Future struct {
	done chan struct{}
	data any
	err  error
	once sync.Once
}

func (f *Future) settle(data any, err error) {
	f.once.Do(func() {
		f.data, f.err = data, err
		close(f.done)
	})
}

// Done is closed once the call resolved or expired.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the response arrives, the deadline elapses or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await registers a call whose result is collected through a Future.
func (c *Correlator) Await(timeout time.Duration) (uint64, *Future) {
	f := &Future{done: make(chan struct{})}
	id := c.register(timeout,
		func(data any) { f.settle(data, nil) },
		func(err error) { f.settle(nil, err) },
	)
	if id == 0 {
		f.settle(nil, ErrCorrelatorClosed)
	}
	return id, f
}
