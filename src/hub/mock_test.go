package hub

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/bridgeio/src/codec"
	"github.com/orchestra-mcp/bridgeio/src/types"
)

type frame struct {
	messageType int
	data        []byte
	closeCode   int
}

// mockConn implements types.Conn for testing without a real websocket.
type mockConn struct {
	mu       sync.Mutex
	frames   []frame
	readCh   chan []byte
	closed   bool
	closedCh chan struct{}
	peerCode int

	// writing, when set, is signalled on every WriteMessage, which then
	// blocks until release is closed.
	writing chan struct{}
	release chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan []byte, 64),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.readCh:
		return types.TextMessage, data, nil
	case <-m.closedCh:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.peerCode != 0 {
			return 0, nil, &websocket.CloseError{Code: m.peerCode}
		}
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	if m.writing != nil {
		select {
		case m.writing <- struct{}{}:
		default:
		}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("write on closed connection")
	}
	m.frames = append(m.frames, frame{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (m *mockConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("write on closed connection")
	}
	f := frame{messageType: messageType, data: data}
	if messageType == types.CloseMessage && len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data))
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// peerClose simulates the remote end closing with code.
func (m *mockConn) peerClose(code int) {
	m.mu.Lock()
	m.peerCode = code
	m.mu.Unlock()
	m.Close()
}

func (m *mockConn) send(t *testing.T, env types.Envelope) {
	t.Helper()
	data, err := codec.JSON().Encode(env)
	require.NoError(t, err)
	m.readCh <- data
}

func (m *mockConn) getFrames() []frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]frame, len(m.frames))
	copy(cp, m.frames)
	return cp
}

// envelopes returns the decoded non-control frames written so far.
func (m *mockConn) envelopes() []types.Envelope {
	var out []types.Envelope
	for _, f := range m.getFrames() {
		if f.messageType == types.CloseMessage {
			continue
		}
		if _, ok := codec.Control(f.data); ok {
			continue
		}
		env, err := codec.JSON().Decode(f.data)
		if err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (m *mockConn) controls() []byte {
	var out []byte
	for _, f := range m.getFrames() {
		if f.messageType == types.CloseMessage {
			continue
		}
		if b, ok := codec.Control(f.data); ok {
			out = append(out, b)
		}
	}
	return out
}

func (m *mockConn) closeFrame() (int, bool) {
	for _, f := range m.getFrames() {
		if f.messageType == types.CloseMessage {
			return f.closeCode, true
		}
	}
	return 0, false
}

// newTestServer creates a server with a long ping interval so tests drive
// sweeps by hand.
func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Hour
	}
	s := New(opts, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

type served struct {
	conn *mockConn
	sock *Socket
	done chan error
}

// connect serves a mock connection and waits until it is registered.
func connect(t *testing.T, s *Server, id string) *served {
	t.Helper()
	return connectConn(t, s, id, newMockConn())
}

func connectConn(t *testing.T, s *Server, id string, conn *mockConn) *served {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), conn, &types.Request{ID: id, RemoteAddr: "127.0.0.1:1"})
	}()
	require.Eventually(t, func() bool { return s.Clients().Has(id) }, time.Second, time.Millisecond)
	sock, _ := s.Clients().Get(id)
	return &served{conn: conn, sock: sock, done: done}
}

func waitServed(t *testing.T, sv *served) error {
	t.Helper()
	select {
	case err := <-sv.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}
