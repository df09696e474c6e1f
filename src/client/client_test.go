package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/bridgeio/src/hub"
	"github.com/orchestra-mcp/bridgeio/src/rpc"
	"github.com/orchestra-mcp/bridgeio/src/types"
)

// startServer runs a hub behind an httptest server and returns its ws URL.
func startServer(t *testing.T, opts hub.Options) (*hub.Server, string) {
	t.Helper()
	s, ts := startHTTP(t, opts)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func startHTTP(t *testing.T, opts hub.Options) (*hub.Server, *httptest.Server) {
	t.Helper()
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Hour
	}
	s := hub.New(opts, zerolog.Nop())

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.Serve(context.Background(), conn, &types.Request{
			ID:         r.URL.Query().Get("id"),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
			Header:     r.Header,
			Query:      r.URL.Query(),
		})
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		ts.Close()
	})
	return s, ts
}

func newClient(t *testing.T, url string, mutate func(*Options)) *Client {
	t.Helper()
	opts := DefaultOptions(url)
	opts.Delay = 10 * time.Millisecond
	opts.MaxDelay = 50 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts, zerolog.Nop())
	t.Cleanup(func() { c.Close() })
	return c
}

func waitSocket(t *testing.T, s *hub.Server, id string) *hub.Socket {
	t.Helper()
	var sock *hub.Socket
	require.Eventually(t, func() bool {
		var ok bool
		sock, ok = s.Clients().Get(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return sock
}

func TestConnectReceivesReadyMarker(t *testing.T) {
	_, url := startServer(t, hub.Options{})
	c := newClient(t, url, nil)

	ready := make(chan bool, 1)
	c.OnConnection(func(reconnected bool) { ready <- reconnected })
	require.NoError(t, c.Connect(context.Background()))

	select {
	case reconnected := <-ready:
		assert.False(t, reconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("ready marker not received")
	}
	assert.True(t, c.Connected())
}

func TestCallResolvedByServerAck(t *testing.T) {
	s, url := startServer(t, hub.Options{})
	s.OnConnection(func(sock *hub.Socket, _ *types.Request) {
		sock.On("echo", func(data any, ack types.Ack) {
			if ack != nil {
				ack(data)
			}
		})
	})
	c := newClient(t, url, nil)
	require.NoError(t, c.Connect(context.Background()))

	got := make(chan any, 1)
	require.NoError(t, c.Call("echo", "hello", func(data any) { got <- data }))
	select {
	case data := <-got:
		assert.Equal(t, "hello", data)
	case <-time.After(2 * time.Second):
		t.Fatal("ack not received")
	}

	data, err := c.Request(context.Background(), "echo", map[string]any{"n": 1.0})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1.0}, data)
	assert.Equal(t, 0, c.PendingCalls())
}

func TestRequestTimesOutWithoutAck(t *testing.T) {
	_, url := startServer(t, hub.Options{})
	c := newClient(t, url, func(o *Options) { o.ResponseTimeout = 50 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Request(context.Background(), "nobody-listens", nil)
	assert.ErrorIs(t, err, rpc.ErrCorrelationTimeout)
	assert.Equal(t, 0, c.PendingCalls())
}

func TestClientAcksServerCall(t *testing.T) {
	s, url := startServer(t, hub.Options{})
	c := newClient(t, url+"?id=peer", nil)
	c.On("question", func(data any, ack types.Ack) {
		if assert.NotNil(t, ack) {
			ack("answer to " + data.(string))
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	sock := waitSocket(t, s, "peer")
	data, err := sock.Request(context.Background(), "question", "life")
	require.NoError(t, err)
	assert.Equal(t, "answer to life", data)
}

func TestClientAnswersLivenessProbe(t *testing.T) {
	s, url := startServer(t, hub.Options{})
	c := newClient(t, url+"?id=peer", nil)
	require.NoError(t, c.Connect(context.Background()))

	sock := waitSocket(t, s, "peer")
	assert.Empty(t, s.Heartbeat().Sweep())
	require.Eventually(t, sock.Alive, 2*time.Second, 5*time.Millisecond)

	// A second sweep finds the peer answered and keeps it.
	assert.Empty(t, s.Heartbeat().Sweep())
	require.Eventually(t, sock.Alive, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.ClientCount())
}

func TestHandlerPanicDoesNotStopReadLoop(t *testing.T) {
	s, url := startServer(t, hub.Options{})
	c := newClient(t, url+"?id=peer", nil)

	got := make(chan any, 1)
	c.On("boom", func(any, types.Ack) { panic("handler bug") })
	c.On("after", func(data any, _ types.Ack) { got <- data })
	c.OnConnection(func(bool) { panic("callback bug") })
	require.NoError(t, c.Connect(context.Background()))

	sock := waitSocket(t, s, "peer")
	require.NoError(t, sock.Cast("boom", nil))
	require.NoError(t, sock.Cast("after", "still here"))

	select {
	case data := <-got:
		assert.Equal(t, "still here", data)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop stopped after a handler panic")
	}
	assert.True(t, c.Connected())
}

func TestClientAnswersTextProbe(t *testing.T) {
	s, url := startServer(t, hub.Options{TextControl: true})
	c := newClient(t, url+"?id=peer", nil)

	ready := make(chan struct{}, 1)
	c.OnConnection(func(bool) { ready <- struct{}{} })
	require.NoError(t, c.Connect(context.Background()))
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("text ready marker not recognised")
	}

	sock := waitSocket(t, s, "peer")
	assert.Empty(t, s.Heartbeat().Sweep())
	require.Eventually(t, sock.Alive, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectsAfterUncleanDrop(t *testing.T) {
	s, url := startServer(t, hub.Options{})
	// The server refuses a reused id until the dropped socket is torn down.
	c := newClient(t, url+"?id=peer", func(o *Options) {
		o.Delay = 100 * time.Millisecond
		o.MaxDelay = 200 * time.Millisecond
	})

	var attempts atomic.Int32
	var codes []int
	var mu sync.Mutex
	reconnected := make(chan struct{}, 1)
	c.OnReconnecting(func(int) { attempts.Add(1) })
	c.OnDisconnected(func(code int) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
	})
	c.OnConnection(func(again bool) {
		if again {
			reconnected <- struct{}{}
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	waitSocket(t, s, "peer").Terminate()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(1))
	mu.Lock()
	assert.Equal(t, []int{types.CloseAbnormal}, codes)
	mu.Unlock()
	waitSocket(t, s, "peer")
}

func TestNoReconnectAfterCleanClose(t *testing.T) {
	s, url := startServer(t, hub.Options{})
	c := newClient(t, url+"?id=peer", nil)

	var attempts atomic.Int32
	closed := make(chan int, 1)
	c.OnReconnecting(func(int) { attempts.Add(1) })
	c.OnDisconnected(func(code int) { closed <- code })
	require.NoError(t, c.Connect(context.Background()))

	waitSocket(t, s, "peer").Close(types.CloseNormal, "bye")

	select {
	case code := <-closed:
		assert.Equal(t, types.CloseNormal, code)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, attempts.Load())
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Cast("late", nil), ErrNotConnected)
}

func TestAuthenticationRejectionIsClean(t *testing.T) {
	_, url := startServer(t, hub.Options{
		Authenticate: func(context.Context, *hub.Socket, *types.Request) (bool, error) { return false, nil },
	})
	c := newClient(t, url, nil)

	var attempts atomic.Int32
	closed := make(chan int, 1)
	c.OnReconnecting(func(int) { attempts.Add(1) })
	c.OnDisconnected(func(code int) { closed <- code })
	require.NoError(t, c.Connect(context.Background()))

	select {
	case code := <-closed:
		assert.Equal(t, types.CloseAuthenticationFailed, code)
	case <-time.After(2 * time.Second):
		t.Fatal("rejection not observed")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, attempts.Load())
}

func TestGivesUpAfterAttempts(t *testing.T) {
	s, ts := startHTTP(t, hub.Options{})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?id=peer"
	c := newClient(t, url, func(o *Options) { o.Attempts = 2 })

	var attempts atomic.Int32
	c.OnReconnecting(func(int) { attempts.Add(1) })
	require.NoError(t, c.Connect(context.Background()))

	sock := waitSocket(t, s, "peer")
	// Refuse further dials, then drop the live connection.
	ts.Listener.Close()
	sock.Terminate()

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	assert.False(t, c.Connected())
}

func TestRoomScenario(t *testing.T) {
	s, url := startServer(t, hub.Options{})
	s.OnConnection(func(sock *hub.Socket, _ *types.Request) {
		sock.On("join", func(data any, ack types.Ack) {
			sock.Join(data.(string))
			if ack != nil {
				ack(true)
			}
		})
		sock.On("say", func(data any, _ types.Ack) {
			sock.Room("room1").Cast("said", data)
		})
	})

	alice := newClient(t, url+"?id=alice", nil)
	bob := newClient(t, url+"?id=bob", nil)

	var aliceGot atomic.Int32
	bobGot := make(chan any, 1)
	alice.On("said", func(any, types.Ack) { aliceGot.Add(1) })
	bob.On("said", func(data any, _ types.Ack) { bobGot <- data })

	for _, c := range []*Client{alice, bob} {
		require.NoError(t, c.Connect(context.Background()))
		_, err := c.Request(context.Background(), "join", "room1")
		require.NoError(t, err)
	}

	require.NoError(t, alice.Cast("say", "hi"))
	select {
	case data := <-bobGot:
		assert.Equal(t, "hi", data)
	case <-time.After(2 * time.Second):
		t.Fatal("room message not delivered")
	}
	assert.Zero(t, aliceGot.Load())
}

func TestCloseStopsEverything(t *testing.T) {
	_, url := startServer(t, hub.Options{})
	c := newClient(t, url, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	assert.ErrorIs(t, c.Call("x", nil, func(any) {}), ErrClientClosed)
}

func TestBackoff(t *testing.T) {
	o := Options{Delay: 2 * time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, 2*time.Second, o.backoff(1))
	assert.Equal(t, 4*time.Second, o.backoff(2))
	assert.Equal(t, 8*time.Second, o.backoff(3))
	assert.Equal(t, 10*time.Second, o.backoff(4))
	assert.Equal(t, 10*time.Second, o.backoff(30))
}
