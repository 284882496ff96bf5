package transport

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// ── fakes ─────────────────────────────────────────────────────────────────

type recordingSink struct {
	mu         sync.Mutex
	states     []ConnectionState
	messages   [][]byte
	errs       []error
	reconnects []time.Duration
}

func (s *recordingSink) StateChanged(st ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *recordingSink) Message(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, append([]byte(nil), data...))
}

func (s *recordingSink) Failed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) Reconnecting(_ int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects = append(s.reconnects, delay)
}

func (s *recordingSink) Snapshot() (states []ConnectionState, messages [][]byte, errs []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectionState(nil), s.states...),
		append([][]byte(nil), s.messages...),
		append([]error(nil), s.errs...)
}

func (s *recordingSink) countState(st ConnectionState) int {
	states, _, _ := s.Snapshot()
	n := 0
	for _, x := range states {
		if x == st {
			n++
		}
	}
	return n
}

// scheduler stands in for time.AfterFunc. With fire set, callbacks run
// immediately on a new goroutine; otherwise they are held until run.
type scheduler struct {
	mu      sync.Mutex
	fire    bool
	delays  []time.Duration
	pending []func()
}

func (s *scheduler) afterFunc(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	fire := s.fire
	if !fire {
		s.pending = append(s.pending, f)
	}
	s.mu.Unlock()
	if fire {
		go f()
	}
	return func() bool { return true }
}

func (s *scheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *scheduler) runPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, f := range pending {
		f()
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newTestManager(t *testing.T, cfg Config, sink Sink, sched *scheduler) *Manager {
	t.Helper()
	m := New(cfg, sink, zaptest.NewLogger(t))
	if sched != nil {
		m.afterFunc = sched.afterFunc
	}
	t.Cleanup(func() { m.Close() }) //nolint:errcheck
	return m
}

// echoServer answers every client message with a fixed prediction and counts
// what it received.
func echoServer(t *testing.T, received *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			received.Add(1)
			reply := `{"type":"prediction","predicted_posture":3,"confidence":0.87}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ── tests ─────────────────────────────────────────────────────────────────

func TestConnectSendReceive(t *testing.T) {
	var received atomic.Int32
	srv := echoServer(t, &received)
	sink := &recordingSink{}
	m := newTestManager(t, DefaultConfig(), sink, nil)

	require.NoError(t, m.Connect(wsURL(srv)))
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, 5*time.Millisecond)

	require.NoError(t, m.Send([]byte(`{"timestamp":1,"relativePitch":2}`)))
	require.Eventually(t, func() bool {
		_, msgs, _ := sink.Snapshot()
		return len(msgs) == 1
	}, waitFor, 5*time.Millisecond)

	_, msgs, errs := sink.Snapshot()
	assert.JSONEq(t, `{"type":"prediction","predicted_posture":3,"confidence":0.87}`, string(msgs[0]))
	assert.Empty(t, errs)
	assert.Equal(t, int32(1), received.Load())

	states, _, _ := sink.Snapshot()
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states)
}

func TestSendWhileDisconnected(t *testing.T) {
	var received atomic.Int32
	srv := echoServer(t, &received)
	sink := &recordingSink{}
	m := newTestManager(t, DefaultConfig(), sink, nil)

	assert.ErrorIs(t, m.Send([]byte("x")), ErrNotConnected)

	require.NoError(t, m.Connect(wsURL(srv)))
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, 5*time.Millisecond)
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Send([]byte("x")), ErrNotConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), received.Load())
}

func TestConnectRejectsBadEndpoint(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), &recordingSink{}, nil)

	for _, ep := range []string{"", "http://localhost:8000/ws", "ws://", "://nope", "tcp://host:1"} {
		assert.ErrorIs(t, m.Connect(ep), ErrInvalidEndpoint, ep)
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnectTwice(t *testing.T) {
	var received atomic.Int32
	srv := echoServer(t, &received)
	m := newTestManager(t, DefaultConfig(), &recordingSink{}, nil)

	require.NoError(t, m.Connect(wsURL(srv)))
	assert.ErrorIs(t, m.Connect(wsURL(srv)), ErrAlreadyConnected)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sink := &recordingSink{}
	sched := &scheduler{}
	m := newTestManager(t, DefaultConfig(), sink, sched)

	require.NoError(t, m.Connect("ws://"+addr+"/ws"))
	require.Eventually(t, func() bool {
		_, _, errs := sink.Snapshot()
		return len(errs) == 1
	}, waitFor, 5*time.Millisecond)

	_, _, errs := sink.Snapshot()
	var terr *Error
	require.ErrorAs(t, errs[0], &terr)
	assert.Equal(t, "dial", terr.Op)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, sched.Delays(), "initial connect failure must not schedule a reconnect")
	assert.False(t, m.Active())
}

func TestConnectRefusedRetriesWhenConfigured(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.Reconnect.RetryInitial = true
	sched := &scheduler{}
	m := newTestManager(t, cfg, &recordingSink{}, sched)

	require.NoError(t, m.Connect("ws://"+addr+"/ws"))
	require.Eventually(t, func() bool { return len(sched.Delays()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, time.Second, sched.Delays()[0])
	assert.True(t, m.Active())
}

func TestCloseIsIdempotent(t *testing.T) {
	var received atomic.Int32
	srv := echoServer(t, &received)
	sink := &recordingSink{}
	m := newTestManager(t, DefaultConfig(), sink, nil)

	require.NoError(t, m.Connect(wsURL(srv)))
	require.Eventually(t, func() bool { return m.State() == StateConnected }, waitFor, 5*time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	states, _, _ := sink.Snapshot()
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateClosing, StateDisconnected}, states)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestCloseOnFreshManager(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(t, DefaultConfig(), sink, nil)

	require.NoError(t, m.Close())
	states, _, _ := sink.Snapshot()
	assert.Empty(t, states)
}

func TestRemoteCloseSchedulesReconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	sink := &recordingSink{}
	sched := &scheduler{}
	m := newTestManager(t, DefaultConfig(), sink, sched)

	require.NoError(t, m.Connect(wsURL(srv)))
	require.Eventually(t, func() bool { return len(sched.Delays()) == 1 }, waitFor, 5*time.Millisecond)

	_, _, errs := sink.Snapshot()
	require.Len(t, errs, 1)
	var terr *Error
	require.ErrorAs(t, errs[0], &terr)
	assert.Equal(t, "read", terr.Op)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, errs[0], &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	sink := &recordingSink{}
	sched := &scheduler{}
	m := newTestManager(t, DefaultConfig(), sink, sched)

	require.NoError(t, m.Connect(wsURL(srv)))
	require.Eventually(t, func() bool { return len(sched.Delays()) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, m.Close())
	assert.Equal(t, StateDisconnected, m.State())

	// A timer that already fired must still be a no-op after Close.
	sched.runPending()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, int32(1), conns.Load())
	assert.Equal(t, 1, sink.countState(StateConnecting))
}

func TestReconnectBackoffGrowsToCap(t *testing.T) {
	// The first connection succeeds, then the server goes away for good so
	// every reconnect dial is refused.
	var (
		mu  sync.Mutex
		srv *httptest.Server
	)
	mu.Lock()
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		srv.Listener.Close()
		mu.Unlock()
		conn.Close()
	}))
	mu.Unlock()
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectPolicy{
		Enabled:     true,
		Base:        10 * time.Millisecond,
		Factor:      2,
		Cap:         80 * time.Millisecond,
		MaxAttempts: 8,
	}
	sink := &recordingSink{}
	sched := &scheduler{fire: true}
	m := newTestManager(t, cfg, sink, sched)

	require.NoError(t, m.Connect(wsURL(srv)))
	require.Eventually(t, func() bool {
		_, _, errs := sink.Snapshot()
		return len(errs) > 0 && errors.Is(errs[len(errs)-1], ErrReconnectExhausted)
	}, waitFor, 5*time.Millisecond)

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 40 * ms, 80 * ms, 80 * ms, 80 * ms, 80 * ms, 80 * ms}, sched.Delays())
	assert.Equal(t, StateDisconnected, m.State())
	sink.mu.Lock()
	assert.Len(t, sink.reconnects, 8)
	sink.mu.Unlock()
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Op: "read", Endpoint: "ws://h/ws", Err: errors.New("EOF"), Dropped: 3}
	assert.Equal(t, "transport: read ws://h/ws: EOF (3 queued messages dropped)", err.Error())

	err.Dropped = 0
	assert.Equal(t, "transport: read ws://h/ws: EOF", err.Error())
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closing", StateClosing.String())
}
