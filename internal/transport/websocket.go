package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Manager maintains one WebSocket connection to the classification server.
//
// All transitions are serialised by mu; state is the single source of truth
// for whether the link is usable. Connect and Send never block on the network.
type Manager struct {
	cfg    Config
	sink   Sink
	log    *zap.Logger
	dialer *websocket.Dialer
	header http.Header

	// afterFunc schedules reconnect attempts; replaced in tests.
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	mu         sync.Mutex
	state      ConnectionState
	endpoint   string
	active     bool   // between Connect and Close: reconnects allowed
	epoch      uint64 // bumped by Connect/Close so stale goroutines bail out
	conn       *link
	backoff    *Backoff
	attempts   int // reconnect attempts since the last successful connect
	stopTimer  func() bool
	dialCancel context.CancelFunc

	wg sync.WaitGroup
}

// link is one established connection with its outbound queue.
type link struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// shutdown closes the socket and discards whatever is still queued.
func (l *link) shutdown() (dropped int) {
	l.once.Do(func() {
		close(l.done)
		l.ws.Close()
		for {
			select {
			case <-l.out:
				dropped++
			default:
				return
			}
		}
	})
	return dropped
}

// Option customises a Manager.
type Option func(*Manager)

// WithDialer replaces the default gorilla dialer (TLS settings, proxies).
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithHeader adds HTTP headers to every handshake request.
func WithHeader(h http.Header) Option {
	return func(m *Manager) { m.header = h.Clone() }
}

// New constructs a Manager in the Disconnected state.
func New(cfg Config, sink Sink, log *zap.Logger, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:  cfg,
		sink: sink,
		log:  log,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		state:   StateDisconnected,
		backoff: NewBackoff(cfg.Reconnect),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoint returns the endpoint of the last Connect call.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// Active reports whether a connection is up or still being attempted. It is
// false once no further dial will happen without another Connect.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Connect starts dialing endpoint in the background and returns immediately.
// The outcome is reported to the Sink: StateConnected on success, Failed and
// StateDisconnected otherwise. A pending reconnect is replaced by this attempt.
func (m *Manager) Connect(endpoint string) error {
	if err := validateEndpoint(endpoint); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosing:
		return ErrClosing
	case StateConnecting, StateConnected:
		return ErrAlreadyConnected
	}
	m.cancelReconnectLocked()
	m.endpoint = endpoint
	m.active = true
	m.attempts = 0
	m.backoff.Reset()
	m.dialLocked(false)
	return nil
}

// Send queues data for transmission as one text message. It fails with
// ErrNotConnected unless the state is Connected and never writes in that case.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected || m.conn == nil {
		return ErrNotConnected
	}
	select {
	case m.conn.out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close shuts the link down and cancels any scheduled reconnect. The manager
// passes through Closing and ends in Disconnected exactly once; further calls
// are no-ops. Close blocks until the connection goroutines have exited.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosing {
		m.mu.Unlock()
		return nil
	}
	idle := m.state == StateDisconnected && !m.active
	m.active = false
	m.epoch++
	m.cancelReconnectLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if idle {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateClosing)
	l := m.conn
	m.conn = nil
	endpoint := m.endpoint
	m.mu.Unlock()

	var closeErr error
	if l != nil {
		frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		err := l.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(m.cfg.WriteTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			closeErr = &Error{Op: "close", Endpoint: endpoint, Err: err}
		}
		if dropped := l.shutdown(); dropped > 0 {
			m.log.Info("ws: queued messages discarded on close", zap.Int("dropped", dropped))
		}
	}
	m.wg.Wait()

	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.log.Info("ws: closed", zap.String("endpoint", endpoint))
	return closeErr
}

// ── internal ──────────────────────────────────────────────────────────────

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q, want ws or wss", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return nil
}

func (m *Manager) setStateLocked(s ConnectionState) {
	if m.state == s {
		return
	}
	m.log.Debug("ws: state", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	m.sink.StateChanged(s)
}

func (m *Manager) cancelReconnectLocked() {
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
}

func (m *Manager) dialLocked(reconnect bool) {
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.setStateLocked(StateConnecting)

	m.wg.Add(1)
	go m.dial(ctx, epoch, m.endpoint, reconnect)
}

func (m *Manager) dial(ctx context.Context, epoch uint64, endpoint string, reconnect bool) {
	defer m.wg.Done()

	ws, _, err := m.dialer.DialContext(ctx, endpoint, m.header)

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.state != StateConnecting {
		// Close or a newer Connect took over while we were dialing.
		if ws != nil {
			ws.Close()
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}

	if err != nil {
		m.log.Warn("ws: dial failed", zap.String("endpoint", endpoint), zap.Error(err))
		m.setStateLocked(StateDisconnected)
		m.sink.Failed(&Error{Op: "dial", Endpoint: endpoint, Err: err})
		if reconnect || m.cfg.Reconnect.RetryInitial {
			m.scheduleReconnectLocked()
		} else {
			m.active = false
		}
		return
	}

	m.backoff.Reset()
	m.attempts = 0
	l := &link{
		ws:   ws,
		out:  make(chan []byte, m.cfg.SendQueueSize),
		done: make(chan struct{}),
	}
	m.conn = l
	m.setStateLocked(StateConnected)
	m.log.Info("ws: connected", zap.String("endpoint", endpoint))

	m.wg.Add(2)
	go m.readPump(l)
	go m.writePump(l)
}

// lost tears down l after an unexpected read/write failure and schedules a
// reconnect. Only the first caller for a given link has any effect.
func (m *Manager) lost(l *link, op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != l {
		return
	}
	m.conn = nil
	dropped := l.shutdown()
	m.setStateLocked(StateDisconnected)

	m.log.Warn("ws: connection lost",
		zap.String("endpoint", m.endpoint),
		zap.String("op", op),
		zap.Int("dropped", dropped),
		zap.Error(err),
	)
	m.sink.Failed(&Error{Op: op, Endpoint: m.endpoint, Err: err, Dropped: dropped})
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	p := m.cfg.Reconnect
	if !m.active || !p.Enabled {
		m.active = false
		return
	}
	if p.MaxAttempts > 0 && m.attempts >= p.MaxAttempts {
		m.active = false
		m.log.Warn("ws: giving up", zap.Int("attempts", m.attempts))
		m.sink.Failed(&Error{Op: "reconnect", Endpoint: m.endpoint, Err: ErrReconnectExhausted})
		return
	}

	m.attempts++
	delay := m.backoff.Next()
	epoch := m.epoch
	m.log.Info("ws: reconnect scheduled",
		zap.Int("attempt", m.attempts),
		zap.Duration("retry_in", delay),
	)
	if rs, ok := m.sink.(ReconnectSink); ok {
		rs.Reconnecting(m.attempts, delay)
	}
	m.stopTimer = m.afterFunc(delay, func() { m.reconnect(epoch) })
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || !m.active || m.state != StateDisconnected {
		return
	}
	m.stopTimer = nil
	m.dialLocked(true)
}

func (m *Manager) readPump(l *link) {
	defer m.wg.Done()

	l.ws.SetReadLimit(m.cfg.MaxMessageSize)
	l.ws.SetReadDeadline(time.Now().Add(m.cfg.PongWait)) //nolint:errcheck
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			m.lost(l, "read", err)
			return
		}
		m.mu.Lock()
		if m.conn == l {
			m.sink.Message(data)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) writePump(l *link) {
	defer m.wg.Done()

	ping := time.NewTicker(m.cfg.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-l.done:
			return
		case data := <-l.out:
			l.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)) //nolint:errcheck
			if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				m.lost(l, "write", err)
				return
			}
		case <-ping.C:
			l.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)) //nolint:errcheck
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.lost(l, "ping", err)
				return
			}
		}
	}
}
