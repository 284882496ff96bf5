// Package client is the streaming posture client: it encodes samples, keeps
// the WebSocket link alive and delivers decoded results to observers.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YamYamee/soft-electronic/internal/codec"
	"github.com/YamYamee/soft-electronic/internal/config"
	"github.com/YamYamee/soft-electronic/internal/dispatch"
	"github.com/YamYamee/soft-electronic/internal/metrics"
	"github.com/YamYamee/soft-electronic/internal/model"
	"github.com/YamYamee/soft-electronic/internal/transport"
)

// ClientIDHeader carries the per-process client ID on the handshake.
const ClientIDHeader = "X-Client-Id"

// ErrClosed is returned by Connect and Send after Close.
var ErrClosed = errors.New("client: closed")

// Client owns one connection manager, codec and dispatcher.
type Client struct {
	cfg     config.ClientConfig
	log     *zap.Logger
	id      uuid.UUID
	codec   *codec.Codec
	disp    *dispatch.Dispatcher
	mgr     *transport.Manager
	metrics *metrics.Collector

	dialer   *websocket.Dialer
	delivery dispatch.DeliveryContext

	mu     sync.Mutex
	closed bool
}

// Option customises a Client.
type Option func(*Client)

// WithMetrics records client activity in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithDeliveryContext sets the default context observers run on.
func WithDeliveryContext(dc dispatch.DeliveryContext) Option {
	return func(c *Client) { c.delivery = dc }
}

// New constructs a Client in the Disconnected state with its dispatcher
// running.
func New(cfg config.ClientConfig, log *zap.Logger, opts ...Option) (*Client, error) {
	cd, err := codec.New()
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:   cfg,
		log:   log,
		id:    uuid.New(),
		codec: cd,
	}
	for _, opt := range opts {
		opt(c)
	}

	dopts := []dispatch.Option{dispatch.WithObserverTimeout(cfg.ObserverTimeout)}
	if c.delivery != nil {
		dopts = append(dopts, dispatch.WithDeliveryContext(c.delivery))
	}
	c.disp = dispatch.New(log.Named("dispatch"), dopts...)
	if c.metrics != nil {
		c.disp.Subscribe(c.metrics, dispatch.Via(dispatch.Inline))
	}

	header := http.Header{}
	header.Set(ClientIDHeader, c.id.String())
	topts := []transport.Option{transport.WithHeader(header)}
	if c.dialer != nil {
		topts = append(topts, transport.WithDialer(c.dialer))
	}
	c.mgr = transport.New(cfg.Transport(), c, log.Named("ws"), topts...)

	c.disp.Start(context.Background())
	return c, nil
}

// ID returns the identifier sent in the ClientIDHeader.
func (c *Client) ID() uuid.UUID { return c.id }

// Connect dials the configured endpoint. It returns once the attempt has
// started; the outcome arrives as state and error events.
func (c *Client) Connect() error {
	return c.ConnectTo(c.cfg.Endpoint)
}

// ConnectTo dials endpoint instead of the configured one.
func (c *Client) ConnectTo(endpoint string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.mgr.Connect(endpoint)
}

// Send encodes s and queues it for transmission. Encoding failures are
// returned and also reported to observers; a refusal from the transport
// (ErrNotConnected, ErrSendQueueFull) is only returned.
func (c *Client) Send(s model.Sample) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := c.codec.Encode(s)
	if err != nil {
		c.metrics.SampleRejected(metrics.ReasonEncode)
		c.report(model.SourceEncode, err)
		return err
	}
	if err := c.mgr.Send(data); err != nil {
		c.metrics.SampleRejected(rejectReason(err))
		return err
	}
	c.metrics.SampleSent()
	return nil
}

// Subscribe registers obs for every subsequent event.
func (c *Client) Subscribe(obs dispatch.Observer, opts ...dispatch.SubscribeOption) dispatch.Subscription {
	return c.disp.Subscribe(obs, opts...)
}

// Unsubscribe stops delivery to the observer behind sub.
func (c *Client) Unsubscribe(sub dispatch.Subscription) bool {
	return c.disp.Unsubscribe(sub)
}

// State returns the connection state.
func (c *Client) State() transport.ConnectionState {
	return c.mgr.State()
}

// Active reports whether the client is connected or still trying to be.
func (c *Client) Active() bool {
	return c.mgr.Active()
}

// Endpoint returns the endpoint of the last connect attempt.
func (c *Client) Endpoint() string {
	return c.mgr.Endpoint()
}

// Close closes the connection, delivers the remaining events and stops the
// dispatcher. Further calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.mgr.Close()
	c.disp.Stop()
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) report(src model.Source, err error) {
	c.disp.PublishError(model.ErrorEvent{Message: err.Error(), Source: src, Err: err})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		return metrics.ReasonNotConnected
	case errors.Is(err, transport.ErrSendQueueFull):
		return metrics.ReasonQueueFull
	default:
		return metrics.ReasonOther
	}
}

// ── transport.Sink ────────────────────────────────────────────────────────
// Called with the manager's lock held; everything here only queues events.

func (c *Client) StateChanged(s transport.ConnectionState) {
	c.disp.PublishState(s)
}

func (c *Client) Message(data []byte) {
	msg, err := c.codec.Decode(data)
	if err != nil {
		c.metrics.MessageReceived("invalid")
		c.log.Debug("ws: undecodable message", zap.Error(err))
		c.report(model.SourceDecode, err)
		return
	}
	c.metrics.MessageReceived(codec.KindLabel(msg.Kind))

	switch msg.Kind {
	case codec.KindPrediction:
		c.disp.PublishPrediction(*msg.Prediction)
	case codec.KindError:
		c.disp.PublishError(model.ErrorEvent{
			Message: msg.ServerError.Message,
			Source:  model.SourceServer,
			Err:     msg.ServerError,
		})
	case codec.KindWelcome:
		c.disp.PublishWelcome(*msg.Welcome)
	}
}

func (c *Client) Failed(err error) {
	c.report(model.SourceTransport, err)
}

func (c *Client) Reconnecting(attempt int, delay time.Duration) {
	c.metrics.Reconnect()
	c.log.Debug("client: reconnecting", zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
}
