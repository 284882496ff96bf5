// Package dispatch delivers decoded events to registered observers.
//
// Dispatch never blocks the caller: events are queued in an unbounded FIFO
// and handed to observers, in registration order, by a single goroutine.
// Observers are isolated from each other: a panicking or stuck observer is
// reported to the rest as an ErrorEvent with SourceObserver, and a stuck one
// misses events until its pending call returns.
//
// Stop may be called from inside an observer callback; it then returns
// without waiting and the queue is drained once the callback returns.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YamYamee/soft-electronic/internal/model"
	"github.com/YamYamee/soft-electronic/internal/transport"
)

// DefaultObserverTimeout bounds a single observer invocation.
const DefaultObserverTimeout = 2 * time.Second

var (
	ErrObserverTimeout = errors.New("dispatch: observer timed out")
	ErrObserverPanic   = errors.New("dispatch: observer panicked")
	ErrObserverBusy    = errors.New("dispatch: observer still busy, event skipped")
)

// EventType classifies a dispatched event.
type EventType string

const (
	EventPrediction EventType = "prediction"
	EventError      EventType = "error"
	EventState      EventType = "state"
	EventWelcome    EventType = "welcome"
)

// Event is one unit of delivery. Build it with the New* constructors.
type Event struct {
	Type      EventType
	Timestamp time.Time

	prediction model.PredictionEvent
	err        model.ErrorEvent
	state      transport.ConnectionState
	welcome    model.WelcomeEvent

	// set on observer fault reports
	fault   bool
	exclude uuid.UUID
}

func NewPrediction(p model.PredictionEvent) Event {
	return Event{Type: EventPrediction, prediction: p}
}

func NewError(e model.ErrorEvent) Event {
	return Event{Type: EventError, err: e}
}

func NewStateChange(s transport.ConnectionState) Event {
	return Event{Type: EventState, state: s}
}

func NewWelcome(w model.WelcomeEvent) Event {
	return Event{Type: EventWelcome, welcome: w}
}

// accepts reports whether obs has a callback for e.
func (e Event) accepts(obs Observer) bool {
	if e.Type == EventWelcome {
		_, ok := obs.(WelcomeObserver)
		return ok
	}
	return true
}

func (e Event) deliverTo(obs Observer) {
	switch e.Type {
	case EventPrediction:
		obs.OnPrediction(e.prediction)
	case EventError:
		obs.OnError(e.err)
	case EventState:
		obs.OnConnectionStateChanged(e.state)
	case EventWelcome:
		if w, ok := obs.(WelcomeObserver); ok {
			w.OnWelcome(e.welcome)
		}
	}
}

// Subscription identifies one registered observer.
type Subscription struct {
	ID uuid.UUID
}

type subscriber struct {
	id       uuid.UUID
	obs      Observer
	delivery DeliveryContext

	// busy is non-nil while a timed-out invocation is still running and is
	// closed when it returns. Only the run goroutine touches these.
	busy        chan struct{}
	skipped     int
	busyReports *rate.Sometimes
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithObserverTimeout bounds each observer invocation; non-positive values
// keep the default.
func WithObserverTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithDeliveryContext sets the default DeliveryContext for subscriptions.
func WithDeliveryContext(dc DeliveryContext) Option {
	return func(disp *Dispatcher) {
		if dc != nil {
			disp.delivery = dc
		}
	}
}

// SubscribeOption customises one subscription.
type SubscribeOption func(*subscriber)

// Via delivers to this observer through dc instead of the dispatcher default.
func Via(dc DeliveryContext) SubscribeOption {
	return func(s *subscriber) {
		if dc != nil {
			s.delivery = dc
		}
	}
}

// Dispatcher fans events out to observers. The zero value is not usable; call
// New and Start.
type Dispatcher struct {
	log      *zap.Logger
	timeout  time.Duration
	delivery DeliveryContext

	mu      sync.Mutex
	subs    []*subscriber // registration order
	queue   []Event
	started bool
	stopped bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	inCallback atomic.Int32
}

// New constructs a Dispatcher. Events dispatched before Start are queued.
func New(log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:      log,
		timeout:  DefaultObserverTimeout,
		delivery: Inline,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers obs. It receives every event dispatched afterwards.
func (d *Dispatcher) Subscribe(obs Observer, opts ...SubscribeOption) Subscription {
	s := &subscriber{id: uuid.New(), obs: obs, delivery: d.delivery}
	for _, opt := range opts {
		opt(s)
	}
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	return Subscription{ID: s.id}
}

// Unsubscribe removes the observer behind sub. An invocation already in
// progress completes; no new ones start. Reports whether sub was registered.
func (d *Dispatcher) Unsubscribe(sub Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == sub.ID {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the current observer count.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Dispatch queues e for delivery and returns immediately.
func (d *Dispatcher) Dispatch(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.log.Warn("dispatch: event after stop dropped", zap.String("type", string(e.Type)))
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// PublishPrediction is a convenience wrapper for EventPrediction events.
func (d *Dispatcher) PublishPrediction(p model.PredictionEvent) { d.Dispatch(NewPrediction(p)) }

// PublishError is a convenience wrapper for EventError events.
func (d *Dispatcher) PublishError(e model.ErrorEvent) { d.Dispatch(NewError(e)) }

// PublishState is a convenience wrapper for EventState events.
func (d *Dispatcher) PublishState(s transport.ConnectionState) { d.Dispatch(NewStateChange(s)) }

// PublishWelcome is a convenience wrapper for EventWelcome events.
func (d *Dispatcher) PublishWelcome(w model.WelcomeEvent) { d.Dispatch(NewWelcome(w)) }

// Start launches the delivery goroutine. It runs until ctx is cancelled or
// Stop is called, delivering everything still queued before it exits.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.run(ctx)
}

// Stop refuses further events, drains the queue and waits for the delivery
// goroutine to exit. Safe to call more than once. Called from an observer
// callback it does not wait: the delivery goroutine is blocked on that
// callback and drains the queue after it returns.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	started := d.started
	d.mu.Unlock()

	d.stopOnce.Do(func() { close(d.stop) })
	if !started {
		return
	}
	if d.inCallback.Load() > 0 && insideCallback() {
		return
	}
	<-d.done
}

// ── delivery ──────────────────────────────────────────────────────────────

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			d.drain()
			return
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.queue = nil
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		subs := append([]*subscriber(nil), d.subs...)
		d.mu.Unlock()

		for _, s := range subs {
			if e.fault && s.id == e.exclude {
				continue
			}
			if !e.accepts(s.obs) || !d.registered(s) {
				continue
			}
			d.invoke(s, e)
		}
	}
}

func (d *Dispatcher) registered(s *subscriber) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cur := range d.subs {
		if cur == s {
			return true
		}
	}
	return false
}

// invoke runs one observer callback through its DeliveryContext and waits at
// most d.timeout for it.
func (d *Dispatcher) invoke(s *subscriber, e Event) {
	if s.busy != nil {
		select {
		case <-s.busy:
			if s.skipped > 0 {
				d.log.Info("dispatch: observer recovered",
					zap.String("subscription", s.id.String()),
					zap.Int("skipped", s.skipped),
				)
			}
			s.busy, s.skipped, s.busyReports = nil, 0, nil
		default:
			s.skipped++
			s.busyReports.Do(func() { d.fault(s, e, ErrObserverBusy) })
			return
		}
	}

	var (
		once   sync.Once
		result any
		done   = make(chan struct{})
	)
	finish := func(r any) {
		once.Do(func() {
			result = r
			close(done)
		})
	}
	call := func() {
		d.inCallback.Add(1)
		defer d.inCallback.Add(-1)
		defer func() { finish(recover()) }()
		runCallback(e, s.obs)
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				finish(r)
			}
		}()
		s.delivery(call)
	}()

	t := time.NewTimer(d.timeout)
	defer t.Stop()
	select {
	case <-done:
		if result != nil {
			d.fault(s, e, fmt.Errorf("%w: %v", ErrObserverPanic, result))
		}
	case <-t.C:
		s.busy = done
		s.busyReports = &rate.Sometimes{First: 1, Interval: d.timeout}
		d.fault(s, e, fmt.Errorf("%w after %s", ErrObserverTimeout, d.timeout))
	}
}

// fault reports a misbehaving observer to the others. Faults raised while
// delivering a fault report are only logged.
func (d *Dispatcher) fault(s *subscriber, e Event, cause error) {
	d.log.Warn("dispatch: observer fault",
		zap.String("subscription", s.id.String()),
		zap.String("event", string(e.Type)),
		zap.Error(cause),
	)
	if e.fault {
		return
	}

	report := NewError(model.ErrorEvent{
		Message: fmt.Sprintf("observer %s failed handling %s event", s.id, e.Type),
		Source:  model.SourceObserver,
		Err:     cause,
	})
	report.Timestamp = time.Now().UTC()
	report.fault = true
	report.exclude = s.id

	d.mu.Lock()
	d.queue = append(d.queue, report)
	d.mu.Unlock()
}

// runCallback is the frame every observer callback runs under.
//
//go:noinline
func runCallback(e Event, obs Observer) { e.deliverTo(obs) }

var callbackFrame = runtime.FuncForPC(reflect.ValueOf(runCallback).Pointer()).Name()

// insideCallback reports whether the calling goroutine is running an
// observer callback.
func insideCallback() bool {
	pcs := make([]uintptr, 128)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if f.Function == callbackFrame {
			return true
		}
		if !more {
			return false
		}
	}
}
