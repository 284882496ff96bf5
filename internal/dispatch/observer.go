package dispatch

import (
	"github.com/YamYamee/soft-electronic/internal/model"
	"github.com/YamYamee/soft-electronic/internal/transport"
)

// Observer reacts to decoded events and connection changes.
type Observer interface {
	OnPrediction(model.PredictionEvent)
	OnError(model.ErrorEvent)
	OnConnectionStateChanged(transport.ConnectionState)
}

// WelcomeObserver is an optional capability for observers interested in the
// server greeting.
type WelcomeObserver interface {
	OnWelcome(model.WelcomeEvent)
}

// Funcs adapts plain functions to Observer; nil fields are skipped.
type Funcs struct {
	Prediction func(model.PredictionEvent)
	Error      func(model.ErrorEvent)
	State      func(transport.ConnectionState)
	Welcome    func(model.WelcomeEvent)
}

func (f Funcs) OnPrediction(p model.PredictionEvent) {
	if f.Prediction != nil {
		f.Prediction(p)
	}
}

func (f Funcs) OnError(e model.ErrorEvent) {
	if f.Error != nil {
		f.Error(e)
	}
}

func (f Funcs) OnConnectionStateChanged(s transport.ConnectionState) {
	if f.State != nil {
		f.State(s)
	}
}

func (f Funcs) OnWelcome(w model.WelcomeEvent) {
	if f.Welcome != nil {
		f.Welcome(w)
	}
}

// DeliveryContext marshals an observer invocation onto the execution context
// the host expects, e.g. a UI loop. It must eventually run f exactly once.
type DeliveryContext func(f func())

// Inline runs the invocation on the dispatcher's own goroutine.
func Inline(f func()) { f() }

// Loop returns a DeliveryContext that posts invocations to ch, for hosts that
// run observers on a single loop goroutine draining ch.
func Loop(ch chan<- func()) DeliveryContext {
	return func(f func()) { ch <- f }
}
