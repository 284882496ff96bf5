package api

import (
	"sync"
	"time"

	"github.com/YamYamee/soft-electronic/internal/model"
	"github.com/YamYamee/soft-electronic/internal/transport"
)

// EventType classifies a relayed event for WebSocket clients.
type EventType string

const (
	EventPrediction EventType = "prediction"
	EventError      EventType = "error"
	EventState      EventType = "state"
	EventWelcome    EventType = "welcome"
)

// Event is the JSON envelope sent to dashboard WebSocket clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type predictionData struct {
	PredictedPosture   int                `json:"predicted_posture"`
	Confidence         float64            `json:"confidence"`
	Probabilities      map[string]float64 `json:"all_probabilities,omitempty"`
	InputTimestamp     *int64             `json:"input_timestamp,omitempty"`
	InputRelativePitch *float64           `json:"input_relative_pitch,omitempty"`
	ServerTimestamp    string             `json:"server_timestamp,omitempty"`
}

type errorData struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

type stateData struct {
	State string `json:"state"`
}

type welcomeData struct {
	Message      string `json:"message"`
	Instructions string `json:"instructions,omitempty"`
}

const relayBuffer = 64

// Relay is a dispatch observer that fans events out to WebSocket clients of
// the local API. Slow clients miss events rather than stall delivery.
type Relay struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewRelay constructs a Relay with no clients.
func NewRelay() *Relay {
	return &Relay{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a client. The returned function unregisters it and
// closes the channel.
func (r *Relay) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, relayBuffer)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Len returns the number of connected clients.
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Relay) publish(t EventType, data any) {
	e := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
			// slow client
		}
	}
}

func (r *Relay) OnPrediction(p model.PredictionEvent) {
	r.publish(EventPrediction, predictionData{
		PredictedPosture:   p.PredictedPosture,
		Confidence:         p.Confidence,
		Probabilities:      p.Probabilities,
		InputTimestamp:     p.InputTimestamp,
		InputRelativePitch: p.InputRelativePitch,
		ServerTimestamp:    p.ServerTimestamp,
	})
}

func (r *Relay) OnError(e model.ErrorEvent) {
	r.publish(EventError, errorData{Source: e.Source.String(), Message: e.Message})
}

func (r *Relay) OnConnectionStateChanged(s transport.ConnectionState) {
	r.publish(EventState, stateData{State: s.String()})
}

func (r *Relay) OnWelcome(w model.WelcomeEvent) {
	r.publish(EventWelcome, welcomeData{Message: w.Message, Instructions: w.Instructions})
}
