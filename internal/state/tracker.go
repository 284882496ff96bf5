// Package state keeps an in-memory view of the streaming session: connection
// state, the latest prediction and error, and running counts.
package state

import (
	"sync"
	"time"

	"github.com/YamYamee/soft-electronic/internal/model"
	"github.com/YamYamee/soft-electronic/internal/transport"
)

// Prediction is the last classification result with its arrival time.
type Prediction struct {
	Posture         int                `json:"predicted_posture"`
	Confidence      float64            `json:"confidence"`
	Probabilities   map[string]float64 `json:"all_probabilities,omitempty"`
	ServerTimestamp string             `json:"server_timestamp,omitempty"`
	ReceivedAt      time.Time          `json:"received_at"`
}

// Error is the last reported error with its arrival time.
type Error struct {
	Source     string    `json:"source"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// Snapshot is a point-in-time copy of the Tracker.
type Snapshot struct {
	State          string         `json:"state"`
	StateSince     time.Time      `json:"state_since"`
	Welcome        string         `json:"welcome,omitempty"`
	Predictions    int            `json:"predictions"`
	Errors         map[string]int `json:"errors"` // by source
	LastPrediction *Prediction    `json:"last_prediction,omitempty"`
	LastError      *Error         `json:"last_error,omitempty"`
	PostureCounts  map[int]int    `json:"posture_counts"`
}

// Tracker is a dispatch observer. All exported methods are safe for
// concurrent use.
type Tracker struct {
	now func() time.Time

	mu             sync.RWMutex
	state          transport.ConnectionState
	stateSince     time.Time
	welcome        string
	predictions    int
	errors         map[model.Source]int
	postures       map[int]int
	lastPrediction *Prediction
	lastError      *Error
}

// NewTracker returns a Tracker in the Disconnected state.
func NewTracker() *Tracker {
	t := &Tracker{
		now:      func() time.Time { return time.Now().UTC() },
		errors:   make(map[model.Source]int),
		postures: make(map[int]int),
	}
	t.stateSince = t.now()
	return t
}

// ── Observer ──────────────────────────────────────────────────────────────

func (t *Tracker) OnPrediction(p model.PredictionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.predictions++
	t.postures[p.PredictedPosture]++
	t.lastPrediction = &Prediction{
		Posture:         p.PredictedPosture,
		Confidence:      p.Confidence,
		Probabilities:   p.Probabilities,
		ServerTimestamp: p.ServerTimestamp,
		ReceivedAt:      t.now(),
	}
}

func (t *Tracker) OnError(e model.ErrorEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors[e.Source]++
	t.lastError = &Error{Source: e.Source.String(), Message: e.Message, ReceivedAt: t.now()}
}

func (t *Tracker) OnConnectionStateChanged(s transport.ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s == t.state {
		return
	}
	t.state = s
	t.stateSince = t.now()
	if s == transport.StateDisconnected {
		t.welcome = ""
	}
}

func (t *Tracker) OnWelcome(w model.WelcomeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.welcome = w.Message
}

// ── Queries ───────────────────────────────────────────────────────────────

// State returns the last observed connection state.
func (t *Tracker) State() transport.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Snapshot returns a copy that shares nothing with the Tracker.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		State:         t.state.String(),
		StateSince:    t.stateSince,
		Welcome:       t.welcome,
		Predictions:   t.predictions,
		Errors:        make(map[string]int, len(t.errors)),
		PostureCounts: make(map[int]int, len(t.postures)),
	}
	for src, n := range t.errors {
		s.Errors[src.String()] = n
	}
	for p, n := range t.postures {
		s.PostureCounts[p] = n
	}
	if t.lastPrediction != nil {
		copy := *t.lastPrediction
		if copy.Probabilities != nil {
			probs := make(map[string]float64, len(copy.Probabilities))
			for k, v := range copy.Probabilities {
				probs[k] = v
			}
			copy.Probabilities = probs
		}
		s.LastPrediction = &copy
	}
	if t.lastError != nil {
		copy := *t.lastError
		s.LastError = &copy
	}
	return s
}
