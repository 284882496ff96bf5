// Package metrics exposes Prometheus collectors for the streaming client.
//
// A nil *Collector is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/YamYamee/soft-electronic/internal/model"
	"github.com/YamYamee/soft-electronic/internal/transport"
)

const namespace = "posture"

// Rejection reasons for samples_rejected_total.
const (
	ReasonEncode       = "encode"
	ReasonNotConnected = "not_connected"
	ReasonQueueFull    = "queue_full"
	ReasonOther        = "other"
)

// Collector holds the client's metrics.
type Collector struct {
	samplesSent      prometheus.Counter
	samplesRejected  *prometheus.CounterVec // by reason
	messagesReceived *prometheus.CounterVec // by message type, "invalid" for decode failures
	errors           *prometheus.CounterVec // by ErrorEvent source
	reconnects       prometheus.Counter
	connectionState  prometheus.Gauge // transport.ConnectionState ordinal
}

// New creates a Collector and registers it with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		samplesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_sent_total",
			Help:      "Samples accepted for transmission",
		}),
		samplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Samples refused before reaching the network",
		}, []string{"reason"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound server messages by type",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error events delivered to observers by source",
		}, []string{"source"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Scheduled reconnect attempts",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected, 3=closing)",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.samplesSent, c.samplesRejected, c.messagesReceived,
		c.errors, c.reconnects, c.connectionState,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) SampleSent() {
	if c == nil {
		return
	}
	c.samplesSent.Inc()
}

func (c *Collector) SampleRejected(reason string) {
	if c == nil {
		return
	}
	c.samplesRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) MessageReceived(kind string) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(kind).Inc()
}

func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// The Collector is also a dispatch observer: errors and state changes are
// counted as observers see them, which includes observer faults.

func (c *Collector) OnPrediction(model.PredictionEvent) {}

func (c *Collector) OnError(e model.ErrorEvent) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(e.Source.String()).Inc()
}

func (c *Collector) OnConnectionStateChanged(s transport.ConnectionState) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(s))
}
