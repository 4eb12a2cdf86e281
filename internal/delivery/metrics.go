package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for docudrop_delivery_sends_total.
const (
	OutcomeCompleted       = "completed"
	OutcomeFailed          = "failed"
	OutcomeArtifactMissing = "artifact_missing"
	OutcomeRequeued        = "requeued"
)

// Metrics are the queue's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	depth    prometheus.Gauge
	inFlight prometheus.Gauge
	sends    *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the queue collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		depth: f.NewGauge(prometheus.GaugeOpts{
			Name: "docudrop_delivery_queue_depth",
			Help: "Tasks waiting in the delivery queue.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "docudrop_delivery_in_flight",
			Help: "Tasks currently being paced or sent (0 or 1).",
		}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docudrop_delivery_sends_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docudrop_delivery_send_duration_seconds",
			Help:    "Transport send duration, excluding pacing.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}
}

func (m *Metrics) setDepth(n int) {
	if m != nil {
		m.depth.Set(float64(n))
	}
}

func (m *Metrics) setInFlight(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.inFlight.Set(1)
	} else {
		m.inFlight.Set(0)
	}
}

func (m *Metrics) outcome(label string) {
	if m != nil {
		m.sends.WithLabelValues(label).Inc()
	}
}

func (m *Metrics) observeSend(seconds float64) {
	if m != nil {
		m.duration.Observe(seconds)
	}
}
