package accelerometer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the processor counters exposed on /metrics.
type Metrics struct {
	Received   prometheus.Counter
	Acked      prometheus.Counter
	Falls      *prometheus.CounterVec
	Failures   *prometheus.CounterVec
	Duplicates prometheus.Counter
	InFlight   prometheus.Gauge
	Processing prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Received: f.NewCounter(prometheus.CounterOpts{
			Namespace: "accelerometer",
			Name:      "messages_received_total",
			Help:      "Messages delivered by the broker.",
		}),
		Acked: f.NewCounter(prometheus.CounterOpts{
			Namespace: "accelerometer",
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged to the broker.",
		}),
		Falls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accelerometer",
			Name:      "falls_detected_total",
			Help:      "Fall events by attributed axis.",
		}, []string{"axis"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accelerometer",
			Name:      "message_failures_total",
			Help:      "Messages rejected by parsing or conversion, by kind and policy.",
		}, []string{"kind", "policy"}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "accelerometer",
			Name:      "duplicates_total",
			Help:      "Redelivered payloads acknowledged without notifying.",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "accelerometer",
			Name:      "in_flight",
			Help:      "Deliveries currently being processed (0 or 1).",
		}),
		Processing: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "accelerometer",
			Name:      "processing_seconds",
			Help:      "Time from delivery to settlement.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
