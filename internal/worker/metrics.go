package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/you/surplus-alerts/internal/stream"
)

// Entry outcomes used as the "outcome" label.
const (
	outcomeProcessed      = "processed"
	outcomeMalformed      = "discarded_malformed"
	outcomeUnknownStore   = "discarded_unknown_store"
	outcomeUnlocatedStore = "discarded_unlocated_store"
	outcomeRetry          = "retry"
)

// Metrics are the worker's Prometheus collectors.
type Metrics struct {
	Entries       *prometheus.CounterVec
	Notifications prometheus.Counter
	DedupHits     prometheus.Counter
	PollErrors    prometheus.Counter
	AckErrors     prometheus.Counter
	BatchDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "surplus_worker",
			Name:      "entries_total",
			Help:      "Stream entries handled, by outcome.",
		}, []string{"outcome"}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surplus_worker",
			Name:      "notifications_created_total",
			Help:      "Notification records inserted.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surplus_worker",
			Name:      "dedup_hits_total",
			Help:      "Candidates skipped because they were already notified within the cooldown.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surplus_worker",
			Name:      "poll_errors_total",
			Help:      "Failed reads from the stream.",
		}),
		AckErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "surplus_worker",
			Name:      "ack_errors_total",
			Help:      "Failed acknowledgements.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "surplus_worker",
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing one polled batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Entries, m.Notifications, m.DedupHits, m.PollErrors, m.AckErrors, m.BatchDuration)
	}
	return m
}

// inflightCounter is implemented by transports that hold fetched entries
// until a contiguous commit is possible.
type inflightCounter interface {
	Inflight() int
}

// RegisterInflight exposes the transport's in-flight entry count as a gauge.
// It returns nil when the transport does not track one.
func RegisterInflight(reg prometheus.Registerer, t stream.Transport) prometheus.GaugeFunc {
	ic, ok := t.(inflightCounter)
	if !ok {
		return nil
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "surplus_worker",
		Name:      "inflight_entries",
		Help:      "Fetched entries not yet committed to the stream.",
	}, func() float64 { return float64(ic.Inflight()) })
	if reg != nil {
		reg.MustRegister(g)
	}
	return g
}
