// Package metrics defines the Prometheus collectors of the api and the worker.
// A nil *Ingest or *Projection is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Submission outcomes.
const (
	OutcomeCreated      = "created"
	OutcomeInvalid      = "invalid"
	OutcomeConflict     = "conflict"
	OutcomeStoreError   = "store_error"
	OutcomePublishError = "publish_error"
)

// Projection outcomes.
const (
	OutcomeIndexed      = "indexed"
	OutcomeDuplicate    = "duplicate"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
)

// Ingest counts write-path results.
type Ingest struct {
	submissions *prometheus.CounterVec
}

// NewIngest registers the ingestion collectors on reg.
func NewIngest(reg prometheus.Registerer) *Ingest {
	m := &Ingest{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "news",
			Name:      "submissions_total",
			Help:      "Article submissions by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.submissions)
	return m
}

// Submission records one submit call.
func (m *Ingest) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// Projection tracks the worker.
type Projection struct {
	projections  *prometheus.CounterVec
	duration     prometheus.Histogram
	redeliveries prometheus.Counter
}

// NewProjection registers the worker collectors on reg.
func NewProjection(reg prometheus.Registerer) *Projection {
	m := &Projection{
		projections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "news",
			Name:      "projections_total",
			Help:      "Processed relay messages by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "news",
			Name:      "projection_duration_seconds",
			Help:      "Time spent projecting one message into the index",
			Buckets:   prometheus.DefBuckets,
		}),
		redeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "news",
			Name:      "redeliveries_total",
			Help:      "Messages delivered again after a failed projection",
		}),
	}
	reg.MustRegister(m.projections, m.duration, m.redeliveries)
	return m
}

// Projected records the outcome and latency of one delivery.
func (m *Projection) Projected(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.projections.WithLabelValues(outcome).Inc()
	m.duration.Observe(took.Seconds())
}

// Redelivered records a message handed back to the handler after a failure.
func (m *Projection) Redelivered() {
	if m == nil {
		return
	}
	m.redeliveries.Inc()
}
