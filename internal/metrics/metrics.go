// Package metrics defines the Prometheus collectors for the sync queue and
// the scoring engine. Collectors are registered on a caller-supplied
// Registerer; a nil Registerer leaves them unregistered.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/takedown/internal/match"
)

// Queue holds the sync queue collectors. A nil *Queue is valid and
// records nothing.
type Queue struct {
	Pending           prometheus.Gauge
	Failed            prometheus.Gauge
	Delivered         prometheus.Counter
	Retries           prometheus.Counter
	PermanentFailures prometheus.Counter
	Remaps            prometheus.Counter
	DrainDuration     prometheus.Histogram
}

// NewQueue creates the queue collectors and registers them on reg.
func NewQueue(reg prometheus.Registerer) (*Queue, error) {
	q := &Queue{
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "takedown_queue_pending", Help: "Operations waiting for delivery",
		}),
		Failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "takedown_queue_failed", Help: "Operations that permanently failed delivery",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takedown_queue_delivered_total", Help: "Operations delivered to the backend",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takedown_queue_retries_total", Help: "Failed delivery attempts that will be retried",
		}),
		PermanentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takedown_queue_permanent_failures_total", Help: "Operations moved to the failed state",
		}),
		Remaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "takedown_id_remaps_total", Help: "Temporary match ids replaced by server ids",
		}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "takedown_drain_duration_seconds",
			Help:    "Duration of sync queue drain passes",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if err := register(reg, q.Pending, q.Failed, q.Delivered, q.Retries, q.PermanentFailures, q.Remaps, q.DrainDuration); err != nil {
		return nil, err
	}
	return q, nil
}

// SetDepth updates the pending and failed gauges.
func (q *Queue) SetDepth(pending, failed int) {
	if q == nil {
		return
	}
	q.Pending.Set(float64(pending))
	q.Failed.Set(float64(failed))
}

// ObserveDelivered counts a delivered operation.
func (q *Queue) ObserveDelivered() {
	if q != nil {
		q.Delivered.Inc()
	}
}

// ObserveRetry counts a retryable failure.
func (q *Queue) ObserveRetry() {
	if q != nil {
		q.Retries.Inc()
	}
}

// ObservePermanentFailure counts operations moved to the failed state.
func (q *Queue) ObservePermanentFailure(n int) {
	if q != nil {
		q.PermanentFailures.Add(float64(n))
	}
}

// ObserveRemap counts an id remap.
func (q *Queue) ObserveRemap() {
	if q != nil {
		q.Remaps.Inc()
	}
}

// ObserveDrain records the duration of a drain pass.
func (q *Queue) ObserveDrain(d time.Duration) {
	if q != nil {
		q.DrainDuration.Observe(d.Seconds())
	}
}

// Engine holds the scoring engine collectors.
type Engine struct {
	Actions *prometheus.CounterVec
}

// NewEngine creates the engine collectors and registers them on reg.
func NewEngine(reg prometheus.Registerer) (*Engine, error) {
	m := &Engine{
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "takedown_scoring_actions_total",
			Help: "Accepted scoring engine transitions by kind",
		}, []string{"kind"}),
	}
	if err := register(reg, m.Actions); err != nil {
		return nil, err
	}
	return m, nil
}

// Observe counts every transition of e except clock ticks. The returned
// function stops counting.
func (m *Engine) Observe(e *match.Engine) func() {
	return e.Subscribe(func(tr match.Transition) {
		if tr.Kind == match.ActionTick {
			return
		}
		m.Actions.WithLabelValues(string(tr.Kind)).Inc()
	})
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	if reg == nil {
		return nil
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return nil
}
