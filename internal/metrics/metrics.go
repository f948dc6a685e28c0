// Package metrics exposes the scheduler's prometheus collectors. Storage
// and export of the series is the metrics sink's concern; this package
// only maintains counters and gauges.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/praghav/modelqueue/internal/common/constants"
)

var (
	queueDepth        *prometheus.GaugeVec
	backpressureLevel *prometheus.GaugeVec
	workers           *prometheus.GaugeVec

	admissionsTotal  *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec
	scalingTotal     *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	checkpointsTotal *prometheus.CounterVec

	queueWaitSeconds *prometheus.HistogramVec

	registerOnce sync.Once
	registerErr  error
)

// Register creates and registers all collectors with the given registry.
// Safe to call more than once; only the first call's registry is used.
// Before Register the record helpers are no-ops, so library use without a
// metrics sink stays silent.
func Register(registry prometheus.Registerer) error {
	registerOnce.Do(func() {
		queueDepth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelqueue_queue_depth",
				Help: "Number of queued requests per model",
			},
			[]string{"model"},
		)
		backpressureLevel = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelqueue_backpressure_level",
				Help: "Backpressure level per model (0 healthy, 1 elevated, 2 critical)",
			},
			[]string{"model"},
		)
		workers = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelqueue_workers",
				Help: "Worker count per model and state",
			},
			[]string{"model", "state"},
		)
		admissionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelqueue_admissions_total",
				Help: "Requests admitted, by model and tier",
			},
			[]string{"model", "tier"},
		)
		rejectionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelqueue_rejections_total",
				Help: "Requests rejected at admission, by model, tier and reason",
			},
			[]string{"model", "tier", "reason"},
		)
		scalingTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelqueue_scaling_operations_total",
				Help: "Worker pool scaling operations, by model and direction",
			},
			[]string{"model", "direction"},
		)
		retriesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelqueue_retries_total",
				Help: "Requests re-queued after assignment failure, by model",
			},
			[]string{"model"},
		)
		checkpointsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelqueue_checkpoints_total",
				Help: "Checkpoint attempts by outcome",
			},
			[]string{"outcome"},
		)
		queueWaitSeconds = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelqueue_queue_wait_seconds",
				Help:    "Time from admission to dispatch, by model and tier",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"model", "tier"},
		)

		for _, c := range []prometheus.Collector{
			queueDepth, backpressureLevel, workers,
			admissionsTotal, rejectionsTotal, scalingTotal,
			retriesTotal, checkpointsTotal, queueWaitSeconds,
		} {
			if err := registry.Register(c); err != nil {
				registerErr = err
				return
			}
		}
	})
	return registerErr
}

func SetQueueDepth(model string, depth int) {
	if queueDepth != nil {
		queueDepth.WithLabelValues(model).Set(float64(depth))
	}
}

func SetBackpressureLevel(model string, level constants.BackpressureLevel) {
	if backpressureLevel != nil {
		backpressureLevel.WithLabelValues(model).Set(float64(level.Severity()))
	}
}

func SetWorkers(model string, state constants.WorkerState, count int) {
	if workers != nil {
		workers.WithLabelValues(model, string(state)).Set(float64(count))
	}
}

func RecordAdmission(model string, tier constants.Priority) {
	if admissionsTotal != nil {
		admissionsTotal.WithLabelValues(model, string(tier)).Inc()
	}
}

func RecordRejection(model string, tier constants.Priority, reason constants.RejectReason) {
	if rejectionsTotal != nil {
		rejectionsTotal.WithLabelValues(model, string(tier), string(reason)).Inc()
	}
}

func RecordScaling(model, direction string) {
	if scalingTotal != nil {
		scalingTotal.WithLabelValues(model, direction).Inc()
	}
}

func RecordRetry(model string) {
	if retriesTotal != nil {
		retriesTotal.WithLabelValues(model).Inc()
	}
}

func RecordCheckpoint(outcome string) {
	if checkpointsTotal != nil {
		checkpointsTotal.WithLabelValues(outcome).Inc()
	}
}

func ObserveQueueWait(model string, tier constants.Priority, wait time.Duration) {
	if queueWaitSeconds != nil {
		queueWaitSeconds.WithLabelValues(model, string(tier)).Observe(wait.Seconds())
	}
}
