package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels job executions that produced findings.
	OutcomeSuccess = "success"
	// OutcomeNoData labels executions where every series was missing or stale.
	OutcomeNoData = "nodata"
	// OutcomeError labels failed executions (configuration or dependency issues).
	OutcomeError = "error"
	// OutcomeZombie labels lagging jobs that could not be brought back on schedule.
	OutcomeZombie = "zombie"
)

const namespace = "mirador_detect"

var (
	jobExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "Total number of job executions, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	detectionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_seconds",
			Help:      "Query, parse and detect latency per job execution in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	queuePopsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_pops_total",
			Help:      "Jobs moved from the ready set to the pending set.",
		},
	)

	queueRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_recovered_total",
			Help:      "Abandoned pending entries moved back to the ready set.",
		},
	)

	queueReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_ready_due",
			Help:      "Ready entries due at the last execution tick.",
		},
	)

	backfillBucketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_buckets_total",
			Help:      "Backfill buckets processed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches mirador-detect collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		jobExecutionsTotal,
		detectionDurationSeconds,
		queuePopsTotal,
		queueRecoveredTotal,
		queueReady,
		backfillBucketsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveExecution records one job execution's latency and outcome label.
func ObserveExecution(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeNoData, OutcomeError, OutcomeZombie:
	default:
		outcome = OutcomeSuccess
	}
	jobExecutionsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	detectionDurationSeconds.Observe(duration.Seconds())
}

// ObservePop counts a successful queue pop.
func ObservePop() { queuePopsTotal.Inc() }

// ObserveRecovered counts recovered pending entries.
func ObserveRecovered(n int) { queueRecoveredTotal.Add(float64(n)) }

// SetReadyDue records how many entries were due at the start of a drain.
func SetReadyDue(n int64) { queueReady.Set(float64(n)) }

// ObserveBackfillBucket counts one backfill bucket; failed buckets are labelled error.
func ObserveBackfillBucket(failed bool) {
	outcome := OutcomeSuccess
	if failed {
		outcome = OutcomeError
	}
	backfillBucketsTotal.WithLabelValues(outcome).Inc()
}
