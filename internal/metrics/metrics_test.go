package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should be tolerated, got %v", err)
	}
}

func TestObserveExecutionNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(jobExecutionsTotal.WithLabelValues(OutcomeSuccess))
	ObserveExecution(time.Second, "weird")
	after := testutil.ToFloat64(jobExecutionsTotal.WithLabelValues(OutcomeSuccess))
	if after-before != 1 {
		t.Fatalf("expected unknown outcome to count as success, delta=%v", after-before)
	}

	before = testutil.ToFloat64(jobExecutionsTotal.WithLabelValues(OutcomeNoData))
	ObserveExecution(-time.Second, OutcomeNoData)
	if got := testutil.ToFloat64(jobExecutionsTotal.WithLabelValues(OutcomeNoData)); got-before != 1 {
		t.Fatalf("expected nodata counter to increase")
	}
}

func TestQueueCounters(t *testing.T) {
	before := testutil.ToFloat64(queueRecoveredTotal)
	ObserveRecovered(3)
	if got := testutil.ToFloat64(queueRecoveredTotal); got-before != 3 {
		t.Fatalf("expected 3 recovered, delta=%v", got-before)
	}
	SetReadyDue(12)
	if got := testutil.ToFloat64(queueReady); got != 12 {
		t.Fatalf("expected gauge 12, got %v", got)
	}
}
