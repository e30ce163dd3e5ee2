package jobmetrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	now := time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	assert.NoError(t, m.Track("ledger:integrity").End(nil))
	boom := errors.New("boom")
	assert.Equal(t, boom, m.Track("ledger:integrity").End(boom))
	bad := fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	assert.Equal(t, bad, m.Track("invoices:overdue-sweep").End(bad))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ledger:integrity", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("ledger:integrity", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("invoices:overdue-sweep", OutcomeRejected)))
	assert.Equal(t, float64(now.Unix()), testutil.ToFloat64(m.lastSuccess.WithLabelValues("ledger:integrity")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.lastSuccess))

	m.AddItems("invoices:overdue-sweep", "moved", 3)
	m.AddItems("invoices:overdue-sweep", "moved", 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.items.WithLabelValues("invoices:overdue-sweep", "moved")))
}

func TestUnregisteredMetricsStillCount(t *testing.T) {
	m := NewMetrics(nil)
	m.AddItems("ledger:integrity", "drifted", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.items.WithLabelValues("ledger:integrity", "drifted")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.Track("x").End(nil))
	m.AddItems("x", "y", 1)
}
