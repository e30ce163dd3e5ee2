package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/invoicely/invoicely/internal/jobs"
	"github.com/invoicely/invoicely/internal/ledger"
)

type stubChecker struct {
	drifted []ledger.ProductBalance
	err     error
}

func (s stubChecker) CheckIntegrity(context.Context) ([]ledger.ProductBalance, error) {
	return s.drifted, s.err
}

type stubSweeper struct {
	asOf  time.Time
	limit int
	moved int
	err   error
}

func (s *stubSweeper) SweepOverdue(_ context.Context, asOf time.Time, limit int) (int, error) {
	s.asOf, s.limit = asOf, limit
	return s.moved, s.err
}

func TestLedgerIntegrityJob(t *testing.T) {
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	task, err := NewLedgerIntegrityTask()
	require.NoError(t, err)
	assert.Equal(t, TaskLedgerIntegrity, task.Type())

	job := NewLedgerIntegrityJob(stubChecker{drifted: []ledger.ProductBalance{{ProductID: "p-1", Stock: 5, LedgerSum: 4}}}, nil, metrics)
	assert.NoError(t, job.Handle(context.Background(), task))

	boom := errors.New("db down")
	job = NewLedgerIntegrityJob(stubChecker{err: boom}, nil, metrics)
	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)

	var unset *LedgerIntegrityJob
	assert.Error(t, unset.Handle(context.Background(), task))
}

func TestOverdueSweepJobUsesPayload(t *testing.T) {
	asOf := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	task, err := NewOverdueSweepTask(OverdueSweepPayload{AsOf: &asOf, Limit: 25})
	require.NoError(t, err)

	sweeper := &stubSweeper{moved: 2}
	job := NewOverdueSweepJob(sweeper, nil, nil)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.True(t, asOf.Equal(sweeper.asOf))
	assert.Equal(t, 25, sweeper.limit)
}

func TestOverdueSweepJobDefaultsToNow(t *testing.T) {
	now := time.Date(2026, 6, 2, 3, 4, 5, 0, time.UTC)
	sweeper := &stubSweeper{}
	job := NewOverdueSweepJob(sweeper, nil, nil)
	job.clock = func() time.Time { return now }

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskInvoicesOverdueSweep, nil)))
	assert.True(t, now.Equal(sweeper.asOf))
	assert.Zero(t, sweeper.limit)
}

func TestOverdueSweepJobErrors(t *testing.T) {
	err := NewOverdueSweepJob(&stubSweeper{}, nil, nil).Handle(context.Background(), asynq.NewTask(TaskInvoicesOverdueSweep, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	partial := errors.New("invoice inv-9: concurrency conflict")
	err = NewOverdueSweepJob(&stubSweeper{moved: 1, err: partial}, nil, nil).Handle(context.Background(), asynq.NewTask(TaskInvoicesOverdueSweep, nil))
	assert.ErrorIs(t, err, partial)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body queueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, QueueDefault, body.Queue)
	assert.Zero(t, body.Pending)
}

type stubCleaner struct{ olderThan time.Duration }

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.olderThan = olderThan
	return 2, nil
}

func TestIdempotencyCleanupRetention(t *testing.T) {
	cleaner := &stubCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, nil, nil)

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 48*time.Hour, cleaner.olderThan)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	assert.Equal(t, defaultIdempotencyRetention, cleaner.olderThan)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHealthReportsQueue(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1, Failed: 2}}, nil).MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body queueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Pending)
	assert.Equal(t, 2, body.Failed)

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{err: errors.New("redis down")}, nil).MountRoutes)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDefaultSchedules(t *testing.T) {
	for _, s := range DefaultSchedules {
		task, err := NewDefaultTask(s.Task)
		require.NoError(t, err, s.Task)
		assert.Equal(t, s.Task, task.Type())
		assert.NotEmpty(t, s.Cron)
		assert.NotEmpty(t, s.Options())

		found, ok := LookupSchedule(s.Task)
		require.True(t, ok)
		assert.Equal(t, s.Cron, found.Cron)
	}
	_, ok := LookupSchedule("reports:nightly")
	assert.False(t, ok)
	_, err := NewDefaultTask("reports:nightly")
	assert.Error(t, err)
}

func TestNewWorkerValidatesRegistrations(t *testing.T) {
	noop := func(context.Context, *asynq.Task) error { return nil }
	opts := asynq.RedisClientOpt{Addr: "127.0.0.1:0"}

	_, err := NewWorker(WorkerConfig{RedisOpts: opts, Handlers: []TaskHandler{
		{Type: TaskLedgerIntegrity, Handler: noop},
		{Type: TaskLedgerIntegrity, Handler: noop},
	}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewWorker(WorkerConfig{RedisOpts: opts,
		Handlers:  []TaskHandler{{Type: TaskLedgerIntegrity, Handler: noop}},
		Schedules: []Schedule{{Task: TaskInvoicesOverdueSweep, Cron: "* * * * *"}},
	})
	assert.ErrorContains(t, err, "no handler")

	_, err = NewWorker(WorkerConfig{RedisOpts: opts, Handlers: []TaskHandler{{Type: TaskLedgerIntegrity}}})
	assert.Error(t, err)
}
