package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/invoicely/invoicely/internal/jobs"
)

// OverdueSweeper moves sent invoices past due to overdue.
type OverdueSweeper interface {
	SweepOverdue(ctx context.Context, asOf time.Time, limit int) (int, error)
}

// OverdueSweepJob drives the invoice overdue sweep.
type OverdueSweepJob struct {
	Sweeper OverdueSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueSweepJob initialises the overdue sweep handler.
func NewOverdueSweepJob(sweeper OverdueSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{
		Sweeper: sweeper,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep. Invoices that fail individually are reported
// together so asynq retries the task; already moved invoices are skipped on
// the retry because they are no longer sent.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	var payload OverdueSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("overdue sweep payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	asOf := j.now()
	if payload.AsOf != nil {
		asOf = payload.AsOf.UTC()
	}

	tracker := j.Metrics.Track(TaskInvoicesOverdueSweep)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.Time("as_of", asOf), slog.Int("limit", payload.Limit))
	moved, err := j.Sweeper.SweepOverdue(ctx, asOf, payload.Limit)
	j.Metrics.AddItems(TaskInvoicesOverdueSweep, "moved", moved)
	if err != nil {
		logger.Error("overdue sweep incomplete", slog.Int("moved", moved), slog.Any("error", err))
		return err
	}
	logger.Info("overdue sweep finished", slog.Int("moved", moved))
	return nil
}

func (j *OverdueSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *OverdueSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
