package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/invoicely/invoicely/internal/jobs"
	"github.com/invoicely/invoicely/internal/ledger"
)

// IntegrityChecker reports products whose stock disagrees with their ledger.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) ([]ledger.ProductBalance, error)
}

// LedgerIntegrityJob runs the stock-versus-ledger scan.
type LedgerIntegrityJob struct {
	Checker IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity scan handler.
func NewLedgerIntegrityJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Checker: checker, Logger: logger, Metrics: metrics}
}

// Handle executes the scan. Drift is reported, not repaired.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Checker == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() { err = tracker.End(err) }()

	drifted, err := j.Checker.CheckIntegrity(ctx)
	if err != nil {
		j.logger().Error("ledger integrity scan failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddItems(TaskLedgerIntegrity, "drifted", len(drifted))
	j.logger().Info("ledger integrity scan finished", slog.Int("drifted", len(drifted)))
	return nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
