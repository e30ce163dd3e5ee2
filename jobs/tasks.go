package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity compares every product's stock against its ledger sum.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskInvoicesOverdueSweep moves sent invoices past their due date to overdue.
	TaskInvoicesOverdueSweep = "invoices:overdue-sweep"
	// TaskIdempotencyCleanup prunes stale adjustment idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LedgerIntegrityPayload is currently empty; the scan covers every product.
type LedgerIntegrityPayload struct{}

// OverdueSweepPayload bounds a single sweep run.
type OverdueSweepPayload struct {
	// AsOf defaults to the time the task runs.
	AsOf  *time.Time `json:"as_of,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

// NewLedgerIntegrityTask constructs the integrity scan task.
func NewLedgerIntegrityTask() (*asynq.Task, error) {
	data, err := json.Marshal(LedgerIntegrityPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// NewOverdueSweepTask constructs the overdue sweep task.
func NewOverdueSweepTask(payload OverdueSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoicesOverdueSweep, data), nil
}

// IdempotencyCleanupPayload sets the key retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the key pruning task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// Schedule describes how a task runs when the worker schedules it and when an
// operator triggers it by name.
type Schedule struct {
	Task     string
	Cron     string
	MaxRetry int
	Timeout  time.Duration
	// Unique suppresses duplicates of the task while one is still queued.
	Unique time.Duration
}

// Options converts the schedule into enqueue options.
func (s Schedule) Options() []asynq.Option {
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(s.MaxRetry)}
	if s.Timeout > 0 {
		opts = append(opts, asynq.Timeout(s.Timeout))
	}
	if s.Unique > 0 {
		opts = append(opts, asynq.Unique(s.Unique))
	}
	return opts
}

// DefaultSchedules lists every background task with its production cadence.
var DefaultSchedules = []Schedule{
	{Task: TaskLedgerIntegrity, Cron: "0 * * * *", MaxRetry: 3, Timeout: 10 * time.Minute, Unique: 55 * time.Minute},
	{Task: TaskInvoicesOverdueSweep, Cron: "15 0 * * *", MaxRetry: 3, Timeout: 15 * time.Minute, Unique: time.Hour},
	{Task: TaskIdempotencyCleanup, Cron: "30 3 * * *", MaxRetry: 1, Timeout: 5 * time.Minute},
}

// LookupSchedule finds the schedule registered for a task name.
func LookupSchedule(name string) (Schedule, bool) {
	for _, s := range DefaultSchedules {
		if s.Task == name {
			return s, true
		}
	}
	return Schedule{}, false
}

// NewDefaultTask builds the named task with its default payload.
func NewDefaultTask(name string) (*asynq.Task, error) {
	switch name {
	case TaskLedgerIntegrity:
		return NewLedgerIntegrityTask()
	case TaskInvoicesOverdueSweep:
		return NewOverdueSweepTask(OverdueSweepPayload{})
	case TaskIdempotencyCleanup:
		return NewIdempotencyCleanupTask(0)
	default:
		return nil, fmt.Errorf("jobs: unknown task %q", name)
	}
}
