package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one audit trail entry. At defaults to the time of recording.
type AuditLog struct {
	ActorID   string
	AccountID string
	Action    string
	Entity    string
	EntityID  string
	Meta      map[string]any
	At        time.Time
}

var errAuditIncomplete = errors.New("audit log requires action, entity and entity id")

func (l AuditLog) normalise(now func() time.Time) (AuditLog, error) {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return l, errAuditIncomplete
	}
	if l.At.IsZero() {
		l.At = now()
	}
	l.At = l.At.UTC()
	if l.Meta == nil {
		l.Meta = map[string]any{}
	}
	return l, nil
}

// AuditLogger appends entries to the audit_logs table.
type AuditLogger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool, now: time.Now}
}

// Record inserts entry. Callers run it after their unit of work commits, so
// a failure here never rolls back the change being audited.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	entry, err := entry.normalise(l.now)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return fmt.Errorf("audit meta: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, account_id, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ActorID, entry.AccountID, entry.Action, entry.Entity, entry.EntityID, meta, entry.At)
	return err
}

// SlogAuditLogger writes entries as "audit" log records for backends without
// an audit table.
type SlogAuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	return &SlogAuditLogger{logger: logger, now: time.Now}
}

func (l *SlogAuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.logger == nil {
		return nil
	}
	entry, err := entry.normalise(l.now)
	if err != nil {
		return err
	}
	metaAttrs := make([]any, 0, len(entry.Meta))
	for k, v := range entry.Meta {
		metaAttrs = append(metaAttrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("action", entry.Action),
		slog.String("entity", entry.Entity),
		slog.String("entity_id", entry.EntityID),
		slog.String("actor_id", entry.ActorID),
		slog.String("account_id", entry.AccountID),
		slog.Time("at", entry.At),
		slog.Group("meta", metaAttrs...))
	return nil
}
