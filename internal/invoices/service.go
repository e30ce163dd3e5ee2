package invoices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/locking"
	"github.com/invoicely/invoicely/internal/observability"
	"github.com/invoicely/invoicely/internal/shared"
)

// SweepActorID identifies the overdue sweep in audit records.
const SweepActorID = "system:overdue-sweep"

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the invoice status state machine.
type Service struct {
	repo        Repository
	ledger      *ledger.Service
	audit       AuditPort
	maxAttempts int
	locker      locking.Locker
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	MaxAttempts int
	Locker      locking.Locker
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// NewService builds Service. Stock effects are delegated to ledgerSvc.
func NewService(repo Repository, ledgerSvc *ledger.Service, audit AuditPort, cfg ServiceConfig) *Service {
	svc := &Service{
		repo:        repo,
		ledger:      ledgerSvc,
		audit:       audit,
		maxAttempts: cfg.MaxAttempts,
		locker:      cfg.Locker,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if svc.maxAttempts <= 0 {
		svc.maxAttempts = shared.DefaultMaxAttempts
	}
	if svc.locker == nil {
		svc.locker = locking.Noop{}
	}
	if svc.logger == nil {
		svc.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return svc
}

func (s *Service) atomically(ctx context.Context, op string, lockKeys []string, fn func(context.Context, TxRepository) error) error {
	return shared.RetryOnConflict(ctx, s.maxAttempts, func(ctx context.Context) error {
		unlock, err := s.locker.Lock(ctx, lockKeys...)
		if err != nil {
			return err
		}
		defer unlock()
		return s.repo.WithTx(ctx, fn)
	}, func(attempt int, err error) {
		s.metrics.ConflictRetry(op)
		s.logger.Debug("invoice unit of work conflicted, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	})
}

// CreateInvoice stores a new draft invoice.
func (s *Service) CreateInvoice(ctx context.Context, input NewInvoiceInput) (Invoice, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return Invoice{}, err
	}
	if strings.TrimSpace(input.Number) == "" {
		return Invoice{}, fmt.Errorf("%w: invoice number required", shared.ErrValidation)
	}
	if strings.TrimSpace(input.CustomerName) == "" {
		return Invoice{}, fmt.Errorf("%w: customer name required", shared.ErrValidation)
	}
	if err := validateItems(input.Items); err != nil {
		return Invoice{}, err
	}
	now := s.ledger.Now()
	issue := input.IssueDate
	if issue.IsZero() {
		issue = now
	}
	if input.DueDate != nil && input.DueDate.Before(issue) {
		return Invoice{}, fmt.Errorf("%w: due date precedes issue date", shared.ErrValidation)
	}
	invoice := Invoice{
		ID:           uuid.NewString(),
		OwnerID:      actor.AccountID,
		Number:       strings.TrimSpace(input.Number),
		CustomerName: strings.TrimSpace(input.CustomerName),
		Status:       StatusDraft,
		IssueDate:    issue,
		DueDate:      input.DueDate,
		Items:        append([]Item(nil), input.Items...),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.atomically(ctx, "create_invoice", nil, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertInvoice(ctx, invoice)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, actor, "invoice:create", invoice, map[string]any{"number": invoice.Number, "items": len(invoice.Items)})
	return invoice, nil
}

// GetInvoice returns the invoice owned by the acting account.
func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return Invoice{}, err
	}
	invoice, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if err := shared.CheckOwner(actor, invoice.OwnerID, "invoice", invoice.ID); err != nil {
		return Invoice{}, err
	}
	return invoice, nil
}

// TransitionStatus moves an invoice to the requested status. The status write
// and any stock movement it implies commit together or not at all.
func (s *Service) TransitionStatus(ctx context.Context, invoiceID string, to Status) (TransitionResult, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return TransitionResult{}, err
	}
	if !to.Valid() {
		return TransitionResult{}, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, to)
	}
	lockKeys := []string{shared.InvoiceLockKey(invoiceID)}
	if peek, err := s.repo.GetInvoice(ctx, invoiceID); err == nil {
		for _, item := range peek.StockItems() {
			lockKeys = append(lockKeys, shared.ProductLockKey(item.ProductID))
		}
	}

	var (
		from     Status
		result   TransitionResult
		recorded []ledger.Transaction
		reversed []ledger.Transaction
	)
	err = s.atomically(ctx, "transition_invoice", lockKeys, func(ctx context.Context, tx TxRepository) error {
		recorded, reversed = nil, nil
		invoice, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := shared.CheckOwner(actor, invoice.OwnerID, "invoice", invoice.ID); err != nil {
			return err
		}
		from = invoice.Status
		if invoice.Status == to {
			if to == StatusPaid && invoice.StockUpdated {
				result = TransitionResult{Invoice: invoice, Effect: EffectNone}
				return nil
			}
			return fmt.Errorf("%w: invoice already %s", shared.ErrInvalidTransition, to)
		}
		effect, err := Transition(invoice.Status, to)
		if err != nil {
			return err
		}
		now := s.ledger.Now()
		switch effect {
		case EffectMarkSent:
			invoice.SentDate = &now
		case EffectApplyStock:
			if !invoice.StockUpdated {
				recorded, err = s.applyStock(ctx, tx, actor, invoice)
				if err != nil {
					return err
				}
				invoice.StockUpdated = true
			}
			invoice.PaidDate = &now
		case EffectReverseStock:
			if invoice.StockUpdated {
				reversed, err = s.ledger.ReverseInvoice(ctx, tx, actor, invoice.ID)
				if err != nil {
					return err
				}
				invoice.StockUpdated = false
			}
			invoice.PaidDate = nil
		}
		invoice.Status = to
		invoice.Version++
		invoice.UpdatedAt = now
		if err := tx.SaveInvoice(ctx, invoice); err != nil {
			return err
		}
		result = TransitionResult{Invoice: invoice, Effect: effect, Changed: true}
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrInvalidTransition) {
			s.metrics.Transition(string(from), string(to), "rejected")
		}
		return TransitionResult{}, err
	}
	if !result.Changed {
		s.metrics.Transition(string(from), string(to), "noop")
		return result, nil
	}
	s.metrics.Transition(string(from), string(to), "applied")
	s.ledger.Committed(ctx, actor, "invoice:"+string(to), recorded, reversed)
	s.record(ctx, actor, "invoice:transition", result.Invoice, map[string]any{
		"from":          string(from),
		"to":            string(to),
		"effect":        result.Effect.String(),
		"stock_entries": len(recorded) + len(reversed),
	})
	s.logger.Info("invoice status changed",
		slog.String("invoice_id", result.Invoice.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("effect", result.Effect.String()))
	return result, nil
}

func (s *Service) applyStock(ctx context.Context, tx TxRepository, actor shared.Actor, invoice Invoice) ([]ledger.Transaction, error) {
	if err := validateItems(invoice.Items); err != nil {
		return nil, err
	}
	var recorded []ledger.Transaction
	for _, item := range invoice.StockItems() {
		entry, _, err := s.ledger.Record(ctx, tx, actor, ledger.RecordInput{
			ProductID:      item.ProductID,
			Type:           ledger.TransactionTypeSale,
			QuantityChange: -item.Quantity,
			UnitPrice:      decimal.NewNullDecimal(item.UnitPrice),
			Notes:          "Invoice " + invoice.Number,
			InvoiceID:      invoice.ID,
		})
		if err != nil {
			return nil, err
		}
		recorded = append(recorded, entry)
	}
	return recorded, nil
}

// SweepOverdue moves every sent invoice whose due date has passed to
// overdue. Invoices changed concurrently since listing are skipped.
func (s *Service) SweepOverdue(ctx context.Context, asOf time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	candidates, err := s.repo.ListOverdue(ctx, asOf, limit)
	if err != nil {
		return 0, err
	}
	var (
		moved int
		errs  []error
	)
	for _, invoice := range candidates {
		actorCtx := shared.ContextWithActor(ctx, shared.Actor{UserID: SweepActorID, AccountID: invoice.OwnerID})
		_, err := s.TransitionStatus(actorCtx, invoice.ID, StatusOverdue)
		switch {
		case err == nil:
			moved++
		case errors.Is(err, shared.ErrInvalidTransition):
			s.logger.Debug("overdue sweep skipped invoice", slog.String("invoice_id", invoice.ID), slog.Any("error", err))
		default:
			s.logger.Error("overdue sweep failed", slog.String("invoice_id", invoice.ID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("invoice %s: %w", invoice.ID, err))
		}
	}
	return moved, errors.Join(errs...)
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, invoice Invoice, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:   actor.UserID,
		AccountID: actor.AccountID,
		Action:    action,
		Entity:    "invoice",
		EntityID:  invoice.ID,
		Meta:      meta,
	})
	if err != nil {
		s.logger.Warn("audit invoice", slog.String("invoice_id", invoice.ID), slog.Any("error", err))
	}
}
