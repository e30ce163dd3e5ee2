package invoices

import (
	"context"
	"time"

	"github.com/invoicely/invoicely/internal/ledger"
)

// TxRepository extends the ledger unit of work with invoice rows so status
// changes commit together with their stock movements. SaveInvoice fails with
// shared.ErrConcurrencyConflict unless the stored version equals
// invoice.Version-1.
type TxRepository interface {
	ledger.TxRepository
	InsertInvoice(ctx context.Context, invoice Invoice) error
	GetInvoiceForUpdate(ctx context.Context, invoiceID string) (Invoice, error)
	SaveInvoice(ctx context.Context, invoice Invoice) error
}

// Repository abstracts invoice persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	// ListOverdue returns sent invoices whose due date is before asOf.
	ListOverdue(ctx context.Context, asOf time.Time, limit int) ([]Invoice, error)
}
