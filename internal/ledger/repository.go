package ledger

import (
	"context"

	"github.com/invoicely/invoicely/internal/shared"
)

// TxRepository exposes transactional operations used by service. Lookups
// return errors wrapping shared.ErrNotFound for missing rows. SaveProductStock
// fails with shared.ErrConcurrencyConflict unless the stored version equals
// product.Version-1.
type TxRepository interface {
	InsertProduct(ctx context.Context, product Product) error
	GetProductForUpdate(ctx context.Context, productID string) (Product, error)
	SaveProductStock(ctx context.Context, product Product) error
	DeleteProduct(ctx context.Context, productID string) error
	InsertTransaction(ctx context.Context, entry Transaction) error
	GetTransactionForUpdate(ctx context.Context, transactionID string) (Transaction, error)
	DeleteTransaction(ctx context.Context, transactionID string) error
	ListTransactionsByInvoice(ctx context.Context, invoiceID string) ([]Transaction, error)
	ListTransactionsByProduct(ctx context.Context, productID string) ([]Transaction, error)
}

// Repository abstracts repository usage for service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, productID string) (Product, error)
	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	ListTransactionsByInvoice(ctx context.Context, invoiceID string) ([]Transaction, error)
	ListTransactions(ctx context.Context, productID string, filter TransactionFilter) ([]Transaction, error)
	ListProductBalances(ctx context.Context) ([]ProductBalance, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards manual adjustments against duplicate submission.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}
