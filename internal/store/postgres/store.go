// Package postgres persists products, ledger entries and invoices in
// PostgreSQL. Units of work run at REPEATABLE READ and lock the rows they
// mutate with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/platform/db"
	"github.com/invoicely/invoicely/internal/shared"
)

const productColumns = `id, owner_id, name, sku, stock, selling_price, purchase_price, version, last_movement_at, created_at, updated_at`

const transactionColumns = `id, owner_id, product_id, type, quantity_change, new_stock, unit_price, COALESCE(invoice_id, ''), notes, transaction_date, seq`

const invoiceColumns = `id, owner_id, number, customer_name, status, stock_updated, issue_date, due_date, paid_date, sent_date, items, version, created_at, updated_at`

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ledger exposes the store as a ledger repository.
func (s *Store) Ledger() ledger.Repository { return ledgerRepo{s} }

// Invoices exposes the store as an invoice repository.
func (s *Store) Invoices() invoices.Repository { return invoiceRepo{s} }

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

func (s *Store) withTx(ctx context.Context, fn func(*txRepo) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&txRepo{tx: tx})
	})
}

func (r *txRepo) InsertProduct(ctx context.Context, p ledger.Product) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO products (`+productColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OwnerID, p.Name, p.SKU, p.Stock, p.SellingPrice, p.PurchasePrice, p.Version, p.LastMovementAt, p.CreatedAt, p.UpdatedAt)
	return db.MapError(err)
}

func (r *txRepo) GetProductForUpdate(ctx context.Context, productID string) (ledger.Product, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID)
	p, err := scanProduct(row)
	if err != nil {
		return ledger.Product{}, notFound(err, "product", productID)
	}
	return p, nil
}

func (r *txRepo) SaveProductStock(ctx context.Context, p ledger.Product) error {
	tag, err := r.tx.Exec(ctx, `UPDATE products
SET stock = $2, version = $3, last_movement_at = $4, updated_at = $5
WHERE id = $1 AND version = $3 - 1`,
		p.ID, p.Stock, p.Version, p.LastMovementAt, p.UpdatedAt)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %s moved past version %d", shared.ErrConcurrencyConflict, p.ID, p.Version-1)
	}
	return nil
}

func (r *txRepo) DeleteProduct(ctx context.Context, productID string) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, productID)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %s", shared.ErrNotFound, productID)
	}
	return nil
}

func (r *txRepo) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_transactions
(id, owner_id, product_id, type, quantity_change, new_stock, unit_price, invoice_id, notes, transaction_date, seq)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)`,
		t.ID, t.OwnerID, t.ProductID, string(t.Type), t.QuantityChange, t.NewStock, t.UnitPrice, t.InvoiceID, t.Notes, t.TransactionDate, t.Seq)
	return db.MapError(err)
}

func (r *txRepo) GetTransactionForUpdate(ctx context.Context, transactionID string) (ledger.Transaction, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM stock_transactions WHERE id = $1 FOR UPDATE`, transactionID)
	t, err := scanTransaction(row)
	if err != nil {
		return ledger.Transaction{}, notFound(err, "transaction", transactionID)
	}
	return t, nil
}

func (r *txRepo) DeleteTransaction(ctx context.Context, transactionID string) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_transactions WHERE id = $1`, transactionID)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", shared.ErrNotFound, transactionID)
	}
	return nil
}

func (r *txRepo) ListTransactionsByInvoice(ctx context.Context, invoiceID string) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, r.tx, `SELECT `+transactionColumns+` FROM stock_transactions
WHERE invoice_id = $1 ORDER BY transaction_date, seq FOR UPDATE`, invoiceID)
}

func (r *txRepo) ListTransactionsByProduct(ctx context.Context, productID string) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, r.tx, `SELECT `+transactionColumns+` FROM stock_transactions
WHERE product_id = $1 ORDER BY transaction_date, seq FOR UPDATE`, productID)
}

func (r *txRepo) InsertInvoice(ctx context.Context, inv invoices.Invoice) error {
	items, err := encodeItems(inv.Items)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO invoices (`+invoiceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inv.ID, inv.OwnerID, inv.Number, inv.CustomerName, string(inv.Status), inv.StockUpdated,
		inv.IssueDate, inv.DueDate, inv.PaidDate, inv.SentDate, items, inv.Version, inv.CreatedAt, inv.UpdatedAt)
	return db.MapError(err)
}

func (r *txRepo) GetInvoiceForUpdate(ctx context.Context, invoiceID string) (invoices.Invoice, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID)
	inv, err := scanInvoice(row)
	if err != nil {
		return invoices.Invoice{}, notFound(err, "invoice", invoiceID)
	}
	return inv, nil
}

func (r *txRepo) SaveInvoice(ctx context.Context, inv invoices.Invoice) error {
	items, err := encodeItems(inv.Items)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `UPDATE invoices
SET status = $2, stock_updated = $3, due_date = $4, paid_date = $5, sent_date = $6, items = $7, version = $8, updated_at = $9
WHERE id = $1 AND version = $8 - 1`,
		inv.ID, string(inv.Status), inv.StockUpdated, inv.DueDate, inv.PaidDate, inv.SentDate, items, inv.Version, inv.UpdatedAt)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %s moved past version %d", shared.ErrConcurrencyConflict, inv.ID, inv.Version-1)
	}
	return nil
}

func scanProduct(row pgx.Row) (ledger.Product, error) {
	var p ledger.Product
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.SKU, &p.Stock, &p.SellingPrice, &p.PurchasePrice,
		&p.Version, &p.LastMovementAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		t      ledger.Transaction
		txType string
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.ProductID, &txType, &t.QuantityChange, &t.NewStock, &t.UnitPrice,
		&t.InvoiceID, &t.Notes, &t.TransactionDate, &t.Seq)
	t.Type = ledger.TransactionType(txType)
	return t, err
}

func scanInvoice(row pgx.Row) (invoices.Invoice, error) {
	var (
		inv    invoices.Invoice
		status string
		items  []byte
	)
	err := row.Scan(&inv.ID, &inv.OwnerID, &inv.Number, &inv.CustomerName, &status, &inv.StockUpdated,
		&inv.IssueDate, &inv.DueDate, &inv.PaidDate, &inv.SentDate, &items, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return invoices.Invoice{}, err
	}
	inv.Status = invoices.Status(status)
	inv.Items, err = decodeItems(items)
	return inv, err
}

func queryTransactions(ctx context.Context, q querier, sql string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, db.MapError(rows.Err())
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", shared.ErrNotFound, kind, id)
	}
	return db.MapError(err)
}

type itemRecord struct {
	ProductID   string          `json:"product_id,omitempty"`
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func encodeItems(items []invoices.Item) ([]byte, error) {
	records := make([]itemRecord, 0, len(items))
	for _, item := range items {
		records = append(records, itemRecord(item))
	}
	return json.Marshal(records)
}

func decodeItems(raw []byte) ([]invoices.Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []itemRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode invoice items: %w", err)
	}
	items := make([]invoices.Item, 0, len(records))
	for _, rec := range records {
		items = append(items, invoices.Item(rec))
	}
	return items, nil
}

type ledgerRepo struct{ s *Store }

func (r ledgerRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return r.s.withTx(ctx, func(tx *txRepo) error { return fn(ctx, tx) })
}

func (r ledgerRepo) GetProduct(ctx context.Context, productID string) (ledger.Product, error) {
	p, err := scanProduct(r.s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if err != nil {
		return ledger.Product{}, notFound(err, "product", productID)
	}
	return p, nil
}

func (r ledgerRepo) GetTransaction(ctx context.Context, transactionID string) (ledger.Transaction, error) {
	t, err := scanTransaction(r.s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM stock_transactions WHERE id = $1`, transactionID))
	if err != nil {
		return ledger.Transaction{}, notFound(err, "transaction", transactionID)
	}
	return t, nil
}

func (r ledgerRepo) ListTransactionsByInvoice(ctx context.Context, invoiceID string) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, r.s.pool, `SELECT `+transactionColumns+` FROM stock_transactions
WHERE invoice_id = $1 ORDER BY transaction_date, seq`, invoiceID)
}

func (r ledgerRepo) ListTransactions(ctx context.Context, productID string, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	var from, to any
	if !filter.From.IsZero() {
		from = filter.From
	}
	if !filter.To.IsZero() {
		to = filter.To
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	// The newest rows of the window, handed back in ledger order.
	return queryTransactions(ctx, r.s.pool, `SELECT * FROM (
  SELECT `+transactionColumns+` FROM stock_transactions
  WHERE product_id = $1
    AND ($2::timestamptz IS NULL OR transaction_date >= $2)
    AND ($3::timestamptz IS NULL OR transaction_date <= $3)
  ORDER BY transaction_date DESC, seq DESC
  LIMIT $4
) latest
ORDER BY transaction_date, seq`, productID, from, to, limit)
}

func (r ledgerRepo) ListProductBalances(ctx context.Context) ([]ledger.ProductBalance, error) {
	rows, err := r.s.pool.Query(ctx, `SELECT p.id, p.owner_id, p.stock,
       COALESCE(SUM(t.quantity_change), 0)::bigint,
       COUNT(t.id)
FROM products p
LEFT JOIN stock_transactions t ON t.product_id = p.id
GROUP BY p.id, p.owner_id, p.stock
ORDER BY p.id`)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	var out []ledger.ProductBalance
	for rows.Next() {
		var b ledger.ProductBalance
		if err := rows.Scan(&b.ProductID, &b.OwnerID, &b.Stock, &b.LedgerSum, &b.Entries); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type invoiceRepo struct{ s *Store }

func (r invoiceRepo) WithTx(ctx context.Context, fn func(context.Context, invoices.TxRepository) error) error {
	return r.s.withTx(ctx, func(tx *txRepo) error { return fn(ctx, tx) })
}

func (r invoiceRepo) GetInvoice(ctx context.Context, invoiceID string) (invoices.Invoice, error) {
	inv, err := scanInvoice(r.s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, invoiceID))
	if err != nil {
		return invoices.Invoice{}, notFound(err, "invoice", invoiceID)
	}
	return inv, nil
}

func (r invoiceRepo) ListOverdue(ctx context.Context, asOf time.Time, limit int) ([]invoices.Invoice, error) {
	rows, err := r.s.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE status = 'sent' AND due_date IS NOT NULL AND due_date < $1
ORDER BY due_date
LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	var out []invoices.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
