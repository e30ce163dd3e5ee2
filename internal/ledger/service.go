package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/invoicely/invoicely/internal/locking"
	"github.com/invoicely/invoicely/internal/observability"
	"github.com/invoicely/invoicely/internal/shared"
)

const (
	idempotencyModule         = "ledger"
	idempotencyReleaseTimeout = 5 * time.Second
)

// Service coordinates stock ledger operations. It is the only component that
// writes product stock.
type Service struct {
	repo        Repository
	audit       AuditPort
	idempotency IdempotencyPort
	allowNeg    bool
	maxAttempts int
	locker      locking.Locker
	cache       *Cache
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
	MaxAttempts        int
	Locker             locking.Locker
	Cache              *Cache
	Metrics            *observability.Metrics
	Logger             *slog.Logger
	Now                func() time.Time
}

// NewService builds Service.
func NewService(repo Repository, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	svc := &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		allowNeg:    cfg.AllowNegativeStock,
		maxAttempts: cfg.MaxAttempts,
		locker:      cfg.Locker,
		cache:       cfg.Cache,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
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
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc
}

// Now returns the service clock reading.
func (s *Service) Now() time.Time {
	return s.now()
}

// atomically runs fn as one unit of work while holding lockKeys, replaying it
// on concurrency conflicts up to the configured attempt budget.
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
		s.logger.Debug("ledger unit of work conflicted, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	})
}

// Record applies a movement inside a caller-owned unit of work and returns
// the new entry together with the updated product.
func (s *Service) Record(ctx context.Context, tx TxRepository, actor shared.Actor, input RecordInput) (Transaction, Product, error) {
	return s.record(ctx, tx, actor, input, nil)
}

func (s *Service) record(ctx context.Context, tx TxRepository, actor shared.Actor, input RecordInput, priceFor func(Product) decimal.NullDecimal) (Transaction, Product, error) {
	if input.ProductID == "" {
		return Transaction{}, Product{}, fmt.Errorf("%w: product required", shared.ErrValidation)
	}
	if input.QuantityChange == 0 {
		return Transaction{}, Product{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrZeroQuantity)
	}
	if !input.Type.Valid() {
		return Transaction{}, Product{}, fmt.Errorf("%w: unknown transaction type %q", shared.ErrValidation, input.Type)
	}
	if input.UnitPrice.Valid && input.UnitPrice.Decimal.IsNegative() {
		return Transaction{}, Product{}, fmt.Errorf("%w: unit price must be >= 0", shared.ErrValidation)
	}
	product, err := tx.GetProductForUpdate(ctx, input.ProductID)
	if err != nil {
		return Transaction{}, Product{}, err
	}
	if err := shared.CheckOwner(actor, product.OwnerID, "product", product.ID); err != nil {
		return Transaction{}, Product{}, err
	}
	newStock := product.Stock + input.QuantityChange
	if !s.allowNeg && newStock < 0 {
		return Transaction{}, Product{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrNegativeStock)
	}
	unitPrice := input.UnitPrice
	if !unitPrice.Valid && priceFor != nil {
		unitPrice = priceFor(product)
	}
	at := s.movementTime(product)
	product.Stock = newStock
	product.Version++
	product.LastMovementAt = at
	product.UpdatedAt = at
	entry := Transaction{
		ID:              uuid.NewString(),
		OwnerID:         product.OwnerID,
		ProductID:       product.ID,
		Type:            input.Type,
		QuantityChange:  input.QuantityChange,
		NewStock:        newStock,
		UnitPrice:       unitPrice,
		InvoiceID:       input.InvoiceID,
		Notes:           input.Notes,
		TransactionDate: at,
		Seq:             product.Version,
	}
	if err := tx.SaveProductStock(ctx, product); err != nil {
		return Transaction{}, Product{}, err
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return Transaction{}, Product{}, err
	}
	return entry, product, nil
}

// movementTime keeps entry dates non-decreasing per product even when the
// wall clock steps backwards.
func (s *Service) movementTime(product Product) time.Time {
	at := s.now()
	if at.Before(product.LastMovementAt) {
		return product.LastMovementAt
	}
	return at
}

// remove deletes entry and applies its inverse delta to the product.
func (s *Service) remove(ctx context.Context, tx TxRepository, actor shared.Actor, entry Transaction) (Product, error) {
	product, err := tx.GetProductForUpdate(ctx, entry.ProductID)
	if err != nil {
		return Product{}, err
	}
	if err := shared.CheckOwner(actor, product.OwnerID, "product", product.ID); err != nil {
		return Product{}, err
	}
	newStock := product.Stock - entry.QuantityChange
	if !s.allowNeg && newStock < 0 && newStock < product.Stock {
		return Product{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrNegativeStock)
	}
	product.Stock = newStock
	product.Version++
	product.UpdatedAt = s.now()
	if err := tx.SaveProductStock(ctx, product); err != nil {
		return Product{}, err
	}
	if err := tx.DeleteTransaction(ctx, entry.ID); err != nil {
		return Product{}, err
	}
	return product, nil
}

// ReverseInvoice deletes every entry generated for invoiceID, newest first,
// restoring the stock each one removed. Finding nothing is not an error.
func (s *Service) ReverseInvoice(ctx context.Context, tx TxRepository, actor shared.Actor, invoiceID string) ([]Transaction, error) {
	if invoiceID == "" {
		return nil, fmt.Errorf("%w: invoice required", shared.ErrValidation)
	}
	entries, err := tx.ListTransactionsByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].TransactionDate.Equal(entries[j].TransactionDate) {
			return entries[i].TransactionDate.After(entries[j].TransactionDate)
		}
		return entries[i].Seq > entries[j].Seq
	})
	for _, entry := range entries {
		if err := shared.CheckOwner(actor, entry.OwnerID, "transaction", entry.ID); err != nil {
			return nil, err
		}
		if _, err := s.remove(ctx, tx, actor, entry); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// RecordTransaction records a single movement as its own atomic unit.
func (s *Service) RecordTransaction(ctx context.Context, input RecordInput) (Transaction, Product, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return Transaction{}, Product{}, err
	}
	var (
		entry   Transaction
		product Product
	)
	err = s.atomically(ctx, "record_transaction", []string{shared.ProductLockKey(input.ProductID)}, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, product, err = s.Record(ctx, tx, actor, input)
		return err
	})
	if err != nil {
		return Transaction{}, Product{}, err
	}
	s.afterCommit(ctx, actor, "ledger:record", []Transaction{entry}, nil)
	return entry, product, nil
}

// AdjustStock applies a manual correction outside the invoice lifecycle.
func (s *Service) AdjustStock(ctx context.Context, input AdjustmentInput) (AdjustmentResult, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return AdjustmentResult{}, err
	}
	if input.QuantityChange == 0 {
		return AdjustmentResult{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrZeroQuantity)
	}
	txType := input.Type
	switch txType {
	case "":
		txType = TransactionTypeSale
		if input.QuantityChange > 0 {
			txType = TransactionTypePurchase
		}
	case TransactionTypePurchase, TransactionTypeSale, TransactionTypeAdjustment:
	default:
		return AdjustmentResult{}, fmt.Errorf("%w: type %q not allowed for adjustments", shared.ErrValidation, txType)
	}

	var key string
	if input.IdempotencyKey != "" && s.idempotency != nil {
		key = fmt.Sprintf("adjustment:%s:%s", actor.AccountID, input.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return AdjustmentResult{}, fmt.Errorf("%w: %w", shared.ErrValidation, err)
			}
			return AdjustmentResult{}, err
		}
	}

	priceFor := func(p Product) decimal.NullDecimal {
		if input.QuantityChange > 0 {
			return p.PurchasePrice
		}
		return decimal.NewNullDecimal(p.SellingPrice)
	}
	var result AdjustmentResult
	err = s.atomically(ctx, "adjust_stock", []string{shared.ProductLockKey(input.ProductID)}, func(ctx context.Context, tx TxRepository) error {
		entry, product, err := s.record(ctx, tx, actor, RecordInput{
			ProductID:      input.ProductID,
			Type:           txType,
			QuantityChange: input.QuantityChange,
			UnitPrice:      input.UnitPrice,
			Notes:          input.Notes,
		}, priceFor)
		if err != nil {
			return err
		}
		result = AdjustmentResult{NewStock: product.Stock, Product: product, Transaction: entry}
		return nil
	})
	if err != nil {
		if key != "" {
			s.releaseIdempotencyKey(ctx, key)
		}
		return AdjustmentResult{}, err
	}
	s.afterCommit(ctx, actor, "ledger:adjust", []Transaction{result.Transaction}, nil)
	return result, nil
}

// releaseIdempotencyKey frees a key whose adjustment did not commit. It runs
// detached from ctx so a cancelled request still releases its claim.
func (s *Service) releaseIdempotencyKey(ctx context.Context, key string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencyReleaseTimeout)
	defer cancel()
	if err := s.idempotency.Delete(releaseCtx, key); err != nil {
		s.logger.Error("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

// DeleteTransaction removes a single entry and applies its inverse delta.
func (s *Service) DeleteTransaction(ctx context.Context, transactionID string) (Product, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return Product{}, err
	}
	if transactionID == "" {
		return Product{}, fmt.Errorf("%w: transaction required", shared.ErrValidation)
	}
	var lockKeys []string
	if peek, err := s.repo.GetTransaction(ctx, transactionID); err == nil {
		lockKeys = append(lockKeys, shared.ProductLockKey(peek.ProductID))
	}
	var (
		product Product
		deleted Transaction
	)
	err = s.atomically(ctx, "delete_transaction", lockKeys, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if err := shared.CheckOwner(actor, entry.OwnerID, "transaction", entry.ID); err != nil {
			return err
		}
		product, err = s.remove(ctx, tx, actor, entry)
		deleted = entry
		return err
	})
	if err != nil {
		return Product{}, err
	}
	s.afterCommit(ctx, actor, "ledger:delete", nil, []Transaction{deleted})
	return product, nil
}

// ReverseInvoiceStock undoes every movement generated for an invoice. It is
// idempotent: a second call finds nothing left to reverse.
func (s *Service) ReverseInvoiceStock(ctx context.Context, invoiceID string) ([]Transaction, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	var lockKeys []string
	if peek, err := s.repo.ListTransactionsByInvoice(ctx, invoiceID); err == nil {
		lockKeys = ProductLockKeys(peek)
	}
	var reversed []Transaction
	err = s.atomically(ctx, "reverse_invoice", lockKeys, func(ctx context.Context, tx TxRepository) error {
		var err error
		reversed, err = s.ReverseInvoice(ctx, tx, actor, invoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, actor, "ledger:reverse", nil, reversed)
	return reversed, nil
}

// CreateProduct stores a product and books its opening stock as an initial entry.
func (s *Service) CreateProduct(ctx context.Context, input NewProductInput) (Product, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return Product{}, err
	}
	if strings.TrimSpace(input.Name) == "" {
		return Product{}, fmt.Errorf("%w: product name required", shared.ErrValidation)
	}
	if input.SellingPrice.IsNegative() || (input.PurchasePrice.Valid && input.PurchasePrice.Decimal.IsNegative()) {
		return Product{}, fmt.Errorf("%w: prices must be >= 0", shared.ErrValidation)
	}
	if !s.allowNeg && input.InitialStock < 0 {
		return Product{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrNegativeStock)
	}
	now := s.now()
	product := Product{
		ID:            uuid.NewString(),
		OwnerID:       actor.AccountID,
		Name:          strings.TrimSpace(input.Name),
		SKU:           strings.TrimSpace(input.SKU),
		SellingPrice:  input.SellingPrice,
		PurchasePrice: input.PurchasePrice,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var entries []Transaction
	err = s.atomically(ctx, "create_product", nil, func(ctx context.Context, tx TxRepository) error {
		entries = nil
		if err := tx.InsertProduct(ctx, product); err != nil {
			return err
		}
		if input.InitialStock == 0 {
			return nil
		}
		entry, updated, err := s.Record(ctx, tx, actor, RecordInput{
			ProductID:      product.ID,
			Type:           TransactionTypeInitial,
			QuantityChange: input.InitialStock,
			UnitPrice:      input.PurchasePrice,
			Notes:          "Initial stock",
		})
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		product = updated
		return nil
	})
	if err != nil {
		return Product{}, err
	}
	s.afterCommit(ctx, actor, "ledger:create_product", entries, nil)
	return product, nil
}

// DeleteProduct removes a product. Products with ledger history other than
// their opening entry cannot be deleted, so no entry is ever orphaned.
func (s *Service) DeleteProduct(ctx context.Context, productID string) error {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return err
	}
	var removed []Transaction
	err = s.atomically(ctx, "delete_product", []string{shared.ProductLockKey(productID)}, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		if err := shared.CheckOwner(actor, product.OwnerID, "product", product.ID); err != nil {
			return err
		}
		entries, err := tx.ListTransactionsByProduct(ctx, productID)
		if err != nil {
			return err
		}
		if len(entries) > 1 || (len(entries) == 1 && entries[0].Type != TransactionTypeInitial) {
			return fmt.Errorf("%w: %w", shared.ErrValidation, ErrHasHistory)
		}
		for _, entry := range entries {
			if err := tx.DeleteTransaction(ctx, entry.ID); err != nil {
				return err
			}
		}
		removed = entries
		return tx.DeleteProduct(ctx, productID)
	})
	if err != nil {
		return err
	}
	s.afterCommit(ctx, actor, "ledger:delete_product", nil, removed)
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("invalidate product cache", slog.String("product_id", productID), slog.Any("error", err))
	}
	return nil
}

// GetProduct returns the product snapshot owned by the acting account.
func (s *Service) GetProduct(ctx context.Context, productID string) (Product, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return Product{}, err
	}
	product, err := s.cache.Product(ctx, productID, func(ctx context.Context) (Product, error) {
		return s.repo.GetProduct(ctx, productID)
	})
	if err != nil {
		return Product{}, err
	}
	if err := shared.CheckOwner(actor, product.OwnerID, "product", product.ID); err != nil {
		return Product{}, err
	}
	return product, nil
}

// ListTransactions lists a product's ledger ordered by transaction date.
func (s *Service) ListTransactions(ctx context.Context, productID string, filter TransactionFilter) ([]Transaction, error) {
	actor, err := shared.RequireActor(ctx)
	if err != nil {
		return nil, err
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := shared.CheckOwner(actor, product.OwnerID, "product", product.ID); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	return s.repo.ListTransactions(ctx, productID, filter)
}

// CheckIntegrity compares every product's stock with the sum of its live
// ledger entries and returns the products that disagree.
func (s *Service) CheckIntegrity(ctx context.Context) ([]ProductBalance, error) {
	balances, err := s.repo.ListProductBalances(ctx)
	if err != nil {
		return nil, err
	}
	var drifted []ProductBalance
	for _, b := range balances {
		if b.Drift() == 0 {
			continue
		}
		drifted = append(drifted, b)
		s.logger.Warn("ledger drift detected",
			slog.String("product_id", b.ProductID),
			slog.String("owner_id", b.OwnerID),
			slog.Int64("stock", b.Stock),
			slog.Int64("ledger_sum", b.LedgerSum))
	}
	s.metrics.SetDrift(len(drifted))
	return drifted, nil
}

// Committed runs the post-commit bookkeeping for entries another service
// recorded or deleted through Record and ReverseInvoice.
func (s *Service) Committed(ctx context.Context, actor shared.Actor, action string, recorded, deleted []Transaction) {
	s.afterCommit(ctx, actor, action, recorded, deleted)
}

func (s *Service) afterCommit(ctx context.Context, actor shared.Actor, action string, recorded, deleted []Transaction) {
	touched := make([]Transaction, 0, len(recorded)+len(deleted))
	touched = append(touched, recorded...)
	touched = append(touched, deleted...)
	if len(touched) == 0 {
		return
	}
	for _, entry := range recorded {
		s.metrics.LedgerEntry(string(entry.Type), "record")
	}
	for _, entry := range deleted {
		s.metrics.LedgerEntry(string(entry.Type), "delete")
	}
	productIDs := productIDs(touched)
	if err := s.cache.Invalidate(ctx, productIDs...); err != nil {
		s.logger.Warn("invalidate product cache", slog.Any("product_ids", productIDs), slog.Any("error", err))
	}
	if s.audit == nil {
		return
	}
	for _, entry := range touched {
		op := "record"
		if containsEntry(deleted, entry.ID) {
			op = "delete"
		}
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:   actor.UserID,
			AccountID: actor.AccountID,
			Action:    action,
			Entity:    "ledger_transaction",
			EntityID:  entry.ID,
			Meta: map[string]any{
				"op":              op,
				"product_id":      entry.ProductID,
				"type":            string(entry.Type),
				"quantity_change": entry.QuantityChange,
				"invoice_id":      entry.InvoiceID,
			},
		})
		if err != nil {
			s.logger.Warn("audit ledger entry", slog.String("transaction_id", entry.ID), slog.Any("error", err))
		}
	}
}

// ProductLockKeys returns the sorted, de-duplicated lock keys of the products
// referenced by entries.
func ProductLockKeys(entries []Transaction) []string {
	ids := productIDs(entries)
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, shared.ProductLockKey(id))
	}
	return keys
}

func productIDs(entries []Transaction) []string {
	seen := make(map[string]struct{}, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.ProductID]; ok {
			continue
		}
		seen[entry.ProductID] = struct{}{}
		ids = append(ids, entry.ProductID)
	}
	sort.Strings(ids)
	return ids
}

func containsEntry(entries []Transaction, id string) bool {
	for _, entry := range entries {
		if entry.ID == id {
			return true
		}
	}
	return false
}
