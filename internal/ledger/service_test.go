package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/locking"
	"github.com/invoicely/invoicely/internal/shared"
	"github.com/invoicely/invoicely/internal/store/memory"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func newLedger(t *testing.T) (*ledger.Service, *memory.Store, *recordingAudit) {
	t.Helper()
	store := memory.New()
	audit := &recordingAudit{}
	clock := &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := ledger.NewService(store.Ledger(), audit, shared.NewMemoryIdempotencyStore(), ledger.ServiceConfig{
		AllowNegativeStock: true,
		MaxAttempts:        20,
		Locker:             locking.Noop{},
		Now:                clock.Now,
	})
	return svc, store, audit
}

func actorCtx(account string) context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{UserID: "user-" + account, AccountID: account})
}

func createProduct(t *testing.T, ctx context.Context, svc *ledger.Service, initial int64) ledger.Product {
	t.Helper()
	product, err := svc.CreateProduct(ctx, ledger.NewProductInput{
		Name:          "Widget",
		SKU:           "W-1",
		InitialStock:  initial,
		SellingPrice:  decimal.RequireFromString("12.50"),
		PurchasePrice: decimal.NewNullDecimal(decimal.RequireFromString("7.25")),
	})
	require.NoError(t, err)
	return product
}

func assertConsistent(t *testing.T, ctx context.Context, svc *ledger.Service) {
	t.Helper()
	drifted, err := svc.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifted)
}

func TestAdjustStockRestockThenSale(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := actorCtx("acct-1")
	product := createProduct(t, ctx, svc, 0)

	first, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: 5, Notes: "restock"})
	require.NoError(t, err)
	require.Equal(t, int64(5), first.NewStock)
	assert.Equal(t, ledger.TransactionTypePurchase, first.Transaction.Type)
	assert.True(t, first.Transaction.UnitPrice.Decimal.Equal(decimal.RequireFromString("7.25")))

	second, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: -2, Notes: "sale"})
	require.NoError(t, err)
	require.Equal(t, int64(3), second.NewStock)
	assert.Equal(t, ledger.TransactionTypeSale, second.Transaction.Type)
	assert.True(t, second.Transaction.UnitPrice.Decimal.Equal(decimal.RequireFromString("12.50")))

	entries, err := svc.ListTransactions(ctx, product.ID, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(5), entries[0].NewStock)
	assert.Equal(t, int64(3), entries[1].NewStock)

	got, err := svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Stock)
	assertConsistent(t, ctx, svc)
}

func TestListTransactionsKeepsNewestEntries(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := actorCtx("acct-1")
	product := createProduct(t, ctx, svc, 0)
	for i := 0; i < 5; i++ {
		_, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: 1, Notes: "restock"})
		require.NoError(t, err)
	}

	entries, err := svc.ListTransactions(ctx, product.ID, ledger.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].NewStock)
	assert.Equal(t, int64(5), entries[1].NewStock, "latest movement explains current stock")
}

func TestTransactionFilterApply(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var entries []ledger.Transaction
	for i := 0; i < 4; i++ {
		entries = append(entries, ledger.Transaction{ID: fmt.Sprintf("t%d", i), TransactionDate: base.AddDate(0, 0, i), Seq: int64(i + 1)})
	}
	ids := func(in []ledger.Transaction) []string {
		out := make([]string, 0, len(in))
		for _, e := range in {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []string{"t2", "t3"}, ids(ledger.TransactionFilter{Limit: 2}.Apply(entries)))
	assert.Equal(t, []string{"t1", "t2"}, ids(ledger.TransactionFilter{To: base.AddDate(0, 0, 2), Limit: 2}.Apply(entries)))
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids(ledger.TransactionFilter{From: base.AddDate(0, 0, 1)}.Apply(entries)))
	assert.Len(t, entries, 4)
}

func TestDeleteTransactionRestoresStock(t *testing.T) {
	svc, _, audit := newLedger(t)
	ctx := actorCtx("acct-1")
	product := createProduct(t, ctx, svc, 0)
	_, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: 5, Notes: "restock"})
	require.NoError(t, err)
	sale, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: -2, Notes: "sale"})
	require.NoError(t, err)

	updated, err := svc.DeleteTransaction(ctx, sale.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), updated.Stock)

	entries, err := svc.ListTransactions(ctx, product.ID, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].QuantityChange)
	assertConsistent(t, ctx, svc)

	var deletes int
	for _, log := range audit.logs {
		if log.Action == "ledger:delete" {
			deletes++
			assert.Equal(t, sale.Transaction.ID, log.EntityID)
		}
	}
	assert.Equal(t, 1, deletes)
}

func TestAdjustStockRejectsZeroQuantity(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := actorCtx("acct-1")
	product := createProduct(t, ctx, svc, 4)

	_, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: 0})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorIs(t, err, ledger.ErrZeroQuantity)

	got, err := svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Stock)
	entries, err := svc.ListTransactions(ctx, product.ID, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.TransactionTypeInitial, entries[0].Type)
}

func TestAdjustStockRejectsInitialType(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := actorCtx("acct-1")
	product := createProduct(t, ctx, svc, 0)

	_, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: 3, Type: ledger.TransactionTypeInitial})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAdjustStockExplicitTypeAndPrice(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := actorCtx("acct-1")
	product := createProduct(t, ctx, svc, 10)

	res, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{
		ProductID:      product.ID,
		QuantityChange: -1,
		Type:           ledger.TransactionTypeAdjustment,
		UnitPrice:      decimal.NewNullDecimal(decimal.NewFromInt(1)),
		Notes:          "damaged",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionTypeAdjustment, res.Transaction.Type)
	assert.True(t, res.Transaction.UnitPrice.Decimal.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, int64(9), res.NewStock)
}

func TestAdjustStockIdempotencyKey(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := actorCtx("acct-1")
	product := createProduct(t, ctx, svc, 0)

	input := ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: 2, IdempotencyKey: "req-1"}
	_, err := svc.AdjustStock(ctx, input)
	require.NoError(t, err)
	_, err = svc.AdjustStock(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	got, err := svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Stock)
}

func TestFailedAdjustmentReleasesIdempotencyKey(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := actorCtx("acct-1")

	input := ledger.AdjustmentInput{ProductID: "missing", QuantityChange: 2, IdempotencyKey: "req-2"}
	_, err := svc.AdjustStock(ctx, input)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.AdjustStock(ctx, input)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

// releaseRecorder wraps the memory idempotency store and remembers the
// context state each release ran with.
type releaseRecorder struct {
	*shared.MemoryIdempotencyStore
	mu          sync.Mutex
	releaseErrs []error
	failDelete  error
}

func (r *releaseRecorder) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	r.releaseErrs = append(r.releaseErrs, ctx.Err())
	r.mu.Unlock()
	if r.failDelete != nil {
		return r.failDelete
	}
	return r.MemoryIdempotencyStore.Delete(ctx, key)
}

func TestCancelledAdjustmentStillReleasesIdempotencyKey(t *testing.T) {
	idem := &releaseRecorder{MemoryIdempotencyStore: shared.NewMemoryIdempotencyStore()}
	store := memory.New()
	svc := ledger.NewService(store.Ledger(), nil, idem, ledger.ServiceConfig{Locker: locking.Noop{}})

	ctx, cancel := context.WithCancel(actorCtx("acct-1"))
	cancel()
	input := ledger.AdjustmentInput{ProductID: "missing", QuantityChange: 2, IdempotencyKey: "req-3"}
	_, err := svc.AdjustStock(ctx, input)
	require.Error(t, err)

	require.Len(t, idem.releaseErrs, 1)
	assert.NoError(t, idem.releaseErrs[0], "release must not inherit the request cancellation")

	_, err = svc.AdjustStock(actorCtx("acct-1"), input)
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.NotErrorIs(t, err, shared.ErrIdempotencyConflict)
}

func TestFailedReleaseKeepsAdjustmentError(t *testing.T) {
	idem := &releaseRecorder{
		MemoryIdempotencyStore: shared.NewMemoryIdempotencyStore(),
		failDelete:             errors.New("connection reset"),
	}
	svc := ledger.NewService(memory.New().Ledger(), nil, idem, ledger.ServiceConfig{Locker: locking.Noop{}})

	_, err := svc.AdjustStock(actorCtx("acct-1"), ledger.AdjustmentInput{ProductID: "missing", QuantityChange: 1, IdempotencyKey: "req-4"})
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Len(t, idem.releaseErrs, 1)
}

func TestNegativeStockGuard(t *testing.T) {
	store := memory.New()
	svc := ledger.NewService(store.Ledger(), nil, nil, ledger.ServiceConfig{AllowNegativeStock: false})
	ctx := actorCtx("acct-1")
	product, err := svc.CreateProduct(ctx, ledger.NewProductInput{Name: "Bolt", InitialStock: 1})
	require.NoError(t, err)

	_, err = svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: -2})
	require.ErrorIs(t, err, ledger.ErrNegativeStock)

	res, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: -1})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewStock)
}

func TestCrossAccountAccessIsDenied(t *testing.T) {
	svc, _, _ := newLedger(t)
	owner := actorCtx("acct-1")
	other := actorCtx("acct-2")
	product := createProduct(t, owner, svc, 5)

	_, err := svc.GetProduct(other, product.ID)
	require.ErrorIs(t, err, shared.ErrPermission)
	_, err = svc.AdjustStock(other, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: 1})
	require.ErrorIs(t, err, shared.ErrPermission)
	_, err = svc.ListTransactions(other, product.ID, ledger.TransactionFilter{})
	require.ErrorIs(t, err, shared.ErrPermission)

	entries, err := svc.ListTransactions(owner, product.ID, ledger.TransactionFilter{})
	require.NoError(t, err)
	_, err = svc.DeleteTransaction(other, entries[0].ID)
	require.ErrorIs(t, err, shared.ErrPermission)

	_, err = svc.GetProduct(context.Background(), product.ID)
	require.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestMissingRecordsAreNotFound(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := actorCtx("acct-1")

	_, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: "nope", QuantityChange: 1})
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.DeleteTransaction(ctx, "nope")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeleteProductRules(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx := actorCtx("acct-1")

	fresh := createProduct(t, ctx, svc, 3)
	require.NoError(t, svc.DeleteProduct(ctx, fresh.ID))
	_, err := svc.GetProduct(ctx, fresh.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	used := createProduct(t, ctx, svc, 3)
	_, err = svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: used.ID, QuantityChange: -1})
	require.NoError(t, err)
	err = svc.DeleteProduct(ctx, used.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorIs(t, err, ledger.ErrHasHistory)
	assertConsistent(t, ctx, svc)
}

func TestReverseInvoiceStockIsIdempotent(t *testing.T) {
	svc, store, _ := newLedger(t)
	ctx := actorCtx("acct-1")
	product := createProduct(t, ctx, svc, 10)
	actor, _ := shared.ActorFromContext(ctx)

	err := store.Ledger().WithTx(ctx, func(ctx context.Context, tx ledger.TxRepository) error {
		for _, qty := range []int64{-3, -2} {
			if _, _, err := svc.Record(ctx, tx, actor, ledger.RecordInput{
				ProductID: product.ID, Type: ledger.TransactionTypeSale, QuantityChange: qty, InvoiceID: "inv-1",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	reversed, err := svc.ReverseInvoiceStock(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, reversed, 2)
	assert.Equal(t, int64(-2), reversed[0].QuantityChange)

	again, err := svc.ReverseInvoiceStock(ctx, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, again)

	got, err := svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Stock)
	assertConsistent(t, ctx, svc)
}

func TestTransactionDatesNeverGoBackwards(t *testing.T) {
	store := memory.New()
	times := []time.Time{
		time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC),
		time.Date(2024, 3, 1, 9, 59, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 9, 58, 0, 0, time.UTC),
	}
	var i int
	svc := ledger.NewService(store.Ledger(), nil, nil, ledger.ServiceConfig{
		AllowNegativeStock: true,
		Now: func() time.Time {
			at := times[i%len(times)]
			i++
			return at
		},
	})
	ctx := actorCtx("acct-1")
	product, err := svc.CreateProduct(ctx, ledger.NewProductInput{Name: "Clocked"})
	require.NoError(t, err)
	for n := 0; n < 3; n++ {
		_, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: int64(n + 1)})
		require.NoError(t, err)
	}
	entries, err := svc.ListTransactions(ctx, product.ID, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for n := 1; n < len(entries); n++ {
		assert.False(t, entries[n].TransactionDate.Before(entries[n-1].TransactionDate))
		assert.Greater(t, entries[n].Seq, entries[n-1].Seq)
	}
	assert.Equal(t, []int64{1, 3, 6}, []int64{entries[0].NewStock, entries[1].NewStock, entries[2].NewStock})
}

func TestConcurrentAdjustmentsKeepLedgerConsistent(t *testing.T) {
	for _, tc := range []struct {
		name   string
		locker locking.Locker
	}{
		{name: "optimistic", locker: locking.Noop{}},
		{name: "local lock", locker: locking.NewLocal()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			svc := ledger.NewService(store.Ledger(), nil, nil, ledger.ServiceConfig{
				AllowNegativeStock: true,
				MaxAttempts:        200,
				Locker:             tc.locker,
			})
			ctx := actorCtx("acct-1")
			product, err := svc.CreateProduct(ctx, ledger.NewProductInput{Name: "Hot item", InitialStock: 100})
			require.NoError(t, err)

			const workers = 16
			var g errgroup.Group
			for w := 0; w < workers; w++ {
				delta := int64(w%5 - 2)
				if delta == 0 {
					delta = 3
				}
				g.Go(func() error {
					_, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: delta})
					return err
				})
			}
			require.NoError(t, g.Wait())

			var want int64 = 100
			for w := 0; w < workers; w++ {
				delta := int64(w%5 - 2)
				if delta == 0 {
					delta = 3
				}
				want += delta
			}
			got, err := svc.GetProduct(ctx, product.ID)
			require.NoError(t, err)
			assert.Equal(t, want, got.Stock)

			entries, err := svc.ListTransactions(ctx, product.ID, ledger.TransactionFilter{Limit: 1000})
			require.NoError(t, err)
			assert.Len(t, entries, workers+1)
			assert.Equal(t, want, entries[len(entries)-1].NewStock)
			assertConsistent(t, ctx, svc)
		})
	}
}
