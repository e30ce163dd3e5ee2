package perf

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/locking"
	"github.com/invoicely/invoicely/internal/shared"
	"github.com/invoicely/invoicely/internal/store/memory"
)

func newServices(locker locking.Locker) (*ledger.Service, *invoices.Service) {
	store := memory.New()
	ledgerSvc := ledger.NewService(store.Ledger(), nil, nil, ledger.ServiceConfig{
		AllowNegativeStock: true,
		MaxAttempts:        500,
		Locker:             locker,
	})
	invoiceSvc := invoices.NewService(store.Invoices(), ledgerSvc, nil, invoices.ServiceConfig{
		MaxAttempts: 500,
		Locker:      locker,
	})
	return ledgerSvc, invoiceSvc
}

func ownerCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{UserID: "u-perf", AccountID: "acct-perf"})
}

// Many invoices drawing on one product must leave stock equal to the ledger sum.
func TestConcurrentPaymentsKeepLedgerConsistent(t *testing.T) {
	for name, locker := range map[string]locking.Locker{"optimistic": locking.Noop{}, "local": locking.NewLocal()} {
		t.Run(name, func(t *testing.T) {
			ctx := ownerCtx()
			ledgerSvc, invoiceSvc := newServices(locker)

			product, err := ledgerSvc.CreateProduct(ctx, ledger.NewProductInput{Name: "Bolt", InitialStock: 100, SellingPrice: decimal.NewFromInt(2)})
			require.NoError(t, err)

			const n = 20
			ids := make([]string, n)
			for i := range ids {
				inv, err := invoiceSvc.CreateInvoice(ctx, invoices.NewInvoiceInput{
					Number:       fmt.Sprintf("INV-%03d", i),
					CustomerName: "Bulk",
					Items:        []invoices.Item{{ProductID: product.ID, Description: "Bolt", Quantity: 2, UnitPrice: decimal.NewFromInt(2)}},
				})
				require.NoError(t, err)
				_, err = invoiceSvc.TransitionStatus(ctx, inv.ID, invoices.StatusSent)
				require.NoError(t, err)
				ids[i] = inv.ID
			}

			var g errgroup.Group
			for _, id := range ids {
				g.Go(func() error {
					_, err := invoiceSvc.TransitionStatus(ctx, id, invoices.StatusPaid)
					return err
				})
			}
			require.NoError(t, g.Wait())

			got, err := ledgerSvc.GetProduct(ctx, product.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(100-2*n), got.Stock)

			drifted, err := ledgerSvc.CheckIntegrity(ctx)
			require.NoError(t, err)
			assert.Empty(t, drifted)
		})
	}
}

func BenchmarkAdjustStock(b *testing.B) {
	ctx := ownerCtx()
	ledgerSvc, _ := newServices(locking.NewLocal())
	product, err := ledgerSvc.CreateProduct(ctx, ledger.NewProductInput{Name: "Nut", SellingPrice: decimal.NewFromInt(1)})
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ledgerSvc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: 1}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParallelAdjustStock(b *testing.B) {
	ctx := ownerCtx()
	ledgerSvc, _ := newServices(locking.NewLocal())
	product, err := ledgerSvc.CreateProduct(ctx, ledger.NewProductInput{Name: "Washer", SellingPrice: decimal.NewFromInt(1)})
	require.NoError(b, err)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := ledgerSvc.AdjustStock(ctx, ledger.AdjustmentInput{ProductID: product.ID, QuantityChange: 1}); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
