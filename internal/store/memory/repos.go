package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/shared"
)

type ledgerRepo struct{ s *Store }

func (r ledgerRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return r.s.withTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (r ledgerRepo) GetProduct(_ context.Context, productID string) (ledger.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.products[productID]
	if !ok {
		return ledger.Product{}, fmt.Errorf("%w: product %s", shared.ErrNotFound, productID)
	}
	return p, nil
}

func (r ledgerRepo) GetTransaction(_ context.Context, transactionID string) (ledger.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry, ok := r.s.transactions[transactionID]
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s", shared.ErrNotFound, transactionID)
	}
	return entry, nil
}

func (r ledgerRepo) ListTransactionsByInvoice(_ context.Context, invoiceID string) ([]ledger.Transaction, error) {
	return r.s.entries(func(e ledger.Transaction) bool { return e.InvoiceID == invoiceID }), nil
}

func (r ledgerRepo) ListTransactions(_ context.Context, productID string, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	entries := r.s.entries(func(e ledger.Transaction) bool { return e.ProductID == productID })
	return filter.Apply(entries), nil
}

func (r ledgerRepo) ListProductBalances(_ context.Context) ([]ledger.ProductBalance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	balances := make(map[string]*ledger.ProductBalance, len(r.s.products))
	for id, p := range r.s.products {
		balances[id] = &ledger.ProductBalance{ProductID: id, OwnerID: p.OwnerID, Stock: p.Stock}
	}
	for _, entry := range r.s.transactions {
		b, ok := balances[entry.ProductID]
		if !ok {
			b = &ledger.ProductBalance{ProductID: entry.ProductID, OwnerID: entry.OwnerID}
			balances[entry.ProductID] = b
		}
		b.LedgerSum += entry.QuantityChange
		b.Entries++
	}
	out := make([]ledger.ProductBalance, 0, len(balances))
	for _, b := range balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Store) entries(match func(ledger.Transaction) bool) []ledger.Transaction {
	s.mu.Lock()
	out := make([]ledger.Transaction, 0)
	for _, entry := range s.transactions {
		if match(entry) {
			out = append(out, entry)
		}
	}
	s.mu.Unlock()
	ledger.SortEntries(out)
	return out
}

type invoiceRepo struct{ s *Store }

func (r invoiceRepo) WithTx(ctx context.Context, fn func(context.Context, invoices.TxRepository) error) error {
	return r.s.withTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (r invoiceRepo) GetInvoice(_ context.Context, invoiceID string) (invoices.Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inv, ok := r.s.invoices[invoiceID]
	if !ok {
		return invoices.Invoice{}, fmt.Errorf("%w: invoice %s", shared.ErrNotFound, invoiceID)
	}
	return cloneInvoice(inv), nil
}

func (r invoiceRepo) ListOverdue(_ context.Context, asOf time.Time, limit int) ([]invoices.Invoice, error) {
	r.s.mu.Lock()
	var out []invoices.Invoice
	for _, inv := range r.s.invoices {
		if inv.Status == invoices.StatusSent && inv.DueDate != nil && inv.DueDate.Before(asOf) {
			out = append(out, cloneInvoice(inv))
		}
	}
	r.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
