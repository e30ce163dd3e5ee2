// Package memory provides an in-process store with optimistic transactions.
// It backs tests and single-node development setups.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/shared"
)

// Store keeps products, ledger entries and invoices in maps. Every record and
// every secondary index carries a revision; a transaction commits only if none
// of the revisions it observed moved in the meantime.
type Store struct {
	mu           sync.Mutex
	products     map[string]ledger.Product
	transactions map[string]ledger.Transaction
	invoices     map[string]invoices.Invoice
	revs         map[string]int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		products:     make(map[string]ledger.Product),
		transactions: make(map[string]ledger.Transaction),
		invoices:     make(map[string]invoices.Invoice),
		revs:         make(map[string]int64),
	}
}

func productKey(id string) string     { return "p:" + id }
func transactionKey(id string) string { return "t:" + id }
func invoiceKey(id string) string     { return "i:" + id }
func byProductKey(id string) string   { return "tp:" + id }
func byInvoiceKey(id string) string   { return "ti:" + id }

// Ledger exposes the store as a ledger repository.
func (s *Store) Ledger() ledger.Repository { return ledgerRepo{s} }

// Invoices exposes the store as an invoice repository.
func (s *Store) Invoices() invoices.Repository { return invoiceRepo{s} }

func (s *Store) withTx(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{
		store:        s,
		reads:        make(map[string]int64),
		products:     make(map[string]*ledger.Product),
		transactions: make(map[string]*ledger.Transaction),
		invoices:     make(map[string]*invoices.Invoice),
		touched:      make(map[string]struct{}),
	}
	if err := fn(t); err != nil {
		// Failures decided on a stale view surface as conflicts.
		if stale := s.validate(t); stale != nil {
			return stale
		}
		return err
	}
	return s.commit(t)
}

func (s *Store) validate(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateLocked(t)
}

func (s *Store) validateLocked(t *tx) error {
	for key, seen := range t.reads {
		if s.revs[key] != seen {
			return fmt.Errorf("%w: %s changed during transaction", shared.ErrConcurrencyConflict, key)
		}
	}
	return nil
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateLocked(t); err != nil {
		return err
	}
	for id, p := range t.products {
		if p == nil {
			delete(s.products, id)
		} else {
			s.products[id] = *p
		}
		s.revs[productKey(id)]++
	}
	for id, entry := range t.transactions {
		if entry == nil {
			delete(s.transactions, id)
		} else {
			s.transactions[id] = *entry
		}
		s.revs[transactionKey(id)]++
	}
	for id, inv := range t.invoices {
		if inv == nil {
			delete(s.invoices, id)
		} else {
			s.invoices[id] = cloneInvoice(*inv)
		}
		s.revs[invoiceKey(id)]++
	}
	for key := range t.touched {
		s.revs[key]++
	}
	return nil
}

// tx buffers writes until commit. A nil map value marks a deletion.
type tx struct {
	store        *Store
	reads        map[string]int64
	products     map[string]*ledger.Product
	transactions map[string]*ledger.Transaction
	invoices     map[string]*invoices.Invoice
	touched      map[string]struct{}
}

// observe records the revision of key the first time it is read.
// Callers hold store.mu.
func (t *tx) observe(key string) {
	if _, ok := t.reads[key]; !ok {
		t.reads[key] = t.store.revs[key]
	}
}

func (t *tx) product(id string) (ledger.Product, bool) {
	if p, ok := t.products[id]; ok {
		if p == nil {
			return ledger.Product{}, false
		}
		return *p, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.observe(productKey(id))
	p, ok := t.store.products[id]
	return p, ok
}

func (t *tx) transaction(id string) (ledger.Transaction, bool) {
	if entry, ok := t.transactions[id]; ok {
		if entry == nil {
			return ledger.Transaction{}, false
		}
		return *entry, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.observe(transactionKey(id))
	entry, ok := t.store.transactions[id]
	return entry, ok
}

func (t *tx) InsertProduct(_ context.Context, product ledger.Product) error {
	if _, exists := t.product(product.ID); exists {
		return fmt.Errorf("%w: product %s already exists", shared.ErrValidation, product.ID)
	}
	t.products[product.ID] = &product
	return nil
}

func (t *tx) GetProductForUpdate(_ context.Context, productID string) (ledger.Product, error) {
	p, ok := t.product(productID)
	if !ok {
		return ledger.Product{}, fmt.Errorf("%w: product %s", shared.ErrNotFound, productID)
	}
	return p, nil
}

func (t *tx) SaveProductStock(_ context.Context, product ledger.Product) error {
	current, ok := t.product(product.ID)
	if !ok {
		return fmt.Errorf("%w: product %s", shared.ErrNotFound, product.ID)
	}
	if current.Version != product.Version-1 {
		return fmt.Errorf("%w: product %s version %d, expected %d", shared.ErrConcurrencyConflict, product.ID, current.Version, product.Version-1)
	}
	current.Stock = product.Stock
	current.Version = product.Version
	current.LastMovementAt = product.LastMovementAt
	current.UpdatedAt = product.UpdatedAt
	t.products[product.ID] = &current
	return nil
}

func (t *tx) DeleteProduct(_ context.Context, productID string) error {
	if _, ok := t.product(productID); !ok {
		return fmt.Errorf("%w: product %s", shared.ErrNotFound, productID)
	}
	t.products[productID] = nil
	return nil
}

func (t *tx) InsertTransaction(_ context.Context, entry ledger.Transaction) error {
	if _, exists := t.transaction(entry.ID); exists {
		return fmt.Errorf("%w: transaction %s already exists", shared.ErrValidation, entry.ID)
	}
	t.transactions[entry.ID] = &entry
	t.touchIndexes(entry)
	return nil
}

func (t *tx) GetTransactionForUpdate(_ context.Context, transactionID string) (ledger.Transaction, error) {
	entry, ok := t.transaction(transactionID)
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s", shared.ErrNotFound, transactionID)
	}
	return entry, nil
}

func (t *tx) DeleteTransaction(_ context.Context, transactionID string) error {
	entry, ok := t.transaction(transactionID)
	if !ok {
		return fmt.Errorf("%w: transaction %s", shared.ErrNotFound, transactionID)
	}
	t.transactions[transactionID] = nil
	t.touchIndexes(entry)
	return nil
}

func (t *tx) touchIndexes(entry ledger.Transaction) {
	t.touched[byProductKey(entry.ProductID)] = struct{}{}
	if entry.InvoiceID != "" {
		t.touched[byInvoiceKey(entry.InvoiceID)] = struct{}{}
	}
}

func (t *tx) ListTransactionsByInvoice(_ context.Context, invoiceID string) ([]ledger.Transaction, error) {
	return t.scan(byInvoiceKey(invoiceID), func(e ledger.Transaction) bool { return e.InvoiceID == invoiceID }), nil
}

func (t *tx) ListTransactionsByProduct(_ context.Context, productID string) ([]ledger.Transaction, error) {
	return t.scan(byProductKey(productID), func(e ledger.Transaction) bool { return e.ProductID == productID }), nil
}

// scan merges committed rows with the transaction's own writes.
func (t *tx) scan(indexKey string, match func(ledger.Transaction) bool) []ledger.Transaction {
	t.store.mu.Lock()
	t.observe(indexKey)
	merged := make(map[string]ledger.Transaction)
	for id, entry := range t.store.transactions {
		if match(entry) {
			merged[id] = entry
		}
	}
	t.store.mu.Unlock()
	for id, entry := range t.transactions {
		if entry == nil {
			delete(merged, id)
			continue
		}
		if match(*entry) {
			merged[id] = *entry
		}
	}
	out := make([]ledger.Transaction, 0, len(merged))
	for _, entry := range merged {
		out = append(out, entry)
	}
	ledger.SortEntries(out)
	return out
}

func (t *tx) InsertInvoice(_ context.Context, invoice invoices.Invoice) error {
	if _, exists := t.invoice(invoice.ID); exists {
		return fmt.Errorf("%w: invoice %s already exists", shared.ErrValidation, invoice.ID)
	}
	inv := cloneInvoice(invoice)
	t.invoices[invoice.ID] = &inv
	return nil
}

func (t *tx) GetInvoiceForUpdate(_ context.Context, invoiceID string) (invoices.Invoice, error) {
	inv, ok := t.invoice(invoiceID)
	if !ok {
		return invoices.Invoice{}, fmt.Errorf("%w: invoice %s", shared.ErrNotFound, invoiceID)
	}
	return inv, nil
}

func (t *tx) SaveInvoice(_ context.Context, invoice invoices.Invoice) error {
	current, ok := t.invoice(invoice.ID)
	if !ok {
		return fmt.Errorf("%w: invoice %s", shared.ErrNotFound, invoice.ID)
	}
	if current.Version != invoice.Version-1 {
		return fmt.Errorf("%w: invoice %s version %d, expected %d", shared.ErrConcurrencyConflict, invoice.ID, current.Version, invoice.Version-1)
	}
	inv := cloneInvoice(invoice)
	t.invoices[invoice.ID] = &inv
	return nil
}

func (t *tx) invoice(id string) (invoices.Invoice, bool) {
	if inv, ok := t.invoices[id]; ok {
		if inv == nil {
			return invoices.Invoice{}, false
		}
		return cloneInvoice(*inv), true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.observe(invoiceKey(id))
	inv, ok := t.store.invoices[id]
	return cloneInvoice(inv), ok
}

func cloneInvoice(inv invoices.Invoice) invoices.Invoice {
	if inv.Items != nil {
		inv.Items = append([]invoices.Item(nil), inv.Items...)
	}
	inv.DueDate = cloneTime(inv.DueDate)
	inv.PaidDate = cloneTime(inv.PaidDate)
	inv.SentDate = cloneTime(inv.SentDate)
	return inv
}
