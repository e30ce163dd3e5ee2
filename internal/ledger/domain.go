package ledger

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates supported ledger movements.
type TransactionType string

const (
	// TransactionTypeInitial records the opening stock of a product.
	TransactionTypeInitial TransactionType = "initial"
	// TransactionTypePurchase represents an inbound movement.
	TransactionTypePurchase TransactionType = "purchase"
	// TransactionTypeSale represents an outbound movement.
	TransactionTypeSale TransactionType = "sale"
	// TransactionTypeAdjustment indicates manual corrections.
	TransactionTypeAdjustment TransactionType = "adjustment"
)

// Valid reports whether t is one of the known movement types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeInitial, TransactionTypePurchase, TransactionTypeSale, TransactionTypeAdjustment:
		return true
	}
	return false
}

// Product is the authoritative stock holder. Stock only changes through the ledger.
type Product struct {
	ID            string
	OwnerID       string
	Name          string
	SKU           string
	Stock         int64
	SellingPrice  decimal.Decimal
	PurchasePrice decimal.NullDecimal
	// Version increments on every stock mutation and orders entries of the same instant.
	Version        int64
	LastMovementAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID              string
	OwnerID         string
	ProductID       string
	Type            TransactionType
	QuantityChange  int64
	NewStock        int64
	UnitPrice       decimal.NullDecimal
	InvoiceID       string
	Notes           string
	TransactionDate time.Time
	Seq             int64
}

// RecordInput describes a single stock movement.
type RecordInput struct {
	ProductID      string
	Type           TransactionType
	QuantityChange int64
	UnitPrice      decimal.NullDecimal
	Notes          string
	InvoiceID      string
}

// AdjustmentInput describes a manual stock correction.
type AdjustmentInput struct {
	ProductID      string
	QuantityChange int64
	Notes          string
	UnitPrice      decimal.NullDecimal
	// Type overrides the purchase/sale default when set.
	Type           TransactionType
	IdempotencyKey string
}

// AdjustmentResult is returned by AdjustStock.
type AdjustmentResult struct {
	NewStock    int64
	Product     Product
	Transaction Transaction
}

// NewProductInput describes a product to create.
type NewProductInput struct {
	Name          string
	SKU           string
	InitialStock  int64
	SellingPrice  decimal.Decimal
	PurchasePrice decimal.NullDecimal
}

// DefaultListLimit caps a ledger listing when the caller sets no limit.
const DefaultListLimit = 200

// TransactionFilter narrows a product ledger listing. Limit keeps the most
// recent entries of the window, still returned oldest first.
type TransactionFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// SortEntries orders entries by transaction date, breaking ties by sequence.
func SortEntries(entries []Transaction) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].TransactionDate.Equal(entries[j].TransactionDate) {
			return entries[i].TransactionDate.Before(entries[j].TransactionDate)
		}
		return entries[i].Seq < entries[j].Seq
	})
}

// Apply narrows entries, already in ledger order, to the filter window.
func (f TransactionFilter) Apply(entries []Transaction) []Transaction {
	out := entries[:0:0]
	for _, entry := range entries {
		if !f.From.IsZero() && entry.TransactionDate.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && entry.TransactionDate.After(f.To) {
			continue
		}
		out = append(out, entry)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// ProductBalance summarises a product's stock against its live ledger.
type ProductBalance struct {
	ProductID string
	OwnerID   string
	Stock     int64
	LedgerSum int64
	Entries   int64
}

// Drift returns stock minus the ledger sum; zero when consistent.
func (b ProductBalance) Drift() int64 {
	return b.Stock - b.LedgerSum
}

// ErrNegativeStock triggered when a movement would result in negative stock.
var ErrNegativeStock = errors.New("ledger: negative stock not allowed")

// ErrZeroQuantity indicates a movement without effect.
var ErrZeroQuantity = errors.New("ledger: quantity change must be non zero")

// ErrHasHistory indicates a product still referenced by ledger entries.
var ErrHasHistory = errors.New("ledger: product has ledger history")
