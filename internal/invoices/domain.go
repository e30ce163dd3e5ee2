package invoices

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/invoicely/invoicely/internal/shared"
)

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusPaid      Status = "paid"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusPaid, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

// Effect is the side effect a transition has beyond the status change.
type Effect int

const (
	EffectNone Effect = iota
	EffectMarkSent
	EffectApplyStock
	EffectReverseStock
)

func (e Effect) String() string {
	switch e {
	case EffectMarkSent:
		return "mark_sent"
	case EffectApplyStock:
		return "apply_stock"
	case EffectReverseStock:
		return "reverse_stock"
	default:
		return "none"
	}
}

// transitions is the complete table of legal moves. Anything absent is rejected.
var transitions = map[Status]map[Status]Effect{
	StatusDraft: {
		StatusSent: EffectMarkSent,
	},
	StatusSent: {
		StatusOverdue:   EffectNone,
		StatusPaid:      EffectApplyStock,
		StatusCancelled: EffectNone,
	},
	StatusOverdue: {
		StatusPaid:      EffectApplyStock,
		StatusCancelled: EffectNone,
	},
	StatusPaid: {
		StatusSent: EffectReverseStock,
	},
	StatusCancelled: {
		StatusDraft: EffectNone,
	},
}

// Transition looks up the effect of moving from one status to another.
func Transition(from, to Status) (Effect, error) {
	if !to.Valid() {
		return EffectNone, fmt.Errorf("%w: unknown status %q", shared.ErrValidation, to)
	}
	effect, ok := transitions[from][to]
	if !ok {
		return EffectNone, fmt.Errorf("%w: %s -> %s", shared.ErrInvalidTransition, from, to)
	}
	return effect, nil
}

// Item is a single invoice line. Items without a product are free-text
// charges and never touch stock.
type Item struct {
	ProductID   string
	Description string
	Quantity    int64
	UnitPrice   decimal.Decimal
}

// Invoice is the aggregate governed by the status state machine.
type Invoice struct {
	ID           string
	OwnerID      string
	Number       string
	CustomerName string
	Status       Status
	// StockUpdated is true exactly when live sale entries exist for this invoice.
	StockUpdated bool
	IssueDate    time.Time
	DueDate      *time.Time
	PaidDate     *time.Time
	SentDate     *time.Time
	Items        []Item
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Total sums quantity times unit price over all items.
func (inv Invoice) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range inv.Items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity)))
	}
	return total
}

// StockItems returns the items that move inventory.
func (inv Invoice) StockItems() []Item {
	var out []Item
	for _, item := range inv.Items {
		if item.ProductID != "" {
			out = append(out, item)
		}
	}
	return out
}

// NewInvoiceInput describes a draft invoice.
type NewInvoiceInput struct {
	Number       string
	CustomerName string
	IssueDate    time.Time
	DueDate      *time.Time
	Items        []Item
}

// TransitionResult is returned by TransitionStatus.
type TransitionResult struct {
	Invoice Invoice
	Effect  Effect
	// Changed is false for the idempotent paid request.
	Changed bool
}

// ErrMalformedItem flags a stock item with a non-positive quantity.
var ErrMalformedItem = errors.New("invoices: malformed item")

func validateItems(items []Item) error {
	for i, item := range items {
		if item.ProductID != "" && item.Quantity <= 0 {
			return fmt.Errorf("%w: %w: item %d quantity must be > 0", shared.ErrValidation, ErrMalformedItem, i)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: %w: item %d unit price must be >= 0", shared.ErrValidation, ErrMalformedItem, i)
		}
	}
	return nil
}
