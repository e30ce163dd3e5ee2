package mongo

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
)

type productDoc struct {
	ID             string                `bson:"_id"`
	OwnerID        string                `bson:"owner_id"`
	Name           string                `bson:"name"`
	SKU            string                `bson:"sku"`
	Stock          int64                 `bson:"stock"`
	SellingPrice   primitive.Decimal128  `bson:"selling_price"`
	PurchasePrice  *primitive.Decimal128 `bson:"purchase_price,omitempty"`
	Version        int64                 `bson:"version"`
	LastMovementAt time.Time             `bson:"last_movement_at"`
	CreatedAt      time.Time             `bson:"created_at"`
	UpdatedAt      time.Time             `bson:"updated_at"`
}

func newProductDoc(p ledger.Product) (productDoc, error) {
	selling, err := toDecimal128(p.SellingPrice)
	if err != nil {
		return productDoc{}, err
	}
	doc := productDoc{
		ID:             p.ID,
		OwnerID:        p.OwnerID,
		Name:           p.Name,
		SKU:            p.SKU,
		Stock:          p.Stock,
		SellingPrice:   selling,
		Version:        p.Version,
		LastMovementAt: p.LastMovementAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.PurchasePrice.Valid {
		purchase, err := toDecimal128(p.PurchasePrice.Decimal)
		if err != nil {
			return productDoc{}, err
		}
		doc.PurchasePrice = &purchase
	}
	return doc, nil
}

func (d productDoc) product() (ledger.Product, error) {
	selling, err := fromDecimal128(d.SellingPrice)
	if err != nil {
		return ledger.Product{}, fmt.Errorf("product %s selling price: %w", d.ID, err)
	}
	p := ledger.Product{
		ID:             d.ID,
		OwnerID:        d.OwnerID,
		Name:           d.Name,
		SKU:            d.SKU,
		Stock:          d.Stock,
		SellingPrice:   selling,
		Version:        d.Version,
		LastMovementAt: d.LastMovementAt.UTC(),
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if d.PurchasePrice != nil {
		purchase, err := fromDecimal128(*d.PurchasePrice)
		if err != nil {
			return ledger.Product{}, fmt.Errorf("product %s purchase price: %w", d.ID, err)
		}
		p.PurchasePrice.Decimal = purchase
		p.PurchasePrice.Valid = true
	}
	return p, nil
}

type transactionDoc struct {
	ID              string                `bson:"_id"`
	OwnerID         string                `bson:"owner_id"`
	ProductID       string                `bson:"product_id"`
	Type            string                `bson:"type"`
	QuantityChange  int64                 `bson:"quantity_change"`
	NewStock        int64                 `bson:"new_stock"`
	UnitPrice       *primitive.Decimal128 `bson:"unit_price,omitempty"`
	InvoiceID       string                `bson:"invoice_id,omitempty"`
	Notes           string                `bson:"notes"`
	TransactionDate time.Time             `bson:"transaction_date"`
	Seq             int64                 `bson:"seq"`
}

func newTransactionDoc(t ledger.Transaction) (transactionDoc, error) {
	doc := transactionDoc{
		ID:              t.ID,
		OwnerID:         t.OwnerID,
		ProductID:       t.ProductID,
		Type:            string(t.Type),
		QuantityChange:  t.QuantityChange,
		NewStock:        t.NewStock,
		InvoiceID:       t.InvoiceID,
		Notes:           t.Notes,
		TransactionDate: t.TransactionDate,
		Seq:             t.Seq,
	}
	if t.UnitPrice.Valid {
		price, err := toDecimal128(t.UnitPrice.Decimal)
		if err != nil {
			return transactionDoc{}, err
		}
		doc.UnitPrice = &price
	}
	return doc, nil
}

func (d transactionDoc) transaction() (ledger.Transaction, error) {
	t := ledger.Transaction{
		ID:              d.ID,
		OwnerID:         d.OwnerID,
		ProductID:       d.ProductID,
		Type:            ledger.TransactionType(d.Type),
		QuantityChange:  d.QuantityChange,
		NewStock:        d.NewStock,
		InvoiceID:       d.InvoiceID,
		Notes:           d.Notes,
		TransactionDate: d.TransactionDate.UTC(),
		Seq:             d.Seq,
	}
	if d.UnitPrice != nil {
		price, err := fromDecimal128(*d.UnitPrice)
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("transaction %s unit price: %w", d.ID, err)
		}
		t.UnitPrice.Decimal = price
		t.UnitPrice.Valid = true
	}
	return t, nil
}

type itemDoc struct {
	ProductID   string               `bson:"product_id,omitempty"`
	Description string               `bson:"description"`
	Quantity    int64                `bson:"quantity"`
	UnitPrice   primitive.Decimal128 `bson:"unit_price"`
}

type invoiceDoc struct {
	ID           string     `bson:"_id"`
	OwnerID      string     `bson:"owner_id"`
	Number       string     `bson:"number"`
	CustomerName string     `bson:"customer_name"`
	Status       string     `bson:"status"`
	StockUpdated bool       `bson:"stock_updated"`
	IssueDate    time.Time  `bson:"issue_date"`
	DueDate      *time.Time `bson:"due_date"`
	PaidDate     *time.Time `bson:"paid_date"`
	SentDate     *time.Time `bson:"sent_date"`
	Items        []itemDoc  `bson:"items"`
	Version      int64      `bson:"version"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func newInvoiceDoc(inv invoices.Invoice) (invoiceDoc, error) {
	items := make([]itemDoc, 0, len(inv.Items))
	for _, item := range inv.Items {
		price, err := toDecimal128(item.UnitPrice)
		if err != nil {
			return invoiceDoc{}, err
		}
		items = append(items, itemDoc{
			ProductID:   item.ProductID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   price,
		})
	}
	return invoiceDoc{
		ID:           inv.ID,
		OwnerID:      inv.OwnerID,
		Number:       inv.Number,
		CustomerName: inv.CustomerName,
		Status:       string(inv.Status),
		StockUpdated: inv.StockUpdated,
		IssueDate:    inv.IssueDate,
		DueDate:      inv.DueDate,
		PaidDate:     inv.PaidDate,
		SentDate:     inv.SentDate,
		Items:        items,
		Version:      inv.Version,
		CreatedAt:    inv.CreatedAt,
		UpdatedAt:    inv.UpdatedAt,
	}, nil
}

func (d invoiceDoc) invoice() (invoices.Invoice, error) {
	items := make([]invoices.Item, 0, len(d.Items))
	for _, item := range d.Items {
		price, err := fromDecimal128(item.UnitPrice)
		if err != nil {
			return invoices.Invoice{}, fmt.Errorf("invoice %s item price: %w", d.ID, err)
		}
		items = append(items, invoices.Item{
			ProductID:   item.ProductID,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   price,
		})
	}
	return invoices.Invoice{
		ID:           d.ID,
		OwnerID:      d.OwnerID,
		Number:       d.Number,
		CustomerName: d.CustomerName,
		Status:       invoices.Status(d.Status),
		StockUpdated: d.StockUpdated,
		IssueDate:    d.IssueDate.UTC(),
		DueDate:      utcPtr(d.DueDate),
		PaidDate:     utcPtr(d.PaidDate),
		SentDate:     utcPtr(d.SentDate),
		Items:        items,
		Version:      d.Version,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
