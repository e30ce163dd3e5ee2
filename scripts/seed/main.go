package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/invoicely/invoicely/internal/app"
	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/observability"
	"github.com/invoicely/invoicely/internal/shared"
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer backend.Close()

	services, err := app.NewServices(cfg, backend, nil, observability.NewMetrics(), logger)
	if err != nil {
		log.Fatalf("wire services: %v", err)
	}

	account := getenv("SEED_ACCOUNT", "acct-demo")
	ctx = shared.ContextWithActor(ctx, shared.Actor{UserID: "seed", AccountID: account})

	fmt.Println("→ Seeding products...")
	products, err := seedProducts(ctx, services.Ledger)
	if err != nil {
		log.Fatalf("seed products: %v", err)
	}

	fmt.Println("→ Seeding invoices...")
	if err := seedInvoices(ctx, services.Invoices, products); err != nil {
		log.Fatalf("seed invoices: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seedProducts(ctx context.Context, svc *ledger.Service) ([]ledger.Product, error) {
	catalogue := []ledger.NewProductInput{
		{Name: "Oak Desk", SKU: "DESK-OAK", InitialStock: 25, SellingPrice: decimal.RequireFromString("349.00"), PurchasePrice: decimal.NewNullDecimal(decimal.RequireFromString("210.00"))},
		{Name: "Task Chair", SKU: "CHAIR-TASK", InitialStock: 60, SellingPrice: decimal.RequireFromString("129.50"), PurchasePrice: decimal.NewNullDecimal(decimal.RequireFromString("74.00"))},
		{Name: "Desk Lamp", SKU: "LAMP-LED", InitialStock: 120, SellingPrice: decimal.RequireFromString("39.90")},
	}
	products := make([]ledger.Product, 0, len(catalogue))
	for _, in := range catalogue {
		p, err := svc.CreateProduct(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in.SKU, err)
		}
		products = append(products, p)
	}
	if _, err := svc.AdjustStock(ctx, ledger.AdjustmentInput{
		ProductID:      products[2].ID,
		QuantityChange: -4,
		Type:           ledger.TransactionTypeAdjustment,
		Notes:          "Damaged in transit",
	}); err != nil {
		return nil, fmt.Errorf("damage adjustment: %w", err)
	}
	return products, nil
}

func seedInvoices(ctx context.Context, svc *invoices.Service, products []ledger.Product) error {
	issued := time.Now().UTC().AddDate(0, 0, -30)
	due := issued.AddDate(0, 0, 27)
	plans := []struct {
		number string
		items  []invoices.Item
		path   []invoices.Status
	}{
		{
			number: "INV-0001",
			items: []invoices.Item{
				{ProductID: products[0].ID, Description: products[0].Name, Quantity: 2, UnitPrice: products[0].SellingPrice},
				{Description: "Assembly", Quantity: 1, UnitPrice: decimal.RequireFromString("60")},
			},
			path: []invoices.Status{invoices.StatusSent, invoices.StatusPaid},
		},
		{
			number: "INV-0002",
			items:  []invoices.Item{{ProductID: products[1].ID, Description: products[1].Name, Quantity: 8, UnitPrice: products[1].SellingPrice}},
			path:   []invoices.Status{invoices.StatusSent},
		},
		{
			number: "INV-0003",
			items:  []invoices.Item{{ProductID: products[2].ID, Description: products[2].Name, Quantity: 10, UnitPrice: products[2].SellingPrice}},
		},
	}
	for _, plan := range plans {
		inv, err := svc.CreateInvoice(ctx, invoices.NewInvoiceInput{
			Number:       plan.number,
			CustomerName: "Demo Customer",
			IssueDate:    issued,
			DueDate:      &due,
			Items:        plan.items,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", plan.number, err)
		}
		for _, to := range plan.path {
			if _, err := svc.TransitionStatus(ctx, inv.ID, to); err != nil {
				return fmt.Errorf("%s -> %s: %w", plan.number, to, err)
			}
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
