package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/invoicely/invoicely/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/products", func(r chi.Router) {
		r.Post("/", h.handleCreateProduct)
		r.Get("/{id}", h.handleGetProduct)
		r.Delete("/{id}", h.handleDeleteProduct)
		r.Get("/{id}/transactions", h.handleListTransactions)
		r.Post("/{id}/adjustments", h.handleAdjustment)
	})
	r.Delete("/transactions/{id}", h.handleDeleteTransaction)
}

type createProductRequest struct {
	Name          string              `json:"name" validate:"required,max=200"`
	SKU           string              `json:"sku" validate:"max=64"`
	InitialStock  int64               `json:"initialStock"`
	SellingPrice  decimal.Decimal     `json:"sellingPrice"`
	PurchasePrice decimal.NullDecimal `json:"purchasePrice"`
}

type adjustmentRequest struct {
	QuantityChange int64               `json:"quantityChange" validate:"required"`
	Notes          string              `json:"notes" validate:"max=500"`
	UnitPrice      decimal.NullDecimal `json:"unitPrice"`
	Type           string              `json:"type" validate:"omitempty,oneof=purchase sale adjustment"`
}

// ProductView is the JSON representation of a product.
type ProductView struct {
	ID            string              `json:"id"`
	OwnerID       string              `json:"ownerId"`
	Name          string              `json:"name"`
	SKU           string              `json:"sku,omitempty"`
	Stock         int64               `json:"stock"`
	SellingPrice  decimal.Decimal     `json:"sellingPrice"`
	PurchasePrice decimal.NullDecimal `json:"purchasePrice"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// TransactionView is the JSON representation of a ledger entry.
type TransactionView struct {
	ID              string              `json:"id"`
	ProductID       string              `json:"productId"`
	Type            TransactionType     `json:"type"`
	QuantityChange  int64               `json:"quantityChange"`
	NewStock        int64               `json:"newStock"`
	UnitPrice       decimal.NullDecimal `json:"unitPrice"`
	InvoiceID       string              `json:"invoiceId,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	TransactionDate time.Time           `json:"transactionDate"`
}

// NewProductView converts a product for transport.
func NewProductView(p Product) ProductView {
	return ProductView{
		ID:            p.ID,
		OwnerID:       p.OwnerID,
		Name:          p.Name,
		SKU:           p.SKU,
		Stock:         p.Stock,
		SellingPrice:  p.SellingPrice,
		PurchasePrice: p.PurchasePrice,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// NewTransactionView converts a ledger entry for transport.
func NewTransactionView(t Transaction) TransactionView {
	return TransactionView{
		ID:              t.ID,
		ProductID:       t.ProductID,
		Type:            t.Type,
		QuantityChange:  t.QuantityChange,
		NewStock:        t.NewStock,
		UnitPrice:       t.UnitPrice,
		InvoiceID:       t.InvoiceID,
		Notes:           t.Notes,
		TransactionDate: t.TransactionDate,
	}
}

func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	product, err := h.service.CreateProduct(r.Context(), NewProductInput{
		Name:          req.Name,
		SKU:           req.SKU,
		InitialStock:  req.InitialStock,
		SellingPrice:  req.SellingPrice,
		PurchasePrice: req.PurchasePrice,
	})
	if err != nil {
		h.fail(w, "create product", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, NewProductView(product))
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get product", err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewProductView(product))
}

func (h *Handler) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "delete product", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, problems := parseTransactionFilter(r)
	if len(problems) > 0 {
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Fields: problems,
		})
		return
	}
	entries, err := h.service.ListTransactions(r.Context(), chi.URLParam(r, "id"), filter)
	if err != nil {
		h.fail(w, "list transactions", err)
		return
	}
	views := make([]TransactionView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, NewTransactionView(entry))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": views})
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	result, err := h.service.AdjustStock(r.Context(), AdjustmentInput{
		ProductID:      chi.URLParam(r, "id"),
		QuantityChange: req.QuantityChange,
		Notes:          req.Notes,
		UnitPrice:      req.UnitPrice,
		Type:           TransactionType(req.Type),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, "adjust stock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"newStock":    result.NewStock,
		"product":     NewProductView(result.Product),
		"transaction": NewTransactionView(result.Transaction),
	})
}

func (h *Handler) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	product, err := h.service.DeleteTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "delete transaction", err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewProductView(product))
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", slog.Any("error", err))
	} else {
		h.logger.Info(op+" rejected", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseTransactionFilter(r *http.Request) (TransactionFilter, map[string]string) {
	var filter TransactionFilter
	problems := map[string]string{}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			problems["from"] = "invalid date"
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			problems["to"] = "invalid date"
		} else {
			filter.To = t.Add(24*time.Hour - time.Nanosecond)
		}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 || n > 1000 {
			problems["limit"] = "must be between 1 and 1000"
		}
		filter.Limit = n
	}
	return filter, problems
}
