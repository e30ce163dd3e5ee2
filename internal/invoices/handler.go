package invoices

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/invoicely/invoicely/internal/platform/httpx"
)

// Handler wires HTTP endpoints for invoices.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs invoice handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/status", h.handleTransition)
	})
}

type itemRequest struct {
	ProductID   string          `json:"productId"`
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    int64           `json:"quantity" validate:"gte=0"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

type createInvoiceRequest struct {
	Number       string        `json:"number" validate:"required,max=64"`
	CustomerName string        `json:"customerName" validate:"required,max=200"`
	IssueDate    *time.Time    `json:"issueDate"`
	DueDate      *time.Time    `json:"dueDate"`
	Items        []itemRequest `json:"items" validate:"dive"`
}

type transitionRequest struct {
	Status string `json:"status" validate:"required,oneof=draft sent paid overdue cancelled"`
}

// ItemView is the JSON representation of an invoice line.
type ItemView struct {
	ProductID   string          `json:"productId,omitempty"`
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

// InvoiceView is the JSON representation of an invoice.
type InvoiceView struct {
	ID           string          `json:"id"`
	Number       string          `json:"number"`
	CustomerName string          `json:"customerName"`
	Status       Status          `json:"status"`
	StockUpdated bool            `json:"stockUpdated"`
	IssueDate    time.Time       `json:"issueDate"`
	DueDate      *time.Time      `json:"dueDate,omitempty"`
	PaidDate     *time.Time      `json:"paidDate,omitempty"`
	SentDate     *time.Time      `json:"sentDate,omitempty"`
	Items        []ItemView      `json:"items"`
	Total        decimal.Decimal `json:"total"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NewInvoiceView converts an invoice for transport.
func NewInvoiceView(inv Invoice) InvoiceView {
	items := make([]ItemView, 0, len(inv.Items))
	for _, item := range inv.Items {
		items = append(items, ItemView(item))
	}
	return InvoiceView{
		ID:           inv.ID,
		Number:       inv.Number,
		CustomerName: inv.CustomerName,
		Status:       inv.Status,
		StockUpdated: inv.StockUpdated,
		IssueDate:    inv.IssueDate,
		DueDate:      inv.DueDate,
		PaidDate:     inv.PaidDate,
		SentDate:     inv.SentDate,
		Items:        items,
		Total:        inv.Total(),
		CreatedAt:    inv.CreatedAt,
		UpdatedAt:    inv.UpdatedAt,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	input := NewInvoiceInput{
		Number:       req.Number,
		CustomerName: req.CustomerName,
		DueDate:      req.DueDate,
	}
	if req.IssueDate != nil {
		input.IssueDate = *req.IssueDate
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, Item(item))
	}
	invoice, err := h.service.CreateInvoice(r.Context(), input)
	if err != nil {
		h.fail(w, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, NewInvoiceView(invoice))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	invoice, err := h.service.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewInvoiceView(invoice))
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	result, err := h.service.TransitionStatus(r.Context(), chi.URLParam(r, "id"), Status(req.Status))
	if err != nil {
		h.fail(w, "transition invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice": NewInvoiceView(result.Invoice),
		"effect":  result.Effect.String(),
		"changed": result.Changed,
	})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", slog.Any("error", err))
	} else {
		h.logger.Info(op+" rejected", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
