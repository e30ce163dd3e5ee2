package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicely/invoicely/internal/app"
	"github.com/invoicely/invoicely/internal/auth"
	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/observability"
	"github.com/invoicely/invoicely/internal/shared"
	"github.com/invoicely/invoicely/jobs"
	_ "github.com/invoicely/invoicely/testing"
)

const secret = "e2e-secret-0123456789abcdef"

type harness struct {
	t        *testing.T
	server   *httptest.Server
	verifier *auth.Verifier
	services *app.Services
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &app.Config{
		AppEnv:                   "test",
		StoreBackend:             app.BackendMemory,
		JWTSecret:                secret,
		JWTIssuer:                "invoicely",
		LedgerMaxRetries:         10,
		LedgerLockBackend:        app.LockLocal,
		LedgerAllowNegativeStock: true,
		AppRequestTimeout:        5 * time.Second,
		RateLimitPerMinute:       1000,
	}
	require.NoError(t, cfg.Validate())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := app.OpenBackend(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	metrics := observability.NewMetrics()
	services, err := app.NewServices(cfg, backend, nil, metrics, logger)
	require.NoError(t, err)

	verifier, err := auth.NewVerifier(secret, cfg.JWTIssuer)
	require.NoError(t, err)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Auth:           auth.Middleware{Verifier: verifier, Logger: logger},
		LedgerHandler:  ledger.NewHandler(logger, services.Ledger),
		InvoiceHandler: invoices.NewHandler(logger, services.Invoices),
		JobHandler:     jobs.NewHandler(nil, logger),
		Metrics:        metrics,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &harness{t: t, server: server, verifier: verifier, services: services}
}

func (h *harness) token(account string) string {
	token, err := h.verifier.Issue(shared.Actor{UserID: "user-" + account, AccountID: account}, time.Hour)
	require.NoError(h.t, err)
	return token
}

func (h *harness) do(method, path, token string, body any, headers map[string]string) (int, map[string]any) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	if len(bytes.TrimSpace(raw)) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(h.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestInvoicePaymentAppliesStockOverHTTP(t *testing.T) {
	h := newHarness(t)
	token := h.token("acct-1")

	code, product := h.do(http.MethodPost, "/api/products/", token, map[string]any{
		"name": "Desk", "sku": "DSK-1", "initialStock": 10, "sellingPrice": "250.00",
	}, nil)
	require.Equal(t, http.StatusCreated, code)
	productID := product["id"].(string)
	assert.EqualValues(t, 10, product["stock"])

	code, invoice := h.do(http.MethodPost, "/api/invoices/", token, map[string]any{
		"number":       "INV-100",
		"customerName": "Globex",
		"items": []map[string]any{
			{"productId": productID, "description": "Desk", "quantity": 3, "unitPrice": "250.00"},
			{"description": "Delivery", "quantity": 1, "unitPrice": "40"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, code)
	invoiceID := invoice["id"].(string)
	assert.Equal(t, "draft", invoice["status"])

	code, _ = h.do(http.MethodPost, "/api/invoices/"+invoiceID+"/status", token, map[string]any{"status": "sent"}, nil)
	require.Equal(t, http.StatusOK, code)

	code, res := h.do(http.MethodPost, "/api/invoices/"+invoiceID+"/status", token, map[string]any{"status": "paid"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "apply_stock", res["effect"])
	paid := res["invoice"].(map[string]any)
	assert.Equal(t, true, paid["stockUpdated"])
	assert.NotEmpty(t, paid["paidDate"])

	code, product = h.do(http.MethodGet, "/api/products/"+productID, token, nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 7, product["stock"])

	code, listing := h.do(http.MethodGet, "/api/products/"+productID+"/transactions", token, nil, nil)
	require.Equal(t, http.StatusOK, code)
	entries := listing["transactions"].([]any)
	require.Len(t, entries, 2)
	sale := entries[1].(map[string]any)
	assert.Equal(t, "sale", sale["type"])
	assert.EqualValues(t, -3, sale["quantityChange"])
	assert.Equal(t, invoiceID, sale["invoiceId"])

	code, res = h.do(http.MethodPost, "/api/invoices/"+invoiceID+"/status", token, map[string]any{"status": "sent"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "reverse_stock", res["effect"])

	_, product = h.do(http.MethodGet, "/api/products/"+productID, token, nil, nil)
	assert.EqualValues(t, 10, product["stock"])
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	owner := h.token("acct-1")
	stranger := h.token("acct-2")

	code, _ := h.do(http.MethodGet, "/api/products/whatever", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	_, product := h.do(http.MethodPost, "/api/products/", owner, map[string]any{"name": "Lamp", "sellingPrice": "10"}, nil)
	productID := product["id"].(string)

	code, _ = h.do(http.MethodGet, "/api/products/"+productID, stranger, nil, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodGet, "/api/products/missing", owner, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := h.do(http.MethodPost, "/api/products/"+productID+"/adjustments", owner, map[string]any{"quantityChange": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotNil(t, body["fields"])

	headers := map[string]string{"Idempotency-Key": "restock-1"}
	code, _ = h.do(http.MethodPost, "/api/products/"+productID+"/adjustments", owner, map[string]any{"quantityChange": 5}, headers)
	assert.Equal(t, http.StatusCreated, code)
	code, _ = h.do(http.MethodPost, "/api/products/"+productID+"/adjustments", owner, map[string]any{"quantityChange": 5}, headers)
	assert.Equal(t, http.StatusBadRequest, code)

	_, product = h.do(http.MethodGet, "/api/products/"+productID, owner, nil, nil)
	assert.EqualValues(t, 5, product["stock"])

	_, invoice := h.do(http.MethodPost, "/api/invoices/", owner, map[string]any{"number": "INV-1", "customerName": "Initech"}, nil)
	invoiceID := invoice["id"].(string)
	code, body = h.do(http.MethodPost, "/api/invoices/"+invoiceID+"/status", owner, map[string]any{"status": "overdue"}, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Invalid Transition", body["title"])

	code, _ = h.do(http.MethodPost, "/api/invoices/"+invoiceID+"/status", owner, map[string]any{"status": "archived"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(http.MethodGet, "/api/products/"+productID+"/transactions?limit=0", owner, nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestOperationalEndpoints(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = h.do(http.MethodGet, "/jobs/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, jobs.QueueDefault, body["queue"])

	resp, err := h.server.Client().Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "invoicely_http_requests_total")
}
