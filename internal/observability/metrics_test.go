package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandlerExposesRuntimeAndDomainSeries(t *testing.T) {
	body := scrape(t, NewMetrics())
	assert.Contains(t, body, "invoicely_ledger_drift_products")
	assert.Contains(t, body, "go_goroutines")
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	m := NewMetrics()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/products/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/products/{id}", "418")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.httpLatency))
	assert.Zero(t, testutil.ToFloat64(m.httpInFlight))
}

func TestMiddlewareDefaultsStatusAndRoute(t *testing.T) {
	m := NewMetrics()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	req := httptest.NewRequest(http.MethodPost, "/nowhere", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodPost, "unmatched", "200")))
}

func TestDomainSeries(t *testing.T) {
	m := NewMetrics()
	m.LedgerEntry("sale", "record")
	m.LedgerEntry("sale", "record")
	m.ConflictRetry("adjust_stock")
	m.Transition("sent", "paid", "ok")
	m.SetDrift(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ledgerEntries.WithLabelValues("sale", "record")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflictRetries.WithLabelValues("adjust_stock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("sent", "paid", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.driftProducts))

	body := scrape(t, m)
	assert.True(t, strings.Contains(body, `invoicely_invoice_transitions_total{from="sent",outcome="ok",to="paid"} 1`), body)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.LedgerEntry("sale", "record")
	m.ConflictRetry("op")
	m.Transition("a", "b", "ok")
	m.SetDrift(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	called := false
	m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}
