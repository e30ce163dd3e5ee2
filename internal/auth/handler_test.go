package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicely/invoicely/internal/auth"
	"github.com/invoicely/invoicely/internal/shared"
)

const secret = "0123456789abcdef-test-secret"

func newVerifier(t *testing.T, issuer string) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier(secret, issuer)
	require.NoError(t, err)
	return v
}

func TestVerifierRoundTrip(t *testing.T) {
	v := newVerifier(t, "invoicely")
	token, err := v.Issue(shared.Actor{UserID: "u-1", AccountID: "acct-1"}, time.Hour)
	require.NoError(t, err)

	actor, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, shared.Actor{UserID: "u-1", AccountID: "acct-1"}, actor)
}

func TestVerifierRejects(t *testing.T) {
	v := newVerifier(t, "invoicely")
	actor := shared.Actor{UserID: "u-1", AccountID: "acct-1"}

	expired, err := v.Issue(actor, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	other := newVerifier(t, "someone-else")
	foreign, err := other.Issue(actor, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(foreign)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	_, err = v.Verify("not-a-token")
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	_, err = v.Issue(shared.Actor{UserID: "u-1"}, time.Hour)
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = auth.NewVerifier("short", "")
	assert.Error(t, err)
}

func TestMiddlewareRequire(t *testing.T) {
	v := newVerifier(t, "")
	mw := auth.Middleware{Verifier: v}

	var seen shared.Actor
	handler := mw.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/products/p-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/products/p-1", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := v.Issue(shared.Actor{UserID: "u-9", AccountID: "acct-9"}, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/products/p-1", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "acct-9", seen.AccountID)
	assert.Equal(t, "u-9", seen.UserID)
}
