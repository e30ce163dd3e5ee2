package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicely/invoicely/internal/shared"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestRespondErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		title  string
	}{
		{fmt.Errorf("%w: qty", shared.ErrValidation), http.StatusBadRequest, "Bad Request"},
		{shared.ErrNotFound, http.StatusNotFound, "Not Found"},
		{shared.ErrPermission, http.StatusForbidden, "Forbidden"},
		{shared.ErrInvalidTransition, http.StatusConflict, "Invalid Transition"},
		{shared.ErrConcurrencyConflict, http.StatusConflict, "Concurrency Conflict"},
		{fmt.Errorf("pool exhausted"), http.StatusInternalServerError, "Internal Error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
		p := decodeProblem(t, rec)
		assert.Equal(t, tc.title, p.Title)
		assert.Equal(t, "about:blank", p.Type)
		if tc.status == http.StatusInternalServerError {
			assert.Empty(t, p.Detail, "internal errors must not leak")
		}
	}

	rec := httptest.NewRecorder()
	RespondError(rec, shared.ErrConcurrencyConflict)
	assert.Equal(t, RetryAfterSeconds, rec.Header().Get("Retry-After"))
}

func TestRespondValidationListsFields(t *testing.T) {
	type body struct {
		Name string `validate:"required"`
	}
	err := validator.New().Struct(body{})
	rec := httptest.NewRecorder()
	RespondValidation(rec, err)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, map[string]string{"Name": "required"}, p.Fields)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Qty int `json:"qty"`
	}
	cases := map[string]struct {
		body    string
		wantErr string
	}{
		"ok":            {body: `{"qty":3}`},
		"empty":         {body: ``, wantErr: "empty"},
		"unknown field": {body: `{"qty":3,"x":1}`, wantErr: "malformed"},
		"trailing":      {body: `{"qty":3}{"qty":4}`, wantErr: "single JSON object"},
		"too large":     {body: `{"qty":` + strings.Repeat("1", MaxBodyBytes) + `}`, wantErr: "exceeds"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var got payload
			err := DecodeJSON(httptest.NewRecorder(), req, &got)
			if tc.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, 3, got.Qty)
				return
			}
			require.ErrorIs(t, err, shared.ErrValidation)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
