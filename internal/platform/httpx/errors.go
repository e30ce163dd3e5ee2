// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/invoicely/invoicely/internal/shared"
)

// RetryAfterSeconds is advertised on concurrency conflicts.
const RetryAfterSeconds = "1"

// StatusFor maps a domain error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrInvalidTransition), errors.Is(err, shared.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch status := StatusFor(err); {
	case errors.Is(err, shared.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", RetryAfterSeconds)
		Problem(w, status, "Concurrency Conflict", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, status, "Invalid Transition", err.Error())
	case status == http.StatusInternalServerError:
		Problem(w, status, "Internal Error", "")
	default:
		Problem(w, status, http.StatusText(status), err.Error())
	}
}

// RespondValidation renders validator failures as a 400 problem listing the
// offending fields.
func RespondValidation(w http.ResponseWriter, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	fields := make(map[string]string, len(fieldErrs))
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
		parts = append(parts, fe.Field()+" "+fe.Tag())
	}
	WriteProblem(w, ProblemDetail{
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Detail: strings.Join(parts, ", "),
		Fields: fields,
	})
}
