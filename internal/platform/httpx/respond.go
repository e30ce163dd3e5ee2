package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/invoicely/invoicely/internal/shared"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 1 << 20

const (
	contentTypeJSON    = "application/json"
	contentTypeProblem = "application/problem+json"
)

// ProblemDetail is an RFC 7807 error body. Fields carries per-field
// validation failures keyed by JSON field name.
type ProblemDetail struct {
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func write(w http.ResponseWriter, contentType string, status int, body any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if body == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, contentTypeJSON, status, data)
}

// WriteProblem writes p, filling Type and Title when they are empty.
func WriteProblem(w http.ResponseWriter, p ProblemDetail) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	w.Header().Set("Cache-Control", "no-store")
	write(w, contentTypeProblem, p.Status, p)
}

// Problem writes a problem body without field details.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	WriteProblem(w, ProblemDetail{Title: title, Status: status, Detail: detail})
}

// DecodeJSON reads exactly one JSON object from the request body into
// target. Unknown fields, trailing data and oversized bodies are reported as
// shared.ErrValidation.
func DecodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: request body is empty", shared.ErrValidation)
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: request body exceeds %d bytes", shared.ErrValidation, tooLarge.Limit)
		default:
			return fmt.Errorf("%w: malformed body: %v", shared.ErrValidation, err)
		}
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must contain a single JSON object", shared.ErrValidation)
	}
	return nil
}
