package shared

import "errors"

var (
	// ErrValidation indicates malformed input such as a zero quantity change.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrPermission indicates the acting account does not own the resource.
	ErrPermission = errors.New("permission denied")
	// ErrInvalidTransition indicates an invoice status change outside the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConcurrencyConflict indicates a transactional write lost a race with another writer.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrUnauthenticated indicates the request carried no usable principal.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// IsRetryable reports whether err may succeed when the unit of work is replayed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
