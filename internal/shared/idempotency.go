package shared

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict is returned when a request key was already used.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// ValidateIdempotencyKey rejects empty keys and modules.
func ValidateIdempotencyKey(key, module string) error {
	switch {
	case key == "":
		return errors.New("idempotency key required")
	case module == "":
		return errors.New("idempotency module required")
	}
	return nil
}

// IdempotencyStore keeps processed request keys in the idempotency_keys table.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the Postgres store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// CheckAndInsert claims key for module. A key claimed earlier yields
// ErrIdempotencyConflict regardless of the module that claimed it.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.pool == nil {
		return errors.New("idempotency store not initialised")
	}
	if err := ValidateIdempotencyKey(key, module); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, module, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`, key, module, s.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Delete releases a key so a failed request can be retried.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	return err
}

// Cleanup removes keys claimed more than olderThan ago and reports how many
// were removed.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().Add(-olderThan).UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MemoryIdempotencyStore is the in-process variant used by the memory backend
// and tests.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	claimed map[string]time.Time
	now     func() time.Time
}

// NewMemoryIdempotencyStore constructs an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{claimed: make(map[string]time.Time), now: time.Now}
}

// CheckAndInsert claims key, returning ErrIdempotencyConflict when it is
// already held.
func (s *MemoryIdempotencyStore) CheckAndInsert(_ context.Context, key, module string) error {
	if err := ValidateIdempotencyKey(key, module); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.claimed[key]; dup {
		return ErrIdempotencyConflict
	}
	s.claimed[key] = s.now()
	return nil
}

// Delete releases key. Unknown keys are ignored.
func (s *MemoryIdempotencyStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.claimed, key)
	s.mu.Unlock()
	return nil
}

// Cleanup mirrors IdempotencyStore.Cleanup.
func (s *MemoryIdempotencyStore) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, at := range s.claimed {
		if at.Before(cutoff) {
			delete(s.claimed, key)
			removed++
		}
	}
	return removed, nil
}
