// Package locking provides per-key advisory locks used to serialise stock
// mutations of the same product.
package locking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/invoicely/invoicely/internal/shared"
)

// Unlock releases every key acquired by a Lock call.
type Unlock func()

// Locker acquires a set of keys for the duration of a unit of work.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (Unlock, error)
}

// normalise sorts and de-duplicates keys so that callers locking overlapping
// sets always acquire them in the same order.
func normalise(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Noop never blocks.
type Noop struct{}

// Lock implements Locker.
func (Noop) Lock(context.Context, ...string) (Unlock, error) {
	return func() {}, nil
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocal builds an in-process locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*keyLock)}
}

// Lock acquires keys in sorted order, waiting until each is free or ctx ends.
func (l *Local) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	keys = normalise(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}
	for _, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return release, nil
}

func (l *Local) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *Local) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		return
	}
	<-kl.ch
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Redis holds keys through bsm/redislock so that several API replicas
// serialise on the same product.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	backoff time.Duration
}

// RedisOptions tunes lock acquisition.
type RedisOptions struct {
	TTL     time.Duration
	Retries int
	Backoff time.Duration
}

// NewRedis wraps a go-redis client.
func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 50
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 20 * time.Millisecond
	}
	return &Redis{client: redislock.New(client), ttl: opts.TTL, retries: opts.Retries, backoff: opts.Backoff}
}

// Lock obtains every key or none. Failing to obtain a key within the retry
// budget is reported as a concurrency conflict.
func (r *Redis) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	keys = normalise(keys)
	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// Release must outlive a cancelled request context.
			_ = held[i].Release(context.Background())
		}
	}
	for _, key := range keys {
		lock, err := r.client.Obtain(ctx, key, r.ttl, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.backoff), r.retries),
		})
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%w: lock %s busy", shared.ErrConcurrencyConflict, key)
			}
			return nil, fmt.Errorf("locking: obtain %s: %w", key, err)
		}
		held = append(held, lock)
	}
	return release, nil
}
