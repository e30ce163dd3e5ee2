package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	productCachePrefix = "ledger:product"
	// generationTTL outlives any in-flight load by a wide margin.
	generationTTL = 24 * time.Hour
)

// Cache keeps product snapshots in Redis. Entries are dropped after every
// committed stock mutation. Each invalidation also bumps a per-product
// generation, and a load only writes its snapshot back when the generation
// it started under is still current, so a read that overlaps a commit never
// re-caches the pre-commit stock. The TTL bounds staleness only when an
// invalidation itself is lost.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func productCacheKey(productID string) string {
	return fmt.Sprintf("%s:%s", productCachePrefix, productID)
}

func productGenerationKey(productID string) string {
	return productCacheKey(productID) + ":gen"
}

// Product loads a cached snapshot or populates it using the loader.
func (c *Cache) Product(ctx context.Context, productID string, loader func(context.Context) (Product, error)) (Product, error) {
	if loader == nil {
		return Product{}, errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := productCacheKey(productID)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var product Product
		if jsonErr := json.Unmarshal(raw, &product); jsonErr == nil {
			return product, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}
	genKey := productGenerationKey(productID)
	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		generation, genErr := c.client.Get(ctx, genKey).Result()
		if genErr != nil && !errors.Is(genErr, redis.Nil) {
			return loader(ctx)
		}
		product, err := loader(ctx)
		if err != nil {
			return Product{}, err
		}
		_ = c.store(ctx, key, genKey, generation, product)
		return product, nil
	})
	if err != nil {
		return Product{}, err
	}
	return value.(Product), nil
}

var errGenerationMoved = errors.New("cache: product invalidated during load")

// store writes product under key unless genKey changed since the load read
// it as seen. WATCH makes an invalidation racing the write abort the EXEC.
func (c *Cache) store(ctx context.Context, key, genKey, seen string, product Product) error {
	payload, err := json.Marshal(product)
	if err != nil {
		return err
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != seen {
			return errGenerationMoved
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return errGenerationMoved
	}
	return err
}

// Invalidate drops cached snapshots for the given products and bumps their
// generations so loads already in flight discard their results.
func (c *Cache) Invalidate(ctx context.Context, productIDs ...string) error {
	if c == nil || c.client == nil || len(productIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range productIDs {
			pipe.Del(ctx, productCacheKey(id))
			pipe.Incr(ctx, productGenerationKey(id))
			pipe.Expire(ctx, productGenerationKey(id), generationTTL)
		}
		return nil
	})
	return err
}
