package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/invoicely/invoicely/internal/invoices"
	"github.com/invoicely/invoicely/internal/ledger"
	"github.com/invoicely/invoicely/internal/locking"
	"github.com/invoicely/invoicely/internal/observability"
	"github.com/invoicely/invoicely/internal/platform/cache"
	"github.com/invoicely/invoicely/internal/platform/db"
	"github.com/invoicely/invoicely/internal/platform/docdb"
	"github.com/invoicely/invoicely/internal/shared"
	"github.com/invoicely/invoicely/internal/store/memory"
	mongostore "github.com/invoicely/invoicely/internal/store/mongo"
	pgstore "github.com/invoicely/invoicely/internal/store/postgres"
)

// AuditSink is satisfied by every audit backend.
type AuditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Backend bundles the repositories for the configured store.
type Backend struct {
	Ledger      ledger.Repository
	Invoices    invoices.Repository
	Audit       AuditSink
	Idempotency ledger.IdempotencyPort
	// Cleaner is set when the backend keeps idempotency keys that need pruning.
	Cleaner *shared.IdempotencyStore
	// Ping is nil for backends with nothing to reach.
	Ping ReadinessCheck

	closers []func()
}

// Close releases the backend's connections in reverse order.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// OpenBackend connects to the store named by cfg.StoreBackend.
func OpenBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.StoreBackend {
	case BackendPostgres:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, err
		}
		store := pgstore.New(pool)
		idem := shared.NewIdempotencyStore(pool)
		return &Backend{
			Ledger:      store.Ledger(),
			Invoices:    store.Invoices(),
			Audit:       shared.NewAuditLogger(pool),
			Idempotency: idem,
			Cleaner:     idem,
			Ping:        pool.Ping,
			closers:     []func(){pool.Close},
		}, nil
	case BackendMongo:
		client, err := docdb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		store := mongostore.New(client, cfg.MongoDB)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return &Backend{
			Ledger:      store.Ledger(),
			Invoices:    store.Invoices(),
			Audit:       shared.NewSlogAuditLogger(logger),
			Idempotency: mongostore.NewIdempotencyStore(store),
			Ping: func(ctx context.Context) error {
				return client.Ping(ctx, readpref.Primary())
			},
			closers: []func(){func() {
				if err := client.Disconnect(context.Background()); err != nil {
					logger.Warn("mongo disconnect", slog.Any("error", err))
				}
			}},
		}, nil
	case BackendMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		store := memory.New()
		return &Backend{
			Ledger:      store.Ledger(),
			Invoices:    store.Invoices(),
			Audit:       shared.NewSlogAuditLogger(logger),
			Idempotency: shared.NewMemoryIdempotencyStore(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// ConnectRedis dials Redis. A failed ping is only fatal when the lock
// backend needs Redis; otherwise the product cache is disabled.
func ConnectRedis(ctx context.Context, cfg *Config, logger *slog.Logger) (*redis.Client, error) {
	client, err := cache.New(ctx, cfg.RedisAddr)
	if err == nil {
		return client, nil
	}
	if cfg.LedgerLockBackend == LockRedis {
		return nil, err
	}
	logger.Warn("redis unavailable, product cache disabled", slog.Any("error", err))
	return nil, nil
}

// NewLocker builds the per-product locker named by cfg.LedgerLockBackend.
func NewLocker(cfg *Config, client *redis.Client) (locking.Locker, error) {
	switch cfg.LedgerLockBackend {
	case LockNone:
		return locking.Noop{}, nil
	case LockLocal:
		return locking.NewLocal(), nil
	case LockRedis:
		if client == nil {
			return nil, errors.New("redis lock backend requires redis")
		}
		return locking.NewRedis(client, locking.RedisOptions{TTL: cfg.LedgerLockTTL}), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LedgerLockBackend)
	}
}

// Services holds the domain services built on a Backend.
type Services struct {
	Ledger   *ledger.Service
	Invoices *invoices.Service
}

// NewServices wires the ledger and invoice services.
func NewServices(cfg *Config, backend *Backend, redisClient *redis.Client, metrics *observability.Metrics, logger *slog.Logger) (*Services, error) {
	locker, err := NewLocker(cfg, redisClient)
	if err != nil {
		return nil, err
	}
	var productCache *ledger.Cache
	if redisClient != nil {
		productCache = ledger.NewCache(redisClient, cfg.ProductCacheTTL)
	}
	ledgerSvc := ledger.NewService(backend.Ledger, backend.Audit, backend.Idempotency, ledger.ServiceConfig{
		AllowNegativeStock: cfg.LedgerAllowNegativeStock,
		MaxAttempts:        cfg.LedgerMaxRetries,
		Locker:             locker,
		Cache:              productCache,
		Metrics:            metrics,
		Logger:             logger.With(slog.String("component", "ledger")),
	})
	invoiceSvc := invoices.NewService(backend.Invoices, ledgerSvc, backend.Audit, invoices.ServiceConfig{
		MaxAttempts: cfg.LedgerMaxRetries,
		Locker:      locker,
		Metrics:     metrics,
		Logger:      logger.With(slog.String("component", "invoices")),
	})
	return &Services{Ledger: ledgerSvc, Invoices: invoiceSvc}, nil
}
