// Package ledger selects and opens the configured store backend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spacemeter/internal/config"
	"spacemeter/internal/db"
	"spacemeter/internal/domain"
	"spacemeter/internal/ledger/cache"
	"spacemeter/internal/ledger/dynamo"
	"spacemeter/internal/ledger/memory"
)

// Store is implemented by every backend: Postgres, DynamoDB and memory.
type Store interface {
	PutSpaceDiff(ctx context.Context, d domain.SpaceDiffRecord) error
	ListSpaceDiffs(ctx context.Context, provider, space string, from, to time.Time) ([]domain.SpaceDiffRecord, error)
	GetSpaceSnapshot(ctx context.Context, provider, space string, recordedAt time.Time) (domain.SpaceSnapshotRecord, error)
	PutSpaceSnapshot(ctx context.Context, snap domain.SpaceSnapshotRecord) error
	PutUsage(ctx context.Context, rec domain.UsageRecord) error
	ListUsage(ctx context.Context, customer string, from time.Time) ([]domain.UsageRecord, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*db.DB)(nil)
	_ Store = (*dynamo.Store)(nil)
	_ Store = (*memory.Store)(nil)
	_ Store = (*cache.Store)(nil)
)

// Backend is an opened store plus its teardown.
type Backend struct {
	Store
	Name    string
	closers []func() error
}

// Open connects the backend named by cfg.LedgerBackend. When cfg.Redis.Addr
// is set the store is wrapped in the snapshot cache, so every process that
// writes snapshots also refreshes the cached copies. metrics may be nil.
func Open(ctx context.Context, cfg config.Config, metrics cache.Metrics) (*Backend, error) {
	b, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Addr == "" {
		return b, nil
	}
	client, err := cache.Connect(ctx, cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open snapshot cache: %w", err)
	}
	b.withCache(client, cfg.Redis.TTL, metrics)
	return b, nil
}

func (b *Backend) withCache(client *redis.Client, ttl time.Duration, metrics cache.Metrics) {
	b.Store = cache.New(b.Store, client, ttl, metrics)
	b.closers = append(b.closers, client.Close)
}

func openStore(ctx context.Context, cfg config.Config) (*Backend, error) {
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		conn, err := db.Open(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return &Backend{Store: conn, Name: cfg.LedgerBackend, closers: []func() error{conn.Close}}, nil
	case config.BackendDynamoDB:
		store, err := dynamo.New(ctx, dynamo.Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			SessionToken:    cfg.AWS.SessionToken,
			Endpoint:        cfg.AWS.DynamoEndpoint,
			DiffTable:       cfg.AWS.DiffTable,
			SnapshotTable:   cfg.AWS.SnapshotTable,
			UsageTable:      cfg.AWS.UsageTable,
			MaxPages:        cfg.AWS.MaxPages,
		})
		if err != nil {
			return nil, fmt.Errorf("open dynamodb ledger: %w", err)
		}
		return &Backend{Store: store, Name: cfg.LedgerBackend}, nil
	case config.BackendMemory:
		return &Backend{Store: memory.New(), Name: cfg.LedgerBackend}, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
}

// Cached reports whether snapshot reads go through Redis.
func (b *Backend) Cached() bool {
	_, ok := b.Store.(*cache.Store)
	return ok
}

// Close releases the cache client and then the store connection.
func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}
