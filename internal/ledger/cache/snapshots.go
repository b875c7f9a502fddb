// Package cache puts a Redis read-through cache in front of snapshot reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spacemeter/internal/domain"
)

const defaultPrefix = "spacemeter:snapshot:"

// Ledger is the store surface the cache wraps. Everything except snapshots
// passes straight through.
type Ledger interface {
	PutSpaceDiff(ctx context.Context, d domain.SpaceDiffRecord) error
	ListSpaceDiffs(ctx context.Context, provider, space string, from, to time.Time) ([]domain.SpaceDiffRecord, error)
	GetSpaceSnapshot(ctx context.Context, provider, space string, recordedAt time.Time) (domain.SpaceSnapshotRecord, error)
	PutSpaceSnapshot(ctx context.Context, snap domain.SpaceSnapshotRecord) error
	PutUsage(ctx context.Context, rec domain.UsageRecord) error
	ListUsage(ctx context.Context, customer string, from time.Time) ([]domain.UsageRecord, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type periodCommitter interface {
	CommitPeriod(ctx context.Context, rec domain.UsageRecord, snap domain.SpaceSnapshotRecord) error
}

// Metrics records cache lookups by result: hit, miss or error.
type Metrics interface {
	ObserveSnapshotCache(result string)
}

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Store wraps a Ledger. Snapshot reads go to Redis first; snapshot writes
// go to the ledger and then refresh Redis.
type Store struct {
	Ledger
	client  redis.Cmdable
	prefix  string
	ttl     time.Duration
	metrics Metrics
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func New(inner Ledger, client redis.Cmdable, ttl time.Duration, metrics Metrics) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		Ledger:  inner,
		client:  client,
		prefix:  defaultPrefix,
		ttl:     ttl,
		metrics: metrics,
	}
}

// key length-prefixes the provider; DIDs are full of ":".
func (s *Store) key(provider, space string, at time.Time) string {
	return fmt.Sprintf("%s%d:%s:%s:%d", s.prefix, len(provider), provider, space, at.UnixNano())
}

// GetSpaceSnapshot serves from Redis when possible. A Redis failure falls
// back to the ledger; absent snapshots are never cached.
func (s *Store) GetSpaceSnapshot(ctx context.Context, provider, space string, recordedAt time.Time) (domain.SpaceSnapshotRecord, error) {
	key := s.key(provider, space, recordedAt)
	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var snap domain.SpaceSnapshotRecord
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil {
			s.observe("hit")
			return snap, nil
		}
		s.observe("error")
	case errors.Is(err, redis.Nil):
		s.observe("miss")
	default:
		s.observe("error")
	}

	snap, err := s.Ledger.GetSpaceSnapshot(ctx, provider, space, recordedAt)
	if err != nil {
		return domain.SpaceSnapshotRecord{}, err
	}
	_ = s.set(ctx, snap)
	return snap, nil
}

func (s *Store) PutSpaceSnapshot(ctx context.Context, snap domain.SpaceSnapshotRecord) error {
	if err := s.Ledger.PutSpaceSnapshot(ctx, snap); err != nil {
		return err
	}
	return s.refresh(ctx, snap)
}

// CommitPeriod writes usage then the closing snapshot, atomically when the
// wrapped ledger supports it, and refreshes the cached snapshot.
func (s *Store) CommitPeriod(ctx context.Context, rec domain.UsageRecord, snap domain.SpaceSnapshotRecord) error {
	if pc, ok := s.Ledger.(periodCommitter); ok {
		if err := pc.CommitPeriod(ctx, rec, snap); err != nil {
			return err
		}
		return s.refresh(ctx, snap)
	}
	if err := s.Ledger.PutUsage(ctx, rec); err != nil {
		return fmt.Errorf("put usage: %w", err)
	}
	if err := s.PutSpaceSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// refresh overwrites the cached snapshot. If that fails the key is dropped;
// an error is returned only when a stale entry may survive.
func (s *Store) refresh(ctx context.Context, snap domain.SpaceSnapshotRecord) error {
	if err := s.set(ctx, snap); err == nil {
		return nil
	}
	if err := s.client.Del(ctx, s.key(snap.Provider, snap.Space, snap.RecordedAt)).Err(); err != nil {
		return fmt.Errorf("invalidate cached snapshot: %w", err)
	}
	return nil
}

func (s *Store) set(ctx context.Context, snap domain.SpaceSnapshotRecord) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(snap.Provider, snap.Space, snap.RecordedAt), raw, s.ttl).Err()
}

// Ping checks Redis and then the wrapped ledger.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	if p, ok := s.Ledger.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) observe(result string) {
	if s.metrics != nil {
		s.metrics.ObserveSnapshotCache(result)
	}
}
