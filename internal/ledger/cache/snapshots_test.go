package cache

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacemeter/internal/domain"
	"spacemeter/internal/ledger/memory"
)

var at = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

type countingLedger struct {
	*memory.Store
	gets int
}

func (c *countingLedger) GetSpaceSnapshot(ctx context.Context, provider, space string, recordedAt time.Time) (domain.SpaceSnapshotRecord, error) {
	c.gets++
	return c.Store.GetSpaceSnapshot(ctx, provider, space, recordedAt)
}

type recordingMetrics struct{ results []string }

func (m *recordingMetrics) ObserveSnapshotCache(result string) {
	m.results = append(m.results, result)
}

func setup(t *testing.T) (*Store, *countingLedger, *miniredis.Miniredis, *recordingMetrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	inner := &countingLedger{Store: memory.New()}
	metrics := &recordingMetrics{}
	return New(inner, client, time.Minute, metrics), inner, mr, metrics
}

func TestGetSpaceSnapshotReadsThrough(t *testing.T) {
	ctx := context.Background()
	s, inner, _, metrics := setup(t)
	require.NoError(t, inner.Store.PutSpaceSnapshot(ctx, domain.SpaceSnapshotRecord{Provider: "p", Space: "s", Size: 42, RecordedAt: at}))

	first, err := s.GetSpaceSnapshot(ctx, "p", "s", at)
	require.NoError(t, err)
	second, err := s.GetSpaceSnapshot(ctx, "p", "s", at)
	require.NoError(t, err)

	assert.Equal(t, int64(42), first.Size)
	assert.Equal(t, int64(42), second.Size)
	assert.Equal(t, 1, inner.gets)
	assert.Equal(t, []string{"miss", "hit"}, metrics.results)
}

func TestGetSpaceSnapshotDoesNotCacheAbsence(t *testing.T) {
	ctx := context.Background()
	s, inner, mr, _ := setup(t)

	_, err := s.GetSpaceSnapshot(ctx, "p", "s", at)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, mr.Keys())

	require.NoError(t, inner.Store.PutSpaceSnapshot(ctx, domain.SpaceSnapshotRecord{Provider: "p", Space: "s", Size: 1, RecordedAt: at}))
	snap, err := s.GetSpaceSnapshot(ctx, "p", "s", at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Size)
}

func TestGetSpaceSnapshotFallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	s, inner, mr, metrics := setup(t)
	require.NoError(t, inner.Store.PutSpaceSnapshot(ctx, domain.SpaceSnapshotRecord{Provider: "p", Space: "s", Size: 9, RecordedAt: at}))
	mr.Close()

	snap, err := s.GetSpaceSnapshot(ctx, "p", "s", at)
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.Size)
	assert.Equal(t, []string{"error"}, metrics.results)
}

func TestPutSpaceSnapshotRefreshesCache(t *testing.T) {
	ctx := context.Background()
	s, inner, _, _ := setup(t)

	require.NoError(t, s.PutSpaceSnapshot(ctx, domain.SpaceSnapshotRecord{Provider: "p", Space: "s", Size: 5, RecordedAt: at}))
	_, err := s.GetSpaceSnapshot(ctx, "p", "s", at)
	require.NoError(t, err)

	require.NoError(t, s.PutSpaceSnapshot(ctx, domain.SpaceSnapshotRecord{Provider: "p", Space: "s", Size: 6, RecordedAt: at}))
	snap, err := s.GetSpaceSnapshot(ctx, "p", "s", at)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.Size)
	assert.Zero(t, inner.gets)
}

func TestCommitPeriodWritesUsageAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s, inner, mr, _ := setup(t)
	end := at.AddDate(0, 1, 0)

	err := s.CommitPeriod(ctx,
		domain.UsageRecord{Customer: "c", Provider: "p", Space: "s", Usage: big.NewInt(77), From: at, To: end},
		domain.SpaceSnapshotRecord{Provider: "p", Space: "s", Size: 3, RecordedAt: end},
	)
	require.NoError(t, err)

	recs, err := inner.Store.ListUsage(ctx, "c", at)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "77", recs[0].Usage.String())
	assert.Len(t, mr.Keys(), 1)
	assert.Equal(t, time.Minute, mr.TTL(mr.Keys()[0]))
}

func TestKeysDoNotCollideAcrossSpaces(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := setup(t)

	a := domain.SpaceSnapshotRecord{Provider: "did:web:a:did", Space: "key:s", Size: 100, RecordedAt: at}
	b := domain.SpaceSnapshotRecord{Provider: "did:web:a", Space: "did:key:s", Size: 5, RecordedAt: at}
	assert.NotEqual(t, s.key(a.Provider, a.Space, at), s.key(b.Provider, b.Space, at))

	require.NoError(t, s.PutSpaceSnapshot(ctx, a))
	require.NoError(t, s.PutSpaceSnapshot(ctx, b))

	got, err := s.GetSpaceSnapshot(ctx, a.Provider, a.Space, at)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Size)
}
