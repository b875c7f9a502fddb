package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacemeter/internal/config"
	"spacemeter/internal/domain"
)

func TestOpenMemory(t *testing.T) {
	b, err := Open(context.Background(), config.Config{LedgerBackend: config.BackendMemory}, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, config.BackendMemory, b.Name)
	assert.False(t, b.Cached())
	assert.NoError(t, b.Ping(context.Background()))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.Config{LedgerBackend: "sqlite"}, nil)
	assert.ErrorContains(t, err, `unknown ledger backend "sqlite"`)
}

func TestOpenDynamoRequiresRegion(t *testing.T) {
	_, err := Open(context.Background(), config.Config{LedgerBackend: config.BackendDynamoDB}, nil)
	assert.ErrorContains(t, err, "region is required")
}

func TestOpenWithRedisWrapsSnapshotWrites(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := config.Config{
		LedgerBackend: config.BackendMemory,
		Redis:         config.RedisConfig{Addr: mr.Addr(), TTL: time.Minute},
	}
	b, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	require.True(t, b.Cached())

	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, b.PutSpaceSnapshot(ctx, domain.SpaceSnapshotRecord{
		Provider: "did:web:p", Space: "did:key:s", Size: 7, RecordedAt: at,
	}))
	assert.Len(t, mr.Keys(), 1)
	assert.NoError(t, b.Ping(ctx))

	mr.Close()
	assert.ErrorContains(t, b.Ping(ctx), "ping redis")
}

func TestOpenFailsWhenRedisIsUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), config.Config{
		LedgerBackend: config.BackendMemory,
		Redis:         config.RedisConfig{Addr: addr},
	}, nil)
	assert.ErrorContains(t, err, "open snapshot cache")
}
