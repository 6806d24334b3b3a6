package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/storage"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "bw:checkpoint:eth", checkpointKey("bw:", "eth"))
	assert.Equal(t, "missed_blocks:eth", missedKey("", "eth"))
	assert.Equal(t, "bw:archive:eth:42", archiveKey("bw:", "eth", 42))
	assert.Equal(t, "bw:tick_lease:xlm", leaseKey("bw:", "xlm"))
}

// newTestStore connects to BLOCKWATCH_TEST_REDIS_URL and isolates keys under a random prefix.
func newTestStore(t *testing.T) (*Store, *Client, string) {
	t.Helper()
	url := os.Getenv("BLOCKWATCH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BLOCKWATCH_TEST_REDIS_URL not set")
	}
	client, err := NewClient(context.Background(), Config{URL: url})
	require.NoError(t, err)

	prefix := "test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.rdb.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.rdb.Del(ctx, keys...)
		}
		_ = client.Close()
	})
	return NewStore(client, prefix, 2), client, prefix
}

func TestStore_CommitTick(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetCheckpoint(ctx, "eth")
	assert.ErrorIs(t, err, storage.ErrCheckpointNotFound)

	missed := []domain.MissedBlock{
		domain.NewMissedBlock("eth", 5, domain.MissedReasonTransport, errors.New("timeout")),
		domain.NewMissedBlock("eth", 6, domain.MissedReasonCatchUpWindow, nil),
	}
	require.NoError(t, s.CommitTick(ctx, domain.Checkpoint{Network: "eth", BlockNumber: 10, UpdatedAt: time.Now()}, missed))

	cp, err := s.GetCheckpoint(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cp.BlockNumber)

	n, err := s.CountMissed(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	last, err := s.ListMissed(ctx, "eth", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, uint64(6), last[0].BlockNumber)
}

func TestStore_ArchiveRetention(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.SaveBlocks(ctx, "eth", []*domain.Block{{Network: "eth", Number: i}}))
		time.Sleep(2 * time.Millisecond)
	}

	n, err := s.client.rdb.ZCard(ctx, archiveIndexKey(s.prefix, "eth")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	latest, err := s.LatestArchive(ctx, "eth")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, uint64(3), latest[0].Number)
}

func TestTickLease(t *testing.T) {
	_, client, prefix := newTestStore(t)
	ctx := context.Background()

	a := NewTickLease(client, prefix, time.Minute)
	b := NewTickLease(client, prefix, time.Minute)

	ok, err := a.Acquire(ctx, "eth")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "eth")
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder can release.
	require.NoError(t, b.Release(ctx, "eth"))
	ok, _ = b.Acquire(ctx, "eth")
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, "eth"))
	ok, _ = b.Acquire(ctx, "eth")
	assert.True(t, ok)
}

func TestTickLease_Renew(t *testing.T) {
	_, client, prefix := newTestStore(t)
	ctx := context.Background()

	a := NewTickLease(client, prefix, 200*time.Millisecond)
	b := NewTickLease(client, prefix, 200*time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, a.TTL())

	ok, err := a.Acquire(ctx, "eth")
	require.NoError(t, err)
	require.True(t, ok)

	// Renewing past the original expiry keeps the lease held.
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		ok, err = a.Renew(ctx, "eth")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, _ = b.Acquire(ctx, "eth")
	assert.False(t, ok)

	ok, err = b.Renew(ctx, "eth")
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(300 * time.Millisecond)
	ok, err = a.Renew(ctx, "eth")
	require.NoError(t, err)
	assert.False(t, ok)
}
