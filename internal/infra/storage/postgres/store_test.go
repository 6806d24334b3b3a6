package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/storage"
)

// Runs only when BLOCKWATCH_TEST_POSTGRES_URL points at a disposable database.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("BLOCKWATCH_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("BLOCKWATCH_TEST_POSTGRES_URL not set")
	}
	s, err := Open(context.Background(), Config{URL: url, ArchiveKeep: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.Exec(`TRUNCATE checkpoints, missed_blocks, block_archives`)
		_ = s.Close()
	})
	return s
}

func TestStore_CommitTickAtomic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.GetCheckpoint(ctx, "ethereum")
	assert.ErrorIs(t, err, storage.ErrCheckpointNotFound)

	missed := []domain.MissedBlock{
		domain.NewMissedBlock("ethereum", 1, domain.MissedReasonCatchUpWindow, nil),
		domain.NewMissedBlock("ethereum", 2, domain.MissedReasonCatchUpWindow, nil),
	}
	require.NoError(t, s.CommitTick(ctx, domain.Checkpoint{Network: "ethereum", BlockNumber: 10}, missed))

	cp, err := s.GetCheckpoint(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cp.BlockNumber)

	n, err := s.CountMissed(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recent, err := s.ListMissed(ctx, "ethereum", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(2), recent[0].BlockNumber)

	// A duplicate id aborts the whole commit.
	err = s.CommitTick(ctx, domain.Checkpoint{Network: "ethereum", BlockNumber: 20}, missed[:1])
	require.Error(t, err)
	cp, err = s.GetCheckpoint(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cp.BlockNumber)
}

func TestStore_ArchiveRetention(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, s.SaveBlocks(ctx, "stellar", []*domain.Block{{Network: "stellar", Number: i}}))
	}
	var n int
	require.NoError(t, s.db.Get(&n, `SELECT count(*) FROM block_archives WHERE network = 'stellar'`))
	assert.Equal(t, 1, n)
}

func TestMissedChunks_StayUnderParamLimit(t *testing.T) {
	records := make([]domain.MissedBlock, 12001)
	for i := range records {
		records[i] = domain.NewMissedBlock("ethereum", uint64(i), domain.MissedReasonCatchUpWindow, nil)
	}
	chunks := missedChunks(toMissedRows(records), missedBatchSize)
	require.Len(t, chunks, 3)

	total := 0
	for _, chunk := range chunks {
		_, args, err := sqlx.Named(insertMissedSQL, chunk)
		require.NoError(t, err)
		assert.Less(t, len(args), 65535)
		total += len(chunk)
	}
	assert.Equal(t, len(records), total)
	assert.Equal(t, int64(12000), chunks[2][len(chunks[2])-1].BlockNumber)
	assert.Empty(t, missedChunks(nil, missedBatchSize))
}

func TestStore_CommitTickLargeMissedSet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	missed := make([]domain.MissedBlock, 12000)
	for i := range missed {
		missed[i] = domain.NewMissedBlock("polygon", uint64(i+1), domain.MissedReasonCatchUpWindow, nil)
	}
	require.NoError(t, s.CommitTick(ctx, domain.Checkpoint{Network: "polygon", BlockNumber: 12000}, missed))

	n, err := s.CountMissed(ctx, "polygon")
	require.NoError(t, err)
	assert.Equal(t, 12000, n)
	cp, err := s.GetCheckpoint(ctx, "polygon")
	require.NoError(t, err)
	assert.Equal(t, uint64(12000), cp.BlockNumber)
}
