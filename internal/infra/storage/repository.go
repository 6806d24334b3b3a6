package storage

import (
	"context"
	"errors"

	"github.com/vietddude/blockwatch/internal/core/domain"
)

var (
	// ErrCheckpointNotFound is returned when a network has never completed a tick
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// CheckpointRepository persists the resume point of each network
type CheckpointRepository interface {
	// GetCheckpoint returns ErrCheckpointNotFound when the network has none
	GetCheckpoint(ctx context.Context, network string) (*domain.Checkpoint, error)

	// SaveCheckpoint overwrites the checkpoint unconditionally (operator reset)
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
}

// MissedBlockRepository is the append-only diagnostic log
type MissedBlockRepository interface {
	// AddMissed appends records
	AddMissed(ctx context.Context, records []domain.MissedBlock) error

	// ListMissed returns the most recent records in insertion order; limit <= 0 returns all
	ListMissed(ctx context.Context, network string, limit int) ([]domain.MissedBlock, error)

	// CountMissed returns the number of records for a network
	CountMissed(ctx context.Context, network string) (int, error)
}

// BlockArchive stores raw fetched blocks when store_blocks is enabled
type BlockArchive interface {
	// SaveBlocks stores one artifact holding every block of a tick
	SaveBlocks(ctx context.Context, network string, blocks []*domain.Block) error
}

// Store is the full persistence surface used by the watcher
type Store interface {
	CheckpointRepository
	MissedBlockRepository
	BlockArchive

	// CommitTick writes the checkpoint and the tick's missed records as one atomic step
	CommitTick(ctx context.Context, cp domain.Checkpoint, missed []domain.MissedBlock) error

	// Close releases the backend
	Close() error
}
