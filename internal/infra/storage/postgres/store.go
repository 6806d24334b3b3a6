package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/storage"
	"github.com/vietddude/blockwatch/internal/infra/storage/codec"
)

// DefaultArchiveKeep is the number of archive rows retained per network.
const DefaultArchiveKeep = 1

// missedBatchSize bounds one multi-row insert. Postgres allows 65535 bind
// parameters per statement and each row uses six.
const missedBatchSize = 5000

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db   *DB
	keep int
}

var _ storage.Store = (*Store)(nil)

// Open connects, migrates and returns a Store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := NewDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	keep := cfg.ArchiveKeep
	if keep <= 0 {
		keep = DefaultArchiveKeep
	}
	return &Store{db: db, keep: keep}, nil
}

type checkpointRow struct {
	Network     string    `db:"network"`
	BlockNumber int64     `db:"block_number"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type missedRow struct {
	ID          string    `db:"id"`
	Network     string    `db:"network"`
	BlockNumber int64     `db:"block_number"`
	Reason      string    `db:"reason"`
	Error       string    `db:"error"`
	CreatedAt   time.Time `db:"created_at"`
}

const upsertCheckpointSQL = `
INSERT INTO checkpoints (network, block_number, updated_at)
VALUES (:network, :block_number, :updated_at)
ON CONFLICT (network) DO UPDATE
SET block_number = EXCLUDED.block_number, updated_at = EXCLUDED.updated_at`

const insertMissedSQL = `
INSERT INTO missed_blocks (id, network, block_number, reason, error, created_at)
VALUES (:id, :network, :block_number, :reason, :error, :created_at)`

func (s *Store) GetCheckpoint(ctx context.Context, network string) (*domain.Checkpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row,
		`SELECT network, block_number, updated_at FROM checkpoints WHERE network = $1`, network)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &domain.Checkpoint{
		Network:     row.Network,
		BlockNumber: uint64(row.BlockNumber),
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if _, err := s.db.NamedExecContext(ctx, upsertCheckpointSQL, toCheckpointRow(cp)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) AddMissed(ctx context.Context, records []domain.MissedBlock) error {
	if len(records) == 0 {
		return nil
	}
	return withTx(ctx, s.db.DB, func(tx *sqlx.Tx) error {
		return insertMissed(ctx, tx, records)
	})
}

// CommitTick writes the missed records and the checkpoint in one transaction.
func (s *Store) CommitTick(ctx context.Context, cp domain.Checkpoint, missed []domain.MissedBlock) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMissed(ctx, tx, missed); err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, upsertCheckpointSQL, toCheckpointRow(cp)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ListMissed(ctx context.Context, network string, limit int) ([]domain.MissedBlock, error) {
	query := `SELECT id, network, block_number, reason, error, created_at FROM (
		SELECT * FROM missed_blocks WHERE network = $1 ORDER BY seq DESC LIMIT $2
	) recent ORDER BY seq ASC`
	var lim any = limit
	if limit <= 0 {
		lim = nil // LIMIT NULL returns every row
	}

	var rows []missedRow
	if err := s.db.SelectContext(ctx, &rows, query, network, lim); err != nil {
		return nil, fmt.Errorf("failed to list missed blocks: %w", err)
	}
	out := make([]domain.MissedBlock, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.MissedBlock{
			ID:          r.ID,
			Network:     r.Network,
			BlockNumber: uint64(r.BlockNumber),
			Reason:      domain.MissedReason(r.Reason),
			Error:       r.Error,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) CountMissed(ctx context.Context, network string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM missed_blocks WHERE network = $1`, network); err != nil {
		return 0, fmt.Errorf("failed to count missed blocks: %w", err)
	}
	return n, nil
}

// SaveBlocks stores one compressed row per tick and keeps the newest rows only.
func (s *Store) SaveBlocks(ctx context.Context, network string, blocks []*domain.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	payload, err := codec.EncodeBlocks(blocks)
	if err != nil {
		return err
	}

	return withTx(ctx, s.db.DB, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO block_archives (network, from_block, to_block, payload) VALUES ($1, $2, $3, $4)`,
			network, int64(blocks[0].Number), int64(blocks[len(blocks)-1].Number), payload); err != nil {
			return fmt.Errorf("failed to archive blocks: %w", err)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM block_archives WHERE network = $1 AND id NOT IN (
			SELECT id FROM block_archives WHERE network = $1 ORDER BY id DESC LIMIT $2)`, network, s.keep)
		if err != nil {
			return fmt.Errorf("failed to prune archives: %w", err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertMissed(ctx context.Context, ext sqlx.ExtContext, records []domain.MissedBlock) error {
	for _, chunk := range missedChunks(toMissedRows(records), missedBatchSize) {
		if _, err := sqlx.NamedExecContext(ctx, ext, insertMissedSQL, chunk); err != nil {
			return fmt.Errorf("failed to add missed blocks: %w", err)
		}
	}
	return nil
}

func missedChunks(rows []missedRow, size int) [][]missedRow {
	var chunks [][]missedRow
	for len(rows) > size {
		chunks = append(chunks, rows[:size])
		rows = rows[size:]
	}
	if len(rows) > 0 {
		chunks = append(chunks, rows)
	}
	return chunks
}

func toCheckpointRow(cp domain.Checkpoint) checkpointRow {
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return checkpointRow{Network: cp.Network, BlockNumber: int64(cp.BlockNumber), UpdatedAt: updated}
}

func toMissedRows(records []domain.MissedBlock) []missedRow {
	rows := make([]missedRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, missedRow{
			ID:          r.ID,
			Network:     r.Network,
			BlockNumber: int64(r.BlockNumber),
			Reason:      string(r.Reason),
			Error:       r.Error,
			CreatedAt:   r.CreatedAt,
		})
	}
	return rows
}
