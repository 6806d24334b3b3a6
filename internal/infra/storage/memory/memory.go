// Package memory is an in-process Store used by tests and one-shot commands.
package memory

import (
	"context"
	"sync"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/storage"
)

// MemoryStorage keeps all state in maps guarded by one mutex.
type MemoryStorage struct {
	mu          sync.RWMutex
	checkpoints map[string]domain.Checkpoint
	missed      map[string][]domain.MissedBlock
	archives    map[string][][]*domain.Block
	failCommit  error
}

var _ storage.Store = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		checkpoints: make(map[string]domain.Checkpoint),
		missed:      make(map[string][]domain.MissedBlock),
		archives:    make(map[string][][]*domain.Block),
	}
}

func (s *MemoryStorage) GetCheckpoint(ctx context.Context, network string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[network]
	if !ok {
		return nil, storage.ErrCheckpointNotFound
	}
	return &cp, nil
}

func (s *MemoryStorage) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.Network] = cp
	return nil
}

func (s *MemoryStorage) AddMissed(ctx context.Context, records []domain.MissedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.missed[r.Network] = append(s.missed[r.Network], r)
	}
	return nil
}

func (s *MemoryStorage) ListMissed(ctx context.Context, network string, limit int) ([]domain.MissedBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.missed[network]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.MissedBlock, len(all))
	copy(out, all)
	return out, nil
}

func (s *MemoryStorage) CountMissed(ctx context.Context, network string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.missed[network]), nil
}

func (s *MemoryStorage) SaveBlocks(ctx context.Context, network string, blocks []*domain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives[network] = append(s.archives[network], blocks)
	return nil
}

// Archives returns every archived batch for a network.
func (s *MemoryStorage) Archives(network string) [][]*domain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([][]*domain.Block(nil), s.archives[network]...)
}

func (s *MemoryStorage) CommitTick(ctx context.Context, cp domain.Checkpoint, missed []domain.MissedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommit != nil {
		return s.failCommit
	}
	s.checkpoints[cp.Network] = cp
	s.missed[cp.Network] = append(s.missed[cp.Network], missed...)
	return nil
}

// SetFailCommit makes CommitTick return err until cleared with nil,
// simulating a crash before the checkpoint is persisted.
func (s *MemoryStorage) SetFailCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = err
}

func (s *MemoryStorage) Close() error {
	return nil
}
