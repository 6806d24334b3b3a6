// Package checkpoint tracks the resume point of each network.
//
// The checkpoint is the highest block whose fetch and emission have fully
// completed. It only moves forward during normal operation; Reset is the
// explicit operator override used for replay.
//
//	manager := checkpoint.NewManager(store)
//
//	last, ok, _ := manager.Load(ctx, "ethereum_mainnet")
//	...
//	manager.Commit(ctx, "ethereum_mainnet", to, missed)
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/indexing/metrics"
	"github.com/vietddude/blockwatch/internal/infra/storage"
)

// ErrCheckpointRegression is returned when a commit would move a checkpoint backwards.
var ErrCheckpointRegression = errors.New("checkpoint regression")

// Manager reads and advances checkpoints on top of a storage.Store.
type Manager struct {
	store storage.Store

	mu         sync.Mutex
	collectors map[string]*MetricsCollector
}

// NewManager creates a checkpoint manager backed by store.
func NewManager(store storage.Store) *Manager {
	return &Manager{
		store:      store,
		collectors: make(map[string]*MetricsCollector),
	}
}

// Load returns the checkpoint of a network. ok is false when the network never committed.
func (m *Manager) Load(ctx context.Context, network string) (block uint64, ok bool, err error) {
	cp, err := m.store.GetCheckpoint(ctx, network)
	if errors.Is(err, storage.ErrCheckpointNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp.BlockNumber, true, nil
}

// Commit writes checkpoint = to together with the tick's missed records.
// Nothing is written when to is below the stored checkpoint.
func (m *Manager) Commit(ctx context.Context, network string, to uint64, missed []domain.MissedBlock) error {
	current, ok, err := m.Load(ctx, network)
	if err != nil {
		return err
	}
	if ok && to < current {
		return fmt.Errorf("%w: %s at %d, commit of %d", ErrCheckpointRegression, network, current, to)
	}

	cp := domain.Checkpoint{
		Network:     network,
		BlockNumber: to,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := m.store.CommitTick(ctx, cp, missed); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	metrics.CheckpointBlock.WithLabelValues(network).Set(float64(to))
	m.collector(network).RecordCommit(to, cp.UpdatedAt)
	return nil
}

// Reset overwrites the checkpoint unconditionally.
func (m *Manager) Reset(ctx context.Context, network string, block uint64) error {
	cp := domain.Checkpoint{
		Network:     network,
		BlockNumber: block,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}

	m.collector(network).Reset()
	metrics.CheckpointBlock.WithLabelValues(network).Set(float64(block))
	slog.Warn("Checkpoint reset", "network", network, "block", block)
	return nil
}

// Lag returns how many blocks checkpoint trails target. Zero when it is not behind.
func Lag(checkpoint, target uint64) uint64 {
	if checkpoint >= target {
		return 0
	}
	return target - checkpoint
}

// GetMetrics returns throughput metrics for a network.
func (m *Manager) GetMetrics(network string) Metrics {
	return m.collector(network).GetMetrics()
}

func (m *Manager) collector(network string) *MetricsCollector {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[network]
	if !ok {
		c = NewMetricsCollector(100)
		m.collectors[network] = c
	}
	return c
}
