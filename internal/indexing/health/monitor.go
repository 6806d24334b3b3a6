package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/blockwatch/internal/core/checkpoint"
	"github.com/vietddude/blockwatch/internal/indexing/watcher"
	"github.com/vietddude/blockwatch/internal/infra/rpc/routing"
)

// CheckpointReader reads the committed checkpoint of a network and its throughput.
type CheckpointReader interface {
	Load(ctx context.Context, network string) (uint64, bool, error)
	GetMetrics(network string) checkpoint.Metrics
}

// MissedCounter counts missed-block records of a network.
type MissedCounter interface {
	CountMissed(ctx context.Context, network string) (int, error)
}

// Source exposes one network to the monitor.
type Source struct {
	Network       string
	Confirmations uint64
	Watcher       interface{ Status() watcher.Status }
	Endpoints     interface{ Snapshot() []routing.EndpointStatus }
}

// Thresholds decide when lag degrades a network.
type Thresholds struct {
	DegradedLag uint64
	CriticalLag uint64
	CacheTTL    time.Duration
}

// DefaultThresholds mirrors the lag limits used across deployments.
var DefaultThresholds = Thresholds{
	DegradedLag: 10,
	CriticalLag: 100,
	CacheTTL:    10 * time.Second,
}

// Monitor aggregates health status from the watchers, endpoint pools and storage.
type Monitor struct {
	sources     []Source
	checkpoints CheckpointReader
	missed      MissedCounter
	thresholds  Thresholds

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport map[string]NetworkHealth
}

// NewMonitor creates a new health monitor.
func NewMonitor(sources []Source, checkpoints CheckpointReader, missed MissedCounter, thresholds Thresholds) *Monitor {
	return &Monitor{
		sources:     sources,
		checkpoints: checkpoints,
		missed:      missed,
		thresholds:  thresholds,
		lastReport:  make(map[string]NetworkHealth),
	}
}

// CheckHealth performs a health check for all networks. Results are cached for CacheTTL.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]NetworkHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.thresholds.CacheTTL > 0 && time.Since(m.lastCheck) < m.thresholds.CacheTTL && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]NetworkHealth, len(m.sources))
	for _, src := range m.sources {
		report[src.Network] = m.check(ctx, src)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

// Report returns the full report with the aggregated status.
func (m *Monitor) Report(ctx context.Context) HealthReport {
	networks := m.CheckHealth(ctx)
	return HealthReport{
		SystemStatus: Aggregate(networks),
		Networks:     networks,
		CheckedAt:    time.Now().UTC(),
	}
}

func (m *Monitor) check(ctx context.Context, src Source) NetworkHealth {
	h := NetworkHealth{
		Network: src.Network,
		Status:  StatusHealthy,
	}

	if src.Watcher != nil {
		st := src.Watcher.Status()
		h.State = st.State
		h.Latest = st.Latest
		h.LastError = st.LastError
		if st.LastTick != nil {
			h.LastTickAt = st.LastTick.FinishedAt
			// The last error is stale once a later tick succeeded.
			if st.LastTick.FinishedAt.After(st.LastErrAt) {
				h.LastError = ""
			}
		}
	}

	// 1. Checkpoint lag against the safe height
	cp, ok, err := m.checkpoints.Load(ctx, src.Network)
	if err != nil {
		h.Status = StatusDegraded
	} else if ok {
		h.Checkpoint = &cp
		if h.Latest > src.Confirmations {
			h.BlockLag = checkpoint.Lag(cp, h.Latest-src.Confirmations)
		}
	}
	h.Throughput = m.checkpoints.GetMetrics(src.Network)

	// 2. Missed blocks, informational only
	if count, err := m.missed.CountMissed(ctx, src.Network); err == nil {
		h.MissedBlocks = count
	}

	// 3. Endpoints
	anyHealthy := true
	if src.Endpoints != nil {
		h.Endpoints = src.Endpoints.Snapshot()
		anyHealthy = false
		for _, ep := range h.Endpoints {
			if ep.Healthy {
				anyHealthy = true
			}
		}
	}

	switch {
	case h.BlockLag > m.thresholds.CriticalLag || !anyHealthy:
		h.Status = StatusCritical
	case h.BlockLag > m.thresholds.DegradedLag || h.LastError != "":
		h.Status = StatusDegraded
	}
	return h
}
