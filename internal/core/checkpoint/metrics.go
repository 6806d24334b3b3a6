package checkpoint

import (
	"sync"
	"time"
)

// commitRecord holds timing data for one committed checkpoint.
type commitRecord struct {
	BlockNumber uint64
	CommittedAt time.Time
}

// Metrics holds checkpoint throughput data.
type Metrics struct {
	BlocksPerSecond float64       `json:"blocks_per_second"`
	AverageInterval time.Duration `json:"average_interval"`
	LastBlock       uint64        `json:"last_block"`
	LastCommitAt    time.Time     `json:"last_commit_at,omitzero"`
	Commits         int           `json:"commits"`
}

// MetricsCollector tracks checkpoint advancement over a sliding window.
type MetricsCollector struct {
	mu         sync.Mutex
	windowSize int // number of commits to track
	commits    []commitRecord
}

// NewMetricsCollector creates a collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize: windowSize,
		commits:    make([]commitRecord, 0, windowSize),
	}
}

// RecordCommit records one checkpoint advancement.
func (mc *MetricsCollector) RecordCommit(blockNumber uint64, at time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	record := commitRecord{BlockNumber: blockNumber, CommittedAt: at}
	if len(mc.commits) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.commits, mc.commits[1:])
		mc.commits[len(mc.commits)-1] = record
	} else {
		mc.commits = append(mc.commits, record)
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	m := Metrics{Commits: len(mc.commits)}
	if len(mc.commits) == 0 {
		return m
	}
	last := mc.commits[len(mc.commits)-1]
	m.LastBlock = last.BlockNumber
	m.LastCommitAt = last.CommittedAt

	if len(mc.commits) >= 2 {
		first := mc.commits[0]
		duration := last.CommittedAt.Sub(first.CommittedAt)
		if duration > 0 && last.BlockNumber >= first.BlockNumber {
			m.BlocksPerSecond = float64(last.BlockNumber-first.BlockNumber) / duration.Seconds()
			m.AverageInterval = duration / time.Duration(len(mc.commits)-1)
		}
	}
	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.commits = mc.commits[:0]
}
