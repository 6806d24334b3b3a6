// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/blockwatch/internal/core/checkpoint"
	"github.com/vietddude/blockwatch/internal/indexing/watcher"
	"github.com/vietddude/blockwatch/internal/infra/rpc/routing"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// NetworkHealth contains health data for one watched network.
type NetworkHealth struct {
	Network      string                   `json:"network"`
	Status       SystemStatus             `json:"status"`
	State        watcher.State            `json:"state"`
	Checkpoint   *uint64                  `json:"checkpoint"`
	Latest       uint64                   `json:"latest"`
	BlockLag     uint64                   `json:"block_lag"`
	MissedBlocks int                      `json:"missed_blocks"`
	LastTickAt   time.Time                `json:"last_tick_at,omitzero"`
	LastError    string                   `json:"last_error,omitempty"`
	Throughput   checkpoint.Metrics       `json:"throughput"`
	Endpoints    []routing.EndpointStatus `json:"endpoints"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus             `json:"system_status"`
	Networks     map[string]NetworkHealth `json:"networks"`
	CheckedAt    time.Time                `json:"checked_at"`
}

// Aggregate returns the worst status of all networks.
func Aggregate(networks map[string]NetworkHealth) SystemStatus {
	status := StatusHealthy
	for _, n := range networks {
		if n.Status == StatusCritical {
			return StatusCritical
		}
		if n.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
