package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksProcessed tracks blocks emitted to the matching stage per network
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockwatch_blocks_processed_total",
			Help: "Total number of blocks handed to the matching stage",
		},
		[]string{"network"},
	)

	// MissedBlocks tracks missed-block records written per network and reason
	MissedBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockwatch_missed_blocks_total",
			Help: "Total number of blocks recorded as missed",
		},
		[]string{"network", "reason"},
	)

	// RPCCallsTotal tracks RPC calls per network and endpoint
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockwatch_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"network", "endpoint", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per network and endpoint
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockwatch_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"network", "endpoint", "action"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockwatch_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network", "endpoint", "method"},
	)

	// EndpointRotations counts rotations away from a rate-limited endpoint
	EndpointRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockwatch_endpoint_rotations_total",
			Help: "Total number of endpoint rotations after rate limiting",
		},
		[]string{"network"},
	)

	// ChainLatestBlock tracks the latest block height reported by the network
	ChainLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockwatch_chain_latest_block",
			Help: "Latest block height of the network",
		},
		[]string{"network"},
	)

	// CheckpointBlock tracks the committed checkpoint
	CheckpointBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockwatch_checkpoint_block",
			Help: "Last block number committed as processed",
		},
		[]string{"network"},
	)

	// TickDuration tracks how long one scheduled tick takes
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockwatch_tick_duration_seconds",
			Help:    "Duration of one watcher tick",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"network", "outcome"},
	)

	// TicksSkipped counts scheduler fires dropped because the previous tick was still running
	TicksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockwatch_ticks_skipped_total",
			Help: "Scheduler fires dropped because a tick was already in flight",
		},
		[]string{"network"},
	)
)
