// Package watcher drives block ingestion for one network.
//
// Every tick reads the checkpoint, plans a range bounded by the confirmation
// depth and the catch-up window, fetches it, hands the fetched blocks
// downstream in ascending order, then commits the checkpoint together with
// the missed-block records of the tick. A failure before the commit leaves
// the checkpoint untouched so the next tick fetches the same range again.
// Blocks skipped by the catch-up window are recorded before the fetch, in
// batches that each advance the checkpoint past the blocks they record.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/blockwatch/internal/core/checkpoint"
	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/indexing/emitter"
	"github.com/vietddude/blockwatch/internal/indexing/metrics"
	"github.com/vietddude/blockwatch/internal/infra/chain"
	"github.com/vietddude/blockwatch/internal/infra/rpc/routing"
	"github.com/vietddude/blockwatch/internal/infra/storage"
)

// ErrStopped is returned by Tick after Stop.
var ErrStopped = errors.New("watcher stopped")

// skippedBatchSize bounds the catch-up records written per commit.
const skippedBatchSize = 1000

// Config holds watcher dependencies
type Config struct {
	Network       domain.Network
	Client        chain.Client
	Checkpoints   *checkpoint.Manager
	Archive       storage.BlockArchive // used when Network.StoreBlocks is set
	Emitter       emitter.Emitter
	MaxPastBlocks uint64 // effective catch-up window
}

// TickResult summarizes one completed tick.
type TickResult struct {
	ID         string            `json:"id"`
	Latest     uint64            `json:"latest"`
	Range      domain.FetchRange `json:"range"`
	NoOp       bool              `json:"noop"`
	Emitted    int               `json:"emitted"`
	Missed     int               `json:"missed"`
	Skipped    uint64            `json:"skipped"`
	Duration   time.Duration     `json:"duration"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Status is a point-in-time view of a watcher.
type Status struct {
	Network    string      `json:"network"`
	State      State       `json:"state"`
	Latest     uint64      `json:"latest"`
	LastTick   *TickResult `json:"last_tick,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	LastErrAt  time.Time   `json:"last_error_at,omitzero"`
	TicksTotal uint64      `json:"ticks_total"`
}

// Watcher is the per-network block-ingestion state machine.
// Tick must not be called concurrently; the scheduler guarantees that.
type Watcher struct {
	cfg       Config
	log       *slog.Logger
	tracer    trace.Tracer
	skipBatch uint64

	state  atomic.Int32
	latest atomic.Uint64
	ticks  atomic.Uint64

	mu        sync.RWMutex
	lastTick  *TickResult
	lastErr   error
	lastErrAt time.Time
}

// New creates a watcher in the Idle state.
func New(cfg Config) *Watcher {
	if cfg.Emitter == nil {
		cfg.Emitter = emitter.NewLogEmitter(nil)
	}
	if cfg.MaxPastBlocks == 0 {
		cfg.MaxPastBlocks = cfg.Network.EffectiveMaxPastBlocks(0)
	}
	return &Watcher{
		cfg:       cfg,
		log:       slog.Default().With("network", cfg.Network.Slug),
		tracer:    otel.Tracer("github.com/vietddude/blockwatch/watcher"),
		skipBatch: skippedBatchSize,
	}
}

// Network returns the network slug.
func (w *Watcher) Network() string {
	return w.cfg.Network.Slug
}

// State returns the current state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

func (w *Watcher) setState(s State) {
	// Stopped is terminal.
	for {
		cur := w.state.Load()
		if State(cur) == StateStopped {
			return
		}
		if w.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Stop moves the watcher to its terminal state. Later ticks return ErrStopped.
func (w *Watcher) Stop() {
	w.state.Store(int32(StateStopped))
}

// Tick runs one ingestion cycle.
func (w *Watcher) Tick(ctx context.Context) (TickResult, error) {
	if w.State() == StateStopped {
		return TickResult{}, ErrStopped
	}

	start := time.Now()
	res := TickResult{ID: uuid.NewString()}

	ctx, span := w.tracer.Start(ctx, "watcher.tick", trace.WithAttributes(
		attribute.String("network", w.cfg.Network.Slug),
		attribute.String("tick.id", res.ID),
	))
	defer span.End()

	err := w.tick(ctx, &res)
	res.Duration = time.Since(start)
	res.FinishedAt = time.Now()
	w.ticks.Add(1)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.setState(StateError)
		w.recordError(err)
		w.log.Warn("Tick failed", "tick", res.ID, "error", err, "duration", res.Duration)
	case res.NoOp:
		outcome = "noop"
		w.log.Debug("No new confirmed blocks", "tick", res.ID, "latest", res.Latest)
	default:
		w.log.Info("Tick complete",
			"tick", res.ID,
			"from", res.Range.From,
			"to", res.Range.To,
			"emitted", res.Emitted,
			"missed", res.Missed,
			"duration", res.Duration,
		)
	}
	metrics.TickDuration.WithLabelValues(w.cfg.Network.Slug, outcome).Observe(res.Duration.Seconds())
	span.SetAttributes(attribute.String("tick.outcome", outcome))

	if err == nil {
		w.mu.Lock()
		w.lastTick = &res
		w.mu.Unlock()
	}

	// Error is transient.
	w.setState(StateIdle)
	return res, err
}

func (w *Watcher) tick(ctx context.Context, res *TickResult) error {
	slug := w.cfg.Network.Slug
	w.setState(StateFetching)

	cp, hasCP, err := w.cfg.Checkpoints.Load(ctx, slug)
	if err != nil {
		return err
	}

	latest, err := w.cfg.Client.LatestHeight(ctx)
	if err != nil {
		return fmt.Errorf("latest height: %w", err)
	}
	w.latest.Store(latest)
	res.Latest = latest
	metrics.ChainLatestBlock.WithLabelValues(slug).Set(float64(latest))

	plan := PlanRange(cp, hasCP, latest, w.cfg.Network.ConfirmationBlocks, w.cfg.MaxPastBlocks)
	res.Range = plan.Range
	if plan.Range.Empty() {
		res.NoOp = true
		return nil
	}

	if !plan.Skipped.Empty() {
		res.Skipped = plan.Skipped.Len()
		w.log.Warn("Catch-up window exceeded, skipping blocks",
			"from", plan.Skipped.From,
			"to", plan.Skipped.To,
			"count", res.Skipped,
			"max_past_blocks", w.cfg.MaxPastBlocks,
		)
		if err := w.commitSkipped(ctx, plan.Skipped); err != nil {
			return err
		}
		res.Missed = int(res.Skipped)
	}

	var missed []domain.MissedBlock

	results := w.cfg.Client.GetBlocksBatch(ctx, plan.Range.Numbers())

	// Failures caused by shutdown are not misses; leave the range for the next run.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("range %d-%d interrupted: %w", plan.Range.From, plan.Range.To, err)
	}

	blocks := make([]*domain.Block, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			reason := MissedReasonFor(r.Err)
			w.log.Warn("Block missed", "block", r.Number, "reason", reason, "error", r.Err)
			missed = append(missed, domain.NewMissedBlock(slug, r.Number, reason, r.Err))
			continue
		}
		blocks = append(blocks, r.Block)
	}
	slices.SortFunc(blocks, func(a, b *domain.Block) int {
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		}
		return 0
	})

	if w.cfg.Network.StoreBlocks && w.cfg.Archive != nil && len(blocks) > 0 {
		if err := w.cfg.Archive.SaveBlocks(ctx, slug, blocks); err != nil {
			return fmt.Errorf("archive blocks: %w", err)
		}
	}

	w.setState(StateEmitting)
	if len(blocks) > 0 {
		if err := w.cfg.Emitter.Emit(ctx, slug, blocks); err != nil {
			return fmt.Errorf("emit range %d-%d: %w", plan.Range.From, plan.Range.To, err)
		}
	}

	if err := w.cfg.Checkpoints.Commit(ctx, slug, plan.Range.To, missed); err != nil {
		return err
	}

	res.Emitted = len(blocks)
	res.Missed += len(missed)
	metrics.BlocksProcessed.WithLabelValues(slug).Add(float64(len(blocks)))
	for _, m := range missed {
		metrics.MissedBlocks.WithLabelValues(slug, string(m.Reason)).Inc()
	}
	return nil
}

// commitSkipped records the skipped range as missed in bounded batches. Each
// batch advances the checkpoint to its last block in the same commit.
func (w *Watcher) commitSkipped(ctx context.Context, skipped domain.FetchRange) error {
	slug := w.cfg.Network.Slug
	batch := w.skipBatch
	if batch == 0 {
		batch = skippedBatchSize
	}
	for from := skipped.From; from <= skipped.To; from += batch {
		to := min(from+batch-1, skipped.To)
		records := make([]domain.MissedBlock, 0, to-from+1)
		for n := from; n <= to; n++ {
			records = append(records, domain.NewMissedBlock(slug, n, domain.MissedReasonCatchUpWindow, nil))
		}
		if err := w.cfg.Checkpoints.Commit(ctx, slug, to, records); err != nil {
			return fmt.Errorf("record skipped %d-%d: %w", from, to, err)
		}
		metrics.MissedBlocks.WithLabelValues(slug, string(domain.MissedReasonCatchUpWindow)).Add(float64(len(records)))
		if to == skipped.To {
			break
		}
	}
	return nil
}

// FetchOne fetches a single block without touching the checkpoint or the missed log.
func (w *Watcher) FetchOne(ctx context.Context, number uint64) (*domain.Block, error) {
	return w.cfg.Client.GetBlock(ctx, number)
}

// Status returns a snapshot for health reporting.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Status{
		Network:    w.cfg.Network.Slug,
		State:      w.State(),
		Latest:     w.latest.Load(),
		TicksTotal: w.ticks.Load(),
		LastErrAt:  w.lastErrAt,
	}
	if w.lastTick != nil {
		t := *w.lastTick
		s.LastTick = &t
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *Watcher) recordError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastErrAt = time.Now()
}

// MissedReasonFor maps a fetch failure to the reason code stored with the missed record.
func MissedReasonFor(err error) domain.MissedReason {
	switch {
	case errors.Is(err, routing.ErrRateLimitExhausted):
		return domain.MissedReasonRateLimited
	case errors.Is(err, routing.ErrTransportExhausted):
		return domain.MissedReasonTransport
	default:
		return domain.MissedReasonFetchFailed
	}
}
