package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockwatch/internal/core/checkpoint"
	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/indexing/emitter"
	"github.com/vietddude/blockwatch/internal/infra/chain"
	"github.com/vietddude/blockwatch/internal/infra/rpc/routing"
	"github.com/vietddude/blockwatch/internal/infra/storage/memory"
)

type fakeClient struct {
	latest atomic.Uint64

	mu        sync.Mutex
	failures  map[uint64]error
	latestErr error
	requested [][]uint64
}

func newFakeClient(latest uint64) *fakeClient {
	c := &fakeClient{failures: make(map[uint64]error)}
	c.latest.Store(latest)
	return c
}

func (c *fakeClient) Type() domain.NetworkType { return domain.NetworkTypeEVM }

func (c *fakeClient) Handshake(context.Context) (string, error) { return "1", nil }

func (c *fakeClient) LatestHeight(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latestErr != nil {
		return 0, c.latestErr
	}
	return c.latest.Load(), nil
}

func (c *fakeClient) GetBlock(_ context.Context, n uint64) (*domain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failures[n]; err != nil {
		return nil, err
	}
	return &domain.Block{Network: "eth", Type: domain.NetworkTypeEVM, Number: n, Hash: fmt.Sprintf("0x%x", n)}, nil
}

func (c *fakeClient) GetBlocksBatch(ctx context.Context, numbers []uint64) []chain.BlockResult {
	c.mu.Lock()
	c.requested = append(c.requested, append([]uint64(nil), numbers...))
	c.mu.Unlock()

	// Reverse order mimics out-of-order concurrent completion.
	out := make([]chain.BlockResult, 0, len(numbers))
	for i := len(numbers) - 1; i >= 0; i-- {
		b, err := c.GetBlock(ctx, numbers[i])
		out = append(out, chain.BlockResult{Number: numbers[i], Block: b, Err: err})
	}
	return out
}

func (c *fakeClient) fail(n uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[n] = err
}

type collector struct {
	mu     sync.Mutex
	blocks []uint64
	err    error
}

func (c *collector) Emit(_ context.Context, _ string, blocks []*domain.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	for _, b := range blocks {
		c.blocks = append(c.blocks, b.Number)
	}
	return nil
}

func (c *collector) Close() error { return nil }

func (c *collector) numbers() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.blocks...)
}

// batchStore records the size of every commit.
type batchStore struct {
	*memory.MemoryStorage

	mu      sync.Mutex
	batches []int
}

func (s *batchStore) CommitTick(ctx context.Context, cp domain.Checkpoint, missed []domain.MissedBlock) error {
	s.mu.Lock()
	s.batches = append(s.batches, len(missed))
	s.mu.Unlock()
	return s.MemoryStorage.CommitTick(ctx, cp, missed)
}

type harness struct {
	store   *memory.MemoryStorage
	cps     *checkpoint.Manager
	client  *fakeClient
	out     *collector
	watcher *Watcher
}

func newHarness(t *testing.T, latest, confirmations, maxPast uint64) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewMemoryStorage(),
		client: newFakeClient(latest),
		out:    &collector{},
	}
	h.cps = checkpoint.NewManager(h.store)
	h.watcher = New(Config{
		Network:       domain.Network{Slug: "eth", Type: domain.NetworkTypeEVM, ConfirmationBlocks: confirmations},
		Client:        h.client,
		Checkpoints:   h.cps,
		Archive:       h.store,
		Emitter:       h.out,
		MaxPastBlocks: maxPast,
	})
	return h
}

func (h *harness) checkpoint(t *testing.T) uint64 {
	t.Helper()
	n, ok, err := h.cps.Load(context.Background(), "eth")
	require.NoError(t, err)
	require.True(t, ok)
	return n
}

func seq(from, to uint64) []uint64 {
	var out []uint64
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}

func TestWatcher_EmitsEveryBlockOnceInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, 2, 50)
	require.NoError(t, h.cps.Reset(ctx, "eth", 90))

	for _, latest := range []uint64{100, 103, 103, 110, 111} {
		h.client.latest.Store(latest)
		_, err := h.watcher.Tick(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, seq(91, 109), h.out.numbers())
	assert.Equal(t, uint64(109), h.checkpoint(t))
	assert.Equal(t, StateIdle, h.watcher.State())
}

func TestWatcher_FirstTickWithoutCheckpoint(t *testing.T) {
	h := newHarness(t, 1000, 3, 10)

	res, err := h.watcher.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.FetchRange{From: 991, To: 997}, res.Range)
	assert.Equal(t, seq(991, 997), h.out.numbers())
	assert.Equal(t, uint64(997), h.checkpoint(t))
}

func TestWatcher_NoOpTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 102, 2, 10)
	require.NoError(t, h.cps.Reset(ctx, "eth", 100))

	res, err := h.watcher.Tick(ctx)
	require.NoError(t, err)

	assert.True(t, res.NoOp)
	assert.Empty(t, h.out.numbers())
	assert.Empty(t, h.client.requested)
	assert.Equal(t, uint64(100), h.checkpoint(t))
}

func TestWatcher_CatchUpWindowRecordsMissed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 122, 2, 5)
	require.NoError(t, h.cps.Reset(ctx, "eth", 100))

	res, err := h.watcher.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, seq(116, 120), h.out.numbers())
	assert.Equal(t, uint64(15), res.Skipped)
	assert.Equal(t, uint64(120), h.checkpoint(t))

	missed, err := h.store.ListMissed(ctx, "eth", 0)
	require.NoError(t, err)
	require.Len(t, missed, 15)
	for i, m := range missed {
		assert.Equal(t, uint64(101+i), m.BlockNumber)
		assert.Equal(t, domain.MissedReasonCatchUpWindow, m.Reason)
	}
}

func TestWatcher_LargeSkipCommittedInBatches(t *testing.T) {
	ctx := context.Background()
	store := &batchStore{MemoryStorage: memory.NewMemoryStorage()}
	cps := checkpoint.NewManager(store)
	require.NoError(t, cps.Reset(ctx, "eth", 0))

	out := &collector{}
	w := New(Config{
		Network:       domain.Network{Slug: "eth", ConfirmationBlocks: 0},
		Client:        newFakeClient(2505),
		Checkpoints:   cps,
		Emitter:       out,
		MaxPastBlocks: 5,
	})

	res, err := w.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(2500), res.Skipped)
	assert.Equal(t, 2500, res.Missed)
	assert.Equal(t, seq(2501, 2505), out.numbers())
	// Three skip batches then the tick commit.
	assert.Equal(t, []int{1000, 1000, 500, 0}, store.batches)

	missed, err := store.ListMissed(ctx, "eth", 0)
	require.NoError(t, err)
	require.Len(t, missed, 2500)
	assert.Equal(t, uint64(1), missed[0].BlockNumber)
	assert.Equal(t, uint64(2500), missed[2499].BlockNumber)

	cp, _, err := cps.Load(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, uint64(2505), cp)
}

func TestWatcher_SkipRecordedBeforeFailedEmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 122, 2, 5)
	h.watcher.skipBatch = 4
	require.NoError(t, h.cps.Reset(ctx, "eth", 100))
	h.out.err = errors.New("matching stage down")

	_, err := h.watcher.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, uint64(115), h.checkpoint(t))

	// The retry fetches the same window and records nothing twice.
	h.out.err = nil
	res, err := h.watcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.FetchRange{From: 116, To: 120}, res.Range)
	assert.Zero(t, res.Skipped)

	n, err := h.store.CountMissed(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, 15, n)
}

func TestWatcher_PartialFailureDoesNotAbortRange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 110, 0, 20)
	require.NoError(t, h.cps.Reset(ctx, "eth", 100))

	h.client.fail(103, &routing.TransportError{Kind: routing.ErrTransportExhausted, Err: errors.New("timeout")})
	h.client.fail(107, &routing.TransportError{Kind: routing.ErrRateLimitExhausted, Err: errors.New("429")})
	h.client.fail(108, errors.New("decode failure"))

	res, err := h.watcher.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, []uint64{101, 102, 104, 105, 106, 109, 110}, h.out.numbers())
	assert.Equal(t, 7, res.Emitted)
	assert.Equal(t, 3, res.Missed)
	assert.Equal(t, uint64(110), h.checkpoint(t))

	missed, err := h.store.ListMissed(ctx, "eth", 0)
	require.NoError(t, err)
	reasons := map[uint64]domain.MissedReason{}
	for _, m := range missed {
		reasons[m.BlockNumber] = m.Reason
	}
	assert.Equal(t, map[uint64]domain.MissedReason{
		103: domain.MissedReasonTransport,
		107: domain.MissedReasonRateLimited,
		108: domain.MissedReasonFetchFailed,
	}, reasons)
}

func TestWatcher_CrashBeforeCommitRefetchesSameRange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 110, 0, 20)
	require.NoError(t, h.cps.Reset(ctx, "eth", 100))

	h.store.SetFailCommit(errors.New("process killed"))
	_, err := h.watcher.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, uint64(100), h.checkpoint(t))
	assert.Equal(t, StateIdle, h.watcher.State())

	h.store.SetFailCommit(nil)
	res, err := h.watcher.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.FetchRange{From: 101, To: 110}, res.Range)
	require.Len(t, h.client.requested, 2)
	assert.Equal(t, h.client.requested[0], h.client.requested[1])
	assert.Equal(t, uint64(110), h.checkpoint(t))
}

func TestWatcher_EmitFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 110, 0, 20)
	require.NoError(t, h.cps.Reset(ctx, "eth", 100))
	h.out.err = errors.New("matching stage down")

	_, err := h.watcher.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, uint64(100), h.checkpoint(t))
	assert.NotEmpty(t, h.watcher.Status().LastError)
}

func TestWatcher_LatestHeightFailure(t *testing.T) {
	h := newHarness(t, 110, 0, 20)
	h.client.latestErr = &routing.TransportError{Kind: routing.ErrTransportExhausted, Err: errors.New("down")}

	_, err := h.watcher.Tick(context.Background())
	assert.ErrorIs(t, err, routing.ErrTransportExhausted)
	assert.Equal(t, StateIdle, h.watcher.State())

	_, ok, _ := h.cps.Load(context.Background(), "eth")
	assert.False(t, ok)
}

func TestWatcher_StoreBlocksArchivesBeforeEmit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	cps := checkpoint.NewManager(store)
	require.NoError(t, cps.Reset(ctx, "eth", 10))

	var archivedAtEmit int
	w := New(Config{
		Network:     domain.Network{Slug: "eth", ConfirmationBlocks: 1, StoreBlocks: true},
		Client:      newFakeClient(14),
		Checkpoints: cps,
		Archive:     store,
		Emitter: emitter.Func(func(_ context.Context, network string, _ []*domain.Block) error {
			archivedAtEmit = len(store.Archives(network))
			return nil
		}),
		MaxPastBlocks: 10,
	})

	_, err := w.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, archivedAtEmit)
	archives := store.Archives("eth")
	require.Len(t, archives, 1)
	require.Len(t, archives[0], 3)
	assert.Equal(t, uint64(11), archives[0][0].Number)
}

func TestWatcher_InterruptedTickDoesNotCommit(t *testing.T) {
	h := newHarness(t, 110, 0, 20)
	require.NoError(t, h.cps.Reset(context.Background(), "eth", 100))

	ctx, cancel := context.WithCancel(context.Background())
	h.watcher.cfg.Emitter = emitter.Func(func(context.Context, string, []*domain.Block) error {
		t.Fatal("emit must not run for an interrupted range")
		return nil
	})
	h.client.failures[105] = context.Canceled
	cancel()

	_, err := h.watcher.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(100), h.checkpoint(t))
}

func TestWatcher_StopIsTerminal(t *testing.T) {
	h := newHarness(t, 110, 0, 20)
	h.watcher.Stop()

	_, err := h.watcher.Tick(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, StateStopped, h.watcher.State())
}

func TestWatcher_FetchOneBypassesCheckpoint(t *testing.T) {
	h := newHarness(t, 110, 0, 20)

	b, err := h.watcher.FetchOne(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), b.Number)

	_, ok, _ := h.cps.Load(context.Background(), "eth")
	assert.False(t, ok)
	assert.Empty(t, h.out.numbers())
}

func TestMissedReasonFor(t *testing.T) {
	wrapped := fmt.Errorf("block 5: %w", &routing.TransportError{Kind: routing.ErrRateLimitExhausted})
	assert.Equal(t, domain.MissedReasonRateLimited, MissedReasonFor(wrapped))
	assert.Equal(t, domain.MissedReasonTransport, MissedReasonFor(routing.ErrTransportExhausted))
	assert.Equal(t, domain.MissedReasonFetchFailed, MissedReasonFor(chain.ErrBlockNotFound))
}
