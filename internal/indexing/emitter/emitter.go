// Package emitter hands fetched blocks to the matching stage.
package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vietddude/blockwatch/internal/core/domain"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("emitter closed")

// Emitter defines the interface for delivering blocks downstream
type Emitter interface {
	// Emit delivers one tick's blocks, already sorted ascending by number.
	// A returned error keeps the checkpoint where it was, so the range is emitted again next tick.
	Emit(ctx context.Context, network string, blocks []*domain.Block) error

	// Close releases the emitter
	Close() error
}

// Func adapts a function to Emitter.
type Func func(ctx context.Context, network string, blocks []*domain.Block) error

func (f Func) Emit(ctx context.Context, network string, blocks []*domain.Block) error {
	return f(ctx, network, blocks)
}

func (f Func) Close() error { return nil }

// LogEmitter logs a one-line summary per block. It is the default when no matching stage is wired.
type LogEmitter struct {
	log *slog.Logger
}

func NewLogEmitter(log *slog.Logger) *LogEmitter {
	if log == nil {
		log = slog.Default()
	}
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(ctx context.Context, network string, blocks []*domain.Block) error {
	for _, b := range blocks {
		e.log.Info("Block",
			"network", network,
			"number", b.Number,
			"hash", b.Hash,
			"txs", txCount(b),
			"time", b.Timestamp,
		)
	}
	return nil
}

func (e *LogEmitter) Close() error { return nil }

// Delivery is one block sent on a ChannelEmitter.
type Delivery struct {
	Network string
	Block   *domain.Block
}

// ChannelEmitter sends every block on a channel, blocking until the receiver takes it.
type ChannelEmitter struct {
	ch   chan Delivery
	done chan struct{}
	once sync.Once
}

// NewChannelEmitter creates an emitter with the given channel buffer size.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	return &ChannelEmitter{
		ch:   make(chan Delivery, buffer),
		done: make(chan struct{}),
	}
}

// C returns the receive side.
func (e *ChannelEmitter) C() <-chan Delivery {
	return e.ch
}

func (e *ChannelEmitter) Emit(ctx context.Context, network string, blocks []*domain.Block) error {
	for _, b := range blocks {
		select {
		case e.ch <- Delivery{Network: network, Block: b}:
		case <-e.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close unblocks pending Emit calls. The channel itself is left open.
func (e *ChannelEmitter) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// Multi fans out to several emitters in order and stops at the first error.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, network string, blocks []*domain.Block) error {
	for _, e := range m {
		if err := e.Emit(ctx, network, blocks); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Close())
	}
	return errors.Join(errs...)
}

func txCount(b *domain.Block) int {
	switch {
	case b.EVM != nil:
		return len(b.EVM.Transactions)
	case b.Stellar != nil:
		return len(b.Stellar.Transactions)
	}
	return 0
}
