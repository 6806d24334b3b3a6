package chain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vietddude/blockwatch/internal/core/domain"
)

var (
	// ErrBlockNotFound is returned when the node has no block at the requested height yet.
	ErrBlockNotFound = errors.New("block not found")
	// ErrNetworkMismatch is returned by Handshake when the endpoint serves a different network.
	ErrNetworkMismatch = errors.New("network identity mismatch")
)

// Caller issues one JSON-RPC request. routing.EndpointManager is the production implementation.
type Caller interface {
	Execute(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// BlockResult is the outcome of fetching one block inside a batch.
type BlockResult struct {
	Number uint64
	Block  *domain.Block
	Err    error
}

// Client is the fetch capability shared by every network type.
// There are exactly two implementations: evm.Client and stellar.Client.
type Client interface {
	// Type returns the network family
	Type() domain.NetworkType

	// Handshake performs one identity call and returns the reported network id
	Handshake(ctx context.Context) (string, error)

	// LatestHeight returns the newest block number or ledger sequence
	LatestHeight(ctx context.Context) (uint64, error)

	// GetBlock fetches one block with its full payload
	GetBlock(ctx context.Context, number uint64) (*domain.Block, error)

	// GetBlocksBatch fetches many blocks. Results are returned in the order of numbers
	// and a failure of one block never hides the others.
	GetBlocksBatch(ctx context.Context, numbers []uint64) []BlockResult
}
