package stellar

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	protocol "github.com/stellar/go/protocols/rpc"
	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/chain"
	"github.com/vietddude/blockwatch/internal/infra/chain/chaintest"
)

// fakeRPC serves ledgers 1..maxLedger with two transactions and one event each,
// paginating with cursors like the real RPC.
type fakeRPC struct {
	maxLedger uint64
	pageSize  int
}

// start returns the first ledger a request asks for.
func (f fakeRPC) start(params any) uint64 {
	switch p := params.(type) {
	case protocol.GetLedgersRequest:
		return ledgerStart(p.StartLedger, p.Pagination)
	case protocol.GetTransactionsRequest:
		return ledgerStart(p.StartLedger, p.Pagination)
	case protocol.GetEventsRequest:
		if p.Pagination != nil && p.Pagination.Cursor != nil {
			return uint64(p.Pagination.Cursor.Ledger)
		}
		return uint64(p.StartLedger)
	}
	panic(fmt.Sprintf("unexpected params %T", params))
}

func ledgerStart(start uint32, page *protocol.LedgerPaginationOptions) uint64 {
	if page != nil && page.Cursor != "" {
		n, err := strconv.ParseUint(page.Cursor, 10, 64)
		if err != nil {
			panic(err)
		}
		return n
	}
	return uint64(start)
}

func (f fakeRPC) page(params any, perLedger int, build func(ledger uint64, i int) map[string]any, field string) (any, error) {
	start := f.start(params)
	var items []any
	next := start
	for l := start; l <= f.maxLedger && len(items) < f.pageSize; l++ {
		for i := 0; i < perLedger; i++ {
			items = append(items, build(l, i))
		}
		next = l + 1
	}
	cursor := ""
	if len(items) > 0 {
		if _, ok := params.(protocol.GetEventsRequest); ok {
			cursor = protocol.Cursor{Ledger: uint32(next)}.String()
		} else {
			cursor = strconv.FormatUint(next, 10)
		}
	}
	return map[string]any{field: items, "cursor": cursor, "latestLedger": f.maxLedger}, nil
}

func uitoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func (f fakeRPC) caller() *chaintest.Caller {
	return chaintest.NewCaller().
		On("getNetwork", func(any) (any, error) {
			return map[string]any{"passphrase": "Test SDF Network ; September 2015", "protocolVersion": 22}, nil
		}).
		On("getLatestLedger", func(any) (any, error) {
			return map[string]any{"id": "abc", "protocolVersion": 22, "sequence": f.maxLedger}, nil
		}).
		On("getLedgers", func(p any) (any, error) {
			return f.page(p, 1, func(l uint64, _ int) map[string]any {
				return map[string]any{"hash": "h" + uitoa(l), "sequence": l, "ledgerCloseTime": uitoa(1700000000 + l)}
			}, "ledgers")
		}).
		On("getTransactions", func(p any) (any, error) {
			return f.page(p, 2, func(l uint64, i int) map[string]any {
				return map[string]any{"txHash": "tx" + uitoa(l) + "-" + uitoa(uint64(i)), "status": "SUCCESS", "ledger": l, "applicationOrder": i + 1, "createdAt": 1700000000 + l}
			}, "transactions")
		}).
		On("getEvents", func(p any) (any, error) {
			req := p.(protocol.GetEventsRequest)
			if _, ok := req.Filters[0].EventType[protocol.EventTypeContract]; !ok || len(req.Filters[0].EventType) != 1 {
				return nil, errors.New("missing contract filter")
			}
			return f.page(p, 1, func(l uint64, _ int) map[string]any {
				return map[string]any{"id": "ev" + uitoa(l), "type": "contract", "ledger": l, "contractId": "C1", "transactionIndex": 2, "operationIndex": 1, "topic": []string{"AAAA"}, "value": "AAAB"}
			}, "events")
		})
}

func TestClient_HandshakeAndHeight(t *testing.T) {
	f := fakeRPC{maxLedger: 500, pageSize: 200}
	c := NewClient(domain.Network{Slug: "stellar_testnet", NetworkPassphrase: "Test SDF Network ; September 2015"}, f.caller(), 2)

	pass, err := c.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Test SDF Network ; September 2015", pass)

	height, err := c.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), height)

	wrong := NewClient(domain.Network{Slug: "stellar", NetworkPassphrase: "Public Global Stellar Network ; September 2015"}, f.caller(), 2)
	_, err = wrong.Handshake(context.Background())
	assert.ErrorIs(t, err, chain.ErrNetworkMismatch)
}

func TestClient_GetBlock(t *testing.T) {
	f := fakeRPC{maxLedger: 500, pageSize: 200}
	c := NewClient(domain.Network{Slug: "stellar"}, f.caller(), 2)

	b, err := c.GetBlock(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), b.Number)
	assert.Equal(t, "h42", b.Hash)
	assert.Equal(t, int64(1700000042), b.Timestamp.Unix())
	require.NotNil(t, b.Stellar)
	assert.Len(t, b.Stellar.Transactions, 2)
	assert.Len(t, b.Stellar.Events, 1)
	assert.Equal(t, "tx42-0", b.Stellar.Transactions[0].Hash)
	assert.Equal(t, 1, b.Stellar.Transactions[0].ApplicationOrder)
	assert.Equal(t, int64(1700000042), b.Stellar.Transactions[0].CreatedAt)
	assert.Equal(t, uint32(2), b.Stellar.Events[0].TransactionIndex)
	assert.Equal(t, []string{"AAAA"}, b.Stellar.Events[0].Topic)
	assert.Empty(t, b.Stellar.Ledger.PreviousHash)
}

func headerXDR(t *testing.T, seq uint32, prev byte) string {
	t.Helper()
	entry := xdr.LedgerHeaderHistoryEntry{
		Hash: xdr.Hash{0x01},
		Header: xdr.LedgerHeader{
			LedgerVersion:      22,
			PreviousLedgerHash: xdr.Hash{prev},
			LedgerSeq:          xdr.Uint32(seq),
		},
	}
	out, err := xdr.MarshalBase64(entry)
	require.NoError(t, err)
	return out
}

func TestClient_DecodesLedgerHeader(t *testing.T) {
	f := fakeRPC{maxLedger: 100, pageSize: 200}
	good := headerXDR(t, 42, 0xab)
	caller := f.caller().On("getLedgers", func(p any) (any, error) {
		return f.page(p, 1, func(l uint64, _ int) map[string]any {
			header := good
			if l == 43 {
				header = headerXDR(t, 7, 0)
			}
			return map[string]any{"hash": "h" + uitoa(l), "sequence": l, "ledgerCloseTime": uitoa(1700000000 + l), "headerXdr": header}
		}, "ledgers")
	})
	c := NewClient(domain.Network{Slug: "stellar"}, caller, 1)

	b, err := c.GetBlock(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint32(22), b.Stellar.Ledger.ProtocolVersion)
	assert.Equal(t, "ab"+strings.Repeat("00", 31), b.Stellar.Ledger.PreviousHash)
	assert.Equal(t, good, b.Stellar.Ledger.HeaderXDR)

	// A header describing another ledger fails the whole fetch.
	_, err = c.GetBlock(context.Background(), 43)
	assert.ErrorContains(t, err, "header carries sequence 7")
}

func TestClient_MalformedHeaderFailsChunk(t *testing.T) {
	f := fakeRPC{maxLedger: 100, pageSize: 200}
	caller := f.caller().On("getLedgers", func(p any) (any, error) {
		return f.page(p, 1, func(l uint64, _ int) map[string]any {
			return map[string]any{"hash": "h" + uitoa(l), "sequence": l, "ledgerCloseTime": uitoa(1700000000 + l), "headerXdr": "not-xdr"}
		}, "ledgers")
	})
	c := NewClient(domain.Network{Slug: "stellar"}, caller, 1)

	results := c.GetBlocksBatch(context.Background(), []uint64{10, 11})
	for _, r := range results {
		assert.ErrorContains(t, r.Err, "decode ledger")
	}
}

func TestClient_GetBlocksBatchPaginates(t *testing.T) {
	f := fakeRPC{maxLedger: 1000, pageSize: 50}
	caller := f.caller()
	c := NewClient(domain.Network{Slug: "stellar"}, caller, 2)

	numbers := domain.FetchRange{From: 101, To: 450}.Numbers()
	results := c.GetBlocksBatch(context.Background(), numbers)
	require.Len(t, results, len(numbers))
	for i, r := range results {
		require.NoError(t, r.Err, "ledger %d", r.Number)
		assert.Equal(t, numbers[i], r.Block.Number)
		assert.Len(t, r.Block.Stellar.Transactions, 2)
		assert.Len(t, r.Block.Stellar.Events, 1)
	}

	// Two chunks (101-300, 301-450), each opening with startLedger.
	var starts []uint32
	for _, call := range caller.Calls("getLedgers") {
		if req := call.Params.(protocol.GetLedgersRequest); req.StartLedger != 0 {
			assert.Empty(t, req.Pagination.Cursor)
			starts = append(starts, req.StartLedger)
		}
	}
	assert.ElementsMatch(t, []uint32{101, 301}, starts)

	// Follow-up event pages resume from a parsed cursor, never a start ledger.
	for _, call := range caller.Calls("getEvents") {
		req := call.Params.(protocol.GetEventsRequest)
		assert.NotEqual(t, req.StartLedger == 0, req.Pagination.Cursor == nil)
	}
}

func TestClient_ChunkFailureMarksWholeChunk(t *testing.T) {
	f := fakeRPC{maxLedger: 1000, pageSize: 200}
	boom := errors.New("events unavailable")
	caller := f.caller().On("getEvents", func(p any) (any, error) {
		if p.(protocol.GetEventsRequest).StartLedger == 201 {
			return nil, boom
		}
		return f.page(p, 0, nil, "events")
	})
	c := NewClient(domain.Network{Slug: "stellar"}, caller, 2)

	numbers := domain.FetchRange{From: 1, To: 300}.Numbers()
	results := c.GetBlocksBatch(context.Background(), numbers)
	for _, r := range results {
		if r.Number <= 200 {
			assert.NoError(t, r.Err, "ledger %d", r.Number)
		} else {
			assert.ErrorIs(t, r.Err, boom, "ledger %d", r.Number)
		}
	}
}

func TestChunkRanges(t *testing.T) {
	got := chunkRanges([]uint64{9, 1, 2, 3, 7, 8, 3, 20}, 2)
	assert.Equal(t, []domain.FetchRange{
		{From: 1, To: 2}, {From: 3, To: 3}, {From: 7, To: 8}, {From: 9, To: 9}, {From: 20, To: 20},
	}, got)
}
