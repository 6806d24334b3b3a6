package evm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/chain"
	"github.com/vietddude/blockwatch/internal/infra/chain/chaintest"
)

func hash(n uint64) string {
	return fmt.Sprintf("0x%064x", n)
}

func addr(n uint64) string {
	return fmt.Sprintf("0x%040x", n)
}

func blockJSON(number uint64, txCount int) map[string]any {
	txs := make([]any, 0, txCount)
	for i := 0; i < txCount; i++ {
		txs = append(txs, map[string]any{
			"hash":             hash(number*100 + uint64(i)),
			"transactionIndex": hexutil.EncodeUint64(uint64(i)),
			"from":             addr(1),
			"to":               addr(2),
			"value":            "0xde0b6b3a7640000",
			"gas":              "0x5208",
			"gasPrice":         "0x3b9aca00",
			"nonce":            "0x7",
			"input":            "0x",
		})
	}
	return map[string]any{
		"number":        hexutil.EncodeUint64(number),
		"hash":          hash(number),
		"parentHash":    hash(number - 1),
		"timestamp":     "0x65678900",
		"miner":         addr(9),
		"gasUsed":       "0x5208",
		"gasLimit":      "0x1c9c380",
		"baseFeePerGas": "0x7",
		"transactions":  txs,
	}
}

func receiptJSON(txHash string) map[string]any {
	return map[string]any{
		"transactionHash":   txHash,
		"status":            "0x1",
		"gasUsed":           "0x5208",
		"cumulativeGasUsed": "0xa410",
		"contractAddress":   nil,
		"logs": []any{map[string]any{
			"address":  addr(3),
			"topics":   []any{hash(77)},
			"data":     "0x01",
			"logIndex": "0x0",
		}},
	}
}

func newCaller() *chaintest.Caller {
	return chaintest.NewCaller().
		On("net_version", func(any) (any, error) { return "1", nil }).
		On("eth_blockNumber", func(any) (any, error) { return "0x12d687", nil }).
		On("eth_getBlockByNumber", func(params any) (any, error) {
			n, err := hexutil.DecodeUint64(params.([]any)[0].(string))
			if err != nil {
				return nil, err
			}
			if n > 2000 {
				return nil, nil
			}
			return blockJSON(n, 2), nil
		}).
		On("eth_getTransactionReceipt", func(params any) (any, error) {
			return receiptJSON(params.([]any)[0].(string)), nil
		})
}

func TestClient_LatestHeight(t *testing.T) {
	c := NewClient(domain.Network{Slug: "ethereum_mainnet"}, newCaller(), 2)
	height, err := c.LatestHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567), height)
	assert.Equal(t, domain.NetworkTypeEVM, c.Type())
}

func TestClient_Handshake(t *testing.T) {
	ok := NewClient(domain.Network{Slug: "eth", ChainID: "1"}, newCaller(), 2)
	id, err := ok.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	wrong := NewClient(domain.Network{Slug: "eth", ChainID: "137"}, newCaller(), 2)
	_, err = wrong.Handshake(context.Background())
	assert.ErrorIs(t, err, chain.ErrNetworkMismatch)
}

func TestClient_GetBlockWithReceipts(t *testing.T) {
	caller := newCaller()
	c := NewClient(domain.Network{Slug: "eth"}, caller, 2)

	block, err := c.GetBlock(context.Background(), 1000)
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), block.Number)
	assert.Equal(t, "eth", block.Network)
	assert.Equal(t, hash(1000), block.Hash)
	assert.Equal(t, int64(0x65678900), block.Timestamp.Unix())
	require.NotNil(t, block.EVM)
	assert.Equal(t, "7", block.EVM.Header.BaseFee)
	require.Len(t, block.EVM.Transactions, 2)
	assert.Equal(t, "1000000000000000000", block.EVM.Transactions[0].Value)
	assert.Equal(t, addr(2), block.EVM.Transactions[0].To)

	require.Len(t, block.EVM.Receipts, 2)
	for i, r := range block.EVM.Receipts {
		assert.Equal(t, block.EVM.Transactions[i].Hash, r.TransactionHash)
		assert.Equal(t, uint64(1), r.Status)
		require.Len(t, r.Logs, 1)
		assert.Equal(t, hash(77), r.Logs[0].Topics[0])
	}
	assert.Len(t, caller.Calls("eth_getTransactionReceipt"), 2)
}

func TestClient_GetBlockNotFound(t *testing.T) {
	c := NewClient(domain.Network{Slug: "eth"}, newCaller(), 2)
	_, err := c.GetBlock(context.Background(), 5000)
	assert.ErrorIs(t, err, chain.ErrBlockNotFound)
}

func TestClient_ReceiptFailureFailsBlock(t *testing.T) {
	boom := errors.New("receipt unavailable")
	caller := newCaller().On("eth_getTransactionReceipt", func(any) (any, error) { return nil, boom })
	c := NewClient(domain.Network{Slug: "eth"}, caller, 2)

	_, err := c.GetBlock(context.Background(), 1000)
	assert.ErrorIs(t, err, boom)
}

func TestClient_GetBlocksBatchPartialFailure(t *testing.T) {
	boom := errors.New("upstream down")
	caller := newCaller().On("eth_getBlockByNumber", func(params any) (any, error) {
		n, _ := hexutil.DecodeUint64(params.([]any)[0].(string))
		if n == 11 {
			return nil, boom
		}
		return blockJSON(n, 1), nil
	})
	c := NewClient(domain.Network{Slug: "eth"}, caller, 3)

	results := c.GetBlocksBatch(context.Background(), []uint64{10, 11, 12})
	require.Len(t, results, 3)
	for i, want := range []uint64{10, 11, 12} {
		assert.Equal(t, want, results[i].Number)
	}
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.Nil(t, results[1].Block)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, uint64(12), results[2].Block.Number)
}
