package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/chain"
)

// DefaultConcurrency bounds parallel block and receipt fetches.
const DefaultConcurrency = 8

// Client fetches EVM blocks one at a time plus one receipt call per transaction.
type Client struct {
	network     domain.Network
	caller      chain.Caller
	concurrency int
	log         *slog.Logger
}

var _ chain.Client = (*Client)(nil)

// NewClient creates an EVM client. concurrency <= 0 uses DefaultConcurrency.
func NewClient(network domain.Network, caller chain.Caller, concurrency int) *Client {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Client{
		network:     network,
		caller:      caller,
		concurrency: concurrency,
		log:         slog.Default().With("network", network.Slug),
	}
}

func (c *Client) Type() domain.NetworkType {
	return domain.NetworkTypeEVM
}

// Handshake calls net_version and checks it against the configured chain id when set.
func (c *Client) Handshake(ctx context.Context) (string, error) {
	raw, err := c.caller.Execute(ctx, "net_version", []any{})
	if err != nil {
		return "", fmt.Errorf("net_version: %w", err)
	}
	var version string
	if err := json.Unmarshal(raw, &version); err != nil {
		return "", fmt.Errorf("decode net_version: %w", err)
	}
	if c.network.ChainID != "" && version != c.network.ChainID {
		return version, fmt.Errorf("%w: endpoint reports chain %s, expected %s",
			chain.ErrNetworkMismatch, version, c.network.ChainID)
	}
	return version, nil
}

func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	raw, err := c.caller.Execute(ctx, "eth_blockNumber", []any{})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	var height hexutil.Uint64
	if err := json.Unmarshal(raw, &height); err != nil {
		return 0, fmt.Errorf("decode eth_blockNumber: %w", err)
	}
	return uint64(height), nil
}

type rpcBlock struct {
	Number       hexutil.Uint64    `json:"number"`
	Hash         common.Hash       `json:"hash"`
	ParentHash   common.Hash       `json:"parentHash"`
	Timestamp    hexutil.Uint64    `json:"timestamp"`
	Miner        common.Address    `json:"miner"`
	GasUsed      hexutil.Uint64    `json:"gasUsed"`
	GasLimit     hexutil.Uint64    `json:"gasLimit"`
	BaseFee      *hexutil.Big      `json:"baseFeePerGas"`
	Transactions []json.RawMessage `json:"transactions"`
}

type rpcTransaction struct {
	Hash             common.Hash     `json:"hash"`
	TransactionIndex hexutil.Uint64  `json:"transactionIndex"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Value            *hexutil.Big    `json:"value"`
	Gas              hexutil.Uint64  `json:"gas"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	Input            hexutil.Bytes   `json:"input"`
}

type rpcReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	Status            hexutil.Uint64  `json:"status"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []rpcLog        `json:"logs"`
}

type rpcLog struct {
	Address  common.Address `json:"address"`
	Topics   []common.Hash  `json:"topics"`
	Data     hexutil.Bytes  `json:"data"`
	LogIndex hexutil.Uint64 `json:"logIndex"`
}

// GetBlock fetches the block with full transactions, then every receipt.
func (c *Client) GetBlock(ctx context.Context, number uint64) (*domain.Block, error) {
	raw, err := c.caller.Execute(ctx, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(number), true})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber %d: %w", number, err)
	}
	if isNull(raw) {
		return nil, fmt.Errorf("%w: %d", chain.ErrBlockNotFound, number)
	}

	var rb rpcBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", number, err)
	}

	txs := make([]domain.EVMTransaction, 0, len(rb.Transactions))
	for i, rawTx := range rb.Transactions {
		tx, err := parseTransaction(rawTx)
		if err != nil {
			return nil, fmt.Errorf("decode tx %d of block %d: %w", i, number, err)
		}
		txs = append(txs, tx)
	}

	receipts, err := c.fetchReceipts(ctx, txs)
	if err != nil {
		return nil, fmt.Errorf("receipts of block %d: %w", number, err)
	}

	header := domain.EVMHeader{
		Number:     uint64(rb.Number),
		Hash:       rb.Hash.Hex(),
		ParentHash: rb.ParentHash.Hex(),
		Timestamp:  uint64(rb.Timestamp),
		Miner:      strings.ToLower(rb.Miner.Hex()),
		GasUsed:    uint64(rb.GasUsed),
		GasLimit:   uint64(rb.GasLimit),
	}
	if rb.BaseFee != nil {
		header.BaseFee = rb.BaseFee.ToInt().String()
	}

	return &domain.Block{
		Network:   c.network.Slug,
		Type:      domain.NetworkTypeEVM,
		Number:    uint64(rb.Number),
		Hash:      header.Hash,
		Timestamp: time.Unix(int64(rb.Timestamp), 0).UTC(),
		EVM: &domain.EVMBlock{
			Header:       header,
			Transactions: txs,
			Receipts:     receipts,
		},
	}, nil
}

// fetchReceipts issues one eth_getTransactionReceipt per transaction. Any failure fails the block.
func (c *Client) fetchReceipts(ctx context.Context, txs []domain.EVMTransaction) ([]domain.EVMReceipt, error) {
	receipts := make([]domain.EVMReceipt, len(txs))
	if len(txs) == 0 {
		return receipts, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, tx := range txs {
		g.Go(func() error {
			raw, err := c.caller.Execute(ctx, "eth_getTransactionReceipt", []any{tx.Hash})
			if err != nil {
				return fmt.Errorf("eth_getTransactionReceipt %s: %w", tx.Hash, err)
			}
			if isNull(raw) {
				return fmt.Errorf("%w: receipt %s", chain.ErrBlockNotFound, tx.Hash)
			}
			var rr rpcReceipt
			if err := json.Unmarshal(raw, &rr); err != nil {
				return fmt.Errorf("decode receipt %s: %w", tx.Hash, err)
			}
			receipts[i] = toReceipt(rr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return receipts, nil
}

// GetBlocksBatch fetches each block independently with bounded fan-out.
func (c *Client) GetBlocksBatch(ctx context.Context, numbers []uint64) []chain.BlockResult {
	results := make([]chain.BlockResult, len(numbers))

	// Plain group: one failed block must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for i, n := range numbers {
		g.Go(func() error {
			block, err := c.GetBlock(ctx, n)
			results[i] = chain.BlockResult{Number: n, Block: block, Err: err}
			if err != nil {
				c.log.Debug("Block fetch failed", "block", n, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func parseTransaction(raw json.RawMessage) (domain.EVMTransaction, error) {
	var rt rpcTransaction
	if err := json.Unmarshal(raw, &rt); err != nil {
		return domain.EVMTransaction{}, err
	}
	tx := domain.EVMTransaction{
		Hash:  rt.Hash.Hex(),
		Index: uint64(rt.TransactionIndex),
		From:  strings.ToLower(rt.From.Hex()),
		Value: bigString(rt.Value),
		Gas:   uint64(rt.Gas),
		Nonce: uint64(rt.Nonce),
		Input: rt.Input.String(),
		Raw:   raw,
	}
	if rt.To != nil {
		tx.To = strings.ToLower(rt.To.Hex())
	}
	if rt.GasPrice != nil {
		tx.GasPrice = bigString(rt.GasPrice)
	}
	return tx, nil
}

func toReceipt(rr rpcReceipt) domain.EVMReceipt {
	r := domain.EVMReceipt{
		TransactionHash:   rr.TransactionHash.Hex(),
		Status:            uint64(rr.Status),
		GasUsed:           uint64(rr.GasUsed),
		CumulativeGasUsed: uint64(rr.CumulativeGasUsed),
		Logs:              make([]domain.EVMLog, 0, len(rr.Logs)),
	}
	if rr.ContractAddress != nil {
		r.ContractAddress = strings.ToLower(rr.ContractAddress.Hex())
	}
	for _, l := range rr.Logs {
		topics := make([]string, 0, len(l.Topics))
		for _, t := range l.Topics {
			topics = append(topics, t.Hex())
		}
		r.Logs = append(r.Logs, domain.EVMLog{
			Address:  strings.ToLower(l.Address.Hex()),
			Topics:   topics,
			Data:     l.Data.String(),
			LogIndex: uint64(l.LogIndex),
		})
	}
	return r
}

func bigString(b *hexutil.Big) string {
	if b == nil {
		return "0"
	}
	return b.ToInt().String()
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
