package stellar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	protocol "github.com/stellar/go/protocols/rpc"
	"github.com/stellar/go/xdr"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/chain"
)

// PageLimit is the largest page the Stellar RPC accepts.
const PageLimit = 200

// DefaultConcurrency bounds how many ledger chunks are fetched at once.
const DefaultConcurrency = 4

// Client fetches ledgers with their transactions and contract events in pages of up to 200.
type Client struct {
	network     domain.Network
	caller      chain.Caller
	concurrency int
	log         *slog.Logger
}

var _ chain.Client = (*Client)(nil)

// NewClient creates a Stellar client. concurrency <= 0 uses DefaultConcurrency.
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
	return domain.NetworkTypeStellar
}

// Handshake calls getNetwork and checks the passphrase when one is configured.
func (c *Client) Handshake(ctx context.Context) (string, error) {
	var resp protocol.GetNetworkResponse
	if err := call(ctx, c.caller, protocol.GetNetworkMethodName, nil, &resp); err != nil {
		return "", err
	}
	if c.network.NetworkPassphrase != "" && resp.Passphrase != c.network.NetworkPassphrase {
		return resp.Passphrase, fmt.Errorf("%w: endpoint reports %q, expected %q",
			chain.ErrNetworkMismatch, resp.Passphrase, c.network.NetworkPassphrase)
	}
	return resp.Passphrase, nil
}

func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	var resp protocol.GetLatestLedgerResponse
	if err := call(ctx, c.caller, protocol.GetLatestLedgerMethodName, nil, &resp); err != nil {
		return 0, err
	}
	return uint64(resp.Sequence), nil
}

// GetBlock fetches a single ledger.
func (c *Client) GetBlock(ctx context.Context, number uint64) (*domain.Block, error) {
	blocks, err := c.fetchRange(ctx, number, number)
	if err != nil {
		return nil, err
	}
	b, ok := blocks[number]
	if !ok {
		return nil, fmt.Errorf("%w: ledger %d", chain.ErrBlockNotFound, number)
	}
	return b, nil
}

// GetBlocksBatch groups numbers into contiguous chunks of at most PageLimit ledgers.
// A failed chunk marks every ledger in it as failed.
func (c *Client) GetBlocksBatch(ctx context.Context, numbers []uint64) []chain.BlockResult {
	results := make([]chain.BlockResult, len(numbers))
	position := make(map[uint64][]int, len(numbers))
	for i, n := range numbers {
		results[i].Number = n
		position[n] = append(position[n], i)
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for _, r := range chunkRanges(numbers, PageLimit) {
		g.Go(func() error {
			blocks, err := c.fetchRange(ctx, r.From, r.To)
			if err != nil {
				c.log.Debug("Ledger chunk fetch failed", "from", r.From, "to", r.To, "error", err)
			}
			for n := r.From; n <= r.To; n++ {
				for _, i := range position[n] {
					switch {
					case err != nil:
						results[i].Err = err
					case blocks[n] != nil:
						results[i].Block = blocks[n]
					default:
						results[i].Err = fmt.Errorf("%w: ledger %d", chain.ErrBlockNotFound, n)
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// chunkRanges splits sorted unique numbers into contiguous ranges no longer than limit.
func chunkRanges(numbers []uint64, limit uint64) []domain.FetchRange {
	sorted := slices.Clone(numbers)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var out []domain.FetchRange
	for _, n := range sorted {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if n == last.To+1 && last.Len() < limit {
				last.To = n
				continue
			}
		}
		out = append(out, domain.FetchRange{From: n, To: n})
	}
	return out
}

// fetchRange loads ledgers, transactions and events for [from, to] and joins them per ledger.
func (c *Client) fetchRange(ctx context.Context, from, to uint64) (map[uint64]*domain.Block, error) {
	if to > math.MaxUint32 {
		return nil, fmt.Errorf("%w: ledger %d out of range", chain.ErrBlockNotFound, to)
	}
	start := uint32(from)

	var (
		ledgers []protocol.LedgerInfo
		txs     []protocol.TransactionInfo
		events  []protocol.EventInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ledgers, err = fetchPaged(gctx, c.caller, protocol.GetLedgersMethodName, to,
			func(cursor string) (any, error) {
				req := protocol.GetLedgersRequest{
					Pagination: &protocol.LedgerPaginationOptions{Cursor: cursor, Limit: PageLimit},
				}
				if cursor == "" {
					req.StartLedger = start
				}
				return req, nil
			},
			func(r protocol.GetLedgersResponse) ([]protocol.LedgerInfo, string) { return r.Ledgers, r.Cursor },
			func(l protocol.LedgerInfo) uint64 { return uint64(l.Sequence) })
		return err
	})
	g.Go(func() error {
		var err error
		txs, err = fetchPaged(gctx, c.caller, protocol.GetTransactionsMethodName, to,
			func(cursor string) (any, error) {
				req := protocol.GetTransactionsRequest{
					Pagination: &protocol.LedgerPaginationOptions{Cursor: cursor, Limit: PageLimit},
				}
				if cursor == "" {
					req.StartLedger = start
				}
				return req, nil
			},
			func(r protocol.GetTransactionsResponse) ([]protocol.TransactionInfo, string) {
				return r.Transactions, r.Cursor
			},
			func(t protocol.TransactionInfo) uint64 { return uint64(t.Ledger) })
		return err
	})
	g.Go(func() error {
		var err error
		events, err = fetchPaged(gctx, c.caller, protocol.GetEventsMethodName, to,
			func(cursor string) (any, error) {
				req := protocol.GetEventsRequest{
					Filters: []protocol.EventFilter{{
						EventType: protocol.EventTypeSet{protocol.EventTypeContract: nil},
					}},
					Pagination: &protocol.PaginationOptions{Limit: PageLimit},
				}
				if cursor == "" {
					req.StartLedger = start
					return req, nil
				}
				cur, err := protocol.ParseCursor(cursor)
				if err != nil {
					return nil, err
				}
				req.Pagination.Cursor = &cur
				return req, nil
			},
			func(r protocol.GetEventsResponse) ([]protocol.EventInfo, string) { return r.Events, r.Cursor },
			func(e protocol.EventInfo) uint64 { return uint64(e.Ledger) })
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	blocks := make(map[uint64]*domain.Block, len(ledgers))
	for _, l := range ledgers {
		seq := uint64(l.Sequence)
		if seq < from || seq > to {
			continue
		}
		ledger, err := toLedger(l)
		if err != nil {
			return nil, err
		}
		blocks[seq] = &domain.Block{
			Network:   c.network.Slug,
			Type:      domain.NetworkTypeStellar,
			Number:    seq,
			Hash:      l.Hash,
			Timestamp: time.Unix(l.LedgerCloseTime, 0).UTC(),
			Stellar: &domain.StellarBlock{
				Ledger:       ledger,
				Transactions: []domain.StellarTransaction{},
				Events:       []domain.StellarEvent{},
			},
		}
	}
	for _, t := range txs {
		if b := blocks[uint64(t.Ledger)]; b != nil {
			b.Stellar.Transactions = append(b.Stellar.Transactions, toTransaction(t))
		}
	}
	for _, e := range events {
		if b := blocks[uint64(e.Ledger)]; b != nil {
			b.Stellar.Events = append(b.Stellar.Events, toEvent(e))
		}
	}
	return blocks, nil
}

func call(ctx context.Context, caller chain.Caller, method string, params, dest any) error {
	raw, err := caller.Execute(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

// fetchPaged walks a paginated method until an item passes to. request builds
// the first request for an empty cursor and a follow-up request otherwise.
func fetchPaged[R, T any](
	ctx context.Context,
	caller chain.Caller,
	method string,
	to uint64,
	request func(cursor string) (any, error),
	page func(R) ([]T, string),
	ledgerOf func(T) uint64,
) ([]T, error) {
	var (
		out    []T
		cursor string
	)
	for {
		params, err := request(cursor)
		if err != nil {
			return nil, fmt.Errorf("%s cursor %q: %w", method, cursor, err)
		}
		var resp R
		if err := call(ctx, caller, method, params, &resp); err != nil {
			return nil, err
		}
		items, next := page(resp)
		if len(items) == 0 {
			return out, nil
		}
		for _, item := range items {
			if ledgerOf(item) > to {
				return out, nil
			}
			out = append(out, item)
		}
		if next == "" || next == cursor {
			return out, nil
		}
		cursor = next
	}
}

// toLedger decodes the header XDR when present and checks it describes the same ledger.
func toLedger(l protocol.LedgerInfo) (domain.StellarLedger, error) {
	out := domain.StellarLedger{
		Sequence:        uint64(l.Sequence),
		Hash:            l.Hash,
		LedgerCloseTime: l.LedgerCloseTime,
		HeaderXDR:       l.LedgerHeader,
		MetadataXDR:     l.LedgerMetadata,
	}
	if l.LedgerHeader == "" {
		return out, nil
	}
	var entry xdr.LedgerHeaderHistoryEntry
	if err := xdr.SafeUnmarshalBase64(l.LedgerHeader, &entry); err != nil {
		return out, fmt.Errorf("decode ledger %d header: %w", l.Sequence, err)
	}
	if uint32(entry.Header.LedgerSeq) != l.Sequence {
		return out, fmt.Errorf("ledger %d header carries sequence %d", l.Sequence, entry.Header.LedgerSeq)
	}
	out.PreviousHash = entry.Header.PreviousLedgerHash.HexString()
	out.ProtocolVersion = uint32(entry.Header.LedgerVersion)
	return out, nil
}

func toTransaction(t protocol.TransactionInfo) domain.StellarTransaction {
	return domain.StellarTransaction{
		Hash:             t.TransactionHash,
		Status:           t.Status,
		Ledger:           uint64(t.Ledger),
		ApplicationOrder: int(t.ApplicationOrder),
		FeeBump:          t.FeeBump,
		CreatedAt:        t.LedgerCloseTime,
		EnvelopeXDR:      t.EnvelopeXDR,
		ResultXDR:        t.ResultXDR,
		ResultMetaXDR:    t.ResultMetaXDR,
	}
}

func toEvent(e protocol.EventInfo) domain.StellarEvent {
	return domain.StellarEvent{
		ID:                       e.ID,
		Type:                     e.EventType,
		Ledger:                   uint64(e.Ledger),
		LedgerClosedAt:           e.LedgerClosedAt,
		ContractID:               e.ContractID,
		TxHash:                   e.TransactionHash,
		TransactionIndex:         e.TxIndex,
		OperationIndex:           e.OpIndex,
		Topic:                    e.TopicXDR,
		Value:                    e.ValueXDR,
		InSuccessfulContractCall: e.InSuccessfulContractCall,
	}
}
