package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/storage"
	"github.com/vietddude/blockwatch/internal/infra/storage/codec"
)

// DefaultArchiveKeep is the number of archive entries retained per network.
const DefaultArchiveKeep = 1

// Store implements storage.Store on Redis.
type Store struct {
	client *Client
	prefix string
	keep   int
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a Redis-backed store. archiveKeep <= 0 uses DefaultArchiveKeep.
func NewStore(client *Client, prefix string, archiveKeep int) *Store {
	if archiveKeep <= 0 {
		archiveKeep = DefaultArchiveKeep
	}
	return &Store{client: client, prefix: prefix, keep: archiveKeep}
}

func (s *Store) GetCheckpoint(ctx context.Context, network string) (*domain.Checkpoint, error) {
	data, err := s.client.rdb.Get(ctx, checkpointKey(s.prefix, network)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.client.rdb.Set(ctx, checkpointKey(s.prefix, cp.Network), data, 0).Err()
}

func (s *Store) AddMissed(ctx context.Context, records []domain.MissedBlock) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.pushMissed(ctx, pipe, records)
	})
	return err
}

// CommitTick queues the missed records and the checkpoint in one MULTI/EXEC.
func (s *Store) CommitTick(ctx context.Context, cp domain.Checkpoint, missed []domain.MissedBlock) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.pushMissed(ctx, pipe, missed); err != nil {
			return err
		}
		pipe.Set(ctx, checkpointKey(s.prefix, cp.Network), data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit tick: %w", err)
	}
	return nil
}

func (s *Store) pushMissed(ctx context.Context, pipe redis.Pipeliner, records []domain.MissedBlock) error {
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal missed block: %w", err)
		}
		pipe.RPush(ctx, missedKey(s.prefix, r.Network), data)
	}
	return nil
}

func (s *Store) ListMissed(ctx context.Context, network string, limit int) ([]domain.MissedBlock, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := s.client.rdb.LRange(ctx, missedKey(s.prefix, network), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}
	out := make([]domain.MissedBlock, 0, len(items))
	for _, item := range items {
		var m domain.MissedBlock
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode missed block: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) CountMissed(ctx context.Context, network string) (int, error) {
	n, err := s.client.rdb.LLen(ctx, missedKey(s.prefix, network)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen failed: %w", err)
	}
	return int(n), nil
}

// SaveBlocks stores the compressed batch and trims the per-network index to the retention count.
func (s *Store) SaveBlocks(ctx context.Context, network string, blocks []*domain.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	payload, err := codec.EncodeBlocks(blocks)
	if err != nil {
		return err
	}

	stamp := time.Now().UnixMilli()
	key := archiveKey(s.prefix, network, stamp)
	index := archiveIndexKey(s.prefix, network)

	_, err = s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, 0)
		pipe.ZAdd(ctx, index, redis.Z{Score: float64(stamp), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive blocks: %w", err)
	}

	stale, err := s.client.rdb.ZRange(ctx, index, 0, -int64(s.keep)-1).Result()
	if err != nil {
		return fmt.Errorf("zrange failed: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	_, err = s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, stale...)
		members := make([]any, len(stale))
		for i, k := range stale {
			members[i] = k
		}
		pipe.ZRem(ctx, index, members...)
		return nil
	})
	return err
}

// LatestArchive returns the newest archived batch for a network.
func (s *Store) LatestArchive(ctx context.Context, network string) ([]*domain.Block, error) {
	keys, err := s.client.rdb.ZRange(ctx, archiveIndexKey(s.prefix, network), -1, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	data, err := s.client.rdb.Get(ctx, keys[0]).Bytes()
	if err != nil {
		return nil, fmt.Errorf("get archive %s: %w", keys[0], err)
	}
	return codec.DecodeBlocks(data)
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
