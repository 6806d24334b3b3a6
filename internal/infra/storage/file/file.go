// Package file is the default Store: a bbolt database for checkpoints and the
// missed-block log, plus zstd-compressed JSON files for the raw block archive.
package file

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/storage"
	"github.com/vietddude/blockwatch/internal/infra/storage/codec"
)

var (
	// bucketCheckpoints maps network slug -> JSON checkpoint.
	bucketCheckpoints = []byte("checkpoints")

	// bucketMissed holds one nested bucket per network keyed by a big-endian sequence.
	bucketMissed = []byte("missed_blocks")
)

const (
	dbFileName      = "blockwatch.db"
	archiveSuffix   = ".json.zst"
	DefaultKeep     = 1
	openLockTimeout = 5 * time.Second
)

// Config configures the file store.
type Config struct {
	Dir         string
	ArchiveKeep int // archive files retained per network; <= 0 uses DefaultKeep
}

// Store implements storage.Store on the local filesystem.
type Store struct {
	dir  string
	keep int
	db   *bolt.DB
}

var _ storage.Store = (*Store)(nil)

// Open creates the directory if needed and opens the bbolt database inside it.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("file store: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(cfg.Dir, dbFileName), 0o600, &bolt.Options{Timeout: openLockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCheckpoints, bucketMissed} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	keep := cfg.ArchiveKeep
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Store{dir: cfg.Dir, keep: keep, db: db}, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, network string) (*domain.Checkpoint, error) {
	var cp *domain.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCheckpoints).Get([]byte(network))
		if v == nil {
			return storage.ErrCheckpointNotFound
		}
		cp = &domain.Checkpoint{}
		return json.Unmarshal(v, cp)
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putCheckpoint(tx, cp)
	})
}

func (s *Store) AddMissed(ctx context.Context, records []domain.MissedBlock) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putMissed(tx, records)
	})
}

// CommitTick writes the checkpoint and missed records in one bbolt transaction.
func (s *Store) CommitTick(ctx context.Context, cp domain.Checkpoint, missed []domain.MissedBlock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putMissed(tx, missed); err != nil {
			return err
		}
		return putCheckpoint(tx, cp)
	})
}

func (s *Store) ListMissed(ctx context.Context, network string, limit int) ([]domain.MissedBlock, error) {
	var out []domain.MissedBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMissed).Bucket([]byte(network))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var m domain.MissedBlock
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode missed record: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Collected newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) CountMissed(ctx context.Context, network string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketMissed).Bucket([]byte(network)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// SaveBlocks writes {network}_blocks_{unix_ms}.json.zst, then prunes older files beyond the retention count.
func (s *Store) SaveBlocks(ctx context.Context, network string, blocks []*domain.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	data, err := codec.EncodeBlocks(blocks)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s_blocks_%d%s", network, time.Now().UnixMilli(), archiveSuffix)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename archive: %w", err)
	}
	return s.pruneArchives(network)
}

// ArchiveFiles lists a network's archive files, oldest first.
func (s *Store) ArchiveFiles(network string) ([]string, error) {
	pattern := filepath.Join(s.dir, network+"_blocks_*"+archiveSuffix)
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return archiveStamp(files[i]) < archiveStamp(files[j])
	})
	return files, nil
}

// ReadArchive decodes one archive file.
func ReadArchive(path string) ([]*domain.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return codec.DecodeBlocks(data)
}

func (s *Store) pruneArchives(network string) error {
	files, err := s.ArchiveFiles(network)
	if err != nil {
		return err
	}
	if len(files) <= s.keep {
		return nil
	}
	for _, f := range files[:len(files)-s.keep] {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("prune archive: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func putCheckpoint(tx *bolt.Tx, cp domain.Checkpoint) error {
	v, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCheckpoints).Put([]byte(cp.Network), v)
}

func putMissed(tx *bolt.Tx, records []domain.MissedBlock) error {
	root := tx.Bucket(bucketMissed)
	for _, r := range records {
		b, err := root.CreateBucketIfNotExists([]byte(r.Network))
		if err != nil {
			return fmt.Errorf("create missed bucket %s: %w", r.Network, err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		v, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := b.Put(sequenceKey(seq), v); err != nil {
			return err
		}
	}
	return nil
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// archiveStamp extracts the numeric timestamp so that lexical order never misorders files.
func archiveStamp(path string) int64 {
	base := strings.TrimSuffix(filepath.Base(path), archiveSuffix)
	i := strings.LastIndex(base, "_")
	if i < 0 {
		return 0
	}
	ts, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil || ts < 0 {
		return 0
	}
	return ts
}
