package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/blockwatch/internal/core/config"
	redisclient "github.com/vietddude/blockwatch/internal/infra/redis"
	"github.com/vietddude/blockwatch/internal/infra/storage"
	"github.com/vietddude/blockwatch/internal/infra/storage/file"
	"github.com/vietddude/blockwatch/internal/infra/storage/memory"
	"github.com/vietddude/blockwatch/internal/infra/storage/postgres"
)

// OpenStore opens the configured storage backend.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		slog.Info("Using memory storage")
		return memory.NewMemoryStorage(), nil

	case config.BackendPostgres:
		pgCfg := cfg.Postgres
		pgCfg.ArchiveKeep = cfg.ArchiveKeep
		store, err := postgres.Open(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres storage: %w", err)
		}
		slog.Info("Using PostgreSQL storage")
		return store, nil

	case config.BackendRedis:
		client, err := redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		slog.Info("Using Redis storage")
		return redisclient.NewStore(client, cfg.Redis.KeyPrefix, cfg.ArchiveKeep), nil

	case config.BackendFile, "":
		store, err := file.Open(file.Config{Dir: cfg.Path, ArchiveKeep: cfg.ArchiveKeep})
		if err != nil {
			return nil, fmt.Errorf("failed to init file storage: %w", err)
		}
		slog.Info("Using file storage", "path", cfg.Path)
		return store, nil

	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}
