package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/blockwatch/internal/infra/rpc/routing"
)

// envOverrides are process-level settings that win over the file.
type envOverrides struct {
	LogLevel        string `env:"LOG_LEVEL"`
	StorageBackend  string `env:"STORAGE_BACKEND"`
	StoragePath     string `env:"STORAGE_PATH"`
	DatabaseURL     string `env:"DATABASE_URL"`
	RedisURL        string `env:"REDIS_URL"`
	ServerPort      *int   `env:"SERVER_PORT"`
	TracingEndpoint string `env:"TRACING_ENDPOINT"`
}

// Load reads configuration from a YAML file.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expands ${VAR} references and applies defaults and env overrides.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: "BLOCKWATCH_"}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.StorageBackend != "" {
		cfg.Storage.Backend = o.StorageBackend
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if o.DatabaseURL != "" {
		cfg.Storage.Postgres.URL = o.DatabaseURL
	}
	if o.RedisURL != "" {
		cfg.Storage.Redis.URL = o.RedisURL
	}
	if o.ServerPort != nil {
		cfg.Server.Port = *o.ServerPort
	}
	if o.TracingEndpoint != "" {
		cfg.Tracing.Endpoint = o.TracingEndpoint
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendFile
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
	if cfg.Storage.ArchiveKeep == 0 {
		cfg.Storage.ArchiveKeep = 1
	}
	cfg.Storage.Postgres.ArchiveKeep = cfg.Storage.ArchiveKeep

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "blockwatch"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}

	def := routing.DefaultPolicy
	if cfg.Retry.Base == 0 {
		cfg.Retry.Base = def.Base
	}
	if cfg.Retry.MinInterval == 0 {
		cfg.Retry.MinInterval = def.MinInterval
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = def.MaxInterval
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = def.MaxRetries
	}
	if cfg.Retry.Jitter == "" {
		cfg.Retry.Jitter = "none"
	}

	if cfg.RPC.CallTimeout == 0 {
		cfg.RPC.CallTimeout = routing.DefaultCallTimeout
	}
	if cfg.RPC.Lease.TTL == 0 {
		cfg.RPC.Lease.TTL = 5 * time.Minute
	}
}
