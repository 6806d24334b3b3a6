package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/blockwatch/internal/core/domain"
	redisclient "github.com/vietddude/blockwatch/internal/infra/redis"
	"github.com/vietddude/blockwatch/internal/infra/rpc/routing"
	"github.com/vietddude/blockwatch/internal/infra/storage/postgres"
)

// Storage backends
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig     `yaml:"server"`
	Logging  LoggingConfig    `yaml:"logging"`
	Storage  StorageConfig    `yaml:"storage"`
	Tracing  TracingConfig    `yaml:"tracing"`
	Retry    RetryConfig      `yaml:"retry"`
	RPC      RPCConfig        `yaml:"rpc"`
	Networks []domain.Network `yaml:"networks"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // 0 disables the health server
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // grace period for in-flight ticks
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SlogLevel converts Level to a slog level. Unknown values map to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend     string             `yaml:"backend"` // file, memory, postgres, redis
	Path        string             `yaml:"path"`    // file backend directory
	ArchiveKeep int                `yaml:"archive_keep"`
	Postgres    postgres.Config    `yaml:"postgres"`
	Redis       redisclient.Config `yaml:"redis"`
}

// TracingConfig configures the OTLP exporter. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// RetryConfig is the backoff applied to transient RPC failures.
type RetryConfig struct {
	Base        float64       `yaml:"base"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	MaxRetries  uint32        `yaml:"max_retries"`
	Jitter      string        `yaml:"jitter"` // none, full
}

// Policy converts the config to a routing policy.
func (r RetryConfig) Policy() routing.Policy {
	p := routing.Policy{
		Base:        r.Base,
		MinInterval: r.MinInterval,
		MaxInterval: r.MaxInterval,
		MaxRetries:  r.MaxRetries,
		Jitter:      routing.JitterNone,
	}
	if strings.EqualFold(r.Jitter, "full") {
		p.Jitter = routing.JitterFull
	}
	return p
}

// RPCConfig holds transport settings shared by all networks.
type RPCConfig struct {
	CallTimeout        time.Duration `yaml:"call_timeout"`
	EVMConcurrency     int           `yaml:"evm_concurrency"`
	StellarConcurrency int           `yaml:"stellar_concurrency"`
	Lease              LeaseConfig   `yaml:"lease"`
}

// LeaseConfig enables the redis tick lease for multi-instance deployments.
type LeaseConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// Network returns the configuration of one network by slug.
func (c *AppConfig) Network(slug string) (domain.Network, bool) {
	for _, n := range c.Networks {
		if n.Slug == slug {
			return n, true
		}
	}
	return domain.Network{}, false
}
