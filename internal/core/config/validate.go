package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/indexing/scheduler"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

const (
	maxWeight      = 100
	minBlockTimeMs = 100
)

var slugPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Validate checks the whole configuration and returns every problem found.
// Catch-up windows below the recommended size are logged, not rejected.
func (c *AppConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Storage.Backend {
	case BackendFile, BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.URL == "" {
			add("storage.postgres.url is required for the postgres backend")
		}
	case BackendRedis:
		if c.Storage.Redis.URL == "" {
			add("storage.redis.url is required for the redis backend")
		}
	default:
		add("storage.backend %q must be one of file, memory, postgres, redis", c.Storage.Backend)
	}
	if c.RPC.Lease.Enabled && c.Storage.Redis.URL == "" {
		add("rpc.lease requires storage.redis.url")
	}

	if c.Retry.Base < 1 {
		add("retry.base must be >= 1")
	}
	if c.Retry.MaxInterval < c.Retry.MinInterval {
		add("retry.max_interval must be >= retry.min_interval")
	}
	if j := strings.ToLower(c.Retry.Jitter); j != "none" && j != "full" {
		add("retry.jitter %q must be none or full", c.Retry.Jitter)
	}

	if len(c.Networks) == 0 {
		add("at least one network is required")
	}

	seen := make(map[string]bool)
	for i, n := range c.Networks {
		name := n.Slug
		if name == "" {
			name = fmt.Sprintf("networks[%d]", i)
		}
		for _, p := range validateNetwork(n) {
			add("%s: %s", name, p)
		}
		if n.Slug != "" && seen[n.Slug] {
			add("%s: duplicate slug", n.Slug)
		}
		seen[n.Slug] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}

	for _, n := range c.Networks {
		warnCatchUpWindow(n)
	}
	return nil
}

func validateNetwork(n domain.Network) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !slugPattern.MatchString(n.Slug) {
		add("slug %q must match [a-z0-9_]+", n.Slug)
	}
	if !n.Type.Valid() {
		add("type %q must be evm or stellar", n.Type)
	}

	if len(n.RPCEndpoints) == 0 {
		add("at least one rpc endpoint is required")
	}
	for _, ep := range n.RPCEndpoints {
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("rpc endpoint %q must be an http(s) URL", redact(ep.URL))
		}
		if ep.Weight > maxWeight {
			add("rpc endpoint %q weight %d exceeds %d", redact(ep.URL), ep.Weight, maxWeight)
		}
		if ep.RateLimitRPS < 0 {
			add("rpc endpoint %q rate_limit_rps must not be negative", redact(ep.URL))
		}
	}

	if n.BlockTimeMs < minBlockTimeMs {
		add("block_time_ms must be >= %d", minBlockTimeMs)
	}
	if n.ConfirmationBlocks == 0 {
		add("confirmation_blocks must be > 0")
	}
	if _, err := scheduler.ParseSchedule(n.CronSchedule); err != nil {
		add("cron_schedule %q: %v", n.CronSchedule, err)
	}
	if n.MaxPastBlocks != nil && *n.MaxPastBlocks == 0 {
		add("max_past_blocks must be > 0")
	}
	return problems
}

func warnCatchUpWindow(n domain.Network) {
	if n.MaxPastBlocks == nil {
		return
	}
	interval, err := scheduler.CronInterval(n.CronSchedule)
	if err != nil {
		return
	}
	if rec := n.RecommendedPastBlocks(interval); *n.MaxPastBlocks < rec {
		slog.Warn("max_past_blocks below recommended value, blocks may be skipped on every tick",
			"network", n.Slug,
			"max_past_blocks", *n.MaxPastBlocks,
			"recommended", rec,
		)
	}
}

// CatchUpWindow returns the effective max_past_blocks of a network.
func CatchUpWindow(n domain.Network) (uint64, error) {
	interval, err := scheduler.CronInterval(n.CronSchedule)
	if err != nil {
		return 0, err
	}
	return n.EffectiveMaxPastBlocks(interval), nil
}

// redact strips the path and query of a URL, which often carry API keys.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
