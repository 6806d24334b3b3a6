package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection shared by the store and tick leases.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewClient creates a new Redis client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func checkpointKey(prefix, network string) string {
	return fmt.Sprintf("%scheckpoint:%s", prefix, network)
}

func missedKey(prefix, network string) string {
	return fmt.Sprintf("%smissed_blocks:%s", prefix, network)
}

func archiveIndexKey(prefix, network string) string {
	return fmt.Sprintf("%sarchives:%s", prefix, network)
}

func archiveKey(prefix, network string, stamp int64) string {
	return fmt.Sprintf("%sarchive:%s:%d", prefix, network, stamp)
}

func leaseKey(prefix, network string) string {
	return fmt.Sprintf("%stick_lease:%s", prefix, network)
}
