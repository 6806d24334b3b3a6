package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL bounds how long a crashed process can block a network.
const DefaultLeaseTTL = 5 * time.Minute

// releaseScript deletes the lease only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the lease only if the caller still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// TickLease is a per-network SETNX lock so only one process ticks a network at a time.
type TickLease struct {
	client *Client
	prefix string
	owner  string
	ttl    time.Duration
}

// NewTickLease creates a lease owned by a fresh random id.
func NewTickLease(client *Client, prefix string, ttl time.Duration) *TickLease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &TickLease{
		client: client,
		prefix: prefix,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Owner returns the id written into held leases.
func (l *TickLease) Owner() string {
	return l.owner
}

// Acquire takes the lease. It returns false when another owner holds it.
func (l *TickLease) Acquire(ctx context.Context, network string) (bool, error) {
	ok, err := l.client.rdb.SetNX(ctx, leaseKey(l.prefix, network), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// Renew pushes the expiry of a held lease out by the TTL. It returns false when the lease expired
// or another owner took it.
func (l *TickLease) Renew(ctx context.Context, network string) (bool, error) {
	n, err := renewScript.Run(ctx, l.client.rdb, []string{leaseKey(l.prefix, network)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

// TTL returns the lease expiry.
func (l *TickLease) TTL() time.Duration {
	return l.ttl
}

// Release drops the lease if this owner still holds it.
func (l *TickLease) Release(ctx context.Context, network string) error {
	if err := releaseScript.Run(ctx, l.client.rdb, []string{leaseKey(l.prefix, network)}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
