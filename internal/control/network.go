package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/blockwatch/internal/core/config"
	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/infra/chain"
	"github.com/vietddude/blockwatch/internal/infra/chain/evm"
	"github.com/vietddude/blockwatch/internal/infra/chain/stellar"
	"github.com/vietddude/blockwatch/internal/infra/rpc/provider"
	"github.com/vietddude/blockwatch/internal/infra/rpc/routing"
)

// NetworkClient is a network's endpoint pool together with the chain client on top of it.
type NetworkClient struct {
	Network domain.Network
	Pool    *routing.EndpointManager
	Client  chain.Client
}

// Close releases the endpoint transports.
func (n *NetworkClient) Close() error {
	return n.Pool.Close()
}

// BuildNetworkClient creates the endpoint pool and chain client of one network
// and performs the identity handshake.
func BuildNetworkClient(ctx context.Context, cfg *config.AppConfig, n domain.Network) (*NetworkClient, error) {
	specs := make([]routing.EndpointSpec, 0, len(n.RPCEndpoints))
	for _, ep := range n.RPCEndpoints {
		specs = append(specs, routing.EndpointSpec{
			Provider: provider.NewHTTPProvider(ep.URL, provider.WithRateLimit(ep.RateLimitRPS)),
			Weight:   ep.Weight,
		})
	}

	pool, err := routing.NewEndpointManager(routing.ManagerConfig{
		Network:     n.Slug,
		Endpoints:   specs,
		Policy:      cfg.Retry.Policy(),
		CallTimeout: cfg.RPC.CallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", n.Slug, err)
	}

	var client chain.Client
	switch n.Type {
	case domain.NetworkTypeEVM:
		client = evm.NewClient(n, pool, cfg.RPC.EVMConcurrency)
	case domain.NetworkTypeStellar:
		client = stellar.NewClient(n, pool, cfg.RPC.StellarConcurrency)
	default:
		_ = pool.Close()
		return nil, fmt.Errorf("%w: network %s has unsupported type %q", config.ErrInvalidConfig, n.Slug, n.Type)
	}

	id, err := client.Handshake(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("network %s handshake: %w", n.Slug, err)
	}
	slog.Info("Network handshake ok",
		"network", n.Slug,
		"type", n.Type,
		"id", id,
		"endpoint", pool.Current(),
	)

	return &NetworkClient{Network: n, Pool: pool, Client: client}, nil
}
