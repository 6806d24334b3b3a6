// Package control assembles the running service from configuration.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/blockwatch/internal/core/checkpoint"
	"github.com/vietddude/blockwatch/internal/core/config"
	"github.com/vietddude/blockwatch/internal/core/domain"
	"github.com/vietddude/blockwatch/internal/indexing/emitter"
	"github.com/vietddude/blockwatch/internal/indexing/health"
	"github.com/vietddude/blockwatch/internal/indexing/scheduler"
	"github.com/vietddude/blockwatch/internal/indexing/watcher"
	redisclient "github.com/vietddude/blockwatch/internal/infra/redis"
	"github.com/vietddude/blockwatch/internal/infra/storage"
)

// ErrUnknownNetwork is returned for a slug that is not configured.
var ErrUnknownNetwork = errors.New("unknown network")

// Options overrides parts of the assembled service.
type Options struct {
	// Emitter receives fetched blocks. Defaults to a log emitter.
	Emitter emitter.Emitter
	// Store replaces the configured storage backend.
	Store storage.Store
}

type networkRuntime struct {
	client  *NetworkClient
	watcher *watcher.Watcher
	window  uint64
}

// Service owns every per-network pipeline, the scheduler and the health server.
type Service struct {
	cfg          *config.AppConfig
	store        storage.Store
	leaseClient  *redisclient.Client
	checkpoints  *checkpoint.Manager
	emitter      emitter.Emitter
	scheduler    *scheduler.Scheduler
	healthMon    *health.Monitor
	healthServer *health.Server
	networks     map[string]*networkRuntime
	order        []string
	log          *slog.Logger
}

// New builds the service. Configuration problems and failed handshakes abort construction.
func New(ctx context.Context, cfg *config.AppConfig, opts Options) (_ *Service, err error) {
	s := &Service{
		cfg:      cfg,
		emitter:  opts.Emitter,
		networks: make(map[string]*networkRuntime),
		log:      slog.Default(),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if s.emitter == nil {
		s.emitter = emitter.NewLogEmitter(slog.Default())
	}

	// 1. Storage
	s.store = opts.Store
	if s.store == nil {
		if s.store, err = OpenStore(ctx, cfg.Storage); err != nil {
			return nil, err
		}
	}
	s.checkpoints = checkpoint.NewManager(s.store)

	// 2. Scheduler, optionally leased across instances
	schedOpts := []scheduler.Option{scheduler.WithLogger(s.log)}
	if cfg.RPC.Lease.Enabled {
		s.leaseClient, err = redisclient.NewClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("tick lease: %w", err)
		}
		lease := redisclient.NewTickLease(s.leaseClient, cfg.Storage.Redis.KeyPrefix, cfg.RPC.Lease.TTL)
		schedOpts = append(schedOpts, scheduler.WithLease(lease))
		s.log.Info("Tick lease enabled", "owner", lease.Owner(), "ttl", cfg.RPC.Lease.TTL)
	}
	s.scheduler = scheduler.New(schedOpts...)

	// 3. Per-network pipelines
	sources := make([]health.Source, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		rt, err := s.buildNetwork(ctx, n)
		if err != nil {
			return nil, err
		}
		s.networks[n.Slug] = rt
		s.order = append(s.order, n.Slug)

		if err := s.scheduler.Add(n.CronSchedule, rt.watcher); err != nil {
			return nil, err
		}
		sources = append(sources, health.Source{
			Network:       n.Slug,
			Confirmations: n.ConfirmationBlocks,
			Watcher:       rt.watcher,
			Endpoints:     rt.client.Pool,
		})
	}

	// 4. Health
	s.healthMon = health.NewMonitor(sources, s.checkpoints, s.store, health.DefaultThresholds)
	if cfg.Server.Port > 0 {
		s.healthServer = health.NewServer(s.healthMon, cfg.Server.Port)
	}
	return s, nil
}

// NewSingle builds a service limited to one configured network, without the
// health server. Used by one-shot commands.
func NewSingle(ctx context.Context, cfg *config.AppConfig, network string, opts Options) (*Service, error) {
	n, ok := cfg.Network(network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	single := *cfg
	single.Networks = []domain.Network{n}
	single.Server.Port = 0
	return New(ctx, &single, opts)
}

func (s *Service) buildNetwork(ctx context.Context, n domain.Network) (*networkRuntime, error) {
	window, err := config.CatchUpWindow(n)
	if err != nil {
		return nil, fmt.Errorf("%w: network %s: %v", config.ErrInvalidConfig, n.Slug, err)
	}

	nc, err := BuildNetworkClient(ctx, s.cfg, n)
	if err != nil {
		return nil, err
	}

	w := watcher.New(watcher.Config{
		Network:       n,
		Client:        nc.Client,
		Checkpoints:   s.checkpoints,
		Archive:       s.store,
		Emitter:       s.emitter,
		MaxPastBlocks: window,
	})
	s.log.Info("Network ready",
		"network", n.Slug,
		"name", n.DisplayName(),
		"schedule", n.CronSchedule,
		"confirmations", n.ConfirmationBlocks,
		"max_past_blocks", window,
		"store_blocks", n.StoreBlocks,
	)
	return &networkRuntime{client: nc, watcher: w, window: window}, nil
}

// Start starts the health server and the scheduler. It does not block.
func (s *Service) Start(ctx context.Context) error {
	if s.healthServer != nil {
		go func() {
			if err := s.healthServer.Start(); err != nil {
				s.log.Error("Health server failed", "error", err)
			}
		}()
	}
	s.scheduler.Start()
	s.log.Info("Service started", "networks", len(s.networks))
	return nil
}

// Stop stops scheduling, waits for in-flight ticks until ctx expires and releases resources.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping service...")

	var errs []error
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	for _, rt := range s.networks {
		rt.watcher.Stop()
	}
	if s.healthServer != nil {
		if err := s.healthServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	errs = append(errs, s.close())
	return errors.Join(errs...)
}

func (s *Service) close() error {
	var errs []error
	for _, rt := range s.networks {
		if err := rt.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.emitter != nil {
		if err := s.emitter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.leaseClient != nil {
		if err := s.leaseClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunOnce ticks a network immediately. ran is false when a tick was already in flight.
func (s *Service) RunOnce(ctx context.Context, network string) (ran bool, err error) {
	if _, ok := s.networks[network]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	return s.scheduler.RunOnce(ctx, network)
}

// FetchBlock fetches one block of a network, bypassing scheduling and checkpointing.
func (s *Service) FetchBlock(ctx context.Context, network string, number uint64) (*domain.Block, error) {
	rt, ok := s.networks[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	return rt.watcher.FetchOne(ctx, number)
}

// Health returns the current health report.
func (s *Service) Health(ctx context.Context) health.HealthReport {
	return s.healthMon.Report(ctx)
}

// Networks returns the configured slugs in configuration order.
func (s *Service) Networks() []string {
	return append([]string(nil), s.order...)
}
