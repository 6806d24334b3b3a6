// Package scheduler fires watcher ticks on per-network cron schedules.
//
// Every network gets its own cron entry and its own in-flight flag. A fire that
// arrives while the previous tick of the same network is still running is
// dropped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/blockwatch/internal/indexing/metrics"
	"github.com/vietddude/blockwatch/internal/indexing/watcher"
)

var (
	// ErrDuplicateNetwork is returned by Add when the network is already scheduled.
	ErrDuplicateNetwork = errors.New("network already scheduled")
	// ErrUnknownNetwork is returned by RunOnce for a network that was never added.
	ErrUnknownNetwork = errors.New("network not scheduled")
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a 5-field, 6-field (leading seconds) or descriptor expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return parser.Parse(spec)
}

// CronInterval returns the gap between two consecutive fires of spec.
func CronInterval(spec string) (time.Duration, error) {
	s, err := ParseSchedule(spec)
	if err != nil {
		return 0, err
	}
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := s.Next(ref)
	second := s.Next(first)
	if first.IsZero() || second.IsZero() {
		return 0, fmt.Errorf("schedule %q never fires", spec)
	}
	return second.Sub(first), nil
}

// Target is one network's tick entry point.
type Target interface {
	Network() string
	Tick(ctx context.Context) (watcher.TickResult, error)
}

// Lease guards a network across processes. Acquire returns false when another process holds it.
// Renew extends a held lease by TTL and returns false once it was lost.
type Lease interface {
	Acquire(ctx context.Context, network string) (bool, error)
	Renew(ctx context.Context, network string) (bool, error)
	Release(ctx context.Context, network string) error
	TTL() time.Duration
}

type job struct {
	target   Target
	schedule string
	entry    cron.EntryID
	inflight atomic.Bool
	skipped  atomic.Uint64
}

// JobStatus is a point-in-time view of one scheduled network.
type JobStatus struct {
	Network  string    `json:"network"`
	Schedule string    `json:"schedule"`
	InFlight bool      `json:"in_flight"`
	Skipped  uint64    `json:"skipped"`
	Next     time.Time `json:"next,omitzero"`
}

// Scheduler owns one cron trigger per network.
type Scheduler struct {
	cron  *cron.Cron
	lease Lease
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*job
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLease makes every tick hold a cross-process lease for its network.
func WithLease(l Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New creates a stopped scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:  slog.Default(),
		jobs: make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	logger := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	return s
}

// Add registers a network. It may be called before or after Start.
func (s *Scheduler) Add(schedule string, target Target) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("network %s: invalid cron schedule %q: %w", target.Network(), schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[target.Network()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNetwork, target.Network())
	}

	j := &job{target: target, schedule: schedule}
	j.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(j) }))
	s.jobs[target.Network()] = j

	s.log.Info("Network scheduled", "network", target.Network(), "schedule", schedule)
	return nil
}

// Start begins firing. It does not block.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new fires and waits for in-flight ticks until ctx expires.
// Ticks still running after that have their context cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		s.log.Warn("Ticks still running at shutdown deadline, cancelling")
		return ctx.Err()
	}
}

// RunOnce runs one tick of a network now, subject to the same overlap rule as cron fires.
// ran is false when a tick of that network was already in flight.
func (s *Scheduler) RunOnce(ctx context.Context, network string) (ran bool, err error) {
	j, ok := s.job(network)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	if !j.inflight.CompareAndSwap(false, true) {
		s.dropped(j)
		return false, nil
	}
	defer j.inflight.Store(false)
	return s.run(ctx, j)
}

// Status returns the state of every scheduled network.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for name, j := range s.jobs {
		out = append(out, JobStatus{
			Network:  name,
			Schedule: j.schedule,
			InFlight: j.inflight.Load(),
			Skipped:  j.skipped.Load(),
			Next:     s.cron.Entry(j.entry).Next,
		})
	}
	return out
}

func (s *Scheduler) job(network string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[network]
	return j, ok
}

func (s *Scheduler) fire(j *job) {
	if !j.inflight.CompareAndSwap(false, true) {
		s.dropped(j)
		return
	}
	defer j.inflight.Store(false)

	// Tick errors are logged by the watcher and never stop the schedule.
	_, _ = s.run(s.ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) (bool, error) {
	network := j.target.Network()
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, network)
		if err != nil {
			s.log.Warn("Failed to acquire tick lease", "network", network, "error", err)
			return false, err
		}
		if !ok {
			s.log.Debug("Tick lease held by another instance", "network", network)
			return false, nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx), network); err != nil {
				s.log.Warn("Failed to release tick lease", "network", network, "error", err)
			}
		}()

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.keepLease(ctx, network, cancel, stop)
		}()
		defer func() {
			close(stop)
			<-done
			cancel()
		}()
	}

	_, err := j.target.Tick(ctx)
	return true, err
}

// keepLease renews the lease every third of its TTL until stop is closed.
// A lost or unrenewable lease cancels the tick before another instance can take over.
func (s *Scheduler) keepLease(ctx context.Context, network string, cancel context.CancelFunc, stop <-chan struct{}) {
	interval := s.lease.TTL() / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.lease.Renew(ctx, network)
			if err == nil && ok {
				continue
			}
			s.log.Warn("Tick lease lost, cancelling tick", "network", network, "error", err)
			cancel()
			return
		}
	}
}

func (s *Scheduler) dropped(j *job) {
	j.skipped.Add(1)
	metrics.TicksSkipped.WithLabelValues(j.target.Network()).Inc()
	s.log.Warn("Previous tick still running, dropping fire",
		"network", j.target.Network(),
		"schedule", j.schedule,
		"skipped_total", j.skipped.Load(),
	)
}

// cronLogger bridges cron's logger onto slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
