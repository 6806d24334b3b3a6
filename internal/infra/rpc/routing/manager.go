package routing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/blockwatch/internal/indexing/metrics"
	"github.com/vietddude/blockwatch/internal/infra/rpc/provider"
)

// DefaultCallTimeout bounds every single RPC attempt.
const DefaultCallTimeout = 30 * time.Second

// RetryHook observes each backoff wait. attempt is 1-based.
type RetryHook func(endpoint string, attempt int, delay time.Duration, err error)

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	Name                string    `json:"name"`
	Weight              uint32    `json:"weight"`
	Current             bool      `json:"current"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitzero"`

	Provider provider.HealthStatus `json:"provider"`
}

// ManagerConfig configures an EndpointManager.
type ManagerConfig struct {
	Network     string
	Endpoints   []EndpointSpec
	Policy      Policy
	CallTimeout time.Duration
	OnRetry     RetryHook
}

// EndpointManager presents a ranked list of endpoints as one transport for a single network.
// It is safe for concurrent use.
type EndpointManager struct {
	network     string
	policy      Policy
	callTimeout time.Duration
	onRetry     RetryHook
	tracer      trace.Tracer

	mu        sync.Mutex
	endpoints []*endpoint
	current   int
}

// NewEndpointManager ranks the endpoints and points at the highest-weight one.
func NewEndpointManager(cfg ManagerConfig) (*EndpointManager, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &EndpointManager{
		network:     cfg.Network,
		policy:      cfg.Policy,
		callTimeout: timeout,
		onRetry:     cfg.OnRetry,
		tracer:      otel.Tracer("github.com/vietddude/blockwatch/routing"),
		endpoints:   rankEndpoints(cfg.Endpoints),
	}, nil
}

// Network returns the slug this pool serves.
func (m *EndpointManager) Network() string {
	return m.network
}

// Execute sends one request. HTTP 429 rotates to the next endpoint immediately;
// transient failures back off on the same endpoint.
func (m *EndpointManager) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := m.tracer.Start(ctx, "rpc."+method, trace.WithAttributes(
		attribute.String("network", m.network),
		attribute.String("rpc.method", method),
	))
	defer span.End()

	result, err := m.execute(ctx, method, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (m *EndpointManager) execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	tried := make([]bool, len(m.endpoints))
	idx := m.currentIndex()
	attempts := 0

	// One retry counter per request lifecycle, shared across endpoints.
	var retryAttempt uint32
	var lastErr error
	var lastAction ErrorAction
	var epName string

	base := m.policy.Backoff()
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := base.Next()
		if stop {
			return 0, true
		}
		retryAttempt++
		if m.onRetry != nil {
			m.onRetry(epName, int(retryAttempt), d, lastErr)
		}
		slog.Debug("Retrying RPC call",
			"network", m.network, "method", method, "endpoint", epName,
			"attempt", retryAttempt, "delay", d, "error", lastErr)
		return d, false
	})

	for {
		next, ok := nextUntried(idx, tried)
		if !ok {
			return nil, &TransportError{
				Kind: ErrRateLimitExhausted, Network: m.network, Method: method,
				Endpoint: epName, Attempts: attempts, Err: lastErr,
			}
		}
		idx = next
		tried[idx] = true
		ep := m.endpoints[idx]
		epName = ep.provider.Name()

		var result json.RawMessage
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			attempts++
			res, err := m.call(ctx, ep, method, params)
			if err == nil {
				result = res
				return nil
			}
			lastErr = err
			lastAction = ClassifyError(err)
			metrics.RPCErrorsTotal.WithLabelValues(m.network, epName, lastAction.String()).Inc()
			if lastAction == ActionRetry && ctx.Err() == nil {
				return retry.RetryableError(err)
			}
			return err
		})

		if err == nil {
			m.recordSuccess(ep)
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		switch lastAction {
		case ActionRotate:
			idx = m.rotateFrom(idx)
			slog.Warn("RPC endpoint rate limited, rotating",
				"network", m.network, "method", method, "from", epName,
				"to", m.endpoints[idx].provider.Name())
			continue
		case ActionFatal:
			return nil, &TransportError{
				Kind: ErrRequestRejected, Network: m.network, Method: method,
				Endpoint: epName, Attempts: attempts, Err: err,
			}
		default:
			m.recordExhausted(ep, err)
			return nil, &TransportError{
				Kind: ErrTransportExhausted, Network: m.network, Method: method,
				Endpoint: epName, Attempts: attempts, Err: err,
			}
		}
	}
}

func (m *EndpointManager) call(ctx context.Context, ep *endpoint, method string, params any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	name := ep.provider.Name()
	metrics.RPCCallsTotal.WithLabelValues(m.network, name, method).Inc()
	start := time.Now()
	res, err := ep.provider.Call(callCtx, method, params)
	metrics.RPCLatency.WithLabelValues(m.network, name, method).Observe(time.Since(start).Seconds())

	// A per-attempt deadline can surface as a transport error that hides the context cause.
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
		!errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(context.DeadlineExceeded, err)
	}
	return res, err
}

func (m *EndpointManager) currentIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// rotateFrom advances the shared pointer past observed. If another caller already
// rotated away from observed, the pointer is left where that caller put it.
func (m *EndpointManager) rotateFrom(observed int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == observed {
		m.current = (observed + 1) % len(m.endpoints)
		metrics.EndpointRotations.WithLabelValues(m.network).Inc()
	}
	return m.current
}

func (m *EndpointManager) recordSuccess(ep *endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep.healthy = true
	ep.consecutiveFailures = 0
}

func (m *EndpointManager) recordExhausted(ep *endpoint, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep.healthy = false
	ep.consecutiveFailures++
	ep.lastError = err.Error()
	ep.lastErrorAt = time.Now()
}

// Current returns the name of the endpoint new requests start on.
func (m *EndpointManager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints[m.current].provider.Name()
}

// Snapshot returns the status of every endpoint in ranked order.
func (m *EndpointManager) Snapshot() []EndpointStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EndpointStatus, 0, len(m.endpoints))
	for i, ep := range m.endpoints {
		out = append(out, EndpointStatus{
			Name:                ep.provider.Name(),
			Weight:              ep.weight,
			Current:             i == m.current,
			Healthy:             ep.healthy,
			ConsecutiveFailures: ep.consecutiveFailures,
			LastError:           ep.lastError,
			LastErrorAt:         ep.lastErrorAt,
			Provider:            ep.provider.Health(),
		})
	}
	return out
}

// Close releases every endpoint's transport.
func (m *EndpointManager) Close() error {
	var errs []error
	for _, ep := range m.endpoints {
		if err := ep.provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
