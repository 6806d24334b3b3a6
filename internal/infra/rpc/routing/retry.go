// Package routing makes a ranked list of unreliable endpoints behave like one transport.
//
// This package contains:
//   - Policy: exponential backoff with bounds and optional jitter
//   - ClassifyError: maps transport errors to rotate / retry / fatal
//   - EndpointManager: weighted endpoint pool with rotation and retry
package routing

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/blockwatch/internal/infra/rpc/provider"
)

// Jitter selects how a computed delay is randomized.
type Jitter int

const (
	JitterNone Jitter = iota
	JitterFull        // uniform in [0, computed]
)

// Policy computes backoff delays. It holds no mutable state and is safe for concurrent use.
type Policy struct {
	Base        float64
	MinInterval time.Duration
	MaxInterval time.Duration
	MaxRetries  uint32
	Jitter      Jitter
}

// DefaultPolicy matches the defaults used for every network unless overridden.
var DefaultPolicy = Policy{
	Base:        2,
	MinInterval: 1 * time.Second,
	MaxInterval: 4 * time.Second,
	MaxRetries:  2,
	Jitter:      JitterNone,
}

// Delay returns the wait before retry number attempt (zero-based).
// ok is false once attempt reaches MaxRetries.
func (p Policy) Delay(attempt uint32) (d time.Duration, ok bool) {
	if attempt >= p.MaxRetries {
		return 0, false
	}

	base := p.Base
	if base < 1 {
		base = 1
	}
	computed := float64(p.MinInterval) * math.Pow(base, float64(attempt))
	if computed > float64(p.MaxInterval) || math.IsInf(computed, 0) {
		computed = float64(p.MaxInterval)
	}
	d = time.Duration(computed)

	if p.Jitter == JitterFull && d > 0 {
		d = rand.N(d + 1)
	}
	return d, true
}

// Backoff adapts the policy to go-retry. Each call returns an independent counter.
func (p Policy) Backoff() retry.Backoff {
	var attempt atomic.Uint32
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, ok := p.Delay(attempt.Add(1) - 1)
		return d, !ok
	})
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry  ErrorAction = iota // transient: back off and retry the same endpoint
	ActionRotate                    // rate limited: move to the next endpoint without waiting
	ActionFatal                     // the request itself is bad; no endpoint will accept it
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRotate:
		return "rotate"
	case ActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry
	}

	if errors.Is(err, context.Canceled) {
		return ActionFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ActionRetry
	}

	var statusErr *provider.HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ActionRotate
		case statusErr.StatusCode >= 500, statusErr.StatusCode == http.StatusRequestTimeout:
			return ActionRetry
		case provider.IsThrottleMessage(statusErr.Body):
			return ActionRotate
		default:
			return ActionFatal
		}
	}

	var rpcErr *provider.RPCError
	if errors.As(err, &rpcErr) {
		if provider.IsThrottleMessage(rpcErr.Message) {
			return ActionRotate
		}
		switch {
		// Parse error, invalid request, method not found, invalid params
		case rpcErr.Code == -32700, rpcErr.Code == -32600, rpcErr.Code == -32601, rpcErr.Code == -32602:
			return ActionFatal
		// Internal error and the implementation-defined server error range
		case rpcErr.Code == -32603, rpcErr.Code <= -32000 && rpcErr.Code >= -32099:
			return ActionRetry
		default:
			return ActionFatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ActionRetry
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "429") || provider.IsThrottleMessage(s) {
		return ActionRotate
	}

	// Connection resets, EOFs and unknown transport errors are treated as transient
	return ActionRetry
}
