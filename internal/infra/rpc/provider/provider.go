// Package provider implements the transport to a single RPC endpoint.
//
// This package contains:
//   - Provider interface: one JSON-RPC endpoint
//   - HTTPProvider: JSON-RPC 2.0 over HTTP implementation
//   - ProviderMonitor: latency and throttle tracking
//   - HTTPStatusError / RPCError: typed failures consumed by routing
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider is one RPC endpoint.
type Provider interface {
	// Name returns a short identifier used in logs and metrics
	Name() string

	// Call performs one JSON-RPC request and returns the raw result
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Health returns current health metrics
	Health() HealthStatus

	// Close cleans up resources
	Close() error
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	MonitorStats  *MonitorStats `json:"monitor_stats,omitempty"`
}

// HTTPStatusError is returned when the endpoint answers with a non-200 status.
type HTTPStatusError struct {
	StatusCode int
	Body       string
	RetryAfter string
}

func (e *HTTPStatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if e.StatusCode == 429 && e.RetryAfter != "" {
		return fmt.Sprintf("http %d (retry after %s): %s", e.StatusCode, e.RetryAfter, body)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, body)
}

// RPCError is a JSON-RPC error object returned inside a 200 response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

var throttlePatterns = []string{
	"rate limit",
	"too many requests",
	"daily request count exceeded",
	"project rate limit",
	"monthly quota exceeded",
	"request limit reached",
	"capacity exceeded",
}

// IsThrottleMessage reports whether a response body or error message
// reads like a provider-side rate limit.
func IsThrottleMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range throttlePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
