package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimitExhausted means every endpoint answered 429 within one request.
	ErrRateLimitExhausted = errors.New("rate limit exhausted on all endpoints")
	// ErrTransportExhausted means transient failures outlasted the retry policy on one endpoint.
	ErrTransportExhausted = errors.New("transport retries exhausted")
	// ErrRequestRejected means the endpoint refused the request itself (bad params, unknown method).
	ErrRequestRejected = errors.New("request rejected")
	// ErrNoEndpoints is returned when a pool is built without endpoints.
	ErrNoEndpoints = errors.New("no rpc endpoints configured")
)

// TransportError is the only error kind returned by EndpointManager.Execute,
// apart from the caller's own context error.
type TransportError struct {
	Kind     error // one of the sentinel errors above
	Network  string
	Method   string
	Endpoint string
	Attempts int
	Err      error // last underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v: %s %s (last endpoint %s, %d attempts): %v",
		e.Kind, e.Network, e.Method, e.Endpoint, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
