// Package chaintest provides a scripted chain.Caller for tests.
package chaintest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler answers one method call.
type Handler func(params any) (any, error)

// Caller dispatches Execute calls to per-method handlers and records every call.
type Caller struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

// Call is one recorded request.
type Call struct {
	Method string
	Params any
}

func NewCaller() *Caller {
	return &Caller{handlers: make(map[string]Handler)}
}

// On registers the handler for method.
func (c *Caller) On(method string, h Handler) *Caller {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
	return c
}

func (c *Caller) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.calls = append(c.calls, Call{Method: method, Params: params})
	h, ok := c.handlers[method]
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	res, err := h(params)
	if err != nil {
		return nil, err
	}
	if raw, ok := res.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(res)
}

// Calls returns the recorded calls for method, or all calls when method is empty.
func (c *Caller) Calls(method string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if method == "" || call.Method == method {
			out = append(out, call)
		}
	}
	return out
}
