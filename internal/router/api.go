package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrMethodNotFound is reported when a dispatch names no registered method.
var ErrMethodNotFound = errors.New("Method not found")

// Call is one API invocation coming from a plugin surface.
type Call struct {
	PluginID string
	Method   string
	Args     json.RawMessage
}

// Handler implements one API method.
type Handler func(ctx context.Context, call Call) (any, error)

// Result is the response of an API dispatch. Exactly one of Result or
// Error is meaningful.
type Result struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// API is a closed table of host-side methods plugins may call. The table is
// fixed at construction.
type API struct {
	handlers map[string]Handler
}

// NewAPI builds the method table, rejecting empty names and nil handlers.
func NewAPI(handlers map[string]Handler) (*API, error) {
	table := make(map[string]Handler, len(handlers))
	for name, h := range handlers {
		if name == "" {
			return nil, errors.New("api method with empty name")
		}
		if h == nil {
			return nil, fmt.Errorf("api method %q has no handler", name)
		}
		table[name] = h
	}
	return &API{handlers: table}, nil
}

// methods returns the registered method names, sorted.
func (a *API) methods() []string {
	names := make([]string, 0, len(a.handlers))
	for name := range a.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for call.Method. Unknown methods, handler
// errors and handler panics all come back as a Result carrying an error
// message; Dispatch never panics.
func (a *API) Dispatch(ctx context.Context, call Call) (res Result) {
	h, ok := a.handlers[call.Method]
	if !ok {
		return Result{Error: ErrMethodNotFound.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Sprint(r)}
		}
	}()

	out, err := h(ctx, call)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Result: out}
}
