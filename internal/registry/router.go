package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedName indicates a tool name without a namespace
	// separator or a resource URI without a backend prefix.
	ErrMalformedName = errors.New("malformed namespaced name")

	// ErrUnknownBackend indicates the namespace selects no registered
	// backend.
	ErrUnknownBackend = errors.New("unknown backend")
)

// Router resolves namespaced identifiers to the owning backend and
// dispatches calls and reads. Backend replies and failures propagate
// verbatim.
type Router struct {
	reg *Registry
}

// NewRouter creates a Router over the registry.
func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// Split parses backend/local on the first separator. The local part may
// itself contain separators.
func (r *Router) Split(name string) (backendName, local string, err error) {
	backendName, local, ok := strings.Cut(name, "/")
	if !ok || backendName == "" || local == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	return backendName, local, nil
}

// Call dispatches a namespaced tool call with post-anonymization
// arguments and returns the raw backend reply.
func (r *Router) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	backendName, local, err := r.Split(name)
	if err != nil {
		return nil, err
	}
	b, ok := r.reg.Get(backendName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backendName)
	}
	return b.Dispatcher.CallTool(ctx, local, args)
}

// ReadResource peels the backend:// prefix off a namespaced URI and reads
// the original URI from the owning backend.
func (r *Router) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	backendName, original, ok := strings.Cut(uri, "://")
	if !ok || backendName == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedName, uri)
	}
	b, found := r.reg.Get(backendName)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backendName)
	}
	return b.Dispatcher.ReadResource(ctx, original)
}
