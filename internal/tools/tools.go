// Package tools owns tool definitions and routes their execution
// across the three supported transports: in-process handlers, HTTP
// JSON-RPC endpoints, and server-sent-event streams.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/parley-chat/parley/internal/llm"
)

// Transport selects how a tool call is executed.
type Transport int

const (
	// TransportLocal tools run in-process through their Handler.
	TransportLocal Transport = iota
	// TransportHTTP tools are invoked with a JSON-RPC tools/call
	// request against Endpoint.
	TransportHTTP
	// TransportSSE tools stream results from an event-stream at
	// Endpoint, with arguments passed as a query string.
	TransportSSE
)

func (t Transport) String() string {
	switch t {
	case TransportLocal:
		return "local"
	case TransportHTTP:
		return "http"
	case TransportSSE:
		return "sse"
	default:
		return "unknown"
	}
}

// Tool is a callable tool definition. Parameters may be either a
// simplified {name: "type: description"} map or full JSON Schema;
// List converts simplified maps before handing them to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Transport   Transport

	// Endpoint is the server URL for HTTP and SSE tools.
	Endpoint string
	// Handler runs local tools. Unused for networked transports.
	Handler func(ctx context.Context, args map[string]any) (string, error)
}

func (t *Tool) validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	switch t.Transport {
	case TransportLocal:
		if t.Handler == nil {
			return fmt.Errorf("local tool %q has no handler", t.Name)
		}
	case TransportHTTP, TransportSSE:
		if t.Endpoint == "" {
			return fmt.Errorf("%s tool %q has no endpoint", t.Transport, t.Name)
		}
	default:
		return fmt.Errorf("tool %q has unknown transport", t.Name)
	}
	return nil
}

// Registry holds available tools in registration order.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool to the registry. A tool with the same name is
// replaced silently apart from a warning log. Definitions missing
// their transport's required fields are rejected.
func (r *Registry) Register(t *Tool) error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		r.logger.Warn("replacing registered tool", "tool", t.Name)
	} else {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Unregister removes a tool by name, reporting whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return true
}

// ClearNetworked removes all HTTP and SSE tools, keeping local ones.
// Returns the number removed.
func (r *Registry) ClearNetworked() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, t := range r.tools {
		if t.Transport == TransportHTTP || t.Transport == TransportSSE {
			delete(r.tools, name)
			removed++
		}
	}
	if removed > 0 {
		r.order = slices.DeleteFunc(r.order, func(n string) bool {
			_, ok := r.tools[n]
			return !ok
		})
		r.logger.Info("cleared networked tools", "count", removed)
	}
	return removed
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns all tools in registration order, shaped for the
// model's tools array. Simplified parameter maps are converted to
// JSON Schema; full schemas pass through unchanged.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []map[string]any
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  llm.ConvertSimplifiedSchema(t.Parameters),
			},
		})
	}
	return result
}
