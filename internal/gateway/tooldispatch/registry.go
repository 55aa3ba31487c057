package tooldispatch

import (
	"context"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
)

// Handler executes one tool call's arguments and returns a structured
// result or an error. Implementations must respect ctx cancellation —
// the dispatcher relies on that to honor per-call timeouts and upstream
// cancellation lists.
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// registration is one registered tool: its declaration (for advertising
// to the upstream model), its validation dialect, and its handler.
type registration struct {
	declaration mcp.Tool
	dialect     *Dialect
	handler     Handler
}

// Registry maps tool name to {schema, handler}, guarded for concurrent
// registration/lookup. Grounded on internal/tools/registry.go.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registration)}
}

// Register adds a tool. schema may be nil for a no-argument tool.
func (r *Registry) Register(name, description string, schema *jsonschema.Schema, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registration{
		declaration: mcp.NewTool(name, mcp.WithDescription(description)),
		dialect:     NewDialect(schema),
		handler:     handler,
	}
}

// Lookup returns the registration for a tool name.
func (r *Registry) lookup(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// Declarations returns the mcp.Tool declarations for every registered
// tool, which the session orchestrator converts into upstream function
// declarations (spec §4.8 step 5).
func (r *Registry) Declarations() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.declaration)
	}
	return out
}
