// Package tools holds the registry of functions the LLM may call during a
// conversation: their JSON-schema definitions, timeout-bounded execution, and
// the built-in tools shipped with the server.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trunkline-ai/trunkline/pkg/types"
)

// DefaultTimeout bounds tool execution when the definition carries no
// explicit timeout_ms.
const DefaultTimeout = 10 * time.Second

// Handler executes one tool invocation. args is the JSON-encoded argument
// object from the LLM. Implementations must be safe for concurrent use and
// must respect context cancellation.
type Handler func(ctx context.Context, args string) (string, error)

// Tool pairs an LLM-facing definition with its handler.
type Tool struct {
	Definition types.ToolDefinition
	Handler    Handler
}

// Response is the uniform result of one tool execution. Failures are data,
// not errors: the JSON encoding of a failed Response is fed back to the LLM,
// which may recover.
type Response struct {
	Tool      string `json:"tool"`
	Result    string `json:"result,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
	TraceID   string `json:"trace_id"`
}

// Registry holds named tools and executes them with per-tool timeouts.
// It implements the LLM stage's ToolRunner contract. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		tools:  make(map[string]Tool),
	}
}

// Register adds a tool. Re-registering a name overwrites the previous tool.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tools: register: definition has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: register %q: nil handler", t.Definition.Name)
	}
	r.mu.Lock()
	r.tools[t.Definition.Name] = t
	r.mu.Unlock()
	return nil
}

// Definitions lists the registered tool schemas, sorted by name for a stable
// prompt.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Subset returns a registry view restricted to the named tools. Unknown names
// are skipped with a warning. Used to offer each agent only its configured
// tools.
func (r *Registry) Subset(names []string) *Registry {
	sub := NewRegistry(r.logger)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			r.logger.Warn("configured tool is not registered", "tool", name)
			continue
		}
		sub.tools[name] = t
	}
	return sub
}

// Execute runs one tool call within its timeout and returns the JSON-encoded
// [Response]. ok is false for unknown tools, timeouts, and handler errors;
// the result string still carries the failure payload for the LLM.
func (r *Registry) Execute(ctx context.Context, tc types.ToolCall) (string, bool) {
	resp := r.run(ctx, tc)

	encoded, err := json.Marshal(resp)
	if err != nil {
		// Response is a plain struct; this cannot realistically fail.
		return fmt.Sprintf(`{"tool":%q,"ok":false,"error":"encode response"}`, tc.Name), false
	}
	return string(encoded), resp.OK
}

func (r *Registry) run(ctx context.Context, tc types.ToolCall) Response {
	resp := Response{Tool: tc.Name, TraceID: uuid.NewString()}

	r.mu.RLock()
	t, ok := r.tools[tc.Name]
	r.mu.RUnlock()
	if !ok {
		resp.Error = fmt.Sprintf("tool %q is not registered", tc.Name)
		r.logger.Warn("unknown tool requested", "tool", tc.Name, "trace_id", resp.TraceID)
		return resp
	}

	timeout := DefaultTimeout
	if t.Definition.TimeoutMs > 0 {
		timeout = time.Duration(t.Definition.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := t.Handler(runCtx, tc.Arguments)
	resp.ElapsedMs = time.Since(started).Milliseconds()

	switch {
	case runCtx.Err() != nil && err != nil:
		resp.Error = fmt.Sprintf("tool %q timed out after %s", tc.Name, timeout)
		r.logger.Warn("tool timed out",
			"tool", tc.Name,
			"timeout", timeout.String(),
			"trace_id", resp.TraceID)
	case err != nil:
		resp.Error = err.Error()
		r.logger.Warn("tool failed",
			"tool", tc.Name,
			"error", err,
			"elapsed_ms", resp.ElapsedMs,
			"trace_id", resp.TraceID)
	default:
		resp.OK = true
		resp.Result = result
		r.logger.Debug("tool executed",
			"tool", tc.Name,
			"elapsed_ms", resp.ElapsedMs,
			"trace_id", resp.TraceID)
	}
	return resp
}
