package loom

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	// Parameters is a JSON Schema object. Validation happens on the model
	// side; the loop passes arguments through as raw JSON.
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Required   []string        `json:"required,omitempty"`
}

// ToolContext carries per-invocation state into a tool execution.
type ToolContext struct {
	// CallID is the originating ToolCall identifier.
	CallID string
	// SessionID identifies the conversation the call belongs to.
	SessionID string
	// AgentName is the executing agent's name.
	AgentName string
	// WorkingDir is the agent's working directory, when configured.
	WorkingDir string
	// Clock tracks file modification times for stale-write detection.
	// Nil when the runtime has no file clock configured.
	Clock *FileClock
}

// ToolResult is the outcome of a tool execution. IsError marks Content as an
// error message; the loop records it but keeps running.
type ToolResult struct {
	Content  string         `json:"content"`
	IsError  bool           `json:"is_error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool is a named, schema-described unit of side-effecting work invocable by
// the turn loop. Implementations should honor ctx cancellation; ones that
// don't merely delay run termination.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error)
}

// funcTool adapts a function to the Tool interface.
type funcTool struct {
	def ToolDefinition
	fn  func(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error)
}

func (t *funcTool) Definition() ToolDefinition { return t.def }

func (t *funcTool) Execute(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error) {
	return t.fn(ctx, input, tc)
}

// NewTool builds a Tool from a definition and an execute function.
func NewTool(def ToolDefinition, fn func(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error)) Tool {
	return &funcTool{def: def, fn: fn}
}

// Toolset is an ordered collection of tools keyed by name. Later additions
// with a duplicate name replace the earlier tool but keep its position.
type Toolset struct {
	order  []string
	byName map[string]Tool
}

// NewToolset creates a Toolset holding the given tools.
func NewToolset(tools ...Tool) *Toolset {
	ts := &Toolset{byName: make(map[string]Tool)}
	for _, t := range tools {
		ts.Add(t)
	}
	return ts
}

// Add registers a tool under its definition name.
func (ts *Toolset) Add(t Tool) {
	name := t.Definition().Name
	if _, ok := ts.byName[name]; !ok {
		ts.order = append(ts.order, name)
	}
	ts.byName[name] = t
}

// Get returns the tool registered under name.
func (ts *Toolset) Get(name string) (Tool, bool) {
	t, ok := ts.byName[name]
	return t, ok
}

// Len returns the number of registered tools.
func (ts *Toolset) Len() int { return len(ts.order) }

// Definitions returns tool schemas in registration order. This is the
// snapshot handed to the provider at the start of each turn.
func (ts *Toolset) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(ts.order))
	for _, name := range ts.order {
		defs = append(defs, ts.byName[name].Definition())
	}
	return defs
}

// Clone returns a copy that can be extended without mutating the original.
func (ts *Toolset) Clone() *Toolset {
	out := NewToolset()
	for _, name := range ts.order {
		out.Add(ts.byName[name])
	}
	return out
}
