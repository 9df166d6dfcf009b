package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
)

const (
	defaultMaxConcurrent    = 4
	defaultSubAgentMaxTurns = 20
	// subAgentOutputPreview is the truncation applied to agent:completed
	// payloads and registry snapshots.
	subAgentOutputPreview = 200
)

// delegateDefinition is the schema the main agent sees for the delegate tool.
var delegateDefinition = ToolDefinition{
	Name: "delegate",
	Description: "Spawn a sub-agent to work on a self-contained task and " +
		"return its final answer. Sub-agents run concurrently up to a limit.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Short sub-agent name"},
			"task": {"type": "string", "description": "Complete task description"},
			"model": {"type": "string", "description": "Model override"},
			"provider": {"type": "string", "description": "Provider override"},
			"systemPrompt": {"type": "string", "description": "System prompt override"}
		},
		"required": ["name", "task"]
	}`),
	Required: []string{"name", "task"},
}

// newDelegateTool synthesizes the delegate tool for a workflow run. The
// returned closure owns the active-sub-agent counter: a concurrency slot is
// reserved at the cap check, ahead of the model, provider, and spawn-hook
// admission steps, and released when the sub-agent finishes or a later step
// rejects the spawn. Reserving early keeps the cap exact when parallel tool
// calls race for the last slot. The sub-agents it spawns publish their events
// on the run bus, never the reverse.
func newDelegateTool(schema WorkflowSchema, bus *Bus, shared *Toolset, logger *slog.Logger, clock *FileClock) Tool {
	cfg := DelegationConfig{}
	if schema.Delegation != nil {
		cfg = *schema.Delegation
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	maxTurns := cfg.MaxTurnsPerAgent
	if maxTurns <= 0 {
		maxTurns = defaultSubAgentMaxTurns
	}
	inheritTools := cfg.InheritTools == nil || *cfg.InheritTools

	var mu sync.Mutex
	active := 0

	return NewTool(delegateDefinition, func(ctx context.Context, input json.RawMessage, _ ToolContext) (res ToolResult, _ error) {
		defer func() {
			if p := recover(); p != nil {
				res = ToolResult{Content: fmt.Sprintf("Sub-agent error: panic: %v", p), IsError: true}
			}
		}()

		var args struct {
			Name         string `json:"name"`
			Task         string `json:"task"`
			Model        string `json:"model"`
			Provider     string `json:"provider"`
			SystemPrompt string `json:"systemPrompt"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return ToolResult{Content: "invalid args: " + err.Error(), IsError: true}, nil
		}
		if args.Name == "" || args.Task == "" {
			return ToolResult{Content: "both name and task are required", IsError: true}, nil
		}

		// Admission: concurrency cap, model policy, provider resolution,
		// spawn hook — in that order. The slot is reserved at the cap check
		// and released when the sub-agent finishes or admission fails later.
		mu.Lock()
		if active >= maxConcurrent {
			n := active
			mu.Unlock()
			return ToolResult{
				Content: fmt.Sprintf("delegation limit reached: %d sub-agents active (max %d); wait for one to finish", n, maxConcurrent),
				IsError: true,
			}, nil
		}
		active++
		mu.Unlock()
		defer func() {
			mu.Lock()
			active--
			mu.Unlock()
		}()

		model := args.Model
		if model == "" {
			model = schema.Agent.Model
		}
		if len(cfg.AllowedModels) > 0 && !slices.Contains(cfg.AllowedModels, model) {
			return ToolResult{
				Content: fmt.Sprintf("model %q not allowed for sub-agents (allowed: %s)", model, strings.Join(cfg.AllowedModels, ", ")),
				IsError: true,
			}, nil
		}

		providerName := args.Provider
		if providerName == "" {
			providerName = schema.DefaultProvider
		}
		provider, ok := schema.Providers[providerName]
		if !ok {
			names := make([]string, 0, len(schema.Providers))
			for name := range schema.Providers {
				names = append(names, name)
			}
			sort.Strings(names)
			return ToolResult{
				Content: fmt.Sprintf("provider %q not found (available: %s)", providerName, strings.Join(names, ", ")),
				IsError: true,
			}, nil
		}

		if schema.Hooks.OnSpawn != nil && !schema.Hooks.OnSpawn(ctx, SpawnInfo{Name: args.Name, Task: args.Task, Model: model}) {
			return ToolResult{Content: "spawn blocked by workflow policy", IsError: true}, nil
		}

		bus.Emit(string(AgentSpawned), WorkflowEvent{
			Type:    AgentSpawned,
			Name:    args.Name,
			Payload: map[string]any{"model": model, "task": args.Task},
		})

		systemPrompt := args.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = fmt.Sprintf("You are a focused sub-agent named %q. Complete the assigned task and report the result concisely.", args.Name)
		}

		tools := NewToolset()
		if inheritTools {
			tools = shared.Clone()
		}
		for _, t := range cfg.SubAgentTools {
			tools.Add(t)
		}

		sub := NewAgent(args.Name, provider,
			WithModel(model),
			WithSystemPrompt(systemPrompt),
			WithToolset(tools),
			WithMaxTurns(maxTurns),
			WithFileClock(clock),
			WithLogger(logger),
		)

		var last string
		for ev := range sub.Run(ctx, args.Task, WithSession(NewMemorySession())) {
			evCopy := ev
			bus.Emit(string(AgentStreamEvent), WorkflowEvent{
				Type:  AgentStreamEvent,
				Name:  args.Name,
				Agent: &evCopy,
			})
			if ev.Type == AgentMessage && ev.Message != nil && ev.Message.Content != "" {
				last = ev.Message.Content
			}
		}

		bus.Emit(string(AgentCompleted), WorkflowEvent{
			Type:    AgentCompleted,
			Name:    args.Name,
			Payload: map[string]any{"output": truncateStr(last, subAgentOutputPreview)},
		})

		return ToolResult{Content: last}, nil
	})
}
