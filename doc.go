// Package loom is a streaming agent execution core for Go.
//
// It runs LLM agents as event streams: each run is a turn loop that streams
// provider deltas, executes tool calls sequentially, and terminates with
// exactly one done event. Workflows compose a main agent with sub-agent
// delegation, a run-scoped event bus, and an advisory sandbox policy.
//
// # Quick Start
//
// Create an agent and consume its event stream:
//
//	provider := anthropic.New(apiKey)
//	agent := loom.NewAgent("assistant", provider,
//		loom.WithModel("claude-sonnet-4-5"),
//		loom.WithSystemPrompt("You are a helpful assistant."),
//		loom.WithTools(shell.New(sandbox), file.New(sandbox)),
//	)
//
//	for ev := range agent.Run(ctx, "Summarize the README.") {
//		switch ev.Type {
//		case loom.AgentContent:
//			fmt.Print(ev.Content)
//		case loom.AgentDone:
//			fmt.Println("\nfinished:", ev.Reason)
//		}
//	}
//
// # Core Interfaces
//
// The root package defines the contracts all components implement:
//
//   - [Provider] — streaming LLM backend (text, thinking, tool-use deltas)
//   - [Tool] — pluggable capability invoked by the turn loop
//   - [Session] — conversation history shared across runs
//   - [PromptGuard] — input screening ahead of a run
//
// [Workflow] composes a main agent with the delegate tool; [AgentManager] and
// [WorkflowManager] are registries for background runs. [Sandbox] answers
// path, command, and network policy questions and brokers permission
// requests; enforcement belongs to the tools that consult it.
//
// # Included Implementations
//
// Providers: provider/anthropic (Anthropic Messages API), provider/openaicompat
// (OpenAI-compatible APIs). Storage: store/sqlite (local), store/postgres.
// Tools: tools/shell, tools/file, tools/fetch, plus mcp for tools served by
// MCP servers. Telemetry: observer (OpenTelemetry).
package loom
