// Command loom runs a single workflow turn from the terminal: it wires the
// configured provider, session store, sandbox tools, and MCP servers into a
// workflow, streams the run, and prints the result.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avratys/loom"
	"github.com/avratys/loom/internal/config"
	"github.com/avratys/loom/mcp"
	"github.com/avratys/loom/observer"
	"github.com/avratys/loom/provider/anthropic"
	"github.com/avratys/loom/provider/openaicompat"
	"github.com/avratys/loom/store/postgres"
	"github.com/avratys/loom/store/sqlite"
	"github.com/avratys/loom/tools/fetch"
	"github.com/avratys/loom/tools/file"
	"github.com/avratys/loom/tools/shell"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: loom <prompt>")
		os.Exit(2)
	}
	prompt := strings.Join(os.Args[1:], " ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("LOOM_CONFIG"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// 2. Create the provider
	provider, err := newProvider(cfg.LLM)
	if err != nil {
		log.Fatal(err)
	}

	// 3. Observer (optional)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(sctx)
		}()
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
	}

	// 4. Sandbox with a terminal permission prompt
	sandbox, err := loom.NewSandbox(sandboxConfig(cfg.Sandbox))
	if err != nil {
		log.Fatal(err)
	}
	sandbox.SetPermissionHandler(promptPermission(sandbox))

	// 5. Tools: sandbox-aware builtins plus MCP servers
	tools := []loom.Tool{
		shell.New(sandbox),
		file.NewRead(sandbox),
		file.NewWrite(sandbox),
		fetch.New(sandbox),
	}
	for _, srv := range cfg.MCP.Servers {
		client, err := mcp.Dial(ctx, srv.Command, srv.Args)
		if err != nil {
			logger.Warn("mcp server unavailable", "name", srv.Name, "error", err)
			continue
		}
		defer client.Close()
		tools = append(tools, client.Tools()...)
	}

	// 6. Session store
	session, cleanup, err := newSession(ctx, cfg.Session)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	// 7. Compose the workflow
	wf := loom.NewWorkflow(loom.WorkflowSchema{
		Name: "loom",
		Agent: loom.AgentSpec{
			Model: cfg.LLM.Model,
			SystemPrompt: "You are a capable assistant working inside the workspace at " +
				sandbox.Config().RootDir + ".",
		},
		Providers:       map[string]loom.Provider{cfg.LLM.Provider: provider},
		DefaultProvider: cfg.LLM.Provider,
		Tools:           tools,
		Delegation: &loom.DelegationConfig{
			MaxConcurrent:    cfg.SubAgent.MaxConcurrent,
			MaxTurnsPerAgent: cfg.SubAgent.MaxTurns,
			AllowedModels:    cfg.SubAgent.AllowedModels,
		},
	}, loom.WithWorkflowLogger(logger), loom.WithWorkflowFileClock(loom.NewFileClock()))

	// 8. Run and stream
	var result *loom.WorkflowResult
	for ev := range wf.Run(ctx, prompt, loom.WithWorkflowSession(session)) {
		switch ev.Type {
		case loom.AgentStreamEvent:
			printAgentEvent(ev)
		case loom.AgentSpawned:
			fmt.Fprintf(os.Stderr, "\n[spawn %s] %v\n", ev.Name, ev.Payload["task"])
		case loom.AgentCompleted:
			fmt.Fprintf(os.Stderr, "\n[done %s]\n", ev.Name)
		case loom.WorkflowCompleted, loom.WorkflowError:
			result = ev.Result
		}
	}
	fmt.Println()

	if result == nil {
		log.Fatal("run ended without a result")
	}
	if result.Err != "" {
		log.Fatalf("run failed: %s", result.Err)
	}
	fmt.Fprintf(os.Stderr, "tokens: %d in / %d out\n",
		result.Usage.InputTokens, result.Usage.OutputTokens)
}

// newProvider builds the configured chat provider. Unknown provider names run
// through the OpenAI-compatible client so local gateways work out of the box.
func newProvider(cfg config.LLMConfig) (loom.Provider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm api_key is required (set LOOM_LLM_API_KEY)")
	}
	switch cfg.Provider {
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(cfg.APIKey, opts...), nil
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return openaicompat.New(cfg.APIKey, cfg.Model, baseURL), nil
	default:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %q needs a base_url", cfg.Provider)
		}
		return openaicompat.New(cfg.APIKey, cfg.Model, cfg.BaseURL,
			openaicompat.WithName(cfg.Provider)), nil
	}
}

// newSession builds the configured session backend. The cleanup closes
// whatever the backend opened.
func newSession(ctx context.Context, cfg config.SessionConfig) (loom.Session, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		store := sqlite.New(cfg.Path)
		if err := store.Init(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store.Session("cli"), func() { store.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store.Session("cli"), pool.Close, nil
	default:
		return loom.NewMemorySession(), func() {}, nil
	}
}

func sandboxConfig(cfg config.SandboxConfig) loom.SandboxConfig {
	out := loom.SandboxConfig{
		RootDir:                cfg.Root,
		AllowedCommands:        cfg.AllowedCommands,
		BannedCommands:         cfg.BannedCommands,
		AllowedWriteExtensions: cfg.AllowedWriteExtensions,
		AllowedHosts:           cfg.AllowedHosts,
		AutoApprove:            cfg.AutoApprove,
		MaxOutputLength:        cfg.MaxOutputLength,
	}
	if cfg.Network != "" {
		out.Network = loom.NetworkPolicy(cfg.Network)
	}
	if cfg.CommandTimeoutSeconds > 0 {
		out.CommandTimeout = time.Duration(cfg.CommandTimeoutSeconds) * time.Second
	}
	if err := os.MkdirAll(out.RootDir, 0755); err != nil {
		log.Fatal(err)
	}
	return out
}

// promptPermission asks y/n on the terminal for each pending request.
func promptPermission(sandbox *loom.Sandbox) loom.PermissionHandler {
	stdin := bufio.NewReader(os.Stdin)
	return func(req loom.PermissionRequest) {
		fmt.Fprintf(os.Stderr, "\nallow %s? %s [y/N] ", req.Tool, req.Description)
		line, _ := stdin.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			sandbox.GrantPermission(req.ID, false)
		default:
			sandbox.DenyPermission(req.ID)
		}
	}
}

func printAgentEvent(ev loom.WorkflowEvent) {
	ag := ev.Agent
	if ag == nil {
		return
	}
	switch ag.Type {
	case loom.AgentContent:
		fmt.Print(ag.Content)
	case loom.AgentToolCall:
		if ag.ToolCall != nil {
			fmt.Fprintf(os.Stderr, "\n[tool %s]\n", ag.ToolCall.Name)
		}
	case loom.AgentError:
		fmt.Fprintf(os.Stderr, "\n[error] %s\n", ag.Err)
	}
}
