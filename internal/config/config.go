package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	SubAgent SubAgentConfig `toml:"subagent"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Session  SessionConfig  `toml:"session"`
	MCP      MCPConfig      `toml:"mcp"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type SubAgentConfig struct {
	Provider      string   `toml:"provider"`
	Model         string   `toml:"model"`
	APIKey        string   `toml:"api_key"`
	MaxTurns      int      `toml:"max_turns"`
	MaxConcurrent int      `toml:"max_concurrent"`
	AllowedModels []string `toml:"allowed_models"`
}

type SandboxConfig struct {
	Root                   string   `toml:"root"`
	AllowedCommands        []string `toml:"allowed_commands"`
	BannedCommands         []string `toml:"banned_commands"`
	AllowedWriteExtensions []string `toml:"allowed_write_extensions"`
	Network                string   `toml:"network"`
	AllowedHosts           []string `toml:"allowed_hosts"`
	AutoApprove            bool     `toml:"auto_approve"`
	MaxOutputLength        int      `toml:"max_output_length"`
	CommandTimeoutSeconds  int      `toml:"command_timeout_seconds"`
}

type SessionConfig struct {
	// Backend selects the session store: "memory", "sqlite", or "postgres".
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type MCPConfig struct {
	Servers []MCPServer `toml:"servers"`
}

type MCPServer struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		LLM:      LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		SubAgent: SubAgentConfig{MaxTurns: 20, MaxConcurrent: 4},
		Sandbox:  SandboxConfig{Root: filepath.Join(home, "loom-workspace"), Network: "blocked"},
		Session:  SessionConfig{Backend: "memory", Path: "loom.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LOOM_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LOOM_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LOOM_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LOOM_SUBAGENT_API_KEY"); v != "" {
		cfg.SubAgent.APIKey = v
	}
	if v := os.Getenv("LOOM_SANDBOX_ROOT"); v != "" {
		cfg.Sandbox.Root = v
	}
	if v := os.Getenv("LOOM_POSTGRES_URL"); v != "" {
		cfg.Session.PostgresURL = v
	}
	if os.Getenv("LOOM_OBSERVER_ENABLED") == "true" || os.Getenv("LOOM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.SubAgent.Provider == "" {
		cfg.SubAgent.Provider = cfg.LLM.Provider
		cfg.SubAgent.Model = cfg.LLM.Model
	}
	if cfg.SubAgent.APIKey == "" {
		cfg.SubAgent.APIKey = cfg.LLM.APIKey
	}
	if cfg.Session.Backend == "postgres" && cfg.Session.PostgresURL == "" {
		cfg.Session.Backend = "memory"
	}

	return cfg
}
