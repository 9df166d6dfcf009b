// Package shell executes commands inside a sandbox-governed workspace.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/avratys/loom"
)

// Tool runs shell commands. Every command passes through the sandbox policy:
// banned commands are rejected, non-safe commands go through the permission
// rendezvous unless auto-approve is on.
type Tool struct {
	sandbox *loom.Sandbox
}

// New creates a shell Tool bound to the given sandbox.
func New(sandbox *loom.Sandbox) *Tool {
	return &Tool{sandbox: sandbox}
}

func (t *Tool) Definition() loom.ToolDefinition {
	return loom.ToolDefinition{
		Name:        "shell_exec",
		Description: "Execute a shell command in the workspace directory. Returns stdout + stderr. Use for running scripts, checking files, or system tasks.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (defaults to the sandbox command timeout)"}},"required":["command"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage, tc loom.ToolContext) (loom.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return loom.ToolResult{Content: "invalid args: " + err.Error(), IsError: true}, nil
	}
	if params.Command == "" {
		return loom.ToolResult{Content: "command is required", IsError: true}, nil
	}

	cfg := t.sandbox.Config()

	decision := t.sandbox.ValidateCommand(params.Command)
	if !decision.Allowed {
		return loom.ToolResult{Content: decision.Reason, IsError: true}, nil
	}
	if decision.NeedsPermission {
		granted, err := t.sandbox.RequestPermission(ctx, "shell", "exec",
			"execute: "+params.Command, loom.PermissionOpts{Command: params.Command})
		if err != nil {
			return loom.ToolResult{}, err
		}
		if !granted {
			return loom.ToolResult{Content: "permission denied: " + params.Command, IsError: true}, nil
		}
	}

	timeout := cfg.CommandTimeout
	if params.Timeout > 0 {
		requested := time.Duration(params.Timeout) * time.Second
		if requested < timeout {
			timeout = requested
		}
	}

	dir := cfg.RootDir
	if tc.WorkingDir != "" {
		resolved, err := t.sandbox.ResolvePath(tc.WorkingDir)
		if err != nil {
			return loom.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		dir = resolved
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > cfg.MaxOutputLength {
		output = output[:cfg.MaxOutputLength] + "\n... (truncated)"
	}

	if runErr != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return loom.ToolResult{
				Content: fmt.Sprintf("command timed out after %s\n%s", timeout, output),
				IsError: true,
			}, nil
		}
		if output == "" {
			output = runErr.Error()
		}
		return loom.ToolResult{
			Content:  output,
			IsError:  true,
			Metadata: map[string]any{"exit": runErr.Error()},
		}, nil
	}

	if output == "" {
		output = "(no output)"
	}
	return loom.ToolResult{Content: output}, nil
}

// Compile-time interface check.
var _ loom.Tool = (*Tool)(nil)
