// Package file provides read and write tools over a sandbox-governed
// workspace, with stale-write detection through the run's file clock.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avratys/loom"
)

// ReadTool reads files inside the sandbox root.
type ReadTool struct {
	sandbox *loom.Sandbox
}

// NewRead creates a file-read Tool bound to the given sandbox.
func NewRead(sandbox *loom.Sandbox) *ReadTool {
	return &ReadTool{sandbox: sandbox}
}

func (t *ReadTool) Definition() loom.ToolDefinition {
	return loom.ToolDefinition{
		Name:        "file_read",
		Description: "Read a file from the workspace. Returns the file content, truncated if large.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace root"}},"required":["path"]}`),
	}
}

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, tc loom.ToolContext) (loom.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return loom.ToolResult{Content: "invalid args: " + err.Error(), IsError: true}, nil
	}
	if params.Path == "" {
		return loom.ToolResult{Content: "path is required", IsError: true}, nil
	}

	resolved, err := t.sandbox.ResolvePath(params.Path)
	if err != nil {
		return loom.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return loom.ToolResult{Content: "read error: " + err.Error(), IsError: true}, nil
	}
	if tc.Clock != nil {
		tc.Clock.Observe(resolved)
	}

	content := string(data)
	if max := t.sandbox.Config().MaxOutputLength; len(content) > max {
		content = content[:max] + "\n... (truncated)"
	}
	return loom.ToolResult{Content: content}, nil
}

// WriteTool writes files inside the sandbox root. Writes over files that
// changed on disk since their last observed read are rejected so the model
// re-reads before overwriting.
type WriteTool struct {
	sandbox *loom.Sandbox
}

// NewWrite creates a file-write Tool bound to the given sandbox.
func NewWrite(sandbox *loom.Sandbox) *WriteTool {
	return &WriteTool{sandbox: sandbox}
}

func (t *WriteTool) Definition() loom.ToolDefinition {
	return loom.ToolDefinition{
		Name:        "file_write",
		Description: "Write content to a file in the workspace. Creates parent directories if needed.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace root"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
	}
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, tc loom.ToolContext) (loom.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return loom.ToolResult{Content: "invalid args: " + err.Error(), IsError: true}, nil
	}
	if params.Path == "" {
		return loom.ToolResult{Content: "path is required", IsError: true}, nil
	}

	resolved, err := t.sandbox.ValidateWrite(params.Path)
	if err != nil {
		return loom.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	if tc.Clock != nil && tc.Clock.Stale(resolved) {
		return loom.ToolResult{
			Content: fmt.Sprintf("file %s changed on disk since it was last read; read it again before writing", params.Path),
			IsError: true,
		}, nil
	}

	if !t.sandbox.Config().AutoApprove {
		granted, err := t.sandbox.RequestPermission(ctx, "file", "write",
			"write "+params.Path, loom.PermissionOpts{Path: resolved})
		if err != nil {
			return loom.ToolResult{}, err
		}
		if !granted {
			return loom.ToolResult{Content: "permission denied: write " + params.Path, IsError: true}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return loom.ToolResult{Content: "mkdir error: " + err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0644); err != nil {
		return loom.ToolResult{Content: "write error: " + err.Error(), IsError: true}, nil
	}
	if tc.Clock != nil {
		tc.Clock.Observe(resolved)
	}

	return loom.ToolResult{Content: fmt.Sprintf("Written %d bytes to %s", len(params.Content), params.Path)}, nil
}

// Compile-time interface checks.
var (
	_ loom.Tool = (*ReadTool)(nil)
	_ loom.Tool = (*WriteTool)(nil)
)
