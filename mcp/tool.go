package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/avratys/loom"
)

// serverTool adapts one discovered MCP tool to the loom.Tool interface.
type serverTool struct {
	client *Client
	def    toolDef
}

func (t *serverTool) Definition() loom.ToolDefinition {
	params := t.def.InputSchema
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	return loom.ToolDefinition{
		Name:        t.def.Name,
		Description: t.def.Description,
		Parameters:  params,
	}
}

func (t *serverTool) Execute(ctx context.Context, input json.RawMessage, _ loom.ToolContext) (loom.ToolResult, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	raw, err := t.client.call(ctx, "tools/call", toolCallParams{
		Name:      t.def.Name,
		Arguments: input,
	})
	if err != nil {
		return loom.ToolResult{}, err
	}

	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return loom.ToolResult{}, err
	}

	// Only text content maps onto a tool outcome; other block kinds are
	// skipped.
	var parts []string
	for _, item := range result.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
		}
	}
	return loom.ToolResult{
		Content: strings.Join(parts, "\n"),
		IsError: result.IsError,
	}, nil
}

// Compile-time interface check.
var _ loom.Tool = (*serverTool)(nil)
