package shell

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/avratys/loom"
)

func newTestTool(t *testing.T, cfg loom.SandboxConfig) (*Tool, *loom.Sandbox) {
	t.Helper()
	if cfg.RootDir == "" {
		cfg.RootDir = t.TempDir()
	}
	sb, err := loom.NewSandbox(cfg)
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	return New(sb), sb
}

func runTool(t *testing.T, tool *Tool, args string) loom.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), json.RawMessage(args), loom.ToolContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestExecSafeCommand(t *testing.T) {
	tool, _ := newTestTool(t, loom.SandboxConfig{})

	res := runTool(t, tool, `{"command":"echo hello"}`)
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if strings.TrimSpace(res.Content) != "hello" {
		t.Errorf("output = %q", res.Content)
	}
}

func TestExecBannedCommand(t *testing.T) {
	tool, _ := newTestTool(t, loom.SandboxConfig{})

	res := runTool(t, tool, `{"command":"sudo rm -rf /tmp/x"}`)
	if !res.IsError {
		t.Fatal("expected banned command to fail")
	}
	if !strings.Contains(res.Content, "banned") {
		t.Errorf("reason = %q", res.Content)
	}
}

func TestExecNeedsPermissionDenied(t *testing.T) {
	tool, sb := newTestTool(t, loom.SandboxConfig{})
	sb.SetPermissionHandler(func(req loom.PermissionRequest) {
		sb.DenyPermission(req.ID)
	})

	// "touch" is not in the safe read-only list, so it rendezvouses.
	res := runTool(t, tool, `{"command":"touch out.txt"}`)
	if !res.IsError || !strings.Contains(res.Content, "permission denied") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecNeedsPermissionGranted(t *testing.T) {
	tool, sb := newTestTool(t, loom.SandboxConfig{})
	sb.SetPermissionHandler(func(req loom.PermissionRequest) {
		sb.GrantPermission(req.ID, false)
	})

	res := runTool(t, tool, `{"command":"touch out.txt && echo done"}`)
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
}

func TestExecAutoApprove(t *testing.T) {
	tool, _ := newTestTool(t, loom.SandboxConfig{AutoApprove: true})

	res := runTool(t, tool, `{"command":"touch made.txt && echo ok"}`)
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
}

func TestExecOutputTruncation(t *testing.T) {
	tool, _ := newTestTool(t, loom.SandboxConfig{MaxOutputLength: 10, AutoApprove: true})

	res := runTool(t, tool, `{"command":"echo aaaaaaaaaaaaaaaaaaaaaaaa"}`)
	if !strings.Contains(res.Content, "truncated") {
		t.Errorf("expected truncation marker, got %q", res.Content)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	tool, _ := newTestTool(t, loom.SandboxConfig{AutoApprove: true})

	res := runTool(t, tool, `{"command":"echo oops >&2; exit 3"}`)
	if !res.IsError {
		t.Fatal("expected error result for non-zero exit")
	}
	if !strings.Contains(res.Content, "oops") {
		t.Errorf("stderr not captured: %q", res.Content)
	}
}

func TestExecMissingCommand(t *testing.T) {
	tool, _ := newTestTool(t, loom.SandboxConfig{})

	res := runTool(t, tool, `{}`)
	if !res.IsError {
		t.Fatal("expected error for missing command")
	}
}
