package loom

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestToolsetOrderAndReplace(t *testing.T) {
	ts := NewToolset(echoTool("a"), echoTool("b"), echoTool("c"))

	defs := ts.Definitions()
	if len(defs) != 3 || defs[0].Name != "a" || defs[2].Name != "c" {
		t.Fatalf("definitions = %+v", defs)
	}

	// Re-adding keeps the original position.
	ts.Add(echoTool("b"))
	defs = ts.Definitions()
	if len(defs) != 3 || defs[1].Name != "b" {
		t.Errorf("definitions after replace = %+v", defs)
	}

	if _, ok := ts.Get("b"); !ok {
		t.Error("Get(b) missed")
	}
	if _, ok := ts.Get("z"); ok {
		t.Error("Get(z) hit")
	}
}

func TestToolsetClone(t *testing.T) {
	ts := NewToolset(echoTool("a"))
	clone := ts.Clone()
	clone.Add(echoTool("b"))

	if ts.Len() != 1 {
		t.Errorf("original grew to %d tools", ts.Len())
	}
	if clone.Len() != 2 {
		t.Errorf("clone has %d tools, want 2", clone.Len())
	}
}

func TestFileClockStale(t *testing.T) {
	clock := NewFileClock()
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Unobserved files are never stale.
	if clock.Stale(path) {
		t.Error("unobserved file reported stale")
	}

	clock.Observe(path)
	if clock.Stale(path) {
		t.Error("freshly observed file reported stale")
	}

	// An out-of-band modification makes it stale.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if !clock.Stale(path) {
		t.Error("modified file not reported stale")
	}

	// Re-observing clears staleness.
	clock.Observe(path)
	if clock.Stale(path) {
		t.Error("re-observed file reported stale")
	}

	// Deleted files drop their observation.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	clock.Observe(path)
	if clock.Stale(path) {
		t.Error("deleted file reported stale")
	}
}
