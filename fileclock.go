package loom

import (
	"os"
	"sync"
	"time"
)

// FileClock tracks observed file modification times so write-capable tools can
// detect writes over files that changed since they were last read. It is an
// explicit service handed to tools via ToolContext rather than package-level
// state, so concurrent runs can carry independent clocks.
type FileClock struct {
	mu     sync.Mutex
	mtimes map[string]time.Time
}

// NewFileClock creates an empty clock.
func NewFileClock() *FileClock {
	return &FileClock{mtimes: make(map[string]time.Time)}
}

// Observe records the file's current modification time. Call after reading or
// writing a file. Missing files clear any prior observation.
func (c *FileClock) Observe(path string) {
	info, err := os.Stat(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.mtimes, path)
		return
	}
	c.mtimes[path] = info.ModTime()
}

// Stale reports whether the file changed on disk since it was last observed.
// Unobserved files are never stale.
func (c *FileClock) Stale(path string) bool {
	c.mu.Lock()
	seen, ok := c.mtimes[path]
	c.mu.Unlock()
	if !ok {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().After(seen)
}
