package loom

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NetworkPolicy controls outbound network access for sandbox-aware tools.
type NetworkPolicy string

const (
	// NetworkBlocked denies all destinations.
	NetworkBlocked NetworkPolicy = "blocked"
	// NetworkAllowed permits all destinations.
	NetworkAllowed NetworkPolicy = "allowed"
	// NetworkRestricted permits only AllowedHosts (subdomains included).
	NetworkRestricted NetworkPolicy = "restricted"
)

// defaultBannedCommands are rejected regardless of the allow list or
// auto-approve. Case-insensitive prefix match on the trimmed command.
var defaultBannedCommands = []string{
	"rm -rf /",
	"rm -fr /",
	"sudo",
	"su ",
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
	"mkfs",
	"dd if=",
	"> /dev/",
	":(){",
	"chmod -r 777 /",
	"chown -r / ",
}

// defaultSafeReadOnlyCommands bypass the permission rendezvous. Exact or
// space/dash-bounded prefix match, case-insensitive.
var defaultSafeReadOnlyCommands = []string{
	"ls", "cat", "head", "tail", "grep", "rg", "find", "pwd", "echo",
	"which", "wc", "file", "stat", "du", "df", "ps", "env", "date",
	"whoami", "uname", "tree", "realpath", "basename", "dirname",
	"git status", "git log", "git diff", "git show", "git branch",
	"git remote", "git blame",
	"go version", "go env", "node --version", "python --version",
}

// SandboxConfig is the sandbox policy. Zero-valued fields take the defaults
// documented on each field when the Sandbox is constructed.
type SandboxConfig struct {
	// RootDir is required. All file paths must resolve strictly inside it.
	// Relative roots are absolutized at construction.
	RootDir string `json:"root_dir"`
	// AllowedCommands defaults to ["*"] (all). A non-wildcard entry matches
	// the command's first whitespace-delimited token or a prefix of the
	// entire trimmed command, case-insensitively.
	AllowedCommands []string `json:"allowed_commands,omitempty"`
	// BannedCommands defaults to the built-in list. Banned beats allowed.
	BannedCommands []string `json:"banned_commands,omitempty"`
	// SafeReadOnlyCommands defaults to the built-in list. Safe commands skip
	// the permission rendezvous.
	SafeReadOnlyCommands []string `json:"safe_read_only_commands,omitempty"`
	// AllowedWriteExtensions, when set, restricts writes to the listed
	// trailing extensions (case-insensitive, leading dot optional).
	AllowedWriteExtensions []string `json:"allowed_write_extensions,omitempty"`
	// MaxOutputLength is an advisory output cap for tools. Default 30000.
	MaxOutputLength int `json:"max_output_length,omitempty"`
	// CommandTimeout is an advisory execution timeout for tools. Default 2m.
	CommandTimeout time.Duration `json:"command_timeout,omitempty"`
	// AutoApprove skips all permission rendezvous. Bans still apply.
	AutoApprove bool `json:"auto_approve,omitempty"`
	// Network defaults to NetworkBlocked.
	Network NetworkPolicy `json:"network,omitempty"`
	// AllowedHosts is consulted only when Network is NetworkRestricted.
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
}

// withDefaults returns a copy of c with defaults applied and RootDir
// absolutized.
func (c SandboxConfig) withDefaults() (SandboxConfig, error) {
	if c.RootDir == "" {
		return c, fmt.Errorf("sandbox: root dir is required")
	}
	root, err := filepath.Abs(c.RootDir)
	if err != nil {
		return c, fmt.Errorf("sandbox: resolve root dir: %w", err)
	}
	c.RootDir = filepath.Clean(root)
	if c.AllowedCommands == nil {
		c.AllowedCommands = []string{"*"}
	}
	if c.BannedCommands == nil {
		c.BannedCommands = append([]string(nil), defaultBannedCommands...)
	}
	if c.SafeReadOnlyCommands == nil {
		c.SafeReadOnlyCommands = append([]string(nil), defaultSafeReadOnlyCommands...)
	}
	if c.MaxOutputLength == 0 {
		c.MaxOutputLength = 30000
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 2 * time.Minute
	}
	if c.Network == "" {
		c.Network = NetworkBlocked
	}
	return c, nil
}

// CommandDecision is the verdict of ValidateCommand.
type CommandDecision struct {
	Allowed bool `json:"allowed"`
	// Reason explains a rejection; empty for plain allows.
	Reason string `json:"reason,omitempty"`
	// NeedsPermission is set when the command is allowed but must pass the
	// permission rendezvous before executing.
	NeedsPermission bool `json:"needs_permission,omitempty"`
}

// PermissionRequest is a pending ask for user approval of a tool action.
type PermissionRequest struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	Path        string    `json:"path,omitempty"`
	Command     string    `json:"command,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PermissionRecord is a resolved request appended to the decisions log.
type PermissionRecord struct {
	PermissionRequest
	Granted    bool      `json:"granted"`
	Persistent bool      `json:"persistent,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// PermissionHandler is notified of each new pending request so an external
// surface (CLI prompt, HTTP API) can resolve it via Grant/DenyPermission.
type PermissionHandler func(req PermissionRequest)

// SandboxCounters aggregates policy activity.
type SandboxCounters struct {
	TotalRequests     int `json:"total_requests"`
	Granted           int `json:"granted"`
	Denied            int `json:"denied"`
	PathViolations    int `json:"path_violations"`
	CommandViolations int `json:"command_violations"`
}

// SandboxStatus is a point-in-time snapshot for external surfaces.
type SandboxStatus struct {
	Config   SandboxConfig       `json:"config"`
	Pending  []PermissionRequest `json:"pending"`
	Decisions []PermissionRecord `json:"decisions"` // most recent 50
	Counters SandboxCounters     `json:"counters"`
}

// permissionTimeout is how long a pending request waits before auto-denial.
const permissionTimeout = 5 * time.Minute

// grantKey identifies a persistent grant.
type grantKey struct {
	tool   string
	action string
	path   string
}

// pendingPermission is a single in-flight rendezvous. The decision channel is
// buffered so Grant/Deny never block; resolved guards double resolution.
type pendingPermission struct {
	req      PermissionRequest
	decision chan bool
	timer    *time.Timer
	resolved bool
}

// Sandbox is a synchronous policy oracle over paths, commands, write
// extensions, and network destinations, plus an asynchronous permission
// rendezvous. The sandbox is advisory: tools opt in by consulting it; nothing
// here intercepts syscalls.
type Sandbox struct {
	cfg SandboxConfig

	mu        sync.Mutex
	handler   PermissionHandler
	pending   map[string]*pendingPermission
	decisions []PermissionRecord
	grants    []grantKey
	counters  SandboxCounters

	// timeout is permissionTimeout except in tests.
	timeout time.Duration
}

// NewSandbox constructs a Sandbox, applying config defaults.
func NewSandbox(cfg SandboxConfig) (*Sandbox, error) {
	full, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Sandbox{
		cfg:     full,
		pending: make(map[string]*pendingPermission),
		timeout: permissionTimeout,
	}, nil
}

// Config returns the effective configuration after defaults.
func (s *Sandbox) Config() SandboxConfig { return s.cfg }

// SetPermissionHandler binds the external resolution surface. Pass nil to
// unbind; unhandled requests then wait for Grant/Deny or the timeout.
func (s *Sandbox) SetPermissionHandler(h PermissionHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// --- Path policy ---

// ResolvePath returns the absolute, cleaned form of input, which must resolve
// strictly inside RootDir. Relative paths resolve against RootDir. Escapes
// raise a path_violation SandboxError.
func (s *Sandbox) ResolvePath(input string) (string, error) {
	p := input
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.cfg.RootDir, p)
	}
	p = filepath.Clean(p)
	if p != s.cfg.RootDir && !strings.HasPrefix(p, s.cfg.RootDir+string(filepath.Separator)) {
		s.mu.Lock()
		s.counters.PathViolations++
		s.mu.Unlock()
		return "", &SandboxError{Kind: KindPathViolation, Message: fmt.Sprintf("path %q escapes root %q", input, s.cfg.RootDir)}
	}
	return p, nil
}

// IsPathAllowed reports whether input resolves inside RootDir.
func (s *Sandbox) IsPathAllowed(input string) bool {
	_, err := s.ResolvePath(input)
	return err == nil
}

// ValidateWrite resolves the path (raising on violation), then checks the
// write-extension allow list when one is configured.
func (s *Sandbox) ValidateWrite(path string) (string, error) {
	resolved, err := s.ResolvePath(path)
	if err != nil {
		return "", err
	}
	if len(s.cfg.AllowedWriteExtensions) == 0 {
		return resolved, nil
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(resolved), "."))
	for _, allowed := range s.cfg.AllowedWriteExtensions {
		if ext == strings.ToLower(strings.TrimPrefix(allowed, ".")) {
			return resolved, nil
		}
	}
	return "", &SandboxError{Kind: KindPermissionDenied, Message: fmt.Sprintf("write extension %q not in allow list", ext)}
}

// --- Command policy ---

// ValidateCommand evaluates cmd against the policy. Precedence: banned beats
// allowed beats safe-readonly beats default. Rejections return Allowed=false
// rather than an error; callers needing an error can wrap the reason.
func (s *Sandbox) ValidateCommand(cmd string) CommandDecision {
	trimmed := strings.TrimSpace(cmd)
	lower := strings.ToLower(trimmed)

	for _, banned := range s.cfg.BannedCommands {
		if strings.HasPrefix(lower, strings.ToLower(strings.TrimSpace(banned))) {
			s.mu.Lock()
			s.counters.CommandViolations++
			s.mu.Unlock()
			return CommandDecision{Allowed: false, Reason: "command banned: " + strings.TrimSpace(banned)}
		}
	}

	if !s.commandAllowed(lower) {
		s.mu.Lock()
		s.counters.CommandViolations++
		s.mu.Unlock()
		return CommandDecision{Allowed: false, Reason: "command not in allow list: " + firstToken(lower)}
	}

	for _, safe := range s.cfg.SafeReadOnlyCommands {
		if safePrefixMatch(lower, strings.ToLower(strings.TrimSpace(safe))) {
			return CommandDecision{Allowed: true, Reason: "safe read-only command"}
		}
	}

	return CommandDecision{Allowed: true, NeedsPermission: !s.cfg.AutoApprove}
}

func (s *Sandbox) commandAllowed(lower string) bool {
	token := firstToken(lower)
	for _, allowed := range s.cfg.AllowedCommands {
		a := strings.ToLower(strings.TrimSpace(allowed))
		if a == "*" {
			return true
		}
		if a == token || strings.HasPrefix(lower, a) {
			return true
		}
	}
	return false
}

// safePrefixMatch reports whether cmd equals prefix or continues it at a
// space or dash boundary ("git status" matches "git status --short";
// "ls" matches "ls -la" but not "lsof").
func safePrefixMatch(cmd, prefix string) bool {
	if prefix == "" {
		return false
	}
	return cmd == prefix ||
		strings.HasPrefix(cmd, prefix+" ") ||
		strings.HasPrefix(cmd, prefix+"-")
}

func firstToken(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return s
}

// --- Network policy ---

// ValidateNetwork checks a destination URL against the network policy.
func (s *Sandbox) ValidateNetwork(rawURL string) error {
	switch s.cfg.Network {
	case NetworkAllowed:
		return nil
	case NetworkRestricted:
		u, err := url.Parse(rawURL)
		if err != nil || u.Hostname() == "" {
			return &SandboxError{Kind: KindNetworkBlocked, Message: "unparseable destination: " + rawURL}
		}
		host := strings.ToLower(u.Hostname())
		for _, allowed := range s.cfg.AllowedHosts {
			a := strings.ToLower(strings.TrimSpace(allowed))
			if host == a || strings.HasSuffix(host, "."+a) {
				return nil
			}
		}
		return &SandboxError{Kind: KindNetworkBlocked, Message: "host not in allow list: " + host}
	default:
		return &SandboxError{Kind: KindNetworkBlocked, Message: "network access is blocked"}
	}
}

// --- Permission rendezvous ---

// PermissionOpts carries the optional path/command context of a request.
type PermissionOpts struct {
	Path    string
	Command string
}

// RequestPermission asks for approval of a tool action and blocks until it is
// granted, denied, times out (auto-deny after five minutes), or ctx ends.
// AutoApprove and matching persistent grants resolve immediately without
// invoking the handler. The error is non-nil only for ctx termination.
func (s *Sandbox) RequestPermission(ctx context.Context, tool, action, description string, opts PermissionOpts) (bool, error) {
	s.mu.Lock()
	s.counters.TotalRequests++

	if s.cfg.AutoApprove || s.grantMatchesLocked(tool, action, opts.Path) {
		s.counters.Granted++
		s.decisions = append(s.decisions, PermissionRecord{
			PermissionRequest: PermissionRequest{
				ID: NewRunID(), Tool: tool, Action: action, Description: description,
				Path: opts.Path, Command: opts.Command, CreatedAt: time.Now(),
			},
			Granted:   true,
			DecidedAt: time.Now(),
		})
		s.mu.Unlock()
		return true, nil
	}

	req := PermissionRequest{
		ID:          NewRunID(),
		Tool:        tool,
		Action:      action,
		Description: description,
		Path:        opts.Path,
		Command:     opts.Command,
		CreatedAt:   time.Now(),
	}
	p := &pendingPermission{req: req, decision: make(chan bool, 1)}
	p.timer = time.AfterFunc(s.timeout, func() { s.DenyPermission(req.ID) })
	s.pending[req.ID] = p
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(req)
	}

	select {
	case granted := <-p.decision:
		return granted, nil
	case <-ctx.Done():
		// Resolve as denied so the pending map does not leak.
		s.DenyPermission(req.ID)
		return false, ctx.Err()
	}
}

// GrantPermission resolves a pending request as granted. With persistent set,
// later requests matching the same (tool, action, path) tuple are granted
// without a rendezvous. Resolving an unknown or already-resolved ID is a no-op.
func (s *Sandbox) GrantPermission(id string, persistent bool) {
	s.resolve(id, true, persistent)
}

// DenyPermission resolves a pending request as denied.
func (s *Sandbox) DenyPermission(id string) {
	s.resolve(id, false, false)
}

func (s *Sandbox) resolve(id string, granted, persistent bool) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok || p.resolved {
		s.mu.Unlock()
		return
	}
	p.resolved = true
	p.timer.Stop()
	delete(s.pending, id)

	if granted {
		s.counters.Granted++
	} else {
		s.counters.Denied++
	}
	s.decisions = append(s.decisions, PermissionRecord{
		PermissionRequest: p.req,
		Granted:           granted,
		Persistent:        persistent && granted,
		DecidedAt:         time.Now(),
	})
	if persistent && granted {
		s.grants = append(s.grants, grantKey{tool: p.req.Tool, action: p.req.Action, path: p.req.Path})
	}
	s.mu.Unlock()

	p.decision <- granted
}

func (s *Sandbox) grantMatchesLocked(tool, action, path string) bool {
	for _, g := range s.grants {
		if g.tool == tool && g.action == action && g.path == path {
			return true
		}
	}
	return false
}

// Status returns a snapshot: config, pending requests, the most recent 50
// decisions, and counters.
func (s *Sandbox) Status() SandboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]PermissionRequest, 0, len(s.pending))
	for _, p := range s.pending {
		pending = append(pending, p.req)
	}
	decisions := s.decisions
	if len(decisions) > 50 {
		decisions = decisions[len(decisions)-50:]
	}
	return SandboxStatus{
		Config:    s.cfg,
		Pending:   pending,
		Decisions: append([]PermissionRecord(nil), decisions...),
		Counters:  s.counters,
	}
}
