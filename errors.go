package loom

import (
	"errors"
	"fmt"
)

// SandboxErrorKind discriminates sandbox policy failures.
type SandboxErrorKind string

const (
	KindPathViolation     SandboxErrorKind = "path_violation"
	KindCommandBanned     SandboxErrorKind = "command_banned"
	KindCommandNotAllowed SandboxErrorKind = "command_not_allowed"
	KindPermissionDenied  SandboxErrorKind = "permission_denied"
	KindNetworkBlocked    SandboxErrorKind = "network_blocked"
)

// SandboxError is the single typed error for all sandbox policy failures.
type SandboxError struct {
	Kind    SandboxErrorKind
	Message string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox: %s: %s", e.Kind, e.Message)
}

// IsSandboxError reports whether err is a SandboxError of the given kind.
func IsSandboxError(err error, kind SandboxErrorKind) bool {
	var se *SandboxError
	return errors.As(err, &se) && se.Kind == kind
}

// ProviderError wraps a failure from an LLM backend adapter.
type ProviderError struct {
	Provider string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrRunActive is returned by AgentManager.StartRun when the agent already has
// a run in flight. Callers wait for run:completed or cancel the current run.
var ErrRunActive = errors.New("loom: agent already has an active run")

// ErrUnknownAgent is returned by manager operations on unregistered agent IDs.
var ErrUnknownAgent = errors.New("loom: unknown agent")

// ErrUnknownRun is returned by registry queries for absent run IDs.
var ErrUnknownRun = errors.New("loom: unknown run")
