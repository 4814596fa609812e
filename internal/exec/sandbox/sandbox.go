// Package sandbox owns the full lifecycle of one isolated execution:
// create, start, await, destroy.
package sandbox

import (
	"sync"
	"sync/atomic"
	"time"

	"runbox/internal/exec/limits"
	"runbox/internal/exec/profile"
)

// State is the lifecycle state of a sandbox handle.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateSignaled
	StateFaulted
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateTimedOut:
		return "TimedOut"
	case StateSignaled:
		return "Signaled"
	case StateFaulted:
		return "Faulted"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// SourceFile is one file of the submitted payload.
type SourceFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Payload is the submitted source, either inline files or a zstd-compressed
// tar bundle (for project trees).
type Payload struct {
	Files  []SourceFile
	Bundle []byte
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// Handle identifies one live sandbox. It exists only between Create and
// Destroy, is owned by exactly one request, and is never reused.
type Handle struct {
	ID           string
	Profile      profile.RuntimeProfile
	Limits       limits.LimitSet
	WorkspaceDir string
	CgroupPath   string
	StartedAt    time.Time

	state    atomic.Int32
	proc     process
	argv     []string
	timedOut atomic.Bool
	termSent atomic.Bool

	destroyOnce   sync.Once
	releaseSlot   func()
	cgroupCleanup func() error
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Pid returns the sandboxed process id, 0 before Start.
func (h *Handle) Pid() int {
	if h.proc == nil {
		return 0
	}
	return h.proc.Pid()
}

func (h *Handle) setState(s State) {
	h.state.Store(int32(s))
}
