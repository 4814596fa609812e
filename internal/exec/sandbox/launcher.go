package sandbox

import (
	"context"
	"io"
)

// launchSpec is everything the launcher needs to start the helper process.
type launchSpec struct {
	Handle  *Handle
	Init    initRequest
	Network bool
}

// initRequest is the JSON document handed to sandbox-init on its init fd.
// cmd/sandbox-init keeps a mirrored copy of this shape.
type initRequest struct {
	WorkDir        string      `json:"workDir"`
	Cmd            []string    `json:"cmd"`
	Env            []string    `json:"env"`
	UID            int         `json:"uid"`
	GID            int         `json:"gid"`
	RootFS         string      `json:"rootfs,omitempty"`
	BindMounts     []MountSpec `json:"bindMounts,omitempty"`
	SeccompProfile string      `json:"seccompProfile,omitempty"`
	EnableNs       bool        `json:"enableNs"`
	CPUTimeMs      int64       `json:"cpuTimeMs"`
	FileSizeMB     int64       `json:"fileSizeMB"`
	PIDs           int64       `json:"pids"`
}

// waitStatus is the raw outcome of process.Wait.
type waitStatus struct {
	ExitCode  int
	Signal    int
	CPUTimeMs int64
	MaxRSSKB  int64
	// Err is a launch-infrastructure failure, not a submission exit status.
	Err error
}

// process is one started sandboxed process. Signal and Kill address the whole
// process group so the wrapper's children cannot escape termination.
type process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// SignalGroup delivers a graceful termination signal to the group.
	SignalGroup() error
	// KillGroup force-kills the group.
	KillGroup() error
	// Wait blocks until the process exits and returns its terminal status.
	Wait() waitStatus
}

// launcher starts sandboxed processes. The OS implementation lives in the
// linux build files; tests inject fakes to exercise lifecycle paths.
type launcher interface {
	Launch(ctx context.Context, spec launchSpec) (process, error)
}
