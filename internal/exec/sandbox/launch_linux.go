//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

type osLauncher struct {
	cfg Config
}

func newOSLauncher(cfg Config) launcher {
	return &osLauncher{cfg: cfg}
}

// Launch starts the sandbox-init helper in fresh namespaces. The init request
// travels on fd 3 so stdin/stdout/stderr stay dedicated to the workload.
func (l *osLauncher) Launch(ctx context.Context, spec launchSpec) (process, error) {
	initRead, err := jsonToPipe(spec.Init)
	if err != nil {
		return nil, fmt.Errorf("encode init request: %w", err)
	}
	defer initRead.Close()

	cmd := exec.CommandContext(ctx, l.cfg.HelperPath)
	cmd.ExtraFiles = []*os.File{initRead}
	cmd.SysProcAttr = buildSysProcAttr(spec, l.cfg.EnableNamespaces)

	// Explicit pipes instead of cmd.StdinPipe and friends: Wait must not
	// close our read ends while the pump is still draining them.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start helper: %w", err)
	}

	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	return &osProcess{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
	}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *osProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *osProcess) Stdout() io.Reader { return p.stdout }

func (p *osProcess) Stderr() io.Reader { return p.stderr }

func (p *osProcess) SignalGroup() error {
	return p.signal(syscall.SIGTERM)
}

func (p *osProcess) KillGroup() error {
	return p.signal(syscall.SIGKILL)
}

func (p *osProcess) signal(sig syscall.Signal) error {
	pid := p.Pid()
	if pid <= 0 {
		return fmt.Errorf("process not started")
	}
	return syscall.Kill(-pid, sig)
}

func (p *osProcess) Wait() waitStatus {
	err := p.cmd.Wait()
	ws := waitStatus{ExitCode: -1}

	state := p.cmd.ProcessState
	if state != nil {
		ws.ExitCode = state.ExitCode()
		ws.CPUTimeMs = (state.UserTime() + state.SystemTime()).Milliseconds()
		if sys, ok := state.Sys().(syscall.WaitStatus); ok && sys.Signaled() {
			ws.Signal = int(sys.Signal())
		}
		if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
			ws.MaxRSSKB = usage.Maxrss
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			ws.Err = err
		}
	}
	return ws
}

// jsonToPipe returns the read end of a pipe carrying the encoded request.
func jsonToPipe(req initRequest) (*os.File, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go func() {
		enc := json.NewEncoder(writer)
		_ = enc.Encode(req)
		_ = writer.Close()
	}()
	return reader, nil
}

func buildSysProcAttr(spec launchSpec, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if !spec.Network {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	// Unprivileged daemons need a user namespace to own the mount and pid
	// namespaces; a root daemon keeps real ids so the helper can drop to the
	// profile identity itself.
	if os.Getuid() != 0 {
		cloneFlags |= syscall.CLONE_NEWUSER
		attr.GidMappingsEnableSetgroups = false
		attr.UidMappings = []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getuid(),
			Size:        1,
		}}
		attr.GidMappings = []syscall.SysProcIDMap{{
			ContainerID: 0,
			HostID:      os.Getgid(),
			Size:        1,
		}}
	}
	attr.Cloneflags = cloneFlags
	return attr
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
