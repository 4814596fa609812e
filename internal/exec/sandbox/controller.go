package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"runbox/internal/exec/accounting"
	"runbox/internal/exec/execresult"
	"runbox/internal/exec/iopump"
	"runbox/internal/exec/limits"
	"runbox/internal/exec/profile"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/yamlutil"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultGracePeriod    = 500 * time.Millisecond
	defaultDestroyRetries = 3
	defaultHelperPath     = "sandbox-init"
)

// Config controls sandbox controller behavior.
type Config struct {
	WorkspaceRoot    string            `yaml:"workspaceRoot"`
	HelperPath       string            `yaml:"helperPath"`
	CgroupRoot       string            `yaml:"cgroupRoot"`
	SeccompDir       string            `yaml:"seccompDir"`
	GracePeriod      yamlutil.Duration `yaml:"gracePeriod"`
	DestroyRetries   int               `yaml:"destroyRetries"`
	EnableCgroup     bool              `yaml:"enableCgroup"`
	EnableNamespaces bool              `yaml:"enableNamespaces"`
	EnableSeccomp    bool              `yaml:"enableSeccomp"`
}

// Controller drives the sandbox lifecycle for one execution at a time per
// handle. A single controller serves many concurrent requests; the slot pool
// is the only state shared between them.
type Controller struct {
	cfg    Config
	slots  *accounting.Slots
	launch launcher
}

// NewController creates a sandbox controller.
func NewController(cfg Config, slots *accounting.Slots) (*Controller, error) {
	if cfg.WorkspaceRoot == "" {
		return nil, appErr.ValidationError("workspaceRoot", "required")
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = defaultHelperPath
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = yamlutil.Duration(defaultGracePeriod)
	}
	if cfg.DestroyRetries <= 0 {
		cfg.DestroyRetries = defaultDestroyRetries
	}
	if slots == nil {
		slots = accounting.NewSlots(1)
	}
	return &Controller{cfg: cfg, slots: slots, launch: newOSLauncher(cfg)}, nil
}

// Create materializes an isolated workspace for the payload and prepares the
// launch. Every successful Create must be paired with exactly one Destroy;
// on its own failure paths Create cleans up after itself.
func (c *Controller) Create(ctx context.Context, prof profile.RuntimeProfile, lim limits.LimitSet, payload Payload) (*Handle, error) {
	if !c.slots.TryAcquire() {
		return nil, appErr.New(appErr.CapacityExhausted)
	}

	h := &Handle{
		ID:          uuid.NewString(),
		Profile:     prof,
		Limits:      lim,
		releaseSlot: c.slots.Release,
	}
	h.WorkspaceDir = filepath.Join(c.cfg.WorkspaceRoot, h.ID)

	if err := os.MkdirAll(h.WorkspaceDir, 0750); err != nil {
		c.Destroy(ctx, h)
		return nil, appErr.Wrapf(err, appErr.SandboxCreateFailed, "create workspace failed")
	}
	if err := materializePayload(ctx, h.WorkspaceDir, payload, prof.UID, prof.GID, prof.SourceFile); err != nil {
		c.Destroy(ctx, h)
		return nil, err
	}

	argv, err := profile.Command(prof)
	if err != nil {
		c.Destroy(ctx, h)
		return nil, err
	}
	h.argv = argv

	if c.cfg.EnableCgroup {
		cgroupPath, cleanup, err := createCgroup(c.cfg.CgroupRoot, h.ID)
		if err != nil {
			c.Destroy(ctx, h)
			return nil, appErr.Wrapf(err, appErr.SandboxCreateFailed, "create cgroup failed")
		}
		h.CgroupPath = cgroupPath
		h.cgroupCleanup = cleanup
		if err := applyCgroupLimits(cgroupPath, lim); err != nil {
			c.Destroy(ctx, h)
			return nil, appErr.Wrapf(err, appErr.SandboxCreateFailed, "apply cgroup limits failed")
		}
	}

	h.setState(StateCreated)
	return h, nil
}

// Start launches the sandboxed process and wires the I/O pump to its pipes.
func (c *Controller) Start(ctx context.Context, h *Handle, stdin io.Reader, obs iopump.Observer) (*iopump.Streams, error) {
	if h.State() != StateCreated {
		return nil, appErr.Newf(appErr.SandboxStartFailed, "start in state %s", h.State())
	}

	init := c.buildInitRequest(h)
	proc, err := c.launch.Launch(ctx, launchSpec{
		Handle:  h,
		Init:    init,
		Network: h.Limits.AllowNetwork,
	})
	if err != nil {
		h.setState(StateFaulted)
		return nil, appErr.Wrapf(err, appErr.SandboxStartFailed, "launch sandbox helper failed")
	}
	h.proc = proc
	h.StartedAt = time.Now()

	if c.cfg.EnableCgroup && h.CgroupPath != "" {
		if err := addProcessToCgroup(h.CgroupPath, proc.Pid()); err != nil {
			logger.Warn(ctx, "add process to cgroup failed",
				zap.String("cgroup", h.CgroupPath), zap.Error(err))
		}
	}

	h.setState(StateRunning)
	streams := iopump.Pump(stdin, proc.Stdin(), proc.Stdout(), proc.Stderr(), h.Limits.MaxOutputBytes, obs)
	return streams, nil
}

// Await blocks until the process exits, the wall-clock deadline elapses, or
// ctx is canceled. On deadline it sends the graceful termination signal,
// waits the grace period, then force-kills. Timeout and cancellation share
// that forced-termination path.
//
// No lock is held across the wait; handle state transitions use atomics.
func (c *Controller) Await(ctx context.Context, h *Handle, streams *iopump.Streams) (execresult.Terminal, error) {
	if h.State() != StateRunning || h.proc == nil {
		return execresult.Terminal{Faulted: true}, appErr.Newf(appErr.SandboxStartFailed, "await in state %s", h.State())
	}

	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if h.Limits.WallTimeMs > 0 {
			wallTimer = time.After(time.Duration(h.Limits.WallTimeMs) * time.Millisecond)
		}
		select {
		case <-ctx.Done():
			c.terminate(ctx, h, done)
		case <-wallTimer:
			h.timedOut.Store(true)
			c.terminate(ctx, h, done)
		case <-done:
		}
	}()

	ws := h.proc.Wait()
	close(done)
	if streams != nil {
		streams.Wait()
	}

	term := execresult.Terminal{
		ExitCode:     ws.ExitCode,
		Signal:       ws.Signal,
		TimedOut:     h.timedOut.Load(),
		TermSent:     h.termSent.Load(),
		WallTimeMs:   time.Since(h.StartedAt).Milliseconds(),
		CPUTimeMs:    ws.CPUTimeMs,
		MemoryPeakKB: ws.MaxRSSKB,
	}
	if h.CgroupPath != "" {
		if peak := cgroupMemoryPeakKB(h.CgroupPath); peak > 0 {
			term.MemoryPeakKB = peak
		}
		term.OomKilled = cgroupOomKilled(h.CgroupPath)
	}

	if ws.Err != nil {
		h.setState(StateFaulted)
		term.Faulted = true
		return term, appErr.Wrapf(ws.Err, appErr.InternalServerError, "wait for sandbox process failed")
	}
	if ctx.Err() != nil && !term.TimedOut {
		h.setState(StateFaulted)
		return term, appErr.Wrap(ctx.Err(), appErr.ExecutionCanceled)
	}

	switch {
	case term.TimedOut && term.TermSent:
		h.setState(StateTimedOut)
	case term.Signal != 0:
		h.setState(StateSignaled)
	default:
		h.setState(StateCompleted)
	}
	return term, nil
}

// terminate delivers the graceful signal, waits out the grace period (or the
// process exit, whichever is first), then force-kills the group and cgroup.
func (c *Controller) terminate(ctx context.Context, h *Handle, done <-chan struct{}) {
	if h.proc == nil {
		return
	}
	// TermSent must be recorded before the signal leaves: the timeout wins
	// the race against a natural exit only once the signal was sent.
	h.termSent.Store(true)
	if h.Profile.ForwardsSignals {
		if err := h.proc.SignalGroup(); err == nil {
			select {
			case <-time.After(c.cfg.GracePeriod.Std()):
			case <-done:
				return
			}
		}
	}
	if err := h.proc.KillGroup(); err != nil {
		logger.Warn(ctx, "kill process group failed", zap.String("sandbox", h.ID), zap.Error(err))
	}
	if h.CgroupPath != "" {
		if err := killCgroup(h.CgroupPath); err != nil {
			logger.Warn(ctx, "kill cgroup failed", zap.String("cgroup", h.CgroupPath), zap.Error(err))
		}
	}
}

// Destroy tears the sandbox down: kills survivors, removes the workspace and
// cgroup, releases the slot. Idempotent; runs at most once per handle.
// Failures are logged and retried a bounded number of times, never returned —
// the caller already has its result.
func (c *Controller) Destroy(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	h.destroyOnce.Do(func() {
		if h.proc != nil {
			_ = h.proc.KillGroup()
		}
		if h.CgroupPath != "" {
			if err := killCgroup(h.CgroupPath); err != nil {
				logger.Warn(ctx, "kill cgroup during destroy failed",
					zap.String("cgroup", h.CgroupPath), zap.Error(err))
			}
		}

		if h.WorkspaceDir != "" {
			var err error
			for attempt := 0; attempt < c.cfg.DestroyRetries; attempt++ {
				if err = os.RemoveAll(h.WorkspaceDir); err == nil {
					break
				}
				time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
			}
			if err != nil {
				logger.Error(ctx, "remove workspace failed",
					zap.String("workspace", h.WorkspaceDir), zap.Error(err))
			}
		}

		if h.cgroupCleanup != nil {
			if err := h.cgroupCleanup(); err != nil {
				logger.Warn(ctx, "remove cgroup failed",
					zap.String("cgroup", h.CgroupPath), zap.Error(err))
			}
		}
		if h.releaseSlot != nil {
			h.releaseSlot()
		}
		h.setState(StateDestroyed)
	})
}

func (c *Controller) buildInitRequest(h *Handle) initRequest {
	init := initRequest{
		Cmd:        h.argv,
		Env:        h.Profile.Env,
		UID:        h.Profile.UID,
		GID:        h.Profile.GID,
		EnableNs:   c.cfg.EnableNamespaces,
		CPUTimeMs:  h.Limits.CPUTimeMs,
		FileSizeMB: h.Limits.FileSizeMB,
		PIDs:       h.Limits.PIDs,
	}
	if c.cfg.EnableNamespaces {
		init.WorkDir = h.Profile.WorkspaceDir
		init.RootFS = h.Profile.RootFS
		init.BindMounts = []MountSpec{{
			Source: h.WorkspaceDir,
			Target: h.Profile.WorkspaceDir,
		}}
	} else {
		init.WorkDir = h.WorkspaceDir
	}
	if c.cfg.EnableSeccomp && h.Profile.SeccompProfile != "" {
		init.SeccompProfile = h.Profile.SeccompProfile
		if !filepath.IsAbs(init.SeccompProfile) && c.cfg.SeccompDir != "" {
			init.SeccompProfile = filepath.Join(c.cfg.SeccompDir, init.SeccompProfile)
		}
	}
	return init
}
