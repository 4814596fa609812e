package sandbox

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"runbox/internal/exec/accounting"
	"runbox/internal/exec/execresult"
	"runbox/internal/exec/limits"
	"runbox/internal/exec/profile"
	pkgerrors "runbox/pkg/errors"
	"runbox/pkg/utils/yamlutil"
)

type stdinSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *stdinSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Write(p)
}

func (s *stdinSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stdinSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// fakeProcess stands in for a launched sandbox helper. Output pipes close when
// the process "exits", which is what the real pipes do.
type fakeProcess struct {
	pid   int
	stdin *stdinSink

	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	exitOnTerm bool
	exitOnKill bool

	mu    sync.Mutex
	terms int
	kills int

	exitOnce sync.Once
	waitCh   chan waitStatus
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{
		pid:    4242,
		stdin:  &stdinSink{},
		waitCh: make(chan waitStatus, 1),
	}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProcess) exit(ws waitStatus) {
	p.exitOnce.Do(func() {
		_ = p.outW.Close()
		_ = p.errW.Close()
		p.waitCh <- ws
	})
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *fakeProcess) Stdout() io.Reader { return p.outR }

func (p *fakeProcess) Stderr() io.Reader { return p.errR }

func (p *fakeProcess) SignalGroup() error {
	p.mu.Lock()
	p.terms++
	p.mu.Unlock()
	if p.exitOnTerm {
		p.exit(waitStatus{Signal: 15})
	}
	return nil
}

func (p *fakeProcess) KillGroup() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	if p.exitOnKill {
		p.exit(waitStatus{Signal: 9})
	}
	return nil
}

func (p *fakeProcess) Wait() waitStatus { return <-p.waitCh }

func (p *fakeProcess) counts() (terms, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms, p.kills
}

type fakeLauncher struct {
	mu   sync.Mutex
	proc *fakeProcess
	err  error
	spec launchSpec
}

func (l *fakeLauncher) Launch(_ context.Context, spec launchSpec) (process, error) {
	l.mu.Lock()
	l.spec = spec
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

func (l *fakeLauncher) lastSpec() launchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spec
}

func testProfile() profile.RuntimeProfile {
	return profile.RuntimeProfile{
		LanguageID:      "go",
		UID:             1001,
		GID:             1001,
		WorkspaceDir:    "/workspace",
		Wrapper:         "dumb-init --",
		ForwardsSignals: true,
		DefaultCmd:      "go run main.go",
		SourceFile:      "main.go",
	}
}

func testLimits() limits.LimitSet {
	return limits.LimitSet{
		WallTimeMs:     5000,
		CPUTimeMs:      2000,
		MemoryMB:       128,
		PIDs:           32,
		MaxOutputBytes: 1024,
		FileSizeMB:     8,
	}
}

func newTestController(t *testing.T, slots *accounting.Slots, cfg Config) (*Controller, *fakeLauncher) {
	t.Helper()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = yamlutil.Duration(10 * time.Millisecond)
	}
	c, err := NewController(cfg, slots)
	if err != nil {
		t.Fatalf("build controller: %v", err)
	}
	fl := &fakeLauncher{proc: newFakeProcess()}
	c.launch = fl
	return c, fl
}

func TestLifecycleCompleted(t *testing.T) {
	ctx := context.Background()
	slots := accounting.NewSlots(1)
	c, fl := newTestController(t, slots, Config{})

	h, err := c.Create(ctx, testProfile(), testLimits(), Payload{
		Files: []SourceFile{{Content: "package main"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if h.State() != StateCreated {
		t.Fatalf("state after create: %s", h.State())
	}
	src := filepath.Join(h.WorkspaceDir, "main.go")
	if data, err := os.ReadFile(src); err != nil || string(data) != "package main" {
		t.Fatalf("source not materialized: %v %q", err, data)
	}

	streams, err := c.Start(ctx, h, bytes.NewReader([]byte("some input")), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.State() != StateRunning {
		t.Fatalf("state after start: %s", h.State())
	}

	go func() {
		fl.proc.outW.Write([]byte("hello\n"))
		fl.proc.errW.Write([]byte("warning\n"))
		fl.proc.exit(waitStatus{ExitCode: 0, CPUTimeMs: 12, MaxRSSKB: 2048})
	}()

	term, err := c.Await(ctx, h, streams)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if term.TimedOut || term.TermSent || term.Faulted {
		t.Fatalf("unexpected terminal flags: %+v", term)
	}
	if term.CPUTimeMs != 12 || term.MemoryPeakKB != 2048 {
		t.Fatalf("usage not carried: %+v", term)
	}
	if h.State() != StateCompleted {
		t.Fatalf("state after await: %s", h.State())
	}
	if got := string(streams.Stdout.Bytes()); got != "hello\n" {
		t.Fatalf("stdout %q", got)
	}
	if got := string(streams.Stderr.Bytes()); got != "warning\n" {
		t.Fatalf("stderr %q", got)
	}
	if got := fl.proc.stdin.String(); got != "some input" {
		t.Fatalf("stdin delivered %q", got)
	}

	c.Destroy(ctx, h)
	if h.State() != StateDestroyed {
		t.Fatalf("state after destroy: %s", h.State())
	}
	if _, err := os.Stat(h.WorkspaceDir); !os.IsNotExist(err) {
		t.Fatalf("workspace not removed: %v", err)
	}
	if slots.InFlight() != 0 {
		t.Fatalf("slot not released: %d", slots.InFlight())
	}
}

func TestCreateCapacityExhausted(t *testing.T) {
	ctx := context.Background()
	slots := accounting.NewSlots(1)
	c, _ := newTestController(t, slots, Config{})

	h, err := c.Create(ctx, testProfile(), testLimits(), Payload{
		Files: []SourceFile{{Content: "x"}},
	})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err = c.Create(ctx, testProfile(), testLimits(), Payload{
		Files: []SourceFile{{Content: "y"}},
	})
	if !pkgerrors.Is(err, pkgerrors.CapacityExhausted) {
		t.Fatalf("expected CapacityExhausted, got %v", err)
	}

	c.Destroy(ctx, h)
	if _, err := c.Create(ctx, testProfile(), testLimits(), Payload{
		Files: []SourceFile{{Content: "z"}},
	}); err != nil {
		t.Fatalf("create after destroy: %v", err)
	}
}

func TestCreateFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	slots := accounting.NewSlots(1)
	c, _ := newTestController(t, slots, Config{})

	_, err := c.Create(ctx, testProfile(), testLimits(), Payload{
		Files: []SourceFile{{Path: "../escape.go", Content: "x"}},
	})
	if !pkgerrors.Is(err, pkgerrors.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
	if slots.InFlight() != 0 {
		t.Fatalf("failed create leaked a slot: %d", slots.InFlight())
	}

	entries, err := os.ReadDir(c.cfg.WorkspaceRoot)
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed create left workspace behind: %v", entries)
	}
}

func TestAwaitTimeout(t *testing.T) {
	ctx := context.Background()
	c, fl := newTestController(t, accounting.NewSlots(1), Config{})
	fl.proc.exitOnKill = true // ignores the graceful signal

	lim := testLimits()
	lim.WallTimeMs = 30

	h, err := c.Create(ctx, testProfile(), lim, Payload{Files: []SourceFile{{Content: "x"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Destroy(ctx, h)

	streams, err := c.Start(ctx, h, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	term, err := c.Await(ctx, h, streams)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !term.TimedOut || !term.TermSent {
		t.Fatalf("expected timeout flags, got %+v", term)
	}
	if h.State() != StateTimedOut {
		t.Fatalf("state %s", h.State())
	}
	terms, kills := fl.proc.counts()
	if terms != 1 || kills < 1 {
		t.Fatalf("signals terms=%d kills=%d", terms, kills)
	}

	res := execresult.Assemble(term, streams.Stdout, streams.Stderr)
	if res.Classification != execresult.TimedOut {
		t.Fatalf("classified %s", res.Classification)
	}
}

func TestAwaitNaturalExitBeforeDeadline(t *testing.T) {
	ctx := context.Background()
	c, fl := newTestController(t, accounting.NewSlots(1), Config{})

	h, err := c.Create(ctx, testProfile(), testLimits(), Payload{Files: []SourceFile{{Content: "x"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Destroy(ctx, h)

	streams, err := c.Start(ctx, h, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	fl.proc.exit(waitStatus{ExitCode: 7})

	term, err := c.Await(ctx, h, streams)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if term.TimedOut || term.TermSent {
		t.Fatalf("natural exit marked as timeout: %+v", term)
	}
	if term.ExitCode != 7 {
		t.Fatalf("exit code %d", term.ExitCode)
	}
	if h.State() != StateCompleted {
		t.Fatalf("state %s", h.State())
	}
}

func TestAwaitCancellation(t *testing.T) {
	c, fl := newTestController(t, accounting.NewSlots(1), Config{})
	fl.proc.exitOnTerm = true

	h, err := c.Create(context.Background(), testProfile(), testLimits(), Payload{Files: []SourceFile{{Content: "x"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Destroy(context.Background(), h)

	ctx, cancel := context.WithCancel(context.Background())
	streams, err := c.Start(ctx, h, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	_, err = c.Await(ctx, h, streams)
	if !pkgerrors.Is(err, pkgerrors.ExecutionCanceled) {
		t.Fatalf("expected ExecutionCanceled, got %v", err)
	}
	if h.State() != StateFaulted {
		t.Fatalf("state %s", h.State())
	}
}

func TestStartLaunchFailure(t *testing.T) {
	ctx := context.Background()
	c, fl := newTestController(t, accounting.NewSlots(1), Config{})
	fl.err = os.ErrPermission

	h, err := c.Create(ctx, testProfile(), testLimits(), Payload{Files: []SourceFile{{Content: "x"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Destroy(ctx, h)

	_, err = c.Start(ctx, h, nil, nil)
	if !pkgerrors.Is(err, pkgerrors.SandboxStartFailed) {
		t.Fatalf("expected SandboxStartFailed, got %v", err)
	}
	if h.State() != StateFaulted {
		t.Fatalf("state %s", h.State())
	}
}

func TestAwaitWaitFault(t *testing.T) {
	ctx := context.Background()
	c, fl := newTestController(t, accounting.NewSlots(1), Config{})

	h, err := c.Create(ctx, testProfile(), testLimits(), Payload{Files: []SourceFile{{Content: "x"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Destroy(ctx, h)

	streams, err := c.Start(ctx, h, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	fl.proc.exit(waitStatus{Err: os.ErrInvalid})

	term, err := c.Await(ctx, h, streams)
	if err == nil {
		t.Fatal("expected wait fault error")
	}
	if !term.Faulted {
		t.Fatalf("terminal not faulted: %+v", term)
	}
	if h.State() != StateFaulted {
		t.Fatalf("state %s", h.State())
	}

	res := execresult.Assemble(term, streams.Stdout, streams.Stderr)
	if res.Classification != execresult.Faulted {
		t.Fatalf("classified %s", res.Classification)
	}
}

func TestDestroyExactlyOnce(t *testing.T) {
	ctx := context.Background()
	slots := accounting.NewSlots(1)
	c, fl := newTestController(t, slots, Config{})

	h, err := c.Create(ctx, testProfile(), testLimits(), Payload{Files: []SourceFile{{Content: "x"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	streams, err := c.Start(ctx, h, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	fl.proc.exit(waitStatus{ExitCode: 0})
	if _, err := c.Await(ctx, h, streams); err != nil {
		t.Fatalf("await: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Destroy(ctx, h)
		}()
	}
	wg.Wait()

	_, kills := fl.proc.counts()
	if kills != 1 {
		t.Fatalf("kill delivered %d times", kills)
	}
	if slots.InFlight() != 0 {
		t.Fatalf("slot accounting broken: %d", slots.InFlight())
	}
	if h.State() != StateDestroyed {
		t.Fatalf("state %s", h.State())
	}
}

func TestBuildInitRequestNamespaces(t *testing.T) {
	ctx := context.Background()
	c, fl := newTestController(t, accounting.NewSlots(1), Config{
		EnableNamespaces: true,
		EnableSeccomp:    true,
		SeccompDir:       "/etc/runbox/seccomp",
	})

	prof := testProfile()
	prof.RootFS = "/var/lib/runbox/rootfs/go"
	prof.SeccompProfile = "default.json"

	h, err := c.Create(ctx, prof, testLimits(), Payload{Files: []SourceFile{{Content: "x"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Destroy(ctx, h)

	if _, err := c.Start(ctx, h, nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	fl.proc.exit(waitStatus{ExitCode: 0})

	init := fl.lastSpec().Init
	if init.WorkDir != "/workspace" {
		t.Fatalf("work dir %q", init.WorkDir)
	}
	if init.RootFS != prof.RootFS {
		t.Fatalf("rootfs %q", init.RootFS)
	}
	if len(init.BindMounts) != 1 || init.BindMounts[0].Source != h.WorkspaceDir || init.BindMounts[0].Target != "/workspace" {
		t.Fatalf("bind mounts %+v", init.BindMounts)
	}
	if init.SeccompProfile != "/etc/runbox/seccomp/default.json" {
		t.Fatalf("seccomp profile %q", init.SeccompProfile)
	}
	if !init.EnableNs {
		t.Fatal("namespaces not requested")
	}
	if init.CPUTimeMs != 2000 || init.PIDs != 32 {
		t.Fatalf("limits not forwarded: %+v", init)
	}
}

func TestBuildInitRequestHostMode(t *testing.T) {
	ctx := context.Background()
	c, fl := newTestController(t, accounting.NewSlots(1), Config{})

	h, err := c.Create(ctx, testProfile(), testLimits(), Payload{Files: []SourceFile{{Content: "x"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer c.Destroy(ctx, h)

	if _, err := c.Start(ctx, h, nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	fl.proc.exit(waitStatus{ExitCode: 0})

	init := fl.lastSpec().Init
	if init.WorkDir != h.WorkspaceDir {
		t.Fatalf("work dir %q, want host workspace", init.WorkDir)
	}
	if init.EnableNs || len(init.BindMounts) != 0 || init.SeccompProfile != "" {
		t.Fatalf("isolation requested while disabled: %+v", init)
	}
}
