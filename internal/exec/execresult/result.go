// Package execresult defines execution outcomes and their classification.
package execresult

import (
	"runbox/internal/exec/iopump"
)

// Classification is the terminal outcome category of one execution.
type Classification string

const (
	// Completed means the process exited on its own. A non-zero exit code
	// is still Completed; it is a property of the submission, not a fault.
	Completed Classification = "Completed"
	// TimedOut means the wall-clock deadline elapsed and the controller
	// terminated the process.
	TimedOut Classification = "TimedOut"
	// Signaled means the process died from a signal it did not request,
	// e.g. SIGSEGV or the OOM killer.
	Signaled Classification = "Signaled"
	// Faulted means the sandbox itself failed; the submission is not to blame.
	Faulted Classification = "Faulted"
)

// Terminal is the raw state snapshot taken when the process stops.
type Terminal struct {
	ExitCode int
	// Signal is the terminating signal number, 0 if none.
	Signal int
	// TimedOut is set by the deadline watchdog before it signals the process.
	TimedOut bool
	// TermSent records that the graceful termination signal was already sent.
	// It decides the race between a natural exit and the timeout kill.
	TermSent bool
	// Faulted is set when the launch or wait failed for sandbox reasons.
	Faulted bool

	WallTimeMs   int64
	CPUTimeMs    int64
	MemoryPeakKB int64
	OomKilled    bool
}

// ExecutionResult is the immutable record returned to the caller.
type ExecutionResult struct {
	Classification  Classification `json:"classification"`
	ExitCode        int            `json:"exit_code"`
	Signal          int            `json:"signal,omitempty"`
	Stdout          string         `json:"stdout"`
	Stderr          string         `json:"stderr"`
	StdoutTruncated bool           `json:"stdout_truncated,omitempty"`
	StderrTruncated bool           `json:"stderr_truncated,omitempty"`
	WallTimeMs      int64          `json:"wall_time_ms"`
	CPUTimeMs       int64          `json:"cpu_time_ms,omitempty"`
	MemoryPeakKB    int64          `json:"memory_peak_kb,omitempty"`
	OomKilled       bool           `json:"oom_killed,omitempty"`
}

// Assemble builds the final result from already-collected data. It is pure:
// it never touches the sandbox.
//
// Classification precedence: a timeout wins over a racing natural exit once
// the termination signal has been sent; otherwise the natural exit status is
// authoritative.
func Assemble(term Terminal, out, errOut *iopump.CappedBuffer) ExecutionResult {
	res := ExecutionResult{
		ExitCode:     term.ExitCode,
		Signal:       term.Signal,
		WallTimeMs:   term.WallTimeMs,
		CPUTimeMs:    term.CPUTimeMs,
		MemoryPeakKB: term.MemoryPeakKB,
		OomKilled:    term.OomKilled,
	}
	if out != nil {
		res.Stdout = string(out.Bytes())
		res.StdoutTruncated = out.Truncated()
	}
	if errOut != nil {
		res.Stderr = string(errOut.Bytes())
		res.StderrTruncated = errOut.Truncated()
	}

	switch {
	case term.Faulted:
		res.Classification = Faulted
	case term.TimedOut && term.TermSent:
		res.Classification = TimedOut
	case term.Signal != 0:
		res.Classification = Signaled
	default:
		res.Classification = Completed
	}
	return res
}
