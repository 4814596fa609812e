// Package limits computes the resource bounds applied to one execution.
package limits

import (
	appErr "runbox/pkg/errors"
)

// LimitSet describes hard limits enforced on a single sandboxed execution.
type LimitSet struct {
	// WallTimeMs bounds real time from start to forced termination.
	WallTimeMs int64 `yaml:"wallTimeMs" json:"wall_time_ms"`
	// CPUTimeMs bounds consumed CPU time (enforced via RLIMIT_CPU).
	CPUTimeMs int64 `yaml:"cpuTimeMs" json:"cpu_time_ms"`
	// MemoryMB bounds resident memory (cgroup memory.max).
	MemoryMB int64 `yaml:"memoryMB" json:"memory_mb"`
	// PIDs bounds the process/thread count (cgroup pids.max + RLIMIT_NPROC).
	PIDs int64 `yaml:"pids" json:"pids"`
	// MaxOutputBytes caps captured stdout and stderr, each.
	MaxOutputBytes int64 `yaml:"maxOutputBytes" json:"max_output_bytes"`
	// FileSizeMB is the per-file write quota (RLIMIT_FSIZE).
	FileSizeMB int64 `yaml:"fileSizeMB" json:"file_size_mb"`
	// AllowNetwork grants network egress. Default is denied.
	AllowNetwork bool `yaml:"allowNetwork" json:"allow_network"`
}

// Overrides are caller-supplied adjustments. Zero keeps the default for that
// dimension; negative values are invalid. A caller may only tighten limits,
// never loosen beyond the operator ceiling.
type Overrides struct {
	WallTimeMs     int64 `json:"wall_time_ms,omitempty"`
	CPUTimeMs      int64 `json:"cpu_time_ms,omitempty"`
	MemoryMB       int64 `json:"memory_mb,omitempty"`
	PIDs           int64 `json:"pids,omitempty"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
	FileSizeMB     int64 `json:"file_size_mb,omitempty"`
	AllowNetwork   bool  `json:"allow_network,omitempty"`
}

// Ceilings are the operator-configured hard maxima.
type Ceilings struct {
	LimitSet `yaml:",inline"`
}

// DefaultLimits is the fallback limit set when a language has no configured
// defaults.
func DefaultLimits() LimitSet {
	return LimitSet{
		WallTimeMs:     10_000,
		CPUTimeMs:      5_000,
		MemoryMB:       256,
		PIDs:           64,
		MaxOutputBytes: 64 * 1024,
		FileSizeMB:     16,
	}
}

// Limiter merges per-language defaults with caller overrides under ceilings.
type Limiter struct {
	defaults map[string]LimitSet
	ceilings Ceilings
}

// NewLimiter creates a limiter. A zero ceiling dimension means "no extra cap
// beyond the built-in defaults doubled", so a misconfigured operator file
// cannot accidentally allow unbounded executions.
func NewLimiter(defaults map[string]LimitSet, ceilings Ceilings) *Limiter {
	base := DefaultLimits()
	if ceilings.WallTimeMs <= 0 {
		ceilings.WallTimeMs = base.WallTimeMs * 2
	}
	if ceilings.CPUTimeMs <= 0 {
		ceilings.CPUTimeMs = base.CPUTimeMs * 2
	}
	if ceilings.MemoryMB <= 0 {
		ceilings.MemoryMB = base.MemoryMB * 2
	}
	if ceilings.PIDs <= 0 {
		ceilings.PIDs = base.PIDs * 2
	}
	if ceilings.MaxOutputBytes <= 0 {
		ceilings.MaxOutputBytes = base.MaxOutputBytes * 2
	}
	if ceilings.FileSizeMB <= 0 {
		ceilings.FileSizeMB = base.FileSizeMB * 2
	}
	if defaults == nil {
		defaults = map[string]LimitSet{}
	}
	return &Limiter{defaults: defaults, ceilings: ceilings}
}

// Compute returns the effective limit set for one execution.
func (l *Limiter) Compute(languageID string, ov Overrides) (LimitSet, error) {
	if err := validateOverrides(ov); err != nil {
		return LimitSet{}, err
	}

	set, ok := l.defaults[languageID]
	if !ok {
		set = DefaultLimits()
	}

	set.WallTimeMs = merge(set.WallTimeMs, ov.WallTimeMs, l.ceilings.WallTimeMs)
	set.CPUTimeMs = merge(set.CPUTimeMs, ov.CPUTimeMs, l.ceilings.CPUTimeMs)
	set.MemoryMB = merge(set.MemoryMB, ov.MemoryMB, l.ceilings.MemoryMB)
	set.PIDs = merge(set.PIDs, ov.PIDs, l.ceilings.PIDs)
	set.MaxOutputBytes = merge(set.MaxOutputBytes, ov.MaxOutputBytes, l.ceilings.MaxOutputBytes)
	set.FileSizeMB = merge(set.FileSizeMB, ov.FileSizeMB, l.ceilings.FileSizeMB)

	// Network stays denied unless both the ceiling and the caller allow it.
	set.AllowNetwork = l.ceilings.AllowNetwork && (set.AllowNetwork || ov.AllowNetwork)

	return set, nil
}

func merge(def, override, ceiling int64) int64 {
	value := def
	if override > 0 {
		value = override
	}
	if value > ceiling {
		value = ceiling
	}
	return value
}

func validateOverrides(ov Overrides) error {
	fields := []struct {
		name  string
		value int64
	}{
		{"wall_time_ms", ov.WallTimeMs},
		{"cpu_time_ms", ov.CPUTimeMs},
		{"memory_mb", ov.MemoryMB},
		{"pids", ov.PIDs},
		{"max_output_bytes", ov.MaxOutputBytes},
		{"file_size_mb", ov.FileSizeMB},
	}
	for _, f := range fields {
		if f.value < 0 {
			return appErr.ValidationError(f.name, "must not be negative")
		}
	}
	return nil
}
