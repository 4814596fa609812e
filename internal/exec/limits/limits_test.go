package limits

import (
	"testing"

	pkgerrors "runbox/pkg/errors"
)

func testLimiter() *Limiter {
	return NewLimiter(map[string]LimitSet{
		"cpp": {
			WallTimeMs:     5000,
			CPUTimeMs:      2000,
			MemoryMB:       128,
			PIDs:           32,
			MaxOutputBytes: 4096,
			FileSizeMB:     8,
		},
	}, Ceilings{LimitSet: LimitSet{
		WallTimeMs:     10000,
		CPUTimeMs:      5000,
		MemoryMB:       256,
		PIDs:           64,
		MaxOutputBytes: 8192,
		FileSizeMB:     16,
	}})
}

func TestComputeDefaults(t *testing.T) {
	lim, err := testLimiter().Compute("cpp", Overrides{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if lim.WallTimeMs != 5000 || lim.MemoryMB != 128 {
		t.Fatalf("expected language defaults, got %+v", lim)
	}
	if lim.AllowNetwork {
		t.Fatal("network must be denied by default")
	}
}

func TestComputeUnknownLanguageFallsBack(t *testing.T) {
	lim, err := testLimiter().Compute("zig", Overrides{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	base := DefaultLimits()
	if lim.CPUTimeMs != base.CPUTimeMs {
		t.Fatalf("expected built-in defaults, got %+v", lim)
	}
}

func TestOverridesTightenOnly(t *testing.T) {
	l := testLimiter()

	lim, err := l.Compute("cpp", Overrides{WallTimeMs: 1000, MemoryMB: 64})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if lim.WallTimeMs != 1000 || lim.MemoryMB != 64 {
		t.Fatalf("override not applied: %+v", lim)
	}

	// Loosening past the ceiling clamps back down.
	lim, err = l.Compute("cpp", Overrides{WallTimeMs: 60000, MemoryMB: 4096, PIDs: 9999})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if lim.WallTimeMs != 10000 || lim.MemoryMB != 256 || lim.PIDs != 64 {
		t.Fatalf("ceiling not enforced: %+v", lim)
	}
}

func TestNegativeOverrideRejected(t *testing.T) {
	_, err := testLimiter().Compute("cpp", Overrides{WallTimeMs: -1})
	if !pkgerrors.Is(err, pkgerrors.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestNetworkRequiresCeiling(t *testing.T) {
	// Ceiling denies network: the override cannot grant it.
	lim, err := testLimiter().Compute("cpp", Overrides{AllowNetwork: true})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if lim.AllowNetwork {
		t.Fatal("network granted past a denying ceiling")
	}

	open := NewLimiter(nil, Ceilings{LimitSet: LimitSet{AllowNetwork: true}})
	lim, err = open.Compute("cpp", Overrides{AllowNetwork: true})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !lim.AllowNetwork {
		t.Fatal("network not granted despite allowing ceiling and override")
	}

	lim, err = open.Compute("cpp", Overrides{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if lim.AllowNetwork {
		t.Fatal("network must stay denied without an explicit override")
	}
}

func TestZeroCeilingsGetBounds(t *testing.T) {
	l := NewLimiter(nil, Ceilings{})
	lim, err := l.Compute("cpp", Overrides{WallTimeMs: 1 << 40})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if lim.WallTimeMs > DefaultLimits().WallTimeMs*2 {
		t.Fatalf("missing fallback ceiling: %+v", lim)
	}
}
