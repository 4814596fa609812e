package accounting

import (
	"context"
	"testing"
	"time"
)

func TestTryAcquireExhaustion(t *testing.T) {
	s := NewSlots(2)
	if !s.TryAcquire() || !s.TryAcquire() {
		t.Fatal("expected two slots")
	}
	if s.TryAcquire() {
		t.Fatal("third acquire must fail")
	}
	if s.InFlight() != 2 {
		t.Fatalf("in flight %d, want 2", s.InFlight())
	}

	s.Release()
	if s.InFlight() != 1 {
		t.Fatalf("in flight %d after release, want 1", s.InFlight())
	}
	if !s.TryAcquire() {
		t.Fatal("released slot must be reusable")
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	s := NewSlots(1)
	if !s.TryAcquire() {
		t.Fatal("initial acquire failed")
	}

	got := make(chan error, 1)
	go func() {
		got <- s.Acquire(context.Background())
	}()

	select {
	case <-got:
		t.Fatal("acquire returned with no free slot")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("acquire after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe the release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	s := NewSlots(1)
	s.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if s.InFlight() != 1 {
		t.Fatalf("canceled acquire leaked a slot: %d", s.InFlight())
	}
}
