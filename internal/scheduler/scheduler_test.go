package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherFiresRegisteredEntry(t *testing.T) {
	d := NewDispatcher()
	var fires int64
	d.AddTimedPolicyData(20*time.Millisecond, 20*time.Millisecond, "temp", 0, func(now time.Time, attribute string, stageIndex int) {
		atomic.AddInt64(&fires, 1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if atomic.LoadInt64(&fires) == 0 {
		t.Fatalf("expected at least one fire")
	}
}

func TestAddTimedPolicyDataMergesEqualKey(t *testing.T) {
	d := NewDispatcher()
	entry := d.AddTimedPolicyData(1000*time.Millisecond, 500*time.Millisecond, "a", 0, func(time.Time, string, int) {})
	same := d.AddTimedPolicyData(1000*time.Millisecond, 500*time.Millisecond, "b", 1, func(time.Time, string, int) {})
	if entry != same {
		t.Fatalf("expected equal (window, slide) keys to merge into one entry")
	}
	if len(entry.Attributes) != 2 {
		t.Fatalf("expected both attributes registered on the merged entry, got %+v", entry.Attributes)
	}
}

func TestRemoveTimedPolicyDataIsIdempotent(t *testing.T) {
	d := NewDispatcher()
	entry := d.AddTimedPolicyData(10*time.Millisecond, 10*time.Millisecond, "temp", 0, func(time.Time, string, int) {})
	d.RemoveTimedPolicyData(entry, "temp")
	d.RemoveTimedPolicyData(entry, "temp") // must not panic or double-remove

	d.mu.Lock()
	n := len(d.entries)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected entry removed, got %d remaining", n)
	}
}

func TestRemoveTimedPolicyDataKeepsEntryUntilLastAttribute(t *testing.T) {
	d := NewDispatcher()
	entry := d.AddTimedPolicyData(10*time.Millisecond, 10*time.Millisecond, "a", 0, func(time.Time, string, int) {})
	d.AddTimedPolicyData(10*time.Millisecond, 10*time.Millisecond, "b", 1, func(time.Time, string, int) {})

	d.RemoveTimedPolicyData(entry, "a")
	d.mu.Lock()
	n := len(d.entries)
	d.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected entry to remain while attribute b is still registered, got %d", n)
	}

	d.RemoveTimedPolicyData(entry, "b")
	d.mu.Lock()
	n = len(d.entries)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected entry removed once its last attribute is gone, got %d", n)
	}
}

func TestRecomputeTickUsesGCDOfSlides(t *testing.T) {
	d := NewDispatcher()
	d.AddTimedPolicyData(200*time.Millisecond, 200*time.Millisecond, "a", 0, func(time.Time, string, int) {})
	d.AddTimedPolicyData(300*time.Millisecond, 300*time.Millisecond, "b", 0, func(time.Time, string, int) {})

	d.mu.Lock()
	tick := d.tick
	d.mu.Unlock()
	if tick != 100*time.Millisecond {
		t.Fatalf("got tick %v, want 100ms", tick)
	}
}

func TestFireDueAdvancesExpiryBySlide(t *testing.T) {
	d := NewDispatcher()
	var fires int64
	entry := d.AddTimedPolicyData(100*time.Millisecond, 50*time.Millisecond, "temp", 0, func(time.Time, string, int) {
		atomic.AddInt64(&fires, 1)
	})

	first := entry.nextExpiry
	d.fireDue(first.Add(time.Millisecond))
	if !entry.nextExpiry.After(first) {
		t.Fatalf("expected next expiry to advance past %v, got %v", first, entry.nextExpiry)
	}
	if atomic.LoadInt64(&fires) != 1 {
		t.Fatalf("expected exactly one fire, got %d", fires)
	}
}
