package policyfn

import (
	"testing"

	"github.com/evergreen-iot/device-client/internal/store"
)

func newTestStore(t *testing.T) Persister {
	t.Helper()
	reg := store.NewRegistry(nil)
	s, err := reg.Open("test")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return StoreAdapter{S: s}
}

func TestRegistryUnknownFunction(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("doesNotExist"); err == nil {
		t.Fatalf("expected error for unknown function")
	}
}

func TestFilterConditionDropsFalse(t *testing.T) {
	fn := FilterCondition{}
	res := fn.Apply(Context{Value: map[string]any{"temperature": 10.0}}, map[string]any{"formula": "temperature > 50"})
	if !res.Drop {
		t.Fatalf("expected drop")
	}

	res = fn.Apply(Context{Value: map[string]any{"temperature": 60.0}}, map[string]any{"formula": "temperature > 50"})
	if res.Drop {
		t.Fatalf("expected pass")
	}
}

func TestComputedMetricAddsAttribute(t *testing.T) {
	fn := ComputedMetric{}
	res := fn.Apply(Context{Value: map[string]any{"celsius": 100.0}}, map[string]any{
		"formula": "(celsius * 1.8) + 32",
		"target":  "fahrenheit",
	})
	if res.Drop || res.Err != nil {
		t.Fatalf("unexpected drop/err: %+v", res)
	}
	if res.Value["fahrenheit"] != 212.0 {
		t.Fatalf("got %v", res.Value["fahrenheit"])
	}
}

func TestEliminateDuplicatesDropsRepeat(t *testing.T) {
	s := newTestStore(t)
	fn := EliminateDuplicates{}

	r1 := fn.Apply(Context{Value: map[string]any{"value": "a"}, Store: s}, nil)
	if r1.Drop {
		t.Fatalf("first sample should not drop")
	}
	r2 := fn.Apply(Context{Value: map[string]any{"value": "a"}, Store: s}, nil)
	if !r2.Drop {
		t.Fatalf("repeated sample should drop")
	}
	r3 := fn.Apply(Context{Value: map[string]any{"value": "b"}, Store: s}, nil)
	if r3.Drop {
		t.Fatalf("changed sample should not drop")
	}
}

// TestMeanWindowedBucketEmitsAtSlideBoundaries reproduces scenario S1
// (spec.md §8): window=1000ms, slide=500ms, offers at t=0 (10), t=400
// (30), t=900 (20). apply never propagates; get at t=1000 reduces
// [0,1000) to a mean of 20.0, and get at t=1500 reduces [500,1500) —
// only the t=900 sample falls in range — to 20.0 again. A slide with no
// samples (t=2000) returns an empty window and drops.
func TestMeanWindowedBucketEmitsAtSlideBoundaries(t *testing.T) {
	s := newTestStore(t)
	fn := Mean{}
	args := map[string]any{"attribute": "temp", "window": 1000.0, "slide": 500.0}

	for _, sample := range []struct {
		t float64
		v float64
	}{{0, 10}, {400, 30}, {900, 20}} {
		res := fn.Apply(Context{Value: map[string]any{"temp": sample.v}, Store: s, NowUnixNano: int64(sample.t * 1e6)}, args)
		if !res.Drop {
			t.Fatalf("apply must never propagate mid-window, got %+v", res)
		}
	}

	got := fn.Get(Context{Store: s, NowUnixNano: int64(1000 * 1e6)}, args)
	if got.Drop || got.Value["temp"] != 20.0 {
		t.Fatalf("t=1000 get: got %+v, want temp=20.0", got)
	}

	got = fn.Get(Context{Store: s, NowUnixNano: int64(1500 * 1e6)}, args)
	if got.Drop || got.Value["temp"] != 20.0 {
		t.Fatalf("t=1500 get: got %+v, want temp=20.0 (only t=900 sample in range)", got)
	}

	got = fn.Get(Context{Store: s, NowUnixNano: int64(2000 * 1e6)}, args)
	if !got.Drop {
		t.Fatalf("empty window at t=2000 should be skipped, got %+v", got)
	}
}

// TestEliminateDuplicatesRollingWindow reproduces scenario S4 (spec.md
// §8): window=5000ms. v=1@t=0 emits, v=1@t=1000 drops, v=2@t=1000
// emits (value changed), v=2@t=5500 drops (still within 5000ms of its
// last emission), v=2@t=6500 emits (5500ms since last emission ≥ 5000).
func TestEliminateDuplicatesRollingWindow(t *testing.T) {
	s := newTestStore(t)
	fn := EliminateDuplicates{}
	args := map[string]any{"window": 5000.0}

	step := func(ms float64, v float64) bool {
		res := fn.Apply(Context{Value: map[string]any{"value": v}, Store: s, NowUnixNano: int64(ms * 1e6)}, args)
		return res.Drop
	}

	if step(0, 1) {
		t.Fatalf("t=0 v=1 should emit")
	}
	if !step(1000, 1) {
		t.Fatalf("t=1000 v=1 should drop (unchanged, window not elapsed)")
	}
	if step(1000, 2) {
		t.Fatalf("t=1000 v=2 should emit (value changed)")
	}
	if !step(5500, 2) {
		t.Fatalf("t=5500 v=2 should drop (4500ms since last emit of 2)")
	}
	if step(6500, 2) {
		t.Fatalf("t=6500 v=2 should emit (5500ms since last emit of 2)")
	}
}

func TestSampleQualityEveryNth(t *testing.T) {
	s := newTestStore(t)
	fn := SampleQuality{}
	args := map[string]any{"rate": 3.0}

	var drops int
	for i := 0; i < 3; i++ {
		res := fn.Apply(Context{Value: map[string]any{"v": float64(i)}, Store: s}, args)
		if res.Drop {
			drops++
		}
	}
	if drops != 2 {
		t.Fatalf("expected 2 of every 3 samples dropped, got %d", drops)
	}
}

func TestSampleQualityModes(t *testing.T) {
	fn := SampleQuality{}
	if res := fn.Apply(Context{Value: map[string]any{"v": 1.0}}, map[string]any{"rate": "all"}); res.Drop {
		t.Fatalf("rate=all should never drop")
	}
	if res := fn.Apply(Context{Value: map[string]any{"v": 1.0}}, map[string]any{"rate": "none"}); !res.Drop {
		t.Fatalf("rate=none should always drop")
	}
}

func TestBatchBySizeFlushesAtLimit(t *testing.T) {
	s := newTestStore(t)
	fn := BatchBySize{}
	args := map[string]any{"size": 2.0}

	res := fn.Apply(Context{Value: map[string]any{"v": 1.0}, Store: s}, args)
	if !res.Drop {
		t.Fatalf("expected drop before batch fills")
	}
	res = fn.Apply(Context{Value: map[string]any{"v": 2.0}, Store: s}, args)
	if res.Drop {
		t.Fatalf("expected flush at limit")
	}
	items, ok := res.Value["batch"].([]map[string]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 batched items, got %+v", res.Value["batch"])
	}
}
