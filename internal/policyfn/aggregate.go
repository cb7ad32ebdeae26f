package policyfn

import (
	"encoding/json"
	"math"
	"time"
)

// bucketState is the persisted ring buffer shared by the statistical
// aggregation functions (spec.md §3 invariant, §4.5's bucket algorithm
// for mean/min/max/standardDeviation). Samples land in the bucket for
// their arrival time; Get reduces the buckets covering the current
// window, then zeros and advances by one slide.
type bucketState struct {
	Buckets         [][]float64 `json:"buckets"`
	BucketZero      int         `json:"bucketZero"`
	WindowStartNano int64       `json:"windowStartNano"`
	SpanNano        int64       `json:"spanNano"`
	WindowNano      int64       `json:"windowNano"`
	SlideNano       int64       `json:"slideNano"`
}

func windowParams(args map[string]any) (windowNano, slideNano, spanNano int64, numBuckets int) {
	windowMS := floatArg(args, "window", 1000)
	slideMS := floatArg(args, "slide", windowMS)
	windowNano = int64(windowMS * 1e6)
	slideNano = int64(slideMS * 1e6)
	if windowNano <= 0 {
		windowNano = int64(time.Millisecond)
	}
	if slideNano <= 0 {
		slideNano = windowNano
	}
	spanNano = gcdInt64(windowNano, slideNano)
	numBuckets = int(maxInt64(windowNano, slideNano)/spanNano) + 1
	return
}

func loadBuckets(ctx Context, args map[string]any) bucketState {
	windowNano, slideNano, spanNano, numBuckets := windowParams(args)

	var b bucketState
	if ctx.Store != nil {
		if raw, ok := ctx.Store.GetOpaque("buckets"); ok {
			_ = json.Unmarshal(raw, &b)
		}
	}
	// (Re)initialize whenever the configured window/slide changed, or on
	// first use: a stale ring from a different configuration can't be
	// reduced against the new span.
	if len(b.Buckets) != numBuckets || b.SpanNano != spanNano || b.WindowNano != windowNano || b.SlideNano != slideNano {
		b = bucketState{
			Buckets:         make([][]float64, numBuckets),
			WindowStartNano: ctx.NowUnixNano,
			SpanNano:        spanNano,
			WindowNano:      windowNano,
			SlideNano:       slideNano,
		}
	}
	return b
}

func saveBuckets(ctx Context, b bucketState) error {
	if ctx.Store == nil {
		return nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	tx := ctx.Store.OpenTransaction()
	tx.PutOpaque("buckets", raw)
	return tx.Commit()
}

// bucketApply writes v into the bucket its arrival time maps to and
// always drops: windowed reducers never propagate mid-window (spec.md
// §4.5, "apply always returns false").
func bucketApply(ctx Context, args map[string]any) Result {
	attr := stringArg(args, "attribute", "value")
	raw, ok := ctx.Value[attr]
	if !ok {
		return Result{Drop: true}
	}
	v, ok := coerceFloatArg(raw)
	if !ok {
		return Result{Drop: true}
	}

	b := loadBuckets(ctx, args)
	idx := int((ctx.NowUnixNano - b.WindowStartNano) / b.SpanNano)
	n := len(b.Buckets)
	bucketIdx := ((b.BucketZero+idx)%n + n) % n
	b.Buckets[bucketIdx] = append(b.Buckets[bucketIdx], v)

	if err := saveBuckets(ctx, b); err != nil {
		return Result{Err: err}
	}
	return Result{Drop: true}
}

// bucketGet reduces the buckets covering the current window with
// combine, then zeros the buckets the next slide will no longer cover
// and advances bucket_zero/window_start by one slide (spec.md §4.5,
// "Bucket algorithm"). An empty window (no samples fell in range)
// drops rather than emitting, matching S1's "empty window returns null
// → skipped".
func bucketGet(ctx Context, args map[string]any, combine func([]float64) float64) Result {
	attr := stringArg(args, "attribute", "value")
	b := loadBuckets(ctx, args)
	n := len(b.Buckets)

	bucketsInWindow := int(b.WindowNano / b.SpanNano)
	samples := make([]float64, 0)
	for i := 0; i < bucketsInWindow; i++ {
		idx := ((b.BucketZero+i)%n + n) % n
		samples = append(samples, b.Buckets[idx]...)
	}

	bucketsInSlide := int(b.SlideNano / b.SpanNano)
	for i := 0; i < bucketsInSlide; i++ {
		idx := ((b.BucketZero+i)%n + n) % n
		b.Buckets[idx] = nil
	}
	b.BucketZero = ((b.BucketZero+bucketsInSlide)%n + n) % n
	b.WindowStartNano += b.SlideNano

	if err := saveBuckets(ctx, b); err != nil {
		return Result{Err: err}
	}
	if len(samples) == 0 {
		return Result{Drop: true}
	}
	return Result{Value: map[string]any{attr: combine(samples)}}
}

// Mean emits the arithmetic mean of the current window of samples
// (spec.md §4.5, "mean").
type Mean struct{}

func (Mean) ID() string { return "mean" }

func (Mean) Apply(ctx Context, args map[string]any) Result { return bucketApply(ctx, args) }

func (Mean) Get(ctx Context, args map[string]any) Result {
	return bucketGet(ctx, args, func(samples []float64) float64 {
		sum := 0.0
		for _, s := range samples {
			sum += s
		}
		return sum / float64(len(samples))
	})
}

// Min emits the minimum of the current window of samples (spec.md
// §4.5, "min").
type Min struct{}

func (Min) ID() string { return "min" }

func (Min) Apply(ctx Context, args map[string]any) Result { return bucketApply(ctx, args) }

func (Min) Get(ctx Context, args map[string]any) Result {
	return bucketGet(ctx, args, func(samples []float64) float64 {
		m := math.Inf(1)
		for _, s := range samples {
			if s < m {
				m = s
			}
		}
		return m
	})
}

// Max emits the maximum of the current window of samples (spec.md
// §4.5, "max").
type Max struct{}

func (Max) ID() string { return "max" }

func (Max) Apply(ctx Context, args map[string]any) Result { return bucketApply(ctx, args) }

func (Max) Get(ctx Context, args map[string]any) Result {
	return bucketGet(ctx, args, func(samples []float64) float64 {
		m := math.Inf(-1)
		for _, s := range samples {
			if s > m {
				m = s
			}
		}
		return m
	})
}

// StandardDeviation emits the population standard deviation of the
// current window of samples (spec.md §4.5, "standardDeviation").
type StandardDeviation struct{}

func (StandardDeviation) ID() string { return "standardDeviation" }

func (StandardDeviation) Apply(ctx Context, args map[string]any) Result {
	return bucketApply(ctx, args)
}

func (StandardDeviation) Get(ctx Context, args map[string]any) Result {
	return bucketGet(ctx, args, func(samples []float64) float64 {
		sum := 0.0
		for _, s := range samples {
			sum += s
		}
		mean := sum / float64(len(samples))
		variance := 0.0
		for _, s := range samples {
			d := s - mean
			variance += d * d
		}
		variance /= float64(len(samples))
		return math.Sqrt(variance)
	})
}

func coerceFloatArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
