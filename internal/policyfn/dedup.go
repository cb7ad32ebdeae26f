package policyfn

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// dedupState is eliminateDuplicates' persisted state: the most recently
// seen value (regardless of whether it was emitted) and, per distinct
// value, the last time that value was actually emitted.
type dedupState struct {
	PreviousValue string           `json:"previousValue"`
	HasPrevious   bool             `json:"hasPrevious"`
	LastEmit      map[string]int64 `json:"lastEmit"`
}

func loadDedupState(ctx Context) dedupState {
	var st dedupState
	if ctx.Store != nil {
		if raw, ok := ctx.Store.GetOpaque("dedup"); ok {
			_ = json.Unmarshal(raw, &st)
		}
	}
	return st
}

func saveDedupState(ctx Context, st dedupState) error {
	if ctx.Store == nil {
		return nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tx := ctx.Store.OpenTransaction()
	tx.PutOpaque("dedup", raw)
	return tx.Commit()
}

// EliminateDuplicates squelches a value equal to the most recently seen
// one for the same attribute, unless at least `window` (ms) has elapsed
// since that value was last emitted: emit v at time t iff v ≠
// previous(t) or t − last_emit(v) ≥ window (spec.md §4.5,
// "eliminateDuplicates"; property 4 / scenario S4).
type EliminateDuplicates struct{}

func (EliminateDuplicates) ID() string { return "eliminateDuplicates" }

func (EliminateDuplicates) Apply(ctx Context, args map[string]any) Result {
	key := stringArg(args, "attribute", "value")
	windowNano := int64(floatArg(args, "window", 0) * 1e6)

	current, ok := ctx.Value[key]
	if !ok {
		return Result{Value: ctx.Value}
	}
	rendered := fmt.Sprintf("%v", current)

	st := loadDedupState(ctx)
	changed := !st.HasPrevious || st.PreviousValue != rendered
	lastEmit, hasEmit := st.LastEmit[rendered]
	elapsed := ctx.NowUnixNano - lastEmit
	emit := changed || !hasEmit || (windowNano > 0 && elapsed >= windowNano)

	st.PreviousValue = rendered
	st.HasPrevious = true
	if emit {
		if st.LastEmit == nil {
			st.LastEmit = make(map[string]int64)
		}
		st.LastEmit[rendered] = ctx.NowUnixNano
	}
	if err := saveDedupState(ctx, st); err != nil {
		return Result{Err: err}
	}
	if !emit {
		return Result{Drop: true}
	}
	return Result{Value: ctx.Value}
}

func (EliminateDuplicates) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}

// detectState is detectDuplicates' persisted state: the previously seen
// value, the start of the current alert window, and whether a duplicate
// has already raised an alert within it.
type detectState struct {
	PreviousValue   string `json:"previousValue"`
	HasPrevious     bool   `json:"hasPrevious"`
	WindowStartNano int64  `json:"windowStartNano"`
	AlertedInWindow bool   `json:"alertedInWindow"`
}

func loadDetectState(ctx Context) detectState {
	var st detectState
	if ctx.Store != nil {
		if raw, ok := ctx.Store.GetOpaque("detect"); ok {
			_ = json.Unmarshal(raw, &st)
		}
	}
	return st
}

func saveDetectState(ctx Context, st detectState) error {
	if ctx.Store == nil {
		return nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tx := ctx.Store.OpenTransaction()
	tx.PutOpaque("detect", raw)
	return tx.Commit()
}

// DetectDuplicates behaves like EliminateDuplicates but never drops:
// it tags the message with __duplicate and, on the first duplicate
// observed within each `window` (ms), also raises an alert (same
// configuration shape as alertCondition), leaving disposal to a later
// pipeline stage (spec.md §4.5, "detectDuplicates").
type DetectDuplicates struct{}

func (DetectDuplicates) ID() string { return "detectDuplicates" }

func (DetectDuplicates) Apply(ctx Context, args map[string]any) Result {
	key := stringArg(args, "attribute", "value")
	windowNano := int64(floatArg(args, "window", 0) * 1e6)

	current, ok := ctx.Value[key]
	if !ok {
		return Result{Value: ctx.Value}
	}
	rendered := fmt.Sprintf("%v", current)

	st := loadDetectState(ctx)
	if windowNano <= 0 || ctx.NowUnixNano-st.WindowStartNano >= windowNano {
		st.WindowStartNano = ctx.NowUnixNano
		st.AlertedInWindow = false
	}
	isDuplicate := st.HasPrevious && st.PreviousValue == rendered

	out := make(map[string]any, len(ctx.Value)+2)
	for k, v := range ctx.Value {
		out[k] = v
	}
	out["__duplicate"] = isDuplicate
	if isDuplicate && !st.AlertedInWindow {
		st.AlertedInWindow = true
		out["__alert"] = true
	}

	st.PreviousValue = rendered
	st.HasPrevious = true
	if err := saveDetectState(ctx, st); err != nil {
		return Result{Err: err}
	}
	return Result{Value: out}
}

func (DetectDuplicates) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}

const sampleQualityRandomProbability = 1.0 / 30.0

// SampleQuality thins the stream according to the `rate` argument
// (spec.md §4.5, "sampleQuality"; property 5): a positive integer N
// emits every Nth value via a persisted counter, 0 emits every value,
// -1 emits each value with probability 1/30, and the string modes
// "all"/"none"/"random" are equivalent to rate=0/drop-all/rate=-1.
type SampleQuality struct{}

func (SampleQuality) ID() string { return "sampleQuality" }

func (SampleQuality) Apply(ctx Context, args map[string]any) Result {
	switch stringArg(args, "rate", "") {
	case "all":
		return Result{Value: ctx.Value}
	case "none":
		return Result{Drop: true}
	case "random":
		return sampleRandomly(ctx.Value)
	}

	rate := int(floatArg(args, "rate", 0))
	switch {
	case rate == 0:
		return Result{Value: ctx.Value}
	case rate < 0:
		return sampleRandomly(ctx.Value)
	default:
		return sampleEveryNth(ctx, ctx.Value, rate)
	}
}

func (SampleQuality) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}

func sampleRandomly(value map[string]any) Result {
	if rand.Float64() < sampleQualityRandomProbability {
		return Result{Value: value}
	}
	return Result{Drop: true}
}

func sampleEveryNth(ctx Context, value map[string]any, rate int) Result {
	if rate < 1 {
		rate = 1
	}
	count := 0
	if ctx.Store != nil {
		if raw, ok := ctx.Store.GetOpaque("count"); ok {
			fmt.Sscanf(string(raw), "%d", &count)
		}
	}
	count++
	if ctx.Store != nil {
		tx := ctx.Store.OpenTransaction()
		tx.PutOpaque("count", []byte(fmt.Sprintf("%d", count)))
		if err := tx.Commit(); err != nil {
			return Result{Err: err}
		}
	}
	if count%rate != 0 {
		return Result{Drop: true}
	}
	return Result{Value: value}
}
