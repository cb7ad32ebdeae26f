package policyfn

import "encoding/json"

// NetworkCost classifies the transport the device is currently using,
// used by batchByCost to defer flushing while on an expensive link
// (spec.md §4.5, "batchByCost" / §4.9's Batching Helper groundwork).
type NetworkCost int

const (
	NetworkCostFree NetworkCost = iota
	NetworkCostCheap
	NetworkCostExpensive
	NetworkCostProhibitive
)

// batchState is the persisted buffer shared by the three batch
// functions: each appends the current value to Items and flushes the
// whole buffer as a single list value once its own threshold trips.
type batchState struct {
	Items         []map[string]any `json:"items"`
	FirstUnixNano int64            `json:"firstUnixNano"`
}

func loadBatch(ctx Context) batchState {
	var b batchState
	if ctx.Store != nil {
		if raw, ok := ctx.Store.GetOpaque("batch"); ok {
			_ = json.Unmarshal(raw, &b)
		}
	}
	return b
}

func saveBatch(ctx Context, b batchState) error {
	if ctx.Store == nil {
		return nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	tx := ctx.Store.OpenTransaction()
	tx.PutOpaque("batch", raw)
	return tx.Commit()
}

func clearBatch(ctx Context) error {
	if ctx.Store == nil {
		return nil
	}
	tx := ctx.Store.OpenTransaction()
	tx.Clear()
	return tx.Commit()
}

func flushed(items []map[string]any) Result {
	return Result{Value: map[string]any{"batch": items}}
}

// BatchBySize accumulates values until the buffer reaches a configured
// item count, then flushes the whole buffer as one message (spec.md
// §4.5, "batchBySize").
type BatchBySize struct{}

func (BatchBySize) ID() string { return "batchBySize" }

func (BatchBySize) Apply(ctx Context, args map[string]any) Result {
	limit := int(floatArg(args, "size", 10))
	if limit < 1 {
		limit = 1
	}
	b := loadBatch(ctx)
	if b.FirstUnixNano == 0 {
		b.FirstUnixNano = ctx.NowUnixNano
	}
	b.Items = append(b.Items, ctx.Value)

	if len(b.Items) < limit {
		if err := saveBatch(ctx, b); err != nil {
			return Result{Err: err}
		}
		return Result{Drop: true}
	}
	if err := clearBatch(ctx); err != nil {
		return Result{Err: err}
	}
	return flushed(b.Items)
}

// Get is unused: batchBySize resolves fully within Apply.
func (BatchBySize) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}

// BatchByTime accumulates values until the oldest buffered item is
// older than a configured duration, then flushes (spec.md §4.5,
// "batchByTime"). Callers must invoke Apply on a schedule (via the
// dispatcher's window tick) even with no new value so a time-only batch
// can still flush; a nil ctx.Value closes the current buffer without
// adding a new item.
type BatchByTime struct{}

func (BatchByTime) ID() string { return "batchByTime" }

func (BatchByTime) Apply(ctx Context, args map[string]any) Result {
	windowNanos := int64(floatArg(args, "windowSeconds", 60)) * 1e9
	b := loadBatch(ctx)
	if ctx.Value != nil {
		if b.FirstUnixNano == 0 {
			b.FirstUnixNano = ctx.NowUnixNano
		}
		b.Items = append(b.Items, ctx.Value)
	}

	if len(b.Items) == 0 {
		return Result{Drop: true}
	}
	if ctx.NowUnixNano-b.FirstUnixNano < windowNanos {
		if err := saveBatch(ctx, b); err != nil {
			return Result{Err: err}
		}
		return Result{Drop: true}
	}
	if err := clearBatch(ctx); err != nil {
		return Result{Err: err}
	}
	return flushed(b.Items)
}

// Get is unused: batchByTime resolves fully within Apply.
func (BatchByTime) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}

// BatchByCost defers flushing while the current network cost exceeds
// the configured maximum, flushing everything buffered once an
// acceptable network becomes available (spec.md §4.5, "batchByCost").
type BatchByCost struct{}

func (BatchByCost) ID() string { return "batchByCost" }

func (BatchByCost) Apply(ctx Context, args map[string]any) Result {
	maxCost := NetworkCost(int(floatArg(args, "maxCost", float64(NetworkCostCheap))))
	currentRaw, _ := ctx.Value["__networkCost"].(float64)
	current := NetworkCost(int(currentRaw))

	b := loadBatch(ctx)
	if b.FirstUnixNano == 0 {
		b.FirstUnixNano = ctx.NowUnixNano
	}
	b.Items = append(b.Items, ctx.Value)

	if current > maxCost {
		if err := saveBatch(ctx, b); err != nil {
			return Result{Err: err}
		}
		return Result{Drop: true}
	}
	if err := clearBatch(ctx); err != nil {
		return Result{Err: err}
	}
	return flushed(b.Items)
}

// Get is unused: batchByCost resolves fully within Apply.
func (BatchByCost) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}
