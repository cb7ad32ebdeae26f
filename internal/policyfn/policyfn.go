// Package policyfn implements the Policy Function Library (spec.md
// §4.5): the fixed catalogue of pipeline functions a Device Policy
// wires together, plus the static registry that resolves a function id
// to its implementation. The registry holds no package-level mutable
// state (spec.md §9, "replace global function table with an injectable
// registry") so multiple runtimes in one process never share function
// state.
package policyfn

import (
	"fmt"

	"github.com/evergreen-iot/device-client/internal/ierrors"
)

// Context is the per-invocation state a Function receives: the
// attribute or device-wide value being processed, the named persistence
// store opened for this policy assignment, and the wall-clock instant
// of invocation (spec.md §4.5 pipelines consult "now" for time-windowed
// functions).
type Context struct {
	// Value is the input to this pipeline stage: for a per-attribute
	// pipeline it is the value map keyed by attribute name; for a
	// device-wide pipeline it is the message about to be queued.
	Value map[string]any

	// Store is the function's private persistence handle. The virtual
	// device sets it for stages the policy marks persistent and for the
	// windowed reducers (spec.md §4.3/§4.5); otherwise it is nil.
	Store Persister

	NowUnixNano int64
}

// Persister is the subset of the store contract a policy function
// needs; StoreAdapter wraps an internal/store.Store to satisfy it.
type Persister interface {
	Contains(key string) bool
	GetOpaque(key string) ([]byte, bool)
	GetAll() map[string][]byte
	OpenTransaction() Transaction
}

// Transaction mirrors internal/store.Tx's write surface.
type Transaction interface {
	PutOpaque(key string, value []byte)
	Remove(key string)
	Clear()
	Commit() error
}

// Result is what a pipeline stage produces: Value carries the
// (possibly transformed) value onward, Drop halts the pipeline without
// error (e.g. a filter condition evaluating false), and Err aborts the
// pipeline with an error to report.
type Result struct {
	Value map[string]any
	Drop  bool
	Err   error
}

// Function is one named, stateless transformation stage implementing
// the two-operation contract of spec.md §4.5: apply(ctx, attr, config,
// state, value) → bool, get(ctx, attr, config, state) → value. Apply
// reports (via Result.Drop) whether the value should propagate to the
// next stage; for most functions that happens immediately and Get is
// never consulted. Time-windowed reducers (mean/min/max/
// standardDeviation) are the exception: Apply always drops and only
// records the sample, and Get — invoked by the scheduled-window
// dispatcher at slide boundaries — produces the reduced value. Neither
// method may retain Context.Value's map across calls; any needed state
// lives in Context.Store.
type Function interface {
	ID() string
	Apply(ctx Context, args map[string]any) Result
	Get(ctx Context, args map[string]any) Result
}

// Registry resolves function ids to implementations. It is built fresh
// per runtime rather than held in a package-level map.
type Registry struct {
	functions map[string]Function
}

// NewRegistry builds a Registry pre-populated with every built-in
// policy function (spec.md §4.5's fixed catalogue).
func NewRegistry() *Registry {
	r := &Registry{functions: make(map[string]Function)}
	for _, fn := range []Function{
		&FilterCondition{},
		&ActionCondition{},
		&AlertCondition{},
		&ComputedMetric{},
		&EliminateDuplicates{},
		&DetectDuplicates{},
		&SampleQuality{},
		&Mean{},
		&Min{},
		&Max{},
		&StandardDeviation{},
		&BatchBySize{},
		&BatchByTime{},
		&BatchByCost{},
	} {
		r.functions[fn.ID()] = fn
	}
	return r
}

// Get resolves id, returning ierrors.ParseError{Code: CodeUnknownFunction}
// when the policy references a function this build does not implement
// (spec.md §7's unknown-function handling).
func (r *Registry) Get(id string) (Function, error) {
	fn, ok := r.functions[id]
	if !ok {
		return nil, &ierrors.ParseError{Code: ierrors.CodeUnknownFunction, Reason: fmt.Sprintf("unknown policy function %q", id)}
	}
	return fn, nil
}

func floatArg(args map[string]any, key string, def float64) float64 {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func gcdInt64(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func stringArg(args map[string]any, key, def string) string {
	v, ok := args[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}
