package policyfn

import (
	"github.com/evergreen-iot/device-client/internal/formula"
)

// evaluateCondition parses the "formula" argument on every call,
// returning false when it is missing or fails to parse; callers then
// pass the value through unchanged.
func evaluateCondition(args map[string]any) (*formula.Formula, bool) {
	src := stringArg(args, "formula", "")
	if src == "" {
		return nil, false
	}
	f, err := formula.Parse(src)
	if err != nil {
		return nil, false
	}
	return f, true
}

// FilterCondition drops a data message whose attribute values fail the
// configured formula (spec.md §4.5, "filterCondition").
type FilterCondition struct{}

func (FilterCondition) ID() string { return "filterCondition" }

func (FilterCondition) Apply(ctx Context, args map[string]any) Result {
	f, ok := evaluateCondition(args)
	if !ok {
		return Result{Value: ctx.Value}
	}
	if f.Evaluate(ctx.Value) == 0 {
		return Result{Drop: true}
	}
	return Result{Value: ctx.Value}
}

// Get is unused: filterCondition resolves fully within Apply.
func (FilterCondition) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}

// ActionCondition gates whether a device action is permitted to run,
// evaluated against the action's argument value (spec.md §4.5,
// "actionCondition").
type ActionCondition struct{}

func (ActionCondition) ID() string { return "actionCondition" }

func (ActionCondition) Apply(ctx Context, args map[string]any) Result {
	f, ok := evaluateCondition(args)
	if !ok {
		return Result{Value: ctx.Value}
	}
	if f.Evaluate(ctx.Value) == 0 {
		return Result{Drop: true}
	}
	return Result{Value: ctx.Value}
}

// Get is unused: actionCondition resolves fully within Apply.
func (ActionCondition) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}

// AlertCondition evaluates the configured formula and passes the value
// on with an added "__alert" key (true when the formula is non-zero);
// the virtual device sends a value tagged true as an ALERT message in
// place of the DATA message (spec.md §4.5, "alertCondition").
type AlertCondition struct{}

func (AlertCondition) ID() string { return "alertCondition" }

func (AlertCondition) Apply(ctx Context, args map[string]any) Result {
	f, ok := evaluateCondition(args)
	if !ok {
		return Result{Value: ctx.Value}
	}
	out := make(map[string]any, len(ctx.Value)+1)
	for k, v := range ctx.Value {
		out[k] = v
	}
	out["__alert"] = f.Evaluate(ctx.Value) != 0
	return Result{Value: out}
}

// Get is unused: alertCondition resolves fully within Apply.
func (AlertCondition) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}

// ComputedMetric derives a new attribute value from a formula over the
// current value set, writing the result under the "target" argument
// (spec.md §4.5, "computedMetric").
type ComputedMetric struct{}

func (ComputedMetric) ID() string { return "computedMetric" }

func (ComputedMetric) Apply(ctx Context, args map[string]any) Result {
	target := stringArg(args, "target", "")
	f, ok := evaluateCondition(args)
	if !ok || target == "" {
		return Result{Value: ctx.Value}
	}
	out := make(map[string]any, len(ctx.Value)+1)
	for k, v := range ctx.Value {
		out[k] = v
	}
	out[target] = f.Evaluate(ctx.Value)
	return Result{Value: out}
}

// Get is unused: computedMetric resolves fully within Apply.
func (ComputedMetric) Get(ctx Context, args map[string]any) Result {
	return Result{Value: ctx.Value}
}
