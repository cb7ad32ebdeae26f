// Package vdevice implements the Virtual Device Core (C8, spec.md
// §4.8): the per-device façade that validates attribute updates against
// the device model, drives them through the assigned policy's function
// pipelines, and queues the resulting messages on the gateway.
package vdevice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evergreen-iot/device-client/internal/devicemodel"
	"github.com/evergreen-iot/device-client/internal/formula"
	"github.com/evergreen-iot/device-client/internal/gateway"
	"github.com/evergreen-iot/device-client/internal/ierrors"
	"github.com/evergreen-iot/device-client/internal/obslog"
	"github.com/evergreen-iot/device-client/internal/policyfn"
	"github.com/evergreen-iot/device-client/internal/policymgr"
	"github.com/evergreen-iot/device-client/internal/scheduler"
	"github.com/evergreen-iot/device-client/internal/store"
	"github.com/evergreen-iot/device-client/pkg/message"
)

// ErrorHandler is called with a per-attribute validation or pipeline
// failure; DeviceErrorHandler is called with a failure that is not
// attributable to a single attribute.
type ErrorHandler func(attribute string, err error)
type DeviceErrorHandler func(err error)

// windowedFunctionIDs are the policy functions driven by the
// scheduled-window dispatcher rather than resolving inline (spec.md
// §4.5: "apply always returns false; the scheduled-window dispatcher
// calls get at slide boundaries").
var windowedFunctionIDs = map[string]bool{
	"mean":              true,
	"min":               true,
	"max":               true,
	"standardDeviation": true,
}

// windowRegistration is what Device remembers about one attribute's
// windowed pipeline stage so a scheduler fire (or a mid-window
// unassign) can resume the pipeline without re-resolving the policy.
type windowRegistration struct {
	entry      *scheduler.ScheduledPolicyData
	stageIndex int
	stages     []policymgr.PipelineStage
}

// Device is the virtual device façade bound to one device model and
// (optionally) one assigned policy.
type Device struct {
	id        string
	model     *devicemodel.Model
	policies  *policymgr.Manager
	fns       *policyfn.Registry
	stores    *store.Registry
	gw        gateway.Gateway
	scheduler *scheduler.Dispatcher
	logger    *obslog.Logger

	onAttributeError ErrorHandler
	onDeviceError    DeviceErrorHandler

	attrMu sync.Mutex
	attrs  map[string]any

	winMu   sync.Mutex
	windows map[string]*windowRegistration
}

// Config bundles Device's collaborators. Scheduler may be nil, in
// which case windowed policy functions silently never re-fire (useful
// for tests that only exercise non-windowed pipelines).
type Config struct {
	ID               string
	Model            *devicemodel.Model
	Policies         *policymgr.Manager
	Functions        *policyfn.Registry
	Stores           *store.Registry
	Gateway          gateway.Gateway
	Scheduler        *scheduler.Dispatcher
	Logger           *obslog.Logger
	OnAttributeError ErrorHandler
	OnDeviceError    DeviceErrorHandler
}

// New builds a Device from cfg.
func New(cfg Config) *Device {
	d := &Device{
		id:               cfg.ID,
		model:            cfg.Model,
		policies:         cfg.Policies,
		fns:              cfg.Functions,
		stores:           cfg.Stores,
		gw:               cfg.Gateway,
		scheduler:        cfg.Scheduler,
		logger:           cfg.Logger,
		onAttributeError: cfg.OnAttributeError,
		onDeviceError:    cfg.OnDeviceError,
		windows:          make(map[string]*windowRegistration),
	}
	if d.policies != nil {
		d.policies.AddChangeListener(d.handlePolicyChange)
	}
	return d
}

// handlePolicyChange drains any windowed aggregation registered for
// this device when its policy is unassigned, flushing each window's
// current state through get into one final data message before the
// mapping disappears (spec.md §8, S5).
func (d *Device) handlePolicyChange(ev policymgr.ChangeEvent) {
	if ev.DeviceID != d.id || ev.Kind != policymgr.ChangeUnassigned {
		return
	}
	d.flushAllWindows(context.Background())
}

func (d *Device) reportAttributeError(attribute string, err error) {
	if d.onAttributeError != nil {
		d.onAttributeError(attribute, err)
	} else if d.logger != nil {
		d.logger.Warn("attribute error", obslog.Str("device", d.id), obslog.Str("attribute", attribute), obslog.Err(err))
	}
}

func (d *Device) reportDeviceError(err error) {
	if d.onDeviceError != nil {
		d.onDeviceError(err)
	} else if d.logger != nil {
		d.logger.Error("device error", obslog.Str("device", d.id), obslog.Err(err))
	}
}

func (d *Device) recordAttribute(attribute string, value any) map[string]any {
	d.attrMu.Lock()
	defer d.attrMu.Unlock()
	if d.attrs == nil {
		d.attrs = make(map[string]any)
	}
	d.attrs[attribute] = value
	snapshot := make(map[string]any, len(d.attrs))
	for k, v := range d.attrs {
		snapshot[k] = v
	}
	return snapshot
}

// Update validates a new attribute value against the device model, runs
// it through the attribute's pipeline (if a policy is assigned), folds
// in any computed metric whose trigger attributes this update just
// satisfied (spec.md §4.8, computed-metric trigger map), and queues any
// resulting DATA (or ALERT, when alertCondition trips) message on the
// gateway. It returns the terminal pipeline error, if any, in addition
// to reporting it to the configured error handler.
func (d *Device) Update(ctx context.Context, attribute string, value any) error {
	if err := d.model.ValidateAttribute(attribute, value); err != nil {
		d.reportAttributeError(attribute, err)
		return err
	}

	snapshot := d.recordAttribute(attribute, value)

	values := map[string]any{attribute: value}
	result, err := d.runPipeline(ctx, attribute, values)
	if err != nil {
		d.reportAttributeError(attribute, err)
		return err
	}
	if result == nil {
		return nil
	}

	if policy, ok := d.policies.GetPolicy(d.id); ok {
		for target, triggerAttrs := range computedMetricTriggers(policy) {
			if target == attribute || !triggerSatisfiedBy(triggerAttrs, attribute) {
				continue
			}
			computed, err := d.runPipelineFrom(ctx, target, policy.AttributePipelines[target], 0, snapshot)
			if err != nil {
				d.reportAttributeError(target, err)
				continue
			}
			if v, ok := computed[target]; ok {
				result[target] = v
			}
		}
	}

	return d.Offer(ctx, d.buildDataMessage(attribute, result))
}

// computedMetricTriggers scans policy for position-0 computedMetric
// pipeline stages and returns, per target attribute, the set of
// attribute names its formula reads (spec.md §4.8, "set<trigger-attrs>
// → target-attr").
func computedMetricTriggers(policy *policymgr.Policy) map[string][]string {
	out := make(map[string][]string)
	for attr, stages := range policy.AttributePipelines {
		if len(stages) == 0 || stages[0].FunctionID != "computedMetric" {
			continue
		}
		src, _ := stages[0].Args["formula"].(string)
		if src == "" {
			continue
		}
		f, err := formula.Parse(src)
		if err != nil {
			continue
		}
		out[attr] = f.Attributes()
	}
	return out
}

// triggerSatisfiedBy reports whether updating a single attribute
// covers trigger (spec.md §4.8, "updated_attrs ⊇ trigger-set"): since
// Update handles one attribute at a time, that only happens when
// trigger names exactly that attribute.
func triggerSatisfiedBy(trigger []string, attribute string) bool {
	if len(trigger) == 0 {
		return false
	}
	for _, t := range trigger {
		if t != attribute {
			return false
		}
	}
	return true
}

func (d *Device) runPipeline(ctx context.Context, attribute string, values map[string]any) (map[string]any, error) {
	policy, ok := d.policies.GetPolicy(d.id)
	if !ok {
		return values, nil
	}
	stages, ok := policy.AttributePipelines[attribute]
	if !ok {
		return values, nil
	}
	return d.runPipelineFrom(ctx, attribute, stages, 0, values)
}

// runPipelineFrom executes stages[start:] over values, registering any
// windowed stage with the scheduler on first use and halting the
// pipeline there (apply never propagates mid-window). It is shared
// between a live Update (start=0) and a scheduled-window fire resuming
// just past the stage that scheduled it.
func (d *Device) runPipelineFrom(ctx context.Context, attribute string, stages []policymgr.PipelineStage, start int, values map[string]any) (map[string]any, error) {
	current := values
	for i := start; i < len(stages); i++ {
		stage := stages[i]
		fn, err := d.fns.Get(stage.FunctionID)
		if err != nil {
			return nil, &ierrors.PolicyError{Reason: fmt.Sprintf("attribute %q stage %d: %v", attribute, i, err)}
		}
		fnCtx := policyfn.Context{Value: current, NowUnixNano: time.Now().UnixNano()}
		if (stage.Persistent || windowedFunctionIDs[stage.FunctionID]) && d.stores != nil {
			s, err := d.stores.Open(fmt.Sprintf("%s/%s/%d", d.id, attribute, i))
			if err != nil {
				return nil, &ierrors.TransportError{Op: "open pipeline store", Err: err}
			}
			fnCtx.Store = policyfn.StoreAdapter{S: s}
		}

		if windowedFunctionIDs[stage.FunctionID] {
			d.ensureWindowRegistered(attribute, i, stages, stage)
			res := fn.Apply(fnCtx, stage.Args)
			if res.Err != nil {
				return nil, res.Err
			}
			return nil, nil
		}

		res := fn.Apply(fnCtx, stage.Args)
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Drop {
			return nil, nil
		}
		current = res.Value
	}
	return current, nil
}

func durationArg(args map[string]any, key string, def time.Duration) time.Duration {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n) * time.Millisecond
	case int:
		return time.Duration(n) * time.Millisecond
	default:
		return def
	}
}

// ensureWindowRegistered registers attribute's windowed stage with the
// dispatcher the first time it is encountered (spec.md §4.7, "Windowed
// functions register with C7 on first use").
func (d *Device) ensureWindowRegistered(attribute string, index int, stages []policymgr.PipelineStage, stage policymgr.PipelineStage) {
	if d.scheduler == nil {
		return
	}
	d.winMu.Lock()
	defer d.winMu.Unlock()
	if _, ok := d.windows[attribute]; ok {
		return
	}
	window := durationArg(stage.Args, "window", time.Second)
	slide := durationArg(stage.Args, "slide", window)
	entry := d.scheduler.AddTimedPolicyData(window, slide, attribute, index, d.scheduledFire)
	d.windows[attribute] = &windowRegistration{entry: entry, stageIndex: index, stages: stages}
}

// scheduledFire is the dispatcher's FireFunc: it drives get on the
// windowed stage and, if it produced a value, the remaining pipeline,
// then queues the resulting message (spec.md §4.7's "feed the value
// back into the virtual device's update_fields path").
func (d *Device) scheduledFire(now time.Time, attribute string, stageIndex int) {
	d.winMu.Lock()
	reg, ok := d.windows[attribute]
	d.winMu.Unlock()
	if !ok {
		return
	}
	if err := d.flushWindow(context.Background(), attribute, reg.stages, stageIndex, now.UnixNano()); err != nil {
		d.reportAttributeError(attribute, err)
	}
}

// flushWindow calls get on the windowed stage at stageIndex and, if it
// yields a value, resumes the remaining pipeline and offers the
// resulting message. Used both by a routine scheduler fire and by a
// mid-window policy unassign (spec.md §8, S1 and S5).
func (d *Device) flushWindow(ctx context.Context, attribute string, stages []policymgr.PipelineStage, stageIndex int, nowNano int64) error {
	if stageIndex >= len(stages) {
		return nil
	}
	stage := stages[stageIndex]
	fn, err := d.fns.Get(stage.FunctionID)
	if err != nil {
		return &ierrors.PolicyError{Reason: fmt.Sprintf("attribute %q stage %d: %v", attribute, stageIndex, err)}
	}
	fnCtx := policyfn.Context{NowUnixNano: nowNano}
	if d.stores != nil {
		s, err := d.stores.Open(fmt.Sprintf("%s/%s/%d", d.id, attribute, stageIndex))
		if err != nil {
			return &ierrors.TransportError{Op: "open pipeline store", Err: err}
		}
		fnCtx.Store = policyfn.StoreAdapter{S: s}
	}

	res := fn.Get(fnCtx, stage.Args)
	if res.Err != nil {
		return res.Err
	}
	if res.Drop {
		// empty window: spec.md S1, "returns null → skipped".
		return nil
	}

	current, err := d.runPipelineFrom(ctx, attribute, stages, stageIndex+1, res.Value)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	return d.Offer(ctx, d.buildDataMessage(attribute, current))
}

// flushAllWindows drains and unregisters every windowed attribute this
// device has registered, in response to its policy being unassigned
// (spec.md §8, S5).
func (d *Device) flushAllWindows(ctx context.Context) {
	d.winMu.Lock()
	regs := d.windows
	d.windows = make(map[string]*windowRegistration)
	d.winMu.Unlock()

	now := time.Now()
	for attribute, reg := range regs {
		if err := d.flushWindow(ctx, attribute, reg.stages, reg.stageIndex, now.UnixNano()); err != nil {
			d.reportAttributeError(attribute, err)
		}
		if d.scheduler != nil {
			d.scheduler.RemoveTimedPolicyData(reg.entry, attribute)
		}
	}
}

func (d *Device) buildDataMessage(attribute string, values map[string]any) message.Message {
	if raised, ok := values["__alert"].(bool); ok && raised {
		return message.NewAlert(d.id, "urn:alert:"+attribute, message.SeveritySignificant, "", values)
	}
	return message.NewData(d.id, "urn:data:"+attribute, values)
}

// Offer queues msg through the device-wide pipeline (if the assigned
// policy declares one) before handing it to the gateway (spec.md §4.8,
// "Offer").
func (d *Device) Offer(ctx context.Context, msg message.Message) error {
	if policy, ok := d.policies.GetPolicy(d.id); ok && len(policy.DeviceWidePipeline) > 0 {
		transformed, kept, err := d.runDeviceWidePipeline(ctx, policy, msg)
		if err != nil {
			d.reportDeviceError(err)
			return err
		}
		if !kept {
			// device-wide stage dropped the message (e.g. a batch still filling).
			return nil
		}
		msg = transformed
	}
	if err := d.gw.Queue(ctx, msg); err != nil {
		d.reportDeviceError(err)
		return err
	}
	return nil
}

func (d *Device) runDeviceWidePipeline(ctx context.Context, policy *policymgr.Policy, msg message.Message) (message.Message, bool, error) {
	values := map[string]any{"__message": msg}
	for i, stage := range policy.DeviceWidePipeline {
		fn, err := d.fns.Get(stage.FunctionID)
		if err != nil {
			return message.Message{}, false, &ierrors.PolicyError{Reason: fmt.Sprintf("device-wide stage %d: %v", i, err)}
		}
		fnCtx := policyfn.Context{Value: values, NowUnixNano: time.Now().UnixNano()}
		if stage.Persistent && d.stores != nil {
			s, err := d.stores.Open(fmt.Sprintf("%s/device-wide/%d", d.id, i))
			if err != nil {
				return message.Message{}, false, &ierrors.TransportError{Op: "open pipeline store", Err: err}
			}
			fnCtx.Store = policyfn.StoreAdapter{S: s}
		}
		res := fn.Apply(fnCtx, stage.Args)
		if res.Err != nil {
			return message.Message{}, false, res.Err
		}
		if res.Drop {
			return message.Message{}, false, nil
		}
		values = res.Value
	}
	return msg, true, nil
}

// CreateAlert builds and offers an alert message directly, bypassing
// per-attribute pipelines (spec.md §4.8, "CreateAlert").
func (d *Device) CreateAlert(ctx context.Context, format string, severity message.Severity, description string, data map[string]any) error {
	msg := message.NewAlert(d.id, format, severity, description, data)
	return d.Offer(ctx, msg)
}

// HandleRequest answers a server-originated REQUEST addressed to this
// device by invoking handler and queuing its RESPONSE (spec.md §4.8,
// "server-request translation").
func (d *Device) HandleRequest(ctx context.Context, req message.Message, handler gateway.RequestHandler) error {
	resp := handler(ctx, req)
	return d.Offer(ctx, resp)
}
