package vdevice

import (
	"context"
	"testing"

	"github.com/evergreen-iot/device-client/internal/devicemodel"
	"github.com/evergreen-iot/device-client/internal/gateway"
	"github.com/evergreen-iot/device-client/internal/policyfn"
	"github.com/evergreen-iot/device-client/internal/policymgr"
	"github.com/evergreen-iot/device-client/internal/scheduler"
	"github.com/evergreen-iot/device-client/internal/store"
)

func celsiusModel(t *testing.T) *devicemodel.Model {
	t.Helper()
	raw := []byte(`{
		"urn": "urn:model:thermostat",
		"attributes": [
			{"name": "celsius", "type": "NUMBER"},
			{"name": "fahrenheit", "type": "NUMBER"}
		]
	}`)
	m, err := devicemodel.Parse(raw)
	if err != nil {
		t.Fatalf("parse model: %v", err)
	}
	return m
}

func thermostatModel(t *testing.T) *devicemodel.Model {
	t.Helper()
	raw := []byte(`{
		"urn": "urn:model:thermostat",
		"attributes": [
			{"name": "temperature", "type": "NUMBER"}
		]
	}`)
	m, err := devicemodel.Parse(raw)
	if err != nil {
		t.Fatalf("parse model: %v", err)
	}
	return m
}

func TestUpdateRejectsInvalidValue(t *testing.T) {
	policies := policymgr.NewManager(nil)
	gw := gateway.NewMemoryGateway(nil)
	dev := New(Config{
		ID:        "dev-1",
		Model:     thermostatModel(t),
		Policies:  policies,
		Functions: policyfn.NewRegistry(),
		Stores:    store.NewRegistry(nil),
		Gateway:   gw,
	})

	err := dev.Update(context.Background(), "temperature", "not-a-number")
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestUpdateWithoutPolicyQueuesRawData(t *testing.T) {
	policies := policymgr.NewManager(nil)
	gw := gateway.NewMemoryGateway(nil)
	dev := New(Config{
		ID:        "dev-1",
		Model:     thermostatModel(t),
		Policies:  policies,
		Functions: policyfn.NewRegistry(),
		Stores:    store.NewRegistry(nil),
		Gateway:   gw,
	})

	if err := dev.Update(context.Background(), "temperature", 21.5); err != nil {
		t.Fatalf("update: %v", err)
	}
	drained, err := gw.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(drained))
	}
	data, ok := drained[0].Data()
	if !ok || data.Data["temperature"] != 21.5 {
		t.Fatalf("got %+v", drained[0])
	}
}

func TestUpdateRunsAttributePipeline(t *testing.T) {
	policies := policymgr.NewManager(nil)
	policies.RegisterPolicy(&policymgr.Policy{
		ID:             "p1",
		Version:        "1",
		DeviceModelURN: "urn:model:thermostat",
		AttributePipelines: map[string][]policymgr.PipelineStage{
			"temperature": {
				{FunctionID: "filterCondition", Args: map[string]any{"formula": "temperature > 0"}},
			},
		},
	})
	policies.AssignPolicyToDevice("dev-1", "p1")

	gw := gateway.NewMemoryGateway(nil)
	dev := New(Config{
		ID:        "dev-1",
		Model:     thermostatModel(t),
		Policies:  policies,
		Functions: policyfn.NewRegistry(),
		Stores:    store.NewRegistry(nil),
		Gateway:   gw,
	})

	if err := dev.Update(context.Background(), "temperature", -5.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	drained, _ := gw.Drain(context.Background(), 10)
	if len(drained) != 0 {
		t.Fatalf("expected filter to drop negative temperature, got %d messages", len(drained))
	}

	if err := dev.Update(context.Background(), "temperature", 5.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	drained, _ = gw.Drain(context.Background(), 10)
	if len(drained) != 1 {
		t.Fatalf("expected positive temperature to pass through, got %d", len(drained))
	}
}

// TestAlertConditionOffersAlertInsteadOfData covers scenario S2 (spec.md
// §8): a tripped alertCondition replaces the outbound data message with
// an alert; an untripped one leaves a plain data message.
func TestAlertConditionOffersAlertInsteadOfData(t *testing.T) {
	policies := policymgr.NewManager(nil)
	policies.RegisterPolicy(&policymgr.Policy{
		ID:             "p1",
		Version:        "1",
		DeviceModelURN: "urn:model:thermostat",
		AttributePipelines: map[string][]policymgr.PipelineStage{
			"temperature": {
				{FunctionID: "alertCondition", Args: map[string]any{"formula": "temperature > 90"}},
			},
		},
	})
	policies.AssignPolicyToDevice("dev-1", "p1")

	gw := gateway.NewMemoryGateway(nil)
	dev := New(Config{
		ID:        "dev-1",
		Model:     thermostatModel(t),
		Policies:  policies,
		Functions: policyfn.NewRegistry(),
		Stores:    store.NewRegistry(nil),
		Gateway:   gw,
	})

	if err := dev.Update(context.Background(), "temperature", 85.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	drained, _ := gw.Drain(context.Background(), 10)
	if len(drained) != 1 {
		t.Fatalf("expected 1 message, got %d", len(drained))
	}
	if _, ok := drained[0].Data(); !ok {
		t.Fatalf("expected temperature=85 to produce a plain data message, got %+v", drained[0])
	}
	if _, ok := drained[0].Alert(); ok {
		t.Fatalf("expected no alert for temperature=85, got %+v", drained[0])
	}

	if err := dev.Update(context.Background(), "temperature", 95.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	drained, _ = gw.Drain(context.Background(), 10)
	if len(drained) != 1 {
		t.Fatalf("expected 1 message, got %d", len(drained))
	}
	if _, ok := drained[0].Data(); ok {
		t.Fatalf("expected temperature=95 to suppress the data message, got %+v", drained[0])
	}
	if _, ok := drained[0].Alert(); !ok {
		t.Fatalf("expected temperature=95 to raise an alert, got %+v", drained[0])
	}
}

// TestUpdateRunsComputedMetricTrigger covers scenario S3 (spec.md §8):
// updating celsius must re-run the computedMetric pipeline bound to
// fahrenheit, since fahrenheit's formula reads celsius, and fold the
// recomputed value into the same outbound message.
func TestUpdateRunsComputedMetricTrigger(t *testing.T) {
	policies := policymgr.NewManager(nil)
	policies.RegisterPolicy(&policymgr.Policy{
		ID:             "p1",
		Version:        "1",
		DeviceModelURN: "urn:model:thermostat",
		AttributePipelines: map[string][]policymgr.PipelineStage{
			"fahrenheit": {
				{FunctionID: "computedMetric", Args: map[string]any{
					"formula": "(celsius * 1.8) + 32",
					"target":  "fahrenheit",
				}},
			},
		},
	})
	policies.AssignPolicyToDevice("dev-1", "p1")

	gw := gateway.NewMemoryGateway(nil)
	dev := New(Config{
		ID:        "dev-1",
		Model:     celsiusModel(t),
		Policies:  policies,
		Functions: policyfn.NewRegistry(),
		Stores:    store.NewRegistry(nil),
		Gateway:   gw,
	})

	if err := dev.Update(context.Background(), "celsius", 100.0); err != nil {
		t.Fatalf("update: %v", err)
	}
	drained, err := gw.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 1 {
		t.Fatalf("expected 1 message, got %d", len(drained))
	}
	data, ok := drained[0].Data()
	if !ok {
		t.Fatalf("expected a data message, got %+v", drained[0])
	}
	if data.Data["celsius"] != 100.0 {
		t.Fatalf("expected celsius to still be present, got %+v", data.Data)
	}
	if data.Data["fahrenheit"] != 212.0 {
		t.Fatalf("expected the fahrenheit computed metric to fire off the celsius trigger, got %+v", data.Data)
	}
}

// TestPolicyUnassignFlushesWindowBeforeRemoval covers scenario S5
// (spec.md §8): unassigning a policy mid-window must flush the
// windowed reducer's current state through get into one final data
// message, and the unassign listener must fire exactly once.
func TestPolicyUnassignFlushesWindowBeforeRemoval(t *testing.T) {
	policies := policymgr.NewManager(nil)
	policies.RegisterPolicy(&policymgr.Policy{
		ID:             "p1",
		Version:        "1",
		DeviceModelURN: "urn:model:thermostat",
		AttributePipelines: map[string][]policymgr.PipelineStage{
			"temperature": {
				{FunctionID: "mean", Args: map[string]any{
					"attribute": "temperature",
					"window":    10000.0,
					"slide":     10000.0,
				}},
			},
		},
	})
	policies.AssignPolicyToDevice("dev-1", "p1")

	gw := gateway.NewMemoryGateway(nil)
	dev := New(Config{
		ID:        "dev-1",
		Model:     thermostatModel(t),
		Policies:  policies,
		Functions: policyfn.NewRegistry(),
		Stores:    store.NewRegistry(nil),
		Gateway:   gw,
		Scheduler: scheduler.NewDispatcher(),
	})

	for _, v := range []float64{10, 20, 30, 40, 50} {
		if err := dev.Update(context.Background(), "temperature", v); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	drained, _ := gw.Drain(context.Background(), 10)
	if len(drained) != 0 {
		t.Fatalf("windowed mean must not propagate mid-window, got %d messages", len(drained))
	}

	var unassignedFires int
	policies.AddChangeListener(func(ev policymgr.ChangeEvent) {
		if ev.Kind == policymgr.ChangeUnassigned && ev.DeviceID == "dev-1" {
			unassignedFires++
		}
	})

	policies.UnassignPolicyFromDevice("dev-1")

	if unassignedFires != 1 {
		t.Fatalf("expected the unassign listener to fire exactly once, got %d", unassignedFires)
	}
	drained, err := gw.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 1 {
		t.Fatalf("expected exactly one flushed data message, got %d", len(drained))
	}
	data, ok := drained[0].Data()
	if !ok || data.Data["temperature"] != 30.0 {
		t.Fatalf("expected flushed mean of [10,20,30,40,50]=30.0, got %+v", drained[0])
	}
}
