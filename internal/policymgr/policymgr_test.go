package policymgr

import (
	"sync"
	"testing"
)

func TestAssignAndGetPolicy(t *testing.T) {
	m := NewManager(nil)
	m.RegisterPolicy(&Policy{ID: "p1", Version: "1", DeviceModelURN: "urn:model:thermostat"})
	m.AssignPolicyToDevice("dev-1", "p1")

	p, ok := m.GetPolicy("dev-1")
	if !ok || p.ID != "p1" {
		t.Fatalf("expected p1, got %+v ok=%v", p, ok)
	}
}

func TestGetPolicySelfCorrectsBadMapping(t *testing.T) {
	m := NewManager(nil)
	m.AssignPolicyToDevice("dev-1", "does-not-exist")

	if _, ok := m.GetPolicy("dev-1"); ok {
		t.Fatalf("expected bad mapping to resolve to not-found")
	}
	if _, ok := m.GetPolicy("dev-1"); ok {
		t.Fatalf("expected mapping to remain cleared on second lookup")
	}
}

func TestUnassignNotifiesSynchronouslyOnceBeforeClearingMapping(t *testing.T) {
	m := NewManager(nil)
	m.RegisterPolicy(&Policy{ID: "p1", Version: "1", DeviceModelURN: "urn:model:thermostat"})
	m.AssignPolicyToDevice("dev-1", "p1")

	var fires int
	var mappingPresentDuringNotify bool
	m.AddChangeListener(func(ev ChangeEvent) {
		if ev.Kind != ChangeUnassigned {
			return
		}
		fires++
		_, mappingPresentDuringNotify = m.GetPolicy("dev-1")
	})

	m.UnassignPolicyFromDevice("dev-1")

	if fires != 1 {
		t.Fatalf("expected listener to fire exactly once, got %d", fires)
	}
	if !mappingPresentDuringNotify {
		t.Fatalf("expected the policy mapping to still be resolvable while the unassign listener runs")
	}
	if _, ok := m.GetPolicy("dev-1"); ok {
		t.Fatalf("expected mapping cleared after UnassignPolicyFromDevice returns")
	}
}

func TestContentChangeNotifiesAssignedDevices(t *testing.T) {
	m := NewManager(nil)
	m.RegisterPolicy(&Policy{ID: "p1", Version: "1", DeviceModelURN: "urn:model:thermostat"})
	m.AssignPolicyToDevice("dev-1", "p1")

	var wg sync.WaitGroup
	wg.Add(1)
	var got ChangeEvent
	m.AddChangeListener(func(ev ChangeEvent) {
		if ev.Kind == ChangeContentChanged {
			got = ev
			wg.Done()
		}
	})

	m.RegisterPolicy(&Policy{ID: "p1", Version: "2", DeviceModelURN: "urn:model:thermostat"})
	wg.Wait()

	if got.DeviceID != "dev-1" || got.Policy.Version != "2" {
		t.Fatalf("got %+v", got)
	}
}
