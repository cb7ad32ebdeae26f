// Package policymgr implements the Device Policy Manager (C6, spec.md
// §4.6): the registry mapping a device to its assigned policy, tracking
// per-policy version so a redundant push can be distinguished from a
// real change, and notifying registered listeners of assignment,
// unassignment, and content changes.
package policymgr

import (
	"sync"

	"github.com/evergreen-iot/device-client/internal/obslog"
)

// PipelineStage is one policy-function invocation wired into an
// attribute or device-wide pipeline.
type PipelineStage struct {
	FunctionID string
	Args       map[string]any
	Persistent bool
}

// Policy is a versioned, named collection of per-attribute and
// device-wide pipelines applicable to one device model (spec.md §4.2,
// §4.6).
type Policy struct {
	ID              string
	Version         string
	DeviceModelURN  string
	AttributePipelines map[string][]PipelineStage
	DeviceWidePipeline []PipelineStage
}

// ChangeKind classifies a policy change notification.
type ChangeKind int

const (
	ChangeAssigned ChangeKind = iota
	ChangeUnassigned
	ChangeContentChanged
)

// ChangeEvent is delivered to listeners registered via AddChangeListener.
type ChangeEvent struct {
	Kind     ChangeKind
	DeviceID string
	Policy   *Policy // nil for ChangeUnassigned
}

// Listener receives policy change notifications.
type Listener func(ChangeEvent)

// Manager is the Device Policy Manager.
type Manager struct {
	mu        sync.Mutex
	logger    *obslog.Logger
	byID      map[string]*Policy
	byDevice  map[string]string // deviceID -> policyID
	byModel   map[string][]string
	listeners []Listener
}

// NewManager builds an empty Manager.
func NewManager(logger *obslog.Logger) *Manager {
	return &Manager{
		logger:   logger,
		byID:     make(map[string]*Policy),
		byDevice: make(map[string]string),
		byModel:  make(map[string][]string),
	}
}

// AddChangeListener registers fn to receive every future ChangeEvent.
func (m *Manager) AddChangeListener(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notifyLocked(ev ChangeEvent) {
	listeners := append([]Listener(nil), m.listeners...)
	go func() {
		for _, l := range listeners {
			l(ev)
		}
	}()
}

// RegisterPolicy records (or updates) a policy's definition. If the
// policy already existed with a different Version, every device currently
// assigned to it receives a ChangeContentChanged notification (spec.md
// §4.6, "PolicyChanged").
func (m *Manager) RegisterPolicy(p *Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.byID[p.ID]
	m.byID[p.ID] = p
	m.byModel[p.DeviceModelURN] = appendUnique(m.byModel[p.DeviceModelURN], p.ID)

	if !existed || prev.Version == p.Version {
		return
	}
	for deviceID, policyID := range m.byDevice {
		if policyID == p.ID {
			m.notifyLocked(ChangeEvent{Kind: ChangeContentChanged, DeviceID: deviceID, Policy: p})
		}
	}
}

// GetPolicy resolves the policy currently assigned to deviceID. If the
// device's mapping references a policy id this manager no longer knows
// about, the mapping is a bad mapping: it self-corrects by clearing the
// assignment and reporting (false) rather than panicking or returning
// stale data (spec.md §4.6, "bad-mapping self-correction").
func (m *Manager) GetPolicy(deviceID string) (*Policy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	policyID, ok := m.byDevice[deviceID]
	if !ok {
		return nil, false
	}
	p, ok := m.byID[policyID]
	if !ok {
		delete(m.byDevice, deviceID)
		if m.logger != nil {
			m.logger.Warn("clearing bad policy mapping", obslog.Str("device", deviceID), obslog.Str("policy", policyID))
		}
		return nil, false
	}
	return p, true
}

// AssignPolicyToDevice assigns policyID to deviceID, notifying listeners
// of the assignment (spec.md §4.6).
func (m *Manager) AssignPolicyToDevice(deviceID, policyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byDevice[deviceID] = policyID
	p := m.byID[policyID]
	m.notifyLocked(ChangeEvent{Kind: ChangeAssigned, DeviceID: deviceID, Policy: p})
}

// UnassignPolicyFromDevice removes deviceID's assignment. Unlike
// RegisterPolicy/AssignPolicyToDevice, listeners are notified
// synchronously and before the mapping is actually cleared, so a
// windowed policy function gets the chance to drain its last window
// through get() while the assignment (and its pipeline state) is still
// addressable; each listener fires exactly once (spec.md §8, S5).
func (m *Manager) UnassignPolicyFromDevice(deviceID string) {
	m.mu.Lock()
	policyID, ok := m.byDevice[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	p := m.byID[policyID]
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(ChangeEvent{Kind: ChangeUnassigned, DeviceID: deviceID, Policy: p})
	}

	m.mu.Lock()
	delete(m.byDevice, deviceID)
	m.mu.Unlock()
}

// PoliciesForModel returns every policy id registered against a device
// model URN, used to find a default policy for newly connected devices.
func (m *Manager) PoliciesForModel(urn string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.byModel[urn]))
	copy(out, m.byModel[urn])
	return out
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
