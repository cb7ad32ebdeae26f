// Package scheduler implements the Scheduled-Window Dispatcher (C7,
// spec.md §4.7): a single background ticker that fires every registered
// time-windowed policy function (the statistical aggregators) at its
// own cadence without spawning one goroutine per policy.
//
// The dispatcher keeps a sorted-by-next-expiry slice rather than a
// per-entry timer, and picks its own tick interval as the greatest
// common divisor of every registered slide, rounded up to a 10ms
// floor, so a mix of 1s/5s/30s windows still costs one timer (spec.md
// §5, "bounded goroutine count regardless of policy count").
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// WindowKey identifies a ScheduledPolicyData by its (window-ms,
// slide-ms) pair (spec.md §3, "ScheduledPolicyData"). Two entries with
// the same key are the same logical schedule and merge rather than
// duplicate their own ticking.
type WindowKey struct {
	WindowMS int64
	SlideMS  int64
}

// FireFunc is invoked once per registered attribute when entry's window
// expires. now is the tick time, attribute is the attribute the window
// was registered for, and stageIndex is the pipeline index recorded at
// registration (spec.md §4.7, "load the remaining pipeline slice
// starting at its recorded pipeline index").
type FireFunc func(now time.Time, attribute string, stageIndex int)

// ScheduledPolicyData is one registered time-windowed callback, keyed
// by (window-ms, slide-ms) and holding every attribute currently
// sharing that window/slide pair (spec.md §3).
type ScheduledPolicyData struct {
	Key        WindowKey
	Window     time.Duration
	Slide      time.Duration
	Attributes map[string]int // attribute name -> pipeline stage index

	fire       FireFunc
	zero       time.Time
	k          int64
	nextExpiry time.Time
	cancelled  bool
}

const minTickFloor = 10 * time.Millisecond

// computeNextExpiry implements spec.md §3's invariant: next_expiry =
// k·slide + window, rounded down to the nearest 10ms, where k counts
// elapsed slides since time-zero.
func (e *ScheduledPolicyData) computeNextExpiry() time.Time {
	raw := e.zero.Add(time.Duration(e.k)*e.Slide + e.Window)
	return raw.Truncate(minTickFloor)
}

// Dispatcher owns the sorted schedule and the single ticking goroutine.
type Dispatcher struct {
	mu       sync.Mutex
	entries  []*ScheduledPolicyData
	tick     time.Duration
	minTick  time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDispatcher builds an idle Dispatcher; call Run to start ticking.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{minTick: minTickFloor, tick: time.Second, stopCh: make(chan struct{})}
}

// SetMinTick overrides the dispatcher's minimum tick floor (the default
// is minTickFloor). Operators with long-period-only policies can raise
// it above 10ms to cut wakeups; values below minTickFloor are ignored.
func (d *Dispatcher) SetMinTick(floor time.Duration) {
	if floor < minTickFloor {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minTick = floor
	d.recomputeTickLocked()
}

// AddTimedPolicyData registers attribute (whose windowed pipeline stage
// lives at stageIndex) against the (window, slide) schedule, merging
// with an existing entry of the same key per spec.md §4.7's
// "add_timed_policy_data inserts (or merges with equal key)". fire is
// only consulted for a brand new entry; an existing entry keeps the
// fire callback it was created with.
func (d *Dispatcher) AddTimedPolicyData(window, slide time.Duration, attribute string, stageIndex int, fire FireFunc) *ScheduledPolicyData {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := WindowKey{WindowMS: window.Milliseconds(), SlideMS: slide.Milliseconds()}
	for _, e := range d.entries {
		if e.Key == key && !e.cancelled {
			e.Attributes[attribute] = stageIndex
			return e
		}
	}

	entry := &ScheduledPolicyData{
		Key:        key,
		Window:     window,
		Slide:      slide,
		Attributes: map[string]int{attribute: stageIndex},
		fire:       fire,
		zero:       time.Now(),
	}
	entry.nextExpiry = entry.computeNextExpiry()
	d.entries = append(d.entries, entry)
	d.resortLocked()
	d.recomputeTickLocked()
	return entry
}

// RemoveTimedPolicyData drops attribute from entry. Once entry has no
// attributes left it is cancelled and removed from the schedule
// entirely (spec.md §4.7, "remove_timed_policy_data removes by key").
// Safe to call more than once for the same attribute.
func (d *Dispatcher) RemoveTimedPolicyData(entry *ScheduledPolicyData, attribute string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(entry.Attributes, attribute)
	if len(entry.Attributes) > 0 {
		return
	}
	if entry.cancelled {
		return
	}
	entry.cancelled = true
	for i, e := range d.entries {
		if e == entry {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	d.resortLocked()
	d.recomputeTickLocked()
}

func (d *Dispatcher) resortLocked() {
	sort.Slice(d.entries, func(i, j int) bool {
		return d.entries[i].nextExpiry.Before(d.entries[j].nextExpiry)
	})
}

func (d *Dispatcher) recomputeTickLocked() {
	if len(d.entries) == 0 {
		d.tick = time.Second
		return
	}
	g := d.entries[0].Slide
	for _, e := range d.entries[1:] {
		g = gcdDuration(g, e.Slide)
	}
	if g < d.minTick {
		g = d.minTick
	}
	// Round to the nearest 10ms above the floor so the tick interval is
	// never awkwardly fractional (spec.md §4.7, "10ms rounding").
	g = g.Round(minTickFloor)
	if g < minTickFloor {
		g = minTickFloor
	}
	d.tick = g
}

func gcdDuration(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	if a <= 0 {
		return minTickFloor
	}
	return a
}

// Run drives the dispatcher's single ticker until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		d.mu.Lock()
		interval := d.tick
		d.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.stopCh:
			timer.Stop()
			return
		case now := <-timer.C:
			d.fireDue(now)
		}
	}
}

// Stop halts Run's loop; Run also exits on context cancellation.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Dispatcher) fireDue(now time.Time) {
	d.mu.Lock()
	var due []*ScheduledPolicyData
	for _, e := range d.entries {
		if e.cancelled {
			continue
		}
		if !e.nextExpiry.After(now) {
			due = append(due, e)
			e.k++
			e.nextExpiry = e.computeNextExpiry()
		}
	}
	d.resortLocked()
	d.mu.Unlock()

	for _, e := range due {
		if e.cancelled {
			continue
		}
		for attribute, stageIndex := range e.Attributes {
			e.fire(now, attribute, stageIndex)
		}
	}
}
