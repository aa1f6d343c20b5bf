// Package geofence decides when a beacon is inside a zone.
//
// Each zone runs its own hysteresis state machine: a beacon enters at the
// zone radius and only exits beyond radius × HysteresisFactor, so readings
// that wobble around the edge do not flap. Zones also exit when their beacon
// is lost or has been silent past an adaptive timeout.
//
// The Engine never dispatches events itself. Every method that can cause a
// transition returns the events it produced, in order, for the caller to
// deliver once the engine lock has been released.
package geofence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/beacon"
)

// Config tunes the state machines.
type Config struct {
	HysteresisFactor float64
	DwellThreshold   time.Duration
	// InsideTimeout applies when the last distance was within the radius,
	// BoundaryTimeout when it was in the dead band.
	InsideTimeout   time.Duration
	BoundaryTimeout time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		HysteresisFactor: 1.2,
		DwellThreshold:   10 * time.Second,
		InsideTimeout:    60 * time.Second,
		BoundaryTimeout:  30 * time.Second,
	}
}

type tracker struct {
	zone  Zone
	state State

	enteredAt     time.Time
	dwellNotified bool

	tracked      beacon.RegisteredBeacon
	hasTracked   bool
	lastDistance float64 // last non-negative distance, -1 if none
	lastSeen     time.Time
}

func newTracker(z Zone) *tracker {
	return &tracker{zone: z, lastDistance: beacon.UnknownDistance}
}

// Engine holds the zones and their state machines.
type Engine struct {
	cfg Config

	mu         sync.Mutex
	zones      map[string]*tracker
	monitoring bool
}

// NewEngine creates an engine with no zones and monitoring paused.
func NewEngine(cfg Config) *Engine {
	if cfg.HysteresisFactor < 1 {
		cfg.HysteresisFactor = 1
	}
	return &Engine{cfg: cfg, zones: make(map[string]*tracker)}
}

// SetMonitoring opens or closes the monitoring gate. While closed, beacon
// data is still recorded but no transitions are evaluated.
func (e *Engine) SetMonitoring(on bool) {
	e.mu.Lock()
	e.monitoring = on
	e.mu.Unlock()
}

// Monitoring reports whether the monitoring gate is open.
func (e *Engine) Monitoring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitoring
}

// AddZone registers z, replacing any zone with the same ID. Only that zone's
// state is reset to UNKNOWN.
func (e *Engine) AddZone(z Zone) {
	z = z.normalize()
	e.mu.Lock()
	e.zones[z.ID] = newTracker(z)
	e.mu.Unlock()
}

// RemoveZone deletes the zone with id. It reports whether one existed.
func (e *Engine) RemoveZone(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.zones[id]
	delete(e.zones, id)
	return ok
}

// ReplaceAll drops every zone and registers zones in their place.
func (e *Engine) ReplaceAll(zones []Zone) {
	next := make(map[string]*tracker, len(zones))
	for _, z := range zones {
		z = z.normalize()
		next[z.ID] = newTracker(z)
	}
	e.mu.Lock()
	e.zones = next
	e.mu.Unlock()
}

// Clear removes all zones.
func (e *Engine) Clear() {
	e.ReplaceAll(nil)
}

// Zones returns the registered zones sorted by ID.
func (e *Engine) Zones() []Zone {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Zone, 0, len(e.zones))
	for _, t := range e.sortedLocked() {
		out = append(out, t.zone)
	}
	return out
}

// State returns the current state of zone id.
func (e *Engine) State(id string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.zones[id]
	if !ok {
		return Unknown, false
	}
	return t.state, true
}

// Statuses returns a view of every zone keyed by ID.
func (e *Engine) Statuses() map[string]Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]Status, len(e.zones))
	for id, t := range e.zones {
		st := Status{Zone: t.zone, State: t.state}
		if t.lastDistance >= 0 {
			d := t.lastDistance
			st.Distance = &d
		}
		if t.hasTracked {
			id := t.tracked.Identity
			st.Tracked = &id
		}
		if t.state == Inside {
			at := t.enteredAt
			st.EnteredAt = &at
		}
		out[id] = st
	}
	return out
}

// Observe feeds a registry update into every enabled zone that targets the
// beacon.
func (e *Engine) Observe(b beacon.RegisteredBeacon, now time.Time) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for _, t := range e.sortedLocked() {
		if !t.zone.Enabled || !t.zone.Matches(b.Identity) {
			continue
		}
		if !t.adopt(b, false) {
			continue
		}
		if ev, ok := e.evaluateLocked(t, now); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Lost handles the registry dropping a beacon. Zones tracking it stop
// tracking, and any that were INSIDE exit immediately.
func (e *Engine) Lost(b beacon.RegisteredBeacon, now time.Time) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for _, t := range e.sortedLocked() {
		if !t.hasTracked || t.tracked.Identity != b.Identity {
			continue
		}
		t.hasTracked = false
		if !e.monitoring || !t.zone.Enabled || t.state != Inside {
			continue
		}
		events = append(events, t.exit(ReasonBeaconLost, b, now))
	}
	return events
}

// Reconcile re-reads the registry snapshot (nearest first) and then applies
// the staleness timeout. It does nothing while monitoring is paused.
func (e *Engine) Reconcile(snapshot []beacon.RegisteredBeacon, now time.Time) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.monitoring {
		return nil
	}

	var events []Event
	for _, t := range e.sortedLocked() {
		if !t.zone.Enabled {
			continue
		}
		if b, ok := t.bestMatch(snapshot); ok {
			t.adopt(b, true)
			if ev, ok := e.evaluateLocked(t, now); ok {
				events = append(events, ev)
			}
		}
		if ev, ok := e.staleLocked(t, now); ok {
			events = append(events, ev)
		}
	}
	return events
}

// adopt records b as the zone's tracked beacon if it is the same beacon or
// nearer than the one being tracked. force skips the comparison. It reports
// whether b is now tracked.
func (t *tracker) adopt(b beacon.RegisteredBeacon, force bool) bool {
	if !force && t.hasTracked && t.tracked.Identity != b.Identity {
		if b.Distance < 0 {
			return false
		}
		if t.lastDistance >= 0 && b.Distance >= t.lastDistance {
			return false
		}
	}
	t.tracked = b
	t.hasTracked = true
	if b.LastSeen.After(t.lastSeen) {
		t.lastSeen = b.LastSeen
	}
	if b.Distance >= 0 {
		t.lastDistance = b.Distance
	}
	return true
}

// bestMatch returns the tracked beacon's entry in snapshot, or the nearest
// matching beacon when that is closer or the tracked one is absent.
func (t *tracker) bestMatch(snapshot []beacon.RegisteredBeacon) (beacon.RegisteredBeacon, bool) {
	current, nearest := -1, -1
	for i, b := range snapshot {
		if !t.zone.Matches(b.Identity) {
			continue
		}
		if t.hasTracked && b.Identity == t.tracked.Identity {
			current = i
		} else if nearest < 0 && b.Distance >= 0 {
			nearest = i
		}
	}

	switch {
	case nearest >= 0 && (current < 0 || snapshot[current].Distance < 0 ||
		snapshot[nearest].Distance < snapshot[current].Distance):
		return snapshot[nearest], true
	case current >= 0:
		return snapshot[current], true
	}
	return beacon.RegisteredBeacon{}, false
}

func (e *Engine) evaluateLocked(t *tracker, now time.Time) (Event, bool) {
	if !e.monitoring {
		return Event{}, false
	}
	d := t.tracked.Distance
	if d < 0 {
		return Event{}, false
	}

	r := t.zone.RadiusMeters
	inside := d <= r
	outside := d > r*e.cfg.HysteresisFactor

	switch {
	case inside && t.state != Inside:
		t.state = Inside
		t.enteredAt = now
		t.dwellNotified = false
		return t.event(Enter, "", now), true

	case inside:
		if !t.dwellNotified && now.Sub(t.enteredAt) >= e.cfg.DwellThreshold {
			t.dwellNotified = true
			return t.event(Dwell, "", now), true
		}

	case outside && t.state == Inside:
		return t.exit(ReasonDistance, t.tracked, now), true

	case outside:
		t.state = Outside
	}
	return Event{}, false
}

func (e *Engine) staleLocked(t *tracker, now time.Time) (Event, bool) {
	if t.state != Inside || t.lastSeen.IsZero() {
		return Event{}, false
	}
	timeout := e.cfg.BoundaryTimeout
	if t.lastDistance >= 0 && t.lastDistance <= t.zone.RadiusMeters {
		timeout = e.cfg.InsideTimeout
	}
	if now.Sub(t.lastSeen) <= timeout {
		return Event{}, false
	}
	reason := fmt.Sprintf(reasonTimeoutTmpl, int(timeout/time.Second))
	return t.exit(reason, t.tracked, now), true
}

func (t *tracker) exit(reason string, b beacon.RegisteredBeacon, now time.Time) Event {
	t.state = Outside
	t.enteredAt = time.Time{}
	t.dwellNotified = false
	ev := t.event(Exit, reason, now)
	ev.Beacon = b
	return ev
}

func (t *tracker) event(kind EventType, reason string, now time.Time) Event {
	return Event{
		Type:     kind,
		Zone:     t.zone,
		Beacon:   t.tracked,
		Reason:   reason,
		Distance: t.lastDistance,
		At:       now,
	}
}

func (e *Engine) sortedLocked() []*tracker {
	out := make([]*tracker, 0, len(e.zones))
	for _, t := range e.zones {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].zone.ID < out[j].zone.ID })
	return out
}
