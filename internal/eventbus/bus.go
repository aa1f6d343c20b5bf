// Package eventbus fans pipeline events out to registered listeners.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/geofence"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/scan"
)

// BeaconEventType is DISCOVERED or LOST.
type BeaconEventType string

const (
	Discovered BeaconEventType = "DISCOVERED"
	Lost       BeaconEventType = "LOST"
)

// BeaconEvent reports a beacon entering or leaving the registry.
type BeaconEvent struct {
	Type   BeaconEventType         `json:"type"`
	Beacon beacon.RegisteredBeacon `json:"beacon"`
	At     time.Time               `json:"at"`
}

// ScanError reports a scan failure that will not be retried further.
type ScanError struct {
	Code scan.ErrorCode `json:"code"`
	Err  error          `json:"-"`
	At   time.Time      `json:"at"`
}

// Listener signatures. Listeners run on the publishing goroutine and must
// return quickly.
type (
	BeaconListener    func(BeaconEvent)
	ZoneListener      func(geofence.Event)
	ScanErrorListener func(ScanError)
)

// ListenerID identifies a registration for Remove.
type ListenerID string

type registration[T any] struct {
	id ListenerID
	fn T
}

// Bus delivers events synchronously, in registration order.
type Bus struct {
	mu       sync.RWMutex
	beacons  []registration[BeaconListener]
	zones    []registration[ZoneListener]
	scanErrs []registration[ScanErrorListener]
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

func newID() ListenerID {
	return ListenerID(uuid.NewString())
}

// AddBeaconListener registers fn for DISCOVERED and LOST events.
func (b *Bus) AddBeaconListener(fn BeaconListener) ListenerID {
	id := newID()
	b.mu.Lock()
	b.beacons = append(b.beacons, registration[BeaconListener]{id, fn})
	b.mu.Unlock()
	return id
}

// AddZoneListener registers fn for ENTER, EXIT and DWELL events.
func (b *Bus) AddZoneListener(fn ZoneListener) ListenerID {
	id := newID()
	b.mu.Lock()
	b.zones = append(b.zones, registration[ZoneListener]{id, fn})
	b.mu.Unlock()
	return id
}

// AddScanErrorListener registers fn for surfaced scan failures.
func (b *Bus) AddScanErrorListener(fn ScanErrorListener) ListenerID {
	id := newID()
	b.mu.Lock()
	b.scanErrs = append(b.scanErrs, registration[ScanErrorListener]{id, fn})
	b.mu.Unlock()
	return id
}

// Remove detaches the listener registered under id. It reports whether one
// was found.
func (b *Bus) Remove(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var inBeacons, inZones, inScanErrs bool
	b.beacons, inBeacons = without(b.beacons, id)
	b.zones, inZones = without(b.zones, id)
	b.scanErrs, inScanErrs = without(b.scanErrs, id)
	return inBeacons || inZones || inScanErrs
}

// Clear detaches every listener.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.beacons, b.zones, b.scanErrs = nil, nil, nil
	b.mu.Unlock()
}

// Len returns the total number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.beacons) + len(b.zones) + len(b.scanErrs)
}

// PublishBeacon delivers ev to every beacon listener.
func (b *Bus) PublishBeacon(ev BeaconEvent) {
	b.mu.RLock()
	ls := append([]registration[BeaconListener](nil), b.beacons...)
	b.mu.RUnlock()
	for _, l := range ls {
		deliver(l.id, func() { l.fn(ev) })
	}
}

// PublishZone delivers ev to every zone listener.
func (b *Bus) PublishZone(ev geofence.Event) {
	b.mu.RLock()
	ls := append([]registration[ZoneListener](nil), b.zones...)
	b.mu.RUnlock()
	for _, l := range ls {
		deliver(l.id, func() { l.fn(ev) })
	}
}

// PublishScanError delivers ev to every scan error listener.
func (b *Bus) PublishScanError(ev ScanError) {
	b.mu.RLock()
	ls := append([]registration[ScanErrorListener](nil), b.scanErrs...)
	b.mu.RUnlock()
	for _, l := range ls {
		deliver(l.id, func() { l.fn(ev) })
	}
}

// deliver runs one listener; a panicking listener is logged and skipped so
// the remaining listeners still see the event.
func deliver(id ListenerID, call func()) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("eventbus: listener %s panicked: %v", id, r)
		}
	}()
	call()
}

func without[T any](regs []registration[T], id ListenerID) ([]registration[T], bool) {
	for i, r := range regs {
		if r.id == id {
			out := make([]registration[T], 0, len(regs)-1)
			out = append(out, regs[:i]...)
			return append(out, regs[i+1:]...), true
		}
	}
	return regs, false
}
