package beacon

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/proximity.report/internal/monitoring"
)

// rssiHistory is how many recent RSSI readings feed the per-beacon statistics.
const rssiHistory = 10

// RegisteredBeacon is the registry's view of a beacon in range.
type RegisteredBeacon struct {
	Identity   Identity  `json:"identity"`
	Distance   float64   `json:"distance"`
	RSSI       int       `json:"rssi"`
	TxPower    int       `json:"tx_power"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Sightings  int       `json:"sightings"`
	RSSIMean   float64   `json:"rssi_mean"`
	RSSIStdDev float64   `json:"rssi_stddev"`
}

type entry struct {
	beacon RegisteredBeacon
	rssi   []float64 // ring, oldest first
}

func (e *entry) record(rssi int) {
	if len(e.rssi) == rssiHistory {
		copy(e.rssi, e.rssi[1:])
		e.rssi = e.rssi[:rssiHistory-1]
	}
	e.rssi = append(e.rssi, float64(rssi))

	if len(e.rssi) < 2 {
		e.beacon.RSSIMean = e.rssi[0]
		e.beacon.RSSIStdDev = 0
		return
	}
	mean, std := stat.MeanStdDev(e.rssi, nil)
	if math.IsNaN(std) {
		std = 0
	}
	e.beacon.RSSIMean = mean
	e.beacon.RSSIStdDev = std
}

// Registry holds the beacons currently in range, keyed by identity.
//
// Only a beacon's first sighting is reported as a discovery; later sightings
// update the entry silently. Entries leave either through EvictStale or
// Reset.
type Registry struct {
	mu      sync.RWMutex
	entries map[Identity]*entry
	allow   map[string]struct{}
}

// NewRegistry creates an empty registry with no allow-list.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Identity]*entry),
		allow:   make(map[string]struct{}),
	}
}

// Update records a sighting with its smoothed distance. discovered is true
// only when the identity was not already present.
func (r *Registry) Update(obs Observation, smoothed float64) (RegisteredBeacon, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[obs.Identity]
	if !ok {
		e = &entry{
			beacon: RegisteredBeacon{
				Identity:  obs.Identity,
				FirstSeen: obs.ObservedAt,
			},
			rssi: make([]float64, 0, rssiHistory),
		}
		r.entries[obs.Identity] = e
	}

	e.beacon.Distance = smoothed
	e.beacon.RSSI = obs.RSSI
	e.beacon.TxPower = obs.TxPower
	e.beacon.LastSeen = obs.ObservedAt
	e.beacon.Sightings++
	e.record(obs.RSSI)

	return e.beacon, !ok
}

// EvictStale removes every beacon silent for longer than timeout and returns
// them. The caller owns emitting loss events and dropping filter state.
func (r *Registry) EvictStale(now time.Time, timeout time.Duration) []RegisteredBeacon {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lost []RegisteredBeacon
	for id, e := range r.entries {
		if now.Sub(e.beacon.LastSeen) > timeout {
			lost = append(lost, e.beacon)
			delete(r.entries, id)
		}
	}
	sortByDistance(lost)
	return lost
}

// Get returns the entry for id.
func (r *Registry) Get(id Identity) (RegisteredBeacon, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return RegisteredBeacon{}, false
	}
	return e.beacon, true
}

// Snapshot returns copies of all entries, nearest first. Entries without a
// usable distance sort last.
func (r *Registry) Snapshot() []RegisteredBeacon {
	r.mu.RLock()
	out := make([]RegisteredBeacon, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.beacon)
	}
	r.mu.RUnlock()

	sortByDistance(out)
	return out
}

// Len returns the number of beacons in range.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reset drops every entry without reporting losses. Used when a scan session
// ends.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.entries = make(map[Identity]*entry)
	r.mu.Unlock()
}

// SetAllowList restricts accepted beacons to the given UUIDs. An empty list
// accepts everything. Unparseable UUIDs are logged and skipped.
func (r *Registry) SetAllowList(uuids []string) {
	allow := make(map[string]struct{}, len(uuids))
	for _, s := range uuids {
		canon, err := CanonicalUUID(s)
		if err != nil {
			monitoring.Warnf("ignoring allow-list entry: %v", err)
			continue
		}
		allow[canon] = struct{}{}
	}

	r.mu.Lock()
	r.allow = allow
	r.mu.Unlock()
}

// AllowList returns the canonical UUIDs currently allowed, sorted.
func (r *Registry) AllowList() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.allow))
	for u := range r.allow {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Allowed reports whether observations for id should be accepted.
func (r *Registry) Allowed(id Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.allow) == 0 {
		return true
	}
	_, ok := r.allow[id.UUID]
	return ok
}

func sortByDistance(bs []RegisteredBeacon) {
	sort.SliceStable(bs, func(i, j int) bool {
		di, dj := bs[i].Distance, bs[j].Distance
		if (di < 0) != (dj < 0) {
			return dj < 0
		}
		if di != dj {
			return di < dj
		}
		return bs[i].Identity.String() < bs[j].Identity.String()
	})
}
