package proximity

import (
	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/geofence"
	"github.com/banshee-data/proximity.report/internal/monitoring"
)

// ZoneSummary is a zone's name and current state.
type ZoneSummary struct {
	Name  string         `json:"name"`
	State geofence.State `json:"state"`
}

// ZoneDistance adds the last known distance of the zone's tracked beacon.
// Distance is nil until a usable reading arrives.
type ZoneDistance struct {
	Name     string         `json:"name"`
	Distance *float64       `json:"distance"`
	State    geofence.State `json:"state"`
}

// Status is a point-in-time view of the whole service.
type Status struct {
	Scanning   bool                       `json:"scanning"`
	Monitoring bool                       `json:"monitoring"`
	ScanState  string                     `json:"scan_state"`
	Beacons    []beacon.RegisteredBeacon  `json:"beacons"`
	Zones      map[string]geofence.Status `json:"zones"`
	AllowList  []string                   `json:"uuid_allow_list"`
}

// DiscoveredBeacons returns the tracked beacons, nearest first.
func (s *Service) DiscoveredBeacons() []beacon.RegisteredBeacon {
	return s.registry.Snapshot()
}

// ZoneState returns the state of one zone, or Unknown if it is not registered.
func (s *Service) ZoneState(id string) geofence.State {
	st, _ := s.geofence.State(id)
	return st
}

// AllZoneStates maps each zone ID to its name and state.
func (s *Service) AllZoneStates() map[string]ZoneSummary {
	statuses := s.geofence.Statuses()
	out := make(map[string]ZoneSummary, len(statuses))
	for id, st := range statuses {
		out[id] = ZoneSummary{Name: st.Zone.Name, State: st.State}
	}
	return out
}

// Distances maps each zone ID to its name, distance and state.
func (s *Service) Distances() map[string]ZoneDistance {
	statuses := s.geofence.Statuses()
	out := make(map[string]ZoneDistance, len(statuses))
	for id, st := range statuses {
		out[id] = ZoneDistance{Name: st.Zone.Name, Distance: st.Distance, State: st.State}
	}
	return out
}

// ZoneStatuses returns the full per-zone view.
func (s *Service) ZoneStatuses() map[string]geofence.Status {
	return s.geofence.Statuses()
}

// Zones returns the registered zones ordered by ID.
func (s *Service) Zones() []geofence.Zone {
	return s.geofence.Zones()
}

// AddZone registers or replaces a zone; its state restarts at Unknown.
func (s *Service) AddZone(z geofence.Zone) {
	s.geofence.AddZone(z)
	monitoring.Logf("zone added: %s", z)
}

// RemoveZone drops a zone and reports whether it existed.
func (s *Service) RemoveZone(id string) bool {
	ok := s.geofence.RemoveZone(id)
	if ok {
		monitoring.Logf("zone removed: %s", id)
	}
	return ok
}

// ReplaceAllZones swaps the whole zone set.
func (s *Service) ReplaceAllZones(zones []geofence.Zone) {
	s.geofence.ReplaceAll(zones)
	monitoring.Logf("zones replaced: %d registered", len(zones))
}

// SetUUIDAllowList restricts ingestion to the given UUIDs. An empty list
// accepts every beacon. Beacons already tracked age out normally.
func (s *Service) SetUUIDAllowList(uuids []string) {
	s.registry.SetAllowList(uuids)
}

// AllowList returns the canonical UUIDs currently allowed.
func (s *Service) AllowList() []string {
	return s.registry.AllowList()
}

// Status collects the service state for reporting.
func (s *Service) Status() Status {
	return Status{
		Scanning:   s.Scanning(),
		Monitoring: s.Monitoring(),
		ScanState:  s.ScanState().String(),
		Beacons:    s.DiscoveredBeacons(),
		Zones:      s.geofence.Statuses(),
		AllowList:  s.AllowList(),
	}
}
