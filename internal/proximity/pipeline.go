package proximity

import (
	"time"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/geofence"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/scan"
)

// HandleAdvertisement runs one raw advertisement through the pipeline.
// Advertisements that are not beacon frames, come from another manufacturer
// or fall outside the allow-list are dropped. Nothing is processed while no
// scan session is open.
func (s *Service) HandleAdvertisement(adv scan.Advertisement) {
	at := adv.ReceivedAt
	if at.IsZero() {
		at = s.clock.Now()
	}

	if s.cfg.ManufacturerID != 0 && adv.ManufacturerID != s.cfg.ManufacturerID {
		s.metrics.AdvertisementDropped(monitoring.DropManufacturer)
		return
	}
	obs, ok := beacon.ParseAdvertisement(adv.Payload, adv.ManufacturerID, adv.RSSI, at)
	if !ok {
		s.metrics.AdvertisementDropped(monitoring.DropNotBeacon)
		return
	}
	if !s.registry.Allowed(obs.Identity) {
		s.metrics.AdvertisementDropped(monitoring.DropAllowList)
		return
	}

	defer s.dispatch()
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if !s.Scanning() {
		return
	}
	s.metrics.AdvertisementParsed()

	smoothed := s.filters.Filter(obs.Identity, obs.RawDistance)
	b, discovered := s.registry.Update(obs, smoothed)
	zoneEvents := s.geofence.Observe(b, at)

	if discovered {
		s.metrics.TrackedBeacons(s.registry.Len())
		monitoring.Logf("beacon discovered: %s at %.2fm", b.Identity, b.Distance)
		s.publishBeacon(eventbus.Discovered, b, at)
	}
	s.publishZones(zoneEvents)
}

// evictTick drops silent beacons, reporting each loss and any exits it
// causes.
func (s *Service) evictTick(gen uint64) {
	defer s.dispatch()
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if !s.current(gen) {
		return
	}
	now := s.clock.Now()
	lost := s.registry.EvictStale(now, s.cfg.BeaconTimeout)
	if len(lost) == 0 {
		return
	}
	s.metrics.TrackedBeacons(s.registry.Len())

	for _, b := range lost {
		s.filters.Forget(b.Identity)
		zoneEvents := s.geofence.Lost(b, now)
		monitoring.Logf("beacon lost: %s (last seen %s)", b.Identity, b.LastSeen.Format("15:04:05"))
		s.publishBeacon(eventbus.Lost, b, now)
		s.publishZones(zoneEvents)
	}
}

// reconcileTick re-evaluates every zone against the registry and applies
// the staleness timeouts.
func (s *Service) reconcileTick(gen uint64) {
	defer s.dispatch()
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if !s.current(gen) {
		return
	}
	s.publishZones(s.geofence.Reconcile(s.registry.Snapshot(), s.clock.Now()))
}

func (s *Service) publishBeacon(kind eventbus.BeaconEventType, b beacon.RegisteredBeacon, at time.Time) {
	s.metrics.BeaconEvent(string(kind))
	ev := eventbus.BeaconEvent{Type: kind, Beacon: b, At: at}
	s.enqueue(func() { s.bus.PublishBeacon(ev) })
}

func (s *Service) publishZones(events []geofence.Event) {
	for _, ev := range events {
		s.metrics.ZoneEvent(string(ev.Type))
		if ev.Reason != "" {
			monitoring.Logf("zone %s: %s (%s, %.2fm)", ev.Zone.ID, ev.Type, ev.Reason, ev.Distance)
		} else {
			monitoring.Logf("zone %s: %s (%.2fm)", ev.Zone.ID, ev.Type, ev.Distance)
		}
		s.enqueue(func() { s.bus.PublishZone(ev) })
	}
}

// enqueue appends a delivery to the outbound queue. Pipeline stages call it
// with the ingest lock held, so the queue is in production order.
func (s *Service) enqueue(deliver func()) {
	s.dispatchMu.Lock()
	s.pending = append(s.pending, deliver)
	s.dispatchMu.Unlock()
}

// dispatch delivers queued events with no service lock held. Only one
// goroutine drains at a time; a caller that finds the queue being drained
// leaves its events to that goroutine.
func (s *Service) dispatch() {
	s.dispatchMu.Lock()
	if s.draining {
		s.dispatchMu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		deliver := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.dispatchMu.Unlock()
		deliver()
		s.dispatchMu.Lock()
	}
	s.draining = false
	s.dispatchMu.Unlock()
}
