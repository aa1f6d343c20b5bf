package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded against advertisements that never reach the registry.
const (
	DropNotBeacon    = "not_beacon"
	DropAllowList    = "allow_list"
	DropManufacturer = "manufacturer"
)

// Metrics holds the Prometheus collectors for the proximity pipeline. A nil
// *Metrics is valid and records nothing, so stages can be built without one.
type Metrics struct {
	registry prometheus.Gatherer

	advertisements *prometheus.CounterVec
	beaconEvents   *prometheus.CounterVec
	zoneEvents     *prometheus.CounterVec
	scanAttempts   prometheus.Counter
	scanFailures   *prometheus.CounterVec
	scanState      *prometheus.GaugeVec
	trackedBeacons prometheus.Gauge
	forwardDropped *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		advertisements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proximity_advertisements_total",
			Help: "Advertisements received from the scanner by outcome.",
		}, []string{"outcome"}),
		beaconEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proximity_beacon_events_total",
			Help: "Beacon discovery and loss events emitted.",
		}, []string{"type"}),
		zoneEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proximity_zone_events_total",
			Help: "Geofence transitions emitted by type.",
		}, []string{"type"}),
		scanAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proximity_scan_start_attempts_total",
			Help: "Calls made to start the external scan.",
		}),
		scanFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proximity_scan_failures_total",
			Help: "Scan failures by error code.",
		}, []string{"code"}),
		scanState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proximity_scan_state",
			Help: "1 for the scan supervisor's current state, 0 otherwise.",
		}, []string{"state"}),
		trackedBeacons: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proximity_tracked_beacons",
			Help: "Beacons currently held by the registry.",
		}),
		forwardDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proximity_forward_dropped_total",
			Help: "Events dropped because a status forwarder queue was full.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.advertisements,
		m.beaconEvents,
		m.zoneEvents,
		m.scanAttempts,
		m.scanFailures,
		m.scanState,
		m.trackedBeacons,
		m.forwardDropped,
	)
	return m
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AdvertisementParsed counts an advertisement that produced an observation.
func (m *Metrics) AdvertisementParsed() {
	if m == nil {
		return
	}
	m.advertisements.WithLabelValues("parsed").Inc()
}

// AdvertisementDropped counts an advertisement discarded for reason.
func (m *Metrics) AdvertisementDropped(reason string) {
	if m == nil {
		return
	}
	m.advertisements.WithLabelValues(reason).Inc()
}

// BeaconEvent counts a DISCOVERED or LOST event.
func (m *Metrics) BeaconEvent(kind string) {
	if m == nil {
		return
	}
	m.beaconEvents.WithLabelValues(kind).Inc()
}

// ZoneEvent counts an ENTER, EXIT or DWELL event.
func (m *Metrics) ZoneEvent(kind string) {
	if m == nil {
		return
	}
	m.zoneEvents.WithLabelValues(kind).Inc()
}

// ScanAttempt counts a call to the scanner's start.
func (m *Metrics) ScanAttempt() {
	if m == nil {
		return
	}
	m.scanAttempts.Inc()
}

// ScanFailure counts a start or runtime scan failure by code.
func (m *Metrics) ScanFailure(code string) {
	if m == nil {
		return
	}
	m.scanFailures.WithLabelValues(code).Inc()
}

// ScanState marks state as the supervisor's current state.
func (m *Metrics) ScanState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.scanState.WithLabelValues(from).Set(0)
	}
	m.scanState.WithLabelValues(to).Set(1)
}

// TrackedBeacons sets the registry size gauge.
func (m *Metrics) TrackedBeacons(n int) {
	if m == nil {
		return
	}
	m.trackedBeacons.Set(float64(n))
}

// ForwardDropped counts an event a status sink could not queue.
func (m *Metrics) ForwardDropped(sink string) {
	if m == nil {
		return
	}
	m.forwardDropped.WithLabelValues(sink).Inc()
}
