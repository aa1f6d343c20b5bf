// Package proximity assembles the beacon pipeline into a single service:
// scanner → parser → distance filter → registry → geofence → event bus.
//
// Lock order, outermost first: ingest, session, then the stage locks
// (filter bank, registry, geofence) and the dispatch queue. Stage methods
// return their events, the service queues them under the ingest lock and
// delivers them once every service lock is released. Events reach listeners
// in the order they were produced. Listeners may query the service, change
// zones and start or stop scanning.
package proximity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/geofence"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/scan"
	"github.com/banshee-data/proximity.report/internal/timeutil"
)

// ErrClosed is returned once Cleanup has run.
var ErrClosed = errors.New("proximity service closed")

// Config holds the engine tuning.
type Config struct {
	Filter   beacon.FilterConfig
	Geofence geofence.Config
	Retry    scan.RetryPolicy

	// BeaconTimeout is how long a silent beacon stays in the registry.
	BeaconTimeout     time.Duration
	EvictionInterval  time.Duration
	ReconcileInterval time.Duration

	// ManufacturerID restricts accepted advertisements; 0 accepts any.
	ManufacturerID uint16
	AllowList      []string
	Zones          []geofence.Zone
}

// DefaultConfig returns the production tuning with no zones.
func DefaultConfig() Config {
	return Config{
		Filter:            beacon.DefaultFilterConfig(),
		Geofence:          geofence.DefaultConfig(),
		Retry:             scan.DefaultRetryPolicy(),
		BeaconTimeout:     60 * time.Second,
		EvictionInterval:  5 * time.Second,
		ReconcileInterval: 3 * time.Second,
		ManufacturerID:    beacon.AppleManufacturerID,
	}
}

// withDefaults fills unset tuning from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Filter == (beacon.FilterConfig{}) {
		c.Filter = def.Filter
	}
	if c.Geofence == (geofence.Config{}) {
		c.Geofence = def.Geofence
	}
	if len(c.Retry.Delays) == 0 {
		c.Retry = def.Retry
	}
	if c.BeaconTimeout <= 0 {
		c.BeaconTimeout = def.BeaconTimeout
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = def.EvictionInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = def.ReconcileInterval
	}
	return c
}

// Options wires a Service. Scanner is required.
type Options struct {
	Scanner scan.Scanner
	Clock   timeutil.Clock
	Metrics *monitoring.Metrics
	Config  Config
}

// Service is the beacon proximity engine.
type Service struct {
	cfg     Config
	clock   timeutil.Clock
	metrics *monitoring.Metrics

	filters    *beacon.FilterBank
	registry   *beacon.Registry
	geofence   *geofence.Engine
	bus        *eventbus.Bus
	supervisor *scan.Supervisor

	ingestMu sync.Mutex

	dispatchMu sync.Mutex
	pending    []func()
	draining   bool

	mu       sync.Mutex
	scanning bool
	closed   bool
	session  uint64
	stop     chan struct{}
}

// New builds a service with monitoring paused and scanning stopped.
func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	cfg := opts.Config.withDefaults()

	s := &Service{
		cfg:      cfg,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		filters:  beacon.NewFilterBank(cfg.Filter),
		registry: beacon.NewRegistry(),
		geofence: geofence.NewEngine(cfg.Geofence),
		bus:      eventbus.New(),
	}
	if len(cfg.AllowList) > 0 {
		s.registry.SetAllowList(cfg.AllowList)
	}
	if len(cfg.Zones) > 0 {
		s.geofence.ReplaceAll(cfg.Zones)
	}

	var filters []scan.Filter
	if cfg.ManufacturerID != 0 {
		filters = []scan.Filter{{ManufacturerID: cfg.ManufacturerID}}
	}
	s.supervisor = scan.NewSupervisor(scan.SupervisorConfig{
		Scanner:         opts.Scanner,
		Clock:           opts.Clock,
		Policy:          cfg.Retry,
		Filters:         filters,
		Metrics:         opts.Metrics,
		OnAdvertisement: s.HandleAdvertisement,
		OnError:         s.scanError,
		OnStateChange: func(from, to scan.State) {
			monitoring.Logf("scan state %s -> %s", from, to)
		},
	})
	return s
}

// Bus exposes the event bus for components that attach their own listeners.
func (s *Service) Bus() *eventbus.Bus {
	return s.bus
}

// AddBeaconListener registers fn for DISCOVERED and LOST events.
func (s *Service) AddBeaconListener(fn eventbus.BeaconListener) eventbus.ListenerID {
	return s.bus.AddBeaconListener(fn)
}

// AddZoneListener registers fn for ENTER, EXIT and DWELL events.
func (s *Service) AddZoneListener(fn eventbus.ZoneListener) eventbus.ListenerID {
	return s.bus.AddZoneListener(fn)
}

// AddScanErrorListener registers fn for surfaced scan failures.
func (s *Service) AddScanErrorListener(fn eventbus.ScanErrorListener) eventbus.ListenerID {
	return s.bus.AddScanErrorListener(fn)
}

// RemoveListener detaches a listener of any kind.
func (s *Service) RemoveListener(id eventbus.ListenerID) bool {
	return s.bus.Remove(id)
}

// StartMonitoring opens the geofence gate.
func (s *Service) StartMonitoring() {
	s.geofence.SetMonitoring(true)
	monitoring.Logf("geofence monitoring started")
}

// StopMonitoring pauses geofence evaluation. Zone states are kept.
func (s *Service) StopMonitoring() {
	s.geofence.SetMonitoring(false)
	monitoring.Logf("geofence monitoring paused")
}

// Monitoring reports whether the geofence gate is open.
func (s *Service) Monitoring() bool {
	return s.geofence.Monitoring()
}

// StartScanning starts the scan supervisor and the eviction and
// reconciliation ticks. Calling it while scanning is a no-op.
func (s *Service) StartScanning(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.scanning {
		s.mu.Unlock()
		return nil
	}
	s.scanning = true
	s.session++
	gen := s.session
	stop := make(chan struct{})
	s.stop = stop

	go s.runTicker(gen, s.clock.NewTicker(s.cfg.EvictionInterval), stop, s.evictTick)
	go s.runTicker(gen, s.clock.NewTicker(s.cfg.ReconcileInterval), stop, s.reconcileTick)
	s.mu.Unlock()

	s.supervisor.Start(ctx)
	return nil
}

// StopScanning stops the supervisor and the ticks, then clears the registry
// and filter state without reporting losses. The scanner's stop is called
// even if scanning was not running.
func (s *Service) StopScanning() {
	s.mu.Lock()
	wasScanning := s.scanning
	if wasScanning {
		s.scanning = false
		s.session++
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()

	s.supervisor.Stop()

	s.ingestMu.Lock()
	s.registry.Reset()
	s.filters.Reset()
	s.ingestMu.Unlock()
	s.metrics.TrackedBeacons(0)
}

// Scanning reports whether a scan session is open.
func (s *Service) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// ScanState returns the supervisor state.
func (s *Service) ScanState() scan.State {
	return s.supervisor.State()
}

// Cleanup stops everything, drops zones and detaches all listeners. It is
// safe to call more than once.
func (s *Service) Cleanup() {
	s.StopScanning()
	s.geofence.SetMonitoring(false)
	s.geofence.Clear()
	s.bus.Clear()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Service) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning && s.session == gen
}

func (s *Service) runTicker(gen uint64, t timeutil.Ticker, stop <-chan struct{}, tick func(uint64)) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			tick(gen)
		}
	}
}

func (s *Service) scanError(code scan.ErrorCode, err error) {
	ev := eventbus.ScanError{Code: code, Err: err, At: s.clock.Now()}
	s.enqueue(func() { s.bus.PublishScanError(ev) })
	s.dispatch()
}
