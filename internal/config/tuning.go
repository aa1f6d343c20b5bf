package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/geofence"
	"github.com/banshee-data/proximity.report/internal/proximity"
	"github.com/banshee-data/proximity.report/internal/scan"
)

// DefaultConfigPath is the path to the canonical engine defaults file.
const DefaultConfigPath = "config/proximity.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// EngineConfig is the JSON form of the engine tuning. Every field is
// optional; the Get* methods supply defaults for anything left out.
type EngineConfig struct {
	// Geofence params
	HysteresisFactor *float64 `json:"hysteresis_factor,omitempty"`
	DwellThreshold   *string  `json:"dwell_threshold,omitempty"` // duration string like "10s"
	InsideTimeout    *string  `json:"inside_timeout,omitempty"`
	BoundaryTimeout  *string  `json:"boundary_timeout,omitempty"`

	// Registry params
	BeaconTimeout     *string `json:"beacon_timeout,omitempty"`
	EvictionInterval  *string `json:"eviction_interval,omitempty"`
	ReconcileInterval *string `json:"reconcile_interval,omitempty"`

	// Filter params
	ProcessNoise       *float64 `json:"process_noise,omitempty"`
	MeasurementNoise   *float64 `json:"measurement_noise,omitempty"`
	OutlierMaxDistance *float64 `json:"outlier_max_distance,omitempty"`
	FilterWindow       *int     `json:"filter_window,omitempty"`

	// Scan retry params
	RetryDelays   []string `json:"retry_delays,omitempty"`
	MaxRetries    *int     `json:"max_retries,omitempty"`
	RetryWindow   *string  `json:"retry_window,omitempty"`
	RetryCooldown *string  `json:"retry_cooldown,omitempty"`

	// Ingestion params
	ManufacturerID *int     `json:"manufacturer_id,omitempty"`
	UUIDAllowList  []string `json:"uuid_allow_list,omitempty"`

	Zones []ZoneConfig `json:"zones,omitempty"`
}

// ZoneConfig is one zone entry. A null major or minor matches any value.
type ZoneConfig struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	UUID         string  `json:"uuid"`
	Major        *int    `json:"major"`
	Minor        *int    `json:"minor"`
	RadiusMeters float64 `json:"radius_meters"`
	Enabled      *bool   `json:"enabled,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }

// EmptyEngineConfig returns an EngineConfig with every field unset.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig loads an EngineConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Omitted fields keep
// their defaults, so partial configs are safe.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upward from the
// working directory. Panics if the file cannot be loaded, intended for test
// setup.
func MustLoadDefaultConfig() *EngineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadEngineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values can be used. Out-of-range
// zone radii are accepted here and warned about when the zone registers.
func (c *EngineConfig) Validate() error {
	if c.HysteresisFactor != nil && *c.HysteresisFactor < 1 {
		return fmt.Errorf("hysteresis_factor must be at least 1, got %f", *c.HysteresisFactor)
	}

	durations := []struct {
		name  string
		value *string
	}{
		{"dwell_threshold", c.DwellThreshold},
		{"inside_timeout", c.InsideTimeout},
		{"boundary_timeout", c.BoundaryTimeout},
		{"beacon_timeout", c.BeaconTimeout},
		{"eviction_interval", c.EvictionInterval},
		{"reconcile_interval", c.ReconcileInterval},
		{"retry_window", c.RetryWindow},
		{"retry_cooldown", c.RetryCooldown},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}
	for i, s := range c.RetryDelays {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid retry_delays[%d] '%s': %w", i, s, err)
		}
	}

	if c.MaxRetries != nil {
		if *c.MaxRetries < 1 {
			return fmt.Errorf("max_retries must be at least 1, got %d", *c.MaxRetries)
		}
		if len(c.RetryDelays) > 0 && *c.MaxRetries > len(c.RetryDelays) {
			return fmt.Errorf("max_retries %d exceeds the %d retry_delays given", *c.MaxRetries, len(c.RetryDelays))
		}
	}
	if c.FilterWindow != nil && *c.FilterWindow < 1 {
		return fmt.Errorf("filter_window must be at least 1, got %d", *c.FilterWindow)
	}
	if c.OutlierMaxDistance != nil && *c.OutlierMaxDistance <= 0 {
		return fmt.Errorf("outlier_max_distance must be positive, got %f", *c.OutlierMaxDistance)
	}
	if c.ManufacturerID != nil && (*c.ManufacturerID < 0 || *c.ManufacturerID > 0xFFFF) {
		return fmt.Errorf("manufacturer_id must fit in 16 bits, got %d", *c.ManufacturerID)
	}
	for i, u := range c.UUIDAllowList {
		if _, err := beacon.CanonicalUUID(u); err != nil {
			return fmt.Errorf("invalid uuid_allow_list[%d]: %w", i, err)
		}
	}

	seen := make(map[string]bool, len(c.Zones))
	for i, z := range c.Zones {
		if err := z.validate(); err != nil {
			return fmt.Errorf("zones[%d]: %w", i, err)
		}
		if seen[z.ID] {
			return fmt.Errorf("zones[%d]: duplicate id %q", i, z.ID)
		}
		seen[z.ID] = true
	}
	return nil
}

func (z ZoneConfig) validate() error {
	if z.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := beacon.CanonicalUUID(z.UUID); err != nil {
		return err
	}
	for name, v := range map[string]*int{"major": z.Major, "minor": z.Minor} {
		if v != nil && (*v < 0 || *v > 0xFFFF) {
			return fmt.Errorf("%s must fit in 16 bits, got %d", name, *v)
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetHysteresisFactor returns the exit radius multiplier or the default.
func (c *EngineConfig) GetHysteresisFactor() float64 {
	if c.HysteresisFactor == nil {
		return 1.2
	}
	return *c.HysteresisFactor
}

// GetDwellThreshold returns how long a beacon stays inside before DWELL.
func (c *EngineConfig) GetDwellThreshold() time.Duration {
	return durationOr(c.DwellThreshold, 10*time.Second)
}

// GetInsideTimeout returns the staleness timeout for a beacon last seen inside.
func (c *EngineConfig) GetInsideTimeout() time.Duration {
	return durationOr(c.InsideTimeout, 60*time.Second)
}

// GetBoundaryTimeout returns the staleness timeout for a beacon last seen at
// the boundary.
func (c *EngineConfig) GetBoundaryTimeout() time.Duration {
	return durationOr(c.BoundaryTimeout, 30*time.Second)
}

// GetBeaconTimeout returns how long a silent beacon stays registered.
func (c *EngineConfig) GetBeaconTimeout() time.Duration {
	return durationOr(c.BeaconTimeout, 60*time.Second)
}

// GetEvictionInterval returns the registry eviction tick.
func (c *EngineConfig) GetEvictionInterval() time.Duration {
	return durationOr(c.EvictionInterval, 5*time.Second)
}

// GetReconcileInterval returns the geofence reconciliation tick.
func (c *EngineConfig) GetReconcileInterval() time.Duration {
	return durationOr(c.ReconcileInterval, 3*time.Second)
}

// GetProcessNoise returns the Kalman process noise or the default.
func (c *EngineConfig) GetProcessNoise() float64 {
	if c.ProcessNoise == nil {
		return 0.05
	}
	return *c.ProcessNoise
}

// GetMeasurementNoise returns the Kalman measurement noise or the default.
func (c *EngineConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return 3.0
	}
	return *c.MeasurementNoise
}

// GetOutlierMaxDistance returns the largest raw distance the filter accepts.
func (c *EngineConfig) GetOutlierMaxDistance() float64 {
	if c.OutlierMaxDistance == nil {
		return 50
	}
	return *c.OutlierMaxDistance
}

// GetFilterWindow returns the median window size or the default.
func (c *EngineConfig) GetFilterWindow() int {
	if c.FilterWindow == nil {
		return 3
	}
	return *c.FilterWindow
}

// GetRetryDelays returns the wait before each retry. Without explicit delays
// the schedule is linear: 1s, 2s, ... up to max_retries.
func (c *EngineConfig) GetRetryDelays() []time.Duration {
	if len(c.RetryDelays) == 0 {
		n := 3
		if c.MaxRetries != nil {
			n = *c.MaxRetries
		}
		delays := make([]time.Duration, n)
		for i := range delays {
			delays[i] = time.Duration(i+1) * time.Second
		}
		return delays
	}

	delays := make([]time.Duration, 0, len(c.RetryDelays))
	for _, s := range c.RetryDelays {
		d, err := time.ParseDuration(s)
		if err != nil {
			return scan.DefaultRetryPolicy().Delays
		}
		delays = append(delays, d)
	}
	if c.MaxRetries != nil && *c.MaxRetries < len(delays) {
		delays = delays[:*c.MaxRetries]
	}
	return delays
}

// GetRetryWindow returns the failure streak window.
func (c *EngineConfig) GetRetryWindow() time.Duration {
	return durationOr(c.RetryWindow, 30*time.Second)
}

// GetRetryCooldown returns the wait after an exhausted streak.
func (c *EngineConfig) GetRetryCooldown() time.Duration {
	return durationOr(c.RetryCooldown, 10*time.Second)
}

// GetManufacturerID returns the accepted manufacturer, 0 for any.
func (c *EngineConfig) GetManufacturerID() uint16 {
	if c.ManufacturerID == nil {
		return beacon.AppleManufacturerID
	}
	return uint16(*c.ManufacturerID)
}

// GetZones converts the zone entries. Zones are enabled unless they say
// otherwise.
func (c *EngineConfig) GetZones() []geofence.Zone {
	zones := make([]geofence.Zone, 0, len(c.Zones))
	for _, z := range c.Zones {
		zones = append(zones, z.Zone())
	}
	return zones
}

// ZonesFromConfig validates entries supplied outside a config file, such
// as over the API, and converts them.
func ZonesFromConfig(entries []ZoneConfig) ([]geofence.Zone, error) {
	c := EngineConfig{Zones: entries}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c.GetZones(), nil
}

// Zone converts one entry.
func (z ZoneConfig) Zone() geofence.Zone {
	out := geofence.Zone{
		ID:           z.ID,
		Name:         z.Name,
		UUID:         z.UUID,
		RadiusMeters: z.RadiusMeters,
		Enabled:      z.Enabled == nil || *z.Enabled,
	}
	if z.Major != nil {
		out.Major = geofence.Uint16(uint16(*z.Major))
	}
	if z.Minor != nil {
		out.Minor = geofence.Uint16(uint16(*z.Minor))
	}
	return out
}

// ProximityConfig builds the service tuning.
func (c *EngineConfig) ProximityConfig() proximity.Config {
	return proximity.Config{
		Filter: beacon.FilterConfig{
			ProcessNoise:      c.GetProcessNoise(),
			MeasurementNoise:  c.GetMeasurementNoise(),
			InitialCovariance: beacon.DefaultFilterConfig().InitialCovariance,
			MaxDistance:       c.GetOutlierMaxDistance(),
			WindowSize:        c.GetFilterWindow(),
		},
		Geofence: geofence.Config{
			HysteresisFactor: c.GetHysteresisFactor(),
			DwellThreshold:   c.GetDwellThreshold(),
			InsideTimeout:    c.GetInsideTimeout(),
			BoundaryTimeout:  c.GetBoundaryTimeout(),
		},
		Retry: scan.RetryPolicy{
			Delays:   c.GetRetryDelays(),
			Window:   c.GetRetryWindow(),
			Cooldown: c.GetRetryCooldown(),
		},
		BeaconTimeout:     c.GetBeaconTimeout(),
		EvictionInterval:  c.GetEvictionInterval(),
		ReconcileInterval: c.GetReconcileInterval(),
		ManufacturerID:    c.GetManufacturerID(),
		AllowList:         append([]string(nil), c.UUIDAllowList...),
		Zones:             c.GetZones(),
	}
}
