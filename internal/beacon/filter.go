package beacon

import (
	"sort"
	"sync"
)

// FilterConfig holds the smoothing parameters for DistanceFilter.
type FilterConfig struct {
	ProcessNoise      float64 // Q
	MeasurementNoise  float64 // R
	InitialCovariance float64 // P0
	MaxDistance       float64 // readings above this are outliers
	WindowSize        int     // median window over Kalman outputs
}

// DefaultFilterConfig returns the tuning used in production.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		ProcessNoise:      0.05,
		MeasurementNoise:  3.0,
		InitialCovariance: 1.0,
		MaxDistance:       50.0,
		WindowSize:        3,
	}
}

// DistanceFilter smooths one beacon's raw distance series: outlier gate, then
// a scalar Kalman filter, then a short median over the Kalman outputs.
// It is not safe for concurrent use; FilterBank serialises access.
type DistanceFilter struct {
	cfg FilterConfig

	estimate    float64
	covariance  float64
	window      []float64
	last        float64
	initialized bool
}

// NewDistanceFilter creates an uninitialised filter.
func NewDistanceFilter(cfg FilterConfig) *DistanceFilter {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	return &DistanceFilter{cfg: cfg, window: make([]float64, 0, cfg.WindowSize)}
}

// Filter consumes one raw reading and returns the smoothed distance.
func (f *DistanceFilter) Filter(raw float64) float64 {
	if raw < 0 || raw > f.cfg.MaxDistance {
		if f.initialized {
			return f.last
		}
		return raw
	}

	if !f.initialized {
		f.estimate = raw
		f.covariance = f.cfg.InitialCovariance
		f.initialized = true
	} else {
		// Random-walk predict, then measurement update.
		p := f.covariance + f.cfg.ProcessNoise
		k := p / (p + f.cfg.MeasurementNoise)
		f.estimate += k * (raw - f.estimate)
		f.covariance = (1 - k) * p
	}

	if len(f.window) == f.cfg.WindowSize {
		copy(f.window, f.window[1:])
		f.window = f.window[:len(f.window)-1]
	}
	f.window = append(f.window, f.estimate)

	f.last = median(f.window)
	return f.last
}

// Initialized reports whether the filter has accepted a reading.
func (f *DistanceFilter) Initialized() bool {
	return f.initialized
}

// Estimate returns the current Kalman state and covariance.
func (f *DistanceFilter) Estimate() (estimate, covariance float64) {
	return f.estimate, f.covariance
}

// median returns sorted[len/2]; for even lengths that is the upper middle.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

// FilterBank keeps one DistanceFilter per identity.
type FilterBank struct {
	cfg FilterConfig

	mu      sync.Mutex
	filters map[Identity]*DistanceFilter
}

// NewFilterBank creates an empty bank using cfg for every filter it creates.
func NewFilterBank(cfg FilterConfig) *FilterBank {
	return &FilterBank{cfg: cfg, filters: make(map[Identity]*DistanceFilter)}
}

// Filter runs raw through the filter for id, creating it on first use.
func (b *FilterBank) Filter(id Identity, raw float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.filters[id]
	if !ok {
		f = NewDistanceFilter(b.cfg)
		b.filters[id] = f
	}
	return f.Filter(raw)
}

// Forget discards the state held for id.
func (b *FilterBank) Forget(id Identity) {
	b.mu.Lock()
	delete(b.filters, id)
	b.mu.Unlock()
}

// Reset discards all filter state.
func (b *FilterBank) Reset() {
	b.mu.Lock()
	b.filters = make(map[Identity]*DistanceFilter)
	b.mu.Unlock()
}

// Len returns the number of identities with filter state.
func (b *FilterBank) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.filters)
}
