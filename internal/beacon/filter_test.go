package beacon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceFilter_FirstReadingPassesThrough(t *testing.T) {
	t.Parallel()

	f := NewDistanceFilter(DefaultFilterConfig())
	assert.False(t, f.Initialized())
	assert.Equal(t, 2.5, f.Filter(2.5))
	assert.True(t, f.Initialized())

	est, p := f.Estimate()
	assert.Equal(t, 2.5, est)
	assert.Equal(t, 1.0, p)
}

func TestDistanceFilter_KalmanStep(t *testing.T) {
	t.Parallel()

	f := NewDistanceFilter(DefaultFilterConfig())
	f.Filter(1.0)
	got := f.Filter(5.0)

	p := 1.0 + 0.05
	k := p / (p + 3.0)
	want := 1.0 + k*4.0
	// Window is [1.0, want]; sorted[len/2] picks the upper value.
	assert.InDelta(t, want, got, 1e-9)

	_, cov := f.Estimate()
	assert.InDelta(t, (1-k)*p, cov, 1e-9)
}

func TestDistanceFilter_Converges(t *testing.T) {
	t.Parallel()

	f := NewDistanceFilter(DefaultFilterConfig())
	f.Filter(8.0)
	var got float64
	for i := 0; i < 60; i++ {
		got = f.Filter(2.0)
	}
	assert.InDelta(t, 2.0, got, 0.05)
}

func TestDistanceFilter_RejectsOutlier(t *testing.T) {
	t.Parallel()

	f := NewDistanceFilter(DefaultFilterConfig())
	for i := 0; i < 5; i++ {
		f.Filter(3.0)
	}
	before := f.Filter(3.0)

	assert.Equal(t, before, f.Filter(80.0))
	assert.Equal(t, before, f.Filter(-1.0))
	assert.InDelta(t, 3.0, f.Filter(3.0), 1e-9)
}

func TestDistanceFilter_OutlierBeforeInit(t *testing.T) {
	t.Parallel()

	f := NewDistanceFilter(DefaultFilterConfig())
	assert.Equal(t, -1.0, f.Filter(-1.0))
	assert.Equal(t, 70.0, f.Filter(70.0))
	assert.False(t, f.Initialized())
}

func TestDistanceFilter_MedianSuppressesSpike(t *testing.T) {
	t.Parallel()

	cfg := DefaultFilterConfig()
	cfg.MeasurementNoise = 0.0001 // Kalman follows the input almost exactly
	f := NewDistanceFilter(cfg)

	f.Filter(2.0)
	f.Filter(2.0)
	got := f.Filter(20.0)
	assert.InDelta(t, 2.0, got, 0.01)
}

func TestMedian(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 4.0, median([]float64{4}))
	assert.Equal(t, 5.0, median([]float64{5, 1}))
	assert.Equal(t, 3.0, median([]float64{9, 3, 1}))
}

func TestFilterBank(t *testing.T) {
	t.Parallel()

	bank := NewFilterBank(DefaultFilterConfig())
	a := NewIdentity(testUUID, 1, 1)
	b := NewIdentity(testUUID, 1, 2)

	assert.Equal(t, 1.0, bank.Filter(a, 1.0))
	assert.Equal(t, 9.0, bank.Filter(b, 9.0))
	assert.Equal(t, 2, bank.Len())

	// a continues from its own state, b is unaffected.
	assert.Less(t, bank.Filter(a, 5.0), 5.0)

	bank.Forget(a)
	assert.Equal(t, 1, bank.Len())
	assert.Equal(t, 5.0, bank.Filter(a, 5.0))

	bank.Reset()
	assert.Equal(t, 0, bank.Len())
}
