package beacon

import (
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/monitoring"
)

func observe(id Identity, rssi int, at time.Time) Observation {
	return Observation{Identity: id, RSSI: rssi, TxPower: -59, ObservedAt: at}
}

func TestRegistry_DiscoveryOnce(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	id := NewIdentity(testUUID, 1, 1)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	b, discovered := r.Update(observe(id, -60, t0), 1.5)
	assert.True(t, discovered)
	assert.Equal(t, 1, b.Sightings)
	assert.Equal(t, t0, b.FirstSeen)

	for i := 1; i <= 4; i++ {
		b, discovered = r.Update(observe(id, -60-i, t0.Add(time.Duration(i)*time.Second)), 2.0)
		assert.False(t, discovered)
	}
	assert.Equal(t, 5, b.Sightings)
	assert.Equal(t, t0, b.FirstSeen)
	assert.Equal(t, t0.Add(4*time.Second), b.LastSeen)
	assert.Equal(t, 2.0, b.Distance)
	assert.Equal(t, -64, b.RSSI)
	assert.InDelta(t, -62.0, b.RSSIMean, 1e-9)
	assert.Greater(t, b.RSSIStdDev, 0.0)
}

func TestRegistry_RSSIStatsWindow(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	id := NewIdentity(testUUID, 2, 2)
	t0 := time.Now()

	b, _ := r.Update(observe(id, -90, t0), 1)
	assert.Equal(t, -90.0, b.RSSIMean)
	assert.Equal(t, 0.0, b.RSSIStdDev)

	for i := 0; i < rssiHistory; i++ {
		b, _ = r.Update(observe(id, -50, t0), 1)
	}
	// The -90 reading has aged out of the window.
	assert.Equal(t, -50.0, b.RSSIMean)
	assert.Equal(t, 0.0, b.RSSIStdDev)
}

func TestRegistry_EvictStale(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := NewIdentity(testUUID, 1, 1)
	fresh := NewIdentity(testUUID, 1, 2)

	r.Update(observe(old, -60, t0), 1)
	r.Update(observe(fresh, -60, t0.Add(30*time.Second)), 1)

	assert.Empty(t, r.EvictStale(t0.Add(60*time.Second), time.Minute))

	lost := r.EvictStale(t0.Add(65*time.Second), time.Minute)
	require.Len(t, lost, 1)
	assert.Equal(t, old, lost[0].Identity)

	_, ok := r.Get(old)
	assert.False(t, ok)
	assert.Empty(t, r.EvictStale(t0.Add(70*time.Second), time.Minute))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SnapshotNearestFirst(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	now := time.Now()
	far := NewIdentity(testUUID, 1, 1)
	near := NewIdentity(testUUID, 1, 2)
	unknown := NewIdentity(testUUID, 1, 3)

	r.Update(observe(far, -80, now), 7.0)
	r.Update(observe(unknown, 0, now), -1)
	r.Update(observe(near, -50, now), 0.4)

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, near, snap[0].Identity)
	assert.Equal(t, far, snap[1].Identity)
	assert.Equal(t, unknown, snap[2].Identity)

	// Snapshot is a copy.
	snap[0].Distance = 99
	b, _ := r.Get(near)
	assert.Equal(t, 0.4, b.Distance)
}

func TestRegistry_Reset(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	id := NewIdentity(testUUID, 1, 1)
	r.Update(observe(id, -60, time.Now()), 1)
	r.Reset()

	assert.Equal(t, 0, r.Len())
	_, discovered := r.Update(observe(id, -60, time.Now()), 1)
	assert.True(t, discovered, "identity should be rediscovered after reset")
}

func TestRegistry_AllowList(t *testing.T) {
	monitoring.SetLogger(nil)
	defer monitoring.SetLogger(log.Printf)

	r := NewRegistry()
	listed := NewIdentity(testUUID, 1, 1)
	other := NewIdentity("FDA50693-A4E2-4FB1-AFCF-C6EB07647825", 1, 1)

	assert.True(t, r.Allowed(other), "empty allow-list accepts all")

	r.SetAllowList([]string{"e2c56db5-dffb-48d2-b060-d0f5a71096e0", "garbage"})
	assert.Equal(t, []string{testUUID}, r.AllowList())
	assert.True(t, r.Allowed(listed))
	assert.False(t, r.Allowed(other))

	r.SetAllowList(nil)
	assert.True(t, r.Allowed(other))
}
