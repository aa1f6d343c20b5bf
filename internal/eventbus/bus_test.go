package eventbus

import (
	"encoding/json"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/geofence"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/scan"
)

func TestBus_OrderedFanOut(t *testing.T) {
	t.Parallel()

	bus := New()
	var order []string
	bus.AddZoneListener(func(ev geofence.Event) { order = append(order, "a:"+string(ev.Type)) })
	bus.AddZoneListener(func(ev geofence.Event) { order = append(order, "b:"+string(ev.Type)) })
	bus.AddZoneListener(func(ev geofence.Event) { order = append(order, "c:"+string(ev.Type)) })

	bus.PublishZone(geofence.Event{Type: geofence.Enter})
	bus.PublishZone(geofence.Event{Type: geofence.Exit})

	assert.Equal(t, []string{"a:ENTER", "b:ENTER", "c:ENTER", "a:EXIT", "b:EXIT", "c:EXIT"}, order)
}

func TestBus_KindsAreSeparate(t *testing.T) {
	t.Parallel()

	bus := New()
	var beacons, zones, errs int
	bus.AddBeaconListener(func(BeaconEvent) { beacons++ })
	bus.AddZoneListener(func(geofence.Event) { zones++ })
	bus.AddScanErrorListener(func(ScanError) { errs++ })

	bus.PublishBeacon(BeaconEvent{Type: Discovered})
	bus.PublishBeacon(BeaconEvent{Type: Lost})
	bus.PublishScanError(ScanError{Code: scan.RegistrationFailed})

	assert.Equal(t, 2, beacons)
	assert.Equal(t, 0, zones)
	assert.Equal(t, 1, errs)
	assert.Equal(t, 3, bus.Len())
}

func TestBus_RemoveAndClear(t *testing.T) {
	t.Parallel()

	bus := New()
	var got []string
	first := bus.AddBeaconListener(func(BeaconEvent) { got = append(got, "first") })
	bus.AddBeaconListener(func(BeaconEvent) { got = append(got, "second") })

	assert.True(t, bus.Remove(first))
	assert.False(t, bus.Remove(first))
	assert.False(t, bus.Remove("unknown"))

	bus.PublishBeacon(BeaconEvent{})
	assert.Equal(t, []string{"second"}, got)

	bus.Clear()
	assert.Equal(t, 0, bus.Len())
	bus.PublishBeacon(BeaconEvent{})
	assert.Equal(t, []string{"second"}, got)
}

func TestBus_ListenerMayReenter(t *testing.T) {
	t.Parallel()

	bus := New()
	calls := 0
	var id ListenerID
	id = bus.AddZoneListener(func(geofence.Event) {
		calls++
		bus.Remove(id)
		bus.AddBeaconListener(func(BeaconEvent) {})
	})

	bus.PublishZone(geofence.Event{})
	bus.PublishZone(geofence.Event{})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, bus.Len())
}

func TestBus_PanickingListenerIsSkipped(t *testing.T) {
	monitoring.SetLogger(nil)
	defer monitoring.SetLogger(log.Printf)

	bus := New()
	reached := false
	bus.AddScanErrorListener(func(ScanError) { panic("boom") })
	bus.AddScanErrorListener(func(ScanError) { reached = true })

	assert.NotPanics(t, func() { bus.PublishScanError(ScanError{}) })
	assert.True(t, reached)
}

func TestTail_SubscribeReceivesJSON(t *testing.T) {
	t.Parallel()

	bus := New()
	tail := NewTail(bus)
	defer tail.Close()

	id, ch := tail.Subscribe()
	assert.Equal(t, 1, tail.Subscribers())

	at := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	bus.PublishBeacon(BeaconEvent{
		Type:   Discovered,
		Beacon: beacon.RegisteredBeacon{Identity: beacon.NewIdentity("E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", 1, 2)},
		At:     at,
	})
	bus.PublishScanError(ScanError{Code: scan.InternalError, Err: errors.New("radio reset"), At: at})

	var line struct {
		Kind  string         `json:"kind"`
		Event map[string]any `json:"event"`
	}
	require.NoError(t, json.Unmarshal([]byte(<-ch), &line))
	assert.Equal(t, "beacon", line.Kind)
	assert.Equal(t, "DISCOVERED", line.Event["type"])

	require.NoError(t, json.Unmarshal([]byte(<-ch), &line))
	assert.Equal(t, "scan_error", line.Kind)
	assert.Equal(t, "INTERNAL_ERROR", line.Event["code"])
	assert.Equal(t, "radio reset", line.Event["message"])

	tail.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
}

func TestTail_DropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	bus := New()
	tail := NewTail(bus)
	_, ch := tail.Subscribe()

	for i := 0; i < 100; i++ {
		bus.PublishZone(geofence.Event{Type: geofence.Dwell})
	}
	assert.Len(t, ch, cap(ch))

	tail.Close()
	assert.Equal(t, 0, bus.Len())
	_, late := tail.Subscribe()
	_, open := <-late
	assert.False(t, open)
}

func TestAttach_WrapsEveryKind(t *testing.T) {
	t.Parallel()

	bus := New()
	var got []Record
	detach := Attach(bus, func(r Record) { got = append(got, r) })

	id := beacon.NewIdentity("E2C56DB5-DFFB-48D2-B060-D0F5A71096E0", 1, 2)
	bus.PublishBeacon(BeaconEvent{Type: Lost, Beacon: beacon.RegisteredBeacon{Identity: id}})
	bus.PublishZone(geofence.Event{Type: geofence.Enter, Zone: geofence.Zone{ID: "desk"}})
	bus.PublishScanError(ScanError{Code: scan.RegistrationFailed, Err: errors.New("busy")})

	require.Len(t, got, 3)
	assert.Equal(t, KindBeacon, got[0].Kind)
	assert.Equal(t, id.String(), got[0].Key)
	assert.Equal(t, KindZone, got[1].Kind)
	assert.Equal(t, "desk", got[1].Key)
	assert.Equal(t, KindScanError, got[2].Kind)
	assert.Equal(t, "REGISTRATION_FAILED", got[2].Key)
	assert.Equal(t, "busy", got[2].Event.(ScanErrorReport).Message)

	detach()
	assert.Equal(t, 0, bus.Len())
}
