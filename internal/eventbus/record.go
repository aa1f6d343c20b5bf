package eventbus

import (
	"encoding/json"
	"time"

	"github.com/banshee-data/proximity.report/internal/geofence"
)

// Kind tags a Record with the listener family it came from.
type Kind string

const (
	KindBeacon    Kind = "beacon"
	KindZone      Kind = "zone"
	KindScanError Kind = "scan_error"
)

// Record is a bus event in a single envelope, for sinks that handle every
// kind alike. Event holds a BeaconEvent, a geofence.Event or a
// ScanErrorReport.
type Record struct {
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Event any       `json:"event"`
}

// ScanErrorReport is a ScanError with its message spelled out.
type ScanErrorReport struct {
	ScanError
	Message string `json:"message,omitempty"`
}

// BeaconRecord wraps a beacon event. The key is the beacon identity.
func BeaconRecord(ev BeaconEvent) Record {
	return Record{Kind: KindBeacon, Key: ev.Beacon.Identity.String(), At: ev.At, Event: ev}
}

// ZoneRecord wraps a zone transition. The key is the zone ID.
func ZoneRecord(ev geofence.Event) Record {
	return Record{Kind: KindZone, Key: ev.Zone.ID, At: ev.At, Event: ev}
}

// ScanErrorRecord wraps a scan failure. The key is the error code.
func ScanErrorRecord(ev ScanError) Record {
	report := ScanErrorReport{ScanError: ev}
	if ev.Err != nil {
		report.Message = ev.Err.Error()
	}
	return Record{Kind: KindScanError, Key: string(ev.Code), At: ev.At, Event: report}
}

// JSON encodes the record.
func (r Record) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Attach registers fn for every kind of event and returns a function that
// removes the registrations.
func Attach(bus *Bus, fn func(Record)) (detach func()) {
	ids := []ListenerID{
		bus.AddBeaconListener(func(ev BeaconEvent) { fn(BeaconRecord(ev)) }),
		bus.AddZoneListener(func(ev geofence.Event) { fn(ZoneRecord(ev)) }),
		bus.AddScanErrorListener(func(ev ScanError) { fn(ScanErrorRecord(ev)) }),
	}
	return func() {
		for _, id := range ids {
			bus.Remove(id)
		}
	}
}
