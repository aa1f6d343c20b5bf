package geofence

import (
	"time"

	"github.com/banshee-data/proximity.report/internal/beacon"
)

// State is a zone's position in the hysteresis state machine.
type State int

const (
	Unknown State = iota
	Outside
	Inside
)

func (s State) String() string {
	switch s {
	case Outside:
		return "OUTSIDE"
	case Inside:
		return "INSIDE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name. Unrecognised names decode as Unknown.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "OUTSIDE":
		*s = Outside
	case "INSIDE":
		*s = Inside
	default:
		*s = Unknown
	}
	return nil
}

// EventType names a zone transition.
type EventType string

const (
	Enter EventType = "ENTER"
	Exit  EventType = "EXIT"
	Dwell EventType = "DWELL"
)

// Exit reasons.
const (
	ReasonDistance    = "distance_threshold"
	ReasonBeaconLost  = "beacon_lost"
	ReasonTimeout60s  = "timeout_60s"
	ReasonTimeout30s  = "timeout_30s"
	reasonTimeoutTmpl = "timeout_%ds"
)

// Event is a zone transition with the beacon data that caused it.
type Event struct {
	Type     EventType               `json:"type"`
	Zone     Zone                    `json:"zone"`
	Beacon   beacon.RegisteredBeacon `json:"beacon"`
	Reason   string                  `json:"reason,omitempty"`
	Distance float64                 `json:"distance"`
	At       time.Time               `json:"at"`
}

// Status is a point-in-time view of one zone.
type Status struct {
	Zone      Zone             `json:"zone"`
	State     State            `json:"state"`
	Distance  *float64         `json:"distance,omitempty"`
	Tracked   *beacon.Identity `json:"tracked,omitempty"`
	EnteredAt *time.Time       `json:"entered_at,omitempty"`
}
