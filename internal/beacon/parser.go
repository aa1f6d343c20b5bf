package beacon

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AppleManufacturerID is the company identifier carried by iBeacon frames.
const AppleManufacturerID uint16 = 0x004C

const (
	frameType   = 0x02
	frameLength = 0x15
	minFrameLen = 23
)

// Observation is one parsed advertisement. It is never mutated after parsing.
type Observation struct {
	Identity       Identity
	ManufacturerID uint16
	RSSI           int
	TxPower        int
	RawDistance    float64
	ObservedAt     time.Time
}

// ParseAdvertisement decodes the manufacturer-specific payload of a proximity
// beacon advertisement. Payloads that are too short or carry the wrong frame
// header yield ok=false; that is the only failure mode.
//
// Layout: [0]=0x02 [1]=0x15 [2:18]=UUID [18:20]=major BE [20:22]=minor BE
// [22]=measured power as int8.
func ParseAdvertisement(payload []byte, manufacturerID uint16, rssi int, at time.Time) (Observation, bool) {
	if len(payload) < minFrameLen || payload[0] != frameType || payload[1] != frameLength {
		return Observation{}, false
	}

	var u uuid.UUID
	copy(u[:], payload[2:18])
	tx := int(int8(payload[22]))

	return Observation{
		Identity: Identity{
			UUID:  strings.ToUpper(u.String()),
			Major: binary.BigEndian.Uint16(payload[18:20]),
			Minor: binary.BigEndian.Uint16(payload[20:22]),
		},
		ManufacturerID: manufacturerID,
		RSSI:           rssi,
		TxPower:        tx,
		RawDistance:    EstimateDistance(rssi, tx),
		ObservedAt:     at,
	}, true
}

// EncodeAdvertisement builds a payload that ParseAdvertisement accepts. It is
// used by simulators and tests.
func EncodeAdvertisement(id Identity, txPower int) []byte {
	b := make([]byte, minFrameLen)
	b[0] = frameType
	b[1] = frameLength
	if u, err := uuid.Parse(id.UUID); err == nil {
		copy(b[2:18], u[:])
	}
	binary.BigEndian.PutUint16(b[18:20], id.Major)
	binary.BigEndian.PutUint16(b[20:22], id.Minor)
	b[22] = byte(int8(txPower))
	return b
}
