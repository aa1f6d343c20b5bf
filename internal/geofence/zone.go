package geofence

import (
	"fmt"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/monitoring"
)

// MaxRadiusMeters is the largest radius considered plausible for a beacon
// zone. Larger values are accepted with a warning.
const MaxRadiusMeters = 100.0

// Zone is a circular region around a beacon. Major and Minor are optional;
// nil matches any value.
type Zone struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	UUID         string  `json:"uuid"`
	Major        *uint16 `json:"major,omitempty"`
	Minor        *uint16 `json:"minor,omitempty"`
	RadiusMeters float64 `json:"radius_meters"`
	Enabled      bool    `json:"enabled"`
}

// Matches reports whether id is a target of the zone.
func (z Zone) Matches(id beacon.Identity) bool {
	if z.UUID != id.UUID {
		return false
	}
	if z.Major != nil && *z.Major != id.Major {
		return false
	}
	if z.Minor != nil && *z.Minor != id.Minor {
		return false
	}
	return true
}

// Wildcard reports whether the zone can match more than one beacon.
func (z Zone) Wildcard() bool {
	return z.Major == nil || z.Minor == nil
}

// normalize canonicalises the UUID and warns about implausible settings.
// It never rejects a zone.
func (z Zone) normalize() Zone {
	if canon, err := beacon.CanonicalUUID(z.UUID); err == nil {
		z.UUID = canon
	} else {
		monitoring.Warnf("zone %q: %v", z.ID, err)
	}
	if z.RadiusMeters <= 0 || z.RadiusMeters > MaxRadiusMeters {
		monitoring.Warnf("zone %q radius %.2fm outside (0, %.0f]", z.ID, z.RadiusMeters, MaxRadiusMeters)
	}
	return z
}

func (z Zone) String() string {
	target := z.UUID
	if z.Major != nil {
		target += fmt.Sprintf(":%d", *z.Major)
	} else {
		target += ":*"
	}
	if z.Minor != nil {
		target += fmt.Sprintf(":%d", *z.Minor)
	} else {
		target += ":*"
	}
	return fmt.Sprintf("%s(%s r=%.1fm)", z.ID, target, z.RadiusMeters)
}

// Uint16 returns a pointer to v, for building zone targets.
func Uint16(v uint16) *uint16 {
	return &v
}
