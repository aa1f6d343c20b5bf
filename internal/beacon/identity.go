// Package beacon turns raw proximity advertisements into smoothed distance
// readings and keeps the set of beacons currently in range.
//
// The pipeline inside this package is parse → estimate → filter → registry.
// Each stage owns its own lock; none of them calls into a later stage while
// holding it.
package beacon

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identity is the (UUID, major, minor) triple that names a beacon. UUIDs are
// held in canonical uppercase form so identities compare case-insensitively.
type Identity struct {
	UUID  string `json:"uuid"`
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
}

// NewIdentity builds an identity with the UUID canonicalised. A UUID that does
// not parse is kept uppercased as given.
func NewIdentity(id string, major, minor uint16) Identity {
	canon, err := CanonicalUUID(id)
	if err != nil {
		canon = strings.ToUpper(strings.TrimSpace(id))
	}
	return Identity{UUID: canon, Major: major, Minor: minor}
}

// String renders the identity as UUID:major:minor.
func (i Identity) String() string {
	return fmt.Sprintf("%s:%d:%d", i.UUID, i.Major, i.Minor)
}

// CanonicalUUID parses s in any case or brace form and returns the uppercase
// 8-4-4-4-12 rendering.
func CanonicalUUID(s string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid beacon uuid %q: %w", s, err)
	}
	return strings.ToUpper(u.String()), nil
}
