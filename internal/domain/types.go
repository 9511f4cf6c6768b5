package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// EntityKind names the three ledger-tracked entity families.
type EntityKind string

const (
	KindParticipant EntityKind = "participant"
	KindContainer   EntityKind = "container"
	KindCargo       EntityKind = "cargo"
)

func (k EntityKind) Valid() bool {
	switch k {
	case KindParticipant, KindContainer, KindCargo:
		return true
	default:
		return false
	}
}

// ParseEntityKind accepts the lower-case kind names as well as the
// CARGO/CONTAINER spelling used on custody records.
func ParseEntityKind(value string) (EntityKind, error) {
	kind := EntityKind(strings.ToLower(strings.TrimSpace(value)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown entity kind %q", ErrInvalidArgument, value)
	}
	return kind, nil
}

// Attributes is a free-form string mapping attached to every entity.
type Attributes map[string]string

func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Merge applies patch on top of a copy of a. Last writer wins per key and an
// empty value removes the key.
func (a Attributes) Merge(patch Attributes) Attributes {
	out := a.Clone()
	for k, v := range patch {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (a Attributes) Validate() error {
	for k := range a {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: attribute keys must be non-empty", ErrInvalidArgument)
		}
	}
	return nil
}

// Coordinates is a location reading: a lat/long pair, a free-form location
// token, or both.
type Coordinates struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Location  string   `json:"location,omitempty"`
}

func (c Coordinates) IsZero() bool {
	return c.Latitude == nil && c.Longitude == nil && strings.TrimSpace(c.Location) == ""
}

func (c Coordinates) Validate() error {
	if c.IsZero() {
		return fmt.Errorf("%w: coordinates require lat/long or a location", ErrInvalidArgument)
	}
	if (c.Latitude == nil) != (c.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be supplied together", ErrInvalidArgument)
	}
	if c.Latitude != nil {
		lat, lon := *c.Latitude, *c.Longitude
		if math.IsNaN(lat) || lat < -90 || lat > 90 {
			return fmt.Errorf("%w: latitude out of range", ErrInvalidArgument)
		}
		if math.IsNaN(lon) || lon < -180 || lon > 180 {
			return fmt.Errorf("%w: longitude out of range", ErrInvalidArgument)
		}
	}
	return nil
}

// Meta holds the fold-derived bookkeeping shared by all snapshots.
type Meta struct {
	Revision  int64     `json:"revision"`
	LastTxID  string    `json:"last_tx_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch records that one more ledger record was folded into the snapshot.
func (m *Meta) Touch(txID string, at time.Time) {
	if m.Revision == 0 {
		m.CreatedAt = at.UTC()
	}
	m.Revision++
	m.LastTxID = txID
	m.UpdatedAt = at.UTC()
}

func requireID(kind EntityKind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s id is required", ErrInvalidArgument, kind)
	}
	if strings.ContainsAny(id, "/\n\t") {
		return fmt.Errorf("%w: %s id %q contains reserved characters", ErrInvalidArgument, kind, id)
	}
	return nil
}

// ValidateID rejects ids that cannot be used as ledger keys.
func ValidateID(kind EntityKind, id string) error {
	return requireID(kind, id)
}

// NormalizeIDs trims ids and reports duplicates or blanks.
func NormalizeIDs(kind EntityKind, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if err := requireID(kind, id); err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate %s id %q", ErrInvalidContainment, kind, id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func sortedInsert(set []string, id string) []string {
	i := sort.SearchStrings(set, id)
	if i < len(set) && set[i] == id {
		return set
	}
	out := make([]string, 0, len(set)+1)
	out = append(out, set[:i]...)
	out = append(out, id)
	return append(out, set[i:]...)
}

func sortedRemove(set []string, id string) ([]string, bool) {
	i := sort.SearchStrings(set, id)
	if i >= len(set) || set[i] != id {
		return set, false
	}
	out := make([]string, 0, len(set)-1)
	out = append(out, set[:i]...)
	return append(out, set[i+1:]...), true
}
