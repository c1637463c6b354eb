// Package farm provides the data model for the offline data layer: the
// three record collections (lands, productions, activities) mirrored from
// the remote store, wrapped in a tagged Record envelope.
//
// The envelope carries the sync bookkeeping fields (local version, dirty
// flag, server timestamp) while the per-type bodies stay plain JSON-friendly
// structs. Store and queue logic is written once against the envelope and
// never switches on the concrete body outside this package.
package farm

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies one of the mirrored collections.
type Type string

const (
	TypeLand       Type = "land"
	TypeProduction Type = "production"
	TypeActivity   Type = "activity"
)

// Types lists all mirrored collections in a stable order.
var Types = []Type{TypeLand, TypeProduction, TypeActivity}

// Valid reports whether t names a known collection.
func (t Type) Valid() bool {
	switch t {
	case TypeLand, TypeProduction, TypeActivity:
		return true
	}
	return false
}

// Production status values. StatusHarvested is terminal: harvested
// productions are excluded from schedule-conflict checks.
const (
	StatusPlanned   = "planned"
	StatusGrowing   = "growing"
	StatusHarvested = "harvested"
)

// Land is a plot of farmland. Lands are the grouping key for
// schedule-conflict detection.
type Land struct {
	Name     string  `json:"name"`
	AreaHa   float64 `json:"area_ha,omitempty"`
	Location string  `json:"location,omitempty"`
	SoilType string  `json:"soil_type,omitempty"`
}

// Production is one cultivation cycle on a land parcel.
type Production struct {
	LandID               string     `json:"land_id"`
	Commodity            string     `json:"commodity"`
	PlantingDate         time.Time  `json:"planting_date"`
	HarvestDate          *time.Time `json:"harvest_date,omitempty"`
	EstimatedHarvestDate *time.Time `json:"estimated_harvest_date,omitempty"`
	Quantity             *float64   `json:"quantity,omitempty"`
	Unit                 string     `json:"unit,omitempty"`
	Status               string     `json:"status"`
}

// Activity is a single field activity (irrigation, fertilizing, pest
// control, ...) logged against a land and optionally a production.
type Activity struct {
	LandID       string    `json:"land_id"`
	ProductionID string    `json:"production_id,omitempty"`
	Kind         string    `json:"kind"`
	Date         time.Time `json:"date"`
	Notes        string    `json:"notes,omitempty"`
	Cost         *float64  `json:"cost,omitempty"`
}

// Record is the tagged envelope stored in the local mirror. Exactly one of
// Land, Production, Activity is non-nil, matching Type.
type Record struct {
	Type Type
	ID   string

	// UpdatedAt is the server-authoritative last-write timestamp. It is nil
	// for records created locally that have never reached the remote.
	UpdatedAt *time.Time

	// RemoteVersion is the last server row version this copy was synced
	// against. Zero before first sync.
	RemoteVersion int64

	// LocalVersion counts local mutations. It is incremented on every local
	// put or remove and is used to tell a diverged copy from the last
	// known synced one.
	LocalVersion int64

	// Dirty marks a copy with unconfirmed local changes.
	Dirty bool

	// Deleted marks a local tombstone: the record was deleted by the user
	// but the delete has not been confirmed remotely yet.
	Deleted bool

	Land       *Land
	Production *Production
	Activity   *Activity
}

// Validate checks the envelope invariants: known type, non-empty id, and a
// body matching the tag.
func (r *Record) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown record type %q", r.Type)
	}
	if r.ID == "" {
		return fmt.Errorf("record id is required")
	}
	bodies := 0
	if r.Land != nil {
		bodies++
		if r.Type != TypeLand {
			return fmt.Errorf("record %s has land body but type %q", r.ID, r.Type)
		}
	}
	if r.Production != nil {
		bodies++
		if r.Type != TypeProduction {
			return fmt.Errorf("record %s has production body but type %q", r.ID, r.Type)
		}
		if r.Production.LandID == "" {
			return fmt.Errorf("production %s: land_id is required", r.ID)
		}
		if r.Production.PlantingDate.IsZero() {
			return fmt.Errorf("production %s: planting_date is required", r.ID)
		}
	}
	if r.Activity != nil {
		bodies++
		if r.Type != TypeActivity {
			return fmt.Errorf("record %s has activity body but type %q", r.ID, r.Type)
		}
		if r.Activity.LandID == "" {
			return fmt.Errorf("activity %s: land_id is required", r.ID)
		}
	}
	if bodies != 1 {
		return fmt.Errorf("record %s must carry exactly one body (got %d)", r.ID, bodies)
	}
	return nil
}

// Payload marshals the record body (without envelope fields) to JSON. This
// is the shape persisted in the mirror and sent over the transport.
func (r *Record) Payload() (json.RawMessage, error) {
	var body any
	switch r.Type {
	case TypeLand:
		body = r.Land
	case TypeProduction:
		body = r.Production
	case TypeActivity:
		body = r.Activity
	default:
		return nil, fmt.Errorf("unknown record type %q", r.Type)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s %s: %w", r.Type, r.ID, err)
	}
	return data, nil
}

// FromPayload builds a Record of the given type from a JSON body. The
// envelope sync fields are left at their zero values for the caller to fill.
func FromPayload(t Type, id string, payload json.RawMessage) (*Record, error) {
	rec := &Record{Type: t, ID: id}
	var err error
	switch t {
	case TypeLand:
		rec.Land = &Land{}
		err = json.Unmarshal(payload, rec.Land)
	case TypeProduction:
		rec.Production = &Production{}
		err = json.Unmarshal(payload, rec.Production)
	case TypeActivity:
		rec.Activity = &Activity{}
		err = json.Unmarshal(payload, rec.Activity)
	default:
		return nil, fmt.Errorf("unknown record type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload for %s: %w", t, id, err)
	}
	return rec, nil
}

// ReferenceField returns the JSON field name other records use to point at
// records of type t, or "" if nothing references that type. Used when a
// client-generated id is remapped to a server id and payload references
// must be rewritten along with it.
func (t Type) ReferenceField() string {
	switch t {
	case TypeLand:
		return "land_id"
	case TypeProduction:
		return "production_id"
	}
	return ""
}
