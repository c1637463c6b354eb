// Package schedule implements the cultivation schedule-conflict detector.
//
// The detector is a pure function over a snapshot of production records: it
// derives a date range per production, then flags pairs on the same land
// whose ranges overlap. It keeps no state and never mutates its input, so it
// can be run against the local mirror at any time, online or offline.
package schedule

import (
	"sort"
	"time"

	"github.com/haidar038/digifarm-sub002/internal/farm"
)

// DefaultCycleDays is the assumed cultivation window when a production has
// neither a harvest date nor an estimate. The window is counted inclusive of
// the planting day, so a crop planted Jan 1 defaults to Jan 1 through Mar 31.
// This mirrors the planner's observed behavior; changing it changes which
// schedules are flagged.
const DefaultCycleDays = 90

// ConflictOverlap is the only conflict type currently produced.
const ConflictOverlap = "overlap"

// DateRange is the inclusive [Start, End] span a production occupies its
// land. Ranges are derived on demand and never persisted. End < Start is not
// prevented by construction; callers of OverlapDays tolerate it.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Conflict reports one overlapping counterpart for a production on the
// same land.
type Conflict struct {
	Type         string    `json:"type"`
	LandID       string    `json:"land_id"`
	ProductionID string    `json:"production_id"`
	OtherID      string    `json:"other_id"`
	OtherRange   DateRange `json:"other_range"`
	OverlapDays  int       `json:"overlap_days"`
}

// RangeOf derives the date range of a production: planting date through
// harvest date, falling back to the estimated harvest date, falling back to
// a DefaultCycleDays window.
func RangeOf(p *farm.Production) DateRange {
	start := p.PlantingDate
	switch {
	case p.HarvestDate != nil:
		return DateRange{Start: start, End: *p.HarvestDate}
	case p.EstimatedHarvestDate != nil:
		return DateRange{Start: start, End: *p.EstimatedHarvestDate}
	default:
		return DateRange{Start: start, End: start.AddDate(0, 0, DefaultCycleDays-1)}
	}
}

// Overlaps reports whether two ranges intersect. Boundaries are inclusive:
// ranges that merely touch at an endpoint count as overlapping.
func Overlaps(a, b DateRange) bool {
	return !a.Start.After(b.End) && !a.End.Before(b.Start)
}

// OverlapDays returns the number of shared days between two ranges, counting
// endpoints inclusively. Non-overlapping pairs return 0, and inverted input
// ranges (end before start) never produce a negative count.
func OverlapDays(a, b DateRange) int {
	start := a.Start
	if b.Start.After(start) {
		start = b.Start
	}
	end := a.End
	if b.End.Before(end) {
		end = b.End
	}
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// DetectConflicts checks a candidate range against the existing productions
// on one land. Records on other lands, the record identified by excludeID
// (typically the one under edit), and harvested productions are ignored.
// One Conflict is reported per overlapping counterpart, ordered by
// counterpart id so output is deterministic regardless of input order.
func DetectConflicts(landID string, r DateRange, existing []*farm.Record, excludeID string) []Conflict {
	var conflicts []Conflict
	for _, rec := range existing {
		p := rec.Production
		if p == nil || p.LandID != landID {
			continue
		}
		if rec.ID == excludeID {
			continue
		}
		if p.Status == farm.StatusHarvested {
			continue
		}
		other := RangeOf(p)
		days := OverlapDays(r, other)
		if days < 1 {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Type:         ConflictOverlap,
			LandID:       landID,
			OtherID:      rec.ID,
			OtherRange:   other,
			OverlapDays:  days,
			ProductionID: excludeID,
		})
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].OtherID < conflicts[j].OtherID
	})
	return conflicts
}

// AllConflicts computes conflicts for every non-terminal production against
// every other production on the same land. Symmetric pairs are recorded from
// both sides on purpose: each record's entry lists what conflicts with it,
// so a UI can answer from any record's perspective.
func AllConflicts(records []*farm.Record) map[string][]Conflict {
	out := make(map[string][]Conflict)
	for _, rec := range records {
		p := rec.Production
		if p == nil || p.Status == farm.StatusHarvested {
			continue
		}
		conflicts := DetectConflicts(p.LandID, RangeOf(p), records, rec.ID)
		if len(conflicts) > 0 {
			out[rec.ID] = conflicts
		}
	}
	return out
}
