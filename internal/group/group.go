// Package group merges structured alerts that describe the same
// real-world event into aggregate alerts.
package group

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/beacon/internal/alert"
)

// Defaults for event matching. Reports of one event routinely disagree
// on the epicentre by a few hundred kilometres and on the date by a
// day, so matching is deliberately loose inside a type match.
const (
	DefaultWindow   = 24 * time.Hour
	DefaultRadiusKm = 500.0
)

const earthRadiusKm = 6371.0

// Options bound when two alerts are considered the same event.
type Options struct {
	// Window is the maximum spread between event dates. Zero falls back
	// to DefaultWindow.
	Window time.Duration
	// RadiusKm is the maximum distance between located reports. Zero
	// falls back to DefaultRadiusKm.
	RadiusKm float64
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.RadiusKm <= 0 {
		o.RadiusKm = DefaultRadiusKm
	}
	return o
}

// Merge partitions alerts into aggregates by transitive closure: if A
// matches B and B matches C, all three land in one aggregate even when
// A and C do not match directly. Aggregates come back in first-member
// input order, so merging already-aggregated alerts is stable and
// idempotent.
func Merge(alerts []alert.StructuredAlert, opts Options) []alert.AggregateAlert {
	if len(alerts) == 0 {
		return nil
	}
	opts = opts.withDefaults()

	parent := make([]int, len(alerts))
	for i := range parent {
		parent[i] = i
	}

	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if rb < ra {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}

	for i := 0; i < len(alerts); i++ {
		for j := i + 1; j < len(alerts); j++ {
			if sameEvent(&alerts[i], &alerts[j], opts) {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]int)
	var roots []int
	for i := range alerts {
		r := find(i)
		if _, seen := byRoot[r]; !seen {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], i)
	}

	out := make([]alert.AggregateAlert, 0, len(roots))
	for _, r := range roots {
		members := make([]alert.StructuredAlert, 0, len(byRoot[r]))
		for _, idx := range byRoot[r] {
			members = append(members, alerts[idx])
		}
		out = append(out, aggregate(members))
	}
	return out
}

// sameEvent reports whether two alerts plausibly describe one event:
// same canonical type, event dates within the window, and compatible
// locations.
func sameEvent(a, b *alert.StructuredAlert, opts Options) bool {
	if alert.CanonicalType(a.Type) != alert.CanonicalType(b.Type) {
		return false
	}
	if !datesWithin(a.EventDate, b.EventDate, opts.Window) {
		return false
	}
	return locationsCompatible(a.Locations, b.Locations, opts.RadiusKm)
}

// datesWithin fails open on missing dates: an undated report never
// blocks a merge.
func datesWithin(a, b time.Time, window time.Duration) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// locationsCompatible matches on shared place names or on coordinate
// proximity. A side with no location information fails open.
func locationsCompatible(a, b []alert.Location, radiusKm float64) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}

	for _, la := range a {
		for _, lb := range b {
			if la.Name != "" && lb.Name != "" &&
				strings.EqualFold(strings.TrimSpace(la.Name), strings.TrimSpace(lb.Name)) {
				return true
			}
			if la.HasCoords && lb.HasCoords &&
				haversineKm(la.Lat, la.Lon, lb.Lat, lb.Lon) <= radiusKm {
				return true
			}
		}
	}
	return false
}

// haversineKm returns the great-circle distance between two points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180

	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat + math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*sinLon*sinLon
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// aggregate folds members into one alert. Members arrive in input
// order; every derived field is deterministic in that order.
func aggregate(members []alert.StructuredAlert) alert.AggregateAlert {
	rep := chooseRepresentative(members)

	agg := alert.AggregateAlert{
		StructuredAlert: alert.StructuredAlert{
			EntryID:        rep.EntryID,
			Type:           alert.CanonicalType(rep.Type),
			Summary:        rep.Summary,
			SeverityDetail: rep.SeverityDetail,
		},
		ID:      ulid.Make().String(),
		Members: len(members),
	}

	seenSources := map[string]bool{}
	seenLinks := map[string]bool{}
	seenLocs := map[string]bool{}
	var sources []string

	for i := range members {
		m := &members[i]

		agg.EntryIDs = append(agg.EntryIDs, m.EntryID)
		agg.Severity = alert.MaxSeverity(agg.Severity, m.Severity)

		if !m.EventDate.IsZero() &&
			(agg.EventDate.IsZero() || m.EventDate.Before(agg.EventDate)) {
			agg.EventDate = m.EventDate
		}

		if m.Source != "" && !seenSources[m.Source] {
			seenSources[m.Source] = true
			sources = append(sources, m.Source)
		}
		for _, link := range m.SourceLinks {
			if link != "" && !seenLinks[link] {
				seenLinks[link] = true
				agg.SourceLinks = append(agg.SourceLinks, link)
			}
		}
		for _, loc := range m.Locations {
			key := locationKey(loc)
			if !seenLocs[key] {
				seenLocs[key] = true
				agg.Locations = append(agg.Locations, loc)
			}
		}

		if agg.SeverityDetail == "" {
			agg.SeverityDetail = m.SeverityDetail
		}
	}

	agg.Source = strings.Join(sources, ", ")
	return agg
}

// chooseRepresentative picks the member whose summary carries the
// alert: longest summary wins, ties go to the earliest event date
// (undated last), remaining ties to input order.
func chooseRepresentative(members []alert.StructuredAlert) *alert.StructuredAlert {
	best := &members[0]
	for i := 1; i < len(members); i++ {
		m := &members[i]
		switch {
		case len(m.Summary) > len(best.Summary):
			best = m
		case len(m.Summary) == len(best.Summary) && dateBefore(m.EventDate, best.EventDate):
			best = m
		}
	}
	return best
}

func dateBefore(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	if b.IsZero() {
		return true
	}
	return a.Before(b)
}

func locationKey(loc alert.Location) string {
	key := strings.ToLower(strings.TrimSpace(loc.Name))
	if loc.HasCoords {
		key += "|" + strconv.FormatFloat(loc.Lat, 'f', 4, 64) +
			"," + strconv.FormatFloat(loc.Lon, 'f', 4, 64)
	}
	return key
}
