// Package alert defines the structured hazard alert model shared across the pipeline.
package alert

import (
	"strings"
	"time"
)

// Severity is an ordered classification of event significance.
type Severity string

const (
	SeverityUnknown  Severity = ""
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityExtreme  Severity = "extreme"
)

var severityRank = map[Severity]int{
	SeverityUnknown:  0,
	SeverityMinor:    1,
	SeverityModerate: 2,
	SeveritySevere:   3,
	SeverityExtreme:  4,
}

// Rank returns the position of the severity in the ordered scale.
// Unknown ranks below minor so max-severity aggregation never loses information.
func (s Severity) Rank() int {
	return severityRank[s]
}

// ParseSeverity maps free-form severity text to a tier. Unrecognized
// values map to SeverityUnknown rather than failing.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minor", "low", "green":
		return SeverityMinor
	case "moderate", "medium", "orange":
		return SeverityModerate
	case "severe", "high", "red":
		return SeveritySevere
	case "extreme", "critical", "catastrophic":
		return SeverityExtreme
	default:
		return SeverityUnknown
	}
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Location is a place affected by an event. Coordinates are optional;
// HasCoords reports whether Lat/Lon carry real values.
type Location struct {
	Name      string  `json:"name"`
	Lat       float64 `json:"lat,omitempty"`
	Lon       float64 `json:"lon,omitempty"`
	HasCoords bool    `json:"has_coords,omitempty"`
}

// StructuredAlert is one classified hazard report extracted from a feed entry.
type StructuredAlert struct {
	EntryID        string     `json:"entry_id"`
	Source         string     `json:"source"`
	Type           string     `json:"disaster_type"`
	Severity       Severity   `json:"severity"`
	SeverityDetail string     `json:"severity_detail,omitempty"`
	Locations      []Location `json:"locations"`
	EventDate      time.Time  `json:"event_date,omitempty"`
	Summary        string     `json:"summary"`
	SourceLinks    []string   `json:"source_links"`
}

// AggregateAlert is a StructuredAlert that has absorbed other reports
// describing the same real-world event. It owns the union of its members'
// source links and locations; severity is the maximum across members.
type AggregateAlert struct {
	StructuredAlert

	ID       string   `json:"id"`
	Members  int      `json:"members"`
	EntryIDs []string `json:"entry_ids"`
}

var typeSynonyms = map[string]string{
	"quake":             "earthquake",
	"seismic event":     "earthquake",
	"tropical cyclone":  "hurricane",
	"tropical storm":    "hurricane",
	"cyclone":           "hurricane",
	"typhoon":           "hurricane",
	"forest fire":       "wildfire",
	"fire":              "wildfire",
	"bushfire":          "wildfire",
	"flooding":          "flood",
	"flash flood":       "flood",
	"volcanic eruption": "volcano",
	"eruption":          "volcano",
	"severe weather":    "severe storm",
	"thunderstorm":      "severe storm",
}

// CanonicalType normalizes a free-form disaster type for comparison.
// Different feeds name the same phenomenon differently (cyclone/typhoon,
// fire/wildfire), so grouping compares canonical forms.
func CanonicalType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if canon, ok := typeSynonyms[t]; ok {
		return canon
	}
	return t
}
