// Package feed models hazard feed sources and their raw entries, and
// fetches them over HTTP.
package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"
)

// SourceKind tags a feed with its provider so source-specific handling
// (severity encodings, magnitude conventions) can key off it.
type SourceKind string

const (
	KindGDACS     SourceKind = "gdacs"
	KindUSGS      SourceKind = "usgs"
	KindReliefWeb SourceKind = "reliefweb"
	KindInciWeb   SourceKind = "inciweb"
	KindSPC       SourceKind = "noaa_spc"
	KindNHC       SourceKind = "nhc"
)

// FilterRules are the structural drop rules for one source. Zero values
// disable a rule; absent entry fields always fail open.
type FilterRules struct {
	// MinMagnitude drops seismic entries strictly below the threshold.
	// An entry exactly at the threshold is kept.
	MinMagnitude float64 `yaml:"min_magnitude"`
	// DropAlertLevels drops entries whose traffic-light alert level
	// matches one of these values (lowercase).
	DropAlertLevels []string `yaml:"drop_alert_levels"`
	// DropLinkSubstrings drops entries whose link contains any of these.
	DropLinkSubstrings []string `yaml:"drop_link_substrings"`
	// DropTitlePrefixes drops entries whose lowercased title starts with any of these.
	DropTitlePrefixes []string `yaml:"drop_title_prefixes"`
	// DropTitleSubstrings drops entries whose lowercased title contains any of these.
	DropTitleSubstrings []string `yaml:"drop_title_substrings"`
}

// Source is one configured feed.
type Source struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name"`
	URL    string      `yaml:"url"`
	Kind   SourceKind  `yaml:"kind"`
	Filter FilterRules `yaml:"filter"`
}

// RawEntry is one item as delivered by a feed. It is immutable once
// fetched; only its fingerprint outlives the pipeline pass.
type RawEntry struct {
	SourceID   string
	SourceName string
	Kind       SourceKind

	Title        string
	Summary      string
	Link         string
	Published    time.Time
	PublishedRaw string

	// AlertLevel is the lowercased GDACS traffic-light level, empty when
	// the source does not encode one or it could not be parsed.
	AlertLevel string
	// Magnitude is the parsed seismic magnitude, nil when absent.
	Magnitude *float64
}

// Fingerprint returns a stable identity for the entry: two fetches of the
// same underlying feed item yield the same value. The link is the primary
// key (feeds keep it stable across refetches); title+published is the
// fallback for the rare entry without one.
func (e *RawEntry) Fingerprint() string {
	h := sha256.New()
	io.WriteString(h, e.SourceID)
	io.WriteString(h, "\n")
	if e.Link != "" {
		io.WriteString(h, e.Link)
	} else {
		io.WriteString(h, e.Title)
		io.WriteString(h, "\n")
		io.WriteString(h, e.PublishedRaw)
	}
	return hex.EncodeToString(h.Sum(nil))
}
