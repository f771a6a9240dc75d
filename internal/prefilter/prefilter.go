// Package prefilter drops known-low-value feed entries on raw fields
// alone, before any expensive classification. Rules are pure field
// comparisons driven by per-source configuration; an entry with a missing
// or unparseable field is never dropped by the rule that needed it.
package prefilter

import (
	"strings"

	"github.com/linnemanlabs/beacon/internal/feed"
)

// Rules maps source ID to that source's structural drop rules.
type Rules map[string]feed.FilterRules

// FromSources builds the rule table from configured sources.
func FromSources(sources []feed.Source) Rules {
	r := make(Rules, len(sources))
	for _, s := range sources {
		r[s.ID] = s.Filter
	}
	return r
}

// Verdict is the outcome of evaluating one entry. Rule names the first
// rule that rejected the entry, empty when kept.
type Verdict struct {
	Keep bool
	Rule string
}

// Evaluate applies the entry's source rules. All rules must pass for the
// entry to be kept; rule order does not matter. Sources without rules keep
// everything.
func (r Rules) Evaluate(e *feed.RawEntry) Verdict {
	rules, ok := r[e.SourceID]
	if !ok {
		return Verdict{Keep: true}
	}

	if e.AlertLevel != "" {
		for _, level := range rules.DropAlertLevels {
			if strings.EqualFold(e.AlertLevel, level) {
				return Verdict{Rule: "alert_level"}
			}
		}
	}

	// Strictly below the threshold drops; exactly at the threshold keeps.
	// A nil magnitude fails open: absence of data is not evidence of low
	// severity.
	if rules.MinMagnitude > 0 && e.Magnitude != nil && *e.Magnitude < rules.MinMagnitude {
		return Verdict{Rule: "magnitude"}
	}

	link := strings.ToLower(e.Link)
	for _, sub := range rules.DropLinkSubstrings {
		if sub != "" && strings.Contains(link, strings.ToLower(sub)) {
			return Verdict{Rule: "report_type"}
		}
	}

	title := strings.ToLower(e.Title)
	for _, prefix := range rules.DropTitlePrefixes {
		if prefix != "" && strings.HasPrefix(title, strings.ToLower(prefix)) {
			return Verdict{Rule: "report_type"}
		}
	}
	for _, sub := range rules.DropTitleSubstrings {
		if sub != "" && strings.Contains(title, strings.ToLower(sub)) {
			return Verdict{Rule: "report_type"}
		}
	}

	return Verdict{Keep: true}
}
