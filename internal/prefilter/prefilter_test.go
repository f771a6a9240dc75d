package prefilter

import (
	"testing"

	"github.com/linnemanlabs/beacon/internal/feed"
)

func testRules() Rules {
	return FromSources([]feed.Source{
		{
			ID:   "gdacs",
			Kind: feed.KindGDACS,
			Filter: feed.FilterRules{
				MinMagnitude:    6.0,
				DropAlertLevels: []string{"green"},
			},
		},
		{
			ID:   "usgs",
			Kind: feed.KindUSGS,
			Filter: feed.FilterRules{
				MinMagnitude: 5.8,
			},
		},
		{
			ID:   "noaa-spc",
			Kind: feed.KindSPC,
			Filter: feed.FilterRules{
				DropLinkSubstrings:  []string{"/md/", "/outlook/"},
				DropTitlePrefixes:   []string{"spc md"},
				DropTitleSubstrings: []string{"outlook"},
			},
		},
	})
}

func mag(v float64) *float64 { return &v }

func TestEvaluate_MagnitudeThresholdBoundaries(t *testing.T) {
	t.Parallel()

	rules := testRules()

	tests := []struct {
		name     string
		source   string
		mag      *float64
		wantKeep bool
		wantRule string
	}{
		{"gdacs at threshold kept", "gdacs", mag(6.0), true, ""},
		{"gdacs below threshold dropped", "gdacs", mag(5.9), false, "magnitude"},
		{"gdacs above threshold kept", "gdacs", mag(6.1), true, ""},
		{"usgs at threshold kept", "usgs", mag(5.8), true, ""},
		{"usgs below threshold dropped", "usgs", mag(5.7), false, "magnitude"},
		{"usgs above threshold kept", "usgs", mag(5.9), true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &feed.RawEntry{SourceID: tt.source, Magnitude: tt.mag}
			v := rules.Evaluate(e)
			if v.Keep != tt.wantKeep {
				t.Errorf("Keep = %v, want %v", v.Keep, tt.wantKeep)
			}
			if v.Rule != tt.wantRule {
				t.Errorf("Rule = %q, want %q", v.Rule, tt.wantRule)
			}
		})
	}
}

func TestEvaluate_MissingMagnitudeFailsOpen(t *testing.T) {
	t.Parallel()

	rules := testRules()
	e := &feed.RawEntry{SourceID: "usgs", Title: "Earthquake near the coast"}

	if v := rules.Evaluate(e); !v.Keep {
		t.Errorf("entry without magnitude dropped by rule %q, want kept", v.Rule)
	}
}

func TestEvaluate_GreenAlertDropped(t *testing.T) {
	t.Parallel()

	rules := testRules()

	e := &feed.RawEntry{SourceID: "gdacs", AlertLevel: "green", Title: "Green earthquake alert"}
	if v := rules.Evaluate(e); v.Keep {
		t.Error("green alert kept, want dropped")
	} else if v.Rule != "alert_level" {
		t.Errorf("Rule = %q, want alert_level", v.Rule)
	}

	e = &feed.RawEntry{SourceID: "gdacs", AlertLevel: "orange", Magnitude: mag(6.5)}
	if v := rules.Evaluate(e); !v.Keep {
		t.Errorf("orange alert dropped by rule %q, want kept", v.Rule)
	}

	// Missing alert level fails open.
	e = &feed.RawEntry{SourceID: "gdacs", Title: "Flood in coastal region"}
	if v := rules.Evaluate(e); !v.Keep {
		t.Errorf("entry without alert level dropped by rule %q, want kept", v.Rule)
	}
}

func TestEvaluate_LowValueReportTypes(t *testing.T) {
	t.Parallel()

	rules := testRules()

	tests := []struct {
		name     string
		entry    feed.RawEntry
		wantKeep bool
	}{
		{
			"mesoscale discussion link dropped",
			feed.RawEntry{SourceID: "noaa-spc", Link: "https://www.spc.noaa.gov/products/md/md1234.html"},
			false,
		},
		{
			"outlook link dropped",
			feed.RawEntry{SourceID: "noaa-spc", Link: "https://www.spc.noaa.gov/products/outlook/day1otlk.html"},
			false,
		},
		{
			"md title dropped",
			feed.RawEntry{SourceID: "noaa-spc", Title: "SPC MD 1234"},
			false,
		},
		{
			"outlook title dropped",
			feed.RawEntry{SourceID: "noaa-spc", Title: "Day 2 Convective Outlook"},
			false,
		},
		{
			"watch kept",
			feed.RawEntry{SourceID: "noaa-spc", Title: "Tornado Watch 88", Link: "https://www.spc.noaa.gov/products/watch/ww0088.html"},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := rules.Evaluate(&tt.entry); v.Keep != tt.wantKeep {
				t.Errorf("Keep = %v, want %v", v.Keep, tt.wantKeep)
			}
		})
	}
}

func TestEvaluate_UnknownSourceKeepsEverything(t *testing.T) {
	t.Parallel()

	rules := testRules()
	e := &feed.RawEntry{SourceID: "reliefweb", Title: "Outlook for the region", Magnitude: mag(1.0)}

	if v := rules.Evaluate(e); !v.Keep {
		t.Errorf("entry for unconfigured source dropped by rule %q, want kept", v.Rule)
	}
}
