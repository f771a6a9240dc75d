package feed

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// sourceFile is the on-disk shape of the feed definition file.
type sourceFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads feed source definitions from a YAML file.
func LoadSources(path string) ([]Source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var f sourceFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("sources file %s defines no sources", path)
	}
	for i := range f.Sources {
		s := &f.Sources[i]
		if s.ID == "" || s.URL == "" {
			return nil, fmt.Errorf("source %d: id and url are required", i)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
	}
	return f.Sources, nil
}

// DefaultSources returns the built-in hazard feed set, used when no
// sources file is configured. Thresholds follow each provider's reporting
// conventions: GDACS publishes globally significant events only above
// M6.0, USGS's 4.5+ feed needs a higher cut at M5.8 to stay signal.
func DefaultSources() []Source {
	return []Source{
		{
			ID:   "gdacs",
			Name: "GDACS",
			URL:  "https://www.gdacs.org/xml/rss.xml",
			Kind: KindGDACS,
			Filter: FilterRules{
				MinMagnitude:    6.0,
				DropAlertLevels: []string{"green"},
			},
		},
		{
			ID:   "usgs",
			Name: "USGS Magnitude 4.5+ Earthquakes",
			URL:  "https://earthquake.usgs.gov/earthquakes/feed/v1.0/summary/4.5_day.atom",
			Kind: KindUSGS,
			Filter: FilterRules{
				MinMagnitude: 5.8,
			},
		},
		{
			ID:   "reliefweb",
			Name: "ReliefWeb Disasters",
			URL:  "https://reliefweb.int/disasters/rss.xml",
			Kind: KindReliefWeb,
		},
		{
			ID:   "inciweb",
			Name: "InciWeb Incidents",
			URL:  "https://inciweb.wildfire.gov/incidents/rss.xml",
			Kind: KindInciWeb,
		},
		{
			ID:   "noaa-spc",
			Name: "SPC Forecast Products",
			URL:  "https://www.spc.noaa.gov/products/spcrss.xml",
			Kind: KindSPC,
			Filter: FilterRules{
				DropLinkSubstrings:  []string{"/md/", "/outlook/"},
				DropTitlePrefixes:   []string{"spc md"},
				DropTitleSubstrings: []string{"outlook"},
			},
		},
		{
			ID:   "nhc",
			Name: "National Hurricane Center",
			URL:  "https://www.nhc.noaa.gov/index-at.xml",
			Kind: KindNHC,
		},
	}
}
