package classify

import (
	"regexp"
	"strings"
	"time"
)

// dateLayouts covers the formats feeds and the model actually emit:
// RFC 822/1123 variants, ISO 8601 with and without offsets, plain
// dates, and the long-form spellings seen in ReliefWeb summaries.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05 UTC",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2 Jan 2006",
	"January 2, 2006",
	"01/02/2006",
}

var embeddedDateRe = regexp.MustCompile(`(\d{4})[-/](\d{1,2})[-/](\d{1,2})`)

// normalizeDate parses free-form date text to a UTC day. It tries the
// known layouts first, then falls back to extracting an embedded
// YYYY-MM-DD pattern (e.g. "Updated: 2024-12-25"). The zero time means
// the date could not be determined.
func normalizeDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return truncateToDay(t)
		}
	}

	if m := embeddedDateRe.FindStringSubmatch(s); m != nil {
		iso := m[1] + "-" + pad2(m[2]) + "-" + pad2(m[3])
		if t, err := time.Parse("2006-01-02", iso); err == nil {
			return truncateToDay(t)
		}
	}

	return time.Time{}
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
