package slack

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
)

const maxSummaryLen = 3000

// typeEmoji maps canonical disaster types to their channel icons.
var typeEmoji = map[string]string{
	"earthquake":   "\U0001f30d",       // globe
	"flood":        "\U0001f30a",       // wave
	"wildfire":     "\U0001f525",       // fire
	"hurricane":    "\U0001f300",       // cyclone
	"tornado":      "\U0001f32a️", // tornado
	"severe storm": "⛈️",     // storm cloud
	"volcano":      "\U0001f30b",       // volcano
	"blizzard":     "❄️",     // snowflake
	"drought":      "☀️",     // sun
	"heatwave":     "☀️",     // sun
	"landslide":    "⛰️",     // mountain
	"tsunami":      "\U0001f30a",       // wave
}

// BuildMessage renders an aggregate alert as a Slack Block Kit payload.
// The output is fully determined by its inputs, so a redelivered alert
// produces an identical message.
func BuildMessage(agg *alert.AggregateAlert, at time.Time) map[string]any {
	blocks := []map[string]any{
		headerBlock(agg),
		{"type": "divider"},
		fieldsBlock(agg),
		summaryBlock(agg),
	}
	if links := linksBlock(agg); links != nil {
		blocks = append(blocks, links)
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(agg, at))

	return map[string]any{"blocks": blocks}
}

func headerBlock(agg *alert.AggregateAlert) map[string]any {
	emoji := typeEmoji[alert.CanonicalType(agg.Type)]
	if emoji == "" {
		emoji = "\U0001f6a8" // rotating light
	}

	title := titleCase(agg.Type)
	if agg.SeverityDetail != "" {
		title = fmt.Sprintf("%s (%s)", title, agg.SeverityDetail)
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type":  "plain_text",
			"text":  fmt.Sprintf("%s %s", emoji, title),
			"emoji": true,
		},
	}
}

func fieldsBlock(agg *alert.AggregateAlert) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s %s", severityMarker(agg.Severity), severityLabel(agg.Severity)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Date:* %s", dateLabel(agg.EventDate)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Location:* %s", locationLabel(agg.Locations)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Reports:* %d (%s)", agg.Members, agg.Source),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(agg *alert.AggregateAlert) map[string]any {
	text := truncate(agg.Summary, maxSummaryLen)
	if text == "" {
		text = "_No summary available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func linksBlock(agg *alert.AggregateAlert) map[string]any {
	if len(agg.SourceLinks) == 0 {
		return nil
	}

	parts := make([]string, 0, len(agg.SourceLinks))
	for i, link := range agg.SourceLinks {
		parts = append(parts, fmt.Sprintf("<%s|Source %d>", escapeLinkURL(link), i+1))
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": strings.Join(parts, "  •  "),
		},
	}
}

func contextBlock(agg *alert.AggregateAlert, at time.Time) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("beacon • alert %s • %s", agg.ID, at.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

// severityMarker mirrors the traffic-light levels the upstream feeds use.
func severityMarker(s alert.Severity) string {
	switch s {
	case alert.SeverityExtreme, alert.SeveritySevere:
		return "\U0001f534" // red circle
	case alert.SeverityModerate:
		return "\U0001f7e0" // orange circle
	case alert.SeverityMinor:
		return "\U0001f7e2" // green circle
	default:
		return "⚪" // white circle
	}
}

func severityLabel(s alert.Severity) string {
	if s == alert.SeverityUnknown {
		return "Unknown"
	}
	return titleCase(string(s))
}

func dateLabel(t time.Time) string {
	if t.IsZero() {
		return "Unknown"
	}
	return t.UTC().Format("2006-01-02")
}

func locationLabel(locs []alert.Location) string {
	var names []string
	for _, loc := range locs {
		if loc.Name != "" {
			names = append(names, loc.Name)
		}
	}
	if len(names) == 0 {
		return "Unknown"
	}
	return strings.Join(names, "; ")
}

// escapeLinkURL encodes the characters Slack's <url|label> syntax
// reserves. A raw pipe inside the URL would truncate the link.
func escapeLinkURL(u string) string {
	u = strings.ReplaceAll(u, "|", "%7C")
	u = strings.ReplaceAll(u, "<", "%3C")
	u = strings.ReplaceAll(u, ">", "%3E")
	return u
}

func titleCase(s string) string {
	words := strings.Fields(strings.TrimSpace(s))
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	if len(words) == 0 {
		return "Unknown"
	}
	return strings.Join(words, " ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
