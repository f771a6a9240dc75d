// Package classify turns pre-filtered feed entries into structured
// alerts via batched LLM extraction, then applies the source drop rules
// a second time against the extracted fields.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/feed"
	"github.com/linnemanlabs/beacon/internal/llm"
	"github.com/linnemanlabs/beacon/internal/prefilter"
	"github.com/linnemanlabs/beacon/internal/retry"
)

const (
	// DefaultBatchSize is how many entries share one extraction call.
	DefaultBatchSize = 10

	extractionTokens = 4000
	maxSummaryInput  = 1000
)

const extractionSystem = `You extract structured information from natural-hazard feed entries.

For each alert in the input, extract:
- disaster_type: the specific hazard (earthquake, hurricane, wildfire, flood, tornado, etc.)
- locations: affected places, each with a name and decimal latitude/longitude when determinable (null when not)
- date: the event date, YYYY-MM-DD if possible
- severity: one of minor, moderate, severe, extreme
- severity_detail: the raw severity figure (magnitude, category, intensity) when present
- alert_level: for GDACS alerts, the green/orange/red level
- summary: one or two sentences describing what happened
- significant: false when the entry is routine, low-impact, or not an actual hazard event

For earthquakes always extract the exact magnitude into severity_detail ("M5.7" or "magnitude 5.7" becomes "5.7"); check both the title and the summary. For GDACS alerts always extract the alert level.

Respond with only a JSON object of this exact shape, no prose and no code fences:
{"results":[{"id":"...","disaster_type":"...","locations":[{"name":"...","latitude":0,"longitude":0}],"date":"...","severity":"...","severity_detail":"...","alert_level":"...","summary":"...","significant":true}]}

Omit an entry from results only when it is not a hazard report at all.`

// Outcome partitions one classification run. Rejected entries were
// examined and dropped, so recording them as seen is safe; Unprocessed
// entries never reached the model and must be retried on a later pass.
type Outcome struct {
	Alerts      []alert.StructuredAlert
	Rejected    []feed.RawEntry
	Unprocessed []feed.RawEntry
}

// Extractor runs batched extraction against an LLM provider.
type Extractor struct {
	provider  llm.Provider
	rules     prefilter.Rules
	batchSize int
	policy    retry.Policy
	logger    log.Logger
}

// NewExtractor creates an extractor. A batchSize below 1 falls back to
// DefaultBatchSize; a nil logger discards output.
func NewExtractor(provider llm.Provider, rules prefilter.Rules, batchSize int, policy retry.Policy, logger log.Logger) *Extractor {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Extractor{
		provider:  provider,
		rules:     rules,
		batchSize: batchSize,
		policy:    policy,
		logger:    logger.With("component", "classify"),
	}
}

// Classify extracts structured alerts from entries in provider batches.
// A failed batch lands in Unprocessed without aborting the others.
func (x *Extractor) Classify(ctx context.Context, entries []feed.RawEntry) *Outcome {
	out := &Outcome{}

	for start := 0; start < len(entries); start += x.batchSize {
		if ctx.Err() != nil {
			out.Unprocessed = append(out.Unprocessed, entries[start:]...)
			break
		}

		end := start + x.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		x.classifyBatch(ctx, entries[start:end], out)
	}

	return out
}

func (x *Extractor) classifyBatch(ctx context.Context, batch []feed.RawEntry, out *Outcome) {
	resp, err := retry.Do(ctx, x.policy, func() (*llm.Response, error) {
		return x.provider.Complete(ctx, &llm.Request{
			System:    extractionSystem,
			Prompt:    buildExtractionPrompt(batch),
			MaxTokens: extractionTokens,
		})
	})
	if err != nil {
		x.logger.Error(ctx, err, "extraction batch failed", "entries", len(batch))
		out.Unprocessed = append(out.Unprocessed, batch...)
		return
	}

	results, err := parseResults(resp.Text)
	if err != nil {
		x.logger.Error(ctx, err, "unparseable extraction response",
			"entries", len(batch), "output_tokens", resp.OutputTokens)
		out.Unprocessed = append(out.Unprocessed, batch...)
		return
	}

	byID := make(map[string]extractionResult, len(results))
	for _, r := range results {
		if r.ID != "" {
			byID[r.ID] = r
		}
	}

	for i := range batch {
		entry := batch[i]
		res, ok := byID[entry.Fingerprint()]
		if !ok {
			x.logger.Info(ctx, "entry omitted by classifier",
				"source", entry.SourceID, "title", entry.Title)
			out.Rejected = append(out.Rejected, entry)
			continue
		}
		if res.Significant != nil && !*res.Significant {
			x.logger.Info(ctx, "entry classified insignificant",
				"source", entry.SourceID, "title", entry.Title)
			out.Rejected = append(out.Rejected, entry)
			continue
		}

		// Re-apply the source drop rules with the extracted fields
		// backfilled. Structural pre-filtering fails open on missing
		// magnitudes and alert levels; the model often recovers them.
		if rule, dropped := x.recheckRules(&entry, res); dropped {
			x.logger.Info(ctx, "entry dropped after extraction",
				"source", entry.SourceID, "title", entry.Title, "rule", rule)
			out.Rejected = append(out.Rejected, entry)
			continue
		}

		out.Alerts = append(out.Alerts, structuredFromResult(entry, res))
	}
}

// recheckRules re-evaluates the source rules against a copy of the
// entry enriched with model-extracted fields.
func (x *Extractor) recheckRules(entry *feed.RawEntry, res extractionResult) (string, bool) {
	enriched := *entry
	if enriched.AlertLevel == "" && res.AlertLevel != "" {
		enriched.AlertLevel = strings.ToLower(strings.TrimSpace(res.AlertLevel))
	}
	if enriched.Magnitude == nil && alert.CanonicalType(res.DisasterType) == "earthquake" {
		if m := magnitudeFromDetail(res.SeverityDetail); m != nil {
			enriched.Magnitude = m
		}
	}

	v := x.rules.Evaluate(&enriched)
	return v.Rule, !v.Keep
}

func structuredFromResult(entry feed.RawEntry, res extractionResult) alert.StructuredAlert {
	sev := alert.ParseSeverity(res.Severity)
	if sev == alert.SeverityUnknown {
		sev = alert.ParseSeverity(res.AlertLevel)
	}

	typ := strings.ToLower(strings.TrimSpace(res.DisasterType))
	if typ == "" {
		typ = "unknown"
	}

	summary := strings.TrimSpace(res.Summary)
	if summary == "" {
		summary = truncate(entry.Summary, 200)
	}

	eventDate := normalizeDate(res.Date)
	if eventDate.IsZero() && !entry.Published.IsZero() {
		eventDate = truncateToDay(entry.Published)
	}

	sa := alert.StructuredAlert{
		EntryID:        entry.Fingerprint(),
		Source:         entry.SourceName,
		Type:           typ,
		Severity:       sev,
		SeverityDetail: strings.TrimSpace(res.SeverityDetail),
		EventDate:      eventDate,
		Summary:        summary,
	}
	if entry.Link != "" {
		sa.SourceLinks = []string{entry.Link}
	}
	for _, loc := range res.Locations {
		name := strings.TrimSpace(loc.Name)
		if name == "" && (loc.Latitude == nil || loc.Longitude == nil) {
			continue
		}
		l := alert.Location{Name: name}
		if loc.Latitude != nil && loc.Longitude != nil {
			l.Lat = *loc.Latitude
			l.Lon = *loc.Longitude
			l.HasCoords = true
		}
		sa.Locations = append(sa.Locations, l)
	}

	return sa
}

type extractionResult struct {
	ID             string           `json:"id"`
	DisasterType   string           `json:"disaster_type"`
	Locations      []resultLocation `json:"locations"`
	Date           string           `json:"date"`
	Severity       string           `json:"severity"`
	SeverityDetail string           `json:"severity_detail"`
	AlertLevel     string           `json:"alert_level"`
	Summary        string           `json:"summary"`
	Significant    *bool            `json:"significant"`
}

type resultLocation struct {
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// parseResults accepts the documented {"results":[...]} envelope plus
// the shapes models actually produce: a bare array, or a single object.
func parseResults(text string) ([]extractionResult, error) {
	text = stripCodeFences(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	var envelope struct {
		Results []extractionResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err == nil && envelope.Results != nil {
		return envelope.Results, nil
	}

	var list []extractionResult
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		return list, nil
	}

	var single extractionResult
	if err := json.Unmarshal([]byte(text), &single); err == nil && single.ID != "" {
		return []extractionResult{single}, nil
	}

	return nil, fmt.Errorf("response matched no known result shape")
}

// stripCodeFences removes a surrounding ```json ... ``` block if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func buildExtractionPrompt(batch []feed.RawEntry) string {
	var sb strings.Builder
	sb.WriteString("Extract structured details for each of the following alerts.\n")

	for i := range batch {
		e := &batch[i]
		fmt.Fprintf(&sb, "\n--- ALERT %d (ID: %s) ---\n", i+1, e.Fingerprint())
		fmt.Fprintf(&sb, "Source: %s\n", e.SourceName)
		fmt.Fprintf(&sb, "Source Type: %s\n", e.Kind)
		fmt.Fprintf(&sb, "Title: %s\n", e.Title)
		fmt.Fprintf(&sb, "Summary: %s\n", truncate(e.Summary, maxSummaryInput))
		fmt.Fprintf(&sb, "Published: %s\n", e.PublishedRaw)
		if note := sourceNote(e.Kind); note != "" {
			sb.WriteString("Note: " + note + "\n")
		}
	}

	return sb.String()
}

func sourceNote(kind feed.SourceKind) string {
	switch kind {
	case feed.KindSPC:
		return "This is from NOAA SPC. Look for severe weather details, affected regions, and MD numbers."
	case feed.KindNHC:
		return "This is from NHC. Look for tropical cyclone information, basin, and formation probability."
	case feed.KindUSGS:
		return "This is from USGS. Extract the exact magnitude and location; the magnitude is critical for filtering."
	case feed.KindGDACS:
		return "This is from GDACS. Extract the alert level (Green, Orange, Red) into alert_level, and the magnitude for earthquakes."
	default:
		return ""
	}
}

var detailNumberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// magnitudeFromDetail parses a numeric magnitude out of severity detail
// text like "5.7", "M 5.7", or "magnitude 5.7".
func magnitudeFromDetail(s string) *float64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return nil
	}
	s = strings.TrimPrefix(s, "magnitude")
	s = strings.TrimPrefix(s, "m")
	s = strings.TrimSpace(s)

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return &v
	}
	if m := detailNumberRe.FindString(s); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			return &v
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}
