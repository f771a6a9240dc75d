package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/feed"
	"github.com/linnemanlabs/beacon/internal/llm"
	"github.com/linnemanlabs/beacon/internal/prefilter"
	"github.com/linnemanlabs/beacon/internal/retry"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []*llm.Request
	respond  func(req *llm.Request) (*llm.Response, error)
}

func (f *fakeProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeProvider) Model() string { return "fake-model" }

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func textResponse(text string) func(*llm.Request) (*llm.Response, error) {
	return func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text, StopReason: "end_turn"}, nil
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func testRules() prefilter.Rules {
	return prefilter.Rules{
		"gdacs": {MinMagnitude: 6.0, DropAlertLevels: []string{"green"}},
		"usgs":  {MinMagnitude: 5.8},
	}
}

func gdacsEntry(title string) feed.RawEntry {
	return feed.RawEntry{
		SourceID:     "gdacs",
		SourceName:   "GDACS",
		Kind:         feed.KindGDACS,
		Title:        title,
		Summary:      "An event happened.",
		Link:         "https://gdacs.org/report/" + strings.ReplaceAll(title, " ", "-"),
		Published:    time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
		PublishedRaw: "Fri, 14 Mar 2025 09:30:00 GMT",
	}
}

func resultJSON(id string, fields string) string {
	return fmt.Sprintf(`{"results":[{"id":%q,%s}]}`, id, fields)
}

func TestClassify_ExtractsStructuredAlert(t *testing.T) {
	t.Parallel()

	entry := gdacsEntry("Orange earthquake alert Japan")
	p := &fakeProvider{respond: textResponse(resultJSON(entry.Fingerprint(),
		`"disaster_type":"Earthquake","locations":[{"name":"Honshu, Japan","latitude":36.2,"longitude":138.3}],`+
			`"date":"2025-03-14","severity":"severe","severity_detail":"6.8","alert_level":"Orange",`+
			`"summary":"A magnitude 6.8 earthquake struck off Honshu.","significant":true`))}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), []feed.RawEntry{entry})

	if len(out.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 (rejected=%d unprocessed=%d)",
			len(out.Alerts), len(out.Rejected), len(out.Unprocessed))
	}
	a := out.Alerts[0]
	if a.EntryID != entry.Fingerprint() {
		t.Errorf("entry id = %q, want fingerprint", a.EntryID)
	}
	if a.Type != "earthquake" {
		t.Errorf("type = %q, want %q", a.Type, "earthquake")
	}
	if a.Severity != alert.SeveritySevere {
		t.Errorf("severity = %q, want %q", a.Severity, alert.SeveritySevere)
	}
	if a.SeverityDetail != "6.8" {
		t.Errorf("severity detail = %q, want %q", a.SeverityDetail, "6.8")
	}
	want := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	if !a.EventDate.Equal(want) {
		t.Errorf("event date = %v, want %v", a.EventDate, want)
	}
	if len(a.Locations) != 1 || !a.Locations[0].HasCoords {
		t.Fatalf("locations = %+v, want one with coords", a.Locations)
	}
	if a.Locations[0].Name != "Honshu, Japan" || a.Locations[0].Lat != 36.2 {
		t.Errorf("location = %+v", a.Locations[0])
	}
	if len(a.SourceLinks) != 1 || a.SourceLinks[0] != entry.Link {
		t.Errorf("source links = %v, want [%s]", a.SourceLinks, entry.Link)
	}
	if a.Summary != "A magnitude 6.8 earthquake struck off Honshu." {
		t.Errorf("summary = %q", a.Summary)
	}
}

func TestClassify_AlertLevelMapsToSeverityWhenTierMissing(t *testing.T) {
	t.Parallel()

	entry := gdacsEntry("Red tropical cyclone alert")
	p := &fakeProvider{respond: textResponse(resultJSON(entry.Fingerprint(),
		`"disaster_type":"Tropical Cyclone","alert_level":"Red","summary":"Cyclone approaching.","significant":true`))}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), []feed.RawEntry{entry})

	if len(out.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(out.Alerts))
	}
	if out.Alerts[0].Severity != alert.SeveritySevere {
		t.Errorf("severity = %q, want %q (from red alert level)", out.Alerts[0].Severity, alert.SeveritySevere)
	}
}

func TestClassify_PublishedDateFallback(t *testing.T) {
	t.Parallel()

	entry := gdacsEntry("Orange flood alert")
	p := &fakeProvider{respond: textResponse(resultJSON(entry.Fingerprint(),
		`"disaster_type":"flood","summary":"Flooding reported.","significant":true`))}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), []feed.RawEntry{entry})

	if len(out.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(out.Alerts))
	}
	want := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	if !out.Alerts[0].EventDate.Equal(want) {
		t.Errorf("event date = %v, want published day %v", out.Alerts[0].EventDate, want)
	}
}

func TestClassify_OmittedEntryRejected(t *testing.T) {
	t.Parallel()

	entry := gdacsEntry("Not really a hazard")
	p := &fakeProvider{respond: textResponse(`{"results":[]}`)}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), []feed.RawEntry{entry})

	if len(out.Alerts) != 0 || len(out.Unprocessed) != 0 {
		t.Fatalf("alerts = %d, unprocessed = %d, want both 0", len(out.Alerts), len(out.Unprocessed))
	}
	if len(out.Rejected) != 1 {
		t.Fatalf("rejected = %d, want 1", len(out.Rejected))
	}
}

func TestClassify_InsignificantRejected(t *testing.T) {
	t.Parallel()

	entry := gdacsEntry("Minor update")
	p := &fakeProvider{respond: textResponse(resultJSON(entry.Fingerprint(),
		`"disaster_type":"flood","summary":"Routine bulletin.","significant":false`))}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), []feed.RawEntry{entry})

	if len(out.Rejected) != 1 || len(out.Alerts) != 0 {
		t.Fatalf("rejected = %d alerts = %d, want 1/0", len(out.Rejected), len(out.Alerts))
	}
}

func TestClassify_SecondStageMagnitudeDrop(t *testing.T) {
	t.Parallel()

	// No magnitude in the raw entry, so the structural pass kept it.
	// The model recovers M5.2, which is below the source threshold.
	entry := gdacsEntry("Earthquake in the Pacific")
	p := &fakeProvider{respond: textResponse(resultJSON(entry.Fingerprint(),
		`"disaster_type":"earthquake","severity_detail":"M 5.2","summary":"Quake.","significant":true`))}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), []feed.RawEntry{entry})

	if len(out.Rejected) != 1 || len(out.Alerts) != 0 {
		t.Fatalf("rejected = %d alerts = %d, want 1/0", len(out.Rejected), len(out.Alerts))
	}
}

func TestClassify_SecondStageMagnitudeIgnoredForNonEarthquake(t *testing.T) {
	t.Parallel()

	// "Category 4" contains a number below the magnitude threshold but
	// must not be read as a seismic magnitude.
	entry := gdacsEntry("Hurricane approaching")
	p := &fakeProvider{respond: textResponse(resultJSON(entry.Fingerprint(),
		`"disaster_type":"hurricane","severity_detail":"Category 4","summary":"Hurricane.","significant":true`))}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), []feed.RawEntry{entry})

	if len(out.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 (rejected=%d)", len(out.Alerts), len(out.Rejected))
	}
}

func TestClassify_SecondStageAlertLevelDrop(t *testing.T) {
	t.Parallel()

	entry := gdacsEntry("Earthquake alert")
	p := &fakeProvider{respond: textResponse(resultJSON(entry.Fingerprint(),
		`"disaster_type":"earthquake","severity_detail":"6.5","alert_level":"Green","summary":"Quake.","significant":true`))}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), []feed.RawEntry{entry})

	if len(out.Rejected) != 1 || len(out.Alerts) != 0 {
		t.Fatalf("rejected = %d alerts = %d, want 1/0", len(out.Rejected), len(out.Alerts))
	}
}

func TestClassify_FailedBatchUnprocessed(t *testing.T) {
	t.Parallel()

	entries := []feed.RawEntry{gdacsEntry("one"), gdacsEntry("two")}
	p := &fakeProvider{respond: func(*llm.Request) (*llm.Response, error) {
		return nil, errors.New("rate limited")
	}}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), entries)

	if len(out.Unprocessed) != 2 {
		t.Fatalf("unprocessed = %d, want 2", len(out.Unprocessed))
	}
	if len(out.Rejected) != 0 || len(out.Alerts) != 0 {
		t.Errorf("rejected = %d alerts = %d, want both 0", len(out.Rejected), len(out.Alerts))
	}
	if p.calls() != 2 {
		t.Errorf("provider calls = %d, want 2 (one retry)", p.calls())
	}
}

func TestClassify_UnparseableResponseUnprocessed(t *testing.T) {
	t.Parallel()

	entry := gdacsEntry("garbled")
	p := &fakeProvider{respond: textResponse("I could not process these alerts, sorry.")}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), []feed.RawEntry{entry})

	if len(out.Unprocessed) != 1 {
		t.Fatalf("unprocessed = %d, want 1", len(out.Unprocessed))
	}
}

func TestClassify_SplitsIntoBatches(t *testing.T) {
	t.Parallel()

	var entries []feed.RawEntry
	for i := 0; i < 25; i++ {
		entries = append(entries, gdacsEntry(fmt.Sprintf("event %d", i)))
	}
	p := &fakeProvider{respond: textResponse(`{"results":[]}`)}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(context.Background(), entries)

	if p.calls() != 3 {
		t.Errorf("provider calls = %d, want 3", p.calls())
	}
	if len(out.Rejected) != 25 {
		t.Errorf("rejected = %d, want 25", len(out.Rejected))
	}
}

func TestClassify_CancelledContextLeavesRemainderUnprocessed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entries := []feed.RawEntry{gdacsEntry("a"), gdacsEntry("b")}
	p := &fakeProvider{respond: textResponse(`{"results":[]}`)}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	out := x.Classify(ctx, entries)

	if len(out.Unprocessed) != 2 {
		t.Fatalf("unprocessed = %d, want 2", len(out.Unprocessed))
	}
}

func TestClassify_PromptCarriesEntryFields(t *testing.T) {
	t.Parallel()

	entry := gdacsEntry("Orange earthquake alert")
	p := &fakeProvider{respond: textResponse(`{"results":[]}`)}

	x := NewExtractor(p, testRules(), 10, fastPolicy(), nil)
	x.Classify(context.Background(), []feed.RawEntry{entry})

	if p.calls() != 1 {
		t.Fatalf("provider calls = %d, want 1", p.calls())
	}
	prompt := p.requests[0].Prompt
	for _, want := range []string{entry.Fingerprint(), entry.Title, "GDACS", "alert level"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if p.requests[0].System == "" {
		t.Error("expected system prompt to be set")
	}
}

func TestParseResults_Shapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want int
	}{
		{"envelope", `{"results":[{"id":"a"},{"id":"b"}]}`, 2},
		{"bare array", `[{"id":"a"}]`, 1},
		{"single object", `{"id":"a","disaster_type":"flood"}`, 1},
		{"fenced json", "```json\n{\"results\":[{\"id\":\"a\"}]}\n```", 1},
		{"fenced no language", "```\n[{\"id\":\"a\"}]\n```", 1},
		{"empty envelope", `{"results":[]}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseResults(tt.in)
			if err != nil {
				t.Fatalf("parseResults: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseResults_Garbage(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "not json", `{"unrelated":true}`} {
		if _, err := parseResults(in); err == nil {
			t.Errorf("parseResults(%q): expected error", in)
		}
	}
}

func TestMagnitudeFromDetail(t *testing.T) {
	t.Parallel()

	f := func(v float64) *float64 { return &v }
	tests := []struct {
		in   string
		want *float64
	}{
		{"5.7", f(5.7)},
		{"M5.7", f(5.7)},
		{"M 5.7", f(5.7)},
		{"magnitude 6.2", f(6.2)},
		{"Magnitude 6", f(6)},
		{"about 4.9 magnitude", f(4.9)},
		{"", nil},
		{"unknown", nil},
	}

	for _, tt := range tests {
		got := magnitudeFromDetail(tt.in)
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("magnitudeFromDetail(%q) = %v, want nil", tt.in, *got)
		case tt.want != nil && got == nil:
			t.Errorf("magnitudeFromDetail(%q) = nil, want %v", tt.in, *tt.want)
		case tt.want != nil && got != nil && *got != *tt.want:
			t.Errorf("magnitudeFromDetail(%q) = %v, want %v", tt.in, *got, *tt.want)
		}
	}
}

func TestNormalizeDate(t *testing.T) {
	t.Parallel()

	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	tests := []struct {
		in   string
		want time.Time
	}{
		{"Tue, 25 Dec 2023 10:30:00 GMT", day(2023, 12, 25)},
		{"2023-12-25T10:30:00Z", day(2023, 12, 25)},
		{"2023-12-25T10:30:00+09:00", day(2023, 12, 25)},
		{"2023-12-25 10:30:00 UTC", day(2023, 12, 25)},
		{"2023-12-25 10:30:00", day(2023, 12, 25)},
		{"2023-12-25", day(2023, 12, 25)},
		{"25 Dec 2023", day(2023, 12, 25)},
		{"December 25, 2023", day(2023, 12, 25)},
		{"12/25/2023", day(2023, 12, 25)},
		{"Updated: 2023-12-25 per report", day(2023, 12, 25)},
		{"2023/12/5", day(2023, 12, 5)},
		{"", time.Time{}},
		{"sometime last week", time.Time{}},
	}

	for _, tt := range tests {
		got := normalizeDate(tt.in)
		if !got.Equal(tt.want) {
			t.Errorf("normalizeDate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
