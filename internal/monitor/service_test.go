package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/classify"
	"github.com/linnemanlabs/beacon/internal/feed"
	"github.com/linnemanlabs/beacon/internal/retry"
	"github.com/linnemanlabs/beacon/internal/seen"
	"github.com/linnemanlabs/beacon/internal/seen/memstore"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	entries []feed.RawEntry
	errs    []feed.FetchError
}

func (f *fakeFetcher) FetchAll(context.Context, []feed.Source) ([]feed.RawEntry, []feed.FetchError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]feed.RawEntry, len(f.entries))
	copy(out, f.entries)
	return out, f.errs
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// structuringClassifier turns every entry into a structured alert for
// one shared event, so grouping merges them.
type structuringClassifier struct {
	mu    sync.Mutex
	seen  [][]feed.RawEntry
	apply func(e *feed.RawEntry) *classify.Outcome
}

func (c *structuringClassifier) Classify(_ context.Context, entries []feed.RawEntry) *classify.Outcome {
	c.mu.Lock()
	c.seen = append(c.seen, entries)
	c.mu.Unlock()

	out := &classify.Outcome{}
	for i := range entries {
		e := entries[i]
		if c.apply != nil {
			sub := c.apply(&e)
			out.Alerts = append(out.Alerts, sub.Alerts...)
			out.Rejected = append(out.Rejected, sub.Rejected...)
			out.Unprocessed = append(out.Unprocessed, sub.Unprocessed...)
			continue
		}
		out.Alerts = append(out.Alerts, alert.StructuredAlert{
			EntryID:     e.Fingerprint(),
			Source:      e.SourceName,
			Type:        "earthquake",
			Severity:    alert.SeveritySevere,
			Locations:   []alert.Location{{Name: "Honshu, Japan"}},
			EventDate:   time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
			Summary:     "Earthquake near Honshu: " + e.Title,
			SourceLinks: []string{e.Link},
		})
	}
	return out
}

func (c *structuringClassifier) batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

type passthroughSummarizer struct{}

func (passthroughSummarizer) Summarize(_ context.Context, agg *alert.AggregateAlert, _ []alert.StructuredAlert) string {
	return agg.Summary
}

type fakeDeliverer struct {
	mu       sync.Mutex
	sent     []map[string]any
	errTexts []string
	failAll  bool
}

func (d *fakeDeliverer) Send(_ context.Context, msg map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAll {
		return errors.New("webhook down")
	}
	d.sent = append(d.sent, msg)
	return nil
}

func (d *fakeDeliverer) SendError(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errTexts = append(d.errTexts, text)
	return nil
}

func (d *fakeDeliverer) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *fakeDeliverer) errCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.errTexts)
}

// failingStore wraps a working store and fails one operation.
type failingStore struct {
	seen.Store
	failHasSeen bool
	failPrune   bool
}

func (s *failingStore) HasSeen(ctx context.Context, id string) (bool, error) {
	if s.failHasSeen {
		return false, errors.New("store unavailable")
	}
	return s.Store.HasSeen(ctx, id)
}

func (s *failingStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.failPrune {
		return 0, errors.New("store unavailable")
	}
	return s.Store.Prune(ctx, olderThan)
}

func testEntry(id int) feed.RawEntry {
	return feed.RawEntry{
		SourceID:   "gdacs",
		SourceName: "GDACS",
		Kind:       feed.KindGDACS,
		Title:      fmt.Sprintf("Orange earthquake alert %d", id),
		Link:       fmt.Sprintf("https://gdacs.org/report/%d", id),
		Published:  time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func testSources() []feed.Source {
	return []feed.Source{{
		ID:   "gdacs",
		Name: "GDACS",
		URL:  "https://gdacs.org/xml/rss.xml",
		Kind: feed.KindGDACS,
		Filter: feed.FilterRules{
			MinMagnitude:    6.0,
			DropAlertLevels: []string{"green"},
		},
	}}
}

func newTestService(f Fetcher, c Classifier, d Deliverer, store seen.Store) *Service {
	return New(f, c, passthroughSummarizer{}, d, store, Options{
		Sources:       testSources(),
		DeliveryRetry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, nil, nil)
}

func TestRunPass_MergesAndDeliversOnce(t *testing.T) {
	t.Parallel()

	e1, e2 := testEntry(1), testEntry(2)
	fetcher := &fakeFetcher{entries: []feed.RawEntry{e1, e2}}
	classifier := &structuringClassifier{}
	deliverer := &fakeDeliverer{}
	store := memstore.New()

	svc := newTestService(fetcher, classifier, deliverer, store)
	report, err := svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if deliverer.sentCount() != 1 {
		t.Errorf("sent = %d, want 1 merged message", deliverer.sentCount())
	}
	if report.Fetched != 2 || report.Classified != 2 || report.Groups != 1 || report.Delivered != 1 {
		t.Errorf("report = %+v", report)
	}

	for _, e := range []feed.RawEntry{e1, e2} {
		ok, err := store.HasSeen(context.Background(), e.Fingerprint())
		if err != nil {
			t.Fatalf("HasSeen: %v", err)
		}
		if !ok {
			t.Errorf("entry %s not marked seen after delivery", e.Link)
		}
	}

	if last := svc.LatestPass(); last == nil || last.ID != report.ID {
		t.Error("LatestPass does not match returned report")
	}
	if recent := svc.RecentAlerts(); len(recent) != 1 || recent[0].Members != 2 {
		t.Errorf("recent = %+v, want one aggregate with 2 members", recent)
	}
}

func TestRunPass_SecondPassSkipsDelivered(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{entries: []feed.RawEntry{testEntry(1), testEntry(2)}}
	classifier := &structuringClassifier{}
	deliverer := &fakeDeliverer{}
	store := memstore.New()

	svc := newTestService(fetcher, classifier, deliverer, store)
	if _, err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	report, err := svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if report.AlreadySeen != 2 {
		t.Errorf("already_seen = %d, want 2", report.AlreadySeen)
	}
	if deliverer.sentCount() != 1 {
		t.Errorf("sent = %d, want still 1", deliverer.sentCount())
	}
	if classifier.batches() != 1 {
		t.Errorf("classifier batches = %d, want 1 (second pass all seen)", classifier.batches())
	}
}

func TestRunPass_DeliveryFailureLeavesEntriesFresh(t *testing.T) {
	t.Parallel()

	e1 := testEntry(1)
	fetcher := &fakeFetcher{entries: []feed.RawEntry{e1}}
	classifier := &structuringClassifier{}
	deliverer := &fakeDeliverer{failAll: true}
	store := memstore.New()

	svc := newTestService(fetcher, classifier, deliverer, store)
	report, err := svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if report.DeliveryFailures != 1 || report.Delivered != 0 {
		t.Errorf("report = %+v, want one delivery failure", report)
	}
	if ok, _ := store.HasSeen(context.Background(), e1.Fingerprint()); ok {
		t.Error("entry marked seen despite failed delivery")
	}

	// The event reappears on the next pass once delivery recovers.
	deliverer.mu.Lock()
	deliverer.failAll = false
	deliverer.mu.Unlock()

	report, err = svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if report.Delivered != 1 {
		t.Errorf("delivered = %d, want 1 on retry pass", report.Delivered)
	}
}

func TestRunPass_RejectedMarkedSeen(t *testing.T) {
	t.Parallel()

	e1 := testEntry(1)
	fetcher := &fakeFetcher{entries: []feed.RawEntry{e1}}
	classifier := &structuringClassifier{apply: func(e *feed.RawEntry) *classify.Outcome {
		return &classify.Outcome{Rejected: []feed.RawEntry{*e}}
	}}
	deliverer := &fakeDeliverer{}
	store := memstore.New()

	svc := newTestService(fetcher, classifier, deliverer, store)
	if _, err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if ok, _ := store.HasSeen(context.Background(), e1.Fingerprint()); !ok {
		t.Error("rejected entry not marked seen")
	}
	if deliverer.sentCount() != 0 {
		t.Errorf("sent = %d, want 0", deliverer.sentCount())
	}

	report, err := svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if report.AlreadySeen != 1 {
		t.Errorf("already_seen = %d, want 1", report.AlreadySeen)
	}
}

func TestRunPass_UnprocessedRetriesNextPass(t *testing.T) {
	t.Parallel()

	e1 := testEntry(1)
	fetcher := &fakeFetcher{entries: []feed.RawEntry{e1}}
	classifier := &structuringClassifier{apply: func(e *feed.RawEntry) *classify.Outcome {
		return &classify.Outcome{Unprocessed: []feed.RawEntry{*e}}
	}}
	store := memstore.New()

	svc := newTestService(fetcher, classifier, &fakeDeliverer{}, store)
	if _, err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if ok, _ := store.HasSeen(context.Background(), e1.Fingerprint()); ok {
		t.Error("unprocessed entry must not be marked seen")
	}

	if _, err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if classifier.batches() != 2 {
		t.Errorf("classifier batches = %d, want 2 (entry retried)", classifier.batches())
	}
}

func TestRunPass_StructuralDropNeverReachesClassifier(t *testing.T) {
	t.Parallel()

	green := testEntry(1)
	green.AlertLevel = "green"
	fetcher := &fakeFetcher{entries: []feed.RawEntry{green}}
	classifier := &structuringClassifier{}
	store := memstore.New()

	svc := newTestService(fetcher, classifier, &fakeDeliverer{}, store)
	report, err := svc.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if report.Prefiltered != 1 {
		t.Errorf("prefiltered = %d, want 1", report.Prefiltered)
	}
	if classifier.batches() != 0 {
		t.Errorf("classifier batches = %d, want 0", classifier.batches())
	}
	// Structural drops are stateless: no seen record is written.
	if ok, _ := store.HasSeen(context.Background(), green.Fingerprint()); ok {
		t.Error("prefiltered entry must not be marked seen")
	}
}

func TestRunPass_SeenStoreFailureAborts(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{entries: []feed.RawEntry{testEntry(1)}}
	classifier := &structuringClassifier{}
	deliverer := &fakeDeliverer{}
	store := &failingStore{Store: memstore.New(), failHasSeen: true}

	svc := newTestService(fetcher, classifier, deliverer, store)
	report, err := svc.RunPass(context.Background())
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if report.Outcome != "error" {
		t.Errorf("outcome = %q, want error", report.Outcome)
	}
	if deliverer.sentCount() != 0 {
		t.Errorf("sent = %d, want 0", deliverer.sentCount())
	}
}

func TestRunPass_PruneFailureAborts(t *testing.T) {
	t.Parallel()

	store := &failingStore{Store: memstore.New(), failPrune: true}
	svc := newTestService(&fakeFetcher{}, &structuringClassifier{}, &fakeDeliverer{}, store)

	if _, err := svc.RunPass(context.Background()); err == nil {
		t.Fatal("expected error from failing prune")
	}
}

func TestRunPass_PrunesOldRecords(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()
	if err := store.MarkSeen(ctx, "ancient", time.Now().Add(-60*24*time.Hour)); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if err := store.MarkSeen(ctx, "recent", time.Now()); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}

	svc := newTestService(&fakeFetcher{}, &structuringClassifier{}, &fakeDeliverer{}, store)
	report, err := svc.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if report.Pruned != 1 {
		t.Errorf("pruned = %d, want 1", report.Pruned)
	}
	if ok, _ := store.HasSeen(ctx, "recent"); !ok {
		t.Error("recent record pruned")
	}
}

func TestRun_ImmediateFirstPass(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	svc := newTestService(fetcher, &structuringClassifier{}, &fakeDeliverer{}, memstore.New())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := svc.Run(ctx, time.Hour, time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run returned %v, want deadline exceeded", err)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch calls = %d, want 1 immediate pass", fetcher.callCount())
	}
}

func TestRun_NotifiesOnPassFailure(t *testing.T) {
	t.Parallel()

	deliverer := &fakeDeliverer{}
	store := &failingStore{Store: memstore.New(), failPrune: true}
	svc := newTestService(&fakeFetcher{}, &structuringClassifier{}, deliverer, store)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = svc.Run(ctx, time.Hour, time.Second)

	if deliverer.errCount() != 1 {
		t.Errorf("error notifications = %d, want 1", deliverer.errCount())
	}
}
