// Package monitor runs the alert pipeline on a schedule: fetch feeds,
// drop structurally uninteresting and already-seen entries, classify
// the remainder, merge reports of the same event, and deliver one
// message per aggregate.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/classify"
	"github.com/linnemanlabs/beacon/internal/feed"
	"github.com/linnemanlabs/beacon/internal/group"
	"github.com/linnemanlabs/beacon/internal/notify/slack"
	"github.com/linnemanlabs/beacon/internal/postgres"
	"github.com/linnemanlabs/beacon/internal/prefilter"
	"github.com/linnemanlabs/beacon/internal/retry"
	"github.com/linnemanlabs/beacon/internal/seen"
)

// Fetcher retrieves raw entries for the configured sources.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []feed.Source) ([]feed.RawEntry, []feed.FetchError)
}

// Classifier extracts structured alerts from fresh entries.
type Classifier interface {
	Classify(ctx context.Context, entries []feed.RawEntry) *classify.Outcome
}

// Summarizer optionally regenerates an aggregate's summary.
type Summarizer interface {
	Summarize(ctx context.Context, agg *alert.AggregateAlert, members []alert.StructuredAlert) string
}

// Deliverer posts payloads to the notification channel.
type Deliverer interface {
	Send(ctx context.Context, msg map[string]any) error
	SendError(ctx context.Context, text string) error
}

// Options tune one Service instance.
type Options struct {
	Sources []feed.Source
	Group   group.Options
	// Retention bounds how long seen records are kept. Zero falls back
	// to 30 days.
	Retention time.Duration
	// DeliveryRetry bounds webhook delivery attempts per aggregate.
	DeliveryRetry retry.Policy
	// RecentLimit caps the in-memory buffer of delivered alerts served
	// by the status API. Zero falls back to 50.
	RecentLimit int
}

const (
	defaultRetention   = 30 * 24 * time.Hour
	defaultRecentLimit = 50
)

// PassReport summarises one pipeline pass.
type PassReport struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`

	Fetched          int   `json:"fetched"`
	FetchErrors      int   `json:"fetch_errors"`
	Prefiltered      int   `json:"prefiltered"`
	AlreadySeen      int   `json:"already_seen"`
	Classified       int   `json:"classified"`
	Rejected         int   `json:"rejected"`
	Unprocessed      int   `json:"unprocessed"`
	Groups           int   `json:"groups"`
	Delivered        int   `json:"delivered"`
	DeliveryFailures int   `json:"delivery_failures"`
	Pruned           int64 `json:"pruned"`
}

// Service wires the pipeline stages together and owns pass state.
type Service struct {
	fetcher    Fetcher
	classifier Classifier
	summarizer Summarizer
	deliverer  Deliverer
	store      seen.Store

	opts    Options
	rules   prefilter.Rules
	metrics *Metrics
	logger  log.Logger

	mu       sync.RWMutex
	lastPass *PassReport
	recent   []alert.AggregateAlert
}

// New creates a monitor service. metrics may be nil, in which case the
// service keeps counters on a private registry; a nil logger discards
// output.
func New(fetcher Fetcher, classifier Classifier, summarizer Summarizer, deliverer Deliverer, store seen.Store, opts Options, metrics *Metrics, logger log.Logger) *Service {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = defaultRecentLimit
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		fetcher:    fetcher,
		classifier: classifier,
		summarizer: summarizer,
		deliverer:  deliverer,
		store:      store,
		opts:       opts,
		rules:      prefilter.FromSources(opts.Sources),
		metrics:    metrics,
		logger:     logger.With("component", "monitor"),
	}
}

// RunPass executes one full pipeline pass. A seen-store failure aborts
// the pass: without dedup state the pipeline would re-alert on every
// entry.
func (s *Service) RunPass(ctx context.Context) (*PassReport, error) {
	start := time.Now()
	report := &PassReport{
		ID:        ulid.Make().String(),
		StartedAt: start.UTC(),
	}
	L := s.logger.With("pass", report.ID)

	err := s.runPass(ctx, L, report)

	report.Duration = time.Since(start)
	report.Outcome = "ok"
	if err != nil {
		report.Outcome = "error"
		report.Error = err.Error()
	}

	s.metrics.PassesTotal.WithLabelValues(report.Outcome).Inc()
	s.metrics.PassDuration.Observe(report.Duration.Seconds())

	s.mu.Lock()
	s.lastPass = report
	s.mu.Unlock()

	if err != nil {
		L.Error(ctx, err, "pass failed", "duration", report.Duration.Seconds())
		return report, err
	}

	L.Info(ctx, "pass complete",
		"duration", report.Duration.Seconds(),
		"fetched", report.Fetched,
		"prefiltered", report.Prefiltered,
		"already_seen", report.AlreadySeen,
		"classified", report.Classified,
		"groups", report.Groups,
		"delivered", report.Delivered,
	)
	return report, nil
}

func (s *Service) runPass(ctx context.Context, L log.Logger, report *PassReport) error {
	// Retention prune first so the seen set never grows unbounded.
	pruned, err := s.store.Prune(postgres.WithStage(ctx, "prune"), time.Now().Add(-s.opts.Retention))
	if err != nil {
		return fmt.Errorf("prune seen store: %w", err)
	}
	report.Pruned = pruned
	s.metrics.SeenPruned.Add(float64(pruned))

	entries, fetchErrs := s.fetcher.FetchAll(ctx, s.opts.Sources)
	report.Fetched = len(entries)
	report.FetchErrors = len(fetchErrs)
	for _, e := range entries {
		s.metrics.EntriesFetched.WithLabelValues(e.SourceID).Inc()
	}
	for _, fe := range fetchErrs {
		s.metrics.FetchErrors.WithLabelValues(fe.SourceID).Inc()
		L.Error(ctx, fe.Err, "feed fetch failed", "source", fe.SourceID)
	}

	fresh, err := s.filterFresh(ctx, L, report, entries)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	outcome := s.classifier.Classify(ctx, fresh)
	report.Classified = len(outcome.Alerts)
	report.Rejected = len(outcome.Rejected)
	report.Unprocessed = len(outcome.Unprocessed)
	s.metrics.EntriesClassified.Add(float64(len(outcome.Alerts)))
	s.metrics.EntriesRejected.Add(float64(len(outcome.Rejected)))
	s.metrics.EntriesUnprocessed.Add(float64(len(outcome.Unprocessed)))

	// Rejected entries were examined and dropped on their content. Mark
	// them so they are never sent to the model again. Unprocessed
	// entries stay unmarked and retry next pass.
	recordCtx := postgres.WithStage(ctx, "record")
	for i := range outcome.Rejected {
		e := &outcome.Rejected[i]
		if err := s.store.MarkSeen(recordCtx, e.Fingerprint(), time.Now()); err != nil {
			L.Error(ctx, err, "mark rejected entry failed", "source", e.SourceID)
		}
	}

	aggs := group.Merge(outcome.Alerts, s.opts.Group)
	report.Groups = len(aggs)
	s.metrics.GroupsPerPass.Observe(float64(len(aggs)))

	byEntryID := make(map[string]alert.StructuredAlert, len(outcome.Alerts))
	for _, a := range outcome.Alerts {
		byEntryID[a.EntryID] = a
	}

	for i := range aggs {
		s.deliverAggregate(ctx, L, report, &aggs[i], byEntryID)
	}

	return nil
}

// filterFresh applies the structural rules and the seen store. The
// structural drop is stateless and cheap, so dropped entries are not
// recorded; re-dropping them next pass costs nothing.
func (s *Service) filterFresh(ctx context.Context, L log.Logger, report *PassReport, entries []feed.RawEntry) ([]feed.RawEntry, error) {
	dedupCtx := postgres.WithStage(ctx, "dedup")
	fresh := make([]feed.RawEntry, 0, len(entries))

	for i := range entries {
		e := &entries[i]

		if v := s.rules.Evaluate(e); !v.Keep {
			report.Prefiltered++
			s.metrics.EntriesPrefiltered.WithLabelValues(e.SourceID, v.Rule).Inc()
			continue
		}

		ok, err := s.store.HasSeen(dedupCtx, e.Fingerprint())
		if err != nil {
			return nil, fmt.Errorf("seen lookup: %w", err)
		}
		if ok {
			report.AlreadySeen++
			s.metrics.EntriesSeen.Inc()
			continue
		}

		fresh = append(fresh, *e)
	}

	L.Info(ctx, "entries filtered",
		"fetched", len(entries),
		"prefiltered", report.Prefiltered,
		"already_seen", report.AlreadySeen,
		"fresh", len(fresh),
	)
	return fresh, nil
}

// deliverAggregate sends one aggregate and, only on success, records its
// member entries as seen. A failed delivery leaves every member fresh so
// the whole event reappears next pass.
func (s *Service) deliverAggregate(ctx context.Context, L log.Logger, report *PassReport, agg *alert.AggregateAlert, byEntryID map[string]alert.StructuredAlert) {
	members := make([]alert.StructuredAlert, 0, len(agg.EntryIDs))
	for _, id := range agg.EntryIDs {
		if m, ok := byEntryID[id]; ok {
			members = append(members, m)
		}
	}
	agg.Summary = s.summarizer.Summarize(ctx, agg, members)

	msg := slack.BuildMessage(agg, time.Now())
	_, err := retry.Do(ctx, s.opts.DeliveryRetry, func() (struct{}, error) {
		return struct{}{}, s.deliverer.Send(ctx, msg)
	})
	if err != nil {
		report.DeliveryFailures++
		s.metrics.DeliveryFailures.Inc()
		L.Error(ctx, err, "aggregate delivery failed",
			"aggregate", agg.ID, "members", agg.Members)
		return
	}

	report.Delivered++
	s.metrics.AlertsDelivered.WithLabelValues(severityLabel(agg.Severity)).Inc()
	L.Info(ctx, "aggregate delivered",
		"aggregate", agg.ID,
		"type", agg.Type,
		"severity", string(agg.Severity),
		"members", agg.Members,
	)

	recordCtx := postgres.WithStage(ctx, "record")
	for _, id := range agg.EntryIDs {
		if err := s.store.MarkSeen(recordCtx, id, time.Now()); err != nil {
			L.Error(ctx, err, "mark delivered entry failed", "aggregate", agg.ID)
		}
	}

	s.mu.Lock()
	s.recent = append(s.recent, *agg)
	if len(s.recent) > s.opts.RecentLimit {
		s.recent = s.recent[len(s.recent)-s.opts.RecentLimit:]
	}
	s.mu.Unlock()
}

func severityLabel(sev alert.Severity) string {
	if sev == alert.SeverityUnknown {
		return "unknown"
	}
	return string(sev)
}

// LatestPass returns a copy of the most recent pass report, or nil
// before the first pass completes.
func (s *Service) LatestPass() *PassReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastPass == nil {
		return nil
	}
	cp := *s.lastPass
	return &cp
}

// RecentAlerts returns the delivered aggregates, newest last.
func (s *Service) RecentAlerts() []alert.AggregateAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]alert.AggregateAlert, len(s.recent))
	copy(out, s.recent)
	return out
}
