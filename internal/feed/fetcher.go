package feed

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"

	"github.com/linnemanlabs/go-core/log"
)

const (
	fetchTimeout = 15 * time.Second
	// maxConcurrentFetches bounds parallel feed requests. Feeds are
	// independent, so one slow or failing host never blocks the others.
	maxConcurrentFetches = 4
)

// FetchError records a per-source fetch failure. A failed source yields an
// empty entry set for the pass; it never aborts the other sources.
type FetchError struct {
	SourceID string
	Err      error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.SourceID, e.Err)
}

func (e FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves and parses the configured feeds.
type Fetcher struct {
	client *resty.Client
	logger log.Logger
}

// NewFetcher creates a fetcher that identifies itself with the given
// User-Agent on every request.
func NewFetcher(logger log.Logger, userAgent string) *Fetcher {
	if logger == nil {
		logger = log.Nop()
	}
	client := resty.New().
		SetTimeout(fetchTimeout).
		SetHeader("User-Agent", userAgent)
	return &Fetcher{
		client: client,
		logger: logger,
	}
}

// FetchAll fetches every source concurrently and converges the results
// before returning. Entries come back grouped in configured source order
// and, within a source, in publication order, so downstream grouping
// tie-breaks are deterministic. Per-source failures are collected, not
// fatal.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]RawEntry, []FetchError) {
	perSource := make([][]RawEntry, len(sources))
	errs := make([]FetchError, 0)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	sem := make(chan struct{}, maxConcurrentFetches)

	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, FetchError{SourceID: src.ID, Err: ctx.Err()})
				mu.Unlock()
				return
			}

			entries, err := f.fetchOne(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, FetchError{SourceID: src.ID, Err: err})
				return
			}
			perSource[i] = entries
		}(i, src)
	}
	wg.Wait()

	var all []RawEntry
	for _, entries := range perSource {
		all = append(all, entries...)
	}
	return all, errs
}

func (f *Fetcher) fetchOne(ctx context.Context, src Source) ([]RawEntry, error) {
	resp, err := f.client.R().SetContext(ctx).Get(src.URL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}

	parsed, err := gofeed.NewParser().ParseString(resp.String())
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	name := src.Name
	if parsed.Title != "" {
		name = parsed.Title
	}

	entries := make([]RawEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		entries = append(entries, entryFromItem(src, name, item))
	}

	sortEntriesByPublished(entries)

	f.logger.Info(ctx, "fetched feed", "source", src.ID, "entries", len(entries))
	return entries, nil
}

// sortEntriesByPublished orders entries by publication time, undated last.
func sortEntriesByPublished(entries []RawEntry) {
	sort.SliceStable(entries, func(a, b int) bool {
		ta, tb := entries[a].Published, entries[b].Published
		if ta.IsZero() {
			return false
		}
		if tb.IsZero() {
			return true
		}
		return ta.Before(tb)
	})
}

func entryFromItem(src Source, sourceName string, item *gofeed.Item) RawEntry {
	summary := item.Description
	if summary == "" {
		summary = item.Content
	}

	e := RawEntry{
		SourceID:   src.ID,
		SourceName: sourceName,
		Kind:       src.Kind,
		Title:      strings.TrimSpace(item.Title),
		Summary:    stripHTML(summary),
		Link:       strings.TrimSpace(item.Link),
	}

	if item.PublishedParsed != nil {
		e.Published = *item.PublishedParsed
		e.PublishedRaw = item.Published
	} else if item.UpdatedParsed != nil {
		e.Published = *item.UpdatedParsed
		e.PublishedRaw = item.Updated
	} else {
		e.PublishedRaw = item.Published
	}

	e.AlertLevel = alertLevelFromItem(item, e.Title)
	e.Magnitude = magnitudeFromText(e.Title, e.Summary)

	return e
}

// alertLevelFromItem reads the GDACS alertlevel namespace element, falling
// back to the "Green earthquake ..." title convention GDACS uses.
func alertLevelFromItem(item *gofeed.Item, title string) string {
	for _, byName := range item.Extensions {
		for name, exts := range byName {
			if !strings.EqualFold(name, "alertlevel") {
				continue
			}
			for _, x := range exts {
				if v := strings.ToLower(strings.TrimSpace(x.Value)); v != "" {
					return v
				}
			}
		}
	}
	lower := strings.ToLower(title)
	for _, level := range []string{"green", "orange", "red"} {
		if strings.HasPrefix(lower, level+" ") {
			return level
		}
	}
	return ""
}

var magnitudeRe = regexp.MustCompile(`(?i)(?:^|\s)(?:m|magnitude)\s*(\d+\.?\d*)`)

// magnitudeFromText extracts a seismic magnitude from the title, then the
// summary. Returns nil when no magnitude is present so filters can fail open.
func magnitudeFromText(title, summary string) *float64 {
	for _, text := range []string{title, summary} {
		m := magnitudeRe.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return &v
	}
	return nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// stripHTML reduces a possibly-HTML feed summary to plain text.
func stripHTML(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "<") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	s = html.UnescapeString(s)
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
