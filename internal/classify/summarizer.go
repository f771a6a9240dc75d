package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/llm"
	"github.com/linnemanlabs/beacon/internal/retry"
)

const (
	summaryTokens   = 500
	summarySystem   = "You write one concise paragraph summarising a natural-hazard event from multiple reports. State what happened, where, when, and how severe it is. No preamble, no markdown, no bullet points."
	maxMemberQuotes = 6
)

// Summarizer regenerates an aggregate's summary from its member
// reports. It is optional: on any failure the caller keeps the
// deterministically chosen member summary already on the aggregate.
type Summarizer struct {
	provider llm.Provider
	policy   retry.Policy
	logger   log.Logger
}

// NewSummarizer creates a summarizer. A nil logger discards output.
func NewSummarizer(provider llm.Provider, policy retry.Policy, logger log.Logger) *Summarizer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Summarizer{
		provider: provider,
		policy:   policy,
		logger:   logger.With("component", "summarize"),
	}
}

// Summarize returns a regenerated summary for the aggregate built from
// its member reports, or the aggregate's existing summary when
// regeneration is not worthwhile (fewer than two members) or fails.
func (s *Summarizer) Summarize(ctx context.Context, agg *alert.AggregateAlert, members []alert.StructuredAlert) string {
	if len(members) < 2 {
		return agg.Summary
	}

	resp, err := retry.Do(ctx, s.policy, func() (*llm.Response, error) {
		return s.provider.Complete(ctx, &llm.Request{
			System:    summarySystem,
			Prompt:    buildSummaryPrompt(agg, members),
			MaxTokens: summaryTokens,
		})
	})
	if err != nil {
		s.logger.Error(ctx, err, "summary regeneration failed, keeping member summary",
			"aggregate", agg.ID, "members", agg.Members)
		return agg.Summary
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return agg.Summary
	}
	return text
}

func buildSummaryPrompt(agg *alert.AggregateAlert, members []alert.StructuredAlert) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Event type: %s\n", agg.Type)
	if agg.Severity != alert.SeverityUnknown {
		fmt.Fprintf(&sb, "Severity: %s\n", agg.Severity)
	}
	if agg.SeverityDetail != "" {
		fmt.Fprintf(&sb, "Severity detail: %s\n", agg.SeverityDetail)
	}
	if !agg.EventDate.IsZero() {
		fmt.Fprintf(&sb, "Date: %s\n", agg.EventDate.Format("2006-01-02"))
	}
	if names := locationNames(agg.Locations); len(names) > 0 {
		fmt.Fprintf(&sb, "Locations: %s\n", strings.Join(names, "; "))
	}

	fmt.Fprintf(&sb, "\n%d reports describe this event:\n", len(members))
	for i, m := range members {
		if i == maxMemberQuotes {
			fmt.Fprintf(&sb, "(%d more reports omitted)\n", len(members)-i)
			break
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", m.Source, m.Summary)
	}

	return sb.String()
}

func locationNames(locs []alert.Location) []string {
	names := make([]string, 0, len(locs))
	for _, loc := range locs {
		if loc.Name != "" {
			names = append(names, loc.Name)
		}
	}
	return names
}
