package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/beacon/internal/llm"
)

// Metrics holds Prometheus metrics for the monitor pipeline.
type Metrics struct {
	PassesTotal        *prometheus.CounterVec
	PassDuration       prometheus.Histogram
	EntriesFetched     *prometheus.CounterVec
	FetchErrors        *prometheus.CounterVec
	EntriesPrefiltered *prometheus.CounterVec
	EntriesSeen        prometheus.Counter
	EntriesClassified  prometheus.Counter
	EntriesRejected    prometheus.Counter
	EntriesUnprocessed prometheus.Counter
	GroupsPerPass      prometheus.Histogram
	AlertsDelivered    *prometheus.CounterVec
	DeliveryFailures   prometheus.Counter
	SeenPruned         prometheus.Counter
	LLMCallsTotal      *prometheus.CounterVec
	LLMTokensIn        prometheus.Counter
	LLMTokensOut       prometheus.Counter
	DBQueryDuration    *prometheus.HistogramVec
}

// NewMetrics registers and returns monitor metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_passes_total",
			Help: "Total monitor passes by outcome.",
		}, []string{"outcome"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_pass_duration_seconds",
			Help:    "Duration of monitor passes in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}),
		EntriesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_entries_fetched_total",
			Help: "Feed entries fetched by source.",
		}, []string{"source"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_fetch_errors_total",
			Help: "Feed fetch failures by source.",
		}, []string{"source"}),
		EntriesPrefiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_entries_prefiltered_total",
			Help: "Entries dropped by structural rules, by source and rule.",
		}, []string{"source", "rule"}),
		EntriesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_entries_seen_total",
			Help: "Entries skipped because they were already recorded as seen.",
		}),
		EntriesClassified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_entries_classified_total",
			Help: "Entries the classifier turned into structured alerts.",
		}),
		EntriesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_entries_rejected_total",
			Help: "Entries the classifier examined and dropped.",
		}),
		EntriesUnprocessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_entries_unprocessed_total",
			Help: "Entries deferred to a later pass after classification failure.",
		}),
		GroupsPerPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_groups_per_pass",
			Help:    "Aggregate alerts produced per pass.",
			Buckets: prometheus.LinearBuckets(0, 1, 16), // 0 .. 15
		}),
		AlertsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_alerts_delivered_total",
			Help: "Aggregate alerts delivered to Slack by severity.",
		}, []string{"severity"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_delivery_failures_total",
			Help: "Aggregate alerts that failed delivery after retries.",
		}),
		SeenPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_seen_pruned_total",
			Help: "Seen records removed by retention pruning.",
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_llm_calls_total",
			Help: "LLM provider calls by model and outcome.",
		}, []string{"model", "outcome"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_db_query_duration_seconds",
			Help:    "Duration of individual seen-store queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "outcome"}),
	}

	reg.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.EntriesFetched,
		m.FetchErrors,
		m.EntriesPrefiltered,
		m.EntriesSeen,
		m.EntriesClassified,
		m.EntriesRejected,
		m.EntriesUnprocessed,
		m.GroupsPerPass,
		m.AlertsDelivered,
		m.DeliveryFailures,
		m.SeenPruned,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.DBQueryDuration,
	)

	return m
}

// InstrumentProvider wraps an LLM provider with call and token counters.
func (m *Metrics) InstrumentProvider(p llm.Provider) llm.Provider {
	return &instrumentedProvider{inner: p, metrics: m}
}

type instrumentedProvider struct {
	inner   llm.Provider
	metrics *Metrics
}

func (p *instrumentedProvider) Model() string { return p.inner.Model() }

func (p *instrumentedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := p.inner.Complete(ctx, req)
	if err != nil {
		p.metrics.LLMCallsTotal.WithLabelValues(p.inner.Model(), "error").Inc()
		return nil, err
	}
	p.metrics.LLMCallsTotal.WithLabelValues(p.inner.Model(), "ok").Inc()
	p.metrics.LLMTokensIn.Add(float64(resp.InputTokens))
	p.metrics.LLMTokensOut.Add(float64(resp.OutputTokens))
	return resp, nil
}
