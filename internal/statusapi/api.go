// Package statusapi serves the read-only HTTP view of the monitor:
// the latest pass report and recently delivered alerts.
package statusapi

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/monitor"
)

// Monitor defines the monitor state the API exposes.
type Monitor interface {
	LatestPass() *monitor.PassReport
	RecentAlerts() []alert.AggregateAlert
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Monitor
}

// New creates a new API handler.
func New(logger log.Logger, svc Monitor) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("monitor service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/alerts", a.handleAlerts)
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	last := a.svc.LatestPass()

	span := trace.SpanFromContext(r.Context())
	if last != nil {
		span.SetAttributes(
			attribute.String("beacon.pass.id", last.ID),
			attribute.String("beacon.pass.outcome", last.Outcome),
		)
	}

	resp := map[string]any{"status": "waiting_first_pass"}
	if last != nil {
		resp = map[string]any{
			"status":    last.Outcome,
			"last_pass": last,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := a.svc.RecentAlerts()

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("beacon.alerts.count", len(alerts)))

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
