package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	admservice "bursary/internal/admission/service"
	disservice "bursary/internal/disbursement/service"
	ledgerservice "bursary/internal/ledger/service"
	"bursary/internal/platform/middleware"
	seqservice "bursary/internal/sequence/service"
)

// Services collects the domain entry points the API fronts.
type Services struct {
	Allocator  *seqservice.Service
	Ledger     *ledgerservice.Engine
	Scheduler  *disservice.Scheduler
	Admissions *admservice.StateMachine
}

// Options carries transport concerns.
type Options struct {
	Logger *slog.Logger
	// Auth guards the staff surface; nil leaves it open (tests, local dev).
	Auth middleware.JWTValidator
	// Health pings backing stores for /healthz; nil reports healthy.
	Health func(ctx context.Context) error
	// Defaults for allocation requests that omit scope.
	DefaultNamespace string
	DefaultPeriod    string
}

// NewRouter builds the full HTTP surface. Health and metrics are open;
// everything else is staff-only when an auth validator is configured.
func NewRouter(services Services, opts Options) http.Handler {
	api := &api{services: services, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(opts.Logger))
	r.Use(middleware.Logger(opts.Logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ContentTypeJSON)

	r.Get("/healthz", api.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(middleware.RequireAuth(opts.Auth, opts.Logger))
		}

		r.Route("/allocator", func(r chi.Router) {
			r.Post("/allocate", api.allocate)
			r.Get("/counters/{namespace}/{period}", api.peekCounter)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Post("/accounts", api.createAccount)
			r.Get("/accounts/{id}", api.getAccount)
			r.Get("/accounts/{id}/alerts", api.listAlerts)
			r.Post("/events", api.recordEvent)
		})

		r.Route("/admissions", func(r chi.Router) {
			r.Post("/", api.createApplication)
			r.Get("/{id}", api.getApplication)
			r.Post("/{id}/submit", api.submitApplication)
			r.Post("/{id}/transition", api.transitionApplication)
			r.Post("/{id}/transfer", api.transferApplication)
		})

		r.Route("/scholarships", func(r chi.Router) {
			r.Post("/schedules", api.createSchedule)
			r.Get("/{id}/disbursements", api.listDisbursements)
		})

		r.Route("/disbursements", func(r chi.Router) {
			r.Post("/{id}/process", api.processDisbursement)
			r.Post("/{id}/retry", api.retryDisbursement)
			r.Post("/{id}/cancel", api.cancelDisbursement)
		})
	})

	return r
}

type api struct {
	services Services
	opts     Options
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.opts.Health != nil {
		if err := a.opts.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
