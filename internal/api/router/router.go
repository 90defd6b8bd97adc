package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/dentaldesk/internal/booking"
	"github.com/wolfman30/dentaldesk/internal/conversation"
	httpmiddleware "github.com/wolfman30/dentaldesk/internal/http/middleware"
	"github.com/wolfman30/dentaldesk/internal/observability/metrics"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger              *logging.Logger
	ConversationHandler *conversation.Handler
	BookingHandler      *booking.Handler
	MetricsHandler      http.Handler
	// MetricsGatherer backs GET /admin/stats. Nil hides the endpoint.
	MetricsGatherer prometheus.Gatherer

	AdminAuthSecret string
	AdminIssuer     string

	// InboundLimiter throttles POST /v1/conversations/{key}/messages per key.
	InboundLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		public.Get("/health", health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.ConversationHandler != nil {
		r.Route("/v1/conversations/{key}", func(conv chi.Router) {
			if cfg.InboundLimiter != nil {
				conv.Use(httpmiddleware.RateLimit(cfg.InboundLimiter, httpmiddleware.ByURLParam("key")))
			}
			conv.Post("/messages", cfg.ConversationHandler.Message)
		})
	}

	r.Route("/admin", func(admin chi.Router) {
		opts := []httpmiddleware.AdminOption{httpmiddleware.WithRole("operator")}
		if cfg.AdminIssuer != "" {
			opts = append(opts, httpmiddleware.WithIssuer(cfg.AdminIssuer))
		}
		admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret, opts...))

		if cfg.ConversationHandler != nil {
			admin.Get("/conversations/{key}", cfg.ConversationHandler.Get)
			admin.Post("/conversations/{key}/release", cfg.ConversationHandler.Release)
		}
		if cfg.BookingHandler != nil {
			admin.Get("/dentists/{id}/appointments", cfg.BookingHandler.DentistAppointments)
		}
		if cfg.MetricsGatherer != nil {
			admin.Get("/stats", stats(cfg.MetricsGatherer))
		}
	})

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func stats(gatherer prometheus.Gatherer) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot(gatherer))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
