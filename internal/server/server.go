// Package server exposes Donna's HTTP surface: the Twilio webhooks and media
// websocket that feed the call pipeline, the cached-audio artifact route, and
// the admin API for contacts, emails, calls, settings, and stats.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/donnalabs/donna/internal/audiocache"
	"github.com/donnalabs/donna/internal/call"
	"github.com/donnalabs/donna/internal/health"
	"github.com/donnalabs/donna/internal/ingest"
	"github.com/donnalabs/donna/internal/observe"
	"github.com/donnalabs/donna/internal/telephony"
	"github.com/donnalabs/donna/pkg/store"
)

// Config assembles the server's collaborators.
type Config struct {
	// PublicURL is the externally reachable base URL, used to derive the
	// media-stream websocket URL and to validate webhook signatures.
	PublicURL string

	// AuthToken is the Twilio auth token. Empty disables signature
	// validation (local development only).
	AuthToken string

	Store    store.Store
	Ingester *ingest.Ingester
	Manager  *call.Manager
	Cache    *audiocache.Cache
	Settings *Settings
	Health   *health.Handler
	Metrics  *observe.Metrics

	// NewCall builds the orchestrator for an accepted media stream. The
	// application layer closes over providers, limits, and greeting.
	NewCall func(sess *telephony.Session) (*call.Orchestrator, error)

	Logger *slog.Logger
}

// Server is the HTTP handler for all of Donna's routes.
type Server struct {
	cfg    Config
	log    *slog.Logger
	router chi.Router
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Manager == nil || cfg.Settings == nil || cfg.NewCall == nil {
		return nil, errors.New("server: incomplete config")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg, log: cfg.Logger}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	// The media websocket bypasses the observability middleware: the
	// connection is hijacked and lives for the whole call.
	r.Get("/twilio/media", s.handleMedia)

	r.Group(func(r chi.Router) {
		r.Use(observe.Middleware(s.cfg.Metrics))

		r.Post("/twilio/incoming-call", s.handleIncomingCall)
		r.Post("/twilio/call-status", s.handleCallStatus)

		if s.cfg.Cache != nil {
			r.Get("/audio/{id}", s.cfg.Cache.Handler())
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/contacts", s.handleListContacts)
			r.Post("/contacts", s.handleCreateContact)
			r.Get("/contacts/{id}", s.handleGetContact)
			r.Put("/contacts/{id}", s.handleUpdateContact)
			r.Delete("/contacts/{id}", s.handleDeleteContact)

			r.Get("/emails", s.handleListEmails)
			r.Post("/emails", s.handleCreateEmail)
			r.Get("/emails/{id}", s.handleGetEmail)
			r.Delete("/emails/{id}", s.handleDeleteEmail)
			r.Post("/emails/import", s.handleImportEmails)

			r.Get("/calls", s.handleListCalls)
			r.Get("/calls/{id}", s.handleGetCall)

			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handlePutSettings)

			r.Get("/stats", s.handleStats)
		})

		if s.cfg.Health != nil {
			r.Get("/healthz", s.cfg.Health.Healthz)
			r.Get("/readyz", s.cfg.Health.Readyz)
		}
		r.Handle("/metrics", promhttp.Handler())
	})

	return r
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

// writeError emits the JSON error body used across the admin API.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeStatus maps a store error to an HTTP status.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
