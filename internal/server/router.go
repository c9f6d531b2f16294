package server

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/config"
	"github.com/unixabg/dosi/internal/eventlog"
	"github.com/unixabg/dosi/internal/observability"
	"github.com/unixabg/dosi/internal/ratelimit"
	"github.com/unixabg/dosi/internal/registry"
	"github.com/unixabg/dosi/internal/sessions"
)

// Version is reported by /api/health and the dosi_build_info metric.
const Version = "0.3.0"

// Logger builds the process logger from cfg.
func Logger(cfg config.Config) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger = logger.Level(cfg.LogLevel).With().Timestamp().Logger()
	return &logger
}

// Deps are the collaborators the router wires together. Metrics may be nil.
type Deps struct {
	Registry *registry.Registry
	Events   *eventlog.Log
	Auth     *auth.Authenticator
	Codec    *auth.SessionCodec
	Sessions *sessions.Store
	Limiter  *ratelimit.Store
	Metrics  *observability.Metrics
	Logger   *zerolog.Logger
}

type handlers struct {
	cfg   config.Config
	reg   *registry.Registry
	ev    *eventlog.Log
	authn *auth.Authenticator
	codec *auth.SessionCodec
	sess  *sessions.Store
	rl    *ratelimit.Store
	m     *observability.Metrics
	log   zerolog.Logger
	pages *pageSet
}

// NewRouter mounts the device endpoint, the operator panel and the JSON API.
func NewRouter(cfg config.Config, d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = Logger(cfg)
	}
	h := &handlers{
		cfg:   cfg,
		reg:   d.Registry,
		ev:    d.Events,
		authn: d.Auth,
		codec: d.Codec,
		sess:  d.Sessions,
		rl:    d.Limiter,
		m:     d.Metrics,
		log:   logger.With().Str("component", "http").Logger(),
		pages: mustPages(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(zerologMiddleware(logger, d.Metrics))
	r.Use(securityHeaders)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "version": Version})
	})
	if cfg.MetricsEnabled && d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	r.Handle("/static/*", http.FileServer(http.FS(staticFS)))

	// Devices phone home here without a session.
	r.Get("/operator", h.checkIn)

	r.Group(func(pr chi.Router) {
		pr.Use(h.withActor)

		pr.Group(func(lr chi.Router) {
			lr.Use(requireCSRF)
			lr.Get("/login", h.loginPage)
			lr.Post("/login", h.login)
			lr.Get("/logout", h.logout)
			lr.Post("/logout", h.logout)
		})

		pr.Group(func(op chi.Router) {
			op.Use(h.requireOperator(false))
			op.Use(requireCSRF)
			op.Get("/", h.dashboard)
			op.Get("/pending-adoption", h.pendingPage)
			op.Post("/adopt", h.adopt)
			op.Post("/delete-pending", h.deletePending)
			op.Get("/view-adopted", h.adoptedPage)
			op.Post("/delete-adopted", h.deleteAdopted)
			op.Post("/reboot", h.reboot)
			op.Post("/alias", h.setAlias)
			op.Post("/alias/delete", h.deleteAlias)
			op.Get("/groups", h.groupsPage)
			op.Post("/groups", h.createGroup)
			op.Post("/groups/delete", h.deleteGroup)
			op.Get("/groups/{name}/script", h.scriptPage)
			op.Post("/groups/{name}/script", h.saveScript)
			op.Post("/batch", h.batchForm)
			op.Get("/logs", h.logsPage)
		})

		pr.Route("/api", func(api chi.Router) {
			api.Use(h.requireOperator(true))
			api.Use(requireCSRF)
			api.Get("/pending", h.apiPending)
			api.Get("/groups", h.apiGroups)
			api.Get("/groups/{name}/devices", h.apiGroupDevices)
			api.Get("/devices/{id}", h.apiDevice)
			api.Post("/batch", h.apiBatch)
			api.Get("/system", h.apiSystem)
		})
	})

	return r
}

// record appends to the event log when one is configured.
func (h *handlers) record(r *http.Request, format string, args ...any) {
	h.recordAs(actorFrom(r), sprintf(format, args...))
}

func (h *handlers) recordAs(a auth.Actor, msg string) {
	if h.ev != nil {
		h.ev.Record(a.Address(), msg)
	}
}

func (h *handlers) action(name string, err error) {
	if h.m != nil {
		h.m.Action(name, err)
	}
}
