package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"nck/internal/sim"
	"nck/internal/telemetry"
	"nck/internal/units"
)

// SimInterface defines the Integrator methods the API layer calls. This
// enables mocking for tests without running a real integration loop. Keep
// this minimal — only include methods the API layer actually calls.
type SimInterface interface {
	LatestSnapshot() units.StateArray
	ParametersSnapshot() sim.Parameters
	SetParameters(sim.Parameters)
	UnitTypes() []units.UnitType
	Enqueue(sim.Request) bool
	QueueStats() sim.RequestQueueStats
	AllocatePickID() units.PickID
}

// ServerStats mirrors server.Stats without importing internal/server,
// which would create an import cycle (internal/server imports this package
// for its admin metrics).
type ServerStats struct {
	Clients    int32
	Broadcasts int64
}

// ServerStatsFunc lets the caller wiring up the router supply the network
// server's stats without api depending on internal/server's concrete Stats
// type — a plain adapter closure instead of an interface neither package's
// type naturally satisfies.
type ServerStatsFunc func() ServerStats

// RouterConfig contains all dependencies needed to construct the HTTP
// router. Designed for dependency injection and testability.
type RouterConfig struct {
	Sim SimInterface

	// ServerStats is optional; when nil, handleGetStats omits server-level
	// fields (clients, broadcasts).
	ServerStats ServerStatsFunc

	// Events is optional; when nil, admin-originated structural requests
	// are not audit-logged.
	Events *telemetry.EventLog

	// RateLimiter is an optional pre-configured rate limiter. If nil, a
	// new one is created from RateLimitConfig.
	RateLimiter *IPRateLimiter

	RateLimitConfig *RateLimitConfig

	CORSOrigins []string

	StaticFilesDir string

	DisableLogging bool
}

// routerHandlers holds the handler functions for the router.
type routerHandlers struct {
	sim         SimInterface
	serverStats ServerStatsFunc
	events      *telemetry.EventLog
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: this function is PURE — it has no side effects: no
// goroutines started, no network listeners opened. Safe to use in tests
// with httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	h := &routerHandlers{sim: cfg.Sim, serverStats: cfg.ServerStats, events: cfg.Events}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.handleGetState)
		r.Get("/stats", h.handleGetStats)
		r.Get("/types", h.handleGetTypes)

		r.Get("/parameters", h.handleGetParameters)
		r.Post("/parameters", h.handleSetParameters)

		r.Post("/pick", h.handlePickPoint)
		r.Post("/destroy", h.handleDestroy)
		r.Post("/release", h.handleRelease)
	})

	staticDir := cfg.StaticFilesDir
	if staticDir == "" {
		staticDir = "./admin-panel"
	}
	r.Handle("/admin/*", http.StripPrefix("/admin/", http.FileServer(http.Dir(staticDir))))
	r.Get("/admin", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/admin/", http.StatusMovedPermanently)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/admin/", http.StatusFound)
	})

	return r
}
