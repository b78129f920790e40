package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nck/internal/telemetry"
)

// Server is the HTTP API server with WebSocket support. It combines the
// HTTP router (state/parameters/pick endpoints) with a WebSocket hub that
// fans the simulation state out to browser viewers.
type Server struct {
	sim         SimInterface
	router      *chi.Mux
	wsHub       *WebSocketHub
	rateLimiter *IPRateLimiter
}

// NewServer creates a new API server with default production configuration.
//
// IMPORTANT: background workers do NOT start until Start() is called. This
// enables testing by allowing the server to be constructed without starting
// goroutines or opening network listeners.
//
// statsFn supplies the network server's client/broadcast counters for
// GET /api/stats; pass nil if none is available.
//
// events is optional; when nil, structural requests made through the admin
// API are not audit-logged.
func NewServer(sim SimInterface, statsFn ServerStatsFunc, events *telemetry.EventLog) *Server {
	s := &Server{
		sim:   sim,
		wsHub: NewWebSocketHub(),
	}

	s.rateLimiter = NewIPRateLimiter(DefaultRateLimitConfig)

	s.router = NewRouter(RouterConfig{
		Sim:         sim,
		ServerStats: statsFn,
		Events:      events,
		RateLimiter: s.rateLimiter,
	})

	s.setupWebSocketRoutes()

	return s
}

// setupWebSocketRoutes adds WebSocket-specific routes to the router. These
// routes need access to the wsHub instance, so they can't be part of the
// generic NewRouter factory.
func (s *Server) setupWebSocketRoutes() {
	s.router.Get("/ws", s.handleWS)
}

// Start begins the HTTP server AND starts background workers.
//
// Call this method only once. To stop the server, signal the process.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()
	s.wsHub.StartBroadcastLoop(s.sim)

	log.Printf("api server starting on %s", addr)
	log.Printf("admin panel: http://localhost%s/admin", addr)

	return http.ListenAndServe(addr, s.router)
}

// Router returns the HTTP handler for use with httptest.
//
// Example:
//
//	server := api.NewServer(sim, nil, nil)
//	ts := httptest.NewServer(server.Router())
//	defer ts.Close()
//	resp, _ := http.Get(ts.URL + "/api/state")
func (s *Server) Router() http.Handler {
	return s.router
}

// Stop stops the rate limiter's background worker. It does not stop the
// WebSocket hub or close the HTTP listener.
func (s *Server) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.wsHub.HandleWebSocket(w, r)
}
