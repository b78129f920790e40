package api

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-unit or per-client labels).
var (
	advanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nck_advance_duration_seconds",
		Help:    "Time spent in one Integrator.Advance tick",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
	})

	unitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nck_unit_count",
		Help: "Current number of units in the simulation",
	})

	bondCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nck_bond_count",
		Help: "Current number of vertex bonds",
	})

	requestQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nck_request_queue_dropped_total",
		Help: "UI requests dropped because the request queue was full",
	})

	clientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nck_clients_active",
		Help: "Currently connected NCK protocol clients",
	})

	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nck_broadcasts_total",
		Help: "Total SimulationUpdateNotification broadcasts sent",
	})

	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_ip_limit", "ws_total_limit"

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections (browser viewers)",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total WebSocket messages sent to browser viewers",
	})
)

// ObservabilityConfig configures the debug server.
type ObservabilityConfig struct {
	Enabled       bool
	ListenAddr    string // MUST be "127.0.0.1:6060" in production
	BasicAuthUser string
	BasicAuthPass string
}

// DefaultObservabilityConfig returns safe defaults.
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// StartDebugServer starts the internal observability server.
// CRITICAL: this MUST bind to localhost only to prevent pprof-based DoS.
func StartDebugServer(cfg ObservabilityConfig) error {
	if !cfg.Enabled {
		log.Println("debug server disabled")
		return nil
	}

	if cfg.ListenAddr != "127.0.0.1:6060" && cfg.ListenAddr != "localhost:6060" {
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("debug server forced to localhost for security")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	var handler http.Handler = mux
	if cfg.BasicAuthUser != "" {
		handler = basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}

	go func() {
		log.Printf("debug server starting on %s", cfg.ListenAddr)
		if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
			log.Printf("debug server error: %v", err)
		}
	}()

	return nil
}

func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordAdvance records one tick's Advance duration.
func RecordAdvance(d time.Duration) {
	advanceDuration.Observe(d.Seconds())
}

// UpdateUnitCount updates the unit-count gauge.
func UpdateUnitCount(count int) {
	unitCount.Set(float64(count))
}

// UpdateBondCount updates the bond-count gauge.
func UpdateBondCount(count int) {
	bondCount.Set(float64(count))
}

// RecordRequestQueueDropped increments the dropped-request counter.
func RecordRequestQueueDropped(n uint64) {
	requestQueueDropped.Add(float64(n))
}

// UpdateClientsActive updates the connected-clients gauge.
func UpdateClientsActive(count int) {
	clientsActive.Set(float64(count))
}

// RecordBroadcast increments the broadcast counter.
func RecordBroadcast() {
	broadcastsTotal.Inc()
}

// RecordConnectionRejected increments the rejection counter.
// reason must be one of: "rate_limit", "origin", "ws_ip_limit", "ws_total_limit".
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

// UpdateWSConnections updates WebSocket connection count.
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages increments the WebSocket message counter.
func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}
