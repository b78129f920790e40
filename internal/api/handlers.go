package api

import (
	"encoding/json"
	"net/http"

	"nck/internal/geom"
	"nck/internal/sim"
	"nck/internal/telemetry"
	"nck/internal/units"
)

// Handler methods for routerHandlers. Used by both the standalone router
// (for testing) and the full Server.

// emit records a structural event originating from the admin API, a no-op
// if no EventLog was configured.
func (h *routerHandlers) emit(eventType telemetry.EventType, r *http.Request, payload interface{}) {
	if h.events == nil {
		return
	}
	h.events.Emit(telemetry.NewEvent(eventType, h.sim.LatestSnapshot().TimeStamp, "admin-api:"+GetClientIP(r), payload))
}

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap := h.sim.LatestSnapshot()
	reduced := make([]units.ReducedUnitState, len(snap.Units))
	for i, u := range snap.Units {
		reduced[i] = units.Reduce(u)
	}
	writeJSON(w, map[string]interface{}{
		"sessionId": snap.SessionID,
		"timeStamp": snap.TimeStamp,
		"units":     reduced,
	})
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	snap := h.sim.LatestSnapshot()
	qstats := h.sim.QueueStats()

	stats := map[string]interface{}{
		"unitCount":       len(snap.Units),
		"sessionId":       snap.SessionID,
		"timeStamp":       snap.TimeStamp,
		"requestsQueued":  qstats.Enqueued,
		"requestsDropped": qstats.Dropped,
		"requestsDrained": qstats.Drained,
		"queuePending":    qstats.Pending,
		"queueCapacity":   qstats.Capacity,
	}
	if h.serverStats != nil {
		srvStats := h.serverStats()
		stats["clients"] = srvStats.Clients
		stats["broadcasts"] = srvStats.Broadcasts
	}
	writeJSON(w, stats)
}

func (h *routerHandlers) handleGetTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.sim.UnitTypes())
}

func (h *routerHandlers) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.sim.ParametersSnapshot())
}

func (h *routerHandlers) handleSetParameters(w http.ResponseWriter, r *http.Request) {
	var p sim.Parameters
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	h.sim.SetParameters(p)
	writeJSON(w, map[string]bool{"success": true})
}

type pickPointRequest struct {
	Position  geom.Point      `json:"position"`
	Radius    float64         `json:"radius"`
	Orient    geom.Quaternion `json:"orient"`
	Connected bool            `json:"connected"`
}

func (h *routerHandlers) handlePickPoint(w http.ResponseWriter, r *http.Request) {
	var req pickPointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	pid := h.sim.AllocatePickID()
	ok := h.sim.Enqueue(sim.Request{
		Kind: sim.ReqPickPoint, PickID: pid, Pos: req.Position,
		Radius: req.Radius, Orient: req.Orient, Connected: req.Connected,
	})
	if !ok {
		writeError(w, "request queue full", http.StatusServiceUnavailable)
		return
	}
	h.emit(telemetry.EventPickPoint, r, req)
	writeJSON(w, map[string]interface{}{"pickId": pid})
}

func (h *routerHandlers) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req struct{ PickID units.PickID `json:"pickId"` }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	ok := h.sim.Enqueue(sim.Request{Kind: sim.ReqDestroy, PickID: req.PickID})
	if ok {
		h.emit(telemetry.EventDestroy, r, req)
	}
	writeJSON(w, map[string]bool{"success": ok})
}

func (h *routerHandlers) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct{ PickID units.PickID `json:"pickId"` }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	ok := h.sim.Enqueue(sim.Request{Kind: sim.ReqRelease, PickID: req.PickID})
	if ok {
		h.emit(telemetry.EventRelease, r, req)
	}
	writeJSON(w, map[string]bool{"success": ok})
}

// Helper functions (package-level for reuse).

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
