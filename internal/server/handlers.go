package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/relay/internal/events"
)

// handleHealth responds with a simple liveness payload
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// StatusResponse is the /api/status payload
type StatusResponse struct {
	UnifiedState string `json:"unified_state"`
	BrokerState  string `json:"broker_state"`
	CloudState   string `json:"cloud_state"`
	MasterSwitch bool   `json:"master_switch"`
	AccountCount int    `json:"account_count"`

	CumulativePnl float64 `json:"cumulative_pnl"`

	RateLimits interface{} `json:"rate_limits,omitempty"`
}

// handleStatus reports the derived and per-session connection states
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	brokerState, cloudState := s.orch.SessionStates()

	resp := StatusResponse{
		UnifiedState:  string(s.orch.UnifiedState()),
		BrokerState:   string(brokerState),
		CloudState:    string(cloudState),
		MasterSwitch:  s.registry.MasterEnabled(),
		AccountCount:  len(s.registry.Snapshot()),
		CumulativePnl: s.registry.CumulativePnl(),
	}
	if s.cloud != nil {
		resp.RateLimits = s.cloud.LimiterStats()
	}

	s.writeJSON(w, resp)
}

// handleAccounts returns the full registry snapshot. Account records never
// contain credentials so the whole struct is safe to expose.
// GET /api/accounts
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.registry.Snapshot())
}

// handleKillSwitch toggles the master switch
// POST /api/killswitch {"enabled": bool}
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.registry.SetMasterKillSwitch(req.Enabled)
	s.writeJSON(w, map[string]bool{"enabled": req.Enabled})
}

// handleAccountTrading toggles one account's trading permission
// POST /api/accounts/{id}/trading {"enabled": bool}
func (s *Server) handleAccountTrading(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid account id", http.StatusBadRequest)
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if !s.registry.SetAccountTrading(id, req.Enabled) {
		http.Error(w, "Unknown account", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]bool{"enabled": req.Enabled})
}

// handleSystem reports host resource usage
// GET /api/system
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	cpuAvg, memUsed := s.systemStats()
	s.writeJSON(w, map[string]float64{
		"cpu_percent": cpuAvg,
		"mem_percent": memUsed,
	})
}

// systemStats samples CPU over a short interval so the endpoint stays fast
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// handleEventStream pushes bus events to the dashboard as SSE
// GET /api/events/stream
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Buffered so a slow client drops events instead of blocking the bus
	stream := make(chan events.Event, 64)
	unsubscribe := s.bus.SubscribeAll(func(e events.Event) {
		select {
		case stream <- e:
		default:
		}
	})
	defer unsubscribe()

	s.log.Info().Msg("Event stream client connected")
	for {
		select {
		case <-r.Context().Done():
			s.log.Info().Msg("Event stream client disconnected")
			return
		case event := <-stream:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + string(event.Type) + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
