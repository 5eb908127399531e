package httpapi

import (
	"net/http"

	"github.com/ent0n29/alloy/internal/observability"
)

// handlePerfLatency serves the rolling turn latency window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetTurnStages()
		respondJSON(w, http.StatusOK, map[string]any{"status": "reset"})
		return
	}
	snap := s.metrics.SnapshotTurnStages()
	if snap.Stages == nil {
		snap.Stages = []observability.TurnStageStats{}
	}
	respondJSON(w, http.StatusOK, snap)
}
