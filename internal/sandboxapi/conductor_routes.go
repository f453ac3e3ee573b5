package sandboxapi

import (
	"encoding/json"
	"net/http"

	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/conductor"
)

type executeRequest struct {
	Objective  string         `json:"objective"`
	DesktopID  string         `json:"desktop_id"`
	OutputMode string         `json:"output_mode"`
	Hints      map[string]any `json:"hints"`
}

// handleConductorExecute implements `POST /conductor/execute`.
func (s *Server) handleConductorExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	run, err := s.cond.ExecuteTask(r.Context(), conductor.ExecuteRequest{
		Objective:  req.Objective,
		DesktopID:  req.DesktopID,
		OutputMode: req.OutputMode,
		Hints:      req.Hints,
	})
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleConductorGetRun implements both `GET /conductor/tasks/{id}` and
// `GET /conductor/runs/{id}` — spec.md §6 names both but conductor.Run
// has no separate "task" identity, so both resolve through the same
// GetRun lookup (Open Question decision, recorded in DESIGN.md).
func (s *Server) handleConductorGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.cond.GetRun(id)
	if !ok {
		writeAppErr(w, apperr.New(apperr.NotFound, "sandboxapi: no run "+id))
		return
	}
	writeJSON(w, http.StatusOK, run)
}
