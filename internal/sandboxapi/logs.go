package sandboxapi

import (
	"net/http"
	"strconv"

	"github.com/choiros/sandbox/internal/eventstore"
)

const defaultLogsLimit = 100

// handleLogsEvents implements `GET /logs/events?task_id=&limit=`. The
// store's query surface (spec.md §4.1) has no run_id filter, only
// actor_id/user_id/type_prefix, so this scans the recent window and
// filters by RunID in-process — acceptable because logs/events is a
// diagnostic tail, not a hot path.
func (s *Server) handleLogsEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	limit := defaultLogsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var since int64
	if latest, ok, err := s.store.GetLatestSeq(r.Context()); err == nil && ok && latest > 5000 {
		since = latest - 5000
	}
	events, err := s.store.GetRecentEvents(r.Context(), since, 5000, "", "", "")
	if err != nil {
		writeAppErr(w, err)
		return
	}

	filtered := make([]eventstore.Event, 0, limit)
	for _, ev := range events {
		if taskID != "" && ev.RunID != taskID {
			continue
		}
		filtered = append(filtered, ev)
		if len(filtered) >= limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, filtered)
}
