package api

import (
	"errors"
	"net/http"

	"github.com/org/phivault/internal/retention"
)

// RetentionRunHandler handles POST /v1/retention/run: triggers one
// enforcement cycle outside the scheduled cadence.
func (s *Server) RetentionRunHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.enforcer.Enforce(r.Context(), s.policy)
	switch {
	case errors.Is(err, retention.ErrCycleInProgress):
		writeError(w, http.StatusConflict, "retention cycle already in progress")
		return
	case errors.Is(err, retention.ErrArchiveFailed):
		// Cycle aborted with zero deletions; report the partial result.
		writeJSON(w, http.StatusBadGateway, result)
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RetentionStatsHandler handles GET /v1/retention/stats: storage totals
// and the count currently exceeding retention, to detect enforcement
// drift.
func (s *Server) RetentionStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.enforcer.StorageStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":  stats,
		"policy": s.policy,
	})
}
