package api

import (
	"net/http"
	"time"

	"github.com/org/phivault/pkg/models"
)

// RotationStatusHandler handles GET /v1/rotation/status: the
// classification of every configured key type, for dashboards.
func (s *Server) RotationStatusHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.monitor.Status(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"keys": statuses})
}

// RotationRecordHandler handles POST /v1/rotation/rotations: appends a
// completed-rotation record for a key type. The rotation itself (key
// generation and re-encryption) happens outside this subsystem.
func (s *Server) RotationRecordHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyType   string     `json:"key_type"`
		RotatedAt *time.Time `json:"rotated_at"`
		RotatedBy string     `json:"rotated_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.KeyType == "" {
		writeError(w, http.StatusBadRequest, "key_type is required")
		return
	}

	record := &models.RotationRecord{
		KeyType:   req.KeyType,
		RotatedAt: time.Now().UTC(),
		RotatedBy: req.RotatedBy,
	}
	if req.RotatedAt != nil {
		record.RotatedAt = req.RotatedAt.UTC()
	}
	if err := s.store.AppendRotation(r.Context(), record); err != nil {
		writeError(w, http.StatusInternalServerError, "recording rotation failed")
		return
	}
	writeJSON(w, http.StatusCreated, record)
}
