package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
)

type auditRecordRequest struct {
	ActorID        *string  `json:"actor_id"`
	Action         string   `json:"action"`
	ResourceType   string   `json:"resource_type"`
	ResourceID     string   `json:"resource_id"`
	FieldsAccessed []string `json:"fields_accessed"`
	RequestMethod  string   `json:"request_method"`
	RequestPath    string   `json:"request_path"`
	ClientIP       string   `json:"client_ip"`
	UserAgent      string   `json:"user_agent"`
	Success        bool     `json:"success"`
	StatusCode     int      `json:"status_code"`
	CorrelationID  string   `json:"correlation_id"`
}

// AuditRecordHandler handles POST /v1/audit/events: an upstream
// PHI-handling operation delegating its audit record. Recording never
// fails from the caller's perspective; a degraded store diverts to the
// fallback channel and surfaces through /v1/sys/health.
func (s *Server) AuditRecordHandler(w http.ResponseWriter, r *http.Request) {
	var req auditRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" || req.ResourceType == "" {
		writeError(w, http.StatusBadRequest, "action and resource_type are required")
		return
	}

	event := &models.AuditEvent{
		ActorID:        req.ActorID,
		Action:         req.Action,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		FieldsAccessed: req.FieldsAccessed,
		RequestMethod:  req.RequestMethod,
		RequestPath:    req.RequestPath,
		ClientIP:       req.ClientIP,
		UserAgent:      req.UserAgent,
		Success:        req.Success,
		StatusCode:     req.StatusCode,
		CorrelationID:  req.CorrelationID,
	}
	s.recorder.Record(r.Context(), event)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":               event.ID,
		"risk_score":       event.RiskScore,
		"phi_field_count":  event.PHIFieldCount,
		"content_hash":     event.ContentHash,
		"retention_expiry": event.RetentionExpiry,
		"correlation_id":   event.CorrelationID,
		"degraded":         s.recorder.Degraded(),
	})
}

// AuditQueryHandler handles GET /v1/audit/events.
func (s *Server) AuditQueryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		ActorID:      q.Get("actor_id"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        100,
	}
	if v := q.Get("min_risk_score"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_risk_score must be an integer")
			return
		}
		filter.MinRiskScore = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	events, err := s.recorder.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// AuditVerifyHandler handles GET /v1/audit/verify: the periodic
// compliance self-check walking the full hash chain.
func (s *Server) AuditVerifyHandler(w http.ResponseWriter, r *http.Request) {
	breaks, err := s.recorder.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "integrity verification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intact": len(breaks) == 0,
		"breaks": breaks,
	})
}
