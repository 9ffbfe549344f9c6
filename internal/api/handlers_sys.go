package api

import (
	"net/http"
	"time"
)

// HealthHandler handles GET /v1/sys/health. Audit-logging failures
// never abort business operations, so the fallback-degraded state is
// surfaced here as the secondary channel's visibility.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.recorder.Degraded() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":                status,
		"audit_fallback_active": s.recorder.Degraded(),
		"time":                  time.Now().UTC(),
	})
}
