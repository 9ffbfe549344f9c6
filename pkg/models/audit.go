package models

import "time"

// Audit actions. The action drives the base risk score of the event.
const (
	ActionCreate       = "CREATE"
	ActionRead         = "READ"
	ActionUpdate       = "UPDATE"
	ActionDelete       = "DELETE"
	ActionPHIAccess    = "PHI_ACCESS"
	ActionExport       = "EXPORT"
	ActionLoginAttempt = "LOGIN_ATTEMPT"
	ActionLogout       = "LOGOUT"
	ActionFailedAccess = "FAILED_ACCESS"
)

var baseRiskScores = map[string]int{
	ActionCreate:       10,
	ActionRead:         5,
	ActionUpdate:       15,
	ActionDelete:       20,
	ActionPHIAccess:    25,
	ActionExport:       30,
	ActionLoginAttempt: 5,
	ActionLogout:       2,
	ActionFailedAccess: 15,
}

// BaseRiskScore returns the risk score assigned to an action before
// PHI-field and failure weighting. Unknown actions score 5.
func BaseRiskScore(action string) int {
	if s, ok := baseRiskScores[action]; ok {
		return s
	}
	return 5
}

// AuditEvent is one immutable entry in the hash-chained audit trail.
// Created once by the Recorder, never updated, deleted only by the
// retention enforcer after archival.
type AuditEvent struct {
	ID              string     `json:"id"`
	Seq             int64      `json:"seq"`
	ActorID         *string    `json:"actor_id,omitempty"` // nil for system-initiated events
	Action          string     `json:"action"`
	ResourceType    string     `json:"resource_type"`
	ResourceID      string     `json:"resource_id,omitempty"`
	FieldsAccessed  []string   `json:"fields_accessed,omitempty"`
	PHIFieldCount   int        `json:"phi_field_count"`
	RequestMethod   string     `json:"request_method,omitempty"`
	RequestPath     string     `json:"request_path,omitempty"`
	ClientIP        string     `json:"client_ip,omitempty"`
	UserAgent       string     `json:"user_agent,omitempty"`
	Success         bool       `json:"success"`
	StatusCode      int        `json:"status_code,omitempty"`
	RiskScore       int        `json:"risk_score"`
	CorrelationID   string     `json:"correlation_id"`
	OccurredAt      time.Time  `json:"occurred_at"`
	RetentionExpiry time.Time  `json:"retention_expiry"`
	PreviousHash    string     `json:"previous_hash"`
	ContentHash     string     `json:"content_hash"`
}

// Actor returns the actor id or "" for system-initiated events.
func (e *AuditEvent) Actor() string {
	if e.ActorID == nil {
		return ""
	}
	return *e.ActorID
}

// Failed reports whether the event describes a failed operation for
// risk-weighting purposes.
func (e *AuditEvent) Failed() bool {
	return !e.Success || e.StatusCode >= 400
}
