package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/phivault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for the PHI accountability
// subsystem: an ordered append-only audit event log and an append-only
// key rotation history.
type Store interface {
	// Audit events
	AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error
	LatestAuditEvent(ctx context.Context) (*models.AuditEvent, error)
	QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)
	// AuditEventsAsc returns the full log in append order, for chain
	// verification. Not a hot path.
	AuditEventsAsc(ctx context.Context) ([]*models.AuditEvent, error)
	ExpiredAuditEvents(ctx context.Context, asOf time.Time) ([]*models.AuditEvent, error)
	DeleteAuditEvents(ctx context.Context, ids []string) (int64, error)
	AuditStats(ctx context.Context, asOf time.Time) (*models.StorageStats, error)

	// Key rotation history
	AppendRotation(ctx context.Context, record *models.RotationRecord) error
	LatestRotation(ctx context.Context, keyType string) (*models.RotationRecord, error)
	ListRotations(ctx context.Context, keyType string, limit int) ([]*models.RotationRecord, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	MinRiskScore int
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}
