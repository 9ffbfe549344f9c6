package models

import "time"

// Well-known key types tracked by the rotation monitor.
const (
	KeyTypePHIMaster      = "phi_master"
	KeyTypeSessionSigning = "session_signing"
)

// RotationRecord is one completed rotation of a key type. Append-only;
// the newest record per key type defines that key's current age.
type RotationRecord struct {
	ID        int64     `json:"id"`
	KeyType   string    `json:"key_type"`
	RotatedAt time.Time `json:"rotated_at"`
	RotatedBy string    `json:"rotated_by,omitempty"`
}

// KeyAgeState classifies how close a key is to its rotation deadline.
type KeyAgeState string

const (
	KeyStateUnknown  KeyAgeState = "unknown"
	KeyStateOK       KeyAgeState = "ok"
	KeyStateWarning  KeyAgeState = "warning"
	KeyStateCritical KeyAgeState = "critical"
	KeyStateOverdue  KeyAgeState = "overdue"
)

// KeyRotationPolicy configures the rotation deadline for one key type.
type KeyRotationPolicy struct {
	KeyType               string `json:"key_type" yaml:"key_type"`
	MaxAgeDays            int    `json:"max_age_days" yaml:"max_age_days"`
	WarningThresholdDays  []int  `json:"warning_threshold_days" yaml:"warning_threshold_days"`
	CriticalThresholdDays int    `json:"critical_threshold_days" yaml:"critical_threshold_days"`
}

// DefaultRotationPolicies covers the built-in key types with HIPAA-common
// deadlines: yearly for the PHI master key, quarterly for session signing.
func DefaultRotationPolicies() []KeyRotationPolicy {
	return []KeyRotationPolicy{
		{
			KeyType:               KeyTypePHIMaster,
			MaxAgeDays:            365,
			WarningThresholdDays:  []int{30, 14, 7},
			CriticalThresholdDays: 3,
		},
		{
			KeyType:               KeyTypeSessionSigning,
			MaxAgeDays:            90,
			WarningThresholdDays:  []int{14, 7},
			CriticalThresholdDays: 2,
		},
	}
}

// KeyStatus is the classification of one key type at check time.
type KeyStatus struct {
	KeyType           string      `json:"key_type"`
	State             KeyAgeState `json:"state"`
	AgeDays           int         `json:"age_days"`
	DaysUntilRotation int         `json:"days_until_rotation"`
	LastRotatedAt     *time.Time  `json:"last_rotated_at,omitempty"` // nil when never rotated
	CheckedAt         time.Time   `json:"checked_at"`
}

// RotationAlert is emitted once per affected key type per check cycle.
// Deduplication across cycles is the notifier's concern.
type RotationAlert struct {
	Severity string    `json:"severity"` // "warning" or "critical"
	Status   KeyStatus `json:"status"`
	Message  string    `json:"message"`
}
