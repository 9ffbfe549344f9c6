package models

import "time"

// RetentionPolicy governs how long audit events are kept and how they
// are disposed of. It is configuration, not a persisted entity.
type RetentionPolicy struct {
	RetentionYears      int    `json:"retention_years" yaml:"retention_years"`
	ArchiveBeforeDelete bool   `json:"archive_before_delete" yaml:"archive_before_delete"`
	ArchiveDestination  string `json:"archive_destination" yaml:"archive_destination"`
}

// DefaultRetentionPolicy is the 7-year audit-trail policy, the longest
// statutory minimum this system must satisfy.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionYears:      7,
		ArchiveBeforeDelete: true,
		ArchiveDestination:  "archives",
	}
}

// EnforcementResult summarizes one retention enforcement cycle.
type EnforcementResult struct {
	Processed     int    `json:"processed"`
	Archived      int    `json:"archived"`
	Deleted       int    `json:"deleted"`
	Errors        int    `json:"errors"`
	DurationMs    int64  `json:"duration_ms"`
	ArchiveObject string `json:"archive_object,omitempty"`
}

// StorageStats reports audit store size and enforcement drift.
type StorageStats struct {
	TotalEvents    int64      `json:"total_events"`
	OldestEvent    *time.Time `json:"oldest_event,omitempty"`
	NewestEvent    *time.Time `json:"newest_event,omitempty"`
	ExpiredEvents  int64      `json:"expired_events"`
	EstimatedBytes int64      `json:"estimated_bytes"`
}
