// Package retention enforces time-based audit retention:
// archive-then-purge of events whose stamped retention expiry has
// passed, plus storage diagnostics for detecting enforcement drift.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/phivault/internal/archive"
	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	// ErrCycleInProgress means an enforcement cycle is already running;
	// cycles never overlap with themselves.
	ErrCycleInProgress = errors.New("retention cycle already in progress")

	// ErrArchiveFailed aborts the cycle with zero deletions: unarchived
	// regulated records are never deleted.
	ErrArchiveFailed = errors.New("archive failed")
)

var (
	deletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phivault_retention_deleted_total",
		Help: "Audit events purged by the retention enforcer.",
	})

	cycleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "phivault_retention_cycle_seconds",
		Help:    "Retention enforcement cycle duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(deletedTotal, cycleSeconds)
}

// Enforcer runs retention enforcement cycles over the audit store.
type Enforcer struct {
	store storage.Store
	sink  archive.Sink
	now   func() time.Time

	runLock sync.Mutex
}

// NewEnforcer creates an Enforcer archiving to the given sink.
func NewEnforcer(store storage.Store, sink archive.Sink) *Enforcer {
	return &Enforcer{
		store: store,
		sink:  sink,
		now:   time.Now,
	}
}

// Enforce runs one enforcement cycle: select every event whose stored
// retention expiry has passed, archive the full set, then delete it.
// Re-running is idempotent — deletion only targets records whose
// precomputed expiry has passed, regardless of prior attempts.
func (e *Enforcer) Enforce(ctx context.Context, policy models.RetentionPolicy) (*models.EnforcementResult, error) {
	if !e.runLock.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer e.runLock.Unlock()

	if err := ValidatePolicy(policy); err != nil {
		return nil, err
	}

	start := e.now()
	result := &models.EnforcementResult{}
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		cycleSeconds.Observe(time.Since(start).Seconds())
	}()

	expired, err := e.store.ExpiredAuditEvents(ctx, start.UTC())
	if err != nil {
		result.Errors++
		return result, fmt.Errorf("selecting expired audit events: %w", err)
	}
	result.Processed = len(expired)
	if len(expired) == 0 {
		return result, nil
	}

	if policy.ArchiveBeforeDelete {
		name := archive.ObjectName(start)
		if err := e.sink.Archive(ctx, name, expired); err != nil {
			result.Errors++
			log.Error().Err(err).Int("events", len(expired)).Msg("archive failed, aborting cycle with zero deletions")
			return result, fmt.Errorf("%w: %v", ErrArchiveFailed, err)
		}
		result.Archived = len(expired)
		result.ArchiveObject = name
	}

	ids := make([]string, len(expired))
	for i, ev := range expired {
		ids[i] = ev.ID
	}
	deleted, err := e.store.DeleteAuditEvents(ctx, ids)
	result.Deleted = int(deleted)
	deletedTotal.Add(float64(deleted))
	if err != nil {
		// Partial progress is safe: archived-but-undeleted records are
		// reselected by the next cycle.
		result.Errors++
		return result, fmt.Errorf("deleting expired audit events: %w", err)
	}

	log.Info().
		Int("processed", result.Processed).
		Int("archived", result.Archived).
		Int("deleted", result.Deleted).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("retention cycle complete")
	return result, nil
}

// StorageStats reports audit store size and how many records currently
// exceed retention. Read-only diagnostic.
func (e *Enforcer) StorageStats(ctx context.Context) (*models.StorageStats, error) {
	return e.store.AuditStats(ctx, e.now().UTC())
}

// ValidatePolicy checks a retention policy for configuration mistakes.
func ValidatePolicy(policy models.RetentionPolicy) error {
	if policy.RetentionYears < 1 {
		return fmt.Errorf("retention_years must be at least 1, got %d", policy.RetentionYears)
	}
	if policy.ArchiveBeforeDelete && policy.ArchiveDestination == "" {
		return errors.New("archive_destination required when archive_before_delete is set")
	}
	return nil
}
