// Package audit implements the hash-chained, risk-scored audit trail
// for PHI-adjacent operations. Each event carries a SHA-256 hash of its
// own content plus the previous event's hash, so altering any stored
// event breaks the chain from that point forward.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phivault_audit_events_total",
		Help: "Audit events recorded, by action.",
	}, []string{"action"})

	fallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phivault_audit_fallback_total",
		Help: "Audit events diverted to the fallback channel.",
	})
)

func init() {
	prometheus.MustRegister(eventsTotal, fallbackTotal)
}

// Recorder appends events to the audit chain. Appends are serialized:
// each event's previous_hash depends on the prior write having
// committed, so concurrent callers queue on the recorder's mutex.
// One chain per deployment, not per tenant.
type Recorder struct {
	store    storage.Store
	fallback *FallbackWriter
	policy   models.RetentionPolicy
	now      func() time.Time

	mu       sync.Mutex
	lastHash string
	degraded atomic.Bool
}

// NewRecorder creates a Recorder and recovers the chain tip from the
// most recent persisted event. An empty store seeds the genesis tip.
func NewRecorder(ctx context.Context, store storage.Store, fallback *FallbackWriter, policy models.RetentionPolicy) (*Recorder, error) {
	r := &Recorder{
		store:    store,
		fallback: fallback,
		policy:   policy,
		now:      time.Now,
	}
	last, err := store.LatestAuditEvent(ctx)
	switch {
	case err == nil:
		r.lastHash = last.ContentHash
	case errors.Is(err, storage.ErrNotFound):
		// fresh deployment, chain starts empty
	default:
		return nil, fmt.Errorf("recovering audit chain tip: %w", err)
	}
	return r, nil
}

// Record appends one event to the chain. It never returns an error to
// the calling business operation: a logging failure must not abort the
// PHI operation it describes. On store failure the event is written to
// the append-only fallback channel and the recorder reports degraded
// until a subsequent append succeeds.
func (r *Recorder) Record(ctx context.Context, e *models.AuditEvent) {
	r.prepare(e)

	r.mu.Lock()
	defer r.mu.Unlock()

	e.PreviousHash = r.lastHash
	e.ContentHash = ComputeContentHash(e)

	if err := r.store.AppendAuditEvent(ctx, e); err != nil {
		r.degraded.Store(true)
		fallbackTotal.Inc()
		log.Warn().Err(err).
			Str("event_id", e.ID).
			Str("action", e.Action).
			Msg("audit chain write failed, using fallback channel")
		if r.fallback != nil {
			if ferr := r.fallback.Append(e, err); ferr != nil {
				log.Error().Err(ferr).Str("event_id", e.ID).Msg("audit fallback write failed")
			}
		}
		return
	}

	r.lastHash = e.ContentHash
	r.degraded.Store(false)
	eventsTotal.WithLabelValues(e.Action).Inc()
}

// prepare fills derived and defaulted fields.
func (r *Recorder) prepare(e *models.AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	e.PHIFieldCount = len(e.FieldsAccessed)
	e.RiskScore = RiskScore(e)
	// Calendar years, not a fixed day count, so leap years are tracked.
	e.RetentionExpiry = e.OccurredAt.AddDate(r.policy.RetentionYears, 0, 0)
}

// Degraded reports whether the last append went to the fallback channel.
func (r *Recorder) Degraded() bool {
	return r.degraded.Load()
}

// Query retrieves audit events matching the filter.
func (r *Recorder) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEvent, error) {
	return r.store.QueryAuditEvents(ctx, filter)
}

// RiskScore computes the 0-100 risk score: base score per action, plus
// 2 per PHI field touched, plus 10 for a failed outcome.
func RiskScore(e *models.AuditEvent) int {
	score := models.BaseRiskScore(e.Action) + 2*len(e.FieldsAccessed)
	if e.Failed() {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ComputeContentHash hashes every persisted event field except the
// content hash itself, chained to the previous event's hash. Derived
// fields (risk score, retention expiry, correlation id) are covered
// too: rewriting any of them in place must break the chain.
func ComputeContentHash(e *models.AuditEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s|%d|%s|%s|%s|%s|%t|%d|%d|%s|%s",
		e.PreviousHash,
		e.ID,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.Actor(),
		e.Action,
		e.ResourceType,
		e.ResourceID,
		strings.Join(e.FieldsAccessed, ","),
		e.PHIFieldCount,
		e.RequestMethod,
		e.RequestPath,
		e.ClientIP,
		e.UserAgent,
		e.Success,
		e.StatusCode,
		e.RiskScore,
		e.CorrelationID,
		e.RetentionExpiry.UTC().Format(time.RFC3339Nano),
	)
	return hex.EncodeToString(h.Sum(nil))
}

// ChainBreak describes one integrity violation found in the chain.
type ChainBreak struct {
	Index    int    `json:"index"`
	EventID  string `json:"event_id"`
	Reason   string `json:"reason"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// VerifyIntegrity walks the full chain from the first record,
// recomputing each content hash and confirming every previous_hash
// linkage. Returns all breaks found. Meant for periodic compliance
// self-checks, not the hot path.
func (r *Recorder) VerifyIntegrity(ctx context.Context) ([]ChainBreak, error) {
	events, err := r.store.AuditEventsAsc(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit chain: %w", err)
	}

	var breaks []ChainBreak
	prev := ""
	for i, e := range events {
		if e.PreviousHash != prev {
			breaks = append(breaks, ChainBreak{
				Index:    i,
				EventID:  e.ID,
				Reason:   "previous hash mismatch",
				Expected: prev,
				Actual:   e.PreviousHash,
			})
		}
		if recomputed := ComputeContentHash(e); recomputed != e.ContentHash {
			breaks = append(breaks, ChainBreak{
				Index:    i,
				EventID:  e.ID,
				Reason:   "content hash mismatch",
				Expected: recomputed,
				Actual:   e.ContentHash,
			})
		}
		// Continue the walk from the stored hash so one altered record
		// yields one break, not a cascade.
		prev = e.ContentHash
	}
	return breaks, nil
}
