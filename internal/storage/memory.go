package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/org/phivault/pkg/models"
)

// MemoryStore is an in-memory Store for tests and local development.
// Not durable; a process restart loses the log.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*models.AuditEvent
	rotations []*models.RotationRecord
	nextSeq   int64
	nextRotID int64

	// FailAppends makes audit appends fail, to exercise the fallback
	// channel in tests.
	FailAppends error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextSeq: 1, nextRotID: 1}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) AppendAuditEvent(_ context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppends != nil {
		return m.FailAppends
	}
	e.Seq = m.nextSeq
	m.nextSeq++
	clone := *e
	m.events = append(m.events, &clone)
	return nil
}

func (m *MemoryStore) LatestAuditEvent(_ context.Context) (*models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return nil, ErrNotFound
	}
	clone := *m.events[len(m.events)-1]
	return &clone, nil
}

func (m *MemoryStore) QueryAuditEvents(_ context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.ActorID != "" && e.Actor() != filter.ActorID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.MinRiskScore > 0 && e.RiskScore < filter.MinRiskScore {
			continue
		}
		if filter.Since != nil && e.OccurredAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !e.OccurredAt.Before(*filter.Until) {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AuditEventsAsc(_ context.Context) ([]*models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.AuditEvent, len(m.events))
	for i, e := range m.events {
		clone := *e
		out[i] = &clone
	}
	return out, nil
}

func (m *MemoryStore) ExpiredAuditEvents(_ context.Context, asOf time.Time) ([]*models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEvent
	for _, e := range m.events {
		if !e.RetentionExpiry.After(asOf) {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteAuditEvents(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []*models.AuditEvent
	var deleted int64
	for _, e := range m.events {
		if drop[e.ID] {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

func (m *MemoryStore) AuditStats(_ context.Context, asOf time.Time) (*models.StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &models.StorageStats{TotalEvents: int64(len(m.events))}
	for _, e := range m.events {
		if stats.OldestEvent == nil || e.OccurredAt.Before(*stats.OldestEvent) {
			t := e.OccurredAt
			stats.OldestEvent = &t
		}
		if stats.NewestEvent == nil || e.OccurredAt.After(*stats.NewestEvent) {
			t := e.OccurredAt
			stats.NewestEvent = &t
		}
		if !e.RetentionExpiry.After(asOf) {
			stats.ExpiredEvents++
		}
		stats.EstimatedBytes += 512 // rough per-row estimate
	}
	return stats, nil
}

// TamperAuditEvent mutates a stored event in place without recomputing
// its hash. Test hook for integrity verification.
func (m *MemoryStore) TamperAuditEvent(index int, mutate func(*models.AuditEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(m.events[index])
}

func (m *MemoryStore) AppendRotation(_ context.Context, r *models.RotationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.nextRotID
	m.nextRotID++
	clone := *r
	m.rotations = append(m.rotations, &clone)
	return nil
}

func (m *MemoryStore) LatestRotation(_ context.Context, keyType string) (*models.RotationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.RotationRecord
	for _, r := range m.rotations {
		if r.KeyType != keyType {
			continue
		}
		if latest == nil || r.RotatedAt.After(latest.RotatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

func (m *MemoryStore) ListRotations(_ context.Context, keyType string, limit int) ([]*models.RotationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RotationRecord
	for _, r := range m.rotations {
		if r.KeyType == keyType {
			clone := *r
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RotatedAt.After(out[j].RotatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
