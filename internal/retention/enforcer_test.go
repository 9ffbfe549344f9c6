package retention

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/org/phivault/internal/archive"
	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvent(t *testing.T, store *storage.MemoryStore, expiredFor time.Duration) *models.AuditEvent {
	t.Helper()
	now := time.Now().UTC()
	e := &models.AuditEvent{
		ID:              uuid.NewString(),
		Action:          models.ActionRead,
		ResourceType:    "patient_record",
		Success:         true,
		CorrelationID:   uuid.NewString(),
		OccurredAt:      now.Add(-expiredFor - 7*24*365*time.Hour),
		RetentionExpiry: now.Add(-expiredFor),
		ContentHash:     "h-" + uuid.NewString(),
	}
	require.NoError(t, store.AppendAuditEvent(context.Background(), e))
	return e
}

func seedLiveEvent(t *testing.T, store *storage.MemoryStore) *models.AuditEvent {
	t.Helper()
	now := time.Now().UTC()
	e := &models.AuditEvent{
		ID:              uuid.NewString(),
		Action:          models.ActionRead,
		ResourceType:    "patient_record",
		Success:         true,
		OccurredAt:      now,
		RetentionExpiry: now.AddDate(7, 0, 0),
		ContentHash:     "h-" + uuid.NewString(),
	}
	require.NoError(t, store.AppendAuditEvent(context.Background(), e))
	return e
}

func fileSink(t *testing.T) (*archive.FileSink, string) {
	t.Helper()
	dir := t.TempDir()
	sink, err := archive.NewFileSink(dir)
	require.NoError(t, err)
	return sink, dir
}

func testPolicy(dir string) models.RetentionPolicy {
	return models.RetentionPolicy{
		RetentionYears:      7,
		ArchiveBeforeDelete: true,
		ArchiveDestination:  dir,
	}
}

func TestEnforceArchivesThenDeletes(t *testing.T) {
	store := storage.NewMemoryStore()
	for i := 0; i < 3; i++ {
		seedEvent(t, store, time.Hour)
	}
	live := seedLiveEvent(t, store)

	sink, dir := fileSink(t)
	e := NewEnforcer(store, sink)

	result, err := e.Enforce(context.Background(), testPolicy(dir))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, result.Archived)
	assert.Equal(t, 3, result.Deleted)
	assert.Equal(t, 0, result.Errors)
	assert.NotEmpty(t, result.ArchiveObject)

	// The archive holds exactly the purged events, one JSON line each.
	f, err := os.Open(filepath.Join(dir, result.ArchiveObject))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	var archived []models.AuditEvent
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var ev models.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		archived = append(archived, ev)
	}
	require.NoError(t, scanner.Err())
	assert.Len(t, archived, 3)

	// The live record survives.
	remaining, err := store.AuditEventsAsc(context.Background())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, live.ID, remaining[0].ID)
}

func TestEnforceIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEvent(t, store, time.Hour)
	sink, dir := fileSink(t)
	e := NewEnforcer(store, sink)
	policy := testPolicy(dir)

	first, err := e.Enforce(context.Background(), policy)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Deleted)

	second, err := e.Enforce(context.Background(), policy)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 0, second.Deleted, "second run with no new data must delete nothing")
}

// failingSink simulates an unreachable archive destination.
type failingSink struct{}

func (failingSink) Archive(context.Context, string, []*models.AuditEvent) error {
	return errors.New("destination unreachable")
}

func TestArchiveFailureAbortsWithZeroDeletions(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEvent(t, store, time.Hour)
	e := NewEnforcer(store, failingSink{})

	result, err := e.Enforce(context.Background(), testPolicy("archives"))
	require.ErrorIs(t, err, ErrArchiveFailed)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, 1, result.Errors)

	remaining, err := store.AuditEventsAsc(context.Background())
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "never delete unarchived regulated records")
}

func TestEnforceWithoutArchiving(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEvent(t, store, time.Hour)
	e := NewEnforcer(store, failingSink{}) // sink must not be touched

	policy := models.RetentionPolicy{RetentionYears: 7, ArchiveBeforeDelete: false}
	result, err := e.Enforce(context.Background(), policy)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 0, result.Archived)
	assert.Empty(t, result.ArchiveObject)
}

func TestEnforceEmptyStore(t *testing.T) {
	store := storage.NewMemoryStore()
	sink, dir := fileSink(t)
	e := NewEnforcer(store, sink)

	result, err := e.Enforce(context.Background(), testPolicy(dir))
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Zero(t, result.Deleted)

	// No archive object is written for an empty cycle.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStorageStats(t *testing.T) {
	store := storage.NewMemoryStore()
	seedEvent(t, store, time.Hour)
	seedLiveEvent(t, store)
	sink, dir := fileSink(t)
	e := NewEnforcer(store, sink)
	_ = dir

	stats, err := e.StorageStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalEvents)
	assert.EqualValues(t, 1, stats.ExpiredEvents)
	require.NotNil(t, stats.OldestEvent)
	require.NotNil(t, stats.NewestEvent)
	assert.True(t, stats.OldestEvent.Before(*stats.NewestEvent))
	assert.Positive(t, stats.EstimatedBytes)
}

func TestValidatePolicy(t *testing.T) {
	assert.NoError(t, ValidatePolicy(models.DefaultRetentionPolicy()))
	assert.Error(t, ValidatePolicy(models.RetentionPolicy{RetentionYears: 0, ArchiveBeforeDelete: false}))
	assert.Error(t, ValidatePolicy(models.RetentionPolicy{RetentionYears: 7, ArchiveBeforeDelete: true, ArchiveDestination: ""}))
}
