package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/org/phivault/pkg/models"
)

// FallbackWriter is the secondary append-only channel used when the
// audit store is unavailable. Entries here are exempt from the hash
// chain (this is already a degraded-mode path) but remain append-only
// and timestamped.
type FallbackWriter struct {
	mu   sync.Mutex
	path string
}

// NewFallbackWriter creates a writer appending to the given file path.
func NewFallbackWriter(path string) *FallbackWriter {
	return &FallbackWriter{path: path}
}

type fallbackEntry struct {
	LoggedAt   time.Time          `json:"logged_at"`
	WriteError string             `json:"write_error"`
	Event      *models.AuditEvent `json:"event"`
}

// Append writes one tagged JSON line for the event that could not reach
// the primary store.
func (w *FallbackWriter) Append(e *models.AuditEvent, cause error) error {
	entry := fallbackEntry{
		LoggedAt:   time.Now().UTC(),
		WriteError: cause.Error(),
		Event:      e,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling fallback entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening fallback log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "[FALLBACK] %s\n", line); err != nil {
		return fmt.Errorf("appending fallback entry: %w", err)
	}
	return f.Sync()
}
