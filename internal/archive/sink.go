// Package archive writes expired audit events to durable bulk storage
// before the retention enforcer is allowed to delete them.
package archive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/org/phivault/pkg/models"
)

// Sink is a durable bulk-write destination for archived audit events.
type Sink interface {
	// Archive writes the full event set under the given object name.
	// It must either persist everything or fail; partial archives are
	// treated as failures by the enforcer.
	Archive(ctx context.Context, name string, events []*models.AuditEvent) error
}

// ObjectName generates the timestamped archive object name.
func ObjectName(t time.Time) string {
	return fmt.Sprintf("audit-archive-%s.jsonl.gz", t.UTC().Format("20060102T150405Z"))
}

// encodeEvents writes events as gzip-compressed JSON Lines.
func encodeEvents(w *gzip.Writer, events []*models.AuditEvent) error {
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encoding event %s: %w", e.ID, err)
		}
	}
	return nil
}

// FileSink archives to a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates the destination directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Archive writes to a temp file and renames into place, so a crashed
// cycle never leaves a partial archive under the final name.
func (s *FileSink) Archive(_ context.Context, name string, events []*models.AuditEvent) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating archive temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if err := encodeEvents(gz, events); err != nil {
		tmp.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("publishing archive: %w", err)
	}
	return nil
}
