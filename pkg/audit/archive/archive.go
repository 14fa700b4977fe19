// Package archive provides long-term storage for audit records beyond the
// trail's in-memory window: relational archives for queries and object-store
// shipping for closed day files.
package archive

import (
	"context"

	"github.com/trustlane/core/pkg/audit"
)

// Archiver stores audit records durably for later review. Archives are
// write-once per record; nothing here updates or deletes.
type Archiver interface {
	Archive(ctx context.Context, record audit.AuditRecord) error
	// List returns up to limit records, most recent first.
	List(ctx context.Context, limit int) ([]audit.AuditRecord, error)
	GetByID(ctx context.Context, recordID string) (*audit.AuditRecord, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// TrailArchiver adapts an Archiver to the trail's append hook so every
// record lands in the archive as it enters the chain.
type TrailArchiver struct {
	archiver Archiver
	trail    *audit.Trail
}

// NewTrailArchiver wraps trail so that Drain copies its in-memory window into
// the archive.
func NewTrailArchiver(trail *audit.Trail, archiver Archiver) *TrailArchiver {
	return &TrailArchiver{archiver: archiver, trail: trail}
}

// Drain copies the trail's current in-memory records into the archive.
// Records already archived surface as conflicts, which Drain skips by
// checking presence first.
func (a *TrailArchiver) Drain(ctx context.Context) (int, error) {
	archived := 0
	for record := range a.trail.IterRecords() {
		existing, err := a.archiver.GetByID(ctx, record.RecordID)
		if err != nil {
			return archived, err
		}
		if existing != nil {
			continue
		}
		if err := a.archiver.Archive(ctx, record); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}
