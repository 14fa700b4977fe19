package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustlane/core/pkg/audit"
)

func newTestSQLiteArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	a, err := OpenSQLiteArchive(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func sampleRecord(id string) audit.AuditRecord {
	record := audit.AuditRecord{
		RecordID:     id,
		EventType:    audit.KindDecisionVerified,
		Timestamp:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Actor:        "AGENT-01",
		ActorTier:    "L2",
		Target:       "PDO-1",
		Result:       audit.ResultSuccess,
		Payload:      map[string]any{"detail": "ok"},
		HashPrevious: audit.GenesisHash,
	}
	record.HashCurrent = "f"
	return record
}

func TestSQLiteArchiveRoundTrip(t *testing.T) {
	a := newTestSQLiteArchive(t)
	ctx := context.Background()

	record := sampleRecord("AUD-20260314-000001")
	require.NoError(t, a.Archive(ctx, record))

	loaded, err := a.GetByID(ctx, record.RecordID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, record.EventType, loaded.EventType)
	assert.Equal(t, record.Actor, loaded.Actor)
	assert.Equal(t, record.ActorTier, loaded.ActorTier)
	assert.Equal(t, record.Payload["detail"], loaded.Payload["detail"])
	assert.True(t, record.Timestamp.Equal(loaded.Timestamp))

	count, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSQLiteArchiveMissingRecord(t *testing.T) {
	a := newTestSQLiteArchive(t)

	loaded, err := a.GetByID(context.Background(), "AUD-19700101-000001")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSQLiteArchiveDuplicateRefused(t *testing.T) {
	a := newTestSQLiteArchive(t)
	ctx := context.Background()

	record := sampleRecord("AUD-20260314-000001")
	require.NoError(t, a.Archive(ctx, record))
	assert.Error(t, a.Archive(ctx, record))
}

func TestSQLiteArchiveListMostRecentFirst(t *testing.T) {
	a := newTestSQLiteArchive(t)
	ctx := context.Background()

	for _, id := range []string{"AUD-20260314-000001", "AUD-20260314-000002", "AUD-20260315-000001"} {
		require.NoError(t, a.Archive(ctx, sampleRecord(id)))
	}

	records, err := a.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "AUD-20260315-000001", records[0].RecordID)
	assert.Equal(t, "AUD-20260314-000002", records[1].RecordID)
}

func TestTrailArchiverDrain(t *testing.T) {
	a := newTestSQLiteArchive(t)
	ctx := context.Background()

	trail, err := audit.NewTrail(audit.TrailConfig{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := trail.Record(ctx, audit.KindDecisionVerified, "AGENT-01", "PDO-1", audit.ResultSuccess, nil)
		require.NoError(t, err)
	}

	drainer := NewTrailArchiver(trail, a)
	archived, err := drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, archived)

	// A second drain finds everything already archived.
	archived, err = drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, archived)
}
