package archive

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustlane/core/pkg/audit"
)

func newMockPostgresArchive(t *testing.T) (*PostgresArchive, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	a, err := NewPostgresArchive(db)
	require.NoError(t, err)
	return a, mock
}

func TestPostgresArchiveInsert(t *testing.T) {
	a, mock := newMockPostgresArchive(t)
	record := sampleRecord("AUD-20260314-000001")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_records")).
		WithArgs(record.RecordID, string(record.EventType), record.Timestamp.UTC(),
			record.Actor, record.ActorTier, record.Target, string(record.Result),
			`{"detail":"ok"}`, record.HashPrevious, record.HashCurrent).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, a.Archive(context.Background(), record))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresArchiveGetByID(t *testing.T) {
	a, mock := newMockPostgresArchive(t)
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"record_id", "event_type", "timestamp", "actor", "actor_tier", "target",
		"result", "payload", "hash_previous", "hash_current",
	}).AddRow("AUD-20260314-000001", "DECISION_VERIFIED", ts, "AGENT-01", "L2", "PDO-1",
		"SUCCESS", []byte(`{"detail":"ok"}`), "GENESIS", "f")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT record_id")).
		WithArgs("AUD-20260314-000001").
		WillReturnRows(rows)

	record, err := a.GetByID(context.Background(), "AUD-20260314-000001")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, audit.KindDecisionVerified, record.EventType)
	assert.Equal(t, "ok", record.Payload["detail"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresArchiveCount(t *testing.T) {
	a, mock := newMockPostgresArchive(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_records")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := a.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
