package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trustlane/core/pkg/audit"
)

// SQLiteArchive stores audit records in SQLite, suitable for single-node
// deployments.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive wraps db and runs migrations.
func NewSQLiteArchive(db *sql.DB) (*SQLiteArchive, error) {
	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, err
	}
	return a, nil
}

// OpenSQLiteArchive opens the database at path and runs migrations.
func OpenSQLiteArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite archive: %w", err)
	}
	return NewSQLiteArchive(db)
}

func (a *SQLiteArchive) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_records (
        record_id TEXT PRIMARY KEY,
        event_type TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        actor TEXT,
        actor_tier TEXT,
        target TEXT,
        result TEXT NOT NULL,
        payload JSON,
        hash_previous TEXT NOT NULL,
        hash_current TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_records(event_type);
    CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_records(actor);`
	_, err := a.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate audit archive: %w", err)
	}
	return nil
}

// Archive implements Archiver.
func (a *SQLiteArchive) Archive(ctx context.Context, record audit.AuditRecord) error {
	payloadJSON, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := `INSERT INTO audit_records (
        record_id, event_type, timestamp, actor, actor_tier, target, result, payload, hash_previous, hash_current
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = a.db.ExecContext(ctx, query,
		record.RecordID, string(record.EventType),
		record.Timestamp.UTC().Format(time.RFC3339Nano),
		record.Actor, record.ActorTier, record.Target, string(record.Result),
		string(payloadJSON), record.HashPrevious, record.HashCurrent,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

const selectColumns = `record_id, event_type, timestamp, actor, actor_tier, target, result, payload, hash_previous, hash_current`

// List implements Archiver.
func (a *SQLiteArchive) List(ctx context.Context, limit int) ([]audit.AuditRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_records ORDER BY record_id DESC LIMIT ?`
	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []audit.AuditRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return records, nil
}

// GetByID implements Archiver. A missing record returns (nil, nil).
func (a *SQLiteArchive) GetByID(ctx context.Context, recordID string) (*audit.AuditRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_records WHERE record_id = ?`
	record, err := scanRecord(a.db.QueryRowContext(ctx, query, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// Count implements Archiver.
func (a *SQLiteArchive) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return count, nil
}

// Close implements Archiver.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*audit.AuditRecord, error) {
	var (
		record      audit.AuditRecord
		eventType   string
		result      string
		timestamp   string
		payloadJSON string
	)
	err := row.Scan(&record.RecordID, &eventType, &timestamp, &record.Actor,
		&record.ActorTier, &record.Target, &result, &payloadJSON, &record.HashPrevious, &record.HashCurrent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan audit record: %w", err)
	}

	record.EventType = audit.RecordKind(eventType)
	record.Result = audit.Result(result)
	record.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse archived timestamp: %w", err)
	}
	if payloadJSON != "" && payloadJSON != "null" {
		if err := json.Unmarshal([]byte(payloadJSON), &record.Payload); err != nil {
			return nil, fmt.Errorf("decode archived payload: %w", err)
		}
	}
	return &record, nil
}
