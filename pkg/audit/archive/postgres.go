package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/trustlane/core/pkg/audit"
)

// PostgresArchive stores audit records in PostgreSQL, for deployments where
// multiple boundary nodes share one archive.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive wraps db and runs migrations.
func NewPostgresArchive(db *sql.DB) (*PostgresArchive, error) {
	a := &PostgresArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, err
	}
	return a, nil
}

// OpenPostgresArchive connects using a lib/pq DSN and runs migrations.
func OpenPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres archive: %w", err)
	}
	return NewPostgresArchive(db)
}

func (a *PostgresArchive) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_records (
        record_id TEXT PRIMARY KEY,
        event_type TEXT NOT NULL,
        timestamp TIMESTAMPTZ NOT NULL,
        actor TEXT,
        actor_tier TEXT,
        target TEXT,
        result TEXT NOT NULL,
        payload JSONB,
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
func (a *PostgresArchive) Archive(ctx context.Context, record audit.AuditRecord) error {
	payloadJSON, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := `INSERT INTO audit_records (
        record_id, event_type, timestamp, actor, actor_tier, target, result, payload, hash_previous, hash_current
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = a.db.ExecContext(ctx, query,
		record.RecordID, string(record.EventType), record.Timestamp.UTC(),
		record.Actor, record.ActorTier, record.Target, string(record.Result),
		string(payloadJSON), record.HashPrevious, record.HashCurrent,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// List implements Archiver.
func (a *PostgresArchive) List(ctx context.Context, limit int) ([]audit.AuditRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_records ORDER BY record_id DESC LIMIT $1`
	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []audit.AuditRecord
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
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
func (a *PostgresArchive) GetByID(ctx context.Context, recordID string) (*audit.AuditRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM audit_records WHERE record_id = $1`
	record, err := scanPostgresRecord(a.db.QueryRowContext(ctx, query, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// Count implements Archiver.
func (a *PostgresArchive) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return count, nil
}

// Close implements Archiver.
func (a *PostgresArchive) Close() error {
	return a.db.Close()
}

// scanPostgresRecord differs from the sqlite scanner only in that pq returns
// timestamps as time.Time.
func scanPostgresRecord(row rowScanner) (*audit.AuditRecord, error) {
	var (
		record      audit.AuditRecord
		eventType   string
		result      string
		timestamp   time.Time
		payloadJSON []byte
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
	record.Timestamp = timestamp.UTC()
	if len(payloadJSON) > 0 && string(payloadJSON) != "null" {
		if err := json.Unmarshal(payloadJSON, &record.Payload); err != nil {
			return nil, fmt.Errorf("decode archived payload: %w", err)
		}
	}
	return &record, nil
}
