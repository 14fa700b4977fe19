package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the previous-hash value of the first record in a chain.
const GenesisHash = "GENESIS"

// DefaultMaxInMemory bounds the in-memory window of the chain. Older records
// stay in the persister; only the tail is held for queries.
const DefaultMaxInMemory = 10_000

// AppendRecorder receives appended records for metrics export.
type AppendRecorder interface {
	RecordAuditAppend(ctx context.Context, kind string)
}

// TrailConfig configures a Trail. A nil Persister keeps the chain in memory
// only.
type TrailConfig struct {
	Persister   Persister
	Logger      *slog.Logger
	Recorder    AppendRecorder
	MaxInMemory int
	Clock       func() time.Time
}

// Trail is the append-only, hash-chained audit log. Once constructed it is
// open; Close transitions it to closed and the transition is one-way. Safe
// for concurrent use.
type Trail struct {
	persister Persister
	logger    *slog.Logger
	recorder  AppendRecorder
	maxMem    int
	clock     func() time.Time

	mu       sync.RWMutex
	records  []AuditRecord
	headHash string
	// anchor is the previous-hash of the oldest in-memory record, so the
	// in-memory chain stays verifiable after retention trims.
	anchor      string
	closed      bool
	seq         uint64
	seqDate     string
	totalKinds  map[RecordKind]uint64
	totalByRes  map[Result]uint64
	totalCount  uint64
	trimmedOffs uint64
}

// NewTrail constructs a Trail, rehydrating state from the persister when one
// is configured. Rehydration verifies the persisted chain; a trail must not
// extend a chain it cannot prove intact.
func NewTrail(cfg TrailConfig) (*Trail, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "audit")
	}
	maxMem := cfg.MaxInMemory
	if maxMem <= 0 {
		maxMem = DefaultMaxInMemory
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	t := &Trail{
		persister:  cfg.Persister,
		logger:     logger,
		recorder:   cfg.Recorder,
		maxMem:     maxMem,
		clock:      clock,
		headHash:   GenesisHash,
		anchor:     GenesisHash,
		totalKinds: make(map[RecordKind]uint64),
		totalByRes: make(map[Result]uint64),
	}

	if cfg.Persister != nil {
		if err := t.rehydrate(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Trail) rehydrate() error {
	persisted, err := t.persister.Load()
	if err != nil {
		return fmt.Errorf("rehydrate audit trail: %w", err)
	}
	if len(persisted) == 0 {
		return nil
	}
	if ok, detail := verifyChain(persisted, GenesisHash); !ok {
		return fmt.Errorf("rehydrate audit trail: %w", &ChainBrokenError{Detail: detail})
	}

	for _, record := range persisted {
		t.totalKinds[record.EventType]++
		t.totalByRes[record.Result]++
	}
	t.totalCount = uint64(len(persisted))

	last := persisted[len(persisted)-1]
	t.headHash = last.HashCurrent
	t.seqDate, t.seq = parseRecordID(last.RecordID)

	if len(persisted) > t.maxMem {
		t.trimmedOffs = uint64(len(persisted) - t.maxMem)
		persisted = persisted[len(persisted)-t.maxMem:]
	}
	t.records = persisted
	t.anchor = persisted[0].HashPrevious

	t.logger.Info("audit trail rehydrated",
		"records", t.totalCount, "head", t.headHash)
	return nil
}

// parseRecordID recovers the date and sequence counter from an id of the form
// AUD-YYYYMMDD-NNNNNN. Malformed ids reset the counter, which only risks a
// gap, never a duplicate within a day.
func parseRecordID(id string) (string, uint64) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 {
		return "", 0
	}
	var seq uint64
	if _, err := fmt.Sscanf(parts[2], "%d", &seq); err != nil {
		return "", 0
	}
	return parts[1], seq
}

// computeHash derives a record's chain hash from its identity fields joined
// with pipes. Absent actors are recorded as SYSTEM and absent targets as N/A
// so the hash input never contains empty segments.
func computeHash(record AuditRecord) string {
	actor := record.Actor
	if actor == "" {
		actor = "SYSTEM"
	}
	target := record.Target
	if target == "" {
		target = "N/A"
	}
	input := strings.Join([]string{
		record.RecordID,
		string(record.EventType),
		record.Timestamp.UTC().Format(time.RFC3339Nano),
		actor,
		target,
		string(record.Result),
		record.HashPrevious,
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// RecordOption sets optional fields on a record before it is chained.
type RecordOption func(*AuditRecord)

// WithActorTier records the tier of the acting operator.
func WithActorTier(tier string) RecordOption {
	return func(r *AuditRecord) { r.ActorTier = tier }
}

// Record appends an event to the chain and returns the stored record.
// Authority-override events must carry a payload passing the override schema.
func (t *Trail) Record(ctx context.Context, kind RecordKind, actor, target string, result Result, payload map[string]any, opts ...RecordOption) (*AuditRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(ctx, kind, actor, target, result, payload, opts...)
}

func (t *Trail) appendLocked(ctx context.Context, kind RecordKind, actor, target string, result Result, payload map[string]any, opts ...RecordOption) (*AuditRecord, error) {
	if t.closed {
		return nil, &ImmutabilityViolation{Operation: "record-while-closed"}
	}

	if overrideKinds[kind] {
		if err := validateOverridePayload(payload); err != nil {
			detail := schemaErrorDetail(err)
			t.logger.Warn("override payload rejected",
				"actor", actor, "target", target, "detail", detail)
			return nil, &ImmutabilityViolation{Operation: "override-payload", Reason: detail}
		}
	}

	now := t.clock().UTC()
	date := now.Format("20060102")
	seq := t.seq + 1
	if date != t.seqDate {
		seq = 1
	}

	record := AuditRecord{
		RecordID:     fmt.Sprintf("AUD-%s-%06d", date, seq),
		EventType:    kind,
		Timestamp:    now,
		Actor:        actor,
		Target:       target,
		Result:       result,
		Payload:      payload,
		HashPrevious: t.headHash,
	}
	for _, opt := range opts {
		opt(&record)
	}
	record.HashCurrent = computeHash(record)

	if t.persister != nil {
		if err := t.persister.Append(record); err != nil {
			return nil, fmt.Errorf("persist audit record: %w", err)
		}
	}

	t.seq = seq
	t.seqDate = date
	t.headHash = record.HashCurrent
	t.records = append(t.records, record)
	t.totalKinds[kind]++
	t.totalByRes[result]++
	t.totalCount++

	if len(t.records) > t.maxMem {
		trim := len(t.records) - t.maxMem
		t.records = t.records[trim:]
		t.anchor = t.records[0].HashPrevious
		t.trimmedOffs += uint64(trim)
	}

	if t.recorder != nil {
		t.recorder.RecordAuditAppend(ctx, string(kind))
	}
	t.logger.Debug("audit record appended",
		"record_id", record.RecordID, "event_type", kind, "result", result)

	stored := record
	return &stored, nil
}

// Update refuses. The trail is append-only.
func (t *Trail) Update(_ context.Context, recordID string, _ map[string]any) error {
	t.logger.Warn("audit mutation refused", "operation", "update", "record_id", recordID)
	return &ImmutabilityViolation{Operation: "update", RecordID: recordID}
}

// Delete refuses. The trail is append-only.
func (t *Trail) Delete(_ context.Context, recordID string) error {
	t.logger.Warn("audit mutation refused", "operation", "delete", "record_id", recordID)
	return &ImmutabilityViolation{Operation: "delete", RecordID: recordID}
}

// Truncate refuses. The trail is append-only.
func (t *Trail) Truncate(_ context.Context) error {
	t.logger.Warn("audit mutation refused", "operation", "truncate")
	return &ImmutabilityViolation{Operation: "truncate"}
}

// VerifyChainIntegrity walks the in-memory chain. It reports the first break
// it finds; a clean walk yields (true, "chain verified").
func (t *Trail) VerifyChainIntegrity() (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return verifyChain(t.records, t.anchor)
}

func verifyChain(records []AuditRecord, anchor string) (bool, string) {
	prev := anchor
	for i, record := range records {
		if record.HashPrevious != prev {
			return false, fmt.Sprintf("chain broken at %s: expected prev %s, got %s",
				record.RecordID, prev, record.HashPrevious)
		}
		if computed := computeHash(record); computed != record.HashCurrent {
			return false, fmt.Sprintf("hash mismatch at %s (index %d)", record.RecordID, i)
		}
		prev = record.HashCurrent
	}
	return true, "chain verified"
}

// QueryFilter narrows GetRecords results.
type QueryFilter func(*query)

type query struct {
	kind   RecordKind
	actor  string
	target string
	result Result
	limit  int
}

// FilterKind keeps only records of the given kind.
func FilterKind(kind RecordKind) QueryFilter {
	return func(q *query) { q.kind = kind }
}

// FilterActor keeps only records with the given actor.
func FilterActor(actor string) QueryFilter {
	return func(q *query) { q.actor = actor }
}

// FilterTarget keeps only records with the given target.
func FilterTarget(target string) QueryFilter {
	return func(q *query) { q.target = target }
}

// FilterResult keeps only records with the given result.
func FilterResult(result Result) QueryFilter {
	return func(q *query) { q.result = result }
}

// FilterLimit caps the number of returned records.
func FilterLimit(n int) QueryFilter {
	return func(q *query) { q.limit = n }
}

// GetRecords returns in-memory records most recent first, after applying
// filters.
func (t *Trail) GetRecords(filters ...QueryFilter) []AuditRecord {
	var q query
	for _, f := range filters {
		f(&q)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]AuditRecord, 0, len(t.records))
	for i := len(t.records) - 1; i >= 0; i-- {
		record := t.records[i]
		if q.kind != "" && record.EventType != q.kind {
			continue
		}
		if q.actor != "" && record.Actor != q.actor {
			continue
		}
		if q.target != "" && record.Target != q.target {
			continue
		}
		if q.result != "" && record.Result != q.result {
			continue
		}
		out = append(out, record)
		if q.limit > 0 && len(out) >= q.limit {
			break
		}
	}
	return out
}

// GetRecordByID returns the in-memory record with the given id.
func (t *Trail) GetRecordByID(recordID string) (*AuditRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.records {
		if t.records[i].RecordID == recordID {
			record := t.records[i]
			return &record, true
		}
	}
	return nil, false
}

// GetOverrideHistory returns authority-override records, most recent first.
// An empty target returns the full override history.
func (t *Trail) GetOverrideHistory(target string) []AuditRecord {
	filters := []QueryFilter{FilterKind(KindAuthorityOverride)}
	if target != "" {
		filters = append(filters, FilterTarget(target))
	}
	return t.GetRecords(filters...)
}

// IterRecords iterates the in-memory chain in chronological order over a
// snapshot, so appends during iteration neither block nor appear.
func (t *Trail) IterRecords() iter.Seq[AuditRecord] {
	t.mu.RLock()
	snapshot := make([]AuditRecord, len(t.records))
	copy(snapshot, t.records)
	t.mu.RUnlock()

	return func(yield func(AuditRecord) bool) {
		for _, record := range snapshot {
			if !yield(record) {
				return
			}
		}
	}
}

// TrailStatistics is a snapshot of trail counters. TotalRecords counts the
// whole chain including trimmed and persisted records.
type TrailStatistics struct {
	TotalRecords  uint64                `json:"total_records"`
	InMemory      int                   `json:"in_memory"`
	ByKind        map[RecordKind]uint64 `json:"by_kind"`
	ByResult      map[Result]uint64     `json:"by_result"`
	HeadHash      string                `json:"head_hash"`
	OverrideCount uint64                `json:"override_count"`
	ChainValid    bool                  `json:"chain_valid"`
	Closed        bool                  `json:"closed"`
}

// GetStatistics returns a snapshot of the trail counters.
func (t *Trail) GetStatistics() TrailStatistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TrailStatistics{
		TotalRecords:  t.totalCount,
		InMemory:      len(t.records),
		ByKind:        make(map[RecordKind]uint64, len(t.totalKinds)),
		ByResult:      make(map[Result]uint64, len(t.totalByRes)),
		HeadHash:      t.headHash,
		OverrideCount: t.totalKinds[KindAuthorityOverride],
		Closed:        t.closed,
	}
	stats.ChainValid, _ = verifyChain(t.records, t.anchor)
	for kind, n := range t.totalKinds {
		stats.ByKind[kind] = n
	}
	for result, n := range t.totalByRes {
		stats.ByResult[result] = n
	}
	return stats
}

// Close records a final shutdown event and closes the trail and persister.
// Closing is one-way and idempotent.
func (t *Trail) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	if _, err := t.appendLocked(ctx, KindSystemShutdown, "", "", ResultSuccess, nil); err != nil {
		t.logger.Error("shutdown record failed", "error", err)
	}
	t.closed = true

	if t.persister != nil {
		if err := t.persister.Close(); err != nil {
			return fmt.Errorf("close audit persister: %w", err)
		}
	}
	t.logger.Info("audit trail closed", "total_records", t.totalCount, "head", t.headHash)
	return nil
}
