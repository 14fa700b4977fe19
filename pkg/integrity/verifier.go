package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// MaxFutureSkew is how far ahead of the verifier's clock a record timestamp
// may sit before it is treated as manipulated. Exactly at the limit passes.
const MaxFutureSkew = 5 * time.Second

// hexHashRe matches a SHA-256 digest in lowercase hex.
var hexHashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// injectionMarkers are substrings in a key name that mark dunder, operator, or
// template injection attempts.
var injectionMarkers = []string{"__", "$", "{{", "<%", "\n"}

// AttackRecorder receives detected attacks for metrics export.
type AttackRecorder interface {
	RecordAttack(ctx context.Context, kind string)
}

// VerifierConfig configures a Verifier. A nil NonceStore selects an in-memory
// bounded store with the default capacity.
type VerifierConfig struct {
	NonceStore NonceStore
	Recorder   AttackRecorder
	Logger     *slog.Logger
	// Clock overrides time.Now for skew checks, mainly in tests.
	Clock func() time.Time
}

// Verifier runs the ordered integrity checks over decision records. Checks run
// in a fixed order and stop at the first failure, so one verification reports
// exactly one attack kind. Safe for concurrent use.
type Verifier struct {
	nonces   NonceStore
	recorder AttackRecorder
	logger   *slog.Logger
	clock    func() time.Time

	mu           sync.Mutex
	attackCounts map[AttackKind]uint64
	verified     uint64
}

// NewVerifier constructs a Verifier from cfg.
func NewVerifier(cfg VerifierConfig) *Verifier {
	store := cfg.NonceStore
	if store == nil {
		store = NewMemoryNonceStore(DefaultNonceCapacity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "integrity")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		nonces:       store,
		recorder:     cfg.Recorder,
		logger:       logger,
		clock:        clock,
		attackCounts: make(map[AttackKind]uint64),
	}
}

// VerifyRecord runs all checks against record. A clean record yields
// Detected=false. The record's nonce is consumed on the replay check even when
// a later check fails; a record that reached the replay check was well-formed
// enough that its nonce must never be accepted again.
func (v *Verifier) VerifyRecord(ctx context.Context, record DecisionRecord) AttackDetectionResult {
	checks := []func(context.Context, DecisionRecord) *AttackDetectionResult{
		v.checkFieldRemoval,
		v.checkFieldInjection,
		v.checkHash,
		v.checkNonceReplay,
		v.checkTimestamp,
	}
	for _, check := range checks {
		if result := check(ctx, record); result != nil {
			v.recordAttack(ctx, record, *result)
			return *result
		}
	}

	v.mu.Lock()
	v.verified++
	v.mu.Unlock()

	return AttackDetectionResult{Detected: false, Timestamp: v.clock().UTC()}
}

// Verify is VerifyRecord with an error return for call sites that propagate
// failures instead of inspecting results.
func (v *Verifier) Verify(ctx context.Context, record DecisionRecord) error {
	result := v.VerifyRecord(ctx, record)
	if !result.Detected {
		return nil
	}
	if result.AttackType == AttackNonceReplay {
		nonce, _ := record["nonce"].(string)
		return &ReplayError{RecordID: record.RecordID(), Nonce: nonce}
	}
	return &IntegrityError{Kind: result.AttackType, RecordID: record.RecordID(), Reason: result.Reason}
}

// stringFields are required fields whose value must be a non-empty string.
// decision_hash has its own format check, timestamps may be numbers, and the
// signature is an object.
var stringFields = map[string]bool{
	"record_id":      true,
	"policy_version": true,
	"agent_id":       true,
	"action":         true,
	"outcome":        true,
	"nonce":          true,
}

func (v *Verifier) checkFieldRemoval(_ context.Context, record DecisionRecord) *AttackDetectionResult {
	var missing []string
	for _, field := range requiredFields {
		value, ok := record[field]
		if !ok || value == nil {
			missing = append(missing, field)
			continue
		}
		if stringFields[field] {
			// A required string field holding a number or object is as
			// unusable as an absent one.
			if s, isString := value.(string); !isString || s == "" {
				missing = append(missing, field)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return v.detection(record, AttackFieldRemoval,
		fmt.Sprintf("record is missing %d required field(s)", len(missing)),
		map[string]any{"missing_fields": missing})
}

func (v *Verifier) checkFieldInjection(_ context.Context, record DecisionRecord) *AttackDetectionResult {
	if key, found := scanKeys(record); found {
		return v.detection(record, AttackFieldInjection,
			"record contains an injected field name",
			map[string]any{"injected_key": key})
	}
	return nil
}

// scanKeys walks all map keys in the record, including nested objects and
// objects inside arrays, looking for injection markers.
func scanKeys(value any) (string, bool) {
	switch typed := value.(type) {
	case map[string]any:
		for key, nested := range typed {
			if keyIsInjected(key) {
				return key, true
			}
			if hit, found := scanKeys(nested); found {
				return hit, true
			}
		}
	case DecisionRecord:
		return scanKeys(map[string]any(typed))
	case []any:
		for _, element := range typed {
			if hit, found := scanKeys(element); found {
				return hit, true
			}
		}
	}
	return "", false
}

func keyIsInjected(key string) bool {
	for _, marker := range injectionMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func (v *Verifier) checkHash(_ context.Context, record DecisionRecord) *AttackDetectionResult {
	hash, ok := record["decision_hash"].(string)
	if !ok || !hexHashRe.MatchString(hash) {
		return v.detection(record, AttackHashManipulation,
			"decision_hash is not a 64-character lowercase hex digest",
			map[string]any{"decision_hash": record["decision_hash"]})
	}
	return nil
}

func (v *Verifier) checkNonceReplay(ctx context.Context, record DecisionRecord) *AttackDetectionResult {
	nonce, ok := record["nonce"].(string)
	if !ok || nonce == "" {
		return v.detection(record, AttackNonceReplay,
			"nonce is missing or not a string",
			map[string]any{"nonce": record["nonce"]})
	}
	fresh, firstSeen, err := v.nonces.CheckAndRecord(ctx, nonce)
	if err != nil {
		// Fail closed: a store we cannot reach cannot prove freshness.
		return v.detection(record, AttackNonceReplay,
			"nonce store unavailable: "+err.Error(),
			map[string]any{"nonce": nonce})
	}
	if !fresh {
		evidence := map[string]any{"nonce": nonce}
		if !firstSeen.IsZero() {
			evidence["first_seen"] = firstSeen.UTC().Format(time.RFC3339Nano)
		}
		return v.detection(record, AttackNonceReplay,
			"nonce has already been consumed",
			evidence)
	}
	return nil
}

func (v *Verifier) checkTimestamp(_ context.Context, record DecisionRecord) *AttackDetectionResult {
	ts, err := parseTimestamp(record["timestamp"])
	if err != nil {
		return v.detection(record, AttackTimestampManipulation,
			"timestamp is unparseable: "+err.Error(),
			map[string]any{"timestamp": record["timestamp"]})
	}
	now := v.clock()
	if skew := ts.Sub(now); skew > MaxFutureSkew {
		return v.detection(record, AttackTimestampManipulation,
			fmt.Sprintf("timestamp is %.1fs in the future, limit is %.0fs", skew.Seconds(), MaxFutureSkew.Seconds()),
			map[string]any{"timestamp": record["timestamp"], "skew_seconds": skew.Seconds()})
	}
	return nil
}

// parseTimestamp accepts RFC 3339 strings and JSON numbers holding epoch
// seconds, the two forms producers actually emit.
func parseTimestamp(value any) (time.Time, error) {
	switch typed := value.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339, typed)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", typed, err)
		}
		return ts, nil
	case float64:
		sec := int64(typed)
		nsec := int64((typed - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec), nil
	case int64:
		return time.Unix(typed, 0), nil
	case int:
		return time.Unix(int64(typed), 0), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func (v *Verifier) detection(record DecisionRecord, kind AttackKind, reason string, evidence map[string]any) *AttackDetectionResult {
	return &AttackDetectionResult{
		Detected:   true,
		AttackType: kind,
		SubjectID:  record.RecordID(),
		Reason:     reason,
		Evidence:   evidence,
		Timestamp:  v.clock().UTC(),
	}
}

func (v *Verifier) recordAttack(ctx context.Context, record DecisionRecord, result AttackDetectionResult) {
	v.mu.Lock()
	v.attackCounts[result.AttackType]++
	v.mu.Unlock()

	if v.recorder != nil {
		v.recorder.RecordAttack(ctx, string(result.AttackType))
	}

	v.logger.Warn("integrity attack detected",
		"attack_type", result.AttackType,
		"record_id", record.RecordID(),
		"agent_id", record.AgentID(),
		"reason", result.Reason)
}

// VerifierStatistics is a snapshot of verification counters.
type VerifierStatistics struct {
	AttacksByKind map[AttackKind]uint64 `json:"attacks_by_kind"`
	TotalAttacks  uint64                `json:"total_attacks"`
	TotalVerified uint64                `json:"total_verified"`
}

// GetStatistics returns a snapshot of the attack and verification counters.
func (v *Verifier) GetStatistics() VerifierStatistics {
	v.mu.Lock()
	defer v.mu.Unlock()

	stats := VerifierStatistics{
		AttacksByKind: make(map[AttackKind]uint64, len(v.attackCounts)),
		TotalVerified: v.verified,
	}
	for kind, n := range v.attackCounts {
		stats.AttacksByKind[kind] = n
		stats.TotalAttacks += n
	}
	return stats
}

// ResetForTesting clears counters and the nonce store.
func (v *Verifier) ResetForTesting(ctx context.Context) error {
	v.mu.Lock()
	v.attackCounts = make(map[AttackKind]uint64)
	v.verified = 0
	v.mu.Unlock()
	return v.nonces.Reset(ctx)
}
