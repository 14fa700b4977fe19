// Package integrity verifies decision records presented at the trust boundary.
// A record that fails any check is treated as an attack, classified, counted,
// and rejected; verification never repairs or normalizes a record.
package integrity

import (
	"fmt"
	"time"
)

// DecisionRecord is the wire form of a protected decision object. Records
// arrive as decoded JSON; keeping the map form means injected fields survive
// into the scan instead of being dropped by struct decoding.
type DecisionRecord map[string]any

// requiredFields is the closed set of keys every decision record must carry.
var requiredFields = []string{
	"record_id",
	"decision_hash",
	"policy_version",
	"agent_id",
	"action",
	"outcome",
	"timestamp",
	"nonce",
	"expires_at",
	"signature",
}

// RecordID returns the record's identifier, or "" when absent or not a string.
func (r DecisionRecord) RecordID() string {
	id, _ := r["record_id"].(string)
	return id
}

// AgentID returns the record's agent identity, or "".
func (r DecisionRecord) AgentID() string {
	id, _ := r["agent_id"].(string)
	return id
}

// AttackKind classifies a failed integrity check.
type AttackKind string

const (
	AttackFieldRemoval          AttackKind = "FIELD_REMOVAL"
	AttackFieldInjection        AttackKind = "FIELD_INJECTION"
	AttackHashManipulation      AttackKind = "HASH_MANIPULATION"
	AttackNonceReplay           AttackKind = "NONCE_REPLAY"
	AttackTimestampManipulation AttackKind = "TIMESTAMP_MANIPULATION"
	AttackAuthoritySpoof        AttackKind = "AUTHORITY_SPOOF"
	AttackPayloadModification   AttackKind = "PAYLOAD_MODIFICATION"
)

// AttackDetectionResult is the immutable outcome of a verification pass.
type AttackDetectionResult struct {
	Detected   bool           `json:"detected"`
	AttackType AttackKind     `json:"attack_type,omitempty"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// IntegrityError reports a record that failed verification.
type IntegrityError struct {
	Kind     AttackKind
	RecordID string
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation %s on record %s: %s", e.Kind, e.RecordID, e.Reason)
}

// ReplayError reports a nonce seen more than once.
type ReplayError struct {
	RecordID string
	Nonce    string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("nonce replay on record %s: nonce %s already consumed", e.RecordID, e.Nonce)
}

// AuthoritySpoofError reports a record claiming an authority it cannot prove.
type AuthoritySpoofError struct {
	RecordID      string
	ClaimedAgent  string
	ExpectedAgent string
	Reason        string
}

func (e *AuthoritySpoofError) Error() string {
	return fmt.Sprintf("authority spoof on record %s: claimed %s, expected %s: %s",
		e.RecordID, e.ClaimedAgent, e.ExpectedAgent, e.Reason)
}
