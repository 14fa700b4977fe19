// Package audit implements the immutable hash-chained audit trail.
//
// Every boundary event is appended to a chain where each record carries the
// hash of its predecessor. The trail is append-only for its whole life: the
// mutation operations exist only to refuse.
package audit

import (
	"fmt"
	"time"
)

// RecordKind categorizes an audit record.
type RecordKind string

const (
	KindLaneViolation      RecordKind = "LANE_VIOLATION"
	KindAttackDetected     RecordKind = "ATTACK_DETECTED"
	KindDecisionVerified   RecordKind = "DECISION_VERIFIED"
	KindSettlementExecuted RecordKind = "SETTLEMENT_EXECUTED"
	KindAuthorityOverride  RecordKind = "AUTHORITY_OVERRIDE"
	KindSystemStartup      RecordKind = "SYSTEM_STARTUP"
	KindSystemShutdown     RecordKind = "SYSTEM_SHUTDOWN"
)

// overrideKinds are record kinds whose payload must pass the override schema
// before they may enter the chain.
var overrideKinds = map[RecordKind]bool{
	KindAuthorityOverride: true,
}

// Result is the outcome an audit record reports.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultBlocked Result = "BLOCKED"
	ResultError   Result = "ERROR"
)

// AuditRecord is one immutable entry in the chain.
type AuditRecord struct {
	RecordID     string         `json:"record_id"`
	EventType    RecordKind     `json:"event_type"`
	Timestamp    time.Time      `json:"timestamp"`
	Actor        string         `json:"actor,omitempty"`
	ActorTier    string         `json:"actor_tier,omitempty"`
	Target       string         `json:"target,omitempty"`
	Result       Result         `json:"result"`
	Payload      map[string]any `json:"payload,omitempty"`
	HashPrevious string         `json:"hash_previous"`
	HashCurrent  string         `json:"hash_current"`
}

// ImmutabilityViolation is returned whenever a write would break the trail's
// constitutional guarantees: the prohibited mutation operations, writes after
// close, and override payloads that fail the structural gate.
type ImmutabilityViolation struct {
	Operation string
	RecordID  string
	Reason    string
}

func (e *ImmutabilityViolation) Error() string {
	msg := fmt.Sprintf("audit trail immutability violation: %s refused", e.Operation)
	if e.RecordID != "" {
		msg += " for record " + e.RecordID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ChainBrokenError reports a persisted chain that failed verification during
// rehydration. It is corruption, not an I/O failure; a trail never extends a
// chain it cannot prove intact.
type ChainBrokenError struct {
	Detail string
}

func (e *ChainBrokenError) Error() string {
	return "persisted chain is broken: " + e.Detail
}
