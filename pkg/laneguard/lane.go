// Package laneguard classifies inbound operations into access lanes and
// enforces lane-specific caller rules. Checks are fail-closed: anything
// malformed, unknown, or ambiguous is denied, never defaulted to allow.
package laneguard

import (
	"fmt"
	"time"
)

// Lane is a named access-boundary classification applied to an inbound operation.
type Lane string

const (
	LanePublic        Lane = "PUBLIC"
	LaneAuthenticated Lane = "AUTHENTICATED"
	LaneAgentOnly     Lane = "AGENT_ONLY"
	LaneAuthorityOnly Lane = "AUTHORITY_ONLY"
	LaneSettlement    Lane = "SETTLEMENT"
)

// Known reports whether l is a member of the closed lane set.
func (l Lane) Known() bool {
	switch l {
	case LanePublic, LaneAuthenticated, LaneAgentOnly, LaneAuthorityOnly, LaneSettlement:
		return true
	}
	return false
}

// ViolationKind identifies why a lane check denied access.
type ViolationKind string

const (
	ViolationUnauthenticatedAccess   ViolationKind = "UNAUTHENTICATED_ACCESS"
	ViolationInvalidCallerIdentity   ViolationKind = "INVALID_CALLER_IDENTITY"
	ViolationRuntimeCallsAgentMethod ViolationKind = "RUNTIME_CALLS_AGENT_METHOD"
	ViolationSettlementWithoutPDO    ViolationKind = "SETTLEMENT_WITHOUT_PDO"
	ViolationCrossBoundary           ViolationKind = "CROSS_BOUNDARY_VIOLATION"
	ViolationRateLimitExceeded       ViolationKind = "RATE_LIMIT_EXCEEDED"
	ViolationExpressionPolicyDenied  ViolationKind = "EXPRESSION_POLICY_DENIED"
)

// CheckResult is the immutable outcome of a lane check.
type CheckResult struct {
	Allowed   bool          `json:"allowed"`
	Violation ViolationKind `json:"violation,omitempty"`
	Lane      Lane          `json:"lane"`
	Caller    string        `json:"caller,omitempty"`
	Details   string        `json:"details"`
	CheckedAt time.Time     `json:"checked_at"`
}

// LaneViolationError is raised by the interception wrapper before a guarded
// operation executes. It carries the same information as the denying CheckResult.
type LaneViolationError struct {
	Violation ViolationKind
	Lane      Lane
	Caller    string
	Message   string
}

func (e *LaneViolationError) Error() string {
	return fmt.Sprintf("lane violation %s on %s: %s", e.Violation, e.Lane, e.Message)
}
