package laneguard

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultRuntimeIdentifiers are substrings that mark a caller as an
// orchestration runtime rather than an agent identity. Matching is done on the
// NFKC case-folded caller string.
var DefaultRuntimeIdentifiers = []string{
	"runtime",
	"system",
	"executor",
	"orchestrator",
	"assistant",
	"copilot",
	"gpt",
	"claude",
	"gemini",
}

// DefaultInternalServices are substrings identifying internal services allowed
// into the settlement lane in addition to agents.
var DefaultInternalServices = []string{
	"settlement-service",
	"gateway",
	"internal",
}

// agentIDPattern matches agent identities of the form AGENT-NN anywhere in the
// caller string.
const agentIDPattern = `AGENT-\d{2}`

// AccessRecorder receives guard outcomes for metrics export. Implementations
// must be safe for concurrent use.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, lane string, allowed bool)
	RecordViolation(ctx context.Context, kind string)
}

// Config configures a Guard. Zero values select the defaults above.
type Config struct {
	RuntimeIdentifiers []string
	InternalServices   []string
	// DenyRules are operator-supplied CEL expressions evaluated after the
	// built-in lane rule allows; any rule evaluating to true denies.
	DenyRules []DenyRule
	// Recorder is optional; when set, every check outcome is exported.
	Recorder AccessRecorder
	Logger   *slog.Logger
}

// Guard performs lane access checks. It holds only counters and compiled
// configuration; each check is otherwise stateless. Safe for concurrent use.
type Guard struct {
	runtimeIdents []string
	internalSvcs  []string
	agentRe       *regexp.Regexp
	policy        *expressionPolicy
	recorder      AccessRecorder
	logger        *slog.Logger

	mu              sync.Mutex
	accessCounts    map[Lane]uint64
	violationCounts map[ViolationKind]uint64
	clock           func() time.Time
}

// NewGuard constructs a Guard. It fails only when a deny rule does not compile:
// a guard with a broken policy must not start.
func NewGuard(cfg Config) (*Guard, error) {
	idents := cfg.RuntimeIdentifiers
	if idents == nil {
		idents = DefaultRuntimeIdentifiers
	}
	normalized := make([]string, len(idents))
	for i, id := range idents {
		normalized[i] = normalizeIdentity(id)
	}

	svcs := cfg.InternalServices
	if svcs == nil {
		svcs = DefaultInternalServices
	}
	normalizedSvcs := make([]string, len(svcs))
	for i, s := range svcs {
		normalizedSvcs[i] = normalizeIdentity(s)
	}

	policy, err := newExpressionPolicy(cfg.DenyRules)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "laneguard")
	}

	return &Guard{
		runtimeIdents:   normalized,
		internalSvcs:    normalizedSvcs,
		agentRe:         regexp.MustCompile(agentIDPattern),
		policy:          policy,
		recorder:        cfg.Recorder,
		logger:          logger,
		accessCounts:    make(map[Lane]uint64),
		violationCounts: make(map[ViolationKind]uint64),
		clock:           time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// CheckOption adjusts a single access check.
type CheckOption func(*checkParams)

type checkParams struct {
	authHeader   string
	pdoValidated bool
	path         string
}

// WithAuthHeader supplies the request's Authorization header value.
func WithAuthHeader(h string) CheckOption {
	return func(p *checkParams) { p.authHeader = h }
}

// WithPDOValidated marks whether the upstream integrity step validated the
// decision record backing a settlement call. Defaults to true.
func WithPDOValidated(ok bool) CheckOption {
	return func(p *checkParams) { p.pdoValidated = ok }
}

// WithRequestPath supplies the request path for deny-rule evaluation.
func WithRequestPath(path string) CheckOption {
	return func(p *checkParams) { p.path = path }
}

// CheckAccess evaluates the lane rule for caller. It never returns an error:
// fail-closed outcomes are expressed as Allowed=false. An empty caller means
// no caller identity was presented.
func (g *Guard) CheckAccess(ctx context.Context, lane Lane, caller string, opts ...CheckOption) CheckResult {
	params := checkParams{pdoValidated: true}
	for _, opt := range opts {
		opt(&params)
	}

	result := g.evaluate(lane, caller, params)

	if result.Allowed && g.policy != nil {
		if reason, denied := g.policy.denies(lane, caller, params.path); denied {
			result = g.deny(lane, caller, ViolationExpressionPolicyDenied, reason)
		}
	}

	g.mu.Lock()
	g.accessCounts[lane]++
	if !result.Allowed {
		g.violationCounts[result.Violation]++
	}
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.RecordAccess(ctx, string(lane), result.Allowed)
		if !result.Allowed {
			g.recorder.RecordViolation(ctx, string(result.Violation))
		}
	}

	if result.Allowed {
		g.logger.Debug("lane access allowed",
			"lane", lane, "caller", caller)
	} else {
		g.logger.Warn("lane access denied",
			"lane", lane, "caller", caller,
			"violation", result.Violation, "details", result.Details)
	}

	return result
}

// evaluate applies the fixed per-lane dispatch, first match wins.
func (g *Guard) evaluate(lane Lane, caller string, params checkParams) CheckResult {
	switch lane {
	case LanePublic:
		return g.allow(lane, caller, "public lane")

	case LaneAuthenticated:
		if caller != "" || params.authHeader != "" {
			return g.allow(lane, caller, "authenticated caller")
		}
		return g.deny(lane, caller, ViolationUnauthenticatedAccess, "no caller identity or authorization header")

	case LaneAgentOnly, LaneAuthorityOnly:
		return g.checkAgentCaller(lane, caller)

	case LaneSettlement:
		if !params.pdoValidated {
			return g.deny(lane, caller, ViolationSettlementWithoutPDO, "settlement requires a validated decision record")
		}
		if caller == "" {
			return g.deny(lane, caller, ViolationInvalidCallerIdentity, "no caller identity")
		}
		if ident, hit := g.matchRuntimeIdentifier(caller); hit {
			return g.deny(lane, caller, ViolationRuntimeCallsAgentMethod, "runtime identifier in caller: "+ident)
		}
		if g.agentRe.MatchString(caller) {
			return g.allow(lane, caller, "agent caller")
		}
		if svc, hit := g.matchInternalService(caller); hit {
			return g.allow(lane, caller, "internal service: "+svc)
		}
		return g.deny(lane, caller, ViolationInvalidCallerIdentity, "caller is neither an agent nor an internal service")

	default:
		// A lane added without a rule must deny, not fall through to allow.
		return g.deny(lane, caller, ViolationCrossBoundary, "unknown lane")
	}
}

// checkAgentCaller enforces the shared AGENT_ONLY/AUTHORITY_ONLY rule. The two
// lanes are dispatched separately so they can diverge without touching callers.
func (g *Guard) checkAgentCaller(lane Lane, caller string) CheckResult {
	if caller == "" {
		return g.deny(lane, caller, ViolationInvalidCallerIdentity, "no caller identity")
	}
	if ident, hit := g.matchRuntimeIdentifier(caller); hit {
		return g.deny(lane, caller, ViolationRuntimeCallsAgentMethod, "runtime identifier in caller: "+ident)
	}
	if g.agentRe.MatchString(caller) {
		return g.allow(lane, caller, "agent caller")
	}
	return g.deny(lane, caller, ViolationInvalidCallerIdentity, "caller does not carry an agent identity")
}

func (g *Guard) matchRuntimeIdentifier(caller string) (string, bool) {
	folded := normalizeIdentity(caller)
	for _, ident := range g.runtimeIdents {
		if strings.Contains(folded, ident) {
			return ident, true
		}
	}
	return "", false
}

func (g *Guard) matchInternalService(caller string) (string, bool) {
	folded := normalizeIdentity(caller)
	for _, svc := range g.internalSvcs {
		if strings.Contains(folded, svc) {
			return svc, true
		}
	}
	return "", false
}

func (g *Guard) allow(lane Lane, caller, details string) CheckResult {
	return CheckResult{
		Allowed:   true,
		Lane:      lane,
		Caller:    caller,
		Details:   details,
		CheckedAt: g.clock().UTC(),
	}
}

func (g *Guard) deny(lane Lane, caller string, kind ViolationKind, details string) CheckResult {
	return CheckResult{
		Allowed:   false,
		Violation: kind,
		Lane:      lane,
		Caller:    caller,
		Details:   details,
		CheckedAt: g.clock().UTC(),
	}
}

// CountViolation increments the counter for a violation raised outside
// CheckAccess (the middleware's rate limiter uses this).
func (g *Guard) CountViolation(ctx context.Context, kind ViolationKind) {
	g.mu.Lock()
	g.violationCounts[kind]++
	g.mu.Unlock()
	if g.recorder != nil {
		g.recorder.RecordViolation(ctx, string(kind))
	}
}

// Statistics is a snapshot of guard counters.
type Statistics struct {
	AccessByLane      map[Lane]uint64          `json:"access_by_lane"`
	ViolationsByKind  map[ViolationKind]uint64 `json:"violations_by_kind"`
	TotalAccesses     uint64                   `json:"total_accesses"`
	TotalViolations   uint64                   `json:"total_violations"`
	RuntimeIdentCount int                      `json:"runtime_identifier_count"`
}

// GetStatistics returns a snapshot of the access and violation counters.
func (g *Guard) GetStatistics() Statistics {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := Statistics{
		AccessByLane:      make(map[Lane]uint64, len(g.accessCounts)),
		ViolationsByKind:  make(map[ViolationKind]uint64, len(g.violationCounts)),
		RuntimeIdentCount: len(g.runtimeIdents),
	}
	for lane, n := range g.accessCounts {
		stats.AccessByLane[lane] = n
		stats.TotalAccesses += n
	}
	for kind, n := range g.violationCounts {
		stats.ViolationsByKind[kind] = n
		stats.TotalViolations += n
	}
	return stats
}

// ResetForTesting clears all counters.
func (g *Guard) ResetForTesting() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accessCounts = make(map[Lane]uint64)
	g.violationCounts = make(map[ViolationKind]uint64)
}
