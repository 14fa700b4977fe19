package laneguard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := NewGuard(Config{})
	require.NoError(t, err)
	return g
}

func TestPublicLaneAlwaysAllows(t *testing.T) {
	g := newTestGuard(t)

	for _, caller := range []string{"", "AGENT-01", "orchestrator-runtime", "anyone"} {
		result := g.CheckAccess(context.Background(), LanePublic, caller)
		assert.True(t, result.Allowed, "caller %q", caller)
		assert.Empty(t, result.Violation)
	}
}

func TestAuthenticatedLane(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	t.Run("caller identity allows", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneAuthenticated, "user-7")
		assert.True(t, result.Allowed)
	})

	t.Run("auth header alone allows", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneAuthenticated, "", WithAuthHeader("Bearer abc"))
		assert.True(t, result.Allowed)
	})

	t.Run("neither denies", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneAuthenticated, "")
		assert.False(t, result.Allowed)
		assert.Equal(t, ViolationUnauthenticatedAccess, result.Violation)
	})
}

func TestAgentOnlyLane(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	t.Run("agent identity allows", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneAgentOnly, "AGENT-01")
		assert.True(t, result.Allowed)
	})

	t.Run("agent identity embedded allows", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneAgentOnly, "svc:AGENT-42:worker")
		assert.True(t, result.Allowed)
	})

	t.Run("empty caller denies", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneAgentOnly, "")
		assert.False(t, result.Allowed)
		assert.Equal(t, ViolationInvalidCallerIdentity, result.Violation)
	})

	t.Run("runtime substring denies even with agent id", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneAgentOnly, "orchestrator-AGENT-01")
		assert.False(t, result.Allowed)
		assert.Equal(t, ViolationRuntimeCallsAgentMethod, result.Violation)
	})

	t.Run("runtime match is case insensitive", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneAgentOnly, "The-RUNTIME")
		assert.False(t, result.Allowed)
		assert.Equal(t, ViolationRuntimeCallsAgentMethod, result.Violation)
	})

	t.Run("fullwidth confusable still matches runtime identifier", func(t *testing.T) {
		// NFKC folds fullwidth Latin letters to ASCII before the scan.
		result := g.CheckAccess(ctx, LaneAgentOnly, "ｒｕｎｔｉｍｅ-AGENT-01")
		assert.False(t, result.Allowed)
		assert.Equal(t, ViolationRuntimeCallsAgentMethod, result.Violation)
	})

	t.Run("non-agent caller denies", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneAgentOnly, "user-7")
		assert.False(t, result.Allowed)
		assert.Equal(t, ViolationInvalidCallerIdentity, result.Violation)
	})
}

func TestAuthorityOnlyLaneSharesAgentRule(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	allowed := g.CheckAccess(ctx, LaneAuthorityOnly, "AGENT-02")
	assert.True(t, allowed.Allowed)

	denied := g.CheckAccess(ctx, LaneAuthorityOnly, "copilot-helper")
	assert.False(t, denied.Allowed)
	assert.Equal(t, ViolationRuntimeCallsAgentMethod, denied.Violation)
}

func TestSettlementLane(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	t.Run("unvalidated decision denies before anything else", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneSettlement, "AGENT-01", WithPDOValidated(false))
		assert.False(t, result.Allowed)
		assert.Equal(t, ViolationSettlementWithoutPDO, result.Violation)
	})

	t.Run("agent allows", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneSettlement, "AGENT-01")
		assert.True(t, result.Allowed)
	})

	t.Run("internal service allows", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneSettlement, "settlement-service-eu")
		assert.True(t, result.Allowed)
	})

	t.Run("runtime denies", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneSettlement, "gpt-executor")
		assert.False(t, result.Allowed)
		assert.Equal(t, ViolationRuntimeCallsAgentMethod, result.Violation)
	})

	t.Run("unknown caller denies", func(t *testing.T) {
		result := g.CheckAccess(ctx, LaneSettlement, "user-7")
		assert.False(t, result.Allowed)
		assert.Equal(t, ViolationInvalidCallerIdentity, result.Violation)
	})
}

func TestUnknownLaneDenies(t *testing.T) {
	g := newTestGuard(t)

	result := g.CheckAccess(context.Background(), Lane("EXPERIMENTAL"), "AGENT-01")
	assert.False(t, result.Allowed)
	assert.Equal(t, ViolationCrossBoundary, result.Violation)
}

func TestExpressionDenyRules(t *testing.T) {
	ctx := context.Background()

	t.Run("rule denies matching caller", func(t *testing.T) {
		g, err := NewGuard(Config{
			DenyRules: []DenyRule{
				{Name: "block-agent-13", Expression: `caller.contains("AGENT-13")`},
			},
		})
		require.NoError(t, err)

		denied := g.CheckAccess(ctx, LaneAgentOnly, "AGENT-13")
		assert.False(t, denied.Allowed)
		assert.Equal(t, ViolationExpressionPolicyDenied, denied.Violation)

		allowed := g.CheckAccess(ctx, LaneAgentOnly, "AGENT-14")
		assert.True(t, allowed.Allowed)
	})

	t.Run("lane-scoped rule does not apply elsewhere", func(t *testing.T) {
		g, err := NewGuard(Config{
			DenyRules: []DenyRule{
				{Name: "freeze-settlement", Expression: `true`, Lane: LaneSettlement},
			},
		})
		require.NoError(t, err)

		assert.False(t, g.CheckAccess(ctx, LaneSettlement, "AGENT-01").Allowed)
		assert.True(t, g.CheckAccess(ctx, LaneAgentOnly, "AGENT-01").Allowed)
	})

	t.Run("rule that does not compile aborts construction", func(t *testing.T) {
		_, err := NewGuard(Config{
			DenyRules: []DenyRule{{Name: "broken", Expression: `caller ==`}},
		})
		require.Error(t, err)
	})

	t.Run("non-bool rule aborts construction", func(t *testing.T) {
		_, err := NewGuard(Config{
			DenyRules: []DenyRule{{Name: "not-bool", Expression: `caller`}},
		})
		require.Error(t, err)
	})
}

func TestCallerRefResolveOrder(t *testing.T) {
	assert.Equal(t, "a", CallerRef{CallerIdentity: "a", CallerGID: "b", AgentGID: "c"}.Resolve())
	assert.Equal(t, "b", CallerRef{CallerGID: "b", AgentGID: "c"}.Resolve())
	assert.Equal(t, "c", CallerRef{AgentGID: "c"}.Resolve())
	assert.Equal(t, "", CallerRef{}.Resolve())
}

func TestRequireReturnsTypedError(t *testing.T) {
	g := newTestGuard(t)

	err := g.Require(context.Background(), LaneAgentOnly, CallerRef{})
	require.Error(t, err)
	var lve *LaneViolationError
	require.ErrorAs(t, err, &lve)
	assert.Equal(t, ViolationInvalidCallerIdentity, lve.Violation)
	assert.Equal(t, LaneAgentOnly, lve.Lane)

	assert.NoError(t, g.Require(context.Background(), LaneAgentOnly, CallerRef{AgentGID: "AGENT-09"}))
}

func TestStatisticsAndReset(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	g.CheckAccess(ctx, LanePublic, "")
	g.CheckAccess(ctx, LaneAgentOnly, "")
	g.CheckAccess(ctx, LaneAgentOnly, "AGENT-01")
	g.CountViolation(ctx, ViolationRateLimitExceeded)

	stats := g.GetStatistics()
	assert.Equal(t, uint64(3), stats.TotalAccesses)
	assert.Equal(t, uint64(2), stats.TotalViolations)
	assert.Equal(t, uint64(1), stats.ViolationsByKind[ViolationInvalidCallerIdentity])
	assert.Equal(t, uint64(1), stats.ViolationsByKind[ViolationRateLimitExceeded])
	assert.Equal(t, uint64(2), stats.AccessByLane[LaneAgentOnly])

	g.ResetForTesting()
	stats = g.GetStatistics()
	assert.Zero(t, stats.TotalAccesses)
	assert.Zero(t, stats.TotalViolations)
}
