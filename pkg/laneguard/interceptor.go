package laneguard

import "context"

// CallerRef carries the caller identity fields an operation may present.
// Resolution order is fixed: explicit caller identity, then caller GID, then
// agent GID. Construct it at the boundary and pass it down; operations never
// probe their arguments for identity.
type CallerRef struct {
	CallerIdentity string
	CallerGID      string
	AgentGID       string
}

// Resolve returns the first non-empty identity field, or "" when the ref is empty.
func (r CallerRef) Resolve() string {
	switch {
	case r.CallerIdentity != "":
		return r.CallerIdentity
	case r.CallerGID != "":
		return r.CallerGID
	default:
		return r.AgentGID
	}
}

// Require runs the lane check and converts a denial into a LaneViolationError.
// Use it to protect an operation at its call site:
//
//	if err := guard.Require(ctx, laneguard.LaneAgentOnly, ref); err != nil {
//		return err
//	}
func (g *Guard) Require(ctx context.Context, lane Lane, ref CallerRef, opts ...CheckOption) error {
	result := g.CheckAccess(ctx, lane, ref.Resolve(), opts...)
	if result.Allowed {
		return nil
	}
	return &LaneViolationError{
		Violation: result.Violation,
		Lane:      result.Lane,
		Caller:    result.Caller,
		Message:   result.Details,
	}
}
