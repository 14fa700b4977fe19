package laneguard

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// DenyRule is an operator-supplied CEL expression over the check inputs.
// Variables in scope: lane, caller, path (all strings). A rule that evaluates
// to true denies the request with EXPRESSION_POLICY_DENIED.
type DenyRule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	// Lane restricts the rule to one lane; empty applies it to all lanes.
	Lane Lane `yaml:"lane,omitempty" json:"lane,omitempty"`
}

type compiledRule struct {
	name string
	lane Lane
	prog cel.Program
}

// expressionPolicy holds compiled deny rules. Compilation happens once at
// guard construction; a rule that does not compile aborts startup rather than
// silently never firing.
type expressionPolicy struct {
	rules []compiledRule
}

func newExpressionPolicy(rules []DenyRule) (*expressionPolicy, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("lane", cel.StringType),
		cel.Variable("caller", cel.StringType),
		cel.Variable("path", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("deny rule %q: %w", rule.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("deny rule %q: expression must evaluate to bool, got %s", rule.Name, ast.OutputType())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("deny rule %q: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{name: rule.Name, lane: rule.Lane, prog: prog})
	}
	return &expressionPolicy{rules: compiled}, nil
}

// denies evaluates all applicable rules. Evaluation errors deny: a rule that
// cannot be evaluated must not fail open.
func (p *expressionPolicy) denies(lane Lane, caller, path string) (string, bool) {
	input := map[string]any{
		"lane":   string(lane),
		"caller": caller,
		"path":   path,
	}
	for _, rule := range p.rules {
		if rule.lane != "" && rule.lane != lane {
			continue
		}
		out, _, err := rule.prog.Eval(input)
		if err != nil {
			return fmt.Sprintf("deny rule %s failed to evaluate: %v", rule.name, err), true
		}
		if denied, ok := out.Value().(bool); ok && denied {
			return "denied by rule " + rule.name, true
		}
	}
	return "", false
}
