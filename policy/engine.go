// Package policy implements the policy decision logic behind the enforcement
// point: a platform-wide rego policy, per-agent intent policies with
// conditional attestation requirements, and the hierarchical policy tree.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Engine evaluates the platform-wide tool policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given rego module.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.macaw_policy.decision"),
		rego.Module("macaw_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the platform tool policy. Input carries tool_name, args,
// user_name and claims. Returns decision (allow, require_attestation, block)
// and an optional reason.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", "default", nil
	}

	val := results[0].Expressions[0].Value
	switch v := val.(type) {
	case string:
		return v, "", nil
	case map[string]interface{}:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			decision = "allow"
		}
		return decision, reason, nil
	}

	return "allow", "unexpected return type", nil
}

// DefaultPolicy is the built-in platform policy: nothing is blocked outright
// except the escape hatches no tenant should reach.
const DefaultPolicy = `
package macaw_policy

default decision := "allow"

decision := "block" if {
	input.tool_name == "tool:system/shell"
}

decision := "block" if {
	input.tool_name == "tool:system/eval"
}
`
