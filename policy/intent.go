package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/macawsecurity/secureAI/domain"
)

// IntentEvaluator evaluates a single agent's intent policy: which resources it
// may touch and which attestation keys an invocation's parameters trigger.
type IntentEvaluator struct {
	policy        domain.IntentPolicy
	unconditional []string
	query         *rego.PreparedEvalQuery // nil when no conditional entries exist
}

// CompileIntent turns an intent policy into an evaluator. Each conditional
// entry "key::{params.amount > 10000}" becomes a rego rule over the invocation
// parameters; bare keys are always required.
func CompileIntent(ctx context.Context, policy domain.IntentPolicy) (*IntentEvaluator, error) {
	ev := &IntentEvaluator{policy: policy}

	var rules []string
	for _, entry := range policy.Attestations {
		cond, err := domain.ParseAttestationEntry(entry)
		if err != nil {
			return nil, err
		}
		if cond.Condition == "" {
			ev.unconditional = append(ev.unconditional, cond.Key)
			continue
		}
		rules = append(rules, fmt.Sprintf("required contains %q if {\n\t%s\n}", cond.Key, rewriteCondition(cond.Condition)))
	}

	if len(rules) == 0 {
		return ev, nil
	}

	module := "package macaw_intent\n\n" + strings.Join(rules, "\n\n") + "\n"
	r := rego.New(
		rego.Query("data.macaw_intent.required"),
		rego.Module("macaw_intent.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile intent policy: %w", err)
	}
	ev.query = &query
	return ev, nil
}

// rewriteCondition maps the documented condition namespace onto rego input.
// "params.amount > 10000" becomes "input.params.amount > 10000".
func rewriteCondition(expr string) string {
	return strings.ReplaceAll(expr, "params.", "input.params.")
}

// AllowsResource reports whether the intent policy covers the resource.
func (ev *IntentEvaluator) AllowsResource(name string) bool {
	return ev.policy.AllowsResource(name)
}

// Rule returns the attestation rule metadata for a key, with defaults applied.
func (ev *IntentEvaluator) Rule(key string) domain.AttestationRule {
	rule, ok := ev.policy.Constraints.Attestations[key]
	if !ok {
		rule = domain.AttestationRule{ApprovalCriteria: "*"}
	}
	if rule.TimeoutS <= 0 {
		rule.TimeoutS = 300
	}
	if rule.TimeToLiveS <= 0 {
		rule.TimeToLiveS = 3600
	}
	if rule.ApprovalCriteria == "" {
		rule.ApprovalCriteria = "*"
	}
	return rule
}

// RequiredKeys returns the attestation keys triggered by the given parameters,
// unconditional keys included.
func (ev *IntentEvaluator) RequiredKeys(ctx context.Context, params map[string]interface{}) ([]string, error) {
	keys := append([]string(nil), ev.unconditional...)
	if ev.query == nil {
		return keys, nil
	}

	input := map[string]interface{}{"params": params}
	if params == nil {
		input["params"] = map[string]interface{}{}
	}

	results, err := ev.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate intent policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return keys, nil
	}

	triggered, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return keys, nil
	}
	for _, v := range triggered {
		if key, ok := v.(string); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
