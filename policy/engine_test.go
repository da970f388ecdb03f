package policy

import (
	"context"
	"testing"
)

func TestDefaultPolicyAllows(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	decision, _, err := engine.Evaluate(ctx, map[string]interface{}{
		"tool_name": "tool:trading/execute_trade",
		"user_name": "alice",
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != "allow" {
		t.Fatalf("expected allow, got %s", decision)
	}
}

func TestDefaultPolicyBlocksShell(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	for _, toolName := range []string{"tool:system/shell", "tool:system/eval"} {
		decision, _, err := engine.Evaluate(ctx, map[string]interface{}{"tool_name": toolName})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if decision != "block" {
			t.Fatalf("expected %s blocked, got %s", toolName, decision)
		}
	}
}

func TestCustomPolicyWithReason(t *testing.T) {
	ctx := context.Background()
	custom := `
package macaw_policy

default decision := "allow"

decision := {"decision": "require_attestation", "reason": "large amount"} if {
	input.params.amount > 10000
}
`
	engine, err := NewEngine(ctx, custom)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	decision, reason, err := engine.Evaluate(ctx, map[string]interface{}{
		"tool_name": "tool:trading/execute_trade",
		"params":    map[string]interface{}{"amount": 50000},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != "require_attestation" {
		t.Fatalf("expected require_attestation, got %s", decision)
	}
	if reason != "large amount" {
		t.Fatalf("unexpected reason: %s", reason)
	}

	decision, _, err = engine.Evaluate(ctx, map[string]interface{}{
		"tool_name": "tool:trading/execute_trade",
		"params":    map[string]interface{}{"amount": 200},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision != "allow" {
		t.Fatalf("expected allow for small amount, got %s", decision)
	}
}

func TestNewEngineInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "this is not rego")
	if err == nil {
		t.Fatalf("expected error for invalid policy")
	}
}
