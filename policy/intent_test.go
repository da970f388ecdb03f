package policy

import (
	"context"
	"testing"

	"github.com/macawsecurity/secureAI/domain"
)

func TestCompileIntentConditionalKey(t *testing.T) {
	ctx := context.Background()
	ev, err := CompileIntent(ctx, domain.IntentPolicy{
		Resources:    []string{"tool:trading/execute_trade"},
		Attestations: []string{"trade-approved::{params.amount > 10000}"},
		Constraints: domain.PolicyConstraints{
			Attestations: map[string]domain.AttestationRule{
				"trade-approved": {ApprovalCriteria: "role:manager", TimeoutS: 300, TimeToLiveS: 3600, OneTime: true},
			},
		},
	})
	if err != nil {
		t.Fatalf("CompileIntent failed: %v", err)
	}

	keys, err := ev.RequiredKeys(ctx, map[string]interface{}{"amount": 50000})
	if err != nil {
		t.Fatalf("RequiredKeys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "trade-approved" {
		t.Fatalf("expected [trade-approved], got %v", keys)
	}

	keys, err = ev.RequiredKeys(ctx, map[string]interface{}{"amount": 200})
	if err != nil {
		t.Fatalf("RequiredKeys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys for small amount, got %v", keys)
	}
}

func TestCompileIntentUnconditionalKey(t *testing.T) {
	ctx := context.Background()
	ev, err := CompileIntent(ctx, domain.IntentPolicy{
		Resources:    []string{"tool:payments/*"},
		Attestations: []string{"payment-approved"},
	})
	if err != nil {
		t.Fatalf("CompileIntent failed: %v", err)
	}

	keys, err := ev.RequiredKeys(ctx, nil)
	if err != nil {
		t.Fatalf("RequiredKeys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "payment-approved" {
		t.Fatalf("expected [payment-approved], got %v", keys)
	}
}

func TestCompileIntentBadCondition(t *testing.T) {
	_, err := CompileIntent(context.Background(), domain.IntentPolicy{
		Attestations: []string{"bad-key::params.amount > 10"},
	})
	if err == nil {
		t.Fatalf("expected error for condition without braces")
	}
}

func TestIntentAllowsResource(t *testing.T) {
	ev, err := CompileIntent(context.Background(), domain.IntentPolicy{
		Resources: []string{"tool:trading/execute_trade", "tool:reports/*"},
	})
	if err != nil {
		t.Fatalf("CompileIntent failed: %v", err)
	}

	cases := []struct {
		name    string
		allowed bool
	}{
		{"tool:trading/execute_trade", true},
		{"tool:reports/daily", true},
		{"tool:trading/cancel_trade", false},
		{"tool:system/shell", false},
	}
	for _, tc := range cases {
		if got := ev.AllowsResource(tc.name); got != tc.allowed {
			t.Fatalf("AllowsResource(%s) = %v, want %v", tc.name, got, tc.allowed)
		}
	}
}

func TestRuleDefaults(t *testing.T) {
	ev, err := CompileIntent(context.Background(), domain.IntentPolicy{
		Attestations: []string{"some-key"},
	})
	if err != nil {
		t.Fatalf("CompileIntent failed: %v", err)
	}

	rule := ev.Rule("some-key")
	if rule.TimeoutS != 300 {
		t.Fatalf("expected default timeout 300, got %d", rule.TimeoutS)
	}
	if rule.TimeToLiveS != 3600 {
		t.Fatalf("expected default ttl 3600, got %d", rule.TimeToLiveS)
	}
	if rule.ApprovalCriteria != "*" {
		t.Fatalf("expected default criteria *, got %s", rule.ApprovalCriteria)
	}
	if rule.OneTime {
		t.Fatalf("expected one_time false by default")
	}
}

func TestParseAttestationEntry(t *testing.T) {
	cond, err := domain.ParseAttestationEntry("trade-approved::{params.amount > 10000}")
	if err != nil {
		t.Fatalf("ParseAttestationEntry failed: %v", err)
	}
	if cond.Key != "trade-approved" || cond.Condition != "params.amount > 10000" {
		t.Fatalf("unexpected condition: %+v", cond)
	}

	cond, err = domain.ParseAttestationEntry("bare-key")
	if err != nil {
		t.Fatalf("ParseAttestationEntry failed: %v", err)
	}
	if cond.Key != "bare-key" || cond.Condition != "" {
		t.Fatalf("unexpected condition: %+v", cond)
	}

	if _, err := domain.ParseAttestationEntry("::{params.x > 1}"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
