package attest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/macawsecurity/secureAI/domain"
	"github.com/macawsecurity/secureAI/tests/helpers"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyAttestation(agentID string, att *domain.Attestation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, att.AttestationID)
}

func TestSweepExpiresPendingAndFailsInvocation(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)

	inv := &domain.Invocation{
		InvocationID:  "inv_1",
		ToolName:      "tool:trading/execute_trade",
		CallerAgentID: "ag_1",
		TargetAgentID: "ag_1",
		Status:        domain.InvocationStatusWaitingAttestation,
		CreatedAt:     time.Now().Add(-2 * time.Minute),
	}
	if err := st.CreateInvocation(ctx, inv); err != nil {
		t.Fatalf("CreateInvocation failed: %v", err)
	}

	att := &domain.Attestation{
		AttestationID:    "att_1",
		Key:              "trade-approved",
		ForAgent:         "ag_1",
		RequestedBy:      "ag_1",
		InvocationID:     "inv_1",
		ApprovalCriteria: "role:manager",
		TimeoutS:         60,
		TimeToLiveS:      3600,
		Status:           domain.AttestationStatusPending,
		CreatedAt:        time.Now().Add(-2 * time.Minute),
	}
	if err := st.CreateAttestation(ctx, att); err != nil {
		t.Fatalf("CreateAttestation failed: %v", err)
	}

	notifier := &recordingNotifier{}
	sweeper := NewSweeper(st, notifier, "@every 1h")
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	gotAtt, err := st.GetAttestation(ctx, "att_1")
	if err != nil {
		t.Fatalf("GetAttestation failed: %v", err)
	}
	if gotAtt.Status != domain.AttestationStatusExpired {
		t.Fatalf("expected EXPIRED attestation, got %s", gotAtt.Status)
	}

	gotInv, err := st.GetInvocation(ctx, "inv_1")
	if err != nil {
		t.Fatalf("GetInvocation failed: %v", err)
	}
	if gotInv.Status != domain.InvocationStatusExpired {
		t.Fatalf("expected EXPIRED invocation, got %s", gotInv.Status)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) != 1 || notifier.calls[0] != "att_1" {
		t.Fatalf("expected notifier call for att_1, got %v", notifier.calls)
	}
}

func TestSweepLeavesFreshAttestationsAlone(t *testing.T) {
	ctx := context.Background()
	st := helpers.NewTestSQLiteStore(t)

	att := &domain.Attestation{
		AttestationID:    "att_fresh",
		Key:              "trade-approved",
		ForAgent:         "ag_1",
		RequestedBy:      "ag_1",
		ApprovalCriteria: "*",
		TimeoutS:         300,
		TimeToLiveS:      3600,
		Status:           domain.AttestationStatusPending,
		CreatedAt:        time.Now(),
	}
	if err := st.CreateAttestation(ctx, att); err != nil {
		t.Fatalf("CreateAttestation failed: %v", err)
	}

	sweeper := NewSweeper(st, nil, "")
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	got, err := st.GetAttestation(ctx, "att_fresh")
	if err != nil {
		t.Fatalf("GetAttestation failed: %v", err)
	}
	if got.Status != domain.AttestationStatusPending {
		t.Fatalf("expected PENDING, got %s", got.Status)
	}
}

func TestGrantLive(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	if GrantLive(nil, now) {
		t.Fatalf("nil attestation is not a live grant")
	}
	if GrantLive(&domain.Attestation{Status: domain.AttestationStatusPending}, now) {
		t.Fatalf("pending attestation is not a live grant")
	}
	if !GrantLive(&domain.Attestation{Status: domain.AttestationStatusGranted, ExpiresAt: &future}, now) {
		t.Fatalf("unexpired grant must be live")
	}
	if GrantLive(&domain.Attestation{Status: domain.AttestationStatusGranted, ExpiresAt: &past}, now) {
		t.Fatalf("expired grant must not be live")
	}
	if !GrantLive(&domain.Attestation{Status: domain.AttestationStatusGranted}, now) {
		t.Fatalf("grant without expiry must be live")
	}
}
