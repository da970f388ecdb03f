package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/macawsecurity/secureAI/attest"
	"github.com/macawsecurity/secureAI/domain"
	"github.com/macawsecurity/secureAI/store"
)

// ListAttestations lists attestations, optionally filtered by status and agent.
// GET /v1/attestations?status=PENDING&for_agent=ag_123&limit=50
func (h *Handler) ListAttestations(c echo.Context) error {
	ctx := c.Request().Context()

	filter := store.AttestationFilter{
		Status:   domain.AttestationStatus(c.QueryParam("status")),
		ForAgent: c.QueryParam("for_agent"),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		filter.Limit = n
	}

	attestations, err := h.store.ListAttestations(ctx, filter)
	if err != nil {
		log.Printf("ERROR: failed to list attestations: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list attestations"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"attestations": attestations,
	})
}

// GetAttestation gets a specific attestation by ID.
// GET /v1/attestations/:attestation_id
func (h *Handler) GetAttestation(c echo.Context) error {
	ctx := c.Request().Context()
	attestationID := c.Param("attestation_id")

	att, err := h.store.GetAttestation(ctx, attestationID)
	if err != nil {
		log.Printf("ERROR: failed to get attestation: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get attestation"})
	}
	if att == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "attestation not found"})
	}

	return c.JSON(http.StatusOK, att)
}

// ApproveAttestation grants a pending attestation and resumes the blocked
// invocation.
// POST /v1/attestations/:attestation_id/approve
func (h *Handler) ApproveAttestation(c echo.Context) error {
	return h.decideAttestation(c, domain.AttestationStatusGranted)
}

// DenyAttestation denies a pending attestation and fails the blocked
// invocation.
// POST /v1/attestations/:attestation_id/deny
func (h *Handler) DenyAttestation(c echo.Context) error {
	return h.decideAttestation(c, domain.AttestationStatusDenied)
}

func (h *Handler) decideAttestation(c echo.Context, decision domain.AttestationStatus) error {
	attestationID := c.Param("attestation_id")

	var req domain.AttestationDecisionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ctx := c.Request().Context()

	att, err := h.store.GetAttestation(ctx, attestationID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get attestation"})
	}
	if att == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "attestation not found"})
	}

	// The approver's identity comes from the token when one is verified.
	decidedBy := req.DecidedBy
	var roles []string
	if claims := claimsFrom(c); claims != nil {
		decidedBy = claims.UserName
		roles = claims.Roles
	}
	if decidedBy == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "decided_by is required"})
	}

	// Idempotent handling: if already decided, return current state.
	if att.Status != domain.AttestationStatusPending {
		return h.attestationDecisionResponse(c, att)
	}

	// An agent's own bound user cannot approve its requests.
	if forAgent, err := h.store.GetAgent(ctx, att.ForAgent); err == nil && forAgent != nil {
		if forAgent.UserName != "" && forAgent.UserName == decidedBy {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "requesting user cannot decide their own attestation"})
		}
	}

	if !attest.Satisfies(att.ApprovalCriteria, decidedBy, roles) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": fmt.Sprintf("approver does not satisfy criteria %q", att.ApprovalCriteria),
		})
	}

	now := time.Now()
	var grantedAt, expiresAt *time.Time
	if decision == domain.AttestationStatusGranted {
		grantedAt = &now
		exp := now.Add(time.Duration(att.TimeToLiveS) * time.Second)
		expiresAt = &exp
	}

	if err := h.store.UpdateAttestationDecision(ctx, attestationID, decision, decidedBy, req.Reason, req.Value, grantedAt, expiresAt); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update attestation"})
	}
	if h.metrics != nil {
		h.metrics.Attestations.WithLabelValues(string(decision)).Inc()
		h.metrics.AttestationWait.Observe(now.Sub(att.CreatedAt).Seconds())
	}

	if err := h.recordEvent(ctx, att.ForAgent, att.InvocationID, domain.EventTypeAttestationDecision, domain.AttestationDecisionPayload{
		AttestationID: attestationID,
		Decision:      decision,
		DecidedBy:     decidedBy,
		Reason:        req.Reason,
	}); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to record event"})
	}

	if att.InvocationID != "" {
		if err := h.resumeInvocation(ctx, att, decision, req.Reason); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	updated, err := h.store.GetAttestation(ctx, attestationID)
	if err != nil || updated == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get attestation"})
	}

	if h.hub != nil {
		h.hub.NotifyAttestation(att.ForAgent, updated)
	}

	return h.attestationDecisionResponse(c, updated)
}

func (h *Handler) attestationDecisionResponse(c echo.Context, att *domain.Attestation) error {
	resp := domain.AttestationDecisionResponse{
		AttestationID: att.AttestationID,
		Status:        att.Status,
		InvocationID:  att.InvocationID,
	}
	if att.ExpiresAt != nil {
		resp.ExpiresAt = att.ExpiresAt.UnixMilli()
	}
	if att.InvocationID != "" {
		if inv, err := h.store.GetInvocation(c.Request().Context(), att.InvocationID); err == nil && inv != nil {
			resp.InvocationStatus = inv.Status
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// resumeInvocation moves the invocation blocked on att forward after a
// decision.
func (h *Handler) resumeInvocation(ctx context.Context, att *domain.Attestation, decision domain.AttestationStatus, reason string) error {
	inv, err := h.store.GetInvocation(ctx, att.InvocationID)
	if err != nil {
		return fmt.Errorf("failed to get invocation: %w", err)
	}
	if inv == nil || inv.Status != domain.InvocationStatusWaitingAttestation {
		return nil
	}

	if decision == domain.AttestationStatusDenied {
		errMsg := reason
		if errMsg == "" {
			errMsg = "attestation denied"
		}
		errData, _ := json.Marshal(domain.ToolError{Code: "attestation_denied", Message: errMsg})
		if err := h.store.UpdateInvocationResult(ctx, inv.InvocationID, domain.InvocationStatusDenied, nil, errData); err != nil {
			return fmt.Errorf("failed to update invocation: %w", err)
		}
		if h.metrics != nil {
			h.metrics.Invocations.WithLabelValues(string(domain.InvocationStatusDenied)).Inc()
		}
		return nil
	}

	tool, err := h.store.GetTool(ctx, inv.ToolName)
	if err != nil {
		return fmt.Errorf("failed to get tool: %w", err)
	}
	if tool == nil {
		return fmt.Errorf("tool %s no longer registered", inv.ToolName)
	}

	// One grant never stands in for the rest: re-run the intent conditions
	// and the platform policy over the original args, and hold the
	// invocation behind the next key that has no live grant.
	caller, err := h.store.GetAgent(ctx, inv.CallerAgentID)
	if err != nil {
		return fmt.Errorf("failed to get agent: %w", err)
	}
	if caller == nil {
		return fmt.Errorf("agent %s no longer registered", inv.CallerAgentID)
	}
	ev, err := h.intentFor(ctx, caller)
	if err != nil {
		return fmt.Errorf("failed to load intent policy: %w", err)
	}

	var params map[string]interface{}
	if len(inv.Args) > 0 {
		if err := json.Unmarshal(inv.Args, &params); err != nil {
			return fmt.Errorf("invalid invocation args: %w", err)
		}
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	keys, err := ev.RequiredKeys(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to evaluate intent conditions: %w", err)
	}
	platformDecision, _, err := h.engine.Evaluate(ctx, map[string]interface{}{
		"tool_name": inv.ToolName,
		"agent_id":  inv.CallerAgentID,
		"user_name": caller.UserName,
		"params":    params,
	})
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	if platformDecision == string(domain.DecisionRequireAttestation) && !contains(keys, platformAttestationKey) {
		keys = append(keys, platformAttestationKey)
	}

	now := time.Now()
	var spent []*domain.Attestation
	for _, key := range keys {
		grant, err := h.store.FindGrant(ctx, key, inv.CallerAgentID, now)
		if err != nil {
			return fmt.Errorf("failed to look up attestation: %w", err)
		}
		if !attest.GrantLive(grant, now) {
			_, err = h.raisePendingAttestation(ctx, inv, key, ev.Rule(key))
			return err
		}
		if grant.OneTime {
			spent = append(spent, grant)
		}
	}

	// Every key holds a live grant. One-time grants are spent only now, so a
	// grant is never consumed by a call that ends up parked on another key.
	for _, grant := range spent {
		if err := h.store.ConsumeAttestation(ctx, grant.AttestationID); err != nil {
			return fmt.Errorf("failed to consume attestation: %w", err)
		}
		if h.metrics != nil {
			h.metrics.Attestations.WithLabelValues(string(domain.AttestationStatusConsumed)).Inc()
		}
		if err := h.recordEvent(ctx, inv.CallerAgentID, inv.InvocationID, domain.EventTypeAttestationDecision, domain.AttestationDecisionPayload{
			AttestationID: grant.AttestationID,
			Decision:      domain.AttestationStatusConsumed,
		}); err != nil {
			log.Printf("WARN: failed to record attestation consumption: %v", err)
		}
	}

	// Mark approved before dispatch.
	if err := h.store.UpdateInvocationStatus(ctx, inv.InvocationID, domain.InvocationStatusApproved); err != nil {
		return err
	}

	switch tool.Kind {
	case domain.ToolKindClient:
		if err := h.store.UpdateInvocationStatus(ctx, inv.InvocationID, domain.InvocationStatusDispatched); err != nil {
			return err
		}
		return h.notifyToolRequest(ctx, inv, tool)

	case domain.ToolKindServer:
		if err := h.store.UpdateInvocationStatus(ctx, inv.InvocationID, domain.InvocationStatusRunning); err != nil {
			return err
		}

		result, execErr := h.executeServerTool(inv.ToolName, inv.Args)
		if execErr != nil {
			errData, _ := json.Marshal(domain.ToolError{Code: "execution_failed", Message: execErr.Error()})
			if err := h.store.UpdateInvocationResult(ctx, inv.InvocationID, domain.InvocationStatusFailed, nil, errData); err != nil {
				return err
			}
			if h.metrics != nil {
				h.metrics.Invocations.WithLabelValues(string(domain.InvocationStatusFailed)).Inc()
			}
			return nil
		}

		if err := h.store.UpdateInvocationResult(ctx, inv.InvocationID, domain.InvocationStatusSucceeded, result, nil); err != nil {
			return err
		}
		if h.metrics != nil {
			h.metrics.Invocations.WithLabelValues(string(domain.InvocationStatusSucceeded)).Inc()
		}

		return h.recordEvent(ctx, inv.CallerAgentID, inv.InvocationID, domain.EventTypeToolResult, domain.ToolResultPayload{
			InvocationID: inv.InvocationID,
			Status:       domain.InvocationStatusSucceeded,
			Result:       result,
		})

	default:
		return fmt.Errorf("unsupported tool kind: %s", tool.Kind)
	}
}
