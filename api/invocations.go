package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/macawsecurity/secureAI/attest"
	"github.com/macawsecurity/secureAI/domain"
)

// platformAttestationKey is used when the platform policy demands an
// attestation the caller's intent policy never declared.
const platformAttestationKey = "platform-approval"

// InvokeTool routes a tool invocation through the enforcement point: intent
// policy, hierarchy policy, platform policy, then attestation gating.
// POST /v1/tools/:tool_name/invoke
func (h *Handler) InvokeTool(c echo.Context) error {
	toolName := c.Param("tool_name")
	var req domain.InvokeToolRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.CallerAgentID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "caller_agent_id is required"})
	}

	ctx := c.Request().Context()

	caller, err := h.store.GetAgent(ctx, req.CallerAgentID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
	}
	if caller == nil || caller.Status == domain.AgentStatusUnregistered {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "caller agent not found"})
	}

	tool, err := h.store.GetTool(ctx, toolName)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get tool"})
	}
	if tool == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "tool not found"})
	}

	targetAgentID := req.TargetAgentID
	if targetAgentID == "" {
		targetAgentID = tool.AgentID
	}

	var params map[string]interface{}
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &params); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "args must be a JSON object"})
		}
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	invocationID := "inv_" + uuid.New().String()[:8]
	now := time.Now()
	inv := &domain.Invocation{
		InvocationID:  invocationID,
		ToolName:      toolName,
		CallerAgentID: req.CallerAgentID,
		TargetAgentID: targetAgentID,
		Status:        domain.InvocationStatusCreated,
		Args:          req.Args,
		CreatedAt:     now,
	}

	// 1. Caller's declared intent must cover the tool.
	ev, err := h.intentFor(ctx, caller)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load intent policy"})
	}
	if !ev.AllowsResource(toolName) {
		return h.blockInvocation(c, inv, "intent_denied", fmt.Sprintf("tool %s is not declared in the agent's intent policy", toolName))
	}

	// 2. The hierarchy policy for the bound user must cover it too.
	if h.hierarchy != nil {
		userName := caller.UserName
		businessUnit, team := "", ""
		if claims := claimsFrom(c); claims != nil {
			if claims.UserName != "" {
				userName = claims.UserName
			}
			businessUnit = claims.BusinessUnit
			team = claims.Team
		}
		eff := h.hierarchy.Effective(businessUnit, team, userName)
		if !eff.AllowsResource(toolName) {
			return h.blockInvocation(c, inv, "policy_denied", fmt.Sprintf("tool %s is not permitted for user %s", toolName, userName))
		}
	}

	// 3. Platform-wide policy.
	policyInput := map[string]interface{}{
		"tool_name": toolName,
		"agent_id":  req.CallerAgentID,
		"user_name": caller.UserName,
		"params":    params,
	}
	decision, reason, err := h.engine.Evaluate(ctx, policyInput)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "policy evaluation failed"})
	}
	if h.metrics != nil {
		h.metrics.PolicyDecisions.WithLabelValues(toolName, decision).Inc()
	}

	if decision == string(domain.DecisionBlock) {
		if reason == "" {
			reason = "blocked by platform policy"
		}
		return h.blockInvocation(c, inv, "blocked", reason)
	}

	// 4. Attestation gating: keys triggered by the intent policy conditions,
	// plus the platform key when the platform policy demands one.
	keys, err := ev.RequiredKeys(ctx, params)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to evaluate intent conditions"})
	}
	if decision == string(domain.DecisionRequireAttestation) && !contains(keys, platformAttestationKey) {
		keys = append(keys, platformAttestationKey)
	}

	var spent []*domain.Attestation
	for _, key := range keys {
		grant, err := h.store.FindGrant(ctx, key, req.CallerAgentID, now)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to look up attestation"})
		}
		if !attest.GrantLive(grant, now) {
			// No live grant: park the invocation behind a new pending attestation.
			return h.requireAttestation(c, inv, key, ev.Rule(key))
		}
		if grant.OneTime {
			spent = append(spent, grant)
		}
	}

	// Every key holds a live grant. One-time grants are spent only now, so a
	// grant is never consumed by a call that ends up parked on another key.
	for _, grant := range spent {
		if err := h.store.ConsumeAttestation(ctx, grant.AttestationID); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to consume attestation"})
		}
		if h.metrics != nil {
			h.metrics.Attestations.WithLabelValues(string(domain.AttestationStatusConsumed)).Inc()
		}
		if err := h.recordEvent(ctx, req.CallerAgentID, invocationID, domain.EventTypeAttestationDecision, domain.AttestationDecisionPayload{
			AttestationID: grant.AttestationID,
			Decision:      domain.AttestationStatusConsumed,
		}); err != nil {
			log.Printf("WARN: failed to record attestation consumption: %v", err)
		}
	}

	if err := h.recordEvent(ctx, req.CallerAgentID, invocationID, domain.EventTypePolicyDecision, domain.PolicyDecisionPayload{
		InvocationID: invocationID,
		ToolName:     toolName,
		Decision:     domain.DecisionAllow,
		Reason:       reason,
	}); err != nil {
		log.Printf("WARN: failed to record policy decision: %v", err)
	}

	return h.dispatchInvocation(c, inv, tool)
}

// blockInvocation persists a blocked invocation and returns the failure.
func (h *Handler) blockInvocation(c echo.Context, inv *domain.Invocation, code, reason string) error {
	ctx := c.Request().Context()

	inv.Status = domain.InvocationStatusBlocked
	errData, _ := json.Marshal(domain.ToolError{Code: code, Message: reason})
	inv.Error = errData
	completedAt := time.Now()
	inv.CompletedAt = &completedAt
	if err := h.store.CreateInvocation(ctx, inv); err != nil {
		log.Printf("ERROR: failed to persist blocked invocation: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create invocation"})
	}
	if h.metrics != nil {
		h.metrics.Invocations.WithLabelValues(string(domain.InvocationStatusBlocked)).Inc()
	}

	if err := h.recordEvent(ctx, inv.CallerAgentID, inv.InvocationID, domain.EventTypePolicyDecision, domain.PolicyDecisionPayload{
		InvocationID: inv.InvocationID,
		ToolName:     inv.ToolName,
		Decision:     domain.DecisionBlock,
		Reason:       reason,
	}); err != nil {
		log.Printf("WARN: failed to record policy decision: %v", err)
	}

	return c.JSON(http.StatusOK, domain.InvokeToolResponse{
		Status:       "failed",
		InvocationID: inv.InvocationID,
		Error:        &domain.ToolError{Code: code, Message: reason},
	})
}

// requireAttestation parks a new invocation behind a pending attestation.
func (h *Handler) requireAttestation(c echo.Context, inv *domain.Invocation, key string, rule domain.AttestationRule) error {
	ctx := c.Request().Context()

	inv.Status = domain.InvocationStatusWaitingAttestation
	if err := h.store.CreateInvocation(ctx, inv); err != nil {
		log.Printf("ERROR: failed to persist invocation: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create invocation"})
	}

	att, err := h.raisePendingAttestation(ctx, inv, key, rule)
	if err != nil {
		log.Printf("ERROR: failed to create attestation: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create attestation"})
	}

	return c.JSON(http.StatusOK, domain.InvokeToolResponse{
		Status:        "pending",
		InvocationID:  inv.InvocationID,
		AttestationID: att.AttestationID,
		Reason:        "waiting_attestation",
	})
}

// raisePendingAttestation creates a pending attestation for key and links the
// invocation to it, leaving the invocation in WAITING_ATTESTATION.
func (h *Handler) raisePendingAttestation(ctx context.Context, inv *domain.Invocation, key string, rule domain.AttestationRule) (*domain.Attestation, error) {
	attestationID := "att_" + uuid.New().String()[:8]
	att := &domain.Attestation{
		AttestationID:    attestationID,
		Key:              key,
		ForAgent:         inv.CallerAgentID,
		RequestedBy:      inv.CallerAgentID,
		InvocationID:     inv.InvocationID,
		ApprovalCriteria: rule.ApprovalCriteria,
		OneTime:          rule.OneTime,
		TimeoutS:         rule.TimeoutS,
		TimeToLiveS:      rule.TimeToLiveS,
		Status:           domain.AttestationStatusPending,
		CreatedAt:        time.Now(),
	}
	if err := h.store.CreateAttestation(ctx, att); err != nil {
		return nil, fmt.Errorf("failed to create attestation: %w", err)
	}
	if err := h.store.UpdateInvocationAttestation(ctx, inv.InvocationID, attestationID, domain.InvocationStatusWaitingAttestation); err != nil {
		return nil, fmt.Errorf("failed to link attestation: %w", err)
	}
	if h.metrics != nil {
		h.metrics.Attestations.WithLabelValues(string(domain.AttestationStatusPending)).Inc()
	}

	if err := h.recordEvent(ctx, inv.CallerAgentID, inv.InvocationID, domain.EventTypeAttestationRequired, domain.AttestationRequiredPayload{
		AttestationID:    attestationID,
		InvocationID:     inv.InvocationID,
		Key:              key,
		ForAgent:         inv.CallerAgentID,
		ApprovalCriteria: rule.ApprovalCriteria,
		Args:             inv.Args,
	}); err != nil {
		log.Printf("WARN: failed to record attestation request: %v", err)
	}

	return att, nil
}

// dispatchInvocation runs an approved invocation: client tools are handed to
// the owning agent, server tools execute inline.
func (h *Handler) dispatchInvocation(c echo.Context, inv *domain.Invocation, tool *domain.Tool) error {
	ctx := c.Request().Context()

	inv.Status = domain.InvocationStatusDispatched
	if tool.Kind == domain.ToolKindServer {
		inv.Status = domain.InvocationStatusRunning
	}
	if err := h.store.CreateInvocation(ctx, inv); err != nil {
		log.Printf("ERROR: failed to persist invocation: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create invocation"})
	}

	if tool.Kind == domain.ToolKindClient {
		if err := h.notifyToolRequest(ctx, inv, tool); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to dispatch invocation"})
		}
		return c.JSON(http.StatusOK, domain.InvokeToolResponse{
			Status:       "pending",
			InvocationID: inv.InvocationID,
			Reason:       "waiting_agent",
		})
	}

	result, execErr := h.executeServerTool(inv.ToolName, inv.Args)
	if execErr != nil {
		errData, _ := json.Marshal(domain.ToolError{Code: "execution_failed", Message: execErr.Error()})
		h.store.UpdateInvocationResult(ctx, inv.InvocationID, domain.InvocationStatusFailed, nil, errData)
		if h.metrics != nil {
			h.metrics.Invocations.WithLabelValues(string(domain.InvocationStatusFailed)).Inc()
		}
		return c.JSON(http.StatusOK, domain.InvokeToolResponse{
			Status:       "failed",
			InvocationID: inv.InvocationID,
			Error:        &domain.ToolError{Code: "execution_failed", Message: execErr.Error()},
		})
	}

	h.store.UpdateInvocationResult(ctx, inv.InvocationID, domain.InvocationStatusSucceeded, result, nil)
	if h.metrics != nil {
		h.metrics.Invocations.WithLabelValues(string(domain.InvocationStatusSucceeded)).Inc()
	}

	if err := h.recordEvent(ctx, inv.CallerAgentID, inv.InvocationID, domain.EventTypeToolResult, domain.ToolResultPayload{
		InvocationID: inv.InvocationID,
		Status:       domain.InvocationStatusSucceeded,
		Result:       result,
	}); err != nil {
		log.Printf("WARN: failed to record result event: %v", err)
	}

	return c.JSON(http.StatusOK, domain.InvokeToolResponse{
		Status:       "succeeded",
		InvocationID: inv.InvocationID,
		Result:       result,
	})
}

// notifyToolRequest records the tool_request event and pushes it to the
// owning agent's stream when one is connected.
func (h *Handler) notifyToolRequest(ctx context.Context, inv *domain.Invocation, tool *domain.Tool) error {
	payload := domain.ToolRequestPayload{
		InvocationID: inv.InvocationID,
		ToolName:     inv.ToolName,
		Args:         inv.Args,
		DeadlineTs:   time.Now().Add(time.Duration(tool.TimeoutMs) * time.Millisecond).UnixMilli(),
	}
	if err := h.recordEvent(ctx, inv.TargetAgentID, inv.InvocationID, domain.EventTypeToolRequest, payload); err != nil {
		return err
	}
	if h.hub != nil {
		h.hub.NotifyToolRequest(inv.TargetAgentID, &payload)
	}
	return nil
}

// executeServerTool runs the built-in server-side tools.
func (h *Handler) executeServerTool(toolName string, args json.RawMessage) (json.RawMessage, error) {
	switch toolName {
	case "tool:system/echo":
		if len(args) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return args, nil
	case "tool:system/time":
		return json.RawMessage(fmt.Sprintf(`{"ts":%d}`, time.Now().UnixMilli())), nil
	default:
		return json.RawMessage(`{"status":"executed"}`), nil
	}
}

// GetInvocation retrieves the status of an invocation.
// GET /v1/invocations/:invocation_id
func (h *Handler) GetInvocation(c echo.Context) error {
	invocationID := c.Param("invocation_id")
	ctx := c.Request().Context()

	inv, err := h.store.GetInvocation(ctx, invocationID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get invocation"})
	}
	if inv == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "invocation not found"})
	}

	return c.JSON(http.StatusOK, invocationResponse(inv))
}

// WaitInvocation blocks until the invocation reaches a terminal state or the
// wait times out. SDKs use this to make invoke_tool synchronous.
// POST /v1/invocations/:invocation_id/wait?timeout_ms=60000
func (h *Handler) WaitInvocation(c echo.Context) error {
	invocationID := c.Param("invocation_id")

	timeoutMs := 60000
	if v := c.QueryParam("timeout_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "timeout_ms must be a positive integer"})
		}
		timeoutMs = n
	}

	ctx := c.Request().Context()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(time.Duration(timeoutMs) * time.Millisecond)

	for {
		inv, err := h.store.GetInvocation(ctx, invocationID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get invocation"})
		}
		if inv == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "invocation not found"})
		}
		if inv.Status.Terminal() {
			return c.JSON(http.StatusOK, invocationResponse(inv))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return c.JSON(http.StatusOK, invocationResponse(inv))
		case <-ticker.C:
		}
	}
}

// SubmitInvocationResult handles the owning agent's result for a client tool.
// POST /v1/invocations/:invocation_id/result
func (h *Handler) SubmitInvocationResult(c echo.Context) error {
	invocationID := c.Param("invocation_id")
	var req domain.InvocationResultRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Status != "SUCCEEDED" && req.Status != "FAILED" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "status must be SUCCEEDED or FAILED"})
	}

	ctx := c.Request().Context()

	inv, err := h.store.GetInvocation(ctx, invocationID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get invocation"})
	}
	if inv == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "invocation not found"})
	}

	// Result submission is idempotent: a terminal invocation returns its
	// recorded outcome unchanged.
	if inv.Status.Terminal() {
		return c.JSON(http.StatusOK, invocationResponse(inv))
	}

	if inv.Status != domain.InvocationStatusDispatched && inv.Status != domain.InvocationStatusRunning {
		return c.JSON(http.StatusConflict, map[string]string{
			"error": fmt.Sprintf("invocation is in state %s, cannot submit result", inv.Status),
		})
	}

	newStatus := domain.InvocationStatusSucceeded
	if req.Status == "FAILED" {
		newStatus = domain.InvocationStatusFailed
	}

	if err := h.store.UpdateInvocationResult(ctx, invocationID, newStatus, req.Result, req.Error); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to update invocation"})
	}
	if h.metrics != nil {
		h.metrics.Invocations.WithLabelValues(string(newStatus)).Inc()
	}

	if err := h.recordEvent(ctx, inv.CallerAgentID, invocationID, domain.EventTypeToolResult, domain.ToolResultPayload{
		InvocationID: invocationID,
		Status:       newStatus,
		Result:       req.Result,
		Error:        req.Error,
	}); err != nil {
		log.Printf("WARN: failed to record result event: %v", err)
	}

	updated, err := h.store.GetInvocation(ctx, invocationID)
	if err != nil || updated == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get invocation"})
	}
	return c.JSON(http.StatusOK, invocationResponse(updated))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
