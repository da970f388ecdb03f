package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/macawsecurity/secureAI/domain"
	"github.com/macawsecurity/secureAI/policy"
)

// RegisterAgent registers a new agent, its tools, and its intent policy.
// POST /v1/agents/register
func (h *Handler) RegisterAgent(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.AgentRegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}
	if req.AppName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "app_name is required"})
	}
	if req.Kind != domain.AgentKindUser && req.Kind != domain.AgentKindService {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "kind must be user or service"})
	}

	// User agents must bind to a user identity; prefer the verified token.
	userName := req.UserName
	if claims := claimsFrom(c); claims != nil && claims.UserName != "" {
		userName = claims.UserName
	}
	if req.Kind == domain.AgentKindUser && userName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_name is required for user agents"})
	}

	// Compile the intent policy so malformed declarations fail registration
	// instead of the first invocation.
	var intentRaw json.RawMessage
	var ev *policy.IntentEvaluator
	if req.IntentPolicy != nil {
		compiled, err := policy.CompileIntent(ctx, *req.IntentPolicy)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		ev = compiled
		intentRaw, _ = json.Marshal(req.IntentPolicy)
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = "ag_" + uuid.New().String()[:8]
	}

	caps, _ := json.Marshal(req.Capabilities)
	now := time.Now()
	agent := &domain.Agent{
		AgentID:      agentID,
		Name:         req.Name,
		Kind:         req.Kind,
		AppName:      req.AppName,
		UserName:     userName,
		Endpoint:     req.Endpoint,
		IntentPolicy: intentRaw,
		Capabilities: caps,
		Status:       domain.AgentStatusActive,
		CreatedAt:    now,
	}

	if err := h.store.RegisterAgent(ctx, agent); err != nil {
		log.Printf("ERROR: failed to register agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to register agent"})
	}
	if ev != nil {
		h.cacheIntent(agentID, ev)
	}

	for _, decl := range req.Tools {
		if decl.Name == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "tool name is required"})
		}
		kind := decl.Kind
		if kind == "" {
			kind = domain.ToolKindClient
		}
		timeoutMs := decl.TimeoutMs
		if timeoutMs <= 0 {
			timeoutMs = int(h.config.ToolTimeout / time.Millisecond)
		}
		tool := &domain.Tool{
			Name:        decl.Name,
			AgentID:     agentID,
			Description: decl.Description,
			Kind:        kind,
			TimeoutMs:   timeoutMs,
			CreatedAt:   now,
		}
		if err := h.store.CreateTool(ctx, tool); err != nil {
			log.Printf("ERROR: failed to register tool %s: %v", decl.Name, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to register tool"})
		}
	}

	if err := h.recordEvent(ctx, agentID, "", domain.EventTypeAgentRegistered, map[string]interface{}{
		"agent_id": agentID,
		"name":     req.Name,
		"kind":     req.Kind,
		"app_name": req.AppName,
		"tools":    len(req.Tools),
	}); err != nil {
		log.Printf("WARN: failed to record registration event: %v", err)
	}

	return c.JSON(http.StatusOK, domain.AgentRegisterResponse{
		AgentID:      agentID,
		RegisteredAt: now.UnixMilli(),
	})
}

// UnregisterAgent removes an agent and its tools from the registry.
// DELETE /v1/agents/:agent_id
func (h *Handler) UnregisterAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		log.Printf("ERROR: failed to get agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
	}
	if agent == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "agent not found"})
	}

	if err := h.store.UpdateAgentStatus(ctx, agentID, domain.AgentStatusUnregistered); err != nil {
		log.Printf("ERROR: failed to unregister agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to unregister agent"})
	}
	if err := h.store.DeleteAgentTools(ctx, agentID); err != nil {
		log.Printf("ERROR: failed to remove agent tools: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to remove agent tools"})
	}
	h.dropIntent(agentID)

	if err := h.recordEvent(ctx, agentID, "", domain.EventTypeAgentUnregistered, map[string]interface{}{
		"agent_id": agentID,
	}); err != nil {
		log.Printf("WARN: failed to record unregistration event: %v", err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// ListAgents lists all registered agents.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	ctx := c.Request().Context()

	agents, err := h.store.ListAgents(ctx)
	if err != nil {
		log.Printf("ERROR: failed to list agents: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list agents"})
	}

	agentList := make([]map[string]interface{}, len(agents))
	for i, a := range agents {
		agentList[i] = map[string]interface{}{
			"agent_id":          a.AgentID,
			"name":              a.Name,
			"kind":              a.Kind,
			"app_name":          a.AppName,
			"user_name":         a.UserName,
			"status":            a.Status,
			"last_heartbeat_at": nil,
		}
		if a.LastHeartbeat != nil {
			agentList[i]["last_heartbeat_at"] = a.LastHeartbeat.UnixMilli()
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"agents": agentList,
	})
}

// GetAgent gets a specific agent by ID.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		log.Printf("ERROR: failed to get agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
	}
	if agent == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "agent not found"})
	}

	return c.JSON(http.StatusOK, agent)
}

// Heartbeat marks an agent as alive.
// POST /v1/agents/:agent_id/heartbeat
func (h *Handler) Heartbeat(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		log.Printf("ERROR: failed to get agent: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
	}
	if agent == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "agent not found"})
	}

	now := time.Now()
	if err := h.store.TouchHeartbeat(ctx, agentID, now); err != nil {
		log.Printf("ERROR: failed to record heartbeat: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to record heartbeat"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok": true,
		"ts": now.UnixMilli(),
	})
}

// ListAgentWork returns dispatched invocations waiting for the agent to run.
// Agents without a live stream poll this as a fallback.
// GET /v1/agents/:agent_id/work
func (h *Handler) ListAgentWork(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("agent_id")

	invocations, err := h.store.ListAgentWork(ctx, agentID)
	if err != nil {
		log.Printf("ERROR: failed to list agent work: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list agent work"})
	}

	work := make([]domain.ToolRequestPayload, 0, len(invocations))
	for _, inv := range invocations {
		tool, err := h.store.GetTool(ctx, inv.ToolName)
		if err != nil {
			log.Printf("ERROR: failed to get tool %s: %v", inv.ToolName, err)
			continue
		}
		timeoutMs := int(h.config.ToolTimeout / time.Millisecond)
		if tool != nil && tool.TimeoutMs > 0 {
			timeoutMs = tool.TimeoutMs
		}
		work = append(work, domain.ToolRequestPayload{
			InvocationID: inv.InvocationID,
			ToolName:     inv.ToolName,
			Args:         inv.Args,
			DeadlineTs:   inv.CreatedAt.Add(time.Duration(timeoutMs) * time.Millisecond).UnixMilli(),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"work": work,
	})
}
