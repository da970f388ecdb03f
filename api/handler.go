// Package api provides HTTP handlers for the control plane.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/macawsecurity/secureAI/config"
	"github.com/macawsecurity/secureAI/domain"
	"github.com/macawsecurity/secureAI/hub"
	"github.com/macawsecurity/secureAI/identity"
	"github.com/macawsecurity/secureAI/metrics"
	"github.com/macawsecurity/secureAI/policy"
	"github.com/macawsecurity/secureAI/store"
)

// Handler handles HTTP requests.
type Handler struct {
	store     store.Store
	engine    *policy.Engine
	hierarchy *policy.Hierarchy
	verifier  *identity.Verifier
	metrics   *metrics.Metrics
	hub       *hub.Hub
	config    *config.Config

	// Compiled intent evaluators by agent ID.
	intentMu sync.RWMutex
	intents  map[string]*policy.IntentEvaluator
}

// NewHandler creates a new handler. hierarchy and verifier may be nil when the
// corresponding features are not configured.
func NewHandler(st store.Store, engine *policy.Engine, hierarchy *policy.Hierarchy, verifier *identity.Verifier, m *metrics.Metrics, h *hub.Hub, cfg *config.Config) *Handler {
	return &Handler{
		store:     st,
		engine:    engine,
		hierarchy: hierarchy,
		verifier:  verifier,
		metrics:   m,
		hub:       h,
		config:    cfg,
		intents:   make(map[string]*policy.IntentEvaluator),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1", h.RequireAuth)

	// Agent registry
	v1.POST("/agents/register", h.RegisterAgent)
	v1.GET("/agents", h.ListAgents)
	v1.GET("/agents/:agent_id", h.GetAgent)
	v1.DELETE("/agents/:agent_id", h.UnregisterAgent)
	v1.POST("/agents/:agent_id/heartbeat", h.Heartbeat)
	v1.GET("/agents/:agent_id/work", h.ListAgentWork)
	v1.GET("/agents/:agent_id/stream", h.StreamAgent)

	// Tool invocation
	v1.POST("/tools/:tool_name/invoke", h.InvokeTool)
	v1.GET("/invocations/:invocation_id", h.GetInvocation)
	v1.POST("/invocations/:invocation_id/wait", h.WaitInvocation)
	v1.POST("/invocations/:invocation_id/result", h.SubmitInvocationResult)

	// Attestations
	v1.GET("/attestations", h.ListAttestations)
	v1.GET("/attestations/:attestation_id", h.GetAttestation)
	v1.POST("/attestations/:attestation_id/approve", h.ApproveAttestation)
	v1.POST("/attestations/:attestation_id/deny", h.DenyAttestation)

	// Audit trail
	v1.GET("/audit/events", h.GetAuditEvents)

	e.GET("/health", h.Health)
	if h.metrics != nil {
		path := h.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(h.metrics.Handler()))
	}
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// intentFor returns the compiled intent evaluator for an agent, compiling and
// caching it on first use.
func (h *Handler) intentFor(ctx context.Context, agent *domain.Agent) (*policy.IntentEvaluator, error) {
	h.intentMu.RLock()
	ev, ok := h.intents[agent.AgentID]
	h.intentMu.RUnlock()
	if ok {
		return ev, nil
	}

	var ip domain.IntentPolicy
	if len(agent.IntentPolicy) > 0 {
		if err := unmarshalJSON(agent.IntentPolicy, &ip); err != nil {
			return nil, err
		}
	}
	ev, err := policy.CompileIntent(ctx, ip)
	if err != nil {
		return nil, err
	}

	h.intentMu.Lock()
	h.intents[agent.AgentID] = ev
	h.intentMu.Unlock()
	return ev, nil
}

func (h *Handler) cacheIntent(agentID string, ev *policy.IntentEvaluator) {
	h.intentMu.Lock()
	h.intents[agentID] = ev
	h.intentMu.Unlock()
}

func (h *Handler) dropIntent(agentID string) {
	h.intentMu.Lock()
	delete(h.intents, agentID)
	h.intentMu.Unlock()
}
