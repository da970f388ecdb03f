package llmproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/macawsecurity/secureAI/config"
	"github.com/macawsecurity/secureAI/domain"
	"github.com/macawsecurity/secureAI/identity"
	"github.com/macawsecurity/secureAI/metrics"
	"github.com/macawsecurity/secureAI/policy"
	"github.com/macawsecurity/secureAI/store"
)

// Handler handles gateway HTTP requests. Before a request reaches the
// upstream it is checked against the caller's token claims and the policy
// hierarchy: disallowed models are rejected and max_tokens is clamped.
type Handler struct {
	client    *Client
	store     store.Store
	verifier  *identity.Verifier
	hierarchy *policy.Hierarchy
	metrics   *metrics.Metrics
	config    *config.Config
}

// NewHandler creates a new gateway handler. verifier, hierarchy, and metrics
// may be nil when the corresponding features are not configured.
func NewHandler(cfg *config.Config, st store.Store, verifier *identity.Verifier, hierarchy *policy.Hierarchy, m *metrics.Metrics) *Handler {
	client := NewClient(cfg.LLMUpstreamURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	return &Handler{
		client:    client,
		store:     st,
		verifier:  verifier,
		hierarchy: hierarchy,
		metrics:   m,
		config:    cfg,
	}
}

// RegisterRoutes registers gateway routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// OpenAI-compatible endpoints
	e.POST("/v1/chat/completions", h.ChatCompletions)
	e.GET("/v1/models", h.ListModels)
}

// ChatCompletions handles chat completion requests.
// POST /v1/chat/completions
func (h *Handler) ChatCompletions(c echo.Context) error {
	ctx := c.Request().Context()

	// Agent ID header correlates gateway traffic with the audit trail.
	agentID := c.Request().Header.Get("x-agent-id")

	var req ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: &APIError{
				Message: "invalid request body",
				Type:    "invalid_request_error",
			},
		})
	}

	if req.Model == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: &APIError{
				Message: "model is required",
				Type:    "invalid_request_error",
				Param:   "model",
			},
		})
	}
	if len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: &APIError{
				Message: "messages is required",
				Type:    "invalid_request_error",
				Param:   "messages",
			},
		})
	}

	claims, err := h.verifyCaller(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error: &APIError{
				Message: err.Error(),
				Type:    "authentication_error",
			},
		})
	}

	if denied := h.enforce(claims, &req); denied != nil {
		if h.metrics != nil {
			h.metrics.LLMRequests.WithLabelValues(req.Model, "denied").Inc()
		}
		return c.JSON(http.StatusForbidden, ErrorResponse{Error: denied})
	}

	requestID := "llm_" + uuid.New().String()[:8]
	startTime := time.Now()

	userName := ""
	if claims != nil {
		userName = claims.UserName
	}
	if err := h.recordEvent(ctx, agentID, domain.EventTypeLLMCallStarted, domain.LLMCallStartedPayload{
		RequestID: requestID,
		Model:     req.Model,
		UserName:  userName,
		Stream:    req.Stream,
	}); err != nil {
		log.Printf("WARN: failed to record llm_call_started event: %v", err)
	}

	if req.Stream {
		return h.handleStreamingRequest(c, ctx, &req, agentID, requestID, startTime)
	}
	return h.handleNonStreamingRequest(c, ctx, &req, agentID, requestID, startTime)
}

// verifyCaller validates the Bearer token when a verifier is configured.
func (h *Handler) verifyCaller(c echo.Context) (*identity.Claims, error) {
	if h.verifier == nil {
		return nil, nil
	}
	header := c.Request().Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, fmt.Errorf("missing bearer token")
	}
	return h.verifier.Verify(c.Request().Context(), token)
}

// enforce applies claim and hierarchy restrictions to the request. It returns
// a non-nil APIError when the model is not permitted, and clamps max_tokens
// in place to the tightest limit.
func (h *Handler) enforce(claims *identity.Claims, req *ChatCompletionRequest) *APIError {
	maxTokens := 0

	if claims != nil {
		if !claims.AllowsModel(req.Model) {
			return &APIError{
				Message: fmt.Sprintf("model %s is not permitted for this identity", req.Model),
				Type:    "permission_error",
				Code:    "model_not_permitted",
				Param:   "model",
			}
		}
		maxTokens = claims.MaxTokens
	}

	if h.hierarchy != nil && claims != nil {
		eff := h.hierarchy.Effective(claims.BusinessUnit, claims.Team, claims.UserName)
		if !eff.AllowsModel(req.Model) {
			return &APIError{
				Message: fmt.Sprintf("model %s is not permitted by policy", req.Model),
				Type:    "permission_error",
				Code:    "model_not_permitted",
				Param:   "model",
			}
		}
		if eff.MaxTokens > 0 && (maxTokens == 0 || eff.MaxTokens < maxTokens) {
			maxTokens = eff.MaxTokens
		}
	}

	if maxTokens > 0 && (req.MaxTokens == nil || *req.MaxTokens > maxTokens) {
		req.MaxTokens = &maxTokens
	}
	return nil
}

func (h *Handler) handleNonStreamingRequest(c echo.Context, ctx context.Context, req *ChatCompletionRequest, agentID, requestID string, startTime time.Time) error {
	resp, err := h.client.CreateChatCompletion(ctx, req)
	latencyMs := time.Since(startTime).Milliseconds()
	if h.metrics != nil {
		h.metrics.LLMLatency.WithLabelValues(req.Model).Observe(time.Since(startTime).Seconds())
	}

	if err != nil {
		if h.metrics != nil {
			h.metrics.LLMRequests.WithLabelValues(req.Model, "error").Inc()
		}
		h.recordEvent(ctx, agentID, domain.EventTypeLLMCallDone, domain.LLMCallDonePayload{
			RequestID: requestID,
			Model:     req.Model,
			LatencyMs: latencyMs,
			Error:     err.Error(),
		})

		log.Printf("ERROR: LLM request failed: %v", err)
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: &APIError{
				Message: err.Error(),
				Type:    "upstream_error",
			},
		})
	}

	if h.metrics != nil {
		h.metrics.LLMRequests.WithLabelValues(req.Model, "ok").Inc()
	}
	payload := domain.LLMCallDonePayload{
		RequestID: requestID,
		Model:     resp.Model,
		LatencyMs: latencyMs,
	}
	if resp.Usage != nil {
		payload.PromptTokens = resp.Usage.PromptTokens
		payload.CompletionTokens = resp.Usage.CompletionTokens
		payload.TotalTokens = resp.Usage.TotalTokens
	}
	if err := h.recordEvent(ctx, agentID, domain.EventTypeLLMCallDone, payload); err != nil {
		log.Printf("WARN: failed to record llm_call_done event: %v", err)
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleStreamingRequest(c echo.Context, ctx context.Context, req *ChatCompletionRequest, agentID, requestID string, startTime time.Time) error {
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: &APIError{
				Message: "streaming not supported",
				Type:    "internal_error",
			},
		})
	}

	var responseModel string
	usage, err := h.client.CreateChatCompletionStream(ctx, req, func(chunk *StreamChunk) error {
		if responseModel == "" && chunk.Model != "" {
			responseModel = chunk.Model
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	fmt.Fprintf(c.Response().Writer, "data: [DONE]\n\n")
	flusher.Flush()

	latencyMs := time.Since(startTime).Milliseconds()
	if h.metrics != nil {
		h.metrics.LLMLatency.WithLabelValues(req.Model).Observe(time.Since(startTime).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		h.metrics.LLMRequests.WithLabelValues(req.Model, outcome).Inc()
	}

	payload := domain.LLMCallDonePayload{
		RequestID: requestID,
		Model:     responseModel,
		LatencyMs: latencyMs,
	}
	if usage != nil {
		payload.PromptTokens = usage.PromptTokens
		payload.CompletionTokens = usage.CompletionTokens
		payload.TotalTokens = usage.TotalTokens
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recordErr := h.recordEvent(ctx, agentID, domain.EventTypeLLMCallDone, payload); recordErr != nil {
		log.Printf("WARN: failed to record llm_call_done event: %v", recordErr)
	}

	if err != nil {
		log.Printf("ERROR: LLM streaming request failed: %v", err)
	}
	return nil
}

// ListModels handles the models list request, filtered down to what the
// caller's claims permit.
// GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	ctx := c.Request().Context()

	claims, err := h.verifyCaller(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error: &APIError{
				Message: err.Error(),
				Type:    "authentication_error",
			},
		})
	}

	models, err := h.client.ListModels(ctx)
	if err != nil {
		log.Printf("ERROR: failed to list models: %v", err)
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: &APIError{
				Message: err.Error(),
				Type:    "upstream_error",
			},
		})
	}

	if claims != nil {
		filtered := models[:0]
		for _, m := range models {
			if claims.AllowsModel(m.ID) {
				filtered = append(filtered, m)
			}
		}
		models = filtered
	}

	return c.JSON(http.StatusOK, ModelsResponse{
		Object: "list",
		Data:   models,
	})
}

// recordEvent records an audit event to the store.
func (h *Handler) recordEvent(ctx context.Context, agentID string, eventType domain.EventType, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.AuditEvent{
		EventID: "evt_" + uuid.New().String()[:8],
		AgentID: agentID,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Payload: payloadJSON,
	}
	return h.store.CreateEvent(ctx, event)
}
