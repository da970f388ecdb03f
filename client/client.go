// Package client provides the Go SDK for the control plane: agent
// registration, policy-gated tool invocation, and attestation workflows.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/macawsecurity/secureAI/config"
	"github.com/macawsecurity/secureAI/domain"
)

// Sentinel errors surfaced by InvokeTool and the wrapper adapters.
var (
	ErrNotRegistered      = errors.New("client is not registered")
	ErrNotBound           = errors.New("wrapper requires BindToUser before use")
	ErrBlocked            = errors.New("invocation blocked by policy")
	ErrAttestationDenied  = errors.New("attestation denied")
	ErrAttestationExpired = errors.New("attestation expired before decision")
)

// ToolHandler runs a tool on behalf of the agent when the control plane
// dispatches work to it.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolSpec declares a tool the agent serves.
type ToolSpec struct {
	Handler     ToolHandler
	Description string
	TimeoutMs   int
}

// Client talks to the control plane on behalf of one agent.
type Client struct {
	baseURL    string
	httpClient *http.Client

	appName      string
	kind         domain.AgentKind
	userName     string
	iamToken     string
	intentPolicy *domain.IntentPolicy
	tools        map[string]ToolSpec

	agentID      string
	pollInterval time.Duration
	stopWorker   context.CancelFunc

	handledMu sync.Mutex
	handled   map[string]bool
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a control plane.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithAgentKind sets the agent kind; the default is user.
func WithAgentKind(kind domain.AgentKind) Option {
	return func(c *Client) { c.kind = kind }
}

// WithUser binds the agent to a user identity and its IAM token.
func WithUser(userName, iamToken string) Option {
	return func(c *Client) {
		c.userName = userName
		c.iamToken = iamToken
	}
}

// WithIntentPolicy declares the agent's intent policy.
func WithIntentPolicy(policy *domain.IntentPolicy) Option {
	return func(c *Client) { c.intentPolicy = policy }
}

// WithTool registers a tool handler served by this agent.
func WithTool(name string, handler ToolHandler, description string) Option {
	return func(c *Client) {
		c.tools[name] = ToolSpec{Handler: handler, Description: description}
	}
}

// WithToolSpec registers a tool with full metadata.
func WithToolSpec(name string, spec ToolSpec) Option {
	return func(c *Client) { c.tools[name] = spec }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the named application. Defaults come from
// ~/.macaw/config.json when present.
func New(appName string, opts ...Option) (*Client, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:      strings.TrimSuffix(cfg.ControlPlaneURL, "/"),
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		appName:      appName,
		kind:         domain.AgentKindUser,
		tools:        make(map[string]ToolSpec),
		pollInterval: 2 * time.Second,
		handled:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.appName == "" {
		c.appName = cfg.DefaultAppName
	}
	if c.userName == "" && cfg.UserName != "" {
		c.userName = cfg.UserName
		c.iamToken = cfg.IAMToken
	}
	if c.appName == "" {
		return nil, fmt.Errorf("app name is required")
	}
	return c, nil
}

// AgentID returns the agent ID assigned at registration.
func (c *Client) AgentID() string {
	return c.agentID
}

// UserName returns the bound user, empty for unbound service agents.
func (c *Client) UserName() string {
	return c.userName
}

// Register announces the agent, its tools, and its intent policy to the
// control plane, then starts the background worker when the agent serves
// tools.
func (c *Client) Register(ctx context.Context) error {
	req := domain.AgentRegisterRequest{
		Name:         c.appName,
		Kind:         c.kind,
		AppName:      c.appName,
		UserName:     c.userName,
		IntentPolicy: c.intentPolicy,
	}
	for name, spec := range c.tools {
		req.Tools = append(req.Tools, domain.ToolDeclaration{
			Name:        name,
			Description: spec.Description,
			Kind:        domain.ToolKindClient,
			TimeoutMs:   spec.TimeoutMs,
		})
	}

	var resp domain.AgentRegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/agents/register", req, &resp); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	c.agentID = resp.AgentID

	if len(c.tools) > 0 {
		workerCtx, cancel := context.WithCancel(context.Background())
		c.stopWorker = cancel
		go c.runWorker(workerCtx)
	}
	return nil
}

// Unregister removes the agent from the control plane and stops the worker.
func (c *Client) Unregister(ctx context.Context) error {
	if c.agentID == "" {
		return ErrNotRegistered
	}
	if c.stopWorker != nil {
		c.stopWorker()
		c.stopWorker = nil
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/agents/"+c.agentID, nil, nil); err != nil {
		return fmt.Errorf("unregistration failed: %w", err)
	}
	c.agentID = ""
	return nil
}

// InvokeTool routes a tool call through the control plane and blocks until it
// reaches a terminal state. When the policy requires an attestation, the call
// waits for the decision; denial, expiry, and context cancellation all
// surface as errors.
func (c *Client) InvokeTool(ctx context.Context, toolName, targetAgent string, params map[string]interface{}) (json.RawMessage, error) {
	if c.agentID == "" {
		return nil, ErrNotRegistered
	}

	args, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	req := domain.InvokeToolRequest{
		CallerAgentID: c.agentID,
		TargetAgentID: targetAgent,
		Args:          args,
	}
	var resp domain.InvokeToolResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/tools/"+toolName+"/invoke", req, &resp); err != nil {
		return nil, fmt.Errorf("invoke failed: %w", err)
	}

	switch resp.Status {
	case "succeeded":
		return resp.Result, nil
	case "failed":
		return nil, invokeError(resp.Error)
	}

	// Pending: block on the wait endpoint until terminal.
	for {
		var inv domain.InvocationResponse
		path := fmt.Sprintf("/v1/invocations/%s/wait?timeout_ms=30000", resp.InvocationID)
		if err := c.doJSON(ctx, http.MethodPost, path, nil, &inv); err != nil {
			return nil, fmt.Errorf("wait failed: %w", err)
		}
		if inv.Status.Terminal() {
			return terminalResult(&inv)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

func terminalResult(inv *domain.InvocationResponse) (json.RawMessage, error) {
	switch inv.Status {
	case domain.InvocationStatusSucceeded:
		return inv.Result, nil
	case domain.InvocationStatusBlocked:
		return nil, fmt.Errorf("%w: %s", ErrBlocked, errMessage(inv.Error))
	case domain.InvocationStatusDenied:
		return nil, fmt.Errorf("%w: %s", ErrAttestationDenied, errMessage(inv.Error))
	case domain.InvocationStatusExpired:
		return nil, fmt.Errorf("%w: %s", ErrAttestationExpired, errMessage(inv.Error))
	default:
		return nil, fmt.Errorf("invocation failed: %s", errMessage(inv.Error))
	}
}

func errMessage(data json.RawMessage) string {
	if len(data) == 0 {
		return "no details"
	}
	var te domain.ToolError
	if err := json.Unmarshal(data, &te); err == nil && te.Message != "" {
		return te.Message
	}
	return string(data)
}

func invokeError(te *domain.ToolError) error {
	if te == nil {
		return fmt.Errorf("invocation failed")
	}
	switch te.Code {
	case "blocked", "intent_denied", "policy_denied":
		return fmt.Errorf("%w: %s", ErrBlocked, te.Message)
	case "attestation_denied":
		return fmt.Errorf("%w: %s", ErrAttestationDenied, te.Message)
	case "attestation_timeout":
		return fmt.Errorf("%w: %s", ErrAttestationExpired, te.Message)
	default:
		return fmt.Errorf("invocation failed: %s", te.Message)
	}
}

// ListAttestations lists attestations, optionally filtered by status.
func (c *Client) ListAttestations(ctx context.Context, status domain.AttestationStatus) ([]domain.Attestation, error) {
	path := "/v1/attestations"
	if status != "" {
		path += "?status=" + string(status)
	}
	var resp struct {
		Attestations []domain.Attestation `json:"attestations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Attestations, nil
}

// ApproveAttestation approves a pending attestation.
func (c *Client) ApproveAttestation(ctx context.Context, attestationID, reason string) error {
	return c.decideAttestation(ctx, attestationID, "approve", reason)
}

// DenyAttestation denies a pending attestation.
func (c *Client) DenyAttestation(ctx context.Context, attestationID, reason string) error {
	return c.decideAttestation(ctx, attestationID, "deny", reason)
}

func (c *Client) decideAttestation(ctx context.Context, attestationID, verb, reason string) error {
	req := domain.AttestationDecisionRequest{
		DecidedBy: c.userName,
		Reason:    reason,
	}
	path := fmt.Sprintf("/v1/attestations/%s/%s", attestationID, verb)
	return c.doJSON(ctx, http.MethodPost, path, req, nil)
}

// BindToUser returns a copy of the client bound to the given user identity.
// Shared service wrappers use this to act per-user.
func (c *Client) BindToUser(userName, iamToken string) *Client {
	bound := &Client{
		baseURL:      c.baseURL,
		httpClient:   c.httpClient,
		appName:      c.appName,
		kind:         c.kind,
		userName:     userName,
		iamToken:     iamToken,
		intentPolicy: c.intentPolicy,
		tools:        c.tools,
		agentID:      c.agentID,
		pollInterval: c.pollInterval,
		stopWorker:   c.stopWorker,
		handled:      c.handled,
	}
	return bound
}

// doJSON performs an HTTP call against the control plane, encoding req and
// decoding into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, out interface{}) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.iamToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.iamToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("control plane error [%d]: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("control plane error [%d]: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
