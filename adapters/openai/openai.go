// Package openai provides a drop-in OpenAI-style chat client whose calls
// route through the control plane gateway, so claims and hierarchy policy are
// enforced on every request.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/macawsecurity/secureAI/client"
	"github.com/macawsecurity/secureAI/config"
	"github.com/macawsecurity/secureAI/llmproxy"
)

// Client sends OpenAI-compatible requests through the gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	iamToken   string
	agentID    string

	// requireBinding is set on shared wrappers created with NewShared; calls
	// fail until BindToUser supplies a user identity.
	requireBinding bool
	bound          bool
}

// Option configures a Client.
type Option func(*Client)

// WithGatewayURL points the client at a gateway.
func WithGatewayURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithIAMToken sets the identity token sent on every request.
func WithIAMToken(token string) Option {
	return func(c *Client) { c.iamToken = token }
}

// WithAgentID correlates gateway traffic with a registered agent.
func WithAgentID(agentID string) Option {
	return func(c *Client) { c.agentID = agentID }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a gateway-routed chat client. Defaults come from
// ~/.macaw/config.json when present.
func New(opts ...Option) (*Client, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.ControlPlaneURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewShared creates a wrapper meant to serve many users. It refuses calls
// until BindToUser supplies the acting user's token.
func NewShared(opts ...Option) (*Client, error) {
	c, err := New(opts...)
	if err != nil {
		return nil, err
	}
	c.requireBinding = true
	return c, nil
}

// BindToUser returns a copy of the client acting as the given user.
func (c *Client) BindToUser(iamToken string) *Client {
	bound := *c
	bound.iamToken = iamToken
	bound.bound = true
	return &bound
}

func (c *Client) checkBinding() error {
	if c.requireBinding && !c.bound {
		return client.ErrNotBound
	}
	return nil
}

// Chat sends a non-streaming chat completion request through the gateway.
func (c *Client) Chat(ctx context.Context, req *llmproxy.ChatCompletionRequest) (*llmproxy.ChatCompletionResponse, error) {
	if err := c.checkBinding(); err != nil {
		return nil, err
	}
	req.Stream = false

	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gatewayError(resp.StatusCode, body)
	}

	var result llmproxy.ChatCompletionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ChatStream sends a streaming request and feeds each chunk to the callback.
func (c *Client) ChatStream(ctx context.Context, req *llmproxy.ChatCompletionRequest, callback llmproxy.StreamCallback) error {
	if err := c.checkBinding(); err != nil {
		return err
	}
	req.Stream = true

	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return gatewayError(resp.StatusCode, body)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var chunk llmproxy.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if err := callback(&chunk); err != nil {
			return err
		}
	}
}

func (c *Client) send(ctx context.Context, req *llmproxy.ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.iamToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.iamToken)
	}
	if c.agentID != "" {
		httpReq.Header.Set("x-agent-id", c.agentID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	return resp, nil
}

func gatewayError(status int, body []byte) error {
	var errResp llmproxy.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		return fmt.Errorf("gateway error [%d]: %s (type: %s)", status, errResp.Error.Message, errResp.Error.Type)
	}
	return fmt.Errorf("gateway error [%d]: %s", status, string(body))
}
