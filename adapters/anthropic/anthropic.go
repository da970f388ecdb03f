// Package anthropic provides an Anthropic-style messages client whose calls
// route through the control plane gateway. The messages shape is translated
// onto the gateway's OpenAI-compatible wire format.
package anthropic

import (
	"context"
	"fmt"

	"github.com/macawsecurity/secureAI/adapters/openai"
	"github.com/macawsecurity/secureAI/llmproxy"
)

// MessageRequest mirrors the Anthropic messages API request shape.
type MessageRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream,omitempty"`
}

// Message is one turn in the conversation.
type Message struct {
	Role    string         `json:"role"` // user or assistant
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a piece of message content.
type ContentBlock struct {
	Type string `json:"type"` // text
	Text string `json:"text"`
}

// MessageResponse mirrors the Anthropic messages API response shape.
type MessageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      UsageInfo      `json:"usage"`
}

// UsageInfo reports token usage.
type UsageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Client sends Anthropic-shaped requests through the gateway.
type Client struct {
	inner *openai.Client
}

// New creates a gateway-routed messages client.
func New(opts ...openai.Option) (*Client, error) {
	inner, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

// NewShared creates a wrapper meant to serve many users; calls fail until
// BindToUser supplies the acting user's token.
func NewShared(opts ...openai.Option) (*Client, error) {
	inner, err := openai.NewShared(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

// BindToUser returns a copy of the client acting as the given user.
func (c *Client) BindToUser(iamToken string) *Client {
	return &Client{inner: c.inner.BindToUser(iamToken)}
}

// CreateMessage sends a messages request through the gateway.
func (c *Client) CreateMessage(ctx context.Context, req *MessageRequest) (*MessageResponse, error) {
	proxied := toProxyRequest(req)

	resp, err := c.inner.Chat(ctx, proxied)
	if err != nil {
		return nil, err
	}
	return fromProxyResponse(resp)
}

// toProxyRequest translates the messages shape onto the gateway wire format.
func toProxyRequest(req *MessageRequest) *llmproxy.ChatCompletionRequest {
	out := &llmproxy.ChatCompletionRequest{
		Model: req.Model,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	if req.System != "" {
		out.Messages = append(out.Messages, llmproxy.ChatMessage{
			Role:    "system",
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, llmproxy.ChatMessage{
			Role:    m.Role,
			Content: flattenContent(m.Content),
		})
	}
	return out
}

func flattenContent(blocks []ContentBlock) string {
	var text string
	for _, b := range blocks {
		if b.Type != "text" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += b.Text
	}
	return text
}

func fromProxyResponse(resp *llmproxy.ChatCompletionResponse) (*MessageResponse, error) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, fmt.Errorf("gateway returned no choices")
	}
	choice := resp.Choices[0]

	out := &MessageResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Role:  "assistant",
		Content: []ContentBlock{
			{Type: "text", Text: choice.Message.Content},
		},
		StopReason: translateFinishReason(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = UsageInfo{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func translateFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}
