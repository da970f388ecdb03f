package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/macawsecurity/secureAI/client"
	"github.com/macawsecurity/secureAI/llmproxy"
)

func TestChatSendsIdentityHeaders(t *testing.T) {
	t.Setenv("MACAW_CONFIG_DIR", t.TempDir())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if got := r.Header.Get("x-agent-id"); got != "ag_9" {
			t.Errorf("unexpected agent header: %q", got)
		}
		json.NewEncoder(w).Encode(llmproxy.ChatCompletionResponse{
			ID: "chatcmpl-1",
			Choices: []llmproxy.Choice{
				{Message: &llmproxy.ChatMessage{Role: "assistant", Content: "hello"}},
			},
		})
	}))
	defer server.Close()

	c, err := New(WithGatewayURL(server.URL), WithIAMToken("tok-1"), WithAgentID("ag_9"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := c.Chat(context.Background(), &llmproxy.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []llmproxy.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatGatewayError(t *testing.T) {
	t.Setenv("MACAW_CONFIG_DIR", t.TempDir())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(llmproxy.ErrorResponse{
			Error: &llmproxy.APIError{Message: "model gpt-4o is not permitted", Type: "permission_error", Code: "model_not_permitted"},
		})
	}))
	defer server.Close()

	c, err := New(WithGatewayURL(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = c.Chat(context.Background(), &llmproxy.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []llmproxy.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "not permitted") {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestChatStream(t *testing.T) {
	t.Setenv("MACAW_CONFIG_DIR", t.TempDir())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"a"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"b"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c, err := New(WithGatewayURL(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var content strings.Builder
	err = c.ChatStream(context.Background(), &llmproxy.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []llmproxy.ChatMessage{{Role: "user", Content: "hi"}},
	}, func(chunk *llmproxy.StreamChunk) error {
		for _, choice := range chunk.Choices {
			if choice.Delta != nil {
				content.WriteString(choice.Delta.Content)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if content.String() != "ab" {
		t.Fatalf("expected streamed content %q, got %q", "ab", content.String())
	}
}

func TestSharedClientBinding(t *testing.T) {
	t.Setenv("MACAW_CONFIG_DIR", t.TempDir())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer user-tok" {
			t.Errorf("unexpected auth header: %q", got)
		}
		json.NewEncoder(w).Encode(llmproxy.ChatCompletionResponse{
			Choices: []llmproxy.Choice{{Message: &llmproxy.ChatMessage{Content: "ok"}}},
		})
	}))
	defer server.Close()

	shared, err := NewShared(WithGatewayURL(server.URL))
	if err != nil {
		t.Fatalf("NewShared failed: %v", err)
	}

	req := &llmproxy.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []llmproxy.ChatMessage{{Role: "user", Content: "hi"}},
	}
	if _, err := shared.Chat(context.Background(), req); !errors.Is(err, client.ErrNotBound) {
		t.Fatalf("expected ErrNotBound before binding, got %v", err)
	}

	bound := shared.BindToUser("user-tok")
	if _, err := bound.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat after binding failed: %v", err)
	}
}
