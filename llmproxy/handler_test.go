package llmproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/macawsecurity/secureAI/config"
	"github.com/macawsecurity/secureAI/domain"
	"github.com/macawsecurity/secureAI/identity"
	"github.com/macawsecurity/secureAI/policy"
	"github.com/macawsecurity/secureAI/store"
	"github.com/macawsecurity/secureAI/tests/helpers"
)

const testSecret = "test-secret"

// newUpstream fakes an OpenAI-compatible upstream that records the forwarded
// request body.
func newUpstream(t *testing.T, captured *ChatCompletionRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Fatalf("decode upstream request: %v", err)
			}
			resp := ChatCompletionResponse{
				ID:     "chatcmpl-1",
				Object: "chat.completion",
				Model:  captured.Model,
				Choices: []Choice{
					{Message: &ChatMessage{Role: "assistant", Content: "hello"}, FinishReason: "stop"},
				},
				Usage: &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			}
			json.NewEncoder(w).Encode(resp)
		case "/v1/models":
			json.NewEncoder(w).Encode(ModelsResponse{
				Object: "list",
				Data: []Model{
					{ID: "gpt-4o", Object: "model"},
					{ID: "gpt-4o-mini", Object: "model"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestHandler(t *testing.T, upstreamURL string, verifier *identity.Verifier, hierarchy *policy.Hierarchy) (*Handler, *store.SQLiteStore) {
	t.Helper()
	cfg := &config.Config{
		LLMUpstreamURL: upstreamURL,
		LLMAPIKey:      "sk-test",
		LLMTimeout:     5 * time.Second,
	}
	s := helpers.NewTestSQLiteStore(t)
	return NewHandler(cfg, s, verifier, hierarchy, nil), s
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	claims["exp"] = time.Now().Add(time.Hour).Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func doChat(t *testing.T, h *Handler, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("x-agent-id", "ag_1")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ChatCompletions(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestChatCompletionsValidation(t *testing.T) {
	var captured ChatCompletionRequest
	upstream := newUpstream(t, &captured)
	defer upstream.Close()
	h, _ := newTestHandler(t, upstream.URL, nil, nil)

	rec := doChat(t, h, `{"messages":[{"role":"user","content":"hi"}]}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing model, got %d", rec.Code)
	}

	rec = doChat(t, h, `{"model":"gpt-4o"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing messages, got %d", rec.Code)
	}
}

func TestChatCompletionsForwardsAndAudits(t *testing.T) {
	var captured ChatCompletionRequest
	upstream := newUpstream(t, &captured)
	defer upstream.Close()
	h, s := newTestHandler(t, upstream.URL, nil, nil)

	rec := doChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ChatCompletionResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	events, err := s.GetEvents(context.Background(), store.EventFilter{AgentID: "ag_1", Limit: 10})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected started and done events, got %d", len(events))
	}
	seen := map[domain.EventType]bool{}
	for _, ev := range events {
		seen[ev.Type] = true
	}
	if !seen[domain.EventTypeLLMCallStarted] || !seen[domain.EventTypeLLMCallDone] {
		t.Fatalf("unexpected event types: %s, %s", events[0].Type, events[1].Type)
	}
}

func TestChatCompletionsRequiresToken(t *testing.T) {
	var captured ChatCompletionRequest
	upstream := newUpstream(t, &captured)
	defer upstream.Close()

	verifier := identity.NewVerifier(identity.VerifierConfig{Secret: testSecret})
	h, _ := newTestHandler(t, upstream.URL, verifier, nil)

	rec := doChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestChatCompletionsModelDeniedByClaims(t *testing.T) {
	var captured ChatCompletionRequest
	upstream := newUpstream(t, &captured)
	defer upstream.Close()

	verifier := identity.NewVerifier(identity.VerifierConfig{Secret: testSecret})
	h, _ := newTestHandler(t, upstream.URL, verifier, nil)

	token := signToken(t, jwt.MapClaims{
		"sub":                                 "u1",
		identity.ClaimNamespace + "user_name": "alice",
		identity.ClaimNamespace + "allowed_models": []interface{}{"gpt-4o-mini"},
	})

	rec := doChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	var errResp ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &errResp)
	if errResp.Error == nil || errResp.Error.Code != "model_not_permitted" {
		t.Fatalf("unexpected error: %+v", errResp.Error)
	}
}

func TestChatCompletionsClampsMaxTokens(t *testing.T) {
	var captured ChatCompletionRequest
	upstream := newUpstream(t, &captured)
	defer upstream.Close()

	hierarchyPath := filepath.Join(t.TempDir(), "hierarchy.json")
	doc := `{"name":"acme","max_tokens":1024,"business_units":{"trading":{"name":"trading","max_tokens":512}}}`
	if err := os.WriteFile(hierarchyPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("failed to write hierarchy: %v", err)
	}
	hierarchy, err := policy.LoadHierarchy(hierarchyPath)
	if err != nil {
		t.Fatalf("LoadHierarchy failed: %v", err)
	}

	verifier := identity.NewVerifier(identity.VerifierConfig{Secret: testSecret})
	h, _ := newTestHandler(t, upstream.URL, verifier, hierarchy)

	token := signToken(t, jwt.MapClaims{
		"sub":                                 "u1",
		identity.ClaimNamespace + "user_name": "alice",
		identity.ClaimNamespace + "business_unit": "trading",
		identity.ClaimNamespace + "max_tokens":    float64(2048),
	})

	rec := doChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":99999}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.MaxTokens == nil || *captured.MaxTokens != 512 {
		t.Fatalf("expected max_tokens clamped to 512, got %v", captured.MaxTokens)
	}

	// A request under the limit passes through untouched.
	rec = doChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if captured.MaxTokens == nil || *captured.MaxTokens != 100 {
		t.Fatalf("expected max_tokens preserved at 100, got %v", captured.MaxTokens)
	}
}

func TestListModelsFiltersByClaims(t *testing.T) {
	var captured ChatCompletionRequest
	upstream := newUpstream(t, &captured)
	defer upstream.Close()

	verifier := identity.NewVerifier(identity.VerifierConfig{Secret: testSecret})
	h, _ := newTestHandler(t, upstream.URL, verifier, nil)

	token := signToken(t, jwt.MapClaims{
		"sub":                                 "u1",
		identity.ClaimNamespace + "user_name": "alice",
		identity.ClaimNamespace + "allowed_models": []interface{}{"gpt-4o-mini"},
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	if err := h.ListModels(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ModelsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Data) != 1 || resp.Data[0].ID != "gpt-4o-mini" {
		t.Fatalf("unexpected models: %+v", resp.Data)
	}
}

func TestChatCompletionsUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: &APIError{Message: "boom", Type: "server_error"}})
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream.URL, nil, nil)

	rec := doChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
