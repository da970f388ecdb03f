package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macawsecurity/secureAI/api"
	"github.com/macawsecurity/secureAI/config"
	"github.com/macawsecurity/secureAI/domain"
	"github.com/macawsecurity/secureAI/metrics"
	"github.com/macawsecurity/secureAI/policy"
	"github.com/macawsecurity/secureAI/store"
	"github.com/macawsecurity/secureAI/tests/helpers"
)

func newHandler(t *testing.T) (*api.Handler, *store.SQLiteStore, *echo.Echo) {
	t.Helper()
	ctx := context.Background()
	s := helpers.NewTestSQLiteStore(t)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	cfg := &config.Config{ToolTimeout: 30 * time.Second}
	handler := api.NewHandler(s, engine, nil, nil, metrics.New(), nil, cfg)
	return handler, s, echo.New()
}

// registerTradingAgent registers an agent with a server-side trading tool and
// an intent policy that requires attestation for large amounts.
func registerTradingAgent(t *testing.T, handler *api.Handler, e *echo.Echo, agentID, criteria string, oneTime bool) {
	t.Helper()

	body := map[string]interface{}{
		"agent_id":  agentID,
		"name":      "trading-agent",
		"app_name":  "trading-app",
		"kind":      "user",
		"user_name": "alice",
		"intent_policy": map[string]interface{}{
			"resources":    []string{"tool:trading/execute_trade"},
			"attestations": []string{"trade-approved::{params.amount > 10000}"},
			"constraints": map[string]interface{}{
				"attestations": map[string]interface{}{
					"trade-approved": map[string]interface{}{
						"approval_criteria": criteria,
						"timeout":           300,
						"time_to_live":      3600,
						"one_time":          oneTime,
					},
				},
			},
		},
		"tools": []map[string]interface{}{
			{"name": "tool:trading/execute_trade", "kind": "SERVER"},
		},
	}
	data, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/v1/agents/register", bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler.RegisterAgent(c)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func invokeTool(t *testing.T, handler *api.Handler, e *echo.Echo, toolName, body string) (*domain.InvokeToolResponse, *httptest.ResponseRecorder) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/tools/"+toolName+"/invoke", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/tools/:tool_name/invoke")
	c.SetParamNames("tool_name")
	c.SetParamValues(toolName)

	require.NoError(t, handler.InvokeTool(c))

	var resp domain.InvokeToolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp, rec
}

func TestInvokeServerToolAllowed(t *testing.T) {
	handler, s, e := newHandler(t)
	registerTradingAgent(t, handler, e, "ag_1", "*", true)

	resp, rec := invokeTool(t, handler, e, "tool:trading/execute_trade",
		`{"caller_agent_id":"ag_1","args":{"amount":500,"symbol":"ACME"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "succeeded", resp.Status)
	assert.NotEmpty(t, resp.Result)

	inv, err := s.GetInvocation(context.Background(), resp.InvocationID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, domain.InvocationStatusSucceeded, inv.Status)

	events, err := s.GetEvents(context.Background(), store.EventFilter{InvocationID: resp.InvocationID, Limit: 10})
	assert.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestInvokeToolIntentDenied(t *testing.T) {
	handler, s, e := newHandler(t)
	registerTradingAgent(t, handler, e, "ag_1", "*", true)

	// The tool exists but the caller's intent policy never declared it.
	body := `{"agent_id":"ag_2","name":"svc","app_name":"svc","kind":"service","tools":[{"name":"tool:payments/transfer","kind":"SERVER"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/register", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	assert.NoError(t, handler.RegisterAgent(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	resp, rec := invokeTool(t, handler, e, "tool:payments/transfer",
		`{"caller_agent_id":"ag_1","args":{"amount":10}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "intent_denied", resp.Error.Code)

	inv, err := s.GetInvocation(context.Background(), resp.InvocationID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, domain.InvocationStatusBlocked, inv.Status)
}

func TestInvokeToolPlatformBlocked(t *testing.T) {
	handler, s, e := newHandler(t)

	body := map[string]interface{}{
		"agent_id":  "ag_1",
		"name":      "shell-agent",
		"app_name":  "shell-app",
		"kind":      "user",
		"user_name": "alice",
		"intent_policy": map[string]interface{}{
			"resources": []string{"tool:system/*"},
		},
		"tools": []map[string]interface{}{
			{"name": "tool:system/shell", "kind": "SERVER"},
		},
	}
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/register", bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	assert.NoError(t, handler.RegisterAgent(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	resp, rec := invokeTool(t, handler, e, "tool:system/shell",
		`{"caller_agent_id":"ag_1","args":{"cmd":"rm -rf /"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "blocked", resp.Error.Code)

	inv, err := s.GetInvocation(context.Background(), resp.InvocationID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, domain.InvocationStatusBlocked, inv.Status)
}

func TestInvokeToolUnknownCallerOrTool(t *testing.T) {
	handler, _, e := newHandler(t)
	registerTradingAgent(t, handler, e, "ag_1", "*", true)

	_, rec := invokeTool(t, handler, e, "tool:trading/execute_trade",
		`{"caller_agent_id":"ag_missing","args":{}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, rec = invokeTool(t, handler, e, "tool:nope/nothing",
		`{"caller_agent_id":"ag_1","args":{}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvokeLargeAmountRequiresAttestation(t *testing.T) {
	handler, s, e := newHandler(t)
	registerTradingAgent(t, handler, e, "ag_1", "role:manager", true)

	resp, rec := invokeTool(t, handler, e, "tool:trading/execute_trade",
		`{"caller_agent_id":"ag_1","args":{"amount":50000}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "waiting_attestation", resp.Reason)
	assert.NotEmpty(t, resp.AttestationID)

	ctx := context.Background()
	inv, err := s.GetInvocation(ctx, resp.InvocationID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, domain.InvocationStatusWaitingAttestation, inv.Status)
	assert.Equal(t, resp.AttestationID, inv.AttestationID)

	att, err := s.GetAttestation(ctx, resp.AttestationID)
	require.NoError(t, err)
	require.NotNil(t, att)
	assert.Equal(t, domain.AttestationStatusPending, att.Status)
	assert.Equal(t, "trade-approved", att.Key)
	assert.Equal(t, "role:manager", att.ApprovalCriteria)
	assert.True(t, att.OneTime)
}

func TestSubmitInvocationResult(t *testing.T) {
	handler, s, e := newHandler(t)

	// Client tool: the invocation is dispatched to the owning agent.
	body := map[string]interface{}{
		"agent_id":  "ag_1",
		"name":      "client-agent",
		"app_name":  "client-app",
		"kind":      "user",
		"user_name": "alice",
		"intent_policy": map[string]interface{}{
			"resources": []string{"tool:files/read"},
		},
		"tools": []map[string]interface{}{
			{"name": "tool:files/read", "kind": "CLIENT"},
		},
	}
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/register", bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	assert.NoError(t, handler.RegisterAgent(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	resp, rec := invokeTool(t, handler, e, "tool:files/read",
		`{"caller_agent_id":"ag_1","args":{"path":"/tmp/x"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "waiting_agent", resp.Reason)

	ctx := context.Background()
	inv, err := s.GetInvocation(ctx, resp.InvocationID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, domain.InvocationStatusDispatched, inv.Status)

	// The dispatched invocation shows up as agent work.
	workReq := httptest.NewRequest(http.MethodGet, "/v1/agents/ag_1/work", nil)
	workRec := httptest.NewRecorder()
	workCtx := e.NewContext(workReq, workRec)
	workCtx.SetParamNames("agent_id")
	workCtx.SetParamValues("ag_1")
	assert.NoError(t, handler.ListAgentWork(workCtx))
	assert.Equal(t, http.StatusOK, workRec.Code)
	var workResp struct {
		Work []domain.ToolRequestPayload `json:"work"`
	}
	json.Unmarshal(workRec.Body.Bytes(), &workResp)
	assert.Len(t, workResp.Work, 1)
	assert.Equal(t, resp.InvocationID, workResp.Work[0].InvocationID)

	// Agent posts the result.
	resultBody := `{"status":"SUCCEEDED","result":{"content":"hello"}}`
	req = httptest.NewRequest(http.MethodPost, "/v1/invocations/"+resp.InvocationID+"/result", bytes.NewBufferString(resultBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("invocation_id")
	c.SetParamValues(resp.InvocationID)
	assert.NoError(t, handler.SubmitInvocationResult(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var invResp domain.InvocationResponse
	json.Unmarshal(rec.Body.Bytes(), &invResp)
	assert.Equal(t, domain.InvocationStatusSucceeded, invResp.Status)

	// Re-submitting is idempotent.
	req = httptest.NewRequest(http.MethodPost, "/v1/invocations/"+resp.InvocationID+"/result", bytes.NewBufferString(`{"status":"FAILED"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("invocation_id")
	c.SetParamValues(resp.InvocationID)
	assert.NoError(t, handler.SubmitInvocationResult(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	json.Unmarshal(rec.Body.Bytes(), &invResp)
	assert.Equal(t, domain.InvocationStatusSucceeded, invResp.Status)
}

func TestSubmitInvocationResultValidation(t *testing.T) {
	handler, _, e := newHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/invocations/inv_x/result", bytes.NewBufferString(`{"status":"MAYBE"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("invocation_id")
	c.SetParamValues("inv_x")

	assert.NoError(t, handler.SubmitInvocationResult(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitInvocationTerminal(t *testing.T) {
	handler, s, e := newHandler(t)

	now := time.Now()
	completed := now
	inv := &domain.Invocation{
		InvocationID:  "inv_done",
		ToolName:      "tool:x/y",
		CallerAgentID: "ag_1",
		TargetAgentID: "ag_1",
		Status:        domain.InvocationStatusSucceeded,
		Result:        json.RawMessage(`{"ok":true}`),
		CreatedAt:     now,
		CompletedAt:   &completed,
	}
	assert.NoError(t, s.CreateInvocation(context.Background(), inv))

	req := httptest.NewRequest(http.MethodPost, "/v1/invocations/inv_done/wait?timeout_ms=100", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("invocation_id")
	c.SetParamValues("inv_done")

	assert.NoError(t, handler.WaitInvocation(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp domain.InvocationResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	assert.Equal(t, domain.InvocationStatusSucceeded, resp.Status)
	assert.NotEmpty(t, resp.Result)
}
