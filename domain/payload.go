package domain

import "encoding/json"

// PolicyDecisionPayload is the payload for policy_decision events.
type PolicyDecisionPayload struct {
	InvocationID string         `json:"invocation_id"`
	ToolName     string         `json:"tool_name"`
	Decision     PolicyDecision `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
}

// ToolRequestPayload is the payload for tool_request events delivered to the
// owning agent.
type ToolRequestPayload struct {
	InvocationID string          `json:"invocation_id"`
	ToolName     string          `json:"tool_name"`
	Args         json.RawMessage `json:"args,omitempty"`
	DeadlineTs   int64           `json:"deadline_ts"`
}

// ToolResultPayload is the payload for tool_result events.
type ToolResultPayload struct {
	InvocationID string           `json:"invocation_id"`
	Status       InvocationStatus `json:"status"`
	Result       json.RawMessage  `json:"result,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
}

// AttestationRequiredPayload is the payload for attestation_required events.
type AttestationRequiredPayload struct {
	AttestationID    string          `json:"attestation_id"`
	InvocationID     string          `json:"invocation_id"`
	Key              string          `json:"key"`
	ForAgent         string          `json:"for_agent"`
	ApprovalCriteria string          `json:"approval_criteria"`
	Args             json.RawMessage `json:"args,omitempty"`
}

// AttestationDecisionPayload is the payload for attestation_decision events.
type AttestationDecisionPayload struct {
	AttestationID string            `json:"attestation_id"`
	Decision      AttestationStatus `json:"decision"`
	DecidedBy     string            `json:"decided_by"`
	Reason        string            `json:"reason,omitempty"`
}

// LLMCallStartedPayload is the payload for llm_call_started events.
type LLMCallStartedPayload struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	UserName  string `json:"user_name,omitempty"`
	Stream    bool   `json:"stream"`
}

// LLMCallDonePayload is the payload for llm_call_done events.
type LLMCallDonePayload struct {
	RequestID        string `json:"request_id"`
	Model            string `json:"model"`
	LatencyMs        int64  `json:"latency_ms"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens,omitempty"`
	Error            string `json:"error,omitempty"`
}
