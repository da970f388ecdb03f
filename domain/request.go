package domain

import "encoding/json"

// AgentRegisterRequest is the request to register an agent.
type AgentRegisterRequest struct {
	AgentID      string            `json:"agent_id,omitempty"`
	Name         string            `json:"name"`
	Kind         AgentKind         `json:"kind"`
	AppName      string            `json:"app_name"`
	UserName     string            `json:"user_name,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	IntentPolicy *IntentPolicy     `json:"intent_policy,omitempty"`
	Tools        []ToolDeclaration `json:"tools,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// ToolDeclaration announces a tool during agent registration.
type ToolDeclaration struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Kind        ToolKind `json:"kind,omitempty"`
	TimeoutMs   int      `json:"timeout_ms,omitempty"`
}

// AgentRegisterResponse confirms a registration.
type AgentRegisterResponse struct {
	AgentID      string `json:"agent_id"`
	RegisteredAt int64  `json:"registered_at"`
}

// InvokeToolRequest is the request to invoke a tool through the enforcement point.
type InvokeToolRequest struct {
	CallerAgentID string          `json:"caller_agent_id"`
	TargetAgentID string          `json:"target_agent_id,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
}

// InvokeToolResponse reports the immediate outcome of an invocation attempt.
// Status "pending" means the caller should wait on the invocation.
type InvokeToolResponse struct {
	Status        string          `json:"status"` // succeeded, failed, pending
	InvocationID  string          `json:"invocation_id"`
	AttestationID string          `json:"attestation_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ToolError      `json:"error,omitempty"`
}

// InvocationResultRequest is posted by the owning agent after running a client tool.
type InvocationResultRequest struct {
	Status string          `json:"status"` // SUCCEEDED or FAILED
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// InvocationResponse is the wait/get view of an invocation.
type InvocationResponse struct {
	InvocationID string           `json:"invocation_id"`
	Status       InvocationStatus `json:"status"`
	Result       json.RawMessage  `json:"result,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	CreatedAt    int64            `json:"created_at"`
	CompletedAt  int64            `json:"completed_at,omitempty"`
}

// AttestationDecisionRequest carries an approve/deny decision. DecidedBy is
// only honored when no token verifier is configured; otherwise the approver
// identity comes from the verified claims.
type AttestationDecisionRequest struct {
	DecidedBy string          `json:"decided_by,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// AttestationDecisionResponse reports the post-decision state.
type AttestationDecisionResponse struct {
	AttestationID    string            `json:"attestation_id"`
	Status           AttestationStatus `json:"status"`
	InvocationID     string            `json:"invocation_id,omitempty"`
	InvocationStatus InvocationStatus  `json:"invocation_status,omitempty"`
	ExpiresAt        int64             `json:"expires_at,omitempty"`
}
