package domain

import (
	"encoding/json"
	"time"
)

// Agent represents a registered agent. User agents carry an identity token and
// an intent policy; service agents publish tools.
type Agent struct {
	AgentID       string          `json:"agent_id"`
	Name          string          `json:"name"`
	Kind          AgentKind       `json:"kind"`
	AppName       string          `json:"app_name"`
	UserName      string          `json:"user_name,omitempty"`
	Endpoint      string          `json:"endpoint,omitempty"`
	IntentPolicy  json.RawMessage `json:"intent_policy,omitempty"`
	Capabilities  json.RawMessage `json:"capabilities,omitempty"`
	Status        AgentStatus     `json:"status"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Tool represents a tool published by a service agent. Names follow the
// "tool:<app>/<name>" convention.
type Tool struct {
	Name        string    `json:"name"`
	AgentID     string    `json:"agent_id"`
	Description string    `json:"description,omitempty"`
	Kind        ToolKind  `json:"kind"`
	TimeoutMs   int       `json:"timeout_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Invocation represents a single tool call routed through the enforcement point.
type Invocation struct {
	InvocationID  string           `json:"invocation_id"`
	ToolName      string           `json:"tool_name"`
	CallerAgentID string           `json:"caller_agent_id"`
	TargetAgentID string           `json:"target_agent_id"`
	Status        InvocationStatus `json:"status"`
	Args          json.RawMessage  `json:"args,omitempty"`
	Result        json.RawMessage  `json:"result,omitempty"`
	Error         json.RawMessage  `json:"error,omitempty"`
	AttestationID string           `json:"attestation_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// Attestation represents a human-in-the-loop approval request. A pending
// attestation blocks exactly one invocation; once granted it may serve further
// invocations of the same key until consumed or expired.
type Attestation struct {
	AttestationID    string            `json:"attestation_id"`
	Key              string            `json:"key"`
	ForAgent         string            `json:"for_agent"`
	RequestedBy      string            `json:"requested_by"`
	InvocationID     string            `json:"invocation_id,omitempty"`
	ApprovalCriteria string            `json:"approval_criteria"`
	OneTime          bool              `json:"one_time"`
	TimeoutS         int               `json:"timeout_s"`
	TimeToLiveS      int               `json:"time_to_live_s"`
	Status           AttestationStatus `json:"status"`
	Value            json.RawMessage   `json:"value,omitempty"`
	DecidedBy        string            `json:"decided_by,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	GrantedAt        *time.Time        `json:"granted_at,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
}

// AuditEvent is an append-only trace record.
type AuditEvent struct {
	EventID      string          `json:"event_id"`
	AgentID      string          `json:"agent_id,omitempty"`
	InvocationID string          `json:"invocation_id,omitempty"`
	Ts           int64           `json:"ts"` // Unix milliseconds
	Type         EventType       `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// ToolError carries a structured error for a failed invocation.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
