// Package domain defines the core domain models for the control plane.
package domain

// AgentKind distinguishes user-facing agents from tool-providing services.
type AgentKind string

const (
	AgentKindUser    AgentKind = "user"
	AgentKindService AgentKind = "service"
)

// AgentStatus represents the registration health of an agent.
type AgentStatus string

const (
	AgentStatusActive       AgentStatus = "ACTIVE"
	AgentStatusUnregistered AgentStatus = "UNREGISTERED"
	AgentStatusStale        AgentStatus = "STALE"
)

// ToolKind determines where a tool executes.
type ToolKind string

const (
	// ToolKindClient tools run inside the owning agent's process; the control
	// plane dispatches a work item and waits for the result.
	ToolKindClient ToolKind = "CLIENT"
	// ToolKindServer tools execute inside the control plane itself.
	ToolKindServer ToolKind = "SERVER"
)

// InvocationStatus represents the lifecycle of a tool invocation.
type InvocationStatus string

const (
	InvocationStatusCreated            InvocationStatus = "CREATED"
	InvocationStatusWaitingAttestation InvocationStatus = "WAITING_ATTESTATION"
	InvocationStatusApproved           InvocationStatus = "APPROVED"
	InvocationStatusDispatched         InvocationStatus = "DISPATCHED"
	InvocationStatusRunning            InvocationStatus = "RUNNING"
	InvocationStatusSucceeded          InvocationStatus = "SUCCEEDED"
	InvocationStatusFailed             InvocationStatus = "FAILED"
	InvocationStatusBlocked            InvocationStatus = "BLOCKED"
	InvocationStatusDenied             InvocationStatus = "DENIED"
	InvocationStatusExpired            InvocationStatus = "EXPIRED"
)

// Terminal reports whether an invocation status is final.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case InvocationStatusSucceeded, InvocationStatusFailed, InvocationStatusBlocked,
		InvocationStatusDenied, InvocationStatusExpired:
		return true
	}
	return false
}

// AttestationStatus represents the state of an attestation request.
type AttestationStatus string

const (
	AttestationStatusPending  AttestationStatus = "PENDING"
	AttestationStatusGranted  AttestationStatus = "GRANTED"
	AttestationStatusDenied   AttestationStatus = "DENIED"
	AttestationStatusConsumed AttestationStatus = "CONSUMED"
	AttestationStatusExpired  AttestationStatus = "EXPIRED"
)

// EventType represents the type of an audit event.
type EventType string

const (
	EventTypeAgentRegistered     EventType = "agent_registered"
	EventTypeAgentUnregistered   EventType = "agent_unregistered"
	EventTypePolicyDecision      EventType = "policy_decision"
	EventTypeToolRequest         EventType = "tool_request"
	EventTypeToolResult          EventType = "tool_result"
	EventTypeAttestationRequired EventType = "attestation_required"
	EventTypeAttestationDecision EventType = "attestation_decision"
	EventTypeAttestationExpired  EventType = "attestation_expired"
	EventTypeLLMCallStarted      EventType = "llm_call_started"
	EventTypeLLMCallDone         EventType = "llm_call_done"
)

// PolicyDecision is the outcome of a policy evaluation.
type PolicyDecision string

const (
	DecisionAllow              PolicyDecision = "allow"
	DecisionRequireAttestation PolicyDecision = "require_attestation"
	DecisionBlock              PolicyDecision = "block"
)
