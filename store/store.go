// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/macawsecurity/secureAI/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Agent operations
	RegisterAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error
	TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error

	// Tool operations
	CreateTool(ctx context.Context, tool *domain.Tool) error
	GetTool(ctx context.Context, name string) (*domain.Tool, error)
	ListTools(ctx context.Context) ([]domain.Tool, error)
	DeleteAgentTools(ctx context.Context, agentID string) error

	// Invocation operations
	CreateInvocation(ctx context.Context, inv *domain.Invocation) error
	GetInvocation(ctx context.Context, invocationID string) (*domain.Invocation, error)
	ListAgentWork(ctx context.Context, agentID string) ([]domain.Invocation, error)
	UpdateInvocationStatus(ctx context.Context, invocationID string, status domain.InvocationStatus) error
	UpdateInvocationResult(ctx context.Context, invocationID string, status domain.InvocationStatus, result, errData []byte) error
	UpdateInvocationAttestation(ctx context.Context, invocationID, attestationID string, status domain.InvocationStatus) error

	// Attestation operations
	CreateAttestation(ctx context.Context, att *domain.Attestation) error
	GetAttestation(ctx context.Context, attestationID string) (*domain.Attestation, error)
	ListAttestations(ctx context.Context, filter AttestationFilter) ([]domain.Attestation, error)
	UpdateAttestationDecision(ctx context.Context, attestationID string, status domain.AttestationStatus, decidedBy, reason string, value json.RawMessage, grantedAt, expiresAt *time.Time) error
	ConsumeAttestation(ctx context.Context, attestationID string) error
	FindGrant(ctx context.Context, key, forAgent string, now time.Time) (*domain.Attestation, error)
	ExpireAttestations(ctx context.Context, now time.Time) ([]domain.Attestation, error)

	// Audit event operations
	CreateEvent(ctx context.Context, event *domain.AuditEvent) error
	GetEvents(ctx context.Context, filter EventFilter) ([]domain.AuditEvent, error)

	// Lifecycle
	Close() error
}

// AttestationFilter narrows attestation listings.
type AttestationFilter struct {
	Status   domain.AttestationStatus
	ForAgent string
	Limit    int
}

// EventFilter narrows audit event queries.
type EventFilter struct {
	AgentID      string
	InvocationID string
	AfterTs      int64
	Types        []string
	Limit        int
}
