package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/macawsecurity/secureAI/domain"
)

// recordEvent records an audit event to the store.
func (h *Handler) recordEvent(ctx context.Context, agentID, invocationID string, eventType domain.EventType, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.AuditEvent{
		EventID:      "evt_" + uuid.New().String()[:8],
		AgentID:      agentID,
		InvocationID: invocationID,
		Ts:           time.Now().UnixMilli(),
		Type:         eventType,
		Payload:      payloadBytes,
	}

	return h.store.CreateEvent(ctx, event)
}

// invocationResponse converts an invocation to its API view.
func invocationResponse(inv *domain.Invocation) domain.InvocationResponse {
	resp := domain.InvocationResponse{
		InvocationID: inv.InvocationID,
		Status:       inv.Status,
		Result:       inv.Result,
		Error:        inv.Error,
		CreatedAt:    inv.CreatedAt.UnixMilli(),
	}
	if inv.CompletedAt != nil {
		resp.CompletedAt = inv.CompletedAt.UnixMilli()
	}
	return resp
}

func unmarshalJSON(data json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse intent policy: %w", err)
	}
	return nil
}
