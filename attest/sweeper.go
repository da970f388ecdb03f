package attest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/macawsecurity/secureAI/domain"
	"github.com/macawsecurity/secureAI/store"
)

// Notifier is informed when an attestation reaches a terminal state so that
// connected agents can be woken up. The api hub implements it.
type Notifier interface {
	NotifyAttestation(agentID string, att *domain.Attestation)
}

// Sweeper expires overdue attestations on a schedule: pending requests past
// their decision timeout and grants past their TTL. Invocations blocked on an
// expired request are failed.
type Sweeper struct {
	store    store.Store
	notifier Notifier
	cron     *cron.Cron
	schedule string
}

// NewSweeper creates a sweeper with the given cron schedule, e.g. "@every 30s".
func NewSweeper(st store.Store, notifier Notifier, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "@every 30s"
	}
	return &Sweeper{
		store:    st,
		notifier: notifier,
		cron:     cron.New(),
		schedule: schedule,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			log.Printf("WARN: attestation sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule attestation sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	expired, err := s.store.ExpireAttestations(ctx, time.Now())
	if err != nil {
		return err
	}

	for i := range expired {
		att := &expired[i]

		// A pending request holds exactly one invocation; fail it.
		if att.InvocationID != "" {
			inv, err := s.store.GetInvocation(ctx, att.InvocationID)
			if err != nil {
				log.Printf("WARN: sweep: failed to load invocation %s: %v", att.InvocationID, err)
				continue
			}
			if inv != nil && inv.Status == domain.InvocationStatusWaitingAttestation {
				errData := json.RawMessage(`{"code":"attestation_timeout","message":"attestation was not decided in time"}`)
				if err := s.store.UpdateInvocationResult(ctx, inv.InvocationID, domain.InvocationStatusExpired, nil, errData); err != nil {
					log.Printf("WARN: sweep: failed to expire invocation %s: %v", inv.InvocationID, err)
					continue
				}
			}
		}

		payload, _ := json.Marshal(domain.AttestationDecisionPayload{
			AttestationID: att.AttestationID,
			Decision:      domain.AttestationStatusExpired,
		})
		if err := s.store.CreateEvent(ctx, &domain.AuditEvent{
			EventID:      "evt_" + uuid.New().String()[:8],
			AgentID:      att.ForAgent,
			InvocationID: att.InvocationID,
			Ts:           time.Now().UnixMilli(),
			Type:         domain.EventTypeAttestationExpired,
			Payload:      payload,
		}); err != nil {
			log.Printf("WARN: sweep: failed to record expiry event: %v", err)
		}

		if s.notifier != nil {
			s.notifier.NotifyAttestation(att.ForAgent, att)
		}
	}
	return nil
}

// GrantLive reports whether a granted attestation is still usable at the given
// time.
func GrantLive(att *domain.Attestation, now time.Time) bool {
	if att == nil || att.Status != domain.AttestationStatusGranted {
		return false
	}
	if att.ExpiresAt != nil && !att.ExpiresAt.After(now) {
		return false
	}
	return true
}
