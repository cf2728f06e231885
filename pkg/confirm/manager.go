// Package confirm manages the persisted lifecycle of intents waiting on the
// operator: confirmations for risky changes and clarification questions for
// ambiguous ones.
//
// A pending intent moves out of pending exactly once, to confirmed, resolved,
// cancelled, superseded or expired. Transitions are compare-and-swap on the
// stored status so that a confirmation raced by the sweeper has one outcome.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/store"
)

// DefaultTTL is how long a pending intent waits when the tenant sets no TTL.
const DefaultTTL = 15 * time.Minute

// Recorder receives audit entries for workflow outcomes.
type Recorder interface {
	Record(ctx context.Context, entry contracts.AuditLogEntry)
}

// Manager handles the lifecycle of pending intents.
type Manager struct {
	pending store.PendingStore
	intents store.IntentStore
	audit   Recorder
	clock   func() time.Time
	batch   int
	logger  *slog.Logger
}

// NewManager creates a confirmation manager.
func NewManager(pending store.PendingStore, intents store.IntentStore, audit Recorder) *Manager {
	return &Manager{
		pending: pending,
		intents: intents,
		audit:   audit,
		clock:   time.Now,
		batch:   100,
		logger:  slog.Default().With("component", "confirm"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Open records env as pending. Earlier pending intents of the same actor on
// the same resource are superseded first.
func (m *Manager) Open(ctx context.Context, env *contracts.IntentEnvelope, resourceKey string, kind contracts.PendingKind, ttl time.Duration) (*contracts.PendingIntent, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := m.Supersede(ctx, env, resourceKey); err != nil {
		return nil, err
	}
	now := m.clock().UTC()

	p := &contracts.PendingIntent{
		IntentID:     env.IntentID,
		TenantID:     env.TenantID,
		RestaurantID: env.RestaurantID,
		ActorID:      env.ActorID,
		ResourceKey:  resourceKey,
		Kind:         kind,
		Status:       contracts.PendingOpen,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		UpdatedAt:    now,
	}
	if err := m.pending.SavePending(ctx, p); err != nil {
		return nil, fmt.Errorf("save pending %s: %w", env.IntentID, err)
	}
	m.logger.InfoContext(ctx, "intent pending",
		"tenant_id", p.TenantID,
		"intent_id", p.IntentID,
		"kind", kind,
		"resource_key", resourceKey,
		"expires_at", p.ExpiresAt,
	)
	return p, nil
}

// Supersede marks every open pending intent of env's actor on resourceKey,
// other than env itself, as superseded by env.
func (m *Manager) Supersede(ctx context.Context, env *contracts.IntentEnvelope, resourceKey string) error {
	older, err := m.pending.OpenPending(ctx, env.Scope(), env.ActorID, resourceKey)
	if err != nil {
		return fmt.Errorf("list pending for %s: %w", resourceKey, err)
	}
	now := m.clock().UTC()
	for _, p := range older {
		if p.IntentID == env.IntentID {
			continue
		}
		err := m.pending.TransitionPending(ctx, p.TenantID, p.IntentID, contracts.PendingOpen, contracts.PendingSuperseded, now)
		if errors.Is(err, contracts.ErrNotPending) {
			continue
		}
		if err != nil {
			return fmt.Errorf("supersede %s: %w", p.IntentID, err)
		}
		m.record(ctx, &p, contracts.EventIntentSupersede, contracts.ResultSuperseded, "superseded by "+env.IntentID)
	}
	return nil
}

// Confirm moves a pending confirmation to confirmed. A confirmation past its
// expiry is marked expired and fails with ErrConfirmationExpired.
func (m *Manager) Confirm(ctx context.Context, tenantID, intentID string) (*contracts.PendingIntent, error) {
	return m.settle(ctx, tenantID, intentID, contracts.PendingConfirmation, contracts.PendingConfirmed)
}

// Resolve closes a pending clarification once the operator has answered it.
func (m *Manager) Resolve(ctx context.Context, tenantID, intentID string) (*contracts.PendingIntent, error) {
	return m.settle(ctx, tenantID, intentID, contracts.PendingClarification, contracts.PendingResolved)
}

func (m *Manager) settle(ctx context.Context, tenantID, intentID string, kind contracts.PendingKind, to contracts.PendingStatus) (*contracts.PendingIntent, error) {
	p, err := m.pending.GetPending(ctx, tenantID, intentID)
	if err != nil {
		return nil, err
	}
	if p.Kind != kind {
		return nil, fmt.Errorf("%w: intent %s awaits %s, not %s", contracts.ErrValidation, intentID, p.Kind, kind)
	}
	if p.Status != contracts.PendingOpen {
		return nil, fmt.Errorf("intent %s is %s: %w", intentID, p.Status, contracts.ErrNotPending)
	}

	now := m.clock().UTC()
	if !now.Before(p.ExpiresAt) {
		if err := m.expire(ctx, p, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("intent %s expired at %s: %w", intentID, p.ExpiresAt.Format(time.RFC3339), contracts.ErrConfirmationExpired)
	}
	if err := m.pending.TransitionPending(ctx, tenantID, intentID, contracts.PendingOpen, to, now); err != nil {
		return nil, err
	}
	p.Status = to
	p.UpdatedAt = now
	return p, nil
}

// Cancel withdraws a pending intent.
func (m *Manager) Cancel(ctx context.Context, tenantID, intentID string) (*contracts.PendingIntent, error) {
	p, err := m.pending.GetPending(ctx, tenantID, intentID)
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	if err := m.pending.TransitionPending(ctx, tenantID, intentID, contracts.PendingOpen, contracts.PendingCancelled, now); err != nil {
		return nil, err
	}
	p.Status = contracts.PendingCancelled
	p.UpdatedAt = now
	m.record(ctx, p, contracts.EventIntentCancelled, contracts.ResultCancelled, "cancelled by operator")
	return p, nil
}

// ExpireStale marks every pending intent past its expiry as expired and
// returns how many were expired.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	now := m.clock().UTC()
	stale, err := m.pending.StalePending(ctx, now, m.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	n := 0
	for i := range stale {
		err := m.expire(ctx, &stale[i], now)
		switch {
		case err == nil:
			n++
		case errors.Is(err, contracts.ErrNotPending):
		default:
			return n, err
		}
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "pending intents expired", "count", n)
	}
	return n, nil
}

// Run sweeps expired intents every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.ExpireStale(ctx); err != nil {
				m.logger.ErrorContext(ctx, "confirmation sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) expire(ctx context.Context, p *contracts.PendingIntent, now time.Time) error {
	if err := m.pending.TransitionPending(ctx, p.TenantID, p.IntentID, contracts.PendingOpen, contracts.PendingExpired, now); err != nil {
		return err
	}
	p.Status = contracts.PendingExpired
	p.UpdatedAt = now
	m.record(ctx, p, contracts.EventIntentExpired, contracts.ResultExpired, string(p.Kind)+" expired")
	return nil
}

// record audits a workflow outcome, enriched from the stored envelope when it
// can be read.
func (m *Manager) record(ctx context.Context, p *contracts.PendingIntent, event string, result contracts.AuditResult, reason string) {
	entry := contracts.AuditLogEntry{
		TenantID:     p.TenantID,
		RestaurantID: p.RestaurantID,
		ActorID:      p.ActorID,
		IntentID:     p.IntentID,
		EventType:    event,
		Result:       result,
		Reason:       reason,
		Detail: contracts.MustPayload(map[string]any{
			"kind":         p.Kind,
			"resource_key": p.ResourceKey,
			"expires_at":   p.ExpiresAt,
		}),
	}
	env, err := m.intents.GetIntent(ctx, p.TenantID, p.IntentID)
	if err != nil {
		m.logger.WarnContext(ctx, "pending intent has no stored envelope", "intent_id", p.IntentID, "error", err)
	} else {
		entry.Source = env.Source
		entry.RawText = env.RawText
		entry.RiskLevel = env.RiskLevel
		entry.Confidence = env.Confidence
	}
	m.audit.Record(ctx, entry)
}
