// Package engine applies validated intents to the versioned configuration
// store. Each resource key has a gapless version sequence; a change commits
// only if the resource has not moved since it was read.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/erichecan/AIrest/pkg/config"
	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/observability"
	"github.com/erichecan/AIrest/pkg/store"
)

// ProfileSource resolves tenant profiles.
type ProfileSource interface {
	Get(tenantID string) config.Profile
}

// ApplyResult is the outcome of Apply.
type ApplyResult struct {
	Change   *contracts.ConfigChange
	Preview  *contracts.Preview
	Query    *contracts.OrderQueryResult
	Replayed bool
}

// Engine executes intents against a ChangeStore.
type Engine struct {
	changes  store.ChangeStore
	orders   store.OrderStore
	profiles ProfileSource
	obs      *observability.Provider
	clock    func() time.Time
	newID    func(prefix string) string
	logger   *slog.Logger
}

// New creates an engine.
func New(changes store.ChangeStore, orders store.OrderStore, profiles ProfileSource) *Engine {
	return &Engine{
		changes:  changes,
		orders:   orders,
		profiles: profiles,
		clock:    time.Now,
		newID:    func(prefix string) string { return prefix + uuid.New().String() },
		logger:   slog.Default().With("component", "engine"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithIDs overrides id generation. prefix is "chg_" or "undo_".
func (e *Engine) WithIDs(newID func(prefix string) string) *Engine {
	e.newID = newID
	return e
}

// WithObservability attaches telemetry.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

// Apply executes env. With dryRun the before/after preview is computed and
// nothing is written. Applying an intent id that already produced a change
// returns that change with Replayed set.
func (e *Engine) Apply(ctx context.Context, env *contracts.IntentEnvelope, dryRun bool) (res *ApplyResult, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "engine.apply",
		attribute.String("intent_type", string(env.IntentType)),
		attribute.Bool("dry_run", dryRun),
	)
	defer func() { done(err) }()

	if len(env.ValidationErrors) > 0 {
		return nil, fmt.Errorf("%w: %v", contracts.ErrValidation, env.ValidationErrors)
	}
	if env.IntentType == contracts.IntentOrderQuery {
		q, err := e.query(ctx, env)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Query: q}, nil
	}
	if !env.IntentType.Mutates() {
		return nil, fmt.Errorf("%w: %s cannot be applied", contracts.ErrValidation, env.IntentType)
	}

	if !dryRun {
		existing, err := e.changes.ChangeByIntent(ctx, env.TenantID, env.IntentID)
		switch {
		case err == nil:
			return &ApplyResult{Change: existing, Replayed: true}, nil
		case !errors.Is(err, contracts.ErrNotFound):
			return nil, fmt.Errorf("lookup intent %s: %w", env.IntentID, err)
		}
	}

	key, err := ResourceKey(env)
	if err != nil {
		return nil, err
	}
	ref := contracts.ResourceRef{Scope: env.Scope(), Key: key}
	snap, err := e.changes.Snapshot(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", contracts.ErrDownstreamUnavailable, key, err)
	}
	before := snap.State
	if contracts.IsNullState(before) {
		before = defaultState(key, e.profiles.Get(env.TenantID).Defaults)
	}

	window := e.window(env)
	after, err := mutate(env, before, window)
	if err != nil {
		return nil, err
	}
	preview := &contracts.Preview{ResourceKey: key, Before: before, After: after}
	if dryRun {
		return &ApplyResult{Preview: preview}, nil
	}

	change := &contracts.ConfigChange{
		ChangeID:        e.newID("chg_"),
		IntentID:        env.IntentID,
		TenantID:        env.TenantID,
		RestaurantID:    env.RestaurantID,
		ResourceKey:     key,
		Version:         snap.Version + 1,
		IntentType:      env.IntentType,
		ActorID:         env.ActorID,
		Kind:            contracts.KindApply,
		BeforeSnapshot:  before,
		AfterSnapshot:   after,
		EffectiveWindow: window,
		UndoToken:       e.newID("undo_"),
		Status:          contracts.ChangeApplied,
		AppliedAt:       e.clock().UTC(),
	}
	err = e.changes.CommitChange(ctx, contracts.Commit{Change: change, ExpectedVersion: snap.Version})
	if err != nil {
		if errors.Is(err, contracts.ErrStaleVersion) {
			// A concurrent apply of the same intent is a replay, not a conflict.
			if existing, lerr := e.changes.ChangeByIntent(ctx, env.TenantID, env.IntentID); lerr == nil {
				return &ApplyResult{Change: existing, Replayed: true}, nil
			}
			return nil, err
		}
		return nil, fmt.Errorf("commit %s: %w", key, err)
	}

	e.logger.InfoContext(ctx, "change applied",
		"tenant_id", change.TenantID,
		"restaurant_id", change.RestaurantID,
		"resource_key", key,
		"version", change.Version,
		"change_id", change.ChangeID,
	)
	return &ApplyResult{Change: change, Preview: preview}, nil
}

// Revert writes the compensating change for original and marks original as
// undone or expired, depending on kind. original must still be the latest
// version of its resource.
func (e *Engine) Revert(ctx context.Context, original *contracts.ConfigChange, actorID, intentID string, kind contracts.ChangeKind) (comp *contracts.ConfigChange, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "engine.revert", attribute.String("kind", string(kind)))
	defer func() { done(err) }()

	status := contracts.ChangeUndone
	if kind == contracts.KindExpiry {
		status = contracts.ChangeExpired
	}
	if original.Status != contracts.ChangeApplied || original.Kind != contracts.KindApply {
		return nil, fmt.Errorf("change %s is %s: %w", original.ChangeID, original.Status, contracts.ErrAlreadyUndone)
	}

	snap, err := e.changes.Snapshot(ctx, original.Ref())
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", contracts.ErrDownstreamUnavailable, original.ResourceKey, err)
	}
	if snap.Version != original.Version {
		return nil, fmt.Errorf("%s is at version %d, change %s wrote version %d: %w",
			original.ResourceKey, snap.Version, original.ChangeID, original.Version, contracts.ErrStaleVersion)
	}

	comp = &contracts.ConfigChange{
		ChangeID:        e.newID("chg_"),
		IntentID:        intentID,
		TenantID:        original.TenantID,
		RestaurantID:    original.RestaurantID,
		ResourceKey:     original.ResourceKey,
		Version:         snap.Version + 1,
		IntentType:      original.IntentType,
		ActorID:         actorID,
		Kind:            kind,
		BeforeSnapshot:  snap.State,
		AfterSnapshot:   original.BeforeSnapshot,
		RevertsChangeID: original.ChangeID,
		Status:          contracts.ChangeApplied,
		AppliedAt:       e.clock().UTC(),
	}
	err = e.changes.CommitChange(ctx, contracts.Commit{
		Change:          comp,
		ExpectedVersion: snap.Version,
		Reverts:         original.ChangeID,
		RevertStatus:    status,
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "change reverted",
		"tenant_id", comp.TenantID,
		"resource_key", comp.ResourceKey,
		"reverts", original.ChangeID,
		"kind", kind,
		"version", comp.Version,
	)
	return comp, nil
}

// window returns the effective window recorded on the change.
func (e *Engine) window(env *contracts.IntentEnvelope) *contracts.EffectiveWindow {
	if env.EffectiveWindow != nil {
		return env.EffectiveWindow
	}
	if env.IntentType != contracts.IntentItemAvailabilitySet {
		return nil
	}
	var p contracts.AvailabilityPayload
	if err := contracts.DecodePayload(env, &p); err != nil || p.EffectiveUntil == nil {
		return nil
	}
	end := p.EffectiveUntil.UTC()
	return &contracts.EffectiveWindow{EndAt: &end, Timezone: e.profiles.Get(env.TenantID).Timezone}
}

func (e *Engine) query(ctx context.Context, env *contracts.IntentEnvelope) (*contracts.OrderQueryResult, error) {
	var p contracts.OrderQueryPayload
	if err := contracts.DecodePayload(env, &p); err != nil {
		return nil, err
	}
	rows, err := e.orders.QueryOrders(ctx, env.Scope(), p.Filters)
	if err != nil {
		if errors.Is(err, contracts.ErrDownstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: query orders: %v", contracts.ErrDownstreamUnavailable, err)
	}

	res := &contracts.OrderQueryResult{Aggregation: p.Aggregation, Count: len(rows)}
	for _, o := range rows {
		res.Sum += o.Total
	}
	if p.Aggregation == contracts.AggregateList || p.Aggregation == "" {
		res.Aggregation = contracts.AggregateList
		limit := p.Limit
		if limit <= 0 || limit > len(rows) {
			limit = len(rows)
		}
		res.Orders = rows[:limit]
	}
	return res, nil
}
