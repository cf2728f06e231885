package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/store"
)

// Recorder receives audit entries. Record must not block on storage.
type Recorder interface {
	Record(ctx context.Context, entry contracts.AuditLogEntry)
}

// Reconciler reverts windowed changes once their window has closed.
type Reconciler struct {
	engine  *Engine
	changes store.ChangeStore
	audit   Recorder
	clock   func() time.Time
	batch   int
	logger  *slog.Logger
}

// NewReconciler creates a reconciler over engine's store.
func NewReconciler(engine *Engine, changes store.ChangeStore, audit Recorder) *Reconciler {
	return &Reconciler{
		engine:  engine,
		changes: changes,
		audit:   audit,
		clock:   time.Now,
		batch:   100,
		logger:  slog.Default().With("component", "reconciler"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// RunOnce expires every due change and returns how many were reverted.
// A change overtaken by a newer version is left alone; readers evaluate its
// window from the stored state.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.clock()
	due, err := r.changes.ListExpiring(ctx, now, r.batch)
	if err != nil {
		return 0, err
	}

	reverted := 0
	for i := range due {
		original := due[i]
		comp, err := r.engine.Revert(ctx, &original, systemReconcileActor, "", contracts.KindExpiry)
		if err != nil {
			if errors.Is(err, contracts.ErrStaleVersion) || errors.Is(err, contracts.ErrAlreadyUndone) {
				r.logger.DebugContext(ctx, "expiry skipped", "change_id", original.ChangeID, "error", err)
				continue
			}
			return reverted, err
		}
		reverted++
		r.audit.Record(ctx, contracts.AuditLogEntry{
			TenantID:     comp.TenantID,
			RestaurantID: comp.RestaurantID,
			ActorID:      systemReconcileActor,
			Source:       contracts.SourceScheduler,
			IntentID:     original.IntentID,
			ChangeID:     comp.ChangeID,
			EventType:    contracts.EventConfigExpired,
			Result:       contracts.ResultExpired,
			Reason:       "effective window closed",
			Detail: contracts.MustPayload(map[string]any{
				"reverts_change_id": original.ChangeID,
				"resource_key":      original.ResourceKey,
				"version":           comp.Version,
			}),
		})
	}
	return reverted, nil
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := r.RunOnce(ctx); err != nil {
			r.logger.ErrorContext(ctx, "reconcile failed", "error", err)
		} else if n > 0 {
			r.logger.InfoContext(ctx, "expired changes reverted", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
