package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// UndoRequest selects the change to revert: by undo token, else by change
// id, else the latest applied change of the restaurant.
type UndoRequest struct {
	Scope    contracts.Scope
	ActorID  string
	Source   contracts.Source
	IntentID string
	Token    string
	ChangeID string
	RawText  string
}

// UndoResult pairs the reverted change with its compensating change.
type UndoResult struct {
	Original     *contracts.ConfigChange
	Compensating *contracts.ConfigChange
}

// Undo reverts one applied change and records the outcome. Undo is
// single-level: compensating changes cannot themselves be undone.
func (l *Ledger) Undo(ctx context.Context, req UndoRequest) (res *UndoResult, err error) {
	ctx, done := l.obs.TrackOperation(ctx, "ledger.undo", attribute.Bool("by_token", req.Token != ""))
	defer func() { done(err) }()

	original, err := l.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if original.Kind != contracts.KindApply {
		return nil, fmt.Errorf("%w: change %s is a %s compensation and cannot be undone", contracts.ErrValidation, original.ChangeID, original.Kind)
	}
	if original.Status != contracts.ChangeApplied {
		return nil, fmt.Errorf("change %s is %s: %w", original.ChangeID, original.Status, contracts.ErrAlreadyUndone)
	}

	comp, err := l.reverter.Revert(ctx, original, req.ActorID, req.IntentID, contracts.KindUndo)
	if err != nil {
		return nil, err
	}

	intentID := req.IntentID
	if intentID == "" {
		intentID = original.IntentID
	}
	l.Record(ctx, contracts.AuditLogEntry{
		TenantID:     comp.TenantID,
		RestaurantID: comp.RestaurantID,
		ActorID:      req.ActorID,
		Source:       req.Source,
		IntentID:     intentID,
		ChangeID:     comp.ChangeID,
		EventType:    contracts.EventConfigUndone,
		Result:       contracts.ResultApplied,
		RawText:      req.RawText,
		RiskLevel:    contracts.RiskMedium,
		Reason:       "undo",
		Detail: contracts.MustPayload(map[string]any{
			"reverts_change_id": original.ChangeID,
			"resource_key":      original.ResourceKey,
			"version":           comp.Version,
		}),
	})
	original.Status = contracts.ChangeUndone
	return &UndoResult{Original: original, Compensating: comp}, nil
}

func (l *Ledger) resolve(ctx context.Context, req UndoRequest) (*contracts.ConfigChange, error) {
	var (
		ch  *contracts.ConfigChange
		err error
	)
	switch {
	case req.Token != "":
		ch, err = l.changes.ChangeByUndoToken(ctx, req.Scope.TenantID, req.Token)
	case req.ChangeID != "":
		ch, err = l.changes.ChangeByID(ctx, req.Scope.TenantID, req.ChangeID)
	default:
		ch, err = l.changes.LatestApplied(ctx, req.Scope)
	}
	if err != nil {
		return nil, err
	}
	if req.Scope.RestaurantID != "" && ch.RestaurantID != req.Scope.RestaurantID {
		return nil, fmt.Errorf("change %s: %w", ch.ChangeID, contracts.ErrNotFound)
	}
	return ch, nil
}
