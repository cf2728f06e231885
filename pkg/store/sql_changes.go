package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erichecan/AIrest/pkg/contracts"
)

const changeColumns = `change_id, intent_id, tenant_id, restaurant_id, resource_key, version, intent_type, actor_id, kind,
	before_snapshot, after_snapshot, effective_window, reverts_change_id, undo_token, status, applied_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (*contracts.ConfigChange, error) {
	var (
		ch                            contracts.ConfigChange
		intentID, window, reverts, tk sql.NullString
		before, after                 string
	)
	err := row.Scan(&ch.ChangeID, &intentID, &ch.TenantID, &ch.RestaurantID, &ch.ResourceKey, &ch.Version,
		&ch.IntentType, &ch.ActorID, &ch.Kind, &before, &after, &window, &reverts, &tk, &ch.Status, &ch.AppliedAt)
	if err != nil {
		return nil, err
	}
	ch.IntentID = intentID.String
	ch.RevertsChangeID = reverts.String
	ch.UndoToken = tk.String
	ch.BeforeSnapshot = json.RawMessage(before)
	ch.AfterSnapshot = json.RawMessage(after)
	if window.Valid && window.String != "" {
		var w contracts.EffectiveWindow
		if err := json.Unmarshal([]byte(window.String), &w); err != nil {
			return nil, fmt.Errorf("decode effective window of %s: %w", ch.ChangeID, err)
		}
		ch.EffectiveWindow = &w
	}
	return &ch, nil
}

func (s *SQLStore) Snapshot(ctx context.Context, ref contracts.ResourceRef) (*contracts.ConfigSnapshot, error) {
	query := `
		SELECT version, state, change_id, updated_at FROM config_snapshots
		WHERE tenant_id = $1 AND restaurant_id = $2 AND resource_key = $3
	`
	snap := absentSnapshot(ref)
	var state string
	err := s.db.QueryRowContext(ctx, query, ref.TenantID, ref.RestaurantID, ref.Key).
		Scan(&snap.Version, &state, &snap.ChangeID, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, nil
		}
		return nil, err
	}
	snap.State = json.RawMessage(state)
	return snap, nil
}

func (s *SQLStore) Snapshots(ctx context.Context, scope contracts.Scope) ([]contracts.ConfigSnapshot, error) {
	query := `
		SELECT resource_key, version, state, change_id, updated_at FROM config_snapshots
		WHERE tenant_id = $1 AND restaurant_id = $2 ORDER BY resource_key
	`
	rows, err := s.db.QueryContext(ctx, query, scope.TenantID, scope.RestaurantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.ConfigSnapshot, 0)
	for rows.Next() {
		snap := contracts.ConfigSnapshot{TenantID: scope.TenantID, RestaurantID: scope.RestaurantID}
		var state string
		if err := rows.Scan(&snap.ResourceKey, &snap.Version, &state, &snap.ChangeID, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		snap.State = json.RawMessage(state)
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) CommitChange(ctx context.Context, c contracts.Commit) (err error) {
	ch := c.Change
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// The snapshot compare-and-swap decides the winner of a version slot.
	var res sql.Result
	if c.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO config_snapshots (tenant_id, restaurant_id, resource_key, version, state, change_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tenant_id, restaurant_id, resource_key) DO NOTHING
		`, ch.TenantID, ch.RestaurantID, ch.ResourceKey, ch.Version, string(ch.AfterSnapshot), ch.ChangeID, ch.AppliedAt.UTC())
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE config_snapshots SET version = $1, state = $2, change_id = $3, updated_at = $4
			WHERE tenant_id = $5 AND restaurant_id = $6 AND resource_key = $7 AND version = $8
		`, ch.Version, string(ch.AfterSnapshot), ch.ChangeID, ch.AppliedAt.UTC(),
			ch.TenantID, ch.RestaurantID, ch.ResourceKey, c.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("advance snapshot %s: %w", ch.ResourceKey, err)
	}
	if err = requireRow(res, fmt.Errorf("%s moved past version %d: %w", ch.ResourceKey, c.ExpectedVersion, contracts.ErrStaleVersion)); err != nil {
		return err
	}

	var window sql.NullString
	var endAt sql.NullTime
	if ch.EffectiveWindow != nil {
		b, merr := json.Marshal(ch.EffectiveWindow)
		if merr != nil {
			err = fmt.Errorf("encode effective window: %w", merr)
			return err
		}
		window = sql.NullString{String: string(b), Valid: true}
		endAt = nullTime(ch.EffectiveWindow.EndAt)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_changes (change_id, intent_id, tenant_id, restaurant_id, resource_key, version, intent_type, actor_id, kind,
			before_snapshot, after_snapshot, effective_window, end_at, reverts_change_id, undo_token, status, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, ch.ChangeID, nullString(ch.IntentID), ch.TenantID, ch.RestaurantID, ch.ResourceKey, ch.Version, string(ch.IntentType),
		ch.ActorID, string(ch.Kind), string(ch.BeforeSnapshot), string(ch.AfterSnapshot), window, endAt,
		nullString(ch.RevertsChangeID), nullString(ch.UndoToken), string(ch.Status), ch.AppliedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert change %s: %w", ch.ChangeID, err)
	}

	if c.Reverts != "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE config_changes SET status = $1
			WHERE tenant_id = $2 AND change_id = $3 AND status = $4
		`, string(c.RevertStatus), ch.TenantID, c.Reverts, string(contracts.ChangeApplied))
		if err != nil {
			return fmt.Errorf("mark change %s %s: %w", c.Reverts, c.RevertStatus, err)
		}
		if err = requireRow(res, fmt.Errorf("change %s: %w", c.Reverts, contracts.ErrAlreadyUndone)); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit change %s: %w", ch.ChangeID, err)
	}
	return nil
}

func requireRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}

func (s *SQLStore) queryChange(ctx context.Context, what, where string, args ...any) (*contracts.ConfigChange, error) {
	query := `SELECT ` + changeColumns + ` FROM config_changes WHERE ` + where
	ch, err := scanChange(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", what, contracts.ErrNotFound)
		}
		return nil, err
	}
	return ch, nil
}

func (s *SQLStore) ChangeByID(ctx context.Context, tenantID, changeID string) (*contracts.ConfigChange, error) {
	return s.queryChange(ctx, "change "+changeID, `tenant_id = $1 AND change_id = $2`, tenantID, changeID)
}

func (s *SQLStore) ChangeByIntent(ctx context.Context, tenantID, intentID string) (*contracts.ConfigChange, error) {
	return s.queryChange(ctx, "intent "+intentID, `tenant_id = $1 AND intent_id = $2 AND kind = 'apply'`, tenantID, intentID)
}

func (s *SQLStore) ChangeByUndoToken(ctx context.Context, tenantID, token string) (*contracts.ConfigChange, error) {
	if token == "" {
		return nil, fmt.Errorf("undo token: %w", contracts.ErrNotFound)
	}
	return s.queryChange(ctx, "undo token", `tenant_id = $1 AND undo_token = $2`, tenantID, token)
}

func (s *SQLStore) LatestApplied(ctx context.Context, scope contracts.Scope) (*contracts.ConfigChange, error) {
	return s.queryChange(ctx, "applied change",
		`tenant_id = $1 AND restaurant_id = $2 AND kind = 'apply' AND status = 'applied' ORDER BY applied_at DESC LIMIT 1`,
		scope.TenantID, scope.RestaurantID)
}

func (s *SQLStore) ListExpiring(ctx context.Context, now time.Time, limit int) ([]contracts.ConfigChange, error) {
	query := `
		SELECT c.change_id, c.intent_id, c.tenant_id, c.restaurant_id, c.resource_key, c.version, c.intent_type, c.actor_id, c.kind,
			c.before_snapshot, c.after_snapshot, c.effective_window, c.reverts_change_id, c.undo_token, c.status, c.applied_at
		FROM config_changes c
		JOIN config_snapshots s
			ON s.tenant_id = c.tenant_id AND s.restaurant_id = c.restaurant_id
			AND s.resource_key = c.resource_key AND s.version = c.version
		WHERE c.kind = 'apply' AND c.status = 'applied' AND c.end_at IS NOT NULL AND c.end_at <= $1
		ORDER BY c.end_at
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.ConfigChange, 0)
	for rows.Next() {
		ch, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
