package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// ErrChainHeadMoved is returned when an audit entry does not extend the
// tenant's current chain head.
var ErrChainHeadMoved = errors.New("audit chain head moved")

func (s *SQLStore) AppendAudit(ctx context.Context, e *contracts.AuditLogEntry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_heads (tenant_id, entry_hash) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET entry_hash = excluded.entry_hash
		WHERE audit_heads.entry_hash = $3
	`, e.TenantID, e.EntryHash, e.PrevHash)
	if err != nil {
		return fmt.Errorf("advance audit head: %w", err)
	}
	if err = requireRow(res, ErrChainHeadMoved); err != nil {
		return err
	}

	var detail sql.NullString
	if len(e.Detail) > 0 {
		detail = sql.NullString{String: string(e.Detail), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs (audit_id, tenant_id, restaurant_id, actor_id, source, intent_id, change_id, event_type, result,
			raw_text, risk_level, confidence, disposition, reason, detail, created_at, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, e.AuditID, e.TenantID, e.RestaurantID, e.ActorID, string(e.Source), e.IntentID, e.ChangeID, e.EventType,
		string(e.Result), e.RawText, string(e.RiskLevel), e.Confidence, string(e.Disposition), e.Reason, detail,
		e.CreatedAt.UTC(), e.PrevHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", e.AuditID, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit audit %s: %w", e.AuditID, err)
	}
	return nil
}

func (s *SQLStore) AuditHead(ctx context.Context, tenantID string) (string, error) {
	var head string
	err := s.db.QueryRowContext(ctx, `SELECT entry_hash FROM audit_heads WHERE tenant_id = $1`, tenantID).Scan(&head)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GenesisHash, nil
		}
		return "", err
	}
	return head, nil
}

// ListAudit returns matching entries newest first.
func (s *SQLStore) ListAudit(ctx context.Context, f contracts.AuditFilter) ([]contracts.AuditLogEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("tenant_id", f.TenantID)
	add("restaurant_id", f.RestaurantID)
	add("intent_id", f.IntentID)

	query := `SELECT audit_id, tenant_id, restaurant_id, actor_id, source, intent_id, change_id, event_type, result,
		raw_text, risk_level, confidence, disposition, reason, detail, created_at, prev_hash, entry_hash FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.AuditLogEntry, 0)
	for rows.Next() {
		var (
			e                                  contracts.AuditLogEntry
			source, intentID, changeID, raw    sql.NullString
			risk, disposition, reason, details sql.NullString
			confidence                         sql.NullFloat64
		)
		if err := rows.Scan(&e.AuditID, &e.TenantID, &e.RestaurantID, &e.ActorID, &source, &intentID, &changeID,
			&e.EventType, &e.Result, &raw, &risk, &confidence, &disposition, &reason, &details,
			&e.CreatedAt, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Source = contracts.Source(source.String)
		e.IntentID = intentID.String
		e.ChangeID = changeID.String
		e.RawText = raw.String
		e.RiskLevel = contracts.RiskLevel(risk.String)
		e.Confidence = confidence.Float64
		e.Disposition = contracts.Disposition(disposition.String)
		e.Reason = reason.String
		if details.Valid {
			e.Detail = json.RawMessage(details.String)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const pendingColumns = `intent_id, tenant_id, restaurant_id, actor_id, resource_key, kind, status, created_at, expires_at, updated_at`

func scanPending(row rowScanner) (*contracts.PendingIntent, error) {
	var p contracts.PendingIntent
	err := row.Scan(&p.IntentID, &p.TenantID, &p.RestaurantID, &p.ActorID, &p.ResourceKey, &p.Kind, &p.Status,
		&p.CreatedAt, &p.ExpiresAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) SavePending(ctx context.Context, p *contracts.PendingIntent) error {
	query := `
		INSERT INTO pending_confirmations (` + pendingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query, p.IntentID, p.TenantID, p.RestaurantID, p.ActorID, p.ResourceKey,
		string(p.Kind), string(p.Status), p.CreatedAt.UTC(), p.ExpiresAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save pending %s: %w", p.IntentID, err)
	}
	return nil
}

func (s *SQLStore) GetPending(ctx context.Context, tenantID, intentID string) (*contracts.PendingIntent, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_confirmations WHERE tenant_id = $1 AND intent_id = $2`
	p, err := scanPending(s.db.QueryRowContext(ctx, query, tenantID, intentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pending intent %s: %w", intentID, contracts.ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) OpenPending(ctx context.Context, scope contracts.Scope, actorID, resourceKey string) ([]contracts.PendingIntent, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_confirmations
		WHERE tenant_id = $1 AND restaurant_id = $2 AND actor_id = $3 AND resource_key = $4 AND status = 'pending'
		ORDER BY created_at`
	return s.listPending(ctx, query, scope.TenantID, scope.RestaurantID, actorID, resourceKey)
}

func (s *SQLStore) StalePending(ctx context.Context, now time.Time, limit int) ([]contracts.PendingIntent, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_confirmations
		WHERE status = 'pending' AND expires_at <= $1 ORDER BY expires_at LIMIT $2`
	return s.listPending(ctx, query, now.UTC(), limit)
}

func (s *SQLStore) listPending(ctx context.Context, query string, args ...any) ([]contracts.PendingIntent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.PendingIntent, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) TransitionPending(ctx context.Context, tenantID, intentID string, from, to contracts.PendingStatus, at time.Time) error {
	query := `
		UPDATE pending_confirmations SET status = $1, updated_at = $2
		WHERE tenant_id = $3 AND intent_id = $4 AND status = $5
	`
	res, err := s.db.ExecContext(ctx, query, string(to), at.UTC(), tenantID, intentID, string(from))
	if err != nil {
		return fmt.Errorf("transition pending %s: %w", intentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	// Distinguish a missing row from one in another state.
	if _, err := s.GetPending(ctx, tenantID, intentID); err != nil {
		return err
	}
	return fmt.Errorf("intent %s: %w", intentID, contracts.ErrNotPending)
}
