package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erichecan/AIrest/pkg/catalog"
	"github.com/erichecan/AIrest/pkg/contracts"
)

func (s *SQLStore) QueryOrders(ctx context.Context, scope contracts.Scope, f contracts.OrderFilters) ([]contracts.OrderRow, error) {
	args := []any{scope.TenantID, scope.RestaurantID}
	where := []string{"tenant_id = $1", "restaurant_id = $2"}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, f.From.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, f.To.UTC())
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if f.HasTransfer != nil {
		args = append(args, *f.HasTransfer)
		where = append(where, fmt.Sprintf("transferred = $%d", len(args)))
	}
	query := `SELECT order_id, customer_phone, status, total, transferred, created_at FROM orders WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query orders: %v", contracts.ErrDownstreamUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.OrderRow, 0)
	for rows.Next() {
		var (
			o     contracts.OrderRow
			phone sql.NullString
		)
		if err := rows.Scan(&o.OrderID, &phone, &o.Status, &o.Total, &o.Transferred, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.CustomerPhone = phone.String
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) PutOrder(ctx context.Context, scope contracts.Scope, o contracts.OrderRow) error {
	query := `
		INSERT INTO orders (order_id, tenant_id, restaurant_id, customer_phone, status, total, transferred, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, restaurant_id, order_id) DO UPDATE SET
			customer_phone = excluded.customer_phone, status = excluded.status,
			total = excluded.total, transferred = excluded.transferred
	`
	_, err := s.db.ExecContext(ctx, query, o.OrderID, scope.TenantID, scope.RestaurantID, nullString(o.CustomerPhone),
		o.Status, o.Total, o.Transferred, o.CreatedAt.UTC())
	return err
}

func (s *SQLStore) ClaimWebhookEvent(ctx context.Context, key, tenantID string, at time.Time) (bool, json.RawMessage, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (idempotency_key, tenant_id, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, tenantID, at.UTC())
	if err != nil {
		return false, nil, fmt.Errorf("claim webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		return true, nil, nil
	}

	var result sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT result FROM webhook_events WHERE idempotency_key = $1`, key).Scan(&result)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, nil, err
	}
	if !result.Valid {
		return false, nil, nil
	}
	return false, json.RawMessage(result.String), nil
}

func (s *SQLStore) CompleteWebhookEvent(ctx context.Context, key string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webhook_events SET result = $1 WHERE idempotency_key = $2`, string(result), key)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return requireRow(res, fmt.Errorf("webhook event %s: %w", key, contracts.ErrNotFound))
}

func (s *SQLStore) MenuItems(ctx context.Context, scope contracts.Scope) ([]catalog.MenuItem, error) {
	query := `
		SELECT item_id, name, name_zh, aliases, category, price, currency FROM menu_items
		WHERE tenant_id = $1 AND restaurant_id = $2 ORDER BY item_id
	`
	rows, err := s.db.QueryContext(ctx, query, scope.TenantID, scope.RestaurantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]catalog.MenuItem, 0)
	for rows.Next() {
		var (
			item                                 catalog.MenuItem
			nameZH, aliases, category, currency sql.NullString
			price                                sql.NullFloat64
		)
		if err := rows.Scan(&item.ID, &item.Name, &nameZH, &aliases, &category, &price, &currency); err != nil {
			return nil, err
		}
		item.NameZH = nameZH.String
		item.Category = category.String
		item.Price = price.Float64
		item.Currency = currency.String
		if aliases.Valid && aliases.String != "" {
			if err := json.Unmarshal([]byte(aliases.String), &item.Aliases); err != nil {
				return nil, fmt.Errorf("decode aliases of %s: %w", item.ID, err)
			}
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) PutMenuItem(ctx context.Context, scope contracts.Scope, item catalog.MenuItem) error {
	aliases, err := json.Marshal(item.Aliases)
	if err != nil {
		return fmt.Errorf("encode aliases: %w", err)
	}
	query := `
		INSERT INTO menu_items (tenant_id, restaurant_id, item_id, name, name_zh, aliases, category, price, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, restaurant_id, item_id) DO UPDATE SET
			name = excluded.name, name_zh = excluded.name_zh, aliases = excluded.aliases,
			category = excluded.category, price = excluded.price, currency = excluded.currency
	`
	_, err = s.db.ExecContext(ctx, query, scope.TenantID, scope.RestaurantID, item.ID, item.Name,
		nullString(item.NameZH), string(aliases), nullString(item.Category), item.Price, nullString(item.Currency))
	return err
}
