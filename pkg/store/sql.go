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

// SQLStore implements Store using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite); queries
// use $n placeholders, which both drivers accept.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS nl_intents (
	intent_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	restaurant_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	source TEXT NOT NULL,
	intent_type TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	risk_level TEXT,
	envelope TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS config_changes (
	change_id TEXT PRIMARY KEY,
	intent_id TEXT,
	tenant_id TEXT NOT NULL,
	restaurant_id TEXT NOT NULL,
	resource_key TEXT NOT NULL,
	version BIGINT NOT NULL,
	intent_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	before_snapshot TEXT NOT NULL,
	after_snapshot TEXT NOT NULL,
	effective_window TEXT,
	end_at TIMESTAMP,
	reverts_change_id TEXT,
	undo_token TEXT UNIQUE,
	status TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, restaurant_id, resource_key, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS config_changes_apply_intent
	ON config_changes (tenant_id, intent_id) WHERE kind = 'apply';
CREATE TABLE IF NOT EXISTS config_snapshots (
	tenant_id TEXT NOT NULL,
	restaurant_id TEXT NOT NULL,
	resource_key TEXT NOT NULL,
	version BIGINT NOT NULL,
	state TEXT NOT NULL,
	change_id TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, restaurant_id, resource_key)
);
CREATE TABLE IF NOT EXISTS audit_logs (
	audit_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	restaurant_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	source TEXT,
	intent_id TEXT,
	change_id TEXT,
	event_type TEXT NOT NULL,
	result TEXT NOT NULL,
	raw_text TEXT,
	risk_level TEXT,
	confidence DOUBLE PRECISION,
	disposition TEXT,
	reason TEXT,
	detail TEXT,
	created_at TIMESTAMP NOT NULL,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS audit_heads (
	tenant_id TEXT PRIMARY KEY,
	entry_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_confirmations (
	intent_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	restaurant_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	resource_key TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS webhook_events (
	idempotency_key TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	result TEXT,
	received_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS menu_items (
	tenant_id TEXT NOT NULL,
	restaurant_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	name TEXT NOT NULL,
	name_zh TEXT,
	aliases TEXT,
	category TEXT,
	price DOUBLE PRECISION,
	currency TEXT,
	PRIMARY KEY (tenant_id, restaurant_id, item_id)
);
CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	restaurant_id TEXT NOT NULL,
	customer_phone TEXT,
	status TEXT NOT NULL,
	total DOUBLE PRECISION NOT NULL,
	transferred BOOLEAN NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, restaurant_id, order_id)
);
`

// Init creates the schema. It is idempotent.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) SaveIntent(ctx context.Context, env *contracts.IntentEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	query := `
		INSERT INTO nl_intents (intent_id, tenant_id, restaurant_id, actor_id, source, intent_type, confidence, risk_level, envelope, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (intent_id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		env.IntentID, env.TenantID, env.RestaurantID, env.ActorID, string(env.Source),
		string(env.IntentType), env.Confidence, string(env.RiskLevel), string(body), env.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save intent %s: %w", env.IntentID, err)
	}
	return nil
}

func (s *SQLStore) GetIntent(ctx context.Context, tenantID, intentID string) (*contracts.IntentEnvelope, error) {
	query := `SELECT envelope FROM nl_intents WHERE tenant_id = $1 AND intent_id = $2`
	var body string
	if err := s.db.QueryRowContext(ctx, query, tenantID, intentID).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("intent %s: %w", intentID, contracts.ErrNotFound)
		}
		return nil, err
	}
	var env contracts.IntentEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", intentID, err)
	}
	return &env, nil
}

// nullString stores empty strings as NULL so UNIQUE columns admit many blanks.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
