// Package store persists intents, the versioned configuration change log,
// its snapshot projection, audit entries and confirmation workflow state.
//
// Two implementations are provided: MemoryStore for tests and single-process
// development, and SQLStore over database/sql for Postgres and SQLite.
// Every key includes tenant and restaurant; lookups from another tenant
// behave as not found.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/erichecan/AIrest/pkg/catalog"
	"github.com/erichecan/AIrest/pkg/contracts"
)

// IntentStore persists parsed envelopes (nl_intents).
type IntentStore interface {
	// SaveIntent inserts env. Saving the same intent id twice is a no-op.
	SaveIntent(ctx context.Context, env *contracts.IntentEnvelope) error
	GetIntent(ctx context.Context, tenantID, intentID string) (*contracts.IntentEnvelope, error)
}

// ChangeStore is the append-only change log plus its snapshot projection.
type ChangeStore interface {
	// Snapshot returns the current projection of ref. An absent resource is
	// reported as version 0 with a null state.
	Snapshot(ctx context.Context, ref contracts.ResourceRef) (*contracts.ConfigSnapshot, error)
	Snapshots(ctx context.Context, scope contracts.Scope) ([]contracts.ConfigSnapshot, error)

	// CommitChange atomically appends c.Change, advances the snapshot from
	// c.ExpectedVersion and, when c.Reverts is set, flips that change from
	// applied to c.RevertStatus. A moved snapshot yields ErrStaleVersion; a
	// reverted change that is no longer applied yields ErrAlreadyUndone.
	CommitChange(ctx context.Context, c contracts.Commit) error

	ChangeByID(ctx context.Context, tenantID, changeID string) (*contracts.ConfigChange, error)
	ChangeByIntent(ctx context.Context, tenantID, intentID string) (*contracts.ConfigChange, error)
	ChangeByUndoToken(ctx context.Context, tenantID, token string) (*contracts.ConfigChange, error)
	// LatestApplied returns the most recent operator change of scope that is
	// still applied.
	LatestApplied(ctx context.Context, scope contracts.Scope) (*contracts.ConfigChange, error)
	// ListExpiring returns applied changes whose window closed at or before
	// now and which are still the latest version of their resource.
	ListExpiring(ctx context.Context, now time.Time, limit int) ([]contracts.ConfigChange, error)
}

// AuditStore persists hash-chained audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *contracts.AuditLogEntry) error
	// AuditHead returns the entry hash of the tenant's last entry, or
	// GenesisHash for an empty chain.
	AuditHead(ctx context.Context, tenantID string) (string, error)
	ListAudit(ctx context.Context, filter contracts.AuditFilter) ([]contracts.AuditLogEntry, error)
}

// PendingStore persists confirmation and clarification workflow state.
type PendingStore interface {
	SavePending(ctx context.Context, p *contracts.PendingIntent) error
	GetPending(ctx context.Context, tenantID, intentID string) (*contracts.PendingIntent, error)
	// OpenPending lists pending rows of one actor on one resource.
	OpenPending(ctx context.Context, scope contracts.Scope, actorID, resourceKey string) ([]contracts.PendingIntent, error)
	// TransitionPending moves a row from one status to another. It fails with
	// ErrNotPending when the row is not in status from.
	TransitionPending(ctx context.Context, tenantID, intentID string, from, to contracts.PendingStatus, at time.Time) error
	// StalePending lists pending rows that expired at or before now.
	StalePending(ctx context.Context, now time.Time, limit int) ([]contracts.PendingIntent, error)
}

// OrderStore is the read model served by order.query.
type OrderStore interface {
	QueryOrders(ctx context.Context, scope contracts.Scope, filters contracts.OrderFilters) ([]contracts.OrderRow, error)
	PutOrder(ctx context.Context, scope contracts.Scope, order contracts.OrderRow) error
}

// WebhookStore records processed webhook tool calls.
type WebhookStore interface {
	// ClaimWebhookEvent reserves key. It returns false and the stored result
	// when the key was claimed before.
	ClaimWebhookEvent(ctx context.Context, key, tenantID string, at time.Time) (bool, json.RawMessage, error)
	CompleteWebhookEvent(ctx context.Context, key string, result json.RawMessage) error
}

// MenuStore holds the restaurant catalog.
type MenuStore interface {
	catalog.Source
	PutMenuItem(ctx context.Context, scope contracts.Scope, item catalog.MenuItem) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	IntentStore
	ChangeStore
	AuditStore
	PendingStore
	OrderStore
	WebhookStore
	MenuStore
	Ping(ctx context.Context) error
}

// GenesisHash is the prev_hash of the first audit entry of a tenant.
const GenesisHash = "genesis"

func filterOrder(o contracts.OrderRow, f contracts.OrderFilters) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.From != nil && o.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !o.CreatedAt.Before(*f.To) {
		return false
	}
	if f.HasTransfer != nil && o.Transferred != *f.HasTransfer {
		return false
	}
	return true
}
