package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/erichecan/AIrest/pkg/catalog"
	"github.com/erichecan/AIrest/pkg/contracts"
)

type tenantKey struct {
	tenant string
	id     string
}

type webhookEvent struct {
	tenant string
	result json.RawMessage
}

// MemoryStore is an in-process Store. Safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	intents   map[tenantKey]contracts.IntentEnvelope
	changes   []*contracts.ConfigChange
	byID      map[tenantKey]*contracts.ConfigChange
	snapshots map[contracts.ResourceRef]contracts.ConfigSnapshot
	audit     []contracts.AuditLogEntry
	heads     map[string]string
	pending   map[tenantKey]contracts.PendingIntent
	orders    map[contracts.Scope][]contracts.OrderRow
	webhooks  map[string]webhookEvent
	menus     map[contracts.Scope][]catalog.MenuItem
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:   make(map[tenantKey]contracts.IntentEnvelope),
		byID:      make(map[tenantKey]*contracts.ConfigChange),
		snapshots: make(map[contracts.ResourceRef]contracts.ConfigSnapshot),
		heads:     make(map[string]string),
		pending:   make(map[tenantKey]contracts.PendingIntent),
		orders:    make(map[contracts.Scope][]contracts.OrderRow),
		webhooks:  make(map[string]webhookEvent),
		menus:     make(map[contracts.Scope][]catalog.MenuItem),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) SaveIntent(_ context.Context, env *contracts.IntentEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{env.TenantID, env.IntentID}
	if _, ok := m.intents[k]; ok {
		return nil
	}
	m.intents[k] = *env
	return nil
}

func (m *MemoryStore) GetIntent(_ context.Context, tenantID, intentID string) (*contracts.IntentEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.intents[tenantKey{tenantID, intentID}]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", intentID, contracts.ErrNotFound)
	}
	return &env, nil
}

func (m *MemoryStore) Snapshot(_ context.Context, ref contracts.ResourceRef) (*contracts.ConfigSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[ref]
	if !ok {
		return absentSnapshot(ref), nil
	}
	return &s, nil
}

func (m *MemoryStore) Snapshots(_ context.Context, scope contracts.Scope) ([]contracts.ConfigSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.ConfigSnapshot, 0)
	for ref, s := range m.snapshots {
		if ref.Scope == scope {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out, nil
}

func (m *MemoryStore) CommitChange(_ context.Context, c contracts.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := c.Change
	ref := ch.Ref()
	current := m.snapshots[ref]
	if current.Version != c.ExpectedVersion {
		return fmt.Errorf("%s at version %d, expected %d: %w", ref.Key, current.Version, c.ExpectedVersion, contracts.ErrStaleVersion)
	}

	var reverted *contracts.ConfigChange
	if c.Reverts != "" {
		reverted = m.byID[tenantKey{ch.TenantID, c.Reverts}]
		if reverted == nil {
			return fmt.Errorf("change %s: %w", c.Reverts, contracts.ErrNotFound)
		}
		if reverted.Status != contracts.ChangeApplied {
			return fmt.Errorf("change %s is %s: %w", c.Reverts, reverted.Status, contracts.ErrAlreadyUndone)
		}
	}

	stored := *ch
	m.changes = append(m.changes, &stored)
	m.byID[tenantKey{ch.TenantID, ch.ChangeID}] = &stored
	m.snapshots[ref] = contracts.ConfigSnapshot{
		TenantID:     ch.TenantID,
		RestaurantID: ch.RestaurantID,
		ResourceKey:  ch.ResourceKey,
		Version:      ch.Version,
		State:        ch.AfterSnapshot,
		ChangeID:     ch.ChangeID,
		UpdatedAt:    ch.AppliedAt,
	}
	if reverted != nil {
		reverted.Status = c.RevertStatus
	}
	return nil
}

func (m *MemoryStore) ChangeByID(_ context.Context, tenantID, changeID string) (*contracts.ConfigChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.byID[tenantKey{tenantID, changeID}]
	if !ok {
		return nil, fmt.Errorf("change %s: %w", changeID, contracts.ErrNotFound)
	}
	out := *ch
	return &out, nil
}

func (m *MemoryStore) ChangeByIntent(_ context.Context, tenantID, intentID string) (*contracts.ConfigChange, error) {
	return m.findChange(func(ch *contracts.ConfigChange) bool {
		return ch.TenantID == tenantID && ch.IntentID == intentID && ch.Kind == contracts.KindApply
	}, "intent "+intentID)
}

func (m *MemoryStore) ChangeByUndoToken(_ context.Context, tenantID, token string) (*contracts.ConfigChange, error) {
	return m.findChange(func(ch *contracts.ConfigChange) bool {
		return token != "" && ch.TenantID == tenantID && ch.UndoToken == token
	}, "undo token")
}

func (m *MemoryStore) LatestApplied(_ context.Context, scope contracts.Scope) (*contracts.ConfigChange, error) {
	return m.findChange(func(ch *contracts.ConfigChange) bool {
		return ch.TenantID == scope.TenantID && ch.RestaurantID == scope.RestaurantID &&
			ch.Kind == contracts.KindApply && ch.Status == contracts.ChangeApplied
	}, "applied change")
}

// findChange scans newest first.
func (m *MemoryStore) findChange(match func(*contracts.ConfigChange) bool, what string) (*contracts.ConfigChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.changes) - 1; i >= 0; i-- {
		if match(m.changes[i]) {
			out := *m.changes[i]
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", what, contracts.ErrNotFound)
}

func (m *MemoryStore) ListExpiring(_ context.Context, now time.Time, limit int) ([]contracts.ConfigChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.ConfigChange
	for _, ch := range m.changes {
		if ch.Kind != contracts.KindApply || ch.Status != contracts.ChangeApplied || !ch.EffectiveWindow.Expired(now) {
			continue
		}
		if m.snapshots[ch.Ref()].Version != ch.Version {
			continue
		}
		out = append(out, *ch)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EffectiveWindow.EndAt.Before(*out[j].EffectiveWindow.EndAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry *contracts.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *entry)
	m.heads[entry.TenantID] = entry.EntryHash
	return nil
}

func (m *MemoryStore) AuditHead(_ context.Context, tenantID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.heads[tenantID]; ok {
		return h, nil
	}
	return GenesisHash, nil
}

// ListAudit returns matching entries newest first.
func (m *MemoryStore) ListAudit(_ context.Context, f contracts.AuditFilter) ([]contracts.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.AuditLogEntry, 0)
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.RestaurantID != "" && e.RestaurantID != f.RestaurantID {
			continue
		}
		if f.IntentID != "" && e.IntentID != f.IntentID {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SavePending(_ context.Context, p *contracts.PendingIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[tenantKey{p.TenantID, p.IntentID}] = *p
	return nil
}

func (m *MemoryStore) GetPending(_ context.Context, tenantID, intentID string) (*contracts.PendingIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[tenantKey{tenantID, intentID}]
	if !ok {
		return nil, fmt.Errorf("pending intent %s: %w", intentID, contracts.ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryStore) OpenPending(_ context.Context, scope contracts.Scope, actorID, resourceKey string) ([]contracts.PendingIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.PendingIntent
	for _, p := range m.pending {
		if p.TenantID == scope.TenantID && p.RestaurantID == scope.RestaurantID &&
			p.ActorID == actorID && p.ResourceKey == resourceKey && p.Status == contracts.PendingOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) TransitionPending(_ context.Context, tenantID, intentID string, from, to contracts.PendingStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{tenantID, intentID}
	p, ok := m.pending[k]
	if !ok {
		return fmt.Errorf("pending intent %s: %w", intentID, contracts.ErrNotFound)
	}
	if p.Status != from {
		return fmt.Errorf("intent %s is %s: %w", intentID, p.Status, contracts.ErrNotPending)
	}
	p.Status = to
	p.UpdatedAt = at
	m.pending[k] = p
	return nil
}

func (m *MemoryStore) StalePending(_ context.Context, now time.Time, limit int) ([]contracts.PendingIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.PendingIntent
	for _, p := range m.pending {
		if p.Status == contracts.PendingOpen && !now.Before(p.ExpiresAt) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) QueryOrders(_ context.Context, scope contracts.Scope, f contracts.OrderFilters) ([]contracts.OrderRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.OrderRow, 0)
	for _, o := range m.orders[scope] {
		if filterOrder(o, f) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) PutOrder(_ context.Context, scope contracts.Scope, order contracts.OrderRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.orders[scope]
	for i := range rows {
		if rows[i].OrderID == order.OrderID {
			rows[i] = order
			return nil
		}
	}
	m.orders[scope] = append(rows, order)
	return nil
}

func (m *MemoryStore) ClaimWebhookEvent(_ context.Context, key, tenantID string, _ time.Time) (bool, json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.webhooks[key]; ok {
		return false, ev.result, nil
	}
	m.webhooks[key] = webhookEvent{tenant: tenantID}
	return true, nil, nil
}

func (m *MemoryStore) CompleteWebhookEvent(_ context.Context, key string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.webhooks[key]
	if !ok {
		return fmt.Errorf("webhook event %s: %w", key, contracts.ErrNotFound)
	}
	ev.result = result
	m.webhooks[key] = ev
	return nil
}

func (m *MemoryStore) MenuItems(_ context.Context, scope contracts.Scope) ([]catalog.MenuItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]catalog.MenuItem(nil), m.menus[scope]...), nil
}

func (m *MemoryStore) PutMenuItem(_ context.Context, scope contracts.Scope, item catalog.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.menus[scope]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			return nil
		}
	}
	m.menus[scope] = append(items, item)
	return nil
}

func absentSnapshot(ref contracts.ResourceRef) *contracts.ConfigSnapshot {
	return &contracts.ConfigSnapshot{
		TenantID:     ref.TenantID,
		RestaurantID: ref.RestaurantID,
		ResourceKey:  ref.Key,
		State:        contracts.NullState,
	}
}
