package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichecan/AIrest/pkg/contracts"
)

var scope = contracts.Scope{TenantID: "t1", RestaurantID: "r1"}

func change(id string, version int64, after string) *contracts.ConfigChange {
	return &contracts.ConfigChange{
		ChangeID:       id,
		IntentID:       "int_" + id,
		TenantID:       scope.TenantID,
		RestaurantID:   scope.RestaurantID,
		ResourceKey:    "menu_item:congee_001",
		Version:        version,
		IntentType:     contracts.IntentItemAvailabilitySet,
		ActorID:        "op-1",
		Kind:           contracts.KindApply,
		BeforeSnapshot: contracts.NullState,
		AfterSnapshot:  json.RawMessage(after),
		UndoToken:      "undo_" + id,
		Status:         contracts.ChangeApplied,
		AppliedAt:      time.Date(2026, 3, 10, 12, 0, int(version), 0, time.UTC),
	}
}

func TestMemoryStore_CommitAdvancesSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := contracts.ResourceRef{Scope: scope, Key: "menu_item:congee_001"}

	snap, err := s.Snapshot(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)
	assert.True(t, contracts.IsNullState(snap.State))

	require.NoError(t, s.CommitChange(ctx, contracts.Commit{Change: change("c1", 1, `{"available":false}`)}))
	snap, err = s.Snapshot(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.JSONEq(t, `{"available":false}`, string(snap.State))

	err = s.CommitChange(ctx, contracts.Commit{Change: change("c2", 1, `{"available":true}`)})
	assert.ErrorIs(t, err, contracts.ErrStaleVersion)
}

func TestMemoryStore_RevertFlipsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CommitChange(ctx, contracts.Commit{Change: change("c1", 1, `{"available":false}`)}))

	undo := change("c2", 2, `null`)
	undo.Kind = contracts.KindUndo
	undo.UndoToken = ""
	undo.RevertsChangeID = "c1"
	require.NoError(t, s.CommitChange(ctx, contracts.Commit{Change: undo, ExpectedVersion: 1, Reverts: "c1", RevertStatus: contracts.ChangeUndone}))

	orig, err := s.ChangeByID(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangeUndone, orig.Status)

	again := change("c3", 3, `{"available":false}`)
	again.Kind = contracts.KindUndo
	err = s.CommitChange(ctx, contracts.Commit{Change: again, ExpectedVersion: 2, Reverts: "c1", RevertStatus: contracts.ChangeUndone})
	assert.ErrorIs(t, err, contracts.ErrAlreadyUndone)

	_, err = s.LatestApplied(ctx, scope)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CommitChange(ctx, contracts.Commit{Change: change("c1", 1, `{}`)}))

	_, err := s.ChangeByID(ctx, "t2", "c1")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	_, err = s.ChangeByUndoToken(ctx, "t2", "undo_c1")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	snaps, err := s.Snapshots(ctx, contracts.Scope{TenantID: "t2", RestaurantID: "r1"})
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestMemoryStore_ListExpiringSkipsSuperseded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	end := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	windowed := change("c1", 1, `{"available":false}`)
	windowed.EffectiveWindow = &contracts.EffectiveWindow{EndAt: &end, Timezone: "UTC"}
	require.NoError(t, s.CommitChange(ctx, contracts.Commit{Change: windowed}))

	due, err := s.ListExpiring(ctx, end.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListExpiring(ctx, end, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "c1", due[0].ChangeID)

	require.NoError(t, s.CommitChange(ctx, contracts.Commit{Change: change("c2", 2, `{"available":true}`), ExpectedVersion: 1}))
	due, err = s.ListExpiring(ctx, end, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMemoryStore_PendingTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p := &contracts.PendingIntent{
		IntentID: "int_1", TenantID: "t1", RestaurantID: "r1", ActorID: "op-1",
		ResourceKey: "business_hours", Kind: contracts.PendingConfirmation, Status: contracts.PendingOpen,
		CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute), UpdatedAt: now,
	}
	require.NoError(t, s.SavePending(ctx, p))

	open, err := s.OpenPending(ctx, scope, "op-1", "business_hours")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	stale, err := s.StalePending(ctx, now.Add(15*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	require.NoError(t, s.TransitionPending(ctx, "t1", "int_1", contracts.PendingOpen, contracts.PendingConfirmed, now))
	err = s.TransitionPending(ctx, "t1", "int_1", contracts.PendingOpen, contracts.PendingConfirmed, now)
	assert.ErrorIs(t, err, contracts.ErrNotPending)
	err = s.TransitionPending(ctx, "t1", "missing", contracts.PendingOpen, contracts.PendingConfirmed, now)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestMemoryStore_WebhookClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	claimed, _, err := s.ClaimWebhookEvent(ctx, "t1:r1:m1:tc1", "t1", now)
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NoError(t, s.CompleteWebhookEvent(ctx, "t1:r1:m1:tc1", json.RawMessage(`{"ok":true}`)))

	claimed, result, err := s.ClaimWebhookEvent(ctx, "t1:r1:m1:tc1", "t1", now)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestMemoryStore_QueryOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	yes := true

	require.NoError(t, s.PutOrder(ctx, scope, contracts.OrderRow{OrderID: "o1", Status: "confirmed", Total: 20, Transferred: true, CreatedAt: day.Add(2 * time.Hour)}))
	require.NoError(t, s.PutOrder(ctx, scope, contracts.OrderRow{OrderID: "o2", Status: "pending", Total: 15, CreatedAt: day.Add(3 * time.Hour)}))
	require.NoError(t, s.PutOrder(ctx, scope, contracts.OrderRow{OrderID: "o3", Status: "confirmed", Total: 9, Transferred: true, CreatedAt: day.Add(-time.Hour)}))

	to := day.Add(24 * time.Hour)
	rows, err := s.QueryOrders(ctx, scope, contracts.OrderFilters{From: &day, To: &to, HasTransfer: &yes})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "o1", rows[0].OrderID)

	rows, err = s.QueryOrders(ctx, scope, contracts.OrderFilters{Status: "confirmed"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, "o1", rows[0].OrderID, "newest first")
}
