package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/store"
)

type recorded struct {
	mu      sync.Mutex
	entries []contracts.AuditLogEntry
}

func (r *recorded) Record(_ context.Context, e contracts.AuditLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func windowedPause(id string, end time.Time) *contracts.IntentEnvelope {
	env := pause(id)
	env.EffectiveWindow = &contracts.EffectiveWindow{EndAt: &end, Timezone: "America/Toronto"}
	return env
}

func TestReconciler_ExpiresClosedWindows(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := newEngine(s)
	end := now.Add(2 * time.Hour)

	res, err := e.Apply(ctx, windowedPause("int_1", end), false)
	require.NoError(t, err)

	rec := &recorded{}
	clock := now.Add(time.Hour)
	r := NewReconciler(e, s, rec).WithClock(func() time.Time { return clock })

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "window still open")

	clock = end
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	orig, err := s.ChangeByID(ctx, "t1", res.Change.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangeExpired, orig.Status)

	snap, err := s.Snapshot(ctx, res.Change.Ref())
	require.NoError(t, err)
	assert.True(t, contracts.IsNullState(snap.State))

	require.Len(t, rec.entries, 1)
	assert.Equal(t, contracts.EventConfigExpired, rec.entries[0].EventType)
	assert.Equal(t, contracts.ResultExpired, rec.entries[0].Result)
	assert.Equal(t, "int_1", rec.entries[0].IntentID)

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "expiry is applied once")
}

func TestReconciler_LeavesOvertakenChange(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := newEngine(s)
	end := now.Add(time.Hour)

	_, err := e.Apply(ctx, windowedPause("int_1", end), false)
	require.NoError(t, err)
	price := envelope("int_2", contracts.IntentItemPriceSet, contracts.PricePayload{
		ItemRef: contracts.ItemRef{ID: "congee_001"}, NewPrice: 38,
	})
	_, err = e.Apply(ctx, price, false)
	require.NoError(t, err)

	r := NewReconciler(e, s, &recorded{}).WithClock(func() time.Time { return end.Add(time.Minute) })
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := store.NewMemoryStore()
	r := NewReconciler(newEngine(s), s, &recorded{})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
