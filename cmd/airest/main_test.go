package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichecan/AIrest/pkg/command"
	"github.com/erichecan/AIrest/pkg/contracts"
)

func liteEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "airest.db")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("TENANT_PROFILES", "")
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"airest", "--help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "migrate")
	assert.Contains(t, stdout.String(), "reconcile")
}

func TestRun_UnknownFlagIsUsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"airest", "health", "--no-such-flag"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "no-such-flag")
}

func TestRun_BadConfig(t *testing.T) {
	liteEnv(t)
	t.Setenv("CLARIFY_THRESHOLD", "1.5")
	var stdout, stderr bytes.Buffer
	code := Run([]string{"airest", "migrate"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "CLARIFY_THRESHOLD")
}

func TestRun_MigrateCreatesSQLiteDatabase(t *testing.T) {
	path := liteEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"airest", "migrate"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "schema up to date")
	_, err := os.Stat(path)
	require.NoError(t, err)

	// Schema creation is idempotent.
	stdout.Reset()
	code = Run([]string{"airest", "migrate"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
}

func TestRun_ReconcileOnEmptyDatabase(t *testing.T) {
	liteEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"airest", "reconcile"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "reverted 0 expired changes, expired 0 pending intents")
}

func TestRun_Health(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	var stdout, stderr bytes.Buffer
	code := Run([]string{"airest", "health", "--url", healthy.URL + "/health"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Equal(t, "OK\n", stdout.String())

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	stdout.Reset()
	code = Run([]string{"airest", "health", "--url", down.URL + "/health"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "status 503")
}

func TestLiteMode_PendingConfirmationsSurviveRestart(t *testing.T) {
	liteEnv(t)
	ctx := context.Background()
	scope := contracts.Scope{TenantID: "tenant_default", RestaurantID: "1"}

	start := func() *app {
		t.Helper()
		cfg, err := loadConfig(io.Discard)
		require.NoError(t, err)
		a, err := newApp(ctx, cfg)
		require.NoError(t, err)
		return a
	}
	hold := func(a *app, text string) contracts.Response {
		t.Helper()
		resp, err := a.service.Handle(ctx, command.Request{Scope: scope, ActorID: "op-1", Source: contracts.SourceChat, Text: text})
		require.NoError(t, err)
		require.Equal(t, contracts.StatusNeedsConfirmation, resp.Status, resp.HumanSummary)
		return resp
	}

	a := start()
	held := hold(a, "Transfer all calls to 4165550199 after 10pm")
	a.close(ctx)

	a = start()
	p, err := a.store.GetPending(ctx, scope.TenantID, held.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PendingOpen, p.Status)
	open, err := a.store.OpenPending(ctx, scope, "op-1", p.ResourceKey)
	require.NoError(t, err)
	require.Len(t, open, 1)

	resp, err := a.service.Confirm(ctx, scope, "op-1", held.IntentID)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusApplied, resp.Status, resp.Errors)
	change, err := a.store.ChangeByIntent(ctx, scope.TenantID, held.IntentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), change.Version)
	a.close(ctx)

	t.Setenv("CONFIRMATION_TTL", "1ms")
	a = start()
	stale := hold(a, "Transfer all calls to 4165550123 after 11pm")
	a.close(ctx)
	time.Sleep(10 * time.Millisecond)

	a = start()
	defer a.close(ctx)
	expired, err := a.confirm.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	p, err = a.store.GetPending(ctx, scope.TenantID, stale.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PendingExpired, p.Status)

	resp, err = a.service.Confirm(ctx, scope, "op-1", stale.IntentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, resp.Status)
	_, err = a.store.ChangeByIntent(ctx, scope.TenantID, stale.IntentID)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
