package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichecan/AIrest/pkg/auth"
	"github.com/erichecan/AIrest/pkg/boundary"
	"github.com/erichecan/AIrest/pkg/catalog"
	"github.com/erichecan/AIrest/pkg/command"
	"github.com/erichecan/AIrest/pkg/config"
	"github.com/erichecan/AIrest/pkg/confirm"
	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/engine"
	"github.com/erichecan/AIrest/pkg/intent"
	"github.com/erichecan/AIrest/pkg/ledger"
	"github.com/erichecan/AIrest/pkg/nlu"
	"github.com/erichecan/AIrest/pkg/normalize"
	"github.com/erichecan/AIrest/pkg/respond"
	"github.com/erichecan/AIrest/pkg/safety"
	"github.com/erichecan/AIrest/pkg/store"
)

const secret = "webhook-secret"

type fixture struct {
	store    *store.MemoryStore
	ledger   *ledger.Ledger
	handler  http.Handler
	jwt      *auth.Validator
	verifier *boundary.Verifier
	now      time.Time
	health   error
}

type fixtureOption func(*Options)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)
	f := &fixture{store: store.NewMemoryStore(), now: time.Date(2026, 3, 10, 14, 0, 0, 0, loc)}
	clock := func() time.Time { return f.now }
	scope := contracts.Scope{TenantID: "t1", RestaurantID: "1"}
	require.NoError(t, f.store.PutMenuItem(context.Background(), scope, catalog.MenuItem{ID: "congee_001", Name: "Lobster Super Bowl Congee"}))

	profiles := config.NewProfiles(config.Profile{
		Timezone: "America/Toronto", Locale: "en-CA", PhoneRegion: "CA", Currency: "CAD",
		Thresholds:      config.Thresholds{Clarify: 0.75, AutoApply: 0.9},
		ConfirmationTTL: 15 * time.Minute,
		Defaults:        config.DefaultRuntime("America/Toronto", "+15550000000"),
	})
	schemas, err := intent.NewSchemas()
	require.NoError(t, err)
	eng := engine.New(f.store, f.store, profiles).WithClock(clock)
	f.ledger = ledger.New(f.store, f.store, eng, ledger.WithClock(clock), ledger.WithRetryPolicy(ledger.RetryPolicy{BaseMs: 1, MaxMs: 5}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.ledger.Close(ctx)
	})
	composer, err := respond.New(profiles)
	require.NoError(t, err)
	svc := command.New(command.Deps{
		Intents:    f.store,
		Profiles:   profiles,
		Normalizer: normalize.New(f.store).WithClock(clock),
		Parser:     intent.NewParser(nlu.NewRules(), schemas).WithClock(clock),
		Classifier: safety.NewClassifier(nil),
		Engine:     eng,
		Ledger:     f.ledger,
		Confirm:    confirm.NewManager(f.store, f.store, f.ledger).WithClock(clock),
		Composer:   composer,
	}).WithClock(clock)

	f.jwt = auth.NewValidator("jwt-secret").WithClock(clock)
	f.verifier = boundary.NewVerifier(secret, 5*time.Minute).WithClock(clock)
	o := Options{
		Service:             svc,
		Webhooks:            f.store,
		Guard:               boundary.NewGuard(f.verifier, boundary.NewMemoryNonces().WithClock(clock)),
		WebhookLimiter:      boundary.NewLocalLimiter(boundary.Policy{RPM: 120, Burst: 20}).WithClock(clock),
		WebhookPolicy:       boundary.Policy{RPM: 120, Burst: 20},
		Auth:                auth.NewMiddleware(f.jwt),
		Health:              func(context.Context) error { return f.health },
		DefaultTenantID:     "t1",
		DefaultRestaurantID: "1",
	}
	for _, opt := range opts {
		opt(&o)
	}
	f.handler = NewServer(o).WithClock(clock).Handler()
	return f
}

func (f *fixture) token(t *testing.T, sub, tenant string) string {
	t.Helper()
	tok, err := f.jwt.Sign(auth.Principal{ID: sub, TenantID: tenant}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) contracts.Response {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp contracts.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	f.health = errors.New("db down")
	w = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCommand_RequiresToken(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/nl/command", "", CommandRequest{Text: "Pause lobster congee for today"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestCommand_AppliesAndUndoes(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "op-1", "t1")

	resp := decodeResponse(t, f.do(t, http.MethodPost, "/nl/command", tok, CommandRequest{Text: "Pause lobster congee for today"}))
	assert.Equal(t, contracts.StatusApplied, resp.Status)
	require.NotEmpty(t, resp.UndoToken)

	undone := decodeResponse(t, f.do(t, http.MethodPost, "/nl/undo", tok, UndoRequest{UndoToken: resp.UndoToken}))
	assert.Equal(t, contracts.StatusApplied, undone.Status)
	assert.Equal(t, contracts.IntentUndo, undone.IntentType)

	again := decodeResponse(t, f.do(t, http.MethodPost, "/nl/undo", tok, UndoRequest{UndoToken: resp.UndoToken}))
	assert.Equal(t, contracts.StatusRejected, again.Status)
}

func TestCommand_TenantComesFromToken(t *testing.T) {
	f := newFixture(t)
	applied := decodeResponse(t, f.do(t, http.MethodPost, "/nl/command", f.token(t, "op-1", "t1"), CommandRequest{Text: "Pause lobster congee for today"}))
	require.Equal(t, contracts.StatusApplied, applied.Status)

	w := f.do(t, http.MethodPost, "/nl/command", f.token(t, "op-1", "t1"),
		map[string]string{"text": "undo", "tenant_id": "t2"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "tenant cannot be chosen in the body")

	other := decodeResponse(t, f.do(t, http.MethodPost, "/nl/undo", f.token(t, "op-9", "t2"), UndoRequest{UndoToken: applied.UndoToken}))
	assert.Equal(t, contracts.StatusRejected, other.Status)
}

func TestCommand_BadRequests(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "op-1", "t1")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/nl/command", tok, CommandRequest{Text: "  "}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/nl/command", tok, CommandRequest{Text: "undo", Source: "fax"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/nl/confirm", tok, IntentRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/nl/clarify", tok, IntentRequest{IntentID: "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/nl/audit?limit=0", tok, nil).Code)

	req := httptest.NewRequest(http.MethodPost, "/nl/command", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfirmFlow(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "op-1", "t1")

	held := decodeResponse(t, f.do(t, http.MethodPost, "/nl/command", tok, CommandRequest{Text: "If customer asks for a human, transfer immediately"}))
	require.Equal(t, contracts.StatusNeedsConfirmation, held.Status)
	assert.Empty(t, held.UndoToken)

	applied := decodeResponse(t, f.do(t, http.MethodPost, "/nl/confirm", tok, IntentRequest{IntentID: held.IntentID}))
	assert.Equal(t, contracts.StatusApplied, applied.Status)
	assert.NotEmpty(t, applied.UndoToken)

	w := f.do(t, http.MethodGet, "/nl/config", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view command.ConfigView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, "t1", view.TenantID)
	assert.Equal(t, "1", view.RestaurantID)
	var handoff *contracts.ConfigSnapshot
	for i := range view.Resources {
		if view.Resources[i].ResourceKey == engine.KeyHandoffPolicy {
			handoff = &view.Resources[i]
		}
	}
	require.NotNil(t, handoff)
	assert.Equal(t, int64(1), handoff.Version)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.ledger.Flush(ctx))
	w = f.do(t, http.MethodGet, "/nl/audit?limit=10", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		Entries []contracts.AuditLogEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&audit))
	require.Len(t, audit.Entries, 1)
	assert.Equal(t, contracts.EventConfigApplied, audit.Entries[0].EventType)
}

func TestCancelAndClarify(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "op-1", "t1")

	held := decodeResponse(t, f.do(t, http.MethodPost, "/nl/command", tok, CommandRequest{Text: "Transfer all calls to 4165550199 after 10pm"}))
	require.Equal(t, contracts.StatusNeedsConfirmation, held.Status)
	cancelled := decodeResponse(t, f.do(t, http.MethodPost, "/nl/cancel", tok, IntentRequest{IntentID: held.IntentID}))
	assert.Equal(t, contracts.StatusRejected, cancelled.Status)

	clarified := decodeResponse(t, f.do(t, http.MethodPost, "/nl/clarify", tok, IntentRequest{IntentID: held.IntentID, Choice: "1"}))
	assert.Equal(t, contracts.StatusRejected, clarified.Status, "nothing to clarify")
}

func TestCommand_RateLimited(t *testing.T) {
	policy := boundary.Policy{RPM: 1, Burst: 1}
	var f *fixture
	f = newFixture(t, func(o *Options) {
		o.APILimiter = boundary.NewLocalLimiter(policy).WithClock(func() time.Time { return f.now })
		o.APIPolicy = policy
	})
	tok := f.token(t, "op-1", "t1")

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/nl/config", tok, nil).Code)
	w := f.do(t, http.MethodGet, "/nl/config", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/nl/config", f.token(t, "op-2", "t1"), nil).Code)
}

// signedHeaders returns delivery headers signed over body, nonce and headers.
func (f *fixture) signedHeaders(body []byte, nonce string, headers map[string]string) http.Header {
	h := http.Header{}
	h.Set(boundary.HeaderTimestamp, strconv.FormatInt(f.now.Unix(), 10))
	h.Set(boundary.HeaderNonce, nonce)
	for k, v := range headers {
		h.Set(k, v)
	}
	h.Set(boundary.HeaderSignature, f.verifier.Sign(h, body))
	return h
}

func (f *fixture) deliver(body []byte, h http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header = h.Clone()
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) webhook(t *testing.T, body []byte, nonce string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return f.deliver(body, f.signedHeaders(body, nonce, headers))
}

func toolCallBody(t *testing.T, messageID string, calls ...map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"id":        messageID,
			"type":      "tool-calls",
			"call":      map[string]any{"id": "call-1", "metadata": map[string]any{"restaurant_id": 1}},
			"toolCalls": calls,
		},
	})
	require.NoError(t, err)
	return body
}

func tool(id, name string, args any) map[string]any {
	return map[string]any{"id": id, "function": map[string]any{"name": name, "arguments": args}}
}

func decodeResults(t *testing.T, w *httptest.ResponseRecorder) []ToolResult {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Results []ToolResult `json:"results"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out.Results
}

func TestWebhook_ExecutesOnceAndReplaysResult(t *testing.T) {
	f := newFixture(t)
	body := toolCallBody(t, "msg-1", tool("tc-1", ToolExecuteCommand, map[string]any{"text": "Pause lobster congee for today"}))

	first := decodeResults(t, f.webhook(t, body, uuid.NewString(), map[string]string{HeaderTenantID: "t1"}))
	require.Len(t, first, 1)
	assert.Equal(t, "tc-1", first[0].ToolCallID)
	var resp contracts.Response
	require.NoError(t, json.Unmarshal([]byte(first[0].Result), &resp))
	assert.Equal(t, contracts.StatusApplied, resp.Status)

	second := decodeResults(t, f.webhook(t, body, uuid.NewString(), map[string]string{HeaderTenantID: "t1"}))
	assert.Equal(t, first, second, "redelivery returns the stored result")

	snap, err := f.store.Snapshot(context.Background(), contracts.ResourceRef{
		Scope: contracts.Scope{TenantID: "t1", RestaurantID: "1"}, Key: "menu_item:congee_001",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version, "applied exactly once")
}

func TestWebhook_QueryOrdersWithStringArguments(t *testing.T) {
	f := newFixture(t)
	scope := contracts.Scope{TenantID: "t1", RestaurantID: "7"}
	require.NoError(t, f.store.PutOrder(context.Background(), scope, contracts.OrderRow{OrderID: "o1", Status: "pending", Total: 10, CreatedAt: f.now}))

	body := toolCallBody(t, "msg-2",
		tool("tc-1", ToolQueryOrders, `{"aggregation":"count","filters":{"status":"pending"}}`),
		tool("tc-2", "search_menu", map[string]any{}),
	)
	results := decodeResults(t, f.webhook(t, body, uuid.NewString(), map[string]string{HeaderTenantID: "t1", HeaderRestaurantID: "7"}))
	require.Len(t, results, 2)

	var resp contracts.Response
	require.NoError(t, json.Unmarshal([]byte(results[0].Result), &resp))
	require.NotNil(t, resp.QueryResult)
	assert.Equal(t, 1, resp.QueryResult.Count)
	assert.Equal(t, "Tool search_menu not implemented.", results[1].Result)
}

func TestWebhook_RejectsForgedAndReplayed(t *testing.T) {
	f := newFixture(t)
	body := toolCallBody(t, "msg-3", tool("tc-1", ToolUndoLastChange, nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(boundary.HeaderTimestamp, strconv.FormatInt(f.now.Unix(), 10))
	req.Header.Set(boundary.HeaderSignature, "sha256=00")
	req.Header.Set(boundary.HeaderNonce, "n-1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, http.StatusOK, f.webhook(t, body, "n-1", nil).Code)
	assert.Equal(t, http.StatusConflict, f.webhook(t, body, "n-1", nil).Code)
}

func TestWebhook_CapturedDeliveryCannotBeRedirected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := toolCallBody(t, "msg-4", tool("tc-1", ToolExecuteCommand, map[string]any{"text": "Pause lobster congee for today"}))
	captured := f.signedHeaders(body, "n-1", map[string]string{HeaderTenantID: "t1"})

	first := decodeResults(t, f.deliver(body, captured))
	require.Len(t, first, 1)

	assert.Equal(t, http.StatusConflict, f.deliver(body, captured).Code, "verbatim replay")
	for name, value := range map[string]string{
		boundary.HeaderNonce: "n-2",
		HeaderTenantID:       "victim",
		HeaderRestaurantID:   "9",
	} {
		h := captured.Clone()
		h.Set(name, value)
		assert.Equal(t, http.StatusUnauthorized, f.deliver(body, h).Code, name)
	}

	// A fresh, correctly signed redelivery keys idempotency on the body's
	// message id, whatever unsigned headers say.
	h := f.signedHeaders(body, "n-3", map[string]string{HeaderTenantID: "t1"})
	h.Set("X-Message-ID", "forged")
	assert.Equal(t, first, decodeResults(t, f.deliver(body, h)))

	snap, err := f.store.Snapshot(ctx, contracts.ResourceRef{
		Scope: contracts.Scope{TenantID: "t1", RestaurantID: "1"}, Key: "menu_item:congee_001",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	require.NoError(t, f.ledger.Flush(ctx))
	victim, err := f.store.ListAudit(ctx, contracts.AuditFilter{TenantID: "victim"})
	require.NoError(t, err)
	assert.Empty(t, victim)
}

func TestWebhook_NonToolMessages(t *testing.T) {
	f := newFixture(t)
	w := f.webhook(t, []byte(`{"message":{"type":"status-update"}}`), "n-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestWebhook_RateLimitedPerCall(t *testing.T) {
	policy := boundary.Policy{RPM: 1, Burst: 1}
	var f *fixture
	f = newFixture(t, func(o *Options) {
		o.WebhookLimiter = boundary.NewLocalLimiter(policy).WithClock(func() time.Time { return f.now })
		o.WebhookPolicy = policy
	})
	body := []byte(`{"message":{"type":"status-update","call":{"id":"call-9"}}}`)
	assert.Equal(t, http.StatusOK, f.webhook(t, body, "n-1", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.webhook(t, body, "n-2", nil).Code)
}

func TestDecodeArgs(t *testing.T) {
	args, err := decodeArgs(json.RawMessage(`"{\"text\":\"undo\"}"`))
	require.NoError(t, err)
	assert.Equal(t, "undo", args.Text)

	args, err = decodeArgs(json.RawMessage(`{"limit":5}`))
	require.NoError(t, err)
	assert.Equal(t, 5, args.Limit)

	_, err = decodeArgs(json.RawMessage(`"{broken"`))
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = decodeArgs(nil)
	assert.NoError(t, err)
}

func TestRawID(t *testing.T) {
	assert.Equal(t, "7", rawID(json.RawMessage(`7`)))
	assert.Equal(t, "r-7", rawID(json.RawMessage(`"r-7"`)))
	assert.Equal(t, "", rawID(json.RawMessage(`1.5`)))
	assert.Equal(t, "", rawID(nil))
}
