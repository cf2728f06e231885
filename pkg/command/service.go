// Package command orchestrates one operator utterance end to end:
// normalize, parse, classify, then apply, hold for confirmation or ask for
// clarification, audit the outcome and compose the reply.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/erichecan/AIrest/pkg/config"
	"github.com/erichecan/AIrest/pkg/confirm"
	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/engine"
	"github.com/erichecan/AIrest/pkg/intent"
	"github.com/erichecan/AIrest/pkg/ledger"
	"github.com/erichecan/AIrest/pkg/normalize"
	"github.com/erichecan/AIrest/pkg/observability"
	"github.com/erichecan/AIrest/pkg/respond"
	"github.com/erichecan/AIrest/pkg/safety"
	"github.com/erichecan/AIrest/pkg/store"
)

// Profiles resolves tenant profiles.
type Profiles interface {
	Get(tenantID string) config.Profile
}

// Deps are the collaborators of a Service.
type Deps struct {
	Intents    store.IntentStore
	Profiles   Profiles
	Normalizer *normalize.Normalizer
	Parser     *intent.Parser
	Classifier *safety.Classifier
	Engine     *engine.Engine
	Ledger     *ledger.Ledger
	Confirm    *confirm.Manager
	Composer   *respond.Composer
	Obs        *observability.Provider
}

// Service is the entry point for operator commands.
type Service struct {
	d      Deps
	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
}

// New creates a command service.
func New(deps Deps) *Service {
	return &Service{
		d:      deps,
		clock:  time.Now,
		newID:  func() string { return "int_" + uuid.New().String() },
		logger: slog.Default().With("component", "command"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Request is one operator utterance.
type Request struct {
	Scope    contracts.Scope
	ActorID  string
	Source   contracts.Source
	Text     string
	Language string
	DryRun   bool
}

// Handle runs req through the full pipeline. Errors are returned only for
// malformed requests and failed collaborators; every decision about the
// utterance itself is reported in the Response.
func (s *Service) Handle(ctx context.Context, req Request) (resp contracts.Response, err error) {
	ctx, done := s.d.Obs.TrackOperation(ctx, "command.handle", attribute.String("source", string(req.Source)))
	defer func() { done(err) }()

	if err := validateRequest(&req); err != nil {
		return contracts.Response{}, err
	}
	profile := s.d.Profiles.Get(req.Scope.TenantID)

	n, err := s.d.Normalizer.Normalize(ctx, normalize.Input{
		Text:         req.Text,
		LanguageHint: req.Language,
		Scope:        req.Scope,
		Profile:      profile,
	})
	if err != nil {
		return contracts.Response{}, fmt.Errorf("normalize: %w", err)
	}
	env, err := s.d.Parser.Parse(ctx, intent.Request{
		Scope:      req.Scope,
		ActorID:    req.ActorID,
		Source:     req.Source,
		RawText:    req.Text,
		Normalized: n,
		Profile:    profile,
	})
	if err != nil {
		return contracts.Response{}, fmt.Errorf("parse: %w", err)
	}
	return s.dispatch(ctx, env, profile, req.ActorID, req.DryRun)
}

func validateRequest(req *Request) error {
	req.Text = strings.TrimSpace(req.Text)
	switch {
	case req.Scope.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", contracts.ErrValidation)
	case req.Scope.RestaurantID == "":
		return fmt.Errorf("%w: restaurant_id is required", contracts.ErrValidation)
	case req.ActorID == "":
		return fmt.Errorf("%w: actor is required", contracts.ErrValidation)
	case req.Text == "":
		return fmt.Errorf("%w: text is required", contracts.ErrValidation)
	}
	if req.Source == "" {
		req.Source = contracts.SourceAPI
	}
	if !req.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", contracts.ErrValidation, req.Source)
	}
	return nil
}

func policy(p config.Profile) safety.Policy {
	return safety.Policy{
		Thresholds: safety.Thresholds{Clarify: p.Thresholds.Clarify, AutoApply: p.Thresholds.AutoApply},
		GuardRules: p.GuardRules,
	}
}

// dispatch classifies env, persists it and carries out its disposition.
// Dry runs are classified and previewed but nothing is written.
func (s *Service) dispatch(ctx context.Context, env *contracts.IntentEnvelope, profile config.Profile, actorID string, dryRun bool) (contracts.Response, error) {
	decision := s.d.Classifier.Classify(env, policy(profile))
	env = safety.Annotate(env, decision)
	s.logger.InfoContext(ctx, "intent classified",
		"tenant_id", env.TenantID,
		"intent_id", env.IntentID,
		"intent_type", env.IntentType,
		"confidence", env.Confidence,
		"risk", decision.Risk,
		"disposition", decision.Disposition,
		"reason", decision.Reason,
		"dry_run", dryRun,
	)
	if dryRun {
		if decision.Disposition == contracts.DispositionClarificationNeeded {
			return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusClarificationNeeded}), nil
		}
		return s.execute(ctx, env, actorID, decision.Disposition, true), nil
	}

	if err := s.d.Intents.SaveIntent(ctx, env); err != nil {
		return contracts.Response{}, fmt.Errorf("save intent %s: %w", env.IntentID, err)
	}
	// A newer intent on a resource replaces the actor's pending ones there,
	// whether it is applied, held or sent back for clarification.
	if env.IntentType.Mutates() {
		if key, err := engine.ResourceKey(env); err == nil {
			if err := s.d.Confirm.Supersede(ctx, env, key); err != nil {
				return contracts.Response{}, err
			}
		}
	}

	switch decision.Disposition {
	case contracts.DispositionClarificationNeeded:
		return s.clarify(ctx, env, profile, decision)
	case contracts.DispositionNeedsConfirmation:
		return s.hold(ctx, env, profile)
	}
	return s.execute(ctx, env, actorID, decision.Disposition, false), nil
}

func (s *Service) clarify(ctx context.Context, env *contracts.IntentEnvelope, profile config.Profile, d safety.Decision) (contracts.Response, error) {
	if env.Ambiguity != nil {
		key, err := engine.ResourceKey(env)
		if err != nil {
			key = ""
		}
		if _, err := s.d.Confirm.Open(ctx, env, key, contracts.PendingClarification, profile.ConfirmationTTL); err != nil {
			return contracts.Response{}, err
		}
	}
	s.record(ctx, env, env.ActorID, contracts.AuditLogEntry{
		EventType:   contracts.EventIntentClarify,
		Result:      contracts.ResultClarificationNeeded,
		Disposition: d.Disposition,
		Reason:      d.Reason,
	}, nil)
	return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusClarificationNeeded}), nil
}

// hold parks env until the operator confirms it. The reply carries a
// preview of the change when one can be computed.
func (s *Service) hold(ctx context.Context, env *contracts.IntentEnvelope, profile config.Profile) (contracts.Response, error) {
	key := string(env.IntentType)
	var preview *contracts.Preview
	if env.IntentType.Mutates() {
		k, err := engine.ResourceKey(env)
		if err != nil {
			return s.reject(ctx, env, env.ActorID, contracts.DispositionNeedsConfirmation, err), nil
		}
		key = k
		if res, err := s.d.Engine.Apply(ctx, env, true); err == nil {
			preview = res.Preview
		}
	}
	p, err := s.d.Confirm.Open(ctx, env, key, contracts.PendingConfirmation, profile.ConfirmationTTL)
	if err != nil {
		return contracts.Response{}, err
	}
	expires := p.ExpiresAt
	return s.d.Composer.Compose(respond.Outcome{
		Envelope:         env,
		Status:           contracts.StatusNeedsConfirmation,
		Preview:          preview,
		ConfirmExpiresAt: &expires,
	}), nil
}

// execute applies env and audits the terminal outcome. Dry runs are neither
// written nor audited.
func (s *Service) execute(ctx context.Context, env *contracts.IntentEnvelope, actorID string, d contracts.Disposition, dryRun bool) contracts.Response {
	if env.IntentType == contracts.IntentUndo {
		if dryRun {
			return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusDryRun})
		}
		return s.undo(ctx, env, actorID, d)
	}

	res, err := s.d.Engine.Apply(ctx, env, dryRun)
	if err != nil {
		if dryRun {
			return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusRejected, Err: err})
		}
		return s.reject(ctx, env, actorID, d, err)
	}
	switch {
	case res.Query != nil && dryRun:
		return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusDryRun, Query: res.Query})
	case dryRun:
		return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusDryRun, Preview: res.Preview})
	case res.Query != nil:
		s.record(ctx, env, actorID, contracts.AuditLogEntry{
			EventType:   contracts.EventOrderQuery,
			Result:      contracts.ResultApplied,
			Disposition: d,
		}, map[string]any{"aggregation": res.Query.Aggregation, "count": res.Query.Count})
		return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusApplied, Query: res.Query})
	}

	if !res.Replayed {
		s.record(ctx, env, actorID, contracts.AuditLogEntry{
			ChangeID:    res.Change.ChangeID,
			EventType:   contracts.EventConfigApplied,
			Result:      contracts.ResultApplied,
			Disposition: d,
		}, map[string]any{"resource_key": res.Change.ResourceKey, "version": res.Change.Version})
	}
	return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusApplied, Change: res.Change, Preview: res.Preview})
}

func (s *Service) undo(ctx context.Context, env *contracts.IntentEnvelope, actorID string, d contracts.Disposition) contracts.Response {
	var p contracts.UndoPayload
	if err := contracts.DecodePayload(env, &p); err != nil {
		return s.reject(ctx, env, actorID, d, err)
	}
	res, err := s.d.Ledger.Undo(ctx, ledger.UndoRequest{
		Scope:    env.Scope(),
		ActorID:  actorID,
		Source:   env.Source,
		IntentID: env.IntentID,
		Token:    p.UndoToken,
		ChangeID: p.ChangeID,
		RawText:  env.RawText,
	})
	if err != nil {
		return s.reject(ctx, env, actorID, d, err)
	}
	return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusApplied, Change: res.Compensating})
}

func (s *Service) reject(ctx context.Context, env *contracts.IntentEnvelope, actorID string, d contracts.Disposition, cause error) contracts.Response {
	result := contracts.ResultRejected
	if isInternal(cause) {
		result = contracts.ResultError
		s.logger.ErrorContext(ctx, "command failed", "intent_id", env.IntentID, "error", cause)
	}
	s.record(ctx, env, actorID, contracts.AuditLogEntry{
		EventType:   contracts.EventIntentRejected,
		Result:      result,
		Disposition: d,
		Reason:      cause.Error(),
	}, nil)
	return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusRejected, Err: cause})
}

// isInternal reports whether err is a failure of the system rather than a
// rejection of the command.
func isInternal(err error) bool {
	for _, expected := range []error{
		contracts.ErrValidation,
		contracts.ErrStaleVersion,
		contracts.ErrAlreadyUndone,
		contracts.ErrNotFound,
		contracts.ErrNotPending,
		contracts.ErrConfirmationExpired,
	} {
		if errors.Is(err, expected) {
			return false
		}
	}
	return true
}

// record completes entry from env and hands it to the ledger.
func (s *Service) record(ctx context.Context, env *contracts.IntentEnvelope, actorID string, entry contracts.AuditLogEntry, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	if fp, err := intent.Fingerprint(env); err == nil {
		detail["envelope_hash"] = fp
	}
	detail["intent_type"] = env.IntentType
	if actorID != env.ActorID {
		detail["requested_by"] = env.ActorID
	}

	entry.TenantID = env.TenantID
	entry.RestaurantID = env.RestaurantID
	entry.ActorID = actorID
	entry.Source = env.Source
	entry.IntentID = env.IntentID
	entry.RawText = env.RawText
	entry.RiskLevel = env.RiskLevel
	entry.Confidence = env.Confidence
	entry.Detail = contracts.MustPayload(detail)
	s.d.Ledger.Record(ctx, entry)
}

// Confirm applies a pending intent after the operator approved it.
func (s *Service) Confirm(ctx context.Context, scope contracts.Scope, actorID, intentID string) (resp contracts.Response, err error) {
	ctx, done := s.d.Obs.TrackOperation(ctx, "command.confirm")
	defer func() { done(err) }()

	env, err := s.pendingEnvelope(ctx, scope, intentID)
	if err != nil {
		return s.workflowError(scope, intentID, err)
	}
	if _, err := s.d.Confirm.Confirm(ctx, scope.TenantID, intentID); err != nil {
		return s.workflowError(scope, intentID, err, env)
	}
	return s.execute(ctx, env, actorID, contracts.DispositionNeedsConfirmation, false), nil
}

// Clarify answers a clarification question with one of the offered options
// and runs the resulting envelope through classification again.
func (s *Service) Clarify(ctx context.Context, scope contracts.Scope, actorID, intentID, choice string) (resp contracts.Response, err error) {
	ctx, done := s.d.Obs.TrackOperation(ctx, "command.clarify")
	defer func() { done(err) }()

	env, err := s.pendingEnvelope(ctx, scope, intentID)
	if err != nil {
		return s.workflowError(scope, intentID, err)
	}
	resolved, err := s.d.Parser.Resolve(env, choice)
	if err != nil {
		return s.workflowError(scope, intentID, err, env)
	}
	if _, err := s.d.Confirm.Resolve(ctx, scope.TenantID, intentID); err != nil {
		return s.workflowError(scope, intentID, err, env)
	}
	resolved.ActorID = actorID
	return s.dispatch(ctx, resolved, s.d.Profiles.Get(scope.TenantID), actorID, false)
}

// Cancel withdraws a pending intent.
func (s *Service) Cancel(ctx context.Context, scope contracts.Scope, actorID, intentID string) (contracts.Response, error) {
	env, err := s.pendingEnvelope(ctx, scope, intentID)
	if err != nil {
		return s.workflowError(scope, intentID, err)
	}
	if _, err := s.d.Confirm.Cancel(ctx, scope.TenantID, intentID); err != nil {
		return s.workflowError(scope, intentID, err, env)
	}
	s.logger.InfoContext(ctx, "intent cancelled", "intent_id", intentID, "actor_id", actorID)
	return s.d.Composer.Compose(respond.Outcome{Envelope: env, Status: contracts.StatusRejected, Cancelled: true}), nil
}

// UndoRequest selects a change to revert explicitly. Both selectors empty
// reverts the latest applied change of the restaurant.
type UndoRequest struct {
	Scope     contracts.Scope
	ActorID   string
	Source    contracts.Source
	UndoToken string
	ChangeID  string
	Language  string
}

// Undo reverts a change outside of free text. It is recorded as an ops.undo
// intent like the spoken form.
func (s *Service) Undo(ctx context.Context, req UndoRequest) (resp contracts.Response, err error) {
	ctx, done := s.d.Obs.TrackOperation(ctx, "command.undo")
	defer func() { done(err) }()

	if req.Scope.TenantID == "" || req.Scope.RestaurantID == "" {
		return contracts.Response{}, fmt.Errorf("%w: tenant_id and restaurant_id are required", contracts.ErrValidation)
	}
	if req.Source == "" {
		req.Source = contracts.SourceAPI
	}
	profile := s.d.Profiles.Get(req.Scope.TenantID)
	env := &contracts.IntentEnvelope{
		IntentID:         s.newID(),
		TenantID:         req.Scope.TenantID,
		RestaurantID:     req.Scope.RestaurantID,
		ActorID:          req.ActorID,
		Source:           req.Source,
		Language:         languageOr(req.Language, profile),
		RawText:          "undo",
		IntentType:       contracts.IntentUndo,
		DSLVersion:       contracts.CurrentDSLVersion,
		Confidence:       1,
		Payload:          contracts.MustPayload(contracts.UndoPayload{UndoToken: req.UndoToken, ChangeID: req.ChangeID}),
		ValidationErrors: []string{},
		CreatedAt:        s.clock().UTC(),
	}
	return s.dispatch(ctx, env, profile, req.ActorID, false)
}

// QueryRequest is a structured order query, as issued by voice-agent tools.
type QueryRequest struct {
	Scope    contracts.Scope
	ActorID  string
	Source   contracts.Source
	Query    contracts.OrderQueryPayload
	Language string
}

// Query runs an order.query without going through NLU. It is recorded and
// audited like a spoken query.
func (s *Service) Query(ctx context.Context, req QueryRequest) (resp contracts.Response, err error) {
	ctx, done := s.d.Obs.TrackOperation(ctx, "command.query")
	defer func() { done(err) }()

	if req.Scope.TenantID == "" || req.Scope.RestaurantID == "" {
		return contracts.Response{}, fmt.Errorf("%w: tenant_id and restaurant_id are required", contracts.ErrValidation)
	}
	if req.Source == "" {
		req.Source = contracts.SourceAPI
	}
	q := req.Query
	switch q.Aggregation {
	case "":
		q.Aggregation = contracts.AggregateList
	case contracts.AggregateList, contracts.AggregateCount, contracts.AggregateSum:
	default:
		return contracts.Response{}, fmt.Errorf("%w: unknown aggregation %q", contracts.ErrValidation, q.Aggregation)
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}
	profile := s.d.Profiles.Get(req.Scope.TenantID)
	env := &contracts.IntentEnvelope{
		IntentID:         s.newID(),
		TenantID:         req.Scope.TenantID,
		RestaurantID:     req.Scope.RestaurantID,
		ActorID:          req.ActorID,
		Source:           req.Source,
		Language:         languageOr(req.Language, profile),
		RawText:          "query_orders",
		IntentType:       contracts.IntentOrderQuery,
		DSLVersion:       contracts.CurrentDSLVersion,
		Confidence:       1,
		Payload:          contracts.MustPayload(q),
		ValidationErrors: []string{},
		CreatedAt:        s.clock().UTC(),
	}
	return s.dispatch(ctx, env, profile, req.ActorID, false)
}

// ConfigView is the current configuration of one restaurant.
type ConfigView struct {
	TenantID     string                     `json:"tenant_id"`
	RestaurantID string                     `json:"restaurant_id"`
	Resources    []contracts.ConfigSnapshot `json:"resources"`
}

// Config returns the snapshot projection of a restaurant.
func (s *Service) Config(ctx context.Context, scope contracts.Scope) (*ConfigView, error) {
	snaps, err := s.d.Engine.Config(ctx, scope)
	if err != nil {
		return nil, err
	}
	return &ConfigView{TenantID: scope.TenantID, RestaurantID: scope.RestaurantID, Resources: snaps}, nil
}

// Audit lists audit entries, newest first.
func (s *Service) Audit(ctx context.Context, filter contracts.AuditFilter) ([]contracts.AuditLogEntry, error) {
	return s.d.Ledger.Entries(ctx, filter)
}

// pendingEnvelope loads the stored envelope of a pending intent, scoped to
// the caller's tenant and restaurant.
func (s *Service) pendingEnvelope(ctx context.Context, scope contracts.Scope, intentID string) (*contracts.IntentEnvelope, error) {
	env, err := s.d.Intents.GetIntent(ctx, scope.TenantID, intentID)
	if err != nil {
		return nil, err
	}
	if scope.RestaurantID != "" && env.RestaurantID != scope.RestaurantID {
		return nil, fmt.Errorf("intent %s: %w", intentID, contracts.ErrNotFound)
	}
	return env, nil
}

// workflowError renders a failed confirm, clarify or cancel as a rejection.
// Only collaborator failures are returned as errors.
func (s *Service) workflowError(scope contracts.Scope, intentID string, err error, env ...*contracts.IntentEnvelope) (contracts.Response, error) {
	if isInternal(err) {
		return contracts.Response{}, err
	}
	e := &contracts.IntentEnvelope{
		IntentID:     intentID,
		TenantID:     scope.TenantID,
		RestaurantID: scope.RestaurantID,
		Language:     languageOr("", s.d.Profiles.Get(scope.TenantID)),
	}
	if len(env) > 0 && env[0] != nil {
		e = env[0]
	}
	return s.d.Composer.Compose(respond.Outcome{Envelope: e, Status: contracts.StatusRejected, Err: err}), nil
}

func languageOr(lang string, p config.Profile) string {
	if lang != "" {
		return normalize.DetectLanguage("", lang)
	}
	return normalize.DetectLanguage("", p.Locale)
}
