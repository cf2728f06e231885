// Package intent turns normalized operator text into validated intent
// envelopes. Understanding is delegated to an nlu.Capability; this package
// owns payload schema validation, dsl version reading and ambiguity marking.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/erichecan/AIrest/pkg/canonicalize"
	"github.com/erichecan/AIrest/pkg/config"
	"github.com/erichecan/AIrest/pkg/contracts"
	"github.com/erichecan/AIrest/pkg/normalize"
	"github.com/erichecan/AIrest/pkg/nlu"
	"github.com/erichecan/AIrest/pkg/safety"
)

// ClarifiedConfidence is assigned to an envelope rebuilt from an explicit
// operator choice among clarification options.
const ClarifiedConfidence = 0.95

// Request is one normalized utterance to parse.
type Request struct {
	Scope      contracts.Scope
	ActorID    string
	Source     contracts.Source
	RawText    string
	Normalized *normalize.Normalized
	Profile    config.Profile
}

// Parser builds envelopes from NLU candidates.
type Parser struct {
	nlu     nlu.Capability
	schemas *Schemas
	clock   func() time.Time
	newID   func() string
}

// NewParser creates a parser over capability.
func NewParser(capability nlu.Capability, schemas *Schemas) *Parser {
	return &Parser{
		nlu:     capability,
		schemas: schemas,
		clock:   time.Now,
		newID:   func() string { return "int_" + uuid.New().String() },
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Parser) WithClock(clock func() time.Time) *Parser {
	p.clock = clock
	return p
}

// WithIDs overrides intent id generation.
func (p *Parser) WithIDs(newID func() string) *Parser {
	p.newID = newID
	return p
}

// Parse produces the envelope for req. Validation problems are reported on
// the envelope, not as errors; an error means the capability itself failed.
func (p *Parser) Parse(ctx context.Context, req Request) (*contracts.IntentEnvelope, error) {
	if req.Scope.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", contracts.ErrValidation)
	}
	n := req.Normalized
	if n == nil {
		return nil, fmt.Errorf("%w: utterance was not normalized", contracts.ErrValidation)
	}

	cand, err := p.nlu.Parse(ctx, n.Text, nlu.Context{Normalized: n, Profile: req.Profile})
	if err != nil {
		return nil, fmt.Errorf("%w: nlu: %v", contracts.ErrDownstreamUnavailable, err)
	}

	env := &contracts.IntentEnvelope{
		IntentID:         p.newID(),
		TenantID:         req.Scope.TenantID,
		RestaurantID:     req.Scope.RestaurantID,
		ActorID:          req.ActorID,
		Source:           req.Source,
		Language:         n.Language,
		RawText:          req.RawText,
		NormalizedText:   n.Text,
		IntentType:       cand.IntentType,
		DSLVersion:       contracts.CurrentDSLVersion,
		Confidence:       clamp(cand.Confidence),
		Payload:          cand.Payload,
		ValidationErrors: append([]string{}, cand.Errors...),
		CreatedAt:        p.clock().UTC(),
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}
	if math.IsNaN(cand.Confidence) || math.IsInf(cand.Confidence, 0) {
		env.ValidationErrors = append(env.ValidationErrors, "confidence is not a finite number")
		env.Confidence = 0
	}

	if !cand.IntentType.Valid() {
		env.IntentType = contracts.IntentUnknown
		env.Payload = json.RawMessage(`{}`)
		if env.Confidence > 0.4 {
			env.Confidence = 0.4
		}
		if len(env.ValidationErrors) == 0 {
			env.ValidationErrors = []string{"command not recognized"}
		}
		return env, nil
	}

	payload, err := upgradePayload(cand.DSLVersion, env.IntentType, env.Payload)
	if err != nil {
		env.ValidationErrors = append(env.ValidationErrors, err.Error())
		env.Confidence = 0
		return env, nil
	}
	env.Payload = payload

	if len(cand.ItemCandidates) > 1 {
		env.Ambiguity = &contracts.Ambiguity{
			Kind:       contracts.AmbiguityEntity,
			Field:      "item_ref",
			Mention:    cand.Mention,
			Candidates: cand.ItemCandidates,
		}
		// Only the item is unresolved; every other field must still validate.
		withFirst, perr := withItemRef(payload, cand.ItemCandidates[0])
		if perr == nil {
			payload = withFirst
		}
		env.ValidationErrors = removeItemErrors(env.ValidationErrors)
	}

	if errs := p.schemas.Validate(env.IntentType, payload); len(errs) > 0 {
		env.ValidationErrors = append(env.ValidationErrors, errs...)
	}
	if len(env.ValidationErrors) > 0 {
		env.Confidence = 0
	}

	if env.IntentType.Mutates() && n.Time.Window != nil {
		env.EffectiveWindow = n.Time.Window
	}
	if env.Ambiguity == nil && n.Time.Ambiguous() && safety.RiskFor(env.IntentType) == contracts.RiskHigh {
		env.Ambiguity = temporalAmbiguity(n.Time)
	}
	return env, nil
}

// Resolve answers a clarification: it returns a new envelope in which the
// ambiguity of env is settled by choiceID.
func (p *Parser) Resolve(env *contracts.IntentEnvelope, choiceID string) (*contracts.IntentEnvelope, error) {
	if env.Ambiguity == nil {
		return nil, fmt.Errorf("%w: intent %s has nothing to clarify", contracts.ErrValidation, env.IntentID)
	}
	var choice *contracts.Candidate
	for i := range env.Ambiguity.Candidates {
		if env.Ambiguity.Candidates[i].ID == choiceID {
			choice = &env.Ambiguity.Candidates[i]
			break
		}
	}
	if choice == nil {
		return nil, fmt.Errorf("%w: %q is not one of the offered options", contracts.ErrValidation, choiceID)
	}

	out := *env
	out.IntentID = p.newID()
	out.Ambiguity = nil
	out.ValidationErrors = []string{}
	out.Confidence = ClarifiedConfidence
	out.CreatedAt = p.clock().UTC()

	var err error
	switch env.Ambiguity.Kind {
	case contracts.AmbiguityEntity:
		out.Payload, err = withItemRef(env.Payload, *choice)
	case contracts.AmbiguityTemporal:
		if choice.Window != nil {
			out.EffectiveWindow = choice.Window
			if env.IntentType == contracts.IntentItemAvailabilitySet && choice.Window.EndAt != nil {
				out.Payload, err = setField(env.Payload, []string{"effective_until"}, choice.Window.EndAt)
			}
		} else {
			out.Payload, err = setField(env.Payload, []string{"conditions", "after_time"}, choice.ID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrValidation, err)
	}

	if errs := p.schemas.Validate(out.IntentType, out.Payload); len(errs) > 0 {
		out.ValidationErrors = errs
		out.Confidence = 0
	}
	return &out, nil
}

// Fingerprint returns the canonical content hash of an envelope.
func Fingerprint(env *contracts.IntentEnvelope) (string, error) {
	return canonicalize.CanonicalHash(env)
}

func temporalAmbiguity(t normalize.TimeResolution) *contracts.Ambiguity {
	if len(t.Candidates) > 1 {
		return &contracts.Ambiguity{
			Kind:       contracts.AmbiguityTemporal,
			Field:      "effective_window",
			Mention:    t.Expression,
			Candidates: t.Candidates,
		}
	}
	cands := make([]contracts.Candidate, 0, len(t.AfterAlt))
	for _, hhmm := range t.AfterAlt {
		cands = append(cands, contracts.Candidate{ID: hhmm, Label: "after " + hhmm})
	}
	return &contracts.Ambiguity{
		Kind:       contracts.AmbiguityTemporal,
		Field:      "conditions.after_time",
		Candidates: cands,
	}
}

func withItemRef(payload json.RawMessage, c contracts.Candidate) (json.RawMessage, error) {
	return setField(payload, []string{"item_ref"}, contracts.ItemRef{ID: c.ID, Name: c.Label})
}

func setField(payload json.RawMessage, path []string, value any) (json.RawMessage, error) {
	m := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
	}
	cur := m
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
	return json.Marshal(m)
}

func removeItemErrors(errs []string) []string {
	out := errs[:0:0]
	for _, e := range errs {
		if e == "no menu item matched" || e == "no menu item matched for price update" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
