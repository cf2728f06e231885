package safety

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichecan/AIrest/pkg/contracts"
)

func envelope(t contracts.IntentType, conf float64) *contracts.IntentEnvelope {
	return &contracts.IntentEnvelope{IntentID: "int_1", TenantID: "t1", IntentType: t, Confidence: conf, Payload: json.RawMessage(`{}`)}
}

func TestClassify_DispositionOrder(t *testing.T) {
	c := NewClassifier(nil)
	policy := Policy{Thresholds: DefaultThresholds()}

	cases := []struct {
		name   string
		env    *contracts.IntentEnvelope
		want   contracts.Disposition
		risk   contracts.RiskLevel
		reason string
	}{
		{"low confidence beats low risk", envelope(contracts.IntentOrderQuery, 0.5), contracts.DispositionClarificationNeeded, contracts.RiskLow, ReasonLowConfidence},
		{"high risk needs confirmation", envelope(contracts.IntentTransferRuleUpsert, 0.99), contracts.DispositionNeedsConfirmation, contracts.RiskHigh, ReasonHighRisk},
		{"price is high risk", envelope(contracts.IntentItemPriceSet, 0.93), contracts.DispositionNeedsConfirmation, contracts.RiskHigh, ReasonHighRisk},
		{"medium at threshold auto applies", envelope(contracts.IntentItemAvailabilitySet, 0.9), contracts.DispositionAutoApply, contracts.RiskMedium, ReasonAutoApply},
		{"medium below threshold confirms", envelope(contracts.IntentItemAvailabilitySet, 0.85), contracts.DispositionNeedsConfirmation, contracts.RiskMedium, ReasonMediumRisk},
		{"low risk auto applies", envelope(contracts.IntentItemWeightSet, 0.88), contracts.DispositionAutoApply, contracts.RiskLow, ReasonAutoApply},
		{"NaN confidence clarifies", envelope(contracts.IntentItemWeightSet, math.NaN()), contracts.DispositionClarificationNeeded, contracts.RiskLow, ReasonLowConfidence},
		{"unknown is high risk", envelope(contracts.IntentUnknown, 0.8), contracts.DispositionNeedsConfirmation, contracts.RiskHigh, ReasonHighRisk},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := c.Classify(tc.env, policy)
			assert.Equal(t, tc.want, d.Disposition)
			assert.Equal(t, tc.risk, d.Risk)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestClassify_AmbiguityNeedsClarification(t *testing.T) {
	env := envelope(contracts.IntentItemAvailabilitySet, 0.95)
	env.Ambiguity = &contracts.Ambiguity{Kind: contracts.AmbiguityEntity, Field: "item_ref"}

	d := NewClassifier(nil).Classify(env, Policy{})
	assert.Equal(t, contracts.DispositionClarificationNeeded, d.Disposition)
	assert.Equal(t, ReasonAmbiguous, d.Reason)
}

func TestClassify_CustomThresholds(t *testing.T) {
	c := NewClassifier(nil)
	env := envelope(contracts.IntentItemAvailabilitySet, 0.8)

	d := c.Classify(env, Policy{Thresholds: Thresholds{Clarify: 0.6, AutoApply: 0.8}})
	assert.Equal(t, contracts.DispositionAutoApply, d.Disposition)

	d = c.Classify(env, Policy{Thresholds: Thresholds{Clarify: 0.85, AutoApply: 0.95}})
	assert.Equal(t, contracts.DispositionClarificationNeeded, d.Disposition)
}

func TestClassify_GuardRuleEscalates(t *testing.T) {
	guards, err := NewGuards()
	require.NoError(t, err)
	c := NewClassifier(guards)

	env := envelope(contracts.IntentItemWeightSet, 0.95)
	env.Payload = json.RawMessage(`{"item_ref":{"id":"congee_001"},"weight":"high"}`)
	policy := Policy{
		Thresholds: DefaultThresholds(),
		GuardRules: []string{`intent_type == 'menu.item.recommendation_weight.set' && payload.item_ref.id == 'congee_001'`},
	}

	d := c.Classify(env, policy)
	assert.Equal(t, contracts.RiskHigh, d.Risk)
	assert.Equal(t, contracts.DispositionNeedsConfirmation, d.Disposition)
	assert.Len(t, d.Escalations, 1)
}

func TestClassify_GuardRuleNeverLowersRisk(t *testing.T) {
	guards, err := NewGuards()
	require.NoError(t, err)
	c := NewClassifier(guards)

	env := envelope(contracts.IntentItemPriceSet, 0.99)
	d := c.Classify(env, Policy{Thresholds: DefaultThresholds(), GuardRules: []string{"false"}})
	assert.Equal(t, contracts.RiskHigh, d.Risk)
	assert.Equal(t, contracts.DispositionNeedsConfirmation, d.Disposition)
}

func TestClassify_BrokenGuardFailsClosed(t *testing.T) {
	guards, err := NewGuards()
	require.NoError(t, err)

	env := envelope(contracts.IntentOrderQuery, 0.95)
	d := NewClassifier(guards).Classify(env, Policy{GuardRules: []string{"payload.missing > 1"}})
	assert.Equal(t, contracts.RiskHigh, d.Risk)
}

func TestAnnotate(t *testing.T) {
	env := envelope(contracts.IntentItemPriceSet, 0.95)
	out := Annotate(env, Decision{Risk: contracts.RiskHigh, Disposition: contracts.DispositionNeedsConfirmation})

	assert.Equal(t, contracts.RiskHigh, out.RiskLevel)
	assert.True(t, out.RequiresConfirmation)
	assert.Empty(t, env.RiskLevel, "input envelope must not be modified")
}
