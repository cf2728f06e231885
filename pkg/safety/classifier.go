// Package safety assigns a risk tier to every intent and decides whether it
// may be applied automatically, needs operator confirmation, or needs a
// clarifying question first.
package safety

import (
	"math"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// Thresholds are the confidence cut-offs used by the disposition rules.
type Thresholds struct {
	Clarify   float64
	AutoApply float64
}

// DefaultThresholds returns the stock cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Clarify: 0.75, AutoApply: 0.9}
}

var riskTable = map[contracts.IntentType]contracts.RiskLevel{
	contracts.IntentOrderQuery:          contracts.RiskLow,
	contracts.IntentItemWeightSet:       contracts.RiskLow,
	contracts.IntentItemAvailabilitySet: contracts.RiskMedium,
	contracts.IntentUndo:                contracts.RiskMedium,
	contracts.IntentTransferRuleUpsert:  contracts.RiskHigh,
	contracts.IntentTransferRuleDelete:  contracts.RiskHigh,
	contracts.IntentHandoffPolicySet:    contracts.RiskHigh,
	contracts.IntentBusinessHoursSet:    contracts.RiskHigh,
	contracts.IntentItemPriceSet:        contracts.RiskHigh,
}

// RiskFor returns the base risk tier of an intent type. Unrecognized types are high.
func RiskFor(t contracts.IntentType) contracts.RiskLevel {
	if r, ok := riskTable[t]; ok {
		return r
	}
	return contracts.RiskHigh
}

// Policy is the tenant-specific input to classification.
type Policy struct {
	Thresholds Thresholds
	GuardRules []string
}

// Decision is the classifier's verdict for one envelope.
type Decision struct {
	Risk        contracts.RiskLevel
	Disposition contracts.Disposition
	Reason      string
	// Escalations lists guard rules that raised the risk tier.
	Escalations []string
}

// Reasons attached to decisions.
const (
	ReasonLowConfidence = "low_confidence"
	ReasonAmbiguous     = "ambiguous_reference"
	ReasonHighRisk      = "high_risk"
	ReasonMediumRisk    = "medium_risk_below_auto_apply"
	ReasonAutoApply     = "auto_apply"
)

// Classifier evaluates disposition rules in a fixed order.
type Classifier struct {
	guards *Guards
}

// NewClassifier creates a classifier. guards may be nil.
func NewClassifier(guards *Guards) *Classifier {
	return &Classifier{guards: guards}
}

// Classify returns the decision for env. It has no side effects.
func (c *Classifier) Classify(env *contracts.IntentEnvelope, policy Policy) Decision {
	th := policy.Thresholds
	if th.Clarify == 0 && th.AutoApply == 0 {
		th = DefaultThresholds()
	}

	risk := RiskFor(env.IntentType)
	var escalations []string
	if c.guards != nil && len(policy.GuardRules) > 0 && risk != contracts.RiskHigh {
		escalations = c.guards.Matching(policy.GuardRules, env)
		if len(escalations) > 0 {
			risk = contracts.RiskHigh
		}
	}

	d := Decision{Risk: risk, Escalations: escalations}
	switch {
	case math.IsNaN(env.Confidence) || env.Confidence < th.Clarify:
		d.Disposition, d.Reason = contracts.DispositionClarificationNeeded, ReasonLowConfidence
	case env.Ambiguity != nil:
		d.Disposition, d.Reason = contracts.DispositionClarificationNeeded, ReasonAmbiguous
	case risk == contracts.RiskHigh:
		d.Disposition, d.Reason = contracts.DispositionNeedsConfirmation, ReasonHighRisk
	case risk == contracts.RiskMedium && env.Confidence < th.AutoApply:
		d.Disposition, d.Reason = contracts.DispositionNeedsConfirmation, ReasonMediumRisk
	default:
		d.Disposition, d.Reason = contracts.DispositionAutoApply, ReasonAutoApply
	}
	return d
}

// Annotate returns a copy of env carrying the decision's risk fields.
func Annotate(env *contracts.IntentEnvelope, d Decision) *contracts.IntentEnvelope {
	out := *env
	out.RiskLevel = d.Risk
	out.RequiresConfirmation = d.Disposition == contracts.DispositionNeedsConfirmation
	return &out
}
