// Package contracts defines the shared data model of the NL operations engine:
// intent envelopes, configuration changes, snapshots, audit entries and the
// operator-facing response shape.
package contracts

import (
	"encoding/json"
	"time"
)

// CurrentDSLVersion is the payload schema version emitted by the parser.
const CurrentDSLVersion = "1.1.0"

// IntentType names a supported operation. Each type has its own payload schema.
type IntentType string

const (
	IntentTransferRuleUpsert  IntentType = "routing.transfer_rule.upsert"
	IntentTransferRuleDelete  IntentType = "routing.transfer_rule.delete"
	IntentHandoffPolicySet    IntentType = "routing.handoff_policy.set"
	IntentBusinessHoursSet    IntentType = "hours.business_hours.set"
	IntentItemAvailabilitySet IntentType = "menu.item.availability.set"
	IntentItemPriceSet        IntentType = "menu.item.price.set"
	IntentItemWeightSet       IntentType = "menu.item.recommendation_weight.set"
	IntentOrderQuery          IntentType = "order.query"
	IntentUndo                IntentType = "ops.undo"
	IntentUnknown             IntentType = "unknown"
)

// IntentTypes lists every recognized intent type except IntentUnknown.
var IntentTypes = []IntentType{
	IntentTransferRuleUpsert,
	IntentTransferRuleDelete,
	IntentHandoffPolicySet,
	IntentBusinessHoursSet,
	IntentItemAvailabilitySet,
	IntentItemPriceSet,
	IntentItemWeightSet,
	IntentOrderQuery,
	IntentUndo,
}

// Valid reports whether t is a recognized intent type.
func (t IntentType) Valid() bool {
	for _, known := range IntentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Mutates reports whether applying t produces a ConfigChange.
func (t IntentType) Mutates() bool {
	switch t {
	case IntentOrderQuery, IntentUndo, IntentUnknown:
		return false
	}
	return t.Valid()
}

// Source identifies the channel an utterance arrived on.
type Source string

const (
	SourceChat      Source = "chat"
	SourceVoice     Source = "voice"
	SourceAPI       Source = "api"
	SourceWebhook   Source = "webhook"
	SourceScheduler Source = "scheduler"
)

// Valid reports whether s is an accepted inbound source.
func (s Source) Valid() bool {
	switch s {
	case SourceChat, SourceVoice, SourceAPI, SourceWebhook, SourceScheduler:
		return true
	}
	return false
}

// RiskLevel is the blast-radius tier assigned by the safety classifier.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels so that escalation can be expressed as max().
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	default:
		return 2
	}
}

// Disposition is the classifier's decision for an envelope.
type Disposition string

const (
	DispositionAutoApply           Disposition = "auto_apply"
	DispositionNeedsConfirmation   Disposition = "needs_confirmation"
	DispositionClarificationNeeded Disposition = "clarification_needed"
)

// EffectiveWindow bounds when a change is in force. Nil bounds are open.
type EffectiveWindow struct {
	StartAt  *time.Time `json:"start_at,omitempty"`
	EndAt    *time.Time `json:"end_at,omitempty"`
	Timezone string     `json:"timezone"`
}

// Expired reports whether the window has a closed end that is at or before now.
func (w *EffectiveWindow) Expired(now time.Time) bool {
	return w != nil && w.EndAt != nil && !now.Before(*w.EndAt)
}

// Contains reports whether t falls inside the window.
func (w *EffectiveWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if w.StartAt != nil && t.Before(*w.StartAt) {
		return false
	}
	if w.EndAt != nil && !t.Before(*w.EndAt) {
		return false
	}
	return true
}

// AmbiguityKind distinguishes what the parser could not pin down.
type AmbiguityKind string

const (
	AmbiguityEntity   AmbiguityKind = "entity"
	AmbiguityTemporal AmbiguityKind = "temporal"
)

// Candidate is one possible resolution offered back to the operator.
type Candidate struct {
	ID     string           `json:"id"`
	Label  string           `json:"label"`
	Score  float64          `json:"score,omitempty"`
	Window *EffectiveWindow `json:"window,omitempty"`
}

// Ambiguity records an unresolved entity or time reference on an envelope.
type Ambiguity struct {
	Kind       AmbiguityKind `json:"kind"`
	Field      string        `json:"field"`
	Mention    string        `json:"mention,omitempty"`
	Candidates []Candidate   `json:"candidates"`
}

// IntentEnvelope is the canonical, validated form of one operator utterance.
// It is never mutated after parsing; re-parsing produces a new envelope.
type IntentEnvelope struct {
	IntentID             string           `json:"intent_id"`
	TenantID             string           `json:"tenant_id"`
	RestaurantID         string           `json:"restaurant_id"`
	ActorID              string           `json:"actor_id"`
	Source               Source           `json:"source"`
	Language             string           `json:"language"`
	RawText              string           `json:"raw_text"`
	NormalizedText       string           `json:"normalized_text,omitempty"`
	IntentType           IntentType       `json:"intent_type"`
	DSLVersion           string           `json:"dsl_version"`
	Confidence           float64          `json:"confidence"`
	RiskLevel            RiskLevel        `json:"risk_level"`
	RequiresConfirmation bool             `json:"requires_confirmation"`
	EffectiveWindow      *EffectiveWindow `json:"effective_window,omitempty"`
	Payload              json.RawMessage  `json:"payload"`
	ValidationErrors     []string         `json:"validation_errors"`
	Ambiguity            *Ambiguity       `json:"ambiguity,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// Scope returns the tenant/restaurant pair the envelope acts on.
func (e *IntentEnvelope) Scope() Scope {
	return Scope{TenantID: e.TenantID, RestaurantID: e.RestaurantID}
}

// Scope is the isolation boundary for every stored row.
type Scope struct {
	TenantID     string `json:"tenant_id"`
	RestaurantID string `json:"restaurant_id"`
}

// ResourceRef addresses one versioned configuration resource.
type ResourceRef struct {
	Scope
	Key string `json:"resource_key"`
}
