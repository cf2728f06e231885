package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/erichecan/AIrest/pkg/config"
	"github.com/erichecan/AIrest/pkg/contracts"
)

// Resource key prefixes and singletons.
const (
	KeyHandoffPolicy     = "handoff_policy"
	KeyBusinessHours     = "business_hours"
	transferRulePrefix   = "transfer_rule:"
	menuItemPrefix       = "menu_item:"
	systemReconcileActor = "system:reconciler"
)

// TransferRuleState is the stored form of one transfer rule.
type TransferRuleState struct {
	RuleID      string         `json:"rule_id"`
	Trigger     string         `json:"trigger"`
	PhoneNumber string         `json:"phone_number"`
	Priority    int            `json:"priority"`
	Conditions  map[string]any `json:"conditions,omitempty"`
}

// HandoffState is the stored handoff policy.
type HandoffState struct {
	UserRequestsHuman bool   `json:"user_requests_human"`
	BusyLinePolicy    string `json:"busy_line_policy"`
	DefaultNumber     string `json:"default_number"`
}

// HoursState is the stored business-hours block.
type HoursState struct {
	Days      []string `json:"days"`
	OpenTime  string   `json:"open_time"`
	CloseTime string   `json:"close_time"`
	Timezone  string   `json:"timezone"`
}

// MenuItemState is the operational overlay of one menu item. Availability,
// price and recommendation weight share it.
type MenuItemState struct {
	ItemID             string                     `json:"item_id"`
	Name               string                     `json:"name,omitempty"`
	Available          *bool                      `json:"available,omitempty"`
	AvailabilityReason string                     `json:"availability_reason,omitempty"`
	AvailabilityWindow *contracts.EffectiveWindow `json:"availability_window,omitempty"`
	Price              *float64                   `json:"price,omitempty"`
	Currency           string                     `json:"currency,omitempty"`
	PriceEffectiveAt   *time.Time                 `json:"price_effective_at,omitempty"`
	Weight             string                     `json:"recommendation_weight,omitempty"`
	WeightEffectiveAt  *time.Time                 `json:"weight_effective_at,omitempty"`
}

// AvailableAt evaluates availability at t. An availability override whose
// window has closed no longer applies.
func (s MenuItemState) AvailableAt(t time.Time) bool {
	if s.Available == nil {
		return true
	}
	if s.AvailabilityWindow != nil && !s.AvailabilityWindow.Contains(t) {
		return true
	}
	return *s.Available
}

// ResourceKey returns the resource an envelope mutates.
func ResourceKey(env *contracts.IntentEnvelope) (string, error) {
	switch env.IntentType {
	case contracts.IntentTransferRuleUpsert:
		var p contracts.TransferRulePayload
		if err := contracts.DecodePayload(env, &p); err != nil {
			return "", err
		}
		return transferRulePrefix + ruleID(p), nil
	case contracts.IntentTransferRuleDelete:
		var p contracts.TransferRuleDeletePayload
		if err := contracts.DecodePayload(env, &p); err != nil {
			return "", err
		}
		return transferRulePrefix + p.RuleID, nil
	case contracts.IntentHandoffPolicySet:
		return KeyHandoffPolicy, nil
	case contracts.IntentBusinessHoursSet:
		return KeyBusinessHours, nil
	case contracts.IntentItemAvailabilitySet, contracts.IntentItemPriceSet, contracts.IntentItemWeightSet:
		var p struct {
			ItemRef contracts.ItemRef `json:"item_ref"`
		}
		if err := contracts.DecodePayload(env, &p); err != nil {
			return "", err
		}
		if p.ItemRef.ID == "" {
			return "", fmt.Errorf("%w: item_ref.id is required", contracts.ErrValidation)
		}
		return menuItemPrefix + p.ItemRef.ID, nil
	}
	return "", fmt.Errorf("%w: %s does not change configuration", contracts.ErrValidation, env.IntentType)
}

func ruleID(p contracts.TransferRulePayload) string {
	if p.RuleID != "" {
		return p.RuleID
	}
	return p.Trigger
}

// defaultState is the implicit before-state of a resource never changed.
func defaultState(key string, d config.RuntimeDefaults) json.RawMessage {
	switch key {
	case KeyHandoffPolicy:
		return contracts.MustPayload(HandoffState(d.HandoffPolicy))
	case KeyBusinessHours:
		return contracts.MustPayload(HoursState(d.BusinessHours))
	}
	return contracts.NullState
}

// mutate computes the after-state of env applied to before.
func mutate(env *contracts.IntentEnvelope, before json.RawMessage, window *contracts.EffectiveWindow) (json.RawMessage, error) {
	switch env.IntentType {
	case contracts.IntentTransferRuleUpsert:
		var p contracts.TransferRulePayload
		if err := contracts.DecodePayload(env, &p); err != nil {
			return nil, err
		}
		return json.Marshal(TransferRuleState{
			RuleID:      ruleID(p),
			Trigger:     p.Trigger,
			PhoneNumber: p.PhoneNumber,
			Priority:    p.Priority,
			Conditions:  p.Conditions,
		})

	case contracts.IntentTransferRuleDelete:
		if contracts.IsNullState(before) {
			var p contracts.TransferRuleDeletePayload
			_ = contracts.DecodePayload(env, &p)
			return nil, fmt.Errorf("transfer rule %q: %w", p.RuleID, contracts.ErrNotFound)
		}
		return contracts.NullState, nil

	case contracts.IntentHandoffPolicySet:
		var p contracts.HandoffPolicyPayload
		if err := contracts.DecodePayload(env, &p); err != nil {
			return nil, err
		}
		var s HandoffState
		if err := decodeState(before, &s); err != nil {
			return nil, err
		}
		if p.UserRequestsHuman != nil {
			s.UserRequestsHuman = *p.UserRequestsHuman
		}
		if p.BusyLinePolicy != "" {
			s.BusyLinePolicy = p.BusyLinePolicy
		}
		if p.DefaultNumber != "" {
			s.DefaultNumber = p.DefaultNumber
		}
		return json.Marshal(s)

	case contracts.IntentBusinessHoursSet:
		var p contracts.BusinessHoursPayload
		if err := contracts.DecodePayload(env, &p); err != nil {
			return nil, err
		}
		return json.Marshal(HoursState(p))

	case contracts.IntentItemAvailabilitySet:
		var p contracts.AvailabilityPayload
		if err := contracts.DecodePayload(env, &p); err != nil {
			return nil, err
		}
		s, err := menuState(before, p.ItemRef)
		if err != nil {
			return nil, err
		}
		available := p.Available
		s.Available = &available
		s.AvailabilityReason = p.Reason
		s.AvailabilityWindow = window
		return json.Marshal(s)

	case contracts.IntentItemPriceSet:
		var p contracts.PricePayload
		if err := contracts.DecodePayload(env, &p); err != nil {
			return nil, err
		}
		s, err := menuState(before, p.ItemRef)
		if err != nil {
			return nil, err
		}
		price := p.NewPrice
		s.Price = &price
		if p.Currency != "" {
			s.Currency = p.Currency
		}
		s.PriceEffectiveAt = p.EffectiveAt
		return json.Marshal(s)

	case contracts.IntentItemWeightSet:
		var p contracts.RecommendationWeightPayload
		if err := contracts.DecodePayload(env, &p); err != nil {
			return nil, err
		}
		s, err := menuState(before, p.ItemRef)
		if err != nil {
			return nil, err
		}
		s.Weight = p.Weight
		s.WeightEffectiveAt = p.EffectiveAt
		return json.Marshal(s)
	}
	return nil, fmt.Errorf("%w: %s does not change configuration", contracts.ErrValidation, env.IntentType)
}

func menuState(before json.RawMessage, ref contracts.ItemRef) (MenuItemState, error) {
	var s MenuItemState
	if err := decodeState(before, &s); err != nil {
		return s, err
	}
	s.ItemID = ref.ID
	if ref.Name != "" {
		s.Name = ref.Name
	}
	return s, nil
}

func decodeState(state json.RawMessage, dst any) error {
	if contracts.IsNullState(state) {
		return nil
	}
	if err := json.Unmarshal(state, dst); err != nil {
		return fmt.Errorf("decode snapshot state: %w", err)
	}
	return nil
}
