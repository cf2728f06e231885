package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemRef points at a menu item by canonical id; Name is display only.
type ItemRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type TransferRulePayload struct {
	RuleID      string         `json:"rule_id,omitempty"`
	Trigger     string         `json:"trigger"`
	PhoneNumber string         `json:"phone_number"`
	Priority    int            `json:"priority"`
	Conditions  map[string]any `json:"conditions,omitempty"`
}

type TransferRuleDeletePayload struct {
	RuleID string `json:"rule_id"`
}

type HandoffPolicyPayload struct {
	UserRequestsHuman *bool  `json:"user_requests_human,omitempty"`
	BusyLinePolicy    string `json:"busy_line_policy,omitempty"`
	DefaultNumber     string `json:"default_number,omitempty"`
}

type BusinessHoursPayload struct {
	Days      []string `json:"days"`
	OpenTime  string   `json:"open_time"`
	CloseTime string   `json:"close_time"`
	Timezone  string   `json:"timezone"`
}

type AvailabilityPayload struct {
	ItemRef        ItemRef    `json:"item_ref"`
	Available      bool       `json:"available"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

type PricePayload struct {
	ItemRef     ItemRef    `json:"item_ref"`
	NewPrice    float64    `json:"new_price"`
	Currency    string     `json:"currency,omitempty"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

type RecommendationWeightPayload struct {
	ItemRef     ItemRef    `json:"item_ref"`
	Weight      string     `json:"weight"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

// OrderFilters narrows an order.query.
type OrderFilters struct {
	Status      string     `json:"status,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	HasTransfer *bool      `json:"has_transfer,omitempty"`
}

type OrderQueryPayload struct {
	Filters     OrderFilters `json:"filters"`
	Aggregation string       `json:"aggregation"`
	Limit       int          `json:"limit"`
}

// Order aggregations.
const (
	AggregateList  = "list"
	AggregateCount = "count"
	AggregateSum   = "sum"
)

// UndoPayload selects the change to revert. Both empty means the latest
// applied change for the restaurant.
type UndoPayload struct {
	UndoToken string `json:"undo_token,omitempty"`
	ChangeID  string `json:"change_id,omitempty"`
}

// DecodePayload unmarshals the envelope payload into dst.
func DecodePayload(env *IntentEnvelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrValidation, env.IntentType)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrValidation, env.IntentType, err)
	}
	return nil
}

// MustPayload marshals v, panicking on failure. Only for statically known values.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("contracts: marshal payload: %v", err))
	}
	return b
}
