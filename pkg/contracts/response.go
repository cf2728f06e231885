package contracts

import (
	"encoding/json"
	"time"
)

// Status is the operator-facing outcome of a command.
type Status string

const (
	StatusApplied             Status = "applied"
	StatusNeedsConfirmation   Status = "needs_confirmation"
	StatusRejected            Status = "rejected"
	StatusClarificationNeeded Status = "clarification_needed"
	StatusDryRun              Status = "dry_run"
)

// Clarification is the question asked back when an envelope is ambiguous.
type Clarification struct {
	Question string      `json:"question"`
	Options  []Candidate `json:"options,omitempty"`
}

// Preview carries the computed before/after of a dry run.
type Preview struct {
	ResourceKey string          `json:"resource_key"`
	Before      json.RawMessage `json:"before"`
	After       json.RawMessage `json:"after"`
}

// OrderRow is one order returned by an order.query list.
type OrderRow struct {
	OrderID       string    `json:"order_id"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	Status        string    `json:"status"`
	Total         float64   `json:"total"`
	Transferred   bool      `json:"transferred"`
	CreatedAt     time.Time `json:"created_at"`
}

// OrderQueryResult is the read-only outcome of an order.query.
type OrderQueryResult struct {
	Aggregation string     `json:"aggregation"`
	Count       int        `json:"count"`
	Sum         float64    `json:"sum"`
	Orders      []OrderRow `json:"orders,omitempty"`
}

// Response is returned to the operator for every command.
type Response struct {
	IntentID         string            `json:"intent_id"`
	Status           Status            `json:"status"`
	HumanSummary     string            `json:"human_summary"`
	ChangeID         string            `json:"change_id,omitempty"`
	UndoToken        string            `json:"undo_token,omitempty"`
	Errors           []string          `json:"errors,omitempty"`
	IntentType       IntentType        `json:"intent_type,omitempty"`
	RiskLevel        RiskLevel         `json:"risk_level,omitempty"`
	RiskWarning      string            `json:"risk_warning,omitempty"`
	EffectiveWindow  *EffectiveWindow  `json:"effective_window,omitempty"`
	Clarification    *Clarification    `json:"clarification,omitempty"`
	Preview          *Preview          `json:"preview,omitempty"`
	QueryResult      *OrderQueryResult `json:"query_result,omitempty"`
	DSLVersion       string            `json:"dsl_version,omitempty"`
	ConfirmExpiresAt *time.Time        `json:"confirm_expires_at,omitempty"`
}
