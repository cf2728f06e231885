package contracts

import (
	"encoding/json"
	"time"
)

// AuditResult is the terminal outcome recorded for an intent.
type AuditResult string

const (
	ResultApplied             AuditResult = "applied"
	ResultRejected            AuditResult = "rejected"
	ResultClarificationNeeded AuditResult = "clarification_needed"
	ResultError               AuditResult = "error"
	ResultExpired             AuditResult = "expired"
	ResultSuperseded          AuditResult = "superseded"
	ResultCancelled           AuditResult = "cancelled"
)

// Audit event types name the action that was executed.
const (
	EventConfigApplied   = "config.applied"
	EventConfigUndone    = "config.undone"
	EventConfigExpired   = "config.expired"
	EventOrderQuery      = "order.query"
	EventIntentRejected  = "intent.rejected"
	EventIntentClarify   = "intent.clarification"
	EventIntentExpired   = "intent.expired"
	EventIntentSupersede = "intent.superseded"
	EventIntentCancelled = "intent.cancelled"
)

// AuditLogEntry is one immutable, hash-chained audit row.
type AuditLogEntry struct {
	AuditID      string          `json:"audit_id"`
	TenantID     string          `json:"tenant_id"`
	RestaurantID string          `json:"restaurant_id"`
	ActorID      string          `json:"actor_id"`
	Source       Source          `json:"source"`
	IntentID     string          `json:"intent_id,omitempty"`
	ChangeID     string          `json:"change_id,omitempty"`
	EventType    string          `json:"event_type"`
	Result       AuditResult     `json:"result"`
	RawText      string          `json:"raw_text,omitempty"`
	RiskLevel    RiskLevel       `json:"risk_level,omitempty"`
	Confidence   float64         `json:"confidence"`
	Disposition  Disposition     `json:"disposition,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	PrevHash     string          `json:"prev_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// AuditFilter narrows an audit listing. Zero fields match everything.
type AuditFilter struct {
	TenantID     string
	RestaurantID string
	IntentID     string
	Limit        int
}

// PendingKind separates confirmation prompts from clarification questions.
type PendingKind string

const (
	PendingConfirmation  PendingKind = "confirmation"
	PendingClarification PendingKind = "clarification"
)

// PendingStatus is the persisted workflow state of a pending intent.
type PendingStatus string

const (
	PendingOpen       PendingStatus = "pending"
	PendingConfirmed  PendingStatus = "confirmed"
	PendingExpired    PendingStatus = "expired"
	PendingSuperseded PendingStatus = "superseded"
	PendingCancelled  PendingStatus = "cancelled"
	PendingResolved   PendingStatus = "resolved"
)

// PendingIntent tracks an envelope awaiting confirmation or clarification.
type PendingIntent struct {
	IntentID     string        `json:"intent_id"`
	TenantID     string        `json:"tenant_id"`
	RestaurantID string        `json:"restaurant_id"`
	ActorID      string        `json:"actor_id"`
	ResourceKey  string        `json:"resource_key"`
	Kind         PendingKind   `json:"kind"`
	Status       PendingStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
