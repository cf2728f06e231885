package contracts

import (
	"encoding/json"
	"time"
)

// ChangeStatus is the lifecycle state of a ConfigChange.
// Only applied → undone and applied → expired transitions exist.
type ChangeStatus string

const (
	ChangeApplied ChangeStatus = "applied"
	ChangeUndone  ChangeStatus = "undone"
	ChangeExpired ChangeStatus = "expired"
)

// ChangeKind tells an operator-driven change apart from a compensating one.
type ChangeKind string

const (
	KindApply  ChangeKind = "apply"
	KindUndo   ChangeKind = "undo"
	KindExpiry ChangeKind = "expiry"
)

// ConfigChange is one entry in a resource's append-only version sequence.
type ConfigChange struct {
	ChangeID        string           `json:"change_id"`
	IntentID        string           `json:"intent_id"`
	TenantID        string           `json:"tenant_id"`
	RestaurantID    string           `json:"restaurant_id"`
	ResourceKey     string           `json:"resource_key"`
	Version         int64            `json:"version"`
	IntentType      IntentType       `json:"intent_type"`
	ActorID         string           `json:"actor_id"`
	Kind            ChangeKind       `json:"kind"`
	BeforeSnapshot  json.RawMessage  `json:"before_snapshot"`
	AfterSnapshot   json.RawMessage  `json:"after_snapshot"`
	EffectiveWindow *EffectiveWindow `json:"effective_window,omitempty"`
	RevertsChangeID string           `json:"reverts_change_id,omitempty"`
	UndoToken       string           `json:"undo_token,omitempty"`
	Status          ChangeStatus     `json:"status"`
	AppliedAt       time.Time        `json:"applied_at"`
}

// Ref returns the resource the change belongs to.
func (c *ConfigChange) Ref() ResourceRef {
	return ResourceRef{
		Scope: Scope{TenantID: c.TenantID, RestaurantID: c.RestaurantID},
		Key:   c.ResourceKey,
	}
}

// Undoable reports whether the change can still be reverted by token.
func (c *ConfigChange) Undoable() bool {
	return c.Status == ChangeApplied && c.UndoToken != ""
}

// ConfigSnapshot is the current projection of one resource. State is the
// JSON literal null when the resource is absent.
type ConfigSnapshot struct {
	TenantID     string          `json:"tenant_id"`
	RestaurantID string          `json:"restaurant_id"`
	ResourceKey  string          `json:"resource_key"`
	Version      int64           `json:"version"`
	State        json.RawMessage `json:"state"`
	ChangeID     string          `json:"change_id"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NullState is the snapshot value of an absent resource.
var NullState = json.RawMessage("null")

// IsNullState reports whether s represents an absent resource.
func IsNullState(s json.RawMessage) bool {
	return len(s) == 0 || string(s) == "null"
}

// Commit is one atomic write of a change and its projection. ExpectedVersion
// is the version read before computing the change; Reverts, when set, names
// the change flipped to RevertStatus in the same transaction.
type Commit struct {
	Change          *ConfigChange
	ExpectedVersion int64
	Reverts         string
	RevertStatus    ChangeStatus
}
