package models

import (
	"fmt"
	"time"
)

// ActionKind names a lifecycle mutation submitted to the backend
type ActionKind string

const (
	ActionAdvance      ActionKind = "advance"
	ActionExtra        ActionKind = "extra"
	ActionResolveExtra ActionKind = "resolve_extra"
	ActionCancel       ActionKind = "cancel"
	ActionComplete     ActionKind = "complete"
	ActionMessage      ActionKind = "message"
)

// ActionStatus represents where a pending action is in its lifecycle
type ActionStatus string

const (
	ActionInFlight  ActionStatus = "in_flight"
	ActionConfirmed ActionStatus = "confirmed"
	ActionFailed    ActionStatus = "failed"
)

// PendingAction is an in-flight lifecycle mutation with its optimistic change already applied
type PendingAction struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Kind           ActionKind        `json:"kind"`
	OrderID        string            `json:"order_id"`
	Payload        map[string]string `json:"payload"`
	Status         ActionStatus      `json:"status"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`

	// Status the order had before the optimistic transition
	PrevStatus OrderStatus `json:"prev_status"`
	// Status applied optimistically
	NextStatus OrderStatus `json:"next_status"`
	Epoch      uint64      `json:"-"`
}

// IdempotencyKey derives the key for the attempt-th submission of kind on an order
func IdempotencyKey(orderID string, kind ActionKind, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", orderID, kind, attempt)
}
