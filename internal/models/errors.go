package models

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidState      = errors.New("invalid order state")
	ErrStaleResponse     = errors.New("stale response")
	ErrActionInFlight    = errors.New("action already in flight")
	ErrReviewExists      = errors.New("review already submitted")
	ErrNoActiveOrder     = errors.New("no active order")
	ErrValidation        = errors.New("validation failed")
)

// TransitionError reports a status change that is not an edge of the lifecycle graph
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: %s -> %s: %v", e.OrderID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ActionFailedError wraps a transport or server failure that happened after an
// optimistic change was applied. The change has been rolled back when it is returned.
type ActionFailedError struct {
	Kind    ActionKind
	OrderID string
	Reason  string
	Err     error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("%s on order %s failed: %s", e.Kind, e.OrderID, e.Reason)
}

func (e *ActionFailedError) Unwrap() error {
	return e.Err
}
