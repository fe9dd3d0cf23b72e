package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle status of a service order
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusAccepted       OrderStatus = "accepted"
	OrderStatusOnTheWay       OrderStatus = "on_the_way"
	OrderStatusArrived        OrderStatus = "arrived"
	OrderStatusInProgress     OrderStatus = "in_progress"
	OrderStatusExtraRequested OrderStatus = "extra_requested"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// OrderStatuses lists every known status in lifecycle order
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusAccepted,
	OrderStatusOnTheWay,
	OrderStatusArrived,
	OrderStatusInProgress,
	OrderStatusExtraRequested,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	for _, known := range OrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// PaymentStatus represents the settlement state of an order payment
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// Payer identifies who settles an extra charge
type Payer string

const (
	PayerSelf     Payer = "self"
	PayerCustomer Payer = "customer"
)

// Payment holds the payment terms of an order
type Payment struct {
	Method          string          `json:"method"`
	Status          PaymentStatus   `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

// Extra is an additional charge added to an order while work is under way
type Extra struct {
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	PaidBy          Payer           `json:"paid_by"`
	ItemImageRef    string          `json:"item_image_ref"`
	ReceiptImageRef string          `json:"receipt_image_ref"`

	// Set on entries created locally before the backend confirmed them
	LocalKey string `json:"local_key,omitempty"`
	Pending  bool   `json:"pending,omitempty"`
}

// Review is the customer's rating left when an order completes
type Review struct {
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Order represents a service order exchanged between a customer and a provider
type Order struct {
	ID             string      `json:"id"`
	OrderNumber    string      `json:"order_number"`
	Status         OrderStatus `json:"status"`
	CounterpartyID string      `json:"counterparty_id"`

	CreatedAt     *time.Time `json:"created_at"`
	AcceptedAt    *time.Time `json:"accepted_at"`
	ArrivedAt     *time.Time `json:"arrived_at"`
	WorkStartedAt *time.Time `json:"work_started_at"`
	CompletedAt   *time.Time `json:"completed_at"`

	Payment Payment `json:"payment"`
	Extras  []Extra `json:"extras"`
	Review  *Review `json:"review,omitempty"`
}

// HasCounterparty reports whether another party is assigned to the order.
// The backend uses "0" for an unassigned provider; empty and "null" mean the same.
func (o Order) HasCounterparty() bool {
	return !IsUnassigned(o.CounterpartyID)
}

// IsUnassigned reports whether id is one of the backend's "nobody" sentinels
func IsUnassigned(id string) bool {
	switch id {
	case "", "0", "null":
		return true
	}
	return false
}

// ConfirmedExtras returns the extras the backend has acknowledged
func (o Order) ConfirmedExtras() []Extra {
	var out []Extra
	for _, e := range o.Extras {
		if !e.Pending {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns a deep copy so callers never share slices or pointers with a store
func (o Order) Clone() Order {
	c := o
	c.CreatedAt = cloneTime(o.CreatedAt)
	c.AcceptedAt = cloneTime(o.AcceptedAt)
	c.ArrivedAt = cloneTime(o.ArrivedAt)
	c.WorkStartedAt = cloneTime(o.WorkStartedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	if o.Extras != nil {
		c.Extras = make([]Extra, len(o.Extras))
		copy(c.Extras, o.Extras)
	}
	if o.Review != nil {
		r := *o.Review
		c.Review = &r
	}
	return c
}

// StampFor returns the timestamp slot recorded when status is first reached,
// or nil when the status has no dedicated timestamp.
func (o *Order) StampFor(status OrderStatus) **time.Time {
	switch status {
	case OrderStatusPending:
		return &o.CreatedAt
	case OrderStatusAccepted:
		return &o.AcceptedAt
	case OrderStatusArrived:
		return &o.ArrivedAt
	case OrderStatusInProgress:
		return &o.WorkStartedAt
	case OrderStatusCompleted:
		return &o.CompletedAt
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
