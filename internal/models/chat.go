package models

import "time"

// SenderRole tells whether a chat message was written by the local user
type SenderRole string

const (
	SenderSelf         SenderRole = "self"
	SenderCounterparty SenderRole = "counterparty"
)

// MessageKind distinguishes plain text from uploaded files
type MessageKind string

const (
	MessageKindText MessageKind = "text"
	MessageKindFile MessageKind = "file"
)

// Delivery tracks a locally sent message until the server copy shows up
type Delivery string

const (
	DeliverySent    Delivery = "sent"
	DeliveryPending Delivery = "pending"
	DeliveryFailed  Delivery = "failed"
)

// ChatMessage is one entry of an order conversation.
// Server messages carry ID; optimistic local entries carry LocalID until reconciled.
type ChatMessage struct {
	ID       string      `json:"id,omitempty"`
	LocalID  string      `json:"local_id,omitempty"`
	OrderID  string      `json:"order_id"`
	Sender   SenderRole  `json:"sender"`
	Body     string      `json:"body"`
	Kind     MessageKind `json:"kind"`
	SentAt   time.Time   `json:"sent_at"`
	Delivery Delivery    `json:"delivery"`
}

// Local reports whether the message is an optimistic entry
func (m ChatMessage) Local() bool {
	return m.ID == "" && m.LocalID != ""
}

// Key returns the identifier the message is addressed by
func (m ChatMessage) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}
