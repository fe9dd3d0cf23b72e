package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an engine event
type Kind string

const (
	OrderUpdated       Kind = "order.updated"
	OrderConflict      Kind = "order.conflict"
	ActionConfirmed    Kind = "action.confirmed"
	ActionFailed       Kind = "action.failed"
	ChatMessage        Kind = "chat.message"
	ChatUpdated        Kind = "chat.updated"
	ConnectionLost     Kind = "connection.lost"
	ConnectionRestored Kind = "connection.restored"
)

// Event is a state change published to observers
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	OrderID string    `json:"order_id,omitempty"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

// Handler observes events. Handlers run on the publisher's goroutine and must not block.
type Handler func(e Event)

// Bus fans events out to subscribed handlers
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	logger   *slog.Logger
}

// NewBus creates an empty bus
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers h and returns a func that removes it
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish stamps the event and delivers it to every handler. A panicking
// handler is logged and does not affect the others.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	h(e)
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(Event) {}
