package websockets

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gigmarket/ordersync/internal/events"
)

type outbound struct {
	orderID string
	payload []byte
}

// Hub fans engine events out to connected UI clients. A client without
// subscriptions receives everything; otherwise it receives events for the
// orders it subscribed to plus events that belong to no order.
type Hub struct {
	clients map[*Client]bool

	register chan *Client

	unregister chan *Client

	broadcast chan outbound

	subscriptions map[*Client]map[string]bool

	done chan struct{}

	mu     sync.Mutex
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broadcast:     make(chan outbound, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		clients:       make(map[*Client]bool),
		subscriptions: make(map[*Client]map[string]bool),
		done:          make(chan struct{}),
		logger:        logger.With("component", "websockets"),
	}
}

// Handle queues an event for delivery. It never blocks the publisher; when
// the hub is backed up the event is dropped.
func (h *Hub) Handle(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event", "kind", e.Kind, "error", err)
		return
	}
	payload, err := json.Marshal(Message{Type: TypeEvent, OrderID: e.OrderID, Data: data})
	if err != nil {
		h.logger.Error("failed to encode message", "kind", e.Kind, "error", err)
		return
	}

	select {
	case h.broadcast <- outbound{orderID: e.OrderID, payload: payload}:
	default:
		h.logger.Warn("event feed backed up, dropping event", "kind", e.Kind, "order_id", e.OrderID)
	}
}

func (h *Hub) Subscribe(client *Client, orderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}
	if _, ok := h.subscriptions[client]; !ok {
		h.subscriptions[client] = make(map[string]bool)
	}
	h.subscriptions[client][orderID] = true
}

func (h *Hub) Unsubscribe(client *Client, orderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscriptions[client]; ok {
		delete(subs, orderID)
		if len(subs) == 0 {
			delete(h.subscriptions, client)
		}
	}
}

// sendTo delivers a message to one client if it is still connected
func (h *Hub) sendTo(client *Client, message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}
	select {
	case client.send <- message:
	default:
		h.removeLocked(client)
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) wantsLocked(client *Client, orderID string) bool {
	subs := h.subscriptions[client]
	return orderID == "" || len(subs) == 0 || subs[orderID]
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		delete(h.subscriptions, client)
		close(client.send)
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			h.removeLocked(client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !h.wantsLocked(client, message.orderID) {
					continue
				}
				select {
				case client.send <- message.payload:
				default:
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}
