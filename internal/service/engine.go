package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gigmarket/ordersync/internal/chat"
	"github.com/gigmarket/ordersync/internal/kv"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/store"
)

// Engine ties the order store, the action coordinator and the chat loop to
// the order the user currently has open.
type Engine struct {
	store       *store.Store
	orders      *OrderService
	coordinator *Coordinator
	chat        *chat.Loop
	kv          kv.Store
	logger      *slog.Logger
}

// NewEngine wires the components together
func NewEngine(st *store.Store, orders *OrderService, coordinator *Coordinator, loop *chat.Loop, kvStore kv.Store, logger *slog.Logger) *Engine {
	if kvStore == nil {
		kvStore = kv.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       st,
		orders:      orders,
		coordinator: coordinator,
		chat:        loop,
		kv:          kvStore,
		logger:      logger.With("component", "engine"),
	}
}

// Open makes orderID the active order: it is remembered, fetched and its
// chat is polled. If the fetch fails but the order is known locally, the
// local copy is used.
func (e *Engine) Open(ctx context.Context, orderID string) (models.Order, error) {
	if orderID == "" {
		return models.Order{}, fmt.Errorf("order id is required: %w", models.ErrValidation)
	}
	if err := e.kv.Set(ctx, kv.KeyOrderID, orderID); err != nil {
		return models.Order{}, fmt.Errorf("failed to persist active order: %w", err)
	}

	order, err := e.orders.Fetch(ctx, orderID)
	if err != nil {
		local, ok := e.store.GetOrder(orderID)
		if !ok {
			return models.Order{}, err
		}
		e.logger.Warn("using local copy of order", "order_id", orderID, "error", err)
		order = local
	}

	e.chat.Start(orderID)
	e.logger.Info("order opened", "order_id", orderID, "status", order.Status)
	return order, nil
}

// Resume reopens the order remembered by a previous Open
func (e *Engine) Resume(ctx context.Context) (models.Order, error) {
	orderID, ok, err := e.kv.Get(ctx, kv.KeyOrderID)
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to read active order: %w", err)
	}
	if !ok || orderID == "" {
		return models.Order{}, models.ErrNoActiveOrder
	}
	return e.Open(ctx, orderID)
}

// Leave stops following the active order
func (e *Engine) Leave(ctx context.Context) error {
	orderID := e.chat.ActiveOrder()
	e.chat.Stop()
	if err := e.kv.Remove(ctx, kv.KeyOrderID); err != nil {
		return fmt.Errorf("failed to clear active order: %w", err)
	}
	e.logger.Info("order left", "order_id", orderID)
	return nil
}

// Warm loads persisted snapshots so orders are available before the first fetch
func (e *Engine) Warm(ctx context.Context) error {
	_, err := e.orders.Warm(ctx)
	return err
}

// SendMessage sends a chat message on orderID. The recipient defaults to
// the order's counterparty.
func (e *Engine) SendMessage(ctx context.Context, orderID string, content chat.Content) (models.ChatMessage, error) {
	if content.ToID == "" {
		if order, ok := e.store.GetOrder(orderID); ok && order.HasCounterparty() {
			content.ToID = order.CounterpartyID
		}
	}
	return e.chat.SendMessage(ctx, orderID, content)
}

// ActiveOrder returns the open order, if any
func (e *Engine) ActiveOrder() (models.Order, error) {
	orderID := e.chat.ActiveOrder()
	if orderID == "" {
		return models.Order{}, models.ErrNoActiveOrder
	}
	order, ok := e.store.GetOrder(orderID)
	if !ok {
		return models.Order{}, fmt.Errorf("order %s: %w", orderID, models.ErrOrderNotFound)
	}
	return order, nil
}

// Close stops polling and abandons in-flight actions
func (e *Engine) Close() {
	e.chat.Stop()
	e.coordinator.Close()
}

func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) Chat() *chat.Loop { return e.chat }

func (e *Engine) Coordinator() *Coordinator { return e.coordinator }

func (e *Engine) Orders() *OrderService { return e.orders }
