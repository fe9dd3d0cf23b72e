package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gigmarket/ordersync/internal/events"
	"github.com/gigmarket/ordersync/internal/metrics"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/store"
	"github.com/gigmarket/ordersync/internal/transport"
)

// SnapshotRepository persists the last known state of orders
type SnapshotRepository interface {
	SaveAll(ctx context.Context, orders []models.Order) error
	List(ctx context.Context, status *models.OrderStatus) ([]models.Order, error)
}

// Query selects orders on the backend. Empty fields are not sent.
type Query struct {
	UserID    string
	ToID      string
	CompanyID string
	ID        string
}

func (q Query) form() *transport.Form {
	return transport.NewForm(transport.OpGetData).
		Set("table_name", "orders").
		SetIf("user_id", q.UserID).
		SetIf("to_id", q.ToID).
		SetIf("company_id", q.CompanyID).
		SetIf("id", q.ID)
}

// OrderService fetches orders from the backend into the local store
type OrderService struct {
	client    transport.Submitter
	store     *store.Store
	snapshots SnapshotRepository
	publisher events.Publisher
	logger    *slog.Logger
	selfID    string
	timeout   time.Duration

	busy atomic.Bool
}

// NewOrderService creates a new order service. snapshots may be nil.
func NewOrderService(client transport.Submitter, st *store.Store, snapshots SnapshotRepository, publisher events.Publisher, selfID string, timeout time.Duration, logger *slog.Logger) *OrderService {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	return &OrderService{
		client:    client,
		store:     st,
		snapshots: snapshots,
		publisher: publisher,
		logger:    logger.With("component", "orders"),
		selfID:    selfID,
		timeout:   timeout,
	}
}

// Refresh fetches the orders matching q and merges them into the store.
// It returns the merged orders as they are now held locally.
func (s *OrderService) Refresh(ctx context.Context, q Query) ([]models.Order, []store.Conflict, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Submit(ctx, q.form())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch orders: %w", err)
	}
	if err := resp.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch orders: %w", err)
	}

	incoming, err := resp.Orders(s.selfID)
	if err != nil {
		s.logger.Warn("skipped undecodable orders", "error", err)
	}

	conflicts := s.store.UpsertOrders(incoming)
	for _, c := range conflicts {
		s.publisher.Publish(events.Event{Kind: events.OrderConflict, OrderID: c.OrderID, Data: c})
	}

	current := make([]models.Order, 0, len(incoming))
	for _, o := range incoming {
		local, ok := s.store.GetOrder(o.ID)
		if !ok {
			continue
		}
		current = append(current, local)
		s.publisher.Publish(events.Event{Kind: events.OrderUpdated, OrderID: local.ID, Data: local})
	}

	// orders held by an in-flight action carry optimistic state; the
	// coordinator saves them once the action resolves
	var settled []models.Order
	for _, o := range current {
		if !s.store.Held(o.ID) {
			settled = append(settled, o)
		}
	}
	if s.snapshots != nil && len(settled) > 0 {
		if err := s.snapshots.SaveAll(ctx, settled); err != nil {
			s.logger.Error("failed to save order snapshots", "count", len(settled), "error", err)
		}
	}

	s.logger.Debug("orders refreshed", "fetched", len(incoming), "conflicts", len(conflicts))
	return current, conflicts, nil
}

// Fetch refreshes a single order by id and returns the local copy
func (s *OrderService) Fetch(ctx context.Context, orderID string) (models.Order, error) {
	if orderID == "" {
		return models.Order{}, fmt.Errorf("order id is required: %w", models.ErrValidation)
	}
	if _, _, err := s.Refresh(ctx, Query{ID: orderID}); err != nil {
		return models.Order{}, err
	}
	order, ok := s.store.GetOrder(orderID)
	if !ok {
		return models.Order{}, fmt.Errorf("order %s: %w", orderID, models.ErrOrderNotFound)
	}
	return order, nil
}

// GetOrder returns an order from the local store
func (s *OrderService) GetOrder(orderID string) (models.Order, error) {
	order, ok := s.store.GetOrder(orderID)
	if !ok {
		return models.Order{}, fmt.Errorf("order %s: %w", orderID, models.ErrOrderNotFound)
	}
	return order, nil
}

// ListOrders lists local orders, optionally filtered by status
func (s *OrderService) ListOrders(status *models.OrderStatus) []models.Order {
	pred := func(models.OrderStatus) bool { return true }
	if status != nil {
		pred = store.StatusIn(*status)
	}
	var out []models.Order
	for o := range s.store.FilterByStatus(pred) {
		out = append(out, o)
	}
	return out
}

// Warm loads persisted snapshots into the store. Snapshots never override
// fresher local state; they go through the same merge as fetched orders.
func (s *OrderService) Warm(ctx context.Context) (int, error) {
	if s.snapshots == nil {
		return 0, nil
	}
	orders, err := s.snapshots.List(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to load order snapshots: %w", err)
	}
	conflicts := s.store.UpsertOrders(orders)
	s.logger.Info("order snapshots loaded", "count", len(orders), "conflicts", len(conflicts))
	return len(orders), nil
}

// Watch refreshes q every interval until ctx is done. A tick is skipped
// while the previous refresh is still running.
func (s *OrderService) Watch(ctx context.Context, q Query, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.refreshOnce(ctx, q)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshOnce(ctx, q)
		}
	}
}

func (s *OrderService) refreshOnce(ctx context.Context, q Query) bool {
	if !s.busy.CompareAndSwap(false, true) {
		metrics.RefreshesSkipped.Add(1)
		return false
	}
	defer s.busy.Store(false)

	metrics.OrderRefreshes.Add(1)
	if _, _, err := s.Refresh(ctx, q); err != nil {
		metrics.RefreshFailures.Add(1)
		s.logger.Warn("order refresh failed", "error", err)
		return false
	}
	return true
}
