package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gigmarket/ordersync/internal/events"
	"github.com/gigmarket/ordersync/internal/metrics"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/store"
	"github.com/gigmarket/ordersync/internal/transport"
)

// ExtraRequest describes an extra charge to add to an order
type ExtraRequest struct {
	OrderID         string          `json:"-"`
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	PaidBy          models.Payer    `json:"paid_by"`
	ItemImageRef    string          `json:"item_image_ref"`
	ReceiptImageRef string          `json:"receipt_image_ref"`
}

// Validate checks the request before anything is mutated
func (r ExtraRequest) Validate() error {
	if r.Description == "" {
		return fmt.Errorf("extra description is required: %w", models.ErrValidation)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("extra amount must be positive: %w", models.ErrValidation)
	}
	if r.PaidBy != models.PayerSelf && r.PaidBy != models.PayerCustomer {
		return fmt.Errorf("extra paid_by must be self or customer: %w", models.ErrValidation)
	}
	return nil
}

// tracked is a pending action plus what is needed to confirm or undo it
type tracked struct {
	action  models.PendingAction
	before  models.Order
	release func()
	undo    func()
	confirm func(resp *transport.Response)
}

// plan describes one lifecycle action
type plan struct {
	kind    models.ActionKind
	orderID string
	to      models.OrderStatus
	form    *transport.Form
	// precondition on the current order; no mutation happens if it fails
	check func(models.Order) error
	// optimistic change applied before the status transition
	apply   func(key string) error
	undo    func(key string)
	confirm func(key string, resp *transport.Response)
}

// Coordinator submits lifecycle actions with optimistic apply, confirm and
// rollback. At most one action per (order, kind) is in flight.
type Coordinator struct {
	client    transport.Submitter
	store     *store.Store
	snapshots SnapshotRepository
	publisher events.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	timeout   time.Duration
	selfID    string
	now       func() time.Time

	mu       sync.Mutex
	actions  map[string]*tracked
	inflight map[string]string
	attempts map[string]int
	epoch    uint64
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCoordinator creates a coordinator over the given store. snapshots may be
// nil; when set, orders are saved once their action resolves.
func NewCoordinator(client transport.Submitter, st *store.Store, snapshots SnapshotRepository, publisher events.Publisher, selfID string, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		client:    client,
		store:     st,
		snapshots: snapshots,
		publisher: publisher,
		logger:    logger.With("component", "coordinator"),
		tracer:    otel.Tracer("github.com/gigmarket/ordersync/internal/service"),
		timeout:   timeout,
		selfID:    selfID,
		now:       time.Now,
		actions:   make(map[string]*tracked),
		inflight:  make(map[string]string),
		attempts:  make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func slotKey(orderID string, kind models.ActionKind) string {
	return orderID + ":" + string(kind)
}

func updateForm(orderID string, status models.OrderStatus) *transport.Form {
	return transport.NewForm(transport.OpUpdateData).
		Set("table_name", "orders").
		Set("id", orderID).
		Set("status", string(status))
}

// RequestExtra adds an extra charge. The order moves to extra_requested and a
// placeholder extra is shown until the backend returns the canonical record.
func (c *Coordinator) RequestExtra(ctx context.Context, req ExtraRequest) (models.Order, error) {
	if err := req.Validate(); err != nil {
		return models.Order{}, err
	}

	form := updateForm(req.OrderID, models.OrderStatusExtraRequested).
		Set("extra_description", req.Description).
		Set("extra_amount", req.Amount.StringFixed(2)).
		Set("extra_paid_by", string(req.PaidBy)).
		SetIf("extra_item_image", req.ItemImageRef).
		SetIf("extra_receipt_image", req.ReceiptImageRef)

	return c.perform(ctx, plan{
		kind:    models.ActionExtra,
		orderID: req.OrderID,
		to:      models.OrderStatusExtraRequested,
		form:    form,
		check: func(o models.Order) error {
			if !store.CanAddExtra(o.Status) {
				return fmt.Errorf("cannot add extra to order %s in status %s: %w", o.ID, o.Status, models.ErrInvalidState)
			}
			return nil
		},
		apply: func(key string) error {
			return c.store.AppendExtra(req.OrderID, key, models.Extra{
				Description:     req.Description,
				Amount:          req.Amount,
				PaidBy:          req.PaidBy,
				ItemImageRef:    req.ItemImageRef,
				ReceiptImageRef: req.ReceiptImageRef,
			})
		},
		undo: func(key string) {
			c.store.RemoveExtra(req.OrderID, key)
		},
		confirm: func(key string, resp *transport.Response) {
			canonical, _, err := resp.Extra()
			if err != nil {
				c.logger.Warn("could not decode confirmed extra", "order_id", req.OrderID, "error", err)
			}
			c.store.ConfirmExtra(req.OrderID, key, canonical)
		},
	})
}

// ResolveExtra returns an order from extra_requested to in_progress
func (c *Coordinator) ResolveExtra(ctx context.Context, orderID string) (models.Order, error) {
	return c.perform(ctx, plan{
		kind:    models.ActionResolveExtra,
		orderID: orderID,
		to:      models.OrderStatusInProgress,
		form:    updateForm(orderID, models.OrderStatusInProgress),
		check: func(o models.Order) error {
			if o.Status != models.OrderStatusExtraRequested {
				return fmt.Errorf("order %s has no extra awaiting approval: %w", o.ID, models.ErrInvalidState)
			}
			return nil
		},
	})
}

// CancelOrder cancels any order that is not completed or cancelled
func (c *Coordinator) CancelOrder(ctx context.Context, orderID string) (models.Order, error) {
	return c.perform(ctx, plan{
		kind:    models.ActionCancel,
		orderID: orderID,
		to:      models.OrderStatusCancelled,
		form:    updateForm(orderID, models.OrderStatusCancelled),
		check: func(o models.Order) error {
			if o.Status.Terminal() {
				return fmt.Errorf("order %s is already %s: %w", o.ID, o.Status, models.ErrInvalidState)
			}
			return nil
		},
	})
}

// CompleteOrder completes an in-progress order. The review, if any, is stored
// once the backend confirms and cannot be changed afterwards.
func (c *Coordinator) CompleteOrder(ctx context.Context, orderID string, review *models.Review) (models.Order, error) {
	if review != nil && (review.Rating < 1 || review.Rating > 5) {
		return models.Order{}, fmt.Errorf("rating must be between 1 and 5: %w", models.ErrValidation)
	}

	form := updateForm(orderID, models.OrderStatusCompleted)
	if review != nil {
		form.Set("rating", fmt.Sprint(review.Rating)).SetIf("review", review.Comment)
	}

	return c.perform(ctx, plan{
		kind:    models.ActionComplete,
		orderID: orderID,
		to:      models.OrderStatusCompleted,
		form:    form,
		check: func(o models.Order) error {
			if o.Status != models.OrderStatusInProgress {
				return fmt.Errorf("order %s is %s, not in progress: %w", o.ID, o.Status, models.ErrInvalidState)
			}
			if review != nil && o.Review != nil {
				return fmt.Errorf("order %s: %w", o.ID, models.ErrReviewExists)
			}
			return nil
		},
		confirm: func(_ string, _ *transport.Response) {
			if review == nil {
				return
			}
			if err := c.store.SetReview(orderID, *review); err != nil {
				c.logger.Warn("review not stored", "order_id", orderID, "error", err)
			}
		},
	})
}

// Advance moves an order forward on the provider side: accept, leave, arrive, start work
func (c *Coordinator) Advance(ctx context.Context, orderID string, to models.OrderStatus) (models.Order, error) {
	switch to {
	case models.OrderStatusAccepted, models.OrderStatusOnTheWay, models.OrderStatusArrived, models.OrderStatusInProgress:
	default:
		return models.Order{}, fmt.Errorf("cannot advance to %q: %w", to, models.ErrValidation)
	}

	form := updateForm(orderID, to)
	if to == models.OrderStatusAccepted {
		form.SetIf("to_id", c.selfID)
	}

	return c.perform(ctx, plan{
		kind:    models.ActionAdvance,
		orderID: orderID,
		to:      to,
		form:    form,
		check: func(o models.Order) error {
			if !store.CanTransition(o.Status, to) {
				return &models.TransitionError{OrderID: o.ID, From: o.Status, To: to}
			}
			return nil
		},
	})
}

func (c *Coordinator) perform(ctx context.Context, p plan) (models.Order, error) {
	key, root, optimistic, err := c.begin(p)
	if err != nil {
		return models.Order{}, err
	}
	c.publisher.Publish(events.Event{Kind: events.OrderUpdated, OrderID: p.orderID, Data: optimistic})

	ctx, span := c.tracer.Start(ctx, "action."+string(p.kind), trace.WithAttributes(
		attribute.String("order.id", p.orderID),
		attribute.String("action.key", key),
		attribute.String("order.status.to", string(p.to)),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(root, cancel)
	defer stop()

	p.form.Set("idempotency_key", key)
	resp, err := c.client.Submit(callCtx, p.form)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "action failed")
		return models.Order{}, c.fail(key, err)
	}
	return c.HandleConfirmation(key, resp)
}

// begin validates and applies the optimistic change under the lock
func (c *Coordinator) begin(p plan) (string, context.Context, models.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := slotKey(p.orderID, p.kind)
	if key, busy := c.inflight[slot]; busy {
		return "", nil, models.Order{}, fmt.Errorf("%s on order %s (%s): %w", p.kind, p.orderID, key, models.ErrActionInFlight)
	}

	before, ok := c.store.GetOrder(p.orderID)
	if !ok {
		return "", nil, models.Order{}, fmt.Errorf("order %s: %w", p.orderID, models.ErrOrderNotFound)
	}
	if p.check != nil {
		if err := p.check(before); err != nil {
			return "", nil, models.Order{}, err
		}
	}

	c.attempts[slot]++
	key := models.IdempotencyKey(p.orderID, p.kind, c.attempts[slot])

	if p.apply != nil {
		if err := p.apply(key); err != nil {
			return "", nil, models.Order{}, err
		}
	}
	optimistic, err := c.store.ApplyLocalTransition(p.orderID, p.to)
	if err != nil {
		if p.undo != nil {
			p.undo(key)
		}
		c.logger.Error("optimistic transition rejected", "order_id", p.orderID, "kind", p.kind, "error", err)
		return "", nil, models.Order{}, err
	}

	t := &tracked{
		action: models.PendingAction{
			IdempotencyKey: key,
			Kind:           p.kind,
			OrderID:        p.orderID,
			Payload:        p.form.Fields(),
			Status:         models.ActionInFlight,
			CreatedAt:      c.now().UTC(),
			PrevStatus:     before.Status,
			NextStatus:     p.to,
			Epoch:          c.epoch,
		},
		before:  before,
		release: c.store.Hold(p.orderID),
	}
	if p.undo != nil {
		t.undo = func() { p.undo(key) }
	}
	if p.confirm != nil {
		t.confirm = func(resp *transport.Response) { p.confirm(key, resp) }
	}
	c.actions[key] = t
	c.inflight[slot] = key

	c.logger.Info("action submitted", "order_id", p.orderID, "kind", p.kind, "key", key, "from", before.Status, "to", p.to)
	return key, c.ctx, optimistic, nil
}

// HandleConfirmation applies a successful backend answer to the action
// identified by key. Confirming an already confirmed action is a no-op; a
// confirmation for a failed action is stale and changes nothing.
func (c *Coordinator) HandleConfirmation(key string, resp *transport.Response) (models.Order, error) {
	c.mu.Lock()
	t, ok := c.actions[key]
	if !ok {
		c.mu.Unlock()
		return models.Order{}, fmt.Errorf("unknown action %s: %w", key, models.ErrStaleResponse)
	}

	switch {
	case t.action.Status == models.ActionConfirmed:
		order, _ := c.store.GetOrder(t.action.OrderID)
		c.mu.Unlock()
		c.logger.Debug("duplicate confirmation ignored", "key", key)
		return order, nil
	case t.action.Status == models.ActionFailed, t.action.Epoch != c.epoch:
		c.mu.Unlock()
		metrics.StaleResponses.Add(1)
		c.logger.Info("discarding stale confirmation", "key", key, "status", t.action.Status)
		return models.Order{}, fmt.Errorf("action %s: %w", key, models.ErrStaleResponse)
	}

	if t.confirm != nil {
		t.confirm(resp)
	}
	now := c.now().UTC()
	t.action.Status = models.ActionConfirmed
	t.action.ResolvedAt = &now
	t.release()
	delete(c.inflight, slotKey(t.action.OrderID, t.action.Kind))

	// the backend may echo the order; merge it now that the hold is released
	if resp != nil && len(resp.Data) > 0 {
		if echoed, err := resp.Orders(c.selfID); err == nil {
			for _, o := range echoed {
				if o.ID == t.action.OrderID {
					c.store.UpsertOrders([]models.Order{o})
				}
			}
		}
	}

	order, _ := c.store.GetOrder(t.action.OrderID)
	action := t.action
	c.mu.Unlock()

	metrics.ActionsConfirmed.Add(1)
	c.logger.Info("action confirmed", "order_id", action.OrderID, "kind", action.Kind, "key", key)
	c.publisher.Publish(events.Event{Kind: events.ActionConfirmed, OrderID: action.OrderID, Data: action})
	c.publisher.Publish(events.Event{Kind: events.OrderUpdated, OrderID: action.OrderID, Data: order})
	c.saveSnapshot(order)
	return order, nil
}

func (c *Coordinator) fail(key string, cause error) error {
	c.mu.Lock()
	t, ok := c.actions[key]
	if !ok || t.action.Status != models.ActionInFlight {
		c.mu.Unlock()
		metrics.StaleResponses.Add(1)
		return fmt.Errorf("action %s: %w", key, models.ErrStaleResponse)
	}
	reason := failureReason(cause)
	c.rollbackLocked(t, reason)
	action := t.action
	order, _ := c.store.GetOrder(action.OrderID)
	c.mu.Unlock()

	metrics.ActionsFailed.Add(1)
	c.logger.Warn("action failed, rolled back", "order_id", action.OrderID, "kind", action.Kind, "key", key, "error", cause)
	c.publisher.Publish(events.Event{Kind: events.ActionFailed, OrderID: action.OrderID, Data: action})
	c.publisher.Publish(events.Event{Kind: events.OrderUpdated, OrderID: action.OrderID, Data: order})
	c.saveSnapshot(order)

	return &models.ActionFailedError{
		Kind:    action.Kind,
		OrderID: action.OrderID,
		Reason:  reason,
		Err:     cause,
	}
}

// saveSnapshot persists the order once no action holds it. A snapshot must
// never carry an optimistic status.
func (c *Coordinator) saveSnapshot(order models.Order) {
	if c.snapshots == nil || order.ID == "" || c.store.Held(order.ID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.snapshots.SaveAll(ctx, []models.Order{order}); err != nil {
		c.logger.Error("failed to save order snapshot", "order_id", order.ID, "error", err)
	}
}

func (c *Coordinator) rollbackLocked(t *tracked, reason string) {
	if t.undo != nil {
		t.undo()
	}
	c.store.RevertTransition(t.action.OrderID, t.before, t.action.NextStatus)
	t.release()

	now := c.now().UTC()
	t.action.Status = models.ActionFailed
	t.action.Error = reason
	t.action.ResolvedAt = &now
	delete(c.inflight, slotKey(t.action.OrderID, t.action.Kind))
}

func failureReason(err error) string {
	var rejected *transport.RejectedError
	if errors.As(err, &rejected) && rejected.Message != "" {
		return rejected.Message
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch {
		case terr.Timeout():
			return "the server did not answer in time"
		case terr.StatusCode != 0:
			return fmt.Sprintf("the server answered with status %d", terr.StatusCode)
		}
		return "could not reach the server"
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return err.Error()
}

// Actions returns the actions recorded for an order, oldest first
func (c *Coordinator) Actions(orderID string) []models.PendingAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.PendingAction
	for _, t := range c.actions {
		if t.action.OrderID == orderID {
			out = append(out, t.action)
		}
	}
	sortActions(out)
	return out
}

// InFlight reports whether an action of kind is pending for the order
func (c *Coordinator) InFlight(orderID string, kind models.ActionKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[slotKey(orderID, kind)]
	return ok
}

// Close cancels in-flight calls and rolls back their optimistic changes.
// Responses that arrive afterwards are discarded. The coordinator stays usable.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.epoch++
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())

	var rolled []models.PendingAction
	for _, key := range c.inflight {
		t := c.actions[key]
		c.rollbackLocked(t, "session closed")
		rolled = append(rolled, t.action)
	}
	c.mu.Unlock()

	for _, a := range rolled {
		c.logger.Info("in-flight action abandoned", "order_id", a.OrderID, "kind", a.Kind, "key", a.IdempotencyKey)
		c.publisher.Publish(events.Event{Kind: events.ActionFailed, OrderID: a.OrderID, Data: a})
		if order, ok := c.store.GetOrder(a.OrderID); ok {
			c.saveSnapshot(order)
		}
	}
}

func sortActions(list []models.PendingAction) {
	slices.SortFunc(list, func(a, b models.PendingAction) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.IdempotencyKey, b.IdempotencyKey)
	})
}
