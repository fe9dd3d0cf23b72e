package store

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gigmarket/ordersync/internal/metrics"
	"github.com/gigmarket/ordersync/internal/models"
)

// ConflictReason explains why an incoming snapshot was not applied
type ConflictReason string

const (
	// Incoming status cannot be reached from the local one
	ConflictUnreachable ConflictReason = "unreachable"
	// Local status is held by an in-flight action and the snapshot predates it
	ConflictHeld ConflictReason = "held"
	// Incoming record carried a status this client does not know
	ConflictInvalid ConflictReason = "invalid_status"
)

// Conflict is an incoming snapshot that lost against the local state
type Conflict struct {
	OrderID  string             `json:"order_id"`
	Local    models.OrderStatus `json:"local"`
	Incoming models.OrderStatus `json:"incoming"`
	Reason   ConflictReason     `json:"reason"`
}

// Store is the local view of orders. It hands out copies only.
type Store struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
	ids    []string
	holds  map[string]int

	// pending extras whose server copy arrived in a snapshot before the
	// action confirmed, by local key
	adopted map[string]struct{}

	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty store
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		orders: make(map[string]*models.Order),
		holds:   make(map[string]int),
		adopted: make(map[string]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

// UpsertOrders merges a fetched batch. Known orders take the incoming snapshot
// only if its status is reachable from the local one; everything else is
// reported as a conflict and the local order is kept.
func (s *Store) UpsertOrders(list []models.Order) []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []Conflict
	for _, incoming := range list {
		if incoming.ID == "" {
			continue
		}
		local, ok := s.orders[incoming.ID]
		if !incoming.Status.Valid() {
			c := Conflict{OrderID: incoming.ID, Incoming: incoming.Status, Reason: ConflictInvalid}
			if ok {
				c.Local = local.Status
			}
			conflicts = append(conflicts, c)
			continue
		}
		if !ok {
			o := incoming.Clone()
			s.orders[o.ID] = &o
			s.ids = append(s.ids, o.ID)
			continue
		}

		if reason, stale := s.staleLocked(local, incoming); stale {
			conflicts = append(conflicts, Conflict{
				OrderID:  incoming.ID,
				Local:    local.Status,
				Incoming: incoming.Status,
				Reason:   reason,
			})
			continue
		}

		merged, adopted := merge(*local, incoming)
		s.orders[incoming.ID] = &merged
		for _, key := range adopted {
			s.adopted[key] = struct{}{}
		}
	}

	for _, c := range conflicts {
		metrics.OrderConflicts.Add(1)
		s.logger.Warn("order snapshot conflict",
			"order_id", c.OrderID,
			"local", c.Local,
			"incoming", c.Incoming,
			"reason", c.Reason,
		)
	}
	return conflicts
}

func (s *Store) staleLocked(local *models.Order, incoming models.Order) (ConflictReason, bool) {
	if !Reachable(local.Status, incoming.Status) {
		return ConflictUnreachable, true
	}
	// extra_requested and in_progress reach each other; while an action holds
	// the order an older snapshot would undo the optimistic step
	if s.holds[local.ID] > 0 && local.Status != incoming.Status && Reachable(incoming.Status, local.Status) {
		return ConflictHeld, true
	}
	return "", false
}

// merge applies incoming over local keeping set-once and append-only fields.
// Pending extras that match a new server extra are dropped in its favour;
// their local keys are returned.
func merge(local, incoming models.Order) (models.Order, []string) {
	out := incoming.Clone()

	if local.OrderNumber != "" {
		out.OrderNumber = local.OrderNumber
	}
	for _, status := range models.OrderStatuses {
		dst := out.StampFor(status)
		if dst == nil {
			continue
		}
		if src := *local.StampFor(status); src != nil {
			v := *src
			*dst = &v
		}
	}
	if local.Review != nil {
		r := *local.Review
		out.Review = &r
	}

	confirmed := local.ConfirmedExtras()
	var fresh []models.Extra
	switch {
	case len(out.Extras) < len(confirmed):
		out.Extras = append([]models.Extra(nil), confirmed...)
	case len(out.Extras) > len(confirmed):
		fresh = slices.Clone(out.Extras[len(confirmed):])
	}

	var adopted []string
	for _, e := range local.Extras {
		if !e.Pending {
			continue
		}
		if i := slices.IndexFunc(fresh, func(f models.Extra) bool { return sameCharge(e, f) }); i >= 0 {
			fresh = slices.Delete(fresh, i, i+1)
			adopted = append(adopted, e.LocalKey)
			continue
		}
		out.Extras = append(out.Extras, e)
	}
	return out, adopted
}

// sameCharge reports whether a placeholder and a server extra describe the same charge
func sameCharge(placeholder, server models.Extra) bool {
	return placeholder.Description == server.Description &&
		placeholder.Amount.Equal(server.Amount) &&
		placeholder.PaidBy == server.PaidBy
}

// GetOrder returns a copy of the order
func (s *Store) GetOrder(id string) (models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return o.Clone(), true
}

// ApplyLocalTransition moves an order along one edge of the lifecycle graph
// and stamps the matching timestamp if it is not set yet.
func (s *Store) ApplyLocalTransition(id string, to models.OrderStatus) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("order %s: %w", id, models.ErrOrderNotFound)
	}
	if !CanTransition(o.Status, to) {
		return models.Order{}, &models.TransitionError{OrderID: id, From: o.Status, To: to}
	}

	o.Status = to
	if slot := o.StampFor(to); slot != nil && *slot == nil {
		now := s.now().UTC()
		*slot = &now
	}
	return o.Clone(), nil
}

// RevertTransition undoes an optimistic transition to `to`, restoring the status
// and timestamp from before. It does nothing if the order has since moved on.
func (s *Store) RevertTransition(id string, before models.Order, to models.OrderStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.Status != to {
		return false
	}
	o.Status = before.Status
	if slot := o.StampFor(to); slot != nil {
		prev := *before.StampFor(to)
		if prev == nil {
			*slot = nil
		} else {
			v := *prev
			*slot = &v
		}
	}
	return true
}

// AppendExtra adds a pending extra keyed by localKey
func (s *Store) AppendExtra(id, localKey string, extra models.Extra) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, models.ErrOrderNotFound)
	}
	if !CanAddExtra(o.Status) {
		return fmt.Errorf("order %s is %s: %w", id, o.Status, models.ErrInvalidState)
	}
	extra.LocalKey = localKey
	extra.Pending = true
	o.Extras = append(o.Extras, extra)
	return nil
}

// ConfirmExtra replaces the pending extra with the canonical record.
// Fields the canonical record leaves empty keep the placeholder's value.
// If a snapshot already carried the server's copy there is nothing left to
// replace and it reports true.
func (s *Store) ConfirmExtra(id, localKey string, canonical models.Extra) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.adopted[localKey]; ok {
		delete(s.adopted, localKey)
		return true
	}

	o, ok := s.orders[id]
	if !ok {
		return false
	}
	for i, e := range o.Extras {
		if e.LocalKey != localKey || !e.Pending {
			continue
		}
		if canonical.Description != "" {
			e.Description = canonical.Description
		}
		if !canonical.Amount.IsZero() {
			e.Amount = canonical.Amount
		}
		if canonical.PaidBy != "" {
			e.PaidBy = canonical.PaidBy
		}
		if canonical.ItemImageRef != "" {
			e.ItemImageRef = canonical.ItemImageRef
		}
		if canonical.ReceiptImageRef != "" {
			e.ReceiptImageRef = canonical.ReceiptImageRef
		}
		e.Pending = false
		e.LocalKey = ""
		o.Extras[i] = e
		return true
	}
	return false
}

// RemoveExtra drops a pending extra. An extra the server already reported
// is kept.
func (s *Store) RemoveExtra(id, localKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.adopted[localKey]; ok {
		delete(s.adopted, localKey)
		return false
	}

	o, ok := s.orders[id]
	if !ok {
		return false
	}
	for i, e := range o.Extras {
		if e.LocalKey == localKey && e.Pending {
			o.Extras = append(o.Extras[:i], o.Extras[i+1:]...)
			return true
		}
	}
	return false
}

// SetReview records the customer's review. A review cannot be replaced.
func (s *Store) SetReview(id string, review models.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, models.ErrOrderNotFound)
	}
	if o.Review != nil {
		return fmt.Errorf("order %s: %w", id, models.ErrReviewExists)
	}
	if review.SubmittedAt.IsZero() {
		review.SubmittedAt = s.now().UTC()
	}
	o.Review = &review
	return nil
}

// Hold marks the order as carrying an optimistic change. Call the returned
// func once the action resolves; extra calls are ignored.
func (s *Store) Hold(id string) (release func()) {
	s.mu.Lock()
	s.holds[id]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.holds[id]--; s.holds[id] <= 0 {
				delete(s.holds, id)
			}
		})
	}
}

// Held reports whether an action currently holds the order
func (s *Store) Held(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holds[id] > 0
}

// Len returns the number of cached orders
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// All returns copies of every order in insertion order
func (s *Store) All() []models.Order {
	var out []models.Order
	for o := range s.FilterByStatus(nil) {
		out = append(out, o)
	}
	return out
}

// FilterByStatus returns a lazy view of the orders whose status matches pred.
// Each range over the sequence reads the current state; nothing is mutated.
// A nil pred matches every order.
func (s *Store) FilterByStatus(pred func(models.OrderStatus) bool) iter.Seq[models.Order] {
	return func(yield func(models.Order) bool) {
		s.mu.RLock()
		ids := make([]string, len(s.ids))
		copy(ids, s.ids)
		s.mu.RUnlock()

		for _, id := range ids {
			o, ok := s.GetOrder(id)
			if !ok {
				continue
			}
			if pred != nil && !pred(o.Status) {
				continue
			}
			if !yield(o) {
				return
			}
		}
	}
}

// StatusIn builds a predicate for FilterByStatus
func StatusIn(statuses ...models.OrderStatus) func(models.OrderStatus) bool {
	set := make(map[models.OrderStatus]struct{}, len(statuses))
	for _, st := range statuses {
		set[st] = struct{}{}
	}
	return func(status models.OrderStatus) bool {
		_, ok := set[status]
		return ok
	}
}

// Active matches orders that have not reached a terminal status
func Active(status models.OrderStatus) bool {
	return !status.Terminal()
}
