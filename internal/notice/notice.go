// Package notice turns prolonged sync loss into a single user-facing
// "connection" notice, rate-limited across loss episodes.
package notice

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gigmarket/ordersync/internal/events"
	"github.com/gigmarket/ordersync/internal/metrics"
)

// Notifier publishes connection.lost / connection.restored events
type Notifier struct {
	publisher events.Publisher
	limiter   *rate.Limiter
	threshold time.Duration

	mu      sync.Mutex
	lost    bool
	noticed bool
}

// New creates a notifier that fires after threshold without a successful sync
// and at most once per minInterval
func New(publisher events.Publisher, threshold, minInterval time.Duration) *Notifier {
	if publisher == nil {
		publisher = events.Discard{}
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Notifier{
		publisher: publisher,
		limiter:   rate.NewLimiter(limit, 1),
		threshold: threshold,
	}
}

// Threshold returns how long sync may fail before a notice is due
func (n *Notifier) Threshold() time.Duration {
	return n.threshold
}

// Failure reports a failed sync for orderID; lastSuccess is the time of the
// last good sync. It returns true if a notice was published.
func (n *Notifier) Failure(orderID string, lastSuccess, now time.Time) bool {
	if now.Sub(lastSuccess) < n.threshold {
		return false
	}

	n.mu.Lock()
	n.lost = true
	if n.noticed || !n.limiter.AllowN(now, 1) {
		n.mu.Unlock()
		return false
	}
	n.noticed = true
	n.mu.Unlock()

	metrics.ConnectionLost.Add(1)
	n.publisher.Publish(events.Event{
		Kind:    events.ConnectionLost,
		OrderID: orderID,
		Data: map[string]any{
			"since": lastSuccess.UTC(),
		},
	})
	return true
}

// Success ends the current loss episode. It returns true if a restored event
// was published.
func (n *Notifier) Success(orderID string) bool {
	n.mu.Lock()
	wasNoticed := n.noticed
	n.lost = false
	n.noticed = false
	n.mu.Unlock()

	if !wasNoticed {
		return false
	}
	n.publisher.Publish(events.Event{Kind: events.ConnectionRestored, OrderID: orderID})
	return true
}

// Lost reports whether the current episode has passed the threshold
func (n *Notifier) Lost() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lost
}
