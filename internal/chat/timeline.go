package chat

import (
	"sort"
	"time"

	"github.com/gigmarket/ordersync/internal/models"
)

// timeline is the merged message list of one order
type timeline struct {
	messages []models.ChatMessage
	known    map[string]struct{}
}

func newTimeline() *timeline {
	return &timeline{known: make(map[string]struct{})}
}

// merge adds server messages not seen before and prunes optimistic entries
// they stand in for. It returns the messages that were added.
func (t *timeline) merge(incoming []models.ChatMessage, window time.Duration) []models.ChatMessage {
	var fresh []models.ChatMessage
	for _, m := range incoming {
		if m.ID == "" {
			continue
		}
		if _, ok := t.known[m.ID]; ok {
			continue
		}
		t.known[m.ID] = struct{}{}
		m.LocalID = ""
		m.Delivery = models.DeliverySent
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return nil
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		a, b := fresh[i], fresh[j]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		if a.Sender != b.Sender {
			return a.Sender < b.Sender
		}
		return a.ID < b.ID
	})

	for _, m := range fresh {
		if m.Sender == models.SenderSelf {
			t.reconcile(m, window)
		}
	}

	t.messages = append(t.messages, fresh...)
	t.sort()
	return fresh
}

// reconcile removes the first optimistic entry matching the server copy
func (t *timeline) reconcile(server models.ChatMessage, window time.Duration) bool {
	for i, m := range t.messages {
		if !m.Local() || m.Sender != models.SenderSelf || m.Body != server.Body {
			continue
		}
		if d := server.SentAt.Sub(m.SentAt); d > window || d < -window {
			continue
		}
		t.messages = append(t.messages[:i], t.messages[i+1:]...)
		return true
	}
	return false
}

// sort orders by SentAt; on ties server messages go before optimistic ones
// and insertion order is kept otherwise
func (t *timeline) sort() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		a, b := t.messages[i], t.messages[j]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return !a.Local() && b.Local()
	})
}

func (t *timeline) add(m models.ChatMessage) {
	t.messages = append(t.messages, m)
	t.sort()
}

func (t *timeline) find(localID string) (int, bool) {
	for i, m := range t.messages {
		if m.Local() && m.LocalID == localID {
			return i, true
		}
	}
	return -1, false
}

func (t *timeline) update(localID string, fn func(*models.ChatMessage)) (models.ChatMessage, bool) {
	i, ok := t.find(localID)
	if !ok {
		return models.ChatMessage{}, false
	}
	fn(&t.messages[i])
	return t.messages[i], true
}

func (t *timeline) remove(localID string) bool {
	i, ok := t.find(localID)
	if !ok {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return true
}

func (t *timeline) snapshot() []models.ChatMessage {
	out := make([]models.ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}
