package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/gigmarket/ordersync/internal/events"
	"github.com/gigmarket/ordersync/internal/metrics"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/notice"
	"github.com/gigmarket/ordersync/internal/transport"
)

// State is the polling state of a Loop
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateBackoff State = "backoff"
)

const (
	DefaultInterval         = 10 * time.Second
	DefaultMaxInterval      = 2 * time.Minute
	DefaultFailureThreshold = 3
	DefaultReconcileWindow  = 2 * time.Minute
)

// Config tunes a Loop. Zero values take the defaults.
type Config struct {
	Interval         time.Duration
	MaxInterval      time.Duration
	FailureThreshold int
	Timeout          time.Duration
	ReconcileWindow  time.Duration
	// Backend id of the local user; messages from it are ours
	SelfID string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = DefaultMaxInterval
		if c.MaxInterval < c.Interval {
			c.MaxInterval = c.Interval
		}
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = transport.DefaultTimeout
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = DefaultReconcileWindow
	}
	return c
}

// Content is a message to send: text, or a file to upload first
type Content struct {
	Text     string
	FileName string
	Data     []byte
	// Recipient, when known
	ToID string
}

func (c Content) kind() models.MessageKind {
	if len(c.Data) > 0 {
		return models.MessageKindFile
	}
	return models.MessageKindText
}

type outgoing struct {
	content  Content
	uploaded string
}

// Loop polls one order's chat at a time and owns every order's message timeline
type Loop struct {
	client    transport.Submitter
	publisher events.Publisher
	notifier  *notice.Notifier
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	busy atomic.Bool

	mu          sync.Mutex
	timelines   map[string]*timeline
	outbox      map[string]*outgoing
	orderID     string
	epoch       uint64
	state       State
	failures    int
	interval    time.Duration
	lastSuccess time.Time
	backoff     *backoff.ExponentialBackOff
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewLoop creates an idle loop. publisher and notifier may be nil.
func NewLoop(client transport.Submitter, publisher events.Publisher, notifier *notice.Notifier, cfg Config, logger *slog.Logger) *Loop {
	cfg = cfg.withDefaults()
	if publisher == nil {
		publisher = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     2 * cfg.Interval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.MaxInterval,
	}
	b.Reset()

	return &Loop{
		client:    client,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With("component", "chat"),
		now:       time.Now,
		timelines: make(map[string]*timeline),
		outbox:    make(map[string]*outgoing),
		state:     StateIdle,
		interval:  cfg.Interval,
		backoff:   b,
	}
}

// Start begins polling orderID. Starting the active order again is a no-op;
// starting another order stops the current loop first.
func (l *Loop) Start(orderID string) {
	l.mu.Lock()
	if l.orderID == orderID && l.cancel != nil {
		l.mu.Unlock()
		return
	}
	prevDone := l.stopLocked()
	epoch := l.activateLocked(orderID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	l.mu.Unlock()

	if prevDone != nil {
		<-prevDone
	}

	l.logger.Info("chat sync started", "order_id", orderID, "interval", l.cfg.Interval)
	go l.run(ctx, epoch, done)
}

// Stop cancels polling. In-flight responses are discarded. Safe to call repeatedly.
func (l *Loop) Stop() {
	l.mu.Lock()
	orderID := l.orderID
	stopped := l.stopLocked() != nil
	l.mu.Unlock()

	if stopped {
		l.logger.Info("chat sync stopped", "order_id", orderID)
	}
}

func (l *Loop) activateLocked(orderID string) uint64 {
	l.epoch++
	l.orderID = orderID
	l.state = StatePolling
	l.failures = 0
	l.interval = l.cfg.Interval
	l.lastSuccess = l.now()
	l.backoff.Reset()
	l.timelineLocked(orderID)
	return l.epoch
}

func (l *Loop) stopLocked() chan struct{} {
	if l.cancel == nil && l.orderID == "" {
		return nil
	}
	l.epoch++
	if l.cancel != nil {
		l.cancel()
	}
	done := l.done
	l.cancel, l.done = nil, nil
	l.orderID = ""
	l.state = StateIdle
	l.failures = 0
	l.interval = l.cfg.Interval
	if done == nil {
		done = make(chan struct{})
		close(done)
	}
	return done
}

func (l *Loop) run(ctx context.Context, epoch uint64, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			l.poll(ctx, epoch)
			timer.Reset(l.Interval())
		}
	}
}

// Poll runs one tick for the active order. Failures are logged, counted and
// fed into the backoff; callers normally ignore the error.
func (l *Loop) Poll(ctx context.Context) error {
	l.mu.Lock()
	epoch := l.epoch
	l.mu.Unlock()
	return l.poll(ctx, epoch)
}

func (l *Loop) poll(ctx context.Context, epoch uint64) error {
	l.mu.Lock()
	orderID, current := l.orderID, l.epoch
	l.mu.Unlock()
	if orderID == "" {
		return ErrNotStarted
	}
	if epoch != current {
		return models.ErrStaleResponse
	}

	if !l.busy.CompareAndSwap(false, true) {
		metrics.PollsSkipped.Add(1)
		return ErrPollInFlight
	}
	defer l.busy.Store(false)

	metrics.PollsTotal.Add(1)
	msgs, err := l.fetch(ctx, orderID)

	l.mu.Lock()
	if epoch != l.epoch {
		l.mu.Unlock()
		metrics.StaleResponses.Add(1)
		l.logger.Debug("discarding stale chat poll", "order_id", orderID)
		return models.ErrStaleResponse
	}

	if err != nil {
		lastSuccess := l.recordFailureLocked()
		failures, state, interval := l.failures, l.state, l.interval
		l.mu.Unlock()

		metrics.PollFailures.Add(1)
		l.logger.Warn("chat poll failed",
			"order_id", orderID,
			"failures", failures,
			"state", state,
			"next_in", interval,
			"error", err,
		)
		if l.notifier != nil {
			l.notifier.Failure(orderID, lastSuccess, l.now())
		}
		return fmt.Errorf("failed to poll chat for order %s: %w", orderID, err)
	}

	added := l.timelineLocked(orderID).merge(msgs, l.cfg.ReconcileWindow)
	l.recordSuccessLocked()
	l.mu.Unlock()

	if l.notifier != nil {
		l.notifier.Success(orderID)
	}
	for _, m := range added {
		l.publisher.Publish(events.Event{Kind: events.ChatMessage, OrderID: orderID, Data: m})
	}
	return nil
}

func (l *Loop) fetch(ctx context.Context, orderID string) ([]models.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	resp, err := l.client.Submit(ctx, transport.NewForm(transport.OpGetChat).Set("order_id", orderID))
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	msgs, err := resp.Messages(orderID, l.cfg.SelfID)
	if err != nil {
		l.logger.Warn("skipped undecodable chat messages", "order_id", orderID, "error", err)
	}
	return msgs, nil
}

func (l *Loop) recordFailureLocked() time.Time {
	l.failures++
	if l.failures >= l.cfg.FailureThreshold {
		if l.state != StateBackoff {
			l.backoff.Reset()
			l.state = StateBackoff
		}
		l.interval = l.backoff.NextBackOff()
	}
	return l.lastSuccess
}

func (l *Loop) recordSuccessLocked() {
	if l.state == StateBackoff {
		l.logger.Info("chat sync recovered", "order_id", l.orderID, "failures", l.failures)
	}
	l.failures = 0
	l.state = StatePolling
	l.interval = l.cfg.Interval
	l.lastSuccess = l.now()
	l.backoff.Reset()
}

func (l *Loop) timelineLocked(orderID string) *timeline {
	tl, ok := l.timelines[orderID]
	if !ok {
		tl = newTimeline()
		l.timelines[orderID] = tl
	}
	return tl
}

// SendMessage shows the message immediately as pending, uploads the file if
// there is one and submits it. On failure the entry stays visible as failed
// and the returned error wraps ErrSendFailed.
func (l *Loop) SendMessage(ctx context.Context, orderID string, content Content) (models.ChatMessage, error) {
	if orderID == "" {
		return models.ChatMessage{}, fmt.Errorf("send message: %w", models.ErrOrderNotFound)
	}
	kind := content.kind()
	body := content.Text
	if kind == models.MessageKindFile {
		body = content.FileName
	}
	if body == "" && kind == models.MessageKindText {
		return models.ChatMessage{}, ErrEmptyMessage
	}

	msg := models.ChatMessage{
		LocalID:  "local-" + uuid.NewString(),
		OrderID:  orderID,
		Sender:   models.SenderSelf,
		Body:     body,
		Kind:     kind,
		SentAt:   l.now().UTC(),
		Delivery: models.DeliveryPending,
	}

	l.mu.Lock()
	l.timelineLocked(orderID).add(msg)
	l.outbox[msg.LocalID] = &outgoing{content: content}
	l.mu.Unlock()

	l.publisher.Publish(events.Event{Kind: events.ChatMessage, OrderID: orderID, Data: msg})
	return l.deliver(ctx, orderID, msg.LocalID)
}

// Retry resubmits a failed message
func (l *Loop) Retry(ctx context.Context, orderID, localID string) (models.ChatMessage, error) {
	l.mu.Lock()
	tl, ok := l.timelines[orderID]
	if !ok {
		l.mu.Unlock()
		return models.ChatMessage{}, ErrMessageNotFound
	}
	i, ok := tl.find(localID)
	if !ok {
		l.mu.Unlock()
		return models.ChatMessage{}, ErrMessageNotFound
	}
	if tl.messages[i].Delivery != models.DeliveryFailed || l.outbox[localID] == nil {
		l.mu.Unlock()
		return models.ChatMessage{}, ErrNotRetryable
	}
	msg, _ := tl.update(localID, func(m *models.ChatMessage) {
		m.Delivery = models.DeliveryPending
	})
	l.mu.Unlock()

	l.publisher.Publish(events.Event{Kind: events.ChatUpdated, OrderID: orderID, Data: msg})
	return l.deliver(ctx, orderID, localID)
}

// Discard removes a failed message
func (l *Loop) Discard(orderID, localID string) error {
	l.mu.Lock()
	tl, ok := l.timelines[orderID]
	if !ok {
		l.mu.Unlock()
		return ErrMessageNotFound
	}
	i, ok := tl.find(localID)
	if !ok {
		l.mu.Unlock()
		return ErrMessageNotFound
	}
	if tl.messages[i].Delivery != models.DeliveryFailed {
		l.mu.Unlock()
		return ErrNotRetryable
	}
	tl.remove(localID)
	delete(l.outbox, localID)
	l.mu.Unlock()

	l.publisher.Publish(events.Event{
		Kind:    events.ChatUpdated,
		OrderID: orderID,
		Data:    map[string]string{"removed": localID},
	})
	return nil
}

func (l *Loop) deliver(ctx context.Context, orderID, localID string) (models.ChatMessage, error) {
	l.mu.Lock()
	out := l.outbox[localID]
	l.mu.Unlock()
	if out == nil {
		return models.ChatMessage{}, ErrMessageNotFound
	}

	kind := out.content.kind()
	body := out.content.Text
	if kind == models.MessageKindFile {
		if out.uploaded == "" {
			name, err := l.upload(ctx, out.content)
			if err != nil {
				return l.failSend(orderID, localID, err)
			}
			l.mu.Lock()
			out.uploaded = name
			l.timelineLocked(orderID).update(localID, func(m *models.ChatMessage) { m.Body = name })
			l.mu.Unlock()
		}
		body = out.uploaded
	}

	form := transport.NewForm(transport.OpSendMsg).
		Set("order_id", orderID).
		Set("from_id", l.cfg.SelfID).
		SetIf("to_id", out.content.ToID).
		Set("msg", body).
		Set("msg_type", string(kind))

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	resp, err := l.client.Submit(callCtx, form)
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		return l.failSend(orderID, localID, err)
	}

	l.mu.Lock()
	delete(l.outbox, localID)
	msg, ok := l.timelineLocked(orderID).update(localID, func(m *models.ChatMessage) {
		m.Delivery = models.DeliverySent
	})
	l.mu.Unlock()

	if !ok {
		// already reconciled by a poll that beat the response
		return models.ChatMessage{OrderID: orderID, LocalID: localID, Body: body, Kind: kind, Sender: models.SenderSelf, Delivery: models.DeliverySent}, nil
	}
	l.publisher.Publish(events.Event{Kind: events.ChatUpdated, OrderID: orderID, Data: msg})
	return msg, nil
}

func (l *Loop) upload(ctx context.Context, c Content) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	return transport.Upload(ctx, l.client, c.FileName, c.Data)
}

func (l *Loop) failSend(orderID, localID string, cause error) (models.ChatMessage, error) {
	l.mu.Lock()
	msg, _ := l.timelineLocked(orderID).update(localID, func(m *models.ChatMessage) {
		m.Delivery = models.DeliveryFailed
	})
	l.mu.Unlock()

	metrics.SendFailures.Add(1)
	l.logger.Warn("chat send failed", "order_id", orderID, "local_id", localID, "error", cause)
	l.publisher.Publish(events.Event{Kind: events.ChatUpdated, OrderID: orderID, Data: msg})
	return msg, fmt.Errorf("%w: %w", ErrSendFailed, cause)
}

// Messages returns a copy of the order's timeline, ascending by SentAt
func (l *Loop) Messages(orderID string) []models.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, ok := l.timelines[orderID]
	if !ok {
		return nil
	}
	return tl.snapshot()
}

// Seq is a restartable view over the timeline; each range reads the current state
func (l *Loop) Seq(orderID string) iter.Seq[models.ChatMessage] {
	return func(yield func(models.ChatMessage) bool) {
		for _, m := range l.Messages(orderID) {
			if !yield(m) {
				return
			}
		}
	}
}

// State returns the current polling state
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Interval returns the delay before the next tick
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// ActiveOrder returns the order being polled, or "" when idle
func (l *Loop) ActiveOrder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orderID
}
