package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/ordersync/internal/events"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/store"
	"github.com/gigmarket/ordersync/internal/transport"
)

type fakeClient struct {
	mu     sync.Mutex
	calls  []*transport.Form
	submit func(ctx context.Context, form *transport.Form) (*transport.Response, error)
}

func (f *fakeClient) Submit(ctx context.Context, form *transport.Form) (*transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, form)
	f.mu.Unlock()
	return f.submit(ctx, form)
}

func (f *fakeClient) last() *transport.Form {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeClient) lastOp(op string) *transport.Form {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Op() == op {
			return f.calls[i]
		}
	}
	return nil
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okSubmit(context.Context, *transport.Form) (*transport.Response, error) {
	return &transport.Response{Result: true}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) has(kind events.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func newCoordinator(t *testing.T, status models.OrderStatus, submit func(context.Context, *transport.Form) (*transport.Response, error)) (*Coordinator, *store.Store, *fakeClient, *recorder) {
	t.Helper()
	st := store.New(nil)
	st.UpsertOrders([]models.Order{{ID: "o1", OrderNumber: "A-100", Status: status, CounterpartyID: "c9"}})
	client := &fakeClient{submit: submit}
	rec := &recorder{}
	return NewCoordinator(client, st, nil, rec, "me", time.Second, nil), st, client, rec
}

func extraRequest() ExtraRequest {
	return ExtraRequest{
		OrderID:     "o1",
		Description: "Parking",
		Amount:      decimal.RequireFromString("12.50"),
		PaidBy:      models.PayerCustomer,
	}
}

func TestOrderLifecycleScenario(t *testing.T) {
	c, st, client, _ := newCoordinator(t, models.OrderStatusPending, okSubmit)
	ctx := context.Background()

	for _, to := range []models.OrderStatus{
		models.OrderStatusAccepted,
		models.OrderStatusOnTheWay,
		models.OrderStatusArrived,
		models.OrderStatusInProgress,
	} {
		order, err := c.Advance(ctx, "o1", to)
		require.NoError(t, err, "advance to %s", to)
		assert.Equal(t, to, order.Status)
		if to == models.OrderStatusAccepted {
			assert.Equal(t, "me", client.last().Get("to_id"))
		}
	}

	order, err := c.RequestExtra(ctx, extraRequest())
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExtraRequested, order.Status)
	assert.Equal(t, "12.50", client.last().Get("extra_amount"))

	order, err = c.ResolveExtra(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, order.Status)
	require.Len(t, order.Extras, 1)
	assert.False(t, order.Extras[0].Pending)

	order, err = c.CompleteOrder(ctx, "o1", &models.Review{Rating: 5, Comment: "great"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	require.NotNil(t, order.Review)
	assert.Equal(t, 5, order.Review.Rating)
	assert.NotNil(t, order.AcceptedAt)
	assert.NotNil(t, order.ArrivedAt)
	assert.NotNil(t, order.WorkStartedAt)
	assert.NotNil(t, order.CompletedAt)

	_, err = c.CompleteOrder(ctx, "o1", nil)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	final, _ := st.GetOrder("o1")
	assert.Equal(t, models.OrderStatusCompleted, final.Status)
	assert.False(t, st.Held("o1"))
}

func TestRequestExtraRollsBackOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		submit func(context.Context, *transport.Form) (*transport.Response, error)
		reason string
	}{
		{
			name: "network",
			submit: func(context.Context, *transport.Form) (*transport.Response, error) {
				return nil, &transport.Error{Op: transport.OpUpdateData, Err: errors.New("connection refused")}
			},
			reason: "could not reach the server",
		},
		{
			name: "rejected",
			submit: func(context.Context, *transport.Form) (*transport.Response, error) {
				return &transport.Response{Result: false, Message: "extras are disabled"}, nil
			},
			reason: "extras are disabled",
		},
		{
			name: "timeout",
			submit: func(context.Context, *transport.Form) (*transport.Response, error) {
				return nil, &transport.Error{Op: transport.OpUpdateData, Err: context.DeadlineExceeded}
			},
			reason: "the server did not answer in time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, st, _, rec := newCoordinator(t, models.OrderStatusInProgress, tt.submit)

			_, err := c.RequestExtra(context.Background(), extraRequest())

			var failed *models.ActionFailedError
			require.ErrorAs(t, err, &failed)
			assert.Equal(t, models.ActionExtra, failed.Kind)
			assert.Equal(t, "o1", failed.OrderID)
			assert.Equal(t, tt.reason, failed.Reason)

			order, _ := st.GetOrder("o1")
			assert.Equal(t, models.OrderStatusInProgress, order.Status)
			assert.Empty(t, order.Extras)
			assert.False(t, st.Held("o1"))
			assert.True(t, rec.has(events.ActionFailed))

			actions := c.Actions("o1")
			require.Len(t, actions, 1)
			assert.Equal(t, models.ActionFailed, actions[0].Status)
			assert.Equal(t, tt.reason, actions[0].Error)
		})
	}
}

func TestRequestExtraUsesCanonicalRecord(t *testing.T) {
	c, _, _, _ := newCoordinator(t, models.OrderStatusArrived, func(context.Context, *transport.Form) (*transport.Response, error) {
		return &transport.Response{
			Result: true,
			Data:   transport.Records{json.RawMessage(`{"description":"Parking","amount":"12.5","paid_by":"customer","item_image":"uploads/ab12.jpg"}`)},
		}, nil
	})

	order, err := c.RequestExtra(context.Background(), extraRequest())
	require.NoError(t, err)
	require.Len(t, order.Extras, 1)
	assert.Equal(t, "uploads/ab12.jpg", order.Extras[0].ItemImageRef)
	assert.False(t, order.Extras[0].Pending)
	assert.Empty(t, order.Extras[0].LocalKey)
}

func TestPreconditionsDoNotMutate(t *testing.T) {
	c, st, client, _ := newCoordinator(t, models.OrderStatusPending, okSubmit)
	ctx := context.Background()

	_, err := c.RequestExtra(ctx, extraRequest())
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = c.ResolveExtra(ctx, "o1")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = c.CompleteOrder(ctx, "o1", nil)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = c.Advance(ctx, "o1", models.OrderStatusArrived)
	var terr *models.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.OrderStatusPending, terr.From)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = c.Advance(ctx, "o1", models.OrderStatusCompleted)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = c.CancelOrder(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)

	assert.Zero(t, client.count())
	order, _ := st.GetOrder("o1")
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Empty(t, order.Extras)
}

func TestValidation(t *testing.T) {
	c, _, client, _ := newCoordinator(t, models.OrderStatusInProgress, okSubmit)
	ctx := context.Background()

	bad := extraRequest()
	bad.Description = ""
	_, err := c.RequestExtra(ctx, bad)
	assert.ErrorIs(t, err, models.ErrValidation)

	bad = extraRequest()
	bad.Amount = decimal.Zero
	_, err = c.RequestExtra(ctx, bad)
	assert.ErrorIs(t, err, models.ErrValidation)

	bad = extraRequest()
	bad.PaidBy = "someone"
	_, err = c.RequestExtra(ctx, bad)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = c.CompleteOrder(ctx, "o1", &models.Review{Rating: 6})
	assert.ErrorIs(t, err, models.ErrValidation)

	assert.Zero(t, client.count())
}

func TestCancelTerminalOrder(t *testing.T) {
	c, _, _, _ := newCoordinator(t, models.OrderStatusArrived, okSubmit)
	ctx := context.Background()

	order, err := c.CancelOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	_, err = c.CancelOrder(ctx, "o1")
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestConfirmationIsIdempotent(t *testing.T) {
	c, st, _, _ := newCoordinator(t, models.OrderStatusInProgress, okSubmit)

	_, err := c.RequestExtra(context.Background(), extraRequest())
	require.NoError(t, err)

	actions := c.Actions("o1")
	require.Len(t, actions, 1)
	key := actions[0].IdempotencyKey
	assert.Equal(t, "o1:extra:1", key)

	order, err := c.HandleConfirmation(key, &transport.Response{Result: true})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExtraRequested, order.Status)
	assert.Len(t, order.Extras, 1)

	stored, _ := st.GetOrder("o1")
	assert.Len(t, stored.Extras, 1)

	_, err = c.HandleConfirmation("o1:extra:9", &transport.Response{Result: true})
	assert.ErrorIs(t, err, models.ErrStaleResponse)
}

func TestSecondSubmissionWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	c, _, _, _ := newCoordinator(t, models.OrderStatusInProgress, func(ctx context.Context, _ *transport.Form) (*transport.Response, error) {
		<-release
		return &transport.Response{Result: true}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.CancelOrder(context.Background(), "o1")
		done <- err
	}()
	require.Eventually(t, func() bool { return c.InFlight("o1", models.ActionCancel) }, time.Second, time.Millisecond)

	_, err := c.CancelOrder(context.Background(), "o1")
	assert.ErrorIs(t, err, models.ErrActionInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.InFlight("o1", models.ActionCancel))
}

func TestCloseRollsBackAndDiscardsLateResponse(t *testing.T) {
	release := make(chan struct{})
	c, st, _, rec := newCoordinator(t, models.OrderStatusInProgress, func(context.Context, *transport.Form) (*transport.Response, error) {
		<-release
		return &transport.Response{Result: true}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestExtra(context.Background(), extraRequest())
		done <- err
	}()
	require.Eventually(t, func() bool { return c.InFlight("o1", models.ActionExtra) }, time.Second, time.Millisecond)

	optimistic, _ := st.GetOrder("o1")
	assert.Equal(t, models.OrderStatusExtraRequested, optimistic.Status)

	c.Close()

	order, _ := st.GetOrder("o1")
	assert.Equal(t, models.OrderStatusInProgress, order.Status)
	assert.Empty(t, order.Extras)
	assert.False(t, st.Held("o1"))

	close(release)
	assert.ErrorIs(t, <-done, models.ErrStaleResponse)

	order, _ = st.GetOrder("o1")
	assert.Equal(t, models.OrderStatusInProgress, order.Status)
	assert.Empty(t, order.Extras)
	assert.True(t, rec.has(events.ActionFailed))

	actions := c.Actions("o1")
	require.Len(t, actions, 1)
	assert.Equal(t, "session closed", actions[0].Error)
}

func TestCloseCancelsInFlightCall(t *testing.T) {
	c, st, _, _ := newCoordinator(t, models.OrderStatusArrived, func(ctx context.Context, _ *transport.Form) (*transport.Response, error) {
		<-ctx.Done()
		return nil, &transport.Error{Op: transport.OpUpdateData, Err: ctx.Err()}
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Advance(context.Background(), "o1", models.OrderStatusInProgress)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.InFlight("o1", models.ActionAdvance) }, time.Second, time.Millisecond)

	c.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, models.ErrStaleResponse)
	case <-time.After(time.Second):
		t.Fatal("in-flight call was not cancelled")
	}

	order, _ := st.GetOrder("o1")
	assert.Equal(t, models.OrderStatusArrived, order.Status)
	assert.Nil(t, order.WorkStartedAt)

	// the coordinator stays usable after Close
	c.client = &fakeClient{submit: okSubmit}
	order, err := c.Advance(context.Background(), "o1", models.OrderStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, order.Status)
	assert.Equal(t, "o1:advance:2", c.Actions("o1")[1].IdempotencyKey)
}

func TestRequestExtraWithPollBeforeConfirmation(t *testing.T) {
	var st *store.Store
	c, st, _, _ := newCoordinator(t, models.OrderStatusInProgress, func(_ context.Context, form *transport.Form) (*transport.Response, error) {
		if form.Op() == transport.OpUpdateData {
			// the backend already recorded the extra and a poll brings it in
			st.UpsertOrders([]models.Order{{
				ID:     "o1",
				Status: models.OrderStatusExtraRequested,
				Extras: []models.Extra{{
					Description:  "Parking",
					Amount:       decimal.RequireFromString("12.5"),
					PaidBy:       models.PayerCustomer,
					ItemImageRef: "srv.jpg",
				}},
			}})
		}
		return &transport.Response{Result: true}, nil
	})

	order, err := c.RequestExtra(context.Background(), extraRequest())
	require.NoError(t, err)
	require.Len(t, order.Extras, 1)
	assert.False(t, order.Extras[0].Pending)
	assert.Equal(t, "srv.jpg", order.Extras[0].ItemImageRef)

	st.UpsertOrders([]models.Order{{
		ID:     "o1",
		Status: models.OrderStatusExtraRequested,
		Extras: []models.Extra{{Description: "Parking", Amount: decimal.RequireFromString("12.5"), PaidBy: models.PayerCustomer}},
	}})
	got, _ := st.GetOrder("o1")
	assert.Len(t, got.Extras, 1)
}

func (f *fakeSnapshots) statuses(id string) []models.OrderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OrderStatus
	for _, o := range f.saved {
		if o.ID == id {
			out = append(out, o.Status)
		}
	}
	return out
}

func TestSnapshotsNeverKeepRolledBackStatus(t *testing.T) {
	st := store.New(nil)
	st.UpsertOrders([]models.Order{{ID: "o1", Status: models.OrderStatusInProgress, CounterpartyID: "c9"}})
	snaps := &fakeSnapshots{}
	server := &fakeClient{submit: func(context.Context, *transport.Form) (*transport.Response, error) {
		return ordersResponse(`{"id":"o1","status":"in_progress","user_id":"c9","to_id":"me"}`), nil
	}}
	orders := NewOrderService(server, st, snaps, nil, "me", time.Second, nil)

	client := &fakeClient{submit: func(ctx context.Context, form *transport.Form) (*transport.Response, error) {
		// a refresh lands while the cancel is in flight, then the call fails
		_, _, err := orders.Refresh(ctx, Query{ID: "o1"})
		require.NoError(t, err)
		return nil, &transport.Error{Op: form.Op(), Err: errors.New("connection reset")}
	}}
	c := NewCoordinator(client, st, snaps, nil, "me", time.Second, nil)

	_, err := c.CancelOrder(context.Background(), "o1")
	var failed *models.ActionFailedError
	require.ErrorAs(t, err, &failed)

	saved := snaps.statuses("o1")
	require.NotEmpty(t, saved)
	assert.NotContains(t, saved, models.OrderStatusCancelled)
	assert.Equal(t, models.OrderStatusInProgress, saved[len(saved)-1])

	// restart from the snapshots and poll again
	restarted := store.New(nil)
	snaps.list = func(context.Context, *models.OrderStatus) ([]models.Order, error) {
		snaps.mu.Lock()
		defer snaps.mu.Unlock()
		return []models.Order{snaps.saved[len(snaps.saved)-1]}, nil
	}
	again := NewOrderService(server, restarted, snaps, nil, "me", time.Second, nil)
	_, err = again.Warm(context.Background())
	require.NoError(t, err)
	_, conflicts, err := again.Refresh(context.Background(), Query{ID: "o1"})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	got, _ := restarted.GetOrder("o1")
	assert.Equal(t, models.OrderStatusInProgress, got.Status)
}

func TestSnapshotSavedAfterConfirmation(t *testing.T) {
	st := store.New(nil)
	st.UpsertOrders([]models.Order{{ID: "o1", Status: models.OrderStatusInProgress}})
	snaps := &fakeSnapshots{}
	c := NewCoordinator(&fakeClient{submit: okSubmit}, st, snaps, nil, "me", time.Second, nil)

	_, err := c.CancelOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, []models.OrderStatus{models.OrderStatusCancelled}, snaps.statuses("o1"))
}
