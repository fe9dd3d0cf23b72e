package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gigmarket/ordersync/internal/chat"
	"github.com/gigmarket/ordersync/internal/kv"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/service"
	"github.com/gigmarket/ordersync/internal/store"
	"github.com/gigmarket/ordersync/internal/transport"
	"github.com/gigmarket/ordersync/internal/websockets"
)

type fakeBackend struct {
	mu      sync.Mutex
	failMsg bool
	forms   []*transport.Form
}

func (b *fakeBackend) Submit(_ context.Context, form *transport.Form) (*transport.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forms = append(b.forms, form)

	switch form.Op() {
	case transport.OpGetData:
		if form.Get("id") == "o1" {
			return &transport.Response{
				Result: true,
				Data:   transport.Records{json.RawMessage(`{"id":"o1","status":"accepted","user_id":"c9","to_id":"me"}`)},
			}, nil
		}
	case transport.OpSendMsg:
		if b.failMsg {
			return nil, errors.New("connection refused")
		}
	}
	return &transport.Response{Result: true}, nil
}

func (b *fakeBackend) last(op string) *transport.Form {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.forms) - 1; i >= 0; i-- {
		if b.forms[i].Op() == op {
			return b.forms[i]
		}
	}
	return nil
}

type failingHealth struct{}

func (failingHealth) HealthCheck(context.Context) error { return errors.New("database unreachable") }

type fixture struct {
	handler  http.Handler
	backend  *fakeBackend
	auth     *service.AuthService
	operator string
	viewer   string
}

func setup(t *testing.T, health HealthChecker) *fixture {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	auth := service.NewAuthService([]models.User{
		{Username: "ops", PasswordHash: string(hash), Role: models.RoleOperator, IsActive: true},
		{Username: "watcher", PasswordHash: string(hash), Role: models.RoleViewer, IsActive: true},
	}, service.JWTConfig{Secret: "test-secret"})

	backend := &fakeBackend{}
	st := store.New(nil)
	orders := service.NewOrderService(backend, st, nil, nil, "me", time.Second, nil)
	coordinator := service.NewCoordinator(backend, st, nil, nil, "me", time.Second, nil)
	loop := chat.NewLoop(backend, nil, nil, chat.Config{Interval: time.Hour, SelfID: "me"}, nil)
	engine := service.NewEngine(st, orders, coordinator, loop, kv.NewMemory(), nil)
	t.Cleanup(engine.Close)

	f := &fixture{
		handler: New(Options{
			Engine: engine,
			Auth:   auth,
			Hub:    websockets.NewHub(nil),
			Query:  service.Query{ToID: "me"},
			Health: health,
		}),
		backend: backend,
		auth:    auth,
	}
	f.operator = f.login(t, "ops")
	f.viewer = f.login(t, "watcher")
	return f
}

func (f *fixture) login(t *testing.T, username string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"`+username+`","password":"secret"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.LoginResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Token
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeOrder(t *testing.T, w *httptest.ResponseRecorder) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, json.NewDecoder(w.Body).Decode(&order))
	return order
}

func TestHealth(t *testing.T) {
	f := setup(t, nil)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", "").Code)

	f = setup(t, failingHealth{})
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/healthz", "", "").Code)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodPost, "/api/auth/login", "", `{"username":"ops","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/auth/login", "", `{bad`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProtectedRoutes(t *testing.T) {
	f := setup(t, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/orders", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/orders", "garbage", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/orders", f.viewer, "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/orders/o1/open", f.viewer, "").Code)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodPost, "/api/orders/o1/open", f.operator, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderStatusAccepted, decodeOrder(t, w).Status)

	w = f.do(t, http.MethodPost, "/api/orders/o1/advance", f.operator, `{"status":"on_the_way"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderStatusOnTheWay, decodeOrder(t, w).Status)
	assert.Equal(t, "on_the_way", f.backend.last(transport.OpUpdateData).Get("status"))

	w = f.do(t, http.MethodPost, "/api/orders/o1/advance", f.operator, `{"status":"accepted"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/orders/o1/advance", f.operator, `{"status":"completed"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/orders?status=on_the_way", f.viewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed []models.Order
	require.NoError(t, json.NewDecoder(w.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "o1", listed[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/orders?status=lost", f.viewer, "").Code)

	w = f.do(t, http.MethodGet, "/api/session", f.viewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "o1", decodeOrder(t, w).ID)

	w = f.do(t, http.MethodGet, "/api/orders/o1/actions", f.viewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var actions []models.PendingAction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&actions))
	assert.Len(t, actions, 1)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/session", f.operator, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/session", f.viewer, "").Code)
}

func TestGetUnknownOrder(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodGet, "/api/orders/o2", f.viewer, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "o2", f.backend.last(transport.OpGetData).Get("id"))
}

func TestSendMessage(t *testing.T) {
	f := setup(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/orders/o1/open", f.operator, "").Code)

	w := f.do(t, http.MethodPost, "/api/orders/o1/messages", f.operator, `{"text":"on my way"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sent := f.backend.last(transport.OpSendMsg)
	require.NotNil(t, sent)
	assert.Equal(t, "c9", sent.Get("to_id"))
	assert.Equal(t, "on my way", sent.Get("msg"))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/orders/o1/messages", f.operator, `{"text":""}`).Code)
}

func TestSendMessageFailureKeepsEntry(t *testing.T) {
	f := setup(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/orders/o1/open", f.operator, "").Code)
	f.backend.mu.Lock()
	f.backend.failMsg = true
	f.backend.mu.Unlock()

	w := f.do(t, http.MethodPost, "/api/orders/o1/messages", f.operator, `{"text":"hello"}`)
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	var body struct {
		Error   string             `json:"error"`
		Message models.ChatMessage `json:"message"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.NotEmpty(t, body.Message.LocalID)
	assert.Equal(t, models.DeliveryFailed, body.Message.Delivery)

	w = f.do(t, http.MethodDelete, "/api/orders/o1/messages/"+body.Message.LocalID, f.operator, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/orders/o1/messages", f.viewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var messages []models.ChatMessage
	require.NoError(t, json.NewDecoder(w.Body).Decode(&messages))
	assert.Empty(t, messages)
}

func TestWebSocketRequiresToken(t *testing.T) {
	f := setup(t, nil)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/ws", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/ws?token=nope", "", "").Code)
}
