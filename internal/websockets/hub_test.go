package websockets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/ordersync/internal/events"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	go hub.Run(ctx)
	t.Cleanup(cancel)

	upgrader := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ServeWs(hub, conn, "u1")
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	before := hub.Len()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Len() == before+1 }, time.Second, time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestHubDeliversEvents(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)

	hub.Handle(events.Event{ID: "e1", Kind: events.OrderUpdated, OrderID: "o1"})

	m := read(t, conn)
	assert.Equal(t, TypeEvent, m.Type)
	assert.Equal(t, "o1", m.OrderID)

	var e events.Event
	require.NoError(t, json.Unmarshal(m.Data, &e))
	assert.Equal(t, events.OrderUpdated, e.Kind)
	assert.Equal(t, "e1", e.ID)
}

func TestHubSubscriptionFiltersOrders(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeSubscribe, OrderID: "o2"}))
	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
	assert.Equal(t, TypePong, read(t, conn).Type)

	hub.Handle(events.Event{Kind: events.OrderUpdated, OrderID: "o1"})
	hub.Handle(events.Event{Kind: events.ConnectionLost})
	hub.Handle(events.Event{Kind: events.ChatMessage, OrderID: "o2"})

	first := read(t, conn)
	assert.Empty(t, first.OrderID, "events without an order reach every client")
	second := read(t, conn)
	assert.Equal(t, "o2", second.OrderID)
}

func TestHubRejectsUnknownMessages(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	assert.Equal(t, TypeError, read(t, conn).Type)
}

func TestHubDropsClientOnDisconnect(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, time.Millisecond)
}

func TestUpgraderOrigins(t *testing.T) {
	u := NewUpgrader([]string{"http://localhost:3000"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, u.CheckOrigin(r))

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, u.CheckOrigin(r))
}
