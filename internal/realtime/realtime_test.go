package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/config"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(config.RealtimeConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueueSize:   16,
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

// expectSilence asserts no message arrives within the grace window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, payload, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message: %s", payload)
	assert.True(t, strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline"),
		"expected a read timeout, got %v", err)
}

func subscribe(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe_updates"}))
	ack := readMessage(t, conn)
	assert.Equal(t, "status", ack.Event)
	assert.Equal(t, "Subscribed to live updates", ack.Message)
}

func TestConnectAck(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	msg := readMessage(t, conn)
	assert.Equal(t, "status", msg.Event)
	assert.Equal(t, "Connected to DMARC dashboard API", msg.Message)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestSubscribedClientReceivesLiveUpdates(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	readMessage(t, conn) // connect ack
	subscribe(t, conn)

	hub.EmitLiveUpdate(UpdateNewReport, map[string]interface{}{
		"id":       "r-1",
		"org_name": "Google",
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "live_update", msg.Event)
	assert.Equal(t, UpdateNewReport, msg.Type)

	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "r-1", data["id"])
	assert.Equal(t, "Google", data["org_name"])
}

func TestUnsubscribedClientReceivesNothing(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	readMessage(t, conn) // connect ack

	hub.EmitLiveUpdate(UpdateSimulatedReport, map[string]interface{}{"id": "r-2"})
	expectSilence(t, conn)
}

func TestBroadcastSelectsSubscribedClientsOnly(t *testing.T) {
	hub, url := startHub(t)

	subscriber := dial(t, url)
	readMessage(t, subscriber)
	subscribe(t, subscriber)

	lurker := dial(t, url)
	readMessage(t, lurker)

	hub.EmitLiveUpdate(UpdateNewReport, map[string]interface{}{"id": "r-3"})

	msg := readMessage(t, subscriber)
	assert.Equal(t, "live_update", msg.Event)
	expectSilence(t, lurker)
}

func TestConnectedClients(t *testing.T) {
	hub, url := startHub(t)
	assert.Equal(t, 0, hub.ConnectedClients())

	conn := dial(t, url)
	readMessage(t, conn)
	require.Eventually(t, func() bool {
		return hub.ConnectedClients() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.ConnectedClients() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSlowConsumerDropKeepsHubAlive(t *testing.T) {
	hub := NewHub(config.RealtimeConfig{SendQueueSize: 1}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	client := &Client{id: "slow", hub: hub, send: make(chan []byte, 1), subscribed: true}
	hub.register <- client
	require.Eventually(t, func() bool {
		return hub.ConnectedClients() == 1
	}, time.Second, 5*time.Millisecond)

	// Nothing drains the queue, so repeated emissions overflow it and the
	// hub drops the client.
	require.Eventually(t, func() bool {
		hub.EmitLiveUpdate(UpdateNewReport, map[string]interface{}{"id": "r-1"})
		return hub.ConnectedClients() == 0
	}, time.Second, 5*time.Millisecond)

	// The read side may still deliver a subscribe ack after the drop.
	assert.NotPanics(t, func() {
		client.enqueue(Message{
			Event:     "status",
			Message:   "Subscribed to live updates",
			Timestamp: time.Now().UTC(),
		})
	})
}

func TestShutdownClosesClientsSafely(t *testing.T) {
	hub := NewHub(config.RealtimeConfig{SendQueueSize: 16}, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := &Client{id: "c1", hub: hub, send: make(chan []byte, 16)}
	hub.register <- client
	require.Eventually(t, func() bool {
		return hub.ConnectedClients() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return hub.ConnectedClients() == 0
	}, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() {
		client.enqueue(Message{Event: "status", Timestamp: time.Now().UTC()})
	})
}

func TestUnknownCommandsAreIgnored(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unsubscribe"}))
	expectSilence(t, conn)

	// Session still works after garbage input.
	subscribe(t, conn)
}
