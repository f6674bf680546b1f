package httpserver

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskforge/internal/domain"
	"github.com/fairyhunter13/taskforge/internal/eventbus"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSHub_StreamsBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	hub := NewWSHub(bus)
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(hub.ServeWS())
	defer srv.Close()
	conn := dialWS(t, srv)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	bus.Publish(domain.TopicJobSubmitted, domain.Event{
		JobID:    "job-1",
		TenantID: "t1",
		Status:   domain.JobPending,
		At:       time.Now().UTC(),
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev domain.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, domain.TopicJobSubmitted, ev.Topic)
	require.Equal(t, "job-1", ev.JobID)
}

func TestWSHub_PongOnClientMessage(t *testing.T) {
	t.Parallel()
	hub := NewWSHub(eventbus.New())
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(hub.ServeWS())
	defer srv.Close()
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var pong struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &pong))
	require.Equal(t, "pong", pong.Type)
	require.Equal(t, "connected", pong.Message)
}

func TestWSHub_DisconnectCleansUp(t *testing.T) {
	t.Parallel()
	hub := NewWSHub(eventbus.New())
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(hub.ServeWS())
	defer srv.Close()
	conn := dialWS(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHub_BroadcastReachesAllClients(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	hub := NewWSHub(bus)
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(hub.ServeWS())
	defer srv.Close()
	first := dialWS(t, srv)
	second := dialWS(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	bus.Publish(domain.TopicJobCompleted, domain.Event{JobID: "job-2", At: time.Now().UTC()})

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Contains(t, string(data), "job-2")
	}
}
