package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/taskforge/internal/adapter/observability"
	"github.com/fairyhunter13/taskforge/internal/domain"
)

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// EventSource is the slice of the event bus the hub needs.
type EventSource interface {
	SubscribeAll(fn func(domain.Event)) func()
}

// pongMessage answers any client text frame.
var pongMessage = []byte(`{"type":"pong","message":"connected"}`)

const clientSendBuffer = 64

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans bus events out to every connected WebSocket client. Slow
// clients lose messages rather than stalling the broadcast; the stream is
// a live view, not a durable feed.
type WSHub struct {
	source EventSource

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	unsub   func()
}

// NewWSHub constructs a hub reading from source.
func NewWSHub(source EventSource) *WSHub {
	return &WSHub{
		source:  source,
		clients: make(map[*wsClient]struct{}),
	}
}

// Start subscribes the hub to every topic. Call Stop to detach.
func (h *WSHub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsub != nil {
		return
	}
	h.unsub = h.source.SubscribeAll(h.broadcast)
}

// Stop detaches from the bus and closes every connection.
func (h *WSHub) Stop() {
	h.mu.Lock()
	unsub := h.unsub
	h.unsub = nil
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, c := range clients {
		close(c.send)
		observability.WSConnections.Dec()
	}
}

func (h *WSHub) broadcast(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", slog.String("topic", ev.Topic), slog.Any("error", err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// client is not keeping up; drop this event for it
		}
	}
}

func (h *WSHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observability.WSConnections.Inc()
}

func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
		observability.WSConnections.Dec()
	}
}

// ClientCount reports the number of live connections.
func (h *WSHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the connection and streams bus events until the client
// goes away.
func (h *WSHub) ServeWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocketUpgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", slog.Any("error", err))
			return
		}
		c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
		h.register(c)

		go h.writePump(c)
		h.readPump(c)
	}
}

// writePump drains the client's send channel onto the wire.
func (h *WSHub) writePump(c *wsClient) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}

// readPump answers client text frames with a pong and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	for {
		msgType, _, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case c.send <- pongMessage:
		default:
		}
	}
}
