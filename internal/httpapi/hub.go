package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

// wsSendBuffer bounds the per-client outbound queue; a stalled client drops
// frames rather than blocking the broadcast path.
const wsSendBuffer = 64

// subscribeMessage is the client-to-server control frame.
type subscribeMessage struct {
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
}

// liveUpdateFrame is the server-to-client broadcast payload.
type liveUpdateFrame struct {
	Type    string           `json:"type"`
	Entries []timeline.Entry `json:"entries"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	subscriptions map[timeline.EntityType]struct{}
}

func (c *wsClient) subscribed(entityType timeline.EntityType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		//1.- A client with no explicit subscriptions receives every type.
		return true
	}
	_, ok := c.subscriptions[entityType]
	return ok
}

func (c *wsClient) setSubscription(entityType timeline.EntityType, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions == nil {
		c.subscriptions = make(map[timeline.EntityType]struct{})
	}
	if active {
		c.subscriptions[entityType] = struct{}{}
	} else {
		delete(c.subscriptions, entityType)
	}
}

// Hub fans live timeline updates out to subscribed websocket clients.
type Hub struct {
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub constructs an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and runs the client loops until the peer
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *Hub) readLoop(client *wsClient) {
	defer h.drop(client)
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		entityType, err := timeline.ParseEntityType(msg.EntityType)
		if err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			client.setSubscription(entityType, true)
		case "unsubscribe":
			client.setSubscription(entityType, false)
		}
	}
}

func (h *Hub) writeLoop(client *wsClient) {
	for payload := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	_ = client.conn.Close()
}

// Broadcast delivers the entries to every client subscribed to their type.
// Entries are grouped per type so each client receives one frame per type it
// follows; slow clients are skipped, never awaited.
func (h *Hub) Broadcast(entries []timeline.Entry) {
	if h == nil || len(entries) == 0 {
		return
	}
	byType := make(map[timeline.EntityType][]timeline.Entry)
	for _, entry := range entries {
		byType[entry.EntityType] = append(byType[entry.EntityType], entry)
	}

	//1.- Sends happen under the hub lock so a concurrent drop cannot close a
	// channel mid-send. Sends never block; a full queue drops the frame.
	h.mu.Lock()
	defer h.mu.Unlock()
	for entityType, group := range byType {
		payload, err := json.Marshal(liveUpdateFrame{Type: "timeline_update", Entries: group})
		if err != nil {
			continue
		}
		for client := range h.clients {
			if !client.subscribed(entityType) {
				continue
			}
			select {
			case client.send <- payload:
			default:
			}
		}
	}
}
