package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client wraps a WebSocket connection.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

const writeTimeout = 10 * time.Second

// Event is the envelope of every message pushed to clients.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Hub manages active WebSocket connections per operator.
// It supports multiple connections per operator (e.g., multiple tabs).
type Hub struct {
	mu             sync.RWMutex
	clients        map[string]map[*Client]struct{} // operator -> set of clients
	maxPerOperator int
}

// NewHub creates a new Hub with a per-operator connection limit.
func NewHub(maxPerOperator int) *Hub {
	if maxPerOperator <= 0 {
		maxPerOperator = 10
	}
	return &Hub{
		clients:        make(map[string]map[*Client]struct{}),
		maxPerOperator: maxPerOperator,
	}
}

// Register adds a WebSocket connection for the given operator.
// If the per-operator limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(operator string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	operatorClients, ok := h.clients[operator]
	if !ok {
		operatorClients = make(map[*Client]struct{})
		h.clients[operator] = operatorClients
	}

	if len(operatorClients) >= h.maxPerOperator {
		log.Printf("websocket: operator %s exceeded max connections (%d), closing new connection", operator, h.maxPerOperator)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this operator"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	operatorClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given operator and closes the connection.
func (h *Hub) Unregister(operator string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if operatorClients, ok := h.clients[operator]; ok {
		delete(operatorClients, client)
		if len(operatorClients) == 0 {
			delete(h.clients, operator)
		}
	}

	_ = client.conn.Close()
}

// Broadcast sends event to every connected client as JSON.
func (h *Hub) Broadcast(event Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		log.Printf("websocket: failed to encode %s event: %v", event.Type, err)
		return
	}

	type target struct {
		operator string
		client   *Client
	}

	h.mu.RLock()
	var targets []target
	for operator, operatorClients := range h.clients {
		for client := range operatorClients {
			targets = append(targets, target{operator: operator, client: client})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := t.client.write(msg); err != nil {
			log.Printf("websocket: failed to write %s event for operator %s: %v", event.Type, t.operator, err)
			// Best-effort cleanup: unregister this client.
			go h.Unregister(t.operator, t.client)
		}
	}
}

// ActiveConnections returns the number of active WebSocket connections for an operator.
func (h *Hub) ActiveConnections(operator string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[operator])
}
