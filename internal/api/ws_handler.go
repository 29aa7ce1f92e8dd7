package api

import (
	"log"
	"net/http"

	"github.com/cepmail/backend/internal/auth"
	ws "github.com/cepmail/backend/internal/websocket"
	"github.com/gorilla/websocket"
)

// WebSocketHandler streams correspondence events to a connected operator.
type WebSocketHandler struct {
	tokens auth.Tokens
	hub    *ws.Hub
}

func NewWebSocketHandler(tokens auth.Tokens, hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{tokens: tokens, hub: hub}
}

// The API sits behind the committee's reverse proxy, which enforces origin.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// operatorForUpgrade authenticates the upgrade request. Browsers cannot
// attach headers to a WebSocket handshake, so ?token= is tried first.
func (h *WebSocketHandler) operatorForUpgrade(r *http.Request) (string, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}
	if token == "" {
		return "", false
	}
	operator, err := h.tokens.Validate(token)
	if err != nil {
		log.Printf("WebSocketHandler: rejected token: %v", err)
		return "", false
	}
	return operator, true
}

// Handle upgrades the connection and subscribes it to hub events.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.operatorForUpgrade(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		log.Printf("WebSocketHandler: upgrade for %s failed: %v", operator, err)
		return
	}

	client := h.hub.Register(operator, conn)
	if client == nil {
		log.Printf("WebSocketHandler: %s is at the connection limit", operator)
		return
	}

	go h.drain(operator, client)
}

// drain discards inbound frames; the feed is one-way. It returns, and
// unsubscribes, once the peer disconnects.
func (h *WebSocketHandler) drain(operator string, client *ws.Client) {
	defer h.hub.Unregister(operator, client)
	for {
		if _, _, err := client.Conn().NextReader(); err != nil {
			return
		}
	}
}
