package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// newHubServer registers every upgraded connection under the operator named in the query.
func newHubServer(t *testing.T, hub *Hub) *httptest.Server {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		client := hub.Register(r.URL.Query().Get("operator"), conn)
		if client == nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					hub.Unregister(r.URL.Query().Get("operator"), client)
					return
				}
			}
		}()
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, operator string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?operator=" + operator
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(2)
	server := newHubServer(t, hub)

	first := dial(t, server, "secretaria")
	second := dial(t, server, "relator")

	assert.Eventually(t, func() bool {
		return hub.ActiveConnections("secretaria") == 1 && hub.ActiveConnections("relator") == 1
	}, time.Second, 5*time.Millisecond)

	hub.Broadcast(Event{Type: "new_correspondence", Payload: map[string]string{"id": "abc"}})

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		var event struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}
		assert.NoError(t, json.Unmarshal(data, &event))
		assert.Equal(t, "new_correspondence", event.Type)
		assert.Equal(t, "abc", event.Payload["id"])
	}
}

func TestHubConnectionLimit(t *testing.T) {
	hub := NewHub(1)
	server := newHubServer(t, hub)

	dial(t, server, "secretaria")
	assert.Eventually(t, func() bool {
		return hub.ActiveConnections("secretaria") == 1
	}, time.Second, 5*time.Millisecond)

	extra := dial(t, server, "secretaria")
	_ = extra.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := extra.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected policy violation, got %v", err)
	assert.Equal(t, 1, hub.ActiveConnections("secretaria"))
}

func TestHubUnregisterOnDisconnect(t *testing.T) {
	hub := NewHub(0)
	server := newHubServer(t, hub)

	conn := dial(t, server, "secretaria")
	assert.Eventually(t, func() bool {
		return hub.ActiveConnections("secretaria") == 1
	}, time.Second, 5*time.Millisecond)

	_ = conn.Close()
	assert.Eventually(t, func() bool {
		return hub.ActiveConnections("secretaria") == 0
	}, time.Second, 5*time.Millisecond)

	hub.Unregister("secretaria", nil)
}
