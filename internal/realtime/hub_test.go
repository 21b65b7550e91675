package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/internal/approval"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newHubFixture(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ServeWS(hub, conn, r.RemoteAddr, "tester")
	}))
	t.Cleanup(func() {
		hub.Close()
		cancel()
		server.Close()
	})
	return hub, server
}

func dialObserver(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("observer count never reached %d (have %d)", want, hub.ClientCount())
}

// addDetachedClient registers a client with no socket and no pumps, so
// its send buffer can be inspected directly.
func addDetachedClient(hub *Hub, id string) *Client {
	c := NewClient(nil, hub, id, "tester")
	hub.clientsMu.Lock()
	hub.clients[c] = true
	hub.clientsMu.Unlock()
	return c
}

func TestBroadcastReachesAllObservers(t *testing.T) {
	hub, server := newHubFixture(t)
	ws1 := dialObserver(t, server)
	ws2 := dialObserver(t, server)
	waitForCount(t, hub, 2)

	hub.Broadcast(&Message{Type: "system_message", Data: map[string]any{"text": "hello"}})

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		msg := readMessage(t, ws)
		if msg.Type != "system_message" {
			t.Errorf("expected system_message, got %s", msg.Type)
		}
		if msg.Timestamp.IsZero() {
			t.Error("expected the broadcast to carry a timestamp")
		}
		if msg.Data["text"] != "hello" {
			t.Errorf("unexpected data: %v", msg.Data)
		}
	}
}

func TestObserverDisconnectPrunes(t *testing.T) {
	hub, server := newHubFixture(t)
	ws1 := dialObserver(t, server)
	ws2 := dialObserver(t, server)
	waitForCount(t, hub, 2)

	ws1.Close()
	waitForCount(t, hub, 1)

	hub.Broadcast(&Message{Type: "device_status"})
	msg := readMessage(t, ws2)
	if msg.Type != "device_status" {
		t.Errorf("surviving observer should still receive events, got %s", msg.Type)
	}
}

func TestBroadcastPrunesClosedClient(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	c := addDetachedClient(hub, "obs-1")
	c.Close()

	hub.Broadcast(&Message{Type: "system_message"})
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("closed observer should be pruned, have %d", n)
	}
}

func TestBroadcastPrunesFullBuffer(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	c := addDetachedClient(hub, "obs-1")
	for i := 0; i < cap(c.send); i++ {
		c.send <- []byte("backlog")
	}

	hub.Broadcast(&Message{Type: "system_message"})
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("observer with a full buffer should be pruned, have %d", n)
	}
}

func TestPingPong(t *testing.T) {
	hub, server := newHubFixture(t)
	ws := dialObserver(t, server)
	waitForCount(t, hub, 1)

	data, _ := json.Marshal(Message{Type: "ping"})
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, ws)
	if msg.Type != "pong" {
		t.Errorf("expected pong, got %s", msg.Type)
	}
}

func TestNotifyHelperShapes(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	c := addDetachedClient(hub, "obs-1")

	hub.NotifyApprovalRequest(&approval.Request{
		ID:            "ap-1",
		Command:       "rm -rf /tmp/build",
		SecurityLevel: "high",
		ExpiresAt:     time.Now().Add(time.Minute),
	})
	hub.NotifyDeviceStatus("dev-1", "Mac-Mini", "connected", "")
	hub.NotifyTaskComplete("dev-1", "screenshot", true, "")
	hub.NotifySystemMessage("info", "maintenance at midnight")

	wants := []string{"approval_request", "device_status", "task_complete", "system_message"}
	for _, want := range wants {
		select {
		case data := <-c.send:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("unmarshal %s: %v", want, err)
			}
			if msg.Type != want {
				t.Fatalf("expected %s, got %s", want, msg.Type)
			}
			switch want {
			case "approval_request":
				if msg.Data["id"] != "ap-1" || msg.Data["security_level"] != "high" {
					t.Errorf("unexpected approval data: %v", msg.Data)
				}
			case "device_status":
				if msg.Data["device_id"] != "dev-1" || msg.Data["status"] != "connected" {
					t.Errorf("unexpected device data: %v", msg.Data)
				}
			case "task_complete":
				if msg.Data["action"] != "screenshot" || msg.Data["success"] != true {
					t.Errorf("unexpected task data: %v", msg.Data)
				}
			case "system_message":
				if msg.Data["level"] != "info" {
					t.Errorf("unexpected system data: %v", msg.Data)
				}
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("no %s message delivered", want)
		}
	}
}

func TestHubCloseIsIdempotent(t *testing.T) {
	hub, server := newHubFixture(t)
	ws := dialObserver(t, server)
	waitForCount(t, hub, 1)

	hub.Close()
	if hub.ClientCount() != 0 {
		t.Error("expected no observers after Close")
	}
	hub.Close()

	ws.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected the observer socket to close")
	}
}
