// Package realtime fans control-plane events out to observer sockets:
// the phone and desktop apps watching device status, approvals, and
// command activity. Delivery is best-effort and at most once; there is
// no replay for observers that connect late.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/tetherlabs/tether/internal/approval"
	"github.com/tetherlabs/tether/internal/logging"
)

// Message is one event delivered to observers.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub tracks connected observers and broadcasts events to all of them.
type Hub struct {
	clientsMu sync.RWMutex
	clients   map[*Client]bool

	register   chan *Client
	unregister chan *Client

	closeOnce sync.Once
	done      chan struct{}
}

// NewHub creates an observer hub. Run must be started for clients to be
// tracked.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 1),
		unregister: make(chan *Client, 1),
		done:       make(chan struct{}),
	}
}

// Run processes observer arrivals and departures until ctx is cancelled
// or the hub is closed.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.clientsMu.Unlock()
			logging.Debugf("[realtime] observer %s connected (%d total)", c.ID, n)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.clientsMu.Unlock()

	if ok {
		c.Close()
		logging.Debugf("[realtime] observer %s disconnected (%d left)", c.ID, n)
	}
}

// Broadcast sends msg to every connected observer. Observers that
// cannot take the message are pruned.
func (h *Hub) Broadcast(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.SendMessage(msg); err != nil {
			logging.Debugf("[realtime] pruning observer %s: %v", c.ID, err)
			h.removeClient(c)
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close disconnects every observer and stops the run loop. Safe to call
// more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.clientsMu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = make(map[*Client]bool)
		h.clientsMu.Unlock()

		for _, c := range clients {
			c.Close()
		}
	})
}

// NotifyApprovalRequest announces an approval waiting for a verdict.
func (h *Hub) NotifyApprovalRequest(req *approval.Request) {
	h.Broadcast(&Message{
		Type: "approval_request",
		Data: map[string]any{
			"id":             req.ID,
			"command":        req.Command,
			"security_level": req.SecurityLevel,
			"expires_at":     req.ExpiresAt,
		},
	})
}

// NotifyDeviceStatus announces a device joining or leaving.
func (h *Hub) NotifyDeviceStatus(deviceID, name, status, reason string) {
	data := map[string]any{
		"device_id": deviceID,
		"name":      name,
		"status":    status,
	}
	if reason != "" {
		data["reason"] = reason
	}
	h.Broadcast(&Message{Type: "device_status", Data: data})
}

// NotifyTaskComplete announces the outcome of a dispatched command.
func (h *Hub) NotifyTaskComplete(deviceID, action string, success bool, detail string) {
	data := map[string]any{
		"device_id": deviceID,
		"action":    action,
		"success":   success,
	}
	if detail != "" {
		data["detail"] = detail
	}
	h.Broadcast(&Message{Type: "task_complete", Data: data})
}

// NotifySystemMessage pushes a freeform server notice.
func (h *Hub) NotifySystemMessage(level, text string) {
	h.Broadcast(&Message{
		Type: "system_message",
		Data: map[string]any{"level": level, "text": text},
	})
}
