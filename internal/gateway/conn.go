package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/internal/logging"
	"github.com/tetherlabs/tether/internal/pairing"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 10 * 1024 * 1024 // command results can carry screenshots
	sendBufferSize = 256
)

// deviceConn is one device socket. Until a pair or token handshake
// succeeds, device is nil and the connection may only send pair frames.
type deviceConn struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	createdAt  time.Time

	mu            sync.Mutex
	device        *pairing.Device
	lastHeartbeat time.Time

	closeOnce sync.Once
}

func (c *deviceConn) identity() *pairing.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *deviceConn) setIdentity(d *pairing.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = d
}

func (c *deviceConn) touchHeartbeat(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
}

func (c *deviceConn) lastBeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// shutdown closes the send channel once. The write pump drains whatever
// is still buffered, sends the close frame, and tears the socket down.
func (c *deviceConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// trySend queues a frame without blocking. A send on the closed channel
// panics, so a racing shutdown surfaces as ErrDeviceUnavailable.
func (c *deviceConn) trySend(data []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrDeviceUnavailable
		}
	}()
	select {
	case c.send <- data:
		return nil
	default:
		return ErrDeviceUnavailable
	}
}

func (c *deviceConn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Errorf("[gateway] marshal frame: %v", err)
		return
	}
	if err := c.trySend(data); err != nil {
		logging.Debugf("[gateway] dropped frame for %s: %v", c.remoteAddr, err)
	}
}

// HandleDevice upgrades a device WebSocket connection. A presented
// bearer token must resolve to a paired device or the request is
// rejected before the upgrade; with no token the connection starts
// unauthenticated and may only pair.
func (g *Gateway) HandleDevice(w http.ResponseWriter, r *http.Request) {
	var device *pairing.Device
	if token := extractToken(r); token != "" {
		d, err := g.pairing.GetDeviceByToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, pairing.ErrDeviceNotFound) {
				http.Error(w, "invalid device token", http.StatusUnauthorized)
			} else {
				logging.Errorf("[gateway] token lookup: %v", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}
		device = d
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Errorf("[gateway] upgrade failed: %v", err)
		return
	}

	c := &deviceConn{
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		remoteAddr:    r.RemoteAddr,
		createdAt:     time.Now(),
		device:        device,
		lastHeartbeat: time.Now(),
	}
	logging.Debugf("[gateway] connection from %s (authenticated=%v)", c.remoteAddr, device != nil)

	go g.readPump(c)
	go g.writePump(c)
}

// readPump reads frames from the device until the socket dies.
func (g *Gateway) readPump(c *deviceConn) {
	defer func() {
		select {
		case g.unregister <- c:
		case <-g.done:
			// Close already emptied the registry; just end the pumps.
			c.shutdown()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debugf("[gateway] read from %s: %v", c.remoteAddr, err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			logging.Debugf("[gateway] malformed frame from %s: %v", c.remoteAddr, err)
			g.sendError(c, "malformed frame")
			continue
		}
		g.handleFrame(c, &frame)
	}
}

// writePump writes queued frames and keeps the transport alive with
// pings. Closing the send channel ends the pump and the socket.
func (g *Gateway) writePump(c *deviceConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
