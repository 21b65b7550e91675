// Package gateway owns the device side of the control plane: the
// WebSocket endpoint devices connect to, the registry of which device
// is reachable over which socket, and the pair/register/heartbeat/
// response frame protocol.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/internal/events"
	"github.com/tetherlabs/tether/internal/logging"
	"github.com/tetherlabs/tether/internal/pairing"
)

var (
	// ErrDeviceNotConnected means the device has no registry entry.
	ErrDeviceNotConnected = errors.New("device not connected")
	// ErrDeviceUnavailable means the device has a connection that cannot
	// accept frames right now (buffer full or closing).
	ErrDeviceUnavailable = errors.New("device connection unavailable")
)

const (
	// DefaultHeartbeatInterval is how stale a device's last heartbeat may
	// grow before the sweep evicts it.
	DefaultHeartbeatInterval = 60 * time.Second
	// DefaultSweepInterval is how often the registry is swept.
	DefaultSweepInterval = 30 * time.Second
)

// Options configures a Gateway.
type Options struct {
	Pairing           *pairing.Manager
	Events            *events.Subject
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
}

// Gateway accepts device connections and tracks which devices are
// currently registered. One registry entry per device id; a new
// registration supersedes the old connection.
type Gateway struct {
	pairing *pairing.Manager
	events  *events.Subject

	heartbeatInterval time.Duration
	sweepInterval     time.Duration

	registryMu sync.RWMutex
	registry   map[string]*deviceConn

	register   chan *deviceConn
	unregister chan *deviceConn

	responseHandler   ResponseHandler
	responseHandlerMu sync.RWMutex

	upgrader websocket.Upgrader

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Gateway. Run must be started for registrations and the
// heartbeat sweep to be processed.
func New(opts Options) *Gateway {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Gateway{
		pairing:           opts.Pairing,
		events:            opts.Events,
		heartbeatInterval: opts.HeartbeatInterval,
		sweepInterval:     opts.SweepInterval,
		registry:          make(map[string]*deviceConn),
		register:          make(chan *deviceConn, 1),
		unregister:        make(chan *deviceConn, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Access control is the bearer token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Run processes registrations and sweeps stale devices until ctx is
// cancelled or the gateway is closed.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case c := <-g.register:
			g.addDevice(c)
		case c := <-g.unregister:
			g.removeDevice(c, ReasonSocketClosed)
		case <-ticker.C:
			g.evictStale()
		}
	}
}

// addDevice inserts a registered connection into the registry, replacing
// any previous connection for the same device without a disconnect
// event, then acknowledges the registration.
func (g *Gateway) addDevice(c *deviceConn) {
	d := c.identity()
	if d == nil {
		return
	}

	g.registryMu.Lock()
	if existing, ok := g.registry[d.ID]; ok && existing != c {
		logging.Infof("[gateway] superseding connection for device %s", d.ID)
		existing.shutdown()
	}
	g.registry[d.ID] = c
	g.registryMu.Unlock()

	logging.Infof("[gateway] device registered: %s (%s)", d.Name, d.ID)
	c.sendJSON(map[string]any{
		"type":     frameTypeRegistered,
		"deviceId": d.ID,
	})
	g.emitDeviceEvent(events.TopicDeviceConnected, d, "")
}

// removeDevice drops a connection. The registry entry is only removed
// when it still points at this connection, so a superseded socket going
// away later cannot evict its replacement, and the disconnect event
// fires exactly once.
func (g *Gateway) removeDevice(c *deviceConn, reason string) {
	d := c.identity()
	if d == nil {
		c.shutdown()
		return
	}

	g.registryMu.Lock()
	registered := g.registry[d.ID] == c
	if registered {
		delete(g.registry, d.ID)
	}
	g.registryMu.Unlock()

	c.shutdown()
	if registered {
		logging.Infof("[gateway] device disconnected: %s (%s)", d.Name, reason)
		g.emitDeviceEvent(events.TopicDeviceDisconnected, d, reason)
	}
}

// evictStale removes devices whose last heartbeat is older than the
// heartbeat interval. Runs on the sweep ticker independently of the
// transport-level ping cycle.
func (g *Gateway) evictStale() {
	now := time.Now()

	g.registryMu.RLock()
	var stale []*deviceConn
	for _, c := range g.registry {
		if now.Sub(c.lastBeat()) > g.heartbeatInterval {
			stale = append(stale, c)
		}
	}
	g.registryMu.RUnlock()

	for _, c := range stale {
		g.removeDevice(c, ReasonHeartbeatTimeout)
	}
}

func (g *Gateway) handleFrame(c *deviceConn, frame *Frame) {
	switch frame.Type {
	case frameTypePair:
		g.handlePair(c, frame)
	case frameTypeRegister:
		g.handleRegister(c, frame)
	case frameTypeHeartbeat:
		g.handleHeartbeat(c)
	case frameTypeResponse:
		g.handleResponse(c, frame)
	default:
		g.sendError(c, "unknown frame type: "+frame.Type)
	}
}

// handlePair exchanges a one-time pairing code for a device identity.
// Failure keeps the socket open so the device can retry.
func (g *Gateway) handlePair(c *deviceConn, frame *Frame) {
	if c.identity() != nil {
		g.sendError(c, "connection already paired")
		return
	}

	if err := g.pairing.VerifyCode(frame.Code); err != nil {
		c.sendJSON(map[string]any{
			"type":    frameTypePairResult,
			"success": false,
			"error":   "invalid or expired pairing code",
		})
		return
	}

	device, err := g.pairing.RegisterDevice(context.Background(), pairing.RegisterParams{
		Name:         frame.DeviceName,
		Platform:     frame.Platform,
		Capabilities: frame.Capabilities,
	})
	if err != nil {
		logging.Errorf("[gateway] register device: %v", err)
		c.sendJSON(map[string]any{
			"type":    frameTypePairResult,
			"success": false,
			"error":   "device registration failed",
		})
		return
	}

	c.setIdentity(device)
	c.sendJSON(map[string]any{
		"type":     frameTypePairResult,
		"success":  true,
		"deviceId": device.ID,
		"token":    device.Token,
	})
	logging.Infof("[gateway] device paired: %s (%s)", device.Name, device.ID)
}

// handleRegister persists the announced capabilities and queues the
// connection for the registry. Identity comes from the pair exchange or
// the upgrade token, never from the frame.
func (g *Gateway) handleRegister(c *deviceConn, frame *Frame) {
	d := c.identity()
	if d == nil {
		g.sendError(c, "not authenticated: pair first or reconnect with a token")
		return
	}

	now := time.Now()
	upd := pairing.DeviceUpdate{LastSeen: &now}
	if frame.Capabilities != nil {
		upd.Capabilities = frame.Capabilities
	}
	if frame.DeviceName != "" {
		upd.Name = &frame.DeviceName
	}
	if err := g.pairing.UpdateDevice(context.Background(), d.ID, upd); err != nil {
		logging.Errorf("[gateway] update device %s: %v", d.ID, err)
		g.sendError(c, "device registration failed")
		return
	}

	c.touchHeartbeat(now)
	select {
	case g.register <- c:
	case <-g.done:
	}
}

func (g *Gateway) handleHeartbeat(c *deviceConn) {
	if c.identity() == nil {
		g.sendError(c, "not registered")
		return
	}
	now := time.Now()
	c.touchHeartbeat(now)
	c.sendJSON(map[string]any{
		"type":      frameTypeHeartbeatAck,
		"timestamp": now.UnixMilli(),
	})
}

// handleResponse forwards a command response to the registered handler.
func (g *Gateway) handleResponse(c *deviceConn, frame *Frame) {
	d := c.identity()
	if d == nil {
		g.sendError(c, "not registered")
		return
	}

	g.responseHandlerMu.RLock()
	handler := g.responseHandler
	g.responseHandlerMu.RUnlock()
	if handler == nil {
		logging.Debugf("[gateway] response %s dropped: no handler", frame.CommandID)
		return
	}
	handler(d.ID, Response{
		CommandID: frame.CommandID,
		Result:    frame.Result,
		Error:     frame.Error,
	})
}

func (g *Gateway) sendError(c *deviceConn, message string) {
	c.sendJSON(map[string]any{
		"type":    frameTypeError,
		"message": message,
	})
}

// SetResponseHandler wires the consumer of command responses. The hot
// path holds only a read lock.
func (g *Gateway) SetResponseHandler(handler ResponseHandler) {
	g.responseHandlerMu.Lock()
	defer g.responseHandlerMu.Unlock()
	g.responseHandler = handler
}

// SendToDevice marshals v and queues it on the device's connection.
// A connection that cannot take the frame is evicted.
func (g *Gateway) SendToDevice(deviceID string, v any) error {
	g.registryMu.RLock()
	c, ok := g.registry[deviceID]
	g.registryMu.RUnlock()
	if !ok {
		return ErrDeviceNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.trySend(data); err != nil {
		g.removeDevice(c, ReasonSocketClosed)
		return err
	}
	return nil
}

// IsDeviceConnected reports whether the device has a registry entry.
func (g *Gateway) IsDeviceConnected(deviceID string) bool {
	g.registryMu.RLock()
	defer g.registryMu.RUnlock()
	_, ok := g.registry[deviceID]
	return ok
}

// ConnectedCount returns the number of registered devices.
func (g *Gateway) ConnectedCount() int {
	g.registryMu.RLock()
	defer g.registryMu.RUnlock()
	return len(g.registry)
}

// ConnectedIDs returns the ids of all registered devices.
func (g *Gateway) ConnectedIDs() []string {
	g.registryMu.RLock()
	defer g.registryMu.RUnlock()
	ids := make([]string, 0, len(g.registry))
	for id := range g.registry {
		ids = append(ids, id)
	}
	return ids
}

// Close tells every device the server is going away, closes all
// connections, and stops the run loop. Safe to call more than once.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.done)

		data, _ := json.Marshal(map[string]any{"type": frameTypeServerShutdown})
		g.registryMu.Lock()
		for id, c := range g.registry {
			c.trySend(data)
			c.shutdown()
			delete(g.registry, id)
		}
		g.registryMu.Unlock()
		logging.Infof("[gateway] closed")
	})
}

func (g *Gateway) emitDeviceEvent(topic string, d *pairing.Device, reason string) {
	if g.events == nil {
		return
	}
	evt := DeviceEvent{DeviceID: d.ID, Name: d.Name, Reason: reason}
	if err := events.Emit(g.events, topic, evt); err != nil {
		logging.Debugf("[gateway] emit %s: %v", topic, err)
	}
}
