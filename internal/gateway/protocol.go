package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Frame types a device may send.
const (
	frameTypePair      = "pair"
	frameTypeRegister  = "register"
	frameTypeHeartbeat = "heartbeat"
	frameTypeResponse  = "response"
)

// Frame types the gateway sends.
const (
	frameTypePairResult     = "pair_result"
	frameTypeRegistered     = "registered"
	frameTypeHeartbeatAck   = "heartbeat_ack"
	frameTypeCommand        = "command"
	frameTypeError          = "error"
	frameTypeServerShutdown = "server_shutdown"
)

// Disconnect reasons carried on device_disconnected events.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSocketClosed     = "socket_closed"
)

// Frame is one inbound JSON message on a device socket. Fields are a
// union across the frame types; Type decides which ones matter.
type Frame struct {
	Type         string          `json:"type"`
	Code         string          `json:"code,omitempty"`
	DeviceID     string          `json:"deviceId,omitempty"`
	DeviceName   string          `json:"deviceName,omitempty"`
	Platform     string          `json:"platform,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	CommandID    string          `json:"commandId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// CommandEnvelope is the uniquely-tagged instruction written to a
// device. The device answers with a response frame carrying the same id.
type CommandEnvelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewCommandEnvelope builds the command frame for one dispatch.
func NewCommandEnvelope(id, action string, params json.RawMessage) CommandEnvelope {
	return CommandEnvelope{Type: frameTypeCommand, ID: id, Action: action, Params: params}
}

// Response is a device's reply to a command envelope, forwarded to the
// registered response handler uninterpreted.
type Response struct {
	CommandID string
	Result    json.RawMessage
	Error     string
}

// ResponseHandler receives response frames from registered devices.
type ResponseHandler func(deviceID string, resp Response)

// DeviceEvent is published on the device lifecycle topics.
type DeviceEvent struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Reason   string `json:"reason,omitempty"`
}

// extractToken pulls the bearer token from the upgrade request: the
// token query parameter or the Authorization header.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}
