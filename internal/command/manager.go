// Package command turns the gateway's fire-and-forget frames into
// blocking calls: each dispatched command is a pending entry that the
// matching device response, a timeout, or a cancellation settles
// exactly once.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherlabs/tether/internal/gateway"
	"github.com/tetherlabs/tether/internal/logging"
)

// DefaultTimeout bounds how long a device may take to answer a command.
const DefaultTimeout = 30 * time.Second

// ErrCancelled settles every pending command when CancelAll runs.
var ErrCancelled = errors.New("command cancelled")

// TimeoutError reports a command whose device never answered in time.
type TimeoutError struct {
	Action  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Action, e.Timeout)
}

// CommandError is a failure the device itself reported.
type CommandError struct {
	Action  string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Action, e.Message)
}

// Sender is the slice of the gateway the manager dispatches through.
type Sender interface {
	SendToDevice(deviceID string, v any) error
	IsDeviceConnected(deviceID string) bool
}

type result struct {
	payload json.RawMessage
	err     error
}

type pendingCommand struct {
	id       string
	deviceID string
	action   string
	ch       chan result
	timer    *time.Timer
}

// Options configures a Manager.
type Options struct {
	Gateway Sender
	Timeout time.Duration
}

// Manager tracks in-flight commands keyed by command id. Removal from
// the pending map under the mutex is ownership of the settlement, so a
// response, the timeout, and CancelAll cannot double-settle.
type Manager struct {
	gateway Sender
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

// NewManager builds a Manager around the given gateway.
func NewManager(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Manager{
		gateway: opts.Gateway,
		timeout: opts.Timeout,
		pending: make(map[string]*pendingCommand),
	}
}

// Send dispatches one command and blocks until the device answers, the
// timeout fires, CancelAll runs, or ctx is done. A device with no
// registry entry is rejected before anything is dispatched.
func (m *Manager) Send(ctx context.Context, deviceID, action string, params json.RawMessage) (json.RawMessage, error) {
	if !m.gateway.IsDeviceConnected(deviceID) {
		return nil, gateway.ErrDeviceNotConnected
	}

	pc := &pendingCommand{
		id:       uuid.New().String(),
		deviceID: deviceID,
		action:   action,
		ch:       make(chan result, 1),
	}
	pc.timer = time.AfterFunc(m.timeout, func() {
		m.settle(pc.id, result{err: &TimeoutError{Action: action, Timeout: m.timeout}})
	})

	m.mu.Lock()
	m.pending[pc.id] = pc
	m.mu.Unlock()

	if err := m.gateway.SendToDevice(deviceID, gateway.NewCommandEnvelope(pc.id, action, params)); err != nil {
		m.settle(pc.id, result{err: err})
	}

	select {
	case res := <-pc.ch:
		return res.payload, res.err
	case <-ctx.Done():
		m.settle(pc.id, result{err: ctx.Err()})
		// Whoever won the settlement wrote the outcome to the channel.
		res := <-pc.ch
		return res.payload, res.err
	}
}

// HandleResponse settles the pending command the response correlates
// with. Responses for unknown ids and responses from a device that does
// not own the command are dropped.
func (m *Manager) HandleResponse(deviceID string, resp gateway.Response) {
	m.mu.Lock()
	pc, ok := m.pending[resp.CommandID]
	if ok && pc.deviceID != deviceID {
		m.mu.Unlock()
		logging.Warnf("[command] device %s answered command %s owned by %s", deviceID, resp.CommandID, pc.deviceID)
		return
	}
	if ok {
		delete(m.pending, resp.CommandID)
	}
	m.mu.Unlock()

	if !ok {
		logging.Debugf("[command] response for unknown command %s from %s", resp.CommandID, deviceID)
		return
	}

	pc.timer.Stop()
	if resp.Error != "" {
		pc.ch <- result{err: &CommandError{Action: pc.action, Message: resp.Error}}
		return
	}
	pc.ch <- result{payload: resp.Result}
}

// settle removes the entry and delivers the outcome. Returns false when
// something else already settled it.
func (m *Manager) settle(id string, res result) bool {
	m.mu.Lock()
	pc, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	pc.timer.Stop()
	pc.ch <- res
	return true
}

// CancelAll rejects every in-flight command with ErrCancelled. Safe to
// call with nothing pending.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingCommand)
	m.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.ch <- result{err: ErrCancelled}
	}
	if len(pending) > 0 {
		logging.Infof("[command] cancelled %d in-flight commands", len(pending))
	}
}

// PendingCount returns the number of unsettled commands.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
