package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherlabs/tether/internal/gateway"
)

// fakeGateway records dispatched envelopes for a fixed set of
// connected devices.
type fakeGateway struct {
	mu        sync.Mutex
	connected map[string]bool
	envelopes []gateway.CommandEnvelope
	sendErr   error
}

func newFakeGateway(deviceIDs ...string) *fakeGateway {
	connected := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		connected[id] = true
	}
	return &fakeGateway{connected: connected}
}

func (f *fakeGateway) SendToDevice(_ string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if env, ok := v.(gateway.CommandEnvelope); ok {
		f.envelopes = append(f.envelopes, env)
	}
	return nil
}

func (f *fakeGateway) IsDeviceConnected(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[deviceID]
}

func (f *fakeGateway) sent() []gateway.CommandEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.CommandEnvelope, len(f.envelopes))
	copy(out, f.envelopes)
	return out
}

// awaitEnvelope polls until the fake gateway has seen n dispatches and
// returns the latest one.
func (f *fakeGateway) awaitEnvelope(t *testing.T, n int) gateway.CommandEnvelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sent := f.sent(); len(sent) >= n {
			return sent[n-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no envelope dispatched within deadline (want %d)", n)
	return gateway.CommandEnvelope{}
}

type sendOutcome struct {
	payload json.RawMessage
	err     error
}

func sendAsync(m *Manager, deviceID, action string, params json.RawMessage) chan sendOutcome {
	ch := make(chan sendOutcome, 1)
	go func() {
		payload, err := m.Send(context.Background(), deviceID, action, params)
		ch <- sendOutcome{payload: payload, err: err}
	}()
	return ch
}

func waitOutcome(t *testing.T, ch chan sendOutcome) sendOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return")
		return sendOutcome{}
	}
}

func TestSendResolvesWithDeviceResult(t *testing.T) {
	fg := newFakeGateway("dev-1")
	m := NewManager(Options{Gateway: fg, Timeout: time.Second})

	outcome := sendAsync(m, "dev-1", "screenshot", nil)
	env := fg.awaitEnvelope(t, 1)
	assert.Equal(t, "command", env.Type)
	assert.Equal(t, "screenshot", env.Action)
	require.NotEmpty(t, env.ID)
	assert.Equal(t, 1, m.PendingCount())

	m.HandleResponse("dev-1", gateway.Response{
		CommandID: env.ID,
		Result:    json.RawMessage(`{"image":"base64data"}`),
	})

	out := waitOutcome(t, outcome)
	require.NoError(t, out.err)
	assert.JSONEq(t, `{"image":"base64data"}`, string(out.payload))
	assert.Equal(t, 0, m.PendingCount())
}

func TestSendFailsFastWhenDeviceNotConnected(t *testing.T) {
	fg := newFakeGateway()
	m := NewManager(Options{Gateway: fg, Timeout: time.Second})

	_, err := m.Send(context.Background(), "ghost", "screenshot", nil)
	require.ErrorIs(t, err, gateway.ErrDeviceNotConnected)
	assert.Equal(t, 0, m.PendingCount())
	assert.Empty(t, fg.sent(), "nothing should be dispatched for a disconnected device")
}

func TestSendTimesOutNamingTheAction(t *testing.T) {
	fg := newFakeGateway("dev-1")
	m := NewManager(Options{Gateway: fg, Timeout: 30 * time.Millisecond})

	_, err := m.Send(context.Background(), "dev-1", "run_shell", json.RawMessage(`{"cmd":"uptime"}`))

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "run_shell", te.Action)
	assert.Contains(t, err.Error(), "run_shell")
	assert.Equal(t, 0, m.PendingCount())
}

func TestDeviceErrorBecomesCommandError(t *testing.T) {
	fg := newFakeGateway("dev-1")
	m := NewManager(Options{Gateway: fg, Timeout: time.Second})

	outcome := sendAsync(m, "dev-1", "screenshot", nil)
	env := fg.awaitEnvelope(t, 1)

	m.HandleResponse("dev-1", gateway.Response{
		CommandID: env.ID,
		Error:     "permission denied",
	})

	out := waitOutcome(t, outcome)
	var ce *CommandError
	require.ErrorAs(t, out.err, &ce)
	assert.Equal(t, "screenshot", ce.Action)
	assert.Equal(t, "permission denied", ce.Message)
}

func TestLateResponseIsDropped(t *testing.T) {
	fg := newFakeGateway("dev-1")
	m := NewManager(Options{Gateway: fg, Timeout: time.Second})

	m.HandleResponse("dev-1", gateway.Response{CommandID: "ghost", Result: json.RawMessage(`{}`)})
	assert.Equal(t, 0, m.PendingCount())
}

func TestResponseFromWrongDeviceIsIgnored(t *testing.T) {
	fg := newFakeGateway("dev-1", "dev-2")
	m := NewManager(Options{Gateway: fg, Timeout: time.Second})

	outcome := sendAsync(m, "dev-1", "screenshot", nil)
	env := fg.awaitEnvelope(t, 1)

	m.HandleResponse("dev-2", gateway.Response{CommandID: env.ID, Result: json.RawMessage(`{}`)})
	assert.Equal(t, 1, m.PendingCount(), "a foreign device must not settle the command")

	m.HandleResponse("dev-1", gateway.Response{CommandID: env.ID, Result: json.RawMessage(`{"ok":true}`)})
	out := waitOutcome(t, outcome)
	require.NoError(t, out.err)
	assert.JSONEq(t, `{"ok":true}`, string(out.payload))
}

func TestCancelAllSettlesEverything(t *testing.T) {
	fg := newFakeGateway("dev-1", "dev-2")
	m := NewManager(Options{Gateway: fg, Timeout: time.Minute})

	first := sendAsync(m, "dev-1", "screenshot", nil)
	fg.awaitEnvelope(t, 1)
	second := sendAsync(m, "dev-2", "run_shell", nil)
	fg.awaitEnvelope(t, 2)
	require.Equal(t, 2, m.PendingCount())

	m.CancelAll()

	for _, outcome := range []chan sendOutcome{first, second} {
		out := waitOutcome(t, outcome)
		assert.ErrorIs(t, out.err, ErrCancelled)
	}
	assert.Equal(t, 0, m.PendingCount())

	m.CancelAll()
}

func TestDispatchFailureSettlesTheCommand(t *testing.T) {
	errDial := errors.New("send buffer full")
	fg := newFakeGateway("dev-1")
	fg.sendErr = errDial
	m := NewManager(Options{Gateway: fg, Timeout: time.Minute})

	_, err := m.Send(context.Background(), "dev-1", "screenshot", nil)
	require.ErrorIs(t, err, errDial)
	assert.Equal(t, 0, m.PendingCount())
}

func TestSendHonorsContextCancellation(t *testing.T) {
	fg := newFakeGateway("dev-1")
	m := NewManager(Options{Gateway: fg, Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	outcome := make(chan sendOutcome, 1)
	go func() {
		payload, err := m.Send(ctx, "dev-1", "screenshot", nil)
		outcome <- sendOutcome{payload: payload, err: err}
	}()
	fg.awaitEnvelope(t, 1)

	cancel()
	out := waitOutcome(t, outcome)
	require.ErrorIs(t, out.err, context.Canceled)
	assert.Equal(t, 0, m.PendingCount())
}
