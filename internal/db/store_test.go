package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherlabs/tether/internal/approval"
	"github.com/tetherlabs/tether/internal/pairing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "tether.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testDevice(id, token string) *pairing.Device {
	now := time.Now().Truncate(time.Millisecond)
	return &pairing.Device{
		ID:           id,
		Name:         "Mac-Mini",
		Platform:     "macos",
		Token:        token,
		Capabilities: []string{"screenshot", "run_shell"},
		LastSeen:     now,
		CreatedAt:    now,
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	d := testDevice("dev-1", "tok-1")
	require.NoError(t, store.SaveDevice(ctx, d))

	got, err := store.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, d.Name, got.Name)
	assert.Equal(t, d.Platform, got.Platform)
	assert.Equal(t, d.Capabilities, got.Capabilities)
	assert.Equal(t, d.LastSeen.UnixMilli(), got.LastSeen.UnixMilli())

	byToken, err := store.GetDeviceByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", byToken.ID)

	_, err = store.GetDeviceByToken(ctx, "wrong")
	assert.ErrorIs(t, err, pairing.ErrDeviceNotFound)
}

func TestDeviceEmptyCapabilities(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	d := testDevice("dev-1", "tok-1")
	d.Capabilities = []string{}
	require.NoError(t, store.SaveDevice(ctx, d))

	got, err := store.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.NotNil(t, got.Capabilities)
	assert.Empty(t, got.Capabilities)
}

func TestListDevicesMostRecentFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	older := testDevice("dev-old", "tok-old")
	older.LastSeen = time.Now().Add(-time.Hour)
	newer := testDevice("dev-new", "tok-new")

	require.NoError(t, store.SaveDevice(ctx, older))
	require.NoError(t, store.SaveDevice(ctx, newer))

	devices, err := store.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "dev-new", devices[0].ID)
	assert.Equal(t, "dev-old", devices[1].ID)
}

func TestUpdateDevicePartial(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveDevice(ctx, testDevice("dev-1", "tok-1")))

	seen := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, store.UpdateDevice(ctx, "dev-1", pairing.DeviceUpdate{
		Capabilities: []string{"clipboard"},
		LastSeen:     &seen,
	}))

	got, err := store.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Mac-Mini", got.Name)
	assert.Equal(t, []string{"clipboard"}, got.Capabilities)
	assert.Equal(t, seen.UnixMilli(), got.LastSeen.UnixMilli())

	err = store.UpdateDevice(ctx, "missing", pairing.DeviceUpdate{LastSeen: &seen})
	assert.ErrorIs(t, err, pairing.ErrDeviceNotFound)
}

func TestDeleteDevice(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveDevice(ctx, testDevice("dev-1", "tok-1")))
	require.NoError(t, store.DeleteDevice(ctx, "dev-1"))

	_, err := store.GetDevice(ctx, "dev-1")
	assert.ErrorIs(t, err, pairing.ErrDeviceNotFound)

	err = store.DeleteDevice(ctx, "dev-1")
	assert.ErrorIs(t, err, pairing.ErrDeviceNotFound)
}

func testApproval(id string, ttl time.Duration) *approval.Request {
	now := time.Now().Truncate(time.Millisecond)
	return &approval.Request{
		ID:            id,
		Command:       "rm -rf /tmp/x",
		SecurityLevel: "high",
		Status:        approval.StatusPending,
		RequestedAt:   now,
		ExpiresAt:     now.Add(ttl),
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	r := testApproval("req-1", time.Minute)
	require.NoError(t, store.InsertApproval(ctx, r))

	got, err := store.GetApproval(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, got.Status)
	assert.Equal(t, r.Command, got.Command)
	assert.Nil(t, got.ResolvedAt)
	assert.Empty(t, got.Result)

	_, err = store.GetApproval(ctx, "missing")
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestExpireApprovalConditional(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	r := testApproval("req-1", time.Millisecond)
	require.NoError(t, store.InsertApproval(ctx, r))

	later := r.ExpiresAt.Add(time.Second)

	n, err := store.ExpireApproval(ctx, "req-1", later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Second transition finds nothing pending.
	n, err = store.ExpireApproval(ctx, "req-1", later)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := store.GetApproval(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, got.Status)
	require.NotNil(t, got.ResolvedAt)
}

func TestExpireApprovalNotYetDue(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	r := testApproval("req-1", time.Hour)
	require.NoError(t, store.InsertApproval(ctx, r))

	n, err := store.ExpireApproval(ctx, "req-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestExpireApprovalsBefore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertApproval(ctx, testApproval("stale-1", time.Millisecond)))
	require.NoError(t, store.InsertApproval(ctx, testApproval("stale-2", time.Millisecond)))
	require.NoError(t, store.InsertApproval(ctx, testApproval("fresh", time.Hour)))

	n, err := store.ExpireApprovalsBefore(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err := store.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].ID)
}

func TestListPendingOldestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	second := testApproval("second", time.Hour)
	second.RequestedAt = second.RequestedAt.Add(time.Second)
	first := testApproval("first", time.Hour)

	require.NoError(t, store.InsertApproval(ctx, second))
	require.NoError(t, store.InsertApproval(ctx, first))

	pending, err := store.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].ID)
	assert.Equal(t, "second", pending[1].ID)
}

func TestResolveApprovalGuard(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertApproval(ctx, testApproval("req-1", time.Hour)))

	result := json.RawMessage(`{"by":"console"}`)
	n, err := store.ResolveApproval(ctx, "req-1", approval.StatusApproved, result, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The guard blocks a second verdict.
	n, err = store.ResolveApproval(ctx, "req-1", approval.StatusDenied, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := store.GetApproval(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, got.Status)
	assert.JSONEq(t, string(result), string(got.Result))
}
