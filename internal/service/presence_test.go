package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
)

func TestConnect_BroadcastsOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.createUser(t, "alice")
	b := h.createUser(t, "bob")
	_, trA := h.connect(t, a.Id)
	h.connect(t, b.Id)

	var ev protocol.PresenceEvent
	require.NoError(t, json.Unmarshal(waitFor(t, trA, protocol.EventUserOnline), &ev))
	assert.Equal(t, b.Id, ev.UserId)
	assert.Equal(t, model.UserStatusOnline, ev.Status)

	stored, err := h.store.FindUser(ctx, b.Id)
	require.NoError(t, err)
	assert.True(t, stored.IsOnline)
	assert.True(t, h.presence.IsOnline(b.Id))
}

func TestConnect_InvisibleNotBroadcast(t *testing.T) {
	h := newHarness(t)
	a := h.createUser(t, "alice")
	b := h.createUser(t, "bob")
	require.NoError(t, h.store.UpdateStatus(context.Background(), b.Id, model.UserStatusInvisible))
	_, trA := h.connect(t, a.Id)

	connB, _ := h.connect(t, b.Id)
	assertNoEvent(t, trA, protocol.EventUserOnline, 50*time.Millisecond)

	h.presence.Disconnect(context.Background(), connB)
	assertNoEvent(t, trA, protocol.EventUserOffline, 50*time.Millisecond)
}

func TestConnect_ReplacesPreviousConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.createUser(t, "alice")
	b := h.createUser(t, "bob")
	_, trB := h.connect(t, b.Id)

	oldConn, oldTr := h.connect(t, a.Id)
	waitFor(t, trB, protocol.EventUserOnline)
	newConn, _ := h.connect(t, a.Id)

	assert.True(t, oldConn.IsClosed())
	assert.True(t, oldTr.isClosed())
	assert.Same(t, newConn, h.registry.Get(a.Id))
	assertNoEvent(t, trB, protocol.EventUserOnline, 50*time.Millisecond)

	// 旧连接的断开不影响新连接
	h.presence.Disconnect(ctx, oldConn)
	assert.True(t, h.presence.IsOnline(a.Id))
	stored, err := h.store.FindUser(ctx, a.Id)
	require.NoError(t, err)
	assert.True(t, stored.IsOnline)
}

func TestDisconnect_MarksOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.createUser(t, "alice")
	b := h.createUser(t, "bob")
	_, trA := h.connect(t, a.Id)
	connB, _ := h.connect(t, b.Id)

	h.presence.Disconnect(ctx, connB)
	h.presence.Disconnect(ctx, connB)

	var ev protocol.PresenceEvent
	require.NoError(t, json.Unmarshal(waitFor(t, trA, protocol.EventUserOffline), &ev))
	assert.Equal(t, b.Id, ev.UserId)
	assert.NotNil(t, ev.LastSeen)
	assertNoEvent(t, trA, protocol.EventUserOffline, 50*time.Millisecond)

	stored, err := h.store.FindUser(ctx, b.Id)
	require.NoError(t, err)
	assert.False(t, stored.IsOnline)
	assert.False(t, h.presence.IsOnline(b.Id))
}

func TestUpdateStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.createUser(t, "alice")
	b := h.createUser(t, "bob")
	_, trA := h.connect(t, a.Id)

	for _, status := range []model.UserStatus{"", "sleeping", model.UserStatusOffline} {
		err := h.presence.UpdateStatus(ctx, b.Id, status)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidStatus), "status %q", status)
	}

	require.NoError(t, h.presence.UpdateStatus(ctx, b.Id, model.UserStatusBusy))
	var ev protocol.PresenceEvent
	require.NoError(t, json.Unmarshal(waitFor(t, trA, protocol.EventStatusUpdated), &ev))
	assert.Equal(t, model.UserStatusBusy, ev.Status)

	require.NoError(t, h.presence.UpdateStatus(ctx, b.Id, model.UserStatusInvisible))
	require.NoError(t, json.Unmarshal(waitFor(t, trA, protocol.EventStatusUpdated), &ev))
	assert.Equal(t, model.UserStatusOffline, ev.Status)

	stored, err := h.store.FindUser(ctx, b.Id)
	require.NoError(t, err)
	assert.Equal(t, model.UserStatusInvisible, stored.Status)

	err = h.presence.UpdateStatus(ctx, 999, model.UserStatusAway)
	assert.True(t, apperrors.Is(err, apperrors.ErrUserNotFound))
}

func TestPresenceReconciler(t *testing.T) {
	locator := newFakeLocator("node-a")
	h := newClusterHarness(t, RouterOptions{Locator: locator, Relay: newFakeRelay(), NodeID: "node-a"})
	ctx := context.Background()
	ghost := h.createUser(t, "ghost")
	remote := h.createUser(t, "remote")
	live := h.createUser(t, "live")

	now := time.Now()
	require.NoError(t, h.store.UpdatePresence(ctx, ghost.Id, true, now))
	require.NoError(t, h.store.UpdatePresence(ctx, remote.Id, true, now))
	locator.put(remote.Id, "node-b", 7)

	h.connect(t, live.Id)
	require.NoError(t, h.store.UpdatePresence(ctx, live.Id, false, now))

	r := NewPresenceReconciler(h.registry, h.store, locator, "node-a", time.Minute)
	toOnline, toOffline, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, toOnline)
	assert.Equal(t, 1, toOffline)

	for id, want := range map[int64]bool{ghost.Id: false, remote.Id: true, live.Id: true} {
		u, err := h.store.FindUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, u.IsOnline, "user %d", id)
	}

	toOnline, toOffline, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, toOnline+toOffline)
}

func TestPresenceReconciler_LocatorErrorKeepsFlag(t *testing.T) {
	locator := newFakeLocator("node-a")
	locator.err = errors.New("redis down")
	h := newHarness(t)
	ctx := context.Background()
	u := h.createUser(t, "maybe")
	require.NoError(t, h.store.UpdatePresence(ctx, u.Id, true, time.Now()))

	r := NewPresenceReconciler(h.registry, h.store, locator, "node-a", time.Minute)
	_, toOffline, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, toOffline)
}
