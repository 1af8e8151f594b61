package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libchat/backend/internal/store"
)

func TestMemoryReadWrite(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory().Client()

	raw, err := client.ReadOnce(ctx, "rooms/r1")
	require.NoError(t, err)
	assert.Nil(t, raw, "absent path must read as nil")

	require.NoError(t, client.Write(ctx, "rooms/r1", map[string]string{"hello": "world"}))

	raw, err = client.ReadOnce(ctx, "rooms/r1")
	require.NoError(t, err)
	var doc map[string]string
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "world", doc["hello"])
}

func TestMemorySubscribeDeliversSnapshotThenChanges(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	writer := backend.Client()
	reader := backend.Client()

	require.NoError(t, writer.Write(ctx, "messages/r1/a", "first"))
	require.NoError(t, writer.Write(ctx, "messages/r1/b", "second"))

	var got []string
	unsubscribe, err := reader.Subscribe(ctx, "messages/r1", func(ev store.Event) {
		var s string
		require.NoError(t, json.Unmarshal(ev.Value, &s))
		got = append(got, s)
	})
	require.NoError(t, err)

	// Snapshot arrives synchronously, in key order.
	assert.Equal(t, []string{"first", "second"}, got)

	require.NoError(t, writer.Write(ctx, "messages/r1/c", "third"))
	assert.Equal(t, []string{"first", "second", "third"}, got)

	unsubscribe()
	require.NoError(t, writer.Write(ctx, "messages/r1/d", "fourth"))
	assert.Len(t, got, 3, "no callbacks after unsubscribe")
}

func TestMemoryAtomicUpdateCommitsAllPaths(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory().Client()

	err := client.AtomicUpdate(ctx, map[string]any{
		"rooms/r1":       map[string]int{"v": 1},
		"messages/r1/m1": map[string]int{"v": 2},
	})
	require.NoError(t, err)

	all, err := client.ReadAll(ctx, "messages/r1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	raw, err := client.ReadOnce(ctx, "rooms/r1")
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestMemoryOffline(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory().Client()

	client.SetOffline(true)
	err := client.Write(ctx, "rooms/r1", "x")
	assert.ErrorIs(t, err, store.ErrUnavailable)
	_, err = client.ReadOnce(ctx, "rooms/r1")
	assert.ErrorIs(t, err, store.ErrUnavailable)

	client.SetOffline(false)
	assert.NoError(t, client.Write(ctx, "rooms/r1", "x"))
}

// TestMemoryDropAppliesOnDisconnectPayload simulates a hard crash: the
// payload registered via OnDisconnect must be applied by the backend and
// observed by another client, with no graceful call from the dropped one.
func TestMemoryDropAppliesOnDisconnectPayload(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	crasher := backend.Client()
	observer := backend.Client()

	require.NoError(t, crasher.Write(ctx, "presence/u1", map[string]bool{"online": true}))
	_, err := crasher.OnDisconnect(ctx, map[string]any{
		"presence/u1": map[string]bool{"online": false},
	})
	require.NoError(t, err)

	var last map[string]bool
	_, err = observer.Subscribe(ctx, "presence/u1", func(ev store.Event) {
		require.NoError(t, json.Unmarshal(ev.Value, &last))
	})
	require.NoError(t, err)
	assert.True(t, last["online"])

	crasher.Drop()

	assert.False(t, last["online"], "observer must see the disconnect payload")
	_, err = crasher.ReadOnce(ctx, "presence/u1")
	assert.ErrorIs(t, err, store.ErrUnavailable, "dropped client is gone for good")
}

func TestMemoryOnDisconnectCancel(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	client := backend.Client()
	observer := backend.Client()

	require.NoError(t, client.Write(ctx, "presence/u1", map[string]bool{"online": true}))
	cancel, err := client.OnDisconnect(ctx, map[string]any{
		"presence/u1": map[string]bool{"online": false},
	})
	require.NoError(t, err)

	cancel()
	client.Drop()

	raw, err := observer.ReadOnce(ctx, "presence/u1")
	require.NoError(t, err)
	var doc map[string]bool
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.True(t, doc["online"], "cancelled payload must not be applied")
}
