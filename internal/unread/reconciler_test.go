package unread_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libchat/backend/internal/chatroom"
	"libchat/backend/internal/messagelog"
	"libchat/backend/internal/models"
	"libchat/backend/internal/store"
	"libchat/backend/internal/unread"
)

// fixture builds a room with a real log wired to a real reconciler, all on
// one shared memory backend.
func fixture(t *testing.T) (*store.Memory, *messagelog.LogService, *unread.ReconcilerService, string) {
	t.Helper()
	ctx := context.Background()
	backend := store.NewMemory()
	client := backend.Client()

	mgr := chatroom.NewManagerService(client)
	roomID, err := mgr.EnsureRoom(ctx,
		models.UserInfo{UserID: "s1", DisplayName: "Student", Role: models.RoleStudent},
		models.UserInfo{UserID: "admin001", DisplayName: "Librarian", Role: models.RoleLibrarian},
	)
	require.NoError(t, err)

	reconciler := unread.NewReconcilerService(client)
	log := messagelog.NewLogService(client, reconciler)
	return backend, log, reconciler, roomID
}

// TestUnreadCountQuiescent is the quiescent-case exactness property: N sends
// to an idle recipient produce exactly N unread, and markRead zeroes it.
func TestUnreadCountQuiescent(t *testing.T) {
	ctx := context.Background()
	_, log, reconciler, roomID := fixture(t)

	const n = 7
	for i := 0; i < n; i++ {
		_, err := log.Append(ctx, roomID, "s1", "ping", models.MessageTypeText, nil)
		require.NoError(t, err)
	}

	idx, err := reconciler.GetIndex(ctx, "admin001", roomID)
	require.NoError(t, err)
	assert.Equal(t, n, idx.UnreadCount)

	// The sender's own counter is untouched.
	idx, err = reconciler.GetIndex(ctx, "s1", roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.UnreadCount)

	require.NoError(t, reconciler.MarkRead(ctx, roomID, "admin001"))
	idx, err = reconciler.GetIndex(ctx, "admin001", roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.UnreadCount)
}

func TestMarkReadFlagsEveryMessage(t *testing.T) {
	ctx := context.Background()
	_, log, reconciler, roomID := fixture(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := log.Append(ctx, roomID, "s1", "hello", models.MessageTypeText, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, reconciler.MarkRead(ctx, roomID, "admin001"))

	msgs, err := log.ReadAll(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, msg := range msgs {
		assert.True(t, msg.ReadBy["admin001"], "message %s not flagged", msg.MessageID)
		assert.True(t, msg.ReadBy["s1"])
	}

	idx, err := reconciler.GetIndex(ctx, "admin001", roomID)
	require.NoError(t, err)
	assert.Equal(t, ids[len(ids)-1], idx.LastReadMessageID, "marker advances to the newest message")
}

// TestMarkReadIdempotent: the second consecutive call is a pure no-op.
func TestMarkReadIdempotent(t *testing.T) {
	ctx := context.Background()
	backend, log, reconciler, roomID := fixture(t)

	_, err := log.Append(ctx, roomID, "s1", "once", models.MessageTypeText, nil)
	require.NoError(t, err)

	require.NoError(t, reconciler.MarkRead(ctx, roomID, "admin001"))
	first, err := reconciler.GetIndex(ctx, "admin001", roomID)
	require.NoError(t, err)

	// Count every write the second call performs: none expected.
	writes := 0
	unsubscribe, err := backend.Client().Subscribe(ctx, store.UserChatIndexPath("admin001", roomID), func(store.Event) {
		writes++
	})
	require.NoError(t, err)
	writes = 0 // discard the snapshot delivery
	defer unsubscribe()

	require.NoError(t, reconciler.MarkRead(ctx, roomID, "admin001"))
	second, err := reconciler.GetIndex(ctx, "admin001", roomID)
	require.NoError(t, err)

	assert.Equal(t, first.LastReadMessageID, second.LastReadMessageID)
	assert.Equal(t, 0, second.UnreadCount)
	assert.Equal(t, 0, writes, "idempotent markRead must not write")
}

func TestMarkReadOnEmptyRoom(t *testing.T) {
	ctx := context.Background()
	_, _, reconciler, roomID := fixture(t)

	require.NoError(t, reconciler.MarkRead(ctx, roomID, "admin001"))
	idx, err := reconciler.GetIndex(ctx, "admin001", roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.UnreadCount)
	assert.Equal(t, "", idx.LastReadMessageID)
}

func TestUnreadRecoversAfterInterleavedRead(t *testing.T) {
	ctx := context.Background()
	_, log, reconciler, roomID := fixture(t)

	_, err := log.Append(ctx, roomID, "s1", "one", models.MessageTypeText, nil)
	require.NoError(t, err)
	require.NoError(t, reconciler.MarkRead(ctx, roomID, "admin001"))

	// New message after the read: counter goes 0 -> 1, not 2.
	_, err = log.Append(ctx, roomID, "s1", "two", models.MessageTypeText, nil)
	require.NoError(t, err)

	idx, err := reconciler.GetIndex(ctx, "admin001", roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.UnreadCount)

	require.NoError(t, reconciler.MarkRead(ctx, roomID, "admin001"))
	idx, err = reconciler.GetIndex(ctx, "admin001", roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.UnreadCount)
}

func TestSubscribeUnreadStreamsChanges(t *testing.T) {
	ctx := context.Background()
	_, log, reconciler, roomID := fixture(t)

	var counts []int
	unsubscribe, err := reconciler.SubscribeUnread(ctx, "admin001", roomID, func(c int) {
		counts = append(counts, c)
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.Equal(t, []int{0}, counts, "initial value delivered immediately")

	_, err = log.Append(ctx, roomID, "s1", "a", models.MessageTypeText, nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, roomID, "s1", "b", models.MessageTypeText, nil)
	require.NoError(t, err)
	require.NoError(t, reconciler.MarkRead(ctx, roomID, "admin001"))

	assert.Equal(t, []int{0, 1, 2, 0}, counts)
}

func TestSetMuted(t *testing.T) {
	ctx := context.Background()
	_, _, reconciler, roomID := fixture(t)

	require.NoError(t, reconciler.SetMuted(ctx, roomID, "admin001", true))
	idx, err := reconciler.GetIndex(ctx, "admin001", roomID)
	require.NoError(t, err)
	assert.True(t, idx.IsMuted)
}
