package chatroom_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libchat/backend/internal/chatroom"
	"libchat/backend/internal/models"
	"libchat/backend/internal/store"
)

var (
	student = models.UserInfo{UserID: "s1", DisplayName: "Student One", Role: models.RoleStudent}
	admin   = models.UserInfo{UserID: "admin001", DisplayName: "Librarian", Role: models.RoleLibrarian}
)

func TestEnsureRoomCreatesRoomAndIndexes(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	mgr := chatroom.NewManagerService(backend.Client())

	roomID, err := mgr.EnsureRoom(ctx, student, admin)
	require.NoError(t, err)
	assert.Equal(t, models.RoomID("s1", "admin001"), roomID)

	room, err := mgr.GetRoom(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Len(t, room.Participants, 2)
	assert.Equal(t, models.RoleStudent, room.Participants["s1"].Role)
	assert.Equal(t, models.RoleLibrarian, room.Participants["admin001"].Role)
	assert.True(t, room.IsActive)
	assert.Nil(t, room.LastMessage)

	// Both participants' index records are seeded in the same commit.
	for _, userID := range []string{"s1", "admin001"} {
		raw, err := backend.Client().ReadOnce(ctx, store.UserChatIndexPath(userID, roomID))
		require.NoError(t, err)
		require.NotNil(t, raw, "index for %s must exist", userID)
		var idx models.UserChatIndex
		require.NoError(t, json.Unmarshal(raw, &idx))
		assert.Equal(t, 0, idx.UnreadCount)
		assert.Equal(t, "", idx.LastReadMessageID)
	}
}

// TestEnsureRoomConvergesFromBothSides covers the creation race: both
// devices call ensureRoom concurrently with the pair in opposite order and
// must end up with one room, two participants.
func TestEnsureRoomConvergesFromBothSides(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	mgrA := chatroom.NewManagerService(backend.Client())
	mgrB := chatroom.NewManagerService(backend.Client())

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = mgrA.EnsureRoom(ctx, student, admin)
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = mgrB.EnsureRoom(ctx, admin, student)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1], "both sides must resolve the same room ID")

	room, err := mgrA.GetRoom(ctx, results[0])
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Len(t, room.Participants, 2, "double creation must not duplicate participants")
}

func TestEnsureRoomIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	mgr := chatroom.NewManagerService(backend.Client())

	first, err := mgr.EnsureRoom(ctx, student, admin)
	require.NoError(t, err)

	room, err := mgr.GetRoom(ctx, first)
	require.NoError(t, err)
	created := room.CreatedAt

	second, err := mgr.EnsureRoom(ctx, student, admin)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	room, err = mgr.GetRoom(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, created, room.CreatedAt, "second call must not rewrite the room")
}

func TestRoomIDIsOrderIndependent(t *testing.T) {
	assert.Equal(t, models.RoomID("a", "b"), models.RoomID("b", "a"))
	assert.NotEqual(t, models.RoomID("a", "b"), models.RoomID("a", "c"))
}

func TestSetActive(t *testing.T) {
	ctx := context.Background()
	mgr := chatroom.NewManagerService(store.NewMemory().Client())

	roomID, err := mgr.EnsureRoom(ctx, student, admin)
	require.NoError(t, err)

	require.NoError(t, mgr.SetActive(ctx, roomID, false))
	room, err := mgr.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, room.IsActive)
	assert.Len(t, room.Participants, 2, "toggling the flag keeps the roster")
}
