// Package chatroom manages the lifecycle of the two-party rooms that carry
// student-to-librarian conversations.
package chatroom

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"libchat/backend/internal/models"
	"libchat/backend/internal/store"
)

// RoomArchiver receives newly created rooms for long-term storage.
type RoomArchiver interface {
	ArchiveRoom(room *models.ChatRoom)
}

// ManagerService owns room metadata and the participant roster.
type ManagerService struct {
	Store   store.Store
	Archive RoomArchiver
}

// NewManagerService creates a new room manager on top of the given store.
func NewManagerService(s store.Store) *ManagerService {
	return &ManagerService{Store: s}
}

// SetArchive attaches an archive sink for created rooms.
func (m *ManagerService) SetArchive(a RoomArchiver) {
	m.Archive = a
}

// EnsureRoom locates or lazily creates the room for the given user pair and
// returns its ID. Idempotent and race-safe: the room ID is a pure function
// of the sorted pair, so two devices creating concurrently write the same
// payload to the same path and converge without locking.
func (m *ManagerService) EnsureRoom(ctx context.Context, self, peer models.UserInfo) (string, error) {
	roomID := models.RoomID(self.UserID, peer.UserID)

	raw, err := m.Store.ReadOnce(ctx, store.RoomPath(roomID))
	if err != nil {
		return "", fmt.Errorf("checking room %s: %w", roomID, err)
	}
	if raw != nil {
		return roomID, nil
	}

	now := m.Store.Now()
	room := models.ChatRoom{
		RoomID: roomID,
		Participants: map[string]models.Participant{
			self.UserID: {
				Role:        self.Role,
				DisplayName: self.DisplayName,
				AvatarRef:   self.AvatarRef,
				JoinedAt:    now,
			},
			peer.UserID: {
				Role:        peer.Role,
				DisplayName: peer.DisplayName,
				AvatarRef:   peer.AvatarRef,
				JoinedAt:    now,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}

	// Room and both participants' index records commit together, so neither
	// side can observe a room without its unread bookkeeping.
	updates := map[string]any{
		store.RoomPath(roomID): room,
	}
	for _, userID := range []string{self.UserID, peer.UserID} {
		updates[store.UserChatIndexPath(userID, roomID)] = models.UserChatIndex{
			RoomID:            roomID,
			LastReadMessageID: "",
			UnreadCount:       0,
			LastActivity:      now,
		}
	}
	if err := m.Store.AtomicUpdate(ctx, updates); err != nil {
		return "", fmt.Errorf("creating room %s: %w", roomID, err)
	}

	if m.Archive != nil {
		m.Archive.ArchiveRoom(&room)
	}
	log.Printf("INFO: created room %s for %s and %s", roomID, self.UserID, peer.UserID)
	return roomID, nil
}

// GetRoom loads a room document. Returns (nil, nil) when the room does not
// exist.
func (m *ManagerService) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	raw, err := m.Store.ReadOnce(ctx, store.RoomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("reading room %s: %w", roomID, err)
	}
	if raw == nil {
		return nil, nil
	}
	var room models.ChatRoom
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("decoding room %s: %w", roomID, err)
	}
	return &room, nil
}

// SetActive toggles the room's active flag. Rooms are never hard-deleted;
// history outlives the flag.
func (m *ManagerService) SetActive(ctx context.Context, roomID string, active bool) error {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return fmt.Errorf("room %s not found", roomID)
	}
	room.IsActive = active
	room.UpdatedAt = m.Store.Now()
	return m.Store.Write(ctx, store.RoomPath(roomID), room)
}
