// Package unread keeps each user's per-room unread counters and read
// markers in step with the message log. The counters are denormalized and
// maintained incrementally; markRead is the point where any drift converges
// back to zero.
package unread

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"libchat/backend/internal/models"
	"libchat/backend/internal/store"
)

// ReconcilerService maintains UserChatIndex records.
type ReconcilerService struct {
	Store store.Store
}

// NewReconcilerService creates a reconciler on top of the given store.
func NewReconcilerService(s store.Store) *ReconcilerService {
	return &ReconcilerService{Store: s}
}

// GetIndex loads a user's index for a room. Absent records come back as a
// zeroed index, so callers never null-check.
func (r *ReconcilerService) GetIndex(ctx context.Context, userID, roomID string) (models.UserChatIndex, error) {
	idx := models.UserChatIndex{RoomID: roomID}
	raw, err := r.Store.ReadOnce(ctx, store.UserChatIndexPath(userID, roomID))
	if err != nil {
		return idx, fmt.Errorf("reading chat index for %s: %w", userID, err)
	}
	if raw == nil {
		return idx, nil
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return idx, fmt.Errorf("decoding chat index for %s: %w", userID, err)
	}
	return idx, nil
}

// OnAppend bumps the unread counter of every non-sender participant.
// Deliberately a read-then-write per recipient rather than a blind global
// increment: the recipient may be running markRead concurrently, and under
// that interleaving the increment is at-least-once, converging on the next
// markRead. The common case (idle recipient) is exact.
func (r *ReconcilerService) OnAppend(ctx context.Context, roomID, senderID string, participants []string) error {
	now := r.Store.Now()
	for _, userID := range participants {
		if userID == senderID {
			continue
		}
		idx, err := r.GetIndex(ctx, userID, roomID)
		if err != nil {
			return err
		}
		idx.RoomID = roomID
		idx.UnreadCount++
		idx.LastActivity = now
		if err := r.Store.Write(ctx, store.UserChatIndexPath(userID, roomID), idx); err != nil {
			return fmt.Errorf("incrementing unread for %s in %s: %w", userID, roomID, err)
		}
	}
	return nil
}

// MarkRead marks every message in the room as read by userID, advances the
// last-read marker to the newest message, and zeroes the unread counter, all
// in one commit. Idempotent: a second call with nothing unread writes
// nothing. A message landing between the scan and the commit is tolerated;
// the undercount self-corrects on the next markRead or append cycle.
func (r *ReconcilerService) MarkRead(ctx context.Context, roomID, userID string) error {
	docs, err := r.Store.ReadAll(ctx, store.MessagesPath(roomID))
	if err != nil {
		return fmt.Errorf("scanning room %s: %w", roomID, err)
	}

	updates := make(map[string]any)
	var newest *models.Message
	unreadSeen := false
	for path, raw := range docs {
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("ERROR: bad message document at %s: %v", path, err)
			continue
		}
		if newest == nil || msg.Timestamp.After(newest.Timestamp) ||
			(msg.Timestamp.Equal(newest.Timestamp) && msg.MessageID > newest.MessageID) {
			m := msg
			newest = &m
		}
		if !msg.ReadBy[userID] {
			unreadSeen = true
			marked := msg
			marked.ReadBy = make(map[string]bool, len(msg.ReadBy)+1)
			for id, v := range msg.ReadBy {
				marked.ReadBy[id] = v
			}
			marked.ReadBy[userID] = true
			updates[path] = marked
		}
	}

	idx, err := r.GetIndex(ctx, userID, roomID)
	if err != nil {
		return err
	}

	lastRead := idx.LastReadMessageID
	if newest != nil {
		lastRead = newest.MessageID
	}
	if !unreadSeen && idx.UnreadCount == 0 && idx.LastReadMessageID == lastRead {
		return nil
	}

	idx.RoomID = roomID
	idx.LastReadMessageID = lastRead
	idx.UnreadCount = 0
	idx.LastActivity = r.Store.Now()
	updates[store.UserChatIndexPath(userID, roomID)] = idx

	if err := r.Store.AtomicUpdate(ctx, updates); err != nil {
		return fmt.Errorf("marking room %s read for %s: %w", roomID, userID, err)
	}
	return nil
}

// SetMuted toggles the mute flag on a user's index.
func (r *ReconcilerService) SetMuted(ctx context.Context, roomID, userID string, muted bool) error {
	idx, err := r.GetIndex(ctx, userID, roomID)
	if err != nil {
		return err
	}
	idx.RoomID = roomID
	idx.IsMuted = muted
	return r.Store.Write(ctx, store.UserChatIndexPath(userID, roomID), idx)
}

// SubscribeUnread streams a user's unread count for one room, starting with
// the current value (0 when no index exists yet). Consumed by the
// notification badge outside the chat screen.
func (r *ReconcilerService) SubscribeUnread(ctx context.Context, userID, roomID string, fn func(int)) (func(), error) {
	var delivered atomic.Bool
	unsubscribe, err := r.Store.Subscribe(ctx, store.UserChatIndexPath(userID, roomID), func(ev store.Event) {
		if ev.Value == nil {
			return
		}
		var idx models.UserChatIndex
		if err := json.Unmarshal(ev.Value, &idx); err != nil {
			log.Printf("ERROR: bad chat index at %s: %v", ev.Path, err)
			return
		}
		delivered.Store(true)
		fn(idx.UnreadCount)
	})
	if err != nil {
		return nil, err
	}
	if !delivered.Load() {
		fn(0)
	}
	return unsubscribe, nil
}
