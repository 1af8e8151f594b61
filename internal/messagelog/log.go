// Package messagelog appends messages to a room's log and keeps every
// subscriber on one total order.
package messagelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"libchat/backend/internal/models"
	"libchat/backend/internal/store"
)

// ErrInvalidMessage rejects empty or whitespace-only text before it ever
// reaches the store.
var ErrInvalidMessage = errors.New("invalid message: empty text")

// ErrRoomNotFound is returned when appending into a room that was never
// created.
var ErrRoomNotFound = errors.New("room not found")

// UnreadIncrementer is the reconciler hook invoked after a message commit.
// Split from the commit itself because the unread delta must read-then-write
// each recipient's counter (see the unread package).
type UnreadIncrementer interface {
	OnAppend(ctx context.Context, roomID, senderID string, participants []string) error
}

// ArchiveSink receives committed messages for long-term storage off the hot
// path. Optional; the store stays the realtime source of truth.
type ArchiveSink interface {
	ArchiveMessage(roomID string, msg models.Message)
}

// LogService appends to and subscribes on room message logs.
type LogService struct {
	Store   store.Store
	Unread  UnreadIncrementer
	Archive ArchiveSink
}

// NewLogService creates a message log. unread may not be nil; archive may.
func NewLogService(s store.Store, unread UnreadIncrementer) *LogService {
	return &LogService{Store: s, Unread: unread}
}

// SetArchive attaches an archive sink for committed messages.
func (l *LogService) SetArchive(a ArchiveSink) {
	l.Archive = a
}

// Append validates and commits one message: the message document, the room's
// lastMessage snapshot and updatedAt all change in one atomic step. The
// unread increment for the recipients runs as a second step afterwards.
// Returns the new message ID.
func (l *LogService) Append(ctx context.Context, roomID, senderID, text, msgType string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrInvalidMessage
	}
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	rawRoom, err := l.Store.ReadOnce(ctx, store.RoomPath(roomID))
	if err != nil {
		return "", fmt.Errorf("reading room %s: %w", roomID, err)
	}
	if rawRoom == nil {
		return "", ErrRoomNotFound
	}
	var room models.ChatRoom
	if err := json.Unmarshal(rawRoom, &room); err != nil {
		return "", fmt.Errorf("decoding room %s: %w", roomID, err)
	}

	messageID := l.Store.PushID()
	now := l.Store.Now()

	readBy := make(map[string]bool, len(room.Participants))
	for userID := range room.Participants {
		readBy[userID] = userID == senderID
	}

	msg := models.Message{
		MessageID: messageID,
		SenderID:  senderID,
		Text:      text,
		Timestamp: now,
		Type:      msgType,
		ReadBy:    readBy,
		Metadata:  metadata,
	}

	room.LastMessage = &models.MessageSummary{
		MessageID: messageID,
		Text:      text,
		SenderID:  senderID,
		Timestamp: now,
	}
	room.UpdatedAt = now

	err = l.Store.AtomicUpdate(ctx, map[string]any{
		store.MessagePath(roomID, messageID): msg,
		store.RoomPath(roomID):               room,
	})
	if err != nil {
		return "", fmt.Errorf("appending to room %s: %w", roomID, err)
	}

	participants := make([]string, 0, len(room.Participants))
	for userID := range room.Participants {
		participants = append(participants, userID)
	}
	if err := l.Unread.OnAppend(ctx, roomID, senderID, participants); err != nil {
		// The message is committed; a failed increment self-corrects on the
		// recipient's next markRead cycle.
		log.Printf("WARNING: unread increment failed for room %s: %v", roomID, err)
	}

	if l.Archive != nil {
		l.Archive.ArchiveMessage(roomID, msg)
	}
	return messageID, nil
}

// Subscribe delivers every existing message in the room, then every new
// message and every readBy change, decoded. The returned func stops the
// feed.
func (l *LogService) Subscribe(ctx context.Context, roomID string, fn func(models.Message)) (func(), error) {
	return l.Store.Subscribe(ctx, store.MessagesPath(roomID), func(ev store.Event) {
		if ev.Value == nil {
			return
		}
		var msg models.Message
		if err := json.Unmarshal(ev.Value, &msg); err != nil {
			log.Printf("ERROR: bad message document at %s: %v", ev.Path, err)
			return
		}
		fn(msg)
	})
}

// ReadAll loads the full log of a room, sorted.
func (l *LogService) ReadAll(ctx context.Context, roomID string) ([]models.Message, error) {
	docs, err := l.Store.ReadAll(ctx, store.MessagesPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("reading log of room %s: %w", roomID, err)
	}
	msgs := make([]models.Message, 0, len(docs))
	for path, raw := range docs {
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("ERROR: bad message document at %s: %v", path, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	SortMessages(msgs)
	return msgs, nil
}

// SortMessages orders by server timestamp, ties broken by message ID
// (push IDs sort in insertion order), so every client converges on the same
// total order.
func SortMessages(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].MessageID < msgs[j].MessageID
	})
}
