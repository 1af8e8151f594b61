package models

import "time"

// PresenceRecord is a user's ephemeral online/typing state. One record per
// user, not per room, and exactly one writer: the user's own active session.
// Everyone else only reads it.
type PresenceRecord struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
	Typing   bool      `json:"typing"`
}

// UserChatIndex is one user's per-room bookkeeping: the denormalized unread
// counter and read marker. UnreadCount is maintained incrementally, never by
// rescanning the log on every write.
type UserChatIndex struct {
	RoomID            string    `json:"room_id"`
	LastReadMessageID string    `json:"last_read_message_id"`
	UnreadCount       int       `json:"unread_count"`
	LastActivity      time.Time `json:"last_activity"`
	IsMuted           bool      `json:"is_muted"`
}
