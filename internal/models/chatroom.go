package models

import (
	"sort"
	"time"
)

// Role of a participant inside a room. Students open chats with librarians,
// never the other way around.
const (
	RoleStudent   = "student"
	RoleLibrarian = "librarian"
)

// UserInfo is the resolved identity handed over by the auth boundary.
// The chat core never authenticates anyone itself.
type UserInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
	Role        string `json:"role"`
}

// Participant is one side of a chat room.
type Participant struct {
	Role        string    `json:"role"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref"`
	JoinedAt    time.Time `json:"joined_at"`
}

// MessageSummary is the denormalized last-message snapshot kept on the room
// for list previews. The Message Log keeps it consistent on every append.
type MessageSummary struct {
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRoom is the persistent two-party container for a conversation.
// Exactly two participants; the room ID is a pure function of the pair, so
// concurrent creation from both devices converges on the same record.
type ChatRoom struct {
	RoomID       string                 `json:"room_id"`
	Participants map[string]Participant `json:"participants"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	IsActive     bool                   `json:"is_active"`
	LastMessage  *MessageSummary        `json:"last_message,omitempty"`
}

// RoomID derives the deterministic room identifier for a user pair.
// Order-independent: RoomID(a,b) == RoomID(b,a).
func RoomID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return "room_" + pair[0] + "_" + pair[1]
}
