package models

import "time"

// Message types. Everything else a client sends is rejected before it
// reaches the store.
const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)

// Message is one entry in a room's log. The key (MessageID) is a store push
// ID, so lexicographic key order matches insertion order. Messages are never
// edited or deleted; only the ReadBy map mutates after creation.
type Message struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"` // server-assigned, never the client clock
	Type      string    `json:"type"`
	// ReadBy marks, per participant, whether they have seen the message.
	// The sender is true from creation.
	ReadBy map[string]bool `json:"read_by"`
	// Metadata is an opaque extension bag carried through untouched.
	Metadata map[string]string `json:"metadata,omitempty"`
}
