// Package archive mirrors committed chat data into PostgreSQL. The realtime
// store stays the source of truth for live sessions; the archive exists for
// history exports and reporting, where SQL beats walking a key tree.
package archive

import (
	"encoding/json"
	"log"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"libchat/backend/internal/models"
)

// MessageArchive is one archived message row.
type MessageArchive struct {
	gorm.Model

	// MessageID is the store push key; unique, lexicographically ordered by
	// insertion time.
	MessageID string `gorm:"uniqueIndex;type:text;not null"`
	// RoomID identifies the room the message belongs to.
	RoomID string `gorm:"type:text;not null;index:idx_room_sent"`
	// SenderID is the user who sent the message.
	SenderID string `gorm:"type:text;not null"`
	// Text is the message body.
	Text string `gorm:"type:text;not null"`
	// Type is the message kind ("text" or "system").
	Type string `gorm:"type:text;not null"`
	// SentAt is the server-assigned message timestamp.
	SentAt time.Time `gorm:"not null;index:idx_room_sent"`
	// Metadata is the opaque extension bag, serialized as JSON.
	Metadata string `gorm:"type:text"`
}

// RoomArchive is one archived room row.
type RoomArchive struct {
	// RoomID is the deterministic pair-derived identifier.
	RoomID string `gorm:"primaryKey;type:text"`
	// ParticipantIDs holds both participants' user IDs.
	ParticipantIDs pq.StringArray `gorm:"type:text[]"`
	// CreatedAt is the room creation time in the store.
	CreatedAt time.Time
}

// Service writes archive rows. It implements messagelog.ArchiveSink.
type Service struct {
	DB *gorm.DB
}

// NewService creates an archive service and runs its migrations.
func NewService(db *gorm.DB) (*Service, error) {
	if err := db.AutoMigrate(&MessageArchive{}, &RoomArchive{}); err != nil {
		return nil, err
	}
	return &Service{DB: db}, nil
}

// ArchiveMessage mirrors one committed message. Failures are logged, never
// propagated: the archive must not be able to block or fail a send.
func (s *Service) ArchiveMessage(roomID string, msg models.Message) {
	metadata := ""
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err == nil {
			metadata = string(b)
		}
	}
	row := MessageArchive{
		MessageID: msg.MessageID,
		RoomID:    roomID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Type:      msg.Type,
		SentAt:    msg.Timestamp,
		Metadata:  metadata,
	}
	if err := s.DB.Create(&row).Error; err != nil {
		log.Printf("ERROR: failed to archive message %s in room %s: %v", msg.MessageID, roomID, err)
	}
}

// ArchiveRoom mirrors a room record on creation. Idempotent: re-archiving
// an existing room is a no-op.
func (s *Service) ArchiveRoom(room *models.ChatRoom) {
	ids := make(pq.StringArray, 0, len(room.Participants))
	for userID := range room.Participants {
		ids = append(ids, userID)
	}
	row := RoomArchive{
		RoomID:         room.RoomID,
		ParticipantIDs: ids,
		CreatedAt:      room.CreatedAt,
	}
	result := s.DB.Where("room_id = ?", room.RoomID).FirstOrCreate(&row)
	if result.Error != nil {
		log.Printf("ERROR: failed to archive room %s: %v", room.RoomID, result.Error)
	}
}

// History returns a room's archived messages in send order.
func (s *Service) History(roomID string) ([]MessageArchive, error) {
	var rows []MessageArchive
	if err := s.DB.Where("room_id = ?", roomID).Order("sent_at asc, message_id asc").Find(&rows).Error; err != nil {
		log.Printf("ERROR: failed to load history for room %s: %v", roomID, err)
		return nil, err
	}
	return rows, nil
}
