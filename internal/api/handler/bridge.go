package handler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"libchat/backend/internal/config"
	"libchat/backend/internal/models"
	"libchat/backend/internal/session"
)

// Frame is the wire envelope on the websocket bridge.
//
// Inbound types: "message" (Text), "typing" (IsTyping), "mark_read".
// Outbound types: "message" (Message), "presence" (Presence),
// "unread" (Count).
type Frame struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	IsTyping bool                   `json:"is_typing,omitempty"`
	Message  *models.Message        `json:"message,omitempty"`
	Presence *models.PresenceRecord `json:"presence,omitempty"`
	Count    *int                   `json:"count,omitempty"`
}

// bridge pumps one websocket connection in and out of a chat session.
type bridge struct {
	conn    *websocket.Conn
	session *session.Session

	unreadCh    chan int
	unsubUnread func()

	closeOnce sync.Once
}

func newBridge(conn *websocket.Conn, sess *session.Session, ctrl *session.Controller) *bridge {
	b := &bridge{
		conn:     conn,
		session:  sess,
		unreadCh: make(chan int, config.UnreadFeedBuffer),
	}

	unsub, err := ctrl.SubscribeUnread(context.Background(), sess.Self.UserID, sess.RoomID, func(count int) {
		select {
		case b.unreadCh <- count:
		default:
		}
	})
	if err != nil {
		log.Printf("WARNING: unread feed unavailable for session %s: %v", sess.ID, err)
	} else {
		b.unsubUnread = unsub
	}
	return b
}

// Run starts both pumps and blocks until the connection ends.
func (b *bridge) Run() {
	go b.writePump()
	b.readPump()
}

func (b *bridge) close() {
	b.closeOnce.Do(func() {
		if b.unsubUnread != nil {
			b.unsubUnread()
		}
		b.session.Close()
		b.conn.Close()
	})
}

func (b *bridge) readPump() {
	defer b.close()

	b.conn.SetReadLimit(config.MaxMessageSize)
	b.conn.SetReadDeadline(time.Now().Add(config.PongWait))
	b.conn.SetPongHandler(func(string) error {
		b.conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, payload, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error reading frame: %v", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Printf("ERROR: bad frame from %s: %v", b.session.Self.UserID, err)
			continue
		}

		switch frame.Type {
		case "message":
			if err := b.session.Send(context.Background(), frame.Text); err != nil {
				// The session already surfaced the failure in the feed.
				log.Printf("WARNING: send failed in session %s: %v", b.session.ID, err)
			}
		case "typing":
			b.session.SetComposing(frame.IsTyping)
		case "mark_read":
			if err := b.session.MarkRead(context.Background()); err != nil {
				log.Printf("WARNING: markRead failed in session %s: %v", b.session.ID, err)
			}
		default:
			log.Printf("WARNING: unknown frame type %q from %s", frame.Type, b.session.Self.UserID)
		}
	}
}

func (b *bridge) writePump() {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		b.close()
	}()

	for {
		var frame Frame
		select {
		case msg, ok := <-b.session.Messages():
			if !ok {
				b.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frame = Frame{Type: "message", Message: &msg}

		case record, ok := <-b.session.Presence():
			if !ok {
				b.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frame = Frame{Type: "presence", Presence: &record}

		case count := <-b.unreadCh:
			frame = Frame{Type: "unread", Count: &count}

		case <-ticker.C:
			b.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		b.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
		payload, err := json.Marshal(frame)
		if err != nil {
			log.Printf("ERROR: encoding frame for %s: %v", b.session.Self.UserID, err)
			continue
		}
		if err := b.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
