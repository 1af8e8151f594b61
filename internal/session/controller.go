// Package session orchestrates one active chat screen: room resolution,
// live message and presence feeds, send/typing/read operations, and a
// teardown that is guaranteed to leak nothing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"libchat/backend/internal/chatroom"
	"libchat/backend/internal/config"
	"libchat/backend/internal/messagelog"
	"libchat/backend/internal/models"
	"libchat/backend/internal/presence"
	"libchat/backend/internal/store"
	"libchat/backend/internal/unread"
)

// ErrUnauthorized means the local user's role may not initiate this chat.
// Only students open chats with librarians in this deployment.
var ErrUnauthorized = errors.New("role not permitted to open this chat")

// Controller builds and tears down chat sessions. It is the only layer that
// translates store failures into user-visible feedback; everything below it
// just returns typed errors.
type Controller struct {
	Store      store.Store
	Rooms      *chatroom.ManagerService
	Log        *messagelog.LogService
	Presence   *presence.TrackerService
	Reconciler *unread.ReconcilerService
}

// NewController wires a controller from the given services.
func NewController(s store.Store, rooms *chatroom.ManagerService, msgLog *messagelog.LogService, tracker *presence.TrackerService, rec *unread.ReconcilerService) *Controller {
	return &Controller{
		Store:      s,
		Rooms:      rooms,
		Log:        msgLog,
		Presence:   tracker,
		Reconciler: rec,
	}
}

// Session is one open chat screen. The message and presence feeds stay open
// until Close; after Close no further values are delivered.
type Session struct {
	ID     string
	Self   models.UserInfo
	Peer   models.UserInfo
	RoomID string

	ctrl *Controller

	msgCh  chan models.Message
	presCh chan models.PresenceRecord

	mu          sync.Mutex
	closed      bool
	typingTimer *time.Timer
	unsubs      []func()
}

// OpenChat verifies authorization, ensures the room, publishes the local
// user online and starts the message and peer-presence feeds. Incoming peer
// messages are wired through markRead, so the unread badge clears while the
// chat is focused.
func (c *Controller) OpenChat(ctx context.Context, self, peer models.UserInfo) (*Session, error) {
	if self.Role != models.RoleStudent {
		return nil, fmt.Errorf("%w: %s is %q", ErrUnauthorized, self.UserID, self.Role)
	}

	roomID, err := c.Rooms.EnsureRoom(ctx, self, peer)
	if err != nil {
		return nil, err
	}

	if err := c.Presence.GoOnline(ctx, self.UserID); err != nil {
		return nil, err
	}

	s := &Session{
		ID:     uuid.New().String(),
		Self:   self,
		Peer:   peer,
		RoomID: roomID,
		ctrl:   c,
		msgCh:  make(chan models.Message, config.MessageFeedBuffer),
		presCh: make(chan models.PresenceRecord, config.PresenceFeedBuffer),
	}

	unsubMsgs, err := c.Log.Subscribe(ctx, roomID, s.onMessage)
	if err != nil {
		c.Presence.GoOffline(ctx, self.UserID)
		return nil, err
	}
	s.unsubs = append(s.unsubs, unsubMsgs)

	unsubPres, err := c.Presence.SubscribePresence(ctx, peer.UserID, s.onPresence)
	if err != nil {
		unsubMsgs()
		c.Presence.GoOffline(ctx, self.UserID)
		return nil, err
	}
	s.unsubs = append(s.unsubs, unsubPres)

	log.Printf("INFO: session %s opened: %s -> %s (room %s)", s.ID, self.UserID, peer.UserID, roomID)
	return s, nil
}

// SubscribeUnread streams a user's unread count for one room; consumed by
// the notification badge outside the chat screen.
func (c *Controller) SubscribeUnread(ctx context.Context, userID, roomID string, fn func(int)) (func(), error) {
	return c.Reconciler.SubscribeUnread(ctx, userID, roomID, fn)
}

// Messages is the authoritative live feed of the room. Sent messages appear
// here via the store round-trip; there is no optimistic local echo.
func (s *Session) Messages() <-chan models.Message { return s.msgCh }

// Presence is the live feed of the peer's presence record.
func (s *Session) Presence() <-chan models.PresenceRecord { return s.presCh }

func (s *Session) onMessage(msg models.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.msgCh <- msg:
	default:
		log.Printf("WARNING: session %s message feed full, dropping %s", s.ID, msg.MessageID)
	}
	s.mu.Unlock()

	// The screen is focused, so anything from the peer is read on arrival.
	if msg.SenderID != s.Self.UserID && !msg.ReadBy[s.Self.UserID] {
		if err := s.ctrl.Reconciler.MarkRead(context.Background(), s.RoomID, s.Self.UserID); err != nil {
			log.Printf("WARNING: markRead failed in session %s: %v", s.ID, err)
		}
	}
}

func (s *Session) onPresence(record models.PresenceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.presCh <- record:
	default:
		// Presence is last-write-wins anyway; dropping an intermediate
		// value is fine.
	}
}

// Send validates and appends one text message. On store unavailability the
// failure is surfaced as a local, non-persisted system message in the feed
// (the shared log is never corrupted), and the error is still returned for
// transport-level handling.
func (s *Session) Send(ctx context.Context, text string) error {
	s.stopTypingTimer()
	if err := s.ctrl.Presence.SetTyping(ctx, s.Self.UserID, false); err != nil {
		log.Printf("WARNING: clearing typing flag on send: %v", err)
	}

	_, err := s.ctrl.Log.Append(ctx, s.RoomID, s.Self.UserID, text, models.MessageTypeText, nil)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrUnavailable) {
		s.deliverLocal(models.Message{
			MessageID: "local_" + uuid.New().String(),
			SenderID:  "system",
			Text:      "Message could not be delivered. Check your connection and try again.",
			Timestamp: time.Now(),
			Type:      models.MessageTypeSystem,
			ReadBy:    map[string]bool{s.Self.UserID: true},
		})
	}
	return err
}

func (s *Session) deliverLocal(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.msgCh <- msg:
	default:
	}
}

// MarkRead explicitly reconciles the unread state, e.g. when the screen
// regains focus.
func (s *Session) MarkRead(ctx context.Context) error {
	return s.ctrl.Reconciler.MarkRead(ctx, s.RoomID, s.Self.UserID)
}

// SetComposing reports whether the user is currently typing. true writes
// the flag immediately and (re)arms a trailing timer that clears it after
// the idle timeout; only the last timer ever fires. Typing updates are best
// effort: store failures are logged, never surfaced.
func (s *Session) SetComposing(composing bool) {
	if !composing {
		s.stopTypingTimer()
		if err := s.ctrl.Presence.SetTyping(context.Background(), s.Self.UserID, false); err != nil {
			log.Printf("WARNING: typing update dropped: %v", err)
		}
		return
	}

	if err := s.ctrl.Presence.SetTyping(context.Background(), s.Self.UserID, true); err != nil {
		log.Printf("WARNING: typing update dropped: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(config.TypingIdleTimeout, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.typingTimer = nil
		s.mu.Unlock()
		if err := s.ctrl.Presence.SetTyping(context.Background(), s.Self.UserID, false); err != nil {
			log.Printf("WARNING: typing auto-clear dropped: %v", err)
		}
	})
}

func (s *Session) stopTypingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

// Close tears the session down: every subscription is cancelled and the
// pending typing timer cleared synchronously before the feeds close, so no
// callback fires after Close returns. Then the user goes offline.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	s.mu.Lock()
	close(s.msgCh)
	close(s.presCh)
	s.mu.Unlock()

	if err := s.ctrl.Presence.GoOffline(context.Background(), s.Self.UserID); err != nil {
		log.Printf("WARNING: graceful offline failed for %s: %v", s.Self.UserID, err)
	}
	log.Printf("INFO: session %s closed", s.ID)
}
