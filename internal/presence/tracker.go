// Package presence maintains each user's ephemeral online/typing state.
// The critical property is self-healing: a crashed or disconnected client
// must flip to offline through the store's on-disconnect hook, with no
// heartbeat polling anywhere.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"libchat/backend/internal/models"
	"libchat/backend/internal/store"
)

// TrackerService publishes the local user's presence and observes peers'.
// Exactly one writer per presence path: the user's own active session.
type TrackerService struct {
	Store store.Store
}

// NewTrackerService creates a presence tracker on top of the given store.
func NewTrackerService(s store.Store) *TrackerService {
	return &TrackerService{Store: s}
}

// GoOnline marks the user online and then registers the offline payload the
// store applies on connection loss. The order matters: the hook must be in
// place on every session start, because it is the only way a hard crash is
// ever observed as offline.
func (t *TrackerService) GoOnline(ctx context.Context, userID string) error {
	now := t.Store.Now()
	record := models.PresenceRecord{Online: true, LastSeen: now, Typing: false}
	if err := t.Store.Write(ctx, store.PresencePath(userID), record); err != nil {
		return fmt.Errorf("going online as %s: %w", userID, err)
	}

	offline := models.PresenceRecord{Online: false, LastSeen: now, Typing: false}
	if _, err := t.Store.OnDisconnect(ctx, map[string]any{
		store.PresencePath(userID): offline,
	}); err != nil {
		return fmt.Errorf("registering disconnect hook for %s: %w", userID, err)
	}
	return nil
}

// GoOffline is the graceful sign-off. The pending disconnect hook is left
// in place; re-applying the same values is harmless.
func (t *TrackerService) GoOffline(ctx context.Context, userID string) error {
	record := models.PresenceRecord{Online: false, LastSeen: t.Store.Now(), Typing: false}
	if err := t.Store.Write(ctx, store.PresencePath(userID), record); err != nil {
		return fmt.Errorf("going offline as %s: %w", userID, err)
	}
	return nil
}

// SetTyping writes the typing flag. No timers here: the debounce and idle
// timeout policy belongs to the session controller.
func (t *TrackerService) SetTyping(ctx context.Context, userID string, isTyping bool) error {
	raw, err := t.Store.ReadOnce(ctx, store.PresencePath(userID))
	if err != nil {
		return fmt.Errorf("reading presence of %s: %w", userID, err)
	}
	record := models.PresenceRecord{}
	if raw != nil {
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("decoding presence of %s: %w", userID, err)
		}
	}
	record.Typing = isTyping
	if err := t.Store.Write(ctx, store.PresencePath(userID), record); err != nil {
		return fmt.Errorf("setting typing for %s: %w", userID, err)
	}
	return nil
}

// SubscribePresence streams a peer's presence. When no record exists yet the
// default {online:false, typing:false} is delivered, so callers never
// null-check.
func (t *TrackerService) SubscribePresence(ctx context.Context, peerID string, fn func(models.PresenceRecord)) (func(), error) {
	var delivered atomic.Bool
	unsubscribe, err := t.Store.Subscribe(ctx, store.PresencePath(peerID), func(ev store.Event) {
		if ev.Value == nil {
			return
		}
		var record models.PresenceRecord
		if err := json.Unmarshal(ev.Value, &record); err != nil {
			log.Printf("ERROR: bad presence document at %s: %v", ev.Path, err)
			return
		}
		delivered.Store(true)
		fn(record)
	})
	if err != nil {
		return nil, err
	}
	if !delivered.Load() {
		fn(models.PresenceRecord{})
	}
	return unsubscribe, nil
}
