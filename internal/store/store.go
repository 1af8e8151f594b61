// Package store abstracts the realtime key-path store the chat core runs on.
// Every piece of shared state (rooms, messages, presence, per-user chat
// indexes) lives behind this interface; the core never talks to any other
// persistence boundary.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable signals a transient connectivity failure on a store call.
// Callers treat writes as fire-and-retry-later and reads as possibly stale,
// never as fatal.
var ErrUnavailable = errors.New("store unavailable")

// Event is one change delivered to a subscription. Value is nil when the
// path was deleted.
type Event struct {
	Path  string
	Value json.RawMessage
}

// Store is the contract for the shared realtime store. Paths are
// slash-separated keys; each path holds one JSON document. A "collection"
// is simply a common path prefix (e.g. messages/<roomID>/).
type Store interface {
	// ReadOnce returns the document at path, or (nil, nil) when absent.
	ReadOnce(ctx context.Context, path string) (json.RawMessage, error)

	// ReadAll returns every document under the prefix, keyed by full path.
	ReadAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error)

	// Write stores value at path. Last writer wins at path granularity.
	Write(ctx context.Context, path string, value any) error

	// AtomicUpdate commits every path in updates together, or none of them.
	AtomicUpdate(ctx context.Context, updates map[string]any) error

	// Subscribe delivers the current value(s) at path immediately, then every
	// subsequent change. A prefix path matches all descendant documents.
	// The returned func stops further callbacks and releases the listener.
	Subscribe(ctx context.Context, path string, fn func(Event)) (func(), error)

	// OnDisconnect registers a multi-path payload the store applies exactly
	// once if this client's connection drops before cancel is called.
	OnDisconnect(ctx context.Context, updates map[string]any) (cancel func(), err error)

	// PushID returns a new strictly increasing, collision-free key.
	// Lexicographic order of push IDs matches generation order.
	PushID() string

	// Now returns server-assigned time, never the client clock.
	Now() time.Time
}
