package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process store backend shared by any number of simulated
// clients. It exists for tests and local development: the concurrency model
// of the spec (independent clients converging through the store) cannot be
// exercised against a mock, and a real Redis is not needed to verify it.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]json.RawMessage
	subs    map[int]*memorySub
	nextSub int
	gen     *pushIDGen
	clock   func() time.Time
}

type memorySub struct {
	path   string
	fn     func(Event)
	client *MemoryClient
}

// NewMemory creates an empty shared backend using the process clock.
func NewMemory() *Memory {
	m := &Memory{
		docs: make(map[string]json.RawMessage),
		subs: make(map[int]*memorySub),
	}
	m.clock = time.Now
	m.gen = newPushIDGen(m.now)
	return m
}

func (m *Memory) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock()
}

// SetClock overrides the backend clock. Tests use this to make server
// timestamps deterministic.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Client returns a new connected client handle. Each handle has its own
// on-disconnect registrations and can be dropped independently.
func (m *Memory) Client() *MemoryClient {
	return &MemoryClient{backend: m, pending: make(map[int]map[string]any)}
}

// pathMatches reports whether doc path p is covered by subscription path sub
// (exact document or any descendant).
func pathMatches(sub, p string) bool {
	return p == sub || strings.HasPrefix(p, sub+"/")
}

// commit stores every update and notifies matching subscribers. Callbacks
// run outside the lock so they may call back into the store.
func (m *Memory) commit(updates map[string]json.RawMessage) {
	m.mu.Lock()
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	type delivery struct {
		fn func(Event)
		ev Event
	}
	var out []delivery
	for _, p := range paths {
		m.docs[p] = updates[p]
		for _, s := range m.subs {
			if pathMatches(s.path, p) {
				out = append(out, delivery{s.fn, Event{Path: p, Value: updates[p]}})
			}
		}
	}
	m.mu.Unlock()

	for _, d := range out {
		d.fn(d.ev)
	}
}

// MemoryClient is one simulated client connection to the shared backend.
// It implements Store.
type MemoryClient struct {
	backend *Memory

	mu      sync.Mutex
	offline bool
	dropped bool
	subIDs  []int
	nextReg int
	pending map[int]map[string]any // on-disconnect payloads by registration id
}

func (c *MemoryClient) unavailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline || c.dropped
}

// SetOffline toggles simulated connectivity loss: every subsequent call
// fails with ErrUnavailable until the flag is cleared.
func (c *MemoryClient) SetOffline(offline bool) {
	c.mu.Lock()
	c.offline = offline
	c.mu.Unlock()
}

// Drop simulates the connection vanishing without a graceful sign-off:
// registered on-disconnect payloads are applied by the backend, this
// client's subscriptions stop, and further calls fail.
func (c *MemoryClient) Drop() {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	payloads := make([]map[string]any, 0, len(c.pending))
	for _, p := range c.pending {
		payloads = append(payloads, p)
	}
	c.pending = make(map[int]map[string]any)
	subIDs := c.subIDs
	c.subIDs = nil
	c.mu.Unlock()

	c.backend.mu.Lock()
	for _, id := range subIDs {
		delete(c.backend.subs, id)
	}
	c.backend.mu.Unlock()

	for _, p := range payloads {
		raw, err := marshalUpdates(p)
		if err != nil {
			continue
		}
		c.backend.commit(raw)
	}
}

func marshalUpdates(updates map[string]any) (map[string]json.RawMessage, error) {
	raw := make(map[string]json.RawMessage, len(updates))
	for p, v := range updates {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw[p] = b
	}
	return raw, nil
}

func (c *MemoryClient) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	if c.unavailable() {
		return nil, ErrUnavailable
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	v, ok := c.backend.docs[path]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (c *MemoryClient) ReadAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	if c.unavailable() {
		return nil, ErrUnavailable
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for p, v := range c.backend.docs {
		if pathMatches(prefix, p) {
			out[p] = v
		}
	}
	return out, nil
}

func (c *MemoryClient) Write(ctx context.Context, path string, value any) error {
	return c.AtomicUpdate(ctx, map[string]any{path: value})
}

func (c *MemoryClient) AtomicUpdate(ctx context.Context, updates map[string]any) error {
	if c.unavailable() {
		return ErrUnavailable
	}
	raw, err := marshalUpdates(updates)
	if err != nil {
		return err
	}
	c.backend.commit(raw)
	return nil
}

func (c *MemoryClient) Subscribe(ctx context.Context, path string, fn func(Event)) (func(), error) {
	if c.unavailable() {
		return nil, ErrUnavailable
	}

	b := c.backend
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &memorySub{path: path, fn: fn, client: c}

	// Snapshot of current values, delivered before any change event. Sorted
	// by path so collection snapshots arrive in key order.
	var initial []Event
	paths := make([]string, 0)
	for p := range b.docs {
		if pathMatches(path, p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		initial = append(initial, Event{Path: p, Value: b.docs[p]})
	}
	b.mu.Unlock()

	c.mu.Lock()
	c.subIDs = append(c.subIDs, id)
	c.mu.Unlock()

	for _, ev := range initial {
		fn(ev)
	}

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return unsubscribe, nil
}

func (c *MemoryClient) OnDisconnect(ctx context.Context, updates map[string]any) (func(), error) {
	if c.unavailable() {
		return nil, ErrUnavailable
	}
	c.mu.Lock()
	id := c.nextReg
	c.nextReg++
	c.pending[id] = updates
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	return cancel, nil
}

func (c *MemoryClient) PushID() string {
	return c.backend.gen.Next()
}

func (c *MemoryClient) Now() time.Time {
	return c.backend.now()
}
