package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	docKeyPrefix   = "doc:"
	evChanPrefix   = "ev:"
	sessKeyPrefix  = "sess:"
	discoKeyPrefix = "disco:"

	// sessionTTL guards the on-disconnect payloads: while the client is
	// alive the keepalive goroutine refreshes it, and when it expires the
	// reaper applies the client's registered payloads.
	sessionTTL     = 15 * time.Second
	keepaliveEvery = 5 * time.Second
)

// RedisStore implements Store on Redis: one JSON document per key, change
// events fanned out over pub/sub, multi-path commits through a transaction
// pipeline. On-disconnect payloads are guarded by a per-client TTL key that
// the keepalive goroutine refreshes; a reaper watching keyspace expiry
// notifications applies them when the guard lapses (see RunDisconnectReaper).
type RedisStore struct {
	rdb      *redis.Client
	clientID string

	mu      sync.Mutex
	nextReg int
	pending map[int]map[string]any
	closed  bool

	keepaliveStop chan struct{}
	gen           *pushIDGen
}

// NewRedisStore creates a connected client handle. clientID must be unique
// per live connection (a UUID is fine); it namespaces the disconnect guard.
func NewRedisStore(rdb *redis.Client, clientID string) *RedisStore {
	s := &RedisStore{
		rdb:           rdb,
		clientID:      clientID,
		pending:       make(map[int]map[string]any),
		keepaliveStop: make(chan struct{}),
	}
	s.gen = newPushIDGen(s.Now)

	// Expiry notifications are required for the disconnect reaper. Best
	// effort: managed Redis may refuse CONFIG SET, in which case the
	// operator has to enable notify-keyspace-events themselves.
	if err := rdb.ConfigSet(context.Background(), "notify-keyspace-events", "Ex").Err(); err != nil {
		log.Printf("WARNING: could not enable keyspace expiry notifications: %v", err)
	}

	go s.keepalive()
	return s
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *RedisStore) keepalive() {
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			hasPending := len(s.pending) > 0
			s.mu.Unlock()
			if !hasPending {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := s.rdb.Set(ctx, sessKeyPrefix+s.clientID, "1", sessionTTL).Err()
			cancel()
			if err != nil {
				log.Printf("WARNING: session keepalive failed for %s: %v", s.clientID, err)
			}
		case <-s.keepaliveStop:
			return
		}
	}
}

func (s *RedisStore) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	val, err := s.rdb.Get(ctx, docKeyPrefix+path).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("read "+path, err)
	}
	return json.RawMessage(val), nil
}

func (s *RedisStore) ReadAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)

	// Exact document at the prefix itself, if any.
	if v, err := s.ReadOnce(ctx, prefix); err != nil {
		return nil, err
	} else if v != nil {
		out[prefix] = v
	}

	var cursor uint64
	match := docKeyPrefix + prefix + "/*"
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, wrapUnavailable("scan "+prefix, err)
		}
		if len(keys) > 0 {
			vals, err := s.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, wrapUnavailable("mget "+prefix, err)
			}
			for i, k := range keys {
				if str, ok := vals[i].(string); ok {
					out[strings.TrimPrefix(k, docKeyPrefix)] = json.RawMessage(str)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Write(ctx context.Context, path string, value any) error {
	return s.AtomicUpdate(ctx, map[string]any{path: value})
}

func (s *RedisStore) AtomicUpdate(ctx context.Context, updates map[string]any) error {
	raw, err := marshalUpdates(updates)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for path, v := range raw {
			pipe.Set(ctx, docKeyPrefix+path, string(v), 0)
			ev, _ := json.Marshal(Event{Path: path, Value: v})
			pipe.Publish(ctx, evChanPrefix+path, string(ev))
		}
		return nil
	})
	if err != nil {
		return wrapUnavailable("atomic update", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, fn func(Event)) (func(), error) {
	pubsub := s.rdb.PSubscribe(ctx, evChanPrefix+path, evChanPrefix+path+"/*")
	// Confirm the subscription before the snapshot read, so no change
	// committed after the snapshot can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, wrapUnavailable("subscribe "+path, err)
	}

	snapshot, err := s.ReadAll(ctx, path)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	paths := make([]string, 0, len(snapshot))
	for p := range snapshot {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fn(Event{Path: p, Value: snapshot[p]})
	}

	go func() {
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("ERROR: bad store event on %s: %v", msg.Channel, err)
				continue
			}
			fn(ev)
		}
	}()

	return func() { pubsub.Close() }, nil
}

func (s *RedisStore) OnDisconnect(ctx context.Context, updates map[string]any) (func(), error) {
	raw, err := marshalUpdates(updates)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(raw)

	s.mu.Lock()
	id := s.nextReg
	s.nextReg++
	s.pending[id] = updates
	s.mu.Unlock()

	field := fmt.Sprintf("%d", id)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, discoKeyPrefix+s.clientID, field, string(payload))
		pipe.Set(ctx, sessKeyPrefix+s.clientID, "1", sessionTTL)
		return nil
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, wrapUnavailable("register on-disconnect", err)
	}

	cancel := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		cctx, cc := context.WithTimeout(context.Background(), 2*time.Second)
		defer cc()
		if err := s.rdb.HDel(cctx, discoKeyPrefix+s.clientID, field).Err(); err != nil {
			log.Printf("WARNING: could not cancel on-disconnect payload: %v", err)
		}
	}
	return cancel, nil
}

// Close applies every still-registered on-disconnect payload and releases
// the session guard. Like the real thing, disconnecting (gracefully or not)
// fires the registered payloads exactly once.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	payloads := make([]map[string]any, 0, len(s.pending))
	for _, p := range s.pending {
		payloads = append(payloads, p)
	}
	s.pending = make(map[int]map[string]any)
	s.mu.Unlock()

	close(s.keepaliveStop)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, p := range payloads {
		if err := s.AtomicUpdate(ctx, p); err != nil {
			log.Printf("ERROR: applying on-disconnect payload on close: %v", err)
		}
	}
	return s.rdb.Del(ctx, discoKeyPrefix+s.clientID, sessKeyPrefix+s.clientID).Err()
}

func (s *RedisStore) PushID() string {
	return s.gen.Next()
}

// Now uses the Redis server clock so ordering never trusts the client.
func (s *RedisStore) Now() time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return time.Now()
	}
	return t
}

// RunDisconnectReaper watches for expired session guards and applies the
// matching clients' on-disconnect payloads. Run one instance per server
// process; applying a payload twice is harmless only for idempotent values,
// so the hash is deleted in the same pipeline.
func RunDisconnectReaper(ctx context.Context, rdb *redis.Client) {
	applier := &RedisStore{rdb: rdb, clientID: "reaper", pending: map[int]map[string]any{}, keepaliveStop: make(chan struct{})}

	pubsub := rdb.PSubscribe(ctx, "__keyevent@*__:expired")
	defer pubsub.Close()

	log.Println("INFO: disconnect reaper started")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			if !strings.HasPrefix(msg.Payload, sessKeyPrefix) {
				continue
			}
			clientID := strings.TrimPrefix(msg.Payload, sessKeyPrefix)
			reapClient(ctx, rdb, applier, clientID)
		}
	}
}

func reapClient(ctx context.Context, rdb *redis.Client, applier *RedisStore, clientID string) {
	fields, err := rdb.HGetAll(ctx, discoKeyPrefix+clientID).Result()
	if err != nil {
		log.Printf("ERROR: reaper could not read payloads for %s: %v", clientID, err)
		return
	}
	if len(fields) == 0 {
		return
	}
	if err := rdb.Del(ctx, discoKeyPrefix+clientID).Err(); err != nil {
		log.Printf("ERROR: reaper could not claim payloads for %s: %v", clientID, err)
		return
	}
	for _, payload := range fields {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			log.Printf("ERROR: reaper got bad payload for %s: %v", clientID, err)
			continue
		}
		updates := make(map[string]any, len(raw))
		for p, v := range raw {
			updates[p] = v
		}
		if err := applier.AtomicUpdate(ctx, updates); err != nil {
			log.Printf("ERROR: reaper could not apply payload for %s: %v", clientID, err)
		}
	}
	log.Printf("INFO: applied %d on-disconnect payload(s) for vanished client %s", len(fields), clientID)
}
