package redisstore

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pizzapi/relay/internal/model"
)

// EphemeralEventTTL bounds how long the Event Cache (C2) keeps an
// ephemeral session's ring buffer around; it is shorter than the
// non-ephemeral TTL passed to NewEventCache so abandoned ones don't
// linger in Redis.
const (
	EphemeralEventTTL = 2 * time.Hour
	defaultCacheSize  = 1000
)

type cachedEventWire struct {
	TS    time.Time   `json:"ts"`
	Type  string      `json:"type"`
	Seq   uint64      `json:"seq"`
	Replay bool       `json:"replay,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// EventCache is a bounded, per-session ring buffer of recent agent
// events backed by a Redis list. If the backend is unreachable it logs
// once per process and degrades to a no-op so the relay keeps running
// on intra-node delivery alone. When store is the Redis-disabled Store
// (store.Disabled()), the ring buffer instead lives in an in-process
// map so a single node still replays recent events on resync.
type EventCache struct {
	rdb          *Store
	capacity     int
	persistedTTL time.Duration

	healthy bool
	mu      sync.Mutex

	mem map[string][]model.CachedEvent
}

// NewEventCache creates an EventCache with the given per-session capacity
// and TTL for non-ephemeral sessions.
func NewEventCache(store *Store, capacity int, persistedTTL time.Duration) *EventCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	c := &EventCache{rdb: store, capacity: capacity, persistedTTL: persistedTTL, healthy: true}
	if store.Disabled() {
		c.mem = make(map[string][]model.CachedEvent)
	}
	return c
}

func (c *EventCache) ttlFor(isEphemeral bool) time.Duration {
	if isEphemeral {
		return EphemeralEventTTL
	}
	return c.persistedTTL
}

func (c *EventCache) degrade(op string, err error) {
	c.mu.Lock()
	wasHealthy := c.healthy
	c.healthy = false
	c.mu.Unlock()
	if wasHealthy {
		log.Printf("eventcache: %s failed, degrading to no-op: %v", op, err)
	}
}

// Append pushes one event onto the session's ring buffer, left-trims it
// to capacity, and resets the TTL — all in a single pipelined batch.
func (c *EventCache) Append(ctx context.Context, sessionID string, ev model.Event, isEphemeral bool) error {
	if c.rdb.Disabled() {
		c.memAppend(sessionID, model.CachedEvent{TS: time.Now().UTC(), Event: ev})
		return nil
	}

	wire := cachedEventWire{TS: time.Now().UTC(), Type: ev.Type, Seq: ev.Seq, Replay: ev.Replay, Payload: ev.Payload}
	data, err := json.Marshal(wire)
	if err != nil {
		return err
	}

	key := c.rdb.ks.events(sessionID)
	pipe := c.rdb.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-c.capacity), -1)
	pipe.Expire(ctx, key, c.ttlFor(isEphemeral))
	if _, err := pipe.Exec(ctx); err != nil {
		c.degrade("append", err)
		return nil
	}
	return nil
}

// GetAll returns every buffered event for a session, oldest first.
func (c *EventCache) GetAll(ctx context.Context, sessionID string) ([]model.CachedEvent, error) {
	if c.rdb.Disabled() {
		return c.memGetAll(sessionID), nil
	}
	raw, err := c.rdb.rdb.LRange(ctx, c.rdb.ks.events(sessionID), 0, -1).Result()
	if err != nil {
		c.degrade("getAll", err)
		return nil, nil
	}
	out := make([]model.CachedEvent, 0, len(raw))
	for _, r := range raw {
		var wire cachedEventWire
		if err := json.Unmarshal([]byte(r), &wire); err != nil {
			continue
		}
		out = append(out, model.CachedEvent{
			TS: wire.TS,
			Event: model.Event{
				Type:    wire.Type,
				Payload: wire.Payload,
				Seq:     wire.Seq,
				Replay:  wire.Replay,
			},
		})
	}
	return out, nil
}

// Delete removes a single session's event cache.
func (c *EventCache) Delete(ctx context.Context, sessionID string) error {
	if c.rdb.Disabled() {
		c.memDelete(sessionID)
		return nil
	}
	return c.rdb.rdb.Del(ctx, c.rdb.ks.events(sessionID)).Err()
}

// DeleteBatch removes the event caches for multiple sessions in exactly
// one Redis command — a quantified property exercised in eventcache_test.go.
func (c *EventCache) DeleteBatch(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	if c.rdb.Disabled() {
		for _, id := range sessionIDs {
			c.memDelete(id)
		}
		return nil
	}
	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = c.rdb.ks.events(id)
	}
	return c.rdb.rdb.Del(ctx, keys...).Err()
}

func (c *EventCache) memAppend(sessionID string, ev model.CachedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := append(c.mem[sessionID], ev)
	if len(buf) > c.capacity {
		buf = buf[len(buf)-c.capacity:]
	}
	c.mem[sessionID] = buf
}

func (c *EventCache) memGetAll(sessionID string) []model.CachedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.mem[sessionID]
	out := make([]model.CachedEvent, len(buf))
	copy(out, buf)
	return out
}

func (c *EventCache) memDelete(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mem, sessionID)
}

// snapshotPayload is the shape agent_end and session_active events carry
// when they fully describe current session state.
type snapshotPayload struct {
	Messages json.RawMessage `json:"messages"`
	State    json.RawMessage `json:"state"`
}

// FindLatestSnapshot walks events newest-to-oldest and returns the first
// one whose type/payload qualifies as a snapshot: agent_end with an
// array "messages" field, or session_active with a defined "state".
func FindLatestSnapshot(events []model.CachedEvent) (model.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i].Event
		var p snapshotPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		switch ev.Type {
		case "agent_end":
			if len(p.Messages) > 0 && p.Messages[0] == '[' {
				return ev, true
			}
		case "session_active":
			if len(p.State) > 0 {
				return ev, true
			}
		}
	}
	return model.Event{}, false
}
