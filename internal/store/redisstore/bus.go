package redisstore

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// roomQueueLimit bounds the per-subscriber backlog for a room's fan-out
// channel. A subscriber that cannot drain fast enough is disconnected
// (its channel is closed) rather than let memory grow without bound.
const roomQueueLimit = 256

// Bus is the Cross-node Bus (C11): a Redis pub/sub adapter so that a
// publish to a session's room on one relay node reaches subscribers
// joined to that room on every other node. Intra-node delivery does not
// go through the Bus at all — see internal/registry for that path.
type Bus struct {
	rdb *redis.Client
	ks  keyspace

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	ps          *redis.PubSub
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

// NewBus wraps an existing Redis client for pub/sub fan-out.
func NewBus(rdb *redis.Client, prefix string) *Bus {
	return &Bus{rdb: rdb, ks: newKeyspace(prefix), rooms: make(map[string]*room)}
}

// Publish fans a payload out to every subscriber of sessionID's room,
// on this node and every other node sharing the same Redis instance.
func (b *Bus) Publish(ctx context.Context, sessionID string, payload []byte) error {
	return b.rdb.Publish(ctx, b.ks.room(sessionID), payload).Err()
}

// Subscribe joins a session's room and returns a channel of raw message
// payloads plus an unsubscribe function. The first subscriber for a room
// opens the underlying Redis subscription; the last one to leave closes it.
func (b *Bus) Subscribe(sessionID string) (<-chan []byte, func()) {
	b.mu.Lock()
	rm, ok := b.rooms[sessionID]
	if !ok {
		ps := b.rdb.Subscribe(context.Background(), b.ks.room(sessionID))
		rm = &room{ps: ps, subscribers: make(map[chan []byte]struct{})}
		b.rooms[sessionID] = rm
		go b.pump(sessionID, rm)
	}
	ch := make(chan []byte, roomQueueLimit)
	rm.mu.Lock()
	rm.subscribers[ch] = struct{}{}
	rm.mu.Unlock()
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		rm, ok := b.rooms[sessionID]
		if !ok {
			return
		}
		rm.mu.Lock()
		if _, present := rm.subscribers[ch]; present {
			delete(rm.subscribers, ch)
			close(ch)
		}
		empty := len(rm.subscribers) == 0
		rm.mu.Unlock()
		if empty {
			_ = rm.ps.Close()
			delete(b.rooms, sessionID)
		}
	}
	return ch, unsubscribe
}

// pump reads from the room's Redis subscription and fans each message
// out to every local subscriber channel, disconnecting any that can't
// keep up instead of blocking the others.
func (b *Bus) pump(sessionID string, rm *room) {
	for msg := range rm.ps.Channel() {
		payload := []byte(msg.Payload)
		rm.mu.Lock()
		for ch := range rm.subscribers {
			select {
			case ch <- payload:
			default:
				log.Printf("bus: subscriber for session %s fell behind, disconnecting", sessionID)
				delete(rm.subscribers, ch)
				close(ch)
			}
		}
		rm.mu.Unlock()
	}
}
