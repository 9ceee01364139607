// Package registry is the relay's per-process cache of live local
// socket references (C5): which session's producer, which runner, and
// which viewers are attached to THIS node. It never owns an entity's
// lifecycle — that's the State Store's (C1) job — it is pure lookup,
// the same way the teacher's internal/hub.Hub holds only in-memory
// fan-out state and defers durability elsewhere.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/wire"
)

// Sender is the minimal capability the registry needs from a live
// socket: the ability to push one outbound protocol Message. The socket
// package's connection wrappers implement this directly.
type Sender interface {
	Send(msg wire.Message) error
}

// Registry holds every socket attached to this node.
type Registry struct {
	store *redisstore.Store

	mu      sync.Mutex
	tui     map[string]Sender            // sessionID -> producer socket
	runners map[string]Sender            // runnerID -> runner socket
	viewers map[string]map[Sender]struct{} // sessionID -> viewer sockets
}

// New builds a Registry backed by store for the existence checks that
// JoinViewer and SendSnapshotToViewer require.
func New(store *redisstore.Store) *Registry {
	return &Registry{
		store:   store,
		tui:     make(map[string]Sender),
		runners: make(map[string]Sender),
		viewers: make(map[string]map[Sender]struct{}),
	}
}

// LocalTUISocket returns the producer socket for sessionID if it is
// attached to this node.
func (r *Registry) LocalTUISocket(sessionID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.tui[sessionID]
	return s, ok
}

// SetTUISocket attaches the producer socket for sessionID to this node.
func (r *Registry) SetTUISocket(sessionID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tui[sessionID] = s
}

// RemoveTUISocket detaches the producer socket for sessionID, if it is
// the one currently registered (a stale unregister from a socket that
// already lost the race is a no-op).
func (r *Registry) RemoveTUISocket(sessionID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tui[sessionID]; ok && cur == s {
		delete(r.tui, sessionID)
	}
}

// LocalRunnerSocket returns the runner socket for runnerID if it is
// attached to this node.
func (r *Registry) LocalRunnerSocket(runnerID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.runners[runnerID]
	return s, ok
}

// SetRunnerSocket attaches a runner socket to this node.
func (r *Registry) SetRunnerSocket(runnerID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runnerID] = s
}

// RemoveRunnerSocket detaches a runner socket from this node.
func (r *Registry) RemoveRunnerSocket(runnerID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runners[runnerID]; ok && cur == s {
		delete(r.runners, runnerID)
	}
}

// LocalViewersSocket returns every viewer socket joined to sessionID on
// this node.
func (r *Registry) LocalViewersSocket(sessionID string) []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.viewers[sessionID]
	if !ok {
		return nil
	}
	out := make([]Sender, 0, len(room))
	for s := range room {
		out = append(out, s)
	}
	return out
}

// JoinViewer verifies the session exists in the State Store and, if so,
// places the socket into the session's local room. It returns false if
// the session is gone, in which case the caller is responsible for the
// persisted-snapshot-replay fallback (C8 §4.8).
func (r *Registry) JoinViewer(ctx context.Context, sessionID string, s Sender) bool {
	if _, err := r.store.GetSession(ctx, sessionID); err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.viewers[sessionID]
	if !ok {
		room = make(map[Sender]struct{})
		r.viewers[sessionID] = room
	}
	room[s] = struct{}{}
	return true
}

// LeaveViewer removes a viewer socket from a session's local room.
func (r *Registry) LeaveViewer(sessionID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.viewers[sessionID]
	if !ok {
		return
	}
	delete(room, s)
	if len(room) == 0 {
		delete(r.viewers, sessionID)
	}
}

// SendSnapshotToViewer reads the session's last known heartbeat and
// state from the State Store and emits a connected ack followed by the
// two catch-up events a freshly joined viewer needs.
func (r *Registry) SendSnapshotToViewer(ctx context.Context, sessionID string, s Sender) error {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	var lastHeartbeatAt *string
	if sess.LastHeartbeatAt != nil {
		ts := sess.LastHeartbeatAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
		lastHeartbeatAt = &ts
	}

	connected, err := wire.New("connected", wire.Connected{
		SessionID:       sessionID,
		LastSeq:         sess.Seq,
		IsActive:        sess.IsActive,
		SessionName:     sess.SessionName,
		LastHeartbeatAt: lastHeartbeatAt,
	})
	if err != nil {
		return err
	}
	if err := s.Send(connected); err != nil {
		return err
	}

	if len(sess.LastHeartbeat) > 0 {
		if msg, err := wire.New("event", wire.Event{Event: sess.LastHeartbeat}); err == nil {
			_ = s.Send(msg)
		}
	}
	if len(sess.LastState) > 0 {
		active := wire.SessionActiveEvent{Type: "session_active", State: sess.LastState}
		raw, err := json.Marshal(active)
		if err == nil {
			if msg, err := wire.New("event", wire.Event{Event: raw}); err == nil {
				_ = s.Send(msg)
			}
		}
	}
	return nil
}
