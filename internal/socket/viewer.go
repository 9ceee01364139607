package socket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/store/sqlstore"
	"github.com/pizzapi/relay/internal/wire"
)

// ViewerNamespace is the Viewer Namespace (C8): accepts browsers, joins
// a session's room, replays a snapshot when the session isn't live, and
// forwards collab-mode input back to the producer.
type ViewerNamespace struct {
	gate     *auth.Gate
	store    *redisstore.Store
	cache    *redisstore.EventCache
	sql      *sqlstore.Store
	bus      *redisstore.Bus
	registry *registry.Registry
}

// NewViewerNamespace builds a ViewerNamespace.
func NewViewerNamespace(gate *auth.Gate, store *redisstore.Store, cache *redisstore.EventCache, sql *sqlstore.Store, bus *redisstore.Bus, reg *registry.Registry) *ViewerNamespace {
	return &ViewerNamespace{gate: gate, store: store, cache: cache, sql: sql, bus: bus, registry: reg}
}

func (n *ViewerNamespace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !n.gate.CheckOrigin(origin) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var cookieValue string
	if ck, err := r.Cookie("session"); err == nil {
		cookieValue = ck.Value
	}
	if _, err := n.gate.CookieAuth(r.Context(), origin, cookieValue); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(ws)
	defer c.close() //nolint:errcheck

	ctx := r.Context()

	if n.registry.JoinViewer(ctx, sessionID, c) {
		defer n.registry.LeaveViewer(sessionID, c)
		if err := n.registry.SendSnapshotToViewer(ctx, sessionID, c); err != nil {
			log.Printf("viewer: snapshot for %s: %v", sessionID, err)
		}
		unsubscribe := n.subscribeEventBus(sessionID, c)
		defer unsubscribe()

		_ = c.readLoop(func(msg wire.Message) error {
			n.dispatch(ctx, sessionID, c, msg)
			return nil
		})
		return
	}

	n.replayPersisted(ctx, sessionID, c)
}

// replayPersisted implements the §4.8 "not live" branch: C2's ring
// buffer is tried first, then C3's durable snapshot, and the connection
// is always torn down afterward — a replay viewer never stays attached.
func (n *ViewerNamespace) replayPersisted(ctx context.Context, sessionID string, c *conn) {
	_ = c.sendTyped("connected", wire.Connected{SessionID: sessionID, ReplayOnly: true})

	if events, err := n.cache.GetAll(ctx, sessionID); err == nil {
		if ev, ok := redisstore.FindLatestSnapshot(events); ok {
			_ = c.sendTyped("event", wire.Event{Seq: ev.Seq, Replay: true, Event: ev.Payload})
			n.sendReplayDisconnect(c)
			return
		}
	}

	if n.sql != nil {
		if row, err := n.sql.GetSnapshot(ctx, sessionID); err == nil && len(row.State) > 0 {
			active := wire.SessionActiveEvent{Type: "session_active", State: row.State}
			if raw, err := json.Marshal(active); err == nil {
				_ = c.sendTyped("event", wire.Event{Replay: true, Event: raw})
				n.sendReplayDisconnect(c)
				return
			}
		}
	}

	_ = c.sendTyped("error", wire.Error{Message: "Session not found"})
}

func (n *ViewerNamespace) sendReplayDisconnect(c *conn) {
	_ = c.sendTyped("disconnected", wire.Disconnected{Reason: "Session is no longer live (snapshot replay)."})
}

func (n *ViewerNamespace) dispatch(ctx context.Context, sessionID string, c *conn, msg wire.Message) {
	switch msg.Type {
	case "connected":
		// Greeting from an already-joined viewer: nudge the local
		// producer so it can push capability info back down.
		if sock, ok := n.registry.LocalTUISocket(sessionID); ok {
			_ = sock.Send(msg)
		}
	case "resync":
		if err := n.registry.SendSnapshotToViewer(ctx, sessionID, c); err != nil {
			log.Printf("viewer: resync for %s: %v", sessionID, err)
		}
	case "input", "model_set", "exec":
		if !n.collabModeEnabled(ctx, sessionID) {
			log.Printf("viewer: dropping %q for session %s: collab mode is off", msg.Type, sessionID)
			return
		}
		if msg.Type == "input" {
			n.handleInput(ctx, sessionID, msg)
		} else {
			n.forwardToProducer(ctx, sessionID, msg)
		}
	default:
		log.Printf("viewer: unhandled event type %q", msg.Type)
	}
}

// collabModeEnabled reports whether sessionID currently allows
// viewer-originated steering (input, model_set, exec) to reach the
// producer, per §4.8. A session that can't be looked up denies by
// default rather than silently forwarding.
func (n *ViewerNamespace) collabModeEnabled(ctx context.Context, sessionID string) bool {
	sess, err := n.store.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	return sess.CollabMode
}

func (n *ViewerNamespace) handleInput(ctx context.Context, sessionID string, msg wire.Message) {
	var in wire.Input
	if err := unmarshalData(msg, &in); err != nil {
		return
	}
	sanitized := make([]wire.Attachment, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		if a.AttachmentID == "" && a.URL == "" {
			continue
		}
		sanitized = append(sanitized, a)
	}
	in.Attachments = sanitized

	out, err := wire.New("input", in)
	if err != nil {
		return
	}
	n.forwardToProducer(ctx, sessionID, out)
}

// forwardToProducer delivers msg to the session's producer: directly if
// it is attached to this node, otherwise via the Bus for whichever node
// holds it.
func (n *ViewerNamespace) forwardToProducer(ctx context.Context, sessionID string, msg wire.Message) {
	if sock, ok := n.registry.LocalTUISocket(sessionID); ok {
		_ = sock.Send(msg)
		return
	}
	if n.bus == nil {
		return
	}
	env := wire.BusEnvelope{Kind: wire.BusToProducer, Message: msg}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := n.bus.Publish(ctx, sessionID, payload); err != nil {
		log.Printf("viewer: bus publish for session %s: %v", sessionID, err)
	}
}

// subscribeEventBus delivers cross-node event fan-out to this viewer.
func (n *ViewerNamespace) subscribeEventBus(sessionID string, c *conn) func() {
	if n.bus == nil {
		return func() {}
	}
	ch, unsubscribe := n.bus.Subscribe(sessionID)
	go func() {
		for payload := range ch {
			var env wire.BusEnvelope
			if err := json.Unmarshal(payload, &env); err != nil || env.Kind != wire.BusToViewers {
				continue
			}
			_ = c.Send(env.Message)
		}
	}()
	return unsubscribe
}
