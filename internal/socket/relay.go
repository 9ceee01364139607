package socket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/model"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/store/sqlstore"
	"github.com/pizzapi/relay/internal/wire"
)

// RelayNamespace is the Relay (TUI) Namespace (C7): the producer side of
// a session. It assigns sequence numbers, persists snapshots, and fans
// events out to the session's viewers, locally and across nodes.
type RelayNamespace struct {
	gate     *auth.Gate
	store    *redisstore.Store
	cache    *redisstore.EventCache
	sql      *sqlstore.Store
	bus      *redisstore.Bus
	registry *registry.Registry

	ephemeralTTL time.Duration
}

// NewRelayNamespace builds a RelayNamespace.
func NewRelayNamespace(gate *auth.Gate, store *redisstore.Store, cache *redisstore.EventCache, sql *sqlstore.Store, bus *redisstore.Bus, reg *registry.Registry, ephemeralTTL time.Duration) *RelayNamespace {
	return &RelayNamespace{gate: gate, store: store, cache: cache, sql: sql, bus: bus, registry: reg, ephemeralTTL: ephemeralTTL}
}

func (n *RelayNamespace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}
	identity, err := n.gate.APIKeyAuth(r.Context(), apiKey)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(ws)
	defer c.close() //nolint:errcheck

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	var handshakeMsg wire.Message
	if err := json.Unmarshal(raw, &handshakeMsg); err != nil || handshakeMsg.Type != "handshake" {
		_ = c.sendTyped("error", wire.Error{Message: "expected handshake"})
		return
	}
	var hs wire.RelayHandshake
	if err := unmarshalData(handshakeMsg, &hs); err != nil || hs.SessionID == "" || hs.Token == "" {
		_ = c.sendTyped("error", wire.Error{Message: "expected handshake"})
		return
	}

	ctx := r.Context()
	sess, err := n.attachProducer(ctx, identity, hs)
	if err != nil {
		_ = c.sendTyped("error", wire.Error{Message: err.Error()})
		return
	}

	n.registry.SetTUISocket(sess.SessionID, c)
	defer n.registry.RemoveTUISocket(sess.SessionID, c)

	unsubscribe := n.subscribeInputBus(sess.SessionID, c)
	defer unsubscribe()

	_ = c.sendTyped("session_registered", wire.SessionRegistered{SessionID: sess.SessionID})

	err = c.readLoop(func(msg wire.Message) error {
		n.dispatch(ctx, sess.SessionID, msg)
		return nil
	})
	_ = err

	n.handleDisconnect(context.Background(), sess.SessionID)
}

// attachProducer implements §4.7 step 2/3: bind to an existing session
// (token + single-producer check) or create a new one.
func (n *RelayNamespace) attachProducer(ctx context.Context, identity model.Identity, hs wire.RelayHandshake) (*model.Session, error) {
	existing, err := n.store.GetSession(ctx, hs.SessionID)
	if err == nil {
		if existing.Token != hs.Token || existing.IsActive {
			return nil, errDuplicateProducer
		}
		existing.IsActive = true
		if err := n.store.UpdateSessionFields(ctx, existing.SessionID, map[string]any{"isActive": "1"}); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if err != redisstore.ErrNotFound {
		return nil, err
	}

	isEphemeral := true
	if hs.IsEphemeral != nil {
		isEphemeral = *hs.IsEphemeral
	}
	now := time.Now()
	sess := &model.Session{
		SessionID:   hs.SessionID,
		Token:       hs.Token,
		CWD:         hs.CWD,
		ShareURL:    hs.ShareURL,
		StartedAt:   now,
		UserID:      identity.UserID,
		UserName:    identity.UserName,
		SessionName: hs.SessionName,
		IsActive:    true,
		IsEphemeral: isEphemeral,
	}
	if isEphemeral {
		exp := now.Add(n.ephemeralTTL)
		sess.ExpiresAt = &exp
	}
	if err := n.store.PutSession(ctx, sess); err != nil {
		return nil, err
	}
	if n.sql != nil {
		_ = n.sql.RecordStart(ctx, sqlstore.RecordStartInput{
			SessionID: sess.SessionID, UserID: sess.UserID, UserName: sess.UserName,
			SessionName: sess.SessionName, CWD: sess.CWD, IsEphemeral: isEphemeral, StartedAt: now,
		}, n.ephemeralTTL)
	}
	return sess, nil
}

func (n *RelayNamespace) dispatch(ctx context.Context, sessionID string, msg wire.Message) {
	switch msg.Type {
	case "heartbeat":
		n.handleHeartbeat(ctx, sessionID, msg)
	case "agent_event":
		n.handleAgentEvent(ctx, sessionID, msg)
	case "state_update":
		n.handleStateUpdate(ctx, sessionID, msg)
	case "exec_result":
		n.handleExecResult(ctx, sessionID, msg)
	default:
		log.Printf("relay: session %s sent unhandled event %q", sessionID, msg.Type)
	}
}

func (n *RelayNamespace) handleHeartbeat(ctx context.Context, sessionID string, msg wire.Message) {
	now := time.Now()
	_ = n.store.UpdateSessionFields(ctx, sessionID, map[string]any{
		"lastHeartbeatAt": now.Format(time.RFC3339Nano),
		"lastHeartbeat":   string(msg.Data),
	})
	n.touchPersisted(ctx, sessionID)
	n.fanOutToViewers(ctx, sessionID, msg)
}

func (n *RelayNamespace) handleAgentEvent(ctx context.Context, sessionID string, msg wire.Message) {
	var ev wire.AgentEvent
	if err := unmarshalData(msg, &ev); err != nil {
		return
	}
	_ = n.ingestAgentEvent(ctx, sessionID, ev.Event)
}

// ingestAgentEvent is the shared seq/cache/persist/fan-out pipeline used
// both by producer-published agent_event and by runner_session_event
// (C6), so events published through a runner's worker go through the
// exact same sequencing discipline.
func (n *RelayNamespace) ingestAgentEvent(ctx context.Context, sessionID string, rawEvent json.RawMessage) error {
	seq, err := n.store.IncrementSeq(ctx, sessionID)
	if err != nil {
		return err
	}

	sess, err := n.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil // unknown session targeted: idempotent drop (§7)
	}

	evType := eventType(rawEvent)
	_ = n.cache.Append(ctx, sessionID, model.Event{Type: evType, Payload: rawEvent, Seq: seq}, sess.IsEphemeral)

	fields := map[string]any{"seq": seq}
	if isSnapshotWorthy(evType, rawEvent) {
		fields["lastState"] = string(rawEvent)
	}
	_ = n.store.UpdateSessionFields(ctx, sessionID, fields)
	if isSnapshotWorthy(evType, rawEvent) && n.sql != nil {
		_ = n.sql.RecordState(ctx, sessionID, rawEvent, n.ephemeralTTL)
	} else {
		n.touchPersisted(ctx, sessionID)
	}

	envelope := wire.Event{Seq: seq, Event: rawEvent}
	msg, err := wire.New("event", envelope)
	if err != nil {
		return err
	}
	n.fanOutToViewers(ctx, sessionID, msg)
	return nil
}

func (n *RelayNamespace) handleStateUpdate(ctx context.Context, sessionID string, msg wire.Message) {
	var su wire.StateUpdate
	if err := unmarshalData(msg, &su); err != nil {
		return
	}
	_ = n.store.UpdateSessionFields(ctx, sessionID, map[string]any{"lastState": string(su.State)})
	if n.sql != nil {
		_ = n.sql.RecordState(ctx, sessionID, su.State, n.ephemeralTTL)
	}

	active := wire.SessionActiveEvent{Type: "session_active", State: su.State}
	raw, err := json.Marshal(active)
	if err != nil {
		return
	}
	out, err := wire.New("event", wire.Event{Event: raw})
	if err != nil {
		return
	}
	n.fanOutToViewers(ctx, sessionID, out)
}

func (n *RelayNamespace) handleExecResult(ctx context.Context, sessionID string, msg wire.Message) {
	var res wire.ExecResult
	if err := unmarshalData(msg, &res); err != nil || res.ID == "" {
		return
	}
	// Routed back to the viewer that issued it by id: every local viewer
	// receives it and filters by id client-side, matching the teacher's
	// room-broadcast-then-client-filter pattern (internal/hub.Hub).
	n.fanOutToViewers(ctx, sessionID, msg)
}

func (n *RelayNamespace) handleDisconnect(ctx context.Context, sessionID string) {
	now := time.Now()
	fields := map[string]any{"isActive": "0"}
	sess, err := n.store.GetSession(ctx, sessionID)
	if err == nil && sess.IsEphemeral {
		exp := now.Add(n.ephemeralTTL)
		fields["expiresAt"] = exp.Format(time.RFC3339Nano)
	}
	_ = n.store.UpdateSessionFields(ctx, sessionID, fields)
	if n.sql != nil {
		_ = n.sql.RecordEnd(ctx, sessionID, n.ephemeralTTL)
	}

	msg, err := wire.New("disconnected", wire.Disconnected{})
	if err == nil {
		n.fanOutToViewers(ctx, sessionID, msg)
	}
}

func (n *RelayNamespace) touchPersisted(ctx context.Context, sessionID string) {
	if n.sql == nil {
		return
	}
	if err := n.sql.Touch(ctx, sessionID, n.ephemeralTTL); err != nil {
		log.Printf("relay: touch %s: %v", sessionID, err)
	}
}

// fanOutToViewers delivers msg to every local viewer and publishes it on
// the Bus so viewers attached to other nodes receive it too.
func (n *RelayNamespace) fanOutToViewers(ctx context.Context, sessionID string, msg wire.Message) {
	for _, v := range n.registry.LocalViewersSocket(sessionID) {
		_ = v.Send(msg)
	}
	if n.bus == nil {
		return
	}
	env := wire.BusEnvelope{Kind: wire.BusToViewers, Message: msg}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := n.bus.Publish(ctx, sessionID, payload); err != nil {
		log.Printf("relay: bus publish for session %s: %v", sessionID, err)
	}
}

// subscribeInputBus listens for collab-mode input addressed to this
// producer from viewers attached to other nodes (§4.7 "Collab mode").
func (n *RelayNamespace) subscribeInputBus(sessionID string, c *conn) func() {
	if n.bus == nil {
		return func() {}
	}
	ch, unsubscribe := n.bus.Subscribe(sessionID)
	go func() {
		for payload := range ch {
			var env wire.BusEnvelope
			if err := json.Unmarshal(payload, &env); err != nil || env.Kind != wire.BusToProducer {
				continue
			}
			_ = c.Send(env.Message)
		}
	}()
	return unsubscribe
}

// eventType extracts an agent event's discriminator without fully
// decoding its payload.
func eventType(raw json.RawMessage) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// isSnapshotWorthy reports whether an agent event's payload qualifies
// as a snapshot per §9's glossary: agent_end with a non-empty messages
// array, or session_active with a defined state.
func isSnapshotWorthy(evType string, raw json.RawMessage) bool {
	var probe struct {
		Messages json.RawMessage `json:"messages"`
		State    json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	switch evType {
	case "agent_end":
		var arr []json.RawMessage
		return json.Unmarshal(probe.Messages, &arr) == nil && len(arr) > 0
	case "session_active":
		return len(probe.State) > 0
	default:
		return false
	}
}
