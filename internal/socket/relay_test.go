package socket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pizzapi/relay/internal/model"
	"github.com/pizzapi/relay/internal/wire"
)

func TestRelayHandshakeCreatesNewSession(t *testing.T) {
	store, cache, bus, reg := newTestBackend(t)
	provider := &fakeProvider{apiKeys: map[string]model.Identity{"key-1": {UserID: "user-1", UserName: "Ada"}}}
	gate := newTestGate(t, provider)
	relay := NewRelayNamespace(gate, store, cache, nil, bus, reg, 10*time.Minute)

	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	ws := dialWS(t, srv, "/relay?apiKey=key-1")
	sendTyped(t, ws, "handshake", wire.RelayHandshake{SessionID: "sess-1", Token: "tok-1", CWD: "/work"})

	msg := readMessage(t, ws)
	if msg.Type != "session_registered" {
		t.Fatalf("expected session_registered, got %q", msg.Type)
	}

	sess, err := store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.IsActive || sess.Token != "tok-1" || sess.UserID != "user-1" {
		t.Errorf("unexpected session row: %+v", sess)
	}
}

func TestRelayHandshakeRejectsTokenMismatch(t *testing.T) {
	store, cache, bus, reg := newTestBackend(t)
	provider := &fakeProvider{apiKeys: map[string]model.Identity{"key-1": {UserID: "user-1"}}}
	gate := newTestGate(t, provider)
	relay := NewRelayNamespace(gate, store, cache, nil, bus, reg, 10*time.Minute)

	ctx := context.Background()
	if err := store.PutSession(ctx, &model.Session{
		SessionID: "sess-1", Token: "correct", UserID: "user-1", StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	ws := dialWS(t, srv, "/relay?apiKey=key-1")
	sendTyped(t, ws, "handshake", wire.RelayHandshake{SessionID: "sess-1", Token: "wrong"})

	msg := readMessage(t, ws)
	if msg.Type != "error" {
		t.Fatalf("expected error, got %q", msg.Type)
	}
}

func TestIngestAgentEventAssignsSeqAndFansOutLocally(t *testing.T) {
	store, cache, bus, reg := newTestBackend(t)
	provider := &fakeProvider{}
	gate := newTestGate(t, provider)
	relay := NewRelayNamespace(gate, store, cache, nil, bus, reg, 10*time.Minute)

	ctx := context.Background()
	if err := store.PutSession(ctx, &model.Session{SessionID: "sess-1", UserID: "user-1", StartedAt: time.Now()}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	viewer := &recordingSender{}
	if ok := reg.JoinViewer(ctx, "sess-1", viewer); !ok {
		t.Fatal("expected JoinViewer to succeed for a live session")
	}

	raw := json.RawMessage(`{"type":"tool_call","name":"ls"}`)
	if err := relay.ingestAgentEvent(ctx, "sess-1", raw); err != nil {
		t.Fatalf("ingestAgentEvent: %v", err)
	}

	if len(viewer.sent) != 1 || viewer.sent[0].Type != "event" {
		t.Fatalf("expected viewer to receive exactly one event message, got %+v", viewer.sent)
	}
	var ev wire.Event
	if err := unmarshalData(viewer.sent[0], &ev); err != nil {
		t.Fatalf("unmarshalData: %v", err)
	}
	if ev.Seq != 1 {
		t.Errorf("expected seq 1, got %d", ev.Seq)
	}

	sess, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Seq != 1 {
		t.Errorf("expected session hash seq to be synced to 1, got %d", sess.Seq)
	}
}

func TestIngestAgentEventRecordsSnapshotForAgentEnd(t *testing.T) {
	store, cache, bus, reg := newTestBackend(t)
	gate := newTestGate(t, &fakeProvider{})
	relay := NewRelayNamespace(gate, store, cache, nil, bus, reg, 10*time.Minute)

	ctx := context.Background()
	if err := store.PutSession(ctx, &model.Session{SessionID: "sess-1", UserID: "user-1", StartedAt: time.Now()}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	raw := json.RawMessage(`{"type":"agent_end","messages":[{"role":"assistant","content":"done"}]}`)
	if err := relay.ingestAgentEvent(ctx, "sess-1", raw); err != nil {
		t.Fatalf("ingestAgentEvent: %v", err)
	}

	sess, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(sess.LastState) == 0 {
		t.Error("expected LastState to be recorded for an agent_end snapshot event")
	}
}
