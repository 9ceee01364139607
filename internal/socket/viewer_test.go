package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pizzapi/relay/internal/model"
	"github.com/pizzapi/relay/internal/wire"
)

func dialViewer(t *testing.T, srv *httptest.Server, sessionID, cookie string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", "session="+cookie)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/viewer?sessionId="+sessionID), header)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestViewerJoinLiveSessionReceivesSnapshot(t *testing.T) {
	store, cache, bus, reg := newTestBackend(t)
	provider := &fakeProvider{cookies: map[string]model.Identity{"cookie-1": {UserID: "user-1"}}}
	gate := newTestGate(t, provider)
	ns := NewViewerNamespace(gate, store, cache, nil, bus, reg)

	ctx := context.Background()
	if err := store.PutSession(ctx, &model.Session{
		SessionID: "sess-1", UserID: "user-1", IsActive: true, StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	srv := httptest.NewServer(ns)
	t.Cleanup(srv.Close)

	ws := dialViewer(t, srv, "sess-1", "cookie-1")
	msg := readMessage(t, ws)
	if msg.Type != "connected" {
		t.Fatalf("expected connected snapshot, got %q", msg.Type)
	}
	var connected wire.Connected
	if err := unmarshalData(msg, &connected); err != nil {
		t.Fatalf("unmarshalData: %v", err)
	}
	if connected.SessionID != "sess-1" || !connected.IsActive {
		t.Errorf("unexpected connected payload: %+v", connected)
	}
}

func TestViewerJoinUnknownSessionGetsReplayNotFoundError(t *testing.T) {
	store, cache, bus, reg := newTestBackend(t)
	provider := &fakeProvider{cookies: map[string]model.Identity{"cookie-1": {UserID: "user-1"}}}
	gate := newTestGate(t, provider)
	ns := NewViewerNamespace(gate, store, cache, nil, bus, reg)

	srv := httptest.NewServer(ns)
	t.Cleanup(srv.Close)

	ws := dialViewer(t, srv, "does-not-exist", "cookie-1")

	first := readMessage(t, ws)
	if first.Type != "connected" {
		t.Fatalf("expected a replay-only connected frame first, got %q", first.Type)
	}
	var connected wire.Connected
	if err := unmarshalData(first, &connected); err != nil {
		t.Fatalf("unmarshalData: %v", err)
	}
	if !connected.ReplayOnly {
		t.Error("expected ReplayOnly to be set for an unknown session")
	}

	second := readMessage(t, ws)
	if second.Type != "error" {
		t.Fatalf("expected error after failed replay, got %q", second.Type)
	}
}

func TestViewerReplaysCachedSnapshotForDeadSession(t *testing.T) {
	store, cache, bus, reg := newTestBackend(t)
	provider := &fakeProvider{cookies: map[string]model.Identity{"cookie-1": {UserID: "user-1"}}}
	gate := newTestGate(t, provider)
	ns := NewViewerNamespace(gate, store, cache, nil, bus, reg)

	ctx := context.Background()
	if err := cache.Append(ctx, "sess-1", model.Event{
		Type: "session_active", Payload: []byte(`{"type":"session_active","state":{}}`), Seq: 3,
	}, true); err != nil {
		t.Fatalf("cache.Append: %v", err)
	}

	srv := httptest.NewServer(ns)
	t.Cleanup(srv.Close)

	ws := dialViewer(t, srv, "sess-1", "cookie-1")

	_ = readMessage(t, ws) // connected{replayOnly:true}
	event := readMessage(t, ws)
	if event.Type != "event" {
		t.Fatalf("expected a replayed event, got %q", event.Type)
	}
	var ev wire.Event
	if err := unmarshalData(event, &ev); err != nil {
		t.Fatalf("unmarshalData: %v", err)
	}
	if !ev.Replay || ev.Seq != 3 {
		t.Errorf("expected replay seq 3, got %+v", ev)
	}

	disconnect := readMessage(t, ws)
	if disconnect.Type != "disconnected" {
		t.Fatalf("expected disconnected after replay, got %q", disconnect.Type)
	}
}

func TestViewerRejectsUntrustedOrigin(t *testing.T) {
	store, cache, bus, reg := newTestBackend(t)
	provider := &fakeProvider{cookies: map[string]model.Identity{"cookie-1": {UserID: "user-1"}}}
	g, err := newGateWithOrigins(t, provider, []string{"https://trusted.example"})
	if err != nil {
		t.Fatalf("newGateWithOrigins: %v", err)
	}
	ns := NewViewerNamespace(g, store, cache, nil, bus, reg)

	srv := httptest.NewServer(ns)
	t.Cleanup(srv.Close)

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	header.Set("Cookie", "session=cookie-1")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/viewer?sessionId=sess-1"), header)
	if err == nil {
		t.Fatal("expected dial to fail for an untrusted origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%+v", resp)
	}
}
