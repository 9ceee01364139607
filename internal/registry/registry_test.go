package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pizzapi/relay/internal/model"
	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/wire"
)

type recordingSender struct {
	sent []wire.Message
}

func (r *recordingSender) Send(msg wire.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *redisstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.New(rdb, "")
	return New(store), store
}

func TestJoinViewerFalseWhenSessionMissing(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ok := reg.JoinViewer(context.Background(), "no-such-session", &recordingSender{})
	if ok {
		t.Fatal("expected JoinViewer to fail for a missing session")
	}
}

func TestJoinViewerAndLeaveViewer(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	sess := &model.Session{SessionID: "s1", StartedAt: time.Now(), UserID: "u1"}
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	s := &recordingSender{}
	if !reg.JoinViewer(ctx, "s1", s) {
		t.Fatal("expected JoinViewer to succeed")
	}
	viewers := reg.LocalViewersSocket("s1")
	if len(viewers) != 1 {
		t.Fatalf("expected 1 viewer, got %d", len(viewers))
	}

	reg.LeaveViewer("s1", s)
	if len(reg.LocalViewersSocket("s1")) != 0 {
		t.Fatal("expected viewer to be removed after LeaveViewer")
	}
}

func TestTUISocketSetAndRemoveIsRaceSafeAgainstStaleUnregister(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first := &recordingSender{}
	second := &recordingSender{}
	reg.SetTUISocket("s1", first)
	reg.SetTUISocket("s1", second) // second connection wins the slot

	// A stale unregister from the first (now-replaced) socket must not
	// evict the second.
	reg.RemoveTUISocket("s1", first)
	cur, ok := reg.LocalTUISocket("s1")
	if !ok || cur != second {
		t.Fatalf("expected second socket to remain attached, got %v ok=%v", cur, ok)
	}

	reg.RemoveTUISocket("s1", second)
	if _, ok := reg.LocalTUISocket("s1"); ok {
		t.Fatal("expected socket to be removed")
	}
}

func TestSendSnapshotToViewerEmitsConnectedThenHeartbeatAndState(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	sess := &model.Session{
		SessionID:     "s1",
		StartedAt:     time.Now(),
		UserID:        "u1",
		Seq:           7,
		IsActive:      true,
		LastHeartbeat: []byte(`{"type":"heartbeat"}`),
		LastState:     []byte(`{"messages":[]}`),
	}
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	s := &recordingSender{}
	if err := reg.SendSnapshotToViewer(ctx, "s1", s); err != nil {
		t.Fatal(err)
	}

	if len(s.sent) != 3 {
		t.Fatalf("expected 3 messages (connected, heartbeat event, state event), got %d", len(s.sent))
	}
	if s.sent[0].Type != "connected" {
		t.Fatalf("expected first message to be connected, got %s", s.sent[0].Type)
	}
	if s.sent[1].Type != "event" || s.sent[2].Type != "event" {
		t.Fatalf("expected the next two messages to be events, got %s, %s", s.sent[1].Type, s.sent[2].Type)
	}
}
