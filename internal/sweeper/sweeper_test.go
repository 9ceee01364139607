package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pizzapi/relay/internal/model"
	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/store/sqlstore"
)

func newTestSweeper(t *testing.T) (*Sweeper, *redisstore.Store, *sqlstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.New(rdb, "")
	cache := redisstore.NewEventCache(store, 10, 24*time.Hour)

	sqlPath := filepath.Join(t.TempDir(), "relay.db")
	sql, err := sqlstore.Open(sqlPath)
	if err != nil {
		t.Fatalf("sqlstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = sql.Close() })

	return New(store, cache, sql, time.Minute), store, sql
}

func TestSweepOnceDeletesExpiredEphemeralSession(t *testing.T) {
	s, store, sql := newTestSweeper(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	sess := &model.Session{
		SessionID: "sess-expired", UserID: "user-1", StartedAt: time.Now(),
		IsEphemeral: true, ExpiresAt: &past,
	}
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	if err := sql.RecordStart(ctx, sqlstore.RecordStartInput{
		SessionID: "sess-expired", UserID: "user-1", IsEphemeral: true, StartedAt: time.Now(),
	}, -time.Minute); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if err := cacheAppend(ctx, s, "sess-expired"); err != nil {
		t.Fatalf("seed event cache: %v", err)
	}

	s.sweepOnce(ctx)

	if _, err := store.GetSession(ctx, "sess-expired"); err != redisstore.ErrNotFound {
		t.Fatalf("expected session to be gone from redis, got err=%v", err)
	}
	row, err := sql.GetSnapshot(ctx, "sess-expired")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if row != nil {
		t.Fatal("expected session row to be pruned from sql store")
	}
	events, err := s.cache.GetAll(ctx, "sess-expired")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected event cache to be cleared, got %d events", len(events))
	}
}

func TestSweepOnceLeavesLiveSessionAlone(t *testing.T) {
	s, store, _ := newTestSweeper(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	sess := &model.Session{
		SessionID: "sess-live", UserID: "user-1", StartedAt: time.Now(),
		IsEphemeral: true, ExpiresAt: &future,
	}
	if err := store.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	s.sweepOnce(ctx)

	if _, err := store.GetSession(ctx, "sess-live"); err != nil {
		t.Fatalf("expected live session to survive sweep, got: %v", err)
	}
}

func TestSweepExpiredAttachmentsDeletesPastExpiry(t *testing.T) {
	s, _, sql := newTestSweeper(t)
	ctx := context.Background()

	if err := sql.PutAttachment(ctx, sqlstore.PutAttachmentInput{
		AttachmentID: "att-1", SessionID: "sess-1", OwnerUserID: "user-1", Filename: "a.png",
	}, -time.Minute); err != nil {
		t.Fatalf("PutAttachment: %v", err)
	}
	if err := sql.PutAttachment(ctx, sqlstore.PutAttachmentInput{
		AttachmentID: "att-2", SessionID: "sess-1", OwnerUserID: "user-1", Filename: "b.png",
	}, time.Hour); err != nil {
		t.Fatalf("PutAttachment: %v", err)
	}

	s.sweepExpiredAttachments(ctx, time.Now())

	remaining, err := sql.ListExpiredAttachments(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ListExpiredAttachments: %v", err)
	}
	if len(remaining) != 1 || remaining[0].AttachmentID != "att-2" {
		t.Fatalf("expected only att-2 to remain, got %+v", remaining)
	}
}

func cacheAppend(ctx context.Context, s *Sweeper, sessionID string) error {
	return s.cache.Append(ctx, sessionID, model.Event{Type: "agent_start", Payload: []byte(`{"type":"agent_start"}`), Seq: 1}, true)
}
