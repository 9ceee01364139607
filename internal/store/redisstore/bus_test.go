package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) (*Bus, *Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdbA.Close(); _ = rdbB.Close() })
	return NewBus(rdbA, ""), NewBus(rdbB, "")
}

func TestBusFanOutAcrossNodes(t *testing.T) {
	nodeA, nodeB := newTestBus(t)

	ch, unsub := nodeB.Subscribe("sess-1")
	defer unsub()

	// miniredis pub/sub delivery is asynchronous; give the subscription a
	// moment to register before publishing.
	time.Sleep(20 * time.Millisecond)

	if err := nodeA.Publish(context.Background(), "sess-1", []byte(`{"type":"text"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ch:
		if string(msg) != `{"type":"text"}` {
			t.Fatalf("unexpected payload: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-node message")
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	_, nodeB := newTestBus(t)

	ch, unsub := nodeB.Subscribe("sess-1")
	unsub()

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
