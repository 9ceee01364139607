package sqlstore

import (
	"context"
	"database/sql"
	"testing"
)

func TestSubscribeTwiceLeavesSingleRowWithLatestFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Subscribe(ctx, SubscribeInput{
		UserID: "user-1", Endpoint: "https://push.example/ep1", P256dh: "key1", Auth: "auth1",
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if first.EnabledEvents != "*" {
		t.Fatalf("expected default enabled_events '*', got %q", first.EnabledEvents)
	}

	second, err := s.Subscribe(ctx, SubscribeInput{
		UserID: "user-1", Endpoint: "https://push.example/ep1", P256dh: "key2", Auth: "auth2", EnabledEvents: "approval_needed",
	})
	if err != nil {
		t.Fatalf("Subscribe (second): %v", err)
	}

	subs, err := s.ListSubscriptionsForUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected a single row for the same (userId, endpoint), got %d", len(subs))
	}
	if subs[0].P256dh != "key2" || subs[0].Auth != "auth2" || subs[0].EnabledEvents != "approval_needed" {
		t.Fatalf("expected latest fields to win, got %+v", subs[0])
	}
	if second.ID != first.ID {
		t.Fatalf("expected the upsert to keep the original row id, got first=%s second=%s", first.ID, second.ID)
	}
}

func TestUnsubscribeRemovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Subscribe(ctx, SubscribeInput{UserID: "user-1", Endpoint: "ep1", P256dh: "k", Auth: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Unsubscribe(ctx, "user-1", "ep1"); err != nil {
		t.Fatal(err)
	}
	subs, err := s.ListSubscriptionsForUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after unsubscribe, got %d", len(subs))
	}
}

func TestUpdateEnabledEventsReturnsErrNoRowsWhenMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpdateEnabledEvents(ctx, "user-1", "does-not-exist", "approval_needed")
	if err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestDeleteSubscriptionByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, SubscribeInput{UserID: "user-1", Endpoint: "ep1", P256dh: "k", Auth: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	subs, err := s.ListSubscriptionsForUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected subscription to be gone, got %d", len(subs))
	}
}
