package socket

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/pizzapi/relay/internal/model"
	"github.com/pizzapi/relay/internal/wire"
)

func TestRegisterRunnerAssignsIDAndPersists(t *testing.T) {
	store, _, _, reg := newTestBackend(t)
	provider := &fakeProvider{apiKeys: map[string]model.Identity{"key-1": {UserID: "user-1", UserName: "Ada"}}}
	gate := newTestGate(t, provider)

	ns := NewRunnerNamespace(gate, store, reg)
	srv := httptest.NewServer(ns)
	t.Cleanup(srv.Close)

	ws := dialWS(t, srv, "/runner?apiKey=key-1")
	sendTyped(t, ws, "register_runner", wire.RegisterRunner{Name: "laptop", Roots: []string{"/home/ada"}})

	msg := readMessage(t, ws)
	if msg.Type != "runner_registered" {
		t.Fatalf("expected runner_registered, got %q", msg.Type)
	}
	var ack wire.RunnerRegistered
	if err := unmarshalData(msg, &ack); err != nil {
		t.Fatalf("unmarshalData: %v", err)
	}
	if ack.RunnerID == "" {
		t.Fatal("expected a non-empty runnerId")
	}

	runner, err := store.GetRunner(context.Background(), ack.RunnerID)
	if err != nil {
		t.Fatalf("GetRunner: %v", err)
	}
	if runner.UserID != "user-1" || runner.Name != "laptop" {
		t.Errorf("unexpected runner row: %+v", runner)
	}
}

func TestRegisterRunnerRejectsUnauthorized(t *testing.T) {
	store, _, _, reg := newTestBackend(t)
	provider := &fakeProvider{}
	gate := newTestGate(t, provider)

	ns := NewRunnerNamespace(gate, store, reg)
	srv := httptest.NewServer(ns)
	t.Cleanup(srv.Close)

	_, resp, err := dialExpectFailure(wsURL(srv, "/runner?apiKey=bad"))
	if err == nil {
		t.Fatal("expected dial to fail for an unauthorized runner")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got resp=%+v", resp)
	}
}

func TestHandleRegisterMintsFreshIDWhenProposedIDBelongsToAnotherUser(t *testing.T) {
	store, _, _, reg := newTestBackend(t)
	provider := &fakeProvider{apiKeys: map[string]model.Identity{
		"key-1": {UserID: "user-1"},
		"key-2": {UserID: "user-2"},
	}}
	gate := newTestGate(t, provider)
	ns := NewRunnerNamespace(gate, store, reg)
	srv := httptest.NewServer(ns)
	t.Cleanup(srv.Close)

	ws1 := dialWS(t, srv, "/runner?apiKey=key-1")
	sendTyped(t, ws1, "register_runner", wire.RegisterRunner{RunnerID: "shared-id", Name: "owner"})
	first := readMessage(t, ws1)
	var firstAck wire.RunnerRegistered
	_ = unmarshalData(first, &firstAck)

	ws2 := dialWS(t, srv, "/runner?apiKey=key-2")
	sendTyped(t, ws2, "register_runner", wire.RegisterRunner{RunnerID: "shared-id", Name: "impostor"})
	second := readMessage(t, ws2)
	var secondAck wire.RunnerRegistered
	_ = unmarshalData(second, &secondAck)

	if secondAck.RunnerID == "shared-id" {
		t.Fatal("expected a fresh runnerId when the proposed id belongs to another user")
	}
	if secondAck.RunnerID == firstAck.RunnerID {
		t.Fatal("expected distinct runner ids for distinct users")
	}
}
