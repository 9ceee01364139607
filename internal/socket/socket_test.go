package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/model"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/wire"
)

// fakeProvider is a stand-in auth.Provider: apiKeys and cookies map
// directly to identities, everything else is rejected.
type fakeProvider struct {
	apiKeys map[string]model.Identity
	cookies map[string]model.Identity
}

func (p *fakeProvider) ValidateAPIKey(_ context.Context, apiKey string) (model.Identity, error) {
	if id, ok := p.apiKeys[apiKey]; ok {
		return id, nil
	}
	return model.Identity{}, auth.ErrUnauthorized
}

func (p *fakeProvider) ValidateSessionCookie(_ context.Context, cookieValue string) (model.Identity, error) {
	if id, ok := p.cookies[cookieValue]; ok {
		return id, nil
	}
	return model.Identity{}, auth.ErrUnauthorized
}

func newTestGate(t *testing.T, provider *fakeProvider) *auth.Gate {
	t.Helper()
	g, err := auth.NewGate(context.Background(), provider, nil, "", "")
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func newGateWithOrigins(t *testing.T, provider *fakeProvider, trustedOrigins []string) (*auth.Gate, error) {
	t.Helper()
	return auth.NewGate(context.Background(), provider, trustedOrigins, "", "")
}

func newTestBackend(t *testing.T) (*redisstore.Store, *redisstore.EventCache, *redisstore.Bus, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := redisstore.New(rdb, "")
	cache := redisstore.NewEventCache(store, 10, time.Hour)
	bus := redisstore.NewBus(rdb, "")
	reg := registry.New(store)
	return store, cache, bus, reg
}

// wsURL rewrites an httptest server's http(s) URL to a ws(s) one.
func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// dialWS upgrades an httptest server URL to a websocket client connection.
func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	target := wsURL(srv, path)
	ws, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", target, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) wire.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wire.Message
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

// dialExpectFailure dials a URL expected to be rejected before the
// websocket upgrade completes, returning the raw HTTP response.
func dialExpectFailure(url string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, nil)
}

// recordingSender is a registry.Sender that records every message handed
// to it instead of writing to a real socket, for assertions against
// direct in-process fan-out paths.
type recordingSender struct {
	mu   sync.Mutex
	sent []wire.Message
}

func (s *recordingSender) Send(msg wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func sendTyped(t *testing.T, ws *websocket.Conn, typ string, payload any) {
	t.Helper()
	msg, err := wire.New(typ, payload)
	if err != nil {
		t.Fatalf("wire.New: %v", err)
	}
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}
