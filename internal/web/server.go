// Package web serves the relay's small HTTP surface: a health probe, the
// Caddy forward-auth validation endpoint, the push-subscription routes,
// and the session listing/snapshot/spawn REST routes consumed by the CLI
// spawn extension and the web UI.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/config"
	"github.com/pizzapi/relay/internal/push"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/socket"
	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/store/sqlstore"
)

// Server is the relay's HTTP server. It multiplexes the REST surface and
// the three socket namespaces over a single mux, per spec.md §6 ("all
// multiplexed over one TCP/TLS port").
type Server struct {
	cfg      *config.Config
	gate     *auth.Gate
	store    *redisstore.Store
	sql      *sqlstore.Store
	registry *registry.Registry
	notifier *push.Notifier
	runner   *socket.RunnerNamespace
	relay    *socket.RelayNamespace
	viewer   *socket.ViewerNamespace
	mux      *http.ServeMux
	server   *http.Server
}

// New creates a new HTTP server. store may be nil, in which case the
// snapshot route reads from the Persisted Session Store alone.
func New(cfg *config.Config, gate *auth.Gate, store *redisstore.Store, sql *sqlstore.Store, reg *registry.Registry, notifier *push.Notifier, runner *socket.RunnerNamespace, relay *socket.RelayNamespace, viewer *socket.ViewerNamespace) *Server {
	s := &Server{
		cfg:      cfg,
		gate:     gate,
		store:    store,
		sql:      sql,
		registry: reg,
		notifier: notifier,
		runner:   runner,
		relay:    relay,
		viewer:   viewer,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests. It blocks until the server is shut down.
func (s *Server) Start() error {
	log.Printf("http surface listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/caddy/validate", s.handleCaddyValidate)

	s.mux.HandleFunc("POST /api/push/subscribe", s.handlePushSubscribe)
	s.mux.HandleFunc("POST /api/push/unsubscribe", s.handlePushUnsubscribe)
	s.mux.HandleFunc("GET /api/push/vapid-public-key", s.handleVAPIDPublicKey)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/snapshot", s.handleSessionSnapshot)
	s.mux.HandleFunc("POST /api/sessions", s.handleSpawnSession)

	// Socket namespaces share this mux with the REST surface, per
	// spec.md §6: everything is multiplexed over one port.
	if s.runner != nil {
		s.mux.Handle("/runner", s.runner)
	}
	if s.relay != nil {
		s.mux.Handle("/relay", s.relay)
	}
	if s.viewer != nil {
		s.mux.Handle("/viewer", s.viewer)
		// /terminal and /hub are spec-equivalent to /viewer for auth
		// purposes (spec.md §6).
		s.mux.Handle("/terminal", s.viewer)
		s.mux.Handle("/hub", s.viewer)
	}
}
