package socket

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/model"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/wire"
)

// RunnerNamespace is the Runner Namespace (C6): accepts runner daemons,
// dispatches session/terminal lifecycle commands, and ingests events
// published by a runner's workers.
type RunnerNamespace struct {
	gate     *auth.Gate
	store    *redisstore.Store
	registry *registry.Registry
	relay    *RelayNamespace // for handing runner_session_event to the shared ingest path
}

// NewRunnerNamespace builds a RunnerNamespace. relay may be nil during
// early construction and must be set via SetRelay before serving traffic.
func NewRunnerNamespace(gate *auth.Gate, store *redisstore.Store, reg *registry.Registry) *RunnerNamespace {
	return &RunnerNamespace{gate: gate, store: store, registry: reg}
}

// SetRelay wires the Relay Namespace used to ingest runner-originated
// session events through the same seq/cache/persist pipeline as
// producer-originated ones.
func (n *RunnerNamespace) SetRelay(relay *RelayNamespace) { n.relay = relay }

func (n *RunnerNamespace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apiKey")
	token := r.URL.Query().Get("token")
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}

	identity, err := n.gate.RunnerDualAuth(r.Context(), apiKey, token)
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

	var runnerID string
	defer func() {
		if runnerID != "" {
			n.registry.RemoveRunnerSocket(runnerID, c)
		}
	}()

	err = c.readLoop(func(msg wire.Message) error {
		return n.dispatch(r.Context(), identity, &runnerID, c, msg)
	})
	_ = err // read errors (including normal close) simply end the loop
}

func (n *RunnerNamespace) dispatch(ctx context.Context, identity model.Identity, runnerID *string, c *conn, msg wire.Message) error {
	switch msg.Type {
	case "register_runner":
		return n.handleRegister(ctx, identity, runnerID, c, msg)
	case "runner_session_event":
		return n.handleSessionEvent(ctx, msg)
	case "session_ready", "session_error", "session_killed":
		return n.handleSessionLifecycle(ctx, msg)
	case "terminal_ready", "terminal_exit", "terminal_error":
		return n.handleTerminalLifecycle(ctx, msg)
	case "terminal_data":
		return n.handleTerminalData(ctx, msg)
	case "skill_result", "file_result", "skills_list":
		// RPC-style results: the relay has no durable waiter registry for
		// these admin operations in this deployment shape; log and drop
		// per §7's "unknown target" handling.
		log.Printf("runner: received %s with no pending request, dropping", msg.Type)
		return nil
	default:
		log.Printf("runner: unhandled event type %q", msg.Type)
		return nil
	}
}

func (n *RunnerNamespace) handleRegister(ctx context.Context, identity model.Identity, runnerID *string, c *conn, msg wire.Message) error {
	var reg wire.RegisterRunner
	if err := unmarshalData(msg, &reg); err != nil {
		return nil
	}

	id := reg.RunnerID
	if id != "" {
		if existing, err := n.store.GetRunner(ctx, id); err == nil && existing.UserID != identity.UserID {
			id = "" // proposed id taken by another user, mint a fresh one
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	skills := make([]model.RunnerSkill, 0, len(reg.Skills))
	for _, s := range reg.Skills {
		skills = append(skills, model.RunnerSkill{Name: s.Name, Description: s.Description})
	}

	runner := &model.Runner{
		RunnerID: id,
		UserID:   identity.UserID,
		UserName: identity.UserName,
		Name:     reg.Name,
		Roots:    reg.Roots,
		Skills:   skills,
	}
	if err := n.store.PutRunner(ctx, runner); err != nil {
		return err
	}

	*runnerID = id
	n.registry.SetRunnerSocket(id, c)
	return c.sendTyped("runner_registered", wire.RunnerRegistered{RunnerID: id})
}

func (n *RunnerNamespace) handleSessionEvent(ctx context.Context, msg wire.Message) error {
	var evt wire.RunnerSessionEvent
	if err := unmarshalData(msg, &evt); err != nil || evt.SessionID == "" {
		return nil
	}

	// First event for a pending link binds the session's runnerId/runnerName.
	if runnerID, err := n.store.ConsumeRunnerLink(ctx, evt.SessionID); err == nil {
		if runner, err := n.store.GetRunner(ctx, runnerID); err == nil {
			_ = n.store.UpdateSessionFields(ctx, evt.SessionID, map[string]any{
				"runnerId":   runner.RunnerID,
				"runnerName": runner.Name,
			})
		}
	} else if err != redisstore.ErrNotFound {
		log.Printf("runner: consume pending link for %s: %v", evt.SessionID, err)
	}

	if n.relay == nil {
		return nil
	}
	return n.relay.ingestAgentEvent(ctx, evt.SessionID, evt.Event)
}

func (n *RunnerNamespace) handleSessionLifecycle(ctx context.Context, msg wire.Message) error {
	var lc wire.SessionLifecycle
	if err := unmarshalData(msg, &lc); err != nil || lc.SessionID == "" {
		return nil
	}
	switch msg.Type {
	case "session_error":
		log.Printf("runner: session %s error: %s", lc.SessionID, lc.Message)
	case "session_killed":
		_ = n.store.DeleteSession(ctx, lc.SessionID)
	}
	return nil
}

func (n *RunnerNamespace) handleTerminalLifecycle(ctx context.Context, msg wire.Message) error {
	var lc wire.TerminalLifecycle
	if err := unmarshalData(msg, &lc); err != nil || lc.TerminalID == "" {
		return nil
	}
	if msg.Type == "terminal_exit" {
		if err := n.store.DeleteTerminal(ctx, lc.TerminalID); err != nil {
			log.Printf("runner: delete terminal %s: %v", lc.TerminalID, err)
		}
	}
	return nil
}

func (n *RunnerNamespace) handleTerminalData(ctx context.Context, msg wire.Message) error {
	var td wire.TerminalData
	if err := unmarshalData(msg, &td); err != nil || td.TerminalID == "" {
		return nil
	}
	if _, err := n.store.GetTerminal(ctx, td.TerminalID); err != nil {
		return nil // unknown terminal: idempotent drop (§7)
	}
	// Terminal viewers join the same local room abstraction as session
	// viewers, keyed by terminal id instead of session id.
	for _, viewer := range n.registry.LocalViewersSocket(td.TerminalID) {
		_ = viewer.Send(msg)
	}
	return nil
}

// SendCommand delivers a command to the runner's socket on this node,
// if attached here. Cross-node runner command routing is out of this
// deployment's scope — see DESIGN.md.
func (n *RunnerNamespace) SendCommand(runnerID, msgType string, payload any) error {
	sock, ok := n.registry.LocalRunnerSocket(runnerID)
	if !ok {
		return errNoLocalRunner
	}
	msg, err := wire.New(msgType, payload)
	if err != nil {
		return err
	}
	return sock.Send(msg)
}

// SpawnSession writes a PendingRunnerLink and asks runnerID to spawn a
// worker for sessionID (§4.6 "Session spawn").
func (n *RunnerNamespace) SpawnSession(ctx context.Context, runnerID, sessionID, cwd string) error {
	if err := n.store.PutRunnerLink(ctx, sessionID, runnerID); err != nil {
		return err
	}
	return n.SendCommand(runnerID, "new_session", wire.NewSession{SessionID: sessionID, CWD: cwd})
}
