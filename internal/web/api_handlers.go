package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/store/sqlstore"
)

// --- Push (delegates to C10, per §4.14) ---

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req PushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, and auth are required")
		return
	}
	sub, err := s.notifier.Subscribe(r.Context(), sqlstore.SubscribeInput{
		UserID:        identity.UserID,
		Endpoint:      req.Endpoint,
		P256dh:        req.P256dh,
		Auth:          req.Auth,
		EnabledEvents: req.EnabledEvents,
	})
	if err != nil {
		log.Printf("handlePushSubscribe: %v", err)
		writeError(w, http.StatusInternalServerError, "could not save subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req PushUnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.SubscriptionID != "":
		err = s.notifier.UnsubscribeByID(r.Context(), identity.UserID, req.SubscriptionID)
	case req.Endpoint != "":
		err = s.notifier.Unsubscribe(r.Context(), identity.UserID, req.Endpoint)
	default:
		writeError(w, http.StatusBadRequest, "endpoint or subscriptionId is required")
		return
	}
	if err != nil {
		log.Printf("handlePushUnsubscribe: %v", err)
		writeError(w, http.StatusInternalServerError, "could not remove subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.cfg.VAPIDPublicKey})
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := s.sql.ListForUser(r.Context(), identity.UserID, limit)
	if err != nil {
		log.Printf("handleListSessions: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	out := make([]SessionSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, SessionSummary{
			SessionID:    row.SessionID,
			SessionName:  row.SessionName,
			CWD:          row.CWD,
			IsEphemeral:  row.IsEphemeral,
			StartedAt:    row.StartedAt,
			LastActiveAt: row.LastActiveAt,
			EndedAt:      row.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := r.PathValue("id")

	if s.store != nil {
		if sess, err := s.store.GetSession(r.Context(), sessionID); err == nil {
			writeJSON(w, http.StatusOK, SessionSnapshotResponse{
				SessionID: sess.SessionID,
				IsActive:  sess.IsActive,
				LastSeq:   sess.Seq,
				State:     json.RawMessage(sess.LastState),
			})
			return
		} else if !errors.Is(err, redisstore.ErrNotFound) {
			log.Printf("handleSessionSnapshot: redis: %v", err)
		}
	}

	row, err := s.sql.GetSnapshot(r.Context(), sessionID)
	if err != nil {
		log.Printf("handleSessionSnapshot: sql: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, SessionSnapshotResponse{
		SessionID: row.SessionID,
		LastSeq:   0,
		State:     row.State,
	})
}

// handleSpawnSession asks a runner to start a new session: it writes a
// PendingRunnerLink and pushes a new_session command, per §4.6.
func (s *Server) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner dispatch is not available")
		return
	}
	var req SpawnSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RunnerID == "" || req.CWD == "" {
		writeError(w, http.StatusBadRequest, "runnerId and cwd are required")
		return
	}

	sessionID := uuid.NewString()
	if err := s.runner.SpawnSession(r.Context(), req.RunnerID, sessionID, req.CWD); err != nil {
		log.Printf("handleSpawnSession: %v", err)
		writeError(w, http.StatusInternalServerError, "could not dispatch spawn request")
		return
	}
	writeJSON(w, http.StatusAccepted, SpawnSessionResponse{SessionID: sessionID})
}
