package web

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/pizzapi/relay/internal/model"
)

// --- JSON helpers, grounded on the teacher's writeJSON/writeError shape ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// authenticate resolves the caller's identity from the session cookie the
// external auth provider issues, after the same origin check the socket
// namespaces perform.
func (s *Server) authenticate(r *http.Request) (model.Identity, error) {
	var cookieValue string
	if ck, err := r.Cookie("session"); err == nil {
		cookieValue = ck.Value
	}
	return s.gate.CookieAuth(r.Context(), r.Header.Get("Origin"), cookieValue)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCaddyValidate backs a Caddy forward_auth directive: the reverse
// proxy asks whether the org a subdomain resolves to is the one this
// relay is configured to serve. Single-tenant deployments (no org
// configured) accept every domain.
func (s *Server) handleCaddyValidate(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	if !s.cfg.MultiTenant() {
		w.WriteHeader(http.StatusOK)
		return
	}
	label := strings.SplitN(domain, ".", 2)[0]
	if !strings.EqualFold(label, s.cfg.OrgSlug) {
		http.Error(w, "unknown org", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
