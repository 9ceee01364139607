package auth

import (
	"net/http"
	"strings"

	"github.com/pizzapi/relay/internal/reqctx"
)

// OrgTokenMiddleware resolves the multi-tenant session-context token
// from Authorization: Bearer or the org_token cookie and attaches the
// resulting identity to the request context (never to the request
// itself). Requests that fail verification continue unauthenticated;
// it is the downstream handler's job to require an identity where one
// matters.
func (g *Gate) OrgTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.multiTenant {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			if c, err := r.Cookie("org_token"); err == nil {
				token = c.Value
			}
		}

		if identity, err := g.VerifyOrgToken(r.Context(), token); err == nil {
			r = r.WithContext(reqctx.WithIdentity(r.Context(), identity))
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
