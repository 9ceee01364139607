package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pizzapi/relay/internal/model"
)

// Gate is the relay's Auth Gate, holding the Provider and the
// multi-tenant JWKS verifier. One Gate is constructed per process and
// injected into every namespace and HTTP middleware — never referenced
// through a package-level global.
type Gate struct {
	provider       Provider
	trustedOrigins map[string]struct{}

	orgID       string
	multiTenant bool
	jwks        keyfunc.Keyfunc
}

// NewGate builds a Gate. jwksURL and orgID are empty in single-tenant
// deployments, in which case the runner dual middleware and org-token
// middleware are never mounted by the caller.
func NewGate(ctx context.Context, provider Provider, trustedOrigins []string, orgID, jwksURL string) (*Gate, error) {
	g := &Gate{
		provider:       provider,
		trustedOrigins: make(map[string]struct{}, len(trustedOrigins)),
		orgID:          orgID,
	}
	for _, o := range trustedOrigins {
		g.trustedOrigins[o] = struct{}{}
	}

	if orgID == "" || jwksURL == "" {
		return g, nil
	}
	g.multiTenant = true

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks from %s: %w", jwksURL, err)
	}
	g.jwks = kf
	return g, nil
}

// MultiTenant reports whether this gate was constructed with an org
// scope and JWKS endpoint.
func (g *Gate) MultiTenant() bool { return g.multiTenant }

// APIKeyAuth validates a runner or producer-TUI handshake's API key.
// Any failure — missing key, provider error, bad key — collapses to
// ErrUnauthorized.
func (g *Gate) APIKeyAuth(ctx context.Context, apiKey string) (model.Identity, error) {
	id, err := g.provider.ValidateAPIKey(ctx, apiKey)
	if err != nil {
		return model.Identity{}, ErrUnauthorized
	}
	return id, nil
}

// CheckOrigin validates the Origin header against the trusted-origins
// list. An empty origin (non-browser client) is allowed through; a
// present-but-untrusted origin is rejected (CSWSH protection).
func (g *Gate) CheckOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	_, ok := g.trustedOrigins[origin]
	return ok
}

// CookieAuth performs the viewer/terminal/hub handshake: origin check
// followed by session-cookie resolution.
func (g *Gate) CookieAuth(ctx context.Context, origin, cookieValue string) (model.Identity, error) {
	if !g.CheckOrigin(origin) {
		return model.Identity{}, ErrUnauthorized
	}
	id, err := g.provider.ValidateSessionCookie(ctx, cookieValue)
	if err != nil {
		return model.Identity{}, ErrUnauthorized
	}
	return id, nil
}

// runnerTokenClaims is the shape of a signed org-scoped runner token.
type runnerTokenClaims struct {
	jwt.RegisteredClaims
	Type  string `json:"type"`
	OrgID string `json:"org_id"`
}

// RunnerDualAuth accepts either an API key or a signed runner token
// (multi-tenant only). An empty apiKey falls through to token
// verification; neither credential ever falls through to anonymous
// access.
func (g *Gate) RunnerDualAuth(ctx context.Context, apiKey, token string) (model.Identity, error) {
	if apiKey != "" {
		return g.APIKeyAuth(ctx, apiKey)
	}
	if !g.multiTenant || token == "" {
		return model.Identity{}, ErrUnauthorized
	}

	var claims runnerTokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, g.jwks.Keyfunc)
	if err != nil || !parsed.Valid {
		return model.Identity{}, ErrUnauthorized
	}
	if claims.Type != "runner" || claims.OrgID != g.orgID {
		return model.Identity{}, ErrUnauthorized
	}
	return model.Identity{UserID: claims.Subject}, nil
}

// orgTokenClaims is the shape of the session-context token used by the
// multi-tenant HTTP org-token middleware.
type orgTokenClaims struct {
	jwt.RegisteredClaims
	OrgID   string `json:"org_id"`
	OrgSlug string `json:"org_slug"`
	Role    string `json:"role"`
}

// VerifyOrgToken validates a session-context token (from Authorization:
// Bearer or the org_token cookie) against the JWKS and the process-wide
// org scope, returning the tenant identity to be carried via reqctx.
func (g *Gate) VerifyOrgToken(ctx context.Context, token string) (model.TenantIdentity, error) {
	if !g.multiTenant || token == "" {
		return model.TenantIdentity{}, ErrUnauthorized
	}

	var claims orgTokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, g.jwks.Keyfunc)
	if err != nil || !parsed.Valid {
		return model.TenantIdentity{}, ErrUnauthorized
	}
	if claims.OrgID != g.orgID {
		return model.TenantIdentity{}, ErrUnauthorized
	}
	return model.TenantIdentity{
		Identity: model.Identity{UserID: claims.Subject},
		OrgID:    claims.OrgID,
		OrgSlug:  claims.OrgSlug,
		Role:     claims.Role,
	}, nil
}
