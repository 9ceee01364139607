// Package auth is the relay's Auth Gate (C4): per-namespace handshake
// validation plus the multi-tenant HTTP org-token middleware. It never
// implements credential storage itself — that lives in the external
// auth provider (better-auth) and is consulted over HTTP.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pizzapi/relay/internal/model"
)

// ErrUnauthorized is the generic failure every Auth Gate check collapses
// to — credential errors never leak provider-side detail to the client.
var ErrUnauthorized = errors.New("unauthorized")

// Provider resolves credentials to an authenticated identity. The only
// implementation shipped here talks to the external auth provider over
// HTTP; tests substitute a fake.
type Provider interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (model.Identity, error)
	ValidateSessionCookie(ctx context.Context, cookieValue string) (model.Identity, error)
}

// HTTPProvider calls out to the auth provider's own verification routes.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider builds a Provider against baseURL (e.g. the better-auth
// deployment's base URL).
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProvider) ValidateAPIKey(ctx context.Context, apiKey string) (model.Identity, error) {
	if apiKey == "" {
		return model.Identity{}, ErrUnauthorized
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"key": apiKey})
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.baseURL+"/api/auth/api-key/verify", bytes.NewReader(body))
	if err != nil {
		return model.Identity{}, fmt.Errorf("build api-key verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return p.doIdentityRequest(req)
}

func (p *HTTPProvider) ValidateSessionCookie(ctx context.Context, cookieValue string) (model.Identity, error) {
	if cookieValue == "" {
		return model.Identity{}, ErrUnauthorized
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.baseURL+"/api/auth/session", nil)
	if err != nil {
		return model.Identity{}, fmt.Errorf("build session verify request: %w", err)
	}
	req.Header.Set("Cookie", cookieValue)

	return p.doIdentityRequest(req)
}

func (p *HTTPProvider) doIdentityRequest(req *http.Request) (model.Identity, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return model.Identity{}, ErrUnauthorized
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return model.Identity{}, ErrUnauthorized
	}

	var out struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.UserID == "" {
		return model.Identity{}, ErrUnauthorized
	}
	return model.Identity{UserID: out.UserID, UserName: out.UserName}, nil
}
