package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pizzapi/relay/internal/model"
)

type fakeProvider struct {
	apiKeyIdentity model.Identity
	apiKeyErr      error
	cookieIdentity model.Identity
	cookieErr      error
}

func (f *fakeProvider) ValidateAPIKey(ctx context.Context, apiKey string) (model.Identity, error) {
	return f.apiKeyIdentity, f.apiKeyErr
}

func (f *fakeProvider) ValidateSessionCookie(ctx context.Context, cookieValue string) (model.Identity, error) {
	return f.cookieIdentity, f.cookieErr
}

func TestAPIKeyAuthCollapsesProviderErrorToUnauthorized(t *testing.T) {
	p := &fakeProvider{apiKeyErr: errors.New("provider down, details leak risk")}
	g, err := NewGate(context.Background(), p, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = g.APIKeyAuth(context.Background(), "some-key")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAPIKeyAuthSuccess(t *testing.T) {
	want := model.Identity{UserID: "u1", UserName: "alice"}
	p := &fakeProvider{apiKeyIdentity: want}
	g, err := NewGate(context.Background(), p, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := g.APIKeyAuth(context.Background(), "good-key")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestCheckOriginAllowsEmptyRejectsUntrusted(t *testing.T) {
	p := &fakeProvider{}
	g, err := NewGate(context.Background(), p, []string{"https://app.example"}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if !g.CheckOrigin("") {
		t.Fatal("expected empty origin to be allowed (non-browser client)")
	}
	if !g.CheckOrigin("https://app.example") {
		t.Fatal("expected trusted origin to be allowed")
	}
	if g.CheckOrigin("https://evil.example") {
		t.Fatal("expected untrusted origin to be rejected")
	}
}

func TestCookieAuthRejectsUntrustedOriginBeforeInspectingCookie(t *testing.T) {
	p := &fakeProvider{cookieErr: errors.New("should never be called")}
	g, err := NewGate(context.Background(), p, []string{"https://app.example"}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = g.CookieAuth(context.Background(), "https://evil.example", "whatever-cookie")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCookieAuthSuccess(t *testing.T) {
	want := model.Identity{UserID: "u2", UserName: "bob"}
	p := &fakeProvider{cookieIdentity: want}
	g, err := NewGate(context.Background(), p, []string{"https://app.example"}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := g.CookieAuth(context.Background(), "https://app.example", "session=abc")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestRunnerDualAuthSingleTenantRejectsToken(t *testing.T) {
	p := &fakeProvider{apiKeyErr: errors.New("no key given")}
	g, err := NewGate(context.Background(), p, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = g.RunnerDualAuth(context.Background(), "", "some.jwt.token")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized in single-tenant mode, got %v", err)
	}
}

// jwksTestServer spins up an httptest server serving a JWKS document for
// a freshly generated RSA key, and returns a function that signs claims
// with that key using the matching kid.
func jwksTestServer(t *testing.T) (serverURL string, sign func(claims jwt.Claims) string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	const kid = "test-key-1"

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big64(key.PublicKey.E)),
		}},
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(ts.Close)

	sign = func(claims jwt.Claims) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return s
	}
	return ts.URL, sign
}

// big64 encodes a small int (RSA's public exponent) as minimal big-endian
// bytes, the form JWK's "e" member expects.
func big64(e int) []byte {
	v := e
	var b []byte
	for v > 0 {
		b = append([]byte{byte(v & 0xff)}, b...)
		v >>= 8
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	return b
}

func TestRunnerDualAuthMultiTenantAcceptsValidRunnerToken(t *testing.T) {
	jwksURL, sign := jwksTestServer(t)
	p := &fakeProvider{}
	g, err := NewGate(context.Background(), p, nil, "org-123", jwksURL)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	token := sign(&runnerTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "runner-user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Type:  "runner",
		OrgID: "org-123",
	})

	id, err := g.RunnerDualAuth(context.Background(), "", token)
	if err != nil {
		t.Fatalf("expected valid runner token to authenticate, got %v", err)
	}
	if id.UserID != "runner-user-1" {
		t.Fatalf("expected subject to become UserID, got %q", id.UserID)
	}
}

func TestRunnerDualAuthRejectsWrongOrg(t *testing.T) {
	jwksURL, sign := jwksTestServer(t)
	p := &fakeProvider{}
	g, err := NewGate(context.Background(), p, nil, "org-123", jwksURL)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	token := sign(&runnerTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "runner-user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Type:             "runner",
		OrgID:            "some-other-org",
	})

	_, err = g.RunnerDualAuth(context.Background(), "", token)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for mismatched org, got %v", err)
	}
}

func TestVerifyOrgTokenRoundTrip(t *testing.T) {
	jwksURL, sign := jwksTestServer(t)
	p := &fakeProvider{}
	g, err := NewGate(context.Background(), p, nil, "org-123", jwksURL)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	token := sign(&orgTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		OrgID:            "org-123",
		OrgSlug:          "acme",
		Role:             "member",
	})

	identity, err := g.VerifyOrgToken(context.Background(), token)
	if err != nil {
		t.Fatalf("expected valid org token to verify, got %v", err)
	}
	if identity.OrgSlug != "acme" || identity.Role != "member" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}
