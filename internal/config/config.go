// Package config holds runtime configuration for the relay, loaded from
// cobra flags merged with PIZZAPI_* environment variables via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the relay process.
type Config struct {
	Port int

	// RedisURL is the state-store / cache / cross-node bus connection
	// string. "off", "disabled", and "none" (case-insensitive) disable
	// the Redis-backed components entirely.
	RedisURL    string
	RedisPrefix string

	// SQLitePath is the on-disk path for the persisted session store.
	SQLitePath string

	// Multi-tenant gate. OrgID and JWKSURL empty means single-tenant mode:
	// the runner dual middleware and org-token middleware are not mounted.
	OrgID   string
	OrgSlug string
	JWKSURL string

	// AuthProviderURL is the base URL of the external auth provider
	// consulted by the API-key and cookie middlewares.
	AuthProviderURL string

	TrustedOrigins []string

	EphemeralTTL      time.Duration
	EphemeralSweep    time.Duration
	RelayEventBuffer  int
	RelayEventTTL     time.Duration
	AttachmentTTL     time.Duration
	AttachmentMaxSize int64
	AttachmentDir     string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/pizzapid).
func Load() Config {
	return Config{
		Port:        viper.GetInt("port"),
		RedisURL:    viper.GetString("redis_url"),
		RedisPrefix: viper.GetString("redis_prefix"),
		SQLitePath:  viper.GetString("sqlite_path"),

		OrgID:   viper.GetString("org_id"),
		OrgSlug: viper.GetString("org_slug"),
		JWKSURL: viper.GetString("jwt_jwks_url"),

		AuthProviderURL: viper.GetString("auth_provider_url"),
		TrustedOrigins:  splitCSV(viper.GetString("trusted_origins")),

		EphemeralTTL:      time.Duration(viper.GetInt64("ephemeral_ttl_ms")) * time.Millisecond,
		EphemeralSweep:    time.Duration(viper.GetInt64("ephemeral_sweep_ms")) * time.Millisecond,
		RelayEventBuffer:  viper.GetInt("relay_event_buffer_size"),
		RelayEventTTL:     time.Duration(viper.GetInt64("relay_event_ttl_ms")) * time.Millisecond,
		AttachmentTTL:     time.Duration(viper.GetInt64("attachment_ttl_ms")) * time.Millisecond,
		AttachmentMaxSize: viper.GetInt64("attachment_max_file_size_bytes"),
		AttachmentDir:     viper.GetString("attachment_dir"),

		VAPIDPublicKey:  viper.GetString("vapid_public_key"),
		VAPIDPrivateKey: viper.GetString("vapid_private_key"),
		VAPIDSubject:    viper.GetString("vapid_subject"),
	}
}

// MultiTenant reports whether the multi-tenant auth gate (org-scoped
// runner tokens, org-token HTTP middleware) should be mounted.
func (c Config) MultiTenant() bool {
	return c.OrgID != "" && c.JWKSURL != ""
}

// RedisDisabled reports whether the operator opted out of the state
// store / event cache / cross-node bus entirely.
func (c Config) RedisDisabled() bool {
	switch strings.ToLower(strings.TrimSpace(c.RedisURL)) {
	case "", "off", "disabled", "none":
		return true
	default:
		return false
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
