package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pizzapi/relay/internal/auth"
	"github.com/pizzapi/relay/internal/config"
	"github.com/pizzapi/relay/internal/push"
	"github.com/pizzapi/relay/internal/registry"
	"github.com/pizzapi/relay/internal/socket"
	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/store/sqlstore"
	"github.com/pizzapi/relay/internal/sweeper"
	"github.com/pizzapi/relay/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pizzapid",
		Short: "PizzaPi relay server",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 8080, "HTTP port for the relay surface (REST + socket namespaces)")
	f.String("redis-url", "redis://localhost:6379/0", "state store / event cache / cross-node bus connection string (off/disabled/none to run without Redis)")
	f.String("redis-prefix", "pizzapi", "key prefix for all Redis keys")
	f.String("sqlite-path", "./pizzapid.db", "path to the persisted session store's SQLite file")
	f.String("auth-provider-url", "", "base URL of the external auth provider")
	f.String("trusted-origins", "", "comma-separated list of Origins the viewer/terminal/hub namespaces accept")
	f.Int64("ephemeral-ttl-ms", int64(10*time.Minute/time.Millisecond), "idle TTL before an ephemeral session is swept")
	f.Int64("ephemeral-sweep-ms", int64(60*time.Second/time.Millisecond), "interval between sweeper ticks")
	f.Int("relay-event-buffer-size", 1000, "capacity of the per-session event cache")
	f.Int64("relay-event-ttl-ms", int64(24*time.Hour/time.Millisecond), "TTL of a non-ephemeral session's event cache")
	f.Int64("attachment-ttl-ms", int64(15*time.Minute/time.Millisecond), "TTL before an uploaded attachment is swept")
	f.Int64("attachment-max-file-size-bytes", 20<<20, "maximum accepted attachment size")
	f.String("attachment-dir", "./attachments", "directory attachments are written to")
	f.String("vapid-public-key", "", "VAPID public key for web push")
	f.String("vapid-private-key", "", "VAPID private key for web push")
	f.String("vapid-subject", "", "VAPID subject (mailto: or https: URL) for web push")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("redis_url", "redis-url")
	bindFlag("redis_prefix", "redis-prefix")
	bindFlag("sqlite_path", "sqlite-path")
	bindFlag("auth_provider_url", "auth-provider-url")
	bindFlag("trusted_origins", "trusted-origins")
	bindFlag("ephemeral_ttl_ms", "ephemeral-ttl-ms")
	bindFlag("ephemeral_sweep_ms", "ephemeral-sweep-ms")
	bindFlag("relay_event_buffer_size", "relay-event-buffer-size")
	bindFlag("relay_event_ttl_ms", "relay-event-ttl-ms")
	bindFlag("attachment_ttl_ms", "attachment-ttl-ms")
	bindFlag("attachment_max_file_size_bytes", "attachment-max-file-size-bytes")
	bindFlag("attachment_dir", "attachment-dir")
	bindFlag("vapid_public_key", "vapid-public-key")
	bindFlag("vapid_private_key", "vapid-private-key")
	bindFlag("vapid_subject", "vapid-subject")

	// The multi-tenant trio (ORG_ID, JWT_JWKS_URL, ORG_SLUG) is
	// deliberately not bound to a flag: it's deployment-injected and
	// BindEnv ties each key to its exact, unprefixed variable, the same
	// way the teacher reads its provider tokens straight from the
	// environment rather than through a flag.
	viper.SetEnvPrefix("PIZZAPI")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	_ = viper.BindEnv("org_id", "ORG_ID")
	_ = viper.BindEnv("jwt_jwks_url", "JWT_JWKS_URL")
	_ = viper.BindEnv("org_slug", "ORG_SLUG")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	log.Printf("pizzapid starting on :%d (multi-tenant=%t)", cfg.Port, cfg.MultiTenant())

	var (
		store *redisstore.Store
		cache *redisstore.EventCache
		bus   *redisstore.Bus
	)
	if cfg.RedisDisabled() {
		log.Printf("warning: PIZZAPI_REDIS_URL is unset or disabled; state store and event cache are running in-process only and the cross-node bus is a no-op")
		store = redisstore.NewDisabled()
		cache = redisstore.NewEventCache(store, cfg.RelayEventBuffer, cfg.RelayEventTTL)
	} else {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close() //nolint:errcheck

		store = redisstore.New(rdb, cfg.RedisPrefix)
		cache = redisstore.NewEventCache(store, cfg.RelayEventBuffer, cfg.RelayEventTTL)
		bus = redisstore.NewBus(rdb, cfg.RedisPrefix)
	}

	sql, err := sqlstore.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer sql.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := auth.NewHTTPProvider(cfg.AuthProviderURL)
	gate, err := auth.NewGate(ctx, provider, cfg.TrustedOrigins, cfg.OrgID, cfg.JWKSURL)
	if err != nil {
		return err
	}

	reg := registry.New(store)

	runnerNS := socket.NewRunnerNamespace(gate, store, reg)
	relayNS := socket.NewRelayNamespace(gate, store, cache, sql, bus, reg, cfg.EphemeralTTL)
	viewerNS := socket.NewViewerNamespace(gate, store, cache, sql, bus, reg)
	runnerNS.SetRelay(relayNS)

	sw := sweeper.New(store, cache, sql, cfg.EphemeralSweep)
	go sw.Run(ctx)

	notifier := push.New(sql, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)

	srv := web.New(&cfg, gate, store, sql, reg, notifier, runnerNS, relayNS, viewerNS)
	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("http surface error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %s, shutting down...", sig)
	cancel()
	sw.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http surface shutdown: %v", err)
	}

	return nil
}
