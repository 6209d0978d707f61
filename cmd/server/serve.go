package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"fieldhub/internal/api"
	"fieldhub/internal/auth"
	"fieldhub/internal/config"
	"fieldhub/internal/metrics"
	"fieldhub/internal/presence"
	"fieldhub/internal/redis"
	"fieldhub/internal/storage"
	"fieldhub/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket hub",
		Long: `Run the WebSocket hub.

Configuration is read from the YAML file given with --config (optional) and
then overridden by environment variables such as PORT, REDIS_URL, JWT_SECRET,
JWKS_URL and DATABASE_URL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level := new(slog.LevelVar)
			slog.SetDefault(newLogger(cfg.Log, level))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if configPath != "" {
				go watchConfig(ctx, configPath, cfg, level)
			}
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	redisOpts := redis.Options{
		EventsPattern:     cfg.Redis.EventsPattern,
		MembershipChannel: cfg.Redis.MembershipChannel,
		PresenceKey:       cfg.Redis.PresenceKey,
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		rc, err := redis.NewClient(ctx, cfg.Redis.URL, redisOpts)
		if err != nil {
			return err
		}
		defer rc.Close()
		redisClient = rc
	} else {
		slog.Warn("[REDIS] No REDIS_URL configured, external event feed disabled")
	}

	trackerOpts := []presence.Option{presence.WithMetrics(m)}
	if redisClient != nil {
		trackerOpts = append(trackerOpts, presence.WithMirror(redisClient))
	}
	tracker := presence.New(cfg.Presence.Threshold, trackerOpts...)

	directory, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer directory.Close()

	hubOpts := []ws.Option{
		ws.WithGroups(directory),
		ws.WithPresence(tracker),
		ws.WithMetrics(m),
		ws.WithSendBuffer(cfg.Server.SendBuffer),
		ws.WithLookupTimeout(cfg.Storage.LookupTimeout),
		ws.WithLegacyRegister(cfg.Auth.AllowLegacyRegister),
		ws.WithRejectUnauthenticated(cfg.Auth.RejectUnauthenticated),
		ws.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}
	verifier, err := newVerifier(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	if verifier != nil {
		hubOpts = append(hubOpts, ws.WithVerifier(verifier))
	} else {
		slog.Warn("[AUTH] No JWT secret or JWKS URL configured, token login disabled")
	}

	hub := ws.NewHub(hubOpts...)
	go hub.Run(ctx)

	sched, err := presence.NewScheduler(tracker, hub, cfg.Presence.SweepInterval)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	if redisClient != nil {
		sub := redis.NewSubscriber(redisClient, redisOpts, hub, hub, m)
		go func() {
			if err := sub.Run(ctx); err != nil {
				cancel(fmt.Errorf("redis subscriber: %w", err))
			}
		}()
	}

	router := api.NewRouter(api.Deps{
		Hub:            hub,
		Presence:       tracker,
		Gatherer:       reg,
		Metrics:        m,
		PublishKeyHash: cfg.Publish.KeyHash,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("[API] WebSocket server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel(err)
		}
	}

	// The hub drains live connections with a shutdown notice first.
	cancel(nil)
	<-hub.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("[API] Server shutdown failed", "error", err)
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	slog.Info("[API] Server stopped")
	return nil
}

// watchConfig applies log level changes from the config file at runtime.
// Everything else is read once at start-up.
func watchConfig(ctx context.Context, path string, current *config.Config, level *slog.LevelVar) {
	err := config.Watch(ctx, path, func(next *config.Config) {
		level.Set(config.ParseLevel(next.Log.Level))
		if restartRequired(current, next) {
			slog.Warn("[CONFIG] Changes outside log.level take effect after restart", "path", path)
		}
	})
	if err != nil {
		slog.Warn("[CONFIG] Config watch disabled", "path", path, "error", err)
	}
}

func restartRequired(a, b *config.Config) bool {
	return a.Server.Port != b.Server.Port ||
		a.Server.SendBuffer != b.Server.SendBuffer ||
		a.Auth != b.Auth ||
		a.Presence != b.Presence ||
		a.Redis != b.Redis ||
		a.Storage != b.Storage ||
		a.Publish != b.Publish ||
		a.Log.Format != b.Log.Format
}

// newVerifier returns nil when neither a JWKS URL nor a shared secret is
// configured.
func newVerifier(ctx context.Context, cfg config.AuthConfig) (*auth.Verifier, error) {
	switch {
	case cfg.JWKSURL != "":
		keys := auth.NewKeySet(cfg.JWKSURL, nil)
		if err := keys.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("initialize JWKS: %w", err)
		}
		go keys.Run(ctx, cfg.JWKSRefresh)
		slog.Info("[AUTH] JWKS verification enabled", "url", cfg.JWKSURL)
		return auth.NewJWKSVerifier(keys, cfg.Issuer), nil
	case cfg.Secret != "":
		slog.Info("[AUTH] HMAC verification enabled")
		return auth.NewHMACVerifier(cfg.Secret, cfg.Issuer), nil
	default:
		return nil, nil
	}
}
