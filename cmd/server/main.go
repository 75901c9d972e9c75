package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-chat-realtime/internal/api"
	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/config"
	"go-chat-realtime/internal/logging"
	"go-chat-realtime/internal/metrics"
	"go-chat-realtime/internal/redis"
	"go-chat-realtime/internal/store"
	"go-chat-realtime/internal/ws"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("[SERVER] Exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL, cfg.LogLevel == "debug")
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.AutoMigrate {
		if err := st.Migrate(); err != nil {
			return err
		}
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	hub := ws.NewHub(
		ws.WithLogger(logger),
		ws.WithMetrics(m),
		ws.WithAuthorizer(func(ctx context.Context, profileID, conversationID string) (bool, error) {
			return st.IsParticipant(ctx, conversationID, profileID)
		}),
	)
	go hub.Run(ctx)

	// Without Redis the hub broadcasts in-process. With it, every server
	// publishes to Redis and relays what it hears to its own hub.
	var broadcaster api.Broadcaster = hub
	opts := []api.Option{api.WithLogger(logger), api.WithMetrics(m)}
	if cfg.RedisURL != "" {
		rc, err := redis.NewClient(ctx, cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return err
		}
		defer rc.Close()

		go func() {
			if err := redis.SubscribeToEvents(ctx, rc, hub); err != nil {
				logger.Error("[REDIS] Relay stopped", "error", err)
			}
		}()
		broadcaster = rc
		opts = append(opts, api.WithMirror(rc))
	}

	server := api.NewServer(st, broadcaster, opts...)
	socket := ws.NewHandler(hub, verifier, cfg.PollTimeout)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(verifier, cfg.SocketPath, socket),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[SERVER] Listening", "addr", httpServer.Addr, "socket_path", cfg.SocketPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("[SERVER] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newVerifier(ctx context.Context, cfg *config.Config) (*auth.Verifier, error) {
	if cfg.JWKSIssuerURL != "" {
		v, err := auth.NewJWKSVerifier(ctx, cfg.JWKSIssuerURL)
		if err != nil {
			return nil, err
		}
		go v.RefreshEvery(ctx, time.Hour)
		return v, nil
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET or JWKS_ISSUER_URL must be set")
	}
	return auth.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer), nil
}
