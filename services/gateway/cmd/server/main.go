package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"versioncoffee/internal/usertoken"
	"versioncoffee/internal/util"
	"versioncoffee/pkg/health"
	"versioncoffee/pkg/relay"
	"versioncoffee/pkg/store"
	"versioncoffee/services/gateway/internal/app"
	"versioncoffee/services/gateway/internal/config"
	"versioncoffee/services/gateway/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	// Validated by config.Load.
	sessionTTL, _ := config.ParseDuration(cfg.SessionTTL)
	leeway, _ := config.ParseDuration(cfg.JWTLeeway)
	headerTimeout, _ := config.ParseDuration(cfg.UpstreamHeaderTimeout)
	syncTimeout, _ := config.ParseDuration(cfg.UpstreamSyncTimeout)
	readinessTTL, _ := config.ParseDuration(cfg.ReadinessTTL)
	leaseTTL, _ := config.ParseDuration(cfg.TurnLeaseTTL)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		log.Fatalf("failed to reach redis: %v", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(verifier, store.NewRedisTokenRevoker(redisClient), sessionTTL)
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}

	upstream, err := relay.New(relay.Config{
		BaseURL:               cfg.UpstreamURL,
		Mode:                  relay.Mode(cfg.UpstreamMode),
		Model:                 cfg.UpstreamModel,
		APIKey:                cfg.UpstreamAPIKey,
		ResponseHeaderTimeout: headerTimeout,
		SyncTimeout:           syncTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init relay: %v", err)
	}
	readiness := health.NewReadiness(upstream.Ping, health.WithTTL(readinessTTL))

	appCore, err := app.New(app.Config{
		Store:        dataStore,
		Sessions:     sessions,
		Relay:        upstream,
		Lease:        store.NewRedisTurnLease(redisClient, ""),
		TurnLeaseTTL: leaseTTL,
		Readiness:    readiness,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trusted proxy config: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Readiness:                readiness,
		Redis:                    redisClient,
		TrustedProxies:           trustedProxies,
		AllowedOrigins:           cfg.AllowedOrigins,
		Production:               cfg.Production(),
		CookieDomain:             cfg.CookieDomain,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		ChatRateLimitPerMinute:   cfg.ChatRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	}()

	slog.Info("server listening", "addr", addr, "upstream_mode", upstream.Mode(), "environment", cfg.Environment)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
