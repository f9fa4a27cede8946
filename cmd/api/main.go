package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/filify/internal/app/migrate"
	"github.com/splax/filify/internal/chain"
	httpx "github.com/splax/filify/internal/http"
	"github.com/splax/filify/internal/repository/postgres"
	"github.com/splax/filify/internal/service/confirm"
	"github.com/splax/filify/internal/service/deploy"
	"github.com/splax/filify/internal/service/webhook"
	"github.com/splax/filify/internal/ws"
	"github.com/splax/filify/pkg/config"
	"github.com/splax/filify/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.FileEnv), "optional YAML config overlay")
	flag.Parse()
	if err := config.ApplyFile(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	runner.Close()

	repo := postgres.New(pool)
	hub := ws.NewHub(log)
	defer hub.Close()

	var builder deploy.Builder
	if url := strings.TrimSpace(cfg.BuilderURL); url != "" {
		builder = deploy.NewHTTPBuilder(url, cfg.BuilderAuthToken, nil)
	} else {
		log.Warn("builder url not configured; deployments must be created with an artifact")
	}

	var receipts deploy.ReceiptChecker
	if url := strings.TrimSpace(cfg.ChainRPCURL); url != "" {
		checker, err := chain.Dial(ctx, url, uint64(cfg.ChainConfirmations))
		if err != nil {
			log.Error("failed to dial chain rpc", "error", err)
			os.Exit(1)
		}
		receipts = checker
	} else {
		log.Warn("chain rpc not configured; confirmations will not be verified")
	}

	deploySvc := deploy.New(repo, builder, receipts, hub, log)
	webhookSvc := webhook.New(deploySvc, cfg.WebhookSecret, log)

	if watcher := confirm.New(repo, deploySvc, log, cfg); watcher != nil {
		go watcher.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Options{
		Logger:         log,
		Deployments:    deploySvc,
		Webhooks:       webhookSvc,
		Hub:            hub,
		Limiter:        limiter,
		JWTSecret:      cfg.JWTSecret,
		BuilderToken:   cfg.BuilderAuthToken,
		AllowedOrigins: config.SplitList(cfg.AllowedOrigins),
		ListMaximum:    cfg.DeploymentListMaximum,
		DBHealth:       pool.Ping,
		Registerer:     prometheus.DefaultRegisterer,
		Gatherer:       prometheus.DefaultGatherer,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
