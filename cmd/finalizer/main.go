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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/filify/internal/contentstore"
	httpx "github.com/splax/filify/internal/http"
	"github.com/splax/filify/internal/naming"
	"github.com/splax/filify/internal/service/finalize"
	"github.com/splax/filify/internal/service/notify"
	"github.com/splax/filify/internal/wallet"
	"github.com/splax/filify/pkg/api/client"
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

	cfg := config.LoadFinalizerConfig()
	log := logger.New("finalizer", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := client.New(cfg.APIBaseURL, client.WithToken(cfg.APIToken))
	if err != nil {
		log.Error("failed to configure record store client", "error", err)
		os.Exit(1)
	}

	uploader, err := contentstore.New(contentstore.Config{
		S3Endpoint:  cfg.S3Endpoint,
		S3AccessKey: cfg.S3AccessKey,
		S3SecretKey: cfg.S3SecretKey,
		S3Region:    cfg.S3Region,
		S3Bucket:    cfg.S3Bucket,
		S3UseSSL:    cfg.S3UseSSL,
		IPFSAPIURL:  cfg.IPFSAPIURL,
		Timeout:     cfg.StageTimeout,
	}, log)
	if err != nil {
		log.Error("failed to configure content store", "error", err)
		os.Exit(1)
	}

	preparer, err := naming.NewClient(cfg.NamingURL, cfg.NamingToken, nil)
	if err != nil {
		log.Error("failed to configure naming client", "error", err)
		os.Exit(1)
	}

	var cooldowns finalize.CooldownStore = finalize.NewMemoryCooldowns()
	var journal finalize.TxJournal = finalize.NewMemoryTxJournal()
	if addr := strings.TrimSpace(cfg.CooldownRedis); addr != "" {
		rdb, err := finalize.DialRedis(ctx, addr, cfg.CooldownRedisPw, cfg.CooldownRedisDB)
		if err != nil {
			log.Warn("redis unavailable, cooldowns and signed transactions kept in memory", "error", err)
		} else {
			defer rdb.Close()
			cooldowns = finalize.NewRedisCooldowns(rdb)
			journal = finalize.NewRedisTxJournal(rdb)
		}
	}

	origins := config.SplitList(cfg.AllowedOrigins)
	bridge := wallet.NewBridge(cfg.JWTSecret, origins, log)

	orchestrator := finalize.New(records, uploader, preparer, bridge, records, finalize.Options{
		Interval:     cfg.PollInterval,
		Cooldown:     cfg.RejectCooldown,
		StageTimeout: cfg.StageTimeout,
		SignTimeout:  cfg.SignTimeout,
		Limit:        cfg.PollLimit,
		Classifier:   finalize.DefaultClassifier{},
		Cooldowns:    cooldowns,
		Journal:      journal,
		Notifier:     notify.Multi{notify.NewLogNotifier(log), bridge},
		Metrics:      finalize.NewMetrics(prometheus.DefaultRegisterer),
		Logger:       log,
	})
	// Connecting, foregrounding or switching chains wakes the loop.
	bridge.OnChange(orchestrator.Nudge)
	orchestrator.Start(ctx)
	defer orchestrator.Stop()

	router := httpx.NewFinalizerRouter(httpx.FinalizerOptions{
		Logger:          log,
		Retrier:         orchestrator,
		Wallet:          bridge,
		SignerConnected: bridge.Connected,
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  origins,
		Registerer:      prometheus.DefaultRegisterer,
		Gatherer:        prometheus.DefaultGatherer,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("finalizer starting", "addr", cfg.Addr, "api", cfg.APIBaseURL, "interval", cfg.PollInterval.String())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("finalizer stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
