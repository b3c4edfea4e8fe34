// Package main wires together the marketplace harvester service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	cacheredis "github.com/skinpulse/harvester/internal/cache/redis"
	"github.com/skinpulse/harvester/internal/client"
	"github.com/skinpulse/harvester/internal/clock/system"
	"github.com/skinpulse/harvester/internal/config"
	"github.com/skinpulse/harvester/internal/dedup"
	"github.com/skinpulse/harvester/internal/harvest"
	"github.com/skinpulse/harvester/internal/logging"
	"github.com/skinpulse/harvester/internal/market"
	"github.com/skinpulse/harvester/internal/ops"
	"github.com/skinpulse/harvester/internal/progress"
	"github.com/skinpulse/harvester/internal/progress/sinks"
	pubsubpublisher "github.com/skinpulse/harvester/internal/publisher/pubsub"
	"github.com/skinpulse/harvester/internal/ratelimit"
	"github.com/skinpulse/harvester/internal/router"
	"github.com/skinpulse/harvester/internal/storage/clickhouse"
	"github.com/skinpulse/harvester/internal/storage/postgres"
	"github.com/skinpulse/harvester/internal/syncer"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	oneShot := flag.Bool("once", false, "Run a single harvest sweep and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	governor := ratelimit.New(ratelimit.Config{
		InitialDelay:   time.Duration(cfg.Governor.InitialDelayMs) * time.Millisecond,
		MinDelay:       time.Duration(cfg.Governor.MinDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Governor.MaxDelayMs) * time.Millisecond,
		BackoffFactor:  cfg.Governor.BackoffFactor,
		IncreaseFactor: cfg.Governor.IncreaseFactor,
		DecreaseFactor: cfg.Governor.DecreaseFactor,
		HighWatermark:  cfg.Governor.HighWatermark,
		LowWatermark:   cfg.Governor.LowWatermark,
	}, clock, logger.Named("governor"))

	marketClient, err := client.New(client.Config{
		BaseURL:   cfg.Marketplace.BaseURL,
		APIKey:    cfg.Marketplace.APIKey,
		UserAgent: cfg.Marketplace.UserAgent,
		Timeout:   cfg.MarketplaceTimeout(),
	}, governor, clock, logger.Named("client"))
	if err != nil {
		logger.Fatal("marketplace client init failed", zap.Error(err))
	}

	store, err := postgres.NewStore(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
	})
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	defer store.Close()

	analytics, err := clickhouse.NewStore(ctx, clickhouse.Config{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
	})
	if err != nil {
		logger.Fatal("clickhouse init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := analytics.Close(); closeErr != nil {
			logger.Warn("clickhouse close failed", zap.Error(closeErr))
		}
	}()

	var cache market.Cache
	if cfg.Redis.Addr != "" {
		redisCache, err := cacheredis.New(ctx, cacheredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn("redis init failed, point reads go uncached", zap.Error(err))
		} else {
			cache = redisCache
		}
	}

	rt := router.New(store, analytics, cache, clock, router.Config{
		CacheTTL:      cfg.CacheTTL(),
		SlowThreshold: cfg.SlowThreshold(),
	}, logger.Named("router"))

	seen := dedup.NewSet()
	keys, err := store.ListingKeys(ctx)
	if err != nil {
		logger.Fatal("dedup preload failed", zap.Error(err))
	}
	seen.Preload(keys)
	logger.Info("dedup cache preloaded", zap.Int("keys", seen.Len()))

	var publisher market.Publisher
	if cfg.PubSub.ProjectID != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Warn("pubsub init failed, run summaries stay local", zap.Error(err))
		} else {
			pub := pubsubpublisher.New(psClient)
			defer pub.Close()
			publisher = pub
		}
	}

	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	harvester := harvest.New(marketClient, rt, seen, publisher, clock, hub, nil, harvest.Config{
		BatchSize:        cfg.Harvest.BatchSize,
		MaxPages:         cfg.Harvest.MaxPages,
		EmptyStreakLimit: cfg.Harvest.EmptyStreakLimit,
		PageLimit:        cfg.Harvest.PageLimit,
		Concurrency:      cfg.Harvest.Concurrency,
		SummaryTopic:     cfg.Harvest.SummaryTopic,
	}, logger.Named("harvest"))

	syncLoop := syncer.New(store, analytics, clock, syncer.Config{
		Target:    cfg.Sync.Target,
		Interval:  cfg.SyncInterval(),
		BatchSize: cfg.Sync.BatchSize,
	}, logger.Named("syncer"))

	if *oneShot {
		if _, err := harvester.Run(ctx, harvest.DefaultCatalog()); err != nil {
			logger.Error("harvest sweep failed", zap.Error(err))
		}
		if _, err := syncLoop.SyncOnce(ctx); err != nil {
			logger.Error("sync failed", zap.Error(err))
		}
		return
	}

	opsServer := ops.NewServer(governor, rt, seen, logger.Named("ops"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("sync loop started", zap.Duration("interval", cfg.SyncInterval()))
		if err := syncLoop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync loop error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("harvest loop started", zap.Duration("interval", cfg.HarvestInterval()))
		runSweeps(ctx, harvester, cfg.HarvestInterval(), logger)
	}()

	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// runSweeps runs a full-catalog sweep, then repeats on the interval until the
// context ends.
func runSweeps(ctx context.Context, h *harvest.Harvester, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := h.Run(ctx, harvest.DefaultCatalog()); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("harvest sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
