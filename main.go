// Command timeline runs the CREP timeline service: a tiered cache over live
// entity tracks, per-class position predictors, and an HTTP/WebSocket query
// surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"crep/timeline/internal/cache"
	"crep/timeline/internal/config"
	"crep/timeline/internal/earth2"
	"crep/timeline/internal/httpapi"
	"crep/timeline/internal/logging"
	"crep/timeline/internal/memcache"
	"crep/timeline/internal/predict"
	"crep/timeline/internal/predstore"
	"crep/timeline/internal/rediscache"
	"crep/timeline/internal/snapshot"
)

const (
	shutdownGrace      = 10 * time.Second
	archiveInterval    = time.Minute
	predictionCleanup  = 6 * time.Hour
	predictionMaxAgeMs = int64(7 * 24 * time.Hour / time.Millisecond)
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("configuration invalid", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("logger init failed", logging.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()

	//1.- Assemble the cache tiers: process memory, then Redis, then snapshots.
	redisTier, err := rediscache.New(cfg.RedisURL, cfg.RedisTTL, logger)
	if err != nil {
		logger.Fatal("redis cache init failed", logging.Error(err))
	}
	redisTier.Connect(ctx)
	manager := cache.NewManager(
		memcache.New(cfg.MemoryCacheSize, cfg.MemoryCacheTTL),
		redisTier,
		logger,
		cache.WithMetrics(cache.NewMetrics(registry)),
	)

	snapshots, err := snapshot.New(cfg.SnapshotDir, logger)
	if err != nil {
		logger.Fatal("snapshot store init failed", logging.Error(err))
	}
	archiver := snapshot.NewArchiver(snapshots, logger, time.Now)
	sweeper := snapshot.NewSweeper(snapshots, cfg.SnapshotRetention, logger)

	//2.- Predictors read last-known state straight from the cache tiers.
	engine := predict.NewEngine(predict.NewCacheStateProvider(manager), logger, cfg.PredictionCacheTTL)

	forecasts := earth2.New(ctx, cfg.GPUGatewayURL, logger)

	//3.- The prediction store is optional; the service degrades to
	// cache-only persistence when postgres is unreachable.
	var predictions httpapi.PredictionStorer
	store, err := predstore.New(cfg.Postgres, logger)
	if err != nil {
		logger.Warn("prediction store disabled", logging.Error(err))
	} else if err := store.Ping(ctx); err != nil {
		logger.Warn("prediction store unreachable, persistence disabled", logging.Error(err))
		_ = store.Close()
		store = nil
	} else {
		predictions = store
		defer func() { _ = store.Close() }()
	}

	server := httpapi.NewServer(httpapi.Options{
		Logger:      logger,
		Cache:       manager,
		Snapshots:   snapshots,
		Engine:      engine,
		Predictions: predictions,
		Forecasts:   forecasts,
		Archive:     archiver,
		Registry:    registry,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.AdminRateWindow, cfg.AdminRateBurst, nil),
	})

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("timeline service listening", logging.String("addr", cfg.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		archiver.Run(groupCtx, archiveInterval)
		return nil
	})
	group.Go(func() error {
		sweeper.Run(groupCtx, cfg.SnapshotSweepInterval)
		return nil
	})
	if store != nil {
		group.Go(func() error {
			runPredictionCleanup(groupCtx, store, logger)
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Fatal("timeline service failed", logging.Error(err))
	}
	if err := archiver.Flush(); err != nil {
		logger.Warn("final archive flush failed", logging.Error(err))
	}
	logger.Info("timeline service stopped")
}

// runPredictionCleanup periodically drops expired forecast rows so the
// per-class tables hold only recent synthetic history.
func runPredictionCleanup(ctx context.Context, store *predstore.Store, logger *logging.Logger) {
	ticker := time.NewTicker(predictionCleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UnixMilli() - predictionMaxAgeMs
			for entityType := range predstore.Tables() {
				removed, err := store.CleanupOldPredictions(ctx, entityType, cutoff)
				if err != nil {
					logger.Warn("prediction cleanup failed",
						logging.String("entity_type", string(entityType)), logging.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("prediction cleanup removed rows",
						logging.String("entity_type", string(entityType)),
						logging.Int64("removed", removed))
				}
			}
		}
	}
}
