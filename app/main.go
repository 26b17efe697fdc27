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

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/tube-comb/app/api"
	"github.com/lysyi3m/tube-comb/app/cache"
	"github.com/lysyi3m/tube-comb/app/cfg"
	"github.com/lysyi3m/tube-comb/app/channels"
	"github.com/lysyi3m/tube-comb/app/database"
	"github.com/lysyi3m/tube-comb/app/dispatch"
	"github.com/lysyi3m/tube-comb/app/ingest"
	"github.com/lysyi3m/tube-comb/app/quota"
	"github.com/lysyi3m/tube-comb/app/syncer"
	"github.com/lysyi3m/tube-comb/app/tasks"
	"github.com/lysyi3m/tube-comb/app/youtube"
)

type cacheBackend interface {
	cache.Store
	cache.QuotaStore
}

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if appCfg == nil {
		return
	}

	setupLogger(appCfg.Debug)
	gin.SetMode(gin.ReleaseMode)

	slog.Info("Starting Tube Comb server", "version", appCfg.Version)

	if err := run(appCfg); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Tube Comb server shutdown complete")
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func run(appCfg *cfg.Cfg) error {
	ctx := context.Background()

	db, err := database.NewConnection(ctx, database.Config{
		Driver:   appCfg.DBDriver,
		Host:     appCfg.DBHost,
		Port:     appCfg.DBPort,
		User:     appCfg.DBUser,
		Password: appCfg.DBPassword,
		Name:     appCfg.DBName,
		SSLMode:  appCfg.DBSSLMode,
		Path:     appCfg.DBPath,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database ready", "dialect", db.Dialect, "schema_version", version, "dirty", dirty)

	configCache := channels.NewConfigCache(appCfg.ChannelsDir)
	if err := configCache.Run(); err != nil {
		return fmt.Errorf("failed to load channel configurations: %w", err)
	}
	slog.Info("Channel configurations loaded", "dir", appCfg.ChannelsDir, "count", configCache.GetConfigCount())

	var store cacheBackend
	var cacheHealth api.HealthChecker
	if appCfg.RedisAddr != "" {
		redisStore, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     appCfg.RedisAddr,
			Password: appCfg.RedisPassword,
			DB:       appCfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer redisStore.Close()
		store = redisStore
		cacheHealth = redisStore
	} else {
		slog.Warn("REDIS_ADDR not set, using in-memory cache")
		store = cache.NewMemoryStore()
	}

	creds := quota.NewCredentials(appCfg.YouTubeAPIKeys)
	ledger := quota.NewLedger(quota.CredentialIDs(creds), appCfg.QuotaPerKey, quota.PacificEpoch())
	if states, err := store.LoadQuota(ctx, quota.CredentialIDs(creds)); err != nil {
		slog.Warn("Failed to restore quota snapshot, starting fresh", "error", err)
	} else if restored := ledger.Restore(states); restored > 0 {
		slog.Info("Quota snapshot restored", "credentials", restored)
	}
	pool := quota.NewPool(ledger, creds)

	httpClient := &http.Client{Timeout: time.Duration(appCfg.FetchTimeout) * time.Second}
	client, err := youtube.NewClient(ctx, httpClient, appCfg.UserAgent)
	if err != nil {
		return err
	}
	fetcherOpts := youtube.DefaultOptions()
	fetcherOpts.MaxRetries = appCfg.FetchRetries
	fetcherOpts.CallTimeout = time.Duration(appCfg.FetchTimeout) * time.Second
	fetcher := youtube.NewFetcher(client, fetcherOpts)

	dispatcher := dispatch.NewDispatcher(db, cache.NewWriter(store), dispatch.DefaultOptions())

	orchestrator := syncer.NewOrchestrator(db, fetcher, pool, dispatcher, syncer.Limits{
		MaxVideosInitial: appCfg.MaxVideosInitial,
		MaxVideosPerRun:  appCfg.MaxVideosPerRun,
		CommentsPerVideo: appCfg.CommentsPerVideo,
	})
	if !appCfg.DisableFeedCheck {
		orchestrator.SetFeedChecker(youtube.NewFeedChecker(httpClient, appCfg.UserAgent))
	}

	channelRepo := database.NewChannelRepository(db)

	slog.Info("Starting background scheduler", "workers", appCfg.WorkerCount, "interval", appCfg.SchedulerInterval, "credentials", pool.Size())
	scheduler := tasks.NewScheduler(configCache, channelRepo, orchestrator, dispatcher, ledger, store, tasks.Options{
		Interval:    time.Duration(appCfg.SchedulerInterval) * time.Second,
		WorkerCount: appCfg.WorkerCount,
		OutboxBatch: appCfg.OutboxBatchSize,
	})
	scheduler.Start()

	handler := api.NewHandler(api.Deps{
		ConfigCache: configCache,
		Channels:    channelRepo,
		Ingestor:    ingest.NewIngestor(db),
		Scheduler:   scheduler,
		Quota:       ledger,
		Outbox:      dispatcher,
		Database:    db,
		Cache:       cacheHealth,
	})
	server := api.NewServer(handler, appCfg.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case runErr = <-serverErrChan:
	}

	slog.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	scheduler.Stop()
	slog.Info("Background scheduler stopped")

	// Final snapshot for the next start.
	if err := store.SaveQuota(shutdownCtx, ledger.Snapshot()); err != nil {
		slog.Warn("Failed to persist quota snapshot", "error", err)
	}

	return runErr
}
