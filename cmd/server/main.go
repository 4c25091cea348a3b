package main

import (
	"context"
	"devicefleet/internal/adb"
	"devicefleet/internal/api"
	"devicefleet/internal/broker"
	"devicefleet/internal/config"
	"devicefleet/internal/dedup"
	"devicefleet/internal/directory"
	"devicefleet/internal/driver"
	"devicefleet/internal/fleetsync"
	"devicefleet/internal/health"
	"devicefleet/internal/history"
	"devicefleet/internal/modules"
	"devicefleet/internal/notify"
	"devicefleet/internal/observability"
	"devicefleet/internal/worker"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	logger := observability.NewLogger("devicefleet")

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// 1. Task store
	brk := broker.NewRedisBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
		broker.WithLeaseTTL(cfg.LeaseTTL),
		broker.WithOrphanRequeue(cfg.LeasePolicy == config.LeaseRequeue),
		broker.WithRetention(cfg.TaskRetention),
	)
	defer brk.Close()
	if err := brk.Ping(ctx); err != nil {
		log.Fatalf("❌ Redis unavailable at %s: %v", cfg.RedisAddr, err)
	}

	// 2. Endpoint directory
	dir, err := directory.Open(cfg.DirectoryDB)
	if err != nil {
		log.Fatalf("❌ Failed to open directory: %v", err)
	}
	defer dir.Close()

	// 3. Device driver
	adbClient, err := adb.Dial(
		adb.ServerConfig{PathToAdb: cfg.ADBPath, Host: cfg.ADBHost, Port: cfg.ADBPort},
		adb.WithBaseResolution(cfg.BaseWidth, cfg.BaseHeight),
	)
	if err != nil {
		log.Fatalf("❌ Failed to reach adb server: %v", err)
	}
	registry := driver.NewRegistry()
	registry.RegisterModule(modules.NewMessageModule(adbClient))
	registry.MarkUnsupported(modules.Unsupported...)
	log.Printf("🧩 Driver actions: %v", registry.Actions())

	// 4. Optional task history
	var archive *history.Store
	if cfg.HistoryURL != "" {
		archive, err = history.NewStore(ctx, cfg.HistoryURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect task history: %v", err)
		}
		defer archive.Close()
		if err := archive.Migrate(ctx); err != nil {
			log.Fatalf("❌ Failed to migrate task history: %v", err)
		}
	}

	// 5. Worker pool
	poolOpts := []worker.Option{
		worker.WithLogger(logger.With("component", "worker")),
		worker.WithConfig(worker.Config{
			PollInterval: cfg.PollInterval,
			RetryBackoff: cfg.RetryBackoff,
			Cooldown:     cfg.Cooldown,
			MaxAttempts:  worker.DefaultConfig().MaxAttempts,
		}),
	}
	if archive != nil {
		poolOpts = append(poolOpts, worker.WithArchiver(archive))
	}
	pool := worker.NewManager(brk, registry, poolOpts...)

	// 6. Fleet sync: initial boot reconcile, then periodic hot reload
	syncer := fleetsync.NewSyncer(adbClient, dir, pool,
		fleetsync.WithInterval(cfg.SyncInterval),
		fleetsync.WithLogger(logger.With("component", "fleetsync")),
	)

	// 7. Health monitor
	healthCfg := health.DefaultConfig()
	healthCfg.Interval = cfg.HealthInterval
	monitor := health.NewMonitor(dir, adbClient,
		health.WithConfig(healthCfg),
		health.WithLogger(logger.With("component", "health")),
	)

	var background sync.WaitGroup
	run := func(fn func(context.Context)) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn(ctx)
		}()
	}
	run(syncer.Start)
	run(monitor.Run)

	// 8. Event poller
	if cfg.WebhookURL != "" {
		var seen dedup.Deduper = dedup.NewCache()
		if cfg.DedupBackend == config.DedupRedis {
			seen = dedup.NewRedisDeduper(brk.InternalClient(), dedup.DefaultTTL)
		}
		poller := notify.NewPoller(adbClient, syncer.Aliases, seen, cfg.WebhookURL,
			notify.WithInterval(cfg.NotifyInterval),
			notify.WithEventLog(brk),
			notify.WithLogger(logger.With("component", "notify")),
		)
		run(poller.Run)
	} else {
		log.Println("⚠️ N8N_WEBHOOK_URL not set, event poller disabled")
	}

	// 9. HTTP facade
	apiOpts := []api.Option{
		api.WithHealth(monitor),
		api.WithFleet(syncer),
		api.WithLogger(logger.With("component", "api")),
	}
	if archive != nil {
		apiOpts = append(apiOpts, api.WithHistory(archive))
	}
	server := api.NewServer(brk, pool, dir, apiOpts...)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server running on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	monitor.Stop()
	background.Wait()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool did not drain", "err", err)
	}
	log.Println("👋 Bye")
}
