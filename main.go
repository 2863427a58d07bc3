package main

import (
	"context"
	"errors"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"copytrade-core/internal/aggregate"
	"copytrade-core/internal/api"
	"copytrade-core/internal/dispatch"
	"copytrade-core/internal/events"
	"copytrade-core/internal/execution"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/reconciliation"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/signal"
	"copytrade-core/pkg/cache"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/platform"
)

const buildVersion = "0.3.0"

// feedChecker gates signal ingestion on the master's registered platform
// connection. Masters with no registered connection are admitted; a
// registered connection that is inactive or out of sync rejects the feed.
type feedChecker struct {
	queries *db.Queries
}

func (f feedChecker) SourceConnected(ctx context.Context, masterID, platformName string) bool {
	conn, err := f.queries.FindConnection(ctx, masterID, platformName)
	if errors.Is(err, db.ErrNotFound) {
		return true
	}
	if err != nil {
		log.Printf("connection lookup for %s/%s: %v", masterID, platformName, err)
		return false
	}
	return conn.Active && conn.SyncStatus == db.SyncConnected
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("Starting replication core v%s on port %s", buildVersion, cfg.Port)
	log.Printf("Using database at %s", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("database migrations failed: %v", err)
	}
	queries := database.Queries()

	sysMetrics := monitor.NewSystemMetrics()

	// Relationship cache with a short TTL; commands invalidate eagerly.
	relCache := cache.NewShardedRelationshipCache(time.Second)
	loader := cache.NewLoader(relCache, queries)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				relCache.Cleanup()
			}
		}
	}()

	// Platform registry from platforms.yaml, plus the simulator.
	platformCfg, err := config.LoadPlatforms(cfg.PlatformsPath)
	if err != nil {
		log.Fatalf("platform registry load failed: %v", err)
	}
	registry := platform.NewRegistry()
	simCfg := platform.SimConfig{
		FillRatio:    cfg.SimFillRatio,
		FeeRate:      cfg.SimFeeRate,
		SlippageBps:  cfg.SimSlippageBps,
		LatencyMinMs: cfg.SimLatencyMinMs,
		LatencyMaxMs: cfg.SimLatencyMaxMs,
	}
	if len(platformCfg.Platforms) == 0 {
		registry.Register(platform.NewSimAdapter("sim", simCfg), 600, 50)
		log.Printf("No platform registry file, running with simulator only")
	}
	for _, spec := range platformCfg.Platforms {
		// Every configured venue runs on the simulator adapter until live
		// adapters are wired per platform.
		registry.Register(platform.NewSimAdapter(spec.Name, simCfg), spec.RatePerMinute, spec.Burst)
		log.Printf("Platform %s registered (%d orders/min, burst %d)", spec.Name, spec.RatePerMinute, spec.Burst)
	}

	// Risk governor
	governor, err := risk.NewGovernor(ctx, queries, relCache, platformCfg, bus)
	if err != nil {
		log.Fatalf("risk governor init failed: %v", err)
	}

	// Session queue with WAL recovery
	var queue *execution.PersistentQueue
	if cfg.EnableSessionWAL {
		queue, err = execution.NewPersistentQueue(cfg.SessionWALPath, 1000)
		if err != nil {
			log.Fatalf("session queue init failed: %v", err)
		}
		if err := queue.Recover(); err != nil {
			log.Fatalf("session queue recovery failed: %v", err)
		}
	} else {
		queue, err = execution.NewPersistentQueue(os.TempDir(), 1000)
		if err != nil {
			log.Fatalf("session queue init failed: %v", err)
		}
	}
	defer queue.Close()

	// Signal pipeline
	normalizer := signal.NewNormalizer(queries, bus, sysMetrics, feedChecker{queries: queries},
		time.Duration(cfg.DedupWindowMs)*time.Millisecond)
	dispatcher := dispatch.NewDispatcher(queries, governor, platformCfg, queue, bus, sysMetrics)

	// Execution workers
	pool := execution.NewPool(cfg, queries, loader, registry, governor, bus, sysMetrics, queue)
	if cfg.ExecutionEnabled {
		pool.Start(ctx)
	} else {
		log.Printf("⚠️ Execution disabled, sessions will queue without running")
	}

	// Performance aggregation
	aggregator := aggregate.NewAggregator(queries, bus,
		time.Duration(cfg.SnapshotIntervalSec)*time.Second)
	aggregator.Start(ctx)

	// Startup + periodic reconciliation: fail sessions orphaned in the
	// executing state and resync the exposure book from durable fills.
	reconciler := reconciliation.NewService(queries, governor, bus,
		time.Duration(cfg.ReconcileIntervalSec)*time.Second,
		time.Duration(cfg.SessionStaleSec)*time.Second)
	reconciler.Start(ctx)

	// Risk alert stream
	alerts := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}}
	alerts.Start(ctx)

	// API
	server := api.NewServer(
		bus,
		queries,
		loader,
		governor,
		normalizer,
		dispatcher,
		aggregator,
		registry,
		queue,
		sysMetrics,
		api.SystemMeta{
			Version:   buildVersion,
			Platforms: registry.Names(),
			Execution: cfg.ExecutionEnabled,
		},
		cfg.JWTSecret,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("API server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down")

	cancel()
	if cfg.ExecutionEnabled {
		pool.Stop()
	}
}
