package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"copytrade-core/internal/aggregate"
	"copytrade-core/internal/dispatch"
	"copytrade-core/internal/events"
	"copytrade-core/internal/execution"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/signal"
	"copytrade-core/pkg/cache"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/platform"
)

// replication_demo runs the whole pipeline in memory against the simulator:
// normalize a master signal, fan it out to two followers, execute the
// replicas, and print the resulting sessions and metrics. It does not touch
// any venue or on-disk database.
//
// Usage:
//   go run ./scripts/replication_demo
//
// It will:
//   1) Replicate one BUY signal to two followers with different allocations.
//   2) Replay the same signal to show dedup and idempotent dispatch.
//   3) Send a signal for a symbol outside one follower's allow-list.

type openFeeds struct{}

func (openFeeds) SourceConnected(context.Context, string, string) bool { return true }

func main() {
	log.Println("=== Replication demo starting ===")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	queries := database.Queries()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	platformCfg := &config.Platforms{Platforms: []config.PlatformSpec{
		{Name: "sim", RatePerMinute: 600, Burst: 50, MinIncrement: 0.0001},
	}}
	registry := platform.NewRegistry()
	registry.Register(platform.NewSimAdapter("sim", platform.SimConfig{
		FillRatio: 1.0, FeeRate: 0.0004, SlippageBps: 2,
	}), 600, 50)

	governor, err := risk.NewGovernor(ctx, queries, nil, platformCfg, bus)
	if err != nil {
		log.Fatalf("risk governor: %v", err)
	}

	walDir, err := os.MkdirTemp("", "replication-demo-wal")
	if err != nil {
		log.Fatalf("wal dir: %v", err)
	}
	defer os.RemoveAll(walDir)
	queue, err := execution.NewPersistentQueue(walDir, 64)
	if err != nil {
		log.Fatalf("session queue: %v", err)
	}
	defer queue.Close()

	normalizer := signal.NewNormalizer(queries, bus, metrics, openFeeds{}, 2*time.Second)
	dispatcher := dispatch.NewDispatcher(queries, governor, platformCfg, queue, bus, metrics)

	relCache := cache.NewShardedRelationshipCache(time.Second)
	loader := cache.NewLoader(relCache, queries)

	cfg := &config.Config{MaxRetries: 3, RetryBaseMs: 200, RetryCapMs: 2000, SLAThresholdMs: 250}
	pool := execution.NewPool(cfg, queries, loader, registry, governor, bus, metrics, queue)
	pool.Start(ctx)
	defer pool.Stop()

	aggregator := aggregate.NewAggregator(queries, bus, time.Minute)
	aggregator.Start(ctx)

	seed(ctx, queries)

	log.Println("[SCENARIO 1] BUY signal fans out to both followers")
	ingest(ctx, normalizer, dispatcher, signal.RawEvent{
		MasterID: "demo-master", Symbol: "BTCUSDT", Side: "BUY",
		Quantity: 1.0, Price: 45000, Platform: "sim", Timestamp: time.Now().UTC(),
	})
	waitForIdle(queue)

	log.Println("[SCENARIO 2] Replayed signal is deduplicated")
	ingest(ctx, normalizer, dispatcher, signal.RawEvent{
		MasterID: "demo-master", Symbol: "BTCUSDT", Side: "BUY",
		Quantity: 1.0, Price: 45000, Platform: "sim", Timestamp: time.Now().UTC(),
	})

	log.Println("[SCENARIO 3] Symbol outside follower-2's allow-list is vetoed")
	ingest(ctx, normalizer, dispatcher, signal.RawEvent{
		MasterID: "demo-master", Symbol: "DOGEUSDT", Side: "BUY",
		Quantity: 100, Price: 0.2, Platform: "sim", Timestamp: time.Now().UTC(),
	})
	waitForIdle(queue)

	report(ctx, queries, aggregator)
	log.Println("=== Replication demo finished ===")
}

func seed(ctx context.Context, queries *db.Queries) {
	must(queries.CreateMasterTrader(ctx, db.MasterTrader{
		ID: "demo-master", DisplayName: "Demo Master", Strategy: "momentum",
		RiskLevel: "medium", NotionalCapital: 100000, MaxFollowers: 100,
		AcceptingFollowers: true,
	}))
	must(queries.CreateRelationship(ctx, db.Relationship{
		ID: "demo-rel-1", FollowerID: "follower-1", MasterID: "demo-master",
		ConnectionID: "conn-1", Status: db.RelationshipActive,
		AllocatedCapital: 10000, SizingPolicy: db.SizingProportional,
		Replication: db.ReplicationSettings{AllowPartialFills: true},
	}))
	must(queries.CreateRelationship(ctx, db.Relationship{
		ID: "demo-rel-2", FollowerID: "follower-2", MasterID: "demo-master",
		ConnectionID: "conn-2", Status: db.RelationshipActive,
		AllocatedCapital: 25000, SizingPolicy: db.SizingProportional,
		Limits:      db.RiskLimits{AllowedSymbols: []string{"BTCUSDT", "ETHUSDT"}},
		Replication: db.ReplicationSettings{AllowPartialFills: true},
	}))
}

func ingest(ctx context.Context, normalizer *signal.Normalizer, dispatcher *dispatch.Dispatcher, ev signal.RawEvent) {
	sig, err := normalizer.Normalize(ctx, ev)
	if errors.Is(err, signal.ErrDuplicate) {
		log.Printf("  signal dropped as duplicate")
		return
	}
	if err != nil {
		log.Fatalf("normalize: %v", err)
	}
	queued, err := dispatcher.Dispatch(ctx, sig)
	if err != nil {
		log.Fatalf("dispatch: %v", err)
	}
	log.Printf("  signal %s queued %d replica sessions", sig.ID, queued)
}

func waitForIdle(queue *execution.PersistentQueue) {
	deadline := time.Now().Add(5 * time.Second)
	for queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	// Let in-flight workers finish their database writes.
	time.Sleep(300 * time.Millisecond)
}

func report(ctx context.Context, queries *db.Queries, aggregator *aggregate.Aggregator) {
	sessions, err := queries.ListRecentSessions(ctx, 20)
	must(err)
	log.Printf("Sessions (%d):", len(sessions))
	for _, s := range sessions {
		log.Printf("  %s rel=%s status=%s qty=%.4f retries=%d reason=%q",
			s.ID[:8], s.RelationshipID, s.Status, s.Quantity, s.RetryCount, s.Reason)
	}

	for _, rel := range []string{"demo-rel-1", "demo-rel-2"} {
		row, err := aggregator.Stats(ctx, aggregate.ScopeRelationship, rel)
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("Metrics %s: no fills yet", rel)
			continue
		}
		must(err)
		log.Printf("Metrics %s: trades=%d success=%.0f%% pnl=%.2f avg_delay=%.0fms",
			rel, row.TotalTrades, row.SuccessRate*100, row.TotalPnL, row.AvgDelayMs)
	}
}

func must(err error) {
	if err != nil {
		log.Fatalf("demo setup: %v", err)
	}
}
