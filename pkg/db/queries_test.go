package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return d
}

func seedMaster(t *testing.T, q *Queries, id string) {
	t.Helper()
	err := q.CreateMasterTrader(context.Background(), MasterTrader{
		ID:                 id,
		DisplayName:        "Master " + id,
		Strategy:           "momentum",
		RiskLevel:          "medium",
		NotionalCapital:    100000,
		MaxFollowers:       500,
		AcceptingFollowers: true,
	})
	if err != nil {
		t.Fatalf("seed master %s: %v", id, err)
	}
}

func seedRelationship(t *testing.T, q *Queries, id, follower, master string) {
	t.Helper()
	err := q.CreateRelationship(context.Background(), Relationship{
		ID:               id,
		FollowerID:       follower,
		MasterID:         master,
		ConnectionID:     "conn-" + follower,
		Status:           RelationshipActive,
		AllocatedCapital: 10000,
		SizingPolicy:     SizingProportional,
		Limits: RiskLimits{
			MaxDailyLoss:   500,
			MaxDrawdown:    0.2,
			AllowedSymbols: []string{"BTCUSDT", "ETHUSDT"},
			LeverageCaps:   map[string]float64{"BTCUSDT": 5},
		},
		Replication: ReplicationSettings{TargetDelayMs: 250, AllowPartialFills: true},
	})
	if err != nil {
		t.Fatalf("seed relationship %s: %v", id, err)
	}
}

func TestMasterTraderQueries(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		seedMaster(t, q, "m1")
		m, err := q.GetMasterTrader(ctx, "m1")
		if err != nil {
			t.Fatalf("get master: %v", err)
		}
		if m.DisplayName != "Master m1" || !m.AcceptingFollowers {
			t.Errorf("unexpected master: %+v", m)
		}
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		err := q.CreateMasterTrader(ctx, MasterTrader{ID: "m1", DisplayName: "dup"})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("missing returns not found", func(t *testing.T) {
		_, err := q.GetMasterTrader(ctx, "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("snapshot and sorted listing", func(t *testing.T) {
		seedMaster(t, q, "m2")
		if err := q.UpdateMasterSnapshot(ctx, "m1", 0.42, 1.8, 0.12, 0.65, 2.1); err != nil {
			t.Fatalf("update snapshot: %v", err)
		}
		list, err := q.ListMasterTraders(ctx, MasterFilter{SortKey: "total_return", SortDesc: true})
		if err != nil {
			t.Fatalf("list masters: %v", err)
		}
		if len(list) != 2 || list[0].ID != "m1" {
			t.Errorf("expected m1 first by return, got %+v", list)
		}
	})

	t.Run("strategy filter", func(t *testing.T) {
		list, err := q.ListMasterTraders(ctx, MasterFilter{Strategy: "scalping"})
		if err != nil {
			t.Fatalf("list masters: %v", err)
		}
		if len(list) != 0 {
			t.Errorf("expected no scalping masters, got %d", len(list))
		}
	})

	t.Run("follower count never negative", func(t *testing.T) {
		if err := q.AdjustFollowerCount(ctx, "m2", -3); err != nil {
			t.Fatalf("adjust count: %v", err)
		}
		m, _ := q.GetMasterTrader(ctx, "m2")
		if m.FollowerCount != 0 {
			t.Errorf("expected clamped follower count 0, got %d", m.FollowerCount)
		}
	})
}

func TestRelationshipQueries(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	seedMaster(t, q, "m1")

	t.Run("create and round trip limits", func(t *testing.T) {
		seedRelationship(t, q, "r1", "f1", "m1")
		r, err := q.GetRelationship(ctx, "r1")
		if err != nil {
			t.Fatalf("get relationship: %v", err)
		}
		if len(r.Limits.AllowedSymbols) != 2 || r.Limits.AllowedSymbols[0] != "BTCUSDT" {
			t.Errorf("allowed symbols lost: %+v", r.Limits.AllowedSymbols)
		}
		if r.Limits.LeverageCaps["BTCUSDT"] != 5 {
			t.Errorf("leverage caps lost: %+v", r.Limits.LeverageCaps)
		}
		if r.Replication.TargetDelayMs != 250 || !r.Replication.AllowPartialFills {
			t.Errorf("replication settings lost: %+v", r.Replication)
		}
	})

	t.Run("duplicate live follow conflicts", func(t *testing.T) {
		err := q.CreateRelationship(ctx, Relationship{
			ID: "r2", FollowerID: "f1", MasterID: "m1",
			Status: RelationshipActive, AllocatedCapital: 5000,
			SizingPolicy: SizingFixed,
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate follow, got %v", err)
		}
	})

	t.Run("refollow allowed after soft delete", func(t *testing.T) {
		if err := q.SoftDeleteRelationship(ctx, "r1"); err != nil {
			t.Fatalf("soft delete: %v", err)
		}
		seedRelationship(t, q, "r3", "f1", "m1")

		// Deleted row stays readable by id.
		r, err := q.GetRelationship(ctx, "r1")
		if err != nil {
			t.Fatalf("get deleted relationship: %v", err)
		}
		if r.DeletedAt == nil || r.Status != RelationshipStopped {
			t.Errorf("expected stopped+deleted, got status=%s deleted=%v", r.Status, r.DeletedAt)
		}
	})

	t.Run("status transitions skip deleted rows", func(t *testing.T) {
		if err := q.UpdateRelationshipStatus(ctx, "r1", RelationshipPaused); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound updating deleted row, got %v", err)
		}
		if err := q.UpdateRelationshipStatus(ctx, "r3", RelationshipPaused); err != nil {
			t.Fatalf("pause r3: %v", err)
		}
	})

	t.Run("active listing by master excludes paused and deleted", func(t *testing.T) {
		seedRelationship(t, q, "r4", "f2", "m1")
		list, err := q.ListActiveByMaster(ctx, "m1")
		if err != nil {
			t.Fatalf("list by master: %v", err)
		}
		if len(list) != 1 || list[0].ID != "r4" {
			t.Errorf("expected only r4 active, got %+v", list)
		}
	})

	t.Run("follower listing excludes deleted", func(t *testing.T) {
		list, err := q.ListByFollower(ctx, "f1")
		if err != nil {
			t.Fatalf("list by follower: %v", err)
		}
		if len(list) != 1 || list[0].ID != "r3" {
			t.Errorf("expected only r3 for f1, got %+v", list)
		}
	})
}

func TestSessionQueries(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	seedMaster(t, q, "m1")
	seedRelationship(t, q, "r1", "f1", "m1")

	sig := TradeSignal{
		ID: "sig1", MasterID: "m1", Symbol: "BTCUSDT", Side: "BUY",
		Quantity: 0.5, Price: 50000, OrderType: "MARKET",
		Platform: "sim", MasterCapital: 100000, Timestamp: time.Now().UTC(),
	}
	if err := q.InsertSignal(ctx, sig); err != nil {
		t.Fatalf("insert signal: %v", err)
	}

	t.Run("one session per signal and relationship", func(t *testing.T) {
		err := q.CreateSession(ctx, Session{ID: "s1", SignalID: "sig1", RelationshipID: "r1", Status: SessionPending, Quantity: 0.05})
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		err = q.CreateSession(ctx, Session{ID: "s1b", SignalID: "sig1", RelationshipID: "r1", Status: SessionPending, Quantity: 0.05})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate session, got %v", err)
		}
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		if err := q.ClaimSession(ctx, "s1"); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := q.ClaimSession(ctx, "s1"); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict on second claim, got %v", err)
		}
	})

	t.Run("finish records terminal fields", func(t *testing.T) {
		err := q.FinishSession(ctx, Session{
			ID: "s1", Status: SessionCompleted, Quantity: 0.05, RetryCount: 1,
			ReplicationDelayMs: 180, Slippage: 0.0004, FillQuality: 0.98,
		})
		if err != nil {
			t.Fatalf("finish session: %v", err)
		}
		s, err := q.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if s.Status != SessionCompleted || s.RetryCount != 1 || s.ReplicationDelayMs != 180 {
			t.Errorf("unexpected session: %+v", s)
		}
		if s.SLABreach {
			t.Error("sla breach should be false")
		}
	})

	t.Run("cancel pending leaves executing alone", func(t *testing.T) {
		for _, id := range []string{"s2", "s3"} {
			sid := "sig-" + id
			if err := q.InsertSignal(ctx, TradeSignal{ID: sid, MasterID: "m1", Symbol: "ETHUSDT", Side: "SELL", Quantity: 1, Platform: "sim", Timestamp: time.Now().UTC()}); err != nil {
				t.Fatalf("insert signal: %v", err)
			}
			if err := q.CreateSession(ctx, Session{ID: id, SignalID: sid, RelationshipID: "r1", Status: SessionPending, Quantity: 0.1}); err != nil {
				t.Fatalf("create session %s: %v", id, err)
			}
		}
		if err := q.ClaimSession(ctx, "s2"); err != nil {
			t.Fatalf("claim s2: %v", err)
		}

		n, err := q.CancelPendingByRelationship(ctx, "r1", "relationship paused")
		if err != nil {
			t.Fatalf("cancel pending: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 cancelled, got %d", n)
		}
		s3, _ := q.GetSession(ctx, "s3")
		if s3.Status != SessionCancelled || s3.Reason != "relationship paused" {
			t.Errorf("s3 not cancelled: %+v", s3)
		}
		s2, _ := q.GetSession(ctx, "s2")
		if s2.Status != SessionExecuting {
			t.Errorf("s2 should still be executing: %+v", s2)
		}
	})

	t.Run("reissue allowed after cancellation", func(t *testing.T) {
		err := q.CreateSession(ctx, Session{ID: "s3-retry", SignalID: "sig-s3", RelationshipID: "r1", Status: SessionPending, Quantity: 0.1})
		if err != nil {
			t.Fatalf("cancelled session should not block reissue: %v", err)
		}
	})
}

func TestExecutionResultQueries(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	seedMaster(t, q, "m1")
	seedRelationship(t, q, "r1", "f1", "m1")
	if err := q.InsertSignal(ctx, TradeSignal{ID: "sig1", MasterID: "m1", Symbol: "BTCUSDT", Side: "BUY", Quantity: 1, Platform: "sim", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("insert signal: %v", err)
	}
	if err := q.CreateSession(ctx, Session{ID: "s1", SignalID: "sig1", RelationshipID: "r1", Status: SessionPending}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	ids := []string{"res-a", "res-b", "res-c"}
	for attempt := 0; attempt < 3; attempt++ {
		err := q.InsertExecutionResult(ctx, ExecutionResult{
			ID: ids[attempt], SessionID: "s1", SignalID: "sig1",
			Attempt: attempt, Platform: "sim", Success: attempt == 2,
			FilledQty: 0.5, DelayMs: int64(100 + attempt*50), Terminal: attempt == 2,
		})
		if err != nil {
			t.Fatalf("insert result %d: %v", attempt, err)
		}
	}

	results, err := q.ListResultsBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[2].Terminal || !results[2].Success {
		t.Errorf("final attempt should be terminal success: %+v", results[2])
	}
	if results[0].Attempt != 0 || results[1].Attempt != 1 {
		t.Errorf("results not ordered by attempt: %+v", results)
	}
}

func TestGlobalLimitsAndConnections(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("global limits default empty", func(t *testing.T) {
		l, err := q.GetGlobalLimits(ctx)
		if err != nil {
			t.Fatalf("get limits: %v", err)
		}
		if l.CircuitBreaker || l.MaxDailyLoss != 0 {
			t.Errorf("expected zero limits, got %+v", l)
		}
	})

	t.Run("global limits upsert", func(t *testing.T) {
		set := RiskLimits{MaxDailyLoss: 10000, MaxDrawdown: 0.3, CircuitBreaker: true}
		if err := q.UpdateGlobalLimits(ctx, set); err != nil {
			t.Fatalf("update limits: %v", err)
		}
		got, err := q.GetGlobalLimits(ctx)
		if err != nil {
			t.Fatalf("get limits: %v", err)
		}
		if !got.CircuitBreaker || got.MaxDailyLoss != 10000 {
			t.Errorf("limits not persisted: %+v", got)
		}
	})

	t.Run("connection upsert and sync status", func(t *testing.T) {
		c := PlatformConnection{
			ID: "c1", OwnerID: "f1", Platform: "sim", ConnType: "api_key",
			Active: true, SyncStatus: SyncConnected, RateBudget: 120,
			RateResetAt: time.Now().UTC(),
		}
		if err := q.UpsertConnection(ctx, c); err != nil {
			t.Fatalf("upsert connection: %v", err)
		}
		if err := q.SetSyncStatus(ctx, "c1", SyncDisconnected); err != nil {
			t.Fatalf("set sync status: %v", err)
		}
		got, err := q.GetConnection(ctx, "c1")
		if err != nil {
			t.Fatalf("get connection: %v", err)
		}
		if got.SyncStatus != SyncDisconnected || got.RateBudget != 120 {
			t.Errorf("unexpected connection: %+v", got)
		}
	})
}

func TestMetricsQueries(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("event ledger is first writer wins", func(t *testing.T) {
		applied, err := q.MarkEventApplied(ctx, "s1", 0)
		if err != nil {
			t.Fatalf("mark applied: %v", err)
		}
		if !applied {
			t.Error("first application should report true")
		}
		applied, err = q.MarkEventApplied(ctx, "s1", 0)
		if err != nil {
			t.Fatalf("mark applied twice: %v", err)
		}
		if applied {
			t.Error("second application should report false")
		}
		// A different attempt is a different event.
		applied, _ = q.MarkEventApplied(ctx, "s1", 1)
		if !applied {
			t.Error("different attempt should apply")
		}
	})

	t.Run("metrics row upsert round trip", func(t *testing.T) {
		row := MetricsRow{
			Scope: "relationship", Key: "r1",
			TotalTrades: 10, Successful: 8, Failed: 2, SuccessRate: 0.8,
			AvgDelayMs: 140, TotalPnL: 320.5, DailyPnL: 12.5, DailyDate: "2026-08-29",
			PeakPnL: 400, MaxDrawdown: 0.19,
			ReturnMean: 0.004, ReturnM2: 0.0002, ReturnSamples: 10, DelayTotal: 1400,
		}
		if err := q.UpsertMetricsRow(ctx, row); err != nil {
			t.Fatalf("upsert metrics: %v", err)
		}
		row.TotalTrades = 11
		row.Successful = 9
		if err := q.UpsertMetricsRow(ctx, row); err != nil {
			t.Fatalf("upsert metrics again: %v", err)
		}
		got, err := q.GetMetricsRow(ctx, "relationship", "r1")
		if err != nil {
			t.Fatalf("get metrics: %v", err)
		}
		if got.TotalTrades != 11 || got.Successful != 9 || got.DailyDate != "2026-08-29" {
			t.Errorf("unexpected metrics row: %+v", got)
		}
	})

	t.Run("missing row returns not found", func(t *testing.T) {
		_, err := q.GetMetricsRow(ctx, "platform", "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
