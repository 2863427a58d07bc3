package risk

import (
	"context"
	"testing"
	"time"

	"copytrade-core/pkg/db"
)

type staticGroups map[string][]string

func (g staticGroups) GroupOf(symbol string) []string {
	for _, members := range g {
		for _, m := range members {
			if m == symbol {
				return members
			}
		}
	}
	return nil
}

func candidate(symbol string, qty, leverage float64) Candidate {
	return Candidate{
		Signal: db.TradeSignal{
			ID: "sig1", MasterID: "m1", Symbol: symbol, Side: "BUY",
			Quantity: 1, Price: 45000, Leverage: leverage,
		},
		Quantity: qty,
	}
}

func TestEvaluateOrder(t *testing.T) {
	groups := staticGroups{"btc-beta": {"BTCUSDT", "ETHUSDT"}}

	t.Run("clean candidate passes", func(t *testing.T) {
		limits := db.RiskLimits{AllowedSymbols: []string{"BTCUSDT"}, MaxDailyLoss: 500}
		if v := Evaluate(limits, 0, candidate("BTCUSDT", 0.1, 1), Snapshot{DailyLoss: 100}, groups); v != nil {
			t.Errorf("expected pass, got %v", v)
		}
	})

	t.Run("symbol allow-list", func(t *testing.T) {
		limits := db.RiskLimits{AllowedSymbols: []string{"ETHUSDT"}}
		v := Evaluate(limits, 0, candidate("BTCUSDT", 0.1, 1), Snapshot{}, groups)
		if v == nil || v.Code != CodeSymbolNotAllowed {
			t.Errorf("expected symbol veto, got %v", v)
		}
	})

	t.Run("leverage cap", func(t *testing.T) {
		limits := db.RiskLimits{LeverageCaps: map[string]float64{"BTCUSDT": 5}}
		v := Evaluate(limits, 0, candidate("BTCUSDT", 0.1, 10), Snapshot{}, groups)
		if v == nil || v.Code != CodeLeverageCap {
			t.Errorf("expected leverage veto, got %v", v)
		}
	})

	t.Run("position size uses projected exposure", func(t *testing.T) {
		v := Evaluate(db.RiskLimits{}, 0.5, candidate("BTCUSDT", 0.3, 1), Snapshot{OpenExposure: 0.3}, groups)
		if v == nil || v.Code != CodeMaxPositionSize {
			t.Errorf("expected position size veto, got %v", v)
		}
	})

	t.Run("daily loss suspends", func(t *testing.T) {
		limits := db.RiskLimits{MaxDailyLoss: 500}
		v := Evaluate(limits, 0, candidate("BTCUSDT", 0.1, 1), Snapshot{DailyLoss: 520}, groups)
		if v == nil || v.Code != CodeMaxDailyLoss || !v.Suspend {
			t.Errorf("expected suspending daily-loss veto, got %v", v)
		}
	})

	t.Run("drawdown suspends", func(t *testing.T) {
		limits := db.RiskLimits{MaxDrawdown: 0.2}
		v := Evaluate(limits, 0, candidate("BTCUSDT", 0.1, 1), Snapshot{Drawdown: 0.25}, groups)
		if v == nil || v.Code != CodeMaxDrawdown || !v.Suspend {
			t.Errorf("expected suspending drawdown veto, got %v", v)
		}
	})

	t.Run("correlation against open positions", func(t *testing.T) {
		limits := db.RiskLimits{MaxCorrelation: 0.5}
		v := Evaluate(limits, 0, candidate("BTCUSDT", 0.1, 1), Snapshot{OpenSymbols: []string{"ETHUSDT"}}, groups)
		if v == nil || v.Code != CodeCorrelation {
			t.Errorf("expected correlation veto, got %v", v)
		}
		// Ungrouped open symbol does not trip the cap.
		v = Evaluate(limits, 0, candidate("BTCUSDT", 0.1, 1), Snapshot{OpenSymbols: []string{"EURUSD"}}, groups)
		if v != nil {
			t.Errorf("expected pass against uncorrelated symbol, got %v", v)
		}
	})

	t.Run("circuit breaker last", func(t *testing.T) {
		limits := db.RiskLimits{CircuitBreaker: true}
		v := Evaluate(limits, 0, candidate("BTCUSDT", 0.1, 1), Snapshot{}, groups)
		if v == nil || v.Code != CodeCircuitBreaker {
			t.Errorf("expected circuit breaker veto, got %v", v)
		}
	})

	t.Run("first failing check wins", func(t *testing.T) {
		// Both the leverage cap and the daily-loss limit are violated; the
		// leverage check runs first.
		limits := db.RiskLimits{
			LeverageCaps: map[string]float64{"BTCUSDT": 5},
			MaxDailyLoss: 500,
		}
		v := Evaluate(limits, 0, candidate("BTCUSDT", 0.1, 10), Snapshot{DailyLoss: 600}, groups)
		if v == nil || v.Code != CodeLeverageCap {
			t.Errorf("expected leverage veto to win, got %v", v)
		}
	})
}

func newGovernorWithStore(t *testing.T) (*Governor, *db.Queries) {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	g, err := NewGovernor(context.Background(), d.Queries(), nil, staticGroups{}, nil)
	if err != nil {
		t.Fatalf("new governor: %v", err)
	}
	return g, d.Queries()
}

func TestGateSuspendsRelationship(t *testing.T) {
	g, q := newGovernorWithStore(t)
	ctx := context.Background()

	if err := q.CreateMasterTrader(ctx, db.MasterTrader{ID: "m1", DisplayName: "m"}); err != nil {
		t.Fatalf("seed master: %v", err)
	}
	rel := db.Relationship{
		ID: "r1", FollowerID: "f1", MasterID: "m1", Status: db.RelationshipActive,
		AllocatedCapital: 10000, SizingPolicy: db.SizingProportional,
		Limits: db.RiskLimits{MaxDailyLoss: 500},
	}
	if err := q.CreateRelationship(ctx, rel); err != nil {
		t.Fatalf("seed relationship: %v", err)
	}

	// Today's realized loss already exceeds the cap.
	if err := q.UpsertMetricsRow(ctx, db.MetricsRow{
		Scope: "relationship", Key: "r1",
		DailyPnL: -520, DailyDate: time.Now().UTC().Format("2006-01-02"),
	}); err != nil {
		t.Fatalf("seed metrics: %v", err)
	}

	// A pending session that must be dropped on suspension.
	if err := q.InsertSignal(ctx, db.TradeSignal{ID: "sig0", MasterID: "m1", Symbol: "BTCUSDT", Side: "BUY", Quantity: 1, Platform: "sim", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("seed signal: %v", err)
	}
	if err := q.CreateSession(ctx, db.Session{ID: "s0", SignalID: "sig0", RelationshipID: "r1", Status: db.SessionPending}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	veto := g.Gate(ctx, rel, candidate("BTCUSDT", 0.1, 1))
	if veto == nil || veto.Code != CodeMaxDailyLoss {
		t.Fatalf("expected daily-loss veto, got %v", veto)
	}

	got, err := q.GetRelationship(ctx, "r1")
	if err != nil {
		t.Fatalf("reload relationship: %v", err)
	}
	if got.Status != db.RelationshipSuspended {
		t.Errorf("expected suspended, got %s", got.Status)
	}
	s0, _ := q.GetSession(ctx, "s0")
	if s0.Status != db.SessionCancelled {
		t.Errorf("pending session should be cancelled, got %s", s0.Status)
	}
}

func TestExposureBook(t *testing.T) {
	g, _ := newGovernorWithStore(t)

	g.RecordFill("r1", "BTCUSDT", "BUY", 0.5)
	g.RecordFill("r1", "BTCUSDT", "BUY", 0.25)
	if e := g.Exposure("r1", "BTCUSDT"); e != 0.75 {
		t.Errorf("expected 0.75, got %v", e)
	}

	g.RecordFill("r1", "BTCUSDT", "SELL", 0.75)
	if e := g.Exposure("r1", "BTCUSDT"); e != 0 {
		t.Errorf("expected flat, got %v", e)
	}
	if syms := g.openSymbols("r1"); syms != nil {
		t.Errorf("expected no open symbols, got %v", syms)
	}
}
