package aggregate

import (
	"context"
	"math"
	"testing"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/db"
)

func newAggregator(t *testing.T) (*Aggregator, *db.Queries) {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	q := d.Queries()

	ctx := context.Background()
	if err := q.CreateMasterTrader(ctx, db.MasterTrader{ID: "m1", DisplayName: "Master", NotionalCapital: 100000}); err != nil {
		t.Fatalf("seed master: %v", err)
	}
	if err := q.CreateRelationship(ctx, db.Relationship{
		ID: "r1", FollowerID: "f1", MasterID: "m1", Status: db.RelationshipActive,
		AllocatedCapital: 10000, SizingPolicy: db.SizingProportional,
	}); err != nil {
		t.Fatalf("seed relationship: %v", err)
	}
	return NewAggregator(q, events.NewBus(), time.Minute), q
}

func outcome(sessionID string, pnl float64, delayMs int64) events.SessionOutcome {
	return events.SessionOutcome{
		SessionID:      sessionID,
		SignalID:       "sig-" + sessionID,
		RelationshipID: "r1",
		Platform:       "sim",
		Status:         db.SessionCompleted,
		FilledQty:      0.1,
		FilledPrice:    45000,
		PnL:            pnl,
		DelayMs:        delayMs,
		At:             time.Now().UTC(),
	}
}

func TestApplyAccumulatesStreamingStats(t *testing.T) {
	a, q := newAggregator(t)
	ctx := context.Background()

	pnls := []float64{100, -50, 200, -25}
	for i, pnl := range pnls {
		out := outcome(string(rune('a'+i))+"-sess", pnl, 100)
		if err := a.Apply(ctx, out); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	row, err := q.GetMetricsRow(ctx, ScopeRelationship, "r1")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if row.TotalTrades != 4 || row.Successful != 4 {
		t.Fatalf("trades = %d/%d, want 4/4", row.TotalTrades, row.Successful)
	}
	if row.TotalPnL != 225 {
		t.Errorf("total pnl = %v, want 225", row.TotalPnL)
	}
	if row.WinRate != 0.5 {
		t.Errorf("win rate = %v, want 0.5", row.WinRate)
	}
	if row.GrossProfit != 300 || row.GrossLoss != 75 {
		t.Errorf("gross = %v/%v, want 300/75", row.GrossProfit, row.GrossLoss)
	}
	if row.ProfitFactor != 4 {
		t.Errorf("profit factor = %v, want 4", row.ProfitFactor)
	}
	if math.Abs(row.ReturnMean-56.25) > 1e-9 {
		t.Errorf("return mean = %v, want 56.25", row.ReturnMean)
	}
	if row.AvgDelayMs != 100 {
		t.Errorf("avg delay = %v, want 100", row.AvgDelayMs)
	}

	// Variance over {100,-50,200,-25} with Bessel's correction.
	wantVar := (math.Pow(100-56.25, 2) + math.Pow(-50-56.25, 2) +
		math.Pow(200-56.25, 2) + math.Pow(-25-56.25, 2)) / 3
	gotVar := row.ReturnM2 / float64(row.ReturnSamples-1)
	if math.Abs(gotVar-wantVar) > 1e-6 {
		t.Errorf("variance = %v, want %v", gotVar, wantVar)
	}

	// Counters mirrored onto the relationship row.
	rel, err := q.GetRelationship(ctx, "r1")
	if err != nil {
		t.Fatalf("get relationship: %v", err)
	}
	if rel.TotalTrades != 4 || rel.TotalPnL != 225 {
		t.Errorf("relationship counters = %d/%v, want 4/225", rel.TotalTrades, rel.TotalPnL)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	a, q := newAggregator(t)
	ctx := context.Background()

	out := outcome("sess-1", 100, 50)
	if err := a.Apply(ctx, out); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := a.Apply(ctx, out); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	row, _ := q.GetMetricsRow(ctx, ScopeRelationship, "r1")
	if row.TotalTrades != 1 {
		t.Errorf("trades = %d after redelivery, want 1", row.TotalTrades)
	}
	if row.TotalPnL != 100 {
		t.Errorf("total pnl = %v after redelivery, want 100", row.TotalPnL)
	}
}

func TestApplyFailedOutcome(t *testing.T) {
	a, q := newAggregator(t)
	ctx := context.Background()

	out := outcome("sess-1", 0, 0)
	out.Status = db.SessionFailed
	out.Reason = "platform unavailable"
	if err := a.Apply(ctx, out); err != nil {
		t.Fatalf("apply: %v", err)
	}

	row, _ := q.GetMetricsRow(ctx, ScopeRelationship, "r1")
	if row.TotalTrades != 1 || row.Failed != 1 || row.Successful != 0 {
		t.Fatalf("counters = %d/%d/%d, want 1 failed", row.TotalTrades, row.Successful, row.Failed)
	}
	if row.TotalPnL != 0 || row.ReturnSamples != 0 {
		t.Errorf("failed outcome changed pnl stats: %+v", row)
	}
}

func TestDailyRollover(t *testing.T) {
	var row db.MetricsRow

	yesterday := outcome("sess-1", -300, 50)
	yesterday.At = time.Now().UTC().Add(-24 * time.Hour)
	fold(&row, yesterday)
	if row.DailyPnL != -300 {
		t.Fatalf("daily pnl = %v, want -300", row.DailyPnL)
	}

	today := outcome("sess-2", 40, 50)
	fold(&row, today)
	if row.DailyPnL != 40 {
		t.Errorf("daily pnl after rollover = %v, want 40", row.DailyPnL)
	}
	if row.TotalPnL != -260 {
		t.Errorf("total pnl = %v, want -260", row.TotalPnL)
	}
}

func TestDrawdownTracksPeak(t *testing.T) {
	var row db.MetricsRow
	at := time.Now().UTC()

	seq := []float64{100, 100, -50}
	for i, pnl := range seq {
		out := outcome(string(rune('a'+i)), pnl, 10)
		out.At = at
		fold(&row, out)
	}

	if row.PeakPnL != 200 {
		t.Fatalf("peak = %v, want 200", row.PeakPnL)
	}
	if math.Abs(row.MaxDrawdown-0.25) > 1e-9 {
		t.Errorf("drawdown = %v, want 0.25", row.MaxDrawdown)
	}
}

func TestSLABreachCounter(t *testing.T) {
	var row db.MetricsRow
	out := outcome("sess-1", 10, 400)
	out.SLABreach = true
	fold(&row, out)
	if row.SLABreaches != 1 {
		t.Errorf("sla breaches = %d, want 1", row.SLABreaches)
	}
}

func TestSnapshotMasters(t *testing.T) {
	a, q := newAggregator(t)
	ctx := context.Background()

	for i, pnl := range []float64{150, -50, 75} {
		if err := a.Apply(ctx, outcome(string(rune('a'+i))+"-sess", pnl, 80)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	a.SnapshotMasters(ctx)

	m, err := q.GetMasterTrader(ctx, "m1")
	if err != nil {
		t.Fatalf("get master: %v", err)
	}
	if m.TotalReturn != 175 {
		t.Errorf("master total return = %v, want 175", m.TotalReturn)
	}
	if math.Abs(m.WinRate-2.0/3.0) > 1e-9 {
		t.Errorf("master win rate = %v, want 2/3", m.WinRate)
	}
}

func seedTerminalSession(t *testing.T, q *db.Queries, sessID, status string, withFill bool) {
	t.Helper()
	ctx := context.Background()

	sigID := "sig-" + sessID
	if err := q.InsertSignal(ctx, db.TradeSignal{
		ID: sigID, MasterID: "m1", Symbol: "BTCUSDT", Side: "BUY",
		Quantity: 1.0, Price: 45000, OrderType: "MARKET", Leverage: 1,
		Platform: "sim", MasterCapital: 100000, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed signal: %v", err)
	}
	if err := q.CreateSession(ctx, db.Session{
		ID: sessID, SignalID: sigID, RelationshipID: "r1",
		Status: db.SessionPending, Quantity: 0.1,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if withFill {
		if err := q.InsertExecutionResult(ctx, db.ExecutionResult{
			ID: "res-" + sessID, SessionID: sessID, SignalID: sigID, Attempt: 0,
			Platform: "sim", Success: true, FilledQty: 0.1, FilledPrice: 44900,
			Fees: 1.8, Terminal: true,
		}); err != nil {
			t.Fatalf("seed result: %v", err)
		}
	}
	if err := q.FinishSession(ctx, db.Session{
		ID: sessID, Status: status, Quantity: 0.1, ReplicationDelayMs: 120,
	}); err != nil {
		t.Fatalf("finish session: %v", err)
	}
}

func TestReplayFoldsMissedOutcomes(t *testing.T) {
	a, q := newAggregator(t)
	ctx := context.Background()

	// One completed with a fill, one failed with no fill; neither reached
	// the ledger because the bus dropped their events.
	seedTerminalSession(t, q, "missed-ok", db.SessionCompleted, true)
	seedTerminalSession(t, q, "missed-bad", db.SessionFailed, false)

	n, err := a.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 2 {
		t.Fatalf("replayed = %d, want 2", n)
	}

	row, err := q.GetMetricsRow(ctx, ScopeRelationship, "r1")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if row.TotalTrades != 2 || row.Successful != 1 || row.Failed != 1 {
		t.Fatalf("trades = %d/%d/%d, want 2/1/1", row.TotalTrades, row.Successful, row.Failed)
	}
	// (45000 - 44900) * 0.1 - 1.8 fees.
	if math.Abs(row.TotalPnL-8.2) > 1e-9 {
		t.Errorf("total pnl = %v, want 8.2", row.TotalPnL)
	}

	pRow, err := q.GetMetricsRow(ctx, ScopePlatform, "sim")
	if err != nil {
		t.Fatalf("get platform metrics: %v", err)
	}
	if pRow.TotalTrades != 2 {
		t.Errorf("platform trades = %d, want 2", pRow.TotalTrades)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	a, q := newAggregator(t)
	ctx := context.Background()
	seedTerminalSession(t, q, "replay-once", db.SessionCompleted, true)

	if _, err := a.Replay(ctx); err != nil {
		t.Fatalf("first replay: %v", err)
	}
	n, err := a.Replay(ctx)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if n != 0 {
		t.Fatalf("second replay folded %d sessions, want 0", n)
	}

	row, err := q.GetMetricsRow(ctx, ScopeRelationship, "r1")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if row.TotalTrades != 1 {
		t.Errorf("trades = %d, want 1", row.TotalTrades)
	}
}

func TestReplaySkipsLiveAppliedSessions(t *testing.T) {
	a, q := newAggregator(t)
	ctx := context.Background()
	seedTerminalSession(t, q, "live-sess", db.SessionCompleted, true)

	// Bus delivery folded the outcome already.
	if err := a.Apply(ctx, outcome("live-sess", 8.2, 120)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	n, err := a.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 0 {
		t.Fatalf("replay folded %d sessions, want 0", n)
	}
}
