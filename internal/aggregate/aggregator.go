// Package aggregate folds terminal session outcomes into streaming
// performance metrics per relationship, per master, and per platform.
package aggregate

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/db"
)

// Metric scopes.
const (
	ScopeRelationship = "relationship"
	ScopeMaster       = "master"
	ScopePlatform     = "platform"
)

// Aggregator consumes session outcomes. Every applied event is recorded in
// a ledger first, so a redelivered outcome is a no-op and counters are never
// double-applied.
type Aggregator struct {
	queries  *db.Queries
	bus      *events.Bus
	interval time.Duration
}

func NewAggregator(queries *db.Queries, bus *events.Bus, snapshotInterval time.Duration) *Aggregator {
	if snapshotInterval <= 0 {
		snapshotInterval = 5 * time.Minute
	}
	return &Aggregator{queries: queries, bus: bus, interval: snapshotInterval}
}

// Start consumes outcome events until the context is canceled. Master
// leaderboard snapshots are recomputed on a fixed interval.
func (a *Aggregator) Start(ctx context.Context) {
	completed, unsubC := a.bus.Subscribe(events.EventSessionCompleted, 256)
	failed, unsubF := a.bus.Subscribe(events.EventSessionFailed, 256)

	go func() {
		defer unsubC()
		defer unsubF()

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		// The bus drops events when a subscriber lags, so fold anything
		// missed from the durable session table before trusting the stream.
		if n, err := a.Replay(ctx); err != nil {
			log.Printf("❌ Outcome replay: %v", err)
		} else if n > 0 {
			log.Printf("🔄 Replayed %d missed session outcomes", n)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case raw := <-completed:
				a.consume(ctx, raw)
			case raw := <-failed:
				a.consume(ctx, raw)
			case <-ticker.C:
				if n, err := a.Replay(ctx); err != nil {
					log.Printf("❌ Outcome replay: %v", err)
				} else if n > 0 {
					log.Printf("🔄 Replayed %d missed session outcomes", n)
				}
				a.SnapshotMasters(ctx)
			}
		}
	}()
	log.Printf("Aggregator started (snapshot interval %v)", a.interval)
}

// Replay folds terminal sessions that never made it into the ledger. Together
// with the ledger check in Apply this gives the metrics at-least-once
// delivery: the bus is the fast path, the session table is the truth.
func (a *Aggregator) Replay(ctx context.Context) (int, error) {
	sessions, err := a.queries.ListUnaggregatedSessions(ctx, 200)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, sess := range sessions {
		out, err := a.rebuildOutcome(ctx, sess)
		if err != nil {
			log.Printf("❌ Rebuild outcome for session %s: %v", sess.ID, err)
			continue
		}
		if err := a.Apply(ctx, out); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// rebuildOutcome reconstructs a SessionOutcome from the session row, its
// terminal execution result, and the source signal. The attempt number must
// match what the live path publishes so the ledger keys line up.
func (a *Aggregator) rebuildOutcome(ctx context.Context, sess db.Session) (events.SessionOutcome, error) {
	out := events.SessionOutcome{
		SessionID:      sess.ID,
		SignalID:       sess.SignalID,
		RelationshipID: sess.RelationshipID,
		Status:         sess.Status,
		Reason:         sess.Reason,
		Attempt:        sess.RetryCount,
		DelayMs:        sess.ReplicationDelayMs,
		Slippage:       sess.Slippage,
		SLABreach:      sess.SLABreach,
		At:             sess.UpdatedAt,
	}

	sig, err := a.queries.GetSignal(ctx, sess.SignalID)
	if err != nil {
		return out, err
	}
	out.Platform = sig.Platform

	results, err := a.queries.ListResultsBySession(ctx, sess.ID)
	if err != nil {
		return out, err
	}
	for _, res := range results {
		if !res.Terminal || !res.Success {
			continue
		}
		out.FilledQty = res.FilledQty
		out.FilledPrice = res.FilledPrice
		out.Fees = res.Fees
		out.PnL = replayPnL(sig, res)
		break
	}
	return out, nil
}

// replayPnL mirrors the execution pool's fill valuation against the master's
// reference price.
func replayPnL(sig db.TradeSignal, res db.ExecutionResult) float64 {
	if sig.Price <= 0 {
		return -res.Fees
	}
	diff := sig.Price - res.FilledPrice
	if sig.Side == "SELL" {
		diff = res.FilledPrice - sig.Price
	}
	return diff*res.FilledQty - res.Fees
}

func (a *Aggregator) consume(ctx context.Context, raw any) {
	out, ok := raw.(events.SessionOutcome)
	if !ok {
		return
	}
	if err := a.Apply(ctx, out); err != nil {
		log.Printf("❌ Apply outcome for session %s: %v", out.SessionID, err)
	}
}

// Apply folds one terminal outcome into every scope it touches. Safe to call
// more than once with the same outcome.
func (a *Aggregator) Apply(ctx context.Context, out events.SessionOutcome) error {
	applied, err := a.queries.MarkEventApplied(ctx, out.SessionID, out.Attempt)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if err := a.applyScope(ctx, ScopeRelationship, out.RelationshipID, out); err != nil {
		return err
	}
	if out.Platform != "" {
		if err := a.applyScope(ctx, ScopePlatform, out.Platform, out); err != nil {
			return err
		}
	}
	if rel, err := a.queries.GetRelationship(ctx, out.RelationshipID); err == nil {
		if err := a.applyScope(ctx, ScopeMaster, rel.MasterID, out); err != nil {
			return err
		}
	}

	if err := a.syncRelationshipCounters(ctx, out.RelationshipID); err != nil {
		return err
	}
	a.bus.Publish(events.EventMetricsUpdated, out.RelationshipID)
	return nil
}

func (a *Aggregator) applyScope(ctx context.Context, scope, key string, out events.SessionOutcome) error {
	row, err := a.queries.GetMetricsRow(ctx, scope, key)
	if errors.Is(err, db.ErrNotFound) {
		row = db.MetricsRow{Scope: scope, Key: key}
	} else if err != nil {
		return err
	}
	fold(&row, out)
	return a.queries.UpsertMetricsRow(ctx, row)
}

// fold updates one metrics row in place with a single outcome.
func fold(row *db.MetricsRow, out events.SessionOutcome) {
	day := out.At.UTC().Format("2006-01-02")
	if row.DailyDate != day {
		row.DailyDate = day
		row.DailyPnL = 0
	}

	row.TotalTrades++
	if out.Status == db.SessionCompleted {
		row.Successful++
	} else {
		row.Failed++
	}
	row.SuccessRate = float64(row.Successful) / float64(row.TotalTrades)

	if out.Status != db.SessionCompleted {
		return
	}

	pnl := out.PnL
	row.TotalPnL += pnl
	row.DailyPnL += pnl
	if pnl > 0 {
		row.GrossProfit += pnl
	} else {
		row.GrossLoss += -pnl
	}

	// Welford's online mean/variance over per-trade returns.
	row.ReturnSamples++
	n := float64(row.ReturnSamples)
	delta := pnl - row.ReturnMean
	row.ReturnMean += delta / n
	row.ReturnM2 += delta * (pnl - row.ReturnMean)

	win := 0.0
	if pnl > 0 {
		win = 1
	}
	row.WinRate = (row.WinRate*(n-1) + win) / n

	if row.GrossLoss > 0 {
		row.ProfitFactor = row.GrossProfit / row.GrossLoss
	} else if row.GrossProfit > 0 {
		row.ProfitFactor = math.Inf(1)
	}

	if row.ReturnSamples > 1 {
		variance := row.ReturnM2 / (n - 1)
		if sd := math.Sqrt(variance); sd > 0 {
			row.SharpeRatio = row.ReturnMean / sd
		}
	}

	if row.TotalPnL > row.PeakPnL {
		row.PeakPnL = row.TotalPnL
	}
	if row.PeakPnL > 0 {
		dd := (row.PeakPnL - row.TotalPnL) / row.PeakPnL
		if dd > row.MaxDrawdown {
			row.MaxDrawdown = dd
		}
	}

	row.DelayTotal += float64(out.DelayMs)
	row.AvgDelayMs = row.DelayTotal / float64(row.Successful)
	if out.SLABreach {
		row.SLABreaches++
	}
}

// syncRelationshipCounters mirrors the relationship-scope totals onto the
// relationship row itself so listings carry them without a join.
func (a *Aggregator) syncRelationshipCounters(ctx context.Context, relationshipID string) error {
	row, err := a.queries.GetMetricsRow(ctx, ScopeRelationship, relationshipID)
	if err != nil {
		return err
	}
	return a.queries.UpdateRelationshipCounters(ctx, relationshipID,
		row.TotalTrades, row.Successful, row.Failed, row.TotalPnL)
}

// SnapshotMasters copies each master's aggregate metrics onto its leaderboard
// columns.
func (a *Aggregator) SnapshotMasters(ctx context.Context) {
	masters, err := a.queries.ListMasterTraders(ctx, db.MasterFilter{Limit: 200})
	if err != nil {
		log.Printf("❌ List masters for snapshot: %v", err)
		return
	}
	updated := 0
	for _, m := range masters {
		row, err := a.queries.GetMetricsRow(ctx, ScopeMaster, m.ID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Printf("❌ Master metrics %s: %v", m.ID, err)
			continue
		}
		pf := row.ProfitFactor
		if math.IsInf(pf, 1) {
			pf = 999
		}
		err = a.queries.UpdateMasterSnapshot(ctx, m.ID,
			row.TotalPnL, row.SharpeRatio, row.MaxDrawdown, row.WinRate, pf)
		if err != nil {
			log.Printf("❌ Snapshot master %s: %v", m.ID, err)
			continue
		}
		updated++
	}
	if updated > 0 {
		log.Printf("✓ Master snapshots refreshed: %d", updated)
	}
}

// Stats is the pull interface for one scope's metrics row.
func (a *Aggregator) Stats(ctx context.Context, scope, key string) (db.MetricsRow, error) {
	return a.queries.GetMetricsRow(ctx, scope, key)
}
