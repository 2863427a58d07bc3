// Package dispatch fans a normalized signal out to every active follower of
// the originating master: one session per relationship, sized and risk-gated
// before it reaches the execution queue.
package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/events"
	"copytrade-core/internal/execution"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/sizing"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/db"
)

type Dispatcher struct {
	queries   *db.Queries
	governor  *risk.Governor
	platforms *config.Platforms
	queue     *execution.PersistentQueue
	bus       *events.Bus
	metrics   *monitor.SystemMetrics
}

func NewDispatcher(queries *db.Queries, governor *risk.Governor, platforms *config.Platforms,
	queue *execution.PersistentQueue, bus *events.Bus, metrics *monitor.SystemMetrics) *Dispatcher {
	return &Dispatcher{
		queries:   queries,
		governor:  governor,
		platforms: platforms,
		queue:     queue,
		bus:       bus,
		metrics:   metrics,
	}
}

// Dispatch creates one session per active relationship of the signal's
// master. Redelivery of the same signal is idempotent: the storage layer
// rejects a second live session for a (signal, relationship) pair and the
// duplicate is skipped. Returns the number of sessions queued for execution.
func (d *Dispatcher) Dispatch(ctx context.Context, sig db.TradeSignal) (int, error) {
	timer := monitor.NewTimer(d.metrics.DispatchLatency)
	defer timer.Stop()

	rels, err := d.queries.ListActiveByMaster(ctx, sig.MasterID)
	if err != nil {
		return 0, err
	}
	if len(rels) == 0 {
		return 0, nil
	}

	queued := 0
	for _, rel := range rels {
		if d.replicate(ctx, sig, rel) {
			queued++
		}
	}
	log.Printf("Signal %s fanned out to %d/%d relationships", sig.ID, queued, len(rels))
	return queued, nil
}

// replicate runs size, gate, persist, enqueue for one relationship. Returns
// true when a session reached the execution queue.
func (d *Dispatcher) replicate(ctx context.Context, sig db.TradeSignal, rel db.Relationship) bool {
	increment := 0.0
	if d.platforms != nil {
		increment = d.platforms.Increment(sig.Platform, sig.Symbol)
	}

	qty, err := sizing.Compute(sig, rel, d.trailingStats(ctx, rel.ID), increment)
	if err != nil {
		d.recordRejected(ctx, sig, rel, 0, err.Error())
		return false
	}

	if veto := d.governor.Gate(ctx, rel, risk.Candidate{Signal: sig, Quantity: qty}); veto != nil {
		d.metrics.IncrementVetoes()
		d.recordRejected(ctx, sig, rel, qty, veto.Error())
		return false
	}

	sess := db.Session{
		ID:             uuid.New().String(),
		SignalID:       sig.ID,
		RelationshipID: rel.ID,
		Status:         db.SessionPending,
		Quantity:       qty,
	}
	if err := d.queries.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, db.ErrConflict) {
			log.Printf("⚠️ Signal %s already dispatched to relationship %s", sig.ID, rel.ID)
			return false
		}
		d.metrics.IncrementErrors()
		log.Printf("❌ Create session for relationship %s: %v", rel.ID, err)
		return false
	}

	if !d.queue.Enqueue(execution.Task{
		SessionID:      sess.ID,
		SignalID:       sig.ID,
		RelationshipID: rel.ID,
		Platform:       sig.Platform,
		CreatedAt:      time.Now().UTC(),
	}) {
		d.metrics.IncrementErrors()
		log.Printf("❌ Enqueue session %s failed", sess.ID)
		return false
	}

	d.metrics.IncrementSessions()
	d.bus.Publish(events.EventSessionCreated, sess)
	return true
}

// recordRejected persists a failed session so the rejection is queryable and
// the (signal, relationship) pair cannot be re-dispatched.
func (d *Dispatcher) recordRejected(ctx context.Context, sig db.TradeSignal, rel db.Relationship, qty float64, reason string) {
	sess := db.Session{
		ID:             uuid.New().String(),
		SignalID:       sig.ID,
		RelationshipID: rel.ID,
		Status:         db.SessionPending,
		Quantity:       qty,
	}
	if err := d.queries.CreateSession(ctx, sess); err != nil {
		if !errors.Is(err, db.ErrConflict) {
			d.metrics.IncrementErrors()
			log.Printf("❌ Record rejected session for relationship %s: %v", rel.ID, err)
		}
		return
	}

	sess.Status = db.SessionFailed
	sess.Reason = reason
	if err := d.queries.FinishSession(ctx, sess); err != nil {
		d.metrics.IncrementErrors()
		log.Printf("❌ Finish rejected session %s: %v", sess.ID, err)
		return
	}
	d.metrics.RecordOutcome(db.SessionFailed)
	d.bus.Publish(events.EventSessionFailed, events.SessionOutcome{
		SessionID:      sess.ID,
		SignalID:       sig.ID,
		RelationshipID: rel.ID,
		Platform:       sig.Platform,
		Status:         db.SessionFailed,
		Reason:         reason,
		At:             time.Now().UTC(),
	})
	log.Printf("❌ Replica for relationship %s rejected: %s", rel.ID, reason)
}

// trailingStats assembles the performance history the kelly policy sizes
// from. Missing history yields zero stats, and kelly sizes proportionally
// until fills build a track record.
func (d *Dispatcher) trailingStats(ctx context.Context, relationshipID string) sizing.TrailingStats {
	row, err := d.queries.GetMetricsRow(ctx, "relationship", relationshipID)
	if err != nil {
		return sizing.TrailingStats{}
	}
	wins := float64(row.ReturnSamples) * row.WinRate
	losses := float64(row.ReturnSamples) - wins
	stats := sizing.TrailingStats{WinRate: row.WinRate}
	if wins > 0 {
		stats.AvgWin = row.GrossProfit / wins
	}
	if losses > 0 {
		stats.AvgLoss = row.GrossLoss / losses
	}
	return stats
}
