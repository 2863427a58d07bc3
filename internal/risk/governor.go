// Package risk gates every candidate replica order against per-relationship
// and global guardrails.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/cache"
	"copytrade-core/pkg/db"
)

// Governor evaluates candidates and applies suspension side effects.
type Governor struct {
	queries *db.Queries
	cache   *cache.ShardedRelationshipCache
	groups  GroupResolver
	bus     *events.Bus

	mu       sync.RWMutex
	global   db.RiskLimits
	exposure map[string]map[string]float64 // relationship id -> symbol -> open qty
}

// NewGovernor creates a governor. The global limits row is loaded once and
// refreshed through UpdateGlobalLimits.
func NewGovernor(ctx context.Context, queries *db.Queries, relCache *cache.ShardedRelationshipCache, groups GroupResolver, bus *events.Bus) (*Governor, error) {
	g := &Governor{
		queries:  queries,
		cache:    relCache,
		groups:   groups,
		bus:      bus,
		exposure: make(map[string]map[string]float64),
	}
	if queries != nil {
		global, err := queries.GetGlobalLimits(ctx)
		if err != nil {
			return nil, fmt.Errorf("load global limits: %w", err)
		}
		g.global = global
	}
	log.Printf("Risk governor initialized: circuit_breaker=%v daily_loss_cap=%.2f",
		g.global.CircuitBreaker, g.global.MaxDailyLoss)
	return g, nil
}

// UpdateGlobalLimits persists and installs new global guardrails.
func (g *Governor) UpdateGlobalLimits(ctx context.Context, limits db.RiskLimits) error {
	if g.queries != nil {
		if err := g.queries.UpdateGlobalLimits(ctx, limits); err != nil {
			return err
		}
	}
	g.mu.Lock()
	g.global = limits
	g.mu.Unlock()
	return nil
}

// SetCircuitBreaker flips the global kill-switch.
func (g *Governor) SetCircuitBreaker(ctx context.Context, engaged bool) error {
	g.mu.RLock()
	limits := g.global
	g.mu.RUnlock()
	limits.CircuitBreaker = engaged
	return g.UpdateGlobalLimits(ctx, limits)
}

// GlobalLimits returns the current global guardrails.
func (g *Governor) GlobalLimits() db.RiskLimits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.global
}

// Evaluate runs the ordered check chain. The first failing check wins; nil
// means the candidate is clear to execute.
//
// Order: allow-list, leverage cap, position size, daily loss, drawdown,
// correlation, circuit breaker.
func Evaluate(limits db.RiskLimits, maxPosition float64, cand Candidate, snap Snapshot, groups GroupResolver) *Veto {
	if len(limits.AllowedSymbols) > 0 && !contains(limits.AllowedSymbols, cand.Signal.Symbol) {
		return &Veto{Code: CodeSymbolNotAllowed,
			Detail: fmt.Sprintf("%s is not in the allow-list", cand.Signal.Symbol)}
	}

	if levCap, ok := limits.LeverageCaps[cand.Signal.Symbol]; ok && cand.Signal.Leverage > levCap {
		return &Veto{Code: CodeLeverageCap,
			Detail: fmt.Sprintf("leverage %.1fx exceeds %s cap %.1fx", cand.Signal.Leverage, cand.Signal.Symbol, levCap)}
	}

	if maxPosition > 0 && snap.OpenExposure+cand.Quantity > maxPosition {
		return &Veto{Code: CodeMaxPositionSize,
			Detail: fmt.Sprintf("projected exposure %.6f exceeds cap %.6f", snap.OpenExposure+cand.Quantity, maxPosition)}
	}

	if limits.MaxDailyLoss > 0 && snap.DailyLoss >= limits.MaxDailyLoss {
		return &Veto{Code: CodeMaxDailyLoss, Suspend: true,
			Detail: fmt.Sprintf("daily loss %.2f at or above limit %.2f", snap.DailyLoss, limits.MaxDailyLoss)}
	}

	if limits.MaxDrawdown > 0 && snap.Drawdown >= limits.MaxDrawdown {
		return &Veto{Code: CodeMaxDrawdown, Suspend: true,
			Detail: fmt.Sprintf("drawdown %.2f%% at or above limit %.2f%%", snap.Drawdown*100, limits.MaxDrawdown*100)}
	}

	if limits.MaxCorrelation > 0 && groups != nil {
		group := groups.GroupOf(cand.Signal.Symbol)
		for _, open := range snap.OpenSymbols {
			if open == cand.Signal.Symbol {
				continue
			}
			if inGroup(group, open) && intraGroupCorrelation > limits.MaxCorrelation {
				return &Veto{Code: CodeCorrelation,
					Detail: fmt.Sprintf("%s correlates with open %s above cap %.2f", cand.Signal.Symbol, open, limits.MaxCorrelation)}
			}
		}
	}

	if limits.CircuitBreaker {
		return &Veto{Code: CodeCircuitBreaker, Detail: "circuit breaker engaged"}
	}

	return nil
}

// Gate evaluates a candidate for a relationship, merging global and
// per-relationship limits, and applies the suspension fail-safe when the
// veto demands it. Returns nil when the order may be sent.
func (g *Governor) Gate(ctx context.Context, rel db.Relationship, cand Candidate) *Veto {
	snap := g.snapshot(ctx, rel.ID, cand.Signal.Symbol)

	g.mu.RLock()
	global := g.global
	g.mu.RUnlock()

	// Global limits are evaluated before per-relationship limits.
	if veto := Evaluate(global, 0, cand, snap, g.groups); veto != nil {
		g.handleVeto(ctx, rel, cand, veto)
		return veto
	}

	veto := Evaluate(rel.Limits, rel.MaxPositionSize, cand, snap, g.groups)
	if veto != nil {
		g.handleVeto(ctx, rel, cand, veto)
	}
	return veto
}

func (g *Governor) handleVeto(ctx context.Context, rel db.Relationship, cand Candidate, veto *Veto) {
	if g.bus != nil {
		g.bus.Publish(events.EventRiskVeto, events.RiskVeto{
			RelationshipID: rel.ID,
			SignalID:       cand.Signal.ID,
			Code:           veto.Code,
			Detail:         veto.Detail,
			Suspended:      veto.Suspend,
			At:             time.Now(),
		})
	}
	if !veto.Suspend {
		return
	}
	if err := g.Suspend(ctx, rel.ID, veto.Code); err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Printf("risk: suspend %s failed: %v", rel.ID, err)
	}
}

// Suspend moves a relationship to suspended and drops its queued sessions.
// Re-activation is an explicit user command.
func (g *Governor) Suspend(ctx context.Context, relationshipID, reason string) error {
	if g.queries == nil {
		return nil
	}
	if err := g.queries.UpdateRelationshipStatus(ctx, relationshipID, db.RelationshipSuspended); err != nil {
		return err
	}
	if g.cache != nil {
		g.cache.Invalidate(relationshipID)
	}
	if n, err := g.queries.CancelPendingByRelationship(ctx, relationshipID, "relationship suspended: "+reason); err != nil {
		log.Printf("risk: cancel pending for %s: %v", relationshipID, err)
	} else if n > 0 {
		log.Printf("risk: cancelled %d pending sessions for suspended %s", n, relationshipID)
	}
	if g.bus != nil {
		g.bus.Publish(events.EventRelationshipState, events.RelationshipState{
			RelationshipID: relationshipID,
			Status:         db.RelationshipSuspended,
			Reason:         reason,
			At:             time.Now(),
		})
	}
	return nil
}

// snapshot assembles the mutable inputs for one decision.
func (g *Governor) snapshot(ctx context.Context, relationshipID, symbol string) Snapshot {
	snap := Snapshot{
		OpenExposure: g.Exposure(relationshipID, symbol),
		OpenSymbols:  g.openSymbols(relationshipID),
	}
	if g.queries == nil {
		return snap
	}
	row, err := g.queries.GetMetricsRow(ctx, "relationship", relationshipID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("risk: metrics read for %s: %v", relationshipID, err)
		}
		return snap
	}
	if row.DailyDate == time.Now().UTC().Format("2006-01-02") && row.DailyPnL < 0 {
		snap.DailyLoss = -row.DailyPnL
	}
	snap.Drawdown = row.MaxDrawdown
	return snap
}

// RecordFill adjusts the exposure book after a fill. Buys add, sells reduce.
func (g *Governor) RecordFill(relationshipID, symbol, side string, qty float64) {
	if qty <= 0 {
		return
	}
	if side == "SELL" {
		qty = -qty
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	book := g.exposure[relationshipID]
	if book == nil {
		book = make(map[string]float64)
		g.exposure[relationshipID] = book
	}
	book[symbol] += qty
	if book[symbol] <= 0 {
		delete(book, symbol)
	}
}

// SyncExposure replaces the in-memory exposure book with one rebuilt from
// durable fills. Zero and negative cells are dropped.
func (g *Governor) SyncExposure(book map[string]map[string]float64) {
	clean := make(map[string]map[string]float64, len(book))
	for rel, symbols := range book {
		for sym, qty := range symbols {
			if qty <= 0 {
				continue
			}
			if clean[rel] == nil {
				clean[rel] = make(map[string]float64)
			}
			clean[rel][sym] = qty
		}
	}
	g.mu.Lock()
	g.exposure = clean
	g.mu.Unlock()
}

// Exposure returns the open quantity for a relationship and symbol.
func (g *Governor) Exposure(relationshipID, symbol string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.exposure[relationshipID][symbol]
}

func (g *Governor) openSymbols(relationshipID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	book := g.exposure[relationshipID]
	if len(book) == 0 {
		return nil
	}
	out := make([]string, 0, len(book))
	for sym := range book {
		out = append(out, sym)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func inGroup(group []string, symbol string) bool {
	for _, s := range group {
		if s == symbol {
			return true
		}
	}
	return false
}
