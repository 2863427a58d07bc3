// Package reconciliation repairs state the pipeline cannot repair itself:
// sessions orphaned in the executing state by a crash, and drift between the
// governor's in-memory exposure book and the durable fill history.
package reconciliation

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/db"
)

const epsilon = 0.0001

// Service runs a sweep at startup and then on a fixed interval.
type Service struct {
	queries    *db.Queries
	governor   *risk.Governor
	bus        *events.Bus
	interval   time.Duration
	staleAfter time.Duration
	autoSync   bool
	mu         sync.Mutex
}

// Report summarizes one reconciliation sweep.
type Report struct {
	Timestamp     time.Time
	OrphanedCount int
	ExposureDiffs []ExposureDiff
	SyncedCount   int
}

// ExposureDiff is one relationship/symbol cell where the in-memory book
// disagrees with the fill history.
type ExposureDiff struct {
	RelationshipID string
	Symbol         string
	BookQty        float64
	FillQty        float64
	Synced         bool
}

func NewService(queries *db.Queries, governor *risk.Governor, bus *events.Bus, interval, staleAfter time.Duration) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	return &Service{
		queries:    queries,
		governor:   governor,
		bus:        bus,
		interval:   interval,
		staleAfter: staleAfter,
		autoSync:   true,
	}
}

// SetAutoSync enables or disables exposure book rewrites. Orphaned sessions
// are always failed regardless; leaving them executing blocks the idempotency
// index for their signal/relationship pair.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	log.Printf("📊 Reconciliation auto-sync: %v", enabled)
}

// Start performs an immediate sweep, then reconciles on the interval. The
// startup sweep is what clears sessions stranded by the previous process.
func (s *Service) Start(ctx context.Context) {
	if report, err := s.Reconcile(ctx); err != nil {
		log.Printf("❌ Startup reconciliation: %v", err)
	} else {
		s.logReport(report)
	}

	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					log.Printf("❌ Reconciliation error: %v", err)
					continue
				}
				s.logReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("✓ Reconciliation service started (interval: %v, stale after: %v)", s.interval, s.staleAfter)
}

// Reconcile fails orphaned sessions and checks the exposure book against
// durable fills.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now().UTC()}

	orphaned, err := s.failOrphans(ctx)
	if err != nil {
		return nil, err
	}
	report.OrphanedCount = orphaned

	diffs, synced, err := s.checkExposure(ctx)
	if err != nil {
		return nil, err
	}
	report.ExposureDiffs = diffs
	report.SyncedCount = synced

	return report, nil
}

// failOrphans finishes sessions stuck in executing. Their worker is gone, so
// no result will ever arrive; failing them frees the signal/relationship pair
// and lets the aggregator count the loss.
func (s *Service) failOrphans(ctx context.Context) (int, error) {
	stale, err := s.queries.ListStaleExecuting(ctx, s.staleAfter)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sess := range stale {
		sess.Status = db.SessionFailed
		sess.Reason = "orphaned by restart"
		if err := s.queries.FinishSession(ctx, sess); err != nil {
			log.Printf("❌ Fail orphaned session %s: %v", sess.ID, err)
			continue
		}
		count++

		outcome := events.SessionOutcome{
			SessionID:      sess.ID,
			SignalID:       sess.SignalID,
			RelationshipID: sess.RelationshipID,
			Status:         sess.Status,
			Reason:         sess.Reason,
			Attempt:        sess.RetryCount,
			At:             time.Now().UTC(),
		}
		if sig, err := s.queries.GetSignal(ctx, sess.SignalID); err == nil {
			outcome.Platform = sig.Platform
		}
		s.bus.Publish(events.EventSessionFailed, outcome)
		log.Printf("🔄 Session %s orphaned in executing, marked failed", sess.ID)
	}
	return count, nil
}

func (s *Service) checkExposure(ctx context.Context) ([]ExposureDiff, int, error) {
	rows, err := s.queries.ListOpenExposure(ctx)
	if err != nil {
		return nil, 0, err
	}

	book := make(map[string]map[string]float64)
	for _, row := range rows {
		if book[row.RelationshipID] == nil {
			book[row.RelationshipID] = make(map[string]float64)
		}
		book[row.RelationshipID][row.Symbol] = row.Quantity
	}

	var diffs []ExposureDiff
	for rel, symbols := range book {
		for sym, fillQty := range symbols {
			if fillQty < 0 {
				fillQty = 0
			}
			bookQty := s.governor.Exposure(rel, sym)
			if math.Abs(bookQty-fillQty) > epsilon {
				diffs = append(diffs, ExposureDiff{
					RelationshipID: rel,
					Symbol:         sym,
					BookQty:        bookQty,
					FillQty:        fillQty,
					Synced:         s.autoSync,
				})
			}
		}
	}

	synced := 0
	if len(diffs) > 0 && s.autoSync {
		s.governor.SyncExposure(book)
		synced = len(diffs)
	}
	return diffs, synced, nil
}

func (s *Service) logReport(report *Report) {
	if report.OrphanedCount == 0 && len(report.ExposureDiffs) == 0 {
		log.Printf("✅ Reconciliation OK - no orphans, exposure book matches fills")
		return
	}
	if report.OrphanedCount > 0 {
		log.Printf("⚠️ Reconciliation failed %d orphaned sessions", report.OrphanedCount)
	}
	for _, diff := range report.ExposureDiffs {
		status := "❌ Not synced"
		if diff.Synced {
			status = "✅ Synced"
		}
		log.Printf("  %s %s: Book=%.4f, Fills=%.4f [%s]",
			diff.RelationshipID, diff.Symbol, diff.BookQty, diff.FillQty, status)
	}
	if report.SyncedCount > 0 {
		log.Printf("🔄 Auto-synced %d exposure cells", report.SyncedCount)
	}
}
