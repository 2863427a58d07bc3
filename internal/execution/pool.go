package execution

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/events"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/cache"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/platform"
)

// attemptTimeout bounds a single venue call.
const attemptTimeout = 2 * time.Second

// Pool executes replica sessions against venue adapters. Each platform gets
// its own worker group; within a group tasks are routed by relationship so a
// follower's orders execute in signal order.
type Pool struct {
	cfg      *config.Config
	queries  *db.Queries
	loader   *cache.Loader
	registry *platform.Registry
	governor *risk.Governor
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	queue    *PersistentQueue

	mu    sync.Mutex
	lanes map[string][]*Queue
	wg    sync.WaitGroup
}

func NewPool(cfg *config.Config, queries *db.Queries, loader *cache.Loader,
	registry *platform.Registry, governor *risk.Governor, bus *events.Bus,
	metrics *monitor.SystemMetrics, queue *PersistentQueue) *Pool {
	return &Pool{
		cfg:      cfg,
		queries:  queries,
		loader:   loader,
		registry: registry,
		governor: governor,
		bus:      bus,
		metrics:  metrics,
		queue:    queue,
		lanes:    make(map[string][]*Queue),
	}
}

// Start spawns the worker groups and the router that feeds them.
func (p *Pool) Start(ctx context.Context) {
	for _, name := range p.registry.Names() {
		n := workersFor(p.registry.Budget(name))
		lanes := make([]*Queue, n)
		for i := 0; i < n; i++ {
			lane := NewQueue(64)
			lanes[i] = lane
			p.wg.Add(1)
			go func(lane *Queue) {
				defer p.wg.Done()
				lane.Drain(ctx, func(t Task) { p.process(ctx, t) })
			}(lane)
		}
		p.mu.Lock()
		p.lanes[name] = lanes
		p.mu.Unlock()
		log.Printf("Execution pool: %d workers for platform %s", n, name)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.route(ctx)
	}()
}

// Stop closes the lanes and waits for in-flight sessions to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	for _, lanes := range p.lanes {
		for _, lane := range lanes {
			lane.Close()
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// workersFor sizes a platform's worker group from its rate budget.
func workersFor(perMinute int) int {
	n := perMinute / 100
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

func (p *Pool) route(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.queue.Chan():
			if !ok {
				return
			}
			p.dispatchToLane(ctx, t)
		}
	}
}

func (p *Pool) dispatchToLane(ctx context.Context, t Task) {
	p.mu.Lock()
	lanes := p.lanes[t.Platform]
	p.mu.Unlock()
	if len(lanes) == 0 {
		// Unknown platform, fail the session inline.
		p.failUnroutable(ctx, t)
		return
	}

	h := fnv.New32a()
	h.Write([]byte(t.RelationshipID))
	lanes[h.Sum32()%uint32(len(lanes))].Enqueue(t)
}

func (p *Pool) failUnroutable(ctx context.Context, t Task) {
	defer p.queue.MarkComplete(t.SessionID)
	if err := p.queries.ClaimSession(ctx, t.SessionID); err != nil {
		return
	}
	sess, err := p.queries.GetSession(ctx, t.SessionID)
	if err != nil {
		return
	}
	sess.Status = db.SessionFailed
	sess.Reason = fmt.Sprintf("unknown platform %s", t.Platform)
	p.finish(ctx, sess, t, nil, 0)
	log.Printf("❌ Session %s failed: unknown platform %s", t.SessionID, t.Platform)
}

// process runs a single session to a terminal state.
func (p *Pool) process(ctx context.Context, t Task) {
	defer p.queue.MarkComplete(t.SessionID)

	if err := p.queries.ClaimSession(ctx, t.SessionID); err != nil {
		if errors.Is(err, db.ErrConflict) {
			// Cancelled or claimed elsewhere.
			log.Printf("⚠️ Session %s skipped at claim", t.SessionID)
			return
		}
		p.metrics.IncrementErrors()
		log.Printf("❌ Claim session %s: %v", t.SessionID, err)
		return
	}

	sess, err := p.queries.GetSession(ctx, t.SessionID)
	if err != nil {
		p.metrics.IncrementErrors()
		log.Printf("❌ Load session %s: %v", t.SessionID, err)
		return
	}
	sig, err := p.queries.GetSignal(ctx, t.SignalID)
	if err != nil {
		p.metrics.IncrementErrors()
		log.Printf("❌ Load signal %s: %v", t.SignalID, err)
		return
	}
	rel, err := p.loader.Get(ctx, sess.RelationshipID)
	if err != nil {
		sess.Status = db.SessionFailed
		sess.Reason = "relationship unavailable"
		p.finish(ctx, sess, t, &sig, 0)
		log.Printf("❌ Session %s failed: load relationship %s: %v", sess.ID, sess.RelationshipID, err)
		return
	}

	// A dispatcher racing a pause/stop can enqueue a session after the
	// cancel sweep ran. The claim is the last gate, so re-check here.
	if rel.Status != db.RelationshipActive {
		sess.Status = db.SessionCancelled
		sess.Reason = "relationship " + rel.Status
		if err := p.queries.FinishSession(ctx, sess); err != nil {
			p.metrics.IncrementErrors()
			log.Printf("❌ Finish session %s: %v", sess.ID, err)
			return
		}
		p.metrics.RecordOutcome(sess.Status)
		log.Printf("⚠️ Session %s cancelled: relationship %s is %s", sess.ID, rel.ID, rel.Status)
		return
	}

	if !p.followerConnected(ctx, rel) {
		sess.Status = db.SessionFailed
		sess.Reason = "follower connection unavailable"
		p.finish(ctx, sess, t, &sig, 0)
		log.Printf("❌ Session %s failed: connection %s not connected", sess.ID, rel.ConnectionID)
		return
	}

	if !p.registry.Available(t.Platform) {
		sess.Status = db.SessionFailed
		sess.Reason = "platform unavailable"
		p.finish(ctx, sess, t, &sig, 0)
		log.Printf("❌ Session %s failed: platform %s unavailable", sess.ID, t.Platform)
		return
	}

	adapter, err := p.registry.Get(t.Platform)
	if err != nil {
		sess.Status = db.SessionFailed
		sess.Reason = err.Error()
		p.finish(ctx, sess, t, &sig, 0)
		return
	}

	p.execute(ctx, adapter, sess, sig, rel, t)
}

// followerConnected gates execution on the follower's registered platform
// connection. A relationship without a stored connection row is admitted;
// a stored row must be active and in sync.
func (p *Pool) followerConnected(ctx context.Context, rel db.Relationship) bool {
	if rel.ConnectionID == "" {
		return true
	}
	conn, err := p.queries.GetConnection(ctx, rel.ConnectionID)
	if errors.Is(err, db.ErrNotFound) {
		return true
	}
	if err != nil {
		p.metrics.IncrementErrors()
		log.Printf("❌ Connection lookup %s: %v", rel.ConnectionID, err)
		return false
	}
	return conn.Active && conn.SyncStatus == db.SyncConnected
}

// execute drives the attempt loop with exponential backoff on transient
// venue errors.
func (p *Pool) execute(ctx context.Context, adapter platform.Adapter, sess db.Session, sig db.TradeSignal, rel db.Relationship, t Task) {
	timer := monitor.NewTimer(p.metrics.ExecutionLatency)
	defer timer.Stop()

	req := platform.OrderRequest{
		Symbol:       sig.Symbol,
		Side:         platform.Side(sig.Side),
		Type:         platform.OrderType(sig.OrderType),
		Qty:          sess.Quantity,
		Price:        sig.Price,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		Leverage:     sig.Leverage,
		ClientID:     sess.ID,
		AllowPartial: rel.Replication.AllowPartialFills,
	}

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := p.registry.Wait(ctx, t.Platform); err != nil {
			sess.Status = db.SessionFailed
			sess.Reason = "shutdown before execution"
			sess.RetryCount = attempt
			p.finish(ctx, sess, t, &sig, attempt)
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		ack, err := adapter.PlaceOrder(callCtx, req)
		var fill platform.Fill
		if err == nil {
			fill, err = adapter.GetFill(callCtx, ack.VenueOrderID)
		}
		cancel()

		delayMs := time.Since(sig.Timestamp).Milliseconds()

		if err == nil {
			p.recordAttempt(ctx, sess, sig, attempt, true, fill, "", delayMs, true)
			sess.Status = db.SessionCompleted
			sess.RetryCount = attempt
			sess.ReplicationDelayMs = delayMs
			if sig.Price > 0 {
				sess.Slippage = (fill.Price - sig.Price) / sig.Price
			}
			if sess.Quantity > 0 {
				sess.FillQuality = fill.FilledQty / sess.Quantity
			}
			sess.SLABreach = delayMs > int64(p.cfg.SLAThresholdMs)
			p.finishFilled(ctx, sess, t, sig, fill)
			log.Printf("✅ Session %s completed: %s %s %.6f @ %.4f (attempt %d, %dms)",
				sess.ID, sig.Side, sig.Symbol, fill.FilledQty, fill.Price, attempt, delayMs)
			return
		}

		var pErr *platform.Error
		transient := errors.As(err, &pErr) && pErr.Transient()

		if transient && pErr.Class == platform.FailUnavailable {
			// Venue outage: mark the platform down and stop burning attempts.
			p.registry.SetAvailable(t.Platform, false)
			p.recordAttempt(ctx, sess, sig, attempt, false, platform.Fill{}, err.Error(), delayMs, true)
			sess.Status = db.SessionFailed
			sess.Reason = "platform unavailable"
			sess.RetryCount = attempt
			p.finish(ctx, sess, t, &sig, attempt)
			log.Printf("❌ Session %s failed: %s marked unavailable", sess.ID, t.Platform)
			return
		}

		last := !transient || attempt == p.cfg.MaxRetries
		p.recordAttempt(ctx, sess, sig, attempt, false, platform.Fill{}, err.Error(), delayMs, last)

		if last {
			sess.Status = db.SessionFailed
			sess.Reason = err.Error()
			sess.RetryCount = attempt
			p.finish(ctx, sess, t, &sig, attempt)
			log.Printf("❌ Session %s failed after %d attempts: %v", sess.ID, attempt+1, err)
			return
		}

		p.metrics.IncrementRetries()
		backoff := p.backoff(attempt)
		log.Printf("🔄 Session %s attempt %d failed (%v), retrying in %v", sess.ID, attempt, err, backoff)
		select {
		case <-ctx.Done():
			sess.Status = db.SessionFailed
			sess.Reason = "shutdown before execution"
			sess.RetryCount = attempt
			p.finish(ctx, sess, t, &sig, attempt)
			return
		case <-time.After(backoff):
		}
	}
}

// backoff doubles the base delay per retry, capped by configuration.
func (p *Pool) backoff(attempt int) time.Duration {
	ms := p.cfg.RetryBaseMs
	for i := 0; i < attempt; i++ {
		ms *= 2
		if ms >= p.cfg.RetryCapMs {
			ms = p.cfg.RetryCapMs
			break
		}
	}
	return time.Duration(ms) * time.Millisecond
}

func (p *Pool) recordAttempt(ctx context.Context, sess db.Session, sig db.TradeSignal,
	attempt int, success bool, fill platform.Fill, errMsg string, delayMs int64, terminal bool) {
	slippage := 0.0
	if success && sig.Price > 0 {
		slippage = (fill.Price - sig.Price) / sig.Price
	}
	res := db.ExecutionResult{
		ID:          uuid.New().String(),
		SessionID:   sess.ID,
		SignalID:    sig.ID,
		Attempt:     attempt,
		Platform:    sig.Platform,
		Success:     success,
		FilledQty:   fill.FilledQty,
		FilledPrice: fill.Price,
		Remaining:   fill.Remaining,
		Fees:        fill.Fees,
		ErrorMsg:    errMsg,
		DelayMs:     delayMs,
		Slippage:    slippage,
		Terminal:    terminal,
	}
	if err := p.queries.InsertExecutionResult(ctx, res); err != nil {
		p.metrics.IncrementErrors()
		log.Printf("❌ Record attempt %d for session %s: %v", attempt, sess.ID, err)
	}
}

// finishFilled finalizes a completed session, books the exposure, and
// publishes the outcome.
func (p *Pool) finishFilled(ctx context.Context, sess db.Session, t Task, sig db.TradeSignal, fill platform.Fill) {
	if err := p.queries.FinishSession(ctx, sess); err != nil {
		p.metrics.IncrementErrors()
		log.Printf("❌ Finish session %s: %v", sess.ID, err)
		return
	}
	p.governor.RecordFill(sess.RelationshipID, sig.Symbol, sig.Side, fill.FilledQty)
	p.metrics.RecordOutcome(sess.Status)
	if sess.SLABreach {
		p.metrics.IncrementSLABreaches()
	}

	p.bus.Publish(events.EventSessionCompleted, events.SessionOutcome{
		SessionID:      sess.ID,
		SignalID:       sig.ID,
		RelationshipID: sess.RelationshipID,
		Platform:       sig.Platform,
		Status:         sess.Status,
		Attempt:        sess.RetryCount,
		FilledQty:      fill.FilledQty,
		FilledPrice:    fill.Price,
		Fees:           fill.Fees,
		PnL:            executionPnL(sig, fill),
		DelayMs:        sess.ReplicationDelayMs,
		Slippage:       sess.Slippage,
		SLABreach:      sess.SLABreach,
		At:             time.Now().UTC(),
	})
}

// finish finalizes a failed session. sig may be nil for unroutable tasks.
func (p *Pool) finish(ctx context.Context, sess db.Session, t Task, sig *db.TradeSignal, attempt int) {
	if err := p.queries.FinishSession(ctx, sess); err != nil {
		p.metrics.IncrementErrors()
		log.Printf("❌ Finish session %s: %v", sess.ID, err)
		return
	}
	p.metrics.RecordOutcome(sess.Status)

	outcome := events.SessionOutcome{
		SessionID:      sess.ID,
		SignalID:       t.SignalID,
		RelationshipID: sess.RelationshipID,
		Platform:       t.Platform,
		Status:         sess.Status,
		Reason:         sess.Reason,
		Attempt:        attempt,
		At:             time.Now().UTC(),
	}
	if sig != nil {
		outcome.Platform = sig.Platform
	}
	p.bus.Publish(events.EventSessionFailed, outcome)
}

// executionPnL values a replica fill against the master's reference price.
// A fill at a better price than the signal is positive for the follower.
func executionPnL(sig db.TradeSignal, fill platform.Fill) float64 {
	if sig.Price <= 0 {
		return -fill.Fees
	}
	diff := sig.Price - fill.Price
	if sig.Side == "SELL" {
		diff = fill.Price - sig.Price
	}
	return diff*fill.FilledQty - fill.Fees
}
