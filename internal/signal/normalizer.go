// Package signal turns raw master trade events into canonical trade signals.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/events"
	"copytrade-core/internal/monitor"
	"copytrade-core/pkg/db"
)

// RawEvent is one trade event as delivered by a master's platform feed.
// Delivery is at-least-once; the normalizer owns deduplication.
type RawEvent struct {
	MasterID   string    `json:"master_id" binding:"required"`
	Symbol     string    `json:"symbol" binding:"required"`
	Side       string    `json:"side" binding:"required"`
	Quantity   float64   `json:"quantity" binding:"required"`
	Price      float64   `json:"price"`
	OrderType  string    `json:"order_type"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Leverage   float64   `json:"leverage"`
	Platform   string    `json:"platform" binding:"required"`
	Timestamp  time.Time `json:"timestamp" binding:"required"`
}

var (
	ErrInvalid   = errors.New("invalid signal event")
	ErrDuplicate = errors.New("duplicate signal event")
	// ErrSourceNotConnected rejects events from a platform connection that is
	// not in the connected state.
	ErrSourceNotConnected = errors.New("source connection not connected")
)

// ConnectionChecker reports whether a master's feed connection is healthy.
type ConnectionChecker interface {
	SourceConnected(ctx context.Context, masterID, platform string) bool
}

// Normalizer validates, deduplicates, and canonicalizes raw events. It is the
// single producer of trade signals; everything downstream treats its output
// as immutable.
type Normalizer struct {
	queries *db.Queries
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	conns   ConnectionChecker
	window  time.Duration
	capital func(ctx context.Context, masterID string) float64

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewNormalizer creates a normalizer with the given dedup window.
func NewNormalizer(queries *db.Queries, bus *events.Bus, metrics *monitor.SystemMetrics, conns ConnectionChecker, window time.Duration) *Normalizer {
	n := &Normalizer{
		queries: queries,
		bus:     bus,
		metrics: metrics,
		conns:   conns,
		window:  window,
		seen:    make(map[string]time.Time),
	}
	n.capital = n.lookupCapital
	return n
}

// Normalize converts one raw event into a stored trade signal. Rejected
// events are logged and dropped, never propagated.
func (n *Normalizer) Normalize(ctx context.Context, ev RawEvent) (db.TradeSignal, error) {
	if err := validate(ev); err != nil {
		log.Printf("signal: dropped invalid event from %s: %v", ev.MasterID, err)
		return db.TradeSignal{}, err
	}

	if n.conns != nil && !n.conns.SourceConnected(ctx, ev.MasterID, ev.Platform) {
		log.Printf("signal: dropped event from %s: %s feed not connected", ev.MasterID, ev.Platform)
		return db.TradeSignal{}, ErrSourceNotConnected
	}

	if n.isDuplicate(ev) {
		if n.metrics != nil {
			n.metrics.IncrementDuplicates()
		}
		if n.bus != nil {
			n.bus.Publish(events.EventSignalDuplicate, ev)
		}
		return db.TradeSignal{}, ErrDuplicate
	}

	sig := db.TradeSignal{
		ID:            uuid.NewString(),
		MasterID:      ev.MasterID,
		Symbol:        strings.ToUpper(strings.TrimSpace(ev.Symbol)),
		Side:          strings.ToUpper(ev.Side),
		Quantity:      ev.Quantity,
		Price:         ev.Price,
		OrderType:     orderType(ev),
		StopLoss:      ev.StopLoss,
		TakeProfit:    ev.TakeProfit,
		Leverage:      leverage(ev),
		Platform:      ev.Platform,
		MasterCapital: n.capital(ctx, ev.MasterID),
		Timestamp:     ev.Timestamp.UTC(),
	}

	if n.queries != nil {
		if err := n.queries.InsertSignal(ctx, sig); err != nil {
			return db.TradeSignal{}, fmt.Errorf("persist signal: %w", err)
		}
	}
	if n.metrics != nil {
		n.metrics.IncrementSignals()
	}
	if n.bus != nil {
		n.bus.Publish(events.EventSignalNormalized, sig)
	}
	return sig, nil
}

func validate(ev RawEvent) error {
	if ev.MasterID == "" || ev.Platform == "" {
		return fmt.Errorf("%w: missing master or platform", ErrInvalid)
	}
	if strings.TrimSpace(ev.Symbol) == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalid)
	}
	side := strings.ToUpper(ev.Side)
	if side != "BUY" && side != "SELL" {
		return fmt.Errorf("%w: side %q", ErrInvalid, ev.Side)
	}
	if ev.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %v", ErrInvalid, ev.Quantity)
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalid)
	}
	return nil
}

func orderType(ev RawEvent) string {
	t := strings.ToUpper(ev.OrderType)
	if t == "" {
		t = "MARKET"
	}
	return t
}

func leverage(ev RawEvent) float64 {
	if ev.Leverage <= 0 {
		return 1
	}
	return ev.Leverage
}

// isDuplicate checks the identity key within the dedup window and records
// the event. Expired entries are pruned on the way through.
func (n *Normalizer) isDuplicate(ev RawEvent) bool {
	key := fmt.Sprintf("%s|%s|%s|%v|%d",
		ev.MasterID, strings.ToUpper(ev.Symbol), strings.ToUpper(ev.Side), ev.Quantity, ev.Timestamp.UnixMilli())
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()

	for k, at := range n.seen {
		if now.Sub(at) > n.window {
			delete(n.seen, k)
		}
	}
	if _, dup := n.seen[key]; dup {
		return true
	}
	n.seen[key] = now
	return false
}

// lookupCapital reads the master's notional capital for proportional sizing.
func (n *Normalizer) lookupCapital(ctx context.Context, masterID string) float64 {
	if n.queries == nil {
		return 0
	}
	m, err := n.queries.GetMasterTrader(ctx, masterID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("signal: master lookup %s: %v", masterID, err)
		}
		return 0
	}
	return m.NotionalCapital
}
