package platform

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimConfig tunes the simulated venue.
type SimConfig struct {
	FillRatio    float64 // fraction of qty filled, 1.0 = full fill
	FeeRate      float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps  float64 // basis points of slippage applied on fills
	LatencyMinMs int     // simulated venue latency lower bound
	LatencyMaxMs int     // simulated venue latency upper bound
}

// SimAdapter is an in-memory venue used for dry runs and tests. Failures can
// be scripted per call so retry paths are exercised deterministically.
type SimAdapter struct {
	name string
	cfg  SimConfig
	rng  *rand.Rand

	mu     sync.Mutex
	fills  map[string]Fill
	script []error // consumed front to back by PlaceOrder
	placed int
}

func NewSimAdapter(name string, cfg SimConfig) *SimAdapter {
	if cfg.FillRatio <= 0 || cfg.FillRatio > 1 {
		cfg.FillRatio = 1
	}
	if cfg.LatencyMaxMs > 0 && cfg.LatencyMinMs > cfg.LatencyMaxMs {
		cfg.LatencyMinMs, cfg.LatencyMaxMs = cfg.LatencyMaxMs, cfg.LatencyMinMs
	}
	return &SimAdapter{
		name:  name,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		fills: make(map[string]Fill),
	}
}

func (s *SimAdapter) Name() string { return s.name }

// Script queues errors that the next PlaceOrder calls will return in order.
// A nil entry means that call succeeds.
func (s *SimAdapter) Script(errs ...error) {
	s.mu.Lock()
	s.script = append(s.script, errs...)
	s.mu.Unlock()
}

// Placed reports how many PlaceOrder calls the adapter has seen.
func (s *SimAdapter) Placed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placed
}

func (s *SimAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	s.sleepLatency(ctx)
	if err := ctx.Err(); err != nil {
		return OrderAck{}, NewError(s.name, FailTimeout, err.Error())
	}

	s.mu.Lock()
	s.placed++
	var scripted error
	if len(s.script) > 0 {
		scripted = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()
	if scripted != nil {
		return OrderAck{}, scripted
	}

	if req.Qty <= 0 {
		return OrderAck{}, NewError(s.name, FailBadRequest, "quantity must be positive")
	}

	price := req.Price
	if price <= 0 {
		price = 1 // market order without a reference price
	}
	slippageFrac := s.cfg.SlippageBps / 10000.0
	if slippageFrac > 0 {
		noise := s.rng.Float64() * slippageFrac
		if strings.ToUpper(string(req.Side)) == string(SideBuy) {
			price = price * (1 + noise)
		} else {
			price = price * (1 - noise)
		}
	}

	filled := req.Qty * s.cfg.FillRatio
	if !req.AllowPartial && filled < req.Qty {
		return OrderAck{}, NewError(s.name, FailRejected, "partial fill not allowed")
	}

	ack := OrderAck{VenueOrderID: uuid.NewString(), ClientID: req.ClientID}
	s.mu.Lock()
	s.fills[ack.VenueOrderID] = Fill{
		VenueOrderID: ack.VenueOrderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		FilledQty:    filled,
		Remaining:    req.Qty - filled,
		Price:        price,
		Fees:         price * filled * s.cfg.FeeRate,
	}
	s.mu.Unlock()
	return ack, nil
}

func (s *SimAdapter) GetFill(ctx context.Context, venueOrderID string) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, NewError(s.name, FailTimeout, err.Error())
	}
	s.mu.Lock()
	fill, ok := s.fills[venueOrderID]
	s.mu.Unlock()
	if !ok {
		return Fill{}, NewError(s.name, FailBadRequest, "unknown order "+venueOrderID)
	}
	return fill, nil
}

func (s *SimAdapter) sleepLatency(ctx context.Context) {
	if s.cfg.LatencyMaxMs <= 0 {
		return
	}
	span := s.cfg.LatencyMaxMs - s.cfg.LatencyMinMs
	delayMs := s.cfg.LatencyMinMs
	if span > 0 {
		s.mu.Lock()
		delayMs += s.rng.Intn(span + 1)
		s.mu.Unlock()
	}
	if delayMs <= 0 {
		return
	}
	select {
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
	case <-ctx.Done():
	}
}
