// Package sizing computes replica order quantities from a signal and the
// follower's sizing policy. Everything here is pure so the dispatcher can
// call it on its hot path.
package sizing

import (
	"fmt"
	"math"

	"copytrade-core/pkg/db"
)

// Error is a sizing rejection. Sessions carrying one fail without retry.
type Error struct {
	Policy string
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sizing (%s): %s", e.Policy, e.Msg)
}

// TrailingStats is the slice of performance history the kelly policy needs.
type TrailingStats struct {
	WinRate float64 // fraction of winning trades, 0..1
	AvgWin  float64 // mean profit of winning trades, currency units
	AvgLoss float64 // mean loss of losing trades, positive currency units
}

// Compute returns the replica quantity for one signal under one relationship.
// increment is the instrument's minimum tradable unit; quantities are rounded
// down to it and anything below it is rejected rather than sent as dust.
func Compute(sig db.TradeSignal, rel db.Relationship, stats TrailingStats, increment float64) (float64, error) {
	var qty float64

	switch rel.SizingPolicy {
	case db.SizingProportional:
		q, err := proportionalQty(sig, rel)
		if err != nil {
			return 0, err
		}
		qty = q

	case db.SizingFixed:
		qty = rel.FixedQty

	case db.SizingKelly:
		if stats == (TrailingStats{}) {
			// No trailing history yet; size proportionally until the first
			// fills build a track record.
			q, err := proportionalQty(sig, rel)
			if err != nil {
				return 0, err
			}
			qty = q
			break
		}
		stake := kellyStake(rel.AllocatedCapital, stats)
		if stake <= 0 {
			return 0, &Error{Policy: rel.SizingPolicy, Msg: "no positive edge in trailing stats"}
		}
		price := sig.Price
		if price <= 0 {
			return 0, &Error{Policy: rel.SizingPolicy, Msg: "kelly sizing needs a reference price"}
		}
		qty = stake / price

	default:
		return 0, &Error{Policy: rel.SizingPolicy, Msg: "unknown sizing policy"}
	}

	if rel.MaxPositionSize > 0 && qty > rel.MaxPositionSize {
		qty = rel.MaxPositionSize
	}

	qty = roundToIncrement(qty, increment)
	if qty <= 0 || (increment > 0 && qty < increment) {
		return 0, &Error{Policy: rel.SizingPolicy, Msg: "quantity below minimum tradable increment"}
	}
	return qty, nil
}

func proportionalQty(sig db.TradeSignal, rel db.Relationship) (float64, error) {
	if sig.MasterCapital <= 0 {
		return 0, &Error{Policy: rel.SizingPolicy, Msg: "master capital unknown"}
	}
	return sig.Quantity * (rel.AllocatedCapital / sig.MasterCapital), nil
}

// kellyStake returns the capital fraction f = W - (1-W)/R scaled by the
// allocated capital, where R is the win/loss payoff ratio. A non-positive
// edge yields zero.
func kellyStake(capital float64, s TrailingStats) float64 {
	if s.AvgLoss <= 0 || s.WinRate <= 0 || s.WinRate >= 1 {
		return 0
	}
	r := s.AvgWin / s.AvgLoss
	if r <= 0 {
		return 0
	}
	f := s.WinRate - (1-s.WinRate)/r
	if f <= 0 {
		return 0
	}
	// Stake fraction is capped at quarter Kelly.
	if f > 0.25 {
		f = 0.25
	}
	return capital * f
}

func roundToIncrement(qty, increment float64) float64 {
	if increment <= 0 {
		return qty
	}
	steps := math.Floor(qty/increment + 1e-9)
	return steps * increment
}
