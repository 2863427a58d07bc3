package sizing

import (
	"errors"
	"math"
	"testing"

	"copytrade-core/pkg/db"
)

func baseSignal() db.TradeSignal {
	return db.TradeSignal{
		ID: "sig1", MasterID: "m1", Symbol: "BTCUSDT", Side: "BUY",
		Quantity: 1.0, Price: 45000, MasterCapital: 100000,
	}
}

func baseRelationship(policy string) db.Relationship {
	return db.Relationship{
		ID: "r1", AllocatedCapital: 10000, SizingPolicy: policy, FixedQty: 0.05,
	}
}

func TestProportionalSizing(t *testing.T) {
	t.Run("scales by capital ratio", func(t *testing.T) {
		qty, err := Compute(baseSignal(), baseRelationship(db.SizingProportional), TrailingStats{}, 0.0001)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if math.Abs(qty-0.1) > 1e-9 {
			t.Errorf("expected 0.1, got %v", qty)
		}
	})

	t.Run("doubling capital doubles quantity", func(t *testing.T) {
		rel := baseRelationship(db.SizingProportional)
		q1, err := Compute(baseSignal(), rel, TrailingStats{}, 0.0001)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		rel.AllocatedCapital *= 2
		q2, err := Compute(baseSignal(), rel, TrailingStats{}, 0.0001)
		if err != nil {
			t.Fatalf("compute doubled: %v", err)
		}
		if math.Abs(q2-2*q1) > 1e-9 {
			t.Errorf("expected %v, got %v", 2*q1, q2)
		}
	})

	t.Run("max position size caps", func(t *testing.T) {
		rel := baseRelationship(db.SizingProportional)
		rel.MaxPositionSize = 0.05
		qty, err := Compute(baseSignal(), rel, TrailingStats{}, 0.0001)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if qty != 0.05 {
			t.Errorf("expected cap at 0.05, got %v", qty)
		}
	})

	t.Run("unknown master capital rejected", func(t *testing.T) {
		sig := baseSignal()
		sig.MasterCapital = 0
		_, err := Compute(sig, baseRelationship(db.SizingProportional), TrailingStats{}, 0.0001)
		var serr *Error
		if !errors.As(err, &serr) {
			t.Errorf("expected sizing error, got %v", err)
		}
	})
}

func TestFixedSizing(t *testing.T) {
	qty, err := Compute(baseSignal(), baseRelationship(db.SizingFixed), TrailingStats{}, 0.0001)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if qty != 0.05 {
		t.Errorf("expected fixed 0.05, got %v", qty)
	}

	rel := baseRelationship(db.SizingFixed)
	rel.MaxPositionSize = 0.01
	qty, err = Compute(baseSignal(), rel, TrailingStats{}, 0.0001)
	if err != nil {
		t.Fatalf("compute capped: %v", err)
	}
	if qty != 0.01 {
		t.Errorf("fixed qty should still be capped, got %v", qty)
	}
}

func TestKellySizing(t *testing.T) {
	stats := TrailingStats{WinRate: 0.6, AvgWin: 300, AvgLoss: 200}

	t.Run("positive edge yields quantity", func(t *testing.T) {
		qty, err := Compute(baseSignal(), baseRelationship(db.SizingKelly), stats, 0.0001)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		// f = 0.6 - 0.4/1.5 = 1/3, capped at 0.25 -> stake 2500 at 45000.
		want := roundToIncrement(2500.0/45000.0, 0.0001)
		if math.Abs(qty-want) > 1e-9 {
			t.Errorf("expected %v, got %v", want, qty)
		}
	})

	t.Run("no edge rejected", func(t *testing.T) {
		_, err := Compute(baseSignal(), baseRelationship(db.SizingKelly),
			TrailingStats{WinRate: 0.4, AvgWin: 100, AvgLoss: 200}, 0.0001)
		var serr *Error
		if !errors.As(err, &serr) {
			t.Errorf("expected sizing error for negative edge, got %v", err)
		}
	})

	t.Run("missing price rejected", func(t *testing.T) {
		sig := baseSignal()
		sig.Price = 0
		_, err := Compute(sig, baseRelationship(db.SizingKelly), stats, 0.0001)
		var serr *Error
		if !errors.As(err, &serr) {
			t.Errorf("expected sizing error without price, got %v", err)
		}
	})

	t.Run("empty history falls back to proportional", func(t *testing.T) {
		qty, err := Compute(baseSignal(), baseRelationship(db.SizingKelly), TrailingStats{}, 0.0001)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if math.Abs(qty-0.1) > 1e-9 {
			t.Errorf("expected proportional 0.1, got %v", qty)
		}
	})
}

func TestIncrementRounding(t *testing.T) {
	t.Run("rounds down to increment", func(t *testing.T) {
		rel := baseRelationship(db.SizingFixed)
		rel.FixedQty = 0.057
		qty, err := Compute(baseSignal(), rel, TrailingStats{}, 0.01)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if math.Abs(qty-0.05) > 1e-9 {
			t.Errorf("expected 0.05, got %v", qty)
		}
	})

	t.Run("dust rejected", func(t *testing.T) {
		rel := baseRelationship(db.SizingFixed)
		rel.FixedQty = 0.004
		_, err := Compute(baseSignal(), rel, TrailingStats{}, 0.01)
		var serr *Error
		if !errors.As(err, &serr) {
			t.Errorf("expected sizing error for dust, got %v", err)
		}
	})

	t.Run("exact increment multiple survives float noise", func(t *testing.T) {
		rel := baseRelationship(db.SizingFixed)
		rel.FixedQty = 0.07
		qty, err := Compute(baseSignal(), rel, TrailingStats{}, 0.01)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if math.Abs(qty-0.07) > 1e-9 {
			t.Errorf("expected 0.07, got %v", qty)
		}
	})

	t.Run("unknown policy rejected", func(t *testing.T) {
		rel := baseRelationship("martingale")
		_, err := Compute(baseSignal(), rel, TrailingStats{}, 0.01)
		var serr *Error
		if !errors.As(err, &serr) {
			t.Errorf("expected sizing error for unknown policy, got %v", err)
		}
	})
}
