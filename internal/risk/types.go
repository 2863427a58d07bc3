package risk

import (
	"copytrade-core/pkg/db"
)

// Veto codes, in the order the governor evaluates them.
const (
	CodeSymbolNotAllowed = "symbol_not_allowed"
	CodeLeverageCap      = "leverage_cap"
	CodeMaxPositionSize  = "max_position_size"
	CodeMaxDailyLoss     = "max_daily_loss"
	CodeMaxDrawdown      = "max_drawdown"
	CodeCorrelation      = "correlation_cap"
	CodeCircuitBreaker   = "circuit_breaker"
)

// Veto is a governor rejection. Suspend marks the fail-safe vetoes that move
// the relationship to suspended until the user re-activates it.
type Veto struct {
	Code    string
	Detail  string
	Suspend bool
}

func (v *Veto) Error() string {
	return "risk veto: " + v.Code + ": " + v.Detail
}

// Candidate is one replica order awaiting clearance.
type Candidate struct {
	Signal   db.TradeSignal
	Quantity float64
}

// Snapshot carries the mutable state a risk decision depends on, assembled
// by the governor from the metrics store and the exposure book.
type Snapshot struct {
	DailyLoss    float64  // realized loss today, positive number
	Drawdown     float64  // current drawdown fraction, 0..1
	OpenExposure float64  // open quantity in the candidate's symbol
	OpenSymbols  []string // symbols with open exposure for this relationship
}

// GroupResolver reports the correlation group a symbol belongs to, nil when
// the symbol is ungrouped.
type GroupResolver interface {
	GroupOf(symbol string) []string
}

// intraGroupCorrelation is the assumed pairwise correlation between symbols
// sharing a correlation group.
const intraGroupCorrelation = 0.9
