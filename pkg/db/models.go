package db

import (
	"time"
)

// Relationship lifecycle states.
const (
	RelationshipActive    = "active"
	RelationshipPaused    = "paused"
	RelationshipStopped   = "stopped"
	RelationshipSuspended = "suspended"
)

// Session states.
const (
	SessionPending   = "pending"
	SessionExecuting = "executing"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Platform connection sync states.
const (
	SyncConnected    = "connected"
	SyncDisconnected = "disconnected"
	SyncError        = "error"
	SyncSyncing      = "syncing"
)

// Sizing policies.
const (
	SizingProportional = "proportional"
	SizingFixed        = "fixed"
	SizingKelly        = "kelly"
)

// MasterTrader represents a signal source account.
// Identity fields are immutable after registration; the performance
// snapshot columns are recomputed periodically by the aggregator.
type MasterTrader struct {
	ID                 string
	DisplayName        string
	Strategy           string // scalping, swing, momentum, ...
	RiskLevel          string // low, medium, high
	Verified           bool
	FeeRate            float64
	NotionalCapital    float64
	MaxFollowers       int
	AcceptingFollowers bool
	FollowerCount      int
	// Performance snapshot
	TotalReturn  float64
	SharpeRatio  float64
	MaxDrawdown  float64
	WinRate      float64
	ProfitFactor float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RiskLimits holds per-relationship or global guardrails.
// AllowedSymbols empty means every instrument is allowed.
type RiskLimits struct {
	MaxDailyLoss    float64
	MaxDrawdown     float64
	AllowedSymbols  []string
	LeverageCaps    map[string]float64 // symbol -> max leverage
	AutoLiquidateAt float64
	MaxCorrelation  float64
	CircuitBreaker  bool
}

// ReplicationSettings tune how closely a replica tracks its source trade.
type ReplicationSettings struct {
	TargetDelayMs     int
	AllowPartialFills bool
	MaxSlippage       float64
}

// Relationship is one follower's subscription to one master.
type Relationship struct {
	ID               string
	FollowerID       string
	MasterID         string
	ConnectionID     string // follower's platform connection
	Status           string
	AllocatedCapital float64
	SizingPolicy     string
	FixedQty         float64 // for the fixed policy
	MaxPositionSize  float64 // 0 means uncapped
	Limits           RiskLimits
	Replication      ReplicationSettings
	// Counters, written only by the aggregator.
	TotalTrades      int
	SuccessfulTrades int
	FailedTrades     int
	TotalPnL         float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time // logical delete on unfollow
}

// TradeSignal is the canonical, immutable form of one master trade.
type TradeSignal struct {
	ID            string
	MasterID      string
	Symbol        string
	Side          string // BUY or SELL
	Quantity      float64
	Price         float64 // 0 for market orders without a reference price
	OrderType     string  // MARKET, LIMIT
	StopLoss      float64
	TakeProfit    float64
	Leverage      float64
	Platform      string
	MasterCapital float64 // master notional capital at signal time
	Timestamp     time.Time
	CreatedAt     time.Time
}

// Session is one attempt to replicate one signal into one relationship.
type Session struct {
	ID                 string
	SignalID           string
	RelationshipID     string
	Status             string
	Reason             string // populated on failed/cancelled
	Quantity           float64
	RetryCount         int
	ReplicationDelayMs int64
	Slippage           float64
	FillQuality        float64
	SLABreach          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ExecutionResult is the append-only outcome record of one execution attempt.
type ExecutionResult struct {
	ID          string
	SessionID   string
	SignalID    string
	Attempt     int
	Platform    string
	Success     bool
	FilledQty   float64
	FilledPrice float64
	Remaining   float64
	Fees        float64
	ErrorMsg    string
	DelayMs     int64
	Slippage    float64
	Terminal    bool
	CreatedAt   time.Time
}

// PlatformConnection links a follower or master account to a brokerage.
type PlatformConnection struct {
	ID          string
	OwnerID     string
	Platform    string
	ConnType    string // api_key, oauth, ...
	Active      bool
	SyncStatus  string
	RateBudget  int // orders per minute
	RateResetAt time.Time
	UpdatedAt   time.Time
}

// MetricsRow persists aggregated performance per scope.
// Scope is "relationship" or "platform"; Key the relationship or platform id.
type MetricsRow struct {
	Scope         string
	Key           string
	TotalTrades   int
	Successful    int
	Failed        int
	SuccessRate   float64
	AvgDelayMs    float64
	TotalPnL      float64
	DailyPnL      float64
	DailyDate     string
	PeakPnL       float64
	MaxDrawdown   float64
	SharpeRatio   float64
	WinRate       float64
	ProfitFactor  float64
	SLABreaches   int
	GrossProfit   float64
	GrossLoss     float64
	ReturnMean    float64
	ReturnM2      float64
	ReturnSamples int
	DelayTotal    float64
	UpdatedAt     time.Time
}
