package events

import "time"

// Event enumerates high-level topics inside the replication core.
type Event string

const (
	EventSignalReceived    Event = "signal.received"
	EventSignalNormalized  Event = "signal.normalized"
	EventSignalDuplicate   Event = "signal.duplicate"
	EventSessionCreated    Event = "session.created"
	EventSessionCompleted  Event = "session.completed"
	EventSessionFailed     Event = "session.failed"
	EventSessionCancelled  Event = "session.cancelled"
	EventRiskVeto          Event = "risk.veto"
	EventRiskAlert         Event = "risk.alert"
	EventRelationshipState Event = "relationship.state"
	EventMetricsUpdated    Event = "metrics.updated"
)

// SessionOutcome is published on every terminal session transition and is
// what the aggregator consumes.
type SessionOutcome struct {
	SessionID      string    `json:"session_id"`
	SignalID       string    `json:"signal_id"`
	RelationshipID string    `json:"relationship_id"`
	Platform       string    `json:"platform"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Attempt        int       `json:"attempt"`
	FilledQty      float64   `json:"filled_qty"`
	FilledPrice    float64   `json:"filled_price"`
	Fees           float64   `json:"fees"`
	PnL            float64   `json:"pnl"`
	DelayMs        int64     `json:"delay_ms"`
	Slippage       float64   `json:"slippage"`
	SLABreach      bool      `json:"sla_breach"`
	At             time.Time `json:"at"`
}

// RiskVeto is published when the governor blocks a replica trade.
type RiskVeto struct {
	RelationshipID string    `json:"relationship_id"`
	SignalID       string    `json:"signal_id"`
	Code           string    `json:"code"`
	Detail         string    `json:"detail"`
	Suspended      bool      `json:"suspended"`
	At             time.Time `json:"at"`
}

// RelationshipState announces lifecycle transitions (pause, resume, suspend).
type RelationshipState struct {
	RelationshipID string    `json:"relationship_id"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}
