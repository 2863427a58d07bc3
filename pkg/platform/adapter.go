// Package platform abstracts the brokerage venues replica orders route to.
package platform

import (
	"context"
	"fmt"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          float64
	Price        float64 // required for LIMIT; reference price for MARKET
	StopLoss     float64
	TakeProfit   float64
	Leverage     float64
	ClientID     string // session id, doubles as the venue idempotency key
	AllowPartial bool
}

// OrderAck returns the venue ack.
type OrderAck struct {
	VenueOrderID string
	ClientID     string
}

// Fill reports the outcome of an acked order.
type Fill struct {
	VenueOrderID string
	Symbol       string
	Side         Side
	FilledQty    float64
	Remaining    float64
	Price        float64
	Fees         float64
}

// Adapter abstracts one venue connection.
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	GetFill(ctx context.Context, venueOrderID string) (Fill, error)
}

// Failure classes a venue error can fall into. Transient failures are
// retried with backoff; permanent ones fail the session immediately.
const (
	FailTimeout      = "timeout"
	FailRateLimited  = "rate_limited"
	FailUnavailable  = "unavailable"
	FailRejected     = "rejected"
	FailBadRequest   = "bad_request"
	FailInsufficient = "insufficient_funds"
)

// Error is a classified venue failure.
type Error struct {
	Venue string
	Class string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Venue, e.Class, e.Msg)
}

// Transient reports whether retrying the same order can succeed.
func (e *Error) Transient() bool {
	switch e.Class {
	case FailTimeout, FailRateLimited, FailUnavailable:
		return true
	}
	return false
}

// NewError builds a classified venue failure.
func NewError(venue, class, msg string) *Error {
	return &Error{Venue: venue, Class: class, Msg: msg}
}
