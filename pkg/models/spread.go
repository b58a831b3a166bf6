package models

import (
	"time"
)

// SpreadSnapshot is the gap view of one instrument at a point in time.
type SpreadSnapshot struct {
	Instrument string    `json:"instrument"`
	NearBid    BookLevel `json:"near_bid"`
	NearAsk    BookLevel `json:"near_ask"`
	FarBid     BookLevel `json:"far_bid"`
	FarAsk     BookLevel `json:"far_ask"`
	// GapA is near-bid minus far-ask (sell near / buy far).
	GapA float64 `json:"gap_a"`
	// GapB is far-bid minus near-ask (sell far / buy near).
	GapB float64 `json:"gap_b"`
	// CloseGap is the unwind advantage over entry of the held legs. Only
	// the closing variant sets it.
	CloseGap  float64   `json:"close_gap,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LegAction is one order of a spread opportunity.
type LegAction struct {
	Contract ContractID
	Side     OrderSide
	Price    float64
	// Gap is this leg's contribution to the closing gap; zero when opening.
	Gap float64
}

// SpreadOpportunity is an actionable plan. It is never persisted.
type SpreadOpportunity struct {
	Instrument string
	Legs       []LegAction
	Gap        float64
	Quantity   int64
}

// SpreadTrade records a submission for the journal.
type SpreadTrade struct {
	ID         string
	Variant    string
	Instrument string
	Legs       []LegResult
	Gap        float64
	Quantity   int64
	// EstimatedProfit is only set when closing.
	EstimatedProfit float64
	CreatedAt       time.Time
}

// LegResult is the gateway outcome of one leg of a spread trade.
type LegResult struct {
	Leg     LegAction
	OrderID string
	Status  OrderStatus
	Err     error
}

// Accepted reports whether the leg reached the broker.
func (r LegResult) Accepted() bool {
	return r.Err == nil && r.Status.Accepted()
}
