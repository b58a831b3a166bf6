package models

import (
	"time"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// CloseSide is the order side that unwinds a holding in this direction.
func (d Direction) CloseSide() OrderSide {
	if d == DirectionShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Position is a broker-reported holding of one contract.
type Position struct {
	Contract  string    `json:"contract"`
	Direction Direction `json:"direction"`
	Quantity  int64     `json:"quantity"`
	AvgPrice  float64   `json:"avg_price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Instrument returns the underlying instrument code of the position.
func (p Position) Instrument() string {
	inst, _, _ := SplitContractCode(p.Contract)
	return inst
}
