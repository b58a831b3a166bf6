package models

import (
	"time"
)

// Slot identifies which leg of a calendar spread a contract belongs to.
type Slot int

const (
	SlotUnknown Slot = iota
	SlotNear
	SlotFar
)

func (s Slot) String() string {
	switch s {
	case SlotNear:
		return "near"
	case SlotFar:
		return "far"
	default:
		return "unknown"
	}
}

func (s Slot) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BookSide selects the bid or ask side of the top of book.
type BookSide string

const (
	BookBid BookSide = "bid"
	BookAsk BookSide = "ask"
)

// BookLevel is a single price level. A zero price or volume means no quote.
type BookLevel struct {
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
}

// Empty reports whether the level carries no usable quote.
func (l BookLevel) Empty() bool {
	return l.Price <= 0 || l.Volume <= 0
}

// Quote is the best bid/ask snapshot for one contract as delivered by the
// quote transport.
type Quote struct {
	Contract  string
	Bid       BookLevel
	Ask       BookLevel
	Timestamp time.Time
}

// OrderEventKind distinguishes order acknowledgements from deals.
type OrderEventKind string

const (
	OrderEventOrder OrderEventKind = "order"
	OrderEventDeal  OrderEventKind = "deal"
)

// OrderEvent is an order-status change pushed by the broker. The engine only
// uses it as a reconcile trigger.
type OrderEvent struct {
	Kind      OrderEventKind
	OrderID   string
	Contract  string
	Status    OrderStatus
	Timestamp time.Time
}

// MarginSnapshot is the account-level margin view.
type MarginSnapshot struct {
	AvailableMargin float64   `json:"available_margin"`
	Equity          float64   `json:"equity"`
	InitialMargin   float64   `json:"initial_margin"`
	MaintenanceRate float64   `json:"maintenance_rate"`
	UpdatedAt       time.Time `json:"updated_at"`
}
