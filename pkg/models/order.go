package models

import (
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that unwinds this one.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus is the engine-side order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAcked     OrderStatus = "acked"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// InFlight reports whether the order is still unresolved at the broker.
func (s OrderStatus) InFlight() bool {
	return s == OrderStatusPending || s == OrderStatusAcked
}

// Accepted reports whether a submission reached the broker successfully.
func (s OrderStatus) Accepted() bool {
	return s.InFlight()
}

type TimeInForce string

const (
	TimeInForceROD TimeInForce = "ROD"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// SecurityType classifies broker orders; only futures are tracked.
type SecurityType string

const (
	SecurityFuture SecurityType = "FUT"
	SecurityOption SecurityType = "OPT"
	SecurityStock  SecurityType = "STK"
)

type OrderRequest struct {
	Contract    string
	Side        OrderSide
	Price       float64
	Quantity    int64
	TimeInForce TimeInForce
}

// OrderAck is the gateway's answer to a submission.
type OrderAck struct {
	OrderID string
	Status  OrderStatus
	Message string
}

// WorkingOrder is a submitted order as mirrored by the working-order tracker.
type WorkingOrder struct {
	OrderID      string       `json:"order_id"`
	Contract     string       `json:"contract"`
	SecurityType SecurityType `json:"security_type"`
	Side         OrderSide    `json:"side"`
	Price        float64      `json:"price"`
	Quantity     int64        `json:"quantity"`
	Status       OrderStatus  `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
}

// SignedQuantity is +quantity for buys and -quantity for sells.
func (o WorkingOrder) SignedQuantity() int64 {
	if o.Side == OrderSideSell {
		return -o.Quantity
	}
	return o.Quantity
}

// Amendment changes either the price or the quantity of a working order.
type Amendment struct {
	Price    *float64
	Quantity *int64
}
