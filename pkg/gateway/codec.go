package gateway

import (
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gregtusar/calspread/pkg/broker"
	"github.com/gregtusar/calspread/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Wire payloads of the bridge. They never leave this package.

type positionPayload struct {
	Code      string  `json:"code"`
	Direction string  `json:"direction"`
	Quantity  int64   `json:"quantity"`
	Price     float64 `json:"price"`
}

type orderPayload struct {
	ID           string  `json:"id"`
	Code         string  `json:"code"`
	SecurityType string  `json:"security_type"`
	Action       string  `json:"action"`
	Price        float64 `json:"price"`
	Quantity     int64   `json:"quantity"`
	Status       string  `json:"status"`
	OrderTime    int64   `json:"order_time"`
}

type marginPayload struct {
	AvailableMargin float64 `json:"available_margin"`
	Equity          float64 `json:"equity"`
	InitialMargin   float64 `json:"initial_margin"`
	MaintenanceRate float64 `json:"maintenance_rate"`
}

type placeOrderPayload struct {
	Account   string  `json:"account"`
	Code      string  `json:"code"`
	Action    string  `json:"action"`
	Price     float64 `json:"price"`
	Quantity  int64   `json:"quantity"`
	PriceType string  `json:"price_type"`
	OrderType string  `json:"order_type"`
	OCType    string  `json:"octype"`
}

type orderAckPayload struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"msg"`
}

type amendPayload struct {
	Price    *float64 `json:"price,omitempty"`
	Quantity *int64   `json:"quantity,omitempty"`
}

type contractPayload struct {
	Code           string `json:"code"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	DeliveryMonth  string `json:"delivery_month"`
	UnderlyingCode string `json:"underlying_code"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// streamEnvelope is the first decode pass of every stream frame.
type streamEnvelope struct {
	Type string `json:"type"`
}

type bidAskFrame struct {
	Code      string    `json:"code"`
	BidPrice  []float64 `json:"bid_price"`
	BidVolume []int64   `json:"bid_volume"`
	AskPrice  []float64 `json:"ask_price"`
	AskVolume []int64   `json:"ask_volume"`
	Timestamp int64     `json:"ts"`
}

type orderFrame struct {
	Op        string `json:"op"`
	OrderID   string `json:"order_id"`
	Code      string `json:"code"`
	Status    string `json:"status"`
	Timestamp int64  `json:"ts"`
}

type subscribeFrame struct {
	Type      string   `json:"type"`
	Channel   string   `json:"channel"`
	Codes     []string `json:"codes"`
	Key       string   `json:"key,omitempty"`
	Time      string   `json:"timestamp,omitempty"`
	Signature string   `json:"signature,omitempty"`
}

func toPosition(p positionPayload) models.Position {
	dir := models.DirectionLong
	if strings.EqualFold(p.Direction, "sell") || strings.EqualFold(p.Direction, "short") {
		dir = models.DirectionShort
	}
	return models.Position{
		Contract:  p.Code,
		Direction: dir,
		Quantity:  p.Quantity,
		AvgPrice:  p.Price,
	}
}

func toWorkingOrder(o orderPayload) models.WorkingOrder {
	return models.WorkingOrder{
		OrderID:      o.ID,
		Contract:     o.Code,
		SecurityType: models.SecurityType(strings.ToUpper(o.SecurityType)),
		Side:         toSide(o.Action),
		Price:        o.Price,
		Quantity:     o.Quantity,
		Status:       broker.StatusFromGateway(o.Status),
		CreatedAt:    fromMillis(o.OrderTime),
	}
}

func toMargin(m marginPayload, at time.Time) models.MarginSnapshot {
	return models.MarginSnapshot{
		AvailableMargin: m.AvailableMargin,
		Equity:          m.Equity,
		InitialMargin:   m.InitialMargin,
		MaintenanceRate: m.MaintenanceRate,
		UpdatedAt:       at,
	}
}

// toQuote keeps only the top level of each side.
func toQuote(f bidAskFrame) models.Quote {
	q := models.Quote{Contract: f.Code, Timestamp: fromMillis(f.Timestamp)}
	if len(f.BidPrice) > 0 && len(f.BidVolume) > 0 {
		q.Bid = models.BookLevel{Price: f.BidPrice[0], Volume: f.BidVolume[0]}
	}
	if len(f.AskPrice) > 0 && len(f.AskVolume) > 0 {
		q.Ask = models.BookLevel{Price: f.AskPrice[0], Volume: f.AskVolume[0]}
	}
	return q
}

func toOrderEvent(f orderFrame) models.OrderEvent {
	kind := models.OrderEventOrder
	if strings.EqualFold(f.Op, "deal") {
		kind = models.OrderEventDeal
	}
	return models.OrderEvent{
		Kind:      kind,
		OrderID:   f.OrderID,
		Contract:  f.Code,
		Status:    broker.StatusFromGateway(f.Status),
		Timestamp: fromMillis(f.Timestamp),
	}
}

func toSide(action string) models.OrderSide {
	if strings.EqualFold(action, "sell") {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}

func fromSide(side models.OrderSide) string {
	if side == models.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
