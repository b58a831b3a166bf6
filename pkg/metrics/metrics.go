// Package metrics holds the Prometheus collectors of the spread engine. They
// are registered on the default registry and served by the status API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "calspread"

// QuotesProcessed counts quote events per instrument and leg.
var QuotesProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "market",
		Name:      "quotes_processed_total",
		Help:      "Quote events applied to the market table",
	},
	[]string{"instrument", "slot"},
)

// SpreadGap is the last computed gap per instrument. kind is gap_a, gap_b or close.
var SpreadGap = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "strategy",
		Name:      "gap",
		Help:      "Last computed calendar spread gap",
	},
	[]string{"instrument", "kind"},
)

// Decisions counts strategy outcomes per tick.
var Decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "strategy",
		Name:      "decisions_total",
		Help:      "Per-tick strategy outcomes by reason",
	},
	[]string{"variant", "reason"},
)

// OrdersSubmitted counts leg submissions by result.
var OrdersSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "submitted_total",
		Help:      "Order legs sent to the gateway",
	},
	[]string{"side", "result"},
)

// RiskDenials counts risk-gate denials by limit.
var RiskDenials = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "denials_total",
		Help:      "Openings denied by the risk governor",
	},
	[]string{"limit"},
)

// HeldContracts is the reconciled total position.
var HeldContracts = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "held_contracts",
		Help:      "Total contracts held after the last reconcile",
	},
)

// Reconciles counts ledger refreshes by result.
var Reconciles = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "reconciles_total",
		Help:      "Position and order reconciles",
	},
	[]string{"result"},
)

// Reconnects counts supervisor recovery attempts by result.
var Reconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Session recovery attempts",
	},
	[]string{"result"},
)

// TickPanics counts recovered panics in tick evaluation.
var TickPanics = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "strategy",
		Name:      "tick_panics_total",
		Help:      "Panics recovered while evaluating a tick",
	},
)
