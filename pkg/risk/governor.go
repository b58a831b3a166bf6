// Package risk gates new exposure against configured position caps.
package risk

import (
	"fmt"
	"time"
)

// Limit names, also used as alert-throttle key prefixes.
const (
	LimitOrderQuantity      = "order_quantity"
	LimitInstrumentPosition = "instrument_position"
	LimitTotalPosition      = "total_position"
)

// Limits are loaded once from configuration. Quantities are in contracts.
type Limits struct {
	MaxOrderQuantity      int64 `mapstructure:"max_order_quantity"`
	MaxInstrumentPosition int64 `mapstructure:"max_instrument_position"`
	MaxTotalPosition      int64 `mapstructure:"max_total_position"`
}

// Validate rejects non-positive caps.
func (l Limits) Validate() error {
	if l.MaxOrderQuantity <= 0 {
		return fmt.Errorf("max_order_quantity must be positive, got %d", l.MaxOrderQuantity)
	}
	if l.MaxInstrumentPosition <= 0 {
		return fmt.Errorf("max_instrument_position must be positive, got %d", l.MaxInstrumentPosition)
	}
	if l.MaxTotalPosition <= 0 {
		return fmt.Errorf("max_total_position must be positive, got %d", l.MaxTotalPosition)
	}
	return nil
}

// Exposure is the aggregate held quantity plus what an action would add.
type Exposure struct {
	Instrument    string
	InstrumentQty int64
	TotalQty      int64
	Prospective   int64
}

// Decision is the result of a risk evaluation.
type Decision struct {
	Allowed bool
	Limit   string
	Reason  string
	Current int64
	Cap     int64
}

// AlertKey identifies the breached limit for alert throttling. Per-instrument
// breaches are keyed per instrument.
func (d Decision) AlertKey(instrument string) string {
	if d.Limit == LimitInstrumentPosition {
		return d.Limit + ":" + instrument
	}
	return d.Limit
}

// Evaluate has no side effects. It denies when either cap has no headroom
// left, when the prospective quantity would push a position past its cap, or
// when the prospective quantity exceeds the per-order cap.
func (l Limits) Evaluate(e Exposure) Decision {
	if e.TotalQty >= l.MaxTotalPosition || e.TotalQty+e.Prospective > l.MaxTotalPosition {
		return Decision{
			Limit:   LimitTotalPosition,
			Reason:  fmt.Sprintf("total position %d (+%d) against cap %d", e.TotalQty, e.Prospective, l.MaxTotalPosition),
			Current: e.TotalQty,
			Cap:     l.MaxTotalPosition,
		}
	}
	if e.InstrumentQty >= l.MaxInstrumentPosition || e.InstrumentQty+e.Prospective > l.MaxInstrumentPosition {
		return Decision{
			Limit:   LimitInstrumentPosition,
			Reason:  fmt.Sprintf("%s position %d (+%d) against cap %d", e.Instrument, e.InstrumentQty, e.Prospective, l.MaxInstrumentPosition),
			Current: e.InstrumentQty,
			Cap:     l.MaxInstrumentPosition,
		}
	}
	if e.Prospective > l.MaxOrderQuantity {
		return Decision{
			Limit:   LimitOrderQuantity,
			Reason:  fmt.Sprintf("order quantity %d against cap %d", e.Prospective, l.MaxOrderQuantity),
			Current: e.Prospective,
			Cap:     l.MaxOrderQuantity,
		}
	}
	return Decision{Allowed: true}
}

// Headroom is the number of contracts that can still be added without
// breaching either position cap.
func (l Limits) Headroom(e Exposure) int64 {
	room := l.MaxTotalPosition - e.TotalQty
	if inst := l.MaxInstrumentPosition - e.InstrumentQty; inst < room {
		room = inst
	}
	if room < 0 {
		return 0
	}
	return room
}

// Governor pairs the limits with a per-key alert throttle so a standing
// breach is reported once rather than on every tick.
type Governor struct {
	Limits

	// window re-arms an alert after it elapses; zero means once per process.
	window   time.Duration
	notified map[string]time.Time
}

func NewGovernor(limits Limits, alertWindow time.Duration) *Governor {
	return &Governor{
		Limits:   limits,
		window:   alertWindow,
		notified: make(map[string]time.Time),
	}
}

// ShouldAlert reports whether an alert for key should go out now and, if so,
// records it.
func (g *Governor) ShouldAlert(key string, now time.Time) bool {
	last, seen := g.notified[key]
	if seen && (g.window <= 0 || now.Sub(last) < g.window) {
		return false
	}
	g.notified[key] = now
	return true
}
