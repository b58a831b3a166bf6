package trader

import (
	"maps"
	"time"

	"github.com/gregtusar/calspread/pkg/market"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/gregtusar/calspread/pkg/rollover"
)

// Snapshot is a read-only copy of engine state, published after every event.
type Snapshot struct {
	Variant   Variant                          `json:"variant"`
	Months    rollover.Months                  `json:"months"`
	Contracts map[string]models.LegPair        `json:"contracts"`
	Market    map[string]market.Cells          `json:"market"`
	Spreads   map[string]models.SpreadSnapshot `json:"spreads"`
	Positions []models.Position                `json:"positions"`
	Orders    []models.WorkingOrder            `json:"orders"`
	Margin    models.MarginSnapshot            `json:"margin"`
	Balance   float64                          `json:"balance"`
	UpdatedAt time.Time                        `json:"updated_at"`
}

// Snapshot returns the latest published state. Safe for concurrent use.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

func (e *Engine) publish() {
	e.snapshot.Store(&Snapshot{
		Variant:   e.cfg.Variant,
		Months:    e.months,
		Contracts: maps.Clone(e.contracts),
		Market:    e.table.Snapshot(),
		Spreads:   maps.Clone(e.spreads),
		Positions: e.positions.All(),
		Orders:    e.orders.Orders(),
		Margin:    e.margin,
		Balance:   e.balance,
		UpdatedAt: e.clock(),
	})
}

func newSpreadSnapshot(inst string, cells market.Cells, gaps Gaps, now time.Time) models.SpreadSnapshot {
	return models.SpreadSnapshot{
		Instrument: inst,
		NearBid:    cells.NearBid,
		NearAsk:    cells.NearAsk,
		FarBid:     cells.FarBid,
		FarAsk:     cells.FarAsk,
		GapA:       gaps.A.InexactFloat64(),
		GapB:       gaps.B.InexactFloat64(),
		Timestamp:  now,
	}
}
