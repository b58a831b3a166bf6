package trader

import (
	"sort"

	"github.com/gregtusar/calspread/pkg/market"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/shopspring/decimal"
)

// Gaps are the two calendar spread directions of one instrument.
type Gaps struct {
	// A is near-bid minus far-ask: sell near, buy far. Logged only.
	A decimal.Decimal
	// B is far-bid minus near-ask: sell far, buy near.
	B decimal.Decimal
}

// ComputeGaps assumes complete cells.
func ComputeGaps(c market.Cells) Gaps {
	return Gaps{
		A: price(c.NearBid).Sub(price(c.FarAsk)),
		B: price(c.FarBid).Sub(price(c.NearAsk)),
	}
}

// OpeningQuantity bounds an opening by visible volume on both traded sides,
// affordable pairs, the per-order cap and the remaining risk headroom in pairs.
func OpeningQuantity(c market.Cells, affordable, orderCap, headroomPairs int64) int64 {
	qty := min(c.FarBid.Volume, c.NearAsk.Volume, affordable, orderCap, headroomPairs)
	if qty < 0 {
		return 0
	}
	return qty
}

// OpeningLegs is the far sell at far-bid followed by the near buy at near-ask.
func OpeningLegs(pair models.LegPair, c market.Cells) []models.LegAction {
	return []models.LegAction{
		{Contract: pair.Far, Side: models.OrderSideSell, Price: c.FarBid.Price},
		{Contract: pair.Near, Side: models.OrderSideBuy, Price: c.NearAsk.Price},
	}
}

// HeldLeg is a held position on one leg with the net in-flight quantity of
// its contract.
type HeldLeg struct {
	Contract    models.ContractID
	Position    models.Position
	NetInFlight int64
}

// closingInFlight counts only orders working in the unwind direction.
func (h HeldLeg) closingInFlight() int64 {
	if h.Position.Direction == models.DirectionShort {
		return max(h.NetInFlight, 0)
	}
	return max(-h.NetInFlight, 0)
}

// ClosePlan is the unwind of every held leg at the opposite side of the book.
type ClosePlan struct {
	Legs     []models.LegAction
	Gap      decimal.Decimal
	Quantity int64
}

// PlanClose sums each leg's unwind advantage over its entry price and
// intersects the closeable quantity across legs. Legs are ordered far first.
func PlanClose(c market.Cells, held []HeldLeg) ClosePlan {
	var plan ClosePlan
	for i, h := range held {
		side := h.Position.Direction.CloseSide()
		var (
			level models.BookLevel
			gap   decimal.Decimal
		)
		avg := decimal.NewFromFloat(h.Position.AvgPrice)
		if h.Position.Direction == models.DirectionShort {
			level = c.Level(h.Contract.Slot, models.BookAsk)
			gap = avg.Sub(price(level))
		} else {
			level = c.Level(h.Contract.Slot, models.BookBid)
			gap = price(level).Sub(avg)
		}

		remaining := max(h.Position.Quantity-h.closingInFlight(), 0)
		closeable := min(level.Volume, remaining)
		if i == 0 || closeable < plan.Quantity {
			plan.Quantity = closeable
		}
		plan.Gap = plan.Gap.Add(gap)
		plan.Legs = append(plan.Legs, models.LegAction{
			Contract: h.Contract,
			Side:     side,
			Price:    level.Price,
			Gap:      gap.InexactFloat64(),
		})
	}

	sort.SliceStable(plan.Legs, func(i, j int) bool {
		return plan.Legs[i].Contract.Slot == models.SlotFar && plan.Legs[j].Contract.Slot != models.SlotFar
	})
	if plan.Quantity < 0 {
		plan.Quantity = 0
	}
	return plan
}

// EstimatedProfit is gap × multiplier × qty less the transaction cost of
// every leg.
func EstimatedProfit(costs Costs, gap decimal.Decimal, qty int64, legs []models.LegAction) decimal.Decimal {
	q := decimal.NewFromInt(qty)
	profit := gap.Mul(decimal.NewFromFloat(costs.Multiplier)).Mul(q)
	for _, leg := range legs {
		profit = profit.Sub(costs.Transaction(leg.Price).Mul(q))
	}
	return profit
}

func price(l models.BookLevel) decimal.Decimal {
	return decimal.NewFromFloat(l.Price)
}
