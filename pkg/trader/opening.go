package trader

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gregtusar/calspread/pkg/market"
	"github.com/gregtusar/calspread/pkg/metrics"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/gregtusar/calspread/pkg/notify"
	"github.com/gregtusar/calspread/pkg/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// evaluateOpening sells the far month and buys the near month when the far
// bid clears the near ask.
func (e *Engine) evaluateOpening(ctx context.Context, inst string, pair models.LegPair, cells market.Cells, now time.Time) Outcome {
	gaps := ComputeGaps(cells)
	gapA, gapB := gaps.A.InexactFloat64(), gaps.B.InexactFloat64()
	e.spreads[inst] = newSpreadSnapshot(inst, cells, gaps, now)
	metrics.SpreadGap.WithLabelValues(inst, "gap_a").Set(gapA)
	metrics.SpreadGap.WithLabelValues(inst, "gap_b").Set(gapB)

	log := e.logger.WithFields(logrus.Fields{
		"variant":    e.cfg.Variant,
		"instrument": e.label(inst),
	})

	if gaps.A.IsPositive() || gaps.B.IsPositive() {
		e.lastSignal[inst] = now
	}
	if gaps.A.IsPositive() {
		log.WithFields(logrus.Fields{
			"gap":      gapA,
			"near_bid": cells.NearBid.Price,
			"far_ask":  cells.FarAsk.Price,
		}).Info("Sell-near/buy-far gap")
	}
	if !gaps.B.IsPositive() {
		return Outcome{Reason: ReasonNoGap}
	}
	log = log.WithField("gap", gapB)
	log.WithFields(logrus.Fields{
		"far_bid":  cells.FarBid.Price,
		"near_ask": cells.NearAsk.Price,
		"far_vol":  cells.FarBid.Volume,
		"near_vol": cells.NearAsk.Volume,
	}).Info("Sell-far/buy-near gap")

	if !e.sessions.Open(now) {
		log.Info("Outside trading session, not opening")
		return Outcome{Reason: ReasonOutOfSession}
	}

	exposure := risk.Exposure{
		Instrument:    inst,
		InstrumentQty: e.positions.InstrumentQuantity(inst),
		TotalQty:      e.positions.TotalQuantity(),
	}
	if d := e.governor.Evaluate(exposure); !d.Allowed {
		metrics.RiskDenials.WithLabelValues(d.Limit).Inc()
		log.WithFields(logrus.Fields{
			"limit":   d.Limit,
			"current": d.Current,
			"cap":     d.Cap,
		}).Warn("Position limit reached, not opening")
		if e.governor.ShouldAlert(d.AlertKey(inst), now) {
			e.notifier.Send(notify.SeverityWarning, "Position limit reached", d.Reason)
		}
		return Outcome{Reason: ReasonRiskDenied}
	}

	pairCost := e.cfg.Costs.PairCost(cells.NearAsk.Price, cells.FarBid.Price)
	affordable := int64(math.MaxInt64)
	if !e.cfg.TestMode {
		affordable = AffordableLots(e.balance, pairCost)
		if affordable < 1 {
			log.WithFields(logrus.Fields{
				"balance":   e.balance,
				"pair_cost": pairCost.InexactFloat64(),
			}).Info("Insufficient margin for one pair")
			return Outcome{Reason: ReasonNoQuantity}
		}
	}

	headroomPairs := e.governor.Headroom(exposure) / 2
	qty := OpeningQuantity(cells, affordable, e.governor.MaxOrderQuantity, headroomPairs)
	log = log.WithField("quantity", qty)
	if qty <= 0 {
		log.Debug("No tradable quantity")
		return Outcome{Reason: ReasonNoQuantity}
	}

	if e.orders.NetInFlight(pair.Near.Code) != 0 || e.orders.NetInFlight(pair.Far.Code) != 0 {
		log.Info("Previous order still working, not opening")
		return Outcome{Reason: ReasonInFlight}
	}

	legs := OpeningLegs(pair, cells)
	if !e.cfg.OrderEnabled {
		log.WithField("legs", legs).Info("Orders disabled, would open spread")
		return Outcome{Reason: ReasonDryRun}
	}

	// Both legs go out back to back; there is no automatic unwind.
	results := make([]models.LegResult, 0, len(legs))
	for _, leg := range legs {
		results = append(results, e.submit(ctx, leg, qty))
	}
	trade := e.newTrade(inst, gapB, qty, results)
	e.record(ctx, trade)

	if !allAccepted(results) {
		log.WithField("legs", legStatuses(results)).Error("Combo order failed")
		e.notifier.Send(notify.SeverityCritical, "Combo order failed",
			fmt.Sprintf("%s open x%d: %s; single-leg exposure possible", e.label(inst), qty, legStatuses(results)))
		return Outcome{Reason: ReasonFailed, Trade: trade}
	}

	used := decimal.Zero
	for _, r := range results {
		used = used.Add(e.cfg.Costs.LegMargin(r.Leg.Price, qty))
	}
	e.balance -= used.InexactFloat64()

	log.WithField("balance", e.balance).Info("Spread opened")
	e.notifier.Send(notify.SeverityInfo, "Spread opened",
		fmt.Sprintf("%s sell %s @ %.2f, buy %s @ %.2f, x%d, gap %.2f",
			e.label(inst), pair.Far.Code, cells.FarBid.Price, pair.Near.Code, cells.NearAsk.Price, qty, gapB))
	return Outcome{Reason: ReasonSubmitted, Trade: trade}
}

func allAccepted(results []models.LegResult) bool {
	for _, r := range results {
		if !r.Accepted() {
			return false
		}
	}
	return len(results) > 0
}

func legStatuses(results []models.LegResult) string {
	var s string
	for i, r := range results {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s %s %s", r.Leg.Contract.Code, r.Leg.Side, r.Status)
	}
	return s
}
