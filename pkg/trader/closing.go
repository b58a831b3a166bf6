package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/gregtusar/calspread/pkg/market"
	"github.com/gregtusar/calspread/pkg/metrics"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/gregtusar/calspread/pkg/notify"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// evaluateClosing unwinds held legs when the combined advantage over entry
// clears the profit epsilon.
func (e *Engine) evaluateClosing(ctx context.Context, inst string, pair models.LegPair, cells market.Cells, now time.Time) Outcome {
	log := e.logger.WithFields(logrus.Fields{
		"variant":    e.cfg.Variant,
		"instrument": e.label(inst),
	})

	held := e.positions.ByInstrument(inst)
	if len(held) == 0 {
		return Outcome{Reason: ReasonNoPosition}
	}
	if len(held) == 1 && e.orders.NetInFlight(held[0].Contract) == 0 {
		p := held[0]
		log.WithFields(logrus.Fields{
			"contract":  p.Contract,
			"direction": p.Direction,
			"quantity":  p.Quantity,
			"avg_price": p.AvgPrice,
		}).Warn("Single-leg position")
		e.notifier.Send(notify.SeverityWarning, "Single-leg position",
			fmt.Sprintf("%s holds only %s %s x%d @ %.2f", e.label(inst), p.Contract, p.Direction, p.Quantity, p.AvgPrice))
	}

	legs := make([]HeldLeg, 0, len(held))
	for _, p := range held {
		slot := pair.SlotOf(p.Contract)
		contract, ok := pair.Leg(slot)
		if !ok {
			log.WithField("contract", p.Contract).Debug("Held contract is neither near nor far month")
			continue
		}
		legs = append(legs, HeldLeg{
			Contract:    contract,
			Position:    p,
			NetInFlight: e.orders.NetInFlight(p.Contract),
		})
	}
	if len(legs) == 0 {
		return Outcome{Reason: ReasonNoPosition}
	}

	plan := PlanClose(cells, legs)
	gap := plan.Gap.InexactFloat64()
	snap := newSpreadSnapshot(inst, cells, ComputeGaps(cells), now)
	snap.CloseGap = gap
	e.spreads[inst] = snap
	metrics.SpreadGap.WithLabelValues(inst, "close").Set(gap)
	log = log.WithFields(logrus.Fields{"gap": gap, "quantity": plan.Quantity})

	if !plan.Gap.GreaterThan(decimal.NewFromFloat(*e.cfg.ProfitEpsilon)) || plan.Quantity <= 0 {
		return Outcome{Reason: ReasonNoGap}
	}
	e.lastSignal[inst] = now

	if !e.sessions.Open(now) {
		log.Info("Outside trading session, not closing")
		return Outcome{Reason: ReasonOutOfSession}
	}

	qty := min(plan.Quantity, e.cfg.MaxClosePerTick)
	log = log.WithField("quantity", qty)
	log.Info("Closing spread")

	if !e.cfg.OrderEnabled {
		log.WithField("legs", plan.Legs).Info("Orders disabled, would close spread")
		return Outcome{Reason: ReasonDryRun}
	}

	results := make([]models.LegResult, 0, len(plan.Legs))
	for _, leg := range plan.Legs {
		r := e.submit(ctx, leg, qty)
		results = append(results, r)
		if !r.Accepted() {
			e.notifier.Send(notify.SeverityCritical, "Close order failed",
				fmt.Sprintf("%s %s %s x%d @ %.2f: %s", e.label(inst), leg.Contract.Code, leg.Side, qty, leg.Price, r.Status))
			continue
		}
		e.positions.AdjustLocally(leg.Contract.Code, -qty)
	}

	profit := EstimatedProfit(e.cfg.Costs, plan.Gap, qty, plan.Legs)
	trade := e.newTrade(inst, gap, qty, results)
	trade.EstimatedProfit = profit.InexactFloat64()
	e.record(ctx, trade)

	log.WithField("estimated_profit", trade.EstimatedProfit).Info("Close orders sent")
	if !allAccepted(results) {
		return Outcome{Reason: ReasonFailed, Trade: trade}
	}
	e.notifier.Send(notify.SeverityInfo, "Spread closed",
		fmt.Sprintf("%s x%d gap %.2f, estimated profit %.0f", e.label(inst), qty, gap, trade.EstimatedProfit))
	return Outcome{Reason: ReasonSubmitted, Trade: trade}
}
