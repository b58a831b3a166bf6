package trader

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/calspread/pkg/broker/paper"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/gregtusar/calspread/pkg/notify"
	"github.com/gregtusar/calspread/pkg/risk"
	"github.com/gregtusar/calspread/pkg/session"
	"github.com/sirupsen/logrus"
)

type alert struct {
	severity notify.Severity
	subject  string
	body     string
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert
}

func (n *recordingNotifier) Send(severity notify.Severity, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert{severity, subject, body})
}

func (n *recordingNotifier) count(subject string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, a := range n.alerts {
		if a.subject == subject {
			c++
		}
	}
	return c
}

type panickingNotifier struct{}

func (panickingNotifier) Send(notify.Severity, string, string) { panic("notifier down") }

type recordingJournal struct {
	trades []models.SpreadTrade
}

func (j *recordingJournal) Record(_ context.Context, trade models.SpreadTrade) error {
	j.trades = append(j.trades, trade)
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	engine  *Engine
	broker  *paper.Broker
	alerts  *recordingNotifier
	journal *recordingJournal
	clock   *fakeClock
}

// Monday 5 Jan 2026 09:00 UTC: day session, near FA6, far FB6.
var monday = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, variant Variant, b *paper.Broker, mutate func(*Config)) *harness {
	t.Helper()

	cfg := Config{
		Variant:      variant,
		Account:      "acct",
		Instruments:  []models.Instrument{{Code: "AB"}, {Code: "CD"}, {Code: "EF"}, {Code: "HS"}},
		OrderEnabled: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sessions, err := session.NewSchedule(session.DefaultWindows(), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		broker:  b,
		alerts:  &recordingNotifier{},
		journal: &recordingJournal{},
		clock:   &fakeClock{now: monday},
	}
	h.engine, err = New(cfg, Deps{
		Broker:   b,
		Notifier: h.alerts,
		Journal:  h.journal,
		Sessions: sessions,
		Governor: risk.NewGovernor(risk.Limits{
			MaxOrderQuantity:      10,
			MaxInstrumentPosition: 50,
			MaxTotalPosition:      300,
		}, 0),
		Clock:  h.clock.Now,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func (h *harness) quote(contract string, bid, ask models.BookLevel) Outcome {
	return h.engine.HandleQuote(context.Background(), models.Quote{Contract: contract, Bid: bid, Ask: ask, Timestamp: h.clock.now})
}

// abBook feeds the near then the far quote of the AB scenario.
func (h *harness) abBook() Outcome {
	h.quote("ABFA6", lvl(41.0, 5), lvl(41.2, 4))
	return h.quote("ABFB6", lvl(42.0, 3), lvl(42.3, 6))
}

func fundedBroker() *paper.Broker {
	b := paper.New()
	// Exactly ten AB pairs at 22517.328 each.
	b.SetMargin(models.MarginSnapshot{AvailableMargin: 225200})
	return b
}

func TestScenarioABOpensSpread(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)

	if out := h.quote("ABFA6", lvl(41.0, 5), lvl(41.2, 4)); out.Reason != ReasonIncomplete {
		t.Fatalf("first leg only: expected incomplete, got %s", out.Reason)
	}
	out := h.quote("ABFB6", lvl(42.0, 3), lvl(42.3, 6))
	if out.Reason != ReasonSubmitted {
		t.Fatalf("expected submitted, got %s", out.Reason)
	}

	sent := h.broker.Submitted()
	if len(sent) != 2 {
		t.Fatalf("expected 2 orders, got %+v", sent)
	}
	if sent[0].Contract != "ABFB6" || sent[0].Side != models.OrderSideSell || sent[0].Price != 42.0 || sent[0].Quantity != 3 {
		t.Errorf("far leg: %+v", sent[0])
	}
	if sent[1].Contract != "ABFA6" || sent[1].Side != models.OrderSideBuy || sent[1].Price != 41.2 || sent[1].Quantity != 3 {
		t.Errorf("near leg: %+v", sent[1])
	}
	if math.Abs(out.Trade.Gap-0.8) > 1e-9 {
		t.Errorf("gap = %v, want 0.8", out.Trade.Gap)
	}

	if got := h.engine.orders.NetInFlight("ABFB6"); got != -3 {
		t.Errorf("far in flight = %d, want -3", got)
	}
	if got := h.engine.orders.NetInFlight("ABFA6"); got != 3 {
		t.Errorf("near in flight = %d, want 3", got)
	}
	// 225200 - (34071.68 + 33423.648)
	if math.Abs(h.engine.balance-157704.672) > 1e-6 {
		t.Errorf("balance = %v", h.engine.balance)
	}
	if len(h.journal.trades) != 1 || h.journal.trades[0].Variant != "open" {
		t.Errorf("journal: %+v", h.journal.trades)
	}
	if h.alerts.count("Spread opened") != 1 {
		t.Error("expected an open notification")
	}
}

func TestDebounce(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)
	if out := h.abBook(); out.Reason != ReasonSubmitted {
		t.Fatalf("expected submitted, got %s", out.Reason)
	}

	h.clock.Advance(30 * time.Second)
	if out := h.quote("ABFB6", lvl(42.0, 3), lvl(42.3, 6)); out.Reason != ReasonDebounced {
		t.Errorf("within a minute: expected debounced, got %s", out.Reason)
	}

	h.clock.Advance(31 * time.Second)
	if out := h.quote("ABFB6", lvl(42.0, 3), lvl(42.3, 6)); out.Reason != ReasonInFlight {
		t.Errorf("after a minute: expected in-flight guard, got %s", out.Reason)
	}
	if n := len(h.broker.Submitted()); n != 2 {
		t.Errorf("expected no new orders, got %d submissions", n)
	}
}

func TestDebouncePerInstrument(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)
	h.abBook()

	h.quote("CDFA6", lvl(33.0, 5), lvl(33.1, 5))
	if out := h.quote("CDFB6", lvl(33.5, 5), lvl(33.6, 5)); out.Reason == ReasonDebounced {
		t.Error("another instrument must not be debounced")
	}
}

func TestGapAOnlyIsLoggedAndMarksSignal(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)

	h.quote("ABFA6", lvl(42.5, 5), lvl(42.6, 4))
	if out := h.quote("ABFB6", lvl(42.0, 3), lvl(42.3, 6)); out.Reason != ReasonNoGap {
		t.Fatalf("expected no_gap, got %s", out.Reason)
	}
	if len(h.broker.Submitted()) != 0 {
		t.Error("sell-near/buy-far must never be traded")
	}
	if out := h.quote("ABFB6", lvl(42.0, 3), lvl(42.3, 6)); out.Reason != ReasonDebounced {
		t.Errorf("positive gap_a must start the debounce window, got %s", out.Reason)
	}
}

func TestNoGapDoesNotDebounce(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)
	h.quote("ABFA6", lvl(42.0, 5), lvl(42.1, 4))
	if out := h.quote("ABFB6", lvl(42.0, 3), lvl(42.2, 6)); out.Reason != ReasonNoGap {
		t.Fatalf("expected no_gap, got %s", out.Reason)
	}
	if out := h.quote("ABFB6", lvl(42.0, 3), lvl(42.2, 6)); out.Reason != ReasonNoGap {
		t.Errorf("expected no_gap again, got %s", out.Reason)
	}
}

func TestOpeningOutsideSession(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)
	h.clock.now = time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)
	if out := h.abBook(); out.Reason != ReasonOutOfSession {
		t.Errorf("expected out_of_session, got %s", out.Reason)
	}
	if len(h.broker.Submitted()) != 0 {
		t.Error("no orders outside session")
	}
}

func TestOpeningRiskDeniedAlertsOnce(t *testing.T) {
	b := fundedBroker()
	b.SetPositions(
		models.Position{Contract: "ABFA6", Direction: models.DirectionLong, Quantity: 25, AvgPrice: 41},
		models.Position{Contract: "ABFB6", Direction: models.DirectionShort, Quantity: 25, AvgPrice: 42},
	)
	h := newHarness(t, VariantOpen, b, nil)

	if out := h.abBook(); out.Reason != ReasonRiskDenied {
		t.Fatalf("expected risk_denied, got %s", out.Reason)
	}
	h.clock.Advance(2 * time.Minute)
	if out := h.quote("ABFB6", lvl(42.0, 3), lvl(42.3, 6)); out.Reason != ReasonRiskDenied {
		t.Fatalf("expected risk_denied, got %s", out.Reason)
	}
	if got := h.alerts.count("Position limit reached"); got != 1 {
		t.Errorf("expected one limit alert, got %d", got)
	}
	if len(h.broker.Submitted()) != 0 {
		t.Error("no orders when denied")
	}
}

func TestOpeningClampsToHeadroom(t *testing.T) {
	b := fundedBroker()
	b.SetPositions(
		models.Position{Contract: "ABFA6", Direction: models.DirectionLong, Quantity: 23, AvgPrice: 41},
		models.Position{Contract: "ABFB6", Direction: models.DirectionShort, Quantity: 23, AvgPrice: 42},
	)
	h := newHarness(t, VariantOpen, b, nil)

	out := h.abBook()
	if out.Reason != ReasonSubmitted {
		t.Fatalf("expected submitted, got %s", out.Reason)
	}
	if out.Trade.Quantity != 2 {
		t.Errorf("4 contracts of headroom allow 2 pairs, got %d", out.Trade.Quantity)
	}
}

func TestOpeningInsufficientMargin(t *testing.T) {
	b := paper.New()
	b.SetMargin(models.MarginSnapshot{AvailableMargin: 20000})
	h := newHarness(t, VariantOpen, b, nil)

	if out := h.abBook(); out.Reason != ReasonNoQuantity {
		t.Errorf("expected no_quantity, got %s", out.Reason)
	}
}

func TestOpeningTestModeSkipsMargin(t *testing.T) {
	h := newHarness(t, VariantOpen, paper.New(), func(c *Config) { c.TestMode = true })

	out := h.abBook()
	if out.Reason != ReasonSubmitted || out.Trade.Quantity != 3 {
		t.Errorf("expected 3 pairs in test mode, got %s %+v", out.Reason, out.Trade)
	}
}

func TestOpeningBlockedByInFlight(t *testing.T) {
	b := fundedBroker()
	b.SetOrders(models.WorkingOrder{
		OrderID: "w-1", Contract: "ABFA6", SecurityType: models.SecurityFuture,
		Side: models.OrderSideBuy, Quantity: 1, Status: models.OrderStatusAcked,
	})
	h := newHarness(t, VariantOpen, b, nil)

	if out := h.abBook(); out.Reason != ReasonInFlight {
		t.Errorf("expected in_flight, got %s", out.Reason)
	}
}

func TestOpeningOrdersDisabled(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), func(c *Config) { c.OrderEnabled = false })

	if out := h.abBook(); out.Reason != ReasonDryRun {
		t.Errorf("expected dry_run, got %s", out.Reason)
	}
	if len(h.broker.Submitted()) != 0 {
		t.Error("disabled orders must not reach the gateway")
	}
}

func TestComboFailureKeepsAcceptedLeg(t *testing.T) {
	b := fundedBroker()
	b.FailSubmit("ABFA6", errors.New("exchange reject"))
	h := newHarness(t, VariantOpen, b, nil)

	out := h.abBook()
	if out.Reason != ReasonFailed {
		t.Fatalf("expected failed, got %s", out.Reason)
	}
	if got := h.engine.orders.NetInFlight("ABFB6"); got != -3 {
		t.Errorf("accepted far leg must be tracked, got %d", got)
	}
	if got := h.engine.orders.NetInFlight("ABFA6"); got != 0 {
		t.Errorf("failed near leg must not be tracked, got %d", got)
	}
	if h.engine.balance != 225200 {
		t.Errorf("balance must be untouched, got %v", h.engine.balance)
	}
	if h.alerts.count("Combo order failed") != 1 {
		t.Error("expected combo failure alert")
	}
}

func TestComboRejectedStatus(t *testing.T) {
	b := fundedBroker()
	b.RespondWith("ABFB6", models.OrderStatusRejected)
	h := newHarness(t, VariantOpen, b, nil)

	if out := h.abBook(); out.Reason != ReasonFailed {
		t.Fatalf("expected failed, got %s", out.Reason)
	}
	if got := h.engine.orders.NetInFlight("ABFA6"); got != 3 {
		t.Errorf("accepted near leg must be tracked, got %d", got)
	}
}

func TestIgnoredQuotes(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)

	if out := h.quote("ZZFA6", lvl(1, 1), lvl(1, 1)); out.Reason != ReasonIgnored {
		t.Errorf("unwatched instrument: got %s", out.Reason)
	}
	if out := h.quote("2330", lvl(1, 1), lvl(1, 1)); out.Reason != ReasonIgnored {
		t.Errorf("non-futures code: got %s", out.Reason)
	}
	if out := h.quote("ABFC6", lvl(1, 1), lvl(1, 1)); out.Reason != ReasonUnknownSlot {
		t.Errorf("unexpected month: got %s", out.Reason)
	}
}

func TestScenarioCDNoAnomalyForTwoLegs(t *testing.T) {
	b := paper.New()
	b.SetPositions(
		models.Position{Contract: "CDFA6", Direction: models.DirectionLong, Quantity: 6, AvgPrice: 33.83},
		models.Position{Contract: "CDFB6", Direction: models.DirectionLong, Quantity: 4, AvgPrice: 34.15},
	)
	h := newHarness(t, VariantClose, b, nil)

	h.quote("CDFA6", lvl(33.5, 5), lvl(33.6, 5))
	for i := 0; i < 3; i++ {
		if out := h.quote("CDFB6", lvl(34.0, 5), lvl(34.1, 5)); out.Reason != ReasonNoGap {
			t.Fatalf("expected no_gap, got %s", out.Reason)
		}
	}
	if got := h.alerts.count("Single-leg position"); got != 0 {
		t.Errorf("two held legs must not raise a single-leg alert, got %d", got)
	}
}

func TestScenarioEFAlertsEveryQualifyingTick(t *testing.T) {
	b := paper.New()
	b.SetPositions(models.Position{Contract: "EFFA6", Direction: models.DirectionLong, Quantity: 2, AvgPrice: 50})
	h := newHarness(t, VariantClose, b, nil)

	if out := h.quote("EFFA6", lvl(49.5, 3), lvl(49.6, 3)); out.Reason != ReasonIncomplete {
		t.Fatalf("expected incomplete, got %s", out.Reason)
	}
	if got := h.alerts.count("Single-leg position"); got != 0 {
		t.Fatalf("incomplete book is not a qualifying tick, got %d alerts", got)
	}

	for i := 1; i <= 3; i++ {
		h.quote("EFFB6", lvl(50.0, 3), lvl(50.1, 3))
		if got := h.alerts.count("Single-leg position"); got != i {
			t.Fatalf("tick %d: expected %d alerts, got %d", i, i, got)
		}
	}
}

func TestSingleLegWithWorkingOrderIsNotAnomalous(t *testing.T) {
	b := paper.New()
	b.SetPositions(models.Position{Contract: "EFFA6", Direction: models.DirectionLong, Quantity: 2, AvgPrice: 50})
	b.SetOrders(models.WorkingOrder{
		OrderID: "w-1", Contract: "EFFA6", SecurityType: models.SecurityFuture,
		Side: models.OrderSideSell, Quantity: 2, Status: models.OrderStatusPending,
	})
	h := newHarness(t, VariantClose, b, nil)

	h.quote("EFFA6", lvl(49.5, 3), lvl(49.6, 3))
	h.quote("EFFB6", lvl(50.0, 3), lvl(50.1, 3))
	if got := h.alerts.count("Single-leg position"); got != 0 {
		t.Errorf("expected no alert while an order is working, got %d", got)
	}
}

func hsBroker() *paper.Broker {
	b := paper.New()
	b.SetPositions(
		models.Position{Contract: "HSFA6", Direction: models.DirectionLong, Quantity: 4, AvgPrice: 50.0},
		models.Position{Contract: "HSFB6", Direction: models.DirectionShort, Quantity: 4, AvgPrice: 51.0},
	)
	return b
}

func (h *harness) hsBook() Outcome {
	h.quote("HSFA6", lvl(50.4, 10), lvl(50.5, 10))
	return h.quote("HSFB6", lvl(50.6, 10), lvl(50.7, 3))
}

func TestClosingUnwindsBothLegs(t *testing.T) {
	h := newHarness(t, VariantClose, hsBroker(), nil)

	out := h.hsBook()
	if out.Reason != ReasonSubmitted {
		t.Fatalf("expected submitted, got %s", out.Reason)
	}
	sent := h.broker.Submitted()
	if len(sent) != 2 {
		t.Fatalf("expected 2 orders, got %+v", sent)
	}
	if sent[0].Contract != "HSFB6" || sent[0].Side != models.OrderSideBuy || sent[0].Price != 50.7 || sent[0].Quantity != 3 {
		t.Errorf("far leg first: %+v", sent[0])
	}
	if sent[1].Contract != "HSFA6" || sent[1].Side != models.OrderSideSell || sent[1].Price != 50.4 || sent[1].Quantity != 3 {
		t.Errorf("near leg second: %+v", sent[1])
	}

	if p, _ := h.engine.positions.Get("HSFA6"); p.Quantity != 1 {
		t.Errorf("near position must be adjusted locally, got %d", p.Quantity)
	}
	if p, _ := h.engine.positions.Get("HSFB6"); p.Quantity != 1 {
		t.Errorf("far position must be adjusted locally, got %d", p.Quantity)
	}
	if math.Abs(out.Trade.EstimatedProfit-3887.868) > 1e-6 {
		t.Errorf("estimated profit = %v", out.Trade.EstimatedProfit)
	}
	if len(h.journal.trades) != 1 || h.journal.trades[0].Variant != "close" {
		t.Errorf("journal: %+v", h.journal.trades)
	}

	if out := h.quote("HSFB6", lvl(50.6, 10), lvl(50.7, 3)); out.Reason != ReasonDebounced {
		t.Errorf("expected debounced after close, got %s", out.Reason)
	}
}

func TestClosingRecordsSpread(t *testing.T) {
	h := newHarness(t, VariantClose, hsBroker(), func(c *Config) { c.OrderEnabled = false })
	h.hsBook()

	snap, ok := h.engine.spreads["HS"]
	if !ok {
		t.Fatal("closing evaluation must record a spread snapshot")
	}
	if math.Abs(snap.CloseGap-0.7) > 1e-9 || snap.FarAsk.Price != 50.7 {
		t.Errorf("spread = %+v", snap)
	}
	h.engine.publish()
	if _, ok := h.engine.Snapshot().Spreads["HS"]; !ok {
		t.Error("published snapshot must carry the closing spread")
	}
}

func TestClosingClampsPerTick(t *testing.T) {
	h := newHarness(t, VariantClose, hsBroker(), func(c *Config) { c.MaxClosePerTick = 2 })

	out := h.hsBook()
	if out.Reason != ReasonSubmitted || out.Trade.Quantity != 2 {
		t.Errorf("expected 2 closed, got %s %+v", out.Reason, out.Trade)
	}
}

func TestClosingEpsilonIsStrict(t *testing.T) {
	b := paper.New()
	b.SetPositions(models.Position{Contract: "HSFA6", Direction: models.DirectionLong, Quantity: 2, AvgPrice: 50.0})
	h := newHarness(t, VariantClose, b, nil)

	h.quote("HSFA6", lvl(50.1, 5), lvl(50.2, 5))
	if out := h.quote("HSFB6", lvl(50.5, 5), lvl(50.6, 5)); out.Reason != ReasonNoGap {
		t.Fatalf("gap equal to epsilon must not close, got %s", out.Reason)
	}

	out := h.quote("HSFA6", lvl(50.2, 5), lvl(50.3, 5))
	if out.Reason != ReasonSubmitted {
		t.Fatalf("expected submitted, got %s", out.Reason)
	}
	sent := h.broker.Submitted()
	if len(sent) != 1 || sent[0].Contract != "HSFA6" || sent[0].Quantity != 2 {
		t.Errorf("single held leg must be closed alone, got %+v", sent)
	}
}

func TestClosingZeroEpsilonIsKept(t *testing.T) {
	b := paper.New()
	b.SetPositions(models.Position{Contract: "HSFA6", Direction: models.DirectionLong, Quantity: 2, AvgPrice: 50.0})
	zero := 0.0
	h := newHarness(t, VariantClose, b, func(c *Config) { c.ProfitEpsilon = &zero })

	h.quote("HSFA6", lvl(50.1, 5), lvl(50.2, 5))
	if out := h.quote("HSFB6", lvl(50.5, 5), lvl(50.6, 5)); out.Reason != ReasonSubmitted {
		t.Fatalf("any positive gap must close with a zero epsilon, got %s", out.Reason)
	}
}

func TestNewRejectsNegativeEpsilon(t *testing.T) {
	neg := -0.1
	deps := Deps{Broker: paper.New(), Governor: risk.NewGovernor(risk.Limits{}, 0), Logger: quietLogger()}
	cfg := Config{Variant: VariantClose, Instruments: []models.Instrument{{Code: "AB"}}, ProfitEpsilon: &neg}
	if _, err := New(cfg, deps); err == nil {
		t.Error("expected error for negative epsilon")
	}
}

func TestClosingLegFailureIsIndependent(t *testing.T) {
	b := hsBroker()
	b.FailSubmit("HSFB6", errors.New("exchange reject"))
	h := newHarness(t, VariantClose, b, nil)

	out := h.hsBook()
	if out.Reason != ReasonFailed {
		t.Fatalf("expected failed, got %s", out.Reason)
	}
	if n := len(h.broker.Submitted()); n != 1 {
		t.Errorf("near leg must still be sent, got %d submissions", n)
	}
	if p, _ := h.engine.positions.Get("HSFB6"); p.Quantity != 4 {
		t.Errorf("failed leg must keep its position, got %d", p.Quantity)
	}
	if p, _ := h.engine.positions.Get("HSFA6"); p.Quantity != 1 {
		t.Errorf("accepted leg must be adjusted, got %d", p.Quantity)
	}
	if h.alerts.count("Close order failed") != 1 {
		t.Error("expected a close failure alert")
	}
}

func TestClosingWatchesHeldInstruments(t *testing.T) {
	b := paper.New()
	b.SetPositions(models.Position{Contract: "XYFA6", Direction: models.DirectionLong, Quantity: 1, AvgPrice: 10})
	h := newHarness(t, VariantClose, b, nil)

	subs := h.broker.Subscribed()
	if len(subs) != 2 || subs[0] != "XYFA6" || subs[1] != "XYFB6" {
		t.Errorf("expected only the held instrument, got %v", subs)
	}
	if out := h.quote("ABFA6", lvl(1, 1), lvl(1, 1)); out.Reason != ReasonIgnored {
		t.Errorf("configured but unheld instrument must be ignored, got %s", out.Reason)
	}
}

func TestTickPanicIsRecovered(t *testing.T) {
	b := paper.New()
	b.SetPositions(models.Position{Contract: "EFFA6", Direction: models.DirectionLong, Quantity: 2, AvgPrice: 50})
	h := newHarness(t, VariantClose, b, nil)
	h.engine.notifier = panickingNotifier{}

	h.quote("EFFA6", lvl(49.5, 3), lvl(49.6, 3))
	if out := h.quote("EFFB6", lvl(50.0, 3), lvl(50.1, 3)); out.Reason != ReasonPanic {
		t.Errorf("expected recovered panic, got %s", out.Reason)
	}
}

func TestStartSkipsUnlistedContracts(t *testing.T) {
	b := fundedBroker()
	b.ListOnly("ABFA6", "ABFB6", "CDFA6")
	h := newHarness(t, VariantOpen, b, nil)

	subs := h.broker.Subscribed()
	if len(subs) != 2 || subs[0] != "ABFA6" || subs[1] != "ABFB6" {
		t.Errorf("expected only AB, got %v", subs)
	}
	if h.alerts.count("Program started") != 1 {
		t.Error("expected a start notification")
	}
}

func TestStartWithoutContracts(t *testing.T) {
	b := paper.New()
	b.ListOnly()
	e, err := New(Config{Variant: VariantOpen, Instruments: []models.Instrument{{Code: "AB"}}}, Deps{
		Broker:   b,
		Governor: risk.NewGovernor(risk.Limits{MaxOrderQuantity: 1, MaxInstrumentPosition: 1, MaxTotalPosition: 1}, 0),
		Clock:    func() time.Time { return monday },
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrNoContracts) {
		t.Errorf("expected ErrNoContracts, got %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	deps := Deps{Broker: paper.New(), Governor: risk.NewGovernor(risk.Limits{}, 0), Logger: quietLogger()}
	if _, err := New(Config{Variant: "hedge", Instruments: []models.Instrument{{Code: "AB"}}}, deps); err == nil {
		t.Error("expected error for unknown variant")
	}
	if _, err := New(Config{Variant: VariantOpen}, deps); err == nil {
		t.Error("expected error for empty watch-list")
	}
}

func TestRefreshContractsRolls(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)
	h.quote("ABFA6", lvl(41.0, 5), lvl(41.2, 4))

	h.clock.now = time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	if err := h.engine.RefreshContracts(context.Background()); err != nil {
		t.Fatal(err)
	}

	pair := h.engine.contracts["AB"]
	if pair.Near.Code != "ABFB6" || pair.Far.Code != "ABFC6" {
		t.Errorf("expected FB6/FC6 after roll, got %s/%s", pair.Near.Code, pair.Far.Code)
	}
	if cells := h.engine.table.Read("AB"); !cells.NearBid.Empty() {
		t.Errorf("market row must be reset after roll, got %+v", cells)
	}
	subs := h.broker.Subscribed()
	if subs[len(subs)-1] != "HSFC6" {
		t.Errorf("new contracts must be subscribed, got %v", subs)
	}
	if h.alerts.count("Contracts rolled") != 1 {
		t.Error("expected a roll notification")
	}

	before := len(h.broker.Subscribed())
	if err := h.engine.RefreshContracts(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.broker.Subscribed()) != before {
		t.Error("unchanged months must not resubscribe")
	}
}

func TestRefreshContractsKeepsContractsWhenSubscribeFails(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)
	h.quote("ABFA6", lvl(41.0, 5), lvl(41.2, 4))
	h.broker.FailSubscribes(1)

	h.clock.now = time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	if err := h.engine.RefreshContracts(context.Background()); err == nil {
		t.Fatal("expected the roll to fail")
	}
	pair := h.engine.contracts["AB"]
	if pair.Near.Code != "ABFA6" || pair.Far.Code != "ABFB6" {
		t.Errorf("failed roll must keep FA6/FB6, got %s/%s", pair.Near.Code, pair.Far.Code)
	}
	if h.engine.months.NearCode() != "FA6" {
		t.Errorf("failed roll must keep the months, got %s", h.engine.months.NearCode())
	}
	if cells := h.engine.table.Read("AB"); cells.NearBid.Empty() {
		t.Error("failed roll must not reset the market row")
	}
	if h.alerts.count("Contract roll failed") != 1 {
		t.Error("expected a critical roll alert")
	}

	h.clock.Advance(24 * time.Hour)
	if err := h.engine.RefreshContracts(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	pair = h.engine.contracts["AB"]
	if pair.Near.Code != "ABFB6" || pair.Far.Code != "ABFC6" {
		t.Errorf("expected FB6/FC6 after retry, got %s/%s", pair.Near.Code, pair.Far.Code)
	}
	subs := h.broker.Subscribed()
	if subs[len(subs)-1] != "HSFC6" {
		t.Errorf("new contracts must be subscribed, got %v", subs)
	}
	if h.engine.rollPending {
		t.Error("pending flag must clear after a successful roll")
	}
	if h.alerts.count("Contracts rolled") != 1 || h.alerts.count("Contract roll failed") != 1 {
		t.Errorf("unexpected alerts %+v", h.alerts.alerts)
	}
}

func TestRunRetriesPendingRollOnHeartbeat(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), func(c *Config) { c.HeartbeatInterval = 5 * time.Millisecond })
	h.engine.SetHeartbeat(failingHeartbeat{})
	h.broker.FailSubscribes(1)

	h.clock.now = time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	if err := h.engine.RefreshContracts(context.Background()); err == nil {
		t.Fatal("expected the roll to fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.engine.Snapshot().Months.NearCode() != "FB6" {
		select {
		case <-deadline:
			cancel()
			t.Fatal("pending roll was never retried")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestHandleOrderEventReconciles(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)
	h.abBook()

	h.broker.FillAll()
	h.broker.SetMargin(models.MarginSnapshot{AvailableMargin: 150000})
	h.engine.HandleOrderEvent(context.Background(), models.OrderEvent{Kind: models.OrderEventDeal, Contract: "ABFA6"})

	if got := h.engine.positions.InstrumentQuantity("AB"); got != 6 {
		t.Errorf("expected 6 held contracts after fills, got %d", got)
	}
	if got := h.engine.orders.NetInFlight("ABFA6"); got != 0 {
		t.Errorf("filled orders are not in flight, got %d", got)
	}
	if h.engine.balance != 150000 {
		t.Errorf("balance must follow the broker, got %v", h.engine.balance)
	}
}

type failingHeartbeat struct{ err error }

func (f failingHeartbeat) Check(context.Context) error { return f.err }

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	h.broker.PushQuote(models.Quote{Contract: "ABFA6", Bid: lvl(41.0, 5), Ask: lvl(41.2, 4)})
	h.broker.PushQuote(models.Quote{Contract: "ABFB6", Bid: lvl(42.0, 3), Ask: lvl(42.3, 6)})

	deadline := time.After(2 * time.Second)
	for len(h.engine.Snapshot().Orders) < 2 {
		select {
		case <-deadline:
			t.Fatal("orders never published")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if _, _, logouts, _ := h.broker.Counters(); logouts != 1 {
		t.Errorf("expected logout on shutdown, got %d", logouts)
	}
}

func TestRunReturnsHeartbeatError(t *testing.T) {
	h := newHarness(t, VariantOpen, fundedBroker(), func(c *Config) { c.HeartbeatInterval = 5 * time.Millisecond })
	lost := errors.New("reconnect exhausted")
	h.engine.SetHeartbeat(failingHeartbeat{err: lost})

	select {
	case err := <-runAsync(h.engine):
		if !errors.Is(err, lost) {
			t.Errorf("expected heartbeat error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func runAsync(e *Engine) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	return done
}
