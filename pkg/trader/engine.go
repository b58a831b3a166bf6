// Package trader runs the calendar spread strategy. A single control loop
// owns all mutable state; quote and order events, timers and cancellation are
// multiplexed in Run.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/calspread/pkg/broker"
	"github.com/gregtusar/calspread/pkg/ledger"
	"github.com/gregtusar/calspread/pkg/market"
	"github.com/gregtusar/calspread/pkg/metrics"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/gregtusar/calspread/pkg/notify"
	"github.com/gregtusar/calspread/pkg/risk"
	"github.com/gregtusar/calspread/pkg/rollover"
	"github.com/gregtusar/calspread/pkg/session"
	"github.com/sirupsen/logrus"
)

// ErrNoContracts is returned by Start when no watched instrument lists both
// of its current months.
var ErrNoContracts = errors.New("no tradable contracts")

// Reason explains the outcome of one tick.
type Reason string

const (
	ReasonIgnored      Reason = "ignored"
	ReasonUnknownSlot  Reason = "unknown_slot"
	ReasonDebounced    Reason = "debounced"
	ReasonIncomplete   Reason = "incomplete"
	ReasonNoGap        Reason = "no_gap"
	ReasonNoPosition   Reason = "no_position"
	ReasonOutOfSession Reason = "out_of_session"
	ReasonRiskDenied   Reason = "risk_denied"
	ReasonNoQuantity   Reason = "no_quantity"
	ReasonInFlight     Reason = "in_flight"
	ReasonDryRun       Reason = "dry_run"
	ReasonSubmitted    Reason = "submitted"
	ReasonFailed       Reason = "failed"
	ReasonPanic        Reason = "panic"
)

// Outcome is the result of evaluating one quote. "Nothing to do" is an
// outcome, not an error.
type Outcome struct {
	Reason Reason
	Trade  *models.SpreadTrade
}

// Heartbeat checks the broker session and recovers it if needed. A non-nil
// error is fatal to the loop.
type Heartbeat interface {
	Check(ctx context.Context) error
}

// Recorder persists submitted trades.
type Recorder interface {
	Record(ctx context.Context, trade models.SpreadTrade) error
}

// Deps are the collaborators of an Engine. Journal and Clock are optional.
type Deps struct {
	Broker   broker.Broker
	Notifier notify.Notifier
	Journal  Recorder
	Sessions *session.Schedule
	Governor *risk.Governor
	Clock    func() time.Time
	Logger   *logrus.Logger
}

type Engine struct {
	cfg       Config
	broker    broker.Broker
	notifier  notify.Notifier
	journal   Recorder
	sessions  *session.Schedule
	governor  *risk.Governor
	calendar  rollover.Calculator
	heartbeat Heartbeat
	clock     func() time.Time
	logger    *logrus.Logger

	table     *market.Table
	positions *ledger.PositionLedger
	orders    *ledger.OrderTracker

	watch      map[string]models.Instrument
	contracts  map[string]models.LegPair
	months     rollover.Months
	lastSignal map[string]time.Time
	spreads    map[string]models.SpreadSnapshot
	margin     models.MarginSnapshot
	balance    float64
	// rollPending is set while a contract roll has failed and awaits retry.
	rollPending bool

	snapshot atomic.Pointer[Snapshot]
}

func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid trader config: %w", err)
	}
	if deps.Broker == nil || deps.Governor == nil || deps.Logger == nil {
		return nil, fmt.Errorf("broker, governor and logger are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(deps.Logger)
	}
	if deps.Sessions == nil {
		deps.Sessions, _ = session.NewSchedule(nil, nil)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	e := &Engine{
		cfg:        cfg,
		broker:     deps.Broker,
		notifier:   deps.Notifier,
		journal:    deps.Journal,
		sessions:   deps.Sessions,
		governor:   deps.Governor,
		calendar:   rollover.NewCalculator(cfg.RollDays),
		clock:      deps.Clock,
		logger:     deps.Logger,
		table:      market.NewTable(),
		positions:  ledger.NewPositionLedger(deps.Broker, cfg.Account, deps.Logger),
		orders:     ledger.NewOrderTracker(deps.Broker, cfg.Account, deps.Logger),
		watch:      make(map[string]models.Instrument),
		contracts:  make(map[string]models.LegPair),
		lastSignal: make(map[string]time.Time),
		spreads:    make(map[string]models.SpreadSnapshot),
	}
	for _, inst := range cfg.Instruments {
		e.watch[inst.Code] = inst
	}
	e.publish()
	return e, nil
}

// SetHeartbeat installs the session supervisor. Without one the loop runs no
// heartbeat.
func (e *Engine) SetHeartbeat(h Heartbeat) {
	e.heartbeat = h
}

// Start reconciles the account, resolves the current contracts and
// subscribes to their quotes. It must be called before Run.
func (e *Engine) Start(ctx context.Context) error {
	now := e.clock()
	e.months = e.calendar.Compute(now)
	e.logger.WithFields(logrus.Fields{
		"near":               e.months.NearCode(),
		"far":                e.months.FarCode(),
		"days_to_settlement": e.months.DaysToSettlement,
		"rolled":             e.months.Rolled,
	}).Info("Computed contract months")

	if err := e.positions.Reconcile(ctx); err != nil {
		return err
	}
	if err := e.orders.Rebuild(ctx); err != nil {
		return err
	}
	if err := e.refreshMargin(ctx); err != nil {
		return err
	}

	if e.cfg.Variant == VariantClose {
		if held := e.positions.Instruments(); len(held) > 0 {
			watch := make(map[string]models.Instrument, len(held))
			for _, code := range held {
				inst, ok := e.watch[code]
				if !ok {
					inst = models.Instrument{Code: code}
				}
				watch[code] = inst
			}
			e.watch = watch
			e.logger.WithField("instruments", held).Info("Watching held instruments")
		}
	}

	contracts, err := e.resolveContracts(ctx, e.months)
	if err != nil {
		return err
	}
	if len(contracts) == 0 {
		return ErrNoContracts
	}
	e.contracts = contracts

	if err := e.Resubscribe(ctx); err != nil {
		return err
	}

	e.notifier.Send(notify.SeverityInfo, "Program started",
		fmt.Sprintf("%s variant watching %d instruments (near %s, far %s)",
			e.cfg.Variant, len(e.contracts), e.months.NearCode(), e.months.FarCode()))
	e.publish()
	return nil
}

// Resubscribe subscribes every resolved contract. The supervisor calls it
// after a reconnect.
func (e *Engine) Resubscribe(ctx context.Context) error {
	return e.subscribe(ctx, e.contracts)
}

func (e *Engine) subscribe(ctx context.Context, contracts map[string]models.LegPair) error {
	codes := make([]string, 0, len(contracts)*2)
	for _, inst := range sortedKeys(contracts) {
		pair := contracts[inst]
		codes = append(codes, pair.Near.Code, pair.Far.Code)
	}
	if err := e.broker.Subscribe(ctx, codes...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	e.logger.WithField("contracts", codes).Info("Subscribed to quotes")
	return nil
}

func (e *Engine) resolveContracts(ctx context.Context, months rollover.Months) (map[string]models.LegPair, error) {
	out := make(map[string]models.LegPair, len(e.watch))
	for code, inst := range e.watch {
		near, err := e.broker.Resolve(ctx, code, months.NearCode())
		if err == nil {
			var far models.ContractID
			far, err = e.broker.Resolve(ctx, code, months.FarCode())
			if err == nil {
				near.Slot, far.Slot = models.SlotNear, models.SlotFar
				out[code] = models.LegPair{Near: near, Far: far}
				continue
			}
		}
		if errors.Is(err, broker.ErrContractNotFound) {
			e.logger.WithError(err).WithField("instrument", inst.Label()).Warn("Contract not listed, skipping instrument")
			continue
		}
		return nil, fmt.Errorf("resolve %s: %w", code, err)
	}
	return out, nil
}

// Run is the control loop. It returns nil when ctx is cancelled and the
// heartbeat error when the session cannot be recovered.
func (e *Engine) Run(ctx context.Context) error {
	reconcile := time.NewTicker(e.cfg.ReconcileInterval)
	defer reconcile.Stop()
	roll := time.NewTicker(e.cfg.RolloverInterval)
	defer roll.Stop()

	var beat <-chan time.Time
	if e.heartbeat != nil {
		t := time.NewTicker(e.cfg.HeartbeatInterval)
		defer t.Stop()
		beat = t.C
	}

	quotes := e.broker.Quotes()
	events := e.broker.OrderEvents()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil

		case q, ok := <-quotes:
			if !ok {
				quotes = nil
				e.logger.Warn("Quote stream closed")
				continue
			}
			e.HandleQuote(ctx, q)

		case ev, ok := <-events:
			if !ok {
				events = nil
				e.logger.Warn("Order event stream closed")
				continue
			}
			e.HandleOrderEvent(ctx, ev)

		case <-reconcile.C:
			e.reconcile(ctx)

		case <-roll.C:
			if err := e.RefreshContracts(ctx); err != nil {
				e.logger.WithError(err).Error("Failed to refresh contracts")
			}

		case <-beat:
			if err := e.heartbeat.Check(ctx); err != nil {
				if ctx.Err() != nil {
					e.shutdown()
					return nil
				}
				e.logger.WithError(err).Error("Session lost, stopping")
				return err
			}
			if e.rollPending {
				if err := e.RefreshContracts(ctx); err != nil {
					e.logger.WithError(err).Error("Contract roll retry failed")
				}
			}
		}
		e.publish()
	}
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.broker.Logout(ctx); err != nil {
		e.logger.WithError(err).Warn("Logout failed")
	}
	e.notifier.Send(notify.SeverityInfo, "Program stopped", fmt.Sprintf("%s variant stopped", e.cfg.Variant))
	e.logger.Info("Engine stopped")
}

// HandleQuote applies a quote and evaluates the strategy for its instrument.
// Panics in evaluation are recovered and logged.
func (e *Engine) HandleQuote(ctx context.Context, q models.Quote) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TickPanics.Inc()
			e.logger.WithFields(logrus.Fields{
				"contract": q.Contract,
				"panic":    r,
			}).Error("Recovered panic while evaluating tick")
			out = Outcome{Reason: ReasonPanic}
		}
		metrics.Decisions.WithLabelValues(string(e.cfg.Variant), string(out.Reason)).Inc()
	}()

	inst, _, ok := models.SplitContractCode(q.Contract)
	if !ok {
		return Outcome{Reason: ReasonIgnored}
	}
	if _, watched := e.watch[inst]; !watched {
		return Outcome{Reason: ReasonIgnored}
	}
	pair, ok := e.contracts[inst]
	if !ok {
		return Outcome{Reason: ReasonIgnored}
	}

	slot := pair.SlotOf(q.Contract)
	if slot == models.SlotUnknown {
		e.logger.WithFields(logrus.Fields{
			"contract": q.Contract,
			"near":     pair.Near.Code,
			"far":      pair.Far.Code,
		}).Warn("Quote for unexpected contract month")
		return Outcome{Reason: ReasonUnknownSlot}
	}
	contract, _ := pair.Leg(slot)
	e.table.Apply(contract, q)
	metrics.QuotesProcessed.WithLabelValues(inst, slot.String()).Inc()

	now := e.clock()
	if last, ok := e.lastSignal[inst]; ok && now.Sub(last) < e.cfg.Debounce {
		return Outcome{Reason: ReasonDebounced}
	}

	cells := e.table.Read(inst)
	if !cells.Complete() {
		return Outcome{Reason: ReasonIncomplete}
	}

	if e.cfg.Variant == VariantClose {
		return e.evaluateClosing(ctx, inst, pair, cells, now)
	}
	return e.evaluateOpening(ctx, inst, pair, cells, now)
}

// HandleOrderEvent refreshes margin and reconciles positions and orders.
func (e *Engine) HandleOrderEvent(ctx context.Context, ev models.OrderEvent) {
	e.logger.WithFields(logrus.Fields{
		"kind":     ev.Kind,
		"order_id": ev.OrderID,
		"contract": ev.Contract,
		"status":   ev.Status,
	}).Info("Order status changed")

	if err := e.refreshMargin(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to refresh margin")
	}
	e.reconcile(ctx)
}

func (e *Engine) reconcile(ctx context.Context) {
	result := "ok"
	if err := e.positions.Reconcile(ctx); err != nil {
		result = "error"
		e.logger.WithError(err).Warn("Position reconcile failed, keeping previous snapshot")
	}
	if err := e.orders.Rebuild(ctx); err != nil {
		result = "error"
		e.logger.WithError(err).Warn("Order rebuild failed, keeping previous cache")
	}
	metrics.Reconciles.WithLabelValues(result).Inc()
	metrics.HeldContracts.Set(float64(e.positions.TotalQuantity()))
}

func (e *Engine) refreshMargin(ctx context.Context) error {
	m, err := e.broker.Margin(ctx, e.cfg.Account)
	if err != nil {
		return fmt.Errorf("margin: %w", err)
	}
	e.margin = m
	e.balance = m.AvailableMargin
	return nil
}

// RefreshContracts recomputes the contract months and, when they changed,
// re-resolves every instrument, subscribes the new contracts and clears the
// market rows. The engine keeps its current contracts until the new ones are
// subscribed; a failed roll is retried on the next heartbeat or roll tick.
func (e *Engine) RefreshContracts(ctx context.Context) error {
	months := e.calendar.Compute(e.clock())
	if months.Near == e.months.Near && months.Far == e.months.Far {
		e.months = months
		e.rollPending = false
		return nil
	}

	if err := e.roll(ctx, months); err != nil {
		if !e.rollPending {
			e.notifier.Send(notify.SeverityCritical, "Contract roll failed",
				fmt.Sprintf("still on %s/%s, cannot move to %s/%s: %v",
					e.months.NearCode(), e.months.FarCode(), months.NearCode(), months.FarCode(), err))
		}
		e.rollPending = true
		return err
	}
	e.rollPending = false

	e.logger.WithFields(logrus.Fields{
		"near": months.NearCode(),
		"far":  months.FarCode(),
	}).Info("Rolled contract months")
	e.notifier.Send(notify.SeverityInfo, "Contracts rolled",
		fmt.Sprintf("now trading %s/%s", months.NearCode(), months.FarCode()))
	return nil
}

func (e *Engine) roll(ctx context.Context, months rollover.Months) error {
	contracts, err := e.resolveContracts(ctx, months)
	if err != nil {
		return err
	}
	if len(contracts) == 0 {
		return fmt.Errorf("rollover to %s/%s: %w", months.NearCode(), months.FarCode(), ErrNoContracts)
	}
	if err := e.subscribe(ctx, contracts); err != nil {
		return err
	}

	for inst := range e.contracts {
		e.table.Reset(inst)
	}
	e.months = months
	e.contracts = contracts
	return nil
}

// submit sends one leg and mirrors an accepted order into the tracker.
func (e *Engine) submit(ctx context.Context, leg models.LegAction, qty int64) models.LegResult {
	req := models.OrderRequest{
		Contract:    leg.Contract.Code,
		Side:        leg.Side,
		Price:       leg.Price,
		Quantity:    qty,
		TimeInForce: e.cfg.TimeInForce,
	}
	ack, err := e.broker.Submit(ctx, req)
	res := models.LegResult{Leg: leg, OrderID: ack.OrderID, Status: ack.Status, Err: err}
	if err != nil {
		res.Status = models.OrderStatusRejected
	}

	entry := e.logger.WithFields(logrus.Fields{
		"event":    "order",
		"variant":  e.cfg.Variant,
		"contract": req.Contract,
		"slot":     leg.Contract.Slot.String(),
		"side":     req.Side,
		"price":    req.Price,
		"quantity": req.Quantity,
		"order_id": res.OrderID,
		"status":   res.Status,
	})
	if !res.Accepted() {
		metrics.OrdersSubmitted.WithLabelValues(string(req.Side), "rejected").Inc()
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Error("Order not accepted")
		return res
	}
	metrics.OrdersSubmitted.WithLabelValues(string(req.Side), "accepted").Inc()
	entry.Info("Order accepted")

	e.orders.AddLocal(models.WorkingOrder{
		OrderID:      res.OrderID,
		Contract:     req.Contract,
		SecurityType: models.SecurityFuture,
		Side:         req.Side,
		Price:        req.Price,
		Quantity:     req.Quantity,
		Status:       res.Status,
		CreatedAt:    e.clock(),
	})
	return res
}

func (e *Engine) newTrade(inst string, gap float64, qty int64, legs []models.LegResult) *models.SpreadTrade {
	return &models.SpreadTrade{
		ID:         uuid.NewString(),
		Variant:    string(e.cfg.Variant),
		Instrument: inst,
		Legs:       legs,
		Gap:        gap,
		Quantity:   qty,
		CreatedAt:  e.clock(),
	}
}

func (e *Engine) record(ctx context.Context, trade *models.SpreadTrade) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(ctx, *trade); err != nil {
		e.logger.WithError(err).WithField("trade_id", trade.ID).Error("Failed to journal trade")
	}
}

func (e *Engine) label(inst string) string {
	if i, ok := e.watch[inst]; ok {
		return i.Label()
	}
	return inst
}

func (e *Engine) sortedInstruments() []string {
	return sortedKeys(e.contracts)
}

func sortedKeys(contracts map[string]models.LegPair) []string {
	out := make([]string, 0, len(contracts))
	for inst := range contracts {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}
