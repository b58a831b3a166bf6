// Package paper is an in-memory broker. It implements every pkg/broker
// interface so the engine can run without a live connection, and it doubles
// as the broker used by the engine and supervisor tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/calspread/pkg/broker"
	"github.com/gregtusar/calspread/pkg/models"
)

var _ broker.Broker = (*Broker)(nil)

// ErrDisconnected is returned by session calls while the broker is down.
var ErrDisconnected = errors.New("paper broker disconnected")

type Broker struct {
	mu sync.Mutex

	listed    map[string]bool
	listAll   bool
	positions []models.Position
	orders    []models.WorkingOrder
	margin    models.MarginSnapshot

	// submitStatus overrides the status returned for a contract.
	submitStatus map[string]models.OrderStatus
	submitErr    map[string]error

	subscribed []string
	submitted  []models.OrderRequest

	down              bool
	loginFailures     int
	subscribeFailures int
	logins            int
	activations       int
	logouts           int
	pings             int

	quotes chan models.Quote
	events chan models.OrderEvent
	now    func() time.Time
}

// New returns a connected broker that lists every contract code.
func New() *Broker {
	return &Broker{
		listed:       make(map[string]bool),
		listAll:      true,
		submitStatus: make(map[string]models.OrderStatus),
		submitErr:    make(map[string]error),
		quotes:       make(chan models.Quote, 1024),
		events:       make(chan models.OrderEvent, 256),
		now:          time.Now,
	}
}

// ListOnly restricts the directory to the given exchange codes.
func (b *Broker) ListOnly(codes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listAll = false
	for _, c := range codes {
		b.listed[c] = true
	}
}

func (b *Broker) SetPositions(positions ...models.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = append([]models.Position(nil), positions...)
}

func (b *Broker) SetOrders(orders ...models.WorkingOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append([]models.WorkingOrder(nil), orders...)
}

func (b *Broker) SetMargin(m models.MarginSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.margin = m
}

// RespondWith makes submissions for contract come back with status.
func (b *Broker) RespondWith(contract string, status models.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitStatus[contract] = status
}

// FailSubmit makes submissions for contract return err.
func (b *Broker) FailSubmit(contract string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr[contract] = err
}

// Disconnect makes Ping fail until a successful Login.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
}

// FailLogins makes the next n Login calls fail.
func (b *Broker) FailLogins(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loginFailures = n
}

// FailSubscribes makes the next n Subscribe calls fail.
func (b *Broker) FailSubscribes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeFailures = n
}

// PushQuote delivers a quote as the transport would.
func (b *Broker) PushQuote(q models.Quote) {
	b.quotes <- q
}

// PushOrderEvent delivers an order-status event.
func (b *Broker) PushOrderEvent(e models.OrderEvent) {
	b.events <- e
}

// Submitted returns every request accepted by Submit, in order.
func (b *Broker) Submitted() []models.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.OrderRequest(nil), b.submitted...)
}

// Subscribed returns the codes passed to Subscribe, in order.
func (b *Broker) Subscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...)
}

// Counters reports session call counts.
func (b *Broker) Counters() (logins, activations, logouts, pings int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logins, b.activations, b.logouts, b.pings
}

// FillAll fills every in-flight order and folds it into positions.
func (b *Broker) FillAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.orders {
		o := &b.orders[i]
		if !o.Status.InFlight() {
			continue
		}
		o.Status = models.OrderStatusFilled
		b.applyFill(*o)
	}
}

func (b *Broker) applyFill(o models.WorkingOrder) {
	dir := models.DirectionLong
	if o.Side == models.OrderSideSell {
		dir = models.DirectionShort
	}
	for i := range b.positions {
		p := &b.positions[i]
		if p.Contract != o.Contract {
			continue
		}
		if p.Direction == dir {
			total := p.Quantity + o.Quantity
			p.AvgPrice = (p.AvgPrice*float64(p.Quantity) + o.Price*float64(o.Quantity)) / float64(total)
			p.Quantity = total
			return
		}
		p.Quantity -= o.Quantity
		if p.Quantity <= 0 {
			b.positions = append(b.positions[:i], b.positions[i+1:]...)
		}
		return
	}
	b.positions = append(b.positions, models.Position{
		Contract:  o.Contract,
		Direction: dir,
		Quantity:  o.Quantity,
		AvgPrice:  o.Price,
		UpdatedAt: b.now(),
	})
}

// QuoteTransport

func (b *Broker) Subscribe(_ context.Context, contracts ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrDisconnected
	}
	if b.subscribeFailures > 0 {
		b.subscribeFailures--
		return ErrDisconnected
	}
	b.subscribed = append(b.subscribed, contracts...)
	return nil
}

func (b *Broker) Quotes() <-chan models.Quote { return b.quotes }

func (b *Broker) OrderEvents() <-chan models.OrderEvent { return b.events }

// OrderGateway

func (b *Broker) Submit(_ context.Context, req models.OrderRequest) (models.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.submitErr[req.Contract]; ok {
		return models.OrderAck{}, err
	}
	status, ok := b.submitStatus[req.Contract]
	if !ok {
		status = models.OrderStatusPending
	}

	id := uuid.NewString()
	b.submitted = append(b.submitted, req)
	b.orders = append(b.orders, models.WorkingOrder{
		OrderID:      id,
		Contract:     req.Contract,
		SecurityType: models.SecurityFuture,
		Side:         req.Side,
		Price:        req.Price,
		Quantity:     req.Quantity,
		Status:       status,
		CreatedAt:    b.now(),
	})
	return models.OrderAck{OrderID: id, Status: status}, nil
}

func (b *Broker) Cancel(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, err := b.find(orderID)
	if err != nil {
		return err
	}
	if !o.Status.InFlight() {
		return fmt.Errorf("order %s is %s", orderID, o.Status)
	}
	o.Status = models.OrderStatusCancelled
	return nil
}

func (b *Broker) Amend(_ context.Context, orderID string, change models.Amendment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, err := b.find(orderID)
	if err != nil {
		return err
	}
	if change.Price != nil {
		o.Price = *change.Price
	}
	if change.Quantity != nil {
		if *change.Quantity <= 0 {
			return fmt.Errorf("invalid quantity %d", *change.Quantity)
		}
		o.Quantity = *change.Quantity
	}
	return nil
}

func (b *Broker) find(orderID string) (*models.WorkingOrder, error) {
	for i := range b.orders {
		if b.orders[i].OrderID == orderID {
			return &b.orders[i], nil
		}
	}
	return nil, fmt.Errorf("order %s not found", orderID)
}

// AccountGateway

func (b *Broker) ListPositions(_ context.Context, _ string) ([]models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]models.Position(nil), b.positions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out, nil
}

func (b *Broker) ListOrders(_ context.Context, _ string) ([]models.WorkingOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.WorkingOrder(nil), b.orders...), nil
}

func (b *Broker) Margin(_ context.Context, _ string) (models.MarginSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.margin, nil
}

// ContractDirectory

func (b *Broker) Resolve(_ context.Context, instrument, monthCode string) (models.ContractID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	code := instrument + monthCode
	if !b.listAll && !b.listed[code] {
		return models.ContractID{}, fmt.Errorf("%s: %w", code, broker.ErrContractNotFound)
	}
	return models.ContractID{Instrument: instrument, MonthCode: monthCode, Code: code}, nil
}

// Session

func (b *Broker) Login(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logins++
	if b.loginFailures > 0 {
		b.loginFailures--
		return ErrDisconnected
	}
	b.down = false
	return nil
}

func (b *Broker) ActivateCertificate(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activations++
	return nil
}

func (b *Broker) Logout(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logouts++
	return nil
}

func (b *Broker) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings++
	if b.down {
		return ErrDisconnected
	}
	return nil
}
