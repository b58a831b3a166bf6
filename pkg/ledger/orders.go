package ledger

import (
	"context"
	"fmt"

	"github.com/gregtusar/calspread/pkg/models"
	"github.com/sirupsen/logrus"
)

// OrderSource is the part of the account gateway the tracker reads.
type OrderSource interface {
	ListOrders(ctx context.Context, account string) ([]models.WorkingOrder, error)
}

// OrderTracker caches non-terminal and recent orders so the engine can refuse
// to stack a new order on a leg whose previous order is unresolved.
type OrderTracker struct {
	source  OrderSource
	account string
	orders  []models.WorkingOrder
	logger  *logrus.Logger
}

func NewOrderTracker(source OrderSource, account string, logger *logrus.Logger) *OrderTracker {
	return &OrderTracker{
		source:  source,
		account: account,
		logger:  logger,
	}
}

// Rebuild replaces the cache with the broker's futures orders. On error the
// previous cache is kept.
func (t *OrderTracker) Rebuild(ctx context.Context) error {
	list, err := t.source.ListOrders(ctx, t.account)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	next := make([]models.WorkingOrder, 0, len(list))
	for _, o := range list {
		if o.SecurityType != models.SecurityFuture {
			continue
		}
		next = append(next, o)
	}
	t.orders = next

	t.logger.WithField("orders", len(next)).Debug("Rebuilt working orders")
	return nil
}

// AddLocal records a submission before the broker confirms it.
func (t *OrderTracker) AddLocal(order models.WorkingOrder) {
	if order.SecurityType == "" {
		order.SecurityType = models.SecurityFuture
	}
	t.orders = append(t.orders, order)
}

// NetInFlight is the signed quantity of pending or acknowledged orders on a
// contract: buys count positive, sells negative.
func (t *OrderTracker) NetInFlight(contract string) int64 {
	var net int64
	for _, o := range t.orders {
		if o.Contract == contract && o.Status.InFlight() {
			net += o.SignedQuantity()
		}
	}
	return net
}

// Orders returns a copy of the cache.
func (t *OrderTracker) Orders() []models.WorkingOrder {
	return append([]models.WorkingOrder(nil), t.orders...)
}
