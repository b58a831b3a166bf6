// Package ledger mirrors the broker's authoritative positions and working
// orders. Both caches are replaced wholesale on every reconcile; neither is
// safe for concurrent use and both are owned by the control loop.
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/gregtusar/calspread/pkg/models"
	"github.com/sirupsen/logrus"
)

// PositionSource is the part of the account gateway the ledger reads.
type PositionSource interface {
	ListPositions(ctx context.Context, account string) ([]models.Position, error)
}

type PositionLedger struct {
	source    PositionSource
	account   string
	positions map[string]models.Position
	logger    *logrus.Logger
}

func NewPositionLedger(source PositionSource, account string, logger *logrus.Logger) *PositionLedger {
	return &PositionLedger{
		source:    source,
		account:   account,
		positions: make(map[string]models.Position),
		logger:    logger,
	}
}

// Reconcile pulls the full position list and replaces the local map. On error
// the previous snapshot is kept untouched.
func (l *PositionLedger) Reconcile(ctx context.Context) error {
	list, err := l.source.ListPositions(ctx, l.account)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}

	next := make(map[string]models.Position, len(list))
	for _, p := range list {
		if p.Quantity <= 0 {
			continue
		}
		next[p.Contract] = p
	}
	l.positions = next

	l.logger.WithField("positions", len(next)).Debug("Reconciled positions")
	return nil
}

// Get returns the held position of a contract.
func (l *PositionLedger) Get(contract string) (models.Position, bool) {
	p, ok := l.positions[contract]
	return p, ok
}

// ByInstrument returns the positions held on any month of an instrument,
// ordered by contract code.
func (l *PositionLedger) ByInstrument(instrument string) []models.Position {
	var out []models.Position
	for _, p := range l.positions {
		if p.Instrument() == instrument && p.Quantity > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}

// All returns every position ordered by contract code.
func (l *PositionLedger) All() []models.Position {
	out := make([]models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}

// Instruments lists the distinct instruments with a held position.
func (l *PositionLedger) Instruments() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range l.positions {
		inst := p.Instrument()
		if inst == "" || seen[inst] {
			continue
		}
		seen[inst] = true
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// AdjustLocally applies an optimistic quantity change between a closing
// submission and the next reconcile, which overwrites it. The quantity is
// floored at zero.
func (l *PositionLedger) AdjustLocally(contract string, delta int64) {
	p, ok := l.positions[contract]
	if !ok {
		return
	}
	p.Quantity += delta
	if p.Quantity < 0 {
		p.Quantity = 0
	}
	l.positions[contract] = p
}

// InstrumentQuantity sums held contracts across all months of an instrument.
func (l *PositionLedger) InstrumentQuantity(instrument string) int64 {
	var total int64
	for _, p := range l.positions {
		if p.Instrument() == instrument {
			total += abs(p.Quantity)
		}
	}
	return total
}

// TotalQuantity sums held contracts across the account.
func (l *PositionLedger) TotalQuantity() int64 {
	var total int64
	for _, p := range l.positions {
		total += abs(p.Quantity)
	}
	return total
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
