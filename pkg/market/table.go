// Package market keeps the latest top-of-book cells for each watched
// instrument. It holds no history.
package market

import (
	"github.com/gregtusar/calspread/pkg/models"
)

// Cells are the four prices a calendar spread needs.
type Cells struct {
	NearBid models.BookLevel `json:"near_bid"`
	NearAsk models.BookLevel `json:"near_ask"`
	FarBid  models.BookLevel `json:"far_bid"`
	FarAsk  models.BookLevel `json:"far_ask"`
}

// Complete reports whether all four cells carry a nonzero price and volume.
// Incomplete cells must short-circuit any gap computation.
func (c Cells) Complete() bool {
	return !c.NearBid.Empty() && !c.NearAsk.Empty() && !c.FarBid.Empty() && !c.FarAsk.Empty()
}

// Level returns the cell for a slot and book side.
func (c Cells) Level(slot models.Slot, side models.BookSide) models.BookLevel {
	switch {
	case slot == models.SlotNear && side == models.BookBid:
		return c.NearBid
	case slot == models.SlotNear && side == models.BookAsk:
		return c.NearAsk
	case slot == models.SlotFar && side == models.BookBid:
		return c.FarBid
	case slot == models.SlotFar && side == models.BookAsk:
		return c.FarAsk
	default:
		return models.BookLevel{}
	}
}

// Table is owned by the control loop and is not safe for concurrent use.
type Table struct {
	rows map[string]*Cells
}

func NewTable() *Table {
	return &Table{rows: make(map[string]*Cells)}
}

// Update overwrites one cell in place.
func (t *Table) Update(contract models.ContractID, side models.BookSide, level models.BookLevel) {
	row, ok := t.rows[contract.Instrument]
	if !ok {
		row = &Cells{}
		t.rows[contract.Instrument] = row
	}

	switch {
	case contract.Slot == models.SlotNear && side == models.BookBid:
		row.NearBid = level
	case contract.Slot == models.SlotNear && side == models.BookAsk:
		row.NearAsk = level
	case contract.Slot == models.SlotFar && side == models.BookBid:
		row.FarBid = level
	case contract.Slot == models.SlotFar && side == models.BookAsk:
		row.FarAsk = level
	}
}

// Apply writes both sides of a quote.
func (t *Table) Apply(contract models.ContractID, quote models.Quote) {
	t.Update(contract, models.BookBid, quote.Bid)
	t.Update(contract, models.BookAsk, quote.Ask)
}

// Read returns a copy of the instrument's cells; unknown instruments read as
// all-zero.
func (t *Table) Read(instrument string) Cells {
	if row, ok := t.rows[instrument]; ok {
		return *row
	}
	return Cells{}
}

// Reset clears an instrument, e.g. after its contracts rolled.
func (t *Table) Reset(instrument string) {
	delete(t.rows, instrument)
}

// Snapshot copies every row.
func (t *Table) Snapshot() map[string]Cells {
	out := make(map[string]Cells, len(t.rows))
	for inst, row := range t.rows {
		out[inst] = *row
	}
	return out
}
