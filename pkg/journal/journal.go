// Package journal records every spread submission in SQLite so fills and
// estimated profit can be audited after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/calspread/pkg/models"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id               TEXT PRIMARY KEY,
	variant          TEXT NOT NULL,
	instrument       TEXT NOT NULL,
	gap              REAL NOT NULL,
	quantity         INTEGER NOT NULL,
	estimated_profit REAL NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS legs (
	trade_id TEXT NOT NULL REFERENCES trades(id),
	seq      INTEGER NOT NULL,
	contract TEXT NOT NULL,
	slot     TEXT NOT NULL,
	side     TEXT NOT NULL,
	price    REAL NOT NULL,
	order_id TEXT NOT NULL,
	status   TEXT NOT NULL,
	error    TEXT NOT NULL,
	PRIMARY KEY (trade_id, seq)
);`

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal is safe for concurrent use through database/sql.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and migrates it.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	j := New(db)
	if err := j.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an existing handle without migrating it.
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a trade and all of its legs atomically.
func (j *Journal) Record(ctx context.Context, trade models.SpreadTrade) (err error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trades (id, variant, instrument, gap, quantity, estimated_profit, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.Variant, trade.Instrument, trade.Gap, trade.Quantity, trade.EstimatedProfit,
		trade.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", trade.ID, err)
	}

	for i, leg := range trade.Legs {
		var msg string
		if leg.Err != nil {
			msg = leg.Err.Error()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO legs (trade_id, seq, contract, slot, side, price, order_id, status, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trade.ID, i, leg.Leg.Contract.Code, leg.Leg.Contract.Slot.String(), string(leg.Leg.Side),
			leg.Leg.Price, leg.OrderID, string(leg.Status), msg,
		)
		if err != nil {
			return fmt.Errorf("insert leg %d of %s: %w", i, trade.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns the latest trades, newest first, with their legs.
func (j *Journal) Recent(ctx context.Context, limit int) ([]models.SpreadTrade, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, variant, instrument, gap, quantity, estimated_profit, created_at FROM trades ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.SpreadTrade
	for rows.Next() {
		var (
			t       models.SpreadTrade
			created string
		)
		if err := rows.Scan(&t.ID, &t.Variant, &t.Instrument, &t.Gap, &t.Quantity, &t.EstimatedProfit, &created); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if t.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("trade %s created_at: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range trades {
		legs, err := j.legs(ctx, trades[i])
		if err != nil {
			return nil, err
		}
		trades[i].Legs = legs
	}
	return trades, nil
}

func (j *Journal) legs(ctx context.Context, trade models.SpreadTrade) ([]models.LegResult, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT contract, slot, side, price, order_id, status, error FROM legs WHERE trade_id = ? ORDER BY seq`,
		trade.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query legs of %s: %w", trade.ID, err)
	}
	defer rows.Close()

	var out []models.LegResult
	for rows.Next() {
		var (
			r                  models.LegResult
			slot, side, status string
			msg                string
		)
		if err := rows.Scan(&r.Leg.Contract.Code, &slot, &side, &r.Leg.Price, &r.OrderID, &status, &msg); err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		r.Leg.Contract.Instrument = trade.Instrument
		_, r.Leg.Contract.MonthCode, _ = models.SplitContractCode(r.Leg.Contract.Code)
		r.Leg.Contract.Slot = parseSlot(slot)
		r.Leg.Side = models.OrderSide(side)
		r.Status = models.OrderStatus(status)
		if msg != "" {
			r.Err = errors.New(msg)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseSlot(s string) models.Slot {
	switch s {
	case models.SlotNear.String():
		return models.SlotNear
	case models.SlotFar.String():
		return models.SlotFar
	default:
		return models.SlotUnknown
	}
}
