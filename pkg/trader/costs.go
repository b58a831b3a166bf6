package trader

import (
	"github.com/shopspring/decimal"
)

// Costs is the exchange fee and margin model of a stock future.
type Costs struct {
	// FeePerSide is the broker fee per contract per side.
	FeePerSide float64 `mapstructure:"fee_per_side"`
	// Multiplier is the contract size in shares.
	Multiplier float64 `mapstructure:"multiplier"`
	// TaxRate is the futures transaction tax rate on notional.
	TaxRate float64 `mapstructure:"tax_rate"`
	// MarginRate is the initial margin as a fraction of notional.
	MarginRate float64 `mapstructure:"margin_rate"`
}

// DefaultCosts are the TAIFEX stock-future values.
func DefaultCosts() Costs {
	return Costs{
		FeePerSide: 25,
		Multiplier: 2000,
		TaxRate:    0.00002,
		MarginRate: 0.135,
	}
}

// Transaction is the round-trip fee plus tax for one contract at price.
func (c Costs) Transaction(price float64) decimal.Decimal {
	fee := decimal.NewFromFloat(c.FeePerSide).Mul(decimal.NewFromInt(2))
	tax := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(c.Multiplier)).Mul(decimal.NewFromFloat(c.TaxRate))
	return fee.Add(tax)
}

// LegMargin is the margin one leg of qty contracts at price consumes.
func (c Costs) LegMargin(price float64, qty int64) decimal.Decimal {
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(c.Multiplier)).Mul(decimal.NewFromInt(qty))
	return notional.Mul(decimal.NewFromFloat(c.MarginRate)).Add(c.Transaction(price))
}

// PairCost is the margin plus transaction cost of one near/far pair.
func (c Costs) PairCost(nearAsk, farBid float64) decimal.Decimal {
	sum := decimal.NewFromFloat(nearAsk).Add(decimal.NewFromFloat(farBid))
	margin := sum.Mul(decimal.NewFromFloat(c.Multiplier)).Mul(decimal.NewFromFloat(c.MarginRate))
	return margin.Add(c.Transaction(sum.InexactFloat64()))
}

// AffordableLots is floor(available / pairCost); a non-positive cost buys
// nothing.
func AffordableLots(available float64, pairCost decimal.Decimal) int64 {
	if !pairCost.IsPositive() {
		return 0
	}
	lots := decimal.NewFromFloat(available).Div(pairCost).Floor()
	if lots.IsNegative() {
		return 0
	}
	return lots.IntPart()
}
