package trader

import (
	"fmt"
	"time"

	"github.com/gregtusar/calspread/pkg/models"
)

// Variant selects the strategy the engine runs.
type Variant string

const (
	VariantOpen  Variant = "open"
	VariantClose Variant = "close"
)

// DefaultProfitEpsilon applies when Config.ProfitEpsilon is unset.
const DefaultProfitEpsilon = 0.1

// Config holds the engine settings. Zero durations and limits take defaults.
type Config struct {
	Variant     Variant
	Account     string
	Instruments []models.Instrument

	// OrderEnabled false evaluates every tick but never submits.
	OrderEnabled bool
	// TestMode skips the margin affordability check.
	TestMode    bool
	TimeInForce models.TimeInForce

	Debounce          time.Duration
	ReconcileInterval time.Duration
	RolloverInterval  time.Duration
	HeartbeatInterval time.Duration
	RollDays          int

	MaxClosePerTick int64
	// ProfitEpsilon is the margin a closing gap must exceed. Nil means
	// DefaultProfitEpsilon; zero is a valid setting.
	ProfitEpsilon *float64
	Costs         Costs
}

func (c *Config) applyDefaults() {
	if c.TimeInForce == "" {
		c.TimeInForce = models.TimeInForceROD
	}
	if c.Debounce == 0 {
		c.Debounce = time.Minute
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.RolloverInterval == 0 {
		c.RolloverInterval = 24 * time.Hour
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.MaxClosePerTick == 0 {
		c.MaxClosePerTick = 10
	}
	if c.ProfitEpsilon == nil {
		eps := DefaultProfitEpsilon
		c.ProfitEpsilon = &eps
	}
	if c.Costs == (Costs{}) {
		c.Costs = DefaultCosts()
	}
}

func (c Config) validate() error {
	switch c.Variant {
	case VariantOpen, VariantClose:
	default:
		return fmt.Errorf("unknown variant %q", c.Variant)
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("empty watch-list")
	}
	if c.MaxClosePerTick < 0 {
		return fmt.Errorf("max_close_per_tick must not be negative")
	}
	if *c.ProfitEpsilon < 0 {
		return fmt.Errorf("profit_epsilon must not be negative")
	}
	return nil
}
