// Package rollover derives the near and far contract months of monthly
// stock futures from the calendar and the third-Wednesday settlement rule.
package rollover

import (
	"fmt"
	"math"
	"time"
)

// DefaultRollDays is the distance to settlement, in whole days, at which the
// expiring month stops being treated as the near leg.
const DefaultRollDays = 2

const monthLetters = "ABCDEFGHIJKL"

// Month is a contract delivery month.
type Month struct {
	Year  int
	Month time.Month
}

// Code renders the exchange month code, e.g. 2026-01 -> "FA6".
func (m Month) Code() string {
	return MonthCode(m.Year, m.Month)
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Add shifts the month by n months, rolling over year boundaries.
func (m Month) Add(n int) Month {
	idx := m.Year*12 + int(m.Month) - 1 + n
	return Month{Year: idx / 12, Month: time.Month(idx%12 + 1)}
}

// Months is the result of a rollover computation.
type Months struct {
	Near             Month
	Far              Month
	Settlement       time.Time
	DaysToSettlement int
	Rolled           bool
}

// NearCode returns the near-month code.
func (m Months) NearCode() string { return m.Near.Code() }

// FarCode returns the far-month code.
func (m Months) FarCode() string { return m.Far.Code() }

// Calculator computes Months for a point in time.
type Calculator struct {
	RollDays int
}

// NewCalculator returns a calculator that rolls when settlement is rollDays
// or fewer days away. Non-positive values fall back to DefaultRollDays.
func NewCalculator(rollDays int) Calculator {
	if rollDays <= 0 {
		rollDays = DefaultRollDays
	}
	return Calculator{RollDays: rollDays}
}

// Compute returns the near/far pair for now. Settlement is the third
// Wednesday of now's month at midnight in now's location.
func (c Calculator) Compute(now time.Time) Months {
	current := Month{Year: now.Year(), Month: now.Month()}
	settlement := ThirdWednesday(current.Year, current.Month, now.Location())
	days := int(math.Floor(settlement.Sub(now).Hours() / 24))

	result := Months{
		Near:             current,
		Far:              current.Add(1),
		Settlement:       settlement,
		DaysToSettlement: days,
	}
	if days <= c.RollDays {
		result.Near = current.Add(1)
		result.Far = current.Add(2)
		result.Rolled = true
	}
	return result
}

// Compute uses the default roll threshold.
func Compute(now time.Time) Months {
	return NewCalculator(DefaultRollDays).Compute(now)
}

// ThirdWednesday returns midnight of the third Wednesday of the month.
func ThirdWednesday(year int, month time.Month, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(time.Wednesday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

// MonthCode builds "F" + month letter (A=Jan ... L=Dec) + last year digit.
func MonthCode(year int, month time.Month) string {
	return fmt.Sprintf("F%c%d", monthLetters[int(month)-1], year%10)
}

// ParseMonthCode resolves a month code back to a Month. The single year digit
// is ambiguous across decades, so the year closest to ref is chosen.
func ParseMonthCode(code string, ref time.Time) (Month, error) {
	if len(code) != 3 || code[0] != 'F' {
		return Month{}, fmt.Errorf("invalid month code %q", code)
	}
	letter := code[1]
	if letter < 'A' || letter > 'L' {
		return Month{}, fmt.Errorf("invalid month letter in %q", code)
	}
	digit := code[2]
	if digit < '0' || digit > '9' {
		return Month{}, fmt.Errorf("invalid year digit in %q", code)
	}

	month := time.Month(letter-'A') + 1
	decade := ref.Year() - ref.Year()%10
	best := decade + int(digit-'0')
	for _, candidate := range []int{best - 10, best + 10} {
		if abs(candidate-ref.Year()) < abs(best-ref.Year()) {
			best = candidate
		}
	}
	return Month{Year: best, Month: month}, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
