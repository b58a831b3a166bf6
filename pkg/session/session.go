// Package session decides whether the exchange is inside a trading session.
package session

import (
	"fmt"
	"strings"
	"time"
)

// Window is an inclusive HH:MM range in the exchange time zone. A window whose
// end is before its start wraps past midnight.
type Window struct {
	Start string `mapstructure:"start" json:"start"`
	End   string `mapstructure:"end" json:"end"`
}

// DefaultWindows are the TAIFEX day and night sessions.
func DefaultWindows() []Window {
	return []Window{
		{Start: "08:45", End: "13:45"},
		{Start: "15:00", End: "05:00"},
	}
}

type span struct {
	start, end int // minutes after midnight
}

func (s span) contains(minute int) bool {
	if s.start <= s.end {
		return minute >= s.start && minute <= s.end
	}
	return minute >= s.start || minute <= s.end
}

// Schedule is a parsed set of windows.
type Schedule struct {
	spans []span
	loc   *time.Location
}

// NewSchedule parses windows. A nil location means time.Local.
func NewSchedule(windows []Window, loc *time.Location) (*Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	s := &Schedule{loc: loc}
	for _, w := range windows {
		start, err := parseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("session start: %w", err)
		}
		end, err := parseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("session end: %w", err)
		}
		s.spans = append(s.spans, span{start: start, end: end})
	}
	return s, nil
}

// Open reports whether t falls inside any window. A schedule without
// windows is always open.
func (s *Schedule) Open(t time.Time) bool {
	if len(s.spans) == 0 {
		return true
	}
	local := t.In(s.loc)
	minute := local.Hour()*60 + local.Minute()
	for _, sp := range s.spans {
		if sp.contains(minute) {
			return true
		}
	}
	return false
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
