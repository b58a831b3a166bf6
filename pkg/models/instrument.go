package models

import (
	"fmt"
)

// MonthCodeLen is the length of the month suffix of a futures code, e.g. the
// "FA6" in "CDFA6".
const MonthCodeLen = 3

// Instrument is an underlying on the watch-list.
type Instrument struct {
	Code string `mapstructure:"code" json:"code"`
	Name string `mapstructure:"name" json:"name"`
}

// Label is used in log lines and alerts.
func (i Instrument) Label() string {
	if i.Name == "" {
		return i.Code
	}
	return fmt.Sprintf("%s (%s)", i.Code, i.Name)
}

// ContractID identifies one leg of an instrument once resolved against the
// exchange contract directory.
type ContractID struct {
	Instrument string `json:"instrument"`
	Slot       Slot   `json:"slot"`
	MonthCode  string `json:"month_code"`
	Code       string `json:"code"`
}

// LegPair holds the resolved near and far contracts of one instrument.
type LegPair struct {
	Near ContractID `json:"near"`
	Far  ContractID `json:"far"`
}

// SlotOf classifies an exchange code against the pair.
func (p LegPair) SlotOf(code string) Slot {
	switch code {
	case p.Near.Code:
		return SlotNear
	case p.Far.Code:
		return SlotFar
	default:
		return SlotUnknown
	}
}

// Leg returns the contract in the given slot.
func (p LegPair) Leg(slot Slot) (ContractID, bool) {
	switch slot {
	case SlotNear:
		return p.Near, true
	case SlotFar:
		return p.Far, true
	default:
		return ContractID{}, false
	}
}

// SplitContractCode splits an exchange code into instrument and month code.
// "CDFA6" -> ("CD", "FA6").
func SplitContractCode(code string) (instrument, monthCode string, ok bool) {
	if len(code) <= MonthCodeLen {
		return "", "", false
	}
	cut := len(code) - MonthCodeLen
	month := code[cut:]
	if month[0] != 'F' || month[1] < 'A' || month[1] > 'L' || month[2] < '0' || month[2] > '9' {
		return "", "", false
	}
	return code[:cut], month, true
}
