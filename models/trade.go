package models

import (
	"fmt"
	"strings"
)

type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// Side selects which option types a trade feed carries.
type Side string

const (
	SideBoth Side = "both"
	SideCE   Side = "CE"
	SidePE   Side = "PE"
)

func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "BOTH":
		return SideBoth, nil
	case "CE":
		return SideCE, nil
	case "PE":
		return SidePE, nil
	}
	return "", fmt.Errorf("unknown trade side %q", s)
}

// Accepts reports whether a row of the given option type belongs to this side.
func (s Side) Accepts(t OptionType) bool {
	switch s {
	case SideCE:
		return t == Call
	case SidePE:
		return t == Put
	default:
		return true
	}
}

// TradeRow is one discrete trade print. TxID is unique across snapshots
// and pushed events.
type TradeRow struct {
	TS            int64      `json:"ts"`
	InstrumentKey string     `json:"instrumentKey"`
	OptionType    OptionType `json:"optionType"`
	Strike        float64    `json:"strike"`
	LTP           float64    `json:"ltp"`
	ChangePct     *float64   `json:"changePct"`
	Qty           *float64   `json:"qty"`
	OI            *float64   `json:"oi"`
	TxID          string     `json:"txId"`
}

// TradeUpdate is a republished trade window.
type TradeUpdate struct {
	Side Side       `json:"side"`
	Rows []TradeRow `json:"rows"`
}
