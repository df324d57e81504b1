package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tickstream/models"
)

var ErrUnknownFrame = errors.New("unsupported frame type")

// now stamps ticks that arrive without an exchange timestamp.
var now = time.Now

type envelope struct {
	Type    string          `json:"type"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
}

type wireTick struct {
	InstrumentKey string               `json:"instrumentKey"`
	LTP           *float64             `json:"ltp"`
	LTQ           *float64             `json:"ltq"`
	TS            epochMillis          `json:"ts"`
	BidAsk        []models.BidAskLevel `json:"bidAsk"`
	OI            *float64             `json:"oi"`
	Greeks        *models.Greeks       `json:"greeks"`
}

type wireTrade struct {
	TS            epochMillis `json:"ts"`
	InstrumentKey string      `json:"instrumentKey"`
	OptionType    string      `json:"optionType"`
	Strike        float64     `json:"strike"`
	LTP           float64     `json:"ltp"`
	ChangePct     *float64    `json:"changePct"`
	Qty           *float64    `json:"qty"`
	OI            *float64    `json:"oi"`
	TxID          string      `json:"txId"`
}

// Decode classifies one websocket frame. Unknown event kinds decode to
// KindUnknown without error; malformed frames return an error.
func Decode(messageType int, data []byte) (models.Event, error) {
	switch messageType {
	case websocket.BinaryMessage:
		tick, err := ParseBinaryData(data)
		if err != nil {
			return models.Event{}, err
		}
		return models.Event{Kind: models.KindTick, Tick: tick}, nil
	case websocket.TextMessage:
		return decodeText(data)
	default:
		return models.Event{}, ErrUnknownFrame
	}
}

func decodeText(data []byte) (models.Event, error) {
	trimmed := bytes.TrimSpace(data)
	switch string(trimmed) {
	case "ping", "pong":
		return models.Event{Kind: models.KindHeartbeat}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return models.Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	kind := env.Type
	if kind == "" {
		kind = env.Kind
	}
	body := trimmed
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		body = env.Payload
	}

	switch strings.ToLower(kind) {
	case "tick":
		tick, err := DecodeTick(body)
		if err != nil {
			return models.Event{}, err
		}
		return models.Event{Kind: models.KindTick, Tick: tick}, nil
	case "trade":
		row, err := DecodeTrade(body)
		if err != nil {
			return models.Event{}, err
		}
		return models.Event{Kind: models.KindTrade, Trade: row}, nil
	case "heartbeat", "ping", "pong":
		return models.Event{Kind: models.KindHeartbeat}, nil
	case "status":
		msg := env.Status
		if msg == "" {
			msg = env.Message
		}
		return models.Event{Kind: models.KindStatus, Status: msg}, nil
	default:
		return models.Event{Kind: models.KindUnknown}, nil
	}
}

// DecodeTick decodes a tick payload. Depth beyond five levels is dropped.
func DecodeTick(body []byte) (*models.Tick, error) {
	var w wireTick
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode tick: %w", err)
	}
	if w.InstrumentKey == "" {
		return nil, errors.New("decode tick: missing instrumentKey")
	}

	ts := int64(w.TS)
	if ts == 0 {
		ts = now().UnixMilli()
	}
	bidAsk := w.BidAsk
	if len(bidAsk) > models.MaxBidAskLevels {
		bidAsk = bidAsk[:models.MaxBidAskLevels]
	}

	return &models.Tick{
		InstrumentKey: w.InstrumentKey,
		LTP:           w.LTP,
		LTQ:           w.LTQ,
		TS:            ts,
		BidAsk:        bidAsk,
		OI:            w.OI,
		Greeks:        w.Greeks,
	}, nil
}

// DecodeTrade decodes a trade payload. Rows without a txId cannot be
// deduplicated and are rejected.
func DecodeTrade(body []byte) (*models.TradeRow, error) {
	var w wireTrade
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	return w.row()
}

func (w *wireTrade) row() (*models.TradeRow, error) {
	if w.TxID == "" {
		return nil, errors.New("decode trade: missing txId")
	}
	ot := models.OptionType(strings.ToUpper(w.OptionType))
	if ot != models.Call && ot != models.Put {
		return nil, fmt.Errorf("decode trade %s: bad optionType %q", w.TxID, w.OptionType)
	}
	return &models.TradeRow{
		TS:            int64(w.TS),
		InstrumentKey: w.InstrumentKey,
		OptionType:    ot,
		Strike:        w.Strike,
		LTP:           w.LTP,
		ChangePct:     w.ChangePct,
		Qty:           w.Qty,
		OI:            w.OI,
		TxID:          w.TxID,
	}, nil
}

// DecodeTrades decodes a snapshot body: either a bare array or {"rows": [...]}.
// Invalid rows are skipped.
func DecodeTrades(body []byte) ([]models.TradeRow, error) {
	var raw []wireTrade
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Rows []wireTrade `json:"rows"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode trade snapshot: %w", err)
		}
		raw = wrapped.Rows
	} else if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode trade snapshot: %w", err)
	}

	rows := make([]models.TradeRow, 0, len(raw))
	for i := range raw {
		row, err := raw[i].row()
		if err != nil {
			continue
		}
		rows = append(rows, *row)
	}
	return rows, nil
}

// epochMillis accepts epoch milliseconds as a number or numeric string,
// or an RFC 3339 timestamp.
type epochMillis int64

func (e *epochMillis) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if s == "null" || s == "" {
		*e = 0
		return nil
	}
	if s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		ms, err := ParseTimestamp(unq)
		if err != nil {
			return err
		}
		*e = epochMillis(ms)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp %s: %w", s, err)
	}
	*e = epochMillis(int64(f))
	return nil
}

// ParseTimestamp parses epoch milliseconds or an RFC 3339 string.
func ParseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}
