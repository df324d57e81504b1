package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tickstream/models"
	"tickstream/parser"
)

// Field aliases accepted in history payloads, in lookup order.
var (
	tsFields     = []string{"ts", "time", "timestamp"}
	openFields   = []string{"open", "o", "Open", "price_open"}
	highFields   = []string{"high", "h", "High", "price_high"}
	lowFields    = []string{"low", "l", "Low", "price_low"}
	closeFields  = []string{"close", "c", "Close", "price_close"}
	volumeFields = []string{"volume", "v", "qty"}
)

type rawCandle map[string]json.RawMessage

// DecodeHistory normalizes a history body: a bare array or {"candles": [...]}.
// Candles without a timestamp or with non-finite prices are dropped; the
// result is sorted by bucket start.
func DecodeHistory(body []byte) ([]models.Candle, error) {
	var raw []rawCandle
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Candles []rawCandle `json:"candles"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		raw = wrapped.Candles
	} else if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	out := make([]models.Candle, 0, len(raw))
	for _, r := range raw {
		c, ok := r.candle()
		if !ok {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BucketStart < out[j].BucketStart })
	return out, nil
}

func (r rawCandle) candle() (models.Candle, bool) {
	ts, ok := r.timestamp()
	if !ok {
		return models.Candle{}, false
	}
	c := models.Candle{BucketStart: ts}
	var okO, okH, okL, okC bool
	c.Open, okO = r.number(openFields)
	c.High, okH = r.number(highFields)
	c.Low, okL = r.number(lowFields)
	c.Close, okC = r.number(closeFields)
	if !okO || !okH || !okL || !okC || !c.Valid() {
		return models.Candle{}, false
	}
	if v, ok := r.number(volumeFields); ok && models.IsFinite(v) {
		c.Volume = v
	}
	return c, true
}

func (r rawCandle) lookup(names []string) (json.RawMessage, bool) {
	for _, n := range names {
		if v, ok := r[n]; ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func (r rawCandle) number(names []string) (float64, bool) {
	v, ok := r.lookup(names)
	if !ok {
		return 0, false
	}
	s := strings.Trim(string(v), `"`)
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (r rawCandle) timestamp() (int64, bool) {
	v, ok := r.lookup(tsFields)
	if !ok {
		return 0, false
	}
	s := string(v)
	if len(s) > 0 && s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return 0, false
		}
		ms, err := parser.ParseTimestamp(unq)
		return ms, err == nil && unq != ""
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !models.IsFinite(f) {
		return 0, false
	}
	return int64(f), true
}
