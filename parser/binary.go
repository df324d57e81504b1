package parser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"tickstream/models"
)

// Subscription modes carried in the first byte of a binary frame.
const (
	LtpMode   = 1
	QuoteMode = 2
	SnapQuote = 3
)

// exchangeNames maps binary exchange type codes to instrument key prefixes.
var exchangeNames = map[uint8]string{
	1:  "NSE_CM",
	2:  "NSE_FO",
	3:  "BSE_CM",
	4:  "BSE_FO",
	5:  "MCX_FO",
	7:  "NCX_FO",
	13: "CDE_FO",
}

// ltpPacket is the fixed 51-byte head every binary frame starts with.
type ltpPacket struct {
	SubscriptionMode  uint8
	ExchangeType      uint8
	Token             [25]byte
	SequenceNumber    int64
	ExchangeTimestamp int64
	LastTradedPrice   int64
}

type quotePacket struct {
	LastTradedQuantity int64
	AverageTradedPrice int64
	VolumeTrade        int64
	TotalBuyQuantity   float64
	TotalSellQuantity  float64
	OpenPriceOfTheDay  int64
	HighPriceOfTheDay  int64
	LowPriceOfTheDay   int64
	ClosedPrice        int64
}

type snapQuotePacket struct {
	LastTradedTimestamp int64
	OpenInterest        int64
}

var ErrShortFrame = errors.New("binary frame too short")

// ParseBinaryData decodes a little-endian market data frame into a tick.
// Prices arrive in paise.
func ParseBinaryData(data []byte) (*models.Tick, error) {
	reader := bytes.NewReader(data)

	var head ltpPacket
	if err := binary.Read(reader, binary.LittleEndian, &head); err != nil {
		return nil, shortFrame(err)
	}

	token := string(bytes.TrimRight(head.Token[:], "\x00"))
	if token == "" {
		return nil, errors.New("binary frame without token")
	}
	exchange, ok := exchangeNames[head.ExchangeType]
	if !ok {
		exchange = fmt.Sprintf("EX_%d", head.ExchangeType)
	}

	tick := &models.Tick{
		InstrumentKey: exchange + "|" + token,
		LTP:           models.Float(paise(head.LastTradedPrice)),
		TS:            head.ExchangeTimestamp,
	}

	if head.SubscriptionMode >= QuoteMode {
		var q quotePacket
		if err := binary.Read(reader, binary.LittleEndian, &q); err != nil {
			return nil, shortFrame(err)
		}
		tick.LTQ = models.Float(float64(q.LastTradedQuantity))
	}

	if head.SubscriptionMode >= SnapQuote {
		var s snapQuotePacket
		if err := binary.Read(reader, binary.LittleEndian, &s); err != nil {
			return nil, shortFrame(err)
		}
		tick.OI = models.Float(float64(s.OpenInterest))
	}

	return tick, nil
}

func paise(v int64) float64 {
	return float64(v) / 100.0
}

func shortFrame(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortFrame
	}
	return err
}
