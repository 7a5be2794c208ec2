package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CandleEventType is the event type label attached to streamed candles.
const CandleEventType = "Candle"

// Candle represents one streamed OHLCV sample keyed by (EventSymbol, Time).
// EventSymbol carries the feed's candle suffix (e.g. "SPX{=1m}"); Time is
// epoch milliseconds as delivered by the feed.
type Candle struct {
	EventType     string              `json:"event_type"`
	EventSymbol   string              `json:"event_symbol"`
	Time          int64               `json:"time"`
	Open          decimal.NullDecimal `json:"open"`
	High          decimal.NullDecimal `json:"high"`
	Low           decimal.NullDecimal `json:"low"`
	Close         decimal.NullDecimal `json:"close"`
	Volume        decimal.NullDecimal `json:"volume"`
	BidVolume     decimal.NullDecimal `json:"bid_volume"`
	AskVolume     decimal.NullDecimal `json:"ask_volume"`
	ImpVolatility decimal.NullDecimal `json:"imp_volatility"`
}

// BaseSymbol strips the candle period suffix from EventSymbol, returning the
// plain ticker ("SPX{=1m}" -> "SPX").
func (c Candle) BaseSymbol() string {
	if i := strings.IndexByte(c.EventSymbol, '{'); i >= 0 {
		return c.EventSymbol[:i]
	}
	return c.EventSymbol
}

// IsZeroClose reports whether the candle carries the zero-close sentinel the
// feed emits when a symbol's history is exhausted.
func (c Candle) IsZeroClose() bool {
	return c.Close.Valid && c.Close.Decimal.IsZero()
}

// CandleRow is one streamed candle joined with the symbol's metrics snapshot
// at arrival time. Metrics may be nil when the lookup failed; those columns
// persist as NULL.
type CandleRow struct {
	Candle  Candle         `json:"candle"`
	Metrics *MarketMetrics `json:"metrics,omitempty"`
}
