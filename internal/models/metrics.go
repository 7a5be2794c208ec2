package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketMetrics represents a per-symbol volatility and liquidity snapshot from
// the market metrics endpoint. A field left invalid means the upstream response
// did not carry it; it is persisted as NULL, never as zero.
type MarketMetrics struct {
	Symbol              string              `json:"symbol"`
	IVIndex             decimal.NullDecimal `json:"implied_volatility_index"`
	IVIndex5DayChange   decimal.NullDecimal `json:"implied_volatility_index_5_day_change"`
	IVIndexRank         decimal.NullDecimal `json:"implied_volatility_index_rank"`
	TosIVIndexRank      decimal.NullDecimal `json:"tos_implied_volatility_index_rank"`
	TwIVIndexRank       decimal.NullDecimal `json:"tw_implied_volatility_index_rank"`
	IVPercentile        decimal.NullDecimal `json:"implied_volatility_percentile"`
	IV30Day             decimal.NullDecimal `json:"implied_volatility_30_day"`
	HV30Day             decimal.NullDecimal `json:"historical_volatility_30_day"`
	HV60Day             decimal.NullDecimal `json:"historical_volatility_60_day"`
	HV90Day             decimal.NullDecimal `json:"historical_volatility_90_day"`
	IVHV30DayDifference decimal.NullDecimal `json:"iv_hv_30_day_difference"`
	Beta                decimal.NullDecimal `json:"beta"`
	CorrSPY3Month       decimal.NullDecimal `json:"corr_spy_3month"`
	LiquidityRating     *int32              `json:"liquidity_rating,omitempty"`
	LiquidityValue      decimal.NullDecimal `json:"liquidity_value"`
	LiquidityRank       decimal.NullDecimal `json:"liquidity_rank"`
	Earnings            *Earnings           `json:"earnings,omitempty"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Earnings holds the next expected earnings report for a symbol.
type Earnings struct {
	ExpectedReportDate *time.Time `json:"expected_report_date,omitempty"`
	TimeOfDay          string     `json:"time_of_day,omitempty"`
}

// MarketQuote represents a point-in-time price snapshot for a symbol. Close is
// the previous session close as reported by the market data endpoint.
type MarketQuote struct {
	Symbol    string              `json:"symbol"`
	Bid       decimal.NullDecimal `json:"bid"`
	Ask       decimal.NullDecimal `json:"ask"`
	Last      decimal.NullDecimal `json:"last"`
	Close     decimal.NullDecimal `json:"close"`
	Volume    decimal.NullDecimal `json:"volume"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// CombinedRow joins a symbol's metrics and quote snapshots. Either side may be
// nil when the symbol appeared in only one source; consumers map nil to NULL
// attributes rather than dropping the row.
type CombinedRow struct {
	Symbol  string         `json:"symbol"`
	Metrics *MarketMetrics `json:"metrics,omitempty"`
	Quote   *MarketQuote   `json:"quote,omitempty"`
}
