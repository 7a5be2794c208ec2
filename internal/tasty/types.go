package tasty

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tastydata/internal/models"
)

// ParseError reports a payload field that could not be converted into its
// model type. Callers treat it as a hard failure for the request that
// produced it rather than silently storing a partial row.
type ParseError struct {
	Symbol string
	Field  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s for %s: %v", e.Field, e.Symbol, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// tokenResponse represents the OAuth token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// apiErrorResponse represents an error envelope from the brokerage API.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// metricsEnvelope wraps /market-metrics responses.
type metricsEnvelope struct {
	Data struct {
		Items []marketMetricsDTO `json:"items"`
	} `json:"data"`
}

// marketMetricsDTO mirrors one /market-metrics item. Numeric fields arrive as
// quoted decimal strings and may be absent; absent stays invalid.
type marketMetricsDTO struct {
	Symbol              string              `json:"symbol"`
	IVIndex             decimal.NullDecimal `json:"implied-volatility-index"`
	IVIndex5DayChange   decimal.NullDecimal `json:"implied-volatility-index-5-day-change"`
	IVIndexRank         decimal.NullDecimal `json:"implied-volatility-index-rank"`
	TosIVIndexRank      decimal.NullDecimal `json:"tos-implied-volatility-index-rank"`
	TwIVIndexRank       decimal.NullDecimal `json:"tw-implied-volatility-index-rank"`
	IVPercentile        decimal.NullDecimal `json:"implied-volatility-percentile"`
	IV30Day             decimal.NullDecimal `json:"implied-volatility-30-day"`
	HV30Day             decimal.NullDecimal `json:"historical-volatility-30-day"`
	HV60Day             decimal.NullDecimal `json:"historical-volatility-60-day"`
	HV90Day             decimal.NullDecimal `json:"historical-volatility-90-day"`
	IVHV30DayDifference decimal.NullDecimal `json:"iv-hv-30-day-difference"`
	Beta                decimal.NullDecimal `json:"beta"`
	CorrSPY3Month       decimal.NullDecimal `json:"corr-spy-3month"`
	LiquidityRating     *int32              `json:"liquidity-rating"`
	LiquidityValue      decimal.NullDecimal `json:"liquidity-value"`
	LiquidityRank       decimal.NullDecimal `json:"liquidity-rank"`
	Earnings            *earningsDTO        `json:"earnings"`
	UpdatedAt           string              `json:"updated-at"`
}

type earningsDTO struct {
	ExpectedReportDate string `json:"expected-report-date"`
	TimeOfDay          string `json:"time-of-day"`
}

func (d marketMetricsDTO) toModel() (models.MarketMetrics, error) {
	m := models.MarketMetrics{
		Symbol:              d.Symbol,
		IVIndex:             d.IVIndex,
		IVIndex5DayChange:   d.IVIndex5DayChange,
		IVIndexRank:         d.IVIndexRank,
		TosIVIndexRank:      d.TosIVIndexRank,
		TwIVIndexRank:       d.TwIVIndexRank,
		IVPercentile:        d.IVPercentile,
		IV30Day:             d.IV30Day,
		HV30Day:             d.HV30Day,
		HV60Day:             d.HV60Day,
		HV90Day:             d.HV90Day,
		IVHV30DayDifference: d.IVHV30DayDifference,
		Beta:                d.Beta,
		CorrSPY3Month:       d.CorrSPY3Month,
		LiquidityRating:     d.LiquidityRating,
		LiquidityValue:      d.LiquidityValue,
		LiquidityRank:       d.LiquidityRank,
	}

	if d.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339, d.UpdatedAt)
		if err != nil {
			return models.MarketMetrics{}, &ParseError{Symbol: d.Symbol, Field: "updated-at", Err: err}
		}
		m.UpdatedAt = t
	}

	if d.Earnings != nil {
		earnings := &models.Earnings{TimeOfDay: d.Earnings.TimeOfDay}
		if d.Earnings.ExpectedReportDate != "" {
			t, err := time.Parse("2006-01-02", d.Earnings.ExpectedReportDate)
			if err != nil {
				return models.MarketMetrics{}, &ParseError{Symbol: d.Symbol, Field: "earnings.expected-report-date", Err: err}
			}
			earnings.ExpectedReportDate = &t
		}
		m.Earnings = earnings
	}

	return m, nil
}

// marketDataEnvelope wraps /market-data/by-type responses.
type marketDataEnvelope struct {
	Data struct {
		Items []marketDataDTO `json:"items"`
	} `json:"data"`
}

type marketDataDTO struct {
	Symbol         string              `json:"symbol"`
	InstrumentType string              `json:"instrument-type"`
	Bid            decimal.NullDecimal `json:"bid"`
	Ask            decimal.NullDecimal `json:"ask"`
	Last           decimal.NullDecimal `json:"last"`
	Close          decimal.NullDecimal `json:"close"`
	Volume         decimal.NullDecimal `json:"volume"`
	UpdatedAt      string              `json:"updated-at"`
}

func (d marketDataDTO) toModel() (models.MarketQuote, error) {
	q := models.MarketQuote{
		Symbol: d.Symbol,
		Bid:    d.Bid,
		Ask:    d.Ask,
		Last:   d.Last,
		Close:  d.Close,
		Volume: d.Volume,
	}
	if d.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339, d.UpdatedAt)
		if err != nil {
			return models.MarketQuote{}, &ParseError{Symbol: d.Symbol, Field: "updated-at", Err: err}
		}
		q.UpdatedAt = t
	}
	return q, nil
}

// MarketDataQuery names the instrument lists for a by-type market data
// request. Empty lists are omitted from the request.
type MarketDataQuery struct {
	Indices          []string
	Equities         []string
	Cryptocurrencies []string
	Futures          []string
	FutureOptions    []string
	Options          []string
}

// IsEmpty reports whether the query names no symbols at all.
func (q MarketDataQuery) IsEmpty() bool {
	return len(q.Indices) == 0 && len(q.Equities) == 0 && len(q.Cryptocurrencies) == 0 &&
		len(q.Futures) == 0 && len(q.FutureOptions) == 0 && len(q.Options) == 0
}

func (q MarketDataQuery) values() url.Values {
	params := url.Values{}
	set := func(key string, symbols []string) {
		if len(symbols) > 0 {
			params.Set(key, strings.Join(symbols, ","))
		}
	}
	set("index", q.Indices)
	set("equity", q.Equities)
	set("cryptocurrency", q.Cryptocurrencies)
	set("future", q.Futures)
	set("future-option", q.FutureOptions)
	set("option", q.Options)
	return params
}

// quoteTokenEnvelope wraps /api-quote-tokens responses.
type quoteTokenEnvelope struct {
	Data QuoteStreamerToken `json:"data"`
}

// QuoteStreamerToken carries the credentials for opening a live feed
// connection. Tokens are short-lived; request a fresh one per connection.
type QuoteStreamerToken struct {
	Token     string `json:"token"`
	DXLinkURL string `json:"dxlink-url"`
	Level     string `json:"level"`
}

// watchlistEnvelope wraps /public-watchlists responses.
type watchlistEnvelope struct {
	Data struct {
		Items []Watchlist `json:"items"`
	} `json:"data"`
}

// Watchlist represents one curated public watchlist.
type Watchlist struct {
	Name             string           `json:"name"`
	GroupName        string           `json:"group-name"`
	WatchlistEntries []WatchlistEntry `json:"watchlist-entries"`
}

// WatchlistEntry is a single instrument reference inside a watchlist.
type WatchlistEntry struct {
	Symbol         string `json:"symbol"`
	InstrumentType string `json:"instrument-type"`
}

// optionChainEnvelope wraps /option-chains/{symbol}/nested responses.
type optionChainEnvelope struct {
	Data struct {
		Items []NestedOptionChain `json:"items"`
	} `json:"data"`
}

// NestedOptionChain groups an underlying's listed options by expiration, each
// expiration carrying its strike ladder.
type NestedOptionChain struct {
	UnderlyingSymbol string             `json:"underlying-symbol"`
	RootSymbol       string             `json:"root-symbol"`
	OptionChainType  string             `json:"option-chain-type"`
	Expirations      []OptionExpiration `json:"expirations"`
}

// OptionExpiration is one expiration date with its strikes.
type OptionExpiration struct {
	ExpirationType   string         `json:"expiration-type"`
	ExpirationDate   string         `json:"expiration-date"`
	DaysToExpiration int            `json:"days-to-expiration"`
	SettlementType   string         `json:"settlement-type"`
	Strikes          []OptionStrike `json:"strikes"`
}

// OptionStrike carries the call and put occ symbols listed at one strike.
type OptionStrike struct {
	StrikePrice        decimal.Decimal `json:"strike-price"`
	Call               string          `json:"call"`
	Put                string          `json:"put"`
	CallStreamerSymbol string          `json:"call-streamer-symbol"`
	PutStreamerSymbol  string          `json:"put-streamer-symbol"`
}
