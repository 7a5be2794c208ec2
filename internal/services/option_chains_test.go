package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tastydata/internal/models"
	"tastydata/internal/tasty"
)

// spxChain builds a nested chain with one near expiration carrying strikes
// around 5600 and one expiration far beyond any reasonable cutoff.
func spxChain(nearDate, farDate string) *tasty.NestedOptionChain {
	strikes := func(prices ...string) []tasty.OptionStrike {
		out := make([]tasty.OptionStrike, 0, len(prices))
		for _, p := range prices {
			out = append(out, tasty.OptionStrike{
				StrikePrice:        decimal.RequireFromString(p),
				Call:               "SPXW " + nearDate + "C" + p,
				CallStreamerSymbol: ".SPXW" + p,
			})
		}
		return out
	}

	return &tasty.NestedOptionChain{
		UnderlyingSymbol: "SPX",
		RootSymbol:       "SPXW",
		Expirations: []tasty.OptionExpiration{
			{
				ExpirationDate:   nearDate,
				DaysToExpiration: 7,
				Strikes:          strikes("5500", "5590", "5595", "5600", "5605", "5610", "5700"),
			},
			{
				ExpirationDate:   farDate,
				DaysToExpiration: 365,
				Strikes:          strikes("5600"),
			},
		},
	}
}

func spxQuote(last string) []models.MarketQuote {
	return []models.MarketQuote{{Symbol: "SPX", Last: dec(last)}}
}

func TestGetIndexCallOptionsAbovePrice(t *testing.T) {
	session := new(MockSession)
	fetcher := new(MockMarketFetcher)

	nearDate := time.Now().AddDate(0, 0, 7).Format("2006-01-02")
	farDate := time.Now().AddDate(1, 0, 0).Format("2006-01-02")

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, []string{"SPX"}).Return(metricsFor("SPX"), nil)
	fetcher.On("GetMarketData", mock.Anything, tasty.MarketDataQuery{Indices: []string{"SPX"}}).Return(spxQuote("5500"), nil)
	fetcher.On("GetNestedOptionChain", mock.Anything, "SPX").Return(spxChain(nearDate, farDate), nil)

	r := NewOptionChainRetriever(session, fetcher, testLogger())
	calls, err := r.GetIndexCallOptionsAbovePrice(context.Background(), "SPX", decimal.NewFromInt(100), 30)

	require.NoError(t, err)

	// Target is 5600; only strikes within ten dollars qualify, and the
	// far expiration is past the cutoff.
	require.Len(t, calls, 5)
	for _, call := range calls {
		assert.Equal(t, nearDate, call.Expiration)
		assert.True(t, call.Strike.Sub(decimal.NewFromInt(5600)).Abs().LessThanOrEqual(decimal.NewFromInt(10)),
			"strike %s outside the window", call.Strike)
	}

	// Sorted by strike within the expiration.
	for i := 1; i < len(calls); i++ {
		assert.True(t, calls[i-1].Strike.LessThanOrEqual(calls[i].Strike))
	}
	assert.Equal(t, "5590", calls[0].Strike.String())
	assert.Equal(t, "5610", calls[len(calls)-1].Strike.String())
}

func TestGetIndexCallOptionsNoMetrics(t *testing.T) {
	session := new(MockSession)
	fetcher := new(MockMarketFetcher)

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, []string{"SPX"}).Return(nil, nil)

	r := NewOptionChainRetriever(session, fetcher, testLogger())
	_, err := r.GetIndexCallOptionsAbovePrice(context.Background(), "SPX", decimal.Zero, 30)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no market metrics returned for SPX")
	fetcher.AssertNotCalled(t, "GetNestedOptionChain", mock.Anything, mock.Anything)
}

func TestGetIndexCallOptionsClosePriceFallback(t *testing.T) {
	session := new(MockSession)
	fetcher := new(MockMarketFetcher)

	nearDate := time.Now().AddDate(0, 0, 7).Format("2006-01-02")
	farDate := time.Now().AddDate(1, 0, 0).Format("2006-01-02")

	// Pre-market: no last trade yet, the previous close drives the target.
	quotes := []models.MarketQuote{{Symbol: "SPX", Close: dec("5500")}}

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(metricsFor("SPX"), nil)
	fetcher.On("GetMarketData", mock.Anything, mock.Anything).Return(quotes, nil)
	fetcher.On("GetNestedOptionChain", mock.Anything, "SPX").Return(spxChain(nearDate, farDate), nil)

	r := NewOptionChainRetriever(session, fetcher, testLogger())
	calls, err := r.GetIndexCallOptionsAbovePrice(context.Background(), "SPX", decimal.NewFromInt(100), 30)

	require.NoError(t, err)
	assert.NotEmpty(t, calls)
}

func TestGetIndexCallOptionsNoPrice(t *testing.T) {
	session := new(MockSession)
	fetcher := new(MockMarketFetcher)

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(metricsFor("SPX"), nil)
	fetcher.On("GetMarketData", mock.Anything, mock.Anything).Return([]models.MarketQuote{{Symbol: "SPX"}}, nil)

	r := NewOptionChainRetriever(session, fetcher, testLogger())
	_, err := r.GetIndexCallOptionsAbovePrice(context.Background(), "SPX", decimal.Zero, 30)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no price available for SPX")
}

func TestGetClosestCallStrikeAbovePrice(t *testing.T) {
	session := new(MockSession)
	fetcher := new(MockMarketFetcher)

	nearDate := time.Now().AddDate(0, 0, 7).Format("2006-01-02")
	farDate := time.Now().AddDate(1, 0, 0).Format("2006-01-02")

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(metricsFor("SPX"), nil)
	fetcher.On("GetMarketData", mock.Anything, mock.Anything).Return(spxQuote("5497.40"), nil)
	fetcher.On("GetNestedOptionChain", mock.Anything, "SPX").Return(spxChain(nearDate, farDate), nil)

	r := NewOptionChainRetriever(session, fetcher, testLogger())
	closest, err := r.GetClosestCallStrikeAbovePrice(context.Background(), "SPX", decimal.NewFromInt(100))

	require.NoError(t, err)
	require.NotNil(t, closest)

	// Target is 5597.40; 5595 is nearer than 5600.
	assert.Equal(t, "5595", closest.Strike.String())
	assert.Equal(t, nearDate, closest.Expiration)
}

func TestGetClosestCallStrikeNoCandidates(t *testing.T) {
	session := new(MockSession)
	fetcher := new(MockMarketFetcher)

	nearDate := time.Now().AddDate(0, 0, 7).Format("2006-01-02")
	farDate := time.Now().AddDate(1, 0, 0).Format("2006-01-02")

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(metricsFor("SPX"), nil)
	// Price far below every listed strike leaves nothing in the window.
	fetcher.On("GetMarketData", mock.Anything, mock.Anything).Return(spxQuote("1000"), nil)
	fetcher.On("GetNestedOptionChain", mock.Anything, "SPX").Return(spxChain(nearDate, farDate), nil)

	r := NewOptionChainRetriever(session, fetcher, testLogger())
	closest, err := r.GetClosestCallStrikeAbovePrice(context.Background(), "SPX", decimal.NewFromInt(100))

	require.NoError(t, err)
	assert.Nil(t, closest)
}

func TestGetIndexCallOptionsChainFailure(t *testing.T) {
	session := new(MockSession)
	fetcher := new(MockMarketFetcher)

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(metricsFor("SPX"), nil)
	fetcher.On("GetMarketData", mock.Anything, mock.Anything).Return(spxQuote("5500"), nil)
	fetcher.On("GetNestedOptionChain", mock.Anything, "SPX").Return(nil, errors.New("not entitled"))

	r := NewOptionChainRetriever(session, fetcher, testLogger())
	_, err := r.GetIndexCallOptionsAbovePrice(context.Background(), "SPX", decimal.Zero, 30)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch option chain for SPX")
}

func TestGetIndexCallOptionsSkipsBadExpirationDate(t *testing.T) {
	session := new(MockSession)
	fetcher := new(MockMarketFetcher)

	chain := &tasty.NestedOptionChain{
		UnderlyingSymbol: "SPX",
		Expirations: []tasty.OptionExpiration{
			{
				ExpirationDate: "tomorrow-ish",
				Strikes:        []tasty.OptionStrike{{StrikePrice: decimal.NewFromInt(5600), Call: "X"}},
			},
		},
	}

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(metricsFor("SPX"), nil)
	fetcher.On("GetMarketData", mock.Anything, mock.Anything).Return(spxQuote("5500"), nil)
	fetcher.On("GetNestedOptionChain", mock.Anything, "SPX").Return(chain, nil)

	r := NewOptionChainRetriever(session, fetcher, testLogger())
	calls, err := r.GetIndexCallOptionsAbovePrice(context.Background(), "SPX", decimal.NewFromInt(100), 30)

	require.NoError(t, err)
	assert.Empty(t, calls)
}
