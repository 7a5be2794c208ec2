package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tastydata/internal/models"
	"tastydata/internal/tasty"
)

// defaultDaysToExpiry bounds the expiration window when the caller does not
// care about a specific horizon.
const defaultDaysToExpiry = 30

// strikeWindow is the dollar range around the target strike to include.
var strikeWindow = decimal.NewFromInt(10)

// CallOption is one call contract near the target strike.
type CallOption struct {
	Symbol           string
	StreamerSymbol   string
	Strike           decimal.Decimal
	Expiration       string
	DaysToExpiration int
}

// OptionChainRetriever finds index call options around a target strike above
// the current price.
type OptionChainRetriever struct {
	session tasty.SessionValidator
	fetcher tasty.MarketFetcher
	logger  *logrus.Logger
}

// NewOptionChainRetriever creates an option chain retriever.
func NewOptionChainRetriever(session tasty.SessionValidator, fetcher tasty.MarketFetcher, logger *logrus.Logger) *OptionChainRetriever {
	return &OptionChainRetriever{
		session: session,
		fetcher: fetcher,
		logger:  logger,
	}
}

// GetIndexCallOptionsAbovePrice returns the call contracts whose strike lies
// within ten dollars of current price + priceOffset and whose expiration falls
// inside the next daysToExpiry days, sorted by expiration then strike.
func (r *OptionChainRetriever) GetIndexCallOptionsAbovePrice(ctx context.Context, symbol string, priceOffset decimal.Decimal, daysToExpiry int) ([]CallOption, error) {
	if daysToExpiry <= 0 {
		daysToExpiry = defaultDaysToExpiry
	}

	if err := r.session.Validate(ctx); err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}

	metrics, err := r.fetcher.GetMarketMetrics(ctx, []string{symbol})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metrics for %s: %w", symbol, err)
	}
	if !hasMetricsFor(metrics, symbol) {
		return nil, fmt.Errorf("no market metrics returned for %s", symbol)
	}

	price, err := r.indexPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	target := price.Add(priceOffset)

	r.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"price":  price.String(),
		"target": target.String(),
	}).Debug("Scanning option chain for target strike")

	chain, err := r.fetcher.GetNestedOptionChain(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch option chain for %s: %w", symbol, err)
	}

	cutoff := time.Now().AddDate(0, 0, daysToExpiry)
	var calls []CallOption
	for _, expiration := range chain.Expirations {
		expDate, err := time.Parse("2006-01-02", expiration.ExpirationDate)
		if err != nil {
			r.logger.WithField("expiration", expiration.ExpirationDate).Warn("Skipping expiration with unparseable date")
			continue
		}
		if expDate.After(cutoff) {
			continue
		}

		for _, strike := range expiration.Strikes {
			if strike.StrikePrice.Sub(target).Abs().GreaterThan(strikeWindow) {
				continue
			}
			calls = append(calls, CallOption{
				Symbol:           strike.Call,
				StreamerSymbol:   strike.CallStreamerSymbol,
				Strike:           strike.StrikePrice,
				Expiration:       expiration.ExpirationDate,
				DaysToExpiration: expiration.DaysToExpiration,
			})
		}
	}

	sort.Slice(calls, func(i, j int) bool {
		if calls[i].Expiration != calls[j].Expiration {
			return calls[i].Expiration < calls[j].Expiration
		}
		return calls[i].Strike.LessThan(calls[j].Strike)
	})
	return calls, nil
}

// GetClosestCallStrikeAbovePrice returns the single contract whose strike is
// nearest current price + priceOffset, or nil when no contract qualifies.
func (r *OptionChainRetriever) GetClosestCallStrikeAbovePrice(ctx context.Context, symbol string, priceOffset decimal.Decimal) (*CallOption, error) {
	options, err := r.GetIndexCallOptionsAbovePrice(ctx, symbol, priceOffset, defaultDaysToExpiry)
	if err != nil {
		return nil, err
	}
	if len(options) == 0 {
		return nil, nil
	}

	price, err := r.indexPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	target := price.Add(priceOffset)

	closest := options[0]
	closestDiff := closest.Strike.Sub(target).Abs()
	for _, option := range options[1:] {
		diff := option.Strike.Sub(target).Abs()
		if diff.LessThan(closestDiff) {
			closest = option
			closestDiff = diff
		}
	}
	return &closest, nil
}

// indexPrice returns the last trade price for symbol, falling back to the
// previous close when the index has not traded yet.
func (r *OptionChainRetriever) indexPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	quotes, err := r.fetcher.GetMarketData(ctx, tasty.MarketDataQuery{Indices: []string{symbol}})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}
	for _, quote := range quotes {
		if quote.Symbol != symbol {
			continue
		}
		if quote.Last.Valid {
			return quote.Last.Decimal, nil
		}
		if quote.Close.Valid {
			return quote.Close.Decimal, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no price available for %s", symbol)
}

func hasMetricsFor(metrics []models.MarketMetrics, symbol string) bool {
	for _, m := range metrics {
		if m.Symbol == symbol {
			return true
		}
	}
	return false
}
