package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"tastydata/internal/tasty"
)

// watchlistGroupsSkipped are curation groups whose entries are never real
// tradeable equities.
var watchlistGroupsSkipped = map[string]struct{}{
	"indicators": {},
	"test":       {},
}

// WatchlistManager extracts tradeable equity symbols from the brokerage's
// public watchlists.
type WatchlistManager struct {
	session tasty.SessionValidator
	fetcher tasty.MarketFetcher
	logger  *logrus.Logger
}

// NewWatchlistManager creates a watchlist loader.
func NewWatchlistManager(session tasty.SessionValidator, fetcher tasty.MarketFetcher, logger *logrus.Logger) *WatchlistManager {
	return &WatchlistManager{
		session: session,
		fetcher: fetcher,
		logger:  logger,
	}
}

// LoadEquitySymbols fetches the public watchlists and returns the unique
// equity symbols they contain, sorted.
func (wm *WatchlistManager) LoadEquitySymbols(ctx context.Context) ([]string, error) {
	if err := wm.session.Validate(ctx); err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}

	watchlists, err := wm.fetcher.GetPublicWatchlists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load watchlists: %w", err)
	}

	symbols := ExtractEquitySymbols(watchlists)
	wm.logger.WithFields(logrus.Fields{
		"watchlists": len(watchlists),
		"symbols":    len(symbols),
	}).Info("Loaded equity symbols from public watchlists")
	return symbols, nil
}

// ExtractEquitySymbols collects the unique equity symbols across watchlists.
// Index-style symbols prefixed with "$" are excluded.
func ExtractEquitySymbols(watchlists []tasty.Watchlist) []string {
	seen := make(map[string]struct{})

	for _, watchlist := range watchlists {
		for _, entry := range watchlist.WatchlistEntries {
			if entry.InstrumentType != "Equity" {
				continue
			}
			if entry.Symbol == "" || strings.HasPrefix(entry.Symbol, "$") {
				continue
			}
			seen[entry.Symbol] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// ExtractEquitySymbolsDetailed maps each equity symbol to the watchlists that
// carry it, skipping the indicator and test curation groups.
func ExtractEquitySymbolsDetailed(watchlists []tasty.Watchlist) map[string][]string {
	detailed := make(map[string][]string)

	for _, watchlist := range watchlists {
		if _, skip := watchlistGroupsSkipped[strings.ToLower(watchlist.GroupName)]; skip {
			continue
		}
		for _, entry := range watchlist.WatchlistEntries {
			if entry.InstrumentType != "Equity" || entry.Symbol == "" {
				continue
			}
			detailed[entry.Symbol] = append(detailed[entry.Symbol], watchlist.Name)
		}
	}

	return detailed
}
