package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tastydata/internal/config"
	"tastydata/internal/models"
	"tastydata/internal/tasty"
)

// MarketDataManager polls quotes for every symbol group on a fixed interval
// from a dedicated worker goroutine. It shares no state with the streaming
// subscription; the two paths run independently.
type MarketDataManager struct {
	session tasty.SessionValidator
	fetcher tasty.MarketFetcher
	logger  *logrus.Logger

	mu             sync.Mutex
	updateInterval time.Duration
	running        bool
	stop           chan struct{}
	done           chan struct{}
	lastUpdate     time.Time
}

// NewMarketDataManager creates a poller with the given update interval.
func NewMarketDataManager(session tasty.SessionValidator, fetcher tasty.MarketFetcher, updateInterval time.Duration, logger *logrus.Logger) *MarketDataManager {
	if updateInterval <= 0 {
		updateInterval = 60 * time.Second
	}
	return &MarketDataManager{
		session:        session,
		fetcher:        fetcher,
		updateInterval: updateInterval,
		logger:         logger,
	}
}

// GatherMarketData fetches quotes for every symbol group plus metrics for the
// indices. Returns the quotes so callers can inspect the latest snapshot.
func (m *MarketDataManager) GatherMarketData(ctx context.Context, symbols config.SymbolGroups) ([]models.MarketQuote, error) {
	if err := m.session.Validate(ctx); err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}

	quotes, err := m.fetcher.GetMarketData(ctx, tasty.MarketDataQuery{
		Indices:          symbols.Indices,
		Equities:         symbols.Equities,
		Cryptocurrencies: symbols.Cryptocurrencies,
		Futures:          symbols.Futures,
		FutureOptions:    symbols.FutureOptions,
		Options:          symbols.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market data: %w", err)
	}
	m.logger.WithField("quotes", len(quotes)).Info("Market data updated")

	if len(symbols.Indices) > 0 {
		metrics, err := m.fetcher.GetMarketMetrics(ctx, symbols.Indices)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch index metrics: %w", err)
		}
		m.logger.WithField("metrics", len(metrics)).Info("Index metrics updated")
	}

	m.mu.Lock()
	m.lastUpdate = time.Now()
	m.mu.Unlock()

	return quotes, nil
}

// Start spawns the polling worker. Calling Start while already running is a
// logged no-op.
func (m *MarketDataManager) Start(symbols config.SymbolGroups) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Info("Market data manager is already running")
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	interval := m.updateInterval
	m.mu.Unlock()

	go m.run(symbols, interval, stop, done)

	m.logger.WithField("update_interval", interval.String()).Info("Market data manager started")
}

func (m *MarketDataManager) run(symbols config.SymbolGroups, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		if _, err := m.GatherMarketData(context.Background(), symbols); err != nil {
			m.logger.WithError(err).Error("Market data poll failed")
		}

		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

// Stop signals the worker and waits up to five seconds for it to exit.
// Calling Stop while not running is a logged no-op.
func (m *MarketDataManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.logger.Info("Market data manager is not running")
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.stop = nil
	m.done = nil
	m.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("Market data worker did not exit within 5 seconds")
	}
	m.logger.Info("Market data manager stopped")
}

// IsRunning reports whether the polling worker is alive.
func (m *MarketDataManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// LastUpdate returns when the poller last completed a fetch.
func (m *MarketDataManager) LastUpdate() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

// SetUpdateInterval changes the polling interval. Takes effect on the next
// restart.
func (m *MarketDataManager) SetUpdateInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.updateInterval = interval
		m.logger.WithField("update_interval", interval.String()).Info("Update interval changed")
	}
}
