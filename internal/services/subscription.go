package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tastydata/internal/database"
	"tastydata/internal/models"
	"tastydata/internal/tasty"
	"tastydata/internal/telemetry"
)

// ErrNoSymbols is returned when a subscription is asked to start with an
// empty symbol list.
var ErrNoSymbols = errors.New("symbol list is empty, unable to establish subscription")

const (
	// stopTimeout bounds how long Stop waits for the consume loop to
	// acknowledge cancellation before tearing down anyway.
	stopTimeout = 5 * time.Second

	// historySilenceTimeout ends a backfill when the feed goes quiet.
	historySilenceTimeout = 3 * time.Second
)

// MarketDataSubscription maintains one live candle subscription: it opens a
// feed connection, subscribes the configured symbols and consumes candles in
// the background, enriching each with a fresh metrics snapshot before
// persisting it.
type MarketDataSubscription struct {
	session        tasty.SessionValidator
	factory        tasty.StreamerFactory
	fetcher        tasty.MarketFetcher
	store          database.MarketDataWriter
	symbols        []string
	updateInterval int
	tracer         *telemetry.CollectionTracer
	logger         *logrus.Logger

	mu       sync.Mutex
	streamer tasty.Streamer
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
}

// NewMarketDataSubscription creates a subscription for the given symbols.
// updateInterval is the candle period in seconds.
func NewMarketDataSubscription(session tasty.SessionValidator, factory tasty.StreamerFactory, fetcher tasty.MarketFetcher, store database.MarketDataWriter, symbols []string, updateInterval int, logger *logrus.Logger) *MarketDataSubscription {
	if updateInterval <= 0 {
		updateInterval = 60
	}
	return &MarketDataSubscription{
		session:        session,
		factory:        factory,
		fetcher:        fetcher,
		store:          store,
		symbols:        symbols,
		updateInterval: updateInterval,
		tracer:         telemetry.NewCollectionTracer(),
		logger:         logger,
	}
}

// Connect opens the feed, subscribes the symbol set and starts the consume
// loop. A stale streamer from an earlier Connect is stopped first so symbols
// are never subscribed twice. On any failure the partially acquired resources
// are released before the error returns.
func (s *MarketDataSubscription) Connect(ctx context.Context) error {
	s.mu.Lock()
	stale := s.streamer != nil
	s.mu.Unlock()
	if stale {
		if err := s.Stop(); err != nil {
			s.logger.WithError(err).Warn("Errors while stopping stale subscription")
		}
	}

	if len(s.symbols) == 0 {
		return ErrNoSymbols
	}
	if s.session == nil {
		return fmt.Errorf("cannot connect: %w", tasty.ErrMissingCredentials)
	}

	s.logger.WithField("symbols", len(s.symbols)).Info("Connecting market data subscription")

	if err := s.session.Validate(ctx); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}

	streamer, err := s.factory.OpenStreamer(ctx, s.session)
	if err != nil {
		return fmt.Errorf("failed to open streamer: %w", err)
	}

	interval := tasty.IntervalFromSeconds(s.updateInterval)
	if err := streamer.Subscribe(ctx, s.symbols, interval); err != nil {
		if cerr := streamer.Close(); cerr != nil {
			s.logger.WithError(cerr).Debug("Failed to close streamer after subscribe error")
		}
		return fmt.Errorf("failed to subscribe candles: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.streamer = streamer
	s.cancel = cancel
	s.done = done
	s.running = true
	s.mu.Unlock()

	go s.consume(loopCtx, streamer, done)

	s.logger.WithFields(logrus.Fields{
		"symbols":  s.symbols,
		"interval": interval,
	}).Info("Market data subscription established")
	return nil
}

// consume drains the streamer's event channel until cancellation or channel
// close. Per-candle failures are logged and never terminate the loop.
func (s *MarketDataSubscription) consume(ctx context.Context, streamer tasty.Streamer, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Candle consume loop cancelled")
			return
		case candle, ok := <-streamer.Events():
			if !ok {
				s.logger.Warn("Candle stream closed")
				return
			}
			s.handleCandle(ctx, candle)
		}
	}
}

// handleCandle enriches one candle with the freshest metrics snapshot for its
// base symbol and persists it. A failed metrics lookup stores the candle with
// NULL metric columns rather than dropping it.
func (s *MarketDataSubscription) handleCandle(ctx context.Context, candle models.Candle) {
	row := models.CandleRow{Candle: candle}
	symbol := candle.BaseSymbol()

	metrics, err := s.fetcher.GetMarketMetrics(ctx, []string{symbol})
	switch {
	case err != nil:
		s.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to fetch metrics snapshot for candle")
	case len(metrics) > 0:
		row.Metrics = &metrics[0]
	}

	if err := s.store.InsertCandle(ctx, row); err != nil {
		s.logger.WithError(err).WithField("event_symbol", candle.EventSymbol).Error("Failed to store candle")
	}
}

// Stop tears the subscription down: cancel the consume loop, wait for its
// acknowledgment with a bounded timeout, unsubscribe best-effort and close the
// streamer. Each step has its own error boundary; failures are collected and
// returned rather than aborting the teardown. Safe to call repeatedly and
// before Connect.
func (s *MarketDataSubscription) Stop() error {
	s.mu.Lock()
	streamer := s.streamer
	cancel := s.cancel
	done := s.done
	s.streamer = nil
	s.cancel = nil
	s.done = nil
	s.running = false
	s.mu.Unlock()

	if streamer == nil && cancel == nil {
		return nil
	}

	s.logger.Info("Stopping market data subscription")
	var errs []error

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopTimeout):
			errs = append(errs, fmt.Errorf("consume loop did not stop within %s", stopTimeout))
		}
	}

	if streamer != nil {
		if len(s.symbols) > 0 {
			ctx, cancelUnsub := context.WithTimeout(context.Background(), stopTimeout)
			if err := streamer.Unsubscribe(ctx, s.symbols); err != nil {
				s.logger.WithError(err).Warn("Failed to unsubscribe symbols")
				errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
			}
			cancelUnsub()
		}
		if err := streamer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close streamer: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).Warn("Market data subscription stopped with errors")
		return err
	}
	s.logger.Info("Market data subscription stopped")
	return nil
}

// IsRunning reports whether the consume loop is live.
func (s *MarketDataSubscription) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Symbols returns the configured symbol set.
func (s *MarketDataSubscription) Symbols() []string {
	return s.symbols
}

// DownloadHistoricalData backfills candles for symbols over [start, end) on a
// dedicated streamer. The feed replays history newest-first; a symbol is
// complete once a candle older than start arrives or the feed sends its
// zero-close end-of-history sentinel. The loop ends when every symbol is
// complete or no candle arrives for three seconds, whichever comes first, and
// whatever was collected is bulk-stored per symbol.
func (s *MarketDataSubscription) DownloadHistoricalData(ctx context.Context, symbols []string, interval string, start, end time.Time) (err error) {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	ctx, span := s.tracer.TraceBackfill(ctx, len(symbols), interval)
	defer func() { telemetry.EndWithError(span, err) }()

	if err := s.session.Validate(ctx); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}

	streamer, err := s.factory.OpenStreamer(ctx, s.session)
	if err != nil {
		return fmt.Errorf("failed to open history streamer: %w", err)
	}
	defer func() {
		if err := streamer.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close history streamer")
		}
	}()

	if err := streamer.SubscribeHistory(ctx, symbols, interval, start); err != nil {
		return fmt.Errorf("failed to subscribe candle history: %w", err)
	}

	startMs := start.UnixMilli()
	endMs := end.UnixMilli()
	collected := make(map[string][]models.Candle, len(symbols))
	completed := make(map[string]struct{}, len(symbols))

	timer := time.NewTimer(historySilenceTimeout)
	defer timer.Stop()

collect:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.logger.Warn("No candles received in 3 seconds, ending backfill")
			break collect
		case candle, ok := <-streamer.Events():
			if !ok {
				s.logger.Warn("History stream closed")
				break collect
			}
			timer.Reset(historySilenceTimeout)

			symbol := candle.BaseSymbol()
			if candle.Time < startMs {
				completed[symbol] = struct{}{}
				if len(completed) == len(symbols) {
					break collect
				}
				continue
			}
			// The sentinel can arrive stamped outside the window, so it is
			// checked before the end filter.
			if candle.IsZeroClose() {
				completed[symbol] = struct{}{}
				if len(completed) == len(symbols) {
					break collect
				}
				continue
			}
			if candle.Time >= endMs {
				continue
			}
			collected[symbol] = append(collected[symbol], candle)
		}
	}

	for _, symbol := range symbols {
		stored, err := s.store.InsertCandleHistory(ctx, symbol, collected[symbol])
		if err != nil {
			s.logger.WithError(err).WithField("symbol", symbol).Error("Failed to store candle history")
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"symbol":  symbol,
			"candles": stored,
		}).Info("Stored candle history")
	}
	return nil
}
