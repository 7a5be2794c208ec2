package services

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"tastydata/internal/database"
	"tastydata/internal/models"
	"tastydata/internal/tasty"
)

// MockMarketFetcher implements tasty.MarketFetcher for testing within the
// services package.
type MockMarketFetcher struct {
	mock.Mock
}

func (m *MockMarketFetcher) GetMarketMetrics(ctx context.Context, symbols []string) ([]models.MarketMetrics, error) {
	args := m.Called(ctx, symbols)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.MarketMetrics), args.Error(1)
}

func (m *MockMarketFetcher) GetMarketData(ctx context.Context, query tasty.MarketDataQuery) ([]models.MarketQuote, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.MarketQuote), args.Error(1)
}

func (m *MockMarketFetcher) GetPublicWatchlists(ctx context.Context) ([]tasty.Watchlist, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]tasty.Watchlist), args.Error(1)
}

func (m *MockMarketFetcher) GetNestedOptionChain(ctx context.Context, symbol string) (*tasty.NestedOptionChain, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tasty.NestedOptionChain), args.Error(1)
}

// MockMarketDataWriter implements database.MarketDataWriter for testing within
// the services package.
type MockMarketDataWriter struct {
	mock.Mock
}

func (m *MockMarketDataWriter) InsertCandle(ctx context.Context, row models.CandleRow) error {
	args := m.Called(ctx, row)
	return args.Error(0)
}

func (m *MockMarketDataWriter) InsertEquityMetrics(ctx context.Context, row models.CombinedRow) error {
	args := m.Called(ctx, row)
	return args.Error(0)
}

func (m *MockMarketDataWriter) InsertCandleHistory(ctx context.Context, symbol string, candles []models.Candle) (int64, error) {
	args := m.Called(ctx, symbol, candles)
	return args.Get(0).(int64), args.Error(1)
}

// MockSession implements tasty.SessionValidator for testing within the
// services package.
type MockSession struct {
	mock.Mock
}

func (m *MockSession) Validate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// fakeStreamer is a channel-backed tasty.Streamer for lifecycle tests. Tests
// push candles through Emit and inspect the recorded subscribe calls.
type fakeStreamer struct {
	mu           sync.Mutex
	events       chan models.Candle
	subscribed   [][]string
	unsubscribed [][]string
	subscribeErr error
	closed       bool
	closeErr     error
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{events: make(chan models.Candle, 16)}
}

func (f *fakeStreamer) Events() <-chan models.Candle { return f.events }

func (f *fakeStreamer) Subscribe(ctx context.Context, symbols []string, interval string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, symbols)
	return nil
}

func (f *fakeStreamer) SubscribeHistory(ctx context.Context, symbols []string, interval string, from time.Time) error {
	return f.Subscribe(ctx, symbols, interval)
}

func (f *fakeStreamer) Unsubscribe(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbols)
	return nil
}

func (f *fakeStreamer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return f.closeErr
}

func (f *fakeStreamer) Emit(candle models.Candle) {
	f.events <- candle
}

func (f *fakeStreamer) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStreamer) Subscribed() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed
}

func (f *fakeStreamer) Unsubscribed() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

// fakeStreamerFactory hands out a scripted streamer per OpenStreamer call.
type fakeStreamerFactory struct {
	mu        sync.Mutex
	streamers []*fakeStreamer
	openErr   error
	opened    int
}

func (f *fakeStreamerFactory) OpenStreamer(ctx context.Context, session tasty.SessionValidator) (tasty.Streamer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.opened >= len(f.streamers) {
		streamer := newFakeStreamer()
		f.streamers = append(f.streamers, streamer)
	}
	streamer := f.streamers[f.opened]
	f.opened++
	return streamer, nil
}

var (
	_ tasty.MarketFetcher       = (*MockMarketFetcher)(nil)
	_ tasty.SessionValidator    = (*MockSession)(nil)
	_ database.MarketDataWriter = (*MockMarketDataWriter)(nil)
	_ tasty.Streamer            = (*fakeStreamer)(nil)
	_ tasty.StreamerFactory     = (*fakeStreamerFactory)(nil)
)
