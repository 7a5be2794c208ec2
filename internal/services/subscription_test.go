package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tastydata/internal/models"
	"tastydata/internal/tasty"
)

func liveCandle(eventSymbol string, ts int64, close string) models.Candle {
	return models.Candle{
		EventType:   "Candle",
		EventSymbol: eventSymbol,
		Time:        ts,
		Open:        dec(close),
		High:        dec(close),
		Low:         dec(close),
		Close:       dec(close),
	}
}

func newTestSubscription(symbols []string) (*MarketDataSubscription, *fakeStreamerFactory, *MockSession, *MockMarketFetcher, *MockMarketDataWriter) {
	session := new(MockSession)
	factory := new(fakeStreamerFactory)
	fetcher := new(MockMarketFetcher)
	writer := new(MockMarketDataWriter)
	sub := NewMarketDataSubscription(session, factory, fetcher, writer, symbols, 60, testLogger())
	return sub, factory, session, fetcher, writer
}

func TestSubscriptionConnectAndConsume(t *testing.T) {
	sub, factory, session, fetcher, writer := newTestSubscription([]string{"SPX"})

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, []string{"SPX"}).Return(metricsFor("SPX"), nil)

	inserted := make(chan models.CandleRow, 1)
	writer.On("InsertCandle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		inserted <- args.Get(1).(models.CandleRow)
	}).Return(nil)

	require.NoError(t, sub.Connect(context.Background()))
	assert.True(t, sub.IsRunning())

	streamer := factory.streamers[0]
	require.Equal(t, [][]string{{"SPX"}}, streamer.Subscribed())

	streamer.Emit(liveCandle("SPX{=1m}", time.Now().UnixMilli(), "6712.25"))

	select {
	case row := <-inserted:
		assert.Equal(t, "SPX{=1m}", row.Candle.EventSymbol)
		require.NotNil(t, row.Metrics, "candles are enriched with a metrics snapshot")
		assert.Equal(t, "SPX", row.Metrics.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("candle was not persisted")
	}

	require.NoError(t, sub.Stop())
	assert.False(t, sub.IsRunning())
	assert.True(t, streamer.Closed())
	assert.Equal(t, [][]string{{"SPX"}}, streamer.Unsubscribed())
}

func TestSubscriptionStopBeforeConnect(t *testing.T) {
	sub, _, _, _, _ := newTestSubscription([]string{"SPX"})

	started := time.Now()
	assert.NoError(t, sub.Stop())
	assert.Less(t, time.Since(started), time.Second)
	assert.False(t, sub.IsRunning())
}

func TestSubscriptionStopIsIdempotent(t *testing.T) {
	sub, factory, session, fetcher, writer := newTestSubscription([]string{"SPX"})

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(nil, nil).Maybe()
	writer.On("InsertCandle", mock.Anything, mock.Anything).Return(nil).Maybe()

	require.NoError(t, sub.Connect(context.Background()))
	require.NoError(t, sub.Stop())
	assert.NoError(t, sub.Stop())

	// The second Stop must not touch the streamer again.
	assert.Len(t, factory.streamers[0].Unsubscribed(), 1)
}

func TestSubscriptionConnectEmptySymbols(t *testing.T) {
	sub, factory, _, _, _ := newTestSubscription(nil)

	err := sub.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoSymbols)
	assert.Zero(t, factory.opened)
}

func TestSubscriptionConnectMissingSession(t *testing.T) {
	factory := new(fakeStreamerFactory)
	sub := NewMarketDataSubscription(nil, factory, new(MockMarketFetcher), new(MockMarketDataWriter), []string{"SPX"}, 60, testLogger())

	err := sub.Connect(context.Background())
	assert.ErrorIs(t, err, tasty.ErrMissingCredentials)
}

func TestSubscriptionConnectSessionValidateFailure(t *testing.T) {
	sub, factory, session, _, _ := newTestSubscription([]string{"SPX"})
	session.On("Validate", mock.Anything).Return(errors.New("refresh rejected"))

	err := sub.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session validation failed")
	assert.Zero(t, factory.opened, "no streamer is opened for an invalid session")
}

func TestSubscriptionSubscribeFailureReleasesStreamer(t *testing.T) {
	sub, factory, session, _, _ := newTestSubscription([]string{"SPX"})
	session.On("Validate", mock.Anything).Return(nil)

	streamer := newFakeStreamer()
	streamer.subscribeErr = errors.New("permission denied")
	factory.streamers = []*fakeStreamer{streamer}

	err := sub.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe candles")
	assert.True(t, streamer.Closed(), "a streamer that cannot subscribe is released")
	assert.False(t, sub.IsRunning())
}

func TestSubscriptionReconnectStopsStaleStreamer(t *testing.T) {
	sub, factory, session, fetcher, writer := newTestSubscription([]string{"SPX", "VIX"})

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(nil, nil).Maybe()
	writer.On("InsertCandle", mock.Anything, mock.Anything).Return(nil).Maybe()

	require.NoError(t, sub.Connect(context.Background()))
	first := factory.streamers[0]

	require.NoError(t, sub.Connect(context.Background()))
	require.Equal(t, 2, factory.opened, "reconnect opens a fresh streamer")

	assert.True(t, first.Closed(), "the stale streamer is torn down before resubscribing")
	assert.Len(t, first.Unsubscribed(), 1)

	second := factory.streamers[1]
	assert.Equal(t, [][]string{{"SPX", "VIX"}}, second.Subscribed())
	assert.True(t, sub.IsRunning())

	require.NoError(t, sub.Stop())
}

func TestSubscriptionInsertFailureKeepsConsuming(t *testing.T) {
	sub, factory, session, fetcher, writer := newTestSubscription([]string{"SPX"})

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(metricsFor("SPX"), nil)

	inserts := make(chan struct{}, 2)
	writer.On("InsertCandle", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		inserts <- struct{}{}
	}).Return(errors.New("deadlock detected"))

	require.NoError(t, sub.Connect(context.Background()))
	streamer := factory.streamers[0]

	streamer.Emit(liveCandle("SPX{=1m}", time.Now().UnixMilli(), "6712.25"))
	streamer.Emit(liveCandle("SPX{=1m}", time.Now().UnixMilli(), "6713.00"))

	for i := 0; i < 2; i++ {
		select {
		case <-inserts:
		case <-time.After(2 * time.Second):
			t.Fatalf("candle %d was not processed, loop died on insert failure", i+1)
		}
	}
	assert.True(t, sub.IsRunning())

	require.NoError(t, sub.Stop())
}

func TestSubscriptionMetricsFailureStoresBareCandle(t *testing.T) {
	sub, factory, session, fetcher, writer := newTestSubscription([]string{"VIX"})

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, []string{"VIX"}).Return(nil, errors.New("service unavailable"))

	inserted := make(chan models.CandleRow, 1)
	writer.On("InsertCandle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		inserted <- args.Get(1).(models.CandleRow)
	}).Return(nil)

	require.NoError(t, sub.Connect(context.Background()))
	factory.streamers[0].Emit(liveCandle("VIX{=1m}", time.Now().UnixMilli(), "14.20"))

	select {
	case row := <-inserted:
		assert.Nil(t, row.Metrics, "a failed metrics lookup stores the candle with NULL metrics")
	case <-time.After(2 * time.Second):
		t.Fatal("candle was not persisted")
	}

	require.NoError(t, sub.Stop())
}

func TestSubscriptionStreamCloseEndsLoop(t *testing.T) {
	sub, factory, session, fetcher, writer := newTestSubscription([]string{"SPX"})

	session.On("Validate", mock.Anything).Return(nil)
	fetcher.On("GetMarketMetrics", mock.Anything, mock.Anything).Return(nil, nil).Maybe()
	writer.On("InsertCandle", mock.Anything, mock.Anything).Return(nil).Maybe()

	require.NoError(t, sub.Connect(context.Background()))

	require.NoError(t, factory.streamers[0].Close())
	require.Eventually(t, func() bool { return !sub.IsRunning() }, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, sub.Stop())
}

func TestDownloadHistoricalDataCompletesOnSentinels(t *testing.T) {
	sub, factory, session, _, writer := newTestSubscription([]string{"SPX"})
	session.On("Validate", mock.Anything).Return(nil)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	inWindow := start.Add(time.Hour).UnixMilli()

	// Two SPX candles, then the zero-close sentinel; VIX completes via a
	// candle older than start.
	streamer := newFakeStreamer()
	streamer.events <- liveCandle("SPX{=1m}", inWindow, "6700.00")
	streamer.events <- liveCandle("SPX{=1m}", inWindow+60_000, "6701.50")
	streamer.events <- liveCandle("SPX{=1m}", inWindow+120_000, "0")
	streamer.events <- liveCandle("VIX{=1m}", start.Add(-time.Hour).UnixMilli(), "14.00")
	factory.streamers = []*fakeStreamer{streamer}

	writer.On("InsertCandleHistory", mock.Anything, "SPX", mock.MatchedBy(func(c []models.Candle) bool {
		return len(c) == 2
	})).Return(int64(2), nil).Once()
	writer.On("InsertCandleHistory", mock.Anything, "VIX", mock.MatchedBy(func(c []models.Candle) bool {
		return len(c) == 0
	})).Return(int64(0), nil).Once()

	started := time.Now()
	err := sub.DownloadHistoricalData(context.Background(), []string{"SPX", "VIX"}, "1m", start, end)
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second, "completed symbols end the backfill without waiting out the silence timeout")
	assert.True(t, streamer.Closed())
	assert.Equal(t, [][]string{{"SPX", "VIX"}}, streamer.Subscribed())

	writer.AssertExpectations(t)
}

func TestDownloadHistoricalDataSilenceTimeout(t *testing.T) {
	sub, factory, session, _, writer := newTestSubscription([]string{"SPX"})
	session.On("Validate", mock.Anything).Return(nil)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	// One candle, then silence. The loop must give up after three seconds.
	streamer := newFakeStreamer()
	streamer.events <- liveCandle("SPX{=1m}", start.Add(time.Hour).UnixMilli(), "6700.00")
	factory.streamers = []*fakeStreamer{streamer}

	writer.On("InsertCandleHistory", mock.Anything, "SPX", mock.MatchedBy(func(c []models.Candle) bool {
		return len(c) == 1
	})).Return(int64(1), nil).Once()

	started := time.Now()
	err := sub.DownloadHistoricalData(context.Background(), []string{"SPX"}, "1m", start, end)
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, historySilenceTimeout)
	assert.Less(t, elapsed, historySilenceTimeout+3*time.Second)

	writer.AssertExpectations(t)
}

func TestDownloadHistoricalDataFiltersWindow(t *testing.T) {
	sub, factory, session, _, writer := newTestSubscription([]string{"SPX"})
	session.On("Validate", mock.Anything).Return(nil)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	// A candle stamped at end is outside the half-open window; only the
	// in-window candle survives.
	streamer := newFakeStreamer()
	streamer.events <- liveCandle("SPX{=1m}", end.UnixMilli(), "6800.00")
	streamer.events <- liveCandle("SPX{=1m}", start.Add(time.Hour).UnixMilli(), "6700.00")
	streamer.events <- liveCandle("SPX{=1m}", start.Add(-time.Minute).UnixMilli(), "6650.00")
	factory.streamers = []*fakeStreamer{streamer}

	writer.On("InsertCandleHistory", mock.Anything, "SPX", mock.MatchedBy(func(c []models.Candle) bool {
		return len(c) == 1 && c[0].Time == start.Add(time.Hour).UnixMilli()
	})).Return(int64(1), nil).Once()

	err := sub.DownloadHistoricalData(context.Background(), []string{"SPX"}, "1m", start, end)
	require.NoError(t, err)

	writer.AssertExpectations(t)
}

func TestDownloadHistoricalDataStoreFailureCoversRemainingSymbols(t *testing.T) {
	sub, factory, session, _, writer := newTestSubscription([]string{"SPX"})
	session.On("Validate", mock.Anything).Return(nil)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	streamer := newFakeStreamer()
	streamer.events <- liveCandle("SPX{=1m}", start.Add(time.Hour).UnixMilli(), "6700.00")
	streamer.events <- liveCandle("SPX{=1m}", start.Add(-time.Minute).UnixMilli(), "6650.00")
	streamer.events <- liveCandle("VIX{=1m}", start.Add(2*time.Hour).UnixMilli(), "14.00")
	streamer.events <- liveCandle("VIX{=1m}", start.Add(-time.Minute).UnixMilli(), "13.50")
	factory.streamers = []*fakeStreamer{streamer}

	writer.On("InsertCandleHistory", mock.Anything, "SPX", mock.Anything).Return(int64(0), errors.New("relation missing")).Once()
	writer.On("InsertCandleHistory", mock.Anything, "VIX", mock.Anything).Return(int64(1), nil).Once()

	err := sub.DownloadHistoricalData(context.Background(), []string{"SPX", "VIX"}, "1m", start, end)
	require.NoError(t, err, "a failed bulk insert for one symbol does not fail the backfill")

	writer.AssertExpectations(t)
}

func TestDownloadHistoricalDataEmptySymbols(t *testing.T) {
	sub, _, session, _, _ := newTestSubscription([]string{"SPX"})

	err := sub.DownloadHistoricalData(context.Background(), nil, "1m", time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, ErrNoSymbols)
	session.AssertNotCalled(t, "Validate", mock.Anything)
}

func TestDownloadHistoricalDataSubscribeFailure(t *testing.T) {
	sub, factory, session, _, writer := newTestSubscription([]string{"SPX"})
	session.On("Validate", mock.Anything).Return(nil)

	streamer := newFakeStreamer()
	streamer.subscribeErr = errors.New("permission denied")
	factory.streamers = []*fakeStreamer{streamer}

	err := sub.DownloadHistoricalData(context.Background(), []string{"SPX"}, "1m", time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe candle history")
	assert.True(t, streamer.Closed(), "the history streamer is closed on the error path")
	writer.AssertNotCalled(t, "InsertCandleHistory", mock.Anything, mock.Anything, mock.Anything)
}

func TestDownloadHistoricalDataContextCancelled(t *testing.T) {
	sub, _, session, _, writer := newTestSubscription([]string{"SPX"})
	session.On("Validate", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sub.DownloadHistoricalData(ctx, []string{"SPX"}, "1m", time.Now().Add(-time.Hour), time.Now())
	require.ErrorIs(t, err, context.Canceled)
	writer.AssertNotCalled(t, "InsertCandleHistory", mock.Anything, mock.Anything, mock.Anything)
}
