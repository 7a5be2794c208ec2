package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tastydata/internal/database"
	"tastydata/internal/models"
	"tastydata/internal/tasty"
)

// GatherOptions throttles the bulk collector. The defaults mirror the nightly
// job: 25 symbols per batch, 500ms between API calls, 2s between batches.
type GatherOptions struct {
	SymbolsPerBatch     int
	DelayBetweenCalls   time.Duration
	DelayBetweenBatches time.Duration
}

// DefaultGatherOptions returns the nightly job throttling parameters.
func DefaultGatherOptions() GatherOptions {
	return GatherOptions{
		SymbolsPerBatch:     25,
		DelayBetweenCalls:   500 * time.Millisecond,
		DelayBetweenBatches: 2 * time.Second,
	}
}

func (o GatherOptions) withDefaults() GatherOptions {
	defaults := DefaultGatherOptions()
	if o.SymbolsPerBatch <= 0 {
		o.SymbolsPerBatch = defaults.SymbolsPerBatch
	}
	if o.DelayBetweenCalls < 0 {
		o.DelayBetweenCalls = defaults.DelayBetweenCalls
	}
	if o.DelayBetweenBatches < 0 {
		o.DelayBetweenBatches = defaults.DelayBetweenBatches
	}
	return o
}

// GatherResult summarizes one bulk collection run.
type GatherResult struct {
	RunID     string
	Rows      map[string]*models.CombinedRow
	Stored    int
	Fallbacks int
	Failed    int
	Duration  time.Duration
}

// EquityMetrics collects IV metrics and quotes for large symbol lists in
// rate-limited batches and persists one equity_data row per symbol.
type EquityMetrics struct {
	session tasty.SessionValidator
	fetcher tasty.MarketFetcher
	store   database.MarketDataWriter
	logger  *logrus.Logger
}

// NewEquityMetrics creates the bulk metrics collector.
func NewEquityMetrics(session tasty.SessionValidator, fetcher tasty.MarketFetcher, store database.MarketDataWriter, logger *logrus.Logger) *EquityMetrics {
	return &EquityMetrics{
		session: session,
		fetcher: fetcher,
		store:   store,
		logger:  logger,
	}
}

// GatherMetrics fetches metrics and quotes for every symbol, combines them and
// stores one row per symbol. Batches run strictly sequentially with the
// configured delays so the upstream rate limiter is never tripped. A failed
// chunk or symbol is logged and skipped; only session validation failure and
// context cancellation abort the run. Callers must pass each symbol at most
// once: a symbol repeated across batches overwrites its earlier row.
func (em *EquityMetrics) GatherMetrics(ctx context.Context, symbols []string, opts GatherOptions) (*GatherResult, error) {
	opts = opts.withDefaults()
	started := time.Now()

	result := &GatherResult{
		RunID: uuid.New().String(),
		Rows:  make(map[string]*models.CombinedRow, len(symbols)),
	}
	log := em.logger.WithField("run_id", result.RunID)

	if err := em.session.Validate(ctx); err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}

	batches := chunkSymbols(symbols, opts.SymbolsPerBatch)
	log.WithFields(logrus.Fields{
		"symbols": len(symbols),
		"batches": len(batches),
	}).Info("Starting bulk metrics collection")

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(started)
			return result, err
		}

		batchLog := log.WithFields(logrus.Fields{
			"batch":      i + 1,
			"batch_size": len(batch),
		})

		metrics := em.fetchMetrics(ctx, batch, opts.SymbolsPerBatch, opts.DelayBetweenCalls)
		if err := sleepContext(ctx, opts.DelayBetweenCalls); err != nil {
			result.Duration = time.Since(started)
			return result, err
		}
		quotes := em.fetchQuotes(ctx, batch, opts.SymbolsPerBatch, opts.DelayBetweenCalls)

		combined := combineData(metrics, quotes)
		for symbol, row := range combined {
			result.Rows[symbol] = row
			em.storeRow(ctx, batchLog, *row, result)
		}
		batchLog.WithField("rows", len(combined)).Info("Batch processed")

		if i < len(batches)-1 {
			if err := sleepContext(ctx, opts.DelayBetweenBatches); err != nil {
				result.Duration = time.Since(started)
				return result, err
			}
		}
	}

	result.Duration = time.Since(started)
	log.WithFields(logrus.Fields{
		"stored":    result.Stored,
		"fallbacks": result.Fallbacks,
		"failed":    result.Failed,
		"duration":  result.Duration.Round(time.Millisecond).String(),
	}).Info("Bulk metrics collection complete")
	return result, nil
}

// fetchMetrics fetches IV metrics chunk by chunk. A failed chunk is logged
// and skipped so the rest of the run keeps whatever succeeded.
func (em *EquityMetrics) fetchMetrics(ctx context.Context, symbols []string, chunkSize int, delay time.Duration) []models.MarketMetrics {
	chunks := chunkSymbols(symbols, chunkSize)
	var collected []models.MarketMetrics
	for i, chunk := range chunks {
		metrics, err := em.fetcher.GetMarketMetrics(ctx, chunk)
		if err != nil {
			em.logger.WithError(err).WithFields(logrus.Fields{
				"chunk":   i + 1,
				"symbols": len(chunk),
			}).Warn("Metrics chunk fetch failed, continuing with remaining chunks")
		} else {
			collected = append(collected, metrics...)
		}
		if i < len(chunks)-1 {
			if err := sleepContext(ctx, delay); err != nil {
				return collected
			}
		}
	}
	return collected
}

// fetchQuotes fetches equity quotes chunk by chunk with the same failure
// tolerance as fetchMetrics.
func (em *EquityMetrics) fetchQuotes(ctx context.Context, symbols []string, chunkSize int, delay time.Duration) []models.MarketQuote {
	chunks := chunkSymbols(symbols, chunkSize)
	var collected []models.MarketQuote
	for i, chunk := range chunks {
		quotes, err := em.fetcher.GetMarketData(ctx, tasty.MarketDataQuery{Equities: chunk})
		if err != nil {
			em.logger.WithError(err).WithFields(logrus.Fields{
				"chunk":   i + 1,
				"symbols": len(chunk),
			}).Warn("Quote chunk fetch failed, continuing with remaining chunks")
		} else {
			collected = append(collected, quotes...)
		}
		if i < len(chunks)-1 {
			if err := sleepContext(ctx, delay); err != nil {
				return collected
			}
		}
	}
	return collected
}

// storeRow persists one combined row. When the insert fails, a symbol-only
// fallback row is stored so the persisted row count still matches the symbols
// processed; only a failed fallback counts as a hard failure.
func (em *EquityMetrics) storeRow(ctx context.Context, log *logrus.Entry, row models.CombinedRow, result *GatherResult) {
	err := em.store.InsertEquityMetrics(ctx, row)
	if err == nil {
		result.Stored++
		return
	}
	log.WithError(err).WithField("symbol", row.Symbol).Warn("Failed to store combined row, storing symbol-only fallback")

	if err := em.store.InsertEquityMetrics(ctx, models.CombinedRow{Symbol: row.Symbol}); err != nil {
		log.WithError(err).WithField("symbol", row.Symbol).Error("Failed to store fallback row")
		result.Failed++
		return
	}
	result.Stored++
	result.Fallbacks++
}

// combineData joins metrics and quotes by symbol. Every symbol present in
// either input gets exactly one row; the missing side stays nil.
func combineData(metrics []models.MarketMetrics, quotes []models.MarketQuote) map[string]*models.CombinedRow {
	combined := make(map[string]*models.CombinedRow, len(metrics))

	for i := range metrics {
		m := metrics[i]
		combined[m.Symbol] = &models.CombinedRow{Symbol: m.Symbol, Metrics: &m}
	}

	for i := range quotes {
		q := quotes[i]
		if row, ok := combined[q.Symbol]; ok {
			row.Quote = &q
		} else {
			combined[q.Symbol] = &models.CombinedRow{Symbol: q.Symbol, Quote: &q}
		}
	}

	return combined
}

// chunkSymbols splits symbols into ceil(len/size) slices of at most size
// elements, preserving order. A non-positive size yields a single chunk.
func chunkSymbols(symbols []string, size int) [][]string {
	if len(symbols) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]string{symbols}
	}

	chunks := make([][]string, 0, (len(symbols)+size-1)/size)
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		chunks = append(chunks, symbols[start:end])
	}
	return chunks
}

// sleepContext waits for d or until ctx is cancelled, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
