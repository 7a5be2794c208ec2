package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"tastydata/internal/models"
)

// DatabasePool defines the interface for database pool operations.
// This interface allows for both real pool and mock pool implementations.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	// CopyFrom performs a bulk insert using the copy protocol.
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// MarketDataWriter defines the persistence operations the collection services
// depend on.
type MarketDataWriter interface {
	InsertCandle(ctx context.Context, row models.CandleRow) error
	InsertEquityMetrics(ctx context.Context, row models.CombinedRow) error
	InsertCandleHistory(ctx context.Context, symbol string, candles []models.Candle) (int64, error)
}

// MarketDataStore writes candle and equity metric rows. Absent values are
// stored as NULL, never coerced to zero.
type MarketDataStore struct {
	pool DatabasePool
}

var _ MarketDataWriter = (*MarketDataStore)(nil)

// NewMarketDataStore creates a store on top of the given pool.
func NewMarketDataStore(pool DatabasePool) *MarketDataStore {
	return &MarketDataStore{
		pool: pool,
	}
}

const insertCandleSQL = `
	INSERT INTO market_data (event_type, event_symbol, time, open, high, low, close, volume,
	                         bid_volume, ask_volume, imp_volatility, iv_index, iv_index_5_day_change,
	                         iv_index_rank, tos_iv_index_rank, tw_iv_index_rank, iv_percentile,
	                         liquidity_rating, beta, corr_spy_3month, liquidity_value, liquidity_rank)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
`

// InsertCandle stores one enriched candle into market_data. A nil metrics
// side writes NULL into every metric column.
func (s *MarketDataStore) InsertCandle(ctx context.Context, row models.CandleRow) error {
	candle := row.Candle

	args := make([]interface{}, 0, 22)
	args = append(args,
		candle.EventType,
		candle.EventSymbol,
		candle.Time,
		numeric(candle.Open),
		numeric(candle.High),
		numeric(candle.Low),
		numeric(candle.Close),
		numeric(candle.Volume),
		numeric(candle.BidVolume),
		numeric(candle.AskVolume),
		numeric(candle.ImpVolatility),
	)

	if m := row.Metrics; m != nil {
		args = append(args,
			numeric(m.IVIndex),
			numeric(m.IVIndex5DayChange),
			numeric(m.IVIndexRank),
			numeric(m.TosIVIndexRank),
			numeric(m.TwIVIndexRank),
			numeric(m.IVPercentile),
			m.LiquidityRating,
			numeric(m.Beta),
			numeric(m.CorrSPY3Month),
			numeric(m.LiquidityValue),
			numeric(m.LiquidityRank),
		)
	} else {
		var noRating *int32
		args = append(args,
			pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{},
			pgtype.Numeric{}, pgtype.Numeric{}, noRating, pgtype.Numeric{},
			pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{},
		)
	}

	if _, err := s.pool.Exec(ctx, insertCandleSQL, args...); err != nil {
		return fmt.Errorf("failed to insert candle for %s: %w", candle.EventSymbol, err)
	}
	return nil
}

const insertEquityMetricsSQL = `
	INSERT INTO equity_data (symbol, bid, ask, last_price, close_price, volume,
	                         implied_volatility_index, implied_volatility_index_rank,
	                         implied_volatility_percentile, liquidity_rating, liquidity_value,
	                         implied_volatility_30_day, historical_volatility_30_day,
	                         iv_hv_30_day_difference, historical_volatility_60_day,
	                         historical_volatility_90_day, beta, earnings_expected_report_date,
	                         earnings_time_of_day)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`

// InsertEquityMetrics stores one combined metrics/quote row into equity_data.
// Either side may be nil; a symbol-only fallback row writes NULL into every
// attribute column.
func (s *MarketDataStore) InsertEquityMetrics(ctx context.Context, row models.CombinedRow) error {
	args := make([]interface{}, 0, 19)
	args = append(args, row.Symbol)

	if q := row.Quote; q != nil {
		args = append(args,
			numeric(q.Bid),
			numeric(q.Ask),
			numeric(q.Last),
			numeric(q.Close),
			numeric(q.Volume),
		)
	} else {
		args = append(args,
			pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{},
		)
	}

	if m := row.Metrics; m != nil {
		args = append(args,
			numeric(m.IVIndex),
			numeric(m.IVIndexRank),
			numeric(m.IVPercentile),
			m.LiquidityRating,
			numeric(m.LiquidityValue),
			numeric(m.IV30Day),
			numeric(m.HV30Day),
			numeric(m.IVHV30DayDifference),
			numeric(m.HV60Day),
			numeric(m.HV90Day),
			numeric(m.Beta),
		)
		if m.Earnings != nil {
			args = append(args, m.Earnings.ExpectedReportDate, nullString(m.Earnings.TimeOfDay))
		} else {
			args = append(args, (*time.Time)(nil), (*string)(nil))
		}
	} else {
		var noRating *int32
		args = append(args,
			pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{}, noRating,
			pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{},
			pgtype.Numeric{}, pgtype.Numeric{}, pgtype.Numeric{},
			(*time.Time)(nil), (*string)(nil),
		)
	}

	if _, err := s.pool.Exec(ctx, insertEquityMetricsSQL, args...); err != nil {
		return fmt.Errorf("failed to insert equity metrics for %s: %w", row.Symbol, err)
	}
	return nil
}

var candleHistoryColumns = []string{
	"event_type", "event_symbol", "time", "open", "high", "low", "close",
	"volume", "bid_volume", "ask_volume", "imp_volatility",
}

// InsertCandleHistory bulk-inserts downloaded candles for one symbol through
// the copy protocol. Metric columns stay NULL for historical rows. Returns
// the number of rows written.
func (s *MarketDataStore) InsertCandleHistory(ctx context.Context, symbol string, candles []models.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	rows := make([][]interface{}, 0, len(candles))
	for _, candle := range candles {
		rows = append(rows, []interface{}{
			candle.EventType,
			candle.EventSymbol,
			candle.Time,
			numeric(candle.Open),
			numeric(candle.High),
			numeric(candle.Low),
			numeric(candle.Close),
			numeric(candle.Volume),
			numeric(candle.BidVolume),
			numeric(candle.AskVolume),
			numeric(candle.ImpVolatility),
		})
	}

	copied, err := s.pool.CopyFrom(ctx, pgx.Identifier{"market_data"}, candleHistoryColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert candle history for %s: %w", symbol, err)
	}
	return copied, nil
}

// numeric converts a nullable decimal into the natively encodable numeric
// value. The copy protocol is binary, so values go through pgtype rather
// than the driver.Valuer string path. Absent stays NULL.
func numeric(d decimal.NullDecimal) pgtype.Numeric {
	if !d.Valid {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{Int: d.Decimal.Coefficient(), Exp: d.Decimal.Exponent(), Valid: true}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
