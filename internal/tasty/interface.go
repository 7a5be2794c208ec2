package tasty

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tastydata/internal/models"
)

// MarketFetcher defines the REST operations the collectors depend on.
type MarketFetcher interface {
	GetMarketMetrics(ctx context.Context, symbols []string) ([]models.MarketMetrics, error)
	GetMarketData(ctx context.Context, query MarketDataQuery) ([]models.MarketQuote, error)
	GetPublicWatchlists(ctx context.Context) ([]Watchlist, error)
	GetNestedOptionChain(ctx context.Context, symbol string) (*NestedOptionChain, error)
}

// SessionValidator refreshes expired credentials before authenticated calls.
type SessionValidator interface {
	Validate(ctx context.Context) error
}

// Streamer delivers candle events from a live feed connection. Events is
// closed when the connection ends, whether from Close or a transport error.
type Streamer interface {
	Events() <-chan models.Candle
	Subscribe(ctx context.Context, symbols []string, interval string) error
	SubscribeHistory(ctx context.Context, symbols []string, interval string, from time.Time) error
	Unsubscribe(ctx context.Context, symbols []string) error
	Close() error
}

// StreamerFactory opens a fresh feed connection. Each subscription lifecycle
// gets its own connection; they are not shared or pooled.
type StreamerFactory interface {
	OpenStreamer(ctx context.Context, session SessionValidator) (Streamer, error)
}

// DXLinkFactory opens live feed connections using quote tokens minted through
// the REST API.
type DXLinkFactory struct {
	client *Client
	logger *logrus.Logger
}

// NewDXLinkFactory creates a factory backed by the given REST client.
func NewDXLinkFactory(client *Client, logger *logrus.Logger) *DXLinkFactory {
	return &DXLinkFactory{client: client, logger: logger}
}

// OpenStreamer validates the session, mints a quote token and dials the feed.
func (f *DXLinkFactory) OpenStreamer(ctx context.Context, session SessionValidator) (Streamer, error) {
	if err := session.Validate(ctx); err != nil {
		return nil, err
	}

	token, err := f.client.GetQuoteStreamerToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote streamer token: %w", err)
	}

	return DialDXLink(ctx, token.DXLinkURL, token.Token, f.logger)
}

// Ensure our implementations satisfy the interfaces
var (
	_ MarketFetcher    = (*Client)(nil)
	_ SessionValidator = (*Session)(nil)
	_ Streamer         = (*DXLinkStreamer)(nil)
	_ StreamerFactory  = (*DXLinkFactory)(nil)
)
