package tasty

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tastydata/internal/config"
	"tastydata/internal/models"
)

// Client is the brokerage REST client. All requests carry the session's
// current access token; callers validate the session before an operation, the
// client does not refresh on its own.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	session    *Session
}

// NewClient creates a new brokerage API client.
func NewClient(cfg *config.TastyConfig, session *Session) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		BaseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		session: session,
	}
}

// GetMarketMetrics retrieves volatility and liquidity metrics for the given
// symbols. Symbols absent from the response are simply missing from the
// result; the caller decides how to handle them.
func (c *Client) GetMarketMetrics(ctx context.Context, symbols []string) ([]models.MarketMetrics, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	path := "/market-metrics?" + params.Encode()

	var envelope metricsEnvelope
	if err := c.makeRequest(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}

	metrics := make([]models.MarketMetrics, 0, len(envelope.Data.Items))
	for _, item := range envelope.Data.Items {
		m, err := item.toModel()
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

// GetMarketData retrieves price snapshots for the instruments named in the
// query. An empty query returns no rows without a round trip.
func (c *Client) GetMarketData(ctx context.Context, query MarketDataQuery) ([]models.MarketQuote, error) {
	if query.IsEmpty() {
		return nil, nil
	}

	path := "/market-data/by-type?" + query.values().Encode()

	var envelope marketDataEnvelope
	if err := c.makeRequest(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}

	quotes := make([]models.MarketQuote, 0, len(envelope.Data.Items))
	for _, item := range envelope.Data.Items {
		q, err := item.toModel()
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// GetQuoteStreamerToken mints a short-lived token for the live quote feed.
func (c *Client) GetQuoteStreamerToken(ctx context.Context) (*QuoteStreamerToken, error) {
	var envelope quoteTokenEnvelope
	if err := c.makeRequest(ctx, http.MethodGet, "/api-quote-tokens", nil, &envelope); err != nil {
		return nil, err
	}
	if envelope.Data.Token == "" || envelope.Data.DXLinkURL == "" {
		return nil, fmt.Errorf("quote token response missing token or feed url")
	}
	return &envelope.Data, nil
}

// GetPublicWatchlists retrieves the curated public watchlists.
func (c *Client) GetPublicWatchlists(ctx context.Context) ([]Watchlist, error) {
	var envelope watchlistEnvelope
	if err := c.makeRequest(ctx, http.MethodGet, "/public-watchlists", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data.Items, nil
}

// GetNestedOptionChain retrieves the option chain for an underlying, grouped
// by expiration.
func (c *Client) GetNestedOptionChain(ctx context.Context, symbol string) (*NestedOptionChain, error) {
	path := fmt.Sprintf("/option-chains/%s/nested", url.PathEscape(symbol))

	var envelope optionChainEnvelope
	if err := c.makeRequest(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	if len(envelope.Data.Items) == 0 {
		return nil, fmt.Errorf("no option chain returned for %s", symbol)
	}
	return &envelope.Data.Items[0], nil
}

// makeRequest is a helper method to make HTTP requests to the brokerage API.
func (c *Client) makeRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	url := c.BaseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tastydata/1.0")
	if c.session != nil {
		if token := c.session.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Debug("failed to close response body")
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errorResp apiErrorResponse
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.Error.Message != "" {
			return fmt.Errorf("brokerage API error (%d): %s: %s", resp.StatusCode, errorResp.Error.Code, errorResp.Error.Message)
		}
		return fmt.Errorf("brokerage API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// Close closes the HTTP client (if needed for cleanup)
func (c *Client) Close() error {
	// HTTP client doesn't need explicit closing, but this method
	// is provided for interface compatibility
	return nil
}
