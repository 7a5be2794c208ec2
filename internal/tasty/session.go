package tasty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tastydata/internal/config"
)

// ErrMissingCredentials is returned when the OAuth client secret or refresh
// token is not configured. Both come from the environment, never the config
// file.
var ErrMissingCredentials = errors.New("missing TT_OAUTH_CLIENT_SECRET or TT_OAUTH_REFRESH_TOKEN")

// Session holds an OAuth access token for the brokerage API and refreshes it
// in place when it expires. It is safe for concurrent use.
type Session struct {
	BaseURL string

	clientSecret string
	refreshToken string
	httpClient   *http.Client
	location     *time.Location

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time

	refreshMu sync.Mutex

	// test seams
	now         func() time.Time
	refreshFunc func(ctx context.Context) error
}

// NewSession builds a session from configured credentials. No network call is
// made here; the first Validate fetches the initial access token.
func NewSession(cfg *config.TastyConfig) (*Session, error) {
	if cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, ErrMissingCredentials
	}

	// Expiry is judged against the exchange clock.
	location, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange timezone: %w", err)
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	s := &Session{
		BaseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientSecret: cfg.ClientSecret,
		refreshToken: cfg.RefreshToken,
		httpClient:   &http.Client{Timeout: timeout},
		location:     location,
		now:          time.Now,
	}
	s.refreshFunc = s.refresh
	return s, nil
}

// Validate refreshes the session when the access token has expired. A refresh
// failure propagates to the caller; collectors treat it as fatal for the
// operation that needed the session.
func (s *Session) Validate(ctx context.Context) error {
	if !s.expired() {
		return nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if !s.expired() {
		return nil
	}

	if err := s.refreshFunc(ctx); err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	return nil
}

// Token returns the current access token, which may be empty before the first
// successful Validate.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// ExpiresAt returns the current token expiration.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Fresh reports whether the session currently holds an unexpired token.
func (s *Session) Fresh() bool {
	return !s.expired()
}

func (s *Session) expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.now().In(s.location).Before(s.expiresAt)
}

func (s *Session) refresh(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", s.refreshToken)
	form.Set("client_secret", s.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Debug("failed to close token response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return errors.New("token response missing access_token")
	}

	s.mu.Lock()
	s.accessToken = token.AccessToken
	s.expiresAt = s.now().In(s.location).Add(time.Duration(token.ExpiresIn) * time.Second)
	s.mu.Unlock()

	logrus.WithField("expires_in", token.ExpiresIn).Debug("session refreshed")
	return nil
}
