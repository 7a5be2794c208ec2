package tasty

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tastydata/internal/models"
)

const (
	setupChannel = 0
	feedChannel  = 1

	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 10 * time.Second
	keepaliveInterval = 30 * time.Second

	eventBufferSize = 256
)

// Outbound protocol frames. The feed speaks a small typed JSON protocol; only
// the parts the collectors use are modeled here.
type setupFrame struct {
	Type                   string `json:"type"`
	Channel                int    `json:"channel"`
	Version                string `json:"version"`
	KeepaliveTimeout       int    `json:"keepaliveTimeout"`
	AcceptKeepaliveTimeout int    `json:"acceptKeepaliveTimeout"`
}

type authFrame struct {
	Type    string `json:"type"`
	Channel int    `json:"channel"`
	Token   string `json:"token"`
}

type channelRequestFrame struct {
	Type       string            `json:"type"`
	Channel    int               `json:"channel"`
	Service    string            `json:"service"`
	Parameters map[string]string `json:"parameters"`
}

type feedSetupFrame struct {
	Type                    string              `json:"type"`
	Channel                 int                 `json:"channel"`
	AcceptAggregationPeriod int                 `json:"acceptAggregationPeriod"`
	AcceptDataFormat        string              `json:"acceptDataFormat"`
	AcceptEventFields       map[string][]string `json:"acceptEventFields"`
}

type feedSubscriptionFrame struct {
	Type    string             `json:"type"`
	Channel int                `json:"channel"`
	Add     []feedSubscription `json:"add,omitempty"`
	Remove  []feedSubscription `json:"remove,omitempty"`
}

type feedSubscription struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	FromTime int64  `json:"fromTime,omitempty"`
}

type keepaliveFrame struct {
	Type    string `json:"type"`
	Channel int    `json:"channel"`
}

// inboundFrame is the superset of fields across server messages; Type decides
// which ones are meaningful.
type inboundFrame struct {
	Type    string          `json:"type"`
	Channel int             `json:"channel"`
	State   string          `json:"state,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// feedValue tolerates the feed's numeric encodings: bare numbers, quoted
// numbers, null, and the literal "NaN" for values the venue does not have.
type feedValue struct {
	decimal.NullDecimal
}

func (v *feedValue) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "null", `"NaN"`, `""`:
		v.Valid = false
		return nil
	}
	return v.NullDecimal.UnmarshalJSON(b)
}

// candleEvent mirrors one full-format candle event from the feed.
type candleEvent struct {
	EventType     string    `json:"eventType"`
	EventSymbol   string    `json:"eventSymbol"`
	Time          int64     `json:"time"`
	Open          feedValue `json:"open"`
	High          feedValue `json:"high"`
	Low           feedValue `json:"low"`
	Close         feedValue `json:"close"`
	Volume        feedValue `json:"volume"`
	BidVolume     feedValue `json:"bidVolume"`
	AskVolume     feedValue `json:"askVolume"`
	ImpVolatility feedValue `json:"impVolatility"`
}

var candleEventFields = []string{
	"eventType", "eventSymbol", "time",
	"open", "high", "low", "close",
	"volume", "bidVolume", "askVolume", "impVolatility",
}

// DXLinkStreamer is a live feed connection subscribed to candle events. One
// goroutine reads frames and forwards decoded candles on Events; a second
// keeps the connection alive. Close tears both down and closes Events.
type DXLinkStreamer struct {
	conn   *websocket.Conn
	logger *logrus.Logger
	events chan models.Candle
	done   chan struct{}

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]string // base symbol -> feed candle symbol

	closeOnce sync.Once
	closeErr  error
}

// DialDXLink connects to the feed, authenticates with the quote token and
// prepares a candle feed channel. The returned streamer delivers no events
// until Subscribe or SubscribeHistory is called.
func DialDXLink(ctx context.Context, wsURL, token string, logger *logrus.Logger) (*DXLinkStreamer, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial feed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial feed: %w", err)
	}

	s := &DXLinkStreamer{
		conn:   conn,
		logger: logger,
		events: make(chan models.Candle, eventBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string]string),
	}

	if err := s.handshake(token); err != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.WithError(cerr).Debug("failed to close feed connection")
		}
		return nil, err
	}

	go s.readLoop()
	go s.keepaliveLoop()

	return s, nil
}

// handshake runs the synchronous setup sequence: SETUP, AUTH with the quote
// token, then a FEED channel configured for full-format candle events.
func (s *DXLinkStreamer) handshake(token string) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}

	if err := s.writeJSON(setupFrame{
		Type:                   "SETUP",
		Channel:                setupChannel,
		Version:                "0.1-tastydata/1.0",
		KeepaliveTimeout:       60,
		AcceptKeepaliveTimeout: 60,
	}); err != nil {
		return fmt.Errorf("failed to send SETUP: %w", err)
	}

	authed := false
	for !authed {
		frame, err := s.readFrame()
		if err != nil {
			return fmt.Errorf("feed handshake failed: %w", err)
		}
		switch frame.Type {
		case "AUTH_STATE":
			if frame.State == "AUTHORIZED" {
				authed = true
				break
			}
			if err := s.writeJSON(authFrame{Type: "AUTH", Channel: setupChannel, Token: token}); err != nil {
				return fmt.Errorf("failed to send AUTH: %w", err)
			}
		case "ERROR":
			return fmt.Errorf("feed rejected handshake: %s: %s", frame.Error, frame.Message)
		}
	}

	if err := s.writeJSON(channelRequestFrame{
		Type:       "CHANNEL_REQUEST",
		Channel:    feedChannel,
		Service:    "FEED",
		Parameters: map[string]string{"contract": "AUTO"},
	}); err != nil {
		return fmt.Errorf("failed to request feed channel: %w", err)
	}

	for {
		frame, err := s.readFrame()
		if err != nil {
			return fmt.Errorf("feed channel open failed: %w", err)
		}
		if frame.Type == "CHANNEL_OPENED" && frame.Channel == feedChannel {
			break
		}
		if frame.Type == "ERROR" {
			return fmt.Errorf("feed rejected channel request: %s: %s", frame.Error, frame.Message)
		}
	}

	if err := s.writeJSON(feedSetupFrame{
		Type:                    "FEED_SETUP",
		Channel:                 feedChannel,
		AcceptAggregationPeriod: 10,
		AcceptDataFormat:        "FULL",
		AcceptEventFields:       map[string][]string{models.CandleEventType: candleEventFields},
	}); err != nil {
		return fmt.Errorf("failed to send FEED_SETUP: %w", err)
	}

	// Streaming reads have no deadline; silence detection is the caller's
	// concern.
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear read deadline: %w", err)
	}
	return nil
}

// Events returns the candle event channel. It is closed when the connection
// ends.
func (s *DXLinkStreamer) Events() <-chan models.Candle {
	return s.events
}

// Subscribe starts live candle delivery for the given symbols at the given
// period ("1m", "5m", "1d").
func (s *DXLinkStreamer) Subscribe(ctx context.Context, symbols []string, interval string) error {
	return s.subscribe(ctx, symbols, interval, 0)
}

// SubscribeHistory requests candles from the given start time onwards. The
// feed replays history newest-first, then continues with live updates.
func (s *DXLinkStreamer) SubscribeHistory(ctx context.Context, symbols []string, interval string, from time.Time) error {
	return s.subscribe(ctx, symbols, interval, from.UnixMilli())
}

func (s *DXLinkStreamer) subscribe(ctx context.Context, symbols []string, interval string, fromTime int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(symbols) == 0 {
		return nil
	}

	add := make([]feedSubscription, 0, len(symbols))
	s.subsMu.Lock()
	for _, symbol := range symbols {
		candleSymbol := CandleSymbol(symbol, interval)
		s.subs[symbol] = candleSymbol
		add = append(add, feedSubscription{Type: models.CandleEventType, Symbol: candleSymbol, FromTime: fromTime})
	}
	s.subsMu.Unlock()

	if err := s.writeJSON(feedSubscriptionFrame{Type: "FEED_SUBSCRIPTION", Channel: feedChannel, Add: add}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Unsubscribe stops candle delivery for the given symbols. Unknown symbols
// are ignored.
func (s *DXLinkStreamer) Unsubscribe(ctx context.Context, symbols []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	remove := make([]feedSubscription, 0, len(symbols))
	s.subsMu.Lock()
	for _, symbol := range symbols {
		candleSymbol, ok := s.subs[symbol]
		if !ok {
			continue
		}
		delete(s.subs, symbol)
		remove = append(remove, feedSubscription{Type: models.CandleEventType, Symbol: candleSymbol})
	}
	s.subsMu.Unlock()

	if len(remove) == 0 {
		return nil
	}
	if err := s.writeJSON(feedSubscriptionFrame{Type: "FEED_SUBSCRIPTION", Channel: feedChannel, Remove: remove}); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// Close shuts the connection down. Safe to call more than once; Events is
// closed once the read loop observes the closed connection.
func (s *DXLinkStreamer) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		deadline := time.Now().Add(time.Second)
		s.writeMu.Lock()
		if err := s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
			s.logger.WithError(err).Debug("failed to send close frame")
		}
		s.writeMu.Unlock()

		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *DXLinkStreamer) readLoop() {
	defer close(s.events)

	for {
		frame, err := s.readFrame()
		if err != nil {
			select {
			case <-s.done:
				// expected after Close
			default:
				s.logger.WithError(err).Warn("feed read loop terminated")
			}
			return
		}

		switch frame.Type {
		case "FEED_DATA":
			candles, err := decodeCandles(frame.Data)
			if err != nil {
				s.logger.WithError(err).Warn("dropping malformed feed data")
				continue
			}
			for _, candle := range candles {
				select {
				case s.events <- candle:
				case <-s.done:
					return
				}
			}
		case "ERROR":
			s.logger.WithFields(logrus.Fields{
				"code":    frame.Error,
				"message": frame.Message,
			}).Warn("feed error frame")
		case "KEEPALIVE":
			// heartbeats are sent on our own timer
		}
	}
}

func (s *DXLinkStreamer) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeJSON(keepaliveFrame{Type: "KEEPALIVE", Channel: setupChannel}); err != nil {
				s.logger.WithError(err).Debug("keepalive write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *DXLinkStreamer) readFrame() (*inboundFrame, error) {
	var frame inboundFrame
	if err := s.conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (s *DXLinkStreamer) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func decodeCandles(raw json.RawMessage) ([]models.Candle, error) {
	var events []candleEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("failed to decode feed data: %w", err)
	}

	candles := make([]models.Candle, 0, len(events))
	for _, ev := range events {
		if ev.EventType != models.CandleEventType {
			continue
		}
		candles = append(candles, models.Candle{
			EventType:     ev.EventType,
			EventSymbol:   ev.EventSymbol,
			Time:          ev.Time,
			Open:          ev.Open.NullDecimal,
			High:          ev.High.NullDecimal,
			Low:           ev.Low.NullDecimal,
			Close:         ev.Close.NullDecimal,
			Volume:        ev.Volume.NullDecimal,
			BidVolume:     ev.BidVolume.NullDecimal,
			AskVolume:     ev.AskVolume.NullDecimal,
			ImpVolatility: ev.ImpVolatility.NullDecimal,
		})
	}
	return candles, nil
}

// CandleSymbol renders the feed symbol for a ticker and candle period
// ("SPX", "1m" -> "SPX{=1m}"). An empty period uses the raw symbol.
func CandleSymbol(symbol, interval string) string {
	if interval == "" {
		return symbol
	}
	return symbol + "{=" + interval + "}"
}

// IntervalFromSeconds renders an update interval as a candle period string,
// preferring the largest whole unit ("60" -> "1m").
func IntervalFromSeconds(seconds int) string {
	switch {
	case seconds >= 86400 && seconds%86400 == 0:
		return fmt.Sprintf("%dd", seconds/86400)
	case seconds >= 3600 && seconds%3600 == 0:
		return fmt.Sprintf("%dh", seconds/3600)
	case seconds >= 60 && seconds%60 == 0:
		return fmt.Sprintf("%dm", seconds/60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
