// Package feed streams live outcome-token prices from the order book
// WebSocket into the price cache. Settlement reads those prices for
// mark-to-market on unresolved markets; price freshness directly drives
// coverage quality.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// TokenRef locates an outcome token inside a market.
type TokenRef struct {
	MarketID     string
	OutcomeIndex int
}

// PriceFeed subscribes to last-trade and price-change messages for a fixed
// token set and writes each observed price into the price cache. Messages
// for tokens outside the set are dropped.
type PriceFeed struct {
	wsURL  string
	tokens map[string]TokenRef
	cache  domain.PriceCache
	logger *slog.Logger
	now    func() time.Time
}

// NewPriceFeed creates a feed for the given token-to-market mapping.
func NewPriceFeed(wsURL string, tokens map[string]TokenRef, cache domain.PriceCache, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		wsURL:  wsURL,
		tokens: tokens,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_feed")),
		now:    time.Now,
	}
}

// Run connects, subscribes, and pumps messages until ctx is cancelled,
// reconnecting with exponential backoff on disconnect.
func (f *PriceFeed) Run(ctx context.Context) error {
	if len(f.tokens) == 0 {
		f.logger.Info("no tokens to subscribe, price feed idle")
		return nil
	}

	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Warn("price feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *PriceFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	assets := make([]string, 0, len(f.tokens))
	for id := range f.tokens {
		assets = append(assets, id)
	}
	sub := map[string]any{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": assets,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go f.pingLoop(conn, done)

	f.logger.Info("price feed subscribed", slog.Int("tokens", len(assets)))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		if err := f.handleMessage(ctx, message); err != nil {
			f.logger.Debug("dropping price message",
				slog.String("error", err.Error()))
		}
	}
}

func (f *PriceFeed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// priceMessage is the wire shape shared by last_trade_price and
// price_change events. Price arrives as a string; the timestamp is unix
// milliseconds, also as a string.
type priceMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

func (f *PriceFeed) handleMessage(ctx context.Context, raw []byte) error {
	var msg priceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("feed: decode message: %w", err)
	}

	switch msg.EventType {
	case "last_trade_price", "price_change":
	default:
		return nil
	}

	ref, ok := f.tokens[strings.TrimSpace(msg.AssetID)]
	if !ok {
		return nil
	}

	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil {
		return fmt.Errorf("feed: price %q for token %s: %w", msg.Price, msg.AssetID, domain.ErrMalformedEvent)
	}
	if price < 0 || price > 1 {
		return fmt.Errorf("feed: price %v for token %s outside [0,1]: %w", price, msg.AssetID, domain.ErrMalformedEvent)
	}

	asOf := f.now()
	if ms, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil && ms > 0 {
		asOf = time.UnixMilli(ms)
	}

	if err := f.cache.SetPrice(ctx, ref.MarketID, ref.OutcomeIndex, price, asOf); err != nil {
		return fmt.Errorf("feed: cache price for %s/%d: %w", ref.MarketID, ref.OutcomeIndex, err)
	}
	return nil
}

// TokenMapFromMarkets builds the token subscription map from catalog
// entries. Markets without token ids contribute nothing.
func TokenMapFromMarkets(markets []domain.Market) map[string]TokenRef {
	tokens := make(map[string]TokenRef)
	for _, m := range markets {
		for i, id := range m.TokenIDs {
			if id == "" {
				continue
			}
			tokens[id] = TokenRef{MarketID: m.ID, OutcomeIndex: i}
		}
	}
	return tokens
}
