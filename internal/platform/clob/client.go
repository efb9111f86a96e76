// Package clob is the REST client for the order book's public price
// endpoints. Settlement only needs midpoints and last-trade prices for
// mark-to-market, so the authenticated trading surface is out of scope.
package clob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const rateLimitKey = "clob"

// Client fetches public prices from the order book API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    domain.RateLimiter
}

// NewClient creates a price client. limiter may be nil for unthrottled use.
func NewClient(baseURL string, limiter domain.RateLimiter) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
	}
}

// GetMidpoint returns the current midpoint price for an outcome token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	body, err := c.doGet(ctx, "/midpoint?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("clob: get midpoint %s: %w", tokenID, err)
	}

	var resp struct {
		Mid string `json:"mid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("clob: decode midpoint %s: %w", tokenID, err)
	}
	return parsePrice(resp.Mid, tokenID)
}

// GetLastTradePrice returns the most recent trade price for an outcome
// token. Thinly traded tokens may have a last trade but no midpoint.
func (c *Client) GetLastTradePrice(ctx context.Context, tokenID string) (float64, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	body, err := c.doGet(ctx, "/last-trade-price?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("clob: get last trade price %s: %w", tokenID, err)
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("clob: decode last trade price %s: %w", tokenID, err)
	}
	return parsePrice(resp.Price, tokenID)
}

func parsePrice(s, tokenID string) (float64, error) {
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("clob: token %s price %q: %w", tokenID, s, domain.ErrMalformedEvent)
	}
	if p < 0 || p > 1 {
		return 0, fmt.Errorf("clob: token %s price %v outside [0,1]: %w", tokenID, p, domain.ErrMalformedEvent)
	}
	return p, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rateLimitKey); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
}
