// Package gamma is the REST client for the market catalog API: outcome
// labels for the resolution aggregator and curated resolution candidates for
// closed markets.
package gamma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyledger/internal/canon"
	"github.com/alanyoungcy/polyledger/internal/domain"
)

const rateLimitKey = "gamma"

// Client talks to the catalog API. Lookups go through the market cache
// first; misses hit the API under the shared rate limit.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      domain.MarketCache
	limiter    domain.RateLimiter
}

// NewClient creates a catalog client. cache and limiter may be nil, in which
// case lookups always hit the API, unthrottled.
func NewClient(baseURL string, cache domain.MarketCache, limiter domain.RateLimiter) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache:   cache,
		limiter: limiter,
	}
}

var _ domain.MarketCatalog = (*Client)(nil)

// GetMarket returns the catalog entry for a canonical market id.
func (c *Client) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	id, err := canon.MarketID(marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("gamma: get market: %w", err)
	}

	if c.cache != nil {
		if m, err := c.cache.GetMarket(ctx, id); err == nil {
			return m, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, fmt.Errorf("gamma: market cache: %w", err)
		}
	}

	params := url.Values{}
	params.Set("condition_ids", "0x"+id)
	body, err := c.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return domain.Market{}, fmt.Errorf("gamma: get market %s: %w", id, err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return domain.Market{}, fmt.Errorf("gamma: decode market %s: %w", id, err)
	}
	if len(apiMarkets) == 0 {
		return domain.Market{}, fmt.Errorf("gamma: market %s: %w", id, domain.ErrNotFound)
	}

	m := domain.Market{
		ID:            id,
		Question:      apiMarkets[0].Question,
		OutcomeLabels: apiMarkets[0].OutcomeLabels(),
		TokenIDs:      apiMarkets[0].TokenIDs(),
		Closed:        apiMarkets[0].Closed,
	}

	if c.cache != nil {
		if err := c.cache.SetMarket(ctx, m); err != nil {
			return domain.Market{}, fmt.Errorf("gamma: cache market %s: %w", id, err)
		}
	}
	return m, nil
}

// ListResolvedCandidates pages through closed markets and converts them to
// curated resolution candidates. A winner token yields a one-hot payout
// vector; a closed market without a winner flag yields nothing, because
// guessing is worse than staying unresolved.
func (c *Client) ListResolvedCandidates(ctx context.Context, limit, offset int) ([]domain.ResolutionCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("closed", "true")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	body, err := c.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("gamma: list resolved markets: %w", err)
	}

	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return nil, fmt.Errorf("gamma: decode resolved markets: %w", err)
	}

	var out []domain.ResolutionCandidate
	for i := range apiMarkets {
		m := &apiMarkets[i]
		if cand, ok := candidateFromMarket(m); ok {
			out = append(out, cand)
		}
	}
	return out, nil
}

func candidateFromMarket(m *APIMarket) (domain.ResolutionCandidate, bool) {
	if !m.Closed || m.ConditionID == "" {
		return domain.ResolutionCandidate{}, false
	}

	winner := m.WinnerIndex()
	if winner >= 0 {
		numerators := make([]int64, len(m.Tokens))
		numerators[winner] = 1
		return domain.ResolutionCandidate{
			MarketID:          m.ConditionID,
			Source:            domain.SourceCurated,
			PayoutNumerators:  numerators,
			PayoutDenominator: 1,
			WinningIndex:      winner,
			ResolvedAt:        m.ResolvedTime(),
		}, true
	}

	// Some catalog entries only carry the winning outcome as text via the
	// resolver field; those flow through the text path.
	if m.ResolvedBy != "" {
		return domain.ResolutionCandidate{
			MarketID:    m.ConditionID,
			Source:      domain.SourceText,
			WinnerLabel: m.ResolvedBy,
			ResolvedAt:  m.ResolvedTime(),
		}, true
	}
	return domain.ResolutionCandidate{}, false
}

// doGet sends an unauthenticated GET to the catalog API under the rate
// limit.
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

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx statuses onto domain sentinel errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, body)
	}
}
