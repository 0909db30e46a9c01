// Package oracle quotes grove token prices from the HTTP price feed.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/shopspring/decimal"
)

type cachedQuote struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Client fetches per-token USD prices and keeps each quote for the configured
// TTL. A zero TTL disables the cache so every call is a fresh quote.
type Client struct {
	baseURL string
	ttl     time.Duration
	client  *http.Client

	mu    sync.RWMutex
	cache map[string]cachedQuote
}

// NewClient constructs a Client from the oracle config section.
func NewClient(cfg config.OracleConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     cfg.CacheTTL,
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   make(map[string]cachedQuote),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Public API
// ──────────────────────────────────────────────────────────────────────────────

// GetPrice returns the current price of tokenID.
//
//	GET /v1/prices/{token}
//	{"token_id":"GROVE-ETH-001","price":"10.25","as_of":"2026-01-02T15:04:05Z"}
//
// Any transport failure, non-200 status, missing or negative price is
// reported as domain.ErrPriceUnavailable.
func (c *Client) GetPrice(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if p, ok := c.GetCachedPrice(tokenID); ok {
		return p, nil
	}

	body, err := c.doGet(ctx, c.baseURL+"/v1/prices/"+url.PathEscape(tokenID))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", domain.ErrPriceUnavailable, tokenID, err)
	}

	var resp struct {
		TokenID string `json:"token_id"`
		Price   string `json:"price"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: parse: %v", domain.ErrPriceUnavailable, tokenID, err)
	}
	if resp.Price == "" {
		return decimal.Zero, fmt.Errorf("%w: %s: empty price field", domain.ErrPriceUnavailable, tokenID)
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: decimal: %v", domain.ErrPriceUnavailable, tokenID, err)
	}
	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s: negative price %s", domain.ErrPriceUnavailable, tokenID, price)
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[tokenID] = cachedQuote{price: price, fetchedAt: time.Now()}
		c.mu.Unlock()
	}
	return price, nil
}

// GetCachedPrice returns the last quote for tokenID and true while it is
// within the TTL.
func (c *Client) GetCachedPrice(tokenID string) (decimal.Decimal, bool) {
	if c.ttl <= 0 {
		return decimal.Zero, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.cache[tokenID]
	if !ok || time.Since(q.fetchedAt) >= c.ttl {
		return decimal.Zero, false
	}
	return q.price, true
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP helper
// ──────────────────────────────────────────────────────────────────────────────

func (c *Client) doGet(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "harvest-lending/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
