// Package pricing provides non-authoritative USD<->token conversion for
// quotes. Nothing in the settlement path imports this package; prices
// never influence settlement math.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Source labels where a quote came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
	SourceFixed    Source = "fixed"
)

// Quote is one token's USD price.
type Quote struct {
	Symbol    string          `json:"symbol"`
	USD       decimal.Decimal `json:"usd"`
	Source    Source          `json:"source"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Fetcher retrieves current USD prices for a set of symbols.
type Fetcher interface {
	Fetch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// stablecoins are pinned to $1 and never fetched.
var stablecoins = map[string]bool{
	"USDC": true, "USDC.TEST": true, "USDT": true, "DAI": true,
}

// fallbacks seed tokens that have no prior value when the first refresh
// fails.
var fallbacks = map[string]string{
	"ETH":  "2500",
	"WETH": "2500",
}

// Cache holds quotes refreshed on a fixed interval. Readers may observe
// the prior snapshot during a refresh; that is deliberate.
type Cache struct {
	mu      sync.RWMutex
	quotes  map[string]Quote
	fetcher Fetcher
	symbols []string
	refresh time.Duration
	logger  *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCache builds a cache for the given symbols. Call Start to begin
// the async boot fetch and the refresh loop.
func NewCache(fetcher Fetcher, symbols []string, refresh time.Duration, logger *slog.Logger) *Cache {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	c := &Cache{
		quotes:  make(map[string]Quote),
		fetcher: fetcher,
		symbols: symbols,
		refresh: refresh,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	c.seedFixed()
	return c
}

func (c *Cache) seedFixed() {
	now := time.Now().UTC()
	for sym := range stablecoins {
		c.quotes[sym] = Quote{Symbol: sym, USD: decimal.NewFromInt(1), Source: SourceFixed, FetchedAt: now}
	}
}

// Start launches the boot fetch and refresh loop. Initialization is
// asynchronous: the server comes up immediately and quotes fill in.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		c.refreshOnce(ctx)
		ticker := time.NewTicker(c.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refreshOnce(ctx)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) refreshOnce(ctx context.Context) {
	var wanted []string
	for _, sym := range c.symbols {
		if !stablecoins[strings.ToUpper(sym)] {
			wanted = append(wanted, sym)
		}
	}
	if len(wanted) == 0 {
		return
	}

	prices, err := c.fetcher.Fetch(ctx, wanted)
	if err != nil {
		c.markStale(wanted)
		c.logger.Warn("price refresh failed, keeping prior quotes", "err", err)
		return
	}

	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sym := range wanted {
		key := strings.ToUpper(sym)
		if usd, ok := prices[key]; ok {
			c.quotes[key] = Quote{Symbol: key, USD: usd, Source: SourceLive, FetchedAt: now}
		}
	}
}

// markStale downgrades prior values and installs hardcoded fallbacks
// for symbols that never had one.
func (c *Cache) markStale(symbols []string) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sym := range symbols {
		key := strings.ToUpper(sym)
		if q, ok := c.quotes[key]; ok {
			q.Source = SourceStale
			c.quotes[key] = q
			continue
		}
		if fb, ok := fallbacks[key]; ok {
			usd, _ := decimal.NewFromString(fb)
			c.quotes[key] = Quote{Symbol: key, USD: usd, Source: SourceFallback, FetchedAt: now}
		}
	}
}

// Get returns the quote for a symbol, or nil when none exists.
func (c *Cache) Get(symbol string) *Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if q, ok := c.quotes[strings.ToUpper(symbol)]; ok {
		out := q
		return &out
	}
	return nil
}

// Stale reports whether any tracked quote is no longer live or fixed.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, q := range c.quotes {
		if q.Source == SourceStale || q.Source == SourceFallback {
			return true
		}
	}
	return false
}

// USDToToken converts a USD amount into the token's smallest unit.
// Returns nil when no price exists.
func (c *Cache) USDToToken(symbol string, usd decimal.Decimal, decimals int) *decimal.Decimal {
	q := c.Get(symbol)
	if q == nil || q.USD.IsZero() {
		return nil
	}
	scale := decimal.New(1, int32(decimals))
	out := usd.Div(q.USD).Mul(scale).Floor()
	return &out
}

// TokenToUSD converts an amount in the token's smallest unit to USD.
// Returns nil when no price exists.
func (c *Cache) TokenToUSD(symbol string, amount decimal.Decimal, decimals int) *decimal.Decimal {
	q := c.Get(symbol)
	if q == nil {
		return nil
	}
	scale := decimal.New(1, int32(decimals))
	out := amount.Div(scale).Mul(q.USD)
	return &out
}

// HTTPFetcher pulls spot prices from a JSON price endpoint shaped like
// {"SYMBOL": {"usd": 123.45}, ...}.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	url := fmt.Sprintf("%s?symbols=%s", f.URL, strings.ToUpper(strings.Join(symbols, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}

	var body map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode price response: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(body))
	for sym, entry := range body {
		out[strings.ToUpper(sym)] = entry.USD
	}
	return out, nil
}
