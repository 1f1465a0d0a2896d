package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/tradeforge/options-engine/internal/observ"
)

// ChainHTTPConfig holds configuration for the REST market-data client.
// APIKey is resolved from APIKeyEnv when unset so keys stay out of
// config files.
type ChainHTTPConfig struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"-"`
	APIKeyEnv          string `yaml:"api_key_env"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	QuoteTTLSeconds    int    `yaml:"quote_ttl_seconds"`
	ChainTTLSeconds    int    `yaml:"chain_ttl_seconds"`
}

// ChainHTTP implements MarketData against the REST surface the chainstub
// binary exposes (or any gateway speaking the same shapes). Calls are
// rate limited and quote/chain responses are cached briefly; marks are
// always fetched live.
type ChainHTTP struct {
	client      *resty.Client
	rateLimiter *rate.Limiter
	config      ChainHTTPConfig

	mu     sync.RWMutex
	quotes map[string]cachedQuote
	chains map[string]cachedChain
}

type cachedQuote struct {
	quote     Quote
	fetchedAt time.Time
}

type cachedChain struct {
	chain     Chain
	fetchedAt time.Time
}

// NewChainHTTP creates the REST client.
func NewChainHTTP(config ChainHTTPConfig) (*ChainHTTP, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("market data base URL is required")
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 120
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.QuoteTTLSeconds <= 0 {
		config.QuoteTTLSeconds = 5
	}
	if config.ChainTTLSeconds <= 0 {
		config.ChainTTLSeconds = 30
	}
	if config.APIKey == "" && config.APIKeyEnv != "" {
		config.APIKey = os.Getenv(config.APIKeyEnv)
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(config.BaseURL, "/"))
	client.SetTimeout(time.Duration(config.TimeoutSeconds) * time.Second)
	if config.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+config.APIKey)
	}

	return &ChainHTTP{
		client:      client,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
		config:      config,
		quotes:      map[string]cachedQuote{},
		chains:      map[string]cachedChain{},
	}, nil
}

// Quote fetches an underlying quote with caching and rate limiting.
func (c *ChainHTTP) Quote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, NewBadSymbolError(symbol, "empty symbol")
	}

	c.mu.RLock()
	if entry, ok := c.quotes[symbol]; ok {
		age := time.Since(entry.fetchedAt)
		if age <= time.Duration(c.config.QuoteTTLSeconds)*time.Second {
			q := entry.quote
			q.StalenessMs = age.Milliseconds()
			c.mu.RUnlock()
			observ.IncCounter("marketdata_cache_hits_total", map[string]string{"kind": "quote"})
			return &q, nil
		}
	}
	c.mu.RUnlock()

	var quote Quote
	if err := c.get(ctx, "/v1/quote", map[string]string{"symbol": symbol}, symbol, &quote); err != nil {
		return nil, err
	}
	if err := ValidateQuote(&quote); err != nil {
		return nil, NewProviderError(symbol, "invalid quote payload", err)
	}
	quote.Source = "http"

	c.mu.Lock()
	c.quotes[symbol] = cachedQuote{quote: quote, fetchedAt: time.Now()}
	c.mu.Unlock()
	return &quote, nil
}

// Chain fetches an option chain snapshot with caching.
func (c *ChainHTTP) Chain(ctx context.Context, underlying string) (*Chain, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	if underlying == "" {
		return nil, NewBadSymbolError(underlying, "empty underlying")
	}

	c.mu.RLock()
	if entry, ok := c.chains[underlying]; ok {
		if time.Since(entry.fetchedAt) <= time.Duration(c.config.ChainTTLSeconds)*time.Second {
			ch := entry.chain
			c.mu.RUnlock()
			observ.IncCounter("marketdata_cache_hits_total", map[string]string{"kind": "chain"})
			return &ch, nil
		}
	}
	c.mu.RUnlock()

	var chain Chain
	if err := c.get(ctx, "/v1/chain", map[string]string{"underlying": underlying}, underlying, &chain); err != nil {
		return nil, err
	}
	if chain.Spot <= 0 || len(chain.Contracts) == 0 {
		return nil, NewProviderError(underlying, "empty chain payload", nil)
	}

	c.mu.Lock()
	c.chains[underlying] = cachedChain{chain: chain, fetchedAt: time.Now()}
	c.mu.Unlock()
	return &chain, nil
}

// Mark fetches a live mark for a contract or underlying; never cached,
// the monitor depends on current values.
func (c *ChainHTTP) Mark(ctx context.Context, symbol string) (*Mark, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, NewBadSymbolError(symbol, "empty symbol")
	}
	var mark Mark
	if err := c.get(ctx, "/v1/mark", map[string]string{"symbol": symbol}, symbol, &mark); err != nil {
		return nil, err
	}
	if mark.Bid < 0 || mark.Ask <= 0 {
		return nil, NewProviderError(symbol, "invalid mark payload", nil)
	}
	return &mark, nil
}

// HealthCheck probes the provider's health endpoint.
func (c *ChainHTTP) HealthCheck(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return NewNetworkError("", "health check failed", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return NewProviderError("", fmt.Sprintf("health status %d", resp.StatusCode()), nil)
	}
	return nil
}

// Close releases nothing; the transport pools its own connections.
func (c *ChainHTTP) Close() error { return nil }

func (c *ChainHTTP) get(ctx context.Context, path string, params map[string]string, symbol string, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return NewRateLimitError(symbol, "rate limit wait: "+err.Error())
	}

	start := time.Now()
	resp, err := c.client.R().SetContext(ctx).SetQueryParams(params).Get(path)
	observ.ObserveDuration("marketdata_request_seconds", time.Since(start), map[string]string{"path": path})
	if err != nil {
		observ.IncCounter("marketdata_errors_total", map[string]string{"path": path, "kind": "network"})
		return NewNetworkError(symbol, "request failed", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return NewBadSymbolError(symbol, "unknown symbol")
	case http.StatusTooManyRequests:
		return NewRateLimitError(symbol, "provider throttled the request")
	default:
		observ.IncCounter("marketdata_errors_total", map[string]string{"path": path, "kind": "status"})
		return NewProviderError(symbol, fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()), nil)
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return NewProviderError(symbol, "malformed response body", err)
	}
	return nil
}
