package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/tradeforge/options-engine/internal/observ"
)

// AlphaVantageConfig holds settings for the Alpha Vantage quotes
// provider. The free tier allows 5 requests per minute and a few
// hundred per day, so the defaults lean hard on caching.
type AlphaVantageConfig struct {
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"-"`
	APIKeyEnv           string `yaml:"api_key_env"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
	DailyCap            int    `yaml:"daily_cap"`
	CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
	StaleCeilingSeconds int    `yaml:"stale_ceiling_seconds"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
}

// AlphaVantage serves underlying quotes from the Alpha Vantage
// GLOBAL_QUOTE endpoint. Underlying quotes only; chains and marks
// always come from another provider.
//
// Quotes are cached for CacheTTLSeconds. When the per-minute limiter
// or the daily cap blocks a fetch, or the fetch itself fails, a cached
// quote up to StaleCeilingSeconds old is served instead with its
// staleness marked; beyond the ceiling callers get a stale error.
type AlphaVantage struct {
	client  *resty.Client
	limiter *rate.Limiter
	config  AlphaVantageConfig

	mu        sync.Mutex
	cache     map[string]cachedQuote
	budgetDay string
	requests  int
}

// NewAlphaVantage creates the provider. The API key is required and is
// resolved from APIKeyEnv when not set directly.
func NewAlphaVantage(config AlphaVantageConfig) (*AlphaVantage, error) {
	if config.BaseURL == "" {
		config.BaseURL = "https://www.alphavantage.co"
	}
	if config.APIKeyEnv == "" {
		config.APIKeyEnv = "ALPHA_VANTAGE_API_KEY"
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv(config.APIKeyEnv)
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("alphavantage API key is required (set %s)", config.APIKeyEnv)
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 5
	}
	if config.DailyCap <= 0 {
		config.DailyCap = 300
	}
	if config.CacheTTLSeconds <= 0 {
		config.CacheTTLSeconds = 60
	}
	if config.StaleCeilingSeconds <= 0 {
		config.StaleCeilingSeconds = 180
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(config.BaseURL, "/"))
	client.SetTimeout(time.Duration(config.TimeoutSeconds) * time.Second)

	return &AlphaVantage{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
		config:  config,
		cache:   map[string]cachedQuote{},
	}, nil
}

// Quote fetches the latest quote for a symbol, serving from cache when
// the entry is fresh enough.
func (a *AlphaVantage) Quote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, NewBadSymbolError(symbol, "empty symbol")
	}

	if q, ok := a.cached(symbol, time.Duration(a.config.CacheTTLSeconds)*time.Second); ok {
		observ.IncCounter("marketdata_cache_hits_total", map[string]string{"kind": "av_quote"})
		return q, nil
	}

	// Never block on the limiter: a 5/min budget means waits of many
	// seconds, and a stale quote beats a stalled engine loop.
	if !a.spendBudget() {
		return a.stale(symbol, "daily cap reached")
	}
	if !a.limiter.Allow() {
		return a.stale(symbol, "rate limited")
	}

	quote, err := a.fetch(ctx, symbol)
	if err != nil {
		var qe *QuoteError
		if errors.As(err, &qe) && qe.Type == "bad_symbol" {
			return nil, err
		}
		observ.IncCounter("marketdata_errors_total", map[string]string{"path": "alphavantage", "kind": "fetch"})
		if q, serr := a.stale(symbol, err.Error()); serr == nil {
			return q, nil
		}
		return nil, err
	}

	a.mu.Lock()
	a.cache[symbol] = cachedQuote{quote: *quote, fetchedAt: time.Now()}
	a.mu.Unlock()
	return quote, nil
}

// HealthCheck fetches a bellwether symbol. Served from cache when
// fresh, so repeated probes do not burn the daily budget.
func (a *AlphaVantage) HealthCheck(ctx context.Context) error {
	_, err := a.Quote(ctx, "SPY")
	return err
}

// Close is a no-op.
func (a *AlphaVantage) Close() error { return nil }

// cached returns a copy of the cache entry when younger than maxAge.
func (a *AlphaVantage) cached(symbol string, maxAge time.Duration) (*Quote, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cache[symbol]
	if !ok {
		return nil, false
	}
	age := time.Since(entry.fetchedAt)
	if age > maxAge {
		return nil, false
	}
	q := entry.quote
	q.StalenessMs = age.Milliseconds()
	return &q, true
}

// stale serves a cache entry up to the stale ceiling, or fails with a
// stale error naming why a fresh fetch was not possible.
func (a *AlphaVantage) stale(symbol, reason string) (*Quote, error) {
	if q, ok := a.cached(symbol, time.Duration(a.config.StaleCeilingSeconds)*time.Second); ok {
		observ.IncCounter("marketdata_stale_served_total", map[string]string{"provider": "alphavantage"})
		observ.Log("alphavantage_stale_served", map[string]any{
			"symbol":       symbol,
			"staleness_ms": q.StalenessMs,
			"reason":       reason,
		})
		return q, nil
	}
	a.mu.Lock()
	entry, ok := a.cache[symbol]
	a.mu.Unlock()
	if !ok {
		return nil, NewRateLimitError(symbol, reason)
	}
	return nil, NewStaleError(symbol, time.Since(entry.fetchedAt))
}

// spendBudget consumes one request from the daily cap, rolling the
// counter when the session date changes.
func (a *AlphaVantage) spendBudget() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	day := SessionDate(time.Now())
	if day != a.budgetDay {
		a.budgetDay = day
		a.requests = 0
	}
	if a.requests >= a.config.DailyCap {
		return false
	}
	a.requests++
	return true
}

func (a *AlphaVantage) fetch(ctx context.Context, symbol string) (*Quote, error) {
	start := time.Now()
	resp, err := a.client.R().SetContext(ctx).SetQueryParams(map[string]string{
		"function": "GLOBAL_QUOTE",
		"symbol":   symbol,
		"apikey":   a.config.APIKey,
	}).Get("/query")
	observ.ObserveDuration("marketdata_request_seconds", time.Since(start), map[string]string{"path": "alphavantage"})
	if err != nil {
		return nil, NewNetworkError(symbol, "request failed", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, NewProviderError(symbol, fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()), nil)
	}
	return parseGlobalQuote(symbol, resp.Body())
}

// parseGlobalQuote decodes a GLOBAL_QUOTE payload. Alpha Vantage
// reports errors as 200s with sentinel keys, and an unknown symbol as
// an empty "Global Quote" object.
func parseGlobalQuote(symbol string, body []byte) (*Quote, error) {
	var payload struct {
		GlobalQuote map[string]string `json:"Global Quote"`
		ErrorMsg    string            `json:"Error Message"`
		Note        string            `json:"Note"`
		Information string            `json:"Information"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewProviderError(symbol, "malformed response body", err)
	}
	if payload.ErrorMsg != "" {
		return nil, NewProviderError(symbol, payload.ErrorMsg, nil)
	}
	if payload.Note != "" {
		return nil, NewRateLimitError(symbol, payload.Note)
	}
	if payload.Information != "" {
		return nil, NewRateLimitError(symbol, payload.Information)
	}
	if len(payload.GlobalQuote) == 0 {
		return nil, NewBadSymbolError(symbol, "no quote returned")
	}

	last, err := strconv.ParseFloat(payload.GlobalQuote["05. price"], 64)
	if err != nil || last <= 0 {
		return nil, NewProviderError(symbol, "unparseable price in quote", err)
	}
	volume, _ := strconv.ParseInt(payload.GlobalQuote["06. volume"], 10, 64)

	// GLOBAL_QUOTE carries no bid/ask and only a trading-day stamp, so
	// synthesize a token spread around the last print and stamp the
	// fetch time.
	spread := last * 0.0002
	if spread < 0.01 {
		spread = 0.01
	}
	out := &Quote{
		Symbol:    symbol,
		Bid:       last - spread/2,
		Ask:       last + spread/2,
		Last:      last,
		Volume:    volume,
		Timestamp: time.Now(),
		Session:   string(CurrentSession()),
		Source:    "alphavantage",
	}
	if err := ValidateQuote(out); err != nil {
		return nil, NewProviderError(symbol, "invalid alphavantage quote", err)
	}
	return out, nil
}
