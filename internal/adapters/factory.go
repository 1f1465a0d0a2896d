package adapters

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tradeforge/options-engine/internal/observ"
)

// Config selects the market data provider and carries per-provider
// settings.
type Config struct {
	Provider      string             `yaml:"provider"` // "sim" | "http" | "yahoo" | "alphavantage"
	SimSeed       int64              `yaml:"sim_seed"`
	FallbackToSim bool               `yaml:"fallback_to_sim"`
	HTTP          ChainHTTPConfig    `yaml:"http"`
	AlphaVantage  AlphaVantageConfig `yaml:"alphavantage"`
	Stream        StreamConfig       `yaml:"stream"`
	Failover      FailoverConfig     `yaml:"failover"`
}

// DefaultConfig returns development defaults: deterministic sim, no
// network.
func DefaultConfig() Config {
	return Config{
		Provider: "sim",
		SimSeed:  42,
		HTTP: ChainHTTPConfig{
			APIKeyEnv:          "MARKET_DATA_API_KEY",
			RateLimitPerMinute: 120,
			TimeoutSeconds:     10,
			QuoteTTLSeconds:    5,
			ChainTTLSeconds:    30,
		},
		AlphaVantage: AlphaVantageConfig{
			APIKeyEnv: "ALPHA_VANTAGE_API_KEY",
		},
	}
}

// Factory builds MarketData providers from configuration.
type Factory struct {
	config Config
}

// NewFactory creates a factory.
func NewFactory(config Config) *Factory {
	return &Factory{config: config}
}

// Create builds the configured provider. The MARKET_DATA environment
// variable overrides the configured provider name. When fallback_to_sim
// is set the provider is wrapped with a sim failover, and when a stream
// URL is configured the websocket mark feed is layered on top and
// started on ctx.
func (f *Factory) Create(ctx context.Context) (MarketData, error) {
	provider := strings.ToLower(strings.TrimSpace(f.config.Provider))
	if env := os.Getenv("MARKET_DATA"); env != "" {
		provider = strings.ToLower(strings.TrimSpace(env))
		observ.Log("marketdata_provider_override", map[string]any{
			"config_provider": f.config.Provider,
			"env_override":    provider,
		})
	}

	var md MarketData
	switch provider {
	case "", "sim":
		md = NewSim(f.config.SimSeed)
		observ.Log("marketdata_provider_created", map[string]any{
			"type": "sim",
			"seed": f.config.SimSeed,
		})

	case "http":
		httpMD, err := NewChainHTTP(f.config.HTTP)
		if err != nil {
			return nil, fmt.Errorf("create http provider: %w", err)
		}
		key := f.config.HTTP.APIKey
		if key == "" && f.config.HTTP.APIKeyEnv != "" {
			key = os.Getenv(f.config.HTTP.APIKeyEnv)
		}
		observ.Log("marketdata_provider_created", map[string]any{
			"type":           "http",
			"base_url":       f.config.HTTP.BaseURL,
			"rate_limit_pm":  f.config.HTTP.RateLimitPerMinute,
			"api_key_masked": maskAPIKey(key),
		})
		md = httpMD

	case "yahoo":
		// Yahoo serves underlying quotes only; chains and marks come
		// from the sim so option flows keep working.
		md = &composite{quotes: NewYahooQuotes(), rest: NewSim(f.config.SimSeed)}
		observ.Log("marketdata_provider_created", map[string]any{"type": "yahoo"})

	case "alphavantage":
		av, err := NewAlphaVantage(f.config.AlphaVantage)
		if err != nil {
			return nil, fmt.Errorf("create alphavantage provider: %w", err)
		}
		// Same split as yahoo: underlying quotes from the provider,
		// chains and marks from the sim.
		md = &composite{quotes: av, rest: NewSim(f.config.SimSeed)}
		observ.Log("marketdata_provider_created", map[string]any{
			"type":           "alphavantage",
			"rate_limit_pm":  av.config.RateLimitPerMinute,
			"daily_cap":      av.config.DailyCap,
			"api_key_masked": maskAPIKey(av.config.APIKey),
		})

	default:
		return nil, fmt.Errorf("unknown market data provider %q", provider)
	}

	if f.config.FallbackToSim && provider != "sim" && provider != "" {
		md = NewFailover(md, NewSim(f.config.SimSeed), f.config.Failover)
	}
	if f.config.Stream.URL != "" {
		stream := NewStream(md, f.config.Stream)
		stream.Start(ctx)
		md = stream
	}
	return md, nil
}

// composite routes underlying quotes to one provider and everything
// else to another.
type composite struct {
	quotes Quotes
	rest   MarketData
}

func (c *composite) Quote(ctx context.Context, symbol string) (*Quote, error) {
	return c.quotes.Quote(ctx, symbol)
}

func (c *composite) Chain(ctx context.Context, underlying string) (*Chain, error) {
	return c.rest.Chain(ctx, underlying)
}

func (c *composite) Mark(ctx context.Context, symbol string) (*Mark, error) {
	return c.rest.Mark(ctx, symbol)
}

func (c *composite) HealthCheck(ctx context.Context) error {
	if err := c.quotes.HealthCheck(ctx); err != nil {
		return err
	}
	return c.rest.HealthCheck(ctx)
}

func (c *composite) Close() error {
	err := c.quotes.Close()
	if rerr := c.rest.Close(); err == nil {
		err = rerr
	}
	return err
}

// FailoverConfig controls when the failover wrapper abandons the
// primary provider and how often it probes for recovery.
type FailoverConfig struct {
	FallbackThreshold int `yaml:"fallback_threshold"`
	ProbeIntervalSecs int `yaml:"probe_interval_seconds"`
}

// Failover routes calls to a primary provider and switches to a
// fallback after repeated consecutive failures. While on the fallback
// it periodically probes the primary and switches back once a probe
// succeeds.
type Failover struct {
	primary  MarketData
	fallback MarketData
	config   FailoverConfig

	mu            sync.Mutex
	consecutive   int
	usingFallback bool
	lastProbe     time.Time
}

// NewFailover wraps primary with a fallback provider.
func NewFailover(primary, fallback MarketData, config FailoverConfig) *Failover {
	if config.FallbackThreshold <= 0 {
		config.FallbackThreshold = 3
	}
	if config.ProbeIntervalSecs <= 0 {
		config.ProbeIntervalSecs = 60
	}
	return &Failover{primary: primary, fallback: fallback, config: config}
}

func (fo *Failover) Quote(ctx context.Context, symbol string) (*Quote, error) {
	q, err := fo.active(ctx).Quote(ctx, symbol)
	if err != nil {
		if fo.recordError() {
			return fo.fallback.Quote(ctx, symbol)
		}
		return nil, err
	}
	fo.recordSuccess()
	return q, nil
}

func (fo *Failover) Chain(ctx context.Context, underlying string) (*Chain, error) {
	ch, err := fo.active(ctx).Chain(ctx, underlying)
	if err != nil {
		if fo.recordError() {
			return fo.fallback.Chain(ctx, underlying)
		}
		return nil, err
	}
	fo.recordSuccess()
	return ch, nil
}

func (fo *Failover) Mark(ctx context.Context, symbol string) (*Mark, error) {
	m, err := fo.active(ctx).Mark(ctx, symbol)
	if err != nil {
		if fo.recordError() {
			return fo.fallback.Mark(ctx, symbol)
		}
		return nil, err
	}
	fo.recordSuccess()
	return m, nil
}

func (fo *Failover) HealthCheck(ctx context.Context) error {
	return fo.active(ctx).HealthCheck(ctx)
}

func (fo *Failover) Close() error {
	err := fo.primary.Close()
	if ferr := fo.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}

// active returns the provider calls should go to, probing the primary
// for recovery when the probe interval has elapsed.
func (fo *Failover) active(ctx context.Context) MarketData {
	fo.mu.Lock()
	if !fo.usingFallback {
		fo.mu.Unlock()
		return fo.primary
	}
	probeDue := time.Since(fo.lastProbe) >= time.Duration(fo.config.ProbeIntervalSecs)*time.Second
	if probeDue {
		fo.lastProbe = time.Now()
	}
	fo.mu.Unlock()

	if probeDue && fo.primary.HealthCheck(ctx) == nil {
		fo.mu.Lock()
		fo.usingFallback = false
		fo.consecutive = 0
		fo.mu.Unlock()
		observ.Log("marketdata_failover_recovered", map[string]any{})
		return fo.primary
	}
	return fo.fallback
}

// recordError reports whether the caller should retry on the fallback.
// Errors from the fallback itself never trigger a retry.
func (fo *Failover) recordError() bool {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	if fo.usingFallback {
		return false
	}
	fo.consecutive++
	if fo.consecutive >= fo.config.FallbackThreshold {
		fo.usingFallback = true
		fo.lastProbe = time.Now()
		observ.Log("marketdata_failover_activated", map[string]any{
			"consecutive_errors": fo.consecutive,
		})
		observ.IncCounter("marketdata_failovers_total", nil)
		return true
	}
	return false
}

func (fo *Failover) recordSuccess() {
	fo.mu.Lock()
	defer fo.mu.Unlock()
	if !fo.usingFallback {
		fo.consecutive = 0
	}
}

// maskAPIKey masks key material for logs.
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}
