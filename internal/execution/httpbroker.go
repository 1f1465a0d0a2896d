package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/tradeforge/options-engine/internal/observ"
)

// HTTPBrokerConfig holds configuration for the REST order client.
// APIKey is resolved from APIKeyEnv when unset so keys stay out of
// config files.
type HTTPBrokerConfig struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"-"`
	APIKeyEnv          string `yaml:"api_key_env"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
}

// HTTPBroker submits orders to a REST endpoint speaking the chainstub
// order shape: POST /v1/orders with an OrderRequest body, OrderResult
// back.
type HTTPBroker struct {
	client      *resty.Client
	rateLimiter *rate.Limiter
}

// NewHTTPBroker creates the REST order client.
func NewHTTPBroker(config HTTPBrokerConfig) (*HTTPBroker, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("broker base URL is required")
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 60
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.APIKey == "" && config.APIKeyEnv != "" {
		config.APIKey = os.Getenv(config.APIKeyEnv)
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(config.BaseURL, "/"))
	client.SetTimeout(time.Duration(config.TimeoutSeconds) * time.Second)
	client.SetHeader("Content-Type", "application/json")
	if config.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+config.APIKey)
	}

	return &HTTPBroker{
		client:      client,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
	}, nil
}

// Submit posts the order and decodes the broker's verdict.
func (b *HTTPBroker) Submit(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, &ExecutionError{Op: "submit", Symbol: req.Symbol, Cause: err}
	}
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return OrderResult{}, &ExecutionError{Op: "submit", Symbol: req.Symbol, Cause: err}
	}

	start := time.Now()
	resp, err := b.client.R().SetContext(ctx).SetBody(req).Post("/v1/orders")
	observ.ObserveDuration("execution_request_seconds", time.Since(start), map[string]string{"path": "/v1/orders"})
	if err != nil {
		observ.IncCounter("execution_errors_total", map[string]string{"kind": "network"})
		return OrderResult{}, &ExecutionError{Op: "submit", Symbol: req.Symbol, Cause: err}
	}
	if resp.StatusCode() != http.StatusOK {
		observ.IncCounter("execution_errors_total", map[string]string{"kind": "status"})
		return OrderResult{}, &ExecutionError{
			Op:     "submit",
			Symbol: req.Symbol,
			Cause:  fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()),
		}
	}

	var result OrderResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return OrderResult{}, &ExecutionError{Op: "submit", Symbol: req.Symbol, Cause: fmt.Errorf("malformed order response: %w", err)}
	}
	if result.Status != OrderFilled && result.Status != OrderRejected {
		return OrderResult{}, &ExecutionError{Op: "submit", Symbol: req.Symbol, Cause: fmt.Errorf("unknown order status %q", result.Status)}
	}
	observ.IncCounter("execution_orders_total", map[string]string{"broker": "http", "status": string(result.Status)})
	return result, nil
}
