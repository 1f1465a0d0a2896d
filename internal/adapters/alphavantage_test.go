package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newAlphaVantageServer(t *testing.T, hits *atomic.Int64, body func(symbol string) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		q := r.URL.Query()
		if q.Get("function") != "GLOBAL_QUOTE" {
			t.Errorf("function = %q, want GLOBAL_QUOTE", q.Get("function"))
		}
		if q.Get("apikey") == "" {
			t.Error("request missing apikey")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body(q.Get("symbol")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func globalQuoteBody(symbol string, price float64, volume int64) string {
	return fmt.Sprintf(`{"Global Quote": {
		"01. symbol": %q,
		"05. price": "%.4f",
		"06. volume": "%d",
		"07. latest trading day": "2026-08-25"
	}}`, symbol, price, volume)
}

func newTestAlphaVantage(t *testing.T, baseURL string, mutate func(*AlphaVantageConfig)) *AlphaVantage {
	t.Helper()
	config := AlphaVantageConfig{
		BaseURL:            baseURL,
		APIKey:             "test-key",
		RateLimitPerMinute: 60000,
	}
	if mutate != nil {
		mutate(&config)
	}
	av, err := NewAlphaVantage(config)
	if err != nil {
		t.Fatalf("NewAlphaVantage: %v", err)
	}
	return av
}

func TestAlphaVantageQuote(t *testing.T) {
	srv := newAlphaVantageServer(t, nil, func(symbol string) string {
		return globalQuoteBody(symbol, 560.25, 1234567)
	})
	av := newTestAlphaVantage(t, srv.URL, nil)

	quote, err := av.Quote(context.Background(), " spy ")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Symbol != "SPY" {
		t.Errorf("Symbol = %q, want SPY", quote.Symbol)
	}
	if quote.Last != 560.25 {
		t.Errorf("Last = %v, want 560.25", quote.Last)
	}
	if quote.Volume != 1234567 {
		t.Errorf("Volume = %d, want 1234567", quote.Volume)
	}
	if quote.Source != "alphavantage" {
		t.Errorf("Source = %q, want alphavantage", quote.Source)
	}
	// Synthesized spread straddles the last print and stays token-sized.
	if !(quote.Bid < quote.Last && quote.Last < quote.Ask) {
		t.Errorf("spread does not straddle last: bid=%v last=%v ask=%v", quote.Bid, quote.Last, quote.Ask)
	}
	if width := quote.Ask - quote.Bid; width > quote.Last*0.001 {
		t.Errorf("spread too wide: %v", width)
	}
	if err := ValidateQuote(quote); err != nil {
		t.Errorf("ValidateQuote: %v", err)
	}
}

func TestAlphaVantageCaching(t *testing.T) {
	var hits atomic.Int64
	srv := newAlphaVantageServer(t, &hits, func(symbol string) string {
		return globalQuoteBody(symbol, 480.10, 1000)
	})
	av := newTestAlphaVantage(t, srv.URL, nil)

	if _, err := av.Quote(context.Background(), "QQQ"); err != nil {
		t.Fatalf("first Quote: %v", err)
	}
	quote, err := av.Quote(context.Background(), "QQQ")
	if err != nil {
		t.Fatalf("second Quote: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 (second call should come from cache)", got)
	}
	if quote.StalenessMs < 0 {
		t.Errorf("StalenessMs = %d, want >= 0", quote.StalenessMs)
	}
}

func TestAlphaVantageDailyCap(t *testing.T) {
	var hits atomic.Int64
	srv := newAlphaVantageServer(t, &hits, func(symbol string) string {
		return globalQuoteBody(symbol, 210.50, 500)
	})
	av := newTestAlphaVantage(t, srv.URL, func(c *AlphaVantageConfig) {
		c.DailyCap = 1
	})

	if _, err := av.Quote(context.Background(), "AAPL"); err != nil {
		t.Fatalf("Quote within cap: %v", err)
	}
	// Cap spent and NVDA has no cache entry to fall back on.
	_, err := av.Quote(context.Background(), "NVDA")
	if err == nil {
		t.Fatal("expected error once daily cap is spent")
	}
	var qe *QuoteError
	if !errors.As(err, &qe) || qe.Type != "rate_limit" {
		t.Errorf("error = %v, want rate_limit", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}

	// AAPL still serves from cache without spending budget.
	if _, err := av.Quote(context.Background(), "AAPL"); err != nil {
		t.Errorf("cached Quote after cap: %v", err)
	}
}

func TestAlphaVantageStaleFallback(t *testing.T) {
	srv := newAlphaVantageServer(t, nil, func(symbol string) string {
		return globalQuoteBody(symbol, 225.00, 100)
	})
	av := newTestAlphaVantage(t, srv.URL, func(c *AlphaVantageConfig) {
		c.CacheTTLSeconds = 60
		c.StaleCeilingSeconds = 180
		c.DailyCap = 1
	})

	if _, err := av.Quote(context.Background(), "IWM"); err != nil {
		t.Fatalf("seed Quote: %v", err)
	}
	// Spend the cap and age the entry past the TTL but inside the
	// ceiling; the stale copy should still be served.
	av.mu.Lock()
	av.requests = av.config.DailyCap
	entry := av.cache["IWM"]
	entry.fetchedAt = time.Now().Add(-90 * time.Second)
	av.cache["IWM"] = entry
	av.mu.Unlock()

	quote, err := av.Quote(context.Background(), "IWM")
	if err != nil {
		t.Fatalf("stale Quote: %v", err)
	}
	if quote.StalenessMs < 80_000 {
		t.Errorf("StalenessMs = %d, want aged entry", quote.StalenessMs)
	}

	// Beyond the ceiling the quote is refused as stale.
	av.mu.Lock()
	entry = av.cache["IWM"]
	entry.fetchedAt = time.Now().Add(-10 * time.Minute)
	av.cache["IWM"] = entry
	av.mu.Unlock()

	_, err = av.Quote(context.Background(), "IWM")
	var qe *QuoteError
	if !errors.As(err, &qe) || qe.Type != "stale" {
		t.Errorf("error = %v, want stale", err)
	}
}

func TestAlphaVantageErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType string
	}{
		{"provider error", `{"Error Message": "Invalid API call."}`, "provider_error"},
		{"throttle note", `{"Note": "Thank you for using Alpha Vantage! 5 calls per minute."}`, "rate_limit"},
		{"throttle information", `{"Information": "API rate limit reached."}`, "rate_limit"},
		{"unknown symbol", `{"Global Quote": {}}`, "bad_symbol"},
		{"unparseable price", globalQuoteBody("SPY", 0, 0), "provider_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newAlphaVantageServer(t, nil, func(string) string { return tt.body })
			av := newTestAlphaVantage(t, srv.URL, nil)

			_, err := av.Quote(context.Background(), "SPY")
			if err == nil {
				t.Fatal("expected error")
			}
			var qe *QuoteError
			if !errors.As(err, &qe) {
				t.Fatalf("error %v is not a QuoteError", err)
			}
			if qe.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", qe.Type, tt.wantType)
			}
		})
	}
}

func TestAlphaVantageRequiresKey(t *testing.T) {
	t.Setenv("AV_TEST_KEY_UNSET", "")
	_, err := NewAlphaVantage(AlphaVantageConfig{APIKeyEnv: "AV_TEST_KEY_UNSET"})
	if err == nil {
		t.Fatal("expected error when no API key is available")
	}
}
