package adapters

import (
	"context"
	"strings"
	"time"

	"github.com/piquette/finance-go/quote"
)

// YahooQuotes serves underlying quotes from Yahoo Finance. Underlying
// quotes only; chains and marks always come from another provider.
type YahooQuotes struct{}

// NewYahooQuotes creates the Yahoo quotes provider.
func NewYahooQuotes() *YahooQuotes { return &YahooQuotes{} }

// Quote fetches the latest quote for a symbol.
func (y *YahooQuotes) Quote(ctx context.Context, symbol string) (*Quote, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, NewBadSymbolError(symbol, "empty symbol")
	}

	q, err := quote.Get(symbol)
	if err != nil {
		return nil, NewProviderError(symbol, "yahoo quote fetch failed", err)
	}
	if q == nil {
		return nil, NewBadSymbolError(symbol, "no quote returned")
	}

	out := &Quote{
		Symbol:    symbol,
		Bid:       q.Bid,
		Ask:       q.Ask,
		Last:      q.RegularMarketPrice,
		Volume:    int64(q.RegularMarketVolume),
		Timestamp: time.Unix(int64(q.RegularMarketTime), 0),
		Session:   string(CurrentSession()),
		Source:    "yahoo",
	}
	// Yahoo drops bid/ask outside regular hours; fall back to the last print.
	if out.Bid <= 0 || out.Ask <= 0 {
		out.Bid, out.Ask = out.Last, out.Last
	}
	out.StalenessMs = time.Since(out.Timestamp).Milliseconds()

	if err := ValidateQuote(out); err != nil {
		return nil, NewProviderError(symbol, "invalid yahoo quote", err)
	}
	return out, nil
}

// HealthCheck fetches a bellwether symbol.
func (y *YahooQuotes) HealthCheck(ctx context.Context) error {
	_, err := y.Quote(ctx, "SPY")
	return err
}

// Close is a no-op.
func (y *YahooQuotes) Close() error { return nil }
