package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tradeforge/options-engine/internal/pricing"
)

// Quotes serves underlying quotes with configurable sources.
type Quotes interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Chains serves option chain snapshots for an underlying.
type Chains interface {
	Chain(ctx context.Context, underlying string) (*Chain, error)
}

// Marks serves per-contract marks for open-position valuation.
type Marks interface {
	Mark(ctx context.Context, symbol string) (*Mark, error)
}

// MarketData is the full provider surface the engine wires together.
type MarketData interface {
	Quotes
	Chains
	Marks
}

// Quote represents normalized underlying market data from any provider.
type Quote struct {
	Symbol      string    `json:"symbol"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	Last        float64   `json:"last"`
	Volume      int64     `json:"volume"`
	Timestamp   time.Time `json:"timestamp"`
	Session     string    `json:"session"` // "PRE"|"RTH"|"POST"|"CLOSED"|"UNKNOWN"
	Halted      bool      `json:"halted"`
	Source      string    `json:"source"` // "sim"|"http"|"yahoo"|"alphavantage"
	StalenessMs int64     `json:"staleness_ms"`
}

// Mid returns the bid/ask midpoint, falling back to last when one side
// is missing.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// SpreadBps calculates bid-ask spread in basis points.
func (q *Quote) SpreadBps() float64 {
	if q.Bid <= 0 {
		return 0
	}
	return ((q.Ask - q.Bid) / q.Bid) * 10000
}

// IsStale checks if the quote exceeds a staleness threshold.
func (q *Quote) IsStale(maxAgeMs int64) bool {
	return q.StalenessMs > maxAgeMs
}

// ValidateQuote performs fail-closed quote validation.
func ValidateQuote(quote *Quote) error {
	if quote == nil {
		return fmt.Errorf("quote is nil")
	}
	quote.Symbol = strings.ToUpper(strings.TrimSpace(quote.Symbol))
	if quote.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if quote.Bid <= 0 || quote.Ask <= 0 || quote.Last <= 0 {
		return fmt.Errorf("invalid quote prices: bid=%.4f ask=%.4f last=%.4f",
			quote.Bid, quote.Ask, quote.Last)
	}
	if quote.Ask < quote.Bid {
		return fmt.Errorf("invalid spread: ask(%.4f) < bid(%.4f)", quote.Ask, quote.Bid)
	}
	if quote.Volume < 0 {
		return fmt.Errorf("negative volume: %d", quote.Volume)
	}
	if quote.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", quote.Timestamp)
	}
	return nil
}

// Contract is one listed option series inside a chain snapshot. Delta and
// IV come from the provider when present; rows without them are filled in
// through the pricing engine before strike selection.
type Contract struct {
	Symbol       string             `json:"symbol"` // OCC symbol
	Underlying   string             `json:"underlying"`
	Type         pricing.OptionType `json:"type"`
	Strike       float64            `json:"strike"`
	Expiry       time.Time          `json:"expiry"`
	Bid          float64            `json:"bid"`
	Ask          float64            `json:"ask"`
	Last         float64            `json:"last"`
	Delta        float64            `json:"delta"`
	IV           float64            `json:"iv"`
	OpenInterest int64              `json:"open_interest"`
	Volume       int64              `json:"volume"`
}

// Mid returns the contract's bid/ask midpoint.
func (c *Contract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Last
}

// DTE returns calendar days to expiration, by ET session date. The
// date difference is taken in UTC so DST transitions cannot shave a day.
func (c *Contract) DTE(now time.Time) int {
	n := now.In(easternTime())
	e := c.Expiry.In(easternTime())
	a := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// etDate normalizes an instant to midnight ET for calendar comparisons.
func etDate(t time.Time) time.Time {
	et := t.In(easternTime())
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, easternTime())
}

// Chain is a point-in-time option chain snapshot.
type Chain struct {
	Underlying string     `json:"underlying"`
	Spot       float64    `json:"spot"`
	Timestamp  time.Time  `json:"timestamp"`
	Contracts  []Contract `json:"contracts"`
}

// Expirations returns the distinct ET expiry dates in the chain,
// ascending.
func (ch *Chain) Expirations() []time.Time {
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, c := range ch.Contracts {
		d := etDate(c.Expiry)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ByExpiry returns the contracts expiring on the given ET date.
func (ch *Chain) ByExpiry(expiry time.Time) []Contract {
	d := etDate(expiry)
	var out []Contract
	for _, c := range ch.Contracts {
		if etDate(c.Expiry).Equal(d) {
			out = append(out, c)
		}
	}
	return out
}

// Mark is the monitor's valuation input for a single symbol: the
// contract's current bid/ask plus the underlying spot at mark time.
type Mark struct {
	Symbol     string    `json:"symbol"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Last       float64   `json:"last"`
	Underlying float64   `json:"underlying"`
	Timestamp  time.Time `json:"timestamp"`
}

// Mid returns the mark midpoint, falling back to last.
func (m *Mark) Mid() float64 {
	if m.Bid > 0 && m.Ask > 0 {
		return (m.Bid + m.Ask) / 2
	}
	return m.Last
}

// QuoteError represents different classes of market-data fetch failure.
type QuoteError struct {
	Type    string // "network", "rate_limit", "provider_error", "bad_symbol", "stale"
	Symbol  string
	Message string
	Cause   error
}

func (e *QuoteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *QuoteError) Unwrap() error { return e.Cause }

func NewNetworkError(symbol, message string, cause error) *QuoteError {
	return &QuoteError{Type: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *QuoteError {
	return &QuoteError{Type: "rate_limit", Symbol: symbol, Message: message}
}

func NewProviderError(symbol, message string, cause error) *QuoteError {
	return &QuoteError{Type: "provider_error", Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *QuoteError {
	return &QuoteError{Type: "bad_symbol", Symbol: symbol, Message: message}
}

func NewStaleError(symbol string, staleness time.Duration) *QuoteError {
	return &QuoteError{Type: "stale", Symbol: symbol,
		Message: fmt.Sprintf("mark too stale: %v", staleness)}
}
