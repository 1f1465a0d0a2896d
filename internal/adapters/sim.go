package adapters

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tradeforge/options-engine/internal/pricing"
)

// Sim provides simulated quotes, chains, and marks with a persistent
// random-walk spot per underlying, so REST and stream consumers see
// coherent prices. Chains are synthesized through the pricing engine at
// a smile-adjusted volatility.
type Sim struct {
	mu       sync.Mutex
	under    map[string]*simUnderlying
	random   *rand.Rand
	riskFree float64
}

type simUnderlying struct {
	Symbol   string
	Spot     float64
	BaseVol  float64 // ATM implied vol for synthetic chains
	DailyVol float64 // realized daily vol of the walk
	Volume   int64
	Halted   bool
}

// NewSim creates a sim adapter. A non-zero seed makes the walk
// deterministic for tests.
func NewSim(seed int64) *Sim {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sim{
		under: map[string]*simUnderlying{
			"SPY":  {Symbol: "SPY", Spot: 560.00, BaseVol: 0.14, DailyVol: 0.010, Volume: 70000000},
			"QQQ":  {Symbol: "QQQ", Spot: 480.00, BaseVol: 0.18, DailyVol: 0.013, Volume: 45000000},
			"AAPL": {Symbol: "AAPL", Spot: 210.50, BaseVol: 0.24, DailyVol: 0.018, Volume: 55000000},
			"NVDA": {Symbol: "NVDA", Spot: 450.00, BaseVol: 0.38, DailyVol: 0.032, Volume: 40000000},
			"IWM":  {Symbol: "IWM", Spot: 225.00, BaseVol: 0.20, DailyVol: 0.015, Volume: 30000000},
		},
		random:   rand.New(rand.NewSource(seed)),
		riskFree: pricing.DefaultRiskFreeRate,
	}
}

// Quote generates an underlying quote, advancing the random walk.
func (s *Sim) Quote(ctx context.Context, symbol string) (*Quote, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(symbol)
	if err != nil {
		return nil, err
	}
	s.step(u)

	spread := u.Spot * (0.0001 + s.random.Float64()*0.0003)
	bid := roundToTick(u.Spot-spread/2, 0.01)
	ask := roundToTick(u.Spot+spread/2, 0.01)
	last := roundToTick(u.Spot+(s.random.Float64()-0.5)*spread, 0.01)
	volume := int64(float64(u.Volume) * (0.7 + s.random.Float64()*0.6))

	return &Quote{
		Symbol:    u.Symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		Volume:    volume,
		Timestamp: time.Now(),
		Session:   string(CurrentSession()),
		Halted:    u.Halted,
		Source:    "sim",
	}, nil
}

// Chain synthesizes a chain snapshot: weekly expiries out to seven weeks,
// strikes within ±12% of spot, premiums and deltas from the model.
func (s *Sim) Chain(ctx context.Context, underlying string) (*Chain, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(underlying)
	if err != nil {
		return nil, err
	}
	s.step(u)

	now := time.Now()
	ch := &Chain{Underlying: u.Symbol, Spot: u.Spot, Timestamp: now}
	inc := strikeIncrement(u.Spot)
	lo := roundToTick(u.Spot*0.88, inc)
	hi := roundToTick(u.Spot*1.12, inc)

	for _, days := range []int{7, 14, 21, 28, 35, 42, 49} {
		expiry := expiryAt(now, days)
		t := yearFraction(now, expiry)
		for strike := lo; strike <= hi+inc/2; strike += inc {
			for _, typ := range []pricing.OptionType{pricing.Call, pricing.Put} {
				iv := smileIV(u.BaseVol, strike/u.Spot)
				model, perr := pricing.Price(u.Spot, strike, t, s.riskFree, iv, typ)
				if perr != nil {
					continue
				}
				g, perr := pricing.Compute(u.Spot, strike, t, s.riskFree, iv, typ)
				if perr != nil {
					continue
				}
				spread := math.Max(0.02, model*0.03)
				bid := math.Max(0.01, roundToTick(model-spread/2, 0.01))
				ask := roundToTick(model+spread/2, 0.01)
				ch.Contracts = append(ch.Contracts, Contract{
					Symbol:       OCCSymbol(u.Symbol, expiry, typ, strike),
					Underlying:   u.Symbol,
					Type:         typ,
					Strike:       strike,
					Expiry:       expiry,
					Bid:          bid,
					Ask:          ask,
					Last:         roundToTick(model, 0.01),
					Delta:        g.Delta,
					IV:           iv,
					OpenInterest: 200 + s.random.Int63n(5000),
					Volume:       s.random.Int63n(2000),
				})
			}
		}
	}
	sort.Slice(ch.Contracts, func(i, j int) bool {
		a, b := ch.Contracts[i], ch.Contracts[j]
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Type < b.Type
	})
	return ch, nil
}

// Mark values an OCC symbol (or an underlying ticker) at the current spot.
func (s *Sim) Mark(ctx context.Context, symbol string) (*Mark, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if u, ok := s.under[symbol]; ok {
		s.step(u)
		return &Mark{Symbol: symbol, Bid: u.Spot - 0.02, Ask: u.Spot + 0.02,
			Last: u.Spot, Underlying: u.Spot, Timestamp: now}, nil
	}

	underlying, expiry, typ, strike, err := ParseOCCSymbol(symbol)
	if err != nil {
		return nil, NewBadSymbolError(symbol, err.Error())
	}
	u, err := s.lookup(underlying)
	if err != nil {
		return nil, err
	}
	s.step(u)

	t := yearFraction(now, expiryAt(expiry, 0))
	var model float64
	if t <= 0 {
		model = intrinsic(u.Spot, strike, typ)
	} else {
		iv := smileIV(u.BaseVol, strike/u.Spot)
		model, err = pricing.Price(u.Spot, strike, t, s.riskFree, iv, typ)
		if err != nil {
			return nil, NewProviderError(symbol, "sim pricing failed", err)
		}
	}
	spread := math.Max(0.02, model*0.03)
	return &Mark{
		Symbol:     symbol,
		Bid:        math.Max(0, roundToTick(model-spread/2, 0.01)),
		Ask:        roundToTick(model+spread/2, 0.01),
		Last:       roundToTick(model, 0.01),
		Underlying: u.Spot,
		Timestamp:  now,
	}, nil
}

// HealthCheck always reports healthy.
func (s *Sim) HealthCheck(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Sim) Close() error { return nil }

// SetHalted flips the halt flag for a symbol.
func (s *Sim) SetHalted(symbol string, halted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.under[strings.ToUpper(symbol)]; ok {
		u.Halted = halted
	}
}

// SetSpot pins an underlying's spot price and stops its walk. Tests and
// the stub's scenario endpoint use this to stage breaches and stops.
func (s *Sim) SetSpot(symbol string, spot float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.under[strings.ToUpper(symbol)]; ok && spot > 0 {
		u.Spot = spot
		u.DailyVol = 0
	}
}

// Symbols lists the simulated underlyings.
func (s *Sim) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.under))
	for sym := range s.under {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Sim) lookup(symbol string) (*simUnderlying, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	u, ok := s.under[symbol]
	if !ok {
		return nil, NewBadSymbolError(symbol, "symbol not simulated")
	}
	return u, nil
}

// step advances the walk by one per-minute increment.
func (s *Sim) step(u *simUnderlying) {
	if u.DailyVol <= 0 {
		return
	}
	minuteVol := u.DailyVol / math.Sqrt(390)
	u.Spot *= 1 + s.random.NormFloat64()*minuteVol
}

func strikeIncrement(spot float64) float64 {
	switch {
	case spot >= 250:
		return 5
	case spot >= 50:
		return 1
	default:
		return 0.5
	}
}

// smileIV bends the base volatility with put skew and a light smile.
func smileIV(baseVol, moneyness float64) float64 {
	skew := 0.25 * math.Max(0, 1-moneyness)
	smile := 0.8 * (moneyness - 1) * (moneyness - 1)
	return baseVol * (1 + skew + smile)
}

func intrinsic(spot, strike float64, typ pricing.OptionType) float64 {
	if typ == pricing.Call {
		return math.Max(0, spot-strike)
	}
	return math.Max(0, strike-spot)
}

// expiryAt returns 4:00 PM ET on the date `days` from the given ET date.
func expiryAt(from time.Time, days int) time.Time {
	et := from.In(easternTime())
	d := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, easternTime())
	return d.AddDate(0, 0, days)
}

func yearFraction(now, expiry time.Time) float64 {
	return expiry.Sub(now).Hours() / 24 / 365
}

func roundToTick(price, tick float64) float64 {
	return math.Round(price/tick) * tick
}
