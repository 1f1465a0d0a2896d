package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/pricing"
)

// MeanReversionConfig tunes the implied-volatility percentile strategy.
type MeanReversionConfig struct {
	WindowSize      int     `yaml:"window_size"`       // trailing IV observations
	LowThreshold    float64 `yaml:"low_threshold"`     // BUY at or below, percentile
	HighThreshold   float64 `yaml:"high_threshold"`    // SELL at or above, percentile
	MinDTE          int     `yaml:"min_dte"`           // inclusive
	MaxDTE          int     `yaml:"max_dte"`           // inclusive
	ProfitTargetPct float64 `yaml:"profit_target_pct"` // exit: fraction of entry premium
	StopLossPct     float64 `yaml:"stop_loss_pct"`     // exit: fraction of entry premium
}

func (c *MeanReversionConfig) setDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 90
	}
	if c.LowThreshold <= 0 {
		c.LowThreshold = 30
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = 70
	}
	if c.MinDTE <= 0 {
		c.MinDTE = 30
	}
	if c.MaxDTE <= 0 {
		c.MaxDTE = 45
	}
	if c.ProfitTargetPct <= 0 {
		c.ProfitTargetPct = 0.50
	}
	if c.StopLossPct <= 0 {
		c.StopLossPct = 0.75
	}
}

// IVWindow is a fixed-size trailing window of volatility observations.
type IVWindow struct {
	size int
	obs  []float64
	next int
	full bool
}

// NewIVWindow creates a window of the given capacity.
func NewIVWindow(size int) *IVWindow {
	if size <= 0 {
		size = 90
	}
	return &IVWindow{size: size, obs: make([]float64, size)}
}

// Add records an observation, evicting the oldest once full.
func (w *IVWindow) Add(v float64) {
	w.obs[w.next] = v
	w.next++
	if w.next == w.size {
		w.next = 0
		w.full = true
	}
}

// Full reports whether the window holds size observations.
func (w *IVWindow) Full() bool { return w.full }

// Len returns the number of observations recorded so far, capped at size.
func (w *IVWindow) Len() int {
	if w.full {
		return w.size
	}
	return w.next
}

// PercentileRank returns the strict less-than percentile of v against
// the recorded observations: count(obs < v) / len × 100, in [0,100].
func (w *IVWindow) PercentileRank(v float64) float64 {
	n := w.Len()
	if n == 0 {
		return 0
	}
	below := 0
	for _, o := range w.obs[:n] {
		if o < v {
			below++
		}
	}
	return float64(below) / float64(n) * 100
}

// MeanReversion trades implied-volatility extremes: buy premium when IV
// ranks low against its own trailing window, sell when it ranks high.
// One window per underlying; the window must be full before any signal
// fires, so a fresh process holds until it has seen a full history.
type MeanReversion struct {
	config MeanReversionConfig

	mu      sync.Mutex
	windows map[string]*IVWindow
}

// NewMeanReversion creates the strategy with defaulted config.
func NewMeanReversion(config MeanReversionConfig) *MeanReversion {
	config.setDefaults()
	return &MeanReversion{
		config:  config,
		windows: make(map[string]*IVWindow),
	}
}

// Kind returns the strategy tag.
func (s *MeanReversion) Kind() Kind { return KindMeanReversion }

// Seed preloads an underlying's IV window, for replaying history at
// startup so the strategy is live before 90 fresh cycles have passed.
func (s *MeanReversion) Seed(underlying string, ivs []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.window(underlying)
	for _, iv := range ivs {
		w.Add(iv)
	}
}

func (s *MeanReversion) window(underlying string) *IVWindow {
	w, ok := s.windows[underlying]
	if !ok {
		w = NewIVWindow(s.config.WindowSize)
		s.windows[underlying] = w
	}
	return w
}

// Evaluate ranks the chain's at-the-money IV against the trailing
// window and emits BUY below the low threshold, SELL above the high
// one. The observation is recorded after ranking, so the window is
// strictly trailing.
func (s *MeanReversion) Evaluate(now time.Time, chain *adapters.Chain) Signal {
	if chain == nil || chain.Spot <= 0 {
		return hold(KindMeanReversion, "", "no chain snapshot", now)
	}
	underlying := chain.Underlying

	candidate, ok := s.atmCandidate(now, chain)
	if !ok {
		return hold(KindMeanReversion, underlying,
			fmt.Sprintf("no contract with DTE in [%d,%d]", s.config.MinDTE, s.config.MaxDTE), now)
	}
	iv := candidate.IV
	if iv <= 0 {
		return hold(KindMeanReversion, underlying, "candidate has no implied vol", now)
	}

	s.mu.Lock()
	w := s.window(underlying)
	full := w.Full()
	rank := w.PercentileRank(iv)
	w.Add(iv)
	count := w.Len()
	s.mu.Unlock()

	if !full {
		return hold(KindMeanReversion, underlying,
			fmt.Sprintf("iv window warming up (%d/%d)", count, s.config.WindowSize), now)
	}

	mid := candidate.Mid()
	if mid <= 0 {
		return hold(KindMeanReversion, underlying, "candidate has no usable mid", now)
	}

	var action Action
	var side Side
	var confidence float64
	switch {
	case rank <= s.config.LowThreshold:
		action, side = ActionBuy, SideBuy
		confidence = 1 - rank/100
	case rank >= s.config.HighThreshold:
		action, side = ActionSell, SideSell
		confidence = rank / 100
	default:
		return hold(KindMeanReversion, underlying,
			fmt.Sprintf("iv rank %.1f inside neutral band", rank), now)
	}

	return Signal{
		Strategy:   KindMeanReversion,
		Action:     action,
		Underlying: underlying,
		Legs: []PlannedLeg{{
			Symbol:     candidate.Symbol,
			Side:       side,
			Type:       candidate.Type,
			Strike:     candidate.Strike,
			Expiry:     candidate.Expiry,
			LimitPrice: mid,
		}},
		UnitCost:   mid * 100,
		Confidence: confidence,
		Reasoning: fmt.Sprintf("iv rank %.1f vs thresholds [%.0f,%.0f], dte %d",
			rank, s.config.LowThreshold, s.config.HighThreshold, candidate.DTE(now)),
		Exit: &ExitPlan{
			Kind: KindMeanReversion,
			MeanReversion: &MeanReversionExit{
				Direction:   action,
				EntryMid:    mid,
				ProfitPct:   s.config.ProfitTargetPct,
				StopLossPct: s.config.StopLossPct,
			},
		},
		At: now,
	}
}

// atmCandidate picks the at-the-money call at the nearest expiry whose
// DTE falls inside the configured inclusive window.
func (s *MeanReversion) atmCandidate(now time.Time, chain *adapters.Chain) (adapters.Contract, bool) {
	var best adapters.Contract
	found := false
	for _, c := range chain.Contracts {
		if c.Type != pricing.Call {
			continue
		}
		dte := c.DTE(now)
		if dte < s.config.MinDTE || dte > s.config.MaxDTE {
			continue
		}
		if !found {
			best, found = c, true
			continue
		}
		bestDTE := best.DTE(now)
		switch {
		case dte < bestDTE:
			best = c
		case dte == bestDTE &&
			math.Abs(c.Strike-chain.Spot) < math.Abs(best.Strike-chain.Spot):
			best = c
		}
	}
	return best, found
}
