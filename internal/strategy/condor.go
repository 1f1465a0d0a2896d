package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/pricing"
)

// CondorConfig tunes the neutral four-leg credit spread. Entry minutes
// are minutes since the 9:30 open; the force close is an ET minute of
// day.
type CondorConfig struct {
	EntryStartMinute int     `yaml:"entry_start_minute"` // 1 = 9:31
	EntryEndMinute   int     `yaml:"entry_end_minute"`   // 15 = 9:45
	TargetDelta      float64 `yaml:"target_delta"`       // short strike |delta|
	DeltaTolerance   float64 `yaml:"delta_tolerance"`
	WingWidth        float64 `yaml:"wing_width"`          // dollars between short and long strikes
	MinCreditPerSide float64 `yaml:"min_credit_per_side"` // per share
	ProfitTargetPct  float64 `yaml:"profit_target_pct"`
	StopMultiple     float64 `yaml:"stop_multiple"`
	BreachBufferPct  float64 `yaml:"breach_buffer_pct"`
	ForceCloseMinute int     `yaml:"force_close_minute"` // 950 = 15:50 ET
}

func (c *CondorConfig) setDefaults() {
	if c.EntryStartMinute <= 0 {
		c.EntryStartMinute = 1
	}
	if c.EntryEndMinute <= 0 {
		c.EntryEndMinute = 15
	}
	if c.TargetDelta <= 0 {
		c.TargetDelta = 0.15
	}
	if c.DeltaTolerance <= 0 {
		c.DeltaTolerance = 0.05
	}
	if c.WingWidth <= 0 {
		c.WingWidth = 5.00
	}
	if c.MinCreditPerSide <= 0 {
		c.MinCreditPerSide = 0.50
	}
	if c.ProfitTargetPct <= 0 {
		c.ProfitTargetPct = 0.50
	}
	if c.StopMultiple <= 0 {
		c.StopMultiple = 2.0
	}
	if c.BreachBufferPct <= 0 {
		c.BreachBufferPct = 0.02
	}
	if c.ForceCloseMinute <= 0 {
		c.ForceCloseMinute = 15*60 + 50
	}
}

// Condor sells an out-of-the-money call spread and put spread together
// for net credit, short strikes chosen by delta, wings at a fixed
// width. Entry only inside a short window after the open; everything
// after entry is the monitor's job via the exit plan.
type Condor struct {
	config CondorConfig
}

// NewCondor creates the strategy with defaulted config.
func NewCondor(config CondorConfig) *Condor {
	config.setDefaults()
	return &Condor{config: config}
}

// Kind returns the strategy tag.
func (s *Condor) Kind() Kind { return KindCondor }

// Evaluate builds the four-leg entry when inside the entry window and
// the chain offers short strikes at the target delta with acceptable
// credit. Every rejection is a HOLD with the reason spelled out.
func (s *Condor) Evaluate(now time.Time, chain *adapters.Chain) Signal {
	if chain == nil || chain.Spot <= 0 {
		return hold(KindCondor, "", "no chain snapshot", now)
	}
	underlying := chain.Underlying

	minute := adapters.MinuteOfSession(now)
	if minute < s.config.EntryStartMinute || minute > s.config.EntryEndMinute {
		return hold(KindCondor, underlying,
			fmt.Sprintf("outside entry window (session minute %d)", minute), now)
	}

	expirations := chain.Expirations()
	if len(expirations) == 0 {
		return hold(KindCondor, underlying, "chain has no expirations", now)
	}
	contracts := chain.ByExpiry(expirations[0])

	shortCall, ok := s.strikeByDelta(contracts, pricing.Call)
	if !ok {
		return hold(KindCondor, underlying,
			fmt.Sprintf("no call within %.2f of target delta %.2f",
				s.config.DeltaTolerance, s.config.TargetDelta), now)
	}
	shortPut, ok := s.strikeByDelta(contracts, pricing.Put)
	if !ok {
		return hold(KindCondor, underlying,
			fmt.Sprintf("no put within %.2f of target delta %.2f",
				s.config.DeltaTolerance, s.config.TargetDelta), now)
	}

	longCall, ok := contractAtStrike(contracts, pricing.Call, shortCall.Strike+s.config.WingWidth)
	if !ok {
		return hold(KindCondor, underlying,
			fmt.Sprintf("no protective call at %.2f", shortCall.Strike+s.config.WingWidth), now)
	}
	longPut, ok := contractAtStrike(contracts, pricing.Put, shortPut.Strike-s.config.WingWidth)
	if !ok {
		return hold(KindCondor, underlying,
			fmt.Sprintf("no protective put at %.2f", shortPut.Strike-s.config.WingWidth), now)
	}

	callCredit := shortCall.Mid() - longCall.Mid()
	putCredit := shortPut.Mid() - longPut.Mid()
	credit := callCredit + putCredit
	if credit <= 0 {
		return hold(KindCondor, underlying,
			fmt.Sprintf("net credit %.2f not positive", credit), now)
	}
	if callCredit < s.config.MinCreditPerSide || putCredit < s.config.MinCreditPerSide {
		return hold(KindCondor, underlying,
			fmt.Sprintf("side credit below %.2f minimum (call %.2f, put %.2f)",
				s.config.MinCreditPerSide, callCredit, putCredit), now)
	}

	legs := []PlannedLeg{
		{Symbol: shortCall.Symbol, Side: SideSell, Type: pricing.Call,
			Strike: shortCall.Strike, Expiry: shortCall.Expiry, LimitPrice: shortCall.Mid()},
		{Symbol: longCall.Symbol, Side: SideBuy, Type: pricing.Call,
			Strike: longCall.Strike, Expiry: longCall.Expiry, LimitPrice: longCall.Mid()},
		{Symbol: shortPut.Symbol, Side: SideSell, Type: pricing.Put,
			Strike: shortPut.Strike, Expiry: shortPut.Expiry, LimitPrice: shortPut.Mid()},
		{Symbol: longPut.Symbol, Side: SideBuy, Type: pricing.Put,
			Strike: longPut.Strike, Expiry: longPut.Expiry, LimitPrice: longPut.Mid()},
	}

	// Only one side can finish in the money, so the unit risk is the
	// wing width less the whole credit.
	maxLoss := s.config.WingWidth - credit

	return Signal{
		Strategy:   KindCondor,
		Action:     ActionSell,
		Underlying: underlying,
		Legs:       legs,
		UnitCost:   maxLoss * 100,
		UnitCredit: credit * 100,
		Confidence: math.Min(1, credit/s.config.WingWidth*2),
		Reasoning: fmt.Sprintf("condor %.2f/%.2f short strikes, credit %.2f",
			shortPut.Strike, shortCall.Strike, credit),
		Exit: &ExitPlan{
			Kind: KindCondor,
			Condor: &CondorExit{
				ShortCallStrike:  shortCall.Strike,
				ShortPutStrike:   shortPut.Strike,
				Credit:           credit,
				ProfitTargetPct:  s.config.ProfitTargetPct,
				StopMultiple:     s.config.StopMultiple,
				BreachBufferPct:  s.config.BreachBufferPct,
				ForceCloseMinute: s.config.ForceCloseMinute,
			},
		},
		At: now,
	}
}

// strikeByDelta returns the contract of the given type whose absolute
// delta lands closest to the target, rejecting a best match outside
// the tolerance.
func (s *Condor) strikeByDelta(contracts []adapters.Contract, typ pricing.OptionType) (adapters.Contract, bool) {
	var best adapters.Contract
	bestDiff := math.Inf(1)
	for _, c := range contracts {
		if c.Type != typ || c.Delta == 0 {
			continue
		}
		diff := math.Abs(math.Abs(c.Delta) - s.config.TargetDelta)
		if diff < bestDiff {
			bestDiff = diff
			best = c
		}
	}
	if bestDiff > s.config.DeltaTolerance {
		return adapters.Contract{}, false
	}
	return best, true
}

func contractAtStrike(contracts []adapters.Contract, typ pricing.OptionType, strike float64) (adapters.Contract, bool) {
	for _, c := range contracts {
		if c.Type == typ && math.Abs(c.Strike-strike) < 1e-9 {
			return c, true
		}
	}
	return adapters.Contract{}, false
}
