package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/pricing"
)

// MomentumConfig tunes the six-condition intraday momentum strategy.
type MomentumConfig struct {
	Benchmark         string  `yaml:"benchmark"`  // relative-strength reference
	EMAFastPeriod     int     `yaml:"ema_fast"`   // 9
	EMASlowPeriod     int     `yaml:"ema_slow"`   // 21
	RSIPeriod         int     `yaml:"rsi_period"` // 14
	VolumeThreshold   float64 `yaml:"volume_threshold"`
	WindowStartMinute int     `yaml:"window_start_minute"` // session minute, 1 = 9:31
	WindowEndMinute   int     `yaml:"window_end_minute"`   // 120 = 11:30
	TargetDelta       float64 `yaml:"target_delta"`        // option leg selection
	Tier1Pct          float64 `yaml:"tier1_pct"`           // first profit tier on the underlying
	Tier2Pct          float64 `yaml:"tier2_pct"`           // second tier
	StopPct           float64 `yaml:"stop_pct"`
	ForceCloseMinute  int     `yaml:"force_close_minute"` // ET minute of day, 690 = 11:30
	MinBars           int     `yaml:"min_bars"`
}

func (c *MomentumConfig) setDefaults() {
	if c.Benchmark == "" {
		c.Benchmark = "SPY"
	}
	if c.EMAFastPeriod <= 0 {
		c.EMAFastPeriod = 9
	}
	if c.EMASlowPeriod <= 0 {
		c.EMASlowPeriod = 21
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 2.0
	}
	if c.WindowStartMinute <= 0 {
		c.WindowStartMinute = 1
	}
	if c.WindowEndMinute <= 0 {
		c.WindowEndMinute = 120
	}
	if c.TargetDelta <= 0 {
		c.TargetDelta = 0.40
	}
	if c.Tier1Pct <= 0 {
		c.Tier1Pct = 0.0075
	}
	if c.Tier2Pct <= 0 {
		c.Tier2Pct = 0.0150
	}
	if c.StopPct <= 0 {
		c.StopPct = 0.0050
	}
	if c.ForceCloseMinute <= 0 {
		c.ForceCloseMinute = 11*60 + 30
	}
	if c.MinBars <= 0 {
		c.MinBars = 30
	}
}

// Conditions is the six-condition checklist for one momentum
// evaluation. The gate is the strict AND in All; Confidence elsewhere
// is informational and never overrides a failing condition.
type Conditions struct {
	Cross        Cross
	EMACrossover bool
	RSIConfirm   bool
	VolumeSpike  bool
	VWAPBreakout bool
	RelStrength  bool
	TimeWindow   bool

	RSIValue  float64
	RelVolume float64
	VWAPValue float64
	Price     float64
}

// All reports whether every one of the six conditions holds.
func (c *Conditions) All() bool {
	return c.EMACrossover && c.RSIConfirm && c.VolumeSpike &&
		c.VWAPBreakout && c.RelStrength && c.TimeWindow
}

// failing names the first failing condition for the HOLD reason.
func (c *Conditions) failing() string {
	switch {
	case !c.EMACrossover:
		return "no ema crossover"
	case !c.RSIConfirm:
		return fmt.Sprintf("rsi %.1f does not confirm", c.RSIValue)
	case !c.VolumeSpike:
		return fmt.Sprintf("relative volume %.2fx below threshold", c.RelVolume)
	case !c.VWAPBreakout:
		return fmt.Sprintf("price %.2f on wrong side of vwap %.2f", c.Price, c.VWAPValue)
	case !c.RelStrength:
		return "no relative strength vs benchmark"
	case !c.TimeWindow:
		return "outside entry window"
	default:
		return ""
	}
}

// Momentum trades intraday direction only when six independent
// conditions line up at once: an EMA 9/21 cross, RSI confirmation,
// a volume spike, a VWAP breakout, relative strength against the
// benchmark, and the morning entry window.
type Momentum struct {
	config MomentumConfig
}

// NewMomentum creates the strategy with defaulted config.
func NewMomentum(config MomentumConfig) *Momentum {
	config.setDefaults()
	return &Momentum{config: config}
}

// Kind returns the strategy tag.
func (s *Momentum) Kind() Kind { return KindMomentum }

// EvaluateConditions computes the six-condition checklist without
// building a signal.
func (s *Momentum) EvaluateConditions(now time.Time, bars, benchmarkBars []Bar) Conditions {
	var out Conditions
	if len(bars) < s.config.MinBars {
		return out
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	out.Price = closes[len(closes)-1]

	fast, ok1 := EMA(closes, s.config.EMAFastPeriod)
	slow, ok2 := EMA(closes, s.config.EMASlowPeriod)
	prevFast, ok3 := EMA(closes[:len(closes)-1], s.config.EMAFastPeriod)
	prevSlow, ok4 := EMA(closes[:len(closes)-1], s.config.EMASlowPeriod)
	if ok1 && ok2 && ok3 && ok4 {
		out.Cross = DetectCross(prevFast, prevSlow, fast, slow)
		out.EMACrossover = out.Cross != CrossNone
	}

	if rsi, ok := RSI(closes, s.config.RSIPeriod); ok {
		out.RSIValue = rsi
		switch out.Cross {
		case CrossBullish:
			out.RSIConfirm = rsi > 30
		case CrossBearish:
			out.RSIConfirm = rsi < 70
		}
	}

	if rv, ok := RelativeVolume(bars); ok {
		out.RelVolume = rv
		out.VolumeSpike = rv >= s.config.VolumeThreshold
	}

	if vwap, ok := VWAP(bars); ok {
		out.VWAPValue = vwap
		switch out.Cross {
		case CrossBullish:
			out.VWAPBreakout = out.Price > vwap
		case CrossBearish:
			out.VWAPBreakout = out.Price < vwap
		}
	}

	out.RelStrength = s.relativeStrength(out.Cross, bars, benchmarkBars)

	minute := adapters.MinuteOfSession(now)
	out.TimeWindow = minute >= s.config.WindowStartMinute && minute <= s.config.WindowEndMinute

	return out
}

// relativeStrength compares the symbol's window return against the
// benchmark's: a bullish setup needs the symbol outrunning the
// benchmark, a bearish one needs it lagging. Missing benchmark data
// fails the condition rather than waiving it.
func (s *Momentum) relativeStrength(cross Cross, bars, benchmarkBars []Bar) bool {
	if cross == CrossNone || len(bars) < 2 || len(benchmarkBars) < 2 {
		return false
	}
	span := len(bars)
	if len(benchmarkBars) < span {
		span = len(benchmarkBars)
	}
	symRet := windowReturn(bars[len(bars)-span:])
	benchRet := windowReturn(benchmarkBars[len(benchmarkBars)-span:])
	if cross == CrossBullish {
		return symRet > benchRet
	}
	return symRet < benchRet
}

func windowReturn(bars []Bar) float64 {
	first := bars[0].Close
	if first == 0 {
		return 0
	}
	return bars[len(bars)-1].Close/first - 1
}

// Evaluate gates on the six conditions and, when all hold, plans a
// single option leg in the crossover's direction with two-tier profit
// targets on the underlying price.
func (s *Momentum) Evaluate(now time.Time, bars, benchmarkBars []Bar, chain *adapters.Chain) Signal {
	underlying := ""
	if chain != nil {
		underlying = chain.Underlying
	}
	if len(bars) < s.config.MinBars {
		return hold(KindMomentum, underlying,
			fmt.Sprintf("insufficient bars (%d/%d)", len(bars), s.config.MinBars), now)
	}

	cond := s.EvaluateConditions(now, bars, benchmarkBars)
	if !cond.All() {
		return hold(KindMomentum, underlying, cond.failing(), now)
	}
	if chain == nil || chain.Spot <= 0 {
		return hold(KindMomentum, underlying, "no chain snapshot", now)
	}

	var action Action
	var optType pricing.OptionType
	if cond.Cross == CrossBullish {
		action, optType = ActionBuy, pricing.Call
	} else {
		action, optType = ActionSell, pricing.Put
	}

	leg, ok := s.legByDelta(chain, optType)
	if !ok {
		return hold(KindMomentum, underlying,
			fmt.Sprintf("no %s near %.2f delta", optType, s.config.TargetDelta), now)
	}
	mid := leg.Mid()
	if mid <= 0 {
		return hold(KindMomentum, underlying, "selected leg has no usable mid", now)
	}

	price := cond.Price
	var tier1, tier2, stop float64
	if action == ActionBuy {
		tier1 = price * (1 + s.config.Tier1Pct)
		tier2 = price * (1 + s.config.Tier2Pct)
		stop = price * (1 - s.config.StopPct)
	} else {
		tier1 = price * (1 - s.config.Tier1Pct)
		tier2 = price * (1 - s.config.Tier2Pct)
		stop = price * (1 + s.config.StopPct)
	}

	return Signal{
		Strategy:   KindMomentum,
		Action:     action,
		Underlying: underlying,
		Legs: []PlannedLeg{{
			Symbol:     leg.Symbol,
			Side:       SideBuy, // long the option either way; direction comes from the type
			Type:       leg.Type,
			Strike:     leg.Strike,
			Expiry:     leg.Expiry,
			LimitPrice: mid,
		}},
		UnitCost:   mid * 100,
		Confidence: 0.85,
		Reasoning: fmt.Sprintf("all six conditions met: %s rsi=%.1f relvol=%.2fx vwap=%.2f",
			action, cond.RSIValue, cond.RelVolume, cond.VWAPValue),
		Exit: &ExitPlan{
			Kind: KindMomentum,
			Momentum: &MomentumExit{
				Direction:        action,
				EntryUnderlying:  price,
				Tier1Price:       tier1,
				Tier2Price:       tier2,
				StopPrice:        stop,
				ForceCloseMinute: s.config.ForceCloseMinute,
			},
		},
		At: now,
	}
}

// legByDelta picks the nearest-expiry contract of the wanted type with
// absolute delta closest to the target.
func (s *Momentum) legByDelta(chain *adapters.Chain, typ pricing.OptionType) (adapters.Contract, bool) {
	expirations := chain.Expirations()
	if len(expirations) == 0 {
		return adapters.Contract{}, false
	}
	contracts := chain.ByExpiry(expirations[0])

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
	if math.IsInf(bestDiff, 1) {
		return adapters.Contract{}, false
	}
	return best, true
}
