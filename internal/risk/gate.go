package risk

import (
	"fmt"

	"github.com/tradeforge/options-engine/internal/observ"
	"github.com/tradeforge/options-engine/internal/strategy"
)

// Rejection reason codes. The detail string on the error carries the
// human-readable explanation; these stay stable for metrics and logs.
const (
	ReasonInvalidSignal   = "invalid_signal"
	ReasonSuppressed      = "entries_suppressed"
	ReasonDailyLoss       = "daily_loss_breaker"
	ReasonConsecutiveLoss = "consecutive_loss_breaker"
	ReasonNoEquity        = "no_equity"
	ReasonNegativeKelly   = "negative_kelly"
	ReasonSizeZero        = "size_zero"
)

// RejectionError reports why the gate refused an entry.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.Reason, e.Detail)
}

func reject(reason, format string, args ...any) (Decision, error) {
	err := &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
	observ.IncCounter("risk_rejections_total", map[string]string{"reason": reason})
	observ.Log("risk_gate_rejected", map[string]any{"reason": reason, "detail": err.Detail})
	return Decision{Reason: err.Detail}, err
}

// Decision is the gate's verdict on one entry signal.
type Decision struct {
	Approved      bool
	Contracts     int
	MaxLoss       float64 // dollars at risk for the sized position
	KellyFraction float64 // applied equity fraction after halving and cap
	Reason        string
}

// StrategyStats is the historical edge a strategy sizes against.
// AvgWin and AvgLoss are positive dollar magnitudes per contract
// trade.
type StrategyStats struct {
	WinRate float64
	AvgWin  float64
	AvgLoss float64
	Trades  int
}

// defaultStats are the research-backed priors used until a strategy
// has enough closed trades of its own.
func defaultStats(kind strategy.Kind) StrategyStats {
	if kind == strategy.KindMeanReversion {
		return StrategyStats{WinRate: 0.75, AvgWin: 120, AvgLoss: 80}
	}
	return StrategyStats{WinRate: 0.55, AvgWin: 100, AvgLoss: 50}
}

// GateConfig sets the breaker thresholds and sizing caps.
type GateConfig struct {
	MaxRiskPerTradePct   float64 `yaml:"max_risk_per_trade_pct"` // fraction of equity at risk per trade
	MaxPositionPct       float64 `yaml:"max_position_pct"`       // fraction of equity as position notional
	DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct"`   // negative fraction, entries stop at or below
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`

	// Stats overrides the per-strategy priors, keyed by strategy kind.
	Stats map[strategy.Kind]StrategyStats `yaml:"-"`

	// MinTrades is the closed-trade count below which measured stats
	// are ignored in favor of the priors.
	MinTrades int `yaml:"min_trades"`
}

func (c *GateConfig) setDefaults() {
	if c.MaxRiskPerTradePct <= 0 {
		c.MaxRiskPerTradePct = 0.02
	}
	if c.MaxPositionPct <= 0 {
		c.MaxPositionPct = 0.05
	}
	if c.DailyLossLimitPct == 0 {
		c.DailyLossLimitPct = -0.03
	}
	if c.DailyLossLimitPct > 0 {
		c.DailyLossLimitPct = -c.DailyLossLimitPct
	}
	if c.MaxConsecutiveLosses <= 0 {
		c.MaxConsecutiveLosses = 3
	}
	if c.MinTrades <= 0 {
		c.MinTrades = 10
	}
}

// Gate is the stateless entry decision: breakers in fixed order, then
// half-Kelly sizing under the per-trade and per-position caps. It
// never mutates Portfolio; sizing is committed only when the
// execution adapter confirms a fill.
type Gate struct {
	config GateConfig
}

// NewGate creates the gate with defaulted config.
func NewGate(config GateConfig) *Gate {
	config.setDefaults()
	return &Gate{config: config}
}

// Evaluate sizes an entry signal against the portfolio counters. On
// rejection the returned error is a *RejectionError and the Decision
// carries the same reason; any tripped breaker rejects regardless of
// the others.
func (g *Gate) Evaluate(sig strategy.Signal, p Portfolio) (Decision, error) {
	if !sig.Entry() {
		return reject(ReasonInvalidSignal, "signal action %s is not an entry", sig.Action)
	}
	if sig.UnitCost <= 0 {
		return reject(ReasonInvalidSignal, "unit cost %.2f is not positive", sig.UnitCost)
	}
	if p.EntriesSuppressed {
		return reject(ReasonSuppressed, "entries suppressed pending operator reset")
	}
	if p.Equity <= 0 {
		return reject(ReasonNoEquity, "equity %.2f is not positive", p.Equity)
	}

	lossPct := p.DailyPnL / p.Equity
	if lossPct <= g.config.DailyLossLimitPct {
		return reject(ReasonDailyLoss, "daily loss %.2f%% at or below limit %.2f%%",
			lossPct*100, g.config.DailyLossLimitPct*100)
	}
	if p.ConsecutiveLosses >= g.config.MaxConsecutiveLosses {
		return reject(ReasonConsecutiveLoss, "%d consecutive losses at limit %d",
			p.ConsecutiveLosses, g.config.MaxConsecutiveLosses)
	}

	stats := g.stats(sig.Strategy)
	if stats.AvgWin <= 0 {
		return reject(ReasonNegativeKelly, "strategy %s has no average win", sig.Strategy)
	}
	kelly := (stats.WinRate*stats.AvgWin - (1-stats.WinRate)*stats.AvgLoss) / stats.AvgWin
	fraction := kelly / 2
	if fraction > g.config.MaxRiskPerTradePct {
		fraction = g.config.MaxRiskPerTradePct
	}
	if fraction <= 0 {
		return reject(ReasonNegativeKelly, "half-kelly %.4f is not positive", fraction)
	}

	contracts := int(p.Equity * fraction / sig.UnitCost)

	// Cap the position's notional footprint. For debit strategies the
	// notional is the premium paid; for credit spreads it is the
	// margin, risk plus credit.
	unitNotional := sig.UnitCost + sig.UnitCredit
	if maxByNotional := int(p.Equity * g.config.MaxPositionPct / unitNotional); contracts > maxByNotional {
		contracts = maxByNotional
	}

	if contracts < 1 {
		return reject(ReasonSizeZero, "sized to %d contracts at unit cost %.2f", contracts, sig.UnitCost)
	}

	maxLoss := float64(contracts) * sig.UnitCost
	observ.Log("risk_gate_approved", map[string]any{
		"strategy":  string(sig.Strategy),
		"contracts": contracts,
		"max_loss":  maxLoss,
		"fraction":  fraction,
	})
	observ.IncCounter("risk_approvals_total", map[string]string{"strategy": string(sig.Strategy)})

	return Decision{
		Approved:      true,
		Contracts:     contracts,
		MaxLoss:       maxLoss,
		KellyFraction: fraction,
		Reason:        fmt.Sprintf("half-kelly sizing: %d contracts, max loss $%.2f", contracts, maxLoss),
	}, nil
}

// stats returns the configured stats for a strategy when they carry
// enough history, otherwise the priors.
func (g *Gate) stats(kind strategy.Kind) StrategyStats {
	if s, ok := g.config.Stats[kind]; ok && s.Trades >= g.config.MinTrades {
		return s
	}
	return defaultStats(kind)
}
