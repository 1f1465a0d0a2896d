// Package strategy implements the signal generators: percentile
// mean-reversion on implied volatility, a neutral four-leg credit
// spread, and intraday momentum. Each generator is a pure evaluation
// over a market snapshot; the exit plan a signal carries is the only
// contract between entry and the position monitor.
package strategy

import (
	"fmt"
	"time"

	"github.com/tradeforge/options-engine/internal/pricing"
)

// Kind tags a strategy family.
type Kind string

const (
	KindMeanReversion Kind = "mean_reversion"
	KindCondor        Kind = "iron_condor"
	KindMomentum      Kind = "momentum"
)

// Action is the signal verdict for one evaluation cycle.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side is the order side of a single leg.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side for a leg opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PlannedLeg is one leg the execution adapter should submit, quantity
// per contract unit; the risk gate scales units into contracts.
type PlannedLeg struct {
	Symbol     string             `json:"symbol"`
	Side       Side               `json:"side"`
	Type       pricing.OptionType `json:"type"`
	Strike     float64            `json:"strike"`
	Expiry     time.Time          `json:"expiry"`
	LimitPrice float64            `json:"limit_price"`
}

// Signal is one strategy's verdict for one evaluation cycle. Immutable
// once emitted. UnitCost is the per-contract dollars at risk the risk
// gate sizes against; UnitCredit is the per-contract credit received,
// zero for debit strategies.
type Signal struct {
	Strategy   Kind         `json:"strategy"`
	Action     Action       `json:"action"`
	Underlying string       `json:"underlying"`
	Legs       []PlannedLeg `json:"legs,omitempty"`
	UnitCost   float64      `json:"unit_cost,omitempty"`
	UnitCredit float64      `json:"unit_credit,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
	Reasoning  string       `json:"reasoning"`
	Exit       *ExitPlan    `json:"exit,omitempty"`
	At         time.Time    `json:"at"`
}

// Entry reports whether the signal asks to open a position.
func (s *Signal) Entry() bool {
	return s.Action == ActionBuy || s.Action == ActionSell
}

func hold(kind Kind, underlying, reason string, at time.Time) Signal {
	return Signal{
		Strategy:   kind,
		Action:     ActionHold,
		Underlying: underlying,
		Reasoning:  reason,
		At:         at,
	}
}

// ExitPlan is the strategy-specific exit parameter payload a position
// carries from entry to close. Exactly one payload pointer is set,
// selected by Kind; the monitor dispatches on Kind and treats an
// unknown kind or a missing payload as a hard error rather than
// guessing.
type ExitPlan struct {
	Kind          Kind               `json:"kind"`
	MeanReversion *MeanReversionExit `json:"mean_reversion,omitempty"`
	Condor        *CondorExit        `json:"condor,omitempty"`
	Momentum      *MomentumExit      `json:"momentum,omitempty"`
}

// MeanReversionExit closes on premium moves relative to entry. No
// time-based force close.
type MeanReversionExit struct {
	Direction   Action  `json:"direction"`     // BUY or SELL at entry
	EntryMid    float64 `json:"entry_mid"`     // option mid at entry, per share
	ProfitPct   float64 `json:"profit_pct"`    // fraction of entry premium
	StopLossPct float64 `json:"stop_loss_pct"` // fraction of entry premium
}

// CondorExit closes on profit, loss, breach, or the force-close time.
type CondorExit struct {
	ShortCallStrike  float64 `json:"short_call_strike"`
	ShortPutStrike   float64 `json:"short_put_strike"`
	Credit           float64 `json:"credit"` // net credit per share at entry
	ProfitTargetPct  float64 `json:"profit_target_pct"`
	StopMultiple     float64 `json:"stop_multiple"`
	BreachBufferPct  float64 `json:"breach_buffer_pct"`
	ForceCloseMinute int     `json:"force_close_minute"` // ET minute of day
}

// MomentumExit closes in two tiers on the underlying price. Tier1Done
// flips after the partial close so a later sweep finishes the position
// instead of scalping it twice.
type MomentumExit struct {
	Direction        Action  `json:"direction"`
	EntryUnderlying  float64 `json:"entry_underlying"`
	Tier1Price       float64 `json:"tier1_price"`
	Tier2Price       float64 `json:"tier2_price"`
	StopPrice        float64 `json:"stop_price"`
	Tier1Done        bool    `json:"tier1_done"`
	ForceCloseMinute int     `json:"force_close_minute"` // ET minute of day
}

// Validate checks that exactly the payload named by Kind is present.
func (p *ExitPlan) Validate() error {
	if p == nil {
		return fmt.Errorf("exit plan is nil")
	}
	set := 0
	if p.MeanReversion != nil {
		set++
	}
	if p.Condor != nil {
		set++
	}
	if p.Momentum != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exit plan has %d payloads, want exactly 1", set)
	}
	switch p.Kind {
	case KindMeanReversion:
		if p.MeanReversion == nil {
			return fmt.Errorf("exit plan kind %s missing its payload", p.Kind)
		}
	case KindCondor:
		if p.Condor == nil {
			return fmt.Errorf("exit plan kind %s missing its payload", p.Kind)
		}
	case KindMomentum:
		if p.Momentum == nil {
			return fmt.Errorf("exit plan kind %s missing its payload", p.Kind)
		}
	default:
		return fmt.Errorf("unknown exit plan kind %q", p.Kind)
	}
	return nil
}
