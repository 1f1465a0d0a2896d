package monitor

import (
	"fmt"
	"time"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/ledger"
	"github.com/tradeforge/options-engine/internal/strategy"
)

// Exit reasons stamped onto closed positions. Every close carries one.
const (
	ReasonProfitTarget = "profit_target"
	ReasonStopLoss     = "stop_loss"
	ReasonForceClose   = "force_close"
	ReasonBreach       = "breach"
	ReasonEmergency    = "emergency"
	ReasonTierOne      = "tier1_partial"
)

// exitDecision is the outcome of one predicate evaluation.
type exitDecision struct {
	trigger  bool
	partial  bool
	quantity int // contracts to close when partial
	reason   string
}

func hold() exitDecision { return exitDecision{} }

func flatten(reason string) exitDecision { return exitDecision{trigger: true, reason: reason} }

// evaluateExit dispatches on the position's exit plan kind. A
// structural problem — missing or unknown payload — is an error the
// caller must escalate; a plan the monitor cannot read never quietly
// holds.
func evaluateExit(pos *ledger.Position, marks map[string]adapters.Mark, now time.Time) (exitDecision, error) {
	if pos.Exit == nil {
		return hold(), fmt.Errorf("position %s has no exit plan", pos.ID)
	}
	switch pos.Exit.Kind {
	case strategy.KindMeanReversion:
		if pos.Exit.MeanReversion == nil {
			return hold(), fmt.Errorf("position %s: %s exit plan missing payload", pos.ID, pos.Exit.Kind)
		}
		return meanReversionExit(pos, marks)
	case strategy.KindCondor:
		if pos.Exit.Condor == nil {
			return hold(), fmt.Errorf("position %s: %s exit plan missing payload", pos.ID, pos.Exit.Kind)
		}
		return condorExit(pos, marks, now)
	case strategy.KindMomentum:
		if pos.Exit.Momentum == nil {
			return hold(), fmt.Errorf("position %s: %s exit plan missing payload", pos.ID, pos.Exit.Kind)
		}
		return momentumExit(pos, marks, now)
	default:
		return hold(), fmt.Errorf("position %s: unknown exit plan kind %q", pos.ID, pos.Exit.Kind)
	}
}

// meanReversionExit prices the single leg against its entry premium.
// Longs take profit up and stop down; shorts mirror. No time exit: the
// DTE window at entry leaves room to be patient.
func meanReversionExit(pos *ledger.Position, marks map[string]adapters.Mark) (exitDecision, error) {
	plan := pos.Exit.MeanReversion
	if len(pos.Legs) != 1 {
		return hold(), fmt.Errorf("position %s: mean reversion with %d legs", pos.ID, len(pos.Legs))
	}
	mark, ok := marks[pos.Legs[0].Symbol]
	if !ok {
		return hold(), fmt.Errorf("position %s: no mark for %s", pos.ID, pos.Legs[0].Symbol)
	}
	entry := plan.EntryMid
	if entry <= 0 {
		return hold(), fmt.Errorf("position %s: entry mid %.4f not positive", pos.ID, entry)
	}
	mid := mark.Mid()
	long := plan.Direction == strategy.ActionBuy
	switch {
	case long && mid >= entry*(1+plan.ProfitPct):
		return flatten(ReasonProfitTarget), nil
	case long && mid <= entry*(1-plan.StopLossPct):
		return flatten(ReasonStopLoss), nil
	case !long && mid <= entry*(1-plan.ProfitPct):
		return flatten(ReasonProfitTarget), nil
	case !long && mid >= entry*(1+plan.StopLossPct):
		return flatten(ReasonStopLoss), nil
	}
	return hold(), nil
}

// condorExit compares the live cost of buying the spread back against
// the credit collected at entry, with the clock and the short strikes
// as backstops. Checks run profit, stop, force-close, breach; the
// first that fires names the exit.
func condorExit(pos *ledger.Position, marks map[string]adapters.Mark, now time.Time) (exitDecision, error) {
	plan := pos.Exit.Condor
	if plan.Credit <= 0 {
		return hold(), fmt.Errorf("position %s: condor credit %.4f not positive", pos.ID, plan.Credit)
	}

	// Cost to close: buy the shorts back, sell the longs out.
	cost := 0.0
	for _, leg := range pos.Legs {
		mark, ok := marks[leg.Symbol]
		if !ok {
			return hold(), fmt.Errorf("position %s: no mark for %s", pos.ID, leg.Symbol)
		}
		if leg.Side == strategy.SideSell {
			cost += mark.Mid()
		} else {
			cost -= mark.Mid()
		}
	}

	if (plan.Credit-cost)/plan.Credit >= plan.ProfitTargetPct {
		return flatten(ReasonProfitTarget), nil
	}
	if cost-plan.Credit >= plan.Credit*plan.StopMultiple {
		return flatten(ReasonStopLoss), nil
	}
	if adapters.MinuteOfDay(now) >= plan.ForceCloseMinute {
		return flatten(ReasonForceClose), nil
	}
	if spot := spotFrom(pos, marks); spot > 0 {
		if spot > plan.ShortCallStrike*(1+plan.BreachBufferPct) ||
			spot < plan.ShortPutStrike*(1-plan.BreachBufferPct) {
			return flatten(ReasonBreach), nil
		}
	}
	return hold(), nil
}

// momentumExit rides the underlying through two profit tiers. Tier one
// banks half the contracts and marks itself done; everything else is a
// full flatten. The stop outranks the tiers, and past the force-close
// minute the trade is over regardless of price.
func momentumExit(pos *ledger.Position, marks map[string]adapters.Mark, now time.Time) (exitDecision, error) {
	plan := pos.Exit.Momentum
	long := plan.Direction == strategy.ActionBuy // ActionSell rides puts down
	spot := spotFrom(pos, marks)

	if spot > 0 {
		if (long && spot <= plan.StopPrice) || (!long && spot >= plan.StopPrice) {
			return flatten(ReasonStopLoss), nil
		}
		if (long && spot >= plan.Tier2Price) || (!long && spot <= plan.Tier2Price) {
			return flatten(ReasonProfitTarget), nil
		}
	}
	if adapters.MinuteOfDay(now) >= plan.ForceCloseMinute {
		return flatten(ReasonForceClose), nil
	}
	if spot > 0 && !plan.Tier1Done {
		hit := (long && spot >= plan.Tier1Price) || (!long && spot <= plan.Tier1Price)
		// A one-lot cannot split; it waits for tier two or the clock.
		if half := pos.Quantity / 2; hit && half > 0 {
			return exitDecision{trigger: true, partial: true, quantity: half, reason: ReasonTierOne}, nil
		}
	}
	return hold(), nil
}

// spotFrom picks the underlying spot carried on any leg's mark.
func spotFrom(pos *ledger.Position, marks map[string]adapters.Mark) float64 {
	for _, leg := range pos.Legs {
		if m, ok := marks[leg.Symbol]; ok && m.Underlying > 0 {
			return m.Underlying
		}
	}
	return 0
}
