package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/options-engine/internal/strategy"
)

// ContractMultiplier is the share count one option contract controls.
const ContractMultiplier = 100

// DefaultCommissionPerContract is the per-contract, per-leg commission
// applied when the broker config does not override it.
var DefaultCommissionPerContract = decimal.NewFromFloat(0.65)

var multiplier = decimal.NewFromInt(ContractMultiplier)

// LegCash returns the signed cash flow of trading one leg: selling
// collects premium, buying pays it.
func LegCash(side strategy.Side, pricePerShare float64, contracts int) decimal.Decimal {
	cash := decimal.NewFromFloat(pricePerShare).
		Mul(multiplier).
		Mul(decimal.NewFromInt(int64(contracts)))
	if side == strategy.SideBuy {
		return cash.Neg()
	}
	return cash
}

// Commission returns the cost of trading contracts across legCount
// legs at the given per-contract rate.
func Commission(perContract decimal.Decimal, contracts, legCount int) decimal.Decimal {
	return perContract.
		Mul(decimal.NewFromInt(int64(contracts))).
		Mul(decimal.NewFromInt(int64(legCount)))
}

// PerContractEntryCash is the net cash flow of opening one contract of
// the position, commissions included. Positive for credit structures.
func PerContractEntryCash(legs []Leg, commissionPerContract decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range legs {
		total = total.Add(LegCash(leg.Side, leg.EntryPrice, 1))
	}
	return total.Sub(Commission(commissionPerContract, 1, len(legs)))
}

// PerContractExitCash is the net cash flow of closing one contract:
// every leg trades its opposite side at the given per-share price.
// A missing price is an error, never a zero.
func PerContractExitCash(legs []Leg, exitPrices map[string]float64, commissionPerContract decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, leg := range legs {
		price, ok := exitPrices[leg.Symbol]
		if !ok {
			return decimal.Zero, fmt.Errorf("no exit price for leg %s", leg.Symbol)
		}
		total = total.Add(LegCash(leg.Side.Opposite(), price, 1))
	}
	return total.Sub(Commission(commissionPerContract, 1, len(legs))), nil
}

// RealizedPnL is the round-trip result of closing the given number of
// contracts at the exit prices, entry and exit commissions included.
func RealizedPnL(legs []Leg, exitPrices map[string]float64, contracts int, commissionPerContract decimal.Decimal) (decimal.Decimal, error) {
	exit, err := PerContractExitCash(legs, exitPrices, commissionPerContract)
	if err != nil {
		return decimal.Zero, err
	}
	per := PerContractEntryCash(legs, commissionPerContract).Add(exit)
	return per.Mul(decimal.NewFromInt(int64(contracts))), nil
}
