package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/ledger"
	"github.com/tradeforge/options-engine/internal/observ"
	"github.com/tradeforge/options-engine/internal/outbox"
	"github.com/tradeforge/options-engine/internal/strategy"
)

// Config tunes the adapter. CommissionPerContract is charged per leg
// per contract in realized P&L.
type Config struct {
	CommissionPerContract float64 `yaml:"commission_per_contract"`
}

func (c *Config) setDefaults() {
	if c.CommissionPerContract <= 0 {
		c.CommissionPerContract, _ = ledger.DefaultCommissionPerContract.Float64()
	}
}

// Adapter is the execution layer between approved signals and a
// broker. Entries come priced by the strategy; closes price each leg
// at its live mark.
type Adapter struct {
	broker     Broker
	marks      adapters.Marks
	journal    *outbox.Journal
	commission decimal.Decimal
}

// NewAdapter wires the adapter. journal may be nil, which disables
// journaling.
func NewAdapter(broker Broker, marks adapters.Marks, journal *outbox.Journal, cfg Config) *Adapter {
	cfg.setDefaults()
	return &Adapter{
		broker:     broker,
		marks:      marks,
		journal:    journal,
		commission: decimal.NewFromFloat(cfg.CommissionPerContract),
	}
}

// CloseReport summarizes a completed close.
type CloseReport struct {
	PositionID  string
	Contracts   int
	Reason      string
	FillPrices  map[string]float64
	RealizedPnL decimal.Decimal
}

// legOutcome pairs one submitted order with its result.
type legOutcome struct {
	req    OrderRequest
	result OrderResult
	err    error
}

func (o legOutcome) filled() bool { return o.err == nil && o.result.Filled() }

func (o legOutcome) failure() string {
	if o.err != nil {
		return o.err.Error()
	}
	if !o.result.Filled() {
		return fmt.Sprintf("%s rejected by broker", o.req.Symbol)
	}
	return ""
}

// OpenPosition submits one order per planned leg and, on full fill,
// returns the open position carrying actual fill prices. On any leg
// failure it flattens the filled legs and returns a LegFailureError;
// it never returns a position with fewer legs than the strategy
// requires.
func (a *Adapter) OpenPosition(ctx context.Context, sig strategy.Signal, contracts int) (*ledger.Position, error) {
	reqs, err := entryRequests(sig, contracts)
	if err != nil {
		return nil, &ExecutionError{Op: "open", Symbol: sig.Underlying, Cause: err}
	}

	outcomes := a.submitBatch(ctx, reqs)
	if anyFailed(outcomes) {
		return nil, a.unwind(ctx, "open", sig.Underlying, outcomes)
	}

	legs := make([]ledger.Leg, len(sig.Legs))
	for i, pl := range sig.Legs {
		legs[i] = ledger.Leg{
			Symbol:     pl.Symbol,
			Side:       pl.Side,
			Type:       pl.Type,
			Strike:     pl.Strike,
			Expiry:     pl.Expiry,
			Quantity:   contracts,
			EntryPrice: outcomes[i].result.FillPrice,
		}
	}
	pos := &ledger.Position{
		ID:         ledger.NewPositionID(sig.Underlying),
		Strategy:   sig.Strategy,
		Underlying: sig.Underlying,
		Legs:       legs,
		Quantity:   contracts,
		Status:     ledger.StatusOpen,
		OpenedAt:   time.Now().UTC(),
		Exit:       sig.Exit,
	}
	if err := pos.Validate(); err != nil {
		// Cannot happen after entryRequests passed; refuse to book it
		// if it somehow does.
		return nil, &ExecutionError{Op: "open", Symbol: sig.Underlying, Cause: err}
	}

	observ.Log("execution_position_opened", map[string]any{
		"position_id": pos.ID,
		"strategy":    string(pos.Strategy),
		"underlying":  pos.Underlying,
		"legs":        len(pos.Legs),
		"contracts":   contracts,
	})
	observ.IncCounter("execution_positions_opened_total", map[string]string{"strategy": string(pos.Strategy)})
	return pos, nil
}

// ClosePosition flattens the whole position.
func (a *Adapter) ClosePosition(ctx context.Context, pos *ledger.Position, reason string) (*CloseReport, error) {
	if pos == nil {
		return nil, &ExecutionError{Op: "close", Cause: fmt.Errorf("nil position")}
	}
	return a.CloseQuantity(ctx, pos, pos.Quantity, reason)
}

// CloseQuantity submits offsetting orders for quantity contracts of
// every leg, priced at each leg's live mark. On full fill it reports
// realized P&L; on partial failure the already-closed legs are
// restored and a LegFailureError returned, so the position's legs stay
// all-on. The caller owns the position's status transitions.
func (a *Adapter) CloseQuantity(ctx context.Context, pos *ledger.Position, quantity int, reason string) (*CloseReport, error) {
	if pos == nil {
		return nil, &ExecutionError{Op: "close", Cause: fmt.Errorf("nil position")}
	}
	if reason == "" {
		return nil, &ExecutionError{Op: "close", Symbol: pos.ID, Cause: fmt.Errorf("close reason is required")}
	}
	if quantity <= 0 || quantity > pos.Quantity {
		return nil, &ExecutionError{Op: "close", Symbol: pos.ID,
			Cause: fmt.Errorf("close quantity %d outside 1..%d", quantity, pos.Quantity)}
	}

	// Price every leg before submitting anything: a mark failure here
	// is a clean retry next sweep, with no orders in flight.
	reqs := make([]OrderRequest, len(pos.Legs))
	for i, leg := range pos.Legs {
		mark, err := a.marks.Mark(ctx, leg.Symbol)
		if err != nil {
			return nil, &ExecutionError{Op: "close", Symbol: leg.Symbol, Cause: err}
		}
		reqs[i] = OrderRequest{
			Symbol:     leg.Symbol,
			Side:       leg.Side.Opposite(),
			Quantity:   quantity,
			OrderType:  OrderTypeLimit,
			LimitPrice: mark.Mid(),
		}
		if err := reqs[i].Validate(); err != nil {
			return nil, &ExecutionError{Op: "close", Symbol: leg.Symbol, Cause: err}
		}
	}

	outcomes := a.submitBatch(ctx, reqs)
	if anyFailed(outcomes) {
		return nil, a.unwind(ctx, "close", pos.Underlying, outcomes)
	}

	fills := make(map[string]float64, len(pos.Legs))
	for i, o := range outcomes {
		fills[pos.Legs[i].Symbol] = o.result.FillPrice
	}
	pnl, err := ledger.RealizedPnL(pos.Legs, fills, quantity, a.commission)
	if err != nil {
		return nil, &ExecutionError{Op: "close", Symbol: pos.ID, Cause: err}
	}

	partial := quantity < pos.Quantity
	a.journalAppend(outbox.KindClose, outbox.CloseRecord{
		PositionID:  pos.ID,
		Strategy:    string(pos.Strategy),
		Underlying:  pos.Underlying,
		Contracts:   quantity,
		Reason:      reason,
		RealizedPnL: pnl.String(),
		Partial:     partial,
	})
	observ.Log("execution_position_closed", map[string]any{
		"position_id": pos.ID,
		"reason":      reason,
		"contracts":   quantity,
		"partial":     partial,
		"realized":    pnl.String(),
	})
	observ.IncCounter("execution_positions_closed_total", map[string]string{
		"strategy": string(pos.Strategy),
		"reason":   reason,
	})

	return &CloseReport{
		PositionID:  pos.ID,
		Contracts:   quantity,
		Reason:      reason,
		FillPrices:  fills,
		RealizedPnL: pnl,
	}, nil
}

// entryRequests validates the signal and builds the full order batch
// up front, so nothing is submitted for a signal that cannot book.
func entryRequests(sig strategy.Signal, contracts int) ([]OrderRequest, error) {
	if !sig.Entry() {
		return nil, fmt.Errorf("signal action %s is not an entry", sig.Action)
	}
	if contracts <= 0 {
		return nil, fmt.Errorf("contracts %d not positive", contracts)
	}
	if len(sig.Legs) == 0 {
		return nil, fmt.Errorf("entry signal has no legs")
	}
	if err := sig.Exit.Validate(); err != nil {
		return nil, err
	}
	if sig.Exit.Kind != sig.Strategy {
		return nil, fmt.Errorf("exit plan kind %s != strategy %s", sig.Exit.Kind, sig.Strategy)
	}

	reqs := make([]OrderRequest, len(sig.Legs))
	for i, leg := range sig.Legs {
		reqs[i] = OrderRequest{
			Symbol:     leg.Symbol,
			Side:       leg.Side,
			Quantity:   contracts,
			OrderType:  OrderTypeLimit,
			LimitPrice: leg.LimitPrice,
		}
		if err := reqs[i].Validate(); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// submitBatch dispatches every order, continuing past failures so the
// reconcile sees the whole batch.
func (a *Adapter) submitBatch(ctx context.Context, reqs []OrderRequest) []legOutcome {
	outcomes := make([]legOutcome, len(reqs))
	for i, req := range reqs {
		result, err := a.broker.Submit(ctx, req)
		outcomes[i] = legOutcome{req: req, result: result, err: err}
		a.journalOutcome(outcomes[i])
	}
	return outcomes
}

func anyFailed(outcomes []legOutcome) bool {
	for _, o := range outcomes {
		if !o.filled() {
			return true
		}
	}
	return false
}

// unwind flattens the filled legs of a partial batch by submitting the
// opposite of each filled order at its fill price, then returns the
// LegFailureError describing the whole reconcile. Legs the flatten
// could not take off are flagged for manual intervention.
func (a *Adapter) unwind(ctx context.Context, op, underlying string, outcomes []legOutcome) error {
	ferr := &LegFailureError{Underlying: underlying, Op: op}
	for _, o := range outcomes {
		if o.filled() {
			ferr.Filled = append(ferr.Filled, o.req.Symbol)
			continue
		}
		ferr.Failed = append(ferr.Failed, o.req.Symbol)
		if ferr.Reason == "" {
			ferr.Reason = o.failure()
		}
	}

	for _, o := range outcomes {
		if !o.filled() {
			continue
		}
		req := OrderRequest{
			Symbol:     o.req.Symbol,
			Side:       o.req.Side.Opposite(),
			Quantity:   o.req.Quantity,
			OrderType:  OrderTypeLimit,
			LimitPrice: o.result.FillPrice,
		}
		result, err := a.broker.Submit(ctx, req)
		a.journalOutcome(legOutcome{req: req, result: result, err: err})
		if err == nil && result.Filled() {
			ferr.Unwound = append(ferr.Unwound, o.req.Symbol)
		} else {
			ferr.Manual = append(ferr.Manual, o.req.Symbol)
		}
	}

	observ.Log("execution_leg_failure", map[string]any{
		"op":         op,
		"underlying": underlying,
		"filled":     ferr.Filled,
		"failed":     ferr.Failed,
		"unwound":    ferr.Unwound,
		"manual":     ferr.Manual,
		"reason":     ferr.Reason,
	})
	observ.IncCounter("execution_leg_failures_total", map[string]string{"op": op})
	if ferr.NeedsIntervention() {
		observ.IncCounter("execution_manual_intervention_total", nil)
	}
	return ferr
}

func (a *Adapter) journalOutcome(o legOutcome) {
	rec := outbox.OrderRecord{
		OrderID:    o.result.OrderID,
		Symbol:     o.req.Symbol,
		Side:       string(o.req.Side),
		Quantity:   o.req.Quantity,
		LimitPrice: o.req.LimitPrice,
		Status:     string(o.result.Status),
	}
	if o.err != nil {
		rec.Status = "error"
		rec.Error = o.err.Error()
	}
	a.journalAppend(outbox.KindOrder, rec)
	if o.filled() {
		a.journalAppend(outbox.KindFill, outbox.FillRecord{
			OrderID:   o.result.OrderID,
			Symbol:    o.req.Symbol,
			Side:      string(o.req.Side),
			Quantity:  o.req.Quantity,
			Price:     o.result.FillPrice,
			Timestamp: time.Now().UTC(),
		})
	}
}

// journalAppend never fails the trade path: orders are already placed
// when the journal write happens, so a journal error is logged and the
// trade proceeds.
func (a *Adapter) journalAppend(kind string, record any) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Append(kind, record); err != nil {
		observ.Log("execution_journal_error", map[string]any{"kind": kind, "error": err.Error()})
		observ.IncCounter("execution_journal_errors_total", map[string]string{"kind": kind})
	}
}
