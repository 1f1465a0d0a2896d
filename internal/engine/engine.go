// Package engine runs the entry half of the pipeline: every evaluation
// interval during regular hours it refreshes market inputs, asks each
// enabled strategy for a verdict, and walks entry signals through the
// idempotency journal, the risk gate, and the broker. Exits belong to
// the monitor; the only state held here is the per-symbol bar history
// the momentum indicators consume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/alerts"
	"github.com/tradeforge/options-engine/internal/execution"
	"github.com/tradeforge/options-engine/internal/ledger"
	"github.com/tradeforge/options-engine/internal/observ"
	"github.com/tradeforge/options-engine/internal/outbox"
	"github.com/tradeforge/options-engine/internal/risk"
	"github.com/tradeforge/options-engine/internal/strategy"
)

// Config holds the evaluation loop parameters.
type Config struct {
	Symbols             []string
	Benchmark           string
	EvalIntervalSeconds int
	FetchTimeoutSeconds int
}

func (c *Config) setDefaults() {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"SPY"}
	}
	if c.Benchmark == "" {
		c.Benchmark = "SPY"
	}
	if c.EvalIntervalSeconds <= 0 {
		c.EvalIntervalSeconds = 60
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 5
	}
}

// Opener is the execution surface the engine submits entries through.
type Opener interface {
	OpenPosition(ctx context.Context, sig strategy.Signal, contracts int) (*ledger.Position, error)
}

// Alerter delivers operator escalations. Nil disables alerting.
type Alerter interface {
	Send(alert alerts.Alert)
}

// Deps are the engine's collaborators. A nil strategy field disables
// that strategy.
type Deps struct {
	Market   adapters.MarketData
	MeanRev  *strategy.MeanReversion
	Condor   *strategy.Condor
	Momentum *strategy.Momentum
	Gate     *risk.Gate
	State    *risk.State
	Cooldown *risk.Cooldown // optional; skips symbols inside a loss window
	Broker   Opener
	Store    *ledger.Store
	Journal  *outbox.Journal
	Alerter  Alerter
}

// Engine drives entry evaluation. Run from a single goroutine; the bar
// history maps are not locked.
type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	bars    map[string]*strategy.BarHistory
	lastVol map[string]int64
	volSeen map[string]bool
}

// New creates the engine with defaulted config.
func New(cfg Config, deps Deps) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		bars:    make(map[string]*strategy.BarHistory),
		lastVol: make(map[string]int64),
		volSeen: make(map[string]bool),
	}
}

// Run evaluates on the configured interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.EvalIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	observ.Log("engine_started", map[string]any{
		"symbols":   e.cfg.Symbols,
		"benchmark": e.cfg.Benchmark,
		"interval":  interval.String(),
	})
	for {
		select {
		case <-ctx.Done():
			observ.Log("engine_stopped", nil)
			return
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one evaluation pass across the configured symbols.
func (e *Engine) Cycle(ctx context.Context) {
	now := e.now()
	e.deps.State.Rollover(adapters.SessionDate(now))

	if adapters.SessionAt(now) != adapters.SessionOpen {
		observ.SetGauge("engine_in_session", 0, nil)
		return
	}
	observ.SetGauge("engine_in_session", 1, nil)
	observ.IncCounter("engine_cycles_total", nil)
	start := time.Now()
	defer func() {
		observ.ObserveDuration("engine_cycle_seconds", time.Since(start), nil)
	}()

	// While entries are suppressed the bar histories still advance, so
	// the indicators are warm when the operator resumes.
	suppressed := e.deps.State.Snapshot().EntriesSuppressed

	benchBars := e.refreshBars(ctx, e.cfg.Benchmark)
	for _, symbol := range e.cfg.Symbols {
		bars := benchBars
		if symbol != e.cfg.Benchmark {
			bars = e.refreshBars(ctx, symbol)
		}
		if bars == nil || suppressed {
			continue
		}
		if e.deps.Cooldown != nil {
			if until, blocked := e.deps.Cooldown.Blocked(symbol, now); blocked {
				observ.Log("engine_symbol_cooling", map[string]any{
					"symbol": symbol,
					"until":  until.UTC().Format(time.RFC3339),
				})
				observ.IncCounter("engine_cooldown_skips_total", map[string]string{"symbol": symbol})
				continue
			}
		}
		e.evaluateSymbol(ctx, now, symbol, bars, benchBars)
	}
}

// refreshBars fetches the symbol's quote and appends one synthetic bar
// to its trailing history. Quote volume is cumulative for the session,
// so the bar carries the delta since the previous observation. Returns
// nil when the symbol produced no usable quote this cycle.
func (e *Engine) refreshBars(ctx context.Context, symbol string) []strategy.Bar {
	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.FetchTimeoutSeconds)*time.Second)
	defer cancel()

	quote, err := e.deps.Market.Quote(fetchCtx, symbol)
	if err != nil {
		observ.LogError("engine_quote_failed", err, map[string]any{"symbol": symbol})
		observ.IncCounter("engine_fetch_failures_total", map[string]string{"kind": "quote"})
		return nil
	}
	if err := adapters.ValidateQuote(quote); err != nil {
		observ.LogError("engine_quote_invalid", err, map[string]any{"symbol": symbol})
		observ.IncCounter("engine_fetch_failures_total", map[string]string{"kind": "quote"})
		return nil
	}
	if quote.Halted {
		observ.Log("engine_symbol_halted", map[string]any{"symbol": symbol})
		return nil
	}

	hist, ok := e.bars[symbol]
	if !ok {
		hist = strategy.NewBarHistory(0)
		e.bars[symbol] = hist
	}
	var volume int64
	if e.volSeen[symbol] {
		volume = quote.Volume - e.lastVol[symbol]
		if volume < 0 {
			// Provider counter reset, usually the day roll.
			volume = quote.Volume
		}
	}
	e.lastVol[symbol] = quote.Volume
	e.volSeen[symbol] = true

	mid := quote.Mid()
	hist.Add(strategy.Bar{High: mid, Low: mid, Close: mid, Volume: volume})
	return hist.Bars()
}

// evaluateSymbol runs each enabled strategy over the symbol's chain
// snapshot, submitting at most one entry per symbol per cycle.
func (e *Engine) evaluateSymbol(ctx context.Context, now time.Time, symbol string, bars, benchBars []strategy.Bar) {
	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.FetchTimeoutSeconds)*time.Second)
	defer cancel()

	chain, err := e.deps.Market.Chain(fetchCtx, symbol)
	if err != nil {
		observ.LogError("engine_chain_failed", err, map[string]any{"symbol": symbol})
		observ.IncCounter("engine_fetch_failures_total", map[string]string{"kind": "chain"})
		return
	}

	for _, sig := range e.signals(now, chain, bars, benchBars) {
		observ.IncCounter("signals_emitted_total", map[string]string{
			"strategy": string(sig.Strategy),
			"action":   string(sig.Action),
		})
		if !sig.Entry() {
			continue
		}
		observ.Log("engine_signal", map[string]any{
			"strategy":   string(sig.Strategy),
			"action":     string(sig.Action),
			"underlying": sig.Underlying,
			"confidence": sig.Confidence,
			"reasoning":  sig.Reasoning,
		})
		if e.hasOpen(sig.Strategy, sig.Underlying) {
			observ.Log("engine_signal_skipped", map[string]any{
				"strategy":   string(sig.Strategy),
				"underlying": sig.Underlying,
				"reason":     "position already open",
			})
			continue
		}
		if e.submit(ctx, sig) {
			return
		}
	}
}

// signals collects the strategy verdicts in schedule order: the condor
// entry window closes first, momentum runs the morning, mean reversion
// the whole session.
func (e *Engine) signals(now time.Time, chain *adapters.Chain, bars, benchBars []strategy.Bar) []strategy.Signal {
	var out []strategy.Signal
	if e.deps.Condor != nil {
		out = append(out, e.deps.Condor.Evaluate(now, chain))
	}
	if e.deps.Momentum != nil {
		out = append(out, e.deps.Momentum.Evaluate(now, bars, benchBars, chain))
	}
	if e.deps.MeanRev != nil {
		out = append(out, e.deps.MeanRev.Evaluate(now, chain))
	}
	return out
}

// hasOpen reports whether the ledger already holds a live position for
// this strategy and underlying. One at a time per pair; the monitor has
// to finish the last trade before the next one stacks on.
func (e *Engine) hasOpen(kind strategy.Kind, underlying string) bool {
	for _, pos := range e.deps.Store.OpenPositions() {
		if pos.Strategy == kind && pos.Underlying == underlying {
			return true
		}
	}
	return false
}

// submit walks one entry signal through dedupe, the gate, and the
// broker, booking a confirmed fill into the ledger and the breaker
// counters. Returns true when a position was opened.
func (e *Engine) submit(ctx context.Context, sig strategy.Signal) bool {
	key := outbox.IdempotencyKey(string(sig.Strategy), sig.Underlying, string(sig.Action), sig.At)
	dup, err := e.deps.Journal.HasRecent(outbox.KindSignal, key)
	if err != nil {
		// Cannot prove this entry was not already submitted; skip it.
		observ.LogError("engine_journal_read_failed", err, map[string]any{"underlying": sig.Underlying})
		return false
	}
	if dup {
		observ.Log("engine_signal_deduped", map[string]any{
			"strategy":   string(sig.Strategy),
			"underlying": sig.Underlying,
			"key":        key,
		})
		observ.IncCounter("engine_signals_deduped_total", nil)
		return false
	}

	decision, err := e.deps.Gate.Evaluate(sig, e.deps.State.Snapshot())
	if err != nil {
		return false // the gate logged and counted the rejection
	}

	record := outbox.SignalRecord{
		Strategy:       string(sig.Strategy),
		Underlying:     sig.Underlying,
		Action:         string(sig.Action),
		Contracts:      decision.Contracts,
		Confidence:     sig.Confidence,
		Reasoning:      sig.Reasoning,
		At:             sig.At,
		IdempotencyKey: key,
	}
	if err := e.deps.Journal.Append(outbox.KindSignal, record); err != nil {
		// Without the journal row there is no double-submit protection,
		// so the order does not go out.
		observ.LogError("engine_journal_append_failed", err, map[string]any{"underlying": sig.Underlying})
		return false
	}

	pos, err := e.deps.Broker.OpenPosition(ctx, sig, decision.Contracts)
	if err != nil {
		e.entryFailed(sig, err)
		return false
	}

	e.book(*pos)
	e.deps.State.RecordEntry()
	observ.IncCounter("engine_entries_total", map[string]string{"strategy": string(sig.Strategy)})
	return true
}

// book inserts the fill into the ledger. The store applies inserts to
// memory before the disk write, so a transient save failure retries
// durability through Flush while the monitor can already see the
// position; an insert the store rejects outright leaves a live broker
// position with no ledger row, which is operator territory.
func (e *Engine) book(pos ledger.Position) {
	err := e.deps.Store.Insert(pos)
	if err == nil {
		return
	}

	var perr *ledger.PersistenceError
	if errors.As(err, &perr) && perr.Retryable {
		backoff := 50 * time.Millisecond
		for attempt := 0; attempt < 3; attempt++ {
			time.Sleep(backoff)
			backoff *= 2
			if e.deps.Store.Flush() == nil {
				return
			}
		}
		observ.LogError("engine_ledger_flush_failed", err, map[string]any{"position_id": pos.ID})
		e.alert(alerts.Alert{
			Kind:       alerts.KindPersistenceFailure,
			PositionID: pos.ID,
			Summary:    "position booked in memory only; ledger file is not persisting",
			Fields:     map[string]string{"underlying": pos.Underlying},
			At:         e.now(),
		})
		return
	}

	observ.LogError("engine_ledger_insert_rejected", err, map[string]any{"position_id": pos.ID})
	e.alert(alerts.Alert{
		Kind:       alerts.KindManualIntervention,
		PositionID: pos.ID,
		Summary:    "broker holds a position the ledger refused to record",
		Fields:     map[string]string{"underlying": pos.Underlying},
		At:         e.now(),
	})
}

// entryFailed logs a failed open and escalates when the adapter's
// unwind left legs at the broker.
func (e *Engine) entryFailed(sig strategy.Signal, err error) {
	observ.LogError("engine_entry_failed", err, map[string]any{
		"strategy":   string(sig.Strategy),
		"underlying": sig.Underlying,
	})
	observ.IncCounter("engine_entry_failures_total", map[string]string{"strategy": string(sig.Strategy)})

	var lf *execution.LegFailureError
	if errors.As(err, &lf) && lf.NeedsIntervention() {
		e.alert(alerts.Alert{
			Kind:    alerts.KindManualIntervention,
			Summary: fmt.Sprintf("entry unwind left %d leg(s) working at the broker", len(lf.Manual)),
			Fields: map[string]string{
				"underlying": sig.Underlying,
				"strategy":   string(sig.Strategy),
				"legs":       fmt.Sprint(lf.Manual),
			},
			At: e.now(),
		})
	}
}

func (e *Engine) alert(a alerts.Alert) {
	if e.deps.Alerter != nil {
		e.deps.Alerter.Send(a)
	}
}
