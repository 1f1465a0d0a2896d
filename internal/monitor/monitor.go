// Package monitor owns every position after entry. A recurring sweep
// walks all open positions through their exit predicates and, when one
// fires, through the close lifecycle: open -> closing -> closed, with
// the backward closing -> open edge reserved for failed close attempts.
// Nothing else in the process moves a position's status.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tradeforge/options-engine/internal/adapters"
	"github.com/tradeforge/options-engine/internal/alerts"
	"github.com/tradeforge/options-engine/internal/execution"
	"github.com/tradeforge/options-engine/internal/ledger"
	"github.com/tradeforge/options-engine/internal/observ"
	"github.com/tradeforge/options-engine/internal/outbox"
	"github.com/tradeforge/options-engine/internal/risk"
)

// Config tunes the sweep cadence and the close retry budget.
type Config struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	Workers              int `yaml:"workers"`
	MarkTimeoutSeconds   int `yaml:"mark_timeout_seconds"`
	MaxCloseAttempts     int `yaml:"max_close_attempts"`
}

func (c *Config) setDefaults() {
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 60
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MarkTimeoutSeconds <= 0 {
		c.MarkTimeoutSeconds = 5
	}
	if c.MaxCloseAttempts <= 0 {
		c.MaxCloseAttempts = 5
	}
}

// Closer submits closing orders. Satisfied by execution.Adapter.
type Closer interface {
	ClosePosition(ctx context.Context, pos *ledger.Position, reason string) (*execution.CloseReport, error)
	CloseQuantity(ctx context.Context, pos *ledger.Position, quantity int, reason string) (*execution.CloseReport, error)
}

// Alerter delivers operator escalations. Satisfied by alerts.Notifier.
type Alerter interface {
	Send(alerts.Alert)
}

// Deps are the collaborators a Monitor drives during sweeps.
type Deps struct {
	Store    *ledger.Store
	Marks    adapters.Marks
	Closer   Closer
	Risk     *risk.State
	Cooldown *risk.Cooldown // optional; losing closes start a re-entry window
	Alerter  Alerter
	Journal  *outbox.Journal
}

// Monitor runs the recurring sweep and the emergency close-all path.
type Monitor struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu              sync.Mutex
	inFlight        map[string]bool
	emergency       bool
	emergencyReason string
	announced       bool

	wake chan string
}

// New builds a monitor. It does not start sweeping until Run.
func New(cfg Config, deps Deps) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		cfg:      cfg,
		deps:     deps,
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[string]bool),
		wake:     make(chan string, 1),
	}
}

// Run sweeps on the configured interval until the context ends. An
// emergency trigger preempts the next sweep: the wake channel is
// drained before the ticker, and while the emergency latch is set
// every cycle re-drives the close-all instead of predicate evaluation.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.SweepIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	observ.Log("monitor_started", map[string]any{
		"interval_seconds": m.cfg.SweepIntervalSeconds,
		"workers":          m.cfg.Workers,
	})
	for {
		select {
		case <-ctx.Done():
			observ.Log("monitor_stopped", map[string]any{"reason": ctx.Err().Error()})
			return
		case <-m.wake:
			m.closeAll(ctx)
		case <-ticker.C:
			select {
			case <-m.wake:
				m.closeAll(ctx)
				continue
			default:
			}
			if m.EmergencyActive() {
				m.closeAll(ctx)
				continue
			}
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every open position once through the worker pool.
// Pool size is fixed by config, not by position count, so one slow
// position delays at most its own worker.
func (m *Monitor) Sweep(ctx context.Context) {
	start := time.Now()
	open := m.deps.Store.OpenPositions()

	observ.IncCounter("monitor_sweeps_total", nil)
	observ.SetGauge("positions_open", float64(len(open)), nil)

	m.eachPosition(ctx, open, func(ctx context.Context, pos ledger.Position) {
		m.evaluate(ctx, pos)
	})

	observ.ObserveDuration("monitor_sweep_duration_seconds", time.Since(start), nil)
}

// eachPosition fans positions out to the worker pool and waits for the
// batch to finish.
func (m *Monitor) eachPosition(ctx context.Context, positions []ledger.Position, fn func(context.Context, ledger.Position)) {
	if len(positions) == 0 {
		return
	}
	jobs := make(chan ledger.Position, len(positions))
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				if ctx.Err() != nil {
					continue
				}
				fn(ctx, pos)
			}
		}()
	}
	for _, pos := range positions {
		jobs <- pos
	}
	close(jobs)
	wg.Wait()
}

// evaluate runs one position through its exit predicate and, if it
// fires, the close lifecycle. Escalated positions are parked for the
// operator; a position whose close is already in flight is skipped.
func (m *Monitor) evaluate(ctx context.Context, pos ledger.Position) {
	if pos.Escalated {
		return
	}
	if !m.acquire(pos.ID) {
		observ.Log("monitor_skip_in_flight", map[string]any{"position_id": pos.ID})
		return
	}
	defer m.release(pos.ID)

	marks, err := m.fetchMarks(ctx, &pos)
	if err != nil {
		observ.LogError("monitor_fetch_failed", err, map[string]any{
			"position_id": pos.ID,
			"underlying":  pos.Underlying,
		})
		observ.IncCounter("monitor_fetch_failures_total", nil)
		return // skip this tick, next sweep retries
	}

	decision, err := evaluateExit(&pos, marks, m.now())
	if err != nil {
		m.escalate(&pos, alerts.KindManualIntervention, err.Error())
		return
	}
	if !decision.trigger {
		return
	}
	if decision.partial {
		m.closePartial(ctx, &pos, decision)
		return
	}
	m.closeFull(ctx, &pos, decision.reason)
}

// fetchMarks prices every leg, each call under its own timeout. Any
// failure or unusable mid abandons the whole position for this tick;
// predicates never see a partial picture.
func (m *Monitor) fetchMarks(ctx context.Context, pos *ledger.Position) (map[string]adapters.Mark, error) {
	timeout := time.Duration(m.cfg.MarkTimeoutSeconds) * time.Second
	marks := make(map[string]adapters.Mark, len(pos.Legs))
	for _, leg := range pos.Legs {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		mark, err := m.deps.Marks.Mark(callCtx, leg.Symbol)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("mark %s: %w", leg.Symbol, err)
		}
		if mark.Mid() <= 0 {
			return nil, fmt.Errorf("mark %s: no usable mid", leg.Symbol)
		}
		marks[leg.Symbol] = *mark
	}
	return marks, nil
}

// closeFull drives the whole close lifecycle for one position. The
// closing status is persisted before any order goes out; a failed
// submission reverts to open and counts an attempt.
func (m *Monitor) closeFull(ctx context.Context, pos *ledger.Position, reason string) {
	if err := pos.MarkClosing(); err != nil {
		// Another path won the race; this close is already handled.
		observ.Log("monitor_close_race", map[string]any{"position_id": pos.ID, "detail": err.Error()})
		return
	}
	if !m.persist(pos, "mark_closing") {
		return
	}

	report, err := m.deps.Closer.ClosePosition(ctx, pos, reason)
	if err != nil {
		m.closeFailed(pos, reason, err)
		return
	}

	now := m.now()
	if err := pos.MarkClosed(reason, now); err != nil {
		observ.LogError("monitor_transition_failed", err, map[string]any{"position_id": pos.ID})
		return
	}
	m.persist(pos, "mark_closed")

	pnl := report.RealizedPnL.InexactFloat64()
	m.deps.Risk.RecordExit(pnl)
	if pnl < 0 && m.deps.Cooldown != nil {
		m.deps.Cooldown.RecordLoss(pos.Underlying, now)
	}
	observ.IncCounter("position_closes_total", map[string]string{"reason": reason})
	observ.Log("position_closed", map[string]any{
		"position_id": pos.ID,
		"strategy":    string(pos.Strategy),
		"underlying":  pos.Underlying,
		"reason":      reason,
		"realized":    report.RealizedPnL.StringFixed(2),
	})
}

// closeFailed reverts closing -> open, counts the attempt, and
// escalates once the budget is spent. A close whose unwind left legs
// needing manual work escalates immediately; retrying an inconsistent
// position would only dig deeper.
func (m *Monitor) closeFailed(pos *ledger.Position, reason string, cause error) {
	if err := pos.RevertClosing(); err != nil {
		observ.LogError("monitor_transition_failed", err, map[string]any{"position_id": pos.ID})
		return
	}
	m.persist(pos, "revert_closing")

	observ.IncCounter("close_retries_total", nil)
	observ.LogError("position_close_failed", cause, map[string]any{
		"position_id": pos.ID,
		"reason":      reason,
		"attempts":    pos.CloseAttempts,
	})

	var legFail *execution.LegFailureError
	if errors.As(cause, &legFail) && legFail.NeedsIntervention() {
		m.escalate(pos, alerts.KindManualIntervention, cause.Error())
		return
	}
	if pos.CloseAttempts >= m.cfg.MaxCloseAttempts {
		m.escalate(pos, alerts.KindCloseRetryExhausted,
			fmt.Sprintf("close failed %d times, last: %v", pos.CloseAttempts, cause))
	}
}

// closePartial banks part of a momentum position without touching its
// status: the position stays open throughout, guarded only by the
// in-flight flag the caller holds.
func (m *Monitor) closePartial(ctx context.Context, pos *ledger.Position, decision exitDecision) {
	report, err := m.deps.Closer.CloseQuantity(ctx, pos, decision.quantity, decision.reason)
	if err != nil {
		pos.CloseAttempts++
		m.persist(pos, "partial_close_failed")
		observ.IncCounter("close_retries_total", nil)
		observ.LogError("position_partial_close_failed", err, map[string]any{
			"position_id": pos.ID,
			"attempts":    pos.CloseAttempts,
		})
		var legFail *execution.LegFailureError
		if errors.As(err, &legFail) && legFail.NeedsIntervention() {
			m.escalate(pos, alerts.KindManualIntervention, err.Error())
			return
		}
		if pos.CloseAttempts >= m.cfg.MaxCloseAttempts {
			m.escalate(pos, alerts.KindCloseRetryExhausted,
				fmt.Sprintf("tier-1 partial close failed %d times, last: %v", pos.CloseAttempts, err))
		}
		return
	}

	if err := pos.ReduceQuantity(decision.quantity); err != nil {
		observ.LogError("monitor_reduce_failed", err, map[string]any{"position_id": pos.ID})
		return
	}
	pos.Exit.Momentum.Tier1Done = true
	pos.CloseAttempts = 0
	m.persist(pos, "tier1_partial")

	pnl := report.RealizedPnL.InexactFloat64()
	m.deps.Risk.RecordPartial(pnl)
	observ.IncCounter("position_closes_total", map[string]string{"reason": decision.reason})
	observ.Log("position_partial_closed", map[string]any{
		"position_id": pos.ID,
		"underlying":  pos.Underlying,
		"closed":      decision.quantity,
		"remaining":   pos.Quantity,
		"realized":    report.RealizedPnL.StringFixed(2),
	})
}

// escalate parks the position for the operator: flag it, alert, and
// journal the hand-off. Reset clears the flag.
func (m *Monitor) escalate(pos *ledger.Position, kind alerts.Kind, summary string) {
	pos.Escalated = true
	m.persist(pos, "escalate")

	observ.IncCounter("escalations_total", map[string]string{"kind": string(kind)})
	observ.Log("position_escalated", map[string]any{
		"position_id": pos.ID,
		"kind":        string(kind),
		"summary":     summary,
	})
	if m.deps.Alerter != nil {
		m.deps.Alerter.Send(alerts.Alert{
			Kind:       kind,
			PositionID: pos.ID,
			Summary:    summary,
			Fields: map[string]string{
				"underlying": pos.Underlying,
				"strategy":   string(pos.Strategy),
				"attempts":   strconv.Itoa(pos.CloseAttempts),
			},
			At: m.now(),
		})
	}
	if m.deps.Journal != nil {
		err := m.deps.Journal.Append(outbox.KindEscalation, outbox.EscalationRecord{
			PositionID: pos.ID,
			Attempts:   pos.CloseAttempts,
			Reason:     summary,
		})
		if err != nil {
			observ.LogError("outbox_append_failed", err, map[string]any{"position_id": pos.ID})
		}
	}
}

// persist writes the position back to the ledger. The store applies
// the edge to its in-memory state before the disk write, so a failed
// save leaves the state machine consistent; retry the save a few
// times, then alert and keep trading on memory. An illegal edge is a
// bug and aborts the caller's flow.
func (m *Monitor) persist(pos *ledger.Position, op string) bool {
	err := m.deps.Store.Update(*pos)
	if err == nil {
		return true
	}

	var perr *ledger.PersistenceError
	if errors.As(err, &perr) && perr.Retryable {
		backoff := 50 * time.Millisecond
		for i := 0; i < 3; i++ {
			time.Sleep(backoff)
			backoff *= 2
			if m.deps.Store.Flush() == nil {
				return true
			}
		}
		observ.LogError("ledger_persist_failed", err, map[string]any{"position_id": pos.ID, "op": op})
		if m.deps.Alerter != nil {
			m.deps.Alerter.Send(alerts.Alert{
				Kind:       alerts.KindPersistenceFailure,
				PositionID: pos.ID,
				Summary:    fmt.Sprintf("ledger write failed during %s: %v", op, err),
				At:         m.now(),
			})
		}
		return true
	}

	observ.LogError("ledger_update_rejected", err, map[string]any{"position_id": pos.ID, "op": op})
	return false
}

func (m *Monitor) acquire(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[id] {
		return false
	}
	m.inFlight[id] = true
	return true
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}
