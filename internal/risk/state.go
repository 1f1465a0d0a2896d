// Package risk owns the breaker state and the entry gate: a serialized
// portfolio counter object and a stateless sizing decision over it.
// Nothing here mutates positions; the gate computes, the execution
// adapter commits.
package risk

import (
	"sync"

	"github.com/tradeforge/options-engine/internal/observ"
)

// Portfolio is a point-in-time copy of the breaker state the gate
// evaluates against.
type Portfolio struct {
	Equity            float64
	DailyPnL          float64
	ConsecutiveLosses int
	OpenPositions     int
	EntriesSuppressed bool
	SessionDate       string
}

// State is the single owned home of the breaker counters. Entry
// approval reads it and exit bookkeeping writes it, so every accessor
// serializes on one mutex; callers get copies, never references.
type State struct {
	mu                sync.Mutex
	equity            float64
	dailyPnL          float64
	consecutiveLosses int
	openPositions     int
	entriesSuppressed bool
	sessionDate       string
}

// NewState creates breaker state with starting equity for the given
// session date.
func NewState(equity float64, sessionDate string) *State {
	s := &State{equity: equity, sessionDate: sessionDate}
	s.publish()
	return s
}

// Snapshot returns a copy of the current counters.
func (s *State) Snapshot() Portfolio {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Portfolio{
		Equity:            s.equity,
		DailyPnL:          s.dailyPnL,
		ConsecutiveLosses: s.consecutiveLosses,
		OpenPositions:     s.openPositions,
		EntriesSuppressed: s.entriesSuppressed,
		SessionDate:       s.sessionDate,
	}
}

// RecordEntry bumps the open-position count after a confirmed fill.
func (s *State) RecordEntry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openPositions++
	s.publish()
}

// RecordExit applies a closed trade's realized P&L: equity and daily
// P&L move by the amount, a loss extends the streak, a win resets it,
// a scratch leaves it alone.
func (s *State) RecordExit(realizedPnL float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openPositions > 0 {
		s.openPositions--
	}
	s.equity += realizedPnL
	s.dailyPnL += realizedPnL
	switch {
	case realizedPnL < 0:
		s.consecutiveLosses++
	case realizedPnL > 0:
		s.consecutiveLosses = 0
	}
	s.publish()
}

// RecordPartial applies realized P&L from a partial close. The trade
// is still running, so the open count and the loss streak hold still;
// only equity and daily P&L move.
func (s *State) RecordPartial(realizedPnL float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity += realizedPnL
	s.dailyPnL += realizedPnL
	s.publish()
}

// Rollover resets the session counters when the trading date changes.
// Equity carries across sessions; daily P&L and the loss streak do
// not. Returns true when a reset happened.
func (s *State) Rollover(sessionDate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionDate == "" || sessionDate == s.sessionDate {
		return false
	}
	observ.Log("risk_session_rollover", map[string]any{
		"from":      s.sessionDate,
		"to":        sessionDate,
		"daily_pnl": s.dailyPnL,
		"streak":    s.consecutiveLosses,
	})
	s.sessionDate = sessionDate
	s.dailyPnL = 0
	s.consecutiveLosses = 0
	s.publish()
	return true
}

// SuppressEntries blocks all new entries until ResumeEntries. The
// emergency close-all path sets this; only an operator reset clears
// it.
func (s *State) SuppressEntries(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entriesSuppressed {
		return
	}
	s.entriesSuppressed = true
	observ.Log("risk_entries_suppressed", map[string]any{"reason": reason})
	observ.IncCounter("risk_entry_suppressions_total", map[string]string{"reason": reason})
	s.publish()
}

// ResumeEntries clears the suppression flag.
func (s *State) ResumeEntries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.entriesSuppressed {
		return
	}
	s.entriesSuppressed = false
	observ.Log("risk_entries_resumed", nil)
	s.publish()
}

// publish pushes the counters out as gauges. Caller holds the mutex.
func (s *State) publish() {
	observ.SetGauge("risk_equity_dollars", s.equity, nil)
	observ.SetGauge("risk_daily_pnl_dollars", s.dailyPnL, nil)
	observ.SetGauge("risk_consecutive_losses", float64(s.consecutiveLosses), nil)
	observ.SetGauge("risk_open_positions", float64(s.openPositions), nil)
	suppressed := 0.0
	if s.entriesSuppressed {
		suppressed = 1
	}
	observ.SetGauge("risk_entries_suppressed", suppressed, nil)
}
