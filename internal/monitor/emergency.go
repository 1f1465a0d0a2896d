package monitor

import (
	"context"
	"fmt"

	"github.com/tradeforge/options-engine/internal/alerts"
	"github.com/tradeforge/options-engine/internal/ledger"
	"github.com/tradeforge/options-engine/internal/observ"
	"github.com/tradeforge/options-engine/internal/outbox"
)

// TriggerEmergency latches the close-all command and wakes the run
// loop. New entries are suppressed from this moment; the latch holds
// until Reset, so close failures keep retrying on every cycle.
func (m *Monitor) TriggerEmergency(reason string) {
	if reason == "" {
		reason = "operator"
	}
	m.mu.Lock()
	already := m.emergency
	m.emergency = true
	if !already {
		m.emergencyReason = reason
	}
	m.mu.Unlock()
	if already {
		return
	}

	m.deps.Risk.SuppressEntries("emergency_close_all")
	observ.IncCounter("emergency_closes_total", nil)
	observ.Log("emergency_triggered", map[string]any{"trigger": reason})

	select {
	case m.wake <- reason:
	default:
	}
}

// EmergencyActive reports whether the close-all latch is set.
func (m *Monitor) EmergencyActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency
}

// closeAll flattens every open position with the emergency reason,
// bypassing predicate evaluation. The first pass announces the event;
// later passes only chase whatever is still open.
func (m *Monitor) closeAll(ctx context.Context) {
	m.mu.Lock()
	reason := m.emergencyReason
	first := !m.announced
	m.announced = true
	m.mu.Unlock()

	open := m.deps.Store.OpenPositions()
	if first {
		ids := make([]string, len(open))
		for i, p := range open {
			ids[i] = p.ID
		}
		observ.Log("emergency_close_all", map[string]any{
			"trigger":   reason,
			"positions": len(open),
		})
		if m.deps.Alerter != nil {
			m.deps.Alerter.Send(alerts.Alert{
				Kind:    alerts.KindEmergencyCloseAll,
				Summary: fmt.Sprintf("close-all: %s, %d open", reason, len(open)),
				Fields:  map[string]string{"trigger": reason},
				At:      m.now(),
			})
		}
		if m.deps.Journal != nil {
			err := m.deps.Journal.Append(outbox.KindEmergency, outbox.EmergencyRecord{
				Trigger:   reason,
				Positions: ids,
			})
			if err != nil {
				observ.LogError("outbox_append_failed", err, nil)
			}
		}
	}
	if len(open) == 0 {
		return
	}

	m.eachPosition(ctx, open, func(ctx context.Context, pos ledger.Position) {
		if !m.acquire(pos.ID) {
			return
		}
		defer m.release(pos.ID)
		m.closeFull(ctx, &pos, ReasonEmergency)
	})
}

// Reset clears the emergency latch and every escalation flag, then
// resumes entries. The operator calls this once the book is sane
// again; until then suppression and parking both hold.
func (m *Monitor) Reset() int {
	m.mu.Lock()
	m.emergency = false
	m.emergencyReason = ""
	m.announced = false
	m.mu.Unlock()

	m.deps.Risk.ResumeEntries()

	cleared := 0
	for _, pos := range m.deps.Store.OpenPositions() {
		if !pos.Escalated {
			continue
		}
		pos.Escalated = false
		pos.CloseAttempts = 0
		if m.persist(&pos, "reset_escalation") {
			cleared++
		}
	}
	observ.Log("monitor_reset", map[string]any{"escalations_cleared": cleared})
	return cleared
}
