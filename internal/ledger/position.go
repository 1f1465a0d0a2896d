// Package ledger owns positions: the persistent record of every open
// and closed trade, the status state machine, and the decimal cash
// accounting for fills. The monitor treats the store here as the sole
// source of truth for which positions exist.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/tradeforge/options-engine/internal/pricing"
	"github.com/tradeforge/options-engine/internal/strategy"
)

// Status is the position lifecycle state. Transitions run one way:
// open, closing, closed. The only backward edge is the explicit
// failed-close revert, and closed is terminal.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// ErrClosedTerminal is returned for any attempt to move a closed
// position.
var ErrClosedTerminal = errors.New("position is closed; closed is terminal")

// TransitionError reports an illegal status edge.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("position %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// Leg is one contract of a position, owned exclusively by it. Quantity
// tracks the position's open contract count; EntryPrice is the
// per-share fill.
type Leg struct {
	Symbol     string             `json:"symbol"`
	Side       strategy.Side      `json:"side"`
	Type       pricing.OptionType `json:"type"`
	Strike     float64            `json:"strike"`
	Expiry     time.Time          `json:"expiry"`
	Quantity   int                `json:"quantity"`
	EntryPrice float64            `json:"entry_price"`
}

// Position is the unit of ownership for its legs. Created only by a
// fully filled entry; legs never move between positions and the leg
// count is fixed at creation.
type Position struct {
	ID            string             `json:"id"`
	Strategy      strategy.Kind      `json:"strategy"`
	Underlying    string             `json:"underlying"`
	Legs          []Leg              `json:"legs"`
	Quantity      int                `json:"quantity"` // open contracts
	Status        Status             `json:"status"`
	OpenedAt      time.Time          `json:"opened_at"`
	ClosedAt      time.Time          `json:"closed_at"`
	ExitReason    string             `json:"exit_reason,omitempty"`
	Exit          *strategy.ExitPlan `json:"exit,omitempty"`
	CloseAttempts int                `json:"close_attempts,omitempty"`
	Escalated     bool               `json:"escalated,omitempty"`
}

// NewPositionID builds a process-unique position id.
func NewPositionID(underlying string) string {
	return fmt.Sprintf("pos_%s_%d", underlying, time.Now().UnixNano())
}

// legArity is the allowed leg count range per strategy.
var legArity = map[strategy.Kind][2]int{
	strategy.KindMeanReversion: {1, 1},
	strategy.KindCondor:        {4, 4},
	strategy.KindMomentum:      {1, 2},
}

// Validate checks the structural invariants of a position record.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position has no id")
	}
	arity, ok := legArity[p.Strategy]
	if !ok {
		return fmt.Errorf("position %s: unknown strategy %q", p.ID, p.Strategy)
	}
	if n := len(p.Legs); n < arity[0] || n > arity[1] {
		return fmt.Errorf("position %s: %s has %d legs, want %d..%d",
			p.ID, p.Strategy, n, arity[0], arity[1])
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position %s: quantity %d not positive", p.ID, p.Quantity)
	}
	for i, leg := range p.Legs {
		if leg.Symbol == "" {
			return fmt.Errorf("position %s: leg %d has no symbol", p.ID, i)
		}
		if leg.Quantity != p.Quantity {
			return fmt.Errorf("position %s: leg %d quantity %d != position quantity %d",
				p.ID, i, leg.Quantity, p.Quantity)
		}
	}
	if p.Exit == nil {
		return fmt.Errorf("position %s: missing exit plan", p.ID)
	}
	if err := p.Exit.Validate(); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	if p.Exit.Kind != p.Strategy {
		return fmt.Errorf("position %s: exit plan kind %s != strategy %s",
			p.ID, p.Exit.Kind, p.Strategy)
	}
	return nil
}

// MarkClosing moves an open position into closing ahead of the close
// order submission.
func (p *Position) MarkClosing() error {
	if p.Status == StatusClosed {
		return ErrClosedTerminal
	}
	if p.Status != StatusOpen {
		return &TransitionError{ID: p.ID, From: p.Status, To: StatusClosing}
	}
	p.Status = StatusClosing
	return nil
}

// MarkClosed finishes a close. The exit reason is mandatory; a closed
// position always explains itself.
func (p *Position) MarkClosed(reason string, at time.Time) error {
	if p.Status == StatusClosed {
		return ErrClosedTerminal
	}
	if p.Status != StatusClosing {
		return &TransitionError{ID: p.ID, From: p.Status, To: StatusClosed}
	}
	if reason == "" {
		return fmt.Errorf("position %s: close without exit reason", p.ID)
	}
	p.Status = StatusClosed
	p.ExitReason = reason
	p.ClosedAt = at
	return nil
}

// RevertClosing is the one sanctioned backward edge: a close attempt
// failed, so the position returns to open for the next sweep to retry.
// Each revert counts an attempt toward escalation.
func (p *Position) RevertClosing() error {
	if p.Status == StatusClosed {
		return ErrClosedTerminal
	}
	if p.Status != StatusClosing {
		return &TransitionError{ID: p.ID, From: p.Status, To: StatusOpen}
	}
	p.Status = StatusOpen
	p.CloseAttempts++
	return nil
}

// ReduceQuantity removes contracts after a partial close, keeping the
// legs in step. The position must retain at least one contract; a full
// close goes through MarkClosing/MarkClosed instead.
func (p *Position) ReduceQuantity(n int) error {
	if p.Status == StatusClosed {
		return ErrClosedTerminal
	}
	if n <= 0 || n >= p.Quantity {
		return fmt.Errorf("position %s: cannot reduce %d contracts from %d", p.ID, n, p.Quantity)
	}
	p.Quantity -= n
	for i := range p.Legs {
		p.Legs[i].Quantity = p.Quantity
	}
	return nil
}

// Clone returns a deep copy safe to mutate outside the store.
func (p *Position) Clone() Position {
	out := *p
	out.Legs = make([]Leg, len(p.Legs))
	copy(out.Legs, p.Legs)
	if p.Exit != nil {
		exit := *p.Exit
		if p.Exit.MeanReversion != nil {
			mr := *p.Exit.MeanReversion
			exit.MeanReversion = &mr
		}
		if p.Exit.Condor != nil {
			c := *p.Exit.Condor
			exit.Condor = &c
		}
		if p.Exit.Momentum != nil {
			m := *p.Exit.Momentum
			exit.Momentum = &m
		}
		out.Exit = &exit
	}
	return out
}
