package outbox

import "time"

// Journal entry kinds. Replay groups its session summary by these.
const (
	KindSignal     = "signal"
	KindOrder      = "order"
	KindFill       = "fill"
	KindClose      = "close"
	KindEscalation = "escalation"
	KindEmergency  = "emergency"
)

// SignalRecord journals one entry signal the gate approved.
type SignalRecord struct {
	Strategy       string    `json:"strategy"`
	Underlying     string    `json:"underlying"`
	Action         string    `json:"action"`
	Contracts      int       `json:"contracts"`
	Confidence     float64   `json:"confidence,omitempty"`
	Reasoning      string    `json:"reasoning,omitempty"`
	At             time.Time `json:"at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// OrderRecord journals one order submission and its outcome.
type OrderRecord struct {
	OrderID    string  `json:"order_id,omitempty"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   int     `json:"quantity"`
	LimitPrice float64 `json:"limit_price"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
}

// FillRecord journals one confirmed fill.
type FillRecord struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// CloseRecord journals a completed position close. RealizedPnL is the
// decimal string so replay arithmetic stays exact.
type CloseRecord struct {
	PositionID  string `json:"position_id"`
	Strategy    string `json:"strategy"`
	Underlying  string `json:"underlying"`
	Contracts   int    `json:"contracts"`
	Reason      string `json:"reason"`
	RealizedPnL string `json:"realized_pnl"`
	Partial     bool   `json:"partial,omitempty"`
}

// EscalationRecord journals a position handed to the operator after
// exhausted close retries or a failed unwind.
type EscalationRecord struct {
	PositionID string `json:"position_id"`
	Attempts   int    `json:"attempts,omitempty"`
	Reason     string `json:"reason"`
}

// EmergencyRecord journals an operator close-all command.
type EmergencyRecord struct {
	Trigger   string   `json:"trigger"`
	Positions []string `json:"positions"`
}
