package execution

import (
	"fmt"
	"strings"
)

// ExecutionError wraps a failure to carry out an order operation:
// transport failure, broker rejection of the whole request, or bad
// input. Op is "open", "close", or "submit".
type ExecutionError struct {
	Op     string
	Symbol string
	Cause  error
}

func (e *ExecutionError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("execution %s %s: %v", e.Op, e.Symbol, e.Cause)
	}
	return fmt.Sprintf("execution %s: %v", e.Op, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// LegFailureError reports a partial multi-leg batch: some legs filled,
// others did not. Filled legs are flattened before this error returns;
// any leg the flatten could not take off is listed in Manual and needs
// an operator.
type LegFailureError struct {
	Underlying string
	Op         string   // "open" or "close"
	Filled     []string // leg symbols that filled
	Failed     []string // leg symbols rejected or errored
	Unwound    []string // filled symbols flattened successfully
	Manual     []string // filled symbols left on, operator required
	Reason     string   // first failure, human readable
}

func (e *LegFailureError) Error() string {
	msg := fmt.Sprintf("%s %s: %d of %d legs filled (failed: %s)",
		e.Op, e.Underlying, len(e.Filled), len(e.Filled)+len(e.Failed),
		strings.Join(e.Failed, ", "))
	if len(e.Manual) > 0 {
		msg += fmt.Sprintf("; MANUAL INTERVENTION on %s", strings.Join(e.Manual, ", "))
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// NeedsIntervention reports whether any filled leg could not be
// flattened automatically.
func (e *LegFailureError) NeedsIntervention() bool { return len(e.Manual) > 0 }
