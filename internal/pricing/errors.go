package pricing

import "fmt"

// ValidationError reports degenerate inputs, rejected before any
// numerical work starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pricing: invalid %s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for the named field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NumericalError reports solver non-convergence. The partial result is
// never returned alongside it.
type NumericalError struct {
	Op         string
	Iterations int
	Message    string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("pricing: %s did not converge after %d iterations: %s", e.Op, e.Iterations, e.Message)
}

// NewNumericalError creates a non-convergence error for the named operation.
func NewNumericalError(op string, iterations int, format string, args ...any) *NumericalError {
	return &NumericalError{Op: op, Iterations: iterations, Message: fmt.Sprintf(format, args...)}
}
