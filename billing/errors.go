/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is / errors.As and the helpers at
  the bottom of this file.

ERROR CATEGORIES:
  1. Configuration errors - schedule/rule/formula missing, inactive or
     malformed. The run is skipped; nothing to retry until data changes.
  2. Evaluation errors - scoped to ONE unit (missing variable, division by
     zero, no unit_based entry). Counted in quotasFailed, never abort a run.
  3. Persistence errors - the atomic write failed. The whole run fails, the
     schedule is not advanced, the next due check retries it.
  4. Data-integrity warnings - overlapping active rules or interest
     policies. Resolved deterministically and surfaced as warnings.

SEE ALSO:
  - generator.go: produces all four categories
  - api/handlers.go: maps them to HTTP responses
*/
package billing

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Configuration
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleInactive = errors.New("schedule inactive")
	ErrFormulaNotFound  = errors.New("formula not found")
	ErrFormulaInactive  = errors.New("formula inactive")
	ErrInvalidFormula   = errors.New("invalid formula")
	ErrFormulaInUse     = errors.New("formula is referenced by generated quotas")

	// Evaluation (per unit)
	ErrDivisionByZero     = errors.New("division by zero")
	ErrUnresolvedVariable = errors.New("unresolved variable")
	ErrMissingUnitAmount  = errors.New("no amount defined for unit")
	ErrNegativeAmount     = errors.New("formula produced a negative amount")

	// Persistence
	ErrDuplicateQuota         = errors.New("quota already exists for unit, concept and period")
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// Adjustments / lookups
	ErrQuotaNotFound     = errors.New("quota not found")
	ErrInvalidAdjustment = errors.New("invalid adjustment")

	// Invalid input that is neither configuration nor data.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError reports a schedule whose configuration prevents a run.
type ConfigurationError struct {
	ScheduleID ScheduleID
	Reason     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("schedule %s: configuration error: %v", e.ScheduleID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Reason }

// EvaluationError is a formula failure for a single unit.
type EvaluationError struct {
	FormulaID FormulaID
	UnitID    UnitID
	Reason    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("unit %s: formula %s: %v", e.UnitID, e.FormulaID, e.Reason)
}

func (e *EvaluationError) Unwrap() error { return e.Reason }

// PersistenceError means the run's atomic write did not happen.
type PersistenceError struct {
	ScheduleID ScheduleID
	Period     Period
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("schedule %s period %s: persistence failed: %v", e.ScheduleID, e.Period, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// OverlapWarning describes two or more active records of equal specificity
// effective on the same date. The winner is used; the rest need manual
// resolution.
type OverlapWarning struct {
	Kind    string // "billing_rule" or "interest_configuration"
	Date    Date
	Winner  string
	Losers  []string
}

func (w *OverlapWarning) Error() string {
	return fmt.Sprintf("overlapping active %s on %s: using %s, ignoring %s",
		w.Kind, w.Date, w.Winner, strings.Join(w.Losers, ", "))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConfigurationError returns true for errors that skip a run without retry.
func IsConfigurationError(err error) bool {
	var cfg *ConfigurationError
	return errors.As(err, &cfg) ||
		errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrScheduleInactive)
}

// IsRetryable returns true if the error might succeed on the next attempt.
func IsRetryable(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) || errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrFormulaNotFound) ||
		errors.Is(err, ErrQuotaNotFound)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAdjustment) ||
		errors.Is(err, ErrInvalidFormula) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrFormulaInUse) ||
		errors.Is(err, ErrScheduleInactive)
}

// ErrorCode maps an error to a stable, machine-readable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "NOT_FOUND"
	case errors.Is(err, ErrScheduleInactive), errors.Is(err, ErrFormulaInactive):
		return "INACTIVE"
	case errors.Is(err, ErrFormulaInUse), errors.Is(err, ErrDuplicateQuota), errors.Is(err, ErrConcurrentModification):
		return "CONFLICT"
	case IsClientError(err):
		return "VALIDATION_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
