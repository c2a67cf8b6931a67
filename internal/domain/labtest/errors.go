package labtest

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrNotFound           = errors.New("lab test not found")
	ErrValidation         = errors.New("validation failed")
	ErrTransientStore     = errors.New("store temporarily unavailable")

	// Returned by repositories.
	ErrRecordNotFound  = errors.New("record not found")
	ErrVersionConflict = errors.New("record was modified concurrently")
)

// Guard names the workflow rule a rejected command did not satisfy.
type Guard string

const (
	GuardInsufficientPayment Guard = "insufficient_payment"
	GuardInvalidTransition   Guard = "invalid_transition"
	GuardMissingReports      Guard = "missing_reports"
	GuardTerminalState       Guard = "terminal_state"
	GuardConcurrentUpdate    Guard = "concurrent_update"
	GuardNothingDue          Guard = "nothing_due"
	GuardOverpayment         Guard = "overpayment"
	GuardWrongStatus         Guard = "wrong_status"
)

// PreconditionError is returned when a command is well-formed but the record's
// current state does not allow it.
type PreconditionError struct {
	Guard         Guard
	Reason        string
	CurrentStatus Status
	// Required is the additional amount needed, for payment guards.
	Required *decimal.Decimal
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Guard, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

func preconditionf(guard Guard, current Status, format string, args ...interface{}) *PreconditionError {
	return &PreconditionError{Guard: guard, CurrentStatus: current, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports a malformed command argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports an unknown id, or an id routed to a store that does
// not hold it.
type NotFoundError struct {
	ID     string
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("lab test %s not found: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("lab test %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransientError wraps a store failure. The command had no effect and may be
// retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransientStore, e.Err} }

// storeError classifies a repository error for the record id.
func storeError(op string, id RecordID, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRecordNotFound):
		return &NotFoundError{ID: id.String()}
	default:
		return &TransientError{Op: op, Err: err}
	}
}
