package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrVersionConflict signals a write against a stale optimistic version.
	// Distinct from TransitionError: the caller should reload and retry,
	// not report a business-rule rejection.
	ErrVersionConflict = errors.New("payment version conflict")

	ErrDuplicateIdempotencyKey = errors.New("idempotency key already exists")
)

// ValidationError rejects a malformed or out-of-bounds request before any
// side effect takes place.
type ValidationError struct {
	Code string
	Msg  string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func NewValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// TransitionError reports an attempt to move a payment outside the allowed
// transition table. The aggregate is left unchanged.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// NotFoundError identifies a missing entity by kind and id.
type NotFoundError struct {
	Kind string
	ID   uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ProcessorError carries the processor name and processor-specific error code
// for a failed or declined outbound call.
type ProcessorError struct {
	Processor string
	Code      string
	Msg       string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Processor, e.Msg, e.Code)
}

// ConsistencyViolation means a ledger entry group does not balance. Fatal:
// the enclosing transaction must abort and the event must be escalated, not
// retried automatically.
type ConsistencyViolation struct {
	EntryGroupID uuid.UUID
	Debits       string
	Credits      string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("ledger imbalance: entryGroup=%s debits=%s credits=%s",
		e.EntryGroupID, e.Debits, e.Credits)
}
