package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy of ledger writes and tuple executions.
var (
	// Input is malformed. Detected before any ledger write.
	ErrValidation = errors.New("validation error")

	// A content addressed asset exists already.
	ErrConflict = errors.New("ledger conflict")

	// The outcome of a ledger write is unknown.
	ErrLedgerTimeout = errors.New("ledger timeout")

	// The ledger rejected a request.
	ErrLedger = errors.New("ledger error")

	// A sandbox exited with non-zero status, or could not be run.
	ErrExecution = errors.New("execution error")

	// A path is missing, or hashing failed.
	ErrFilesystem = errors.New("filesystem error")

	// The record is not found.
	ErrMissing = errors.New("missing")

	// The worker reporting a status is not the worker of the tuple.
	ErrNotWorker = fmt.Errorf("%w: reporter is not the worker of the tuple", ErrValidation)
)

// TimeoutError carries the best known record of a write whose outcome is unknown.
type TimeoutError struct {
	// Key of the asset being written. Empty if it cannot be known.
	Key string

	// Transaction which may or may not have been committed.
	TxID string

	cause error
}

func NewTimeout(key, txid string, cause error) *TimeoutError {
	return &TimeoutError{Key: key, TxID: txid, cause: cause}
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: key=%s tx=%s", ErrLedgerTimeout, e.Key, e.TxID)
	if e.cause != nil {
		msg += " / caused by: " + e.cause.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrLedgerTimeout}
	}
	return []error{ErrLedgerTimeout, e.cause}
}

// Validation wraps err as ErrValidation. Filesystem errors found before any write
// are validation errors.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Execution folds err into ErrExecution, keeping err reachable.
func Execution(err error) error {
	if err == nil || errors.Is(err, ErrExecution) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrExecution, err)
}

// Filesystem marks err as ErrFilesystem.
func Filesystem(err error) error {
	if err == nil || errors.Is(err, ErrFilesystem) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFilesystem, err)
}
