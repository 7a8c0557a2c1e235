package transactions

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoAttempt indicates no attempt was started before an operation was performed.
	ErrNoAttempt = errors.New("attempt was not started")

	// ErrOther indicates an non-specific error has occured.
	ErrOther = errors.New("other error")

	// ErrTransient indicates a transient error occured which may succeed at a later point in time.
	ErrTransient = errors.New("transient error")

	// ErrWriteWriteConflict indicates that another transaction conflicted with this one.
	ErrWriteWriteConflict = errors.New("write write conflict")

	// ErrHard indicates that an unrecoverable error occured.
	ErrHard = errors.New("hard")

	// ErrAmbiguous indicates that a failure occured but the outcome was not known.
	ErrAmbiguous = errors.New("ambiguous error")

	// ErrAttemptExpired indicates an attempt expired.
	ErrAttemptExpired = errors.New("attempt expired")

	// ErrAtrNotFound indicates that an expected ATR document was missing.
	ErrAtrNotFound = errors.New("atr not found")

	// ErrAtrEntryNotFound indicates that an expected ATR entry was missing.
	ErrAtrEntryNotFound = errors.New("atr entry not found")

	// ErrDocumentNotFound indicates that a document was missing from the store.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentAlreadyExists indicates that a document already exists in the store.
	ErrDocumentAlreadyExists = errors.New("document already exists")

	// ErrCasMismatch indicates that a CAS-checked write lost to a concurrent mutation.
	ErrCasMismatch = errors.New("cas mismatch")

	// ErrPathNotFound indicates that a sub-document path was missing.
	ErrPathNotFound = errors.New("path not found")

	// ErrPathAlreadyExists indicates that a sub-document path already holds a value.
	ErrPathAlreadyExists = errors.New("path already exists")

	// ErrDocAlreadyInTransaction indicates that a document is already in a transaction.
	ErrDocAlreadyInTransaction = errors.New("doc already in transaction")

	// ErrIllegalState is used for when a transaction enters an illegal state.
	ErrIllegalState = errors.New("illegal state")

	// ErrPreviousOperationFailed is used when an operation is performed after a
	// previous operation already failed the attempt.
	ErrPreviousOperationFailed = errors.New("previous operation failed")
)

type classifiedError struct {
	Source error
	Class  ErrorClass
}

// Wrap returns a new classifiedError with the same class and a wrapping cause.
func (ce classifiedError) Wrap(errType error) *classifiedError {
	return &classifiedError{
		Source: &basicRetypedError{
			ErrType: errType,
			Source:  ce.Source,
		},
		Class: ce.Class,
	}
}

type basicRetypedError struct {
	ErrType error
	Source  error
}

func (bre basicRetypedError) Error() string {
	if bre.Source == nil {
		return bre.ErrType.Error()
	}
	return fmt.Sprintf("%s | %s", bre.ErrType.Error(), bre.Source.Error())
}

func (bre basicRetypedError) Unwrap() error {
	return bre.ErrType
}

// classifyError maps any raised failure into the closed error-class
// enumeration consumed by the retry/rollback decision tables.
func classifyError(err error) *classifiedError {
	ec := ErrorClassFailOther
	if errors.Is(err, ErrDocAlreadyInTransaction) || errors.Is(err, ErrWriteWriteConflict) {
		ec = ErrorClassFailWriteWriteConflict
	} else if errors.Is(err, ErrHard) {
		ec = ErrorClassFailHard
	} else if errors.Is(err, ErrAttemptExpired) {
		ec = ErrorClassFailExpiry
	} else if errors.Is(err, ErrTransient) {
		ec = ErrorClassFailTransient
	} else if errors.Is(err, ErrDocumentNotFound) {
		ec = ErrorClassFailDocNotFound
	} else if errors.Is(err, ErrDocumentAlreadyExists) {
		ec = ErrorClassFailDocAlreadyExists
	} else if errors.Is(err, ErrPathAlreadyExists) {
		ec = ErrorClassFailPathAlreadyExists
	} else if errors.Is(err, ErrPathNotFound) {
		ec = ErrorClassFailPathNotFound
	} else if errors.Is(err, ErrAmbiguous) {
		ec = ErrorClassFailAmbiguous
	} else if errors.Is(err, ErrCasMismatch) {
		ec = ErrorClassFailCasMismatch
	}

	return &classifiedError{
		Source: err,
		Class:  ec,
	}
}

func classifyHookError(err error) *classifiedError {
	// Hooks return plain errors, so they run through the same classification
	// as errors surfaced by the store itself.
	return classifyError(err)
}

// TransactionOperationFailedError is used when a transaction operation fails.
// Internal: This should never be used and is not supported.
type TransactionOperationFailedError struct {
	shouldNotRetry    bool
	shouldNotRollback bool
	errorCause        error
	errorClass        ErrorClass
	shouldRaise       ErrorReason
}

func (tfe TransactionOperationFailedError) Error() string {
	if tfe.errorCause == nil {
		return "transaction operation failed"
	}
	return fmt.Sprintf("transaction operation failed | %s", tfe.errorCause.Error())
}

// Retry signals whether a new attempt should be made at rollback.
func (tfe TransactionOperationFailedError) Retry() bool {
	return !tfe.shouldNotRetry
}

// Rollback signals whether the attempt should be auto-rolled back.
func (tfe TransactionOperationFailedError) Rollback() bool {
	return !tfe.shouldNotRollback
}

// ToRaise signals which error type should be raised to the application.
func (tfe TransactionOperationFailedError) ToRaise() ErrorReason {
	return tfe.shouldRaise
}

// ErrorClass returns the class of error which caused this error.
func (tfe TransactionOperationFailedError) ErrorClass() ErrorClass {
	return tfe.errorClass
}

// InternalUnwrap returns the underlying error for this error.
func (tfe TransactionOperationFailedError) InternalUnwrap() error {
	return tfe.errorCause
}

// MarshalJSON will marshal this error for the wire.
func (tfe TransactionOperationFailedError) MarshalJSON() ([]byte, error) {
	res := struct {
		Retry    bool            `json:"retry"`
		Rollback bool            `json:"rollback"`
		Raise    string          `json:"raise"`
		Cause    json.RawMessage `json:"cause"`
	}{
		Retry:    !tfe.shouldNotRetry,
		Rollback: !tfe.shouldNotRollback,
		Raise:    errorReasonToString(tfe.shouldRaise),
	}

	if tfe.errorCause != nil {
		if marshaler, ok := tfe.errorCause.(json.Marshaler); ok {
			causeBytes, err := marshaler.MarshalJSON()
			if err != nil {
				return nil, err
			}
			res.Cause = causeBytes
		} else {
			causeBytes, err := json.Marshal(tfe.errorCause.Error())
			if err != nil {
				return nil, err
			}
			res.Cause = causeBytes
		}
	}

	return json.Marshal(res)
}

type aggregateError []error

func (agge aggregateError) MarshalJSON() ([]byte, error) {
	suberrs := make([]json.RawMessage, len(agge))
	for i, err := range agge {
		if marshaler, ok := err.(json.Marshaler); ok {
			errBytes, merr := marshaler.MarshalJSON()
			if merr != nil {
				return nil, merr
			}
			suberrs[i] = errBytes
		} else {
			errBytes, merr := json.Marshal(err.Error())
			if merr != nil {
				return nil, merr
			}
			suberrs[i] = errBytes
		}
	}
	return json.Marshal(suberrs)
}

func (agge aggregateError) Error() string {
	errStrs := make([]string, len(agge))
	for i, err := range agge {
		errStrs[i] = err.Error()
	}
	return fmt.Sprintf("aggregate error: [%v]", errStrs)
}

func (agge aggregateError) Is(err error) bool {
	for _, aerr := range agge {
		if errors.Is(aerr, err) {
			return true
		}
	}
	return false
}

type writeWriteConflictError struct {
	Source      error
	StoreName   string
	DocumentKey string
}

func (wwce writeWriteConflictError) Error() string {
	errStr := "write write conflict"
	errStr += " | " + fmt.Sprintf(
		"doc: %s.%s",
		wwce.StoreName,
		wwce.DocumentKey)
	if wwce.Source != nil {
		errStr += " | " + wwce.Source.Error()
	}
	return errStr
}

func (wwce writeWriteConflictError) Is(err error) bool {
	if errors.Is(err, ErrWriteWriteConflict) {
		return true
	}
	return errors.Is(wwce.Source, err)
}

func (wwce writeWriteConflictError) Unwrap() error {
	return ErrWriteWriteConflict
}

// QueryError is surfaced when the query collaborator reports a failure.  It
// is reported to the caller without failing the attempt; the caller may
// ignore it and continue, or re-raise it to roll the attempt back.
type QueryError struct {
	Statement string
	Cause     error
}

func (qe QueryError) Error() string {
	return fmt.Sprintf("query failed | statement: %s | %s", qe.Statement, qe.Cause)
}

func (qe QueryError) Unwrap() error {
	return qe.Cause
}

// TransactionFailedError is the terminal failure raised by Run.  It carries
// the accumulated attempt log for diagnostics; intermediate per-attempt
// retries are invisible to the caller except through these logs.
type TransactionFailedError struct {
	Cause  error
	Result *Result
}

func (tfe TransactionFailedError) Error() string {
	if tfe.Cause == nil {
		return "transaction failed"
	}
	return fmt.Sprintf("transaction failed | %s", tfe.Cause.Error())
}

func (tfe TransactionFailedError) Unwrap() error {
	return tfe.Cause
}

// TransactionExpiredError is raised in place of TransactionFailedError when
// the terminal reason was the transaction's deadline elapsing.
type TransactionExpiredError struct {
	Result *Result
}

func (tee TransactionExpiredError) Error() string {
	return "transaction expired"
}

func (tee TransactionExpiredError) Unwrap() error {
	return ErrAttemptExpired
}

// TransactionCommitAmbiguousError is raised when the commit-point write
// failed in a way that left the transaction's outcome unknown.  The
// transaction must not be retried; only cleanup may resolve it.
type TransactionCommitAmbiguousError struct {
	Cause  error
	Result *Result
}

func (tcae TransactionCommitAmbiguousError) Error() string {
	if tcae.Cause == nil {
		return "transaction commit ambiguous"
	}
	return fmt.Sprintf("transaction commit ambiguous | %s", tcae.Cause.Error())
}

func (tcae TransactionCommitAmbiguousError) Unwrap() error {
	return tcae.Cause
}
