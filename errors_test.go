package transactions

import (
	"encoding/json"
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		ec   ErrorClass
	}{
		{"other", ErrOther, ErrorClassFailOther},
		{"transient", ErrTransient, ErrorClassFailTransient},
		{"docNotFound", ErrDocumentNotFound, ErrorClassFailDocNotFound},
		{"docAlreadyExists", ErrDocumentAlreadyExists, ErrorClassFailDocAlreadyExists},
		{"pathNotFound", ErrPathNotFound, ErrorClassFailPathNotFound},
		{"pathAlreadyExists", ErrPathAlreadyExists, ErrorClassFailPathAlreadyExists},
		{"writeWriteConflict", ErrWriteWriteConflict, ErrorClassFailWriteWriteConflict},
		{"docAlreadyInTransaction", ErrDocAlreadyInTransaction, ErrorClassFailWriteWriteConflict},
		{"casMismatch", ErrCasMismatch, ErrorClassFailCasMismatch},
		{"hard", ErrHard, ErrorClassFailHard},
		{"ambiguous", ErrAmbiguous, ErrorClassFailAmbiguous},
		{"expired", ErrAttemptExpired, ErrorClassFailExpiry},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cerr := classifyError(tc.err)
			assert.Equal(t, tc.ec, cerr.Class)

			// Classification must see through wrapping.
			cerr = classifyError(pkgerrors.Wrap(tc.err, "some context"))
			assert.Equal(t, tc.ec, cerr.Class)
		})
	}
}

func TestClassifiedErrorWrapKeepsClass(t *testing.T) {
	cerr := classifyError(ErrCasMismatch)
	wrapped := cerr.Wrap(ErrDocumentNotFound)

	assert.Equal(t, ErrorClassFailCasMismatch, wrapped.Class)
	assert.True(t, errors.Is(wrapped.Source, ErrDocumentNotFound))
}

func TestOperationFailedErrorMarshal(t *testing.T) {
	tErr := &TransactionOperationFailedError{
		shouldNotRetry:    true,
		shouldNotRollback: false,
		errorCause:        errors.New("some error"),
		shouldRaise:       ErrorReasonTransactionExpired,
	}

	bytes, err := json.Marshal(tErr)
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"retry":false,"rollback":true,"raise":"expired","cause":"some error"}`,
		string(bytes))
}

func TestMergeOperationFailedErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, mergeOperationFailedErrors(nil))
	})

	t.Run("single", func(t *testing.T) {
		tErr := &TransactionOperationFailedError{shouldRaise: ErrorReasonTransactionFailed}
		merged := mergeOperationFailedErrors([]*TransactionOperationFailedError{tErr})
		assert.Same(t, tErr, merged)
	})

	t.Run("precedence", func(t *testing.T) {
		errA := &TransactionOperationFailedError{
			errorCause:  errors.New("a"),
			shouldRaise: ErrorReasonTransactionFailed,
		}
		errB := &TransactionOperationFailedError{
			shouldNotRetry: true,
			errorCause:     errors.New("b"),
			shouldRaise:    ErrorReasonTransactionFailedPostCommit,
		}
		errC := &TransactionOperationFailedError{
			shouldNotRollback: true,
			errorCause:        errors.New("c"),
			shouldRaise:       ErrorReasonTransactionExpired,
		}

		merged := mergeOperationFailedErrors(
			[]*TransactionOperationFailedError{errA, errB, errC})

		assert.Equal(t, ErrorReasonTransactionFailedPostCommit, merged.ToRaise())
		assert.False(t, merged.Retry())
		assert.False(t, merged.Rollback())

		agg, ok := merged.InternalUnwrap().(aggregateError)
		require.True(t, ok)
		assert.Len(t, agg, 3)
	})
}

func TestWriteWriteConflictErrorIs(t *testing.T) {
	wwce := &writeWriteConflictError{
		Source:      ErrCasMismatch,
		StoreName:   "travel",
		DocumentKey: "flight::1",
	}

	assert.True(t, errors.Is(wwce, ErrWriteWriteConflict))
	assert.True(t, errors.Is(wwce, ErrCasMismatch))
	assert.False(t, errors.Is(wwce, ErrDocumentNotFound))
	assert.Contains(t, wwce.Error(), "travel.flight::1")
}

func TestAggregateErrorIs(t *testing.T) {
	agg := aggregateError{ErrCasMismatch, ErrAttemptExpired}

	assert.True(t, errors.Is(agg, ErrCasMismatch))
	assert.True(t, errors.Is(agg, ErrAttemptExpired))
	assert.False(t, errors.Is(agg, ErrHard))
}

func TestTerminalErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")

	assert.True(t, errors.Is(&TransactionFailedError{Cause: cause}, cause))
	assert.True(t, errors.Is(&TransactionExpiredError{}, ErrAttemptExpired))
	assert.True(t, errors.Is(&TransactionCommitAmbiguousError{Cause: cause}, cause))
}
