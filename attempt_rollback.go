package transactions

import (
	"context"
	"time"
)

// Rollback discards every staged mutation and retires the attempt.  It is
// idempotent: rolling back an attempt that never wrote anything, or that has
// already rolled back, succeeds trivially.
func (t *transactionAttempt) Rollback(ctx context.Context) error {
	err := t.rollback(ctx)
	t.ensureCleanUpRequest()
	if err != nil {
		return err
	}

	t.applyStateBits(transactionStateBitShouldNotCommit | transactionStateBitShouldNotRollback)
	return nil
}

func (t *transactionAttempt) rollback(ctx context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.waitForOpsLocked()

	if t.state == AttemptStateRolledBack {
		return nil
	}

	if err := t.checkCanRollbackLocked(); err != nil {
		return err
	}

	t.applyStateBits(transactionStateBitShouldNotCommit)

	if t.state == AttemptStateNothingWritten {
		t.state = AttemptStateRolledBack
		t.logf("rolled back with nothing written")
		return nil
	}

	// Rollback proceeds in expiry overtime: an expired attempt still makes a
	// best effort to clear its staging before handing over to the sweeper.
	if cerr := t.checkExpiredAtomic(hookRollback, "", true); cerr != nil {
		t.setExpiryOvertimeAtomic()
	}

	if err := t.setATRAbortedLocked(ctx); err != nil {
		return err
	}

	t.state = AttemptStateAborted

	var rollbackErrs []*TransactionOperationFailedError
	for _, mutation := range t.stagedMutations {
		if err := t.rollbackStagedMutation(ctx, mutation); err != nil {
			rollbackErrs = append(rollbackErrs, err)
		}
	}

	if err := mergeOperationFailedErrors(rollbackErrs); err != nil {
		return err
	}

	if err := t.setATRRolledBackLocked(ctx); err != nil {
		return err
	}

	t.state = AttemptStateRolledBack

	t.logf("attempt fully rolled back")

	return nil
}

func (t *transactionAttempt) rollbackStagedMutation(ctx context.Context, mutation *stagedMutation) *TransactionOperationFailedError {
	switch mutation.OpType {
	case StagedMutationInsert:
		return t.rollbackStagedInsert(ctx, mutation)
	case StagedMutationReplace, StagedMutationRemove:
		return t.rollbackStagedMeta(ctx, mutation)
	}

	return t.operationFailed(operationFailedDef{
		Cerr: &classifiedError{
			Source: ErrIllegalState,
			Class:  ErrorClassFailOther,
		},
		ShouldNotRetry:    true,
		ShouldNotRollback: true,
		Reason:            ErrorReasonTransactionFailed,
	})
}

// rollbackStagedInsert deletes the tombstone that carried the staged insert.
func (t *transactionAttempt) rollbackStagedInsert(ctx context.Context, mutation *stagedMutation) *TransactionOperationFailedError {
	for {
		if cerr := t.checkExpiredAtomic(hookAbortDoc, mutation.Key, true); cerr != nil {
			t.setExpiryOvertimeAtomic()
		}

		if err := t.hooks.BeforeDocRolledBack(mutation.Key); err != nil {
			return t.rollbackDocFailure(classifyHookError(err))
		}

		err := t.transientRetries(func() error {
			deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
			defer cancel()

			return mutation.Store.Remove(deadlineCtx, mutation.Key, mutation.Cas)
		})
		if err == nil {
			break
		}

		cerr := classifyError(err)
		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			time.Sleep(ambiguityResolutionDelay)
			continue
		case ErrorClassFailDocNotFound:
			// Already gone.
		case ErrorClassFailCasMismatch:
			// Someone else claimed the tombstone; nothing of ours is left.
		default:
			return t.rollbackDocFailure(cerr)
		}

		break
	}

	t.logf("rolled back staged insert of %s.%s", mutation.Store.Name(), mutation.Key)

	return nil
}

// rollbackStagedMeta clears the staging metadata from a document whose
// committed content was never touched.
func (t *transactionAttempt) rollbackStagedMeta(ctx context.Context, mutation *stagedMutation) *TransactionOperationFailedError {
	for {
		if cerr := t.checkExpiredAtomic(hookAbortDoc, mutation.Key, true); cerr != nil {
			t.setExpiryOvertimeAtomic()
		}

		if err := t.hooks.BeforeDocRolledBack(mutation.Key); err != nil {
			return t.rollbackDocFailure(classifyHookError(err))
		}

		err := t.transientRetries(func() error {
			deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
			defer cancel()

			_, werr := mutation.Store.MutateMeta(deadlineCtx, mutation.Key, mutation.Cas, nil)
			return werr
		})
		if err == nil {
			break
		}

		cerr := classifyError(err)
		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			time.Sleep(ambiguityResolutionDelay)
			continue
		case ErrorClassFailDocNotFound:
			// The document is gone entirely, so its staging is too.
		case ErrorClassFailCasMismatch:
			// The document moved since staging, which means another actor
			// (most likely the sweeper) already resolved our staging.
		default:
			return t.rollbackDocFailure(cerr)
		}

		break
	}

	t.logf("rolled back staged %s of %s.%s",
		stagedMutationTypeToString(mutation.OpType), mutation.Store.Name(), mutation.Key)

	return nil
}

func (t *transactionAttempt) rollbackDocFailure(cerr *classifiedError) *TransactionOperationFailedError {
	if cerr.Class == ErrorClassFailHard {
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	// Cleanup owns whatever could not be cleared here.
	return t.operationFailed(operationFailedDef{
		Cerr:              cerr,
		ShouldNotRetry:    false,
		ShouldNotRollback: true,
		Reason:            ErrorReasonTransactionFailed,
	})
}
