package transactions

import (
	"context"
	"encoding/json"
	"time"
)

// Commit drives the attempt through the commit point and unstaging.  If the
// commit fails before the commit point and the attempt may still roll back,
// an implicit rollback runs before the failure is returned.
func (t *transactionAttempt) Commit(ctx context.Context) error {
	err := t.commit(ctx)
	if err != nil {
		if t.ShouldRollback() {
			if !t.isExpiryOvertimeAtomic() {
				t.applyStateBits(transactionStateBitPreExpiryAutoRollback)
			}

			if rerr := t.rollback(ctx); rerr != nil {
				t.logf("rollback after commit failure errored: %v", rerr)
			}
		}

		t.ensureCleanUpRequest()
		return err
	}

	t.applyStateBits(transactionStateBitShouldNotRetry | transactionStateBitShouldNotRollback)
	t.ensureCleanUpRequest()
	return nil
}

func (t *transactionAttempt) commit(ctx context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.waitForOpsLocked()

	if err := t.checkCanCommitLocked(); err != nil {
		return err
	}

	t.applyStateBits(transactionStateBitShouldNotCommit)

	if t.state == AttemptStateNothingWritten {
		// A read-only attempt has no commit point; there is nothing anyone
		// else could ever observe.
		t.logf("committed with nothing written")
		return nil
	}

	if cerr := t.checkExpiredAtomic(hookCommit, "", false); cerr != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionExpired,
		})
	}

	t.state = AttemptStateCommitting

	if err := t.setATRCommittedLocked(ctx, false); err != nil {
		if err.shouldRaise != ErrorReasonTransactionCommitAmbiguous {
			// The flip definitively did not land, so the attempt is still
			// pending and may be rolled back.
			t.state = AttemptStatePending
		}

		return err
	}

	t.state = AttemptStateCommitted

	// Past the commit point everything is roll-forward only.  Failures below
	// no longer fail the transaction's outcome; they leave unstaging to the
	// cleanup process.
	var unstageErrs []*TransactionOperationFailedError

	executor := NewBatchExecutor(t.unstagingParallelism)

	ops := make([]BatchOperation, len(t.stagedMutations))
	for i, mutation := range t.stagedMutations {
		mutation := mutation
		ops[i] = func(opCtx context.Context) (interface{}, error) {
			if err := t.commitStagedMutation(opCtx, mutation); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	results, _ := executor.Execute(ctx, ops)
	for _, res := range results {
		if res.Err != nil {
			if tofe, ok := res.Err.(*TransactionOperationFailedError); ok {
				unstageErrs = append(unstageErrs, tofe)
			} else {
				unstageErrs = append(unstageErrs, t.operationFailed(operationFailedDef{
					Cerr:              classifyError(res.Err),
					ShouldNotRetry:    true,
					ShouldNotRollback: true,
					Reason:            ErrorReasonTransactionFailedPostCommit,
				}))
			}
		}
	}

	if err := mergeOperationFailedErrors(unstageErrs); err != nil {
		return err
	}

	if err := t.setATRCompletedLocked(ctx); err != nil {
		return err
	}

	t.state = AttemptStateCompleted
	t.unstagingComplete = true

	t.logf("attempt fully committed and unstaged")

	return nil
}

func (t *transactionAttempt) commitStagedMutation(ctx context.Context, mutation *stagedMutation) *TransactionOperationFailedError {
	switch mutation.OpType {
	case StagedMutationInsert, StagedMutationReplace:
		return t.commitStagedWrite(ctx, mutation)
	case StagedMutationRemove:
		return t.commitStagedRemove(ctx, mutation)
	}

	return t.operationFailed(operationFailedDef{
		Cerr: &classifiedError{
			Source: ErrIllegalState,
			Class:  ErrorClassFailOther,
		},
		ShouldNotRetry:    true,
		ShouldNotRollback: true,
		Reason:            ErrorReasonTransactionFailedPostCommit,
	})
}

// commitStagedWrite promotes a staged insert or replace to the document's
// committed content, clearing the staging metadata in the same write.
func (t *transactionAttempt) commitStagedWrite(ctx context.Context, mutation *stagedMutation) *TransactionOperationFailedError {
	if mutation.Staged == nil {
		// A resumed attempt's ledger does not carry staged content; recover it
		// from the document's staging metadata.
		done, ferr := t.hydrateStagedWrite(ctx, mutation)
		if ferr != nil {
			return ferr
		}
		if done {
			t.logf("staging of %s.%s already resolved elsewhere",
				mutation.Store.Name(), mutation.Key)
			return nil
		}
	}

	cas := mutation.Cas

	for {
		if cerr := t.checkExpiredAtomic(hookCommitDoc, mutation.Key, true); cerr != nil {
			// The commit point is behind us; expiry only flags overtime.
			t.setExpiryOvertimeAtomic()
		}

		if err := t.hooks.BeforeDocCommitted(mutation.Key); err != nil {
			return t.postCommitFailure(classifyHookError(err))
		}

		err := t.transientRetries(func() error {
			deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
			defer cancel()

			_, werr := mutation.Store.Replace(deadlineCtx, mutation.Key, cas, mutation.Staged, nil, false)
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
		case ErrorClassFailCasMismatch:
			// The document moved under us after the commit point; the staged
			// content still must win, so force the write.
			if cas != 0 {
				t.logf("forcing unstage of %s.%s after cas mismatch",
					mutation.Store.Name(), mutation.Key)
				cas = 0
				continue
			}
			return t.postCommitFailure(cerr)
		case ErrorClassFailDocNotFound:
			// The tombstone vanished; recreate the document outright.
			ierr := t.transientRetries(func() error {
				deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
				defer cancel()

				_, werr := mutation.Store.Insert(deadlineCtx, mutation.Key, mutation.Staged, nil, false)
				return werr
			})
			if ierr != nil {
				icerr := classifyError(ierr)
				if icerr.Class == ErrorClassFailDocAlreadyExists {
					// Another actor landed it (or our ambiguous write did).
					break
				}
				return t.postCommitFailure(icerr)
			}
		default:
			return t.postCommitFailure(cerr)
		}

		break
	}

	if err := t.hooks.AfterDocCommitted(mutation.Key); err != nil {
		return t.postCommitFailure(classifyHookError(err))
	}

	t.logf("unstaged %s of %s.%s",
		stagedMutationTypeToString(mutation.OpType), mutation.Store.Name(), mutation.Key)

	return nil
}

// hydrateStagedWrite reads a staged write's content back from the document's
// metadata.  Reports done when the document no longer carries this attempt's
// staging, meaning another actor already resolved it.
func (t *transactionAttempt) hydrateStagedWrite(ctx context.Context, mutation *stagedMutation) (bool, *TransactionOperationFailedError) {
	var doc *Doc
	err := t.transientRetries(func() error {
		deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
		defer cancel()

		var gerr error
		doc, gerr = mutation.Store.Get(deadlineCtx, mutation.Key)
		return gerr
	})
	if err != nil {
		cerr := classifyError(err)
		if cerr.Class == ErrorClassFailDocNotFound {
			return true, nil
		}
		return false, t.postCommitFailure(cerr)
	}

	if len(doc.Meta) == 0 {
		return true, nil
	}

	var txnMeta jsonTxnMeta
	if err := json.Unmarshal(doc.Meta, &txnMeta); err != nil {
		return false, t.postCommitFailure(&classifiedError{
			Source: err,
			Class:  ErrorClassFailOther,
		})
	}

	if txnMeta.ID.Attempt != t.id {
		return true, nil
	}

	mutation.Staged = txnMeta.Operation.Staged
	mutation.Cas = doc.Cas

	return false, nil
}

// commitStagedRemove applies a staged remove.  The delete is unconditional;
// after the commit point the removal must win regardless of interference.
func (t *transactionAttempt) commitStagedRemove(ctx context.Context, mutation *stagedMutation) *TransactionOperationFailedError {
	for {
		if cerr := t.checkExpiredAtomic(hookCommitDoc, mutation.Key, true); cerr != nil {
			t.setExpiryOvertimeAtomic()
		}

		if err := t.hooks.BeforeDocRemoved(mutation.Key); err != nil {
			return t.postCommitFailure(classifyHookError(err))
		}

		err := t.transientRetries(func() error {
			deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
			defer cancel()

			return mutation.Store.Remove(deadlineCtx, mutation.Key, 0)
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
			// Already gone, the removal is complete.
		default:
			return t.postCommitFailure(cerr)
		}

		break
	}

	t.logf("unstaged remove of %s.%s", mutation.Store.Name(), mutation.Key)

	return nil
}

func (t *transactionAttempt) postCommitFailure(cerr *classifiedError) *TransactionOperationFailedError {
	return t.operationFailed(operationFailedDef{
		Cerr:              cerr,
		ShouldNotRetry:    true,
		ShouldNotRollback: true,
		Reason:            ErrorReasonTransactionFailedPostCommit,
	})
}
