package transactions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Remove stages the deletion of a document previously fetched in this
// attempt.  The document stays readable to everyone else until commit.
func (t *transactionAttempt) Remove(ctx context.Context, doc *GetResult) (*GetResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	if cerr := t.checkExpiredAtomic(hookRemove, doc.Key, false); cerr != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionExpired,
		})
	}

	t.lock.Lock()
	_, existingMutation := t.getStagedMutationLocked(doc.Store.Name(), doc.Key)
	t.lock.Unlock()

	if existingMutation != nil {
		switch existingMutation.OpType {
		case StagedMutationInsert:
			// Removing our own staged insert means the document never existed
			// as far as anyone else is concerned; discard the staging.
			return t.removeStagedInsert(ctx, existingMutation)
		case StagedMutationRemove:
			return nil, t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					errors.Wrap(ErrDocumentNotFound, "document was removed by this attempt")),
				CanStillCommit:    true,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}

	if err := t.confirmATRPending(ctx, doc.Store, doc.Key); err != nil {
		return nil, err
	}

	if err := t.writeWriteConflictCheck(ctx, doc.txnMeta, doc.Store, doc.Key, doc.Cas, existingMutation); err != nil {
		return nil, err
	}

	return t.stageRemove(ctx, doc.Store, doc.Key, doc.Cas)
}

// removeStagedInsert deletes the tombstone carrying our own staged insert and
// drops the mutation from the ledger.
func (t *transactionAttempt) removeStagedInsert(ctx context.Context, mutation *stagedMutation) (*GetResult, error) {
	if err := t.hooks.BeforeStagedRemove(mutation.Key); err != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	err := t.transientRetries(func() error {
		deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
		defer cancel()

		return mutation.Store.Remove(deadlineCtx, mutation.Key, mutation.Cas)
	})
	if err != nil {
		cerr := classifyError(err)
		switch cerr.Class {
		case ErrorClassFailDocNotFound:
			// Already gone, which is exactly what we wanted.
		case ErrorClassFailHard:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}

	t.removeStagedMutation(mutation.Store.Name(), mutation.Key)

	if err := t.updateAtrMutationLists(ctx); err != nil {
		return nil, err
	}

	t.logf("discarded staged insert of %s.%s", mutation.Store.Name(), mutation.Key)

	return &GetResult{
		Store: mutation.Store,
		Key:   mutation.Key,
	}, nil
}

func (t *transactionAttempt) stageRemove(ctx context.Context, store Store, key string, cas Cas) (*GetResult, error) {
	for {
		if cerr := t.checkExpiredAtomic(hookRemove, key, false); cerr != nil {
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionExpired,
			})
		}

		if err := t.hooks.BeforeStagedRemove(key); err != nil {
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              classifyHookError(err),
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		metaBytes, merr := json.Marshal(t.txnMetaFor(jsonMutationRemove, nil))
		if merr != nil {
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              classifyError(merr),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		var newCas Cas
		err := t.transientRetries(func() error {
			deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
			defer cancel()

			var werr error
			newCas, werr = store.MutateMeta(deadlineCtx, key, cas, metaBytes)
			return werr
		})
		if err == nil {
			if err := t.hooks.AfterStagedRemoveComplete(key); err != nil {
				return nil, t.operationFailed(operationFailedDef{
					Cerr:              classifyHookError(err),
					ShouldNotRetry:    false,
					ShouldNotRollback: false,
					Reason:            ErrorReasonTransactionFailed,
				})
			}

			t.recordStagedMutation(&stagedMutation{
				OpType: StagedMutationRemove,
				Store:  store,
				Key:    key,
				Cas:    newCas,
			})

			if err := t.updateAtrMutationLists(ctx); err != nil {
				return nil, err
			}

			t.logf("staged remove of %s.%s", store.Name(), key)

			return &GetResult{
				Store: store,
				Key:   key,
				Cas:   newCas,
			}, nil
		}

		cerr := classifyError(err)
		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			time.Sleep(ambiguityResolutionDelay)
			continue
		case ErrorClassFailDocNotFound:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrDocumentNotFound),
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailCasMismatch:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailExpiry:
			t.setExpiryOvertimeAtomic()
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAttemptExpired),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionExpired,
			})
		case ErrorClassFailTransient:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailHard:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}
}
