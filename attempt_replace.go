package transactions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Replace stages a new value for a document previously fetched in this
// attempt.  The document's committed content is untouched; the new value is
// parked in the metadata block until commit.
func (t *transactionAttempt) Replace(ctx context.Context, doc *GetResult, value json.RawMessage) (*GetResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	if cerr := t.checkExpiredAtomic(hookReplace, doc.Key, false); cerr != nil {
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
			// Replacing our own staged insert just restages the insert with
			// the new content.
			return t.stageInsert(ctx, doc.Store, doc.Key, value, existingMutation.Cas)
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

	return t.stageReplace(ctx, doc.Store, doc.Key, doc.Cas, value)
}

func (t *transactionAttempt) stageReplace(ctx context.Context, store Store, key string, cas Cas, value json.RawMessage) (*GetResult, error) {
	for {
		if cerr := t.checkExpiredAtomic(hookReplace, key, false); cerr != nil {
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionExpired,
			})
		}

		if err := t.hooks.BeforeStagedReplace(key); err != nil {
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              classifyHookError(err),
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		metaBytes, merr := json.Marshal(t.txnMetaFor(jsonMutationReplace, value))
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
			if err := t.hooks.AfterStagedReplaceComplete(key); err != nil {
				return nil, t.operationFailed(operationFailedDef{
					Cerr:              classifyHookError(err),
					ShouldNotRetry:    false,
					ShouldNotRollback: false,
					Reason:            ErrorReasonTransactionFailed,
				})
			}

			t.recordStagedMutation(&stagedMutation{
				OpType: StagedMutationReplace,
				Store:  store,
				Key:    key,
				Cas:    newCas,
				Staged: value,
			})

			if err := t.updateAtrMutationLists(ctx); err != nil {
				return nil, err
			}

			t.logf("staged replace of %s.%s", store.Name(), key)

			return &GetResult{
				Store: store,
				Key:   key,
				Value: value,
				Cas:   newCas,
			}, nil
		}

		cerr := classifyError(err)
		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			// Retry the staging write; if the earlier write actually landed,
			// the retry surfaces as a CAS mismatch and the transaction retries.
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
