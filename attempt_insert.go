package transactions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Insert stages the creation of a document.  The staged content travels in
// the metadata of a tombstone so that non-transactional readers never observe
// the document before commit.
func (t *transactionAttempt) Insert(ctx context.Context, store Store, key string, value json.RawMessage) (*GetResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	if cerr := t.checkExpiredAtomic(hookInsert, key, false); cerr != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionExpired,
		})
	}

	t.lock.Lock()
	_, existingMutation := t.getStagedMutationLocked(store.Name(), key)
	t.lock.Unlock()

	if existingMutation != nil {
		switch existingMutation.OpType {
		case StagedMutationRemove:
			// An insert after our own staged remove reduces to a replace of
			// the original document.
			return t.stageReplace(ctx, store, key, existingMutation.Cas, value)
		case StagedMutationInsert, StagedMutationReplace:
			return nil, t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					errors.Wrap(ErrDocumentAlreadyExists, "attempt already staged content for this document")),
				CanStillCommit:    true,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}

	if err := t.confirmATRPending(ctx, store, key); err != nil {
		return nil, err
	}

	return t.stageInsert(ctx, store, key, value, 0)
}

// stageInsert writes the staged-insert tombstone.  cas is zero for a fresh
// insert and non-zero when re-staging over an existing tombstone.
func (t *transactionAttempt) stageInsert(ctx context.Context, store Store, key string, value json.RawMessage, cas Cas) (*GetResult, error) {
	for {
		if cerr := t.checkExpiredAtomic(hookInsert, key, false); cerr != nil {
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionExpired,
			})
		}

		if err := t.hooks.BeforeStagedInsert(key); err != nil {
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              classifyHookError(err),
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		metaBytes, merr := json.Marshal(t.txnMetaFor(jsonMutationInsert, value))
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
			if cas == 0 {
				newCas, werr = store.Insert(deadlineCtx, key, nil, metaBytes, true)
			} else {
				newCas, werr = store.Replace(deadlineCtx, key, cas, nil, metaBytes, true)
			}
			return werr
		})
		if err == nil {
			if err := t.hooks.AfterStagedInsertComplete(key); err != nil {
				return nil, t.operationFailed(operationFailedDef{
					Cerr:              classifyHookError(err),
					ShouldNotRetry:    false,
					ShouldNotRollback: false,
					Reason:            ErrorReasonTransactionFailed,
				})
			}

			t.recordStagedMutation(&stagedMutation{
				OpType: StagedMutationInsert,
				Store:  store,
				Key:    key,
				Cas:    newCas,
				Staged: value,
			})

			if err := t.updateAtrMutationLists(ctx); err != nil {
				return nil, err
			}

			t.logf("staged insert of %s.%s", store.Name(), key)

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
			// The write may or may not have landed; resolving the conflicted
			// insert below observes either outcome.
			time.Sleep(ambiguityResolutionDelay)
			res, rerr, retryCas := t.resolveConflictedInsert(ctx, store, key, value)
			if res != nil || rerr != nil {
				return res, rerr
			}
			cas = retryCas
			continue
		case ErrorClassFailDocAlreadyExists, ErrorClassFailCasMismatch:
			res, rerr, retryCas := t.resolveConflictedInsert(ctx, store, key, value)
			if res != nil || rerr != nil {
				return res, rerr
			}
			cas = retryCas
			continue
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

// resolveConflictedInsert inspects a document that got in the way of a staged
// insert.  It returns a terminal result or error, or a CAS to re-stage over
// when the document turned out to be an unclaimed tombstone.
func (t *transactionAttempt) resolveConflictedInsert(ctx context.Context, store Store, key string, value json.RawMessage) (*GetResult, error, Cas) {
	if err := t.hooks.BeforeDocGet(key); err != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		}), 0
	}

	var doc *Doc
	err := t.transientRetries(func() error {
		deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
		defer cancel()

		var gerr error
		doc, gerr = store.Get(deadlineCtx, key)
		return gerr
	})
	if err != nil {
		cerr := classifyError(err)
		if cerr.Class == ErrorClassFailDocNotFound {
			// The document vanished between the conflict and this read; a
			// fresh insert can proceed.
			return nil, nil, 0
		}

		return nil, t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		}), 0
	}

	docAlreadyExists := func() (*GetResult, error, Cas) {
		return nil, t.operationFailed(operationFailedDef{
			Cerr: classifyError(
				errors.Wrap(ErrDocumentAlreadyExists, "document already exists")),
			CanStillCommit:    true,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		}), 0
	}

	if len(doc.Meta) == 0 {
		if doc.Tombstone {
			// A bare tombstone left behind by someone else; claim it.
			return nil, nil, doc.Cas
		}

		return docAlreadyExists()
	}

	var txnMeta *jsonTxnMeta
	if err := json.Unmarshal(doc.Meta, &txnMeta); err != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: err,
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		}), 0
	}

	if txnMeta.ID.Attempt == t.id && txnMeta.Operation.Type == jsonMutationInsert {
		// Our earlier ambiguous write actually landed.
		t.recordStagedMutation(&stagedMutation{
			OpType: StagedMutationInsert,
			Store:  store,
			Key:    key,
			Cas:    doc.Cas,
			Staged: value,
		})

		if err := t.updateAtrMutationLists(ctx); err != nil {
			return nil, err, 0
		}

		return &GetResult{
			Store: store,
			Key:   key,
			Value: value,
			Cas:   doc.Cas,
		}, nil, 0
	}

	if err := t.writeWriteConflictCheck(ctx, txnMeta, store, key, doc.Cas, nil); err != nil {
		return nil, err, 0
	}

	// The blocking attempt is resolved.  What an outside reader would now
	// observe decides whether the insert can proceed: a committed insert that
	// has not been unstaged yet still counts as an existing document.
	_, gerr := t.fetchAndResolveDoc(ctx, store, key, "")
	if gerr != nil {
		var tofe *TransactionOperationFailedError
		if errors.As(gerr, &tofe) && errors.Is(tofe.InternalUnwrap(), ErrDocumentNotFound) {
			t.logf("conflicted insert of %s.%s resolved to a missing document", store.Name(), key)
			return nil, nil, doc.Cas
		}

		return nil, gerr, 0
	}

	return docAlreadyExists()
}

func (t *transactionAttempt) txnMetaFor(opType jsonMutationType, staged json.RawMessage) *jsonTxnMeta {
	t.lock.Lock()
	defer t.lock.Unlock()

	meta := &jsonTxnMeta{}
	meta.ID.Transaction = t.transactionID
	meta.ID.Attempt = t.id
	if t.atrStore != nil {
		meta.ATR.StoreName = t.atrStore.Name()
		meta.ATR.DocID = t.atrKey
	}
	meta.Operation.Type = opType
	meta.Operation.Staged = staged

	return meta
}
