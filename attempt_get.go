package transactions

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// GetResult represents the result of a Get operation which was performed.
type GetResult struct {
	Store Store
	Key   string

	Value []byte
	Cas   Cas

	txnMeta *jsonTxnMeta
}

// Get reads a document, observing this attempt's own staged writes and
// resolving documents staged by other attempts to their post-resolution state.
func (t *transactionAttempt) Get(ctx context.Context, store Store, key string) (*GetResult, error) {
	if err := t.beginOp(); err != nil {
		return nil, err
	}
	defer t.endOp()

	if cerr := t.checkExpiredAtomic(hookGet, key, false); cerr != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionExpired,
		})
	}

	// Read-your-own-writes: the ledger wins over anything in the store.
	t.lock.Lock()
	_, existingMutation := t.getStagedMutationLocked(store.Name(), key)
	t.lock.Unlock()

	if existingMutation != nil {
		switch existingMutation.OpType {
		case StagedMutationInsert, StagedMutationReplace:
			// A resumed attempt's ledger has no staged content; fall through
			// to the fetch below, which serves it from the document metadata.
			if existingMutation.Staged == nil {
				break
			}

			return &GetResult{
				Store: existingMutation.Store,
				Key:   existingMutation.Key,
				Value: existingMutation.Staged,
				Cas:   existingMutation.Cas,
			}, nil
		case StagedMutationRemove:
			return nil, t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					errors.Wrap(ErrDocumentNotFound, "document was removed by this attempt")),
				CanStillCommit:    true,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return nil, t.operationFailed(operationFailedDef{
				Cerr: classifyError(
					errors.Wrap(ErrIllegalState, "unexpected staged mutation type during get")),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}
	}

	return t.fetchAndResolveDoc(ctx, store, key, "")
}

// fetchAndResolveDoc fetches a document and, when it carries another
// attempt's staging metadata, resolves what this reader is allowed to see.
// resolvingAttemptID guards the one re-fetch performed when a blocking
// attempt's ATR entry turns out to have already been resolved.
func (t *transactionAttempt) fetchAndResolveDoc(ctx context.Context, store Store, key string, resolvingAttemptID string) (*GetResult, error) {
	if err := t.hooks.BeforeDocGet(key); err != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
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
		switch cerr.Class {
		case ErrorClassFailDocNotFound:
			return nil, t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrDocumentNotFound),
				CanStillCommit:    true,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
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

	docNotFound := func() error {
		return t.operationFailed(operationFailedDef{
			Cerr: classifyError(
				errors.Wrap(ErrDocumentNotFound, "document does not exist")),
			CanStillCommit:    true,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	if len(doc.Meta) == 0 {
		if doc.Tombstone {
			return nil, docNotFound()
		}

		return &GetResult{
			Store: store,
			Key:   key,
			Value: doc.Body,
			Cas:   doc.Cas,
		}, nil
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
		})
	}

	if txnMeta.ID.Attempt == t.id {
		// Our own staging that the ledger did not cover, which can happen
		// after a resume.  Serve the staged view.
		if txnMeta.Operation.Type == jsonMutationRemove {
			return nil, docNotFound()
		}

		return &GetResult{
			Store:   store,
			Key:     key,
			Value:   txnMeta.Operation.Staged,
			Cas:     doc.Cas,
			txnMeta: txnMeta,
		}, nil
	}

	if txnMeta.ID.Attempt == resolvingAttemptID {
		// We already resolved this attempt's entry as missing once; the
		// metadata is orphaned, so the committed content stands.
		if doc.Tombstone {
			return nil, docNotFound()
		}

		return &GetResult{
			Store:   store,
			Key:     key,
			Value:   doc.Body,
			Cas:     doc.Cas,
			txnMeta: txnMeta,
		}, nil
	}

	blockingAttempt, cerr := t.getTxnState(ctx, store.Name(), key,
		txnMeta.ATR.StoreName, txnMeta.ATR.DocID, txnMeta.ID.Attempt)
	if cerr != nil {
		return nil, t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	if blockingAttempt == nil {
		// The entry is gone, so the blocking attempt was fully resolved but
		// its metadata has not been cleared yet.  Re-fetch once.
		return t.fetchAndResolveDoc(ctx, store, key, txnMeta.ID.Attempt)
	}

	state := jsonAtrState(blockingAttempt.State)
	if state == jsonAtrStateCommitted || state == jsonAtrStateCompleted {
		// The blocking attempt has logically committed, so its staged view is
		// the one a new reader should observe.
		if txnMeta.Operation.Type == jsonMutationRemove {
			return nil, docNotFound()
		}

		return &GetResult{
			Store:   store,
			Key:     key,
			Value:   txnMeta.Operation.Staged,
			Cas:     doc.Cas,
			txnMeta: txnMeta,
		}, nil
	}

	// The blocking attempt has not committed; its staging is invisible and
	// the committed content stands.
	if doc.Tombstone {
		return nil, docNotFound()
	}

	return &GetResult{
		Store:   store,
		Key:     key,
		Value:   doc.Body,
		Cas:     doc.Cas,
		txnMeta: txnMeta,
	}, nil
}
