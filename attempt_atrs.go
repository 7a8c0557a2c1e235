package transactions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// selectAtrLocked picks the ATR for this attempt based on the first document
// staged.  The choice is sticky for the attempt's lifetime.
func (t *transactionAttempt) selectAtrLocked(firstStore Store, firstKey string) {
	if t.atrStore != nil {
		return
	}

	atrStore := firstStore
	if t.atrLocation.Store != nil {
		atrStore = t.atrLocation.Store
	}

	t.atrStore = atrStore
	t.atrKey = atrKeyForDoc(firstKey, t.numAtrs)

	t.logf("selected atr %s.%s", atrStore.Name(), t.atrKey)
}

func (t *transactionAttempt) atrEntryPath() string {
	return "attempts." + t.id
}

// fetchAtrEntryLocked reads this attempt's own ATR entry along with the ATR
// document's CAS, which guards the commit-point write.
func (t *transactionAttempt) fetchAtrEntryLocked(ctx context.Context) (*jsonAtrAttempt, Cas, *classifiedError) {
	deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
	defer cancel()

	entryBytes, cas, err := t.atrStore.SubdocGet(deadlineCtx, t.atrKey, t.atrEntryPath())
	if err != nil {
		cerr := classifyError(err)
		if cerr.Class == ErrorClassFailPathNotFound {
			return nil, 0, classifyError(errors.Wrap(ErrAtrEntryNotFound, "own atr entry is missing"))
		}
		if cerr.Class == ErrorClassFailDocNotFound {
			return nil, 0, classifyError(errors.Wrap(ErrAtrNotFound, "own atr document is missing"))
		}
		return nil, 0, cerr
	}

	var entry *jsonAtrAttempt
	if err := json.Unmarshal(entryBytes, &entry); err != nil {
		return nil, 0, &classifiedError{
			Source: err,
			Class:  ErrorClassFailOther,
		}
	}

	return entry, cas, nil
}

// writeAtrEntryLocked writes this attempt's whole ATR entry in one store
// operation.  A non-zero cas makes the write conditional on the ATR document
// being unchanged since it was read.
func (t *transactionAttempt) writeAtrEntryLocked(ctx context.Context, entry *jsonAtrAttempt, cas Cas, flags SubdocFlags) error {
	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return t.transientRetries(func() error {
		deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
		defer cancel()

		_, werr := t.atrStore.SubdocSet(deadlineCtx, t.atrKey, t.atrEntryPath(), cas, entryBytes, flags)
		return werr
	})
}

// atrMutationListsLocked projects the staged-mutation ledger into the three
// document-reference lists recorded in the ATR entry.
func (t *transactionAttempt) atrMutationListsLocked() (inserts, replaces, removes []jsonAtrMutation) {
	for _, mutation := range t.stagedMutations {
		ref := jsonAtrMutation{
			StoreName: mutation.Store.Name(),
			DocID:     mutation.Key,
		}

		switch mutation.OpType {
		case StagedMutationInsert:
			inserts = append(inserts, ref)
		case StagedMutationReplace:
			replaces = append(replaces, ref)
		case StagedMutationRemove:
			removes = append(removes, ref)
		}
	}
	return
}

// updateAtrMutationLists records the current ledger into the ATR entry.  It
// runs after every staging write so that a sweeper finding this attempt
// abandoned knows every document it touched.  The entry is rewritten whole
// under the CAS it was read at: a blind write racing a sweeper that already
// removed the entry would resurrect it without a start time, and nothing
// would ever collect it.
func (t *transactionAttempt) updateAtrMutationLists(ctx context.Context) *TransactionOperationFailedError {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.atrStore == nil {
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrIllegalState, "no atr selected for mutation list update"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	for {
		entry, cas, cerr := t.fetchAtrEntryLocked(ctx)
		if cerr != nil {
			if errors.Is(cerr.Source, ErrAtrEntryNotFound) || errors.Is(cerr.Source, ErrAtrNotFound) {
				// The sweeper already resolved this attempt; its entry must
				// not be recreated.
				return t.operationFailed(operationFailedDef{
					Cerr:              cerr,
					ShouldNotRetry:    false,
					ShouldNotRollback: false,
					Reason:            ErrorReasonTransactionFailed,
				})
			}
			return t.atrMutationListsError(cerr)
		}

		if jsonAtrState(entry.State) != jsonAtrStatePending {
			return t.operationFailed(operationFailedDef{
				Cerr: &classifiedError{
					Source: errors.Wrapf(ErrIllegalState,
						"atr entry in unexpected state %s during mutation list update", entry.State),
					Class: ErrorClassFailOther,
				},
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		entry.Inserts, entry.Replaces, entry.Removes = t.atrMutationListsLocked()

		err := t.writeAtrEntryLocked(ctx, entry, cas, SubdocFlagNone)
		if err == nil {
			return nil
		}

		cerr = classifyError(err)
		switch cerr.Class {
		case ErrorClassFailAmbiguous, ErrorClassFailCasMismatch:
			// Another attempt sharing this ATR document moved its own entry;
			// re-read and try again.
			time.Sleep(ambiguityResolutionDelay)
			continue
		default:
			return t.atrMutationListsError(cerr)
		}
	}
}

func (t *transactionAttempt) atrMutationListsError(cerr *classifiedError) *TransactionOperationFailedError {
	if cerr.Class == ErrorClassFailHard {
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return t.operationFailed(operationFailedDef{
		Cerr:              cerr,
		ShouldNotRetry:    false,
		ShouldNotRollback: false,
		Reason:            ErrorReasonTransactionFailed,
	})
}

// confirmATRPending ensures the attempt's ATR entry exists before its first
// staging write.  The first mutation performed decides which ATR is used.
func (t *transactionAttempt) confirmATRPending(ctx context.Context, firstStore Store, firstKey string) *TransactionOperationFailedError {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.state != AttemptStateNothingWritten {
		return nil
	}

	t.selectAtrLocked(firstStore, firstKey)

	if err := t.setATRPendingLocked(ctx); err != nil {
		return err
	}

	t.state = AttemptStatePending

	return nil
}

// setATRPendingLocked writes this attempt's PENDING entry into the ATR.  The
// write is add-only: a pre-existing entry for this attempt ID means a previous
// (ambiguously failed) write actually landed and counts as success.
func (t *transactionAttempt) setATRPendingLocked(ctx context.Context) *TransactionOperationFailedError {
	if err := t.hooks.BeforeATRPending(); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	for {
		if cerr := t.checkExpiredAtomic(hookATRPending, "", false); cerr != nil {
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionExpired,
			})
		}

		entry := &jsonAtrAttempt{
			TransactionID:   t.transactionID,
			State:           string(jsonAtrStatePending),
			StartTime:       nowUnixMillis(),
			ExpiryTime:      uint(time.Until(t.expiryTime) / time.Millisecond),
			DurabilityLevel: durabilityLevelToString(t.durabilityLevel),
		}

		err := t.writeAtrEntryLocked(ctx, entry, 0, SubdocFlagCreateDoc|SubdocFlagAddOnly)
		if err == nil {
			break
		}

		cerr := classifyError(err)
		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			time.Sleep(ambiguityResolutionDelay)
			continue
		case ErrorClassFailPathAlreadyExists:
			// Our entry is already there, it must have been written by an
			// earlier write whose outcome we could not observe.
			t.logf("atr entry already existed during pending write")
		case ErrorClassFailExpiry:
			t.setExpiryOvertimeAtomic()
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAttemptExpired),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionExpired,
			})
		case ErrorClassFailHard:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		case ErrorClassFailTransient:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    false,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		default:
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		break
	}

	t.logf("atr entry now pending at %s.%s", t.atrStore.Name(), t.atrKey)

	if err := t.hooks.AfterATRPending(); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return nil
}

// setATRCommittedLocked performs the commit point: a single CAS-checked write
// flipping this attempt's ATR entry from PENDING to COMMITTED.  Everything
// after this write succeeds is roll-forward only.
func (t *transactionAttempt) setATRCommittedLocked(ctx context.Context, ambiguityResolution bool) *TransactionOperationFailedError {
	if err := t.hooks.BeforeATRCommit(); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	for {
		if cerr := t.checkExpiredAtomic(hookATRCommit, "", ambiguityResolution); cerr != nil {
			t.setExpiryOvertimeAtomic()
			if ambiguityResolution {
				return t.operationFailed(operationFailedDef{
					Cerr:              cerr.Wrap(ErrAttemptExpired),
					ShouldNotRetry:    true,
					ShouldNotRollback: true,
					Reason:            ErrorReasonTransactionCommitAmbiguous,
				})
			}

			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAttemptExpired),
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionExpired,
			})
		}

		entry, cas, cerr := t.fetchAtrEntryLocked(ctx)
		if cerr != nil {
			return t.atrCommitErrorLocked(cerr, ambiguityResolution)
		}

		switch jsonAtrState(entry.State) {
		case jsonAtrStatePending:
			// Normal path, flip it below.
		case jsonAtrStateCommitted:
			// An earlier ambiguous write landed; the commit point is behind us.
			return nil
		default:
			return t.operationFailed(operationFailedDef{
				Cerr: &classifiedError{
					Source: errors.Wrapf(ErrIllegalState,
						"atr entry in unexpected state %s during commit", entry.State),
					Class: ErrorClassFailOther,
				},
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		entry.State = string(jsonAtrStateCommitted)
		entry.CommitTime = nowUnixMillis()
		entry.Inserts, entry.Replaces, entry.Removes = t.atrMutationListsLocked()

		err := t.writeAtrEntryLocked(ctx, entry, cas, SubdocFlagNone)
		if err == nil {
			break
		}

		cerr = classifyError(err)
		switch cerr.Class {
		case ErrorClassFailAmbiguous:
			// We cannot know whether the flip landed; re-read and decide.
			ambiguityResolution = true
			time.Sleep(ambiguityResolutionDelay)
			continue
		case ErrorClassFailCasMismatch:
			// Another attempt sharing this ATR document moved its own entry.
			// Our entry is untouched, so re-read and try the flip again.
			continue
		default:
			return t.atrCommitErrorLocked(cerr, ambiguityResolution)
		}
	}

	t.logf("atr entry now committed")

	if err := t.hooks.AfterATRCommit(); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionCommitAmbiguous,
		})
	}

	return nil
}

func (t *transactionAttempt) atrCommitErrorLocked(cerr *classifiedError, ambiguityResolution bool) *TransactionOperationFailedError {
	switch cerr.Class {
	case ErrorClassFailExpiry:
		t.setExpiryOvertimeAtomic()
		if ambiguityResolution {
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr.Wrap(ErrAttemptExpired),
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionCommitAmbiguous,
			})
		}

		return t.operationFailed(operationFailedDef{
			Cerr:              cerr.Wrap(ErrAttemptExpired),
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionExpired,
		})
	case ErrorClassFailTransient:
		if ambiguityResolution {
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionCommitAmbiguous,
			})
		}

		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	case ErrorClassFailHard:
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	default:
		if ambiguityResolution {
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionCommitAmbiguous,
			})
		}

		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}
}

// setATRCompletedLocked marks the entry COMPLETED once unstaging finished.
// Failures here never fail the transaction; the cleanup process owns any
// entry left behind.
func (t *transactionAttempt) setATRCompletedLocked(ctx context.Context) *TransactionOperationFailedError {
	if err := t.hooks.BeforeATRComplete(); err != nil {
		cerr := classifyHookError(err)
		if cerr.Class == ErrorClassFailHard {
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailedPostCommit,
			})
		}
		return nil
	}

	entry, cas, cerr := t.fetchAtrEntryLocked(ctx)
	if cerr != nil {
		if cerr.Class == ErrorClassFailHard {
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailedPostCommit,
			})
		}
		return nil
	}

	entry.State = string(jsonAtrStateCompleted)
	entry.CompletedTime = nowUnixMillis()

	if err := t.writeAtrEntryLocked(ctx, entry, cas, SubdocFlagNone); err != nil {
		cerr := classifyError(err)
		if cerr.Class == ErrorClassFailHard {
			return t.operationFailed(operationFailedDef{
				Cerr:              cerr,
				ShouldNotRetry:    true,
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionFailedPostCommit,
			})
		}
		return nil
	}

	t.logf("atr entry now completed")

	return nil
}

// setATRAbortedLocked flips the entry PENDING to ABORTED before the staged
// mutations are discarded.  Rollback proceeds in expiry overtime, so expiry
// here just marks overtime and keeps going.
func (t *transactionAttempt) setATRAbortedLocked(ctx context.Context) *TransactionOperationFailedError {
	if err := t.hooks.BeforeATRAborted(); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return t.atrRollbackStateWriteLocked(ctx, jsonAtrStateAborted)
}

// setATRRolledBackLocked flips the entry ABORTED to ROLLED_BACK once all
// staged mutations have been discarded.
func (t *transactionAttempt) setATRRolledBackLocked(ctx context.Context) *TransactionOperationFailedError {
	if err := t.hooks.BeforeATRRolledBack(); err != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              classifyHookError(err),
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return t.atrRollbackStateWriteLocked(ctx, jsonAtrStateRolledBack)
}

func (t *transactionAttempt) atrRollbackStateWriteLocked(ctx context.Context, state jsonAtrState) *TransactionOperationFailedError {
	for {
		if cerr := t.checkExpiredAtomic(hookRollback, "", true); cerr != nil {
			t.setExpiryOvertimeAtomic()
		}

		entry, cas, cerr := t.fetchAtrEntryLocked(ctx)
		if cerr != nil {
			switch cerr.Class {
			case ErrorClassFailPathNotFound, ErrorClassFailDocNotFound, ErrorClassFailOther:
				if errors.Is(cerr.Source, ErrAtrEntryNotFound) || errors.Is(cerr.Source, ErrAtrNotFound) {
					// Cleanup beat us to it.
					return nil
				}
			}
			return t.atrRollbackErrorLocked(cerr)
		}

		if jsonAtrState(entry.State) == state {
			return nil
		}

		entry.State = string(state)
		switch state {
		case jsonAtrStateAborted:
			entry.AbortTime = nowUnixMillis()
			entry.Inserts, entry.Replaces, entry.Removes = t.atrMutationListsLocked()
		case jsonAtrStateRolledBack:
			entry.RolledBackTime = nowUnixMillis()
		}

		err := t.writeAtrEntryLocked(ctx, entry, cas, SubdocFlagNone)
		if err == nil {
			t.logf("atr entry now %s", entry.State)
			return nil
		}

		cerr = classifyError(err)
		switch cerr.Class {
		case ErrorClassFailAmbiguous, ErrorClassFailCasMismatch:
			time.Sleep(ambiguityResolutionDelay)
			continue
		default:
			return t.atrRollbackErrorLocked(cerr)
		}
	}
}

func (t *transactionAttempt) atrRollbackErrorLocked(cerr *classifiedError) *TransactionOperationFailedError {
	switch cerr.Class {
	case ErrorClassFailHard:
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	default:
		// Leave the entry for the sweeper; rollback reports failure but the
		// transaction may still retry.
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    false,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}
}
