package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type transactionAttempt struct {
	// immutable state
	expiryTime           time.Time
	txnStartTime         time.Time
	operationTimeout     time.Duration
	durabilityLevel      DurabilityLevel
	transactionID        string
	id                   string
	hooks                TransactionHooks
	atrLocation          ATRLocation
	storeProvider        StoreProviderFn
	queryExecutor        QueryExecutor
	numAtrs              int
	transientRetryLimit  int
	unstagingParallelism int
	logger               *transactionLogger

	// lock serializes the attempt's state transitions; numPendingOps tracks
	// in-flight document operations so commit/rollback can wait for them to
	// drain before moving the attempt to its next phase.
	lock          sync.Mutex
	cond          *sync.Cond
	numPendingOps int

	// mutable state, guarded by lock
	state           AttemptState
	stagedMutations []*stagedMutation
	atrStore        Store
	atrKey          string

	stateBits uint32 // atomic

	unstagingComplete bool
	hasCleanupRequest bool
	addCleanupRequest addCleanupRequest
}

func (t *transactionAttempt) logf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.logf(t.id, format, args...)
	}
}

func (t *transactionAttempt) State() Attempt {
	state := Attempt{}

	t.lock.Lock()

	stateBits := atomic.LoadUint32(&t.stateBits)

	state.State = t.state
	state.ID = t.id
	state.Expired = stateBits&transactionStateBitHasExpired != 0
	state.PreExpiryAutoRollback = stateBits&transactionStateBitPreExpiryAutoRollback != 0

	if t.atrStore != nil {
		state.AtrStoreName = t.atrStore.Name()
		state.AtrID = t.atrKey
	}

	state.UnstagingComplete = t.state == AttemptStateCompleted

	t.lock.Unlock()

	return state
}

func (t *transactionAttempt) HasExpired() bool {
	return t.isExpiryOvertimeAtomic()
}

func (t *transactionAttempt) CanCommit() bool {
	stateBits := atomic.LoadUint32(&t.stateBits)
	return (stateBits & transactionStateBitShouldNotCommit) == 0
}

func (t *transactionAttempt) ShouldRollback() bool {
	stateBits := atomic.LoadUint32(&t.stateBits)
	return (stateBits & transactionStateBitShouldNotRollback) == 0
}

func (t *transactionAttempt) ShouldRetry() bool {
	stateBits := atomic.LoadUint32(&t.stateBits)
	return (stateBits&transactionStateBitShouldNotRetry) == 0 &&
		(stateBits&transactionStateBitHasExpired) == 0
}

func (t *transactionAttempt) applyStateBits(stateBits uint32) {
	// This is a bit dirty, but its maximum going to do one retry per bit.
	for {
		oldStateBits := atomic.LoadUint32(&t.stateBits)
		newStateBits := oldStateBits | stateBits
		if atomic.CompareAndSwapUint32(&t.stateBits, oldStateBits, newStateBits) {
			break
		}
	}
}

func (t *transactionAttempt) setExpiryOvertimeAtomic() {
	t.applyStateBits(transactionStateBitHasExpired)
}

func (t *transactionAttempt) isExpiryOvertimeAtomic() bool {
	stateBits := atomic.LoadUint32(&t.stateBits)
	return (stateBits & transactionStateBitHasExpired) != 0
}

// beginOp registers an in-flight document operation after validating the
// attempt can still accept one.  Callers must pair it with endOp.
func (t *transactionAttempt) beginOp() *TransactionOperationFailedError {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.checkCanPerformOpLocked(); err != nil {
		return err
	}

	t.numPendingOps++
	return nil
}

func (t *transactionAttempt) endOp() {
	t.lock.Lock()
	t.numPendingOps--
	t.cond.Broadcast()
	t.lock.Unlock()
}

// waitForOpsLocked blocks until all in-flight operations have drained.  The
// attempt lock must be held; it is released while waiting.
func (t *transactionAttempt) waitForOpsLocked() {
	for t.numPendingOps > 0 {
		t.cond.Wait()
	}
}

// transientRetries re-runs a store operation a bounded number of times while
// it keeps failing transiently, backing off between runs.  Anything past the
// limit surfaces to the classifier as-is.
func (t *transactionAttempt) transientRetries(fn func() error) error {
	limit := t.transientRetryLimit
	if limit <= 0 {
		limit = 3
	}

	var err error
	for i := 0; ; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) || i >= limit {
			return err
		}

		time.Sleep(retryBackoff(i, 0, 0))
	}
}

type operationFailedDef struct {
	Cerr              *classifiedError
	ShouldNotRetry    bool
	ShouldNotRollback bool
	CanStillCommit    bool
	Reason            ErrorReason
}

func (t *transactionAttempt) operationFailed(def operationFailedDef) *TransactionOperationFailedError {
	err := &TransactionOperationFailedError{
		shouldNotRetry:    def.ShouldNotRetry,
		shouldNotRollback: def.ShouldNotRollback,
		errorCause:        def.Cerr.Source,
		errorClass:        def.Cerr.Class,
		shouldRaise:       def.Reason,
	}

	stateBits := uint32(0)
	if !def.CanStillCommit {
		stateBits |= transactionStateBitShouldNotCommit
	}
	if def.ShouldNotRollback {
		stateBits |= transactionStateBitShouldNotRollback
	}
	if def.ShouldNotRetry {
		stateBits |= transactionStateBitShouldNotRetry
	}
	if def.Reason == ErrorReasonTransactionExpired {
		stateBits |= transactionStateBitHasExpired
	}
	t.applyStateBits(stateBits)

	t.logf("operation failed: class=%s reason=%s retry=%t rollback=%t cause=%v",
		errorClassToString(def.Cerr.Class), errorReasonToString(def.Reason),
		!def.ShouldNotRetry, !def.ShouldNotRollback, def.Cerr.Source)

	return err
}

func mergeOperationFailedErrors(errs []*TransactionOperationFailedError) *TransactionOperationFailedError {
	if len(errs) == 0 {
		return nil
	}

	if len(errs) == 1 {
		return errs[0]
	}

	shouldNotRetry := false
	shouldNotRollback := false
	aggCauses := aggregateError{}
	shouldRaise := ErrorReasonTransactionFailed

	for errIdx := 0; errIdx < len(errs); errIdx++ {
		tErr := errs[errIdx]

		aggCauses = append(aggCauses, tErr)

		if tErr.shouldNotRetry {
			shouldNotRetry = true
		}
		if tErr.shouldNotRollback {
			shouldNotRollback = true
		}
		if tErr.shouldRaise > shouldRaise {
			shouldRaise = tErr.shouldRaise
		}
	}

	return &TransactionOperationFailedError{
		shouldNotRetry:    shouldNotRetry,
		shouldNotRollback: shouldNotRollback,
		errorCause:        aggCauses,
		shouldRaise:       shouldRaise,
		errorClass:        ErrorClassFailOther,
	}
}

func (t *transactionAttempt) checkCanPerformOpLocked() *TransactionOperationFailedError {
	switch t.state {
	case AttemptStateNothingWritten:
		fallthrough
	case AttemptStatePending:
		// Good to continue
	case AttemptStateCommitting:
		fallthrough
	case AttemptStateCommitted:
		fallthrough
	case AttemptStateCompleted:
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrIllegalState, "transaction already committed"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	case AttemptStateAborted:
		fallthrough
	case AttemptStateRolledBack:
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrIllegalState, "transaction already aborted"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	default:
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrIllegalState, "invalid transaction state"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	stateBits := atomic.LoadUint32(&t.stateBits)
	if (stateBits & transactionStateBitShouldNotCommit) != 0 {
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrPreviousOperationFailed, "previous operation failure prevents further operations"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return nil
}

func (t *transactionAttempt) checkCanCommitRollbackLocked() *TransactionOperationFailedError {
	switch t.state {
	case AttemptStateNothingWritten:
		fallthrough
	case AttemptStatePending:
		// Good to continue
	case AttemptStateCommitting:
		fallthrough
	case AttemptStateCommitted:
		fallthrough
	case AttemptStateCompleted:
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrIllegalState, "transaction already committed"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	case AttemptStateAborted:
		fallthrough
	case AttemptStateRolledBack:
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrIllegalState, "transaction already aborted"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	default:
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrIllegalState, "invalid transaction state"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return nil
}

func (t *transactionAttempt) checkCanCommitLocked() *TransactionOperationFailedError {
	err := t.checkCanCommitRollbackLocked()
	if err != nil {
		return err
	}

	stateBits := atomic.LoadUint32(&t.stateBits)
	if (stateBits & transactionStateBitShouldNotCommit) != 0 {
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrPreviousOperationFailed, "previous operation prevents commit"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return nil
}

func (t *transactionAttempt) checkCanRollbackLocked() *TransactionOperationFailedError {
	err := t.checkCanCommitRollbackLocked()
	if err != nil {
		return err
	}

	stateBits := atomic.LoadUint32(&t.stateBits)
	if (stateBits & transactionStateBitShouldNotRollback) != 0 {
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: errors.Wrap(ErrPreviousOperationFailed, "previous operation prevents rollback"),
				Class:  ErrorClassFailOther,
			},
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	return nil
}

// checkExpiredAtomic reports expiry against the attempt's deadline, letting a
// hook force expiry for tests.  When proceedInOvertime is set, an attempt
// already known to be past its deadline is allowed to continue (used by
// post-commit-point and rollback paths which must finish regardless).
func (t *transactionAttempt) checkExpiredAtomic(stage string, docID string, proceedInOvertime bool) *classifiedError {
	if proceedInOvertime && t.isExpiryOvertimeAtomic() {
		return nil
	}

	expired, err := t.hooks.HasExpiredClientSideHook(stage, docID)
	if err != nil {
		return &classifiedError{
			Source: errors.Wrap(err, "HasExpired hook returned an unexpected error"),
			Class:  ErrorClassFailOther,
		}
	}

	if expired {
		return &classifiedError{
			Source: errors.Wrap(ErrAttemptExpired, "a hook has marked this attempt expired"),
			Class:  ErrorClassFailExpiry,
		}
	}

	if hasExpired(t.expiryTime) {
		return &classifiedError{
			Source: errors.Wrap(ErrAttemptExpired, "the expiry for the attempt was reached"),
			Class:  ErrorClassFailExpiry,
		}
	}

	return nil
}

func (t *transactionAttempt) getStagedMutationLocked(storeName, key string) (int, *stagedMutation) {
	for i, mutation := range t.stagedMutations {
		if mutation.Store.Name() == storeName && mutation.Key == key {
			return i, mutation
		}
	}

	return -1, nil
}

func (t *transactionAttempt) removeStagedMutation(storeName, key string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	mutIdx, _ := t.getStagedMutationLocked(storeName, key)
	if mutIdx >= 0 {
		t.stagedMutations = append(t.stagedMutations[:mutIdx], t.stagedMutations[mutIdx+1:]...)
	}
}

func (t *transactionAttempt) recordStagedMutation(stagedInfo *stagedMutation) {
	t.lock.Lock()
	defer t.lock.Unlock()

	mutIdx, _ := t.getStagedMutationLocked(stagedInfo.Store.Name(), stagedInfo.Key)
	if mutIdx >= 0 {
		t.stagedMutations[mutIdx] = stagedInfo
	} else {
		t.stagedMutations = append(t.stagedMutations, stagedInfo)
	}
}

// getTxnState fetches another attempt's ATR entry to resolve a document that
// is blocked by that attempt's staging metadata.  A nil entry with nil error
// means the entry no longer exists, which counts as the attempt having been
// fully resolved.
func (t *transactionAttempt) getTxnState(
	ctx context.Context,
	srcStoreName string,
	srcKey string,
	atrStoreName string,
	atrDocID string,
	attemptID string,
) (*jsonAtrAttempt, *classifiedError) {
	if err := t.hooks.BeforeCheckATREntryForBlockingDoc(atrDocID); err != nil {
		return nil, classifyHookError(err)
	}

	atrStore, err := t.storeProvider(atrStoreName)
	if err != nil {
		return nil, classifyError(err)
	}

	deadlineCtx, cancel := opCtx(ctx, t.operationTimeout)
	defer cancel()

	entryBytes, _, err := atrStore.SubdocGet(deadlineCtx, atrDocID, "attempts."+attemptID)
	if err != nil {
		cerr := classifyError(err)
		switch cerr.Class {
		case ErrorClassFailPathNotFound:
			return nil, nil
		case ErrorClassFailDocNotFound:
			return nil, classifyError(errors.Wrap(ErrAtrNotFound, "atr document missing for blocking attempt"))
		default:
			return nil, cerr
		}
	}

	var txnAttempt *jsonAtrAttempt
	if err := json.Unmarshal(entryBytes, &txnAttempt); err != nil {
		return nil, &classifiedError{
			Source: err,
			Class:  ErrorClassFailOther,
		}
	}

	return txnAttempt, nil
}

// writeWriteConflictCheck applies the conflict rules before a write is
// staged.  It never blocks: every outcome is decided immediately and retry
// responsibility is pushed to the classifier.
func (t *transactionAttempt) writeWriteConflictCheck(
	ctx context.Context,
	meta *jsonTxnMeta,
	store Store,
	key string,
	cas Cas,
	existingMutation *stagedMutation,
) *TransactionOperationFailedError {
	if meta == nil {
		// There is no write-write conflict.
		return nil
	}

	if meta.ID.Transaction == t.transactionID {
		if meta.ID.Attempt == t.id {
			if existingMutation != nil {
				if cas != existingMutation.Cas {
					// There was an existing mutation but it doesn't match the
					// expected CAS.  We throw a CAS mismatch to early detect this.
					return t.operationFailed(operationFailedDef{
						Cerr: &classifiedError{
							Source: ErrCasMismatch,
							Class:  ErrorClassFailCasMismatch,
						},
						ShouldNotRetry:    false,
						ShouldNotRollback: false,
						Reason:            ErrorReasonTransactionFailed,
					})
				}

				return nil
			}

			// This means that we are trying to overwrite a previous write this
			// specific attempt has performed without actually having found the
			// existing mutation, this is never going to work correctly.
			return t.operationFailed(operationFailedDef{
				Cerr: &classifiedError{
					Source: ErrIllegalState,
					Class:  ErrorClassFailOther,
				},
				ShouldNotRetry:    true,
				ShouldNotRollback: false,
				Reason:            ErrorReasonTransactionFailed,
			})
		}

		// The transaction matches our transaction.  We can safely overwrite
		// the existing data in the txn meta and continue.
		return nil
	}

	if cerr := t.checkExpiredAtomic(hookWWC, key, false); cerr != nil {
		return t.operationFailed(operationFailedDef{
			Cerr:              cerr,
			ShouldNotRetry:    true,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionExpired,
		})
	}

	blockingAttempt, cerr := t.getTxnState(ctx, store.Name(), key,
		meta.ATR.StoreName, meta.ATR.DocID, meta.ID.Attempt)
	if cerr != nil {
		return t.operationFailed(operationFailedDef{
			Cerr: &classifiedError{
				Source: &writeWriteConflictError{
					Source:      cerr.Source,
					StoreName:   store.Name(),
					DocumentKey: key,
				},
				Class: ErrorClassFailWriteWriteConflict,
			},
			ShouldNotRetry:    false,
			ShouldNotRollback: false,
			Reason:            ErrorReasonTransactionFailed,
		})
	}

	if blockingAttempt == nil {
		// The ATR entry is missing, which counts as it being completed.
		return nil
	}

	state := jsonAtrState(blockingAttempt.State)
	if state == jsonAtrStateCommitted || state == jsonAtrStateCompleted ||
		state == jsonAtrStateRolledBack {
		// The blocking attempt has progressed far enough that the document's
		// post-resolution state is usable; let's continue.
		return nil
	}

	expiresAt := blockingAttempt.StartTime + int64(blockingAttempt.ExpiryTime)
	if expiresAt > 0 && expiresAt < nowUnixMillis() {
		// The blocking attempt has expired and is now the sweeper's problem.
		return nil
	}

	return t.operationFailed(operationFailedDef{
		Cerr: &classifiedError{
			Source: &writeWriteConflictError{
				Source: fmt.Errorf(
					"attempt %s still blocks %s.%s",
					meta.ID.Attempt, store.Name(), key),
				StoreName:   store.Name(),
				DocumentKey: key,
			},
			Class: ErrorClassFailWriteWriteConflict,
		},
		ShouldNotRetry:    false,
		ShouldNotRollback: false,
		Reason:            ErrorReasonTransactionFailed,
	})
}

func (t *transactionAttempt) GetMutations() []StagedMutation {
	t.lock.Lock()
	defer t.lock.Unlock()

	mutations := make([]StagedMutation, len(t.stagedMutations))
	for mutationIdx, mutation := range t.stagedMutations {
		mutations[mutationIdx] = StagedMutation{
			OpType:    mutation.OpType,
			StoreName: mutation.Store.Name(),
			Key:       mutation.Key,
			Cas:       mutation.Cas,
			Staged:    mutation.Staged,
		}
	}

	return mutations
}

func (t *transactionAttempt) ensureCleanUpRequest() {
	t.lock.Lock()

	if t.state == AttemptStateNothingWritten {
		t.lock.Unlock()
		return
	}

	if t.hasCleanupRequest {
		t.lock.Unlock()
		return
	}

	t.hasCleanupRequest = true

	var inserts []DocRecord
	var replaces []DocRecord
	var removes []DocRecord
	for _, staged := range t.stagedMutations {
		dr := DocRecord{
			StoreName: staged.Store.Name(),
			ID:        staged.Key,
		}

		switch staged.OpType {
		case StagedMutationInsert:
			inserts = append(inserts, dr)
		case StagedMutationReplace:
			replaces = append(replaces, dr)
		case StagedMutationRemove:
			removes = append(removes, dr)
		}
	}

	var atrStoreName string
	if t.atrStore != nil {
		atrStoreName = t.atrStore.Name()
	}

	req := &CleanupRequest{
		AttemptID:    t.id,
		AtrID:        t.atrKey,
		AtrStoreName: atrStoreName,
		Inserts:      inserts,
		Replaces:     replaces,
		Removes:      removes,
		State:        t.state,
		readyTime:    time.Now(),
	}

	t.lock.Unlock()

	t.addCleanupRequest(req)
}

func (t *transactionAttempt) Serialize() ([]byte, error) {
	var res jsonSerializedAttempt

	t.lock.Lock()
	t.waitForOpsLocked()

	res.ID.Transaction = t.transactionID
	res.ID.Attempt = t.id

	if t.atrStore != nil {
		res.ATR.Store = t.atrStore.Name()
		res.ATR.ID = t.atrKey
	} else if t.atrLocation.Store != nil {
		res.ATR.Store = t.atrLocation.Store.Name()
		res.ATR.ID = ""
	}

	res.Config.OperationTimeoutMs = int(t.operationTimeout / time.Millisecond)
	res.Config.DurabilityLevel = durabilityLevelToString(t.durabilityLevel)
	res.Config.NumAtrs = t.numAtrs

	res.State.TimeLeftMs = int(time.Until(t.expiryTime) / time.Millisecond)

	for _, mutation := range t.stagedMutations {
		var mutationData jsonSerializedMutation

		mutationData.Store = mutation.Store.Name()
		mutationData.ID = mutation.Key
		mutationData.Cas = strconv.FormatUint(uint64(mutation.Cas), 10)
		mutationData.Type = stagedMutationTypeToString(mutation.OpType)

		res.Mutations = append(res.Mutations, mutationData)
	}

	t.lock.Unlock()

	return json.Marshal(res)
}
