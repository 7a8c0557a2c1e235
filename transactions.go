package transactions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Manager is the top level wrapper object for all transactions handling.  It
// also manages the cleanup process in the background.
type Manager struct {
	config Config

	cleaner     Cleaner
	lostCleanup LostTransactionCleaner
}

// Init will initialize the transactions library and return a Manager object
// which can be used to perform transactions.
func Init(config *Config) (*Manager, error) {
	defaultConfig := &Config{
		ExpirationTime:        10000 * time.Millisecond,
		DurabilityLevel:       DurabilityLevelMajority,
		KeyValueTimeout:       2500 * time.Millisecond,
		NumATRs:               1024,
		CleanupWindow:         60000 * time.Millisecond,
		CleanupClientAttempts: true,
		CleanupLostAttempts:   true,
		CleanupQueueSize:      100000,
		UnstagingParallelism:  1,
	}

	if config == nil {
		config = defaultConfig
	}

	if config.ExpirationTime == 0 {
		config.ExpirationTime = defaultConfig.ExpirationTime
	}
	if config.DurabilityLevel == DurabilityLevelUnknown {
		config.DurabilityLevel = defaultConfig.DurabilityLevel
	}
	if config.KeyValueTimeout == 0 {
		config.KeyValueTimeout = defaultConfig.KeyValueTimeout
	}
	if config.NumATRs == 0 {
		config.NumATRs = defaultConfig.NumATRs
	}
	if config.CleanupWindow == 0 {
		config.CleanupWindow = defaultConfig.CleanupWindow
	}
	if config.CleanupQueueSize == 0 {
		config.CleanupQueueSize = defaultConfig.CleanupQueueSize
	}
	if config.UnstagingParallelism == 0 {
		config.UnstagingParallelism = defaultConfig.UnstagingParallelism
	}
	if config.Internal.Hooks == nil {
		config.Internal.Hooks = &DefaultHooks{}
	}
	if config.Internal.CleanUpHooks == nil {
		config.Internal.CleanUpHooks = &DefaultCleanupHooks{}
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	t := &Manager{
		config: *config,
	}

	if config.CleanupClientAttempts {
		t.cleaner = startCleanupThread(config)
	} else {
		t.cleaner = &noopCleaner{}
	}

	// Lost cleanup can only operate with a provider to resolve the recorded
	// store names; without one the sweeper has nothing to work with.
	if config.CleanupLostAttempts && config.StoreProvider != nil {
		t.lostCleanup = startLostTransactionCleaner(config)
	}

	return t, nil
}

// Config returns the config that was used during the initialization of this
// Manager object.
func (t *Manager) Config() Config {
	return t.config
}

// BeginTransaction will begin a new transaction.  The returned object can be
// used to begin a new attempt and subsequently perform operations before
// finally committing.
func (t *Manager) BeginTransaction(perConfig *PerTransactionConfig) (*Transaction, error) {
	transactionUUID := uuid.New().String()

	expirationTime := t.config.ExpirationTime
	durabilityLevel := t.config.DurabilityLevel
	keyValueTimeout := t.config.KeyValueTimeout

	if perConfig != nil {
		if perConfig.ExpirationTime != 0 {
			expirationTime = perConfig.ExpirationTime
		}
		if perConfig.DurabilityLevel != DurabilityLevelUnknown {
			durabilityLevel = perConfig.DurabilityLevel
		}
		if perConfig.KeyValueTimeout != 0 {
			keyValueTimeout = perConfig.KeyValueTimeout
		}
	}

	now := time.Now()

	return &Transaction{
		parent:           t,
		expiryTime:       now.Add(expirationTime),
		startTime:        now,
		operationTimeout: keyValueTimeout,
		durabilityLevel:  durabilityLevel,
		transactionID:    transactionUUID,
		logger:           newTransactionLogger(t.config.Logger, transactionUUID),
		hooks:            t.config.Internal.Hooks,

		addCleanupRequest: t.addCleanupRequest,
	}, nil
}

// ResumeTransactionAttempt allows the resumption of an existing transaction
// attempt which was previously serialized, potentially by a different
// transaction client.
func (t *Manager) ResumeTransactionAttempt(txnBytes []byte) (*Transaction, error) {
	var txnData jsonSerializedAttempt
	if err := json.Unmarshal(txnBytes, &txnData); err != nil {
		return nil, err
	}

	if txnData.ID.Transaction == "" {
		return nil, errors.New("invalid txn data - no transaction id")
	}
	if txnData.Config.NumAtrs <= 0 || txnData.Config.NumAtrs > 1024 {
		return nil, errors.New("invalid txn data - num atrs must be greater than 0 and less than 1024")
	}
	if txnData.Config.OperationTimeoutMs <= 0 {
		return nil, errors.New("invalid txn data - operation timeout must be greater than 0")
	}
	if t.config.StoreProvider == nil {
		return nil, errors.New("resuming a transaction requires a store provider")
	}

	durabilityLevel, err := durabilityLevelFromString(txnData.Config.DurabilityLevel)
	if err != nil {
		return nil, errors.Wrap(err, "invalid txn data - unexpected durability level")
	}

	expiryTime := time.Now().Add(time.Duration(txnData.State.TimeLeftMs) * time.Millisecond)
	keyValueTimeout := time.Duration(txnData.Config.OperationTimeoutMs) * time.Millisecond

	txn := &Transaction{
		parent:           t,
		expiryTime:       expiryTime,
		startTime:        time.Now(),
		operationTimeout: keyValueTimeout,
		durabilityLevel:  durabilityLevel,
		transactionID:    txnData.ID.Transaction,
		logger:           newTransactionLogger(t.config.Logger, txnData.ID.Transaction),
		hooks:            t.config.Internal.Hooks,

		addCleanupRequest: t.addCleanupRequest,
	}

	if err := txn.resumeAttempt(&txnData); err != nil {
		return nil, err
	}

	return txn, nil
}

// Run executes logic as a transaction, retrying with fresh attempts until it
// commits, terminally fails, or the transaction's deadline passes.  The logic
// callback may run multiple times; it must stage every effect through the
// Transaction it is given.
func (t *Manager) Run(ctx context.Context, logic func(*Transaction) error, perConfig *PerTransactionConfig) (*Result, error) {
	txn, err := t.BeginTransaction(perConfig)
	if err != nil {
		return nil, err
	}

	for attemptNum := 0; ; attemptNum++ {
		if err := txn.NewAttempt(); err != nil {
			return nil, err
		}

		err := logic(txn)
		if err == nil {
			if txn.CanCommit() {
				err = txn.Commit(ctx)
			} else {
				// The callback swallowed a failure that poisoned the attempt;
				// surface a terminal error rather than a pending result.
				err = errors.Wrap(ErrPreviousOperationFailed, "attempt cannot commit")
				if txn.ShouldRollback() {
					if rerr := txn.Rollback(ctx); rerr != nil {
						txn.logger.logf(txn.attempt.id, "rollback failed: %v", rerr)
					}
				}
			}
		} else {
			if txn.ShouldRollback() {
				if rerr := txn.Rollback(ctx); rerr != nil {
					txn.logger.logf(txn.attempt.id, "rollback failed: %v", rerr)
				}
			}
		}

		if err == nil {
			return t.createResult(txn), nil
		}

		var tofe *TransactionOperationFailedError
		if !errors.As(err, &tofe) {
			// An application-level error from the logic callback; it is
			// surfaced as-is with no retry.
			return nil, &TransactionFailedError{
				Cause:  err,
				Result: t.createResult(txn),
			}
		}

		if tofe.Retry() && txn.ShouldRetry() && !txn.HasExpired() {
			backoff := retryBackoff(attemptNum, t.config.RetryBackoff, t.config.RetryBackoffCeil)
			if time.Until(txn.expiryTime) > backoff {
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil, &TransactionFailedError{
						Cause:  ctx.Err(),
						Result: t.createResult(txn),
					}
				}
			}
		}

		res := t.createResult(txn)
		switch tofe.ToRaise() {
		case ErrorReasonTransactionExpired:
			return nil, &TransactionExpiredError{Result: res}
		case ErrorReasonTransactionCommitAmbiguous:
			return nil, &TransactionCommitAmbiguousError{Cause: tofe, Result: res}
		case ErrorReasonTransactionFailedPostCommit:
			// The commit point was reached; the transaction is durable and
			// the cleanup process owns the remaining unstaging.
			return res, nil
		default:
			return nil, &TransactionFailedError{Cause: tofe, Result: res}
		}
	}
}

func (t *Manager) createResult(txn *Transaction) *Result {
	unstagingComplete := false
	if txn.attempt != nil {
		unstagingComplete = txn.attempt.unstagingComplete ||
			txn.attempt.state == AttemptStateNothingWritten
	}

	return &Result{
		TransactionID:     txn.ID(),
		Attempts:          txn.Attempts(),
		UnstagingComplete: unstagingComplete,
		Logs:              txn.Logs(),
	}
}

// Close will shut down this Manager object, shutting down all related
// cleanup operations.
func (t *Manager) Close() error {
	if t.cleaner != nil {
		t.cleaner.Close()
	}
	if t.lostCleanup != nil {
		t.lostCleanup.Close()
	}

	return nil
}

func (t *Manager) addCleanupRequest(req *CleanupRequest) bool {
	return t.cleaner.AddRequest(req)
}

// Internal exposes internal-only functionality, mainly for testing.
// Internal: This should never be used and is not supported.
func (t *Manager) Internal() *ManagerInternal {
	return &ManagerInternal{parent: t}
}

// ManagerInternal exposes internal-only functionality.
// Internal: This should never be used and is not supported.
type ManagerInternal struct {
	parent *Manager
}

// ForceCleanupQueue forces the cleanup queue to drain immediately and
// returns the outcome of every attempt processed.
func (mi *ManagerInternal) ForceCleanupQueue(ctx context.Context) []CleanupAttempt {
	return mi.parent.cleaner.ForceCleanupQueue(ctx)
}

// CleanupQueueLength returns the current length of the client cleanup queue.
func (mi *ManagerInternal) CleanupQueueLength() int32 {
	return mi.parent.cleaner.QueueLength()
}

// CreateGetResult creates a fake GetResult, for use with Replace and Remove
// when the fetch happened out of band.
func (mi *ManagerInternal) CreateGetResult(store Store, key string, cas Cas) *GetResult {
	return &GetResult{
		Store: store,
		Key:   key,
		Cas:   cas,
	}
}
