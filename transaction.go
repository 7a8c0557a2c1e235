package transactions

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type addCleanupRequest func(req *CleanupRequest) bool

// Transaction represents a single active transaction, it can be used to
// stage mutations and finally commit them.
type Transaction struct {
	parent *Manager

	expiryTime       time.Time
	startTime        time.Time
	operationTimeout time.Duration
	durabilityLevel  DurabilityLevel

	transactionID string

	attempt      *transactionAttempt
	prevAttempts []Attempt

	logger *transactionLogger

	hooks             TransactionHooks
	addCleanupRequest addCleanupRequest
}

// ID returns the transaction's unique identifier.
func (t *Transaction) ID() string {
	return t.transactionID
}

// Attempt returns meta-data about the current attempt to complete the transaction.
func (t *Transaction) Attempt() Attempt {
	if t.attempt == nil {
		return Attempt{}
	}

	return t.attempt.State()
}

// Attempts returns the set of attempts that were performed so far, including
// the current one.
func (t *Transaction) Attempts() []Attempt {
	attempts := make([]Attempt, 0, len(t.prevAttempts)+1)
	attempts = append(attempts, t.prevAttempts...)
	if t.attempt != nil {
		attempts = append(attempts, t.attempt.State())
	}
	return attempts
}

// TimeRemaining returns the amount of time remaining before the transaction
// expires.
func (t *Transaction) TimeRemaining() time.Duration {
	return time.Until(t.expiryTime)
}

// Logs returns the accumulated per-attempt log entries for this transaction.
func (t *Transaction) Logs() []string {
	return t.logger.Logs()
}

// NewAttempt begins a new attempt with this transaction, rolling over any
// previous attempt's record.
func (t *Transaction) NewAttempt() error {
	if t.attempt != nil {
		t.prevAttempts = append(t.prevAttempts, t.attempt.State())
	}

	attemptUUID := uuid.New().String()

	t.attempt = t.newAttempt(attemptUUID)

	t.logger.logf(attemptUUID, "new attempt started")

	return nil
}

func (t *Transaction) newAttempt(attemptUUID string) *transactionAttempt {
	cfg := t.parent.config

	attempt := &transactionAttempt{
		expiryTime:           t.expiryTime,
		txnStartTime:         t.startTime,
		operationTimeout:     t.operationTimeout,
		durabilityLevel:      t.durabilityLevel,
		transactionID:        t.transactionID,
		id:                   attemptUUID,
		hooks:                t.hooks,
		atrLocation:          cfg.CustomATRLocation,
		storeProvider:        cfg.StoreProvider,
		queryExecutor:        cfg.QueryExecutor,
		numAtrs:              cfg.NumATRs,
		transientRetryLimit:  cfg.TransientRetryLimit,
		unstagingParallelism: cfg.UnstagingParallelism,
		logger:               t.logger,

		state: AttemptStateNothingWritten,

		addCleanupRequest: t.addCleanupRequest,
	}
	attempt.cond = sync.NewCond(&attempt.lock)

	return attempt
}

// resumeAttempt rehydrates an attempt from its serialized snapshot.
func (t *Transaction) resumeAttempt(txnData *jsonSerializedAttempt) error {
	if txnData.ID.Attempt == "" {
		return errors.New("invalid txn data - no attempt id")
	}

	attempt := t.newAttempt(txnData.ID.Attempt)

	if txnData.ATR.ID != "" {
		// ATR references the specific ATR for this transaction.
		if txnData.ATR.Store == "" {
			return errors.New("invalid txn data - atr location is missing its store")
		}

		atrStore, err := t.parent.config.StoreProvider(txnData.ATR.Store)
		if err != nil {
			return err
		}

		attempt.state = AttemptStatePending
		attempt.atrStore = atrStore
		attempt.atrKey = txnData.ATR.ID
	} else if txnData.ATR.Store != "" {
		// ATR.Store without an ID means the location was forced but no
		// document has been staged yet.
		atrStore, err := t.parent.config.StoreProvider(txnData.ATR.Store)
		if err != nil {
			return err
		}

		attempt.state = AttemptStateNothingWritten
		attempt.atrLocation = ATRLocation{Store: atrStore}
	}

	for _, mutationData := range txnData.Mutations {
		opType, err := stagedMutationTypeFromString(mutationData.Type)
		if err != nil {
			return err
		}

		store, err := t.parent.config.StoreProvider(mutationData.Store)
		if err != nil {
			return err
		}

		cas, err := strconv.ParseUint(mutationData.Cas, 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid txn data - unparsable mutation cas")
		}

		attempt.stagedMutations = append(attempt.stagedMutations, &stagedMutation{
			OpType: opType,
			Store:  store,
			Key:    mutationData.ID,
			Cas:    Cas(cas),
		})
	}

	t.attempt = attempt

	t.logger.logf(attempt.id, "attempt resumed from serialized state")

	return nil
}

// Get will attempt to fetch a document, and fail the transaction if it does
// not exist.
func (t *Transaction) Get(ctx context.Context, store Store, key string) (*GetResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Get(ctx, store, key)
}

// Insert will attempt to insert a document.
func (t *Transaction) Insert(ctx context.Context, store Store, key string, value json.RawMessage) (*GetResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Insert(ctx, store, key, value)
}

// Replace will attempt to replace an existing document.
func (t *Transaction) Replace(ctx context.Context, doc *GetResult, value json.RawMessage) (*GetResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Replace(ctx, doc, value)
}

// Remove will attempt to remove a previously fetched document.
func (t *Transaction) Remove(ctx context.Context, doc *GetResult) (*GetResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Remove(ctx, doc)
}

// Query forwards a statement to the configured query collaborator, tagged
// with this attempt's identity.
func (t *Transaction) Query(ctx context.Context, statement string) (*QueryResult, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Query(ctx, statement)
}

// Commit will attempt to commit the transaction, rolling it back and
// cancelling it if it is not capable of doing so.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.attempt == nil {
		return ErrNoAttempt
	}

	return t.attempt.Commit(ctx)
}

// Rollback will attempt to rollback the transaction.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.attempt == nil {
		return ErrNoAttempt
	}

	return t.attempt.Rollback(ctx)
}

// HasExpired indicates whether this transaction has expired.
func (t *Transaction) HasExpired() bool {
	if t.attempt == nil {
		return false
	}

	return t.attempt.HasExpired()
}

// CanCommit indicates whether this transaction can still be committed.
func (t *Transaction) CanCommit() bool {
	if t.attempt == nil {
		return false
	}

	return t.attempt.CanCommit()
}

// ShouldRollback indicates if this transaction should be rolled back.
func (t *Transaction) ShouldRollback() bool {
	if t.attempt == nil {
		return false
	}

	return t.attempt.ShouldRollback()
}

// ShouldRetry indicates if this transaction can be retried.
func (t *Transaction) ShouldRetry() bool {
	if t.attempt == nil {
		return false
	}

	return t.attempt.ShouldRetry()
}

// GetMutations returns a list of all the current mutations that have been
// performed under this transaction.
func (t *Transaction) GetMutations() []StagedMutation {
	if t.attempt == nil {
		return nil
	}

	return t.attempt.GetMutations()
}

// GetATRLocation returns the ATR location for the current attempt, either
// by identifying where it was placed, or where it will be based on custom
// configuration.
func (t *Transaction) GetATRLocation() ATRLocation {
	t.attempt.lock.Lock()

	if t.attempt.atrStore != nil {
		location := ATRLocation{Store: t.attempt.atrStore}
		t.attempt.lock.Unlock()
		return location
	}

	t.attempt.lock.Unlock()

	return t.attempt.atrLocation
}

// SetATRLocation forces the ATR location for the current attempt to a
// specific location.  Note that this cannot be called if it has already been
// set.  This is currently only safe to call before any mutations have
// occurred.
func (t *Transaction) SetATRLocation(location ATRLocation) error {
	t.attempt.lock.Lock()
	defer t.attempt.lock.Unlock()

	if t.attempt.atrStore != nil {
		return errors.New("atr location cannot be set after mutations have occurred")
	}

	if t.attempt.atrLocation.Store != nil {
		return errors.New("atr location can only be set once")
	}

	t.attempt.atrLocation = location

	return nil
}

// SerializeAttempt will serialize the current transaction attempt, allowing
// it to be resumed later, potentially under a different transactions client.
func (t *Transaction) SerializeAttempt() ([]byte, error) {
	if t.attempt == nil {
		return nil, ErrNoAttempt
	}

	return t.attempt.Serialize()
}
