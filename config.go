package transactions

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DurabilityLevel specifies the durability level to use for a mutation.
type DurabilityLevel int

const (
	// DurabilityLevelUnknown indicates to use the default level.
	DurabilityLevelUnknown = DurabilityLevel(0)

	// DurabilityLevelNone indicates that no durability is needed.
	DurabilityLevelNone = DurabilityLevel(1)

	// DurabilityLevelMajority indicates the operation must be replicated to the majority.
	DurabilityLevelMajority = DurabilityLevel(2)

	// DurabilityLevelPersistToMajority indicates the operation must be persisted to the majority.
	DurabilityLevelPersistToMajority = DurabilityLevel(3)
)

func durabilityLevelToString(level DurabilityLevel) string {
	switch level {
	case DurabilityLevelNone:
		return "NONE"
	case DurabilityLevelMajority:
		return "MAJORITY"
	case DurabilityLevelPersistToMajority:
		return "PERSIST_TO_MAJORITY"
	}
	return ""
}

func durabilityLevelFromString(level string) (DurabilityLevel, error) {
	switch level {
	case "NONE":
		return DurabilityLevelNone, nil
	case "MAJORITY":
		return DurabilityLevelMajority, nil
	case "PERSIST_TO_MAJORITY":
		return DurabilityLevelPersistToMajority, nil
	}
	return DurabilityLevelUnknown, ErrIllegalState
}

// ATRLocation specifies a specific location where ATR entries should be placed.
type ATRLocation struct {
	Store Store
}

// LostATRLocation specifies a location by name where lost transactions may
// have ATR entries needing cleanup.
type LostATRLocation struct {
	StoreName string
}

// Config specifies various tunable options related to transactions.
type Config struct {
	// ExpirationTime sets the maximum time that transactions created
	// by this Manager can run for, before expiring.
	ExpirationTime time.Duration

	// DurabilityLevel specifies the durability level that should be used
	// for all write operations performed by this Manager.
	DurabilityLevel DurabilityLevel

	// KeyValueTimeout specifies the default timeout used for all store writes.
	KeyValueTimeout time.Duration

	// NumATRs specifies the number of ATR documents attempts are sharded
	// over at each location.
	NumATRs int

	// CustomATRLocation forces every transaction's ATR entries to a specific
	// location rather than colocating them with the first staged document.
	CustomATRLocation ATRLocation

	// StoreProvider resolves a recorded store location name back to a Store.
	// It is required for lost-attempt cleanup and attempt resumption.
	StoreProvider StoreProviderFn

	// QueryExecutor is the external query collaborator; transactions without
	// one fail Query calls with a QueryError.
	QueryExecutor QueryExecutor

	// CleanupWindow specifies how often the cleanup process runs
	// attempting to garbage collect transactions that have failed but
	// were not cleaned up by the previous client.
	CleanupWindow time.Duration

	// CleanupClientAttempts controls whether any transaction attempts made
	// by this client are automatically removed.
	CleanupClientAttempts bool

	// CleanupLostAttempts controls whether a background process is created
	// to cleanup any 'lost' transaction attempts.
	CleanupLostAttempts bool

	// CleanupQueueSize controls the maximum size of the client cleanup queue.
	CleanupQueueSize uint32

	// LostCleanupATRLocations are the locations the lost-transaction sweeper
	// scans for abandoned attempts.
	LostCleanupATRLocations []LostATRLocation

	// RetryBackoff is the base delay between transaction-level retries; the
	// actual delay grows exponentially with full jitter up to
	// RetryBackoffCeil.  This is an operational tuning parameter, not a
	// correctness requirement.
	RetryBackoff     time.Duration
	RetryBackoffCeil time.Duration

	// UnstagingParallelism bounds how many documents are unstaged
	// concurrently after the commit point.  1 means serial unstaging.
	UnstagingParallelism int

	// TransientRetryLimit bounds how many times an individual store
	// operation is retried locally on a transient failure before the failure
	// surfaces to the classifier.
	TransientRetryLimit int

	// Logger receives mirrored copies of the per-attempt logs.  Defaults to
	// the logrus standard logger.
	Logger *logrus.Logger

	// Internal specifies a set of options for internal use.
	// Internal: This should never be used and is not supported.
	Internal struct {
		Hooks        TransactionHooks
		CleanUpHooks CleanUpHooks
	}
}

// PerTransactionConfig specifies options which can be overridden on a per
// transaction basis.
type PerTransactionConfig struct {
	// ExpirationTime sets the maximum time that this transaction will
	// run for, before expiring.
	ExpirationTime time.Duration

	// DurabilityLevel specifies the durability level that should be used
	// for all write operations performed by this transaction.
	DurabilityLevel DurabilityLevel

	// KeyValueTimeout specifies the default timeout used for all store writes.
	KeyValueTimeout time.Duration
}
