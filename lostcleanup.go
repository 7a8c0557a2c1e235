package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// lostCleanupGracePeriod is added on top of an attempt's recorded expiry
// before the sweeper considers it abandoned, absorbing clock skew between
// clients.
const lostCleanupGracePeriod = 1 * time.Second

// LostTransactionCleaner scans ATR documents for attempts abandoned by their
// client and drives them to a resolved state: committed attempts are rolled
// forward, pending ones rolled back.
type LostTransactionCleaner interface {
	ProcessATR(ctx context.Context, storeName string, atrID string) ([]CleanupAttempt, error)
	Close()
}

type stdLostTransactionCleaner struct {
	cleanupWindow    time.Duration
	numAtrs          int
	locations        []LostATRLocation
	storeProvider    StoreProviderFn
	operationTimeout time.Duration
	cleaner          *stdCleaner
	stop             chan struct{}
	logger           *logrus.Logger
}

func newStdLostTransactionCleaner(config *Config) *stdLostTransactionCleaner {
	return &stdLostTransactionCleaner{
		cleanupWindow:    config.CleanupWindow,
		numAtrs:          config.NumATRs,
		locations:        config.LostCleanupATRLocations,
		storeProvider:    config.StoreProvider,
		operationTimeout: config.KeyValueTimeout,
		cleaner:          newStdCleaner(config),
		stop:             make(chan struct{}),
		logger:           config.Logger,
	}
}

// NewLostTransactionCleaner creates a lost transaction cleaner which scans
// the configured locations on demand but does not run its own sweep loop.
func NewLostTransactionCleaner(config *Config) LostTransactionCleaner {
	if config.Internal.CleanUpHooks == nil {
		config.Internal.CleanUpHooks = &DefaultCleanupHooks{}
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	return newStdLostTransactionCleaner(config)
}

func startLostTransactionCleaner(config *Config) *stdLostTransactionCleaner {
	cleaner := newStdLostTransactionCleaner(config)
	go cleaner.run()

	return cleaner
}

func (ltc *stdLostTransactionCleaner) run() {
	ticker := time.NewTicker(ltc.cleanupWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ltc.stop:
			return
		case <-ticker.C:
			ltc.sweep(context.Background())
		}
	}
}

func (ltc *stdLostTransactionCleaner) Close() {
	close(ltc.stop)
}

// sweep walks every ATR shard at every configured location once.
func (ltc *stdLostTransactionCleaner) sweep(ctx context.Context) {
	for _, location := range ltc.locations {
		for shard := 0; shard < ltc.numAtrs; shard++ {
			atrID := fmt.Sprintf("%s%d", atrKeyPrefix, shard)

			if _, err := ltc.ProcessATR(ctx, location.StoreName, atrID); err != nil {
				ltc.logger.WithFields(logrus.Fields{
					"store": location.StoreName,
					"atr":   atrID,
				}).WithError(err).Debug("lost cleanup sweep of atr failed")
			}

			select {
			case <-ltc.stop:
				return
			default:
			}
		}
	}
}

// ProcessATR resolves every abandoned attempt recorded in one ATR document.
func (ltc *stdLostTransactionCleaner) ProcessATR(ctx context.Context, storeName string, atrID string) ([]CleanupAttempt, error) {
	store, err := ltc.storeProvider(storeName)
	if err != nil {
		return nil, err
	}

	deadlineCtx, cancel := opCtx(ctx, ltc.operationTimeout)
	doc, err := store.Get(deadlineCtx, atrID)
	cancel()
	if err != nil {
		cerr := classifyError(err)
		if cerr.Class == ErrorClassFailDocNotFound {
			return nil, nil
		}
		return nil, err
	}

	if doc.Tombstone || len(doc.Body) == 0 {
		return nil, nil
	}

	var atr jsonAtrAttempts
	if err := json.Unmarshal(doc.Body, &atr); err != nil {
		return nil, err
	}

	var results []CleanupAttempt
	for attemptID, entry := range atr.Attempts {
		if !ltc.attemptAbandoned(&entry) {
			continue
		}

		res, err := ltc.processEntry(ctx, store, atrID, attemptID, &entry)
		if err != nil {
			ltc.logger.WithFields(logrus.Fields{
				"store":   storeName,
				"atr":     atrID,
				"attempt": attemptID,
			}).WithError(err).Debug("lost cleanup of attempt failed")
			continue
		}
		if res != nil {
			results = append(results, *res)
		}
	}

	return results, nil
}

// attemptAbandoned reports whether an entry's deadline (plus grace) has
// passed.  Entries without a recorded start time are never considered
// abandoned; their owner may still be writing them.
func (ltc *stdLostTransactionCleaner) attemptAbandoned(entry *jsonAtrAttempt) bool {
	if entry.StartTime == 0 {
		return false
	}

	expiresAt := entry.StartTime + int64(entry.ExpiryTime) + int64(lostCleanupGracePeriod/time.Millisecond)
	return nowUnixMillis() > expiresAt
}

func (ltc *stdLostTransactionCleaner) processEntry(ctx context.Context, atrStore Store, atrID, attemptID string, entry *jsonAtrAttempt) (*CleanupAttempt, error) {
	state := jsonAtrState(entry.State)

	if state == jsonAtrStatePending {
		// Flip the abandoned attempt to ABORTED first so a returning client
		// or a concurrent conflict check observes the decision.
		flipped, err := ltc.abortAbandonedEntry(ctx, atrStore, atrID, attemptID, entry)
		if err != nil {
			return nil, err
		}
		if !flipped {
			// Lost the race to another actor; next sweep re-evaluates.
			return nil, nil
		}

		state = jsonAtrStateAborted
	}

	req := &CleanupRequest{
		AttemptID:    attemptID,
		AtrID:        atrID,
		AtrStoreName: atrStore.Name(),
		Inserts:      docRecordsFromAtr(entry.Inserts),
		Replaces:     docRecordsFromAtr(entry.Replaces),
		Removes:      docRecordsFromAtr(entry.Removes),
		State:        attemptStateFromAtrState(state),
		readyTime:    time.Now(),
	}

	res := ltc.cleaner.CleanupAttempt(ctx, req, false)

	return &res, nil
}

// abortAbandonedEntry CAS-flips a pending entry to ABORTED.  Reports false
// when the entry changed underneath us.
func (ltc *stdLostTransactionCleaner) abortAbandonedEntry(ctx context.Context, atrStore Store, atrID, attemptID string, entry *jsonAtrAttempt) (bool, error) {
	deadlineCtx, cancel := opCtx(ctx, ltc.operationTimeout)
	entryBytes, cas, err := atrStore.SubdocGet(deadlineCtx, atrID, "attempts."+attemptID)
	cancel()
	if err != nil {
		cerr := classifyError(err)
		if cerr.Class == ErrorClassFailPathNotFound || cerr.Class == ErrorClassFailDocNotFound {
			return false, nil
		}
		return false, err
	}

	var current jsonAtrAttempt
	if err := json.Unmarshal(entryBytes, &current); err != nil {
		return false, err
	}

	if jsonAtrState(current.State) != jsonAtrStatePending {
		return false, nil
	}

	current.State = string(jsonAtrStateAborted)
	current.AbortTime = nowUnixMillis()

	newBytes, err := json.Marshal(&current)
	if err != nil {
		return false, err
	}

	deadlineCtx, cancel = opCtx(ctx, ltc.operationTimeout)
	_, err = atrStore.SubdocSet(deadlineCtx, atrID, "attempts."+attemptID, cas, newBytes, SubdocFlagNone)
	cancel()
	if err != nil {
		cerr := classifyError(err)
		if cerr.Class == ErrorClassFailCasMismatch || cerr.Class == ErrorClassFailAmbiguous {
			return false, nil
		}
		return false, err
	}

	*entry = current

	return true, nil
}

func docRecordsFromAtr(mutations []jsonAtrMutation) []DocRecord {
	records := make([]DocRecord, 0, len(mutations))
	for _, mutation := range mutations {
		records = append(records, DocRecord{
			StoreName: mutation.StoreName,
			ID:        mutation.DocID,
		})
	}
	return records
}

func attemptStateFromAtrState(state jsonAtrState) AttemptState {
	switch state {
	case jsonAtrStatePending:
		return AttemptStatePending
	case jsonAtrStateCommitted:
		return AttemptStateCommitted
	case jsonAtrStateCompleted:
		return AttemptStateCompleted
	case jsonAtrStateAborted:
		return AttemptStateAborted
	case jsonAtrStateRolledBack:
		return AttemptStateRolledBack
	default:
		return AttemptStateNothingWritten
	}
}
