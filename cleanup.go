package transactions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// CleanupRequest represents a single transaction attempt whose bookkeeping
// still needs to be cleared away.
type CleanupRequest struct {
	AttemptID    string
	AtrID        string
	AtrStoreName string
	Inserts      []DocRecord
	Replaces     []DocRecord
	Removes      []DocRecord
	State        AttemptState

	readyTime time.Time
}

// DocRecord represents an individual document operation requiring cleanup.
type DocRecord struct {
	StoreName string
	ID        string
}

// CleanupAttempt represents the result of running cleanup for a transaction
// attempt.
type CleanupAttempt struct {
	Success      bool
	IsRegular    bool
	AttemptID    string
	AtrID        string
	AtrStoreName string
	Request      *CleanupRequest
}

// Cleaner runs cleanup of the transaction attempts this client performed
// itself.
type Cleaner interface {
	AddRequest(req *CleanupRequest) bool
	CleanupAttempt(ctx context.Context, req *CleanupRequest, regular bool) CleanupAttempt
	ForceCleanupQueue(ctx context.Context) []CleanupAttempt
	QueueLength() int32
	Close()
}

type noopCleaner struct {
}

func (nc *noopCleaner) AddRequest(req *CleanupRequest) bool {
	return true
}

func (nc *noopCleaner) CleanupAttempt(ctx context.Context, req *CleanupRequest, regular bool) CleanupAttempt {
	return CleanupAttempt{
		Success:      true,
		IsRegular:    regular,
		AttemptID:    req.AttemptID,
		AtrID:        req.AtrID,
		AtrStoreName: req.AtrStoreName,
		Request:      req,
	}
}

func (nc *noopCleaner) ForceCleanupQueue(ctx context.Context) []CleanupAttempt {
	return nil
}

func (nc *noopCleaner) QueueLength() int32 {
	return 0
}

func (nc *noopCleaner) Close() {
}

type stdCleaner struct {
	hooks            CleanUpHooks
	storeProvider    StoreProviderFn
	operationTimeout time.Duration
	q                chan *CleanupRequest
	stop             chan struct{}
	logger           *logrus.Logger
}

func newStdCleaner(config *Config) *stdCleaner {
	return &stdCleaner{
		hooks:            config.Internal.CleanUpHooks,
		storeProvider:    config.StoreProvider,
		operationTimeout: config.KeyValueTimeout,
		q:                make(chan *CleanupRequest, config.CleanupQueueSize),
		stop:             make(chan struct{}),
		logger:           config.Logger,
	}
}

func startCleanupThread(config *Config) *stdCleaner {
	cleaner := newStdCleaner(config)
	go cleaner.processQ()

	return cleaner
}

func (c *stdCleaner) processQ() {
	for {
		select {
		case <-c.stop:
			return
		case req := <-c.q:
			res := c.CleanupAttempt(context.Background(), req, true)
			if !res.Success {
				c.logger.WithFields(logrus.Fields{
					"attempt": req.AttemptID,
					"atr":     req.AtrID,
				}).Debug("cleanup attempt failed, leaving for the sweeper")
			}
		}
	}
}

func (c *stdCleaner) AddRequest(req *CleanupRequest) bool {
	select {
	case c.q <- req:
		return true
	default:
		c.logger.Debug("cleanup queue full, dropping request")
		return false
	}
}

func (c *stdCleaner) ForceCleanupQueue(ctx context.Context) []CleanupAttempt {
	var attempts []CleanupAttempt
	for {
		select {
		case req := <-c.q:
			attempts = append(attempts, c.CleanupAttempt(ctx, req, true))
		default:
			return attempts
		}
	}
}

func (c *stdCleaner) QueueLength() int32 {
	return int32(len(c.q))
}

func (c *stdCleaner) Close() {
	close(c.stop)
}

// CleanupAttempt processes a single request: it resolves the attempt's staged
// documents according to the attempt's final state and then removes the ATR
// entry.  Every step is conditional on the document still carrying this
// attempt's staging metadata, so a repeat run is harmless.
func (c *stdCleaner) CleanupAttempt(ctx context.Context, req *CleanupRequest, regular bool) CleanupAttempt {
	if req.State == AttemptStateCommitting {
		// The commit point outcome is unknown; only the sweeper may resolve
		// this entry, and only after the attempt's deadline has passed.
		return CleanupAttempt{
			Success:      true,
			IsRegular:    regular,
			AttemptID:    req.AttemptID,
			AtrID:        req.AtrID,
			AtrStoreName: req.AtrStoreName,
			Request:      req,
		}
	}

	err := c.cleanupDocs(ctx, req)
	if err == nil {
		err = c.cleanupATR(ctx, req)
	}

	return CleanupAttempt{
		Success:      err == nil,
		IsRegular:    regular,
		AttemptID:    req.AttemptID,
		AtrID:        req.AtrID,
		AtrStoreName: req.AtrStoreName,
		Request:      req,
	}
}

func (c *stdCleaner) cleanupDocs(ctx context.Context, req *CleanupRequest) error {
	switch req.State {
	case AttemptStateCommitted:
		if err := c.commitStagedDocs(ctx, req.AttemptID, append(req.Inserts, req.Replaces...)); err != nil {
			return err
		}
		return c.commitRemovedDocs(ctx, req.AttemptID, req.Removes)
	case AttemptStatePending, AttemptStateAborted:
		if err := c.rollbackInsertedDocs(ctx, req.AttemptID, req.Inserts); err != nil {
			return err
		}
		return c.rollbackStagedDocs(ctx, req.AttemptID, append(req.Replaces, req.Removes...))
	default:
		// Completed and rolled back attempts have no document work left.
		return nil
	}
}

// fetchStagedDoc gets a document and returns it only if it still carries the
// given attempt's staging metadata.  A nil doc with nil error means there is
// nothing left to do for it.
func (c *stdCleaner) fetchStagedDoc(ctx context.Context, attemptID string, dr DocRecord) (Store, *Doc, *jsonTxnMeta, error) {
	store, err := c.storeProvider(dr.StoreName)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := c.hooks.BeforeDocGet(dr.ID); err != nil {
		return nil, nil, nil, err
	}

	deadlineCtx, cancel := opCtx(ctx, c.operationTimeout)
	defer cancel()

	doc, err := store.Get(deadlineCtx, dr.ID)
	if err != nil {
		cerr := classifyError(err)
		if cerr.Class == ErrorClassFailDocNotFound {
			return store, nil, nil, nil
		}
		return nil, nil, nil, err
	}

	if len(doc.Meta) == 0 {
		return store, nil, nil, nil
	}

	var txnMeta *jsonTxnMeta
	if err := json.Unmarshal(doc.Meta, &txnMeta); err != nil {
		return nil, nil, nil, err
	}

	if txnMeta.ID.Attempt != attemptID {
		// Someone else owns the staging now.
		return store, nil, nil, nil
	}

	return store, doc, txnMeta, nil
}

func (c *stdCleaner) commitStagedDocs(ctx context.Context, attemptID string, docs []DocRecord) error {
	for _, dr := range docs {
		if err := c.hooks.BeforeCommitDoc(dr.ID); err != nil {
			return err
		}

		store, doc, txnMeta, err := c.fetchStagedDoc(ctx, attemptID, dr)
		if err != nil {
			return err
		}
		if doc == nil {
			continue
		}

		deadlineCtx, cancel := opCtx(ctx, c.operationTimeout)
		_, err = store.Replace(deadlineCtx, dr.ID, doc.Cas, txnMeta.Operation.Staged, nil, false)
		cancel()
		if err != nil {
			cerr := classifyError(err)
			if cerr.Class == ErrorClassFailCasMismatch || cerr.Class == ErrorClassFailDocNotFound {
				// The document moved since we read it; the next sweep decides.
				continue
			}
			return err
		}
	}

	return nil
}

func (c *stdCleaner) commitRemovedDocs(ctx context.Context, attemptID string, docs []DocRecord) error {
	for _, dr := range docs {
		if err := c.hooks.BeforeRemoveDocStagedForRemoval(dr.ID); err != nil {
			return err
		}

		store, doc, _, err := c.fetchStagedDoc(ctx, attemptID, dr)
		if err != nil {
			return err
		}
		if doc == nil {
			continue
		}

		deadlineCtx, cancel := opCtx(ctx, c.operationTimeout)
		err = store.Remove(deadlineCtx, dr.ID, 0)
		cancel()
		if err != nil {
			cerr := classifyError(err)
			if cerr.Class == ErrorClassFailDocNotFound {
				continue
			}
			return err
		}
	}

	return nil
}

func (c *stdCleaner) rollbackInsertedDocs(ctx context.Context, attemptID string, docs []DocRecord) error {
	for _, dr := range docs {
		if err := c.hooks.BeforeRemoveDoc(dr.ID); err != nil {
			return err
		}

		store, doc, _, err := c.fetchStagedDoc(ctx, attemptID, dr)
		if err != nil {
			return err
		}
		if doc == nil || !doc.Tombstone {
			continue
		}

		deadlineCtx, cancel := opCtx(ctx, c.operationTimeout)
		err = store.Remove(deadlineCtx, dr.ID, doc.Cas)
		cancel()
		if err != nil {
			cerr := classifyError(err)
			if cerr.Class == ErrorClassFailDocNotFound || cerr.Class == ErrorClassFailCasMismatch {
				continue
			}
			return err
		}
	}

	return nil
}

func (c *stdCleaner) rollbackStagedDocs(ctx context.Context, attemptID string, docs []DocRecord) error {
	for _, dr := range docs {
		if err := c.hooks.BeforeRemoveLinks(dr.ID); err != nil {
			return err
		}

		store, doc, _, err := c.fetchStagedDoc(ctx, attemptID, dr)
		if err != nil {
			return err
		}
		if doc == nil {
			continue
		}

		deadlineCtx, cancel := opCtx(ctx, c.operationTimeout)
		_, err = store.MutateMeta(deadlineCtx, dr.ID, doc.Cas, nil)
		cancel()
		if err != nil {
			cerr := classifyError(err)
			if cerr.Class == ErrorClassFailDocNotFound || cerr.Class == ErrorClassFailCasMismatch {
				continue
			}
			return err
		}
	}

	return nil
}

func (c *stdCleaner) cleanupATR(ctx context.Context, req *CleanupRequest) error {
	if req.AtrID == "" || req.AtrStoreName == "" {
		return nil
	}

	if err := c.hooks.BeforeATRRemove(req.AtrID); err != nil {
		return err
	}

	store, err := c.storeProvider(req.AtrStoreName)
	if err != nil {
		return err
	}

	deadlineCtx, cancel := opCtx(ctx, c.operationTimeout)
	defer cancel()

	_, err = store.SubdocRemove(deadlineCtx, req.AtrID, "attempts."+req.AttemptID, 0)
	if err != nil {
		cerr := classifyError(err)
		if cerr.Class == ErrorClassFailPathNotFound || cerr.Class == ErrorClassFailDocNotFound {
			return nil
		}
		return err
	}

	return nil
}
