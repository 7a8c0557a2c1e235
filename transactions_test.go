package transactions_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockv/transactions"
	"github.com/dockv/transactions/memstore"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func providerFor(stores ...*memstore.Store) transactions.StoreProviderFn {
	byName := make(map[string]*memstore.Store, len(stores))
	for _, store := range stores {
		byName[store.Name()] = store
	}

	return func(name string) (transactions.Store, error) {
		store, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown store location %s", name)
		}
		return store, nil
	}
}

func newTestManager(t *testing.T, mutate func(*transactions.Config), stores ...*memstore.Store) *transactions.Manager {
	config := &transactions.Config{
		ExpirationTime:        10 * time.Second,
		DurabilityLevel:       transactions.DurabilityLevelNone,
		KeyValueTimeout:       2500 * time.Millisecond,
		NumATRs:               16,
		CleanupClientAttempts: false,
		CleanupLostAttempts:   false,
		StoreProvider:         providerFor(stores...),
		Logger:                quietLogger(),
	}
	if mutate != nil {
		mutate(config)
	}

	mgr, err := transactions.Init(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mgr.Close()
	})

	return mgr
}

func beginAttempt(t *testing.T, mgr *transactions.Manager) *transactions.Transaction {
	txn, err := mgr.BeginTransaction(nil)
	require.NoError(t, err)
	require.NoError(t, txn.NewAttempt())
	return txn
}

func seedDoc(t *testing.T, store *memstore.Store, key, body string) {
	_, err := store.Insert(context.Background(), key, []byte(body), nil, false)
	require.NoError(t, err)
}

func TestTransactionCommit(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "replace-me", `{"v":1}`)
	seedDoc(t, store, "remove-me", `{"v":1}`)

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	res, err := mgr.Run(ctx, func(txn *transactions.Transaction) error {
		if _, err := txn.Insert(ctx, store, "insert-me", json.RawMessage(`{"v":2}`)); err != nil {
			return err
		}

		doc, err := txn.Get(ctx, store, "replace-me")
		if err != nil {
			return err
		}
		if _, err := txn.Replace(ctx, doc, json.RawMessage(`{"v":2}`)); err != nil {
			return err
		}

		doc, err = txn.Get(ctx, store, "remove-me")
		if err != nil {
			return err
		}
		_, err = txn.Remove(ctx, doc)
		return err
	}, nil)
	require.NoError(t, err)

	assert.True(t, res.UnstagingComplete)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, transactions.AttemptStateCompleted, res.Attempts[0].State)
	assert.True(t, res.Attempts[0].UnstagingComplete)

	inserted, err := store.Get(ctx, "insert-me")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(inserted.Body))
	assert.Empty(t, inserted.Meta)
	assert.False(t, inserted.Tombstone)

	replaced, err := store.Get(ctx, "replace-me")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(replaced.Body))
	assert.Empty(t, replaced.Meta)

	_, err = store.Get(ctx, "remove-me")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)
}

func TestStagedMutationsInvisibleBeforeCommit(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "existing", `{"v":1}`)

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	txn := beginAttempt(t, mgr)

	_, err := txn.Insert(ctx, store, "incoming", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	doc, err := txn.Get(ctx, store, "existing")
	require.NoError(t, err)
	_, err = txn.Replace(ctx, doc, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	// A staged insert travels as a tombstone; outside readers never see a
	// document, only the staging metadata.
	staged, err := store.Get(ctx, "incoming")
	require.NoError(t, err)
	assert.True(t, staged.Tombstone)
	assert.Empty(t, staged.Body)
	assert.NotEmpty(t, staged.Meta)

	// A staged replace leaves the committed content in place.
	existing, err := store.Get(ctx, "existing")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(existing.Body))
	assert.NotEmpty(t, existing.Meta)

	require.NoError(t, txn.Rollback(ctx))
}

func TestReadYourOwnWrites(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "committed", `{"v":1}`)

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	txn := beginAttempt(t, mgr)

	_, err := txn.Insert(ctx, store, "mine", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	doc, err := txn.Get(ctx, store, "mine")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc.Value))

	_, err = txn.Replace(ctx, doc, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	doc, err = txn.Get(ctx, store, "mine")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(doc.Value))

	// Removing a committed document hides it from our own reads while it
	// stays visible to everyone else.
	doc, err = txn.Get(ctx, store, "committed")
	require.NoError(t, err)
	_, err = txn.Remove(ctx, doc)
	require.NoError(t, err)

	_, err = txn.Get(ctx, store, "committed")
	require.Error(t, err)

	var tofe *transactions.TransactionOperationFailedError
	require.True(t, errors.As(err, &tofe))
	assert.True(t, errors.Is(tofe.InternalUnwrap(), transactions.ErrDocumentNotFound))

	// The read miss does not poison the attempt.
	assert.True(t, txn.CanCommit())
	require.NoError(t, txn.Commit(ctx))

	_, err = store.Get(ctx, "committed")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)
}

func TestRemoveOwnStagedInsert(t *testing.T) {
	store := memstore.New("main")

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	txn := beginAttempt(t, mgr)

	_, err := txn.Insert(ctx, store, "fleeting", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	doc, err := txn.Get(ctx, store, "fleeting")
	require.NoError(t, err)
	_, err = txn.Remove(ctx, doc)
	require.NoError(t, err)

	// The tombstone is discarded outright rather than staged as a remove.
	_, err = store.Get(ctx, "fleeting")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)

	assert.Empty(t, txn.GetMutations())
	require.NoError(t, txn.Commit(ctx))
}

func TestTransactionRollback(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "keeper", `{"v":1}`)

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	txn := beginAttempt(t, mgr)

	_, err := txn.Insert(ctx, store, "discarded", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	doc, err := txn.Get(ctx, store, "keeper")
	require.NoError(t, err)
	_, err = txn.Replace(ctx, doc, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	require.NoError(t, txn.Rollback(ctx))
	assert.Equal(t, transactions.AttemptStateRolledBack, txn.Attempt().State)

	_, err = store.Get(ctx, "discarded")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)

	keeper, err := store.Get(ctx, "keeper")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(keeper.Body))
	assert.Empty(t, keeper.Meta)

	// A second rollback is a no-op.
	require.NoError(t, txn.Rollback(ctx))
}

func TestCommitNothingWritten(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "read-only", `{"v":1}`)

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	res, err := mgr.Run(ctx, func(txn *transactions.Transaction) error {
		doc, err := txn.Get(ctx, store, "read-only")
		if err != nil {
			return err
		}
		assert.JSONEq(t, `{"v":1}`, string(doc.Value))
		return nil
	}, nil)
	require.NoError(t, err)

	assert.True(t, res.UnstagingComplete)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, transactions.AttemptStateNothingWritten, res.Attempts[0].State)
}

func TestRollbackNothingWritten(t *testing.T) {
	store := memstore.New("main")

	mgr := newTestManager(t, nil, store)

	txn := beginAttempt(t, mgr)
	require.NoError(t, txn.Rollback(context.Background()))
	assert.Equal(t, transactions.AttemptStateRolledBack, txn.Attempt().State)
}

func TestWriteWriteConflict(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "contested", `{"v":1}`)

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()

	txn1 := beginAttempt(t, mgr)
	doc1, err := txn1.Get(ctx, store, "contested")
	require.NoError(t, err)
	_, err = txn1.Replace(ctx, doc1, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	// A second transaction sees the committed content but cannot stage over a
	// live pending attempt.
	txn2 := beginAttempt(t, mgr)
	doc2, err := txn2.Get(ctx, store, "contested")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc2.Value))

	_, err = txn2.Replace(ctx, doc2, json.RawMessage(`{"v":3}`))
	require.Error(t, err)

	var tofe *transactions.TransactionOperationFailedError
	require.True(t, errors.As(err, &tofe))
	assert.True(t, tofe.Retry())
	assert.True(t, errors.Is(tofe.InternalUnwrap(), transactions.ErrWriteWriteConflict))

	// Once the blocker resolves, a fresh attempt goes through.
	require.NoError(t, txn1.Rollback(ctx))

	require.NoError(t, txn2.NewAttempt())
	doc2, err = txn2.Get(ctx, store, "contested")
	require.NoError(t, err)
	_, err = txn2.Replace(ctx, doc2, json.RawMessage(`{"v":3}`))
	require.NoError(t, err)
	require.NoError(t, txn2.Commit(ctx))

	final, err := store.Get(ctx, "contested")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":3}`, string(final.Body))
}

type failUnstageHooks struct {
	transactions.DefaultHooks
}

func (h *failUnstageHooks) BeforeDocCommitted(docID string) error {
	return transactions.ErrHard
}

func TestCommittedBlockerVisibleToReaders(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "handover", `{"v":1}`)

	ctx := context.Background()

	// The writer reaches the commit point but never manages to unstage; the
	// transaction still succeeds, leaving unstaging to cleanup.
	writerMgr := newTestManager(t, func(cfg *transactions.Config) {
		cfg.Internal.Hooks = &failUnstageHooks{}
	}, store)

	res, err := writerMgr.Run(ctx, func(txn *transactions.Transaction) error {
		doc, err := txn.Get(ctx, store, "handover")
		if err != nil {
			return err
		}
		_, err = txn.Replace(ctx, doc, json.RawMessage(`{"v":2}`))
		return err
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.UnstagingComplete)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, transactions.AttemptStateCommitted, res.Attempts[0].State)

	// The store itself still holds the old content plus staging metadata.
	raw, err := store.Get(ctx, "handover")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(raw.Body))
	assert.NotEmpty(t, raw.Meta)

	// A transactional reader resolves the blocker as committed and observes
	// the staged content.
	readerMgr := newTestManager(t, nil, store)
	_, err = readerMgr.Run(ctx, func(txn *transactions.Transaction) error {
		doc, err := txn.Get(ctx, store, "handover")
		if err != nil {
			return err
		}
		assert.JSONEq(t, `{"v":2}`, string(doc.Value))
		return nil
	}, nil)
	require.NoError(t, err)
}

func TestTransactionExpires(t *testing.T) {
	store := memstore.New("main")

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	_, err := mgr.Run(ctx, func(txn *transactions.Transaction) error {
		time.Sleep(20 * time.Millisecond)
		_, err := txn.Insert(ctx, store, "late", json.RawMessage(`{"v":1}`))
		return err
	}, &transactions.PerTransactionConfig{
		ExpirationTime: 1 * time.Millisecond,
	})
	require.Error(t, err)

	var expErr *transactions.TransactionExpiredError
	assert.True(t, errors.As(err, &expErr))
	assert.True(t, errors.Is(err, transactions.ErrAttemptExpired))

	_, err = store.Get(ctx, "late")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)
}

type failOnceReplaceHooks struct {
	transactions.DefaultHooks

	mu    sync.Mutex
	fired bool
}

func (h *failOnceReplaceHooks) BeforeStagedReplace(docID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fired {
		return nil
	}
	h.fired = true
	return transactions.ErrTransient
}

func TestTransientFailureRetriesAttempt(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "flaky", `{"v":1}`)

	mgr := newTestManager(t, func(cfg *transactions.Config) {
		cfg.Internal.Hooks = &failOnceReplaceHooks{}
	}, store)

	ctx := context.Background()
	res, err := mgr.Run(ctx, func(txn *transactions.Transaction) error {
		doc, err := txn.Get(ctx, store, "flaky")
		if err != nil {
			return err
		}
		_, err = txn.Replace(ctx, doc, json.RawMessage(`{"v":2}`))
		return err
	}, nil)
	require.NoError(t, err)

	// The first attempt fails transiently and rolls back, the second commits.
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, transactions.AttemptStateRolledBack, res.Attempts[0].State)
	assert.Equal(t, transactions.AttemptStateCompleted, res.Attempts[1].State)
	assert.True(t, res.UnstagingComplete)

	final, err := store.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(final.Body))
}

func TestInsertExistingDocumentStillCommits(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "taken", `{"v":1}`)

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	res, err := mgr.Run(ctx, func(txn *transactions.Transaction) error {
		_, err := txn.Insert(ctx, store, "taken", json.RawMessage(`{"v":9}`))
		require.Error(t, err)

		var tofe *transactions.TransactionOperationFailedError
		require.True(t, errors.As(err, &tofe))
		assert.True(t, errors.Is(tofe.InternalUnwrap(), transactions.ErrDocumentAlreadyExists))

		// The attempt survives the failed insert.
		_, err = txn.Insert(ctx, store, "fresh", json.RawMessage(`{"v":1}`))
		return err
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.UnstagingComplete)

	taken, err := store.Get(ctx, "taken")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(taken.Body))

	fresh, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(fresh.Body))
}

func TestClientCleanupRemovesAtrEntry(t *testing.T) {
	store := memstore.New("main")

	mgr := newTestManager(t, func(cfg *transactions.Config) {
		cfg.CleanupClientAttempts = true
	}, store)

	ctx := context.Background()
	res, err := mgr.Run(ctx, func(txn *transactions.Transaction) error {
		_, err := txn.Insert(ctx, store, "tidy", json.RawMessage(`{"v":1}`))
		return err
	}, nil)
	require.NoError(t, err)

	require.Len(t, res.Attempts, 1)
	attempt := res.Attempts[0]
	require.NotEmpty(t, attempt.AtrID)
	assert.Equal(t, "main", attempt.AtrStoreName)

	// The background cleaner removes the completed attempt's ATR entry.
	assert.Eventually(t, func() bool {
		_, _, err := store.SubdocGet(context.Background(), attempt.AtrID, "attempts."+attempt.ID)
		return errors.Is(err, transactions.ErrPathNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	doc, err := store.Get(ctx, "tidy")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc.Body))
}

func TestSerializeAndResumeAttempt(t *testing.T) {
	store := memstore.New("main")

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	txn := beginAttempt(t, mgr)

	_, err := txn.Insert(ctx, store, "portable", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	txnBytes, err := txn.SerializeAttempt()
	require.NoError(t, err)

	resumed, err := mgr.ResumeTransactionAttempt(txnBytes)
	require.NoError(t, err)
	assert.Equal(t, txn.ID(), resumed.ID())

	// The resumed attempt serves its own staged content from the document's
	// staging metadata.
	doc, err := resumed.Get(ctx, store, "portable")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc.Value))

	require.NoError(t, resumed.Commit(ctx))

	final, err := store.Get(ctx, "portable")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(final.Body))
	assert.Empty(t, final.Meta)
	assert.False(t, final.Tombstone)
}

type stubQueryExecutor struct {
	mu       sync.Mutex
	lastStmt string
	lastTag  transactions.QueryAttemptTag
}

func (q *stubQueryExecutor) Execute(ctx context.Context, statement string, tag transactions.QueryAttemptTag) (*transactions.QueryResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastStmt = statement
	q.lastTag = tag

	return &transactions.QueryResult{
		Rows: []json.RawMessage{json.RawMessage(`{"n":1}`)},
	}, nil
}

func TestQueryDelegation(t *testing.T) {
	store := memstore.New("main")

	executor := &stubQueryExecutor{}
	mgr := newTestManager(t, func(cfg *transactions.Config) {
		cfg.QueryExecutor = executor
	}, store)

	ctx := context.Background()
	txn := beginAttempt(t, mgr)

	_, err := txn.Insert(ctx, store, "queried", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	res, err := txn.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	executor.mu.Lock()
	assert.Equal(t, "SELECT 1", executor.lastStmt)
	assert.Equal(t, txn.ID(), executor.lastTag.TransactionID)
	assert.NotEmpty(t, executor.lastTag.AtrID)
	assert.Equal(t, "main", executor.lastTag.AtrStoreName)
	executor.mu.Unlock()

	require.NoError(t, txn.Rollback(ctx))
}

// hardAtrListStore fails every plain subdoc write, which hits the mutation
// list update after the add-only pending write has gone through.
type hardAtrListStore struct {
	*memstore.Store
}

func (s *hardAtrListStore) SubdocSet(ctx context.Context, key, path string, cas transactions.Cas, value []byte, flags transactions.SubdocFlags) (transactions.Cas, error) {
	if flags == transactions.SubdocFlagNone {
		return 0, transactions.ErrHard
	}
	return s.Store.SubdocSet(ctx, key, path, cas, value, flags)
}

func TestRunSurfacesSwallowedHardFailure(t *testing.T) {
	store := &hardAtrListStore{Store: memstore.New("main")}

	mgr := newTestManager(t, func(cfg *transactions.Config) {
		cfg.StoreProvider = func(name string) (transactions.Store, error) {
			if name != "main" {
				return nil, fmt.Errorf("unknown store location %s", name)
			}
			return store, nil
		}
	})

	ctx := context.Background()
	res, err := mgr.Run(ctx, func(txn *transactions.Transaction) error {
		// The staging failure is deliberately discarded; the attempt is left
		// unable to commit or roll back.
		_, _ = txn.Insert(ctx, store, "swallowed", json.RawMessage(`{"v":1}`))
		return nil
	}, nil)
	require.Error(t, err)
	assert.Nil(t, res)

	var tfe *transactions.TransactionFailedError
	require.True(t, errors.As(err, &tfe))
	assert.ErrorIs(t, err, transactions.ErrPreviousOperationFailed)

	require.Len(t, tfe.Result.Attempts, 1)
	assert.Equal(t, transactions.AttemptStatePending, tfe.Result.Attempts[0].State)
	assert.False(t, tfe.Result.UnstagingComplete)
}

func TestStagingFailsWhenAtrEntryGone(t *testing.T) {
	store := memstore.New("main")
	seedDoc(t, store, "anchor", `{"v":1}`)

	mgr := newTestManager(t, nil, store)

	ctx := context.Background()
	txn := beginAttempt(t, mgr)

	doc, err := txn.Get(ctx, store, "anchor")
	require.NoError(t, err)
	_, err = txn.Replace(ctx, doc, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	attempt := txn.Attempt()
	require.NotEmpty(t, attempt.AtrID)
	entryPath := "attempts." + attempt.ID

	// A sweeper resolving this attempt removes its entry out from under it.
	_, err = store.SubdocRemove(ctx, attempt.AtrID, entryPath, 0)
	require.NoError(t, err)

	// Further staging must fail rather than recreate the entry: a recreated
	// entry has no start time and would never be collected.
	_, err = txn.Insert(ctx, store, "orphan", json.RawMessage(`{"v":1}`))
	require.Error(t, err)

	var tofe *transactions.TransactionOperationFailedError
	require.True(t, errors.As(err, &tofe))
	assert.True(t, tofe.Retry())
	assert.True(t, errors.Is(tofe.InternalUnwrap(), transactions.ErrAtrEntryNotFound))

	_, _, err = store.SubdocGet(ctx, attempt.AtrID, entryPath)
	assert.ErrorIs(t, err, transactions.ErrPathNotFound)
}

type expireRollbackDocHooks struct {
	transactions.DefaultHooks
}

func (h *expireRollbackDocHooks) HasExpiredClientSideHook(stage string, docID string) (bool, error) {
	return stage == "abortDoc", nil
}

func TestRollbackContinuesPastDocExpiry(t *testing.T) {
	store := memstore.New("main")

	mgr := newTestManager(t, func(cfg *transactions.Config) {
		cfg.Internal.Hooks = &expireRollbackDocHooks{}
	}, store)

	ctx := context.Background()
	txn := beginAttempt(t, mgr)

	_, err := txn.Insert(ctx, store, "overtime", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	// Expiry during per-document rollback switches the attempt into overtime
	// and keeps clearing staging instead of abandoning it.
	require.NoError(t, txn.Rollback(ctx))
	assert.True(t, txn.HasExpired())
	assert.Equal(t, transactions.AttemptStateRolledBack, txn.Attempt().State)

	_, err = store.Get(ctx, "overtime")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)
}

func TestQueryWithoutExecutor(t *testing.T) {
	store := memstore.New("main")

	mgr := newTestManager(t, nil, store)

	txn := beginAttempt(t, mgr)

	_, err := txn.Query(context.Background(), "SELECT 1")
	require.Error(t, err)

	var qerr *transactions.QueryError
	require.True(t, errors.As(err, &qerr))
	assert.ErrorIs(t, qerr, transactions.ErrIllegalState)
}
