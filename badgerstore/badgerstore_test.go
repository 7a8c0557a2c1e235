package badgerstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockv/transactions"
	"github.com/dockv/transactions/badgerstore"
)

func openTestStore(t *testing.T, dir string) *badgerstore.Store {
	store, err := badgerstore.Open("main", dir)
	require.NoError(t, err)
	return store
}

func TestRoundTrip(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	ctx := context.Background()

	cas, err := store.Insert(ctx, "doc", []byte(`{"v":1}`), []byte(`{"m":1}`), false)
	require.NoError(t, err)

	doc, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc.Body))
	assert.JSONEq(t, `{"m":1}`, string(doc.Meta))
	assert.Equal(t, cas, doc.Cas)

	_, err = store.Insert(ctx, "doc", []byte(`{"v":2}`), nil, false)
	assert.ErrorIs(t, err, transactions.ErrDocumentAlreadyExists)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)
}

func TestCasSemantics(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	ctx := context.Background()

	cas, err := store.Insert(ctx, "doc", []byte(`{"v":1}`), nil, false)
	require.NoError(t, err)

	newCas, err := store.Replace(ctx, "doc", cas, []byte(`{"v":2}`), nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, cas, newCas)

	_, err = store.Replace(ctx, "doc", cas, []byte(`{"v":3}`), nil, false)
	assert.ErrorIs(t, err, transactions.ErrCasMismatch)

	_, err = store.MutateMeta(ctx, "doc", newCas, []byte(`{"m":1}`))
	require.NoError(t, err)

	doc, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(doc.Body))
	assert.JSONEq(t, `{"m":1}`, string(doc.Meta))

	err = store.Remove(ctx, "doc", cas)
	assert.ErrorIs(t, err, transactions.ErrCasMismatch)

	require.NoError(t, store.Remove(ctx, "doc", 0))

	_, err = store.Get(ctx, "doc")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)
}

func TestSubdocOperations(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	ctx := context.Background()

	_, err := store.SubdocSet(ctx, "atr", "attempts.a1", 0, []byte(`{"st":"PENDING"}`),
		transactions.SubdocFlagCreateDoc|transactions.SubdocFlagAddOnly)
	require.NoError(t, err)

	val, cas, err := store.SubdocGet(ctx, "atr", "attempts.a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"st":"PENDING"}`, string(val))

	_, err = store.SubdocSet(ctx, "atr", "attempts.a1", 0, []byte(`{}`),
		transactions.SubdocFlagAddOnly)
	assert.ErrorIs(t, err, transactions.ErrPathAlreadyExists)

	_, err = store.SubdocSet(ctx, "atr", "attempts.a1", cas, []byte(`{"st":"COMMITTED"}`),
		transactions.SubdocFlagNone)
	require.NoError(t, err)

	_, err = store.SubdocRemove(ctx, "atr", "attempts.a1", 0)
	require.NoError(t, err)

	_, _, err = store.SubdocGet(ctx, "atr", "attempts.a1")
	assert.ErrorIs(t, err, transactions.ErrPathNotFound)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store := openTestStore(t, dir)
	ctx := context.Background()

	firstCas, err := store.Insert(ctx, "durable", []byte(`{"v":1}`), nil, false)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = openTestStore(t, dir)
	defer store.Close()

	doc, err := store.Get(ctx, "durable")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc.Body))
	assert.Equal(t, firstCas, doc.Cas)

	// New writes after a reopen never reuse an older cas.
	newCas, err := store.Replace(ctx, "durable", doc.Cas, []byte(`{"v":2}`), nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, firstCas, newCas)
}
