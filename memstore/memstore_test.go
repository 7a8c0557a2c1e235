package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockv/transactions"
	"github.com/dockv/transactions/memstore"
)

func TestInsertAndGet(t *testing.T) {
	store := memstore.New("main")
	ctx := context.Background()

	cas, err := store.Insert(ctx, "doc", []byte(`{"v":1}`), []byte(`{"m":1}`), false)
	require.NoError(t, err)
	assert.NotZero(t, cas)

	doc, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "doc", doc.Key)
	assert.JSONEq(t, `{"v":1}`, string(doc.Body))
	assert.JSONEq(t, `{"m":1}`, string(doc.Meta))
	assert.Equal(t, cas, doc.Cas)
	assert.False(t, doc.Tombstone)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)
}

func TestInsertExisting(t *testing.T) {
	store := memstore.New("main")
	ctx := context.Background()

	_, err := store.Insert(ctx, "doc", []byte(`{"v":1}`), nil, false)
	require.NoError(t, err)

	_, err = store.Insert(ctx, "doc", []byte(`{"v":2}`), nil, false)
	assert.ErrorIs(t, err, transactions.ErrDocumentAlreadyExists)

	// Tombstones also block inserts; staged-insert claims go through Replace.
	_, err = store.Insert(ctx, "stone", nil, []byte(`{"m":1}`), true)
	require.NoError(t, err)

	_, err = store.Insert(ctx, "stone", []byte(`{"v":1}`), nil, false)
	assert.ErrorIs(t, err, transactions.ErrDocumentAlreadyExists)
}

func TestTombstonesAreReturned(t *testing.T) {
	store := memstore.New("main")
	ctx := context.Background()

	_, err := store.Insert(ctx, "stone", nil, []byte(`{"m":1}`), true)
	require.NoError(t, err)

	doc, err := store.Get(ctx, "stone")
	require.NoError(t, err)
	assert.True(t, doc.Tombstone)
	assert.Empty(t, doc.Body)
	assert.NotEmpty(t, doc.Meta)
}

func TestReplaceCasSemantics(t *testing.T) {
	store := memstore.New("main")
	ctx := context.Background()

	cas, err := store.Insert(ctx, "doc", []byte(`{"v":1}`), nil, false)
	require.NoError(t, err)

	newCas, err := store.Replace(ctx, "doc", cas, []byte(`{"v":2}`), nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, cas, newCas)

	// The old cas no longer matches.
	_, err = store.Replace(ctx, "doc", cas, []byte(`{"v":3}`), nil, false)
	assert.ErrorIs(t, err, transactions.ErrCasMismatch)

	// A zero cas is unconditional.
	_, err = store.Replace(ctx, "doc", 0, []byte(`{"v":4}`), nil, false)
	require.NoError(t, err)

	doc, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":4}`, string(doc.Body))

	_, err = store.Replace(ctx, "missing", 0, []byte(`{"v":1}`), nil, false)
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)
}

func TestRemove(t *testing.T) {
	store := memstore.New("main")
	ctx := context.Background()

	cas, err := store.Insert(ctx, "doc", []byte(`{"v":1}`), nil, false)
	require.NoError(t, err)

	err = store.Remove(ctx, "doc", cas+1)
	assert.ErrorIs(t, err, transactions.ErrCasMismatch)

	require.NoError(t, store.Remove(ctx, "doc", cas))

	_, err = store.Get(ctx, "doc")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)

	err = store.Remove(ctx, "doc", 0)
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)
}

func TestMutateMeta(t *testing.T) {
	store := memstore.New("main")
	ctx := context.Background()

	cas, err := store.Insert(ctx, "doc", []byte(`{"v":1}`), nil, false)
	require.NoError(t, err)

	newCas, err := store.MutateMeta(ctx, "doc", cas, []byte(`{"m":1}`))
	require.NoError(t, err)
	assert.NotEqual(t, cas, newCas)

	doc, err := store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc.Body))
	assert.JSONEq(t, `{"m":1}`, string(doc.Meta))

	// A nil meta clears the block without touching the content.
	_, err = store.MutateMeta(ctx, "doc", newCas, nil)
	require.NoError(t, err)

	doc, err = store.Get(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc.Body))
	assert.Empty(t, doc.Meta)

	_, err = store.MutateMeta(ctx, "doc", cas, []byte(`{"m":2}`))
	assert.ErrorIs(t, err, transactions.ErrCasMismatch)
}

func TestSubdocOperations(t *testing.T) {
	store := memstore.New("main")
	ctx := context.Background()

	// CreateDoc brings the enclosing document into existence.
	_, err := store.SubdocSet(ctx, "atr", "attempts.a1", 0, []byte(`{"st":"PENDING"}`),
		transactions.SubdocFlagCreateDoc|transactions.SubdocFlagAddOnly)
	require.NoError(t, err)

	val, cas, err := store.SubdocGet(ctx, "atr", "attempts.a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"st":"PENDING"}`, string(val))
	assert.NotZero(t, cas)

	// AddOnly refuses to overwrite an existing path.
	_, err = store.SubdocSet(ctx, "atr", "attempts.a1", 0, []byte(`{"st":"COMMITTED"}`),
		transactions.SubdocFlagAddOnly)
	assert.ErrorIs(t, err, transactions.ErrPathAlreadyExists)

	// A plain set with a matching cas replaces it.
	_, err = store.SubdocSet(ctx, "atr", "attempts.a1", cas, []byte(`{"st":"COMMITTED"}`),
		transactions.SubdocFlagNone)
	require.NoError(t, err)

	val, cas, err = store.SubdocGet(ctx, "atr", "attempts.a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"st":"COMMITTED"}`, string(val))

	// A stale cas is rejected.
	_, err = store.SubdocSet(ctx, "atr", "attempts.a1", cas+100, []byte(`{}`),
		transactions.SubdocFlagNone)
	assert.ErrorIs(t, err, transactions.ErrCasMismatch)

	_, _, err = store.SubdocGet(ctx, "atr", "attempts.a2")
	assert.ErrorIs(t, err, transactions.ErrPathNotFound)

	_, _, err = store.SubdocGet(ctx, "missing", "attempts.a1")
	assert.ErrorIs(t, err, transactions.ErrDocumentNotFound)

	_, err = store.SubdocRemove(ctx, "atr", "attempts.a1", 0)
	require.NoError(t, err)

	_, _, err = store.SubdocGet(ctx, "atr", "attempts.a1")
	assert.ErrorIs(t, err, transactions.ErrPathNotFound)

	_, err = store.SubdocRemove(ctx, "atr", "attempts.a1", 0)
	assert.ErrorIs(t, err, transactions.ErrPathNotFound)
}

func TestContextCancellation(t *testing.T) {
	store := memstore.New("main")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, "doc")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.Insert(ctx, "doc", []byte(`{}`), nil, false)
	assert.ErrorIs(t, err, context.Canceled)
}
