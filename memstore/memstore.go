// Package memstore provides an in-memory implementation of the transactions
// Store interface, used for testing and for single-process embedding.
package memstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dockv/transactions"
)

type document struct {
	body      []byte
	meta      []byte
	cas       transactions.Cas
	tombstone bool
}

// Store is a CAS-versioned document store held entirely in memory.  All
// operations are atomic with respect to each other.
type Store struct {
	name string

	lock       sync.Mutex
	docs       map[string]*document
	casCounter uint64
}

var _ transactions.Store = (*Store)(nil)

// New creates an empty store with the given location name.
func New(name string) *Store {
	return &Store{
		name: name,
		docs: make(map[string]*document),
	}
}

// Name implements transactions.Store.
func (s *Store) Name() string {
	return s.name
}

func (s *Store) nextCasLocked() transactions.Cas {
	s.casCounter++
	return transactions.Cas(s.casCounter)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Get implements transactions.Store.
func (s *Store) Get(ctx context.Context, key string) (*transactions.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, errors.Wrapf(transactions.ErrDocumentNotFound, "no document at %s", key)
	}

	return &transactions.Doc{
		Key:       key,
		Body:      copyBytes(doc.body),
		Meta:      copyBytes(doc.meta),
		Cas:       doc.cas,
		Tombstone: doc.tombstone,
	}, nil
}

// Insert implements transactions.Store.
func (s *Store) Insert(ctx context.Context, key string, body, meta []byte, tombstone bool) (transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.docs[key]; ok {
		return 0, errors.Wrapf(transactions.ErrDocumentAlreadyExists, "document at %s", key)
	}

	cas := s.nextCasLocked()
	s.docs[key] = &document{
		body:      copyBytes(body),
		meta:      copyBytes(meta),
		cas:       cas,
		tombstone: tombstone,
	}

	return cas, nil
}

// Replace implements transactions.Store.
func (s *Store) Replace(ctx context.Context, key string, cas transactions.Cas, body, meta []byte, tombstone bool) (transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return 0, errors.Wrapf(transactions.ErrDocumentNotFound, "no document at %s", key)
	}
	if cas != 0 && cas != doc.cas {
		return 0, errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	doc.body = copyBytes(body)
	doc.meta = copyBytes(meta)
	doc.tombstone = tombstone
	doc.cas = s.nextCasLocked()

	return doc.cas, nil
}

// Remove implements transactions.Store.
func (s *Store) Remove(ctx context.Context, key string, cas transactions.Cas) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return errors.Wrapf(transactions.ErrDocumentNotFound, "no document at %s", key)
	}
	if cas != 0 && cas != doc.cas {
		return errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	delete(s.docs, key)

	return nil
}

// MutateMeta implements transactions.Store.
func (s *Store) MutateMeta(ctx context.Context, key string, cas transactions.Cas, meta []byte) (transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return 0, errors.Wrapf(transactions.ErrDocumentNotFound, "no document at %s", key)
	}
	if cas != 0 && cas != doc.cas {
		return 0, errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	doc.meta = copyBytes(meta)
	doc.cas = s.nextCasLocked()

	return doc.cas, nil
}

// SubdocGet implements transactions.Store.
func (s *Store) SubdocGet(ctx context.Context, key, path string) ([]byte, transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, 0, errors.Wrapf(transactions.ErrDocumentNotFound, "no document at %s", key)
	}

	val, err := transactions.SubdocPathLookup(doc.body, path)
	if err != nil {
		return nil, 0, err
	}

	return copyBytes(val), doc.cas, nil
}

// SubdocSet implements transactions.Store.
func (s *Store) SubdocSet(ctx context.Context, key, path string, cas transactions.Cas, value []byte, flags transactions.SubdocFlags) (transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		if flags&transactions.SubdocFlagCreateDoc == 0 {
			return 0, errors.Wrapf(transactions.ErrDocumentNotFound, "no document at %s", key)
		}

		doc = &document{}
		s.docs[key] = doc
	}
	if cas != 0 && cas != doc.cas {
		return 0, errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	newBody, err := transactions.SubdocPathApply(doc.body, path, value, flags&transactions.SubdocFlagAddOnly != 0)
	if err != nil {
		return 0, err
	}

	doc.body = newBody
	doc.cas = s.nextCasLocked()

	return doc.cas, nil
}

// SubdocRemove implements transactions.Store.
func (s *Store) SubdocRemove(ctx context.Context, key, path string, cas transactions.Cas) (transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return 0, errors.Wrapf(transactions.ErrDocumentNotFound, "no document at %s", key)
	}
	if cas != 0 && cas != doc.cas {
		return 0, errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	newBody, err := transactions.SubdocPathApply(doc.body, path, nil, false)
	if err != nil {
		return 0, err
	}

	doc.body = newBody
	doc.cas = s.nextCasLocked()

	return doc.cas, nil
}
