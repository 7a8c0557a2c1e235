// Package badgerstore implements the transactions Store interface on top of
// a badger key-value database, giving the sweeper daemon and embedders a
// persistent document store with CAS semantics.
package badgerstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Connor1996/badger"
	"github.com/pkg/errors"

	"github.com/dockv/transactions"
)

// envelope is the on-disk representation of one document.
type envelope struct {
	Body      json.RawMessage `json:"body,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Cas       uint64          `json:"cas"`
	Tombstone bool            `json:"tombstone,omitempty"`
}

// Store is a badger-backed CAS-versioned document store.
type Store struct {
	name string
	db   *badger.DB

	// lock serializes read-modify-write cycles so that CAS checks and their
	// writes are atomic.
	lock       sync.Mutex
	casCounter uint64
}

var _ transactions.Store = (*Store)(nil)

// Open opens (creating if needed) a badger database at dir and wraps it as a
// document store with the given location name.
func Open(name, dir string) (*Store, error) {
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger store")
	}

	return NewWithDB(name, db), nil
}

// NewWithDB wraps an already-open badger database.
func NewWithDB(name string, db *badger.DB) *Store {
	return &Store{
		name: name,
		db:   db,

		// Seeding from the clock keeps CAS values from repeating across
		// restarts, so stale CAS checks from a previous run cannot pass.
		casCounter: uint64(time.Now().UnixNano()),
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name implements transactions.Store.
func (s *Store) Name() string {
	return s.name
}

func (s *Store) nextCasLocked() transactions.Cas {
	s.casCounter++
	return transactions.Cas(s.casCounter)
}

func (s *Store) getEnvelope(key string) (*envelope, error) {
	var env *envelope
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return errors.Wrapf(transactions.ErrDocumentNotFound, "no document at %s", key)
			}
			return err
		}

		val, err := item.Value()
		if err != nil {
			return err
		}

		return json.Unmarshal(val, &env)
	})
	if err != nil {
		return nil, err
	}

	return env, nil
}

func (s *Store) putEnvelope(key string, env *envelope) error {
	envBytes, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), envBytes)
	})
}

func (s *Store) deleteKey(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Get implements transactions.Store.
func (s *Store) Get(ctx context.Context, key string) (*transactions.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	env, err := s.getEnvelope(key)
	if err != nil {
		return nil, err
	}

	return &transactions.Doc{
		Key:       key,
		Body:      env.Body,
		Meta:      env.Meta,
		Cas:       transactions.Cas(env.Cas),
		Tombstone: env.Tombstone,
	}, nil
}

// Insert implements transactions.Store.
func (s *Store) Insert(ctx context.Context, key string, body, meta []byte, tombstone bool) (transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, err := s.getEnvelope(key); err == nil {
		return 0, errors.Wrapf(transactions.ErrDocumentAlreadyExists, "document at %s", key)
	} else if !errors.Is(err, transactions.ErrDocumentNotFound) {
		return 0, err
	}

	cas := s.nextCasLocked()
	env := &envelope{
		Body:      body,
		Meta:      meta,
		Cas:       uint64(cas),
		Tombstone: tombstone,
	}

	if err := s.putEnvelope(key, env); err != nil {
		return 0, err
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

	env, err := s.getEnvelope(key)
	if err != nil {
		return 0, err
	}
	if cas != 0 && uint64(cas) != env.Cas {
		return 0, errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	newCas := s.nextCasLocked()
	env.Body = body
	env.Meta = meta
	env.Tombstone = tombstone
	env.Cas = uint64(newCas)

	if err := s.putEnvelope(key, env); err != nil {
		return 0, err
	}

	return newCas, nil
}

// Remove implements transactions.Store.
func (s *Store) Remove(ctx context.Context, key string, cas transactions.Cas) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	env, err := s.getEnvelope(key)
	if err != nil {
		return err
	}
	if cas != 0 && uint64(cas) != env.Cas {
		return errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	return s.deleteKey(key)
}

// MutateMeta implements transactions.Store.
func (s *Store) MutateMeta(ctx context.Context, key string, cas transactions.Cas, meta []byte) (transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	env, err := s.getEnvelope(key)
	if err != nil {
		return 0, err
	}
	if cas != 0 && uint64(cas) != env.Cas {
		return 0, errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	newCas := s.nextCasLocked()
	env.Meta = meta
	env.Cas = uint64(newCas)

	if err := s.putEnvelope(key, env); err != nil {
		return 0, err
	}

	return newCas, nil
}

// SubdocGet implements transactions.Store.
func (s *Store) SubdocGet(ctx context.Context, key, path string) ([]byte, transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	env, err := s.getEnvelope(key)
	if err != nil {
		return nil, 0, err
	}

	val, err := transactions.SubdocPathLookup(env.Body, path)
	if err != nil {
		return nil, 0, err
	}

	return val, transactions.Cas(env.Cas), nil
}

// SubdocSet implements transactions.Store.
func (s *Store) SubdocSet(ctx context.Context, key, path string, cas transactions.Cas, value []byte, flags transactions.SubdocFlags) (transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	env, err := s.getEnvelope(key)
	if err != nil {
		if !errors.Is(err, transactions.ErrDocumentNotFound) {
			return 0, err
		}
		if flags&transactions.SubdocFlagCreateDoc == 0 {
			return 0, err
		}

		env = &envelope{}
	}
	if cas != 0 && uint64(cas) != env.Cas {
		return 0, errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	newBody, err := transactions.SubdocPathApply(env.Body, path, value, flags&transactions.SubdocFlagAddOnly != 0)
	if err != nil {
		return 0, err
	}

	newCas := s.nextCasLocked()
	env.Body = newBody
	env.Cas = uint64(newCas)

	if err := s.putEnvelope(key, env); err != nil {
		return 0, err
	}

	return newCas, nil
}

// SubdocRemove implements transactions.Store.
func (s *Store) SubdocRemove(ctx context.Context, key, path string, cas transactions.Cas) (transactions.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	env, err := s.getEnvelope(key)
	if err != nil {
		return 0, err
	}
	if cas != 0 && uint64(cas) != env.Cas {
		return 0, errors.Wrapf(transactions.ErrCasMismatch, "document at %s moved", key)
	}

	newBody, err := transactions.SubdocPathApply(env.Body, path, nil, false)
	if err != nil {
		return 0, err
	}

	newCas := s.nextCasLocked()
	env.Body = newBody
	env.Cas = uint64(newCas)

	if err := s.putEnvelope(key, env); err != nil {
		return 0, err
	}

	return newCas, nil
}
