package transactions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Cas is an opaque version marker used to detect concurrent modification of
// a document.  A zero Cas on a mutation means the write is unconditional.
type Cas uint64

// Doc represents a single fetched document, including the transactional
// metadata block attached to it (if any).
type Doc struct {
	Key string

	// Body is the main content of the document.  It is nil for tombstones.
	Body []byte

	// Meta is the raw transactional metadata block attached to the document,
	// or nil when the document is not part of any transaction.  Ordinary
	// readers which do not ask for it never see this data.
	Meta []byte

	Cas Cas

	// Tombstone indicates the document holds no committed content and exists
	// only to carry staging metadata (a staged insert).
	Tombstone bool
}

// SubdocFlags alters the behaviour of a sub-document mutation.
type SubdocFlags uint32

const (
	// SubdocFlagNone indicates no special behaviour.
	SubdocFlagNone = SubdocFlags(0)

	// SubdocFlagCreateDoc creates the enclosing document if it is missing.
	SubdocFlagCreateDoc = SubdocFlags(1 << 0)

	// SubdocFlagAddOnly fails the mutation with ErrPathAlreadyExists when the
	// target path already holds a value.
	SubdocFlagAddOnly = SubdocFlags(1 << 1)
)

// Store is the boundary to the underlying CAS-versioned document store.  The
// engine coordinates ordinary single-document operations through this
// interface and nothing else; it never assumes shared memory with the store.
//
// Implementations must return ErrDocumentNotFound as a distinct outcome from
// ErrCasMismatch, and must apply each mutation atomically with respect to the
// document's Cas.
type Store interface {
	// Name identifies the store location (the bucket analogue).  It is
	// recorded in ATR entries and document metadata so that other clients and
	// the sweeper can find their way back to the document.
	Name() string

	// Get fetches a document.  Tombstones are returned with Tombstone set
	// rather than ErrDocumentNotFound so that staging metadata on them stays
	// reachable.
	Get(ctx context.Context, key string) (*Doc, error)

	// Insert creates a document which must not already exist, tombstone or
	// otherwise.
	Insert(ctx context.Context, key string, body, meta []byte, tombstone bool) (Cas, error)

	// Replace overwrites a document's content, metadata and tombstone flag,
	// checked against cas.
	Replace(ctx context.Context, key string, cas Cas, body, meta []byte, tombstone bool) (Cas, error)

	// Remove deletes a document entirely, checked against cas.
	Remove(ctx context.Context, key string, cas Cas) error

	// MutateMeta writes only the metadata block of a document, leaving the
	// main content untouched.  A nil meta clears the block.
	MutateMeta(ctx context.Context, key string, cas Cas, meta []byte) (Cas, error)

	// SubdocGet reads the value at a dotted path inside a document's content.
	SubdocGet(ctx context.Context, key, path string) ([]byte, Cas, error)

	// SubdocSet writes the value at a dotted path inside a document's
	// content, checked against cas.
	SubdocSet(ctx context.Context, key, path string, cas Cas, value []byte, flags SubdocFlags) (Cas, error)

	// SubdocRemove deletes the value at a dotted path, checked against cas.
	SubdocRemove(ctx context.Context, key, path string, cas Cas) (Cas, error)
}

// StoreProviderFn resolves a store location name to a Store.  It is used by
// the sweeper and by attempt resumption, where only the recorded location
// name is available.
type StoreProviderFn func(name string) (Store, error)

// SubdocPathLookup navigates a dotted path through a JSON document and
// returns the raw value at that position.  Store implementations share it so
// that path semantics stay identical across backends.
func SubdocPathLookup(doc []byte, path string) (json.RawMessage, error) {
	if len(doc) == 0 {
		return nil, ErrPathNotFound
	}

	parts := strings.Split(path, ".")

	var cur json.RawMessage = doc
	for _, part := range parts {
		var node map[string]json.RawMessage
		if err := json.Unmarshal(cur, &node); err != nil {
			return nil, errors.Wrap(ErrPathNotFound, "path traverses a non-object value")
		}

		val, ok := node[part]
		if !ok {
			return nil, ErrPathNotFound
		}

		cur = val
	}

	return cur, nil
}

// SubdocPathApply sets or removes (value == nil) the value at a dotted path
// inside a JSON document, creating intermediate objects as needed, and
// returns the updated document.
func SubdocPathApply(doc []byte, path string, value json.RawMessage, addOnly bool) ([]byte, error) {
	parts := strings.Split(path, ".")

	var apply func(node []byte, parts []string) ([]byte, error)
	apply = func(node []byte, parts []string) ([]byte, error) {
		obj := make(map[string]json.RawMessage)
		if len(node) > 0 {
			if err := json.Unmarshal(node, &obj); err != nil {
				return nil, errors.Wrap(ErrPathNotFound, "path traverses a non-object value")
			}
		}

		if len(parts) == 1 {
			if value == nil {
				if _, ok := obj[parts[0]]; !ok {
					return nil, ErrPathNotFound
				}
				delete(obj, parts[0])
			} else {
				if addOnly {
					if _, ok := obj[parts[0]]; ok {
						return nil, ErrPathAlreadyExists
					}
				}
				obj[parts[0]] = value
			}
			return json.Marshal(obj)
		}

		child, err := apply(obj[parts[0]], parts[1:])
		if err != nil {
			return nil, err
		}
		obj[parts[0]] = child

		return json.Marshal(obj)
	}

	return apply(doc, parts)
}
