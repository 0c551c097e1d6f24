package storage

import (
	"context"

	"tskv"
)

// Owner is the subset of Database that Storage needs: a back-reference, not
// ownership (spec §3). It exists so this package doesn't import the
// database package (which imports storage) and create a cycle.
type Owner interface {
	Engine() Engine
}

// Storage is a prefix-qualified view of the global key space: a named key
// namespace with a unique byte prefix inside the database. All its
// operations take keys relative to the storage and qualify them with Prefix
// before talking to the engine.
type Storage struct {
	name    []byte
	prefix  []byte
	options tskv.StorageOptions
	owner   Owner
}

func newStorage(name, prefix []byte, options tskv.StorageOptions, owner Owner) *Storage {
	return &Storage{name: name, prefix: prefix, options: options, owner: owner}
}

// NewStorageForTesting exposes the storage constructor to external test
// packages (storage_test.go constructs Storage directly rather than through
// CreateStorage).
func NewStorageForTesting(name, prefix []byte, options tskv.StorageOptions, owner Owner) *Storage {
	return newStorage(name, prefix, options, owner)
}

// Name returns the storage's name.
func (s *Storage) Name() []byte { return s.name }

// Prefix returns the byte string prepended to every caller key before it
// reaches the engine. Fixed at creation, never rewritten.
func (s *Storage) Prefix() []byte { return s.prefix }

// Options returns the storage's id/payload options.
func (s *Storage) Options() tskv.StorageOptions { return s.options }

func (s *Storage) qualify(key []byte) []byte {
	out := make([]byte, 0, len(s.prefix)+len(key))
	out = append(out, s.prefix...)
	out = append(out, key...)
	return out
}

func (s *Storage) unqualify(rawKey []byte) []byte {
	return rawKey[len(s.prefix):]
}

// Txn is the subset of Transaction that Storage needs to dispatch engine
// calls: the session token, the scratch buffer for returned values, and the
// write-preserve/read-area checks a LONG transaction must pass before
// touching a given storage. It lets storage.go avoid importing the
// transaction package (transaction imports storage).
type Txn interface {
	Session() Session
	SetBuffer(b []byte)
	Buffer() []byte
	CheckWrite(storageID uint64) tskv.StatusCode
	CheckRead(storageID uint64) tskv.StatusCode
}

// Get qualifies key by the storage prefix and looks it up via tx's session.
// On tskv.OK with a result, the returned bytes alias tx's scratch buffer and
// are valid only until the next call on the same transaction.
func (s *Storage) Get(ctx context.Context, tx Txn, key []byte) ([]byte, tskv.StatusCode) {
	if code := tx.CheckRead(s.options.StorageID); code != tskv.OK {
		return nil, code
	}
	qualified := s.qualify(key)
	value, code := s.owner.Engine().Get(ctx, tx.Session(), qualified)
	if code == tskv.OK {
		tx.SetBuffer(value)
		return tx.Buffer(), tskv.OK
	}
	return nil, code
}

// Put maps op to insert/update/upsert semantics against the engine.
func (s *Storage) Put(ctx context.Context, tx Txn, key, value []byte, op tskv.PutOperation) tskv.StatusCode {
	if code := tx.CheckWrite(s.options.StorageID); code != tskv.OK {
		return code
	}
	qualified := s.qualify(key)
	return s.owner.Engine().Put(ctx, tx.Session(), qualified, value, op)
}

// Remove deletes key, returning tskv.OK or tskv.NotFound.
func (s *Storage) Remove(ctx context.Context, tx Txn, key []byte) tskv.StatusCode {
	if code := tx.CheckWrite(s.options.StorageID); code != tskv.OK {
		return code
	}
	qualified := s.qualify(key)
	return s.owner.Engine().Delete(ctx, tx.Session(), qualified)
}

// Scan constructs an Iterator over the rewritten interval described by
// (begin, beginKind, end, endKind), per the five-endpoint-kind rewriter
// (spec §4.2).
func (s *Storage) Scan(ctx context.Context, tx Txn, begin []byte, beginKind tskv.EndPointKind, end []byte, endKind tskv.EndPointKind) (*Iterator, tskv.StatusCode) {
	if code := tx.CheckRead(s.options.StorageID); code != tskv.OK {
		return newErrorIterator(s, code), tskv.OK
	}
	lower, upper, empty := tskv.RewriteBounds(s.prefix, begin, beginKind, end, endKind)
	if empty {
		return newEmptyIterator(s), tskv.OK
	}
	unboundedLower := lower.Unbounded
	unboundedUpper := upper.Unbounded
	cursor, code := s.owner.Engine().OpenScan(ctx, tx.Session(), lower, unboundedLower, upper, unboundedUpper)
	if code != tskv.OK {
		return newErrorIterator(s, code), tskv.OK
	}
	return newIterator(s, cursor), tskv.OK
}

// ScanPrefix is the content_scan_prefix convenience constructor: an empty
// prefix scans the whole storage, otherwise it scans exactly the keys
// having prefixKey as a prefix.
func (s *Storage) ScanPrefix(ctx context.Context, tx Txn, prefixKey []byte) (*Iterator, tskv.StatusCode) {
	if len(prefixKey) == 0 {
		return s.Scan(ctx, tx, nil, tskv.Unbound, nil, tskv.Unbound)
	}
	return s.Scan(ctx, tx, prefixKey, tskv.PrefixedInclusive, prefixKey, tskv.PrefixedInclusive)
}

// ScanRange is the content_scan_range convenience constructor.
func (s *Storage) ScanRange(ctx context.Context, tx Txn, beginKey []byte, beginExclusive bool, endKey []byte, endExclusive bool) (*Iterator, tskv.StatusCode) {
	beginKind := tskv.Unbound
	if len(beginKey) > 0 {
		if beginExclusive {
			beginKind = tskv.Exclusive
		} else {
			beginKind = tskv.Inclusive
		}
	}
	endKind := tskv.Unbound
	if len(endKey) > 0 {
		if endExclusive {
			endKind = tskv.Exclusive
		} else {
			endKind = tskv.Inclusive
		}
	}
	return s.Scan(ctx, tx, beginKey, beginKind, endKey, endKind)
}
