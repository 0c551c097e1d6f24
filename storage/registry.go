package storage

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"tskv"
)

// MetaPrefix is the reserved byte that begins every storage-registry
// metadata key. It is a value no storage prefix ever starts with (storage
// prefixes start at 0x01; see storagePrefix), keeping registry records
// out of the user key namespace.
const MetaPrefix byte = 0x00

// Registry is the per-database, serialized-under-a-mutex mapping from
// storage name to Storage. Mutations (create, delete) take the process-wide
// metadata mutex; reads (GetStorage, Names) take the same mutex, so they
// always see every registration a completed mutation has made.
type Registry struct {
	owner Owner
	mu    sync.Mutex
	byName map[string]*Storage
	nextID uint64
}

// NewRegistry returns an empty registry bound to owner.
func NewRegistry(owner Owner) *Registry {
	return &Registry{owner: owner, byName: make(map[string]*Storage), nextID: 1}
}

func metaKey(name []byte) []byte {
	out := make([]byte, 0, 1+len(name))
	out = append(out, MetaPrefix)
	out = append(out, name...)
	return out
}

func storagePrefix(id uint64) []byte {
	out := make([]byte, 9)
	out[0] = 0x01
	binary.BigEndian.PutUint64(out[1:], id)
	return out
}

// TxFactory is the shape of a transaction constructor returning a Txn and
// its commit-or-abort finisher. The Registry does not take or call one;
// every Registry method works with the Txn its caller passes in.
type TxFactory func(ctx context.Context, opts tskv.TransactionOptions) (Txn, func(commit bool) tskv.StatusCode, error)

// CreateStorage registers a new storage under name, committing tx (or
// aborting it, on the already-exists path) unconditionally — tx is always
// finalized by this call.
func (r *Registry) CreateStorage(ctx context.Context, name []byte, tx Txn, finish func(commit bool) tskv.StatusCode) (*Storage, tskv.StatusCode) {
	if existing, code := r.lookup(ctx, name, tx); code == tskv.OK {
		_ = existing
		finish(false)
		return nil, tskv.AlreadyExists
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.byName[string(name)]; ok {
		finish(false)
		return st, tskv.AlreadyExists
	}

	id := r.nextID
	r.nextID++
	prefix := storagePrefix(id)
	opts := tskv.StorageOptions{StorageID: id}
	st := newStorage(append([]byte{}, name...), prefix, opts, r.owner)

	code := r.owner.Engine().Put(ctx, tx.Session(), metaKey(name), prefix, tskv.CreateOrUpdate)
	if code != tskv.OK {
		finish(false)
		return nil, code
	}
	r.byName[string(name)] = st
	if c := finish(true); c != tskv.OK {
		return nil, c
	}
	return st, tskv.OK
}

// GetStorage looks up a storage by name in the registry's in-memory name
// index, returning tskv.NotFound if it is absent. tx and finish are not
// used: no engine call is made, no transaction is created, and a
// caller-supplied tx is left unfinished.
func (r *Registry) GetStorage(ctx context.Context, name []byte, tx Txn, finish func(commit bool) tskv.StatusCode) (*Storage, tskv.StatusCode) {
	return r.lookup(ctx, name, tx)
}

func (r *Registry) lookup(ctx context.Context, name []byte, tx Txn) (*Storage, tskv.StatusCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byName[string(name)]
	if !ok {
		return nil, tskv.NotFound
	}
	return st, tskv.OK
}

// DeleteStorage removes storage's metadata record and every record under
// its prefix, then finishes tx (commit on success, abort on any retryable
// engine status, which is propagated to the caller).
func (r *Registry) DeleteStorage(ctx context.Context, st *Storage, tx Txn, finish func(commit bool) tskv.StatusCode) tskv.StatusCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := r.owner.Engine().Delete(ctx, tx.Session(), metaKey(st.Name()))
	if code != tskv.OK && code != tskv.NotFound {
		finish(false)
		return code
	}

	lower := tskv.Bound{Key: st.Prefix()}
	nextPrefix := tskv.NextNeighbor(st.Prefix())
	var upper tskv.Bound
	unboundedUpper := false
	if nextPrefix == nil {
		unboundedUpper = true
	} else {
		upper = tskv.Bound{Key: nextPrefix, Exclusive: true}
	}
	cursor, code := r.owner.Engine().OpenScan(ctx, tx.Session(), lower, false, upper, unboundedUpper)
	if code != tskv.OK {
		finish(false)
		return code
	}
	defer cursor.Close()
	for {
		code := cursor.Next(ctx)
		if code == tskv.NotFound {
			break
		}
		if code != tskv.OK {
			finish(false)
			return code
		}
		if dc := r.owner.Engine().Delete(ctx, tx.Session(), cursor.Key()); dc != tskv.OK && dc != tskv.NotFound {
			finish(false)
			return dc
		}
	}

	delete(r.byName, string(st.Name()))
	return finish(true)
}

// Load repopulates the in-memory name→Storage index from the engine's
// persisted metadata records, scanning [MetaPrefix, next(MetaPrefix)). Call
// this once right after Open so a RESTORE (or the restore half of
// CREATE_OR_RESTORE) sees storages created by a prior process.
func (r *Registry) Load(ctx context.Context, tx Txn) tskv.StatusCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	lower := tskv.Bound{Key: []byte{MetaPrefix}}
	upper := tskv.Bound{Key: []byte{MetaPrefix + 1}, Exclusive: true}
	cursor, code := r.owner.Engine().OpenScan(ctx, tx.Session(), lower, false, upper, false)
	if code != tskv.OK {
		return code
	}
	defer cursor.Close()
	for {
		code := cursor.Next(ctx)
		if code == tskv.NotFound {
			break
		}
		if code != tskv.OK {
			return code
		}
		name := append([]byte{}, cursor.Key()[1:]...)
		prefix := append([]byte{}, cursor.Value()...)
		if len(prefix) != 9 {
			continue
		}
		id := binary.BigEndian.Uint64(prefix[1:])
		r.byName[string(name)] = newStorage(name, prefix, tskv.StorageOptions{StorageID: id}, r.owner)
		if id >= r.nextID {
			r.nextID = id + 1
		}
	}
	return tskv.OK
}

// Names returns every currently registered storage name.
func (r *Registry) Names() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, []byte(name))
	}
	return out
}

// newSessionID mints a session identifier as a random UUID string, the same
// form each bundled engine produces with its own uuid.NewString call.
func newSessionID() string {
	return uuid.NewString()
}
