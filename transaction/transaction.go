// Package transaction implements the Transaction state machine: a thin
// wrapper around an engine Session that tracks INIT/ACTIVE/COMMITTED/ABORTED/
// FATAL state, enforces a LONG transaction's write-preserve and read-area
// restrictions, and holds the scratch buffer Storage.Get returns values
// through.
package transaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tskv"
	"tskv/storage"
)

// State is a transaction's lifecycle position.
type State int

const (
	StateInit State = iota
	StateActive
	StateCommitted
	StateAborted
	// StateFatal is entered when the engine's Commit returns a status other
	// than tskv.OK or tskv.ErrAbortedRetryable: spec.md §4.5 treats that as
	// an invariant violation ("the engine is expected to have already
	// aborted"), not an ordinary terminal outcome, so it is never folded
	// into StateAborted. A transaction in StateFatal never transitions
	// anywhere else.
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	case StateFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Transaction is one logical unit of work against a storage.Engine. Each
// Transaction owns exactly one engine Session for its lifetime. There is no
// Reset: a committed or aborted Transaction stays terminal, and the
// driver's retry loop begins a fresh Transaction for every attempt.
type Transaction struct {
	id         uint64
	mu         sync.Mutex
	state      State
	engine     storage.Engine
	session    storage.Session
	options    tskv.TransactionOptions
	buffer     []byte
	ownerAlive *atomic.Bool
}

// newTransaction constructs a Transaction already bound to session and
// active. Called only by Manager.Begin. ownerAlive is the owning Database's
// liveness flag; Owner reads it without this package importing database
// (which imports transaction).
func newTransaction(id uint64, engine storage.Engine, session storage.Session, opts tskv.TransactionOptions, ownerAlive *atomic.Bool) *Transaction {
	return &Transaction{
		id:         id,
		state:      StateActive,
		engine:     engine,
		session:    session,
		options:    opts,
		ownerAlive: ownerAlive,
	}
}

// Owner reports ERR_INVALID_STATE once the owning database has been shut
// down, matching original_source/kvs/src/api.cpp's transaction_borrow_owner
// rejecting a transaction whose database handle is gone.
func (t *Transaction) Owner() tskv.StatusCode {
	if t.ownerAlive != nil && !t.ownerAlive.Load() {
		return tskv.ErrInvalidState
	}
	return tskv.OK
}

// ID returns the transaction's process-local identifier.
func (t *Transaction) ID() uint64 { return t.id }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Options returns the options the transaction was begun with.
func (t *Transaction) Options() tskv.TransactionOptions { return t.options }

// Session returns the engine-held session backing this transaction,
// satisfying storage.Txn.
func (t *Transaction) Session() storage.Session { return t.session }

// SetBuffer copies b into the transaction's scratch buffer, satisfying
// storage.Txn. Storage.Get uses this so a returned value survives past the
// engine call that produced it without a fresh allocation on every read.
func (t *Transaction) SetBuffer(b []byte) {
	t.buffer = append(t.buffer[:0], b...)
}

// Buffer returns the current scratch buffer, satisfying storage.Txn.
func (t *Transaction) Buffer() []byte { return t.buffer }

// CheckWrite reports ErrInactiveTransaction if the transaction isn't active,
// ErrIllegalOperation if it's READ_ONLY, or ErrWriteWithoutWritePreserve if
// it's LONG and storageID isn't among its declared write preserves.
func (t *Transaction) CheckWrite(storageID uint64) tskv.StatusCode {
	if code := t.Owner(); code != tskv.OK {
		return code
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return tskv.ErrInactiveTransaction
	}
	if t.options.Type == tskv.ReadOnly {
		return tskv.ErrIllegalOperation
	}
	if !t.options.CanWrite(storageID) {
		return tskv.ErrWriteWithoutWritePreserve
	}
	return tskv.OK
}

// CheckRead reports ErrInactiveTransaction if the transaction isn't active,
// or ErrIllegalOperation if storageID falls outside the transaction's
// declared read areas.
func (t *Transaction) CheckRead(storageID uint64) tskv.StatusCode {
	if code := t.Owner(); code != tskv.OK {
		return code
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return tskv.ErrInactiveTransaction
	}
	if !t.options.CanRead(storageID) {
		return tskv.ErrIllegalOperation
	}
	return tskv.OK
}

// Commit validates and applies the transaction via its engine session.
// waitGroupCommit requests that Commit not return until the commit has been
// durably grouped with others; no engine in this module supports that, so a
// true waitGroupCommit short-circuits to ErrUnsupported without touching the
// session or the transaction's state at all, matching
// original_source/kvs/src/api.cpp's transaction_commit rejecting async
// before ever calling tx->commit().
//
// On tskv.OK the transaction moves to COMMITTED; on ErrAbortedRetryable it
// moves to ABORTED, a normal outcome the caller is expected to retry from.
// Any other status is the "other engine errors are fatal at the core level"
// case of spec.md §4.5: the engine is assumed to have already violated its
// own abort-on-failure contract, so this is not an ordinary terminal state
// to quietly return from. The transaction is moved to the non-resettable
// StateFatal and this panics rather than letting the caller mistake it for
// a plain ErrAborted.
func (t *Transaction) Commit(ctx context.Context, waitGroupCommit bool) tskv.StatusCode {
	if waitGroupCommit {
		return tskv.ErrUnsupported
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return tskv.ErrInactiveTransaction
	}
	code := t.engine.Commit(ctx, t.session)
	switch code {
	case tskv.OK:
		t.state = StateCommitted
	case tskv.ErrAbortedRetryable:
		t.state = StateAborted
	default:
		t.state = StateFatal
		panic(fmt.Sprintf("transaction %d: engine commit returned %s, neither OK nor a retryable abort; the engine is assumed to have already aborted, so this violates the core's abort-on-failure invariant", t.id, code))
	}
	return code
}

// WaitCommit implements transaction_wait_commit: since no engine in this
// module ever admits an async/group commit (Commit rejects waitGroupCommit
// before starting one), there is never a pending commit to wait on, so this
// always reports ErrUnsupported, matching
// original_source/kvs/src/api.cpp's transaction_wait_commit no-op.
func (t *Transaction) WaitCommit(ctx context.Context, timeout time.Duration) tskv.StatusCode {
	return tskv.ErrUnsupported
}

// Abort discards the transaction's writes. Aborting a non-active
// transaction is a no-op that returns OK, matching the original API's
// idempotent rollback.
func (t *Transaction) Abort(ctx context.Context) tskv.StatusCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return tskv.OK
	}
	code := t.engine.Abort(ctx, t.session)
	t.state = StateAborted
	return code
}

// Manager tracks the set of currently active transactions for a Database.
// Modeled on a classic transaction-table: atomic ID allocation, a mutex
// guarding only the membership map (each Transaction still guards its own
// state with its own mutex).
type Manager struct {
	nextID       uint64
	mu           sync.RWMutex
	transactions map[uint64]*Transaction
	engine       storage.Engine
	ownerAlive   *atomic.Bool
}

// NewManager returns an empty manager bound to engine. ownerAlive, if
// non-nil, is threaded into every Transaction it begins so Transaction.Owner
// can detect the owning database having been shut down.
func NewManager(engine storage.Engine, ownerAlive *atomic.Bool) *Manager {
	return &Manager{
		transactions: make(map[uint64]*Transaction),
		engine:       engine,
		ownerAlive:   ownerAlive,
	}
}

// Begin starts a new session on the engine and registers a Transaction for
// it.
func (m *Manager) Begin(ctx context.Context, opts tskv.TransactionOptions) (*Transaction, tskv.StatusCode) {
	session, code := m.engine.BeginSession(ctx, opts)
	if code != tskv.OK {
		return nil, code
	}
	id := atomic.AddUint64(&m.nextID, 1)
	txn := newTransaction(id, m.engine, session, opts, m.ownerAlive)

	m.mu.Lock()
	m.transactions[id] = txn
	m.mu.Unlock()
	return txn, tskv.OK
}

// finish removes txn from the active set. Called after Commit or Abort,
// regardless of outcome — once an engine session has been consumed by
// Commit/Abort it cannot be reused.
func (m *Manager) finish(txn *Transaction) {
	m.mu.Lock()
	delete(m.transactions, txn.id)
	m.mu.Unlock()
}

// Commit commits txn and removes it from the active set. A txn rejected for
// requesting waitGroupCommit stays active and in the set — there was never
// anything for this call to finish.
func (m *Manager) Commit(ctx context.Context, txn *Transaction, waitGroupCommit bool) tskv.StatusCode {
	code := txn.Commit(ctx, waitGroupCommit)
	if code == tskv.ErrUnsupported {
		return code
	}
	m.finish(txn)
	return code
}

// WaitCommit implements transaction_wait_commit against txn.
func (m *Manager) WaitCommit(ctx context.Context, txn *Transaction, timeout time.Duration) tskv.StatusCode {
	return txn.WaitCommit(ctx, timeout)
}

// Abort aborts txn and removes it from the active set.
func (m *Manager) Abort(ctx context.Context, txn *Transaction) tskv.StatusCode {
	code := txn.Abort(ctx)
	m.finish(txn)
	return code
}

// Count returns the number of currently active transactions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transactions)
}

// Shutdown aborts every still-active transaction. Used by Database.Shutdown
// so no session outlives its engine.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	active := make([]*Transaction, 0, len(m.transactions))
	for _, txn := range m.transactions {
		active = append(active, txn)
	}
	m.mu.Unlock()

	for _, txn := range active {
		if code := txn.Abort(ctx); code != tskv.OK {
			log.Warn().Str("status", code.String()).Uint64("txn", txn.id).
				Msg("abort during shutdown reported non-OK status")
		}
		m.finish(txn)
	}
}

// String renders a short diagnostic summary.
func (m *Manager) String() string {
	return fmt.Sprintf("transaction.Manager{active:%d}", m.Count())
}
