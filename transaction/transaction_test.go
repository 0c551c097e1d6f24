package transaction_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tskv"
	"tskv/storage"
	"tskv/storage/memoryengine"
	"tskv/transaction"
)

// fatalCommitEngine wraps memoryengine.New() but forces Commit to report an
// engine status other than OK/ErrAbortedRetryable, simulating the invariant
// violation spec.md §4.5 calls fatal at the core level.
type fatalCommitEngine struct {
	*memoryengine.Engine
}

func (e fatalCommitEngine) Commit(ctx context.Context, s storage.Session) tskv.StatusCode {
	return tskv.ErrIOError
}

func newManager(ownerAlive *atomic.Bool) *transaction.Manager {
	return transaction.NewManager(memoryengine.New(), ownerAlive)
}

func TestBeginStartsActive(t *testing.T) {
	m := newManager(nil)
	txn, code := m.Begin(context.Background(), tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, transaction.StateActive, txn.State())
}

func TestCommitMovesToCommitted(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	txn, code := m.Begin(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, code)

	require.Equal(t, tskv.OK, m.Commit(ctx, txn, false))
	assert.Equal(t, transaction.StateCommitted, txn.State())
}

func TestDoubleCommitReturnsErrInactiveTransaction(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	txn, _ := m.Begin(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, txn.Commit(ctx, false))
	assert.Equal(t, tskv.ErrInactiveTransaction, txn.Commit(ctx, false))
}

func TestAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	txn, _ := m.Begin(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, txn.Abort(ctx))
	assert.Equal(t, tskv.OK, txn.Abort(ctx), "aborting a non-active transaction must be a no-op OK")
	assert.Equal(t, transaction.StateAborted, txn.State())
}

func TestCommitAbortedByConflictMovesToAborted(t *testing.T) {
	ctx := context.Background()
	engine := memoryengine.New()
	m := transaction.NewManager(engine, nil)

	seed, _ := m.Begin(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, engine.Put(ctx, seed.Session(), []byte("k"), []byte("v0"), tskv.Create))
	require.Equal(t, tskv.OK, m.Commit(ctx, seed, false))

	t1, _ := m.Begin(ctx, tskv.NewTransactionOptions())
	t2, _ := m.Begin(ctx, tskv.NewTransactionOptions())
	_, code := engine.Get(ctx, t1.Session(), []byte("k"))
	require.Equal(t, tskv.OK, code)
	_, code = engine.Get(ctx, t2.Session(), []byte("k"))
	require.Equal(t, tskv.OK, code)

	require.Equal(t, tskv.OK, engine.Put(ctx, t1.Session(), []byte("k"), []byte("v1"), tskv.Update))
	require.Equal(t, tskv.OK, engine.Put(ctx, t2.Session(), []byte("k"), []byte("v2"), tskv.Update))

	require.Equal(t, tskv.OK, m.Commit(ctx, t1, false))
	assert.Equal(t, tskv.ErrAbortedRetryable, m.Commit(ctx, t2, false))
	assert.Equal(t, transaction.StateAborted, t2.State())
}

func TestCheckWriteRejectsReadOnlyTransaction(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	opts := tskv.NewTransactionOptions().WithType(tskv.ReadOnly)
	txn, _ := m.Begin(ctx, opts)
	assert.Equal(t, tskv.ErrIllegalOperation, txn.CheckWrite(1))
}

func TestCheckWriteLongRequiresWritePreserve(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	opts := tskv.NewTransactionOptions().
		WithType(tskv.Long).
		WithWritePreserves(tskv.WritePreserve{StorageID: 1})
	txn, _ := m.Begin(ctx, opts)

	assert.Equal(t, tskv.OK, txn.CheckWrite(1))
	assert.Equal(t, tskv.ErrWriteWithoutWritePreserve, txn.CheckWrite(2))
}

func TestCheckReadRespectsReadAreas(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	opts := tskv.NewTransactionOptions().WithReadAreas(
		[]tskv.ReadArea{{StorageID: 1}},
		[]tskv.ReadArea{{StorageID: 2}},
	)
	txn, _ := m.Begin(ctx, opts)

	assert.Equal(t, tskv.OK, txn.CheckRead(1))
	assert.Equal(t, tskv.ErrIllegalOperation, txn.CheckRead(3))
}

func TestCheckReadExclusionWinsOverEmptyInclusiveList(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	opts := tskv.NewTransactionOptions().WithReadAreas(nil, []tskv.ReadArea{{StorageID: 2}})
	txn, _ := m.Begin(ctx, opts)

	assert.Equal(t, tskv.OK, txn.CheckRead(1))
	assert.Equal(t, tskv.ErrIllegalOperation, txn.CheckRead(2))
}

func TestOwnerLivenessGatesCheckWriteAndCheckRead(t *testing.T) {
	ctx := context.Background()
	var alive atomic.Bool
	alive.Store(true)
	m := newManager(&alive)

	txn, code := m.Begin(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, tskv.OK, txn.Owner())
	assert.Equal(t, tskv.OK, txn.CheckWrite(1))
	assert.Equal(t, tskv.OK, txn.CheckRead(1))

	alive.Store(false)
	assert.Equal(t, tskv.ErrInvalidState, txn.Owner())
	assert.Equal(t, tskv.ErrInvalidState, txn.CheckWrite(1))
	assert.Equal(t, tskv.ErrInvalidState, txn.CheckRead(1))
}

func TestCommitPanicsOnNonRetryableEngineErrorAndMovesToFatal(t *testing.T) {
	ctx := context.Background()
	m := transaction.NewManager(fatalCommitEngine{memoryengine.New()}, nil)
	txn, code := m.Begin(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, code)

	assert.Panics(t, func() { _ = txn.Commit(ctx, false) })
	assert.Equal(t, transaction.StateFatal, txn.State())
}

func TestCommitWithWaitGroupCommitIsUnsupportedAndLeavesTransactionActive(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	txn, _ := m.Begin(ctx, tskv.NewTransactionOptions())

	assert.Equal(t, tskv.ErrUnsupported, txn.Commit(ctx, true))
	assert.Equal(t, transaction.StateActive, txn.State())

	assert.Equal(t, tskv.ErrUnsupported, m.Commit(ctx, txn, true))
	assert.Equal(t, 1, m.Count(), "a rejected wait_group_commit must not remove the transaction from the active set")

	require.Equal(t, tskv.OK, m.Commit(ctx, txn, false))
}

func TestWaitCommitIsAlwaysUnsupported(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	txn, _ := m.Begin(ctx, tskv.NewTransactionOptions())

	assert.Equal(t, tskv.ErrUnsupported, txn.WaitCommit(ctx, time.Second))
	assert.Equal(t, tskv.ErrUnsupported, m.WaitCommit(ctx, txn, time.Second))
}

func TestManagerShutdownAbortsActiveTransactions(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	txn, _ := m.Begin(ctx, tskv.NewTransactionOptions())
	require.Equal(t, 1, m.Count())

	m.Shutdown(ctx)
	assert.Equal(t, transaction.StateAborted, txn.State())
	assert.Equal(t, 0, m.Count())
}
