// Package database implements the top-level container: it owns the
// storage registry and the set of active transactions for one engine, and
// implements Open/Shutdown and the transaction_exec retry driver.
package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tskv"
	"tskv/metrics"
	"tskv/storage"
	"tskv/transaction"
)

// Database is the top-level handle a client opens once and shares across
// goroutines; Storages and Transactions hold only a back-reference to it.
type Database struct {
	engine   storage.Engine
	registry *storage.Registry
	txns     *transaction.Manager
	metrics  *metrics.Metrics

	alive    atomic.Bool
	tracking atomic.Bool

	txCount    atomic.Uint64
	retryCount atomic.Uint64

	mu           sync.Mutex
	waitNanos    atomic.Uint64
	processNanos atomic.Uint64
}

// Engine returns the backing engine, satisfying storage.Owner.
func (d *Database) Engine() storage.Engine { return d.engine }

// Open constructs a Database around engine, applies opts' open mode to it,
// and — for RESTORE/CREATE_OR_RESTORE — repopulates the storage registry
// from whatever the engine already has persisted.
func Open(ctx context.Context, engine storage.Engine, opts *tskv.DatabaseOptions) (*Database, tskv.StatusCode) {
	if opts == nil {
		opts = tskv.NewDatabaseOptions()
	}
	if code := engine.Open(opts); code != tskv.OK {
		return nil, code
	}

	d := &Database{engine: engine}
	d.txns = transaction.NewManager(engine, &d.alive)
	d.registry = storage.NewRegistry(d)
	d.alive.Store(true)

	if v, ok := opts.Attribute(tskv.KeyPerformanceTracking); ok {
		switch v {
		case "", "0", "false":
			d.tracking.Store(false)
		case "1", "true":
			d.tracking.Store(true)
		default:
			return nil, tskv.ErrInvalidArgument
		}
	}

	loadTx, code := d.txns.Begin(ctx, tskv.NewTransactionOptions())
	if code != tskv.OK {
		return nil, code
	}
	if code := d.registry.Load(ctx, loadTx); code != tskv.OK {
		d.txns.Abort(ctx, loadTx)
		return nil, code
	}
	d.txns.Abort(ctx, loadTx)

	return d, tskv.OK
}

// Registry returns the storage name registry.
func (d *Database) Registry() *storage.Registry { return d.registry }

// SetMetrics wires a Prometheus collector set into TransactionExec. Call
// once, before any TransactionExec traffic starts; the zero value (nil)
// leaves instrumentation disabled.
func (d *Database) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// EnableTracking reports whether transaction counters are being tracked.
func (d *Database) EnableTracking() bool { return d.tracking.Load() }

// Alive reports whether the database has not yet been shut down.
func (d *Database) Alive() bool { return d.alive.Load() }

// CreateTransaction begins a new transaction directly (the explicit
// begin/commit/abort surface, as opposed to TransactionExec's callback
// driver).
func (d *Database) CreateTransaction(ctx context.Context, opts tskv.TransactionOptions) (*transaction.Transaction, tskv.StatusCode) {
	if !d.Alive() {
		return nil, tskv.ErrInvalidState
	}
	return d.txns.Begin(ctx, opts)
}

// Commit commits txn via the database's transaction manager. waitGroupCommit
// requests group/async commit; this module supports neither, so a true
// waitGroupCommit reports tskv.ErrUnsupported without touching txn.
func (d *Database) Commit(ctx context.Context, txn *transaction.Transaction, waitGroupCommit bool) tskv.StatusCode {
	return d.txns.Commit(ctx, txn, waitGroupCommit)
}

// Abort aborts txn via the database's transaction manager.
func (d *Database) Abort(ctx context.Context, txn *transaction.Transaction) tskv.StatusCode {
	return d.txns.Abort(ctx, txn)
}

// WaitCommit implements transaction_wait_commit: since Commit never admits
// an async/group commit, there is never a pending one to wait on, so this
// always reports tskv.ErrUnsupported.
func (d *Database) WaitCommit(ctx context.Context, txn *transaction.Transaction, timeout time.Duration) tskv.StatusCode {
	return d.txns.WaitCommit(ctx, txn, timeout)
}

// Shutdown aborts every still-active transaction and marks the database
// not-alive. Safe to call more than once.
func (d *Database) Shutdown(ctx context.Context) tskv.StatusCode {
	if !d.alive.CompareAndSwap(true, false) {
		return tskv.OK
	}
	d.txns.Shutdown(ctx)
	return tskv.OK
}

// Dispose releases the underlying engine. Call after Shutdown; a database
// used after Dispose is undefined, matching the arena-handle discipline the
// opaque-handle surface assumes (§9 Design Notes).
func (d *Database) Dispose() tskv.StatusCode {
	return d.engine.Close()
}

// Counters is a snapshot of the Database's performance-tracking counters,
// valid only when EnableTracking is true.
type Counters struct {
	TransactionCount uint64
	RetryCount       uint64
	WaitTime         uint64 // nanoseconds
	ProcessTime      uint64 // nanoseconds
}

// Counters returns a snapshot of the tracked counters.
func (d *Database) Counters() Counters {
	return Counters{
		TransactionCount: d.txCount.Load(),
		RetryCount:       d.retryCount.Load(),
		WaitTime:         d.waitNanos.Load(),
		ProcessTime:      d.processNanos.Load(),
	}
}

func (d *Database) String() string {
	return fmt.Sprintf("database.Database{alive:%v active_txns:%d}", d.Alive(), d.txns.Count())
}

func logWarn(msg string, code tskv.StatusCode) {
	log.Warn().Str("status", code.String()).Msg(msg)
}
