package database

import (
	"context"
	"time"

	"tskv"
	"tskv/transaction"
)

// Callback is the user transaction body. It receives the transaction and an
// opaque argument and reports how the driver should conclude the attempt.
type Callback func(ctx context.Context, txn *transaction.Transaction, argument any) tskv.TransactionOperation

// TransactionExec runs callback under options, retrying the whole
// begin-callback-commit cycle on a retryable abort or an explicit RETRY
// verdict, up to options.RetryCount retries after the first attempt (0
// means a single attempt; tskv.InfiniteRetry never stops on its own).
func (d *Database) TransactionExec(ctx context.Context, options tskv.TransactionOptions, callback Callback, argument any) tskv.StatusCode {
	var attempts uint64
	for {
		if d.tracking.Load() {
			d.txCount.Add(1)
		}
		atBegin := now()

		txn, code := d.txns.Begin(ctx, options)
		if code != tskv.OK {
			return code
		}

		atProcess := now()
		if d.metrics != nil {
			d.metrics.TransactionBegin(atProcess.Sub(atBegin))
		}

		op := callback(ctx, txn, argument)
		atEnd := now()

		if d.tracking.Load() {
			d.waitNanos.Add(uint64(atProcess.Sub(atBegin)))
			d.processNanos.Add(uint64(atEnd.Sub(atProcess)))
		}

		end := func(status tskv.StatusCode) {
			if d.metrics != nil {
				d.metrics.TransactionEnd(status.String(), atEnd.Sub(atProcess))
			}
		}
		retry := func() {
			if d.tracking.Load() {
				d.retryCount.Add(1)
			}
			if d.metrics != nil {
				d.metrics.Retry()
			}
		}

		switch op {
		case tskv.Commit:
			commitStart := now()
			rc := d.txns.Commit(ctx, txn, false)
			if d.metrics != nil {
				d.metrics.Commit(now().Sub(commitStart))
			}
			if rc == tskv.OK {
				end(rc)
				return tskv.OK
			}
			if rc == tskv.ErrAbortedRetryable {
				retry()
				if !retryAllowed(options, &attempts) {
					end(rc)
					return rc
				}
				end(rc)
				continue
			}
			// Unreachable in practice: transaction.Transaction.Commit panics
			// before returning anything but tskv.OK/tskv.ErrAbortedRetryable
			// here, since any other status is an engine invariant violation,
			// not an ordinary terminal outcome. Kept as a defensive fallback.
			logWarn("commit returned a status other than OK or a retryable abort", rc)
			end(rc)
			return rc

		case tskv.Rollback:
			d.txns.Abort(ctx, txn)
			end(tskv.UserRollback)
			return tskv.UserRollback

		case tskv.TxError:
			d.txns.Abort(ctx, txn)
			end(tskv.ErrUserError)
			return tskv.ErrUserError

		case tskv.Retry:
			d.txns.Abort(ctx, txn)
			retry()
			if !retryAllowed(options, &attempts) {
				end(tskv.ErrAbortedRetryable)
				return tskv.ErrAbortedRetryable
			}
			end(tskv.ErrAbortedRetryable)
			continue

		default:
			d.txns.Abort(ctx, txn)
			end(tskv.ErrInvalidArgument)
			return tskv.ErrInvalidArgument
		}
	}
}

// retryAllowed increments attempts and reports whether another attempt is
// still within options.RetryCount (tskv.InfiniteRetry always allows more).
func retryAllowed(options tskv.TransactionOptions, attempts *uint64) bool {
	if options.RetryCount == tskv.InfiniteRetry {
		return true
	}
	*attempts++
	return *attempts <= options.RetryCount
}

// now is a thin seam so this file contains the module's one call to the
// wall clock, called out here rather than scattered through the driver.
func now() time.Time { return time.Now() }
