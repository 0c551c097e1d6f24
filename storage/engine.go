// Package storage implements the storage façade: prefix-qualified key
// namespaces over a pluggable Engine, the storage registry, the sequence
// map, and the cursor abstraction returned by Storage.Scan. It never talks
// to a concrete backend directly outside the Engine interface defined here
// — memoryengine, occengine and longtxengine are the three implementations
// shipped alongside it.
package storage

import (
	"context"

	"github.com/rs/zerolog/log"

	"tskv"
)

// Session is the opaque, engine-held context associated with one
// transaction: locks, read/write sets and the commit log live behind it.
// Every engine mints its own concrete Session value (see
// memoryengine/occengine/longtxengine); the façade only ever threads it
// through.
type Session interface {
	// ID returns a stable identifier for diagnostics/logging.
	ID() string
}

// Cursor is the engine-side half of a range scan: a forward-only stream of
// raw (qualified) key/value tuples over the interval handed to OpenScan.
// One Cursor implementation can choose to fetch everything eagerly
// (materialized) or one record at a time (piecemeal) — Storage.Scan doesn't
// care which, per the single-cursor-surface guidance.
type Cursor interface {
	// Next advances the cursor. It returns tskv.OK if a tuple is now
	// available, tskv.NotFound at end of stream, or a retryable/fatal
	// status on engine error.
	Next(ctx context.Context) tskv.StatusCode
	// Key returns the current raw (storage-prefix-qualified) key. Valid
	// only immediately after a Next that returned tskv.OK.
	Key() []byte
	// Value returns the current value. Valid under the same condition as
	// Key.
	Value() []byte
	// Close releases any engine-side cursor handle. Safe to call multiple
	// times; closing an already-closed or engine-invalidated cursor is a
	// benign no-op.
	Close() tskv.StatusCode
}

// Engine is the pluggable backend contract. A Database owns exactly one
// Engine for its lifetime.
type Engine interface {
	// Name identifies the engine for diagnostics ("memory", "occ", "longtx").
	Name() string

	// Open prepares the engine to serve the given DatabaseOptions' mode.
	Open(opts *tskv.DatabaseOptions) tskv.StatusCode
	// Close releases engine resources. After Close the engine is unusable.
	Close() tskv.StatusCode

	// BeginSession starts a new engine session for a transaction with the
	// given options.
	BeginSession(ctx context.Context, opts tskv.TransactionOptions) (Session, tskv.StatusCode)
	// Commit validates and applies a session's writes.
	Commit(ctx context.Context, s Session) tskv.StatusCode
	// Abort discards a session's writes. Expected to be infallible.
	Abort(ctx context.Context, s Session) tskv.StatusCode

	// Get looks up a fully-qualified (prefix-included) key.
	Get(ctx context.Context, s Session, key []byte) ([]byte, tskv.StatusCode)
	// Put writes a fully-qualified key under the given PutOperation
	// semantics.
	Put(ctx context.Context, s Session, key, value []byte, op tskv.PutOperation) tskv.StatusCode
	// Delete removes a fully-qualified key.
	Delete(ctx context.Context, s Session, key []byte) tskv.StatusCode

	// OpenScan returns a Cursor over [lower, upper) given fully-qualified
	// bounds; unboundedLower/unboundedUpper mean "no limit on this side".
	OpenScan(ctx context.Context, s Session, lower tskv.Bound, unboundedLower bool, upper tskv.Bound, unboundedUpper bool) (Cursor, tskv.StatusCode)
}

// translate is the single seam through which engine-native errors are
// mapped into the tskv.StatusCode taxonomy; no engine-specific error type is
// ever allowed to propagate past this function. Concrete engines call this
// (or return tskv.StatusCode directly, which passes through unchanged) when
// reporting a failure.
func translate(err error) tskv.StatusCode {
	if err == nil {
		return tskv.OK
	}
	if code, ok := err.(tskv.StatusCode); ok {
		return code
	}
	log.Warn().Err(err).Msg("unmapped engine error treated as ERR_UNKNOWN")
	return tskv.ErrUnknown
}
