package storage

import (
	"context"

	"tskv"
)

type iterState int

const (
	iterInit iterState = iota
	iterBody
	iterSawEOF
	iterEnd
)

// Iterator is the single forward-only cursor surface returned by
// Storage.Scan. Internally it is backed by a Cursor, which a given Engine
// may implement either materialized (fetch everything up front) or
// piecemeal (advance the engine-side handle one tuple at a time) — per
// Design Notes §9, callers never see that distinction.
type Iterator struct {
	owner  *Storage
	cursor Cursor
	state  iterState
	// construction-time error short-circuit: set when OpenScan itself
	// failed, so Next reports it without ever calling the cursor.
	openErr tskv.StatusCode
}

func newIterator(owner *Storage, cursor Cursor) *Iterator {
	return &Iterator{owner: owner, cursor: cursor, state: iterInit}
}

// newEmptyIterator returns an iterator over a provably-empty interval
// (computed without any engine call, per spec §4.2's tie-break rule).
func newEmptyIterator(owner *Storage) *Iterator {
	return &Iterator{owner: owner, state: iterEnd}
}

// newErrorIterator returns an iterator that immediately reports code on the
// first Next call, used when OpenScan itself failed.
func newErrorIterator(owner *Storage, code tskv.StatusCode) *Iterator {
	return &Iterator{owner: owner, state: iterEnd, openErr: code}
}

// Next advances the iterator. On iterInit it yields the first tuple if any,
// otherwise tskv.NotFound. Once in iterSawEOF/iterEnd it keeps returning
// tskv.NotFound (or openErr, if the scan itself could not be opened)
// without any further engine call.
func (it *Iterator) Next(ctx context.Context) tskv.StatusCode {
	if it.state == iterEnd {
		if it.openErr != tskv.OK {
			return it.openErr
		}
		return tskv.NotFound
	}
	if it.state == iterSawEOF {
		return tskv.NotFound
	}
	code := it.cursor.Next(ctx)
	switch code {
	case tskv.OK:
		it.state = iterBody
		return tskv.OK
	case tskv.NotFound:
		it.state = iterSawEOF
		return tskv.NotFound
	default:
		it.state = iterEnd
		return code
	}
}

// Valid reports whether Key/Value may be called right now.
func (it *Iterator) Valid() bool {
	return it.state == iterBody
}

// Key returns the current, un-qualified (storage prefix stripped) key.
// Valid only when Valid() is true.
func (it *Iterator) Key() []byte {
	return it.owner.unqualify(it.cursor.Key())
}

// Value returns the current value. Valid only when Valid() is true.
func (it *Iterator) Value() []byte {
	return it.cursor.Value()
}

// Close releases any engine-side cursor handle. Safe to call multiple times.
func (it *Iterator) Close() tskv.StatusCode {
	if it.cursor == nil {
		return tskv.OK
	}
	return it.cursor.Close()
}
