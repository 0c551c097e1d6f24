// Package memoryengine implements an in-process storage.Engine over a
// github.com/google/btree ordered tree, with optimistic concurrency control:
// each key carries a monotonic version counter, every read a session takes
// is remembered, and commit aborts (ERR_ABORTED_RETRYABLE) if any of those
// versions moved before the session tried to land its writes. Scans are
// served by a piecemeal cursor (see lazyCursor) rather than a materialized
// snapshot: no tree walk happens until the first Next call, and each Next
// fetches exactly one more tuple on demand.
package memoryengine

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"tskv"
	"tskv/storage"
)

// record is the btree.Item stored for a live key. The tree only ever holds
// currently-present keys; a deleted key is removed from the tree but its
// version lives on forever in Engine.versions so a concurrent read-then-
// recreate race is still detected at commit.
type record struct {
	key     []byte
	value   []byte
	version uint64
}

func (r *record) Less(than btree.Item) bool {
	return bytes.Compare(r.key, than.(*record).key) < 0
}

// writeOp is one key's pending mutation inside a session's write buffer.
type writeOp struct {
	value   []byte
	deleted bool
	op      tskv.PutOperation
}

type session struct {
	id   string
	opts tskv.TransactionOptions

	mu     sync.Mutex
	writes map[string]*writeOp
	reads  map[string]uint64
}

func (s *session) ID() string { return s.id }

// Engine is the in-process btree-backed storage.Engine.
type Engine struct {
	mu       sync.RWMutex
	tree     *btree.BTree
	versions map[string]uint64
	// globalVersion increments on every Commit. OpenScan's cursor uses it
	// as a seqlock-style guard: if it moves between the start and end of a
	// single read step, something committed mid-read and that step retries.
	globalVersion uint64
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{tree: btree.New(32), versions: make(map[string]uint64)}
}

func (e *Engine) Name() string { return "memory" }

// Open is a no-op: the engine's state is whatever was already constructed
// (there is nothing to recover from — memory is volatile by definition).
func (e *Engine) Open(opts *tskv.DatabaseOptions) tskv.StatusCode { return tskv.OK }

func (e *Engine) Close() tskv.StatusCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tree = btree.New(32)
	e.versions = make(map[string]uint64)
	e.globalVersion = 0
	return tskv.OK
}

func (e *Engine) BeginSession(ctx context.Context, opts tskv.TransactionOptions) (storage.Session, tskv.StatusCode) {
	return &session{
		id:     uuid.NewString(),
		opts:   opts,
		writes: make(map[string]*writeOp),
		reads:  make(map[string]uint64),
	}, tskv.OK
}

func (e *Engine) currentVersion(key []byte) uint64 {
	return e.versions[string(key)]
}

func (e *Engine) Get(ctx context.Context, sess storage.Session, key []byte) ([]byte, tskv.StatusCode) {
	s := sess.(*session)
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writes[string(key)]; ok {
		if w.deleted {
			return nil, tskv.NotFound
		}
		return append([]byte{}, w.value...), tskv.OK
	}

	e.mu.RLock()
	item := e.tree.Get(&record{key: key})
	ver := e.currentVersion(key)
	e.mu.RUnlock()

	if _, seen := s.reads[string(key)]; !seen {
		s.reads[string(key)] = ver
	}
	if item == nil {
		return nil, tskv.NotFound
	}
	return append([]byte{}, item.(*record).value...), tskv.OK
}

// visiblePresence reports whether key is present from this session's point
// of view: its own uncommitted writes take priority over the committed
// tree.
func (e *Engine) visiblePresence(s *session, key []byte) bool {
	if w, ok := s.writes[string(key)]; ok {
		return !w.deleted
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tree.Get(&record{key: key}) != nil
}

func (e *Engine) Put(ctx context.Context, sess storage.Session, key, value []byte, op tskv.PutOperation) tskv.StatusCode {
	s := sess.(*session)
	s.mu.Lock()
	defer s.mu.Unlock()

	if op != tskv.CreateOrUpdate {
		present := e.visiblePresence(s, key)
		if op == tskv.Create && present {
			return tskv.AlreadyExists
		}
		if op == tskv.Update && !present {
			return tskv.NotFound
		}
	}
	s.writes[string(key)] = &writeOp{value: append([]byte{}, value...), op: op}
	return tskv.OK
}

func (e *Engine) Delete(ctx context.Context, sess storage.Session, key []byte) tskv.StatusCode {
	s := sess.(*session)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.visiblePresence(s, key) {
		return tskv.NotFound
	}
	s.writes[string(key)] = &writeOp{deleted: true}
	return tskv.OK
}

// Commit validates every key the session read against the live version
// table, then re-validates each pending Create/Update against the current
// (not session-observed) state before applying anything. Either kind of
// conflict aborts the commit with the same ErrAbortedRetryable; pending
// deletes are not re-validated.
func (e *Engine) Commit(ctx context.Context, sess storage.Session) tskv.StatusCode {
	s := sess.(*session)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, ver := range s.reads {
		if e.versions[k] != ver {
			return tskv.ErrAbortedRetryable
		}
	}
	for k, w := range s.writes {
		if w.deleted {
			continue
		}
		present := e.tree.Get(&record{key: []byte(k)}) != nil
		if w.op == tskv.Create && present {
			return tskv.ErrAbortedRetryable
		}
		if w.op == tskv.Update && !present {
			return tskv.ErrAbortedRetryable
		}
	}

	for k, w := range s.writes {
		newVer := e.versions[k] + 1
		e.versions[k] = newVer
		if w.deleted {
			e.tree.Delete(&record{key: []byte(k)})
			continue
		}
		e.tree.ReplaceOrInsert(&record{key: []byte(k), value: w.value, version: newVer})
	}
	e.globalVersion++
	return tskv.OK
}

// Abort discards the session's write buffer; nothing was ever visible to
// other sessions so there is nothing to undo against the tree.
func (e *Engine) Abort(ctx context.Context, sess storage.Session) tskv.StatusCode {
	s := sess.(*session)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = make(map[string]*writeOp)
	s.reads = make(map[string]uint64)
	return tskv.OK
}

// tuple is one key/value pair read from the committed tree or a session's
// pending write set.
type tuple struct {
	key   []byte
	value []byte
}

// pendingTuple is one of a session's own writes, filtered to a scan's
// interval and sorted by key once at OpenScan time — unlike the committed
// tree, a session's write buffer is already bounded by what that one
// transaction touched, so materializing just this much costs nothing.
type pendingTuple struct {
	tuple
	deleted bool
}

// maxPiecemealRetries bounds how many times lazyCursor.Next retries a single
// read step after observing the engine's global version move mid-read,
// before giving up and surfacing ErrAbortedRetryable.
const maxPiecemealRetries = 8

// lazyCursor is the piecemeal scan cursor (storage §4.7): OpenScan performs
// no tree walk at all, only filtering and sorting the session's own (small,
// already in-memory) pending writes; every committed tuple is fetched one at
// a time, on demand, by the Next call that needs it, via a single
// AscendGreaterOrEqual probe that stops at the first in-range match. Each
// read step is guarded by the engine's global version counter: if a commit
// lands between the step's start and end, the step is retried, bounded by
// maxPiecemealRetries, before surfacing ErrAbortedRetryable so the owning
// transaction can be retried from the start by the driver.
type lazyCursor struct {
	engine *Engine

	lower          tskv.Bound
	unboundedLower bool
	upper          tskv.Bound
	unboundedUpper bool

	started bool
	lastKey []byte

	pending    []pendingTuple
	pendingIdx int

	curValue []byte
}

// firstCommittedInRange returns the lowest committed tuple matching the
// cursor's interval, or false if none does.
func (e *Engine) firstCommittedInRange(lower tskv.Bound, unboundedLower bool, upper tskv.Bound, unboundedUpper bool) (tuple, bool) {
	var out tuple
	found := false
	visit := func(item btree.Item) bool {
		rec := item.(*record)
		if !unboundedUpper {
			cmp := bytes.Compare(rec.key, upper.Key)
			if cmp > 0 || (cmp == 0 && upper.Exclusive) {
				return false
			}
		}
		out = tuple{key: append([]byte{}, rec.key...), value: append([]byte{}, rec.value...)}
		found = true
		return false
	}
	if unboundedLower {
		e.tree.Ascend(visit)
		return out, found
	}
	pivot := &record{key: lower.Key}
	e.tree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		if lower.Exclusive && bytes.Equal(item.(*record).key, lower.Key) {
			return true
		}
		return visit(item)
	})
	return out, found
}

// nextCommittedAfter returns the lowest committed tuple strictly greater
// than key and still matching the cursor's upper bound, or false if none
// does.
func (e *Engine) nextCommittedAfter(key []byte, upper tskv.Bound, unboundedUpper bool) (tuple, bool) {
	var out tuple
	found := false
	e.tree.AscendGreaterOrEqual(&record{key: key}, func(item btree.Item) bool {
		rec := item.(*record)
		if bytes.Equal(rec.key, key) {
			return true
		}
		if !unboundedUpper {
			cmp := bytes.Compare(rec.key, upper.Key)
			if cmp > 0 || (cmp == 0 && upper.Exclusive) {
				return false
			}
		}
		out = tuple{key: append([]byte{}, rec.key...), value: append([]byte{}, rec.value...)}
		found = true
		return false
	})
	return out, found
}

// readCommitted performs one version-guarded read step: it reports ok=false
// only when maxPiecemealRetries consecutive attempts each observed a commit
// landing mid-read.
func (c *lazyCursor) readCommitted() (t tuple, found bool, ok bool) {
	for attempt := 0; attempt < maxPiecemealRetries; attempt++ {
		c.engine.mu.RLock()
		verBefore := c.engine.globalVersion
		if c.started {
			t, found = c.engine.nextCommittedAfter(c.lastKey, c.upper, c.unboundedUpper)
		} else {
			t, found = c.engine.firstCommittedInRange(c.lower, c.unboundedLower, c.upper, c.unboundedUpper)
		}
		verAfter := c.engine.globalVersion
		c.engine.mu.RUnlock()
		if verBefore == verAfter {
			return t, found, true
		}
	}
	return tuple{}, false, false
}

func (c *lazyCursor) peekPending() (pendingTuple, bool) {
	if c.pendingIdx >= len(c.pending) {
		return pendingTuple{}, false
	}
	return c.pending[c.pendingIdx], true
}

// Next performs exactly one read step per loop iteration; it loops only to
// skip over a pending delete that shadows a committed key, never to retry a
// version conflict (readCommitted already bounds that internally).
func (c *lazyCursor) Next(ctx context.Context) tskv.StatusCode {
	for {
		committed, committedFound, ok := c.readCommitted()
		if !ok {
			return tskv.ErrAbortedRetryable
		}

		pend, pendFound := c.peekPending()

		switch {
		case !committedFound && !pendFound:
			c.started = true
			return tskv.NotFound
		case pendFound && (!committedFound || bytes.Compare(pend.key, committed.key) <= 0):
			c.pendingIdx++
			c.started = true
			c.lastKey = pend.key
			if pend.deleted {
				continue
			}
			c.curValue = pend.value
			return tskv.OK
		default:
			c.started = true
			c.lastKey = committed.key
			c.curValue = committed.value
			return tskv.OK
		}
	}
}

func (c *lazyCursor) Key() []byte   { return c.lastKey }
func (c *lazyCursor) Value() []byte { return c.curValue }

// Close is a benign no-op even if called more than once or after the
// cursor has already reached end of stream; there is no engine-side handle
// to release since every read step is a self-contained probe.
func (c *lazyCursor) Close() tskv.StatusCode {
	c.pending = nil
	return tskv.OK
}

// OpenScan defers all engine work to the returned cursor's first Next call:
// it only copies and sorts the session's own pending writes that fall
// inside the interval, which is bounded by what this one transaction has
// touched, not by the committed tree's size.
func (e *Engine) OpenScan(ctx context.Context, sess storage.Session, lower tskv.Bound, unboundedLower bool, upper tskv.Bound, unboundedUpper bool) (storage.Cursor, tskv.StatusCode) {
	s := sess.(*session)
	s.mu.Lock()
	defer s.mu.Unlock()

	inRange := func(key []byte) bool {
		if !unboundedLower {
			cmp := bytes.Compare(key, lower.Key)
			if cmp < 0 || (cmp == 0 && lower.Exclusive) {
				return false
			}
		}
		if !unboundedUpper {
			cmp := bytes.Compare(key, upper.Key)
			if cmp > 0 || (cmp == 0 && upper.Exclusive) {
				return false
			}
		}
		return true
	}

	pending := make([]pendingTuple, 0, len(s.writes))
	for k, w := range s.writes {
		key := []byte(k)
		if !inRange(key) {
			continue
		}
		pending = append(pending, pendingTuple{tuple: tuple{key: key, value: w.value}, deleted: w.deleted})
	}
	sort.Slice(pending, func(i, j int) bool { return bytes.Compare(pending[i].key, pending[j].key) < 0 })

	return &lazyCursor{
		engine:         e,
		lower:          lower,
		unboundedLower: unboundedLower,
		upper:          upper,
		unboundedUpper: unboundedUpper,
		pending:        pending,
	}, tskv.OK
}
