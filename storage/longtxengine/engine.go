// Package longtxengine implements the "shirakami" backend: an in-process,
// version-tracked engine identical in its OCC bookkeeping to memoryengine,
// but additionally serializing LONG transaction commits per write-preserved
// storage so that two LONG transactions writing the same storage never land
// their commits out of begin order. The serialization token queue is
// adapted from transaction/lock_manager.go's ResourceLock{Holders,
// WaitQueue} shape: one waiter queue per storage id instead of per row, and
// a single token instead of a read/write lock-type matrix, since ordering
// (not mutual-exclusion granularity) is all a LONG commit needs here.
//
// Scan snapshots that grow past snapshotCompressThreshold bytes are
// zstd-compressed as one block immediately after materialization and
// decompressed once, lazily, the first time the cursor is actually walked —
// a scan opened and never iterated never pays the decompression cost.
package longtxengine

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"tskv"
	"tskv/storage"
)

// snapshotCompressThreshold is the raw (key+value) byte size past which a
// materialized scan snapshot is zstd-compressed instead of kept as plain
// tuples.
const snapshotCompressThreshold = 64 * 1024

type record struct {
	key     []byte
	value   []byte
	version uint64
}

func (r *record) Less(than btree.Item) bool {
	return bytes.Compare(r.key, than.(*record).key) < 0
}

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

	// held is the set of storage ids whose commit-order token this session
	// currently holds, acquired at BeginSession for LONG transactions and
	// released at Commit/Abort.
	held []uint64
}

func (s *session) ID() string { return s.id }

// resourceQueue is one storage id's commit-order token: at most one session
// holds it at a time, and the rest wait in FIFO order. Grounded on
// ResourceLock's Holders/WaitQueue pair, collapsed to a single holder since
// a LONG commit needs exclusive ordering, not a shared/exclusive lock-type
// matrix.
type resourceQueue struct {
	mu      sync.Mutex
	holder  string
	waiters []chan struct{}
}

func (q *resourceQueue) acquire(ctx context.Context, sessionID string) tskv.StatusCode {
	q.mu.Lock()
	if q.holder == "" {
		q.holder = sessionID
		q.mu.Unlock()
		return tskv.OK
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		q.mu.Lock()
		q.holder = sessionID
		q.mu.Unlock()
		return tskv.OK
	case <-ctx.Done():
		return tskv.ErrTimeOut
	}
}

func (q *resourceQueue) release(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.holder != sessionID {
		return
	}
	q.holder = ""
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next)
	}
}

// commitOrder hands out one resourceQueue per storage id, lazily.
type commitOrder struct {
	mu     sync.Mutex
	queues map[uint64]*resourceQueue
}

func newCommitOrder() *commitOrder {
	return &commitOrder{queues: make(map[uint64]*resourceQueue)}
}

func (c *commitOrder) queueFor(storageID uint64) *resourceQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[storageID]
	if !ok {
		q = &resourceQueue{}
		c.queues[storageID] = q
	}
	return q
}

// Engine is the in-process, write-preserve-ordering storage.Engine.
type Engine struct {
	mu       sync.RWMutex
	tree     *btree.BTree
	versions map[string]uint64
	order    *commitOrder
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{
		tree:     btree.New(32),
		versions: make(map[string]uint64),
		order:    newCommitOrder(),
	}
}

func (e *Engine) Name() string { return "longtx" }

func (e *Engine) Open(opts *tskv.DatabaseOptions) tskv.StatusCode { return tskv.OK }

func (e *Engine) Close() tskv.StatusCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tree = btree.New(32)
	e.versions = make(map[string]uint64)
	e.order = newCommitOrder()
	return tskv.OK
}

// writePreserveIDs returns opts' distinct write-preserved storage ids,
// sorted ascending. Acquiring a session's tokens in a fixed global order
// (rather than declaration order) means two LONG transactions that both
// write-preserve storages {3, 7} can never deadlock waiting on each other.
func writePreserveIDs(opts tskv.TransactionOptions) []uint64 {
	seen := make(map[uint64]bool, len(opts.WritePreserves))
	ids := make([]uint64, 0, len(opts.WritePreserves))
	for _, wp := range opts.WritePreserves {
		if !seen[wp.StorageID] {
			seen[wp.StorageID] = true
			ids = append(ids, wp.StorageID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BeginSession mints a session and, for a LONG transaction, blocks until it
// holds the commit-order token for every one of its write preserves. A
// SHORT or READ_ONLY transaction never touches the order at all.
func (e *Engine) BeginSession(ctx context.Context, opts tskv.TransactionOptions) (storage.Session, tskv.StatusCode) {
	s := &session{
		id:     uuid.NewString(),
		opts:   opts,
		writes: make(map[string]*writeOp),
		reads:  make(map[string]uint64),
	}
	if opts.Type != tskv.Long {
		return s, tskv.OK
	}
	for _, id := range writePreserveIDs(opts) {
		if code := e.order.queueFor(id).acquire(ctx, s.id); code != tskv.OK {
			e.releaseHeld(s)
			return nil, code
		}
		s.held = append(s.held, id)
	}
	return s, tskv.OK
}

func (e *Engine) releaseHeld(s *session) {
	for _, id := range s.held {
		e.order.queueFor(id).release(s.id)
	}
	s.held = nil
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

// Commit validates the session's reads and writes against the live version
// table exactly as memoryengine does, then always releases any commit-order
// tokens the session holds — on abort as on success, since a LONG
// transaction that loses the OCC race still must free its place in line for
// the next waiter.
func (e *Engine) Commit(ctx context.Context, sess storage.Session) tskv.StatusCode {
	s := sess.(*session)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer e.releaseHeld(s)

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
	return tskv.OK
}

func (e *Engine) Abort(ctx context.Context, sess storage.Session) tskv.StatusCode {
	s := sess.(*session)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.releaseHeld(s)
	s.writes = make(map[string]*writeOp)
	s.reads = make(map[string]uint64)
	return tskv.OK
}

type tuple struct {
	key   []byte
	value []byte
}

// cursor is a materialized scan snapshot. Small snapshots keep their tuples
// plain; snapshots at or past snapshotCompressThreshold raw bytes are
// zstd-compressed into blob at OpenScan time and only expanded back into
// tuples the first time Next/Key/Value is actually called.
type cursor struct {
	tuples []tuple
	idx    int

	blob []byte // non-nil only if the snapshot was compressed
}

func encodeTuples(tuples []tuple) []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, t := range tuples {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(t.key)))
		buf.Write(lenBuf[:])
		buf.Write(t.key)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(t.value)))
		buf.Write(lenBuf[:])
		buf.Write(t.value)
	}
	return buf.Bytes()
}

func decodeTuples(raw []byte) []tuple {
	var out []tuple
	for len(raw) > 0 {
		klen := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		key := raw[:klen]
		raw = raw[klen:]
		vlen := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		value := raw[:vlen]
		raw = raw[vlen:]
		out = append(out, tuple{key: key, value: value})
	}
	return out
}

func newCursor(tuples []tuple) *cursor {
	var rawSize int
	for _, t := range tuples {
		rawSize += len(t.key) + len(t.value)
	}
	if rawSize < snapshotCompressThreshold {
		return &cursor{tuples: tuples, idx: -1}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return &cursor{tuples: tuples, idx: -1}
	}
	defer enc.Close()
	blob := enc.EncodeAll(encodeTuples(tuples), nil)
	return &cursor{blob: blob, idx: -1}
}

// expand decompresses blob into tuples on first use; a scan that is opened
// and then closed without being walked never pays this cost.
func (c *cursor) expand() {
	if c.blob == nil {
		return
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		c.tuples = nil
		c.blob = nil
		return
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(c.blob, nil)
	if err != nil {
		c.tuples = nil
		c.blob = nil
		return
	}
	c.tuples = decodeTuples(raw)
	c.blob = nil
}

func (c *cursor) Next(ctx context.Context) tskv.StatusCode {
	c.expand()
	if c.idx+1 >= len(c.tuples) {
		c.idx = len(c.tuples)
		return tskv.NotFound
	}
	c.idx++
	return tskv.OK
}

func (c *cursor) Key() []byte   { c.expand(); return c.tuples[c.idx].key }
func (c *cursor) Value() []byte { c.expand(); return c.tuples[c.idx].value }
func (c *cursor) Close() tskv.StatusCode {
	c.tuples = nil
	c.blob = nil
	return tskv.OK
}

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

	e.mu.RLock()
	merged := make(map[string]tuple)
	e.tree.Ascend(func(item btree.Item) bool {
		rec := item.(*record)
		if !unboundedUpper {
			cmp := bytes.Compare(rec.key, upper.Key)
			if cmp > 0 || (cmp == 0 && upper.Exclusive) {
				return false
			}
		}
		if inRange(rec.key) {
			merged[string(rec.key)] = tuple{key: append([]byte{}, rec.key...), value: append([]byte{}, rec.value...)}
		}
		return true
	})
	e.mu.RUnlock()

	for k, w := range s.writes {
		if !inRange([]byte(k)) {
			continue
		}
		if w.deleted {
			delete(merged, k)
			continue
		}
		merged[k] = tuple{key: []byte(k), value: w.value}
	}

	out := make([]tuple, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].key, out[j].key) < 0 })

	return newCursor(out), tskv.OK
}
