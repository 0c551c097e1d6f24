// Package occengine implements the "kvs" backend: the same optimistic
// concurrency protocol as memoryengine, but records persist to a
// go.etcd.io/bbolt file-backed B+Tree and values are snappy-compressed
// before they ever reach disk.
package occengine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"tskv"
	"tskv/storage"
)

var bucketName = []byte("tskv")

var errRetryableConflict = errors.New("occengine: retryable conflict")

// Engine is a storage.Engine over a single bbolt file. Every key's stored
// value is an 8-byte big-endian version stamp followed by a snappy block;
// the version lives in the file itself so Open needs no separate recovery
// pass to rebuild an in-memory version table.
type Engine struct {
	path string
	db   *bolt.DB
}

// New returns an unopened Engine that will store its bbolt file at path.
func New(path string) *Engine {
	return &Engine{path: path}
}

func (e *Engine) Name() string { return "occ" }

// Open opens (creating if necessary) the bbolt file and its one bucket.
func (e *Engine) Open(opts *tskv.DatabaseOptions) tskv.StatusCode {
	db, err := bolt.Open(e.path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return tskv.ErrIOError
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return tskv.ErrIOError
	}
	e.db = db
	return tskv.OK
}

func (e *Engine) Close() tskv.StatusCode {
	if e.db == nil {
		return tskv.OK
	}
	if err := e.db.Close(); err != nil {
		return tskv.ErrIOError
	}
	e.db = nil
	return tskv.OK
}

type writeOp struct {
	value   []byte
	deleted bool
	op      tskv.PutOperation
}

type session struct {
	id     string
	writes map[string]*writeOp
	reads  map[string]uint64
}

func (s *session) ID() string { return s.id }

func (e *Engine) BeginSession(ctx context.Context, opts tskv.TransactionOptions) (storage.Session, tskv.StatusCode) {
	return &session{
		id:     uuid.NewString(),
		writes: make(map[string]*writeOp),
		reads:  make(map[string]uint64),
	}, tskv.OK
}

func encodeRecord(version uint64, payload []byte) []byte {
	out := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint64(out, version)
	return append(out, snappy.Encode(nil, payload)...)
}

// decodeRecord splits a stored bbolt value back into its version stamp and
// snappy-decompressed payload. The version is written unencoded ahead of
// the snappy block, so only the payload half goes through snappy.Decode.
func decodeRecord(raw []byte) (uint64, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, fmt.Errorf("occengine: truncated record")
	}
	version := binary.BigEndian.Uint64(raw[:8])
	payload, err := snappy.Decode(nil, raw[8:])
	if err != nil {
		return 0, nil, err
	}
	return version, payload, nil
}

func (e *Engine) readVersion(tx *bolt.Tx, key []byte) (uint64, []byte, bool) {
	raw := tx.Bucket(bucketName).Get(key)
	if raw == nil {
		return 0, nil, false
	}
	ver, payload, err := decodeRecord(raw)
	if err != nil {
		return 0, nil, false
	}
	return ver, payload, true
}

func (e *Engine) Get(ctx context.Context, s storage.Session, key []byte) ([]byte, tskv.StatusCode) {
	sess := s.(*session)
	if w, ok := sess.writes[string(key)]; ok {
		if w.deleted {
			return nil, tskv.NotFound
		}
		return w.value, tskv.OK
	}

	var (
		value []byte
		found bool
		ver   uint64
	)
	err := e.db.View(func(tx *bolt.Tx) error {
		ver, value, found = e.readVersion(tx, key)
		return nil
	})
	if err != nil {
		return nil, tskv.ErrIOError
	}
	if _, seen := sess.reads[string(key)]; !seen {
		sess.reads[string(key)] = ver
	}
	if !found {
		return nil, tskv.NotFound
	}
	return value, tskv.OK
}

func (e *Engine) visiblePresence(s *session, tx *bolt.Tx, key []byte) bool {
	if w, ok := s.writes[string(key)]; ok {
		return !w.deleted
	}
	_, _, found := e.readVersion(tx, key)
	return found
}

func (e *Engine) Put(ctx context.Context, s storage.Session, key, value []byte, op tskv.PutOperation) tskv.StatusCode {
	sess := s.(*session)
	var code tskv.StatusCode
	err := e.db.View(func(tx *bolt.Tx) error {
		present := e.visiblePresence(sess, tx, key)
		switch op {
		case tskv.Create:
			if present {
				code = tskv.AlreadyExists
				return nil
			}
		case tskv.Update:
			if !present {
				code = tskv.NotFound
				return nil
			}
		}
		code = tskv.OK
		return nil
	})
	if err != nil {
		return tskv.ErrIOError
	}
	if code != tskv.OK {
		return code
	}
	sess.writes[string(key)] = &writeOp{value: append([]byte{}, value...), op: op}
	return tskv.OK
}

func (e *Engine) Delete(ctx context.Context, s storage.Session, key []byte) tskv.StatusCode {
	sess := s.(*session)
	var code tskv.StatusCode
	err := e.db.View(func(tx *bolt.Tx) error {
		if !e.visiblePresence(sess, tx, key) {
			code = tskv.NotFound
			return nil
		}
		code = tskv.OK
		return nil
	})
	if err != nil {
		return tskv.ErrIOError
	}
	if code != tskv.OK {
		return code
	}
	sess.writes[string(key)] = &writeOp{deleted: true}
	return tskv.OK
}

func (e *Engine) Commit(ctx context.Context, s storage.Session) tskv.StatusCode {
	sess := s.(*session)
	err := e.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)

		for k, readVer := range sess.reads {
			curVer, _, _ := e.readVersion(tx, []byte(k))
			if curVer != readVer {
				return errRetryableConflict
			}
		}
		for k, w := range sess.writes {
			if w.deleted {
				continue
			}
			_, _, present := e.readVersion(tx, []byte(k))
			if w.op == tskv.Create && present {
				return errRetryableConflict
			}
			if w.op == tskv.Update && !present {
				return errRetryableConflict
			}
		}

		for k, w := range sess.writes {
			key := []byte(k)
			if w.deleted {
				if err := bucket.Delete(key); err != nil {
					return err
				}
				continue
			}
			curVer, _, _ := e.readVersion(tx, key)
			if err := bucket.Put(key, encodeRecord(curVer+1, w.value)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errRetryableConflict) {
		return tskv.ErrAbortedRetryable
	}
	if err != nil {
		return tskv.ErrIOError
	}
	return tskv.OK
}

func (e *Engine) Abort(ctx context.Context, s storage.Session) tskv.StatusCode {
	sess := s.(*session)
	sess.writes = make(map[string]*writeOp)
	sess.reads = make(map[string]uint64)
	return tskv.OK
}

type tuple struct {
	key, value []byte
}

type cursor struct {
	tuples []tuple
	idx    int
}

func (c *cursor) Next(ctx context.Context) tskv.StatusCode {
	c.idx++
	if c.idx >= len(c.tuples) {
		return tskv.NotFound
	}
	return tskv.OK
}
func (c *cursor) Key() []byte            { return c.tuples[c.idx].key }
func (c *cursor) Value() []byte          { return c.tuples[c.idx].value }
func (c *cursor) Close() tskv.StatusCode { return tskv.OK }

// OpenScan materializes every committed tuple inside the bounds, merges in
// the session's own pending writes, and returns them sorted by key — bbolt
// cursors cannot outlive the db.View callback, so (unlike memoryengine's
// piecemeal lazyCursor) this is a materialized cursor.
func (e *Engine) OpenScan(ctx context.Context, s storage.Session, lower tskv.Bound, unboundedLower bool, upper tskv.Bound, unboundedUpper bool) (storage.Cursor, tskv.StatusCode) {
	sess := s.(*session)
	seen := make(map[string]bool)
	var out []tuple

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

	err := e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		var k, raw []byte
		if unboundedLower {
			k, raw = c.First()
		} else {
			k, raw = c.Seek(lower.Key)
			if k != nil && lower.Exclusive && bytes.Equal(k, lower.Key) {
				k, raw = c.Next()
			}
		}
		for ; k != nil; k, raw = c.Next() {
			if !inRange(k) {
				break
			}
			key := append([]byte{}, k...)
			seen[string(key)] = true
			if w, ok := sess.writes[string(key)]; ok {
				if !w.deleted {
					out = append(out, tuple{key: key, value: append([]byte{}, w.value...)})
				}
				continue
			}
			_, payload, err := decodeRecord(raw)
			if err != nil {
				continue
			}
			out = append(out, tuple{key: key, value: append([]byte{}, payload...)})
		}
		return nil
	})
	if err != nil {
		return nil, tskv.ErrIOError
	}

	for k, w := range sess.writes {
		if seen[k] || w.deleted {
			continue
		}
		key := []byte(k)
		if inRange(key) {
			out = append(out, tuple{key: key, value: append([]byte{}, w.value...)})
		}
	}

	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].key, out[j].key) < 0 })
	return &cursor{tuples: out, idx: -1}, tskv.OK
}
