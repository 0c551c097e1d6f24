package storage

import "sync"

// SequenceID identifies an entry in a SequenceMap.
type SequenceID uint64

// versionedValue is the (version, value) pair stored per sequence id.
// valid distinguishes a live entry (created, and not yet removed — version
// 0 is its initial, legitimate value) from an undefined one (removed, or
// never created at this index).
type versionedValue struct {
	version uint64
	value   int64
	valid   bool
}

// SequenceMap is a per-database monotonic sequence table: Create allocates
// an id, Put assigns a (version, value) pair that is only accepted if
// version is strictly greater than the stored version, and Remove clears an
// entry.
//
// Create/Get/Remove are documented (per the original implementation) as not
// thread-safe and intended for DDL/recovery use; Put alone is safe for
// concurrent callers and is implemented with its own mutex.
type SequenceMap struct {
	mu     sync.Mutex
	values []versionedValue
}

// NewSequenceMap returns an empty sequence map.
func NewSequenceMap() *SequenceMap {
	return &SequenceMap{}
}

// Create allocates a new sequence entry (initial version 0, value 0) and
// returns its id.
func (m *SequenceMap) Create() SequenceID {
	id := SequenceID(len(m.values))
	m.values = append(m.values, versionedValue{valid: true})
	return id
}

// Put assigns (version, value) to id. It is accepted — and returns true —
// only if the entry exists and version is strictly greater than the
// currently stored version (a freshly created entry holds version 0, so
// its first Put needs version 1 or more). An obsolete or equal version, or
// an undefined id, is rejected and returns false without modifying the
// entry.
func (m *SequenceMap) Put(id SequenceID, version uint64, value int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) >= len(m.values) || !m.values[id].valid {
		return false
	}
	cur := m.values[id]
	if version <= cur.version {
		return false
	}
	m.values[id] = versionedValue{version: version, value: value, valid: true}
	return true
}

// Get returns the latest (version, value) pair and whether the entry is
// currently valid (never created, or removed, reports false).
func (m *SequenceMap) Get(id SequenceID) (version uint64, value int64, ok bool) {
	if int(id) >= len(m.values) {
		return 0, 0, false
	}
	v := m.values[id]
	if !v.valid {
		return 0, 0, false
	}
	return v.version, v.value, true
}

// Remove clears id's entry, returning true if it was found and valid.
func (m *SequenceMap) Remove(id SequenceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) >= len(m.values) || !m.values[id].valid {
		return false
	}
	m.values[id] = versionedValue{}
	return true
}
