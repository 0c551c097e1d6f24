package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSequenceMapBoundaryScenario walks the exact sequence from the
// documented boundary test: create, stale put rejected, monotonic put
// accepted, put-after-remove rejected.
func TestSequenceMapBoundaryScenario(t *testing.T) {
	m := NewSequenceMap()

	id := m.Create()

	require.True(t, m.Put(id, 1, 10))
	v, val, ok := m.Get(id)
	require.True(t, ok)
	assert.EqualValues(t, 1, v)
	assert.EqualValues(t, 10, val)

	assert.False(t, m.Put(id, 1, 20), "equal version must be rejected")
	v, val, ok = m.Get(id)
	require.True(t, ok)
	assert.EqualValues(t, 1, v)
	assert.EqualValues(t, 10, val)

	assert.True(t, m.Put(id, 3, 30))
	v, val, ok = m.Get(id)
	require.True(t, ok)
	assert.EqualValues(t, 3, v)
	assert.EqualValues(t, 30, val)

	assert.False(t, m.Put(id, 2, 20), "stale version must be rejected")

	require.True(t, m.Remove(id))
	assert.False(t, m.Put(id, 4, 40), "put after remove must be rejected")
	_, _, ok = m.Get(id)
	assert.False(t, ok)

	assert.False(t, m.Remove(id), "double remove reports false")
}

func TestSequenceMapUnknownID(t *testing.T) {
	m := NewSequenceMap()
	assert.False(t, m.Put(SequenceID(7), 1, 1))
	_, _, ok := m.Get(SequenceID(7))
	assert.False(t, ok)
	assert.False(t, m.Remove(SequenceID(7)))
}

func TestSequenceMapIndependentIDs(t *testing.T) {
	m := NewSequenceMap()
	a := m.Create()
	b := m.Create()
	require.True(t, m.Put(a, 1, 100))
	require.True(t, m.Put(b, 1, 200))

	_, av, _ := m.Get(a)
	_, bv, _ := m.Get(b)
	assert.EqualValues(t, 100, av)
	assert.EqualValues(t, 200, bv)

	require.True(t, m.Remove(a))
	_, _, aok := m.Get(a)
	_, _, bok := m.Get(b)
	assert.False(t, aok)
	assert.True(t, bok)
}
