// Package tskv is a transactional key-value storage façade: it defines the
// stable programming surface (status codes, endpoint kinds, transaction and
// database options) shared by every pluggable backing engine under
// sub-packages storage/memoryengine, storage/occengine and
// storage/longtxengine.
package tskv

// Slice is a non-owning, read-only view over a contiguous byte range. It is
// the zero-copy key/value reference type threaded through Storage, Iterator
// and the engine layer; nothing in this package allocates when constructing
// one.
type Slice []byte

// Len returns the number of bytes in the slice.
func (s Slice) Len() int {
	return len(s)
}

// At returns the byte at offset i.
func (s Slice) At(i int) byte {
	return s[i]
}

// Equal reports whether s and other view the same byte sequence.
func (s Slice) Equal(other Slice) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// AppendTo appends the slice's bytes to buf and returns the extended buffer.
func (s Slice) AppendTo(buf []byte) []byte {
	return append(buf, s...)
}

// Bytes returns the underlying read-only byte view. Callers must not mutate
// the returned slice.
func (s Slice) Bytes() []byte {
	return s
}

// String renders the slice for diagnostics; it does not assume the bytes are
// valid UTF-8 since values are opaque byte strings.
func (s Slice) String() string {
	return string(s)
}
