package occengine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tskv"
	"tskv/storage/occengine"
)

func newEngine(t *testing.T) *occengine.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tskv.db")
	e := occengine.New(path)
	require.Equal(t, tskv.OK, e.Open(tskv.NewDatabaseOptions()))
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOCCEnginePutGetDelete(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	s, code := e.BeginSession(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, code)

	require.Equal(t, tskv.OK, e.Put(ctx, s, []byte("k"), []byte("v1"), tskv.CreateOrUpdate))
	v, code := e.Get(ctx, s, []byte("k"))
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, "v1", string(v))
	require.Equal(t, tskv.OK, e.Commit(ctx, s))

	s2, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	v, code = e.Get(ctx, s2, []byte("k"))
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, "v1", string(v))

	require.Equal(t, tskv.OK, e.Delete(ctx, s2, []byte("k")))
	require.Equal(t, tskv.OK, e.Commit(ctx, s2))

	s3, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	_, code = e.Get(ctx, s3, []byte("k"))
	assert.Equal(t, tskv.NotFound, code)
}

func TestOCCEnginePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tskv.db")

	e := occengine.New(path)
	require.Equal(t, tskv.OK, e.Open(tskv.NewDatabaseOptions()))
	s, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, e.Put(ctx, s, []byte("durable"), []byte("yes"), tskv.Create))
	require.Equal(t, tskv.OK, e.Commit(ctx, s))
	require.Equal(t, tskv.OK, e.Close())

	e2 := occengine.New(path)
	require.Equal(t, tskv.OK, e2.Open(tskv.NewDatabaseOptions()))
	defer e2.Close()
	s2, _ := e2.BeginSession(ctx, tskv.NewTransactionOptions())
	v, code := e2.Get(ctx, s2, []byte("durable"))
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, "yes", string(v))
}

func TestOCCEnginePutOperationSemantics(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	s, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	assert.Equal(t, tskv.NotFound, e.Put(ctx, s, []byte("k"), []byte("v"), tskv.Update))
	require.Equal(t, tskv.OK, e.Put(ctx, s, []byte("k"), []byte("v"), tskv.Create))
	assert.Equal(t, tskv.AlreadyExists, e.Put(ctx, s, []byte("k"), []byte("v2"), tskv.Create))
	require.Equal(t, tskv.OK, e.Commit(ctx, s))
}

func TestOCCEngineCommitConflictIsRetryable(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	seed, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, e.Put(ctx, seed, []byte("k"), []byte("v0"), tskv.Create))
	require.Equal(t, tskv.OK, e.Commit(ctx, seed))

	s1, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	s2, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())

	_, code := e.Get(ctx, s1, []byte("k"))
	require.Equal(t, tskv.OK, code)
	_, code = e.Get(ctx, s2, []byte("k"))
	require.Equal(t, tskv.OK, code)

	require.Equal(t, tskv.OK, e.Put(ctx, s1, []byte("k"), []byte("v1"), tskv.Update))
	require.Equal(t, tskv.OK, e.Put(ctx, s2, []byte("k"), []byte("v2"), tskv.Update))

	require.Equal(t, tskv.OK, e.Commit(ctx, s1))
	assert.Equal(t, tskv.ErrAbortedRetryable, e.Commit(ctx, s2))
}

func TestOCCEngineScanMergesPendingWrites(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	seed, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	for _, k := range []string{"a", "b", "d"} {
		require.Equal(t, tskv.OK, e.Put(ctx, seed, []byte(k), []byte(k+k), tskv.Create))
	}
	require.Equal(t, tskv.OK, e.Commit(ctx, seed))

	s, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, e.Put(ctx, s, []byte("c"), []byte("cc"), tskv.Create))
	require.Equal(t, tskv.OK, e.Delete(ctx, s, []byte("b")))

	cur, code := e.OpenScan(ctx, s, tskv.Bound{}, true, tskv.Bound{}, true)
	require.Equal(t, tskv.OK, code)
	defer cur.Close()

	var got []string
	for cur.Next(ctx) == tskv.OK {
		got = append(got, string(cur.Key())+"="+string(cur.Value()))
	}
	assert.Equal(t, []string{"a=aa", "c=cc", "d=dd"}, got)
}
