package longtxengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tskv"
	"tskv/storage/longtxengine"
)

func TestLongTxEnginePutGetDelete(t *testing.T) {
	ctx := context.Background()
	e := longtxengine.New()

	s, code := e.BeginSession(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, code)

	require.Equal(t, tskv.OK, e.Put(ctx, s, []byte("k"), []byte("v1"), tskv.CreateOrUpdate))
	v, code := e.Get(ctx, s, []byte("k"))
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, "v1", string(v))
	require.Equal(t, tskv.OK, e.Commit(ctx, s))

	s2, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, e.Delete(ctx, s2, []byte("k")))
	require.Equal(t, tskv.OK, e.Commit(ctx, s2))

	s3, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	_, code = e.Get(ctx, s3, []byte("k"))
	assert.Equal(t, tskv.NotFound, code)
}

func TestLongTxEngineCommitConflictIsRetryable(t *testing.T) {
	ctx := context.Background()
	e := longtxengine.New()

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

// TestLongTxEngineSerializesWritePreserveCommits checks that a second LONG
// transaction declaring the same write preserve cannot begin until the
// first releases its commit-order token (by committing).
func TestLongTxEngineSerializesWritePreserveCommits(t *testing.T) {
	ctx := context.Background()
	e := longtxengine.New()
	opts := tskv.NewTransactionOptions().
		WithType(tskv.Long).
		WithWritePreserves(tskv.WritePreserve{StorageID: 1})

	s1, code := e.BeginSession(ctx, opts)
	require.Equal(t, tskv.OK, code)

	began2 := make(chan struct{}, 1)
	go func() {
		s2, code := e.BeginSession(context.Background(), opts)
		if code != tskv.OK {
			return
		}
		began2 <- struct{}{}
		e.Abort(context.Background(), s2)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-began2:
		t.Fatal("second LONG session began while the first still held the write-preserve token")
	default:
	}

	require.Equal(t, tskv.OK, e.Commit(ctx, s1))

	select {
	case <-began2:
	case <-time.After(time.Second):
		t.Fatal("second LONG session never began after the first released its token")
	}
}

// TestLongTxEngineDisjointWritePreservesDoNotBlock checks that LONG
// transactions over different storages never wait on each other.
func TestLongTxEngineDisjointWritePreservesDoNotBlock(t *testing.T) {
	ctx := context.Background()
	e := longtxengine.New()

	opts1 := tskv.NewTransactionOptions().WithType(tskv.Long).WithWritePreserves(tskv.WritePreserve{StorageID: 1})
	opts2 := tskv.NewTransactionOptions().WithType(tskv.Long).WithWritePreserves(tskv.WritePreserve{StorageID: 2})

	s1, code := e.BeginSession(ctx, opts1)
	require.Equal(t, tskv.OK, code)

	done := make(chan tskv.StatusCode, 1)
	go func() {
		_, code := e.BeginSession(context.Background(), opts2)
		done <- code
	}()

	select {
	case code := <-done:
		assert.Equal(t, tskv.OK, code)
	case <-time.After(time.Second):
		t.Fatal("disjoint write preserve blocked on an unrelated storage's token")
	}

	require.Equal(t, tskv.OK, e.Abort(ctx, s1))
}

func TestLongTxEngineScanMergesPendingWrites(t *testing.T) {
	ctx := context.Background()
	e := longtxengine.New()

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

// TestLongTxEngineScanSurvivesLargeCompressedSnapshot exercises the
// zstd-compressed snapshot path by scanning past snapshotCompressThreshold.
func TestLongTxEngineScanSurvivesLargeCompressedSnapshot(t *testing.T) {
	ctx := context.Background()
	e := longtxengine.New()

	const n = 2000
	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i)
	}

	seed, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	for i := 0; i < n; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		require.Equal(t, tskv.OK, e.Put(ctx, seed, key, big, tskv.Create))
	}
	require.Equal(t, tskv.OK, e.Commit(ctx, seed))

	s, _ := e.BeginSession(ctx, tskv.NewTransactionOptions())
	cur, code := e.OpenScan(ctx, s, tskv.Bound{}, true, tskv.Bound{}, true)
	require.Equal(t, tskv.OK, code)
	defer cur.Close()

	count := 0
	for cur.Next(ctx) == tskv.OK {
		assert.Equal(t, big, cur.Value())
		count++
	}
	assert.Equal(t, n, count)
}
