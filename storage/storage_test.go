package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tskv"
	"tskv/storage"
	"tskv/storage/memoryengine"
)

type fakeOwner struct{ engine storage.Engine }

func (f *fakeOwner) Engine() storage.Engine { return f.engine }

type fakeTxn struct {
	session storage.Session
	buffer  []byte
}

func (t *fakeTxn) Session() storage.Session                     { return t.session }
func (t *fakeTxn) SetBuffer(b []byte)                           { t.buffer = append(t.buffer[:0], b...) }
func (t *fakeTxn) Buffer() []byte                               { return t.buffer }
func (t *fakeTxn) CheckWrite(storageID uint64) tskv.StatusCode { return tskv.OK }
func (t *fakeTxn) CheckRead(storageID uint64) tskv.StatusCode  { return tskv.OK }

func newTxn(t *testing.T, engine storage.Engine, opts tskv.TransactionOptions) *fakeTxn {
	t.Helper()
	session, code := engine.BeginSession(context.Background(), opts)
	require.Equal(t, tskv.OK, code)
	return &fakeTxn{session: session}
}

func newTestStorage(t *testing.T, engine storage.Engine, prefix byte) *storage.Storage {
	t.Helper()
	owner := &fakeOwner{engine: engine}
	return storage.NewStorageForTesting([]byte("S"), []byte{prefix}, tskv.NewStorageOptions(), owner)
}

func collect(t *testing.T, it *storage.Iterator) []string {
	t.Helper()
	ctx := context.Background()
	var out []string
	for {
		code := it.Next(ctx)
		if code == tskv.NotFound {
			break
		}
		require.Equal(t, tskv.OK, code)
		out = append(out, string(it.Key())+"="+string(it.Value()))
	}
	return out
}

func TestPrefixScanExactMatch(t *testing.T) {
	engine := memoryengine.New()
	st := newTestStorage(t, engine, 0x10)
	ctx := context.Background()
	tx := newTxn(t, engine, tskv.NewTransactionOptions())

	data := [][2]string{
		{"a", "A"}, {"a/", "a-"}, {"a/a", "a-a"}, {"a/a/c", "a-a-c"}, {"a/b", "a-b"}, {"b", "b"},
	}
	for _, kv := range data {
		require.Equal(t, tskv.OK, st.Put(ctx, tx, []byte(kv[0]), []byte(kv[1]), tskv.CreateOrUpdate))
	}
	require.Equal(t, tskv.OK, engine.Commit(ctx, tx.session))

	tx2 := newTxn(t, engine, tskv.NewTransactionOptions())
	it, code := st.Scan(ctx, tx2, []byte("a/"), tskv.PrefixedInclusive, []byte("a/"), tskv.PrefixedInclusive)
	require.Equal(t, tskv.OK, code)
	got := collect(t, it)
	assert.Equal(t, []string{"a/=a-", "a/a=a-a", "a/a/c=a-a-c", "a/b=a-b"}, got)
}

func TestRangeScanInclusiveAndExclusive(t *testing.T) {
	engine := memoryengine.New()
	st := newTestStorage(t, engine, 0x10)
	ctx := context.Background()
	tx := newTxn(t, engine, tskv.NewTransactionOptions())

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		v := string([]byte{k[0] - 'a' + 'A'})
		require.Equal(t, tskv.OK, st.Put(ctx, tx, []byte(k), []byte(v), tskv.CreateOrUpdate))
	}
	require.Equal(t, tskv.OK, engine.Commit(ctx, tx.session))

	tx2 := newTxn(t, engine, tskv.NewTransactionOptions())
	it, code := st.Scan(ctx, tx2, []byte("b"), tskv.Inclusive, []byte("d"), tskv.Inclusive)
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, []string{"b=B", "c=C", "d=D"}, collect(t, it))

	tx3 := newTxn(t, engine, tskv.NewTransactionOptions())
	it2, code := st.Scan(ctx, tx3, []byte("b"), tskv.Exclusive, []byte("d"), tskv.Exclusive)
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, []string{"c=C"}, collect(t, it2))
}

func TestPrefixIsolationBetweenStorages(t *testing.T) {
	engine := memoryengine.New()
	stA := newTestStorage(t, engine, 0x10)
	stB := newTestStorage(t, engine, 0x20)
	ctx := context.Background()

	tx := newTxn(t, engine, tskv.NewTransactionOptions())
	require.Equal(t, tskv.OK, stB.Put(ctx, tx, []byte("a"), []byte("B"), tskv.CreateOrUpdate))
	require.Equal(t, tskv.OK, engine.Commit(ctx, tx.session))

	tx2 := newTxn(t, engine, tskv.NewTransactionOptions())
	it, code := stA.Scan(ctx, tx2, nil, tskv.Unbound, nil, tskv.Unbound)
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, tskv.NotFound, it.Next(ctx))
}

func TestPutOperationSemantics(t *testing.T) {
	engine := memoryengine.New()
	st := newTestStorage(t, engine, 0x10)
	ctx := context.Background()
	tx := newTxn(t, engine, tskv.NewTransactionOptions())

	require.Equal(t, tskv.OK, st.Put(ctx, tx, []byte("K"), []byte("a"), tskv.CreateOrUpdate))
	assert.Equal(t, tskv.AlreadyExists, st.Put(ctx, tx, []byte("K"), []byte("b1"), tskv.Create))
	require.Equal(t, tskv.OK, st.Put(ctx, tx, []byte("K"), []byte("b2"), tskv.Update))

	v, code := st.Get(ctx, tx, []byte("K"))
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, "b2", string(v))

	assert.Equal(t, tskv.NotFound, st.Put(ctx, tx, []byte("L"), []byte("c1"), tskv.Update))
	require.Equal(t, tskv.OK, st.Put(ctx, tx, []byte("L"), []byte("c2"), tskv.Create))

	v, code = st.Get(ctx, tx, []byte("L"))
	require.Equal(t, tskv.OK, code)
	assert.Equal(t, "c2", string(v))
}
