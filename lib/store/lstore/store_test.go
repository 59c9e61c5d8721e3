package lstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/engines/offheap"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) db.KVDB {
	t.Helper()
	database, err := offheap.NewOffHeapDB(common.MapConfig{ReplicaID: 1, Entries: 1000, AvgKeySize: 16, AvgValueSize: 16})
	require.NoError(t, err)
	return database
}

func newCounters(t *testing.T) store.IStore[string, int64] {
	t.Helper()
	s := NewLocalStore[string, int64](newDB(t), interop.String{}, interop.Int64{})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetPutRemove(t *testing.T) {
	s := newCounters(t)
	ctx := context.Background()

	v, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, v)

	_, replaced, err := s.Put(ctx, "a", 7)
	require.NoError(t, err)
	assert.False(t, replaced)

	prev, replaced, err := s.Put(ctx, "a", -3)
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, int64(7), prev)

	v, found, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(-3), v)

	prev, removed, err := s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(-3), prev)

	_, removed, err = s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestPairKeys(t *testing.T) {
	database := newDB(t)
	s := NewLocalStore[interop.PairOf[string, uint64], string](database,
		interop.Pair[string, uint64]{First: interop.String{}, Second: interop.Uint64{}}, interop.String{})
	defer s.Close()
	ctx := context.Background()

	k1 := interop.PairOf[string, uint64]{First: "user", Second: 1}
	k2 := interop.PairOf[string, uint64]{First: "user", Second: 2}
	_, _, err := s.Put(ctx, k1, "alice")
	require.NoError(t, err)
	_, _, err = s.Put(ctx, k2, "bob")
	require.NoError(t, err)

	v, _, err := s.Get(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, "alice", v)
	v, _, err = s.Get(ctx, k2)
	require.NoError(t, err)
	assert.Equal(t, "bob", v)
}

func TestDecodeErrorKeepsStoredBytes(t *testing.T) {
	database := newDB(t)
	raw := NewLocalStore[string, []byte](database, interop.String{}, interop.Bytes{})
	typed := NewLocalStore[string, int64](database, interop.String{}, interop.Int64{})
	defer raw.Close()
	ctx := context.Background()

	_, _, err := raw.Put(ctx, "k", []byte{1, 2, 3})
	require.NoError(t, err)

	_, _, err = typed.Get(ctx, "k")
	var storeErr *store.Error
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, store.RetCEncodingError, storeErr.Code)
	assert.ErrorIs(t, err, db.ErrCorruptEntry)

	b, found, err := raw.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestAcquireWithDefault(t *testing.T) {
	s := newCounters(t)
	ctx := context.Background()

	const workers, increments = 4, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				h, err := s.Acquire(ctx, "visits", 0)
				if !assert.NoError(t, err) {
					return
				}
				n, present, err := h.Value()
				assert.NoError(t, err)
				assert.True(t, present)
				assert.NoError(t, h.Set(n+1))
				assert.NoError(t, h.Close())
			}
		}()
	}
	wg.Wait()

	v, _, err := s.Get(ctx, "visits")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*increments), v)
}

func TestHandle(t *testing.T) {
	s := newCounters(t)
	ctx := context.Background()

	h, err := s.AcquireForUpdate(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "k", h.Key())
	_, present, err := h.Value()
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, h.Set(42))
	meta, exists := h.Meta()
	assert.True(t, exists)
	assert.Equal(t, uint8(1), meta.Origin)

	nested, cancel := context.WithTimeout(h.Context(ctx), time.Second)
	defer cancel()
	_, _, err = s.Put(nested, "k", 1)
	assert.ErrorIs(t, err, db.ErrReentrantLock)

	removed, err := h.Remove()
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, h.Close())

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestErrorFormatting(t *testing.T) {
	err := store.WrapError(store.RetCInternalError, "put", db.ErrLockTimeout)
	assert.Equal(t, "KVStoreError (code InternalError): put: lock timeout", err.Error())
	assert.ErrorIs(t, err, db.ErrLockTimeout)

	assert.Equal(t, "KVStoreError (code UnsupportedOperation): nope", store.NewError(store.RetCUnsupportedOperation, "nope").Error())
}

func TestGetInfo(t *testing.T) {
	s := newCounters(t)
	info, err := s.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, db.ImplOffHeap, info.DbType)
}
