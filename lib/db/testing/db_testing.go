package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation.
// The instance must hold at least 10000 entries of up to 64 bytes.
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, factory())
		})

		t.Run("Remove", func(t *testing.T) {
			testRemove(t, factory())
		})

		t.Run("AcquireForUpdate", func(t *testing.T) {
			testAcquireForUpdate(t, factory())
		})

		t.Run("Reentrancy", func(t *testing.T) {
			testReentrancy(t, factory())
		})

		t.Run("ApplyRemote", func(t *testing.T) {
			testApplyRemote(t, factory())
		})

		t.Run("ScanModified", func(t *testing.T) {
			testScanModified(t, factory())
		})

		t.Run("Reclaim", func(t *testing.T) {
			testReclaim(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("ManyKeys", func(t *testing.T) {
			testManyKeys(t, factory())
		})

		t.Run("ConcurrentUsage", func(t *testing.T) {
			testConcurrentUsage(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func mustPut(t testing.TB, database db.KVDB, key, value string) {
	t.Helper()
	if _, _, err := database.Put(context.Background(), []byte(key), []byte(value)); err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
}

func expectValue(t testing.TB, database db.KVDB, key, want string) {
	t.Helper()
	got, found, err := database.Get(context.Background(), []byte(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if !found {
		t.Errorf("Expected key %q to exist", key)
		return
	}
	if string(got) != want {
		t.Errorf("Expected value %q for key %q, got %q", want, key, got)
	}
}

func expectAbsent(t testing.TB, database db.KVDB, key string) {
	t.Helper()
	_, found, err := database.Get(context.Background(), []byte(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if found {
		t.Errorf("Expected key %q to be absent", key)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeaturePut|db.FeatureGet)
	ctx := context.Background()

	prev, replaced, err := database.Put(ctx, []byte("test-key"), []byte("test-value1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if replaced || prev != nil {
		t.Errorf("First Put should not replace anything, got %q", prev)
	}
	expectValue(t, database, "test-key", "test-value1")

	prev, replaced, err = database.Put(ctx, []byte("test-key"), []byte("test-value2"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !replaced || string(prev) != "test-value1" {
		t.Errorf("Expected previous value test-value1, got %q (replaced=%t)", prev, replaced)
	}
	expectValue(t, database, "test-key", "test-value2")
	expectAbsent(t, database, "nonexistent-key")

	retrieved, _, _ := database.Get(ctx, []byte("test-key"))
	retrieved[0] = 'X'
	expectValue(t, database, "test-key", "test-value2")

	// values of different sizes reuse or move the allocation
	large := bytes.Repeat([]byte("L"), 4000)
	if _, _, err := database.Put(ctx, []byte("test-key"), large); err != nil {
		t.Fatalf("Put of large value failed: %v", err)
	}
	expectValue(t, database, "test-key", string(large))
	mustPut(t, database, "test-key", "s")
	expectValue(t, database, "test-key", "s")
}

func testRemove(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeaturePut|db.FeatureRemove)
	ctx := context.Background()

	mustPut(t, database, "k", "v")
	prev, removed, err := database.Remove(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed || string(prev) != "v" {
		t.Errorf("Expected Remove to return the previous value v, got %q (removed=%t)", prev, removed)
	}
	expectAbsent(t, database, "k")

	seq := database.ModSeq()
	_, removed, err = database.Remove(ctx, []byte("k"))
	if err != nil || removed {
		t.Errorf("Removing a tombstone should be a no-op, removed=%t err=%v", removed, err)
	}
	_, removed, err = database.Remove(ctx, []byte("never-written"))
	if err != nil || removed {
		t.Errorf("Removing an absent key should be a no-op, removed=%t err=%v", removed, err)
	}
	if database.ModSeq() != seq {
		t.Errorf("No-op removes must not change the modification sequence")
	}

	// put after remove revives the key
	_, replaced, err := database.Put(ctx, []byte("k"), []byte("v2"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if replaced {
		t.Errorf("Put over a tombstone should not report a replaced value")
	}
	expectValue(t, database, "k", "v2")
}

func testAcquireForUpdate(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureAcquireForUpdate)
	ctx := context.Background()

	h, err := database.AcquireForUpdate(ctx, []byte("counter"))
	if err != nil {
		t.Fatalf("AcquireForUpdate failed: %v", err)
	}
	if _, present, _ := h.Value(); present {
		t.Errorf("Expected no value for a new key")
	}
	if _, exists := h.Meta(); exists {
		t.Errorf("Expected no metadata for a new key")
	}
	if err := h.Set([]byte("1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, present, _ := h.Value(); !present || string(v) != "1" {
		t.Errorf("Expected handle to see its own write, got %q", v)
	}
	if err := h.Set([]byte("2")); err != nil {
		t.Fatalf("second Set failed: %v", err)
	}
	meta, exists := h.Meta()
	if !exists || meta.Origin != database.ReplicaID() {
		t.Errorf("Expected local metadata, got %+v", meta)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close should be idempotent, got %v", err)
	}
	if err := h.Set([]byte("3")); !errors.Is(err, db.ErrHandleClosed) {
		t.Errorf("Expected ErrHandleClosed after Close, got %v", err)
	}
	expectValue(t, database, "counter", "2")

	h, err = database.AcquireForUpdate(ctx, []byte("counter"))
	if err != nil {
		t.Fatalf("AcquireForUpdate failed: %v", err)
	}
	removed, err := h.Remove()
	if err != nil || !removed {
		t.Errorf("Expected handle Remove to succeed, removed=%t err=%v", removed, err)
	}
	_ = h.Close()
	expectAbsent(t, database, "counter")
}

func testReentrancy(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureAcquireForUpdate)

	h, err := database.AcquireForUpdate(context.Background(), []byte("key"))
	if err != nil {
		t.Fatalf("AcquireForUpdate failed: %v", err)
	}
	defer h.Close()

	ctx, cancel := context.WithTimeout(h.Context(context.Background()), time.Second)
	defer cancel()

	start := time.Now()
	_, _, err = database.Put(ctx, []byte("key"), []byte("v"))
	if !errors.Is(err, db.ErrReentrantLock) {
		t.Errorf("Expected ErrReentrantLock for a nested Put on the same key, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Reentrant acquisition must fail fast")
	}
}

func testApplyRemote(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureReplication)
	ctx := context.Background()

	rec := db.Record{Key: []byte("a"), Value: []byte("1"), Meta: db.Meta{Timestamp: 5, Origin: 1}}
	applied, err := database.ApplyRemote(ctx, rec)
	if err != nil || !applied {
		t.Fatalf("Expected first remote record to apply, applied=%t err=%v", applied, err)
	}

	// equal metadata is a no-op
	seq := database.ModSeq()
	applied, _ = database.ApplyRemote(ctx, rec)
	if applied || database.ModSeq() != seq {
		t.Errorf("Redelivery must not change anything")
	}

	// same timestamp, higher origin wins
	applied, _ = database.ApplyRemote(ctx, db.Record{Key: []byte("a"), Value: []byte("2"), Meta: db.Meta{Timestamp: 5, Origin: 2}})
	if !applied {
		t.Errorf("Expected higher origin to win the tie")
	}
	expectValue(t, database, "a", "2")

	// older records lose
	applied, _ = database.ApplyRemote(ctx, db.Record{Key: []byte("a"), Value: []byte("old"), Meta: db.Meta{Timestamp: 4, Origin: 9}})
	if applied {
		t.Errorf("Expected older record to be discarded")
	}
	expectValue(t, database, "a", "2")

	// a tombstone for an unknown key is kept, an older put can not resurrect it
	applied, _ = database.ApplyRemote(ctx, db.Record{Key: []byte("k"), Meta: db.Meta{Timestamp: 10, Origin: 1}, Tombstone: true})
	if !applied {
		t.Errorf("Expected tombstone to apply")
	}
	applied, _ = database.ApplyRemote(ctx, db.Record{Key: []byte("k"), Value: []byte("v"), Meta: db.Meta{Timestamp: 9, Origin: 1}})
	if applied {
		t.Errorf("Expected older put to lose against the tombstone")
	}
	expectAbsent(t, database, "k")

	// a local write dominates whatever it overwrites
	mustPut(t, database, "a", "local")
	applied, _ = database.ApplyRemote(ctx, db.Record{Key: []byte("a"), Value: []byte("x"), Meta: db.Meta{Timestamp: 5, Origin: 2}})
	if applied {
		t.Errorf("Expected the overwritten remote state to lose against the local write")
	}
	expectValue(t, database, "a", "local")
}

func testScanModified(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureReplication)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		mustPut(t, database, fmt.Sprintf("key-%d", i), "v")
	}
	mid := database.ModSeq()
	mustPut(t, database, "key-1", "changed")
	if _, _, err := database.Remove(ctx, []byte("key-2")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	seen := map[string]*db.Record{}
	watermark, err := database.ScanModified(ctx, 0, func(rec *db.Record) error {
		seen[string(rec.Key)] = rec
		return nil
	})
	if err != nil {
		t.Fatalf("ScanModified failed: %v", err)
	}
	if watermark != database.ModSeq() {
		t.Errorf("Expected watermark %d, got %d", database.ModSeq(), watermark)
	}
	if len(seen) != 50 {
		t.Errorf("Expected 50 records, got %d", len(seen))
	}

	seen = map[string]*db.Record{}
	if _, err := database.ScanModified(ctx, mid, func(rec *db.Record) error {
		seen[string(rec.Key)] = rec
		return nil
	}); err != nil {
		t.Fatalf("ScanModified failed: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("Expected 2 records modified after %d, got %d", mid, len(seen))
	}
	if r := seen["key-1"]; r == nil || string(r.Value) != "changed" {
		t.Errorf("Expected key-1 with its latest value, got %+v", r)
	}
	if r := seen["key-2"]; r == nil || !r.Tombstone {
		t.Errorf("Expected key-2 as tombstone, got %+v", r)
	}

	stop := errors.New("stop")
	if _, err := database.ScanModified(ctx, 0, func(*db.Record) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("Expected callback error to abort the scan, got %v", err)
	}
}

func testReclaim(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureReclaim)
	ctx := context.Background()

	mustPut(t, database, "a", "1")
	mustPut(t, database, "b", "2")
	if _, _, err := database.Remove(ctx, []byte("a")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	acked := database.ModSeq()
	if _, _, err := database.Remove(ctx, []byte("b")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// b is not acknowledged yet
	n, err := database.Reclaim(ctx, acked, 0)
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reclaimed tombstone, got %d", n)
	}

	// the grace period keeps young tombstones
	n, _ = database.Reclaim(ctx, database.ModSeq(), time.Hour)
	if n != 0 {
		t.Errorf("Expected no tombstone older than the grace period, got %d", n)
	}

	n, _ = database.Reclaim(ctx, database.ModSeq(), 0)
	if n != 1 {
		t.Errorf("Expected 1 reclaimed tombstone, got %d", n)
	}

	var count int
	_, _ = database.ScanModified(ctx, 0, func(*db.Record) error { count++; return nil })
	if count != 0 {
		t.Errorf("Expected empty map after reclaim, found %d records", count)
	}
	expectAbsent(t, database, "a")
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	db1 := factory()
	defer db1.Close()

	requireFeature(t, db1, db.FeatureSave|db.FeatureLoad)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		mustPut(t, db1, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
	}
	_, _, _ = db1.Remove(ctx, []byte("key-7"))

	var buf bytes.Buffer
	if err := db1.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	db2 := factory()
	defer db2.Close()
	if err := db2.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := map[string]*db.Record{}
	_, _ = db1.ScanModified(ctx, 0, func(rec *db.Record) error { want[string(rec.Key)] = rec; return nil })
	got := map[string]*db.Record{}
	_, _ = db2.ScanModified(ctx, 0, func(rec *db.Record) error { got[string(rec.Key)] = rec; return nil })

	if len(got) != len(want) {
		t.Fatalf("Expected %d records after load, got %d", len(want), len(got))
	}
	for k, w := range want {
		g := got[k]
		if g == nil || g.Meta != w.Meta || g.Tombstone != w.Tombstone || !bytes.Equal(g.Value, w.Value) {
			t.Errorf("Record %q differs after load: want %+v, got %+v", k, w, g)
		}
	}

	// loading again changes nothing
	seq := db2.ModSeq()
	if err := db2.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if db2.ModSeq() != seq {
		t.Errorf("Loading the same snapshot twice must be a no-op")
	}

	if err := db2.Load(bytes.NewReader([]byte("garbage garbage garbage garbage"))); err == nil {
		t.Errorf("Expected Load of garbage to fail")
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()
	ctx := context.Background()

	// empty key and empty value
	mustPut(t, database, "", "empty-key")
	expectValue(t, database, "", "empty-key")

	mustPut(t, database, "empty-value", "")
	v, found, err := database.Get(ctx, []byte("empty-value"))
	if err != nil || !found || len(v) != 0 {
		t.Errorf("Expected an empty but present value, got %q found=%t err=%v", v, found, err)
	}

	// binary keys are compared byte wise
	k1 := []byte{0, 1, 2}
	k2 := []byte{0, 1, 3}
	if _, _, err := database.Put(ctx, k1, []byte("one")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, found, _ := database.Get(ctx, k2); found {
		t.Errorf("Keys differing in the last byte must not collide")
	}

	// keys of different length sharing a prefix
	mustPut(t, database, "prefix", "short")
	mustPut(t, database, "prefix-long", "long")
	expectValue(t, database, "prefix", "short")
	expectValue(t, database, "prefix-long", "long")
}

func testManyKeys(t *testing.T, database db.KVDB) {
	defer database.Close()

	const n = 5000
	for i := 0; i < n; i++ {
		mustPut(t, database, fmt.Sprintf("collision-test-%d", i), fmt.Sprintf("value-%d", i))
	}
	for i := 0; i < n; i++ {
		expectValue(t, database, fmt.Sprintf("collision-test-%d", i), fmt.Sprintf("value-%d", i))
	}
	for i := 0; i < n; i += 2 {
		if _, _, err := database.Remove(context.Background(), []byte(fmt.Sprintf("collision-test-%d", i))); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("collision-test-%d", i)
		if i%2 == 0 {
			expectAbsent(t, database, key)
		} else {
			expectValue(t, database, key, fmt.Sprintf("value-%d", i))
		}
	}
}

// testConcurrentUsage increments counters through handles from many goroutines.
// Lost updates would show up as a smaller final count.
func testConcurrentUsage(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureAcquireForUpdate)

	const (
		workers    = 8
		increments = 200
		counters   = 4
	)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				key := []byte(fmt.Sprintf("counter-%d", (w+i)%counters))
				h, err := database.AcquireForUpdate(context.Background(), key)
				if err != nil {
					errs <- err
					return
				}
				v, _, _ := h.Value()
				var n int
				if len(v) > 0 {
					_, _ = fmt.Sscanf(string(v), "%d", &n)
				}
				err = h.Set([]byte(fmt.Sprint(n + 1)))
				_ = h.Close()
				if err != nil {
					errs <- err
					return
				}

				// readers run concurrently with the updates
				if _, _, err := database.Get(context.Background(), key); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation failed: %v", err)
	}

	total := 0
	for c := 0; c < counters; c++ {
		v, _, _ := database.Get(context.Background(), []byte(fmt.Sprintf("counter-%d", c)))
		var n int
		_, _ = fmt.Sscanf(string(v), "%d", &n)
		total += n
	}
	if total != workers*increments {
		t.Errorf("Expected %d increments, counted %d", workers*increments, total)
	}
}
