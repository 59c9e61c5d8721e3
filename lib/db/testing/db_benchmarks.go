package testing

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
)

// benchKeys bounds the key space of the benchmarks. Maps have a fixed capacity,
// so keys are reused instead of growing without limit.
const benchKeys = 5000

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Put", func(b *testing.B) {
			benchmarkPut(b, factory())
		})

		b.Run("PutLargeValue", func(b *testing.B) {
			benchmarkPutLargeValue(b, factory())
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory())
		})

		b.Run("Get(not)", func(b *testing.B) {
			benchmarkGetNot(b, factory())
		})

		b.Run("Remove", func(b *testing.B) {
			benchmarkRemove(b, factory())
		})

		b.Run("AcquireForUpdate", func(b *testing.B) {
			benchmarkAcquireForUpdate(b, factory())
		})

		b.Run("ApplyRemote", func(b *testing.B) {
			benchmarkApplyRemote(b, factory())
		})

		b.Run("SaveLoad", func(b *testing.B) {
			benchmarkSaveLoad(b, factory)
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory())
		})
	})
}

func fill(b *testing.B, database db.KVDB, n int) {
	for i := 0; i < n; i++ {
		if _, _, err := database.Put(context.Background(), []byte(fmt.Sprintf("test-key-%d", i)), []byte(fmt.Sprintf("test-value-%d", i))); err != nil {
			b.Fatalf("fill: %v", err)
		}
	}
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for Put operation
func benchmarkPut(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := []byte(fmt.Sprintf("test-key-%d", counter%benchKeys))
			value := []byte(fmt.Sprintf("test-value-%d", counter))
			database.Put(ctx, key, value)
			counter++
		}
	})
}

// Benchmark for Put operation with values spanning many chunks
func benchmarkPutLargeValue(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut)
	ctx := context.Background()
	largeValue := bytes.Repeat([]byte("x"), 2048)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := []byte(fmt.Sprintf("test-key-%d", counter%100))
			database.Put(ctx, key, largeValue)
			counter++
		}
	})
}

// Parallel benchmarking for Get operation
func benchmarkGet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut|db.FeatureGet)
	fill(b, database, benchKeys)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Get(ctx, []byte(fmt.Sprintf("test-key-%d", counter%benchKeys)))
			counter++
		}
	})
}

// Parallel benchmarking for Get operation on absent keys
func benchmarkGetNot(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut|db.FeatureGet)
	fill(b, database, benchKeys)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Get(ctx, []byte(fmt.Sprintf("missing-key-%d", counter)))
			counter++
		}
	})
}

// Parallel benchmarking for Remove operation
func benchmarkRemove(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut|db.FeatureRemove)
	fill(b, database, benchKeys)
	ctx := context.Background()

	// Counter for atomic access
	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := atomic.AddInt64(&counter, 1)
			key := []byte(fmt.Sprintf("test-key-%d", i%benchKeys))
			if i%2 == 0 {
				database.Remove(ctx, key)
			} else {
				database.Put(ctx, key, []byte("revived"))
			}
		}
	})
}

// Benchmark for read-modify-write through handles
func benchmarkAcquireForUpdate(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureAcquireForUpdate)
	fill(b, database, benchKeys)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			h, err := database.AcquireForUpdate(ctx, []byte(fmt.Sprintf("test-key-%d", counter%benchKeys)))
			if err != nil {
				b.Errorf("AcquireForUpdate failed: %v", err)
				return
			}
			v, _, _ := h.Value()
			_ = h.Set(append(v[:0:0], 'x'))
			_ = h.Close()
			counter++
		}
	})
}

// Benchmark for applying replicated records, half of them losing the conflict
func benchmarkApplyRemote(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureReplication)
	ctx := context.Background()

	var ts uint64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			stamp := atomic.AddUint64(&ts, 1) + 1000
			if counter%2 == 1 {
				// older than most stored entries
				stamp -= 1000
			}
			database.ApplyRemote(ctx, db.Record{
				Key:   []byte(fmt.Sprintf("test-key-%d", counter%benchKeys)),
				Value: []byte("remote"),
				Meta:  db.Meta{Timestamp: stamp, Origin: 2},
			})
			counter++
		}
	})
}

// Benchmark for Save and Load operations
func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	database := factory()
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSave|db.FeatureLoad)
	fill(b, database, benchKeys)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		if err := database.Save(&buf); err != nil {
			b.Fatalf("Save failed: %v", err)
		}

		b.StopTimer()
		target := factory()
		b.StartTimer()

		if err := target.Load(&buf); err != nil {
			b.Fatalf("Load failed: %v", err)
		}

		b.StopTimer()
		target.Close()
		b.StartTimer()
	}
}

// Benchmark for mixed operations: 70% Get, 20% Put, 10% Remove
func benchmarkMixedUsage(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeaturePut|db.FeatureGet|db.FeatureRemove)
	fill(b, database, benchKeys)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for pb.Next() {
			key := []byte(fmt.Sprintf("test-key-%d", rnd.Intn(benchKeys)))
			switch r := rnd.Float32(); {
			case r < .7:
				database.Get(ctx, key)
			case r < .9:
				database.Put(ctx, key, []byte(fmt.Sprintf("test-updated-value-%d", counter)))
			default:
				database.Remove(ctx, key)
			}
			counter++
		}
	})
}
