package offheap

import (
	"testing"

	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/ValentinKolb/rKV/lib/db"
	dbtesting "github.com/ValentinKolb/rKV/lib/db/testing"
)

func testConfig() common.MapConfig {
	return common.MapConfig{
		ReplicaID:    1,
		Entries:      20_000,
		AvgKeySize:   16,
		AvgValueSize: 32,
		Checksums:    true,
	}
}

func factory() db.KVDB {
	database, err := NewOffHeapDB(testConfig())
	if err != nil {
		panic(err)
	}
	return database
}

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "OffHeapDB", factory)
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "OffHeapDB", factory)
}
