package kv

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	log = logger.GetLogger("cli")

	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for map files",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 4
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 4, util.WrapString("How large the value for the put-large test should be (in KB). It must fit into the chunk arena of a segment"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	if perfKeySpread <= 0 {
		return fmt.Errorf("keys must be positive, got %d", perfKeySpread)
	}
	return nil
}

// benchmark is one entry of the perf suite. prepare runs before the timer starts.
type benchmark struct {
	name    string
	prepare func(keys []string)
	op      func(ctx context.Context, key string, i int) error
}

func runPerf(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for map files")

	conf, err := util.GetMapConfig()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(conf.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()
	fmt.Println("starting tests...")

	ctx := cmd.Context()
	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)

	fill := func(keys []string) {
		for _, k := range keys {
			if _, _, err := kvStore.Put(ctx, k, value); err != nil {
				log.Warningf("(prepare) - error putting key: %v", err)
			}
		}
	}

	benchmarks := []benchmark{
		{name: "put", op: func(ctx context.Context, key string, _ int) error {
			_, _, err := kvStore.Put(ctx, key, value)
			return err
		}},
		{name: "put-large", op: func(ctx context.Context, key string, _ int) error {
			_, _, err := kvStore.Put(ctx, key, largeValue)
			return err
		}},
		{name: "get", prepare: fill, op: func(ctx context.Context, key string, _ int) error {
			_, _, err := kvStore.Get(ctx, key)
			return err
		}},
		{name: "get-not", op: func(ctx context.Context, _ string, i int) error {
			_, _, err := kvStore.Get(ctx, fmt.Sprintf("%s/get-not-%d", perfKeyPrefix, i%100))
			return err
		}},
		{name: "delete", prepare: fill, op: func(ctx context.Context, key string, _ int) error {
			_, _, err := kvStore.Remove(ctx, key)
			return err
		}},
		{name: "acquire", op: func(ctx context.Context, key string, _ int) error {
			h, err := kvStore.Acquire(ctx, key, make([]byte, 8))
			if err != nil {
				return err
			}
			defer h.Close()
			v, _, err := h.Value()
			if err != nil || len(v) != 8 {
				v = make([]byte, 8)
			}
			binary.BigEndian.PutUint64(v, binary.BigEndian.Uint64(v)+1)
			return h.Set(v)
		}},
		{name: "mixed", prepare: fill, op: func(ctx context.Context, key string, i int) error {
			var err error
			switch i % 4 {
			case 0:
				_, _, err = kvStore.Put(ctx, key, value)
			case 1, 3:
				_, _, err = kvStore.Get(ctx, key)
			case 2:
				_, _, err = kvStore.Remove(ctx, key)
			}
			return err
		}},
	}

	var results []perfResult
	for _, bm := range benchmarks {
		if shouldSkip(bm.name) {
			results = append(results, perfResult{name: bm.name, skipped: true})
			fmt.Printf("%-20sskipped\n", bm.name)
			continue
		}

		keys := perfKeys(bm.name)
		result := testing.Benchmark(func(b *testing.B) {
			if bm.prepare != nil {
				bm.prepare(keys)
			}
			b.Cleanup(func() {
				for _, k := range keys {
					if _, _, err := kvStore.Remove(ctx, k); err != nil {
						log.Warningf("(%s) - error deleting key: %v", bm.name, err)
					}
				}
			})

			b.SetParallelism(perfNumThreads)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for i := 0; pb.Next(); i++ {
					if err := bm.op(ctx, keys[i%len(keys)], i); err != nil {
						log.Warningf("(%s) - error: %v", bm.name, err)
					}
				}
			})
		})

		r := perfResult{name: bm.name, nsPerOp: math.Max(float64(result.NsPerOp()), 1)}
		results = append(results, r)
		fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", r.name, r.nsPerOp, r.perOp(), r.opsPerSec())
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, conf); err != nil {
			return errors.Wrap(err, "export results")
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type perfResult struct {
	name    string
	nsPerOp float64
	skipped bool
}

func (r perfResult) perOp() time.Duration { return time.Duration(r.nsPerOp) }

func (r perfResult) opsPerSec() float64 {
	if r.nsPerOp == 0 {
		return 0
	}
	return 1e9 / r.nsPerOp
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if strings.TrimSpace(skip) == test {
			return true
		}
	}
	return false
}

// perfKeys returns the key set of one benchmark, disjoint from the keys of the others
func perfKeys(test string) []string {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s/%s/%d", perfKeyPrefix, test, i)
	}
	return keys
}

// writeResultsToCSV writes one row per benchmark, followed by the map geometry and perf flags
func writeResultsToCSV(csvPath string, results []perfResult, conf common.MapConfig) (err error) {
	file, err := os.Create(csvPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(file)
	rows := [][]string{{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Path", "Entries", "ChunkSize", "Segments", "Checksums",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}}
	for _, r := range results {
		rows = append(rows, []string{
			r.name,
			strconv.FormatFloat(r.nsPerOp, 'f', 0, 64),
			r.perOp().String(),
			strconv.FormatFloat(r.opsPerSec(), 'f', 0, 64),
			strconv.FormatBool(r.skipped),
			conf.Path,
			strconv.FormatUint(conf.Entries, 10),
			strconv.Itoa(conf.ChunkSize),
			strconv.Itoa(conf.Segments),
			strconv.FormatBool(conf.Checksums),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		})
	}
	return w.WriteAll(rows)
}
